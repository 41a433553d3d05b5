package toxfile

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/opd-ai/toxfile/file"
	"github.com/opd-ai/toxfile/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	senderSideFriend   = 1 // the receiver, as seen by the sender
	receiverSideFriend = 2 // the sender, as seen by the receiver
)

type clientPair struct {
	sender, receiver *Client
	a, b             *transport.LoopbackTransport
	downloads        string

	mu        sync.Mutex
	incoming  *file.Transfer
	acceptErr error
}

type pairConfig struct {
	senderStore, receiverStore string
	downloads                  string
}

func testOptions(tr transport.Transport, storePath, downloads string) *Options {
	options := NewOptions()
	options.Transport = tr
	options.ListenAddr = ""
	options.DownloadDir = downloads
	options.ResumeStorePath = storePath
	options.LogLevel = "warn"
	options.IterationInterval = time.Millisecond
	options.ChunkSize = 1024
	options.WindowSize = 4096
	options.SpeedSampleInterval = -1
	return options
}

func newClientPair(t *testing.T, cfg pairConfig) *clientPair {
	t.Helper()
	if cfg.downloads == "" {
		cfg.downloads = t.TempDir()
	}

	a, b := transport.NewLoopbackPair()
	sender, err := New(testOptions(a, cfg.senderStore, t.TempDir()))
	require.NoError(t, err)
	receiver, err := New(testOptions(b, cfg.receiverStore, cfg.downloads))
	require.NoError(t, err)

	sender.AddFriend(senderSideFriend, b.LocalAddr())
	receiver.AddFriend(receiverSideFriend, a.LocalAddr())

	p := &clientPair{sender: sender, receiver: receiver, a: a, b: b, downloads: cfg.downloads}
	receiver.OnFileRecv(func(t *file.Transfer) {
		err := receiver.AcceptFile(t)
		p.mu.Lock()
		defer p.mu.Unlock()
		p.incoming = t
		p.acceptErr = err
	})
	return p
}

func (p *clientPair) close() {
	_ = p.sender.Close()
	_ = p.receiver.Close()
	_ = p.a.Close()
	_ = p.b.Close()
}

func (p *clientPair) incomingTransfer() *file.Transfer {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.incoming
}

// pumpUntil drives the sender's scheduler until cond holds.
func (p *clientPair) pumpUntil(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		p.sender.Iterate()
		return cond()
	}, 10*time.Second, time.Millisecond)
}

func writeSource(t *testing.T, size int) (string, []byte) {
	t.Helper()
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i*31 + i/256)
	}
	path := filepath.Join(t.TempDir(), "payload.bin")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path, data
}

func finished(t *file.Transfer) bool {
	return t != nil && t.State() == file.TransferStateFinished
}

func TestClientTransfersFile(t *testing.T) {
	p := newClientPair(t, pairConfig{})
	defer p.close()

	src, data := writeSource(t, 50*1024+123)
	out, err := p.sender.SendFile(senderSideFriend, src, file.KindData)
	require.NoError(t, err)
	assert.Equal(t, "payload.bin", out.Name())

	p.pumpUntil(t, func() bool {
		return finished(out) && finished(p.incomingTransfer())
	})

	p.mu.Lock()
	acceptErr := p.acceptErr
	p.mu.Unlock()
	require.NoError(t, acceptErr)

	got, err := os.ReadFile(filepath.Join(p.downloads, "payload.bin"))
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Empty(t, p.sender.Transfers())
	assert.Eventually(t, func() bool { return len(p.receiver.Transfers()) == 0 }, time.Second, time.Millisecond)
}

func TestClientResumesAfterFriendDisconnect(t *testing.T) {
	p := newClientPair(t, pairConfig{})
	defer p.close()

	src, data := writeSource(t, 64*1024)
	out, err := p.sender.SendFile(senderSideFriend, src, file.KindData)
	require.NoError(t, err)

	p.pumpUntil(t, func() bool {
		in := p.incomingTransfer()
		return in != nil && in.Transferred() >= 8*1024
	})

	p.sender.SetFriendConnected(senderSideFriend, false)
	p.receiver.SetFriendConnected(receiverSideFriend, false)
	in := p.incomingTransfer()
	assert.Equal(t, file.TransferStateBroken, out.State())
	assert.Equal(t, file.TransferStateBroken, in.State())

	records, err := p.receiver.tokens.List()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, filepath.Join(p.downloads, "payload.bin"), records[0].Path)
	assert.Equal(t, in.FileID(), records[0].Token.FileID)

	p.sender.SetFriendConnected(senderSideFriend, true)
	p.pumpUntil(t, func() bool {
		return finished(out) && finished(in)
	})

	got, err := os.ReadFile(filepath.Join(p.downloads, "payload.bin"))
	require.NoError(t, err)
	assert.Equal(t, data, got)

	assert.Eventually(t, func() bool {
		records, err := p.receiver.tokens.List()
		return err == nil && len(records) == 0
	}, time.Second, time.Millisecond, "finished transfers leave no resume record")
	records, err = p.sender.tokens.List()
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestClientReacceptKeepsDownload(t *testing.T) {
	p := newClientPair(t, pairConfig{})
	defer p.close()

	src, _ := writeSource(t, 64*1024)
	_, err := p.sender.SendFile(senderSideFriend, src, file.KindData)
	require.NoError(t, err)

	p.pumpUntil(t, func() bool {
		in := p.incomingTransfer()
		return in != nil && in.Transferred() >= 8*1024
	})
	in := p.incomingTransfer()

	// A second accept of a running download must not touch the destination.
	assert.ErrorIs(t, p.receiver.AcceptFile(in), file.ErrInvalidTransition)

	p.sender.SetFriendConnected(senderSideFriend, false)
	p.receiver.SetFriendConnected(receiverSideFriend, false)
	require.Equal(t, file.TransferStateBroken, in.State())

	dest := filepath.Join(p.downloads, "payload.bin")
	info, err := os.Stat(dest)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, info.Size(), int64(8*1024))
	assert.Equal(t, int64(in.Transferred()), info.Size())

	records, err := p.receiver.tokens.List()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, dest, records[0].Path)
	assert.Equal(t, in.Transferred(), records[0].Token.Transferred)
}

func TestClientRestoresAfterRestart(t *testing.T) {
	cfg := pairConfig{
		senderStore:   t.TempDir(),
		receiverStore: t.TempDir(),
		downloads:     t.TempDir(),
	}

	first := newClientPair(t, cfg)
	src, data := writeSource(t, 64*1024)
	_, err := first.sender.SendFile(senderSideFriend, src, file.KindData)
	require.NoError(t, err)
	first.pumpUntil(t, func() bool {
		in := first.incomingTransfer()
		return in != nil && in.Transferred() >= 8*1024
	})
	first.close()

	second := newClientPair(t, cfg)
	defer second.close()

	incoming, err := second.receiver.Restore()
	require.NoError(t, err)
	require.Len(t, incoming, 1)
	in := incoming[0]
	assert.Equal(t, file.TransferStateBroken, in.State())
	assert.Equal(t, file.TransferDirectionIncoming, in.Direction())
	assert.NotZero(t, in.Transferred())

	outgoing, err := second.sender.Restore()
	require.NoError(t, err)
	require.Len(t, outgoing, 1)
	out := outgoing[0]
	assert.Equal(t, in.FileID(), out.FileID())

	second.sender.SetFriendConnected(senderSideFriend, true)
	second.pumpUntil(t, func() bool {
		return finished(out) && finished(in)
	})

	got, err := os.ReadFile(filepath.Join(cfg.downloads, "payload.bin"))
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Nil(t, second.incomingTransfer(), "a restored transfer is not offered again")
}

func TestClientRejectsTraversalNames(t *testing.T) {
	p := newClientPair(t, pairConfig{})
	defer p.close()
	p.receiver.OnFileRecv(nil)

	offer, _, err := p.receiver.Manager().Registry(receiverSideFriend).
		HandleSendRequest(file.FileID{1}, file.KindData, 10, "../escape.txt")
	require.NoError(t, err)

	assert.ErrorIs(t, p.receiver.AcceptFile(offer), file.ErrDirectoryTraversal)
	assert.Equal(t, file.TransferStatePending, offer.State())
}

func TestClientSendFileErrors(t *testing.T) {
	p := newClientPair(t, pairConfig{})
	defer p.close()

	_, err := p.sender.SendFile(senderSideFriend, filepath.Join(t.TempDir(), "missing.bin"), file.KindData)
	assert.ErrorIs(t, err, os.ErrNotExist)

	src, _ := writeSource(t, 16)
	_, err = p.sender.SendFile(99, src, file.KindData)
	assert.ErrorIs(t, err, ErrUnknownFriend)
	assert.Empty(t, p.sender.Transfers())
}

func TestAddressBook(t *testing.T) {
	book := newAddressBook()
	addr := transport.LoopbackAddr("peer")
	book.set(5, addr)

	id, err := book.ResolveFriendID(addr)
	require.NoError(t, err)
	assert.Equal(t, uint32(5), id)

	// Re-registering moves the friend to the new address.
	moved := transport.LoopbackAddr("peer-2")
	book.set(5, moved)
	_, err = book.ResolveFriendID(addr)
	assert.ErrorIs(t, err, ErrUnknownFriend)

	got, err := book.ResolveAddress(5)
	require.NoError(t, err)
	assert.Equal(t, moved, got)

	book.remove(5)
	_, err = book.ResolveAddress(5)
	assert.ErrorIs(t, err, ErrUnknownFriend)
}

// recordingTransport captures sent packets and lets a test inject inbound
// ones as if they came from a peer.
type recordingTransport struct {
	mu       sync.Mutex
	handlers map[transport.PacketType]transport.PacketHandler
	sent     []recordedSend
}

type recordedSend struct {
	packetType transport.PacketType
	to         net.Addr
}

func newRecordingTransport() *recordingTransport {
	return &recordingTransport{handlers: make(map[transport.PacketType]transport.PacketHandler)}
}

func (r *recordingTransport) Send(packet *transport.Packet, addr net.Addr) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, recordedSend{packetType: packet.PacketType, to: addr})
	return nil
}

func (r *recordingTransport) Close() error { return nil }

func (r *recordingTransport) LocalAddr() net.Addr { return transport.LoopbackAddr("local") }

func (r *recordingTransport) RegisterHandler(packetType transport.PacketType, handler transport.PacketHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[packetType] = handler
}

func (r *recordingTransport) deliver(packetType transport.PacketType, data []byte, from net.Addr) error {
	r.mu.Lock()
	handler, ok := r.handlers[packetType]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("no handler for %s", packetType)
	}
	return handler(&transport.Packet{PacketType: packetType, Data: data}, from)
}

// drainRequests counts file requests per destination and forgets everything
// sent so far.
func (r *recordingTransport) drainRequests() map[net.Addr]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	counts := make(map[net.Addr]int)
	for _, s := range r.sent {
		if s.packetType == transport.PacketFileRequest {
			counts[s.to]++
		}
	}
	r.sent = nil
	return counts
}

// acceptFrom plays the receiving peer accepting t from the start.
func acceptFrom(t *testing.T, tr *recordingTransport, out *file.Transfer, from net.Addr) {
	t.Helper()
	id := out.FileID()
	data := append(id[:], byte(file.ControlResume))
	data = append(data, make([]byte, 8)...)
	require.NoError(t, tr.deliver(transport.PacketFileControl, data, from))
	require.Equal(t, file.TransferStateInProgress, out.State())
}

func newRecordingClient(t *testing.T, autoResume bool) (*Client, *recordingTransport) {
	t.Helper()
	tr := newRecordingTransport()
	options := testOptions(tr, "", t.TempDir())
	options.AutoResume = autoResume
	c, err := New(options)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, tr
}

func TestClientRemoveFriend(t *testing.T) {
	c, tr := newRecordingClient(t, true)
	src, _ := writeSource(t, 4096)

	kept, gone := transport.LoopbackAddr("peer-1"), transport.LoopbackAddr("peer-2")
	c.AddFriend(1, kept)
	c.AddFriend(2, gone)
	keptOut, err := c.SendFile(1, src, file.KindData)
	require.NoError(t, err)
	goneOut, err := c.SendFile(2, src, file.KindData)
	require.NoError(t, err)
	acceptFrom(t, tr, keptOut, kept)
	acceptFrom(t, tr, goneOut, gone)

	c.RemoveFriend(2)
	assert.Equal(t, file.TransferStateBroken, goneOut.State())
	assert.Equal(t, file.TransferStateInProgress, keptOut.State())

	records, err := c.tokens.List()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, uint32(2), records[0].Token.FriendID)
	assert.Equal(t, src, records[0].Path)

	_, err = c.book.ResolveAddress(2)
	assert.ErrorIs(t, err, ErrUnknownFriend)
	_, err = c.book.ResolveFriendID(gone)
	assert.ErrorIs(t, err, ErrUnknownFriend)

	// Packets from the forgotten address are refused.
	id := goneOut.FileID()
	ack := append(id[:], make([]byte, 8)...)
	assert.ErrorIs(t, tr.deliver(transport.PacketFileDataAck, ack, gone), ErrUnknownFriend)

	// Coming back online re-announces only to friends still in the book.
	c.SetSelfConnected(false)
	assert.Equal(t, file.TransferStateBroken, keptOut.State())
	tr.drainRequests()

	c.SetSelfConnected(true)
	assert.Equal(t, map[net.Addr]int{kept: 1}, tr.drainRequests())
	assert.Equal(t, file.TransferStateInProgress, keptOut.State())
	assert.Equal(t, file.TransferStateBroken, goneOut.State())
}

func TestClientSelfReconnectResumesEveryFriend(t *testing.T) {
	tests := []struct {
		name       string
		autoResume bool
	}{
		{"auto resume", true},
		{"manual resume", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, tr := newRecordingClient(t, tt.autoResume)
			src, _ := writeSource(t, 4096)

			peers := map[uint32]net.Addr{
				1: transport.LoopbackAddr("peer-1"),
				2: transport.LoopbackAddr("peer-2"),
				3: transport.LoopbackAddr("peer-3"),
			}
			outs := make(map[uint32]*file.Transfer)
			for friendID, addr := range peers {
				c.AddFriend(friendID, addr)
				out, err := c.SendFile(friendID, src, file.KindData)
				require.NoError(t, err)
				acceptFrom(t, tr, out, addr)
				outs[friendID] = out
			}

			c.SetSelfConnected(false)
			for _, out := range outs {
				assert.Equal(t, file.TransferStateBroken, out.State())
			}
			records, err := c.tokens.List()
			require.NoError(t, err)
			assert.Len(t, records, len(peers))
			tr.drainRequests()

			c.SetSelfConnected(true)
			requests := tr.drainRequests()
			if !tt.autoResume {
				assert.Empty(t, requests)
				for _, out := range outs {
					assert.Equal(t, file.TransferStateBroken, out.State())
				}
				return
			}
			for friendID, addr := range peers {
				assert.Equal(t, 1, requests[addr], "friend %d", friendID)
				assert.Equal(t, file.TransferStateInProgress, outs[friendID].State())
			}
			assert.Len(t, requests, len(peers))
		})
	}
}
