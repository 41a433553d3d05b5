package file

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/opd-ai/toxfile/limits"
	"github.com/opd-ai/toxfile/transport"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
)

// ErrNoAddressResolver indicates the manager cannot map friends to addresses.
var ErrNoAddressResolver = errors.New("no address resolver configured")

// DefaultStallTimeout is how long a blocked send window waits for an
// acknowledgement before resending from the last acknowledged byte.
const DefaultStallTimeout = 2 * time.Second

// AddressResolver maps between network addresses and friend IDs.
// This interface allows the file transfer manager to properly map incoming
// packets to the correct friend and to address outgoing packets.
type AddressResolver interface {
	// ResolveFriendID returns the friend ID associated with the given address,
	// or an error if the address cannot be resolved to a known friend.
	ResolveFriendID(addr net.Addr) (uint32, error)
	// ResolveAddress returns the current address of a friend.
	ResolveAddress(friendID uint32) (net.Addr, error)
}

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	// Observer receives the events of every transfer the manager owns.
	Observer       Observer
	TimeProvider   TimeProvider
	SampleInterval time.Duration
	// ChunkSize is the length requested per chunk. Defaults to limits.DefaultChunkSize.
	ChunkSize uint32
	// WindowSize bounds unacknowledged bytes in flight per outgoing transfer.
	// Defaults to limits.DefaultWindowSize.
	WindowSize uint64
	// StallTimeout defaults to DefaultStallTimeout.
	StallTimeout time.Duration
}

// Manager coordinates file transfers with the network transport layer. It
// owns one Registry per friend, decodes inbound file packets and routes them
// to the registries, implements Messenger for outbound packets, and acts as
// the chunk scheduler for outgoing transfers (see Iterate).
type Manager struct {
	transport       transport.Transport
	config          ManagerConfig
	addressResolver AddressResolver
	recvCallback    func(*Transfer)

	mu         sync.RWMutex
	registries map[uint32]*Registry
	windows    map[transferKey]*sendWindow
}

// transferKey uniquely identifies a file transfer.
type transferKey struct {
	friendID uint32
	fileID   FileID
}

// sendWindow is the scheduler state of one outgoing transfer.
type sendWindow struct {
	next     uint64    // next position to request
	acked    uint64    // bytes the receiver confirmed
	accepted bool      // the receiver sent resume for the current announcement
	lastAck  time.Time // last accept or acknowledgement that moved acked
	eofSent  bool
}

// blocked reports whether the window cannot issue another request until an
// acknowledgement arrives.
func (w *sendWindow) blocked(size, windowSize uint64) bool {
	if w.next >= size {
		return w.acked < size
	}
	return w.next >= w.acked+windowSize
}

// NewManager creates a new file transfer manager with transport integration.
func NewManager(t transport.Transport, config ManagerConfig) *Manager {
	logrus.WithFields(logrus.Fields{
		"function": "NewManager",
	}).Info("Creating new file transfer manager")

	if config.Observer == nil {
		config.Observer = noopObserver{}
	}
	if config.ChunkSize == 0 {
		config.ChunkSize = limits.DefaultChunkSize
	}
	if config.WindowSize == 0 {
		config.WindowSize = limits.DefaultWindowSize
	}
	if config.StallTimeout == 0 {
		config.StallTimeout = DefaultStallTimeout
	}
	if config.TimeProvider == nil {
		config.TimeProvider = defaultTimeProvider
	}

	m := &Manager{
		transport:  t,
		config:     config,
		registries: make(map[uint32]*Registry),
		windows:    make(map[transferKey]*sendWindow),
	}

	// Register packet handlers for file transfer
	if t != nil {
		t.RegisterHandler(transport.PacketFileRequest, m.handleFileRequest)
		t.RegisterHandler(transport.PacketFileControl, m.handleFileControl)
		t.RegisterHandler(transport.PacketFileChunkRequest, m.handleFileChunkRequest)
		t.RegisterHandler(transport.PacketFileData, m.handleFileData)
		t.RegisterHandler(transport.PacketFileDataAck, m.handleFileDataAck)
	}

	logrus.WithFields(logrus.Fields{
		"function":    "NewManager",
		"chunk_size":  config.ChunkSize,
		"window_size": config.WindowSize,
	}).Info("File transfer manager created with handlers registered")

	return m
}

// SetAddressResolver sets the resolver used to map network addresses to friend IDs.
// This must be called before any packet is sent or received.
func (m *Manager) SetAddressResolver(resolver AddressResolver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.addressResolver = resolver
	logrus.WithFields(logrus.Fields{
		"function":     "SetAddressResolver",
		"resolver_set": resolver != nil,
	}).Info("Address resolver configured")
}

// OnFileRecv sets the callback for new incoming transfers. The transfer is
// Pending; accept it with Transfer.Accept or reject it with Cancel.
func (m *Manager) OnFileRecv(callback func(t *Transfer)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recvCallback = callback
}

// Registry returns the registry of friendID, creating it on first use.
func (m *Manager) Registry(friendID uint32) *Registry {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r, ok := m.registries[friendID]; ok {
		return r
	}
	r := NewRegistry(friendID, RegistryConfig{
		TransferConfig: TransferConfig{
			Messenger:      m,
			Observer:       m,
			TimeProvider:   m.config.TimeProvider,
			SampleInterval: m.config.SampleInterval,
		},
		OnFileRecv: m.notifyFileRecv,
	})
	m.registries[friendID] = r
	return r
}

// existingRegistry returns the registry of friendID without creating one.
func (m *Manager) existingRegistry(friendID uint32) (*Registry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.registries[friendID]
	return r, ok
}

func (m *Manager) notifyFileRecv(t *Transfer) {
	m.mu.RLock()
	callback := m.recvCallback
	m.mu.RUnlock()

	if callback != nil {
		callback(t)
	}
}

// SendFile initiates an outgoing file transfer to a friend under a random file ID.
func (m *Manager) SendFile(friendID uint32, stream io.ReadSeeker, name string, kind Kind) (*Transfer, error) {
	return m.Registry(friendID).SendFile(stream, name, kind)
}

// SendFileWithID initiates an outgoing file transfer using the given file ID.
func (m *Manager) SendFileWithID(friendID uint32, stream io.ReadSeeker, fileID FileID, name string, kind Kind) (*Transfer, error) {
	return m.Registry(friendID).SendFileWithID(stream, fileID, name, kind)
}

// ResumeBrokenTransfer restores a transfer from token with a stream already
// positioned at token.Transferred. The transfer is Broken until Resume is
// called or, for incoming transfers, the friend announces the file again.
func (m *Manager) ResumeBrokenTransfer(token ResumeToken, stream Stream) (*Transfer, error) {
	return m.Registry(token.FriendID).Resume(token, stream)
}

// GetTransfer retrieves an active file transfer.
func (m *Manager) GetTransfer(friendID uint32, fileID FileID) (*Transfer, error) {
	r, ok := m.existingRegistry(friendID)
	if !ok {
		return nil, fmt.Errorf("%w: friend %d file %s", ErrTransferNotFound, friendID, fileID.short())
	}
	return r.Get(fileID)
}

// Transfers returns every live transfer across all friends.
func (m *Manager) Transfers() []*Transfer {
	m.mu.RLock()
	registries := lo.Values(m.registries)
	m.mu.RUnlock()

	return lo.FlatMap(registries, func(r *Registry, _ int) []*Transfer {
		return r.Transfers()
	})
}

// SetFriendConnected applies a friend connectivity change. Going offline
// breaks the friend's active transfers.
func (m *Manager) SetFriendConnected(friendID uint32, online bool) []*Transfer {
	r, ok := m.existingRegistry(friendID)
	if !ok {
		return nil
	}
	return r.SetConnected(online)
}

// SetSelfConnected applies a change of our own connectivity. Going offline
// breaks every active transfer.
func (m *Manager) SetSelfConnected(online bool) []*Transfer {
	m.mu.RLock()
	registries := lo.Values(m.registries)
	m.mu.RUnlock()

	logrus.WithFields(logrus.Fields{
		"function": "SetSelfConnected",
		"online":   online,
	}).Info("Self connectivity changed")

	return lo.FlatMap(registries, func(r *Registry, _ int) []*Transfer {
		return r.SetConnected(online)
	})
}

// Iterate runs one round of chunk scheduling. For every outgoing transfer
// that is InProgress and accepted by the receiver, chunk requests are issued
// until the window of unacknowledged bytes is full. Once every byte is
// acknowledged the end-of-file request finishes the transfer.
func (m *Manager) Iterate() {
	m.mu.RLock()
	keys := lo.Keys(m.windows)
	m.mu.RUnlock()

	for _, key := range keys {
		t, err := m.GetTransfer(key.friendID, key.fileID)
		if err != nil {
			m.dropWindow(key)
			continue
		}
		if t.State() != TransferStateInProgress {
			continue
		}
		m.pump(key, t)
	}
}

func (m *Manager) pump(key transferKey, t *Transfer) {
	for {
		position, length, ok := m.nextChunk(key, t.Size())
		if !ok {
			return
		}
		if err := t.HandleChunkRequest(position, length); err != nil {
			m.rewind(key, position)
			return
		}
		if length == 0 {
			return
		}
	}
}

// nextChunk reserves the next chunk request of an outgoing transfer. A
// window that stayed blocked for StallTimeout without an acknowledgement is
// rewound to the last acknowledged byte; the receiver overwrites what it
// already has and acknowledges again.
func (m *Manager) nextChunk(key transferKey, size uint64) (uint64, uint32, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.windows[key]
	if !ok || !w.accepted || w.eofSent {
		return 0, 0, false
	}
	if w.blocked(size, m.config.WindowSize) {
		if m.config.TimeProvider.Since(w.lastAck) < m.config.StallTimeout {
			return 0, 0, false
		}
		logrus.WithFields(logrus.Fields{
			"function":  "nextChunk",
			"friend_id": key.friendID,
			"file_id":   key.fileID.short(),
			"next":      w.next,
			"acked":     w.acked,
		}).Warn("Send window stalled, resending from last acknowledged byte")
		w.next = w.acked
		w.lastAck = m.config.TimeProvider.Now()
	}
	if w.next >= size {
		w.eofSent = true
		return size, 0, true
	}

	length := uint64(m.config.ChunkSize)
	if remaining := size - w.next; remaining < length {
		length = remaining
	}
	position := w.next
	w.next += length
	return position, uint32(length), true
}

// rewind returns a reserved chunk that could not be served.
func (m *Manager) rewind(key transferKey, position uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok := m.windows[key]; ok {
		w.next = position
		w.eofSent = false
	}
}

func (m *Manager) dropWindow(key transferKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.windows, key)
}

// SendRequest implements Messenger. Every announcement resets the send
// window until the receiver answers with resume.
func (m *Manager) SendRequest(friendID uint32, fileID FileID, kind Kind, size uint64, name string) error {
	m.mu.Lock()
	m.windows[transferKey{friendID: friendID, fileID: fileID}] = &sendWindow{}
	m.mu.Unlock()

	return m.send(friendID, transport.PacketFileRequest, serializeFileRequest(fileRequest{
		fileID: fileID,
		kind:   kind,
		size:   size,
		name:   name,
	}))
}

// SendControl implements Messenger. Resume signals for incoming transfers
// carry the committed byte count so the sender continues from there.
func (m *Manager) SendControl(friendID uint32, fileID FileID, control Control) error {
	var position uint64
	if t, err := m.GetTransfer(friendID, fileID); err == nil && t.Direction() == TransferDirectionIncoming {
		position = t.Transferred()
	}
	return m.send(friendID, transport.PacketFileControl, serializeFileControl(fileID, control, position))
}

// SendChunk implements Messenger.
func (m *Manager) SendChunk(friendID uint32, fileID FileID, position uint64, data []byte) error {
	return m.send(friendID, transport.PacketFileData, serializeFileData(fileID, position, data))
}

// RequestChunk asks the friend's side to serve a chunk of an outgoing
// transfer. Used by peers that schedule transfers from the receiving end.
func (m *Manager) RequestChunk(friendID uint32, fileID FileID, position uint64, length uint32) error {
	return m.send(friendID, transport.PacketFileChunkRequest, serializeFileChunkRequest(fileID, position, length))
}

func (m *Manager) send(friendID uint32, packetType transport.PacketType, data []byte) error {
	if m.transport == nil {
		return nil
	}
	addr, err := m.resolveAddress(friendID)
	if err != nil {
		return err
	}
	packet := &transport.Packet{PacketType: packetType, Data: data}
	if err := m.transport.Send(packet, addr); err != nil {
		return fmt.Errorf("failed to send %s: %w", packetType, err)
	}
	return nil
}

func (m *Manager) resolveAddress(friendID uint32) (net.Addr, error) {
	m.mu.RLock()
	resolver := m.addressResolver
	m.mu.RUnlock()

	if resolver == nil {
		return nil, ErrNoAddressResolver
	}
	return resolver.ResolveAddress(friendID)
}

func (m *Manager) resolveFriendID(addr net.Addr, functionName string) (uint32, error) {
	m.mu.RLock()
	resolver := m.addressResolver
	m.mu.RUnlock()

	if resolver == nil {
		return 0, ErrNoAddressResolver
	}
	friendID, err := resolver.ResolveFriendID(addr)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": functionName,
			"address":  addr.String(),
			"error":    err.Error(),
		}).Warn("Failed to resolve friend ID from address")
		return 0, err
	}
	return friendID, nil
}

// handleFileRequest processes incoming file transfer requests.
func (m *Manager) handleFileRequest(packet *transport.Packet, addr net.Addr) error {
	req, err := deserializeFileRequest(packet.Data)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleFileRequest",
			"error":    err.Error(),
		}).Error("Failed to deserialize file request")
		return err
	}

	friendID, err := m.resolveFriendID(addr, "handleFileRequest")
	if err != nil {
		return err
	}

	_, _, err = m.Registry(friendID).HandleSendRequest(req.fileID, req.kind, req.size, req.name)
	return err
}

// handleFileControl processes file transfer control messages (pause, resume, cancel).
func (m *Manager) handleFileControl(packet *transport.Packet, addr net.Addr) error {
	fileID, control, position, err := deserializeFileControl(packet.Data)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleFileControl",
			"error":    err.Error(),
		}).Error("Failed to deserialize file control")
		return err
	}

	friendID, err := m.resolveFriendID(addr, "handleFileControl")
	if err != nil {
		return err
	}

	if control == ControlResume {
		m.acceptWindow(transferKey{friendID: friendID, fileID: fileID}, position)
	}

	r, ok := m.existingRegistry(friendID)
	if !ok {
		return fmt.Errorf("%w: friend %d file %s", ErrTransferNotFound, friendID, fileID.short())
	}
	return r.HandleControl(fileID, control)
}

// acceptWindow opens the send window at the receiver's committed offset.
func (m *Manager) acceptWindow(key transferKey, position uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.windows[key]
	if !ok {
		return
	}
	w.accepted = true
	w.next = position
	w.acked = position
	w.eofSent = false
	w.lastAck = m.config.TimeProvider.Now()

	logrus.WithFields(logrus.Fields{
		"function":  "acceptWindow",
		"friend_id": key.friendID,
		"file_id":   key.fileID.short(),
		"position":  position,
	}).Debug("Receiver accepted transfer")
}

// handleFileChunkRequest serves a chunk requested by the friend.
func (m *Manager) handleFileChunkRequest(packet *transport.Packet, addr net.Addr) error {
	fileID, position, length, err := deserializeFileChunkRequest(packet.Data)
	if err != nil {
		return err
	}

	friendID, err := m.resolveFriendID(addr, "handleFileChunkRequest")
	if err != nil {
		return err
	}

	t, err := m.GetTransfer(friendID, fileID)
	if err != nil {
		return err
	}
	return t.HandleChunkRequest(position, length)
}

// handleFileData processes incoming file data chunks and acknowledges them.
func (m *Manager) handleFileData(packet *transport.Packet, addr net.Addr) error {
	fileID, position, chunk, err := deserializeFileData(packet.Data)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleFileData",
			"error":    err.Error(),
		}).Error("Failed to deserialize file data")
		return err
	}

	friendID, err := m.resolveFriendID(addr, "handleFileData")
	if err != nil {
		return err
	}

	t, err := m.GetTransfer(friendID, fileID)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":  "handleFileData",
			"friend_id": friendID,
			"file_id":   fileID.short(),
			"error":     err.Error(),
		}).Warn("Transfer not found for data packet")
		return err
	}

	if err := t.HandleChunk(position, chunk); err != nil {
		return err
	}
	if len(chunk) == 0 {
		return nil
	}

	return m.send(friendID, transport.PacketFileDataAck, serializeFileDataAck(fileID, t.Transferred()))
}

// handleFileDataAck advances the send window of an outgoing transfer.
func (m *Manager) handleFileDataAck(packet *transport.Packet, addr net.Addr) error {
	fileID, bytesReceived, err := deserializeFileDataAck(packet.Data)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleFileDataAck",
			"error":    err.Error(),
		}).Error("Failed to deserialize file data ack")
		return err
	}

	friendID, err := m.resolveFriendID(addr, "handleFileDataAck")
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok := m.windows[transferKey{friendID: friendID, fileID: fileID}]; ok && bytesReceived > w.acked {
		w.acked = bytesReceived
		w.lastAck = m.config.TimeProvider.Now()
	}
	return nil
}

// OnStateChanged implements StateObserver. It keeps scheduler state in step
// with transfers and forwards the event.
func (m *Manager) OnStateChanged(t *Transfer, from, to TransferState) {
	key := transferKey{friendID: t.FriendID(), fileID: t.FileID()}
	switch {
	case to.IsTerminal():
		m.dropWindow(key)
	case to == TransferStateBroken:
		m.mu.Lock()
		if w, ok := m.windows[key]; ok {
			w.accepted = false
		}
		m.mu.Unlock()
	}
	m.config.Observer.OnStateChanged(t, from, to)
}

// OnProgressChanged implements ProgressObserver.
func (m *Manager) OnProgressChanged(t *Transfer, progress float64) {
	m.config.Observer.OnProgressChanged(t, progress)
}

// OnSpeedChanged implements SpeedObserver.
func (m *Manager) OnSpeedChanged(t *Transfer, bytesPerSecond uint64) {
	m.config.Observer.OnSpeedChanged(t, bytesPerSecond)
}

// OnError implements ErrorObserver.
func (m *Manager) OnError(t *Transfer, err error) {
	m.config.Observer.OnError(t, err)
}
