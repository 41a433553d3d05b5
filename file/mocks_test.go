package file

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/opd-ai/toxfile/transport"
)

// mockTimeProvider provides deterministic time for testing.
type mockTimeProvider struct {
	mu          sync.Mutex
	currentTime time.Time
}

func (m *mockTimeProvider) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentTime
}

func (m *mockTimeProvider) Since(t time.Time) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentTime.Sub(t)
}

func (m *mockTimeProvider) advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.currentTime = m.currentTime.Add(d)
}

func newMockTimeProvider() *mockTimeProvider {
	return &mockTimeProvider{
		currentTime: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

// mockTransport implements transport.Transport for testing.
type mockTransport struct {
	mu      sync.Mutex
	packets []sentPacket
	handler map[transport.PacketType]transport.PacketHandler
}

type sentPacket struct {
	packet *transport.Packet
	addr   net.Addr
}

func newMockTransport() *mockTransport {
	return &mockTransport{
		packets: make([]sentPacket, 0),
		handler: make(map[transport.PacketType]transport.PacketHandler),
	}
}

func (m *mockTransport) Send(packet *transport.Packet, addr net.Addr) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.packets = append(m.packets, sentPacket{packet: packet, addr: addr})
	return nil
}

func (m *mockTransport) Close() error {
	return nil
}

func (m *mockTransport) LocalAddr() net.Addr {
	return &net.UDPAddr{IP: net.ParseIP(testIP), Port: testPort}
}

func (m *mockTransport) RegisterHandler(packetType transport.PacketType, handler transport.PacketHandler) {
	m.handler[packetType] = handler
}

func (m *mockTransport) simulateReceive(packetType transport.PacketType, data []byte, addr net.Addr) error {
	handler, exists := m.handler[packetType]
	if !exists {
		return errors.New("no handler registered")
	}
	return handler(&transport.Packet{PacketType: packetType, Data: data}, addr)
}

// packetsOfType returns the sent packets with the given type.
func (m *mockTransport) packetsOfType(packetType transport.PacketType) []sentPacket {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []sentPacket
	for _, p := range m.packets {
		if p.packet.PacketType == packetType {
			out = append(out, p)
		}
	}
	return out
}

func (m *mockTransport) clearPackets() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.packets = make([]sentPacket, 0)
}

// mockResolver maps a fixed set of friends to addresses.
type mockResolver struct {
	byFriend map[uint32]net.Addr
}

func newMockResolver() *mockResolver {
	return &mockResolver{byFriend: map[uint32]net.Addr{
		testFriendID: testPeerUDPAddr(),
	}}
}

func testPeerUDPAddr() net.Addr {
	return &net.UDPAddr{IP: net.ParseIP(testIP), Port: testPeerPort}
}

func (r *mockResolver) ResolveFriendID(addr net.Addr) (uint32, error) {
	for id, a := range r.byFriend {
		if a.String() == addr.String() {
			return id, nil
		}
	}
	return 0, errors.New("unknown address")
}

func (r *mockResolver) ResolveAddress(friendID uint32) (net.Addr, error) {
	addr, ok := r.byFriend[friendID]
	if !ok {
		return nil, errors.New("unknown friend")
	}
	return addr, nil
}

type sentRequest struct {
	friendID uint32
	fileID   FileID
	kind     Kind
	size     uint64
	name     string
}

type sentControl struct {
	friendID uint32
	fileID   FileID
	control  Control
}

type sentChunk struct {
	friendID uint32
	fileID   FileID
	position uint64
	data     []byte
}

// mockMessenger records every outbound message.
type mockMessenger struct {
	mu       sync.Mutex
	requests []sentRequest
	controls []sentControl
	chunks   []sentChunk

	requestErr error
	chunkErr   error
}

func (m *mockMessenger) SendRequest(friendID uint32, fileID FileID, kind Kind, size uint64, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.requestErr != nil {
		return m.requestErr
	}
	m.requests = append(m.requests, sentRequest{friendID, fileID, kind, size, name})
	return nil
}

func (m *mockMessenger) SendControl(friendID uint32, fileID FileID, control Control) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.controls = append(m.controls, sentControl{friendID, fileID, control})
	return nil
}

func (m *mockMessenger) SendChunk(friendID uint32, fileID FileID, position uint64, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.chunkErr != nil {
		return m.chunkErr
	}
	m.chunks = append(m.chunks, sentChunk{friendID, fileID, position, append([]byte(nil), data...)})
	return nil
}

func (m *mockMessenger) controlList() []Control {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Control, len(m.controls))
	for i, c := range m.controls {
		out[i] = c.control
	}
	return out
}

func (m *mockMessenger) chunkList() []sentChunk {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]sentChunk(nil), m.chunks...)
}

func (m *mockMessenger) requestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

type stateChange struct {
	from, to TransferState
}

// recordingObserver records every event it receives.
type recordingObserver struct {
	mu       sync.Mutex
	states   []stateChange
	progress []float64
	speeds   []uint64
	errs     []error
}

func (o *recordingObserver) OnStateChanged(_ *Transfer, from, to TransferState) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.states = append(o.states, stateChange{from, to})
}

func (o *recordingObserver) OnProgressChanged(_ *Transfer, progress float64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.progress = append(o.progress, progress)
}

func (o *recordingObserver) OnSpeedChanged(_ *Transfer, bytesPerSecond uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.speeds = append(o.speeds, bytesPerSecond)
}

func (o *recordingObserver) OnError(_ *Transfer, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.errs = append(o.errs, err)
}

func (o *recordingObserver) stateList() []stateChange {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]stateChange(nil), o.states...)
}

func (o *recordingObserver) progressCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.progress)
}

func (o *recordingObserver) speedList() []uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]uint64(nil), o.speeds...)
}

func (o *recordingObserver) errorList() []error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]error(nil), o.errs...)
}

// memStream is an in-memory read/write/seek stream with injectable failures.
type memStream struct {
	mu     sync.Mutex
	data   []byte
	pos    int64
	closed bool
	seeks  int

	seekErr  error
	readErr  error
	writeErr error
}

func newMemStream(data []byte) *memStream {
	return &memStream{data: append([]byte(nil), data...)}
}

func (s *memStream) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readErr != nil {
		return 0, s.readErr
	}
	if s.pos >= int64(len(s.data)) {
		return 0, io.EOF
	}
	n := copy(p, s.data[s.pos:])
	s.pos += int64(n)
	return n, nil
}

func (s *memStream) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return 0, s.writeErr
	}
	end := s.pos + int64(len(p))
	if end > int64(len(s.data)) {
		grown := make([]byte, end)
		copy(grown, s.data)
		s.data = grown
	}
	copy(s.data[s.pos:], p)
	s.pos = end
	return len(p), nil
}

func (s *memStream) Seek(offset int64, whence int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seekErr != nil {
		return 0, s.seekErr
	}
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = s.pos + offset
	case io.SeekEnd:
		abs = int64(len(s.data)) + offset
	default:
		return 0, errors.New("invalid whence")
	}
	if abs < 0 {
		return 0, errors.New("negative position")
	}
	s.pos = abs
	s.seeks++
	return abs, nil
}

func (s *memStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *memStream) bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.data...)
}

func (s *memStream) position() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pos
}

func (s *memStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *memStream) seekCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seeks
}

// seekOnly implements Stream without Read or Write.
type seekOnly struct{}

func (seekOnly) Seek(int64, int) (int64, error) { return 0, nil }
