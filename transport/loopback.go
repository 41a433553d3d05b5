package transport

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/sirupsen/logrus"
)

// ErrTransportClosed is returned by Send after Close.
var ErrTransportClosed = errors.New("transport closed")

// loopbackQueueSize bounds the packets buffered per endpoint.
const loopbackQueueSize = 1024

// LoopbackAddr is the address of a loopback endpoint.
type LoopbackAddr string

// Network implements net.Addr.
func (a LoopbackAddr) Network() string { return "loopback" }

// String implements net.Addr.
func (a LoopbackAddr) String() string { return string(a) }

type loopbackPacket struct {
	packet *Packet
	from   net.Addr
}

// LoopbackTransport is an in-memory Transport connected to exactly one peer.
// Packets are delivered asynchronously but in order, on one goroutine per
// endpoint, like a lossless network.
type LoopbackTransport struct {
	addr     LoopbackAddr
	handlers *handlerTable
	inbox    chan loopbackPacket
	done     chan struct{}

	mu     sync.RWMutex
	peer   *LoopbackTransport
	closed bool
	online bool
}

// NewLoopbackPair returns two connected loopback transports.
func NewLoopbackPair() (*LoopbackTransport, *LoopbackTransport) {
	a := newLoopback("loopback-a")
	b := newLoopback("loopback-b")
	a.peer, b.peer = b, a
	return a, b
}

func newLoopback(name string) *LoopbackTransport {
	t := &LoopbackTransport{
		addr:     LoopbackAddr(name),
		handlers: newHandlerTable(),
		inbox:    make(chan loopbackPacket, loopbackQueueSize),
		done:     make(chan struct{}),
		online:   true,
	}
	go t.run()
	return t
}

func (t *LoopbackTransport) run() {
	defer close(t.done)
	for p := range t.inbox {
		t.handlers.dispatch(p.packet, p.from)
	}
}

// SetOnline simulates link loss. While offline, packets sent by this
// endpoint are silently dropped.
func (t *LoopbackTransport) SetOnline(online bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.online = online
}

// Send delivers a copy of packet to the peer. The address must be the
// peer's LocalAddr.
func (t *LoopbackTransport) Send(packet *Packet, addr net.Addr) error {
	t.mu.RLock()
	closed, online, peer := t.closed, t.online, t.peer
	t.mu.RUnlock()

	if closed {
		return ErrTransportClosed
	}
	if peer == nil || addr.String() != peer.addr.String() {
		return fmt.Errorf("unknown loopback address %s", addr)
	}
	if !online {
		logrus.WithFields(logrus.Fields{
			"function":    "LoopbackTransport.Send",
			"packet_type": packet.PacketType,
		}).Debug("Dropping packet while offline")
		return nil
	}
	return peer.enqueue(packet, t.addr)
}

func (t *LoopbackTransport) enqueue(packet *Packet, from net.Addr) error {
	data := make([]byte, len(packet.Data))
	copy(data, packet.Data)

	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return ErrTransportClosed
	}
	t.inbox <- loopbackPacket{packet: &Packet{PacketType: packet.PacketType, Data: data}, from: from}
	return nil
}

// Close stops delivery to this endpoint and waits for queued packets to drain.
func (t *LoopbackTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.inbox)
	t.mu.Unlock()
	<-t.done
	return nil
}

// LocalAddr returns this endpoint's address.
func (t *LoopbackTransport) LocalAddr() net.Addr {
	return t.addr
}

// RegisterHandler registers a handler for a specific packet type.
func (t *LoopbackTransport) RegisterHandler(packetType PacketType, handler PacketHandler) {
	t.handlers.register(packetType, handler)
}
