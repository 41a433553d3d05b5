package transport

import (
	"net"
	"sync"

	"github.com/sirupsen/logrus"
)

// PacketHandler consumes one inbound packet. addr is the sender's address as
// the transport reports it, which is the address to reply to. A returned
// error is logged and the packet dropped; it never stops delivery.
type PacketHandler func(packet *Packet, addr net.Addr) error

// Transport carries file transfer packets between peers. Delivery is best
// effort and packets may be lost. Handlers see packets in the order the
// transport received them; the loopback transport also preserves send order.
type Transport interface {
	// Send queues packet for addr and returns without waiting for delivery.
	// The transport does not keep packet.Data after Send returns, so the
	// caller may reuse the buffer.
	Send(packet *Packet, addr net.Addr) error

	// Close stops delivery. Handlers are not called after Close returns, and
	// closing twice is not an error.
	Close() error

	// LocalAddr is the address peers send to to reach this transport.
	LocalAddr() net.Addr

	// RegisterHandler installs the handler for one packet type, replacing any
	// earlier one. Handlers run one at a time in arrival order, so a handler
	// that blocks holds up every packet behind it.
	RegisterHandler(packetType PacketType, handler PacketHandler)
}

var (
	_ Transport = (*UDPTransport)(nil)
	_ Transport = (*LoopbackTransport)(nil)
)

// handlerTable maps packet types to handlers. Both transports dispatch from a
// single receive goroutine through it.
type handlerTable struct {
	mu       sync.RWMutex
	handlers map[PacketType]PacketHandler
}

func newHandlerTable() *handlerTable {
	return &handlerTable{handlers: make(map[PacketType]PacketHandler)}
}

func (h *handlerTable) register(packetType PacketType, handler PacketHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[packetType] = handler
}

// dispatch runs the handler for packet on the caller's goroutine.
func (h *handlerTable) dispatch(packet *Packet, addr net.Addr) {
	h.mu.RLock()
	handler, exists := h.handlers[packet.PacketType]
	h.mu.RUnlock()

	if !exists {
		logrus.WithFields(logrus.Fields{
			"function":    "dispatch",
			"packet_type": packet.PacketType,
			"from":        addr.String(),
		}).Debug("No handler registered for packet type")
		return
	}

	if err := handler(packet, addr); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":    "dispatch",
			"packet_type": packet.PacketType,
			"from":        addr.String(),
			"error":       err.Error(),
		}).Debug("Packet handler returned error")
	}
}
