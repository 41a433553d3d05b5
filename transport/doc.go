// Package transport carries file transfer packets between peers.
//
// The core abstraction is the Transport interface which all implementations
// satisfy:
//
//	type Transport interface {
//	    Send(packet *Packet, addr net.Addr) error
//	    Close() error
//	    LocalAddr() net.Addr
//	    RegisterHandler(packetType PacketType, handler PacketHandler)
//	}
//
// # Transport Implementations
//
// UDP Transport:
//
//	transport, err := NewUDPTransport(":33445")
//
// Loopback Transport (in-memory, for tests and demos):
//
//	a, b := NewLoopbackPair()
//	defer a.Close()
//	defer b.Close()
//
// # Ordering
//
// Handlers for packets from one transport are invoked sequentially on a
// single goroutine, in the order the packets were read. File transfers rely
// on this: chunk deliveries and control signals for one transfer must reach
// the file manager in the order the peer sent them.
//
// # Packet Format
//
//	[packet type (1 byte)][payload (variable)]
//
// Payload layouts for the file packet types are defined by package file.
package transport
