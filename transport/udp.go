package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/opd-ai/toxfile/limits"
	"github.com/sirupsen/logrus"
)

// readTimeout bounds each blocking read so the loop notices Close.
const readTimeout = 100 * time.Millisecond

// UDPTransport sends each packet as one UDP datagram.
type UDPTransport struct {
	conn     net.PacketConn
	handlers *handlerTable
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}

	closeOnce sync.Once
	closeErr  error
}

// NewUDPTransport creates a new UDP transport listener.
func NewUDPTransport(listenAddr string) (*UDPTransport, error) {
	conn, err := net.ListenPacket("udp", listenAddr)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	transport := &UDPTransport{
		conn:     conn,
		handlers: newHandlerTable(),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	logrus.WithFields(logrus.Fields{
		"function":   "NewUDPTransport",
		"local_addr": conn.LocalAddr().String(),
	}).Info("UDP transport listening")

	// Start packet processing loop
	go transport.processPackets()

	return transport, nil
}

// RegisterHandler registers a handler for a specific packet type.
func (t *UDPTransport) RegisterHandler(packetType PacketType, handler PacketHandler) {
	t.handlers.register(packetType, handler)
}

// Send sends a packet to the specified address.
func (t *UDPTransport) Send(packet *Packet, addr net.Addr) error {
	data, err := packet.Serialize()
	if err != nil {
		return err
	}
	if len(data) > limits.MaxPacketSize {
		return limits.ErrChunkTooLarge
	}

	_, err = t.conn.WriteTo(data, addr)
	return err
}

// Close shuts down the transport and waits for the read loop to exit.
func (t *UDPTransport) Close() error {
	t.closeOnce.Do(func() {
		t.cancel()
		t.closeErr = t.conn.Close()
		<-t.done
	})
	return t.closeErr
}

// processPackets reads packets until the transport is closed. Handlers run
// on this goroutine so packets from the network are handled in order.
func (t *UDPTransport) processPackets() {
	defer close(t.done)
	buffer := make([]byte, limits.MaxPacketSize)

	for {
		select {
		case <-t.ctx.Done():
			return
		default:
			t.processIncomingPacket(buffer)
		}
	}
}

// processIncomingPacket reads and processes a single incoming packet.
func (t *UDPTransport) processIncomingPacket(buffer []byte) {
	_ = t.conn.SetReadDeadline(time.Now().Add(readTimeout))

	n, addr, err := t.conn.ReadFrom(buffer)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return
		}
		if t.ctx.Err() == nil {
			logrus.WithFields(logrus.Fields{
				"function": "processIncomingPacket",
				"error":    err.Error(),
			}).Warn("UDP read failed")
		}
		return
	}

	packet, err := ParsePacket(buffer[:n])
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "processIncomingPacket",
			"from":     addr.String(),
			"error":    err.Error(),
		}).Debug("Discarding malformed packet")
		return
	}

	t.handlers.dispatch(packet, addr)
}

// LocalAddr returns the local address the transport is listening on.
func (t *UDPTransport) LocalAddr() net.Addr {
	return t.conn.LocalAddr()
}
