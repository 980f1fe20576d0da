package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opd-ai/confcore/datagram"
	"github.com/opd-ai/confcore/limits"
	"github.com/sirupsen/logrus"
)

const readPollInterval = 100 * time.Millisecond

// UDPOption configures a UDPTransport.
type UDPOption func(*UDPTransport)

// WithObserver attaches traffic counters to the transport.
func WithObserver(o Observer) UDPOption {
	return func(t *UDPTransport) {
		if o != nil {
			t.observer = o
		}
	}
}

// UDPTransport carries media datagrams over UDP.
// It satisfies the Transport interface.
type UDPTransport struct {
	conn     net.PacketConn
	handlers map[datagram.Type]PacketHandler
	observer Observer
	mu       sync.RWMutex
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}

	packetsReceived atomic.Uint64
	packetsSent     atomic.Uint64
	bytesReceived   atomic.Uint64
	bytesSent       atomic.Uint64
	dropped         atomic.Uint64
}

// NewUDPTransport creates a UDP transport listening on listenAddr.
func NewUDPTransport(listenAddr string, opts ...UDPOption) (*UDPTransport, error) {
	conn, err := net.ListenPacket("udp", listenAddr)
	if err != nil {
		return nil, err
	}
	return NewUDPTransportFromConn(conn, opts...), nil
}

// NewUDPTransportFromConn wraps an existing packet connection and starts
// receiving from it. The transport takes ownership of conn.
func NewUDPTransportFromConn(conn net.PacketConn, opts ...UDPOption) *UDPTransport {
	ctx, cancel := context.WithCancel(context.Background())

	t := &UDPTransport{
		conn:     conn,
		handlers: make(map[datagram.Type]PacketHandler),
		observer: nopObserver{},
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}

	logrus.WithFields(logrus.Fields{
		"function":   "NewUDPTransport",
		"local_addr": conn.LocalAddr().String(),
	}).Info("UDP transport listening")

	go t.processPackets()

	return t
}

// RegisterHandler registers a handler for a specific datagram type.
func (t *UDPTransport) RegisterHandler(typ datagram.Type, handler PacketHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.handlers[typ] = handler
}

// Send serializes d and sends it to addr.
func (t *UDPTransport) Send(d datagram.Datagram, addr net.Addr) error {
	data, err := d.Marshal()
	if err != nil {
		return err
	}
	if err := t.write(data, addr); err != nil {
		return err
	}
	t.observer.DatagramSent(d.Type(), len(data))
	return nil
}

// SendRaw sends already serialized bytes to addr.
func (t *UDPTransport) SendRaw(data []byte, addr net.Addr) error {
	if err := t.write(data, addr); err != nil {
		return err
	}
	if typ, err := datagram.PeekType(data); err == nil {
		t.observer.DatagramSent(typ, len(data))
	}
	return nil
}

func (t *UDPTransport) write(data []byte, addr net.Addr) error {
	if addr == nil {
		return errors.New("nil destination address")
	}
	n, err := t.conn.WriteTo(data, addr)
	if err != nil {
		return err
	}
	t.packetsSent.Add(1)
	t.bytesSent.Add(uint64(n))
	return nil
}

// Close shuts down the transport and waits for the receive loop to exit.
func (t *UDPTransport) Close() error {
	t.cancel()
	err := t.conn.Close()
	<-t.done
	return err
}

// LocalAddr returns the local address the transport is listening on.
func (t *UDPTransport) LocalAddr() net.Addr {
	return t.conn.LocalAddr()
}

// Stats returns a snapshot of the traffic counters.
func (t *UDPTransport) Stats() Stats {
	return Stats{
		PacketsReceived: t.packetsReceived.Load(),
		PacketsSent:     t.packetsSent.Load(),
		BytesReceived:   t.bytesReceived.Load(),
		BytesSent:       t.bytesSent.Load(),
		Dropped:         t.dropped.Load(),
	}
}

// processPackets handles incoming packets until the transport is closed.
func (t *UDPTransport) processPackets() {
	defer close(t.done)
	buffer := make([]byte, limits.MaxDatagram)

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
	data, addr, err := t.readPacketData(buffer)
	if err != nil {
		return
	}

	t.packetsReceived.Add(1)
	t.bytesReceived.Add(uint64(len(data)))

	d, err := datagram.Parse(data)
	if err != nil {
		t.drop("parse", addr, err)
		return
	}
	t.observer.DatagramReceived(d.Type(), len(data))

	t.dispatchPacketToHandler(&Packet{Datagram: d, Raw: data}, addr)
}

// readPacketData reads data from the connection with timeout handling.
func (t *UDPTransport) readPacketData(buffer []byte) ([]byte, net.Addr, error) {
	_ = t.conn.SetReadDeadline(time.Now().Add(readPollInterval))

	n, addr, err := t.conn.ReadFrom(buffer)
	if err != nil {
		return nil, nil, t.handleReadError(err)
	}

	return buffer[:n], addr, nil
}

// handleReadError logs read failures other than poll timeouts.
func (t *UDPTransport) handleReadError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return err
	}
	if t.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"function": "UDPTransport.readPacketData",
		"error":    err.Error(),
	}).Warn("UDP read failed")
	// Avoid spinning on a persistent error.
	time.Sleep(readPollInterval / 10)
	return err
}

func (t *UDPTransport) drop(reason string, addr net.Addr, err error) {
	t.dropped.Add(1)
	t.observer.DatagramDropped(reason)

	logrus.WithFields(logrus.Fields{
		"function": "UDPTransport.processIncomingPacket",
		"reason":   reason,
		"from":     addr.String(),
		"error":    err.Error(),
	}).Debug("Dropped datagram")
}

// dispatchPacketToHandler runs the handler for the packet's type on the
// receive goroutine.
func (t *UDPTransport) dispatchPacketToHandler(packet *Packet, addr net.Addr) {
	t.mu.RLock()
	handler, exists := t.handlers[packet.Type()]
	t.mu.RUnlock()

	if !exists {
		t.drop("no_handler", addr, errors.New("no handler for "+packet.Type().String()))
		return
	}
	handler(packet, addr)
}
