package transport

import (
	"net"

	"github.com/opd-ai/confcore/datagram"
)

// Packet is one received media datagram.
type Packet struct {
	Datagram datagram.Datagram
	// Raw holds the received bytes. It aliases the receive buffer and is
	// only valid until the handler returns.
	Raw []byte
}

// Type returns the datagram type.
func (p *Packet) Type() datagram.Type {
	return p.Datagram.Type()
}

// PacketHandler processes an incoming packet. Handlers run on the receive
// goroutine, one at a time, and must not block.
type PacketHandler func(packet *Packet, addr net.Addr)

// Transport sends and receives media datagrams.
type Transport interface {
	// Send serializes d and sends it to addr.
	Send(d datagram.Datagram, addr net.Addr) error

	// SendRaw sends already serialized bytes to addr.
	SendRaw(data []byte, addr net.Addr) error

	// Close shuts down the transport.
	Close() error

	// LocalAddr returns the local address the transport is listening on.
	LocalAddr() net.Addr

	// RegisterHandler registers a handler for a specific datagram type.
	RegisterHandler(t datagram.Type, handler PacketHandler)
}

// Observer receives traffic counters. Implementations must be safe for
// concurrent use.
type Observer interface {
	DatagramReceived(t datagram.Type, size int)
	DatagramSent(t datagram.Type, size int)
	DatagramDropped(reason string)
}

type nopObserver struct{}

func (nopObserver) DatagramReceived(datagram.Type, int) {}
func (nopObserver) DatagramSent(datagram.Type, int)     {}
func (nopObserver) DatagramDropped(string)              {}

// Stats are cumulative traffic counters of a UDPTransport.
type Stats struct {
	PacketsReceived uint64
	PacketsSent     uint64
	BytesReceived   uint64
	BytesSent       uint64
	Dropped         uint64
}
