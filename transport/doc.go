// Package transport provides the network plumbing of the conferencing
// protocols: a UDP transport for media datagrams and a TCP listener for
// control plane connections.
//
// # UDP
//
// UDPTransport parses every received datagram with package datagram and
// dispatches it by type:
//
//	t, err := transport.NewUDPTransport(":5001")
//	t.RegisterHandler(datagram.TypeVideo, func(p *transport.Packet, addr net.Addr) {
//	    frag := p.Datagram.(*datagram.Video)
//	    ...
//	})
//
// Handlers run on the receive goroutine one at a time, so per sender state
// fed from a handler needs no locking. Datagrams that fail to parse or have
// no handler are dropped and counted.
//
// # TCP
//
// TCPListener accepts connections and serves each with a ConnHandler on its
// own goroutine. The connection is closed when the handler returns.
package transport
