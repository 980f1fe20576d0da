// Package media implements the UDP media plane of a conference.
//
// A client Socket authenticates its UDP address by repeating the token
// issued on the control connection until the server confirms it, then keeps
// the binding open with keep-alive datagrams. Outgoing pictures are encoded
// on a worker goroutine, wrapped in an envelope, split into fragments and
// sent to the server. Incoming fragments are reassembled per sender on the
// receive goroutine and decoded on a second worker:
//
//	sock, err := media.NewSocket(udp, media.SocketConfig{
//		Server: serverAddr,
//		Token:  token,
//	})
//	if err != nil {
//		return err
//	}
//	sock.Start()
//	defer sock.Close()
//
//	for frame := range sock.Frames() {
//		render(frame.SenderID, frame.Image)
//	}
//
// When a sender's stream cannot continue without a key frame the socket
// sends a recovery request, rate limited per sender.
//
// The server side is a Relay. It never parses video payloads: fragments are
// forwarded verbatim to the addresses listed for the sending address in the
// current Recipients table, which the control plane replaces whenever
// channel membership changes.
package media
