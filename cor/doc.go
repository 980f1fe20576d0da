// Package cor implements the correlated request/response (COR) protocol used
// on the control plane between conference clients and the server.
//
// # Wire Format
//
// Every frame is a 13 byte big-endian header followed by the body:
//
//	version:u16 | type:u16 | flags:u8 | correlation_id:u32 | body_length:u32 | body
//
// The frame layer never inspects the body. The application convention is a
// UTF-8 JSON document (see package protocol).
//
// # Parsing
//
// Parser is an explicit state machine fed with arbitrary chunks:
//
//	p := cor.NewParser(0, cor.ParserCallbacks{
//	    OnFrameBegin:    func() { ... },
//	    OnFrameBodyData: func(b []byte) { ... },
//	    OnFrameEnd:      func(h cor.Header) { ... },
//	})
//	n, err := p.Parse(buf) // keep buf[n:] and retry once more bytes arrive
//
// FrameAssembler wraps a Parser, keeps the unconsumed tail and returns whole
// frames. A header announcing more than limits.MaxCORBody bytes fails with
// ErrFrameTooLarge instead of waiting for a body that would never fit.
//
// # Connections
//
// Connection carries interleaved requests and responses in both directions:
//
//	conn := cor.NewConnection(netConn, cor.WithRequestHandler(func(f *cor.Frame) {
//	    _ = conn.SendResponse(cor.NewResponse(f, []byte(`{"status":0}`)))
//	}))
//	conn.Start()
//
//	reply, err := conn.SendRequest(body)
//	frame, err := reply.Wait(ctx)
//
// When the connection closes, every outstanding Reply fails with an error
// wrapping ErrConnectionClosed.
package cor
