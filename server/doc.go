// Package server implements the conference control plane.
//
// A Server accepts COR connections, authenticates clients, tracks channel
// membership and notifies participants about each other. When it is given
// a media.Relay it also issues media tokens and keeps the relay's routing
// table in sync: every video enabled client with an authenticated media
// address receives the video of all clients it shares a channel with.
//
//	relay := media.NewRelay(udp)
//	srv, err := server.New(server.Options{Password: "secret"}, relay)
//	if err != nil {
//		return err
//	}
//	relay.Start()
//	if err := srv.Listen(":6000"); err != nil {
//		return err
//	}
//	defer srv.Close()
//
// Clients must send "auth" first. Any other action before that is answered
// with StatusUnauthorized and the connection is dropped.
package server
