// Package client implements the control connection of a conference client.
//
// Every call sends one COR request and blocks until the matching response
// arrives or the context ends:
//
//	c, err := client.Dial(ctx, "conf.example.org:6000",
//		client.WithNotificationHandler(func(req *protocol.Request) {
//			log.Println("server says", req.Action)
//		}))
//	if err != nil {
//		return err
//	}
//	defer c.Close()
//
//	auth, err := c.Auth(ctx, "alice", "", true)
//	if err != nil {
//		return err
//	}
//	if _, err := c.JoinChannel(ctx, 42, ""); err != nil {
//		return err
//	}
//
// The token in auth.AuthToken authenticates the media socket. The server
// confirms it with a notify.mediaauthsuccess notification.
package client
