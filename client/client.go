package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/opd-ai/confcore/cor"
	"github.com/opd-ai/confcore/protocol"
	"github.com/opd-ai/confcore/transport"
	"github.com/sirupsen/logrus"
)

// ErrNotAuthenticated is returned by MediaToken before a successful Auth.
var ErrNotAuthenticated = errors.New("not authenticated")

// NotificationHandler receives server initiated requests such as
// notify.clientjoinedchannel. It runs on the connection's receive goroutine
// and must not block or call back into the Client.
type NotificationHandler func(req *protocol.Request)

// Option configures a Client.
type Option func(*config)

type config struct {
	handler  NotificationHandler
	maxBody  uint32
	observer cor.Observer
}

// WithNotificationHandler sets the handler for server notifications.
func WithNotificationHandler(h NotificationHandler) Option {
	return func(c *config) {
		c.handler = h
	}
}

// WithMaxBodySize bounds the body of frames received from the server.
func WithMaxBodySize(n uint32) Option {
	return func(c *config) {
		c.maxBody = n
	}
}

// WithConnectionObserver attaches frame counters to the connection.
func WithConnectionObserver(o cor.Observer) Option {
	return func(c *config) {
		c.observer = o
	}
}

// Client is the client side of the control plane.
type Client struct {
	conn    *cor.Connection
	handler NotificationHandler

	mu     sync.RWMutex
	self   protocol.ClientEntity
	token  string
	authed bool
}

// Dial connects to the server at addr.
func Dial(ctx context.Context, addr string, opts ...Option) (*Client, error) {
	conn, err := transport.DialTCP(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return New(conn, opts...), nil
}

// New runs the control protocol on an established connection.
func New(conn net.Conn, opts ...Option) *Client {
	cfg := config{}
	for _, opt := range opts {
		opt(&cfg)
	}

	c := &Client{handler: cfg.handler}

	connOpts := []cor.ConnectionOption{cor.WithRequestHandler(c.handleRequest)}
	if cfg.maxBody > 0 {
		connOpts = append(connOpts, cor.WithMaxBodySize(cfg.maxBody))
	}
	if cfg.observer != nil {
		connOpts = append(connOpts, cor.WithObserver(cfg.observer))
	}
	c.conn = cor.NewConnection(conn, connOpts...)
	c.conn.Start()
	return c
}

// handleRequest answers every notification with an OK response before
// handing it to the handler.
func (c *Client) handleRequest(frame *cor.Frame) {
	if err := c.conn.SendResponse(cor.NewResponse(frame, protocol.OKResponse())); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Client.handleRequest",
			"error":    err.Error(),
		}).Debug("Failed to acknowledge notification")
	}

	req, err := protocol.ParseRequest(frame.Body)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Client.handleRequest",
			"error":    err.Error(),
		}).Warn("Ignoring malformed notification")
		return
	}

	logrus.WithFields(logrus.Fields{
		"function": "Client.handleRequest",
		"action":   req.Action,
	}).Debug("Received notification")

	if c.handler != nil {
		c.handler(req)
	}
}

// call sends action and waits for the response. Non-OK responses are
// returned as *protocol.StatusError.
func (c *Client) call(ctx context.Context, action string, params any) (*protocol.Response, error) {
	body, err := protocol.NewRequest(action, params)
	if err != nil {
		return nil, err
	}
	reply, err := c.conn.SendRequest(body)
	if err != nil {
		return nil, err
	}

	frame, err := reply.Wait(ctx)
	if err != nil {
		c.conn.Cancel(reply, err)
		return nil, fmt.Errorf("%s: %w", action, err)
	}

	resp, err := protocol.ParseResponse(frame.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", action, err)
	}
	if err := resp.Err(); err != nil {
		return resp, fmt.Errorf("%s: %w", action, err)
	}
	return resp, nil
}

// Auth authenticates with the server and returns the client's identity and
// media token. The server disconnects on failure.
func (c *Client) Auth(ctx context.Context, username, password string, videoEnabled bool) (*protocol.AuthResult, error) {
	resp, err := c.call(ctx, protocol.ActionAuth, protocol.AuthParams{
		Version:      protocol.Version,
		Username:     username,
		Password:     password,
		VideoEnabled: videoEnabled,
	})
	if err != nil {
		return nil, err
	}

	var result protocol.AuthResult
	if err := resp.Decode(&result); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.self = result.Client
	c.token = result.AuthToken
	c.authed = true
	c.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":  "Client.Auth",
		"client_id": result.Client.ID,
	}).Info("Authenticated")
	return &result, nil
}

// Self returns the client entity assigned by the server.
func (c *Client) Self() protocol.ClientEntity {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.self
}

// MediaToken returns the token for authenticating the media socket.
func (c *Client) MediaToken() (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.authed {
		return "", ErrNotAuthenticated
	}
	return c.token, nil
}

// JoinChannel joins or creates channelID. password protects a channel the
// call creates and unlocks an existing protected channel.
func (c *Client) JoinChannel(ctx context.Context, channelID uint32, password string) (*protocol.JoinChannelResult, error) {
	resp, err := c.call(ctx, protocol.ActionJoinChannel, protocol.ChannelParams{ChannelID: channelID, Password: password})
	if err != nil {
		return nil, err
	}
	var result protocol.JoinChannelResult
	if err := resp.Decode(&result); err != nil {
		return nil, err
	}
	return &result, nil
}

// LeaveChannel leaves channelID.
func (c *Client) LeaveChannel(ctx context.Context, channelID uint32) error {
	_, err := c.call(ctx, protocol.ActionLeaveChannel, protocol.ChannelParams{ChannelID: channelID})
	return err
}

// EnableVideo tells the server to relay this client's video.
func (c *Client) EnableVideo(ctx context.Context) error {
	return c.setVideo(ctx, protocol.ActionEnableVideo, true)
}

// DisableVideo stops relaying this client's video.
func (c *Client) DisableVideo(ctx context.Context) error {
	return c.setVideo(ctx, protocol.ActionDisableVideo, false)
}

func (c *Client) setVideo(ctx context.Context, action string, enabled bool) error {
	if _, err := c.call(ctx, action, nil); err != nil {
		return err
	}
	c.mu.Lock()
	c.self.VideoEnabled = enabled
	c.mu.Unlock()
	return nil
}

// Heartbeat keeps the session alive.
func (c *Client) Heartbeat(ctx context.Context) error {
	_, err := c.call(ctx, protocol.ActionHeartbeat, nil)
	return err
}

// RunHeartbeat sends a heartbeat every interval until ctx is done or the
// connection fails.
func (c *Client) RunHeartbeat(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.conn.Done():
			return c.conn.Err()
		case <-ticker.C:
			callCtx, cancel := context.WithTimeout(ctx, interval)
			err := c.Heartbeat(callCtx)
			cancel()
			if err != nil {
				return err
			}
		}
	}
}

// Goodbye ends the session gracefully and closes the connection.
func (c *Client) Goodbye(ctx context.Context) error {
	_, err := c.call(ctx, protocol.ActionGoodbye, nil)
	c.conn.Close()
	return err
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} {
	return c.conn.Done()
}

// Err returns why the connection ended.
func (c *Client) Err() error {
	return c.conn.Err()
}

// Close drops the connection without saying goodbye.
func (c *Client) Close() error {
	return c.conn.Close()
}
