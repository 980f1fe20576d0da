package client

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/opd-ai/confcore/cor"
	"github.com/opd-ai/confcore/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 2 * time.Second

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	t.Cleanup(cancel)
	return ctx
}

// fakeServer accepts one connection and answers requests with respond.
type fakeServer struct {
	addr     string
	conn     chan *cor.Connection
	requests chan *protocol.Request
}

func newFakeServer(t *testing.T, respond func(req *protocol.Request) []byte) *fakeServer {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	fs := &fakeServer{
		addr:     l.Addr().String(),
		conn:     make(chan *cor.Connection, 1),
		requests: make(chan *protocol.Request, 16),
	}
	go func() {
		nc, err := l.Accept()
		if err != nil {
			return
		}
		var conn *cor.Connection
		conn = cor.NewConnection(nc, cor.WithRequestHandler(func(f *cor.Frame) {
			req, err := protocol.ParseRequest(f.Body)
			if err != nil {
				return
			}
			fs.requests <- req
			if body := respond(req); body != nil {
				_ = conn.SendResponse(cor.NewResponse(f, body))
			}
		}))
		conn.Start()
		fs.conn <- conn
	}()
	return fs
}

func (fs *fakeServer) accepted(t *testing.T) *cor.Connection {
	t.Helper()
	select {
	case conn := <-fs.conn:
		t.Cleanup(func() { conn.Close() })
		return conn
	case <-time.After(waitTimeout):
		t.Fatal("no connection accepted")
		return nil
	}
}

func ok(t *testing.T, params any) []byte {
	body, err := protocol.NewResponse(params)
	require.NoError(t, err)
	return body
}

func TestClient_AuthStoresIdentity(t *testing.T) {
	fs := newFakeServer(t, func(req *protocol.Request) []byte {
		var params protocol.AuthParams
		if err := req.Decode(&params); err != nil || params.Version != protocol.Version {
			return protocol.NewErrorResponse(protocol.StatusIncompatibleVersion, "bad version")
		}
		return ok(t, protocol.AuthResult{
			Client:    protocol.ClientEntity{ID: 12, Name: params.Username, VideoEnabled: params.VideoEnabled},
			AuthToken: "abcd",
		})
	})

	c, err := Dial(testCtx(t), fs.addr)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.MediaToken()
	assert.ErrorIs(t, err, ErrNotAuthenticated)

	result, err := c.Auth(testCtx(t), "carol", "pw", true)
	require.NoError(t, err)
	assert.Equal(t, uint32(12), result.Client.ID)

	token, err := c.MediaToken()
	require.NoError(t, err)
	assert.Equal(t, "abcd", token)
	assert.Equal(t, protocol.ClientEntity{ID: 12, Name: "carol", VideoEnabled: true}, c.Self())

	req := <-fs.requests
	assert.Equal(t, protocol.ActionAuth, req.Action)
}

func TestClient_ErrorStatus(t *testing.T) {
	fs := newFakeServer(t, func(*protocol.Request) []byte {
		return protocol.NewErrorResponse(protocol.StatusInvalidChannel, "Invalid channel id (channelid=3)")
	})
	c, err := Dial(testCtx(t), fs.addr)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.JoinChannel(testCtx(t), 3, "")
	var se *protocol.StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, protocol.StatusInvalidChannel, se.Status)
	assert.Contains(t, err.Error(), protocol.ActionJoinChannel)
}

func TestClient_CallTimeoutCancelsPending(t *testing.T) {
	fs := newFakeServer(t, func(*protocol.Request) []byte { return nil })
	c, err := Dial(testCtx(t), fs.addr)
	require.NoError(t, err)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = c.Heartbeat(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, c.conn.PendingCount())
}

func TestClient_AcknowledgesNotifications(t *testing.T) {
	fs := newFakeServer(t, func(*protocol.Request) []byte { return nil })

	got := make(chan *protocol.Request, 2)
	c, err := Dial(testCtx(t), fs.addr, WithNotificationHandler(func(req *protocol.Request) {
		got <- req
	}))
	require.NoError(t, err)
	defer c.Close()
	server := fs.accepted(t)

	for _, body := range [][]byte{
		[]byte(`{"action":"notify.clientjoinedchannel","parameters":{"client":{"id":2,"name":"dave"}}}`),
		[]byte("garbage"),
	} {
		reply, err := server.SendRequest(body)
		require.NoError(t, err)
		frame, err := reply.Wait(testCtx(t))
		require.NoError(t, err)
		resp, err := protocol.ParseResponse(frame.Body)
		require.NoError(t, err)
		assert.Equal(t, protocol.StatusOK, resp.Status)
	}

	select {
	case req := <-got:
		assert.Equal(t, protocol.NotifyClientJoinedChannel, req.Action)
		var n protocol.ChannelClientNotification
		require.NoError(t, req.Decode(&n))
		assert.Equal(t, "dave", n.Client.Name)
	case <-time.After(waitTimeout):
		t.Fatal("handler not called")
	}
	assert.Empty(t, got, "malformed notifications are not handed out")
}

func TestClient_GoodbyeCloses(t *testing.T) {
	fs := newFakeServer(t, func(*protocol.Request) []byte { return ok(t, nil) })
	c, err := Dial(testCtx(t), fs.addr)
	require.NoError(t, err)

	require.NoError(t, c.Goodbye(testCtx(t)))
	select {
	case <-c.Done():
		assert.ErrorIs(t, c.Err(), cor.ErrConnectionClosed)
	case <-time.After(waitTimeout):
		t.Fatal("connection still open")
	}
}

func TestClient_RunHeartbeatStopsOnDisconnect(t *testing.T) {
	fs := newFakeServer(t, func(*protocol.Request) []byte { return ok(t, nil) })
	c, err := Dial(testCtx(t), fs.addr)
	require.NoError(t, err)
	server := fs.accepted(t)

	done := make(chan error, 1)
	go func() { done <- c.RunHeartbeat(context.Background(), 10*time.Millisecond) }()

	require.Eventually(t, func() bool { return len(fs.requests) >= 2 }, waitTimeout, 5*time.Millisecond)
	server.Close()

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(waitTimeout):
		t.Fatal("heartbeat loop did not stop")
	}
}

func TestDial_Unreachable(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	l.Close()

	_, err = Dial(testCtx(t), addr)
	assert.Error(t, err)
}
