package status

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/opd-ai/confcore/media"
	"github.com/opd-ai/confcore/metrics"
	"github.com/opd-ai/confcore/protocol"
	"github.com/opd-ai/confcore/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedSource struct {
	snap server.Snapshot
}

func (f fixedSource) Snapshot() server.Snapshot { return f.snap }

func testSource() fixedSource {
	return fixedSource{snap: server.Snapshot{
		Clients: []server.ClientInfo{{
			Client:        protocol.ClientEntity{ID: 1, Name: "alice", VideoEnabled: true},
			SessionID:     "s-1",
			Authenticated: true,
			Channels:      []uint32{9},
		}},
		Channels: []server.ChannelInfo{{
			Channel:      protocol.ChannelEntity{ID: 9},
			Participants: []uint32{1},
		}},
		Bandwidth: media.NetworkUsage{BytesRead: 100, ReadRate: 10},
	}}
}

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func TestStatus_HTTP(t *testing.T) {
	s := New(testSource(), WithAppInfo("confserver", "1.2.3"))
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var report Report
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&report))
	assert.Equal(t, "confserver", report.App.Name)
	assert.Equal(t, "1.2.3", report.App.Version)
	require.Len(t, report.Server.Clients, 1)
	assert.Equal(t, "alice", report.Server.Clients[0].Client.Name)
	assert.Equal(t, []uint32{1}, report.Server.Channels[0].Participants)
	assert.Equal(t, uint64(100), report.Server.Bandwidth.BytesRead)
	assert.Positive(t, report.Memory.Goroutines)
}

func TestStatus_HealthAndMissingMetrics(t *testing.T) {
	ts := httptest.NewServer(New(testSource()).Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "ok", string(body))

	resp, err = http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStatus_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(metrics.WithRegistry(reg), metrics.WithNamespace("statustest"))
	m.SessionOpened()

	ts := httptest.NewServer(New(testSource(), WithMetricsHandler(m.Handler())).Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "statustest_sessions 1")
}

func TestStatus_WebSocketCommand(t *testing.T) {
	s := New(testSource())
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts), nil)
	require.NoError(t, err)
	defer conn.Close()

	// Unknown commands are ignored; the next reply belongs to "/status".
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("/nope")))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(CommandStatus)))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var report Report
	require.NoError(t, conn.ReadJSON(&report))
	assert.Equal(t, 1, report.WebSockets)
	assert.Equal(t, "alice", report.Server.Clients[0].Client.Name)
}

func TestStatus_WebSocketPush(t *testing.T) {
	s := New(testSource(), WithPushInterval(20*time.Millisecond))
	addr, err := s.ListenAndServe("127.0.0.1:0")
	require.NoError(t, err)
	defer s.Shutdown(context.Background())

	_, err = s.ListenAndServe("127.0.0.1:0")
	assert.ErrorIs(t, err, ErrAlreadyServing)

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+addr.String()+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var report Report
	require.NoError(t, conn.ReadJSON(&report), "push without request")
	assert.Len(t, report.Server.Channels, 1)
}

func TestStatus_ShutdownClosesWebSockets(t *testing.T) {
	s := New(testSource())
	addr, err := s.ListenAndServe("127.0.0.1:0")
	require.NoError(t, err)

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+addr.String()+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return s.Report().WebSockets == 1 }, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err)
}
