package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/opd-ai/confcore/cor"
	"github.com/opd-ai/confcore/datagram"
	"github.com/opd-ai/confcore/protocol"
	"github.com/opd-ai/confcore/video"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMetrics(t *testing.T) (*Metrics, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return New(WithRegistry(reg), WithNamespace("test")), reg
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	require.NotNil(t, m.Counter)
	return m.GetCounter().GetValue()
}

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, g.Write(&m))
	require.NotNil(t, m.Gauge)
	return m.GetGauge().GetValue()
}

func TestMetrics_CORObserver(t *testing.T) {
	m, _ := newTestMetrics(t)
	var obs cor.Observer = m

	obs.FrameSent(cor.TypeRequest, 10)
	obs.FrameReceived(cor.TypeResponse, 4)
	obs.UnmatchedResponse()
	obs.PendingChanged(3)
	obs.PendingChanged(-1)

	assert.Equal(t, 1.0, counterValue(t, m.corFrames.WithLabelValues("out", "request")))
	assert.Equal(t, 1.0, counterValue(t, m.corFrames.WithLabelValues("in", "response")))
	assert.Equal(t, 10.0, counterValue(t, m.corBodyBytes.WithLabelValues("out")))
	assert.Equal(t, 1.0, counterValue(t, m.corUnmatched))
	assert.Equal(t, 2.0, gaugeValue(t, m.corPending))
}

func TestMetrics_MediaCounters(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.DatagramReceived(datagram.TypeVideo, 100)
	m.DatagramReceived(datagram.TypeVideo, 50)
	m.DatagramDropped("parse")
	m.FragmentAdded(video.Accepted)
	m.FragmentAdded(video.AlreadyProcessed)
	m.BandwidthUpdated(1500, 3000)

	assert.Equal(t, 2.0, counterValue(t, m.datagrams.WithLabelValues("in", "video")))
	assert.Equal(t, 150.0, counterValue(t, m.datagramBytes.WithLabelValues("in")))
	assert.Equal(t, 1.0, counterValue(t, m.dropped.WithLabelValues("parse")))
	assert.Equal(t, 1.0, counterValue(t, m.fragments.WithLabelValues("already_processed")))
	assert.Equal(t, 3000.0, gaugeValue(t, m.bandwidth.WithLabelValues("write")))
}

func TestMetrics_ReassemblyProgressAddsDeltas(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.ReassemblyProgress(video.ReassemblerStats{Delivered: 2, Gaps: 1}, video.ReassemblerStats{Delivered: 5, Gaps: 1, Discarded: 1})

	assert.Equal(t, 3.0, counterValue(t, m.frames.WithLabelValues("delivered")))
	assert.Equal(t, 1.0, counterValue(t, m.frames.WithLabelValues("discarded")))
	assert.Equal(t, 0.0, counterValue(t, m.frames.WithLabelValues("gap")))
}

func TestMetrics_ServerCounters(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.SessionOpened()
	m.SessionOpened()
	m.SessionClosed()
	m.ChannelsChanged(4)
	m.ActionHandled(protocol.ActionAuth, protocol.StatusUnauthorized)

	assert.Equal(t, 1.0, gaugeValue(t, m.sessions))
	assert.Equal(t, 4.0, gaugeValue(t, m.channels))
	assert.Equal(t, 1.0, counterValue(t, m.actions.WithLabelValues("auth", "unauthorized")))
}

func TestMetrics_Handler(t *testing.T) {
	m, _ := newTestMetrics(t)
	m.FrameSent(cor.TypeRequest, 1)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `test_cor_frames_total{direction="out",type="request"} 1`)
}
