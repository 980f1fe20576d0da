package metrics

import (
	"net/http"

	"github.com/opd-ai/confcore/cor"
	"github.com/opd-ai/confcore/datagram"
	"github.com/opd-ai/confcore/protocol"
	"github.com/opd-ai/confcore/video"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config configures the collectors.
type Config struct {
	// Namespace is the metrics namespace (default: "confcore").
	Namespace string

	// ConstLabels are constant labels added to all metrics.
	ConstLabels prometheus.Labels

	// Registry is where collectors are registered.
	// Default: prometheus.DefaultRegisterer
	Registry prometheus.Registerer

	// Gatherer serves the /metrics endpoint.
	// Default: prometheus.DefaultGatherer
	Gatherer prometheus.Gatherer
}

// Option configures the collectors.
type Option func(*Config)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) Option {
	return func(c *Config) {
		c.Namespace = namespace
	}
}

// WithConstLabels sets constant labels for all metrics.
func WithConstLabels(labels prometheus.Labels) Option {
	return func(c *Config) {
		c.ConstLabels = labels
	}
}

// WithRegistry registers the collectors with reg and serves them from it.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(c *Config) {
		c.Registry = reg
		c.Gatherer = reg
	}
}

func defaultConfig() Config {
	return Config{
		Namespace: "confcore",
		Registry:  prometheus.DefaultRegisterer,
		Gatherer:  prometheus.DefaultGatherer,
	}
}

// Metrics collects control plane, media plane and reassembly counters.
//
// It implements the observer interfaces of packages cor, transport, media
// and server, so one instance can be handed to all of them.
type Metrics struct {
	gatherer prometheus.Gatherer

	corFrames     *prometheus.CounterVec
	corBodyBytes  *prometheus.CounterVec
	corUnmatched  prometheus.Counter
	corPending    prometheus.Gauge
	datagrams     *prometheus.CounterVec
	datagramBytes *prometheus.CounterVec
	dropped       *prometheus.CounterVec
	fragments     *prometheus.CounterVec
	frames        *prometheus.CounterVec
	bandwidth     *prometheus.GaugeVec
	sessions      prometheus.Gauge
	channels      prometheus.Gauge
	actions       *prometheus.CounterVec
}

// New creates and registers the collectors.
func New(opts ...Option) *Metrics {
	config := defaultConfig()
	for _, opt := range opts {
		opt(&config)
	}
	factory := promauto.With(config.Registry)

	counterVec := func(name, help string, labels ...string) *prometheus.CounterVec {
		return factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Name:        name,
			Help:        help,
			ConstLabels: config.ConstLabels,
		}, labels)
	}

	return &Metrics{
		gatherer: config.Gatherer,

		corFrames:    counterVec("cor_frames_total", "COR frames by direction and type", "direction", "type"),
		corBodyBytes: counterVec("cor_body_bytes_total", "COR frame body bytes by direction", "direction"),
		corUnmatched: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Name:        "cor_unmatched_responses_total",
			Help:        "COR responses without a pending request",
			ConstLabels: config.ConstLabels,
		}),
		corPending: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Name:        "cor_pending_requests",
			Help:        "Outstanding COR requests",
			ConstLabels: config.ConstLabels,
		}),
		datagrams:     counterVec("datagrams_total", "Media datagrams by direction and type", "direction", "type"),
		datagramBytes: counterVec("datagram_bytes_total", "Media datagram bytes by direction", "direction"),
		dropped:       counterVec("datagrams_dropped_total", "Dropped media datagrams by reason", "reason"),
		fragments:     counterVec("video_fragments_total", "Video fragments offered to reassembly by result", "result"),
		frames:        counterVec("video_frames_total", "Reassembled video frames by outcome", "outcome"),
		bandwidth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Name:        "media_bandwidth_bytes_per_second",
			Help:        "Media socket transfer rate",
			ConstLabels: config.ConstLabels,
		}, []string{"direction"}),
		sessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Name:        "sessions",
			Help:        "Connected control plane sessions",
			ConstLabels: config.ConstLabels,
		}),
		channels: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Name:        "channels",
			Help:        "Channels with at least one participant",
			ConstLabels: config.ConstLabels,
		}),
		actions: counterVec("actions_total", "Control plane actions by action and status", "action", "status"),
	}
}

// Handler serves the collected metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// FrameReceived counts an inbound COR frame.
func (m *Metrics) FrameReceived(t cor.FrameType, bodySize int) {
	m.corFrames.WithLabelValues("in", t.String()).Inc()
	m.corBodyBytes.WithLabelValues("in").Add(float64(bodySize))
}

// FrameSent counts an outbound COR frame.
func (m *Metrics) FrameSent(t cor.FrameType, bodySize int) {
	m.corFrames.WithLabelValues("out", t.String()).Inc()
	m.corBodyBytes.WithLabelValues("out").Add(float64(bodySize))
}

// UnmatchedResponse counts a dropped COR response.
func (m *Metrics) UnmatchedResponse() {
	m.corUnmatched.Inc()
}

// PendingChanged tracks outstanding COR requests.
func (m *Metrics) PendingChanged(delta int) {
	m.corPending.Add(float64(delta))
}

// DatagramReceived counts an inbound media datagram.
func (m *Metrics) DatagramReceived(t datagram.Type, size int) {
	m.datagrams.WithLabelValues("in", t.String()).Inc()
	m.datagramBytes.WithLabelValues("in").Add(float64(size))
}

// DatagramSent counts an outbound media datagram.
func (m *Metrics) DatagramSent(t datagram.Type, size int) {
	m.datagrams.WithLabelValues("out", t.String()).Inc()
	m.datagramBytes.WithLabelValues("out").Add(float64(size))
}

// DatagramDropped counts a dropped media datagram.
func (m *Metrics) DatagramDropped(reason string) {
	m.dropped.WithLabelValues(reason).Inc()
}

// FragmentAdded counts the outcome of one reassembly Add.
func (m *Metrics) FragmentAdded(result video.AddResult) {
	m.fragments.WithLabelValues(result.String()).Inc()
}

// ReassemblyProgress adds the change between two reassembler snapshots.
func (m *Metrics) ReassemblyProgress(prev, cur video.ReassemblerStats) {
	add := func(outcome string, before, after uint64) {
		if after > before {
			m.frames.WithLabelValues(outcome).Add(float64(after - before))
		}
	}
	add("delivered", prev.Delivered, cur.Delivered)
	add("discarded", prev.Discarded, cur.Discarded)
	add("gap", prev.Gaps, cur.Gaps)
	add("key", prev.KeyFrames, cur.KeyFrames)
	add("evicted_incomplete", prev.EvictedIncomplete, cur.EvictedIncomplete)
	add("evicted_complete", prev.EvictedComplete, cur.EvictedComplete)
	add("bad_envelope", prev.BadEnvelopes, cur.BadEnvelopes)
}

// BandwidthUpdated records the media socket transfer rates.
func (m *Metrics) BandwidthUpdated(read, write float64) {
	m.bandwidth.WithLabelValues("read").Set(read)
	m.bandwidth.WithLabelValues("write").Set(write)
}

// SessionOpened counts a new control plane session.
func (m *Metrics) SessionOpened() {
	m.sessions.Inc()
}

// SessionClosed counts a finished control plane session.
func (m *Metrics) SessionClosed() {
	m.sessions.Dec()
}

// ChannelsChanged records the number of active channels.
func (m *Metrics) ChannelsChanged(n int) {
	m.channels.Set(float64(n))
}

// ActionHandled counts a control plane action and its result.
func (m *Metrics) ActionHandled(action string, status protocol.Status) {
	m.actions.WithLabelValues(action, status.String()).Inc()
}
