package media

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opd-ai/confcore/datagram"
	"github.com/opd-ai/confcore/transport"
	"github.com/opd-ai/confcore/video"
	"github.com/sirupsen/logrus"
)

// Recipients is the routing table of the relay. It is replaced as a whole
// whenever channel membership changes and must not be modified after it
// was handed to SetRecipients.
type Recipients struct {
	// Receivers maps a sending address (net.Addr.String()) to the media
	// addresses that get its video.
	Receivers map[string][]net.Addr
	// Clients maps a client id to its media address, for routing recovery
	// requests to the sender that has to produce a key frame.
	Clients map[uint32]net.Addr
}

// TokenHandler is called for every Auth datagram with the token and the
// address it came from. It runs on the receive goroutine.
type TokenHandler func(token string, addr net.Addr)

// RelayStats are cumulative counters of a Relay.
type RelayStats struct {
	AuthAttempts      uint64
	VideoForwarded    uint64
	VideoUnrouted     uint64
	RecoveryForwarded uint64
	RecoveryUnrouted  uint64
	KeepAlives        uint64
	SendErrors        uint64
}

// RelayOption configures a Relay.
type RelayOption func(*Relay)

// WithRelayObserver attaches bandwidth reporting to the relay.
func WithRelayObserver(o Observer) RelayOption {
	return func(r *Relay) {
		if o != nil {
			r.observer = o
		}
	}
}

// WithBandwidthInterval overrides DefaultBandwidthInterval.
func WithBandwidthInterval(d time.Duration) RelayOption {
	return func(r *Relay) {
		if d > 0 {
			r.bandwidthInterval = d
		}
	}
}

// WithRelayTimeProvider injects the clock used for rate computation.
func WithRelayTimeProvider(tp video.TimeProvider) RelayOption {
	return func(r *Relay) {
		if tp != nil {
			r.timeProvider = tp
		}
	}
}

// Relay is the server side of the media plane. It forwards video datagrams
// verbatim to the members of the sender's channels, routes recovery
// requests and hands auth tokens to the control plane.
type Relay struct {
	transport         PacketTransport
	observer          Observer
	timeProvider      video.TimeProvider
	bandwidthInterval time.Duration

	recipients atomic.Pointer[Recipients]

	handlerMu sync.RWMutex
	onToken   TokenHandler

	authAttempts      atomic.Uint64
	videoForwarded    atomic.Uint64
	videoUnrouted     atomic.Uint64
	recoveryForwarded atomic.Uint64
	recoveryUnrouted  atomic.Uint64
	keepAlives        atomic.Uint64
	sendErrors        atomic.Uint64

	meter bandwidthMeter

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
	closeOnce sync.Once
}

// NewRelay creates a relay on tr. The relay takes ownership of tr.
func NewRelay(tr PacketTransport, opts ...RelayOption) *Relay {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Relay{
		transport:         tr,
		observer:          nopObserver{},
		timeProvider:      video.DefaultTimeProvider{},
		bandwidthInterval: DefaultBandwidthInterval,
		ctx:               ctx,
		cancel:            cancel,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.recipients.Store(&Recipients{})

	tr.RegisterHandler(datagram.TypeAuth, r.handleAuth)
	tr.RegisterHandler(datagram.TypeVideo, r.handleVideo)
	tr.RegisterHandler(datagram.TypeRecovery, r.handleRecovery)
	tr.RegisterHandler(datagram.TypeKeepAlive, r.handleKeepAlive)

	return r
}

// Start launches the bandwidth timer.
func (r *Relay) Start() {
	r.startOnce.Do(func() {
		r.wg.Add(1)
		go r.run()
	})
}

func (r *Relay) run() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.bandwidthInterval)
	defer ticker.Stop()

	r.updateBandwidth()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.updateBandwidth()
		}
	}
}

func (r *Relay) updateBandwidth() {
	stats := r.transport.Stats()
	usage := r.meter.update(r.timeProvider.Now(), stats.BytesReceived, stats.BytesSent)
	r.observer.BandwidthUpdated(usage.ReadRate, usage.WriteRate)
}

// Bandwidth returns the traffic counters and the rates computed at the last
// bandwidth tick. The control plane uses it to enforce bandwidth limits.
func (r *Relay) Bandwidth() NetworkUsage {
	usage := r.meter.snapshot()
	stats := r.transport.Stats()
	usage.BytesRead = stats.BytesReceived
	usage.BytesWritten = stats.BytesSent
	return usage
}

// LocalAddr returns the address the relay receives on.
func (r *Relay) LocalAddr() net.Addr {
	return r.transport.LocalAddr()
}

// SetTokenHandler registers the callback for Auth datagrams.
func (r *Relay) SetTokenHandler(h TokenHandler) {
	r.handlerMu.Lock()
	defer r.handlerMu.Unlock()
	r.onToken = h
}

// SetRecipients atomically replaces the routing table. A nil table clears
// all routes.
func (r *Relay) SetRecipients(rec *Recipients) {
	if rec == nil {
		rec = &Recipients{}
	}
	r.recipients.Store(rec)

	logrus.WithFields(logrus.Fields{
		"function": "Relay.SetRecipients",
		"senders":  len(rec.Receivers),
		"clients":  len(rec.Clients),
	}).Debug("Updated media recipients")
}

// Recipients returns the current routing table.
func (r *Relay) Recipients() *Recipients {
	return r.recipients.Load()
}

// Stats returns a snapshot of the relay counters.
func (r *Relay) Stats() RelayStats {
	return RelayStats{
		AuthAttempts:      r.authAttempts.Load(),
		VideoForwarded:    r.videoForwarded.Load(),
		VideoUnrouted:     r.videoUnrouted.Load(),
		RecoveryForwarded: r.recoveryForwarded.Load(),
		RecoveryUnrouted:  r.recoveryUnrouted.Load(),
		KeepAlives:        r.keepAlives.Load(),
		SendErrors:        r.sendErrors.Load(),
	}
}

func (r *Relay) handleAuth(p *transport.Packet, addr net.Addr) {
	auth, ok := p.Datagram.(*datagram.Auth)
	if !ok {
		return
	}
	r.authAttempts.Add(1)

	r.handlerMu.RLock()
	h := r.onToken
	r.handlerMu.RUnlock()

	if h == nil {
		logrus.WithFields(logrus.Fields{
			"function": "Relay.handleAuth",
			"from":     addr.String(),
		}).Warn("No token handler registered")
		return
	}
	h(string(auth.Token), addr)
}

// handleVideo forwards the datagram unchanged. p.Raw is only valid until
// the handler returns, which holds because SendRaw writes synchronously.
func (r *Relay) handleVideo(p *transport.Packet, addr net.Addr) {
	receivers := r.recipients.Load().Receivers[addr.String()]
	if len(receivers) == 0 {
		r.videoUnrouted.Add(1)
		return
	}
	for _, to := range receivers {
		r.forward(p.Raw, to)
	}
	r.videoForwarded.Add(1)
}

func (r *Relay) handleRecovery(p *transport.Packet, addr net.Addr) {
	rec, ok := p.Datagram.(*datagram.Recovery)
	if !ok {
		return
	}

	to, ok := r.recipients.Load().Clients[rec.Sender]
	if !ok || to == nil {
		r.recoveryUnrouted.Add(1)
		logrus.WithFields(logrus.Fields{
			"function":  "Relay.handleRecovery",
			"client_id": rec.Sender,
			"from":      addr.String(),
		}).Warn("Unknown receiver for recovery request")
		return
	}
	r.forward(p.Raw, to)
	r.recoveryForwarded.Add(1)
}

func (r *Relay) handleKeepAlive(_ *transport.Packet, _ net.Addr) {
	r.keepAlives.Add(1)
}

func (r *Relay) forward(data []byte, to net.Addr) {
	if err := r.transport.SendRaw(data, to); err != nil {
		r.sendErrors.Add(1)
		logrus.WithFields(logrus.Fields{
			"function": "Relay.forward",
			"to":       to.String(),
			"error":    err.Error(),
		}).Warn("Failed to forward datagram")
	}
}

// Close stops the relay and closes its transport.
func (r *Relay) Close() error {
	var err error
	r.closeOnce.Do(func() {
		r.cancel()
		r.wg.Wait()
		err = r.transport.Close()
	})
	return err
}
