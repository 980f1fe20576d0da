package media

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opd-ai/confcore/datagram"
	"github.com/opd-ai/confcore/limits"
	"github.com/opd-ai/confcore/transport"
	"github.com/opd-ai/confcore/video"
	"github.com/sirupsen/logrus"
)

const (
	DefaultAuthInterval      = time.Second
	DefaultKeepAliveInterval = 2 * time.Second
	DefaultRecoveryInterval  = time.Second
	DefaultFrameBuffer       = 16
)

var (
	// ErrEncoderNotInitialized is returned by SendVideoFrame before
	// InitVideoEncoder.
	ErrEncoderNotInitialized = errors.New("video encoder not initialized")
	// ErrSocketClosed is returned by operations on a closed Socket.
	ErrSocketClosed = errors.New("media socket closed")
	// ErrInvalidSocketConfig indicates a SocketConfig that cannot be used.
	ErrInvalidSocketConfig = errors.New("invalid media socket config")
)

// SocketConfig configures a client media Socket. Zero durations and sizes
// select the defaults.
type SocketConfig struct {
	// Server is the media address of the conference server.
	Server net.Addr
	// Token is the media token issued by the control connection.
	Token string

	AuthInterval      time.Duration
	KeepAliveInterval time.Duration
	RecoveryInterval  time.Duration
	BandwidthInterval time.Duration

	// MaxPayload bounds the payload of each outgoing fragment.
	MaxPayload int
	// FrameBuffer is the capacity of the Frames channel.
	FrameBuffer int

	EncoderFactory video.EncoderFactory
	DecoderFactory video.DecoderFactory

	Observer     Observer
	TimeProvider video.TimeProvider
}

func (c *SocketConfig) setDefaults() {
	if c.AuthInterval <= 0 {
		c.AuthInterval = DefaultAuthInterval
	}
	if c.KeepAliveInterval <= 0 {
		c.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if c.RecoveryInterval <= 0 {
		c.RecoveryInterval = DefaultRecoveryInterval
	}
	if c.BandwidthInterval <= 0 {
		c.BandwidthInterval = DefaultBandwidthInterval
	}
	if c.MaxPayload <= 0 {
		c.MaxPayload = video.DefaultMaxPayload
	}
	if c.FrameBuffer <= 0 {
		c.FrameBuffer = DefaultFrameBuffer
	}
	if c.EncoderFactory == nil {
		c.EncoderFactory = video.NewPassthroughEncoder
	}
	if c.DecoderFactory == nil {
		c.DecoderFactory = video.NewPassthroughDecoder
	}
	if c.Observer == nil {
		c.Observer = nopObserver{}
	}
	if c.TimeProvider == nil {
		c.TimeProvider = video.DefaultTimeProvider{}
	}
}

func (c *SocketConfig) validate() error {
	if c.Server == nil {
		return fmt.Errorf("%w: missing server address", ErrInvalidSocketConfig)
	}
	if err := limits.ValidateAuthToken([]byte(c.Token)); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSocketConfig, err)
	}
	if c.MaxPayload > limits.MaxFragmentPayload {
		return fmt.Errorf("%w: max payload %d exceeds %d", ErrInvalidSocketConfig, c.MaxPayload, limits.MaxFragmentPayload)
	}
	return nil
}

// Socket is the client side of the media plane. It authenticates its UDP
// address with the server, sends local video and reassembles and decodes
// the video of remote senders.
type Socket struct {
	cfg       SocketConfig
	transport PacketTransport

	authenticated atomic.Bool

	mu            sync.Mutex
	encoder       *video.EncodingWorker
	pendingResets map[uint32]struct{}
	closed        bool

	decoder       *video.DecodingWorker
	frames        chan video.DecodedFrame
	droppedFrames atomic.Uint64

	// owned by the transport receive goroutine
	reassemblers map[uint32]*video.Reassembler
	lastRecovery map[uint32]time.Time

	meter bandwidthMeter

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
	closeOnce sync.Once
}

// NewSocket creates a media socket on tr. The socket takes ownership of tr
// and closes it on Close.
func NewSocket(tr PacketTransport, cfg SocketConfig) (*Socket, error) {
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Socket{
		cfg:           cfg,
		transport:     tr,
		pendingResets: make(map[uint32]struct{}),
		frames:        make(chan video.DecodedFrame, cfg.FrameBuffer),
		reassemblers:  make(map[uint32]*video.Reassembler),
		lastRecovery:  make(map[uint32]time.Time),
		ctx:           ctx,
		cancel:        cancel,
	}
	s.decoder = video.NewDecodingWorker(cfg.DecoderFactory, s.onDecoded)

	tr.RegisterHandler(datagram.TypeVideo, s.handleVideo)
	tr.RegisterHandler(datagram.TypeRecovery, s.handleRecovery)

	return s, nil
}

// Start launches the decoder and the authentication, keep-alive and
// bandwidth timers.
func (s *Socket) Start() {
	s.startOnce.Do(func() {
		s.decoder.Start()
		s.wg.Add(1)
		go s.run()
	})
}

// IsAuthenticated reports whether the server acknowledged the media token.
func (s *Socket) IsAuthenticated() bool {
	return s.authenticated.Load()
}

// SetAuthenticated switches from sending the token to sending keep-alives.
// The control connection calls it once the server confirms the token.
func (s *Socket) SetAuthenticated(yes bool) {
	s.authenticated.Store(yes)
	logrus.WithFields(logrus.Fields{
		"function":      "Socket.SetAuthenticated",
		"authenticated": yes,
	}).Info("Media authentication state changed")
}

func (s *Socket) run() {
	defer s.wg.Done()

	if !s.authenticated.Load() {
		s.sendAuth()
	}

	authTicker := time.NewTicker(s.cfg.AuthInterval)
	defer authTicker.Stop()
	keepAliveTicker := time.NewTicker(s.cfg.KeepAliveInterval)
	defer keepAliveTicker.Stop()
	bandwidthTicker := time.NewTicker(s.cfg.BandwidthInterval)
	defer bandwidthTicker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-authTicker.C:
			if !s.authenticated.Load() {
				s.sendAuth()
			}
		case <-keepAliveTicker.C:
			if s.authenticated.Load() {
				s.send(&datagram.KeepAlive{})
			}
		case <-bandwidthTicker.C:
			s.updateBandwidth()
		}
	}
}

func (s *Socket) sendAuth() {
	s.send(&datagram.Auth{Token: []byte(s.cfg.Token)})
}

func (s *Socket) send(d datagram.Datagram) {
	if err := s.transport.Send(d, s.cfg.Server); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Socket.send",
			"type":     d.Type().String(),
			"server":   s.cfg.Server.String(),
			"error":    err.Error(),
		}).Warn("Failed to send datagram")
	}
}

func (s *Socket) updateBandwidth() {
	stats := s.transport.Stats()
	usage := s.meter.update(s.cfg.TimeProvider.Now(), stats.BytesReceived, stats.BytesSent)
	s.cfg.Observer.BandwidthUpdated(usage.ReadRate, usage.WriteRate)
}

// NetworkUsage returns the traffic counters and the rates computed at the
// last bandwidth tick.
func (s *Socket) NetworkUsage() NetworkUsage {
	usage := s.meter.snapshot()
	stats := s.transport.Stats()
	usage.BytesRead = stats.BytesReceived
	usage.BytesWritten = stats.BytesSent
	return usage
}

// InitVideoEncoder prepares the socket to send video. A previously
// initialized encoder is stopped and replaced.
func (s *Socket) InitVideoEncoder(width, height, bitRate, fps int) error {
	if width <= 0 || height <= 0 {
		return fmt.Errorf("%w: %dx%d", video.ErrImageSize, width, height)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSocketClosed
	}
	if s.encoder != nil {
		s.encoder.Stop()
	}
	s.encoder = video.NewEncodingWorker(s.cfg.EncoderFactory, bitRate, fps, s.onEncoded)
	s.encoder.Start()

	logrus.WithFields(logrus.Fields{
		"function": "Socket.InitVideoEncoder",
		"width":    width,
		"height":   height,
		"bit_rate": bitRate,
		"fps":      fps,
	}).Info("Video encoder initialized")
	return nil
}

// ResetVideoEncoder stops sending video.
func (s *Socket) ResetVideoEncoder() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.encoder != nil {
		s.encoder.Stop()
		s.encoder = nil
	}
}

// SendVideoFrame queues img to be encoded and sent as senderID's next frame.
func (s *Socket) SendVideoFrame(img *video.RawImage, senderID uint32) error {
	s.mu.Lock()
	enc := s.encoder
	closed := s.closed
	s.mu.Unlock()

	if closed {
		return ErrSocketClosed
	}
	if enc == nil {
		return ErrEncoderNotInitialized
	}
	return enc.Submit(senderID, img)
}

// onEncoded runs on the encoding worker goroutine.
func (s *Socket) onEncoded(senderID uint32, frame *video.EncodedFrame) {
	frags, err := video.Split(frame.Marshal(), frame.ID, senderID, s.cfg.MaxPayload)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":  "Socket.onEncoded",
			"sender_id": senderID,
			"frame_id":  frame.ID,
			"error":     err.Error(),
		}).Warn("Failed to split encoded frame")
		return
	}
	for _, frag := range frags {
		s.send(frag)
	}
}

// Frames delivers decoded remote video. Frames are dropped when the
// consumer falls behind. The channel is closed by Close.
func (s *Socket) Frames() <-chan video.DecodedFrame {
	return s.frames
}

// DroppedFrames returns the number of decoded frames the consumer missed.
func (s *Socket) DroppedFrames() uint64 {
	return s.droppedFrames.Load()
}

// onDecoded runs on the decoding worker goroutine.
func (s *Socket) onDecoded(frame video.DecodedFrame) {
	select {
	case s.frames <- frame:
	default:
		s.droppedFrames.Add(1)
	}
}

// ResetVideoDecoderOfClient forgets the decoding and reassembly state of
// senderID, for example after the sender re-enabled its video.
func (s *Socket) ResetVideoDecoderOfClient(senderID uint32) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSocketClosed
	}
	s.pendingResets[senderID] = struct{}{}
	s.mu.Unlock()

	return s.decoder.ResetSender(senderID)
}

func (s *Socket) takeReset(senderID uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pendingResets[senderID]; !ok {
		return false
	}
	delete(s.pendingResets, senderID)
	return true
}

func (s *Socket) reassemblerFor(senderID uint32) *video.Reassembler {
	if s.takeReset(senderID) {
		delete(s.reassemblers, senderID)
		delete(s.lastRecovery, senderID)
	}
	r, ok := s.reassemblers[senderID]
	if !ok {
		r = video.NewReassembler(senderID, video.WithTimeProvider(s.cfg.TimeProvider))
		s.reassemblers[senderID] = r
	}
	return r
}

func (s *Socket) handleVideo(p *transport.Packet, _ net.Addr) {
	frag, ok := p.Datagram.(*datagram.Video)
	if !ok {
		return
	}

	r := s.reassemblerFor(frag.Sender)
	prev := r.Stats()
	result := r.Add(frag)
	s.cfg.Observer.FragmentAdded(result)

	for r.Pending() > 0 {
		frame, ok := r.Next()
		if !ok {
			continue
		}
		if err := s.decoder.Submit(frag.Sender, frame); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":  "Socket.handleVideo",
				"sender_id": frag.Sender,
				"frame_id":  frame.ID,
				"error":     err.Error(),
			}).Debug("Decoder rejected frame")
		}
	}
	s.cfg.Observer.ReassemblyProgress(prev, r.Stats())

	if r.WaitsForType() != video.FrameNormal {
		s.requestRecovery(frag.Sender)
	}
}

// requestRecovery asks senderID for a key frame, at most once per
// RecoveryInterval.
func (s *Socket) requestRecovery(senderID uint32) {
	now := s.cfg.TimeProvider.Now()
	if last, ok := s.lastRecovery[senderID]; ok && now.Sub(last) < s.cfg.RecoveryInterval {
		return
	}
	s.lastRecovery[senderID] = now

	logrus.WithFields(logrus.Fields{
		"function":  "Socket.requestRecovery",
		"sender_id": senderID,
	}).Debug("Requesting key frame")
	s.send(&datagram.Recovery{Sender: senderID})
}

// handleRecovery forces a key frame on the local encoder.
func (s *Socket) handleRecovery(p *transport.Packet, addr net.Addr) {
	if _, ok := p.Datagram.(*datagram.Recovery); !ok {
		return
	}

	s.mu.Lock()
	enc := s.encoder
	s.mu.Unlock()

	if enc == nil {
		logrus.WithFields(logrus.Fields{
			"function": "Socket.handleRecovery",
			"from":     addr.String(),
		}).Debug("Ignoring recovery request without encoder")
		return
	}
	enc.RequestRecovery()
}

// Close stops the timers and workers and closes the transport. Frames is
// closed once no more frames can arrive.
func (s *Socket) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		enc := s.encoder
		s.encoder = nil
		s.mu.Unlock()

		s.cancel()
		s.wg.Wait()

		if enc != nil {
			enc.Stop()
		}
		err = s.transport.Close()
		s.decoder.Stop()
		close(s.frames)

		logrus.WithFields(logrus.Fields{
			"function": "Socket.Close",
		}).Info("Media socket closed")
	})
	return err
}
