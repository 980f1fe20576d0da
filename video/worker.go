package video

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrWorkerStopped indicates a worker that no longer accepts work.
var ErrWorkerStopped = errors.New("worker stopped")

// EncodedHandler receives frames produced by an EncodingWorker. It runs on
// the worker goroutine.
type EncodedHandler func(senderID uint32, frame *EncodedFrame)

// DecodedFrame is one picture produced by a DecodingWorker.
type DecodedFrame struct {
	SenderID uint32
	FrameID  uint64
	Image    *RawImage
}

// DecodedHandler receives pictures produced by a DecodingWorker. It runs on
// the worker goroutine.
type DecodedHandler func(frame DecodedFrame)

// WorkerOption configures a worker.
type WorkerOption func(*workerConfig)

type workerConfig struct {
	queueCapacity int
	timeProvider  TimeProvider
}

// WithQueueCapacity overrides DefaultQueueCapacity.
func WithQueueCapacity(n int) WorkerOption {
	return func(c *workerConfig) {
		c.queueCapacity = n
	}
}

// WithWorkerTimeProvider injects the clock used for frame rate throttling.
func WithWorkerTimeProvider(tp TimeProvider) WorkerOption {
	return func(c *workerConfig) {
		if tp != nil {
			c.timeProvider = tp
		}
	}
}

func newWorkerConfig(opts []WorkerOption) workerConfig {
	cfg := workerConfig{
		queueCapacity: DefaultQueueCapacity,
		timeProvider:  DefaultTimeProvider{},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

type encodeJob struct {
	senderID uint32
	img      *RawImage
}

type senderEncoder struct {
	enc       Encoder
	width     int
	height    int
	nextID    uint64
	lastFrame time.Time
}

// EncodingWorker compresses raw images on its own goroutine.
type EncodingWorker struct {
	factory      EncoderFactory
	bitRate      int
	fps          int
	onFrame      EncodedHandler
	queue        *workQueue[encodeJob]
	timeProvider TimeProvider

	// owned by the worker goroutine
	encoders map[uint32]*senderEncoder

	forceKey  atomic.Bool
	encoded   atomic.Uint64
	throttled atomic.Uint64
	failures  atomic.Uint64

	mu        sync.Mutex
	err       error
	startOnce sync.Once
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// NewEncodingWorker creates a worker that encodes with encoders from
// factory at the given rate and hands results to onFrame.
func NewEncodingWorker(factory EncoderFactory, bitRate, fps int, onFrame EncodedHandler, opts ...WorkerOption) *EncodingWorker {
	cfg := newWorkerConfig(opts)
	return &EncodingWorker{
		factory:      factory,
		bitRate:      bitRate,
		fps:          fps,
		onFrame:      onFrame,
		queue:        newWorkQueue[encodeJob](cfg.queueCapacity),
		timeProvider: cfg.timeProvider,
		encoders:     make(map[uint32]*senderEncoder),
	}
}

// Start launches the worker goroutine.
func (w *EncodingWorker) Start() {
	w.startOnce.Do(func() {
		w.wg.Add(1)
		go w.run()
	})
}

// Submit queues img for encoding as senderID's next frame.
func (w *EncodingWorker) Submit(senderID uint32, img *RawImage) error {
	if img == nil {
		return ErrInvalidImage
	}
	if !w.queue.push(encodeJob{senderID: senderID, img: img}) {
		return ErrWorkerStopped
	}
	return nil
}

// RequestRecovery forces the next encoded frame to be a key frame.
func (w *EncodingWorker) RequestRecovery() {
	w.forceKey.Store(true)
	logrus.WithFields(logrus.Fields{
		"function": "EncodingWorker.RequestRecovery",
	}).Debug("Key frame requested")
}

// Err returns the error that stopped the worker, if any.
func (w *EncodingWorker) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Stats returns encoded, throttled, failed and dropped frame counts.
func (w *EncodingWorker) Stats() (encoded, throttled, failed, dropped uint64) {
	return w.encoded.Load(), w.throttled.Load(), w.failures.Load(), w.queue.droppedCount()
}

// Stop discards pending work and waits for the goroutine to exit.
func (w *EncodingWorker) Stop() {
	w.stopOnce.Do(func() {
		w.queue.stop()
		w.wg.Wait()
		for id, se := range w.encoders {
			if err := se.enc.Close(); err != nil {
				logrus.WithFields(logrus.Fields{
					"function":  "EncodingWorker.Stop",
					"sender_id": id,
					"error":     err.Error(),
				}).Warn("Failed to close encoder")
			}
		}
		w.encoders = nil
	})
}

func (w *EncodingWorker) run() {
	defer w.wg.Done()
	for {
		job, ok := w.queue.pop()
		if !ok {
			return
		}
		if err := w.encode(job); err != nil {
			w.fail(err)
			return
		}
	}
}

// fail records err and stops accepting work. Only this worker is affected.
func (w *EncodingWorker) fail(err error) {
	w.mu.Lock()
	w.err = err
	w.mu.Unlock()
	w.queue.stop()

	logrus.WithFields(logrus.Fields{
		"function": "EncodingWorker.run",
		"error":    err.Error(),
	}).Error("Encoding worker stopped")
}

// encode returns an error only when the worker cannot continue.
func (w *EncodingWorker) encode(job encodeJob) error {
	se, err := w.encoderFor(job.senderID, job.img)
	if err != nil {
		return err
	}

	now := w.timeProvider.Now()
	if w.fps > 0 && !se.lastFrame.IsZero() {
		if now.Sub(se.lastFrame) < time.Second/time.Duration(w.fps) {
			w.throttled.Add(1)
			return nil
		}
	}

	data, typ, err := se.enc.Encode(job.img, w.forceKey.Swap(false))
	if err != nil {
		w.failures.Add(1)
		logrus.WithFields(logrus.Fields{
			"function":  "EncodingWorker.encode",
			"sender_id": job.senderID,
			"error":     err.Error(),
		}).Warn("Skipping frame that failed to encode")
		return nil
	}
	se.lastFrame = now

	frame := &EncodedFrame{ID: se.nextID, Type: typ, Data: data}
	se.nextID++
	w.encoded.Add(1)

	if w.onFrame != nil {
		w.onFrame(job.senderID, frame)
	}
	return nil
}

// encoderFor returns the sender's encoder, creating it on first use and
// re-creating it when the picture size changes.
func (w *EncodingWorker) encoderFor(senderID uint32, img *RawImage) (*senderEncoder, error) {
	se, ok := w.encoders[senderID]
	if ok && se.width == img.Width && se.height == img.Height {
		return se, nil
	}

	nextID := uint64(1)
	if ok {
		nextID = se.nextID
		_ = se.enc.Close()
	}

	enc, err := w.factory(img.Width, img.Height, w.bitRate, w.fps)
	if err != nil {
		delete(w.encoders, senderID)
		return nil, err
	}

	se = &senderEncoder{enc: enc, width: img.Width, height: img.Height, nextID: nextID}
	w.encoders[senderID] = se
	// A new encoder starts with a key frame.
	w.forceKey.Store(true)

	logrus.WithFields(logrus.Fields{
		"function":  "EncodingWorker.encoderFor",
		"sender_id": senderID,
		"width":     img.Width,
		"height":    img.Height,
	}).Info("Created encoder")
	return se, nil
}

type decodeJob struct {
	senderID uint32
	frame    *EncodedFrame
	reset    bool
}

// DecodingWorker decompresses encoded frames on its own goroutine, with one
// decoder per sender.
type DecodingWorker struct {
	factory DecoderFactory
	onFrame DecodedHandler
	queue   *workQueue[decodeJob]

	// owned by the worker goroutine
	decoders map[uint32]Decoder
	failed   map[uint32]bool

	decoded  atomic.Uint64
	failures atomic.Uint64

	startOnce sync.Once
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// NewDecodingWorker creates a worker that decodes with decoders from
// factory and hands pictures to onFrame.
func NewDecodingWorker(factory DecoderFactory, onFrame DecodedHandler, opts ...WorkerOption) *DecodingWorker {
	cfg := newWorkerConfig(opts)
	w := &DecodingWorker{
		factory:  factory,
		onFrame:  onFrame,
		queue:    newWorkQueue[decodeJob](cfg.queueCapacity),
		decoders: make(map[uint32]Decoder),
		failed:   make(map[uint32]bool),
	}
	w.queue.pinned = func(j decodeJob) bool { return j.reset }
	return w
}

// Start launches the worker goroutine.
func (w *DecodingWorker) Start() {
	w.startOnce.Do(func() {
		w.wg.Add(1)
		go w.run()
	})
}

// Submit queues frame from senderID for decoding.
func (w *DecodingWorker) Submit(senderID uint32, frame *EncodedFrame) error {
	if frame == nil {
		return ErrInvalidImage
	}
	if !w.queue.push(decodeJob{senderID: senderID, frame: frame}) {
		return ErrWorkerStopped
	}
	return nil
}

// ResetSender drops the decoder of senderID. The next frame from that
// sender gets a fresh decoder. Resets are ordered with frames and are never
// dropped when the queue overflows.
func (w *DecodingWorker) ResetSender(senderID uint32) error {
	if !w.queue.push(decodeJob{senderID: senderID, reset: true}) {
		return ErrWorkerStopped
	}
	return nil
}

// Stats returns decoded, failed and dropped frame counts.
func (w *DecodingWorker) Stats() (decoded, failed, dropped uint64) {
	return w.decoded.Load(), w.failures.Load(), w.queue.droppedCount()
}

// Stop discards pending work and waits for the goroutine to exit.
func (w *DecodingWorker) Stop() {
	w.stopOnce.Do(func() {
		w.queue.stop()
		w.wg.Wait()
		for id, dec := range w.decoders {
			if err := dec.Close(); err != nil {
				logrus.WithFields(logrus.Fields{
					"function":  "DecodingWorker.Stop",
					"sender_id": id,
					"error":     err.Error(),
				}).Warn("Failed to close decoder")
			}
		}
		w.decoders = nil
	})
}

func (w *DecodingWorker) run() {
	defer w.wg.Done()
	for {
		job, ok := w.queue.pop()
		if !ok {
			return
		}
		if job.reset {
			w.reset(job.senderID)
			continue
		}
		w.decode(job)
	}
}

func (w *DecodingWorker) reset(senderID uint32) {
	if dec, ok := w.decoders[senderID]; ok {
		_ = dec.Close()
		delete(w.decoders, senderID)
	}
	delete(w.failed, senderID)

	logrus.WithFields(logrus.Fields{
		"function":  "DecodingWorker.reset",
		"sender_id": senderID,
	}).Debug("Reset decoder")
}

func (w *DecodingWorker) decode(job decodeJob) {
	if w.failed[job.senderID] {
		return
	}

	dec, ok := w.decoders[job.senderID]
	if !ok {
		var err error
		dec, err = w.factory()
		if err != nil {
			// Only this sender's stream halts until it is reset.
			w.failed[job.senderID] = true
			w.failures.Add(1)
			logrus.WithFields(logrus.Fields{
				"function":  "DecodingWorker.decode",
				"sender_id": job.senderID,
				"error":     err.Error(),
			}).Error("Failed to create decoder")
			return
		}
		w.decoders[job.senderID] = dec
	}

	img, err := dec.Decode(job.frame.Data)
	if err != nil {
		w.failures.Add(1)
		logrus.WithFields(logrus.Fields{
			"function":  "DecodingWorker.decode",
			"sender_id": job.senderID,
			"frame_id":  job.frame.ID,
			"error":     err.Error(),
		}).Warn("Skipping frame that failed to decode")
		return
	}
	w.decoded.Add(1)

	if w.onFrame != nil {
		w.onFrame(DecodedFrame{SenderID: job.senderID, FrameID: job.frame.ID, Image: img})
	}
}
