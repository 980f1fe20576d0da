package cor

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/opd-ai/confcore/limits"
	"github.com/sirupsen/logrus"
)

// RequestHandler receives requests initiated by the remote side. It runs on
// the connection's receive goroutine and must answer every request with
// exactly one SendResponse carrying the same correlation id.
type RequestHandler func(frame *Frame)

// Observer receives counters from a connection. Implementations must be
// safe for concurrent use.
type Observer interface {
	FrameReceived(t FrameType, bodySize int)
	FrameSent(t FrameType, bodySize int)
	UnmatchedResponse()
	PendingChanged(delta int)
}

type nopObserver struct{}

func (nopObserver) FrameReceived(FrameType, int) {}
func (nopObserver) FrameSent(FrameType, int)     {}
func (nopObserver) UnmatchedResponse()           {}
func (nopObserver) PendingChanged(int)           {}

const (
	defaultReadBufferSize = 16 * 1024
	defaultWriteTimeout   = 5 * time.Second
)

// ConnectionOption configures a Connection.
type ConnectionOption func(*Connection)

// WithMaxBodySize sets the largest body accepted from or sent to the peer.
func WithMaxBodySize(n uint32) ConnectionOption {
	return func(c *Connection) {
		if n > 0 {
			c.maxBody = n
		}
	}
}

// WithRequestHandler registers the handler for incoming requests.
func WithRequestHandler(h RequestHandler) ConnectionOption {
	return func(c *Connection) {
		c.handler = h
	}
}

// WithObserver attaches counters to the connection.
func WithObserver(o Observer) ConnectionOption {
	return func(c *Connection) {
		if o != nil {
			c.observer = o
		}
	}
}

// WithWriteTimeout bounds every frame write.
func WithWriteTimeout(d time.Duration) ConnectionOption {
	return func(c *Connection) {
		c.writeTimeout = d
	}
}

// Connection multiplexes requests and responses in both directions over one
// reliable stream. Outgoing requests are tracked in a correlated request
// table until their response arrives or the connection closes.
type Connection struct {
	conn         net.Conn
	maxBody      uint32
	writeTimeout time.Duration
	observer     Observer

	writeMu sync.Mutex

	mu       sync.Mutex
	pending  map[uint32]*Reply
	nextID   uint32
	handler  RequestHandler
	onClose  []func(error)
	closed   bool
	closeErr error

	startOnce sync.Once
	closeOnce sync.Once
	done      chan struct{}
}

// NewConnection wraps conn. Call Start to begin receiving.
func NewConnection(conn net.Conn, opts ...ConnectionOption) *Connection {
	c := &Connection{
		conn:         conn,
		maxBody:      limits.MaxCORBody,
		writeTimeout: defaultWriteTimeout,
		observer:     nopObserver{},
		pending:      make(map[uint32]*Reply),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	logrus.WithFields(logrus.Fields{
		"function": "NewConnection",
		"remote":   c.RemoteAddr().String(),
		"max_body": c.maxBody,
	}).Debug("Created COR connection")

	return c
}

// Start launches the receive goroutine. Calling it more than once has no effect.
func (c *Connection) Start() {
	c.startOnce.Do(func() {
		go c.readLoop()
	})
}

// SetRequestHandler replaces the incoming request handler.
func (c *Connection) SetRequestHandler(h RequestHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
}

// OnClose registers fn to run once when the connection is torn down.
// If the connection is already closed fn runs immediately.
func (c *Connection) OnClose(fn func(err error)) {
	c.mu.Lock()
	if c.closed {
		err := c.closeErr
		c.mu.Unlock()
		fn(err)
		return
	}
	c.onClose = append(c.onClose, fn)
	c.mu.Unlock()
}

// RemoteAddr returns the peer address.
func (c *Connection) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Done is closed when the connection has been torn down.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Err returns the teardown cause once Done is closed.
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

// PendingCount returns the number of outstanding requests.
func (c *Connection) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// SendRequest sends body as a new request and returns its pending reply.
func (c *Connection) SendRequest(body []byte) (*Reply, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrConnectionClosed
	}
	id := c.nextCorrelationID()
	reply := newReply(id)
	c.pending[id] = reply
	c.mu.Unlock()
	c.observer.PendingChanged(1)

	frame := NewRequest(body)
	frame.CorrelationID = id

	if err := c.writeFrame(frame); err != nil {
		if c.removePending(id) {
			c.observer.PendingChanged(-1)
		}
		reply.complete(nil, err)
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function":    "Connection.SendRequest",
		"remote":      c.RemoteAddr().String(),
		"correlation": id,
		"body_size":   len(body),
	}).Debug("Sent COR request")

	return reply, nil
}

// SendResponse writes a response frame. The frame must have been prepared
// with NewResponse or InitResponse so it carries the request's correlation id.
func (c *Connection) SendResponse(frame *Frame) error {
	if frame == nil {
		return ErrNilFrame
	}
	if frame.Type != TypeResponse {
		return ErrNotResponse
	}
	return c.writeFrame(frame)
}

// Cancel removes reply from the request table and fails it with cause.
// A response arriving later is treated as unmatched.
func (c *Connection) Cancel(reply *Reply, cause error) {
	if reply == nil {
		return
	}
	c.mu.Lock()
	current, ok := c.pending[reply.correlationID]
	if ok && current == reply {
		delete(c.pending, reply.correlationID)
	}
	c.mu.Unlock()
	if ok && current == reply {
		c.observer.PendingChanged(-1)
	}
	reply.complete(nil, cause)
}

// Close tears the connection down and fails every pending reply.
func (c *Connection) Close() error {
	c.shutdown(ErrConnectionClosed)
	return nil
}

// nextCorrelationID must be called with mu held.
func (c *Connection) nextCorrelationID() uint32 {
	for {
		c.nextID++
		if _, busy := c.pending[c.nextID]; !busy {
			return c.nextID
		}
	}
}

func (c *Connection) removePending(id uint32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pending[id]; !ok {
		return false
	}
	delete(c.pending, id)
	return true
}

func (c *Connection) writeFrame(frame *Frame) error {
	data, err := frame.marshal(c.maxBody)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return c.writeFailed(err)
		}
	}
	if _, err := c.conn.Write(data); err != nil {
		return c.writeFailed(err)
	}

	c.observer.FrameSent(frame.Type, len(frame.Body))
	return nil
}

// writeFailed tears the connection down; a partially written frame leaves
// the stream unusable.
func (c *Connection) writeFailed(err error) error {
	go c.shutdown(err)
	return fmt.Errorf("%w: write failed: %v", ErrConnectionClosed, err)
}

func (c *Connection) readLoop() {
	assembler := NewFrameAssembler(c.maxBody)
	buf := make([]byte, defaultReadBufferSize)

	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			frames, perr := assembler.Feed(buf[:n])
			for _, frame := range frames {
				c.dispatch(frame)
			}
			if perr != nil {
				c.shutdown(perr)
				return
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				logrus.WithFields(logrus.Fields{
					"function": "Connection.readLoop",
					"remote":   c.RemoteAddr().String(),
				}).Debug("Peer closed COR connection")
			}
			c.shutdown(err)
			return
		}
	}
}

func (c *Connection) dispatch(frame *Frame) {
	c.observer.FrameReceived(frame.Type, len(frame.Body))

	switch frame.Type {
	case TypeRequest:
		c.mu.Lock()
		handler := c.handler
		c.mu.Unlock()
		if handler == nil {
			logrus.WithFields(logrus.Fields{
				"function":    "Connection.dispatch",
				"remote":      c.RemoteAddr().String(),
				"correlation": frame.CorrelationID,
			}).Warn("No request handler registered, dropping request")
			return
		}
		handler(frame)

	case TypeResponse:
		c.mu.Lock()
		reply, ok := c.pending[frame.CorrelationID]
		if ok {
			delete(c.pending, frame.CorrelationID)
		}
		c.mu.Unlock()

		if !ok {
			c.observer.UnmatchedResponse()
			logrus.WithFields(logrus.Fields{
				"function":    "Connection.dispatch",
				"remote":      c.RemoteAddr().String(),
				"correlation": frame.CorrelationID,
			}).Warn("Dropping response without pending request")
			return
		}
		c.observer.PendingChanged(-1)
		reply.complete(frame, nil)

	default:
		logrus.WithFields(logrus.Fields{
			"function":    "Connection.dispatch",
			"remote":      c.RemoteAddr().String(),
			"frame_type":  frame.Type.String(),
			"correlation": frame.CorrelationID,
		}).Warn("Dropping frame of unknown type")
	}
}

func (c *Connection) shutdown(cause error) {
	var callbacks []func(error)
	c.closeOnce.Do(func() {
		if cause == nil {
			cause = ErrConnectionClosed
		}

		c.mu.Lock()
		c.closed = true
		c.closeErr = cause
		pending := c.pending
		c.pending = make(map[uint32]*Reply)
		callbacks = c.onClose
		c.onClose = nil
		c.mu.Unlock()

		c.conn.Close()

		failure := cause
		if !errors.Is(cause, ErrConnectionClosed) {
			failure = fmt.Errorf("%w: %v", ErrConnectionClosed, cause)
		}
		for _, reply := range pending {
			reply.complete(nil, failure)
		}
		if len(pending) > 0 {
			c.observer.PendingChanged(-len(pending))
		}

		logrus.WithFields(logrus.Fields{
			"function":       "Connection.shutdown",
			"remote":         c.RemoteAddr().String(),
			"failed_pending": len(pending),
			"cause":          cause.Error(),
		}).Info("COR connection closed")

		close(c.done)
	})

	// Callbacks run outside the once so they may call Close.
	for _, fn := range callbacks {
		fn(c.closeErr)
	}
}
