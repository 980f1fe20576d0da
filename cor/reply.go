package cor

import (
	"context"
	"sync"
)

// Reply is the pending result of a request. It is fulfilled exactly once,
// either with the matching response frame or with an error when the
// connection goes away first.
//
// Completion happens on the connection's receive goroutine. Consumers that
// need another execution context select on Done.
type Reply struct {
	correlationID uint32
	once          sync.Once
	done          chan struct{}
	frame         *Frame
	err           error
}

func newReply(correlationID uint32) *Reply {
	return &Reply{
		correlationID: correlationID,
		done:          make(chan struct{}),
	}
}

// CorrelationID returns the id of the request this reply belongs to.
func (r *Reply) CorrelationID() uint32 {
	return r.correlationID
}

// Done is closed once the reply is fulfilled or failed.
func (r *Reply) Done() <-chan struct{} {
	return r.done
}

// Finished reports whether the reply has completed.
func (r *Reply) Finished() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// Frame returns the response frame, or nil while pending or after failure.
func (r *Reply) Frame() *Frame {
	if !r.Finished() {
		return nil
	}
	return r.frame
}

// Err returns the failure cause, or nil while pending or after success.
func (r *Reply) Err() error {
	if !r.Finished() {
		return nil
	}
	return r.err
}

// Wait blocks until the reply completes or ctx is done. Cancelling ctx
// leaves the request outstanding; use Connection.Cancel to drop it.
func (r *Reply) Wait(ctx context.Context) (*Frame, error) {
	select {
	case <-r.done:
		return r.frame, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// complete fulfills the reply. It returns false if it was already completed.
func (r *Reply) complete(frame *Frame, err error) bool {
	completed := false
	r.once.Do(func() {
		r.frame = frame
		r.err = err
		close(r.done)
		completed = true
	})
	return completed
}
