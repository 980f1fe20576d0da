package cor

import "errors"

// Sentinel errors for cor package operations.
// These errors enable reliable error classification using errors.Is().
var (
	// ErrFrameTooLarge indicates a header announced, or a caller supplied,
	// a body above the configured maximum.
	ErrFrameTooLarge = errors.New("cor frame too large")

	// ErrParserFailed indicates Parse was called after a fatal framing error.
	ErrParserFailed = errors.New("cor parser in failed state")

	// ErrConnectionClosed indicates the connection was torn down. Pending
	// replies are failed with an error wrapping this value.
	ErrConnectionClosed = errors.New("cor connection closed")

	// ErrNotResponse indicates SendResponse was called with a request frame.
	ErrNotResponse = errors.New("frame is not a response")

	// ErrNilFrame indicates a nil frame was supplied.
	ErrNilFrame = errors.New("frame cannot be nil")
)
