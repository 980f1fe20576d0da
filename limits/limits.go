// Package limits provides centralized size limits for the conferencing protocols.
// This ensures consistent validation across the control and media planes.
package limits

import (
	"errors"
	"fmt"
)

const (
	// MaxCORBody is the largest COR frame body a peer may announce (16 MiB).
	// A header announcing more is treated as a protocol violation instead of
	// waiting forever for a body that may never arrive.
	MaxCORBody = 16 * 1024 * 1024

	// MaxVideoFrame is the largest encoded video frame accepted for splitting (2 MB).
	MaxVideoFrame = 2000000

	// MaxDatagram is the receive buffer size for media datagrams.
	// Fragments are sized to stay below common path MTUs, so anything larger is garbage.
	MaxDatagram = 2048

	// MaxFragmentPayload is the largest payload a single video fragment may carry.
	// It leaves room for the 25 byte video datagram header inside MaxDatagram.
	MaxFragmentPayload = MaxDatagram - 25

	// MaxAuthToken is the largest media authentication token.
	MaxAuthToken = 512
)

var (
	// ErrMessageEmpty indicates an empty message was provided
	ErrMessageEmpty = errors.New("empty message")

	// ErrMessageTooLarge indicates message exceeds maximum size
	ErrMessageTooLarge = errors.New("message too large")
)

// ValidateVideoFrame validates an encoded video frame against MaxVideoFrame.
func ValidateVideoFrame(frame []byte) error {
	if len(frame) == 0 {
		return ErrMessageEmpty
	}
	if len(frame) > MaxVideoFrame {
		return fmt.Errorf("%w: video frame size %d exceeds limit %d", ErrMessageTooLarge, len(frame), MaxVideoFrame)
	}
	return nil
}

// ValidateBodyLength checks an announced COR body length against maxBody.
// Unlike the other validators a zero length is valid: empty bodies are legal frames.
func ValidateBodyLength(length uint32, maxBody uint32) error {
	if length > maxBody {
		return fmt.Errorf("%w: body length %d exceeds limit %d", ErrMessageTooLarge, length, maxBody)
	}
	return nil
}

// ValidateAuthToken validates a media authentication token against MaxAuthToken.
func ValidateAuthToken(token []byte) error {
	if len(token) == 0 {
		return ErrMessageEmpty
	}
	if len(token) > MaxAuthToken {
		return fmt.Errorf("%w: token size %d exceeds limit %d", ErrMessageTooLarge, len(token), MaxAuthToken)
	}
	return nil
}
