package video

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// FrameType distinguishes independently decodable frames from delta frames.
type FrameType uint8

const (
	// FrameNormal is a delta frame. As a wait state it means "not waiting".
	FrameNormal FrameType = 0
	// FrameKey is an independently decodable frame.
	FrameKey FrameType = 1
)

func (t FrameType) String() string {
	switch t {
	case FrameNormal:
		return "normal"
	case FrameKey:
		return "key"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// EnvelopeHeaderSize is the size of the encoded frame envelope header.
const EnvelopeHeaderSize = 8 + 1 + 4

var (
	// ErrInvalidEnvelope indicates reassembled bytes that are not an encoded frame.
	ErrInvalidEnvelope = errors.New("invalid encoded frame envelope")
	// ErrEmptyFrame indicates an attempt to split zero bytes.
	ErrEmptyFrame = errors.New("empty video frame")
	// ErrFrameTooLarge indicates a frame that cannot be split into fragments.
	ErrFrameTooLarge = errors.New("video frame too large")
	// ErrInvalidPayloadSize indicates an unusable maximum fragment payload.
	ErrInvalidPayloadSize = errors.New("invalid fragment payload size")
)

// EncodedFrame is one compressed video frame as produced by an Encoder.
type EncodedFrame struct {
	ID   uint64
	Type FrameType
	Data []byte
}

// Marshal serializes the frame into the envelope carried by video fragments:
//
//	id:u64 | type:u8 | length:u32 | data
func (f *EncodedFrame) Marshal() []byte {
	buf := make([]byte, EnvelopeHeaderSize+len(f.Data))
	binary.BigEndian.PutUint64(buf[0:8], f.ID)
	buf[8] = byte(f.Type)
	binary.BigEndian.PutUint32(buf[9:13], uint32(len(f.Data)))
	copy(buf[EnvelopeHeaderSize:], f.Data)
	return buf
}

// UnmarshalEncodedFrame decodes an envelope. The returned frame's data
// aliases buf.
func UnmarshalEncodedFrame(buf []byte) (*EncodedFrame, error) {
	if len(buf) < EnvelopeHeaderSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidEnvelope, len(buf))
	}
	length := binary.BigEndian.Uint32(buf[9:13])
	if uint64(len(buf)-EnvelopeHeaderSize) != uint64(length) {
		return nil, fmt.Errorf("%w: announces %d data bytes, %d present",
			ErrInvalidEnvelope, length, len(buf)-EnvelopeHeaderSize)
	}
	t := FrameType(buf[8])
	if t != FrameNormal && t != FrameKey {
		return nil, fmt.Errorf("%w: frame type %d", ErrInvalidEnvelope, buf[8])
	}
	return &EncodedFrame{
		ID:   binary.BigEndian.Uint64(buf[0:8]),
		Type: t,
		Data: buf[EnvelopeHeaderSize:],
	}, nil
}

// TimeProvider abstracts time operations for deterministic testing.
type TimeProvider interface {
	Now() time.Time
	Since(t time.Time) time.Duration
}

// DefaultTimeProvider uses the standard library time functions.
type DefaultTimeProvider struct{}

// Now returns the current time.
func (DefaultTimeProvider) Now() time.Time { return time.Now() }

// Since returns the duration since t.
func (DefaultTimeProvider) Since(t time.Time) time.Duration { return time.Since(t) }
