package cor

import (
	"encoding/binary"
	"fmt"

	"github.com/opd-ai/confcore/limits"
)

// FrameType distinguishes requests from responses.
type FrameType uint16

const (
	// TypeRequest marks a frame that expects exactly one response.
	TypeRequest FrameType = 0
	// TypeResponse marks a frame answering the request with the same correlation id.
	TypeResponse FrameType = 1
)

// String returns a human-readable frame type.
func (t FrameType) String() string {
	switch t {
	case TypeRequest:
		return "request"
	case TypeResponse:
		return "response"
	default:
		return fmt.Sprintf("unknown(%d)", uint16(t))
	}
}

const (
	// ProtocolVersion is written into every frame this package produces.
	ProtocolVersion uint16 = 1

	// HeaderSize is the encoded header length:
	// version(2) + type(2) + flags(1) + correlation id(4) + body length(4).
	HeaderSize = 2 + 2 + 1 + 4 + 4
)

// Header is the fixed part of a COR frame. All fields travel big-endian.
type Header struct {
	Version       uint16
	Type          FrameType
	Flags         uint8
	CorrelationID uint32
	BodyLength    uint32
}

// Frame is a complete COR frame with a fully buffered body.
// The frame layer does not interpret the body.
type Frame struct {
	Header
	Body []byte
}

// NewRequest creates a request frame carrying body. The correlation id is
// assigned by the Connection that sends it.
func NewRequest(body []byte) *Frame {
	return &Frame{
		Header: Header{
			Version: ProtocolVersion,
			Type:    TypeRequest,
		},
		Body: body,
	}
}

// NewResponse creates the response to req carrying body.
func NewResponse(req *Frame, body []byte) *Frame {
	f := &Frame{Body: body}
	f.InitResponse(req)
	return f
}

// InitResponse turns f into the response for req: it copies the
// correlation id and version and sets the type to TypeResponse.
func (f *Frame) InitResponse(req *Frame) {
	f.Version = req.Version
	f.Type = TypeResponse
	f.CorrelationID = req.CorrelationID
}

// Marshal serializes the frame into one contiguous buffer.
// BodyLength is taken from len(Body); the stored header value is ignored.
func (f *Frame) Marshal() ([]byte, error) {
	return f.marshal(limits.MaxCORBody)
}

func (f *Frame) marshal(maxBody uint32) ([]byte, error) {
	if uint64(len(f.Body)) > uint64(maxBody) {
		return nil, fmt.Errorf("%w: body %d bytes exceeds %d", ErrFrameTooLarge, len(f.Body), maxBody)
	}

	buf := make([]byte, HeaderSize+len(f.Body))
	binary.BigEndian.PutUint16(buf[0:2], f.Version)
	binary.BigEndian.PutUint16(buf[2:4], uint16(f.Type))
	buf[4] = f.Flags
	binary.BigEndian.PutUint32(buf[5:9], f.CorrelationID)
	binary.BigEndian.PutUint32(buf[9:13], uint32(len(f.Body)))
	copy(buf[HeaderSize:], f.Body)

	f.BodyLength = uint32(len(f.Body))
	return buf, nil
}

// String returns a short description used in log fields.
func (f *Frame) String() string {
	return fmt.Sprintf("Frame{type=%s, correlation=%d, body=%d}", f.Type, f.CorrelationID, len(f.Body))
}
