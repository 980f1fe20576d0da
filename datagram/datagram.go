package datagram

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Magic prefixes every media datagram ("VFDP").
const Magic uint32 = 0x56464450

// Type identifies the datagram layout following the common prefix.
type Type uint16

const (
	TypeAuth      Type = 1
	TypeVideo     Type = 2
	TypeRecovery  Type = 3
	TypeKeepAlive Type = 4
)

const (
	// PrefixSize is the size of the magic + type prefix.
	PrefixSize = 6
	// VideoHeaderSize is the full header size of a video fragment.
	VideoHeaderSize = PrefixSize + 1 + 4 + 8 + 2 + 2 + 2
	// AuthHeaderSize is the header size of an auth datagram.
	AuthHeaderSize = PrefixSize + 2
	// RecoverySize is the total size of a recovery datagram.
	RecoverySize = PrefixSize + 4
)

var (
	// ErrInvalidMagic indicates the datagram does not belong to this protocol.
	ErrInvalidMagic = errors.New("invalid datagram magic")
	// ErrTruncated indicates the datagram is shorter than its layout requires.
	ErrTruncated = errors.New("truncated datagram")
	// ErrUnknownType indicates an unsupported datagram type.
	ErrUnknownType = errors.New("unknown datagram type")
	// ErrPayloadTooLarge indicates a payload that does not fit its 16 bit size field.
	ErrPayloadTooLarge = errors.New("datagram payload too large")
)

func (t Type) String() string {
	switch t {
	case TypeAuth:
		return "auth"
	case TypeVideo:
		return "video"
	case TypeRecovery:
		return "recovery"
	case TypeKeepAlive:
		return "keepalive"
	default:
		return fmt.Sprintf("unknown(%d)", uint16(t))
	}
}

// Datagram is one media datagram.
type Datagram interface {
	Type() Type
	Marshal() ([]byte, error)
}

// Video is one fragment of an encoded video frame.
type Video struct {
	Flags   uint8
	Sender  uint32
	FrameID uint64
	Index   uint16
	Count   uint16
	Payload []byte
}

// Auth binds a UDP flow to an authenticated control session.
type Auth struct {
	Token []byte
}

// Recovery asks Sender for a fresh key frame.
type Recovery struct {
	Sender uint32
}

// KeepAlive holds NAT bindings open; it has no body.
type KeepAlive struct{}

func (*Video) Type() Type     { return TypeVideo }
func (*Auth) Type() Type      { return TypeAuth }
func (*Recovery) Type() Type  { return TypeRecovery }
func (*KeepAlive) Type() Type { return TypeKeepAlive }

func putPrefix(buf []byte, t Type) {
	binary.BigEndian.PutUint32(buf[0:4], Magic)
	binary.BigEndian.PutUint16(buf[4:6], uint16(t))
}

// Marshal serializes the fragment.
func (v *Video) Marshal() ([]byte, error) {
	if len(v.Payload) > math.MaxUint16 {
		return nil, fmt.Errorf("%w: video payload %d bytes", ErrPayloadTooLarge, len(v.Payload))
	}
	buf := make([]byte, VideoHeaderSize+len(v.Payload))
	putPrefix(buf, TypeVideo)
	buf[6] = v.Flags
	binary.BigEndian.PutUint32(buf[7:11], v.Sender)
	binary.BigEndian.PutUint64(buf[11:19], v.FrameID)
	binary.BigEndian.PutUint16(buf[19:21], v.Index)
	binary.BigEndian.PutUint16(buf[21:23], v.Count)
	binary.BigEndian.PutUint16(buf[23:25], uint16(len(v.Payload)))
	copy(buf[VideoHeaderSize:], v.Payload)
	return buf, nil
}

// Marshal serializes the auth datagram.
func (a *Auth) Marshal() ([]byte, error) {
	if len(a.Token) > math.MaxUint16 {
		return nil, fmt.Errorf("%w: auth token %d bytes", ErrPayloadTooLarge, len(a.Token))
	}
	buf := make([]byte, AuthHeaderSize+len(a.Token))
	putPrefix(buf, TypeAuth)
	binary.BigEndian.PutUint16(buf[6:8], uint16(len(a.Token)))
	copy(buf[AuthHeaderSize:], a.Token)
	return buf, nil
}

// Marshal serializes the recovery datagram.
func (r *Recovery) Marshal() ([]byte, error) {
	buf := make([]byte, RecoverySize)
	putPrefix(buf, TypeRecovery)
	binary.BigEndian.PutUint32(buf[6:10], r.Sender)
	return buf, nil
}

// Marshal serializes the keep-alive datagram.
func (*KeepAlive) Marshal() ([]byte, error) {
	buf := make([]byte, PrefixSize)
	putPrefix(buf, TypeKeepAlive)
	return buf, nil
}

// PeekType validates the common prefix and returns the datagram type
// without decoding the body.
func PeekType(data []byte) (Type, error) {
	if len(data) < PrefixSize {
		return 0, fmt.Errorf("%w: %d bytes, prefix needs %d", ErrTruncated, len(data), PrefixSize)
	}
	if magic := binary.BigEndian.Uint32(data[0:4]); magic != Magic {
		return 0, fmt.Errorf("%w: 0x%08x", ErrInvalidMagic, magic)
	}
	return Type(binary.BigEndian.Uint16(data[4:6])), nil
}

// Parse decodes one datagram. Payloads are copied, so data may be reused
// by the caller afterwards.
func Parse(data []byte) (Datagram, error) {
	t, err := PeekType(data)
	if err != nil {
		return nil, err
	}

	switch t {
	case TypeVideo:
		return parseVideo(data)
	case TypeAuth:
		return parseAuth(data)
	case TypeRecovery:
		if len(data) < RecoverySize {
			return nil, fmt.Errorf("%w: recovery datagram %d bytes", ErrTruncated, len(data))
		}
		return &Recovery{Sender: binary.BigEndian.Uint32(data[6:10])}, nil
	case TypeKeepAlive:
		return &KeepAlive{}, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, uint16(t))
	}
}

func parseVideo(data []byte) (*Video, error) {
	if len(data) < VideoHeaderSize {
		return nil, fmt.Errorf("%w: video header %d bytes", ErrTruncated, len(data))
	}
	size := int(binary.BigEndian.Uint16(data[23:25]))
	if len(data)-VideoHeaderSize < size {
		return nil, fmt.Errorf("%w: video payload announces %d bytes, %d present",
			ErrTruncated, size, len(data)-VideoHeaderSize)
	}

	payload := make([]byte, size)
	copy(payload, data[VideoHeaderSize:VideoHeaderSize+size])

	return &Video{
		Flags:   data[6],
		Sender:  binary.BigEndian.Uint32(data[7:11]),
		FrameID: binary.BigEndian.Uint64(data[11:19]),
		Index:   binary.BigEndian.Uint16(data[19:21]),
		Count:   binary.BigEndian.Uint16(data[21:23]),
		Payload: payload,
	}, nil
}

func parseAuth(data []byte) (*Auth, error) {
	if len(data) < AuthHeaderSize {
		return nil, fmt.Errorf("%w: auth header %d bytes", ErrTruncated, len(data))
	}
	size := int(binary.BigEndian.Uint16(data[6:8]))
	if len(data)-AuthHeaderSize < size {
		return nil, fmt.Errorf("%w: auth token announces %d bytes, %d present",
			ErrTruncated, size, len(data)-AuthHeaderSize)
	}

	token := make([]byte, size)
	copy(token, data[AuthHeaderSize:AuthHeaderSize+size])
	return &Auth{Token: token}, nil
}
