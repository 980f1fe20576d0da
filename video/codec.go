package video

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

// RawImage is an uncompressed picture handed to an Encoder or produced by a
// Decoder. The pixel layout is opaque to this package.
type RawImage struct {
	Width  int
	Height int
	Data   []byte
}

// Encoder compresses raw images. Implementations are used from a single
// goroutine.
type Encoder interface {
	Encode(img *RawImage, forceKey bool) ([]byte, FrameType, error)
	Close() error
}

// EncoderFactory creates an encoder for the given picture size and rate.
type EncoderFactory func(width, height, bitRate, fps int) (Encoder, error)

// Decoder decompresses the data of encoded frames from one sender.
type Decoder interface {
	Decode(data []byte) (*RawImage, error)
	Close() error
}

// DecoderFactory creates a decoder for a new sender.
type DecoderFactory func() (Decoder, error)

// DefaultKeyFrameInterval is how often the passthrough encoder emits a key
// frame without being asked to.
const DefaultKeyFrameInterval = 30

var (
	// ErrImageSize indicates an image that does not match the encoder dimensions.
	ErrImageSize = errors.New("image size mismatch")
	// ErrInvalidImage indicates compressed data that cannot be decoded.
	ErrInvalidImage = errors.New("invalid encoded image")
)

// PassthroughEncoder packs raw images without compression.
//
// Format: [width:2][height:2][data]
type PassthroughEncoder struct {
	width            int
	height           int
	bitRate          int
	keyFrameInterval int
	frames           int
}

// NewPassthroughEncoder creates a passthrough encoder. It satisfies
// EncoderFactory.
func NewPassthroughEncoder(width, height, bitRate, fps int) (Encoder, error) {
	if width <= 0 || height <= 0 || width > 0xFFFF || height > 0xFFFF {
		return nil, fmt.Errorf("%w: %dx%d", ErrImageSize, width, height)
	}

	logrus.WithFields(logrus.Fields{
		"function": "NewPassthroughEncoder",
		"width":    width,
		"height":   height,
		"bit_rate": bitRate,
		"fps":      fps,
	}).Info("Creating passthrough encoder")

	return &PassthroughEncoder{
		width:            width,
		height:           height,
		bitRate:          bitRate,
		keyFrameInterval: DefaultKeyFrameInterval,
	}, nil
}

// Encode packs img. Every keyFrameInterval-th frame, and any forced frame,
// is reported as a key frame.
func (e *PassthroughEncoder) Encode(img *RawImage, forceKey bool) ([]byte, FrameType, error) {
	if img.Width != e.width || img.Height != e.height {
		logrus.WithFields(logrus.Fields{
			"function":        "PassthroughEncoder.Encode",
			"expected_width":  e.width,
			"expected_height": e.height,
			"actual_width":    img.Width,
			"actual_height":   img.Height,
		}).Error("Frame dimension validation failed")
		return nil, FrameNormal, fmt.Errorf("%w: expected %dx%d, got %dx%d",
			ErrImageSize, e.width, e.height, img.Width, img.Height)
	}

	typ := FrameNormal
	if forceKey || e.frames%e.keyFrameInterval == 0 {
		typ = FrameKey
	}
	e.frames++

	data := make([]byte, 4+len(img.Data))
	binary.BigEndian.PutUint16(data[0:2], uint16(img.Width))
	binary.BigEndian.PutUint16(data[2:4], uint16(img.Height))
	copy(data[4:], img.Data)

	return data, typ, nil
}

// Close releases encoder resources.
func (e *PassthroughEncoder) Close() error {
	return nil
}

// PassthroughDecoder unpacks data produced by PassthroughEncoder.
type PassthroughDecoder struct{}

// NewPassthroughDecoder satisfies DecoderFactory.
func NewPassthroughDecoder() (Decoder, error) {
	return &PassthroughDecoder{}, nil
}

// Decode unpacks data into an image that owns its bytes.
func (d *PassthroughDecoder) Decode(data []byte) (*RawImage, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidImage, len(data))
	}
	img := &RawImage{
		Width:  int(binary.BigEndian.Uint16(data[0:2])),
		Height: int(binary.BigEndian.Uint16(data[2:4])),
		Data:   make([]byte, len(data)-4),
	}
	copy(img.Data, data[4:])
	return img, nil
}

// Close releases decoder resources.
func (d *PassthroughDecoder) Close() error {
	return nil
}
