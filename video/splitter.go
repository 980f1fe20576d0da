package video

import (
	"errors"
	"fmt"
	"math"

	"github.com/opd-ai/confcore/datagram"
	"github.com/opd-ai/confcore/limits"
)

// DefaultMaxPayload is the default fragment payload size. It keeps
// fragments below common path MTUs.
const DefaultMaxPayload = 1200

// Split chunks data into video fragments of at most maxPayload bytes that
// share frameID and senderID. Fragment indexes follow emission order.
// Every fragment owns a copy of its payload. On error no fragments are
// returned.
func Split(data []byte, frameID uint64, senderID uint32, maxPayload int) ([]*datagram.Video, error) {
	if maxPayload <= 0 || maxPayload > limits.MaxFragmentPayload {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPayloadSize, maxPayload)
	}
	if err := limits.ValidateVideoFrame(data); err != nil {
		if errors.Is(err, limits.ErrMessageEmpty) {
			return nil, fmt.Errorf("%w: %w", ErrEmptyFrame, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrFrameTooLarge, err)
	}

	count := (len(data) + maxPayload - 1) / maxPayload
	if count > math.MaxUint16 {
		return nil, fmt.Errorf("%w: needs %d fragments", ErrFrameTooLarge, count)
	}

	fragments := make([]*datagram.Video, 0, count)
	for i := 0; i < count; i++ {
		start := i * maxPayload
		end := min(start+maxPayload, len(data))

		payload := make([]byte, end-start)
		copy(payload, data[start:end])

		fragments = append(fragments, &datagram.Video{
			Sender:  senderID,
			FrameID: frameID,
			Index:   uint16(i),
			Count:   uint16(count),
			Payload: payload,
		})
	}
	return fragments, nil
}

// Reassemble concatenates fragment payloads in slice order. The caller
// guarantees the set is complete and sorted by index.
func Reassemble(fragments []*datagram.Video) []byte {
	size := 0
	for _, f := range fragments {
		size += len(f.Payload)
	}
	out := make([]byte, 0, size)
	for _, f := range fragments {
		out = append(out, f.Payload...)
	}
	return out
}
