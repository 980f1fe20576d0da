package video

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPassthroughCodec_RoundTrip(t *testing.T) {
	enc, err := NewPassthroughEncoder(3, 2, 256000, 30)
	require.NoError(t, err)
	dec, err := NewPassthroughDecoder()
	require.NoError(t, err)
	defer enc.Close()
	defer dec.Close()

	img := &RawImage{Width: 3, Height: 2, Data: []byte{1, 2, 3, 4, 5, 6}}
	data, typ, err := enc.Encode(img, false)
	require.NoError(t, err)
	assert.Equal(t, FrameKey, typ, "first frame is a key frame")

	got, err := dec.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, img, got)
}

func TestPassthroughEncoder_KeyFrameInterval(t *testing.T) {
	enc, err := NewPassthroughEncoder(1, 1, 0, 0)
	require.NoError(t, err)
	img := &RawImage{Width: 1, Height: 1, Data: []byte{0}}

	keys := 0
	for i := 0; i < 2*DefaultKeyFrameInterval; i++ {
		_, typ, err := enc.Encode(img, i == 5)
		require.NoError(t, err)
		if typ == FrameKey {
			keys++
		}
	}
	assert.Equal(t, 3, keys)
}

func TestPassthroughEncoder_Errors(t *testing.T) {
	_, err := NewPassthroughEncoder(0, 10, 0, 0)
	assert.ErrorIs(t, err, ErrImageSize)

	enc, err := NewPassthroughEncoder(2, 2, 0, 0)
	require.NoError(t, err)
	_, _, err = enc.Encode(&RawImage{Width: 3, Height: 2}, false)
	assert.ErrorIs(t, err, ErrImageSize)

	_, err = (&PassthroughDecoder{}).Decode([]byte{1, 2})
	assert.ErrorIs(t, err, ErrInvalidImage)
}
