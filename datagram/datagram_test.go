package datagram

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVideo_MarshalLayout(t *testing.T) {
	v := &Video{
		Flags:   0x01,
		Sender:  7,
		FrameID: 0x0102030405060708,
		Index:   2,
		Count:   5,
		Payload: []byte{0xAA, 0xBB},
	}

	data, err := v.Marshal()
	require.NoError(t, err)

	want := []byte{
		0x56, 0x46, 0x44, 0x50, // magic
		0x00, 0x02, // type
		0x01,                   // flags
		0x00, 0x00, 0x00, 0x07, // sender
		0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, // frame id
		0x00, 0x02, // index
		0x00, 0x05, // count
		0x00, 0x02, // size
		0xAA, 0xBB,
	}
	assert.Equal(t, want, data)
	assert.Len(t, data, VideoHeaderSize+2)
}

func TestParse_Video(t *testing.T) {
	orig := &Video{Sender: 42, FrameID: 1 << 40, Index: 3, Count: 4, Payload: bytes.Repeat([]byte{9}, 1200)}
	data, err := orig.Marshal()
	require.NoError(t, err)

	d, err := Parse(data)
	require.NoError(t, err)

	v, ok := d.(*Video)
	require.True(t, ok)
	assert.Equal(t, orig, v)

	// The parsed payload must not alias the receive buffer.
	data[VideoHeaderSize] = 0
	assert.Equal(t, byte(9), v.Payload[0])
}

func TestParse_Auth(t *testing.T) {
	data, err := (&Auth{Token: []byte("abc")}).Marshal()
	require.NoError(t, err)
	assert.Equal(t, []byte{0x56, 0x46, 0x44, 0x50, 0x00, 0x01, 0x00, 0x03, 'a', 'b', 'c'}, data)

	d, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, &Auth{Token: []byte("abc")}, d)
	assert.Equal(t, TypeAuth, d.Type())
}

func TestParse_RecoveryAndKeepAlive(t *testing.T) {
	data, err := (&Recovery{Sender: 0xDEADBEEF}).Marshal()
	require.NoError(t, err)
	assert.Len(t, data, RecoverySize)

	d, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, &Recovery{Sender: 0xDEADBEEF}, d)

	data, err = (&KeepAlive{}).Marshal()
	require.NoError(t, err)
	d, err = Parse(data)
	require.NoError(t, err)
	assert.Equal(t, TypeKeepAlive, d.Type())
}

func TestParse_Errors(t *testing.T) {
	video, err := (&Video{Count: 1, Payload: []byte("payload")}).Marshal()
	require.NoError(t, err)
	auth, err := (&Auth{Token: []byte("token")}).Marshal()
	require.NoError(t, err)

	badMagic := append([]byte(nil), video...)
	badMagic[0] = 0x00

	unknown := append([]byte(nil), video[:PrefixSize]...)
	unknown[5] = 0x63

	recovery, err := (&Recovery{Sender: 3}).Marshal()
	require.NoError(t, err)

	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"empty", nil, ErrTruncated},
		{"short prefix", video[:4], ErrTruncated},
		{"bad magic", badMagic, ErrInvalidMagic},
		{"unknown type", unknown, ErrUnknownType},
		{"video header cut", video[:VideoHeaderSize-1], ErrTruncated},
		{"video payload cut", video[:len(video)-1], ErrTruncated},
		{"auth token cut", auth[:len(auth)-2], ErrTruncated},
		{"recovery cut", recovery[:RecoverySize-1], ErrTruncated},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := Parse(tt.data)
			assert.Nil(t, d)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}

func TestVideo_MarshalRejectsOversizedPayload(t *testing.T) {
	_, err := (&Video{Payload: make([]byte, 70000)}).Marshal()
	assert.True(t, errors.Is(err, ErrPayloadTooLarge))
}

func TestPeekType(t *testing.T) {
	data, err := (&Recovery{Sender: 1}).Marshal()
	require.NoError(t, err)

	typ, err := PeekType(data)
	require.NoError(t, err)
	assert.Equal(t, TypeRecovery, typ)
	assert.Equal(t, "recovery", typ.String())
	assert.Equal(t, "unknown(99)", Type(99).String())
}
