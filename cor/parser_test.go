package cor

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodeFrame(t *testing.T, f *Frame) []byte {
	t.Helper()
	data, err := f.Marshal()
	require.NoError(t, err)
	return data
}

func TestFrame_MarshalLayout(t *testing.T) {
	f := &Frame{
		Header: Header{Version: 1, Type: TypeResponse, Flags: 0x7, CorrelationID: 0x01020304},
		Body:   []byte("hi"),
	}

	data := encodeFrame(t, f)

	want := []byte{
		0x00, 0x01, // version
		0x00, 0x01, // type
		0x07,                   // flags
		0x01, 0x02, 0x03, 0x04, // correlation id
		0x00, 0x00, 0x00, 0x02, // body length
		'h', 'i',
	}
	assert.Equal(t, want, data)
	assert.Equal(t, uint32(2), f.BodyLength)
}

func TestFrame_NewResponseCopiesCorrelation(t *testing.T) {
	req := NewRequest([]byte("req"))
	req.CorrelationID = 42

	res := NewResponse(req, []byte("res"))

	assert.Equal(t, TypeResponse, res.Type)
	assert.Equal(t, uint32(42), res.CorrelationID)
	assert.Equal(t, ProtocolVersion, res.Version)
}

func TestParser_RoundTrip(t *testing.T) {
	tests := []struct {
		name        string
		correlation uint32
		body        []byte
	}{
		{"empty body", 1, []byte{}},
		{"small body", 7, []byte(`{"action":"auth"}`)},
		{"max correlation", 0xFFFFFFFF, []byte("x")},
		{"binary body", 1234, bytes.Repeat([]byte{0x00, 0xFF}, 5000)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := NewRequest(tt.body)
			req.CorrelationID = tt.correlation

			asm := NewFrameAssembler(0)
			frames, err := asm.Feed(encodeFrame(t, req))
			require.NoError(t, err)
			require.Len(t, frames, 1)

			got := frames[0]
			assert.Equal(t, TypeRequest, got.Type)
			assert.Equal(t, tt.correlation, got.CorrelationID)
			assert.Equal(t, tt.body, got.Body)
			assert.Equal(t, 0, asm.Buffered())
		})
	}
}

func TestParser_IncrementalChunks(t *testing.T) {
	req := NewRequest(bytes.Repeat([]byte("abcdefg"), 300))
	req.CorrelationID = 99
	data := encodeFrame(t, req)

	for _, chunk := range []int{1, 2, 3, 5, 7, 13, 64, 1000} {
		asm := NewFrameAssembler(0)
		var frames []*Frame
		for off := 0; off < len(data); off += chunk {
			end := min(off+chunk, len(data))
			got, err := asm.Feed(data[off:end])
			require.NoError(t, err)
			frames = append(frames, got...)
		}

		require.Len(t, frames, 1, "chunk size %d", chunk)
		assert.Equal(t, req.Body, frames[0].Body, "chunk size %d", chunk)
		assert.Equal(t, uint32(99), frames[0].CorrelationID, "chunk size %d", chunk)
	}
}

func TestParser_ReturnsConsumedCountMidField(t *testing.T) {
	req := NewRequest([]byte("body"))
	req.CorrelationID = 5
	data := encodeFrame(t, req)

	p := NewParser(0, ParserCallbacks{})

	// version + type + flags + 2 bytes of the correlation id
	n, err := p.Parse(data[:7])
	require.NoError(t, err)
	assert.Equal(t, 5, n, "partial correlation id must not be consumed")

	n, err = p.Parse(data[5:])
	require.NoError(t, err)
	assert.Equal(t, len(data)-5, n)
}

func TestParser_CallbackOrder(t *testing.T) {
	var events []string
	var bodies [][]byte
	p := NewParser(0, ParserCallbacks{
		OnFrameBegin: func() { events = append(events, "begin") },
		OnFrameBodyData: func(b []byte) {
			events = append(events, "data")
			bodies = append(bodies, append([]byte(nil), b...))
		},
		OnFrameEnd: func(h Header) { events = append(events, "end") },
	})

	first := NewRequest([]byte("hello"))
	second := NewRequest(nil)
	stream := append(encodeFrame(t, first), encodeFrame(t, second)...)

	n, err := p.Parse(stream)
	require.NoError(t, err)
	assert.Equal(t, len(stream), n)
	assert.Equal(t, []string{"begin", "data", "end", "begin", "end"}, events)
	assert.Equal(t, [][]byte{[]byte("hello")}, bodies)
}

func TestParser_EmptyBodyEndsWithoutMoreInput(t *testing.T) {
	ended := 0
	p := NewParser(0, ParserCallbacks{OnFrameEnd: func(Header) { ended++ }})

	data := encodeFrame(t, NewRequest(nil))
	n, err := p.Parse(data)

	require.NoError(t, err)
	assert.Equal(t, HeaderSize, n)
	assert.Equal(t, 1, ended)
}

func TestParser_BodyStreamsAcrossCalls(t *testing.T) {
	var chunks int
	p := NewParser(0, ParserCallbacks{OnFrameBodyData: func([]byte) { chunks++ }})

	data := encodeFrame(t, NewRequest(bytes.Repeat([]byte("z"), 100)))

	n, err := p.Parse(data[:HeaderSize+40])
	require.NoError(t, err)
	assert.Equal(t, HeaderSize+40, n, "partial body bytes are consumed")

	n, err = p.Parse(data[HeaderSize+40:])
	require.NoError(t, err)
	assert.Equal(t, 60, n)
	assert.Equal(t, 2, chunks)
}

func TestParser_RejectsOversizedBody(t *testing.T) {
	asm := NewFrameAssembler(16)

	frames, err := asm.Feed(encodeFrame(t, NewRequest(make([]byte, 17))))
	assert.Empty(t, frames)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrFrameTooLarge))

	_, err = asm.Feed([]byte{0x00})
	assert.True(t, errors.Is(err, ErrParserFailed))
}

func TestParser_ResetClearsFailure(t *testing.T) {
	p := NewParser(4, ParserCallbacks{})
	_, err := p.Parse(encodeFrame(t, NewRequest(make([]byte, 5))))
	require.Error(t, err)
	assert.True(t, p.Failed())

	p.Reset()
	assert.False(t, p.Failed())

	n, err := p.Parse(encodeFrame(t, NewRequest([]byte("ok"))))
	require.NoError(t, err)
	assert.Equal(t, HeaderSize+2, n)
}

func TestFrame_MarshalRejectsOversizedBody(t *testing.T) {
	f := NewRequest(make([]byte, 10))
	_, err := f.marshal(9)
	assert.True(t, errors.Is(err, ErrFrameTooLarge))
}

func TestFrameType_String(t *testing.T) {
	assert.Equal(t, "request", TypeRequest.String())
	assert.Equal(t, "response", TypeResponse.String())
	assert.Equal(t, "unknown(9)", FrameType(9).String())
}
