package cor

import (
	"encoding/binary"
	"fmt"

	"github.com/opd-ai/confcore/limits"
	"github.com/sirupsen/logrus"
)

// parserState is the position of the parser inside the current frame.
type parserState int

const (
	stateIdle parserState = iota
	stateVersion
	stateType
	stateFlags
	stateCorrelationID
	stateBodyLength
	stateBody
	stateFailed
)

func (s parserState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateVersion:
		return "reading_version"
	case stateType:
		return "reading_type"
	case stateFlags:
		return "reading_flags"
	case stateCorrelationID:
		return "reading_correlation_id"
	case stateBodyLength:
		return "reading_body_length"
	case stateBody:
		return "reading_body"
	case stateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ParserCallbacks are the extension points invoked while parsing.
// Any of them may be nil.
type ParserCallbacks struct {
	// OnFrameBegin fires when the first byte of a new frame is seen.
	OnFrameBegin func()

	// OnFrameBodyData fires zero or more times with body bytes as they
	// arrive. The slice aliases the caller's input and must be copied.
	OnFrameBodyData func(data []byte)

	// OnFrameEnd fires once after BodyLength body bytes were consumed,
	// directly after the header for empty bodies.
	OnFrameEnd func(header Header)
}

// Parser turns a byte stream into COR frames incrementally. It keeps its
// state between calls, so input may arrive in chunks of any size.
//
// A Parser is not safe for concurrent use.
type Parser struct {
	state     parserState
	header    Header
	bodyRead  uint32
	maxBody   uint32
	callbacks ParserCallbacks
	err       error
}

// NewParser creates a parser that rejects bodies above maxBody.
// A maxBody of zero selects limits.MaxCORBody.
func NewParser(maxBody uint32, callbacks ParserCallbacks) *Parser {
	if maxBody == 0 {
		maxBody = limits.MaxCORBody
	}
	return &Parser{
		state:     stateIdle,
		maxBody:   maxBody,
		callbacks: callbacks,
	}
}

// Parse consumes as much of data as possible and returns the number of
// bytes consumed. A header field is only consumed when all its bytes are
// present, so a return value below len(data) means the caller must keep
// the unconsumed tail and pass it again with more data appended.
//
// The only error is a body length above the configured maximum; the parser
// then stays failed and every further call returns ErrParserFailed.
func (p *Parser) Parse(data []byte) (int, error) {
	if p.state == stateFailed {
		return 0, fmt.Errorf("%w: %v", ErrParserFailed, p.err)
	}

	read := 0
	for read < len(data) {
		remaining := len(data) - read

		switch p.state {
		case stateIdle:
			p.header = Header{}
			p.bodyRead = 0
			p.state = stateVersion
			if p.callbacks.OnFrameBegin != nil {
				p.callbacks.OnFrameBegin()
			}

		case stateVersion:
			if remaining < 2 {
				return read, nil
			}
			p.header.Version = binary.BigEndian.Uint16(data[read:])
			read += 2
			p.state = stateType

		case stateType:
			if remaining < 2 {
				return read, nil
			}
			p.header.Type = FrameType(binary.BigEndian.Uint16(data[read:]))
			read += 2
			p.state = stateFlags

		case stateFlags:
			p.header.Flags = data[read]
			read++
			p.state = stateCorrelationID

		case stateCorrelationID:
			if remaining < 4 {
				return read, nil
			}
			p.header.CorrelationID = binary.BigEndian.Uint32(data[read:])
			read += 4
			p.state = stateBodyLength

		case stateBodyLength:
			if remaining < 4 {
				return read, nil
			}
			p.header.BodyLength = binary.BigEndian.Uint32(data[read:])
			read += 4
			if err := limits.ValidateBodyLength(p.header.BodyLength, p.maxBody); err != nil {
				p.fail(err)
				return read, fmt.Errorf("%w: %v", ErrFrameTooLarge, err)
			}
			if p.header.BodyLength == 0 {
				p.endFrame()
				continue
			}
			p.state = stateBody

		case stateBody:
			left := p.header.BodyLength - p.bodyRead
			n := remaining
			if uint64(n) > uint64(left) {
				n = int(left)
			}
			if p.callbacks.OnFrameBodyData != nil {
				p.callbacks.OnFrameBodyData(data[read : read+n])
			}
			read += n
			p.bodyRead += uint32(n)
			if p.bodyRead == p.header.BodyLength {
				p.endFrame()
			}

		case stateFailed:
			return read, ErrParserFailed
		}
	}
	return read, nil
}

// Reset discards any partially parsed frame and clears a failed state.
func (p *Parser) Reset() {
	p.state = stateIdle
	p.header = Header{}
	p.bodyRead = 0
	p.err = nil
}

// Failed reports whether the parser hit a fatal framing error.
func (p *Parser) Failed() bool {
	return p.state == stateFailed
}

func (p *Parser) endFrame() {
	header := p.header
	p.state = stateIdle
	p.bodyRead = 0
	if p.callbacks.OnFrameEnd != nil {
		p.callbacks.OnFrameEnd(header)
	}
}

func (p *Parser) fail(err error) {
	logrus.WithFields(logrus.Fields{
		"function":    "Parser.Parse",
		"body_length": p.header.BodyLength,
		"max_body":    p.maxBody,
		"correlation": p.header.CorrelationID,
		"error":       err.Error(),
	}).Warn("Rejecting COR frame with oversized body")
	p.state = stateFailed
	p.err = err
}

// initialBodyCapacity caps the up-front allocation for announced bodies so
// a large announcement cannot reserve memory before the bytes arrive.
const initialBodyCapacity = 64 * 1024

// FrameAssembler buffers parser output into complete frames. It keeps the
// unconsumed input tail itself, so callers simply feed whatever they read.
type FrameAssembler struct {
	parser  *Parser
	pending []byte
	body    []byte
	ready   []*Frame
}

// NewFrameAssembler creates an assembler rejecting bodies above maxBody
// (zero selects limits.MaxCORBody).
func NewFrameAssembler(maxBody uint32) *FrameAssembler {
	a := &FrameAssembler{}
	a.parser = NewParser(maxBody, ParserCallbacks{
		OnFrameBegin:    a.onBegin,
		OnFrameBodyData: a.onBodyData,
		OnFrameEnd:      a.onEnd,
	})
	return a
}

// Feed appends data to the stream and returns every frame completed by it,
// in arrival order. Frames completed before a framing error are returned
// together with the error.
func (a *FrameAssembler) Feed(data []byte) ([]*Frame, error) {
	a.pending = append(a.pending, data...)

	n, err := a.parser.Parse(a.pending)
	rest := copy(a.pending, a.pending[n:])
	a.pending = a.pending[:rest]

	frames := a.ready
	a.ready = nil
	return frames, err
}

// Buffered returns the number of input bytes waiting for more data.
func (a *FrameAssembler) Buffered() int {
	return len(a.pending)
}

func (a *FrameAssembler) onBegin() {
	a.body = nil
}

func (a *FrameAssembler) onBodyData(data []byte) {
	if a.body == nil {
		a.body = make([]byte, 0, min(int(a.parser.header.BodyLength), initialBodyCapacity))
	}
	a.body = append(a.body, data...)
}

func (a *FrameAssembler) onEnd(header Header) {
	body := a.body
	if body == nil {
		body = []byte{}
	}
	a.ready = append(a.ready, &Frame{Header: header, Body: body})
	a.body = nil
}
