package video

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkQueue_DropsOldestWhenFull(t *testing.T) {
	q := newWorkQueue[int](3)
	for i := 1; i <= 5; i++ {
		assert.True(t, q.push(i))
	}
	assert.Equal(t, 3, q.len())
	assert.Equal(t, uint64(2), q.droppedCount())

	for _, want := range []int{3, 4, 5} {
		got, ok := q.pop()
		require.True(t, ok)
		assert.Equal(t, want, got)
	}
}

func TestWorkQueue_PinnedItemsSurviveOverflow(t *testing.T) {
	q := newWorkQueue[int](2)
	q.pinned = func(i int) bool { return i < 0 }

	q.push(-1)
	q.push(1)
	q.push(2)
	assert.Equal(t, 2, q.len())
	assert.Equal(t, uint64(1), q.droppedCount())

	for _, want := range []int{-1, 2} {
		got, ok := q.pop()
		require.True(t, ok)
		assert.Equal(t, want, got)
	}
}

func TestWorkQueue_StopWakesWaiters(t *testing.T) {
	q := newWorkQueue[int](DefaultQueueCapacity)

	done := make(chan bool)
	go func() {
		_, ok := q.pop()
		done <- ok
	}()

	time.Sleep(10 * time.Millisecond)
	q.push(1)
	q.stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("pop did not return after stop")
	}
	assert.False(t, q.push(2))
	assert.Equal(t, 0, q.len())
}

type recorder[T any] struct {
	mu    sync.Mutex
	items []T
}

func (r *recorder[T]) add(v T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, v)
}

func (r *recorder[T]) snapshot() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]T(nil), r.items...)
}

func waitFor[T any](t *testing.T, r *recorder[T], n int) []T {
	t.Helper()
	require.Eventually(t, func() bool { return len(r.snapshot()) >= n }, 2*time.Second, 5*time.Millisecond)
	return r.snapshot()
}

func testImage(w, h int) *RawImage {
	return &RawImage{Width: w, Height: h, Data: make([]byte, w*h)}
}

func TestEncodingWorker_AssignsIDsAndKeyFrames(t *testing.T) {
	out := &recorder[*EncodedFrame]{}
	w := NewEncodingWorker(NewPassthroughEncoder, 500000, 0, func(sender uint32, f *EncodedFrame) {
		assert.Equal(t, uint32(3), sender)
		out.add(f)
	})
	w.Start()
	defer w.Stop()

	for i := 0; i < 3; i++ {
		require.NoError(t, w.Submit(3, testImage(4, 4)))
		waitFor(t, out, i+1)
	}
	w.RequestRecovery()
	require.NoError(t, w.Submit(3, testImage(4, 4)))

	frames := waitFor(t, out, 4)
	for i, f := range frames {
		assert.Equal(t, uint64(i+1), f.ID)
	}
	assert.Equal(t, FrameKey, frames[0].Type)
	assert.Equal(t, FrameNormal, frames[1].Type)
	assert.Equal(t, FrameNormal, frames[2].Type)
	assert.Equal(t, FrameKey, frames[3].Type)
}

func TestEncodingWorker_ThrottlesToFrameRate(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	out := &recorder[*EncodedFrame]{}
	w := NewEncodingWorker(NewPassthroughEncoder, 500000, 10, func(_ uint32, f *EncodedFrame) {
		out.add(f)
	}, WithWorkerTimeProvider(clock))

	// Drive the worker synchronously so the clock is not shared across goroutines.
	require.NoError(t, w.encode(encodeJob{senderID: 1, img: testImage(2, 2)}))
	clock.now = clock.now.Add(50 * time.Millisecond)
	require.NoError(t, w.encode(encodeJob{senderID: 1, img: testImage(2, 2)}))
	clock.now = clock.now.Add(60 * time.Millisecond)
	require.NoError(t, w.encode(encodeJob{senderID: 1, img: testImage(2, 2)}))

	encoded, throttled, _, _ := w.Stats()
	assert.Equal(t, uint64(2), encoded)
	assert.Equal(t, uint64(1), throttled)
	assert.Len(t, out.snapshot(), 2)
}

func TestEncodingWorker_InitFailureStopsWorker(t *testing.T) {
	initErr := errors.New("no codec")
	w := NewEncodingWorker(func(int, int, int, int) (Encoder, error) {
		return nil, initErr
	}, 0, 0, nil)
	w.Start()
	defer w.Stop()

	require.NoError(t, w.Submit(1, testImage(2, 2)))

	require.Eventually(t, func() bool { return w.Err() != nil }, 2*time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, w.Err(), initErr)
	assert.ErrorIs(t, w.Submit(1, testImage(2, 2)), ErrWorkerStopped)
}

func TestEncodingWorker_RecreatesEncoderOnResize(t *testing.T) {
	out := &recorder[*EncodedFrame]{}
	w := NewEncodingWorker(NewPassthroughEncoder, 0, 0, func(_ uint32, f *EncodedFrame) {
		out.add(f)
	})

	require.NoError(t, w.encode(encodeJob{senderID: 1, img: testImage(2, 2)}))
	require.NoError(t, w.encode(encodeJob{senderID: 1, img: testImage(2, 2)}))
	require.NoError(t, w.encode(encodeJob{senderID: 1, img: testImage(4, 2)}))

	frames := out.snapshot()
	require.Len(t, frames, 3)
	assert.Equal(t, uint64(3), frames[2].ID, "frame ids continue across encoders")
	assert.Equal(t, FrameKey, frames[2].Type)
}

func TestDecodingWorker_DecodesPerSender(t *testing.T) {
	out := &recorder[DecodedFrame]{}
	var created atomic.Int32
	factory := func() (Decoder, error) {
		created.Add(1)
		return NewPassthroughDecoder()
	}

	w := NewDecodingWorker(factory, out.add)
	w.Start()
	defer w.Stop()

	enc, err := NewPassthroughEncoder(2, 1, 0, 0)
	require.NoError(t, err)
	data, typ, err := enc.Encode(&RawImage{Width: 2, Height: 1, Data: []byte{7, 8}}, false)
	require.NoError(t, err)

	require.NoError(t, w.Submit(1, &EncodedFrame{ID: 1, Type: typ, Data: data}))
	require.NoError(t, w.Submit(2, &EncodedFrame{ID: 1, Type: typ, Data: data}))

	frames := waitFor(t, out, 2)
	for _, f := range frames {
		assert.Equal(t, []byte{7, 8}, f.Image.Data)
		assert.Equal(t, 2, f.Image.Width)
	}

	assert.Equal(t, int32(2), created.Load())
}

func TestDecodingWorker_SkipsUndecodableFrames(t *testing.T) {
	out := &recorder[DecodedFrame]{}
	w := NewDecodingWorker(NewPassthroughDecoder, out.add)
	w.Start()
	defer w.Stop()

	require.NoError(t, w.Submit(1, &EncodedFrame{ID: 1, Data: []byte{1}}))
	require.NoError(t, w.Submit(1, &EncodedFrame{ID: 2, Data: []byte{0, 1, 0, 1, 9}}))

	frames := waitFor(t, out, 1)
	assert.Equal(t, uint64(2), frames[0].FrameID)
	_, failed, _ := w.Stats()
	assert.Equal(t, uint64(1), failed)
}

func TestDecodingWorker_InitFailureHaltsOnlyThatSender(t *testing.T) {
	out := &recorder[DecodedFrame]{}
	var calls int
	factory := func() (Decoder, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("no decoder")
		}
		return NewPassthroughDecoder()
	}
	w := NewDecodingWorker(factory, out.add)

	frame := &EncodedFrame{ID: 1, Data: []byte{0, 1, 0, 1, 5}}
	w.decode(decodeJob{senderID: 1, frame: frame})
	w.decode(decodeJob{senderID: 1, frame: frame})
	w.decode(decodeJob{senderID: 2, frame: frame})

	frames := out.snapshot()
	require.Len(t, frames, 1)
	assert.Equal(t, uint32(2), frames[0].SenderID)

	w.reset(1)
	w.decode(decodeJob{senderID: 1, frame: frame})
	assert.Len(t, out.snapshot(), 2)
}

func TestDecodingWorker_ResetSurvivesQueueOverflow(t *testing.T) {
	w := NewDecodingWorker(NewPassthroughDecoder, nil)
	defer w.Stop()

	require.NoError(t, w.ResetSender(7))
	for i := 1; i <= DefaultQueueCapacity; i++ {
		require.NoError(t, w.Submit(7, &EncodedFrame{ID: uint64(i), Data: []byte{0, 1, 0, 1, 1}}))
	}

	w.queue.mu.Lock()
	items := append([]decodeJob(nil), w.queue.items...)
	w.queue.mu.Unlock()

	require.NotEmpty(t, items)
	assert.True(t, items[0].reset, "reset stays ahead of later frames")
	assert.Equal(t, uint32(7), items[0].senderID)
	assert.Len(t, items, DefaultQueueCapacity)
	assert.Equal(t, uint64(2), items[1].frame.ID, "oldest frame was dropped instead")
	assert.Equal(t, uint64(1), w.queue.droppedCount())
}

func TestWorkers_StopDiscardsPending(t *testing.T) {
	w := NewEncodingWorker(NewPassthroughEncoder, 0, 0, nil)
	for i := 0; i < 10; i++ {
		require.NoError(t, w.Submit(1, testImage(2, 2)))
	}
	_, _, _, dropped := w.Stats()
	assert.Equal(t, uint64(10-DefaultQueueCapacity), dropped)

	w.Stop()
	assert.Equal(t, 0, w.queue.len())
	assert.ErrorIs(t, w.Submit(1, testImage(2, 2)), ErrWorkerStopped)

	d := NewDecodingWorker(NewPassthroughDecoder, nil)
	d.Start()
	d.Stop()
	assert.ErrorIs(t, d.ResetSender(1), ErrWorkerStopped)
}
