package paced

import (
	"context"
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedSend struct {
	at   time.Time
	data []byte
}

func TestSender_PreBufferFramesSendImmediately(t *testing.T) {
	var mu sync.Mutex
	var sends []recordedSend
	egress := func(ctx context.Context, frame []byte) error {
		mu.Lock()
		defer mu.Unlock()
		sends = append(sends, recordedSend{at: time.Now(), data: frame})
		return nil
	}

	s := New(egress, nil, 60*time.Millisecond, 0, false, nil)
	s.Reset("sentence-1")

	start := time.Now()
	for i := 0; i < preBufferFrames; i++ {
		sent, err := s.Send(context.Background(), "sentence-1", []byte{byte(i)})
		require.NoError(t, err)
		assert.True(t, sent)
	}
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestSender_RateControlledPacesAfterPreBuffer(t *testing.T) {
	var mu sync.Mutex
	var sends []recordedSend
	egress := func(ctx context.Context, frame []byte) error {
		mu.Lock()
		defer mu.Unlock()
		sends = append(sends, recordedSend{at: time.Now()})
		return nil
	}

	frameDuration := 20 * time.Millisecond
	s := New(egress, nil, frameDuration, 0, false, nil)
	s.Reset("sentence-1")

	const total = 10
	for i := 0; i < total; i++ {
		sent, err := s.Send(context.Background(), "sentence-1", []byte{byte(i)})
		require.NoError(t, err)
		require.True(t, sent)
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, sends, total)

	// From frame 6 onward (index >= preBufferFrames), inter-frame
	// spacing should track frameDuration within +/-50% (a scheduler
	// allowance for loaded test machines).
	for i := preBufferFrames + 1; i < total; i++ {
		gap := sends[i].at.Sub(sends[i-1].at)
		assert.InDelta(t, frameDuration.Seconds(), gap.Seconds(), frameDuration.Seconds()*0.5,
			"frame %d gap %v out of tolerance", i, gap)
	}
}

func TestSender_AbortDropsRemainingFrames(t *testing.T) {
	var count int
	egress := func(ctx context.Context, frame []byte) error {
		count++
		return nil
	}
	s := New(egress, nil, 10*time.Millisecond, 0, false, nil)
	s.Reset("sentence-1")

	sent, err := s.Send(context.Background(), "sentence-1", []byte{1})
	require.NoError(t, err)
	assert.True(t, sent)

	s.Abort()
	sent, err = s.Send(context.Background(), "sentence-1", []byte{2})
	require.NoError(t, err)
	assert.False(t, sent)
	assert.Equal(t, 1, count)
}

func TestSender_NewSentenceIDResetsAbortAndSequence(t *testing.T) {
	var frames [][]byte
	egress := func(ctx context.Context, frame []byte) error {
		frames = append(frames, frame)
		return nil
	}
	s := New(egress, nil, 10*time.Millisecond, 0, true, nil)
	s.Reset("sentence-1")
	_, _ = s.Send(context.Background(), "sentence-1", []byte{0}) // sequence 0, advances to 1
	s.Abort()
	_, _ = s.Send(context.Background(), "sentence-1", []byte{1})

	sent, err := s.Send(context.Background(), "sentence-2", []byte{2})
	require.NoError(t, err)
	assert.True(t, sent)
	require.Len(t, frames, 2)
	assert.Equal(t, uint32(0), binary.BigEndian.Uint32(frames[1][4:8]))
}

func TestSender_MQTTGatewayWrapsHeader(t *testing.T) {
	var captured []byte
	egress := func(ctx context.Context, frame []byte) error {
		captured = frame
		return nil
	}
	s := New(egress, nil, 10*time.Millisecond, 0, true, nil)
	s.Reset("sentence-1")

	opusPayload := []byte{0xAA, 0xBB, 0xCC}
	_, err := s.Send(context.Background(), "sentence-1", opusPayload)
	require.NoError(t, err)
	require.Len(t, captured, 16+len(opusPayload))
	assert.Equal(t, opusPayload, captured[16:])
}

func TestSender_ActivityTrackerCalledOnSend(t *testing.T) {
	var ticks int
	egress := func(ctx context.Context, frame []byte) error { return nil }
	s := New(egress, func() { ticks++ }, 10*time.Millisecond, 0, false, nil)
	s.Reset("sentence-1")
	_, err := s.Send(context.Background(), "sentence-1", []byte{1})
	require.NoError(t, err)
	assert.Equal(t, 1, ticks)
}
