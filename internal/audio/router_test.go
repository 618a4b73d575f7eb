package audio

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func frame(ts uint32, payload []byte) []byte {
	h := Header{Type: 1, OpusLen: uint32(len(payload)), Timestamp: ts}
	return append(EncodeHeader(h), payload...)
}

func TestParseHeaderRoundTrip(t *testing.T) {
	h := Header{Type: 1, PayloadLen: 5, Sequence: 7, Timestamp: 1234, OpusLen: 5}
	encoded := EncodeHeader(h)
	decoded, err := ParseHeader(encoded)
	require.NoError(t, err)
	assert.Equal(t, h, decoded)
}

func TestParseHeaderTooShort(t *testing.T) {
	_, err := ParseHeader([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrFrameTooShort)
}

func TestRouter_ReorderWithinWindow(t *testing.T) {
	r := NewRouter()

	// ts sequence 10, 30, 20, 40 — the release order is read from each
	// released payload, so it reflects which physical frame was released,
	// not which ts value we fed last.
	seq := []uint32{10, 30, 20, 40}
	var releaseOrder []uint32
	for _, ts := range seq {
		out := r.Feed(frame(ts, []byte{byte(ts)}))
		for _, payload := range out {
			releaseOrder = append(releaseOrder, uint32(payload[0]))
		}
	}

	// 10 and 30 deliver immediately (each >= running lastTS). 20 arrives
	// out of order (20 < 30) and is buffered, not delivered. 40 delivers
	// immediately (40 >= 30); draining does not release 20 since 20 is
	// not greater than the new lastTS (40).
	assert.Equal(t, []uint32{10, 30, 40}, releaseOrder)

	flushed := r.Flush()
	require.Len(t, flushed, 1)
	assert.Equal(t, byte(20), flushed[0][0])
}

func TestRouter_OverflowDeliversImmediately(t *testing.T) {
	r := NewRouter(WithCapacity(2), WithOverflowPolicy(OverflowDeliverImmediately))

	// Prime lastTS high so subsequent frames are all "out of order".
	r.Feed(frame(1000, []byte{1}))

	r.Feed(frame(5, []byte{5}))
	r.Feed(frame(6, []byte{6}))
	// buffer full (2 entries); next out-of-order frame delivers immediately.
	out := r.Feed(frame(7, []byte{7}))
	require.Len(t, out, 1)
	assert.Equal(t, byte(7), out[0][0])
}

func TestRouter_DropsUnframedShortFrame(t *testing.T) {
	r := NewRouter()
	out := r.Feed(make([]byte, HeaderSize))
	assert.Nil(t, out)
}

func TestRouter_StripsHeaderWhenNoOpusLen(t *testing.T) {
	r := NewRouter()
	raw := append(EncodeHeader(Header{}), []byte("raw-pcm")...)
	out := r.Feed(raw)
	require.Len(t, out, 1)
	assert.Equal(t, []byte("raw-pcm"), out[0])
}

func TestRouter_Reset(t *testing.T) {
	r := NewRouter()
	r.Feed(frame(100, []byte{1}))
	r.Reset()
	out := r.Feed(frame(10, []byte{2}))
	require.Len(t, out, 1)
	assert.Equal(t, byte(2), out[0][0])
}
