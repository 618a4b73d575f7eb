package audio

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpusCodec_EncodeRoundTripsThroughDecode(t *testing.T) {
	codec, err := NewOpusCodec(16000, 1)
	require.NoError(t, err)

	samples := make([]int16, 16000*60/1000)
	for i := range samples {
		if i%2 == 0 {
			samples[i] = 1000
		}
	}
	pcm := int16ToBytes(samples)

	frames, err := codec.EncodeFrames(pcm, 60)
	require.NoError(t, err)
	require.Len(t, frames, 1)

	decoded, err := codec.DecodeToPCM16Mono(frames[0])
	require.NoError(t, err)
	assert.NotEmpty(t, decoded)
}

func TestOpusCodec_EncodeFramesPadsShortTrailingChunk(t *testing.T) {
	codec, err := NewOpusCodec(16000, 1)
	require.NoError(t, err)

	short := make([]byte, 100)
	frames, err := codec.EncodeFrames(short, 60)
	require.NoError(t, err)
	require.Len(t, frames, 1)
}

func TestInt16ByteConversionRoundTrips(t *testing.T) {
	samples := []int16{-32768, -1, 0, 1, 32767}
	b := int16ToBytes(samples)
	back := bytesToInt16(b)
	assert.Equal(t, samples, back)
}
