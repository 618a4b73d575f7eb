// Package vadlocal provides the in-process "LOCAL" VAD capability: an
// RMS-energy threshold classifier over decoded PCM, usable as
// Server's shared vad.Provider without a vendor SDK. Concrete
// streaming VAD vendor adapters are out of scope (spec.md §1); this is
// the one capability simple enough to implement without one.
package vadlocal

import (
	"math"

	"github.com/lingecho/voicebridge/internal/audio"
)

const defaultThreshold = 500.0 // RMS over int16 PCM samples

// EnergyDetector classifies a frame as voice when its decoded PCM RMS
// exceeds a fixed threshold. It implements vad.Provider.
type EnergyDetector struct {
	codec     *audio.OpusCodec
	threshold float64
}

// NewEnergyDetector constructs a detector that decodes frames with
// codec before measuring energy. threshold <= 0 uses a sane default.
func NewEnergyDetector(codec *audio.OpusCodec, threshold float64) *EnergyDetector {
	if threshold <= 0 {
		threshold = defaultThreshold
	}
	return &EnergyDetector{codec: codec, threshold: threshold}
}

// IsSpeech implements vad.Provider.
func (d *EnergyDetector) IsSpeech(frame []byte) bool {
	pcm, err := d.codec.DecodeToPCM16Mono(frame)
	if err != nil || len(pcm) < 2 {
		return false
	}
	return rms(pcm) >= d.threshold
}

func rms(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sumSquares float64
	for i := 0; i < n; i++ {
		sample := int16(uint16(pcm[2*i]) | uint16(pcm[2*i+1])<<8)
		sumSquares += float64(sample) * float64(sample)
	}
	return math.Sqrt(sumSquares / float64(n))
}
