package audio

import (
	"encoding/binary"
	"fmt"

	"github.com/hraban/opus"
)

// OpusCodec wraps a paired opus encoder/decoder for the 16 kHz mono
// PCM the ASR and TTS pipelines standardize on. pkg/media/encoder
// (the teacher's codec abstraction) depends on a base package that
// was never part of the retrieved pack, so opus conversion is
// implemented directly against github.com/hraban/opus here instead.
type OpusCodec struct {
	decoder *opus.Decoder
	encoder *opus.Encoder

	sampleRate int
	channels   int
}

// NewOpusCodec builds a codec for sampleRate/channels (16000/1 for the
// device audio path).
func NewOpusCodec(sampleRate, channels int) (*OpusCodec, error) {
	dec, err := opus.NewDecoder(sampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("audio: new opus decoder: %w", err)
	}
	enc, err := opus.NewEncoder(sampleRate, channels, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("audio: new opus encoder: %w", err)
	}
	return &OpusCodec{decoder: dec, encoder: enc, sampleRate: sampleRate, channels: channels}, nil
}

// DecodeToPCM16Mono decodes one opus frame into little-endian 16-bit
// PCM, implementing internal/asr's Decoder contract.
func (c *OpusCodec) DecodeToPCM16Mono(frame []byte) ([]byte, error) {
	maxSamples := c.sampleRate / 10 * c.channels // 100ms ceiling, generous for 60ms frames
	pcm := make([]int16, maxSamples)
	n, err := c.decoder.Decode(frame, pcm)
	if err != nil {
		return nil, fmt.Errorf("audio: opus decode: %w", err)
	}
	return int16ToBytes(pcm[:n*c.channels]), nil
}

// EncodeFrames splits pcm (little-endian 16-bit mono) into
// frameDurationMs chunks and opus-encodes each one.
func (c *OpusCodec) EncodeFrames(pcm []byte, frameDurationMs int) ([][]byte, error) {
	samplesPerFrame := c.sampleRate * frameDurationMs / 1000
	bytesPerFrame := samplesPerFrame * 2 * c.channels

	var out [][]byte
	for offset := 0; offset < len(pcm); offset += bytesPerFrame {
		end := offset + bytesPerFrame
		chunk := pcm[offset:min(end, len(pcm))]
		if len(chunk) < bytesPerFrame {
			padded := make([]byte, bytesPerFrame)
			copy(padded, chunk)
			chunk = padded
		}

		samples := bytesToInt16(chunk)
		encoded := make([]byte, 4000)
		n, err := c.encoder.Encode(samples, encoded)
		if err != nil {
			return nil, fmt.Errorf("audio: opus encode: %w", err)
		}
		out = append(out, encoded[:n])
	}
	return out, nil
}

func int16ToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

func bytesToInt16(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return out
}
