// Package paced implements PacedSender: draining a sentence's opus
// frame queue to the device at real time, grounded in xiaozhi-server's
// core/handle/sendAudioHandle.py (_sendAudio_single, AudioRateController).
package paced

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/lingecho/voicebridge/internal/audio"
)

const preBufferFrames = 5

// DefaultQueueSize sizes the channel between TTSSession's opus
// producer and PacedSender's drain loop.
const DefaultQueueSize = 64

// Egress writes one (possibly MQTT-header-wrapped) frame to the
// device socket.
type Egress func(ctx context.Context, frame []byte) error

// ActivityTracker receives a tick every time a frame is sent, for the
// idle-timeout watcher.
type ActivityTracker func()

// Mode selects fixed-delay vs. rate-controlled pacing.
type Mode int

const (
	ModeRateControlled Mode = iota
	ModeFixedDelay
)

// Sender drains one sentence's frames to the device, honoring
// pre-buffering, pacing mode, and barge-in abort.
type Sender struct {
	egress        Egress
	activity      ActivityTracker
	frameDuration time.Duration
	mode          Mode
	fixedDelay    time.Duration
	mqttGateway   bool
	logger        *zap.Logger

	clientAbort atomic.Bool

	mu         sync.Mutex
	sentenceID string
	sequence   uint32
	startedAt  time.Time
	frameIndex int
}

// New constructs a Sender. fixedDelay > 0 selects ModeFixedDelay;
// otherwise ModeRateControlled (the default) is used.
func New(egress Egress, activity ActivityTracker, frameDuration, fixedDelay time.Duration, mqttGateway bool, logger *zap.Logger) *Sender {
	if logger == nil {
		logger = zap.NewNop()
	}
	if frameDuration <= 0 {
		frameDuration = 60 * time.Millisecond
	}
	mode := ModeRateControlled
	if fixedDelay > 0 {
		mode = ModeFixedDelay
	}
	return &Sender{
		egress: egress, activity: activity, frameDuration: frameDuration,
		mode: mode, fixedDelay: fixedDelay, mqttGateway: mqttGateway, logger: logger,
	}
}

// Abort flips client_abort; remaining frames of the current sentence
// are dropped until Reset is called or Send sees a different sentence
// id, either of which clears the flag.
func (s *Sender) Abort() {
	s.clientAbort.Store(true)
}

// Reset clears abort and sentence state, called when a new TTS
// session starts (sentence_id changes).
func (s *Sender) Reset(sentenceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clientAbort.Store(false)
	s.sentenceID = sentenceID
	s.sequence = 0
	s.frameIndex = 0
	s.startedAt = time.Time{}
}

// Send paces one opus frame for the current sentence. Returns
// (sent=false, nil) if the sentence was aborted.
func (s *Sender) Send(ctx context.Context, sentenceID string, opusFrame []byte) (bool, error) {
	s.mu.Lock()
	if s.sentenceID != sentenceID {
		s.sequence = 0
		s.frameIndex = 0
		s.startedAt = time.Time{}
		s.sentenceID = sentenceID
		s.clientAbort.Store(false)
	}
	if s.clientAbort.Load() {
		s.mu.Unlock()
		return false, nil
	}

	index := s.frameIndex
	s.frameIndex++
	if s.startedAt.IsZero() {
		s.startedAt = time.Now()
	}
	started := s.startedAt
	s.mu.Unlock()

	if index >= preBufferFrames {
		if s.mode == ModeFixedDelay {
			if err := sleepOrDone(ctx, s.fixedDelay); err != nil {
				return false, err
			}
		} else {
			target := started.Add(time.Duration(index) * s.frameDuration)
			if wait := time.Until(target); wait > 0 {
				if err := sleepOrDone(ctx, wait); err != nil {
					return false, err
				}
			}
		}
	}

	if s.clientAbort.Load() {
		return false, nil
	}

	payload := opusFrame
	if s.mqttGateway {
		s.mu.Lock()
		seq := s.sequence
		s.sequence++
		s.mu.Unlock()
		payload = wrapMQTTFrame(opusFrame, seq)
	}

	if err := s.egress(ctx, payload); err != nil {
		return false, err
	}
	if s.activity != nil {
		s.activity()
	}
	return true, nil
}

func wrapMQTTFrame(opusFrame []byte, sequence uint32) []byte {
	timestamp := uint32(time.Now().UnixMilli())
	header := audio.EncodeHeader(audio.Header{
		Type:       1,
		PayloadLen: uint16(len(opusFrame)),
		Sequence:   sequence,
		Timestamp:  timestamp,
		OpusLen:    uint32(len(opusFrame)),
	})
	return append(header, opusFrame...)
}

func sleepOrDone(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
