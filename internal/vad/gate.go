// Package vad implements VADGate: a thin hysteresis/barge-in layer in
// front of a pluggable voice-activity-detection provider.
package vad

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Provider classifies a single audio frame as voice or silence.
// Concrete vendor/local implementations are out of scope; Gate only
// depends on this interface (spec.md §4.3, §9 "dynamic polymorphism of
// providers").
type Provider interface {
	IsSpeech(frame []byte) bool
}

// ListenMode mirrors the device's listen_mode field.
type ListenMode string

const (
	ListenModeAuto   ListenMode = "auto"
	ListenModeManual ListenMode = "manual"
)

const (
	hysteresisWindow   = 5
	postWakeSuppress   = 2 * time.Second
)

// Gate wraps a Provider with a rolling hysteresis window and barge-in
// detection while TTS is playing.
type Gate struct {
	provider Provider
	logger   *zap.Logger

	mu          sync.Mutex
	window      []bool
	wokeAt      time.Time
	now         func() time.Time
}

// New constructs a Gate delegating classification to provider.
func New(provider Provider, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{provider: provider, logger: logger, now: time.Now}
}

// NotifyWoke records that the device just finished a wake-word
// response, so the next 2 seconds of input are forced to silence to
// suppress self-echo.
func (g *Gate) NotifyWoke() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.wokeAt = g.now()
}

// Classify reports whether frame counts as voice, and updates the
// rolling hysteresis window. If ttsPlaying is true and listenMode is
// not manual, a positive classification also signals barge-in via the
// returned bargeIn flag.
func (g *Gate) Classify(frame []byte, ttsPlaying bool, listenMode ListenMode) (isVoice bool, bargeIn bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.wokeAt.IsZero() && g.now().Sub(g.wokeAt) < postWakeSuppress {
		g.pushLocked(false)
		return false, false
	}

	raw := g.provider.IsSpeech(frame)
	g.pushLocked(raw)
	isVoice = g.hysteresisLocked()

	if isVoice && ttsPlaying && listenMode != ListenModeManual {
		g.logger.Info("vad: barge-in detected during tts playback")
		bargeIn = true
	}
	return isVoice, bargeIn
}

func (g *Gate) pushLocked(v bool) {
	g.window = append(g.window, v)
	if len(g.window) > hysteresisWindow {
		g.window = g.window[len(g.window)-hysteresisWindow:]
	}
}

// hysteresisLocked reports voice only once the rolling window is full
// of a consistent positive reading, damping single-frame flicker.
func (g *Gate) hysteresisLocked() bool {
	if len(g.window) < hysteresisWindow {
		return false
	}
	for _, v := range g.window {
		if !v {
			return false
		}
	}
	return true
}

// Reset clears the hysteresis window and wake suppression state, for
// reuse across speech turns.
func (g *Gate) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.window = g.window[:0]
	g.wokeAt = time.Time{}
}
