package vad

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type constantProvider struct{ speech bool }

func (c constantProvider) IsSpeech([]byte) bool { return c.speech }

func fillWindow(g *Gate, speech bool) {
	for i := 0; i < hysteresisWindow; i++ {
		g.Classify([]byte{0}, false, ListenModeAuto)
		_ = speech
	}
}

func TestGate_HysteresisRequiresConsistentWindow(t *testing.T) {
	g := New(constantProvider{speech: true}, nil)

	var lastVoice bool
	for i := 0; i < hysteresisWindow; i++ {
		lastVoice, _ = g.Classify([]byte{0}, false, ListenModeAuto)
	}
	assert.True(t, lastVoice)
}

func TestGate_BargeInOnlyDuringTTSPlayback(t *testing.T) {
	g := New(constantProvider{speech: true}, nil)

	for i := 0; i < hysteresisWindow-1; i++ {
		_, bargeIn := g.Classify([]byte{0}, true, ListenModeAuto)
		assert.False(t, bargeIn)
	}
	_, bargeIn := g.Classify([]byte{0}, true, ListenModeAuto)
	assert.True(t, bargeIn)
}

func TestGate_NoBargeInWhenNotPlaying(t *testing.T) {
	g := New(constantProvider{speech: true}, nil)
	for i := 0; i < hysteresisWindow; i++ {
		_, bargeIn := g.Classify([]byte{0}, false, ListenModeAuto)
		assert.False(t, bargeIn)
	}
}

func TestGate_NoBargeInManualMode(t *testing.T) {
	g := New(constantProvider{speech: true}, nil)
	for i := 0; i < hysteresisWindow; i++ {
		_, bargeIn := g.Classify([]byte{0}, true, ListenModeManual)
		assert.False(t, bargeIn)
	}
}

func TestGate_PostWakeSuppression(t *testing.T) {
	g := New(constantProvider{speech: true}, nil)
	fixed := time.Unix(1000, 0)
	g.now = func() time.Time { return fixed }
	g.NotifyWoke()

	isVoice, bargeIn := g.Classify([]byte{0}, true, ListenModeAuto)
	assert.False(t, isVoice)
	assert.False(t, bargeIn)

	g.now = func() time.Time { return fixed.Add(3 * time.Second) }
	for i := 0; i < hysteresisWindow; i++ {
		isVoice, _ = g.Classify([]byte{0}, false, ListenModeAuto)
	}
	assert.True(t, isVoice)
}

func TestGate_Reset(t *testing.T) {
	g := New(constantProvider{speech: true}, nil)
	for i := 0; i < hysteresisWindow; i++ {
		g.Classify([]byte{0}, false, ListenModeAuto)
	}
	g.Reset()
	assert.Empty(t, g.window)
}
