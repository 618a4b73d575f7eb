// Package tts implements TTSSession: a per-connection duplex
// synthesizer session on top of a vendor-agnostic adapter, grounded in
// xiaozhi-server's core/providers/tts/*_stream.py SentenceType model
// (FIRST/MIDDLE/LAST queue tuples) and core/handle/sendAudioHandle.py's
// protocol-state mapping.
package tts

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lingecho/voicebridge/internal/audio"
)

// VendorEventKind classifies one event off a vendor adapter's
// background monitor.
type VendorEventKind int

const (
	EventSynthesisStarted VendorEventKind = iota
	EventSentenceEnd
	EventTaskFinished
	EventTaskFailed
)

// VendorEvent is one item from Adapter.Events().
type VendorEvent struct {
	Kind    VendorEventKind
	PCM     []byte // 16-bit little-endian mono PCM, present on EventSentenceEnd
	Caption string // sentence text, present on EventSentenceEnd
	Err     error  // present on EventTaskFailed
}

// Adapter is the vendor-specific half of a TTS session: a duplex
// connection that accepts text and produces synthesis events on its
// own background monitor.
type Adapter interface {
	Start(ctx context.Context, sessionID string) error
	SendText(ctx context.Context, text string) error
	Finish(ctx context.Context) error
	Events() <-chan VendorEvent
	Close() error
}

// Dialer opens a fresh Adapter connection.
type Dialer func(ctx context.Context) (Adapter, error)

// ProtocolSink sends the device-facing {"type":"tts","state":...}
// envelope. state is one of "start", "sentence_start", "stop".
type ProtocolSink interface {
	SendTTSState(ctx context.Context, state, text string) error
}

// EgressFrame is one opus-encoded audio frame destined for
// PacedSender, tagged with the TTS session it belongs to.
type EgressFrame struct {
	Opus      []byte
	SessionID string
}

const defaultIdleWindow = 30 * time.Second

// Session manages adapter lifecycle (reuse vs. reconnect), opus
// re-encoding of vendor PCM, and protocol-state emission for one
// connection's TTS traffic.
type Session struct {
	dial          Dialer
	protocol      ProtocolSink
	egress        chan<- EgressFrame
	codec         *audio.OpusCodec
	frameDuration time.Duration
	idleWindow    time.Duration
	logger        *zap.Logger

	mu            sync.Mutex
	adapter       Adapter
	monitorAlive  bool
	lastActive    time.Time
	sessionID     string
	firstSent     bool
	deferredFiles []string
}

// New constructs a Session. egress receives opus frames for
// PacedSender; codec must be configured for the vendor's sample rate.
func New(dial Dialer, protocol ProtocolSink, egress chan<- EgressFrame, codec *audio.OpusCodec, frameDuration, idleWindow time.Duration, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	if frameDuration <= 0 {
		frameDuration = 60 * time.Millisecond
	}
	if idleWindow <= 0 {
		idleWindow = defaultIdleWindow
	}
	return &Session{
		dial: dial, protocol: protocol, egress: egress, codec: codec,
		frameDuration: frameDuration, idleWindow: idleWindow, logger: logger,
	}
}

// Start implements turn.Sink.First: opens (or reuses) the vendor
// connection for a new TTS session keyed by sentenceID.
func (s *Session) Start(ctx context.Context, sentenceID string) error {
	s.mu.Lock()
	reuse := false
	switch {
	case s.adapter == nil:
		// nothing to reuse
	case s.monitorAlive:
		s.forceCloseLocked()
	case time.Since(s.lastActive) <= s.idleWindow:
		reuse = true
	default:
		s.forceCloseLocked()
	}

	if !reuse {
		adapter, err := s.dial(ctx)
		if err != nil {
			s.mu.Unlock()
			return fmt.Errorf("tts: dial adapter: %w", err)
		}
		s.adapter = adapter
	}

	adapter := s.adapter
	s.sessionID = sentenceID
	s.firstSent = false
	s.lastActive = time.Now()
	s.monitorAlive = true
	s.mu.Unlock()

	if err := adapter.Start(ctx, sentenceID); err != nil {
		return fmt.Errorf("tts: adapter start: %w", err)
	}
	go s.monitor(ctx, adapter)
	return nil
}

// SendText implements turn.Sink.Middle: forwards one content chunk to
// the vendor adapter for synthesis.
func (s *Session) SendText(ctx context.Context, chunk string) error {
	s.mu.Lock()
	adapter := s.adapter
	s.lastActive = time.Now()
	s.mu.Unlock()

	if adapter == nil {
		return fmt.Errorf("tts: send_text with no active session")
	}
	return adapter.SendText(ctx, chunk)
}

// Finish implements turn.Sink.Last: signals end of input text. The
// monitor keeps running until the vendor reports task_finished.
func (s *Session) Finish(ctx context.Context) error {
	s.mu.Lock()
	adapter := s.adapter
	s.mu.Unlock()

	if adapter == nil {
		return nil
	}
	return adapter.Finish(ctx)
}

func (s *Session) monitor(ctx context.Context, adapter Adapter) {
	defer func() {
		s.mu.Lock()
		if s.adapter == adapter {
			s.monitorAlive = false
		}
		s.mu.Unlock()
	}()

	for ev := range adapter.Events() {
		switch ev.Kind {
		case EventSynthesisStarted:
			s.announceStartOnce(ctx)

		case EventSentenceEnd:
			s.announceStartOnce(ctx)
			s.pushAudio(ctx, ev.PCM)
			if ev.Caption != "" {
				if err := s.protocol.SendTTSState(ctx, "sentence_start", ev.Caption); err != nil {
					s.logger.Warn("tts: send sentence_start failed", zap.Error(err))
				}
			}

		case EventTaskFinished:
			if err := s.protocol.SendTTSState(ctx, "stop", ""); err != nil {
				s.logger.Warn("tts: send stop failed", zap.Error(err))
			}
			s.flushDeferredFiles(ctx)
			return

		case EventTaskFailed:
			s.logger.Error("tts: vendor reported task_failed", zap.Error(ev.Err))
			return
		}
	}
}

func (s *Session) announceStartOnce(ctx context.Context) {
	s.mu.Lock()
	already := s.firstSent
	s.firstSent = true
	sessionID := s.sessionID
	s.mu.Unlock()

	if already {
		return
	}
	if err := s.protocol.SendTTSState(ctx, "start", ""); err != nil {
		s.logger.Warn("tts: send start failed", zap.String("session", sessionID), zap.Error(err))
	}
}

func (s *Session) pushAudio(ctx context.Context, pcm []byte) {
	if len(pcm) == 0 || s.codec == nil {
		return
	}
	frames, err := s.codec.EncodeFrames(pcm, int(s.frameDuration/time.Millisecond))
	if err != nil {
		s.logger.Error("tts: opus encode failed", zap.Error(err))
		return
	}
	s.mu.Lock()
	sessionID := s.sessionID
	s.mu.Unlock()
	for _, frame := range frames {
		select {
		case s.egress <- EgressFrame{Opus: frame, SessionID: sessionID}:
		case <-ctx.Done():
			return
		}
	}
}

// QueueFile records a file path to be handled after the current
// synthesis task finishes, mirroring the teacher's before_stop_files
// list. When task_finished arrives the queued paths are logged and
// cleared; the files' audio is not read or sent to the device.
func (s *Session) QueueFile(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deferredFiles = append(s.deferredFiles, path)
}

func (s *Session) flushDeferredFiles(ctx context.Context) {
	s.mu.Lock()
	files := s.deferredFiles
	s.deferredFiles = nil
	s.mu.Unlock()

	for _, f := range files {
		s.logger.Info("tts: deferred file skipped, not played", zap.String("path", f))
	}
}

func (s *Session) forceCloseLocked() {
	if s.adapter != nil {
		_ = s.adapter.Close()
	}
	s.adapter = nil
	s.monitorAlive = false
}

// Close tears down any active vendor connection.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forceCloseLocked()
	return nil
}
