// Package asr implements ASRSession: the per-connection streaming
// speech-recognition state machine. Concrete vendor wire protocols are
// out of scope (spec.md §1); this package defines the Provider
// contract, the state machine driving it, and hypothesis merging.
package asr

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State is one stage of the ASRSession lifecycle.
type State int

const (
	StateIdle State = iota
	StateOpen
	StateStreaming
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOpen:
		return "open"
	case StateStreaming:
		return "streaming"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// Hypothesis is one recognition result from the upstream provider.
type Hypothesis struct {
	Text      string
	IsFinal   bool
	ErrorCode int
}

// Provider is the vendor-agnostic streaming-recognizer contract. A
// connection opens one Provider instance per speech turn.
type Provider interface {
	SendFirst(ctx context.Context, frame []byte) error
	SendContinue(ctx context.Context, frame []byte) error
	SendLast(ctx context.Context) error
	Results() <-chan Hypothesis
	Close() error
}

// Factory opens a new Provider for a speech turn.
type Factory func(ctx context.Context) (Provider, error)

// Decoder converts an opus frame to 16kHz mono PCM for upstream
// transmission while STREAMING.
type Decoder interface {
	DecodeToPCM16Mono(opusFrame []byte) ([]byte, error)
}

const (
	prerollCacheSize = 10
	lastTimeout      = 250 * time.Millisecond

	// ErrCodeStreamFatalA and ErrCodeStreamFatalB are vendor error
	// codes that close the upstream stream immediately rather than
	// being tolerated until LAST's timeout.
	ErrCodeStreamFatalA = 10114
	ErrCodeStreamFatalB = 10160
)

var ErrUnavailable = errors.New("asr: upstream unavailable")

// Turn is the result published to TurnEngine once a speech turn closes.
type Turn struct {
	FinalTranscript string
	OpusHistory     [][]byte
}

// Session drives one connection's ASR state machine.
type Session struct {
	factory Factory
	decoder Decoder
	logger  *zap.Logger

	mu        sync.Mutex
	state     State
	provider  Provider
	preroll   [][]byte
	history   [][]byte
	merge     mergeState
	afterLast bool
	cancelCh  chan struct{}
}

// New constructs an idle Session.
func New(factory Factory, decoder Decoder, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{factory: factory, decoder: decoder, logger: logger, state: StateIdle}
}

// State reports the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// FeedSilence pushes a non-voice frame into the pre-roll cache while
// IDLE, so speech onset keeps a few frames of leading context.
func (s *Session) FeedSilence(frame []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateIdle {
		s.pushPrerollLocked(frame)
	}
}

func (s *Session) pushPrerollLocked(frame []byte) {
	s.preroll = append(s.preroll, frame)
	if len(s.preroll) > prerollCacheSize {
		s.preroll = s.preroll[len(s.preroll)-prerollCacheSize:]
	}
}

// FeedVoice processes one inbound opus frame classified as voice. It
// opens the upstream provider on the IDLE->STREAMING transition.
func (s *Session) FeedVoice(ctx context.Context, frame []byte) error {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()

	switch state {
	case StateIdle:
		return s.open(ctx, frame)
	case StateStreaming:
		return s.continueFrame(ctx, frame)
	default:
		// OPEN/CLOSING: drop, a new turn cannot start mid-transition.
		return nil
	}
}

func (s *Session) open(ctx context.Context, frame []byte) error {
	provider, err := s.factory(ctx)
	if err != nil {
		s.logger.Error("asr: failed to open upstream", zap.Error(err))
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	s.mu.Lock()
	s.state = StateOpen
	s.provider = provider
	s.pushPrerollLocked(frame)
	first := s.preroll[len(s.preroll)-1]
	replay := append([][]byte(nil), s.preroll[:len(s.preroll)-1]...)
	s.history = append(s.history, frame)
	s.merge = mergeState{}
	s.afterLast = false
	cancel := make(chan struct{})
	s.cancelCh = cancel
	s.mu.Unlock()

	if err := provider.SendFirst(ctx, first); err != nil {
		s.resetToIdle()
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	for _, f := range replay {
		if err := provider.SendContinue(ctx, f); err != nil {
			s.resetToIdle()
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}

	s.mu.Lock()
	s.state = StateStreaming
	s.mu.Unlock()

	go s.drainResults(provider, cancel)
	return nil
}

func (s *Session) continueFrame(ctx context.Context, frame []byte) error {
	pcm := frame
	var err error
	if s.decoder != nil {
		pcm, err = s.decoder.DecodeToPCM16Mono(frame)
		if err != nil {
			s.logger.Warn("asr: decode failed, dropping frame", zap.Error(err))
			return nil
		}
	}

	s.mu.Lock()
	provider := s.provider
	s.history = append(s.history, frame)
	s.mu.Unlock()

	if provider == nil {
		return nil
	}
	if err := provider.SendContinue(ctx, pcm); err != nil {
		s.logger.Warn("asr: send continue failed", zap.Error(err))
	}
	return nil
}

// drainResults reads hypotheses off the provider until the session
// closes or a fatal vendor error code appears.
func (s *Session) drainResults(provider Provider, cancel chan struct{}) {
	for {
		select {
		case <-cancel:
			return
		case h, ok := <-provider.Results():
			if !ok {
				return
			}
			if h.ErrorCode == ErrCodeStreamFatalA || h.ErrorCode == ErrCodeStreamFatalB {
				s.logger.Warn("asr: fatal vendor error code, closing stream", zap.Int("code", h.ErrorCode))
				s.resetToIdle()
				return
			}
			s.mu.Lock()
			s.mergeHypothesisLocked(h)
			s.mu.Unlock()
		}
	}
}

func (s *Session) mergeHypothesisLocked(h Hypothesis) {
	if s.afterLast && h.Text == "" {
		return // empty strings after LAST are rejected
	}
	s.merge.apply(h.Text, s.afterLast)
}

// Close resolves silence at the end of a speech turn: sends LAST,
// waits a fixed 250ms for trailing hypotheses (it does not return
// early on a final one), and returns the Turn to publish to
// TurnEngine. A Session that is STREAMING always transitions back to
// IDLE; in any other state Close returns an empty Turn unchanged.
func (s *Session) Close(ctx context.Context) (Turn, error) {
	s.mu.Lock()
	if s.state != StateStreaming {
		s.mu.Unlock()
		return Turn{}, nil
	}
	s.state = StateClosing
	provider := s.provider
	s.afterLast = true
	s.mu.Unlock()

	if provider != nil {
		if err := provider.SendLast(ctx); err != nil {
			s.logger.Warn("asr: send last failed", zap.Error(err))
		}
	}

	timer := time.NewTimer(lastTimeout)
	defer timer.Stop()
	<-timer.C

	s.mu.Lock()
	turn := Turn{
		FinalTranscript: s.merge.best,
		OpusHistory:     append([][]byte(nil), s.history...),
	}
	s.mu.Unlock()

	s.resetToIdle()
	return turn, nil
}

func (s *Session) resetToIdle() {
	s.mu.Lock()
	provider := s.provider
	cancel := s.cancelCh
	s.provider = nil
	s.cancelCh = nil
	s.history = nil
	s.preroll = nil
	s.state = StateIdle
	s.mu.Unlock()

	if cancel != nil {
		close(cancel)
	}
	if provider != nil {
		_ = provider.Close()
	}
}

// mergeState implements the hypothesis-merging rules of spec.md §4.4.
type mergeState struct {
	best string
}

func (m *mergeState) apply(text string, afterLast bool) {
	if text == "" {
		if !afterLast {
			// keep best_partial as-is; nothing meaningful to merge
		}
		return
	}

	if !afterLast {
		// Keep the longest meaningful partial result while streaming.
		if len(text) > len(m.best) {
			m.best = text
		}
		return
	}

	// After LAST: prefer the latest non-empty hypothesis, except a
	// pure-punctuation final gets appended rather than replacing.
	if isPurePunctuation(text) && m.best != "" {
		m.best = appendPunctuation(m.best, text)
		return
	}
	m.best = text
}

func isPurePunctuation(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !strings.ContainsRune(",.!?;:、。！？；：…", r) {
			return false
		}
	}
	return true
}

// appendPunctuation appends punct to base, stripping a duplicate
// trailing period so "done." + "." doesn't become "done..".
func appendPunctuation(base, punct string) string {
	if strings.HasSuffix(base, punct) {
		return base
	}
	if strings.HasSuffix(base, ".") && strings.HasPrefix(punct, ".") {
		base = strings.TrimSuffix(base, ".")
	}
	return base + punct
}
