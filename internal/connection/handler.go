package connection

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/lingecho/voicebridge/internal/asr"
	"github.com/lingecho/voicebridge/internal/audio"
	"github.com/lingecho/voicebridge/internal/auth"
	"github.com/lingecho/voicebridge/internal/config"
	"github.com/lingecho/voicebridge/internal/dialogue"
	"github.com/lingecho/voicebridge/internal/llm"
	"github.com/lingecho/voicebridge/internal/paced"
	"github.com/lingecho/voicebridge/internal/tools"
	"github.com/lingecho/voicebridge/internal/tts"
	"github.com/lingecho/voicebridge/internal/turn"
	"github.com/lingecho/voicebridge/internal/vad"
)

// consecutiveSilenceFramesToClose bounds how many silent frames close
// a streaming ASR turn, mirroring HardwareSessionOption's
// VADConsecutiveFrames field.
const consecutiveSilenceFramesToClose = 15

// Params carries the per-connection identity resolved by Server from
// headers or URL query fallback.
type Params struct {
	DeviceID        string
	ClientID        string
	Authorization   string
	ClientIP        string
	FromMQTTGateway bool
}

// Dependencies bundles the factories and shared providers a
// Connection needs to complete background init. Vendor-specific
// construction (the "small factory keyed on selected_module.<X>") is
// the caller's responsibility; Connection only consumes the resulting
// interfaces.
type Dependencies struct {
	Config    *config.Config
	Verifier  *auth.Verifier
	AllowList *auth.AllowList

	VADProvider vad.Provider
	ASRFactory  asr.Factory
	ASRDecoder  asr.Decoder

	TTSDialer tts.Dialer
	TTSCodec  *audio.OpusCodec

	NewLLMEngine func(deviceID string) *llm.Engine
	MemoryQuery  turn.MemoryQuery
	EmotionHook  turn.EmotionHook
	MemorySave   func(ctx context.Context, deviceID, summary string)

	LocalTools      *tools.LocalSource
	ServerMCPSource tools.Source // nil if no server_mcp configured

	SystemPrompt string
}

// Connection owns one device WebSocket's full lifecycle: auth,
// welcome, background init, message loop, and teardown. Grounded in
// pkg/hardwarefinal/protocol/session.go's HardwareSession.
type Connection struct {
	conn   *websocket.Conn
	params Params
	deps   Dependencies
	logger *zap.Logger
	writer *Writer

	sessionID string
	cancel    context.CancelFunc

	mu           sync.RWMutex
	active       bool
	lastActivity time.Time
	ttsPlaying   bool
	listenMode   vad.ListenMode
	needBind     bool
	bindCode     string
	turnRunning  bool
	silenceRun   int

	vadGate       *vad.Gate
	audioRouter   *audio.Router
	asrSession    *asr.Session
	dialogueStore *dialogue.Store
	registry      *tools.Registry
	turnEngine    *turn.Engine
	ttsSession    *tts.Session
	pacedSender   *paced.Sender
	deviceMCP     *tools.DeviceMCPClient

	ttsEgress chan tts.EgressFrame
	bindCron  *cron.Cron
}

// New constructs a Connection. Call Run to drive its lifecycle.
func New(conn *websocket.Conn, params Params, deps Dependencies, logger *zap.Logger) *Connection {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Connection{
		conn: conn, params: params, deps: deps,
		logger:     logger.With(zap.String("device_id", params.DeviceID)),
		listenMode: vad.ListenModeAuto,
	}
}

// Run authenticates, then blocks in the message loop until the
// connection closes for any reason.
func (c *Connection) Run(ctx context.Context) error {
	if err := c.authenticate(); err != nil {
		c.logger.Warn("connection: auth failed", zap.Error(err))
		_ = c.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"error","message":"auth failed","fatal":true}`))
		_ = c.conn.Close()
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.sessionID = uuid.NewString()
	c.writer = NewWriter(ctx, c.conn, c.sessionID, c.logger)

	c.mu.Lock()
	c.active = true
	c.lastActivity = time.Now()
	c.mu.Unlock()

	go c.idleWatch(ctx)

	defer c.teardown()
	c.messageLoop(ctx)
	return nil
}

func (c *Connection) authenticate() error {
	if !c.deps.Config.Auth.Enabled {
		return nil
	}
	if c.deps.AllowList.Allowed(c.params.DeviceID) {
		return nil
	}
	token := strings.TrimPrefix(c.params.Authorization, "Bearer ")
	if token == "" || c.deps.Verifier == nil || !c.deps.Verifier.Verify(token, c.params.ClientID, c.params.DeviceID) {
		return fmt.Errorf("connection: %w", auth.ErrVerificationFailed)
	}
	return nil
}

func (c *Connection) messageLoop(ctx context.Context) {
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				c.logger.Warn("connection: read error", zap.Error(err))
			}
			return
		}
		c.touchActivity()

		switch msgType {
		case websocket.TextMessage:
			c.handleText(ctx, data)
		case websocket.BinaryMessage:
			c.handleBinary(ctx, data)
		}

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func (c *Connection) touchActivity() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

func (c *Connection) handleText(ctx context.Context, data []byte) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		c.logger.Warn("connection: malformed JSON message, dropping", zap.Error(err))
		return
	}

	switch envelope.Type {
	case "hello":
		c.handleHello(ctx, data)
	case "listen":
		c.handleListen(ctx, data)
	case "abort":
		c.handleAbort(ctx)
	case "iot":
		c.handleIOT(data)
	case "mcp":
		c.handleMCP(data)
	case "server":
		c.handleServer(ctx, data)
	default:
		c.logger.Info("connection: unhandled message type", zap.String("type", envelope.Type))
	}
}

type helloMessage struct {
	AudioParams struct {
		Format        string `json:"format"`
		SampleRate    int    `json:"sample_rate"`
		Channels      int    `json:"channels"`
		FrameDuration int    `json:"frame_duration"`
	} `json:"audio_params"`
	Features map[string]any `json:"features"`
}

// handleHello runs background init: builds the dialogue store, tool
// registry, turn engine, TTS session, and paced sender for the
// negotiated audio params, then echoes the welcome. Grounded on
// HardwareSession.handleHelloMessage.
func (c *Connection) handleHello(ctx context.Context, data []byte) {
	var msg helloMessage
	_ = json.Unmarshal(data, &msg)
	if msg.AudioParams.FrameDuration <= 0 {
		msg.AudioParams.FrameDuration = c.deps.Config.TTS.FrameDurationMS
	}

	c.dialogueStore = dialogue.New()
	if c.deps.SystemPrompt != "" {
		c.dialogueStore.UpdateSystem(c.deps.SystemPrompt)
	}

	c.registry = tools.New()
	if c.deps.LocalTools != nil {
		c.registry.Import(c.deps.LocalTools)
	}
	if c.deps.ServerMCPSource != nil {
		c.registry.Import(c.deps.ServerMCPSource)
	}

	mcpEnabled := false
	if v, ok := msg.Features["mcp"]; ok {
		if b, ok := v.(bool); ok {
			mcpEnabled = b
		}
	}
	if mcpEnabled {
		c.deviceMCP = tools.NewDeviceMCPClient(c.writer.SendMCPPayload, c.logger, c.deps.Config.Tools.CallTimeout)
		c.registry.Import(c.deviceMCP)
		go func() {
			if err := c.deviceMCP.Initialize(ctx, nil); err != nil {
				c.logger.Warn("connection: device mcp initialize failed", zap.Error(err))
				return
			}
			if err := c.deviceMCP.ListTools(ctx); err != nil {
				c.logger.Warn("connection: device mcp tools/list failed", zap.Error(err))
			}
		}()
	}

	llmEngine := c.deps.NewLLMEngine(c.params.DeviceID)

	c.ttsEgress = make(chan tts.EgressFrame, paced.DefaultQueueSize)
	frameDuration := time.Duration(msg.AudioParams.FrameDuration) * time.Millisecond
	c.pacedSender = paced.New(c.writer.SendAudio, c.touchActivity, frameDuration,
		time.Duration(c.deps.Config.TTS.SendDelayMS)*time.Millisecond, c.params.FromMQTTGateway, c.logger)
	c.ttsSession = tts.New(c.deps.TTSDialer, c.writer, c.ttsEgress, c.deps.TTSCodec, frameDuration,
		time.Duration(c.deps.Config.TTS.IdleReuseWindowSecs)*time.Second, c.logger)
	go c.drainTTSEgress(ctx)

	c.turnEngine = turn.New(c.dialogueStore, llmEngine, c.registry, &turnSink{c: c}, c.deps.MemoryQuery, c.deps.EmotionHook, c.logger)

	if c.deps.VADProvider != nil {
		c.vadGate = vad.New(c.deps.VADProvider, c.logger)
	}
	if c.deps.ASRFactory != nil {
		c.asrSession = asr.New(c.deps.ASRFactory, c.deps.ASRDecoder, c.logger)
	}
	if c.params.FromMQTTGateway {
		c.audioRouter = audio.NewRouter()
	}

	audioParams := map[string]any{
		"format":         msg.AudioParams.Format,
		"sample_rate":    msg.AudioParams.SampleRate,
		"channels":       msg.AudioParams.Channels,
		"frame_duration": msg.AudioParams.FrameDuration,
	}
	if err := c.writer.SendWelcome(c.sessionID, audioParams, msg.Features); err != nil {
		c.logger.Warn("connection: send welcome failed", zap.Error(err))
	}
}

func (c *Connection) drainTTSEgress(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-c.ttsEgress:
			if !ok {
				return
			}
			if _, err := c.pacedSender.Send(ctx, frame.SessionID, frame.Opus); err != nil {
				c.logger.Warn("connection: paced send failed", zap.Error(err))
			}
		}
	}
}

type listenMessage struct {
	State string `json:"state"`
	Mode  string `json:"mode"`
	Text  string `json:"text"`
}

func (c *Connection) handleListen(ctx context.Context, data []byte) {
	var msg listenMessage
	_ = json.Unmarshal(data, &msg)

	if msg.Mode == string(vad.ListenModeManual) {
		c.mu.Lock()
		c.listenMode = vad.ListenModeManual
		c.mu.Unlock()
	} else if msg.Mode != "" {
		c.mu.Lock()
		c.listenMode = vad.ListenModeAuto
		c.mu.Unlock()
	}

	switch msg.State {
	case "detect":
		if msg.Text != "" {
			c.startTurn(ctx, msg.Text)
		}
	case "stop":
		if c.asrSession != nil {
			c.closeASRTurn(ctx)
		}
	}
}

func (c *Connection) handleAbort(ctx context.Context) {
	c.logger.Info("connection: abort requested")
	if c.pacedSender != nil {
		c.pacedSender.Abort()
	}
	c.mu.Lock()
	c.ttsPlaying = false
	c.mu.Unlock()
	if err := c.writer.SendAbortConfirmation(); err != nil {
		c.logger.Warn("connection: send abort confirmation failed", zap.Error(err))
	}
}

func (c *Connection) handleIOT(data []byte) {
	c.logger.Debug("connection: iot message received", zap.ByteString("payload", data))
}

func (c *Connection) handleMCP(data []byte) {
	if c.deviceMCP == nil {
		return
	}
	var envelope struct {
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		c.logger.Warn("connection: malformed mcp envelope", zap.Error(err))
		return
	}
	c.deviceMCP.HandleIncoming(envelope.Payload)
}

type serverMessage struct {
	Secret string `json:"secret"`
	Action string `json:"action"`
}

// handleServer implements the in-band process-control channel:
// update_config and restart both require a constant-time-compared
// shared secret.
func (c *Connection) handleServer(ctx context.Context, data []byte) {
	var msg serverMessage
	_ = json.Unmarshal(data, &msg)

	expected := c.deps.Config.Auth.ServerControlSecret
	if expected == "" || subtle.ConstantTimeCompare([]byte(msg.Secret), []byte(expected)) != 1 {
		_ = c.writer.SendServerAck(msg.Action, false, "invalid secret")
		return
	}

	switch msg.Action {
	case "update_config":
		// Acknowledged only: no configuration is reloaded and no shared
		// module is rebuilt.
		c.logger.Info("connection: update_config acknowledged; configuration is not reloaded")
		_ = c.writer.SendServerAck(msg.Action, true, "")
	case "restart":
		_ = c.writer.SendServerAck(msg.Action, true, "")
		c.cancel()
	default:
		_ = c.writer.SendServerAck(msg.Action, false, "unknown action")
	}
}

// handleBinary routes inbound opus frames either through
// AudioFrameRouter (MQTT gateway framing) or directly to VAD/ASR.
func (c *Connection) handleBinary(ctx context.Context, data []byte) {
	c.mu.RLock()
	needBind := c.needBind
	c.mu.RUnlock()
	if needBind {
		return // discard audio while unbound; bind prompt plays on its own schedule
	}

	if c.params.FromMQTTGateway && c.audioRouter != nil && len(data) >= 16 {
		for _, frame := range c.audioRouter.Feed(data) {
			c.processFrame(ctx, frame)
		}
		return
	}
	c.processFrame(ctx, data)
}

func (c *Connection) processFrame(ctx context.Context, frame []byte) {
	if c.vadGate == nil || c.asrSession == nil {
		return
	}
	c.mu.RLock()
	ttsPlaying := c.ttsPlaying
	listenMode := c.listenMode
	c.mu.RUnlock()

	isVoice, bargeIn := c.vadGate.Classify(frame, ttsPlaying, listenMode)
	if bargeIn {
		c.handleAbort(ctx)
	}

	if isVoice {
		c.mu.Lock()
		c.silenceRun = 0
		c.mu.Unlock()
		if err := c.asrSession.FeedVoice(ctx, frame); err != nil {
			c.logger.Warn("connection: asr feed voice failed", zap.Error(err))
		}
		return
	}

	c.asrSession.FeedSilence(frame)
	if c.asrSession.State() == asr.StateStreaming {
		c.mu.Lock()
		c.silenceRun++
		run := c.silenceRun
		c.mu.Unlock()
		if run >= consecutiveSilenceFramesToClose {
			c.closeASRTurn(ctx)
		}
	}
}

func (c *Connection) closeASRTurn(ctx context.Context) {
	c.mu.Lock()
	c.silenceRun = 0
	c.mu.Unlock()

	turnResult, err := c.asrSession.Close(ctx)
	if err != nil {
		c.logger.Warn("connection: asr close failed", zap.Error(err))
		return
	}
	if turnResult.FinalTranscript == "" {
		return
	}
	if err := c.writer.SendSTT(turnResult.FinalTranscript); err != nil {
		c.logger.Warn("connection: send stt failed", zap.Error(err))
	}
	c.startTurn(ctx, turnResult.FinalTranscript)
}

// startTurn runs one TurnEngine pass. Turns on one connection never
// overlap: a query that arrives while a turn is already in flight is
// dropped (not queued), mirroring the teacher's llmProcessing guard.
func (c *Connection) startTurn(ctx context.Context, query string) {
	c.mu.Lock()
	if c.turnRunning {
		c.mu.Unlock()
		c.logger.Warn("connection: turn already in progress, dropping query")
		return
	}
	c.turnRunning = true
	c.mu.Unlock()

	go func() {
		defer func() {
			c.mu.Lock()
			c.turnRunning = false
			c.mu.Unlock()
		}()
		if err := c.turnEngine.Run(ctx, query); err != nil {
			c.logger.Error("connection: turn failed", zap.Error(err))
			_ = c.writer.SendError("turn failed", false)
		}
	}()
}

// turnSink adapts Connection to turn.Sink, fanning First/Middle/Last
// into the TTS session and tracking the ttsPlaying flag VADGate needs
// for barge-in detection.
type turnSink struct {
	c *Connection
}

func (s *turnSink) First(ctx context.Context, sentenceID string) {
	s.c.mu.Lock()
	s.c.ttsPlaying = true
	s.c.mu.Unlock()
	s.c.pacedSender.Reset(sentenceID)
	if err := s.c.ttsSession.Start(ctx, sentenceID); err != nil {
		s.c.logger.Warn("connection: tts start failed", zap.Error(err))
	}
}

func (s *turnSink) Middle(ctx context.Context, sentenceID, text string) {
	if err := s.c.ttsSession.SendText(ctx, text); err != nil {
		s.c.logger.Warn("connection: tts send_text failed", zap.Error(err))
	}
}

func (s *turnSink) Last(ctx context.Context, sentenceID string) {
	if err := s.c.ttsSession.Finish(ctx); err != nil {
		s.c.logger.Warn("connection: tts finish failed", zap.Error(err))
	}
	s.c.mu.Lock()
	s.c.ttsPlaying = false
	s.c.mu.Unlock()
}

// idleWatch polls every 10s for inactivity beyond
// close_connection_no_voice_time + 60s, firing an optional farewell
// turn before closing. Grounded in spec.md §4.11.6/§5.
func (c *Connection) idleWatch(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	threshold := c.deps.Config.Connection.CloseConnectionNoVoiceTime + config.DefaultIdleGraceSeconds*time.Second
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.RLock()
			idle := time.Since(c.lastActivity)
			c.mu.RUnlock()
			if idle <= threshold {
				continue
			}
			c.logger.Info("connection: idle timeout reached", zap.Duration("idle", idle))
			if c.deps.Config.Connection.EndPrompt.Enable && c.turnEngine != nil {
				c.startTurn(ctx, c.deps.Config.Connection.EndPrompt.Text)
				time.Sleep(200 * time.Millisecond) // let the farewell turn's First land before teardown
			}
			c.cancel()
			return
		}
	}
}

// EnterBindMode marks the connection unbound: audio is discarded and a
// bind-code prompt is scheduled every bindPromptInterval via
// robfig/cron, per spec.md §4.11.5.
func (c *Connection) EnterBindMode(ctx context.Context, bindCode string, playPrompt func(code string)) {
	c.mu.Lock()
	c.needBind = true
	c.bindCode = bindCode
	c.mu.Unlock()

	if playPrompt == nil {
		return
	}
	c.bindCron = cron.New()
	interval := c.deps.Config.Connection.BindPromptInterval
	spec := fmt.Sprintf("@every %s", interval)
	_, _ = c.bindCron.AddFunc(spec, func() {
		c.mu.RLock()
		code := c.bindCode
		bound := !c.needBind
		c.mu.RUnlock()
		if bound {
			return
		}
		playPrompt(code)
	})
	c.bindCron.Start()
}

// ClearBindMode resumes normal audio handling once the device is
// bound.
func (c *Connection) ClearBindMode() {
	c.mu.Lock()
	c.needBind = false
	c.mu.Unlock()
	if c.bindCron != nil {
		c.bindCron.Stop()
	}
}

func (c *Connection) teardown() {
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return
	}
	c.active = false
	c.mu.Unlock()

	if c.bindCron != nil {
		c.bindCron.Stop()
	}
	if c.ttsSession != nil {
		_ = c.ttsSession.Close()
	}
	if c.writer != nil {
		_ = c.writer.Close()
	}

	// Fire-and-forget memory persistence, mirroring Stop()'s async save.
	go c.persistMemory()
}

func (c *Connection) persistMemory() {
	if c.dialogueStore == nil || c.deps.MemorySave == nil {
		return
	}
	var summary strings.Builder
	for _, msg := range c.dialogueStore.Messages() {
		if msg.Role != dialogue.RoleUser && msg.Role != dialogue.RoleAssistant {
			continue
		}
		if msg.Content == "" {
			continue
		}
		summary.WriteString(string(msg.Role))
		summary.WriteString(": ")
		summary.WriteString(msg.Content)
		summary.WriteString("\n")
	}
	if summary.Len() == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c.deps.MemorySave(ctx, c.params.DeviceID, summary.String())
}
