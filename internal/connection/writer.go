// Package connection implements ConnectionHandler: the per-device
// WebSocket session that wires AuthVerifier, AudioFrameRouter,
// VADGate, ASRSession, DialogueStore, TurnEngine, TTSSession, and
// PacedSender together, grounded in
// pkg/hardwarefinal/protocol/session.go and writer.go.
package connection

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const writerBufferSize = 200

// Writer serializes all outbound traffic on one device WebSocket
// through two buffered channels, since gorilla's Conn forbids
// concurrent writers. Grounded on HardwareWriter's msgChan/binaryChan
// split.
type Writer struct {
	conn      *websocket.Conn
	logger    *zap.Logger
	sessionID string

	ctx    context.Context
	cancel context.CancelFunc
	text   chan []byte
	binary chan []byte
	done   chan struct{}
}

// NewWriter starts the write loops; Close must be called to release
// them.
func NewWriter(parent context.Context, conn *websocket.Conn, sessionID string, logger *zap.Logger) *Writer {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(parent)
	w := &Writer{
		conn: conn, logger: logger, sessionID: sessionID,
		ctx: ctx, cancel: cancel,
		text:   make(chan []byte, writerBufferSize),
		binary: make(chan []byte, writerBufferSize),
		done:   make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *Writer) run() {
	defer close(w.done)
	for {
		select {
		case <-w.ctx.Done():
			return
		case msg, ok := <-w.text:
			if !ok {
				return
			}
			if err := w.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				w.logger.Debug("connection: text write failed, closing writer", zap.Error(err))
				w.cancel()
				return
			}
		case frame, ok := <-w.binary:
			if !ok {
				return
			}
			if err := w.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				w.logger.Debug("connection: binary write failed, closing writer", zap.Error(err))
				w.cancel()
				return
			}
		}
	}
}

func (w *Writer) sendJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("connection: marshal outbound message: %w", err)
	}
	select {
	case <-w.ctx.Done():
		return w.ctx.Err()
	case w.text <- b:
		return nil
	}
}

// SendWelcome echoes the negotiated session to the device after hello.
func (w *Writer) SendWelcome(sessionID string, audioParams map[string]any, features map[string]any) error {
	msg := map[string]any{
		"type":         "hello",
		"version":      1,
		"transport":    "websocket",
		"session_id":   sessionID,
		"audio_params": audioParams,
	}
	if len(features) > 0 {
		msg["features"] = features
	}
	return w.sendJSON(msg)
}

// SendSTT publishes a sanitized ASR transcript.
func (w *Writer) SendSTT(text string) error {
	return w.sendJSON(map[string]any{"type": "stt", "text": text, "session_id": w.sessionID})
}

// SendTTSState implements tts.ProtocolSink: state is one of "start",
// "sentence_start", "stop".
func (w *Writer) SendTTSState(ctx context.Context, state, text string) error {
	msg := map[string]any{"type": "tts", "state": state, "session_id": w.sessionID}
	if state != "sentence_start" || text != "" {
		msg["text"] = text
	}
	return w.sendJSON(msg)
}

// SendAbortConfirmation acknowledges an in-band abort request.
func (w *Writer) SendAbortConfirmation() error {
	return w.sendJSON(map[string]any{"type": "abort", "state": "confirmed", "session_id": w.sessionID})
}

// SendError reports a protocol or fatal error; fatal errors precede a
// connection close.
func (w *Writer) SendError(message string, fatal bool) error {
	return w.sendJSON(map[string]any{"type": "error", "message": message, "fatal": fatal})
}

// SendServerAck replies to a type=server control message.
func (w *Writer) SendServerAck(action string, ok bool, message string) error {
	return w.sendJSON(map[string]any{"type": "server", "action": action, "success": ok, "message": message})
}

// SendMCPPayload wraps a device-hosted-MCP JSON-RPC envelope per the
// original protocol's {"type":"mcp","payload":...} framing. Implements
// tools.Sender.
func (w *Writer) SendMCPPayload(ctx context.Context, payload []byte) error {
	var raw json.RawMessage = payload
	return w.sendJSON(map[string]any{"type": "mcp", "payload": raw})
}

// SendAudio implements paced.Egress: writes one (already MQTT-header-
// wrapped, if applicable) opus frame as a binary message.
func (w *Writer) SendAudio(ctx context.Context, frame []byte) error {
	select {
	case <-w.ctx.Done():
		return w.ctx.Err()
	case w.binary <- frame:
		return nil
	}
}

// Close stops the write loops and closes the underlying socket.
func (w *Writer) Close() error {
	w.cancel()
	<-w.done
	return w.conn.Close()
}
