// Package server implements Server: the process entry point that
// accepts device WebSocket connections and hands each one to a fresh
// connection.Connection, grounded in
// pkg/hardwarefinal/handler/handler.go.
package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/lingecho/voicebridge/internal/config"
	"github.com/lingecho/voicebridge/internal/connection"
)

const livenessBody = "voicebridge gateway: ok\n"

// NewConnection builds a Connection (and its Dependencies) for one
// accepted device socket. Vendor wiring (ASR/TTS/LLM factories, shared
// VAD, tool sources) is assembled by the caller and closed over here,
// keeping Server itself vendor-agnostic.
type NewConnection func(conn *websocket.Conn, params connection.Params) *connection.Connection

// Server owns the listening socket and liveness/metrics endpoints.
type Server struct {
	cfg           *config.Config
	logger        *zap.Logger
	metrics       *Metrics
	upgrader      websocket.Upgrader
	newConnection NewConnection
}

// New constructs a Server. metrics may be nil to disable /metrics.
func New(cfg *config.Config, logger *zap.Logger, metrics *Metrics, newConnection NewConnection) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cfg:           cfg,
		logger:        logger,
		metrics:       metrics,
		newConnection: newConnection,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Handler returns the root HTTP handler: WebSocket upgrade on "/",
// plain-text liveness for any other request, and /metrics when
// metrics are enabled.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRoot)
	if s.metrics != nil && s.cfg.Server.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
	}
	return mux
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte(livenessBody))
		return
	}

	params := s.resolveParams(r)
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("server: websocket upgrade failed", zap.Error(err))
		return
	}

	if s.metrics != nil {
		s.metrics.ConnectionsOpened.Inc()
		s.metrics.ConnectionsActive.Inc()
	}

	handler := s.newConnection(conn, params)
	go func() {
		defer func() {
			if s.metrics != nil {
				s.metrics.ConnectionsActive.Dec()
			}
		}()
		if err := handler.Run(r.Context()); err != nil {
			s.logger.Debug("server: connection ended", zap.Error(err))
		}
	}()
}

// resolveParams extracts device-id/client-id/authorization from
// headers, falling back to URL query parameters, and resolves the
// client IP honoring x-real-ip/x-forwarded-for. Grounded in spec.md
// §4.11.1/§4.12 and §6's "URL may carry ... as query parameters as a
// fallback to headers".
func (s *Server) resolveParams(r *http.Request) connection.Params {
	get := func(header, query string) string {
		if v := r.Header.Get(header); v != "" {
			return v
		}
		return r.URL.Query().Get(query)
	}

	return connection.Params{
		DeviceID:        get("device-id", "device-id"),
		ClientID:        get("client-id", "client-id"),
		Authorization:   get("authorization", "authorization"),
		ClientIP:        clientIP(r),
		FromMQTTGateway: strings.Contains(r.URL.RawQuery, "from=mqtt_gateway"),
	}
}

func clientIP(r *http.Request) string {
	if v := r.Header.Get("x-real-ip"); v != "" {
		return v
	}
	if v := r.Header.Get("x-forwarded-for"); v != "" {
		if idx := strings.IndexByte(v, ','); idx >= 0 {
			return strings.TrimSpace(v[:idx])
		}
		return strings.TrimSpace(v)
	}
	host := r.RemoteAddr
	if idx := strings.LastIndexByte(host, ':'); idx >= 0 {
		return host[:idx]
	}
	return host
}

// Run starts the HTTP listener and blocks until ctx is cancelled or
// ListenAndServe returns an error.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{Addr: s.cfg.Server.ListenAddr, Handler: s.Handler()}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		return srv.Close()
	case err := <-errc:
		return err
	}
}
