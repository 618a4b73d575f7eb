// Command gateway runs the voice-dialogue WebSocket server: it loads
// configuration from the environment, wires the shared process-wide
// modules (auth, tools, memory cache, LLM client), and serves device
// connections until terminated.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/lingecho/voicebridge/internal/audio"
	"github.com/lingecho/voicebridge/internal/auth"
	"github.com/lingecho/voicebridge/internal/config"
	"github.com/lingecho/voicebridge/internal/connection"
	"github.com/lingecho/voicebridge/internal/llm"
	"github.com/lingecho/voicebridge/internal/logging"
	"github.com/lingecho/voicebridge/internal/memory"
	"github.com/lingecho/voicebridge/internal/server"
	"github.com/lingecho/voicebridge/internal/tools"
	"github.com/lingecho/voicebridge/internal/vad"
	"github.com/lingecho/voicebridge/internal/vadlocal"
)

// serverMCPFile is the shape of data/.mcp_server_settings.json
// (spec.md §6 "Environment and persisted state").
type serverMCPFile struct {
	Servers []tools.ServerConfig `json:"servers"`
}

func main() {
	cfg := (&config.Config{}).ApplyDefaults()
	config.FromEnv(envMap(), cfg)

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logging init failed:", err)
		os.Exit(1)
	}
	defer logger.Sync()

	verifier := auth.New(cfg.Auth.Secret, cfg.Auth.ExpirySeconds)
	allowList := auth.NewAllowList(cfg.Auth.AllowListDeviceIDs)

	localTools := tools.NewLocalSource()
	tools.RegisterWeatherTool(localTools, http.DefaultClient)
	tools.RegisterGoodbyeTool(localTools, func() error { return nil })

	serverMCPSource := loadServerMCP(cfg, logger)

	openaiClient := newOpenAIClient(cfg)

	memStore := memory.NewStore(newRedisClient(cfg), logging.Component(logger, "memory"))

	sharedVADCodec, err := audio.NewOpusCodec(16000, 1)
	if err != nil {
		logger.Fatal("failed to construct shared opus codec", zap.Error(err))
	}
	sharedVAD := vadlocal.NewEnergyDetector(sharedVADCodec, 0)

	deps := func(deviceID string) connection.Dependencies {
		return connection.Dependencies{
			Config:      cfg,
			Verifier:    verifier,
			AllowList:   allowList,
			VADProvider: vadProvider(sharedVAD),
			// ASRFactory/TTSDialer are left nil: concrete ASR/TTS vendor
			// wire protocols are provider plug-ins outside this gateway's
			// scope (spec.md §1) and must be supplied by a deployment's
			// own vendor adapter package.
			ASRFactory:      nil,
			ASRDecoder:      sharedVADCodec,
			TTSDialer:       nil,
			TTSCodec:        sharedVADCodec,
			NewLLMEngine:    func(deviceID string) *llm.Engine { return newLLMEngine(cfg, openaiClient) },
			MemoryQuery:     memStore.Query(deviceID),
			MemorySave:      memStore.Save,
			LocalTools:      localTools,
			ServerMCPSource: serverMCPSource,
			SystemPrompt:    os.Getenv("SYSTEM_PROMPT"),
		}
	}

	metrics := server.NewMetrics(prometheus.DefaultRegisterer)

	newConnection := func(conn *websocket.Conn, params connection.Params) *connection.Connection {
		return connection.New(conn, params, deps(params.DeviceID), logging.Component(logger, "connection"))
	}

	srv := server.New(cfg, logging.Component(logger, "server"), metrics, newConnection)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger.Info("gateway listening", zap.String("addr", cfg.Server.ListenAddr))
	if err := srv.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Fatal("gateway server exited", zap.Error(err))
	}
}

func vadProvider(d *vadlocal.EnergyDetector) vad.Provider { return d }

func newOpenAIClient(cfg *config.Config) *openai.Client {
	apiKey := os.Getenv("OPENAI_API_KEY")
	baseURL := os.Getenv("OPENAI_BASE_URL")
	oc := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		oc.BaseURL = baseURL
	}
	return openai.NewClientWithConfig(oc)
}

func newLLMEngine(cfg *config.Config, client *openai.Client) *llm.Engine {
	model := os.Getenv("LLM_MODEL")
	if model == "" {
		model = "gpt-4o-mini"
	}
	return llm.New(client, model, llm.Params{})
}

func newRedisClient(cfg *config.Config) *redis.Client {
	if !cfg.Redis.Enabled {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
}

func loadServerMCP(cfg *config.Config, logger *zap.Logger) tools.Source {
	path := cfg.Tools.MCPServerSettingsPath
	if path == "" {
		path = cfg.Assets.DataDir + "/.mcp_server_settings.json"
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		logger.Debug("no server_mcp settings found, skipping", zap.String("path", path))
		return nil
	}
	var parsed serverMCPFile
	if err := json.Unmarshal(raw, &parsed); err != nil {
		logger.Warn("server_mcp settings malformed, skipping", zap.Error(err))
		return nil
	}

	registry := tools.New()
	for _, cfgEntry := range parsed.Servers {
		client := tools.NewServerMCPClient(cfgEntry, tools.DialMCPServer, logging.Component(logger, "servermcp"),
			cfg.Tools.ServerMCPMaxRetries, cfg.Tools.ServerMCPRetryBackoff)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := client.Connect(ctx); err != nil {
			logger.Warn("server_mcp connect failed", zap.String("server", cfgEntry.Name), zap.Error(err))
			cancel()
			continue
		}
		cancel()
		registry.Import(client)
	}
	return registry
}

func envMap() map[string]string {
	out := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			out[k] = v
		}
	}
	return out
}
