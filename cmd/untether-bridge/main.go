// Command untether-bridge is the chat-bridge daemon's entrypoint: it loads
// the JSONC configuration, wires the registry/planmode/cost/bridge
// collaborators to a live Telegram transport, mounts the webhook trigger
// and Prometheus metrics endpoint, starts the cron trigger, and runs until
// a signal requests a graceful drain.
//
// Grounded on main()'s subcommand dispatch and graceful-shutdown sequence
// in the teacher's cmd/server/main.go: a top-level os.Args[1] switch for
// auxiliary subcommands (here: "token"), falling through to the long-running
// serve path, which starts the HTTP server in a goroutine and selects
// between a server error and a shutdown signal.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"github.com/riverrun/untether/internal/auth"
	"github.com/riverrun/untether/internal/bridge"
	"github.com/riverrun/untether/internal/config"
	"github.com/riverrun/untether/internal/cost"
	"github.com/riverrun/untether/internal/logger"
	"github.com/riverrun/untether/internal/mcpsurface"
	"github.com/riverrun/untether/internal/metrics"
	"github.com/riverrun/untether/internal/model"
	"github.com/riverrun/untether/internal/planmode"
	"github.com/riverrun/untether/internal/registry"
	"github.com/riverrun/untether/internal/runner"
	"github.com/riverrun/untether/internal/runner/claudeengine"
	"github.com/riverrun/untether/internal/runner/droidengine"
	"github.com/riverrun/untether/internal/sandbox/docker"
	"github.com/riverrun/untether/internal/session"
	"github.com/riverrun/untether/internal/shutdown"
	"github.com/riverrun/untether/internal/trigger/cron"
	"github.com/riverrun/untether/internal/trigger/webhook"
	"github.com/riverrun/untether/internal/transport"
	"github.com/riverrun/untether/internal/transport/telegram"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Version is set at build time via -ldflags "-X main.Version=v1.0.0".
var Version = "dev"

func main() {
	if len(os.Args) > 1 && os.Args[1] == "token" {
		cmdToken(os.Args[2:])
		return
	}
	cmdServe(os.Args[1:])
}

func cmdServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "untether.jsonc", "path to the JSONC configuration file")
	dataDir := fs.String("data-dir", "data", "directory for persisted state (sessions, tokens, schedules, logs)")
	_ = fs.Parse(args)

	if err := logger.InitSlog(filepath.Join(*dataDir, "logs"), false); err != nil {
		fmt.Fprintf(os.Stderr, "untether-bridge: logger init: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.CloseSlog() }()
	if err := logger.Init(filepath.Join(*dataDir, "logs")); err != nil {
		fmt.Fprintf(os.Stderr, "untether-bridge: logger init: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Close() }()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("load config %s: %v", *configPath, err)
		os.Exit(1)
	}

	sessionStore, err := session.NewStore(*dataDir)
	if err != nil {
		logger.Error("open session store: %v", err)
		os.Exit(1)
	}
	defer func() { _ = sessionStore.Close() }()

	authStore, err := auth.NewStore(*dataDir)
	if err != nil {
		logger.Error("open auth store: %v", err)
		os.Exit(1)
	}
	defer func() { _ = authStore.Close() }()

	cronStore, err := cron.NewStore(*dataDir)
	if err != nil {
		logger.Error("open cron store: %v", err)
		os.Exit(1)
	}
	defer func() { _ = cronStore.Close() }()

	reg := registry.New()
	pm := planmode.New(reg)
	costs := cost.NewTracker()

	engines := map[model.EngineID]runner.Engine{
		"claude": claudeengine.Engine{ClaudeCmd: cfg.Engines["claude"].Command},
		"droid":  droidengine.Engine{Cmd: cfg.Engines["droid"].Command},
	}

	var sandbox runner.Sandbox
	if claudeCfg, ok := cfg.Engines["claude"]; ok && claudeCfg.Sandbox == "docker" {
		dsb, err := docker.New(cfg.WorkDir)
		if err != nil {
			logger.Error("init docker sandbox: %v", err)
			os.Exit(1)
		}
		defer dsb.Close()
		sandbox = dsb
	}

	bridgeCfg := bridge.Config{
		DefaultEngine: model.EngineID(cfg.DefaultEngine),
		Preamble:      cfg.Preamble.Text,
		UseAPIBilling: cfg.UseAPIBilling,
		WorkDir:       cfg.WorkDir,
		MaxActions:    cfg.Progress.MaxActions,
	}
	if claudeCfg, ok := cfg.Engines[cfg.DefaultEngine]; ok {
		bridgeCfg.PermissionMode = claudeCfg.PermissionMode
		bridgeCfg.AllowedTools = claudeCfg.AllowedTools
		bridgeCfg.Model = claudeCfg.Model
	}
	if cfg.Cost.MaxPerRun != nil || cfg.Cost.MaxPerDay != nil {
		budget := cfg.Cost.Budget()
		bridgeCfg.Budget = &budget
	}

	if cfg.Telegram.BotToken == "" {
		logger.Error("telegram.bot_token is required in %s", *configPath)
		os.Exit(1)
	}
	tgTransport, err := telegram.New(telegram.Config{
		BotToken:       cfg.Telegram.BotToken,
		ChatID:         cfg.Telegram.ChatID,
		AllowedUserIDs: cfg.Telegram.AllowedUserIDs,
	})
	if err != nil {
		logger.Error("connect telegram: %v", err)
		os.Exit(1)
	}

	br := bridge.New(tgTransport, engines, bridgeCfg, sessionStore, reg, pm, sandbox, costs)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go tgTransport.Run(ctx, br)

	cronRunner := cron.NewRunner(cronStore, br)
	cronRunner.Start()

	hub := mcpsurface.NewHub()
	mcpServer := mcp.NewServer(&mcp.Implementation{Name: "untether-bridge", Version: Version}, nil)
	if err := mcpsurface.RegisterInspectSession(mcpServer, hub); err != nil {
		logger.Error("register inspect_session tool: %v", err)
		os.Exit(1)
	}
	mcpHandler := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return mcpServer }, nil)

	httpServer := buildHTTPServer(cfg, authStore, br, mcpHandler)
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("untether-bridge: listening on %s", cfg.WebhookAddr)
		serverErr <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serverErr:
		if err != nil && err != http.ErrServerClosed {
			logger.Error("http server: %v", err)
			os.Exit(1)
		}
	case <-ctx.Done():
		logger.Info("untether-bridge: shutdown signal received, draining active runs...")
		shutdown.Request()

		drainCtx, cancel := context.WithTimeout(context.Background(), shutdown.DrainTimeout)
		clean := shutdown.Wait(drainCtx, reg, time.Second)
		cancel()
		if !clean {
			logger.Error("untether-bridge: drain timed out with sessions still active")
		}

		cronRunner.Stop()
		shutdownCtx, cancelHTTP := context.WithTimeout(context.Background(), 10*time.Second)
		_ = httpServer.Shutdown(shutdownCtx)
		cancelHTTP()

		if !clean {
			os.Exit(1)
		}
	}
}

// buildHTTPServer mounts the webhook trigger and the Prometheus metrics
// endpoint on one gorilla/mux router, matching the teacher's single
// net/http.Server-per-process shape.
func buildHTTPServer(cfg *config.Config, authStore *auth.Store, br *bridge.Bridge, mcpHandler http.Handler) *http.Server {
	router := mux.NewRouter()
	router.Use(metrics.Middleware)

	hooks := hookRegistry(cfg.Hooks)
	limiter := auth.DefaultRateLimiter()
	webhook.NewHandler(hooks, br, limiter).Mount(router, authStore)

	router.Handle("/metrics", metrics.Handler())
	router.PathPrefix("/mcp").Handler(mcpHandler)

	addr := cfg.WebhookAddr
	if addr == "" {
		addr = ":8443"
	}
	return &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// hookRegistry adapts a config-file hookID->chatID map directly into
// webhook.HookRegistry; the mapping is read-only at runtime so no
// persistence layer is needed beyond the config file itself.
type hookRegistry map[string]string

func (h hookRegistry) ChatForHook(hookID string) (string, bool) {
	chatID, ok := h[hookID]
	return chatID, ok
}

var _ transport.Dispatcher = (*bridge.Bridge)(nil)
