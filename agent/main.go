package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/go-chi/chi/v5"

	"github.com/animus-labs/conveyor/internal/platform/auth"
	"github.com/animus-labs/conveyor/internal/platform/env"
	"github.com/animus-labs/conveyor/internal/platform/httpserver"
	"github.com/animus-labs/conveyor/internal/runtimeexec"
)

const serviceName = "agent"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	httpCfg, err := httpserver.ConfigFromEnv(serviceName, "AGENT", ":8090")
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	agentCfg, err := runtimeexec.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid agent config", "error", err)
		os.Exit(2)
	}
	if len(agentCfg.LocalAgents) != 1 {
		logger.Error("invalid agent config", "error", "CONVEYOR_LOCAL_AGENTS must declare exactly one agent", "agents", len(agentCfg.LocalAgents))
		os.Exit(2)
	}
	workDir := strings.TrimSpace(env.String("AGENT_WORK_DIR", os.TempDir()))
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		logger.Error("work dir unavailable", "dir", workDir, "error", err)
		os.Exit(1)
	}
	authCfg, err := auth.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid auth config", "error", err)
		os.Exit(2)
	}
	authenticator, err := auth.New(ctx, authCfg)
	if err != nil {
		logger.Error("authenticator unavailable", "mode", authCfg.Mode, "error", err)
		os.Exit(1)
	}

	agent, err := agentCfg.NewLocal(agentCfg.LocalAgents[0])
	if err != nil {
		logger.Error("agent unavailable", "error", err)
		os.Exit(1)
	}

	router := chi.NewRouter()
	router.Get("/healthz", httpserver.Healthz(serviceName))
	router.Get("/readyz", httpserver.ReadyzWithChecks(serviceName))
	newAgentServer(logger, agent, workDir).register(router)

	handler := auth.Middleware{
		Logger:        logger,
		Authenticator: authenticator,
		Authorize:     auth.RouteAuthorizer(),
		SkipPrefixes:  []string{"/healthz", "/readyz"},
	}.Wrap(router)

	logger.Info("agent starting", "addr", httpCfg.Addr, "agent_id", agent.ID(), "kind", agent.Kind())
	if err := httpserver.Run(ctx, logger, httpCfg, httpserver.Wrap(logger, serviceName, handler)); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}
