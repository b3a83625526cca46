package runtimeexec

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2/clientcredentials"

	"github.com/animus-labs/conveyor/internal/agents"
	"github.com/animus-labs/conveyor/internal/platform/env"
)

const (
	KindLocal  = "local"
	KindDocker = "docker"
	KindDryRun = "dryrun"
)

// Config describes the agents an orchestrator registers at startup.
type Config struct {
	// LocalKind selects how LocalAgents execute: local, docker or dryrun.
	LocalKind   string
	LocalAgents []AgentSpec
	Shell       string
	DockerBin   string
	DockerImage string

	DryRunFailureRate float64
	DryRunDelay       time.Duration

	RemoteAgents  []string
	RemoteTimeout time.Duration
	TokenURL      string
	ClientID      string
	ClientSecret  string
	Scopes        []string
}

func ConfigFromEnv() (Config, error) {
	specs, err := ParseAgentSpecs(env.String("CONVEYOR_LOCAL_AGENTS", "local-1:"))
	if err != nil {
		return Config{}, err
	}
	delay, err := env.Duration("CONVEYOR_DRYRUN_DELAY", 0)
	if err != nil {
		return Config{}, err
	}
	remoteTimeout, err := env.Duration("CONVEYOR_AGENT_TIMEOUT", 30*time.Minute)
	if err != nil {
		return Config{}, err
	}
	rate, err := parseRate(env.String("CONVEYOR_DRYRUN_FAILURE_RATE", "0"))
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		LocalKind:         strings.ToLower(strings.TrimSpace(env.String("CONVEYOR_AGENT_KIND", KindLocal))),
		LocalAgents:       specs,
		Shell:             env.String("CONVEYOR_AGENT_SHELL", "sh"),
		DockerBin:         env.String("CONVEYOR_DOCKER_BIN", "docker"),
		DockerImage:       env.String("CONVEYOR_DOCKER_IMAGE", "alpine:3.19"),
		DryRunFailureRate: rate,
		DryRunDelay:       delay,
		RemoteAgents:      env.List("CONVEYOR_REMOTE_AGENTS", ",", nil),
		RemoteTimeout:     remoteTimeout,
		TokenURL:          strings.TrimSpace(env.String("CONVEYOR_AGENT_TOKEN_URL", "")),
		ClientID:          strings.TrimSpace(env.String("CONVEYOR_AGENT_CLIENT_ID", "")),
		ClientSecret:      env.String("CONVEYOR_AGENT_CLIENT_SECRET", ""),
		Scopes:            env.List("CONVEYOR_AGENT_SCOPES", ",", nil),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.LocalKind {
	case KindLocal, KindDocker, KindDryRun:
	default:
		return fmt.Errorf("CONVEYOR_AGENT_KIND must be one of: local, docker, dryrun (got %q)", c.LocalKind)
	}
	if c.DryRunFailureRate < 0 || c.DryRunFailureRate > 1 {
		return errors.New("CONVEYOR_DRYRUN_FAILURE_RATE must be within [0,1]")
	}
	if len(c.LocalAgents) == 0 && len(c.RemoteAgents) == 0 {
		return errors.New("at least one local or remote agent is required")
	}
	if c.TokenURL != "" && c.ClientID == "" {
		return errors.New("CONVEYOR_AGENT_CLIENT_ID is required when CONVEYOR_AGENT_TOKEN_URL is set")
	}
	return nil
}

// Credentials returns the OAuth2 client credentials for remote agents, or
// nil when none are configured.
func (c Config) Credentials() *clientcredentials.Config {
	if c.TokenURL == "" {
		return nil
	}
	return &clientcredentials.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		TokenURL:     c.TokenURL,
		Scopes:       c.Scopes,
	}
}

// NewLocal builds one in-process agent of the configured kind.
func (c Config) NewLocal(spec AgentSpec) (agents.Agent, error) {
	switch c.LocalKind {
	case KindDocker:
		return NewDockerAgent(spec, c.DockerBin, c.DockerImage)
	case KindDryRun:
		return NewDryRunAgent(spec, c.DryRunFailureRate, c.DryRunDelay)
	default:
		return NewLocalAgent(spec, c.Shell)
	}
}

// BuildAgents constructs every configured agent. Remote agents are dialled
// once to learn their capabilities.
func BuildAgents(ctx context.Context, cfg Config) ([]agents.Agent, error) {
	out := make([]agents.Agent, 0, len(cfg.LocalAgents)+len(cfg.RemoteAgents))
	for _, spec := range cfg.LocalAgents {
		a, err := cfg.NewLocal(spec)
		if err != nil {
			return nil, fmt.Errorf("agent %s: %w", spec.ID, err)
		}
		out = append(out, a)
	}
	if len(cfg.RemoteAgents) == 0 {
		return out, nil
	}
	client := NewHTTPClient(ctx, cfg.Credentials(), cfg.RemoteTimeout)
	for _, url := range cfg.RemoteAgents {
		a, err := DialRemoteAgent(ctx, url, client)
		if err != nil {
			return nil, fmt.Errorf("remote agent %s: %w", url, err)
		}
		out = append(out, a)
	}
	return out, nil
}

func parseRate(raw string) (float64, error) {
	rate, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0, fmt.Errorf("parse CONVEYOR_DRYRUN_FAILURE_RATE: %w", err)
	}
	return rate, nil
}
