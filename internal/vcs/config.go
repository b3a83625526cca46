package vcs

import (
	"errors"
	"strings"
	"time"

	"github.com/animus-labs/conveyor/internal/platform/env"
)

type Config struct {
	Enabled      bool
	URL          string
	Dir          string
	Remote       string
	Branches     []string
	PollInterval time.Duration
}

func ConfigFromEnv() (Config, error) {
	enabled, err := env.Bool("CONVEYOR_VCS_ENABLED", false)
	if err != nil {
		return Config{}, err
	}
	interval, err := env.Duration("CONVEYOR_VCS_POLL_INTERVAL", time.Minute)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Enabled:      enabled,
		URL:          strings.TrimSpace(env.String("CONVEYOR_VCS_URL", "")),
		Dir:          strings.TrimSpace(env.String("CONVEYOR_VCS_DIR", "./data/vcs")),
		Remote:       strings.TrimSpace(env.String("CONVEYOR_VCS_REMOTE", "origin")),
		Branches:     env.List("CONVEYOR_VCS_BRANCHES", ",", nil),
		PollInterval: interval,
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Dir == "" {
		return errors.New("CONVEYOR_VCS_DIR is required")
	}
	if c.PollInterval <= 0 {
		return errors.New("CONVEYOR_VCS_POLL_INTERVAL must be > 0")
	}
	return nil
}
