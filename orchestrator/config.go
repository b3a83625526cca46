package main

import (
	"errors"
	"strings"
	"time"

	"github.com/animus-labs/conveyor/internal/platform/env"
)

type schedulerConfig struct {
	PipelinesDir      string
	ReloadDelay       time.Duration
	CapabilityTimeout time.Duration
	SweepInterval     time.Duration
	WorkspaceDir      string
	KeepWorkspaces    bool
	StageTimeout      time.Duration
	ArchiveLimit      int
}

func schedulerConfigFromEnv() (schedulerConfig, error) {
	capTimeout, err := env.Duration("CONVEYOR_CAPABILITY_TIMEOUT", 10*time.Minute)
	if err != nil {
		return schedulerConfig{}, err
	}
	sweep, err := env.Duration("CONVEYOR_SWEEP_INTERVAL", 5*time.Second)
	if err != nil {
		return schedulerConfig{}, err
	}
	reload, err := env.Duration("CONVEYOR_PIPELINES_RELOAD_DELAY", 500*time.Millisecond)
	if err != nil {
		return schedulerConfig{}, err
	}
	stageTimeout, err := env.Duration("CONVEYOR_STAGE_TIMEOUT", 0)
	if err != nil {
		return schedulerConfig{}, err
	}
	keep, err := env.Bool("CONVEYOR_KEEP_WORKSPACES", false)
	if err != nil {
		return schedulerConfig{}, err
	}
	archive, err := env.Int("CONVEYOR_ARCHIVE_LIMIT", 1000)
	if err != nil {
		return schedulerConfig{}, err
	}
	cfg := schedulerConfig{
		PipelinesDir:      strings.TrimSpace(env.String("CONVEYOR_PIPELINES_DIR", "./pipelines")),
		ReloadDelay:       reload,
		CapabilityTimeout: capTimeout,
		SweepInterval:     sweep,
		WorkspaceDir:      strings.TrimSpace(env.String("CONVEYOR_WORKSPACE_DIR", "./data/workspaces")),
		KeepWorkspaces:    keep,
		StageTimeout:      stageTimeout,
		ArchiveLimit:      archive,
	}
	if err := cfg.Validate(); err != nil {
		return schedulerConfig{}, err
	}
	return cfg, nil
}

func (c schedulerConfig) Validate() error {
	if c.PipelinesDir == "" {
		return errors.New("CONVEYOR_PIPELINES_DIR is required")
	}
	if c.WorkspaceDir == "" {
		return errors.New("CONVEYOR_WORKSPACE_DIR is required")
	}
	if c.CapabilityTimeout <= 0 {
		return errors.New("CONVEYOR_CAPABILITY_TIMEOUT must be > 0")
	}
	if c.SweepInterval <= 0 {
		return errors.New("CONVEYOR_SWEEP_INTERVAL must be > 0")
	}
	if c.StageTimeout < 0 {
		return errors.New("CONVEYOR_STAGE_TIMEOUT must be >= 0")
	}
	if c.ArchiveLimit < 1 {
		return errors.New("CONVEYOR_ARCHIVE_LIMIT must be >= 1")
	}
	return nil
}
