package vcs

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/animus-labs/conveyor/internal/domain"
)

// Source lists branch tips.
type Source interface {
	Revisions(ctx context.Context) ([]domain.RevisionEvent, error)
}

// Poller turns branch tip listings into revision events. The first poll
// only records a baseline.
type Poller struct {
	source Source
	logger *slog.Logger

	mu       sync.Mutex
	tips     map[string]string
	baseline bool
}

func NewPoller(source Source, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{source: source, logger: logger, tips: make(map[string]string)}
}

// Poll returns one event per branch whose tip moved since the last poll.
func (p *Poller) Poll(ctx context.Context) ([]domain.RevisionEvent, error) {
	revs, err := p.source.Revisions(ctx)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]domain.RevisionEvent, 0)
	for _, rev := range revs {
		prev, known := p.tips[rev.Branch]
		p.tips[rev.Branch] = rev.RevisionID
		if !p.baseline || (known && prev == rev.RevisionID) {
			continue
		}
		out = append(out, rev)
	}
	p.baseline = true
	return out, nil
}

// Run polls every interval and hands new revisions to handle until ctx is
// done. Poll errors are logged and retried on the next tick.
func (p *Poller) Run(ctx context.Context, interval time.Duration, handle func(context.Context, domain.RevisionEvent)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		events, err := p.Poll(ctx)
		if err != nil {
			p.logger.Warn("vcs poll failed", "error", err)
		}
		for _, ev := range events {
			p.logger.Info("revision observed", "branch", ev.Branch, "revision", ev.RevisionID)
			handle(ctx, ev)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
