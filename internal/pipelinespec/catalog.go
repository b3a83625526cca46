package pipelinespec

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/animus-labs/conveyor/internal/domain"
)

var ErrPipelineNotFound = errors.New("pipeline not found")

// Catalog holds the loaded pipelines. A reload that fails keeps the
// previous set.
type Catalog struct {
	dir    string
	logger *slog.Logger

	mu        sync.RWMutex
	pipelines map[string]domain.Pipeline
	loadedAt  time.Time
}

func NewCatalog(dir string, logger *slog.Logger) (*Catalog, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Catalog{dir: strings.TrimSpace(dir), logger: logger}
	if c.dir == "" {
		return nil, errors.New("pipelines dir is required")
	}
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// Static builds a catalog over fixed pipelines. Reload is a no-op.
func Static(pipelines ...domain.Pipeline) *Catalog {
	c := &Catalog{logger: slog.Default(), pipelines: make(map[string]domain.Pipeline, len(pipelines)), loadedAt: time.Now().UTC()}
	for _, p := range pipelines {
		c.pipelines[p.ID] = p
	}
	return c
}

func (c *Catalog) Reload() error {
	if c.dir == "" {
		return nil
	}
	loaded, err := LoadDir(c.dir)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.pipelines = loaded
	c.loadedAt = time.Now().UTC()
	c.mu.Unlock()
	c.logger.Info("pipelines loaded", "dir", c.dir, "count", len(loaded))
	return nil
}

func (c *Catalog) Get(id string) (domain.Pipeline, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.pipelines[strings.TrimSpace(id)]
	if !ok {
		return domain.Pipeline{}, fmt.Errorf("%w: %s", ErrPipelineNotFound, id)
	}
	return p, nil
}

// List returns all pipelines sorted by id.
func (c *Catalog) List() []domain.Pipeline {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]domain.Pipeline, 0, len(c.pipelines))
	for _, p := range c.pipelines {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Watch reloads the catalog when pipeline files change, debounced by
// delay, until ctx is done.
func (c *Catalog) Watch(ctx context.Context, delay time.Duration) error {
	if c.dir == "" {
		<-ctx.Done()
		return nil
	}
	if delay <= 0 {
		delay = 250 * time.Millisecond
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(c.dir); err != nil {
		return fmt.Errorf("watch %s: %w", c.dir, err)
	}

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !isPipelineFile(filepath.Base(ev.Name)) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(delay)
			} else {
				timer.Reset(delay)
			}
			fire = timer.C
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			c.logger.Warn("pipeline watcher error", "error", err)
		case <-fire:
			fire = nil
			if err := c.Reload(); err != nil {
				c.logger.Error("pipeline reload failed, keeping previous set", "error", err)
			}
		}
	}
}
