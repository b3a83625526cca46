package governor

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/semaphore"
)

var ErrUnknownClass = errors.New("unknown concurrency class")

// Governor caps how many stages of the same concurrency class run at once,
// across all runs in the process. Stages without a class bypass it.
type Governor struct {
	mu      sync.Mutex
	classes map[string]*class
}

type class struct {
	max   int
	sem   *semaphore.Weighted
	inUse int
	// excess counts held slots above a lowered ceiling. Their releases are
	// absorbed instead of returned to sem.
	excess int
}

// Usage is a point-in-time view of one class.
type Usage struct {
	Name        string `json:"name"`
	MaxInFlight int    `json:"maxInFlight"`
	InUse       int    `json:"inUse"`
}

func New() *Governor {
	return &Governor{classes: make(map[string]*class)}
}

// Register declares a class ceiling. The latest registration wins: a changed
// ceiling applies to new acquisitions while held slots stay held, so after
// lowering it no slot is granted until usage drops below the new value.
func (g *Governor) Register(name string, maxInFlight int) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("class name is required")
	}
	if maxInFlight < 1 {
		return fmt.Errorf("class %q maxInFlight must be >= 1", name)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	existing, ok := g.classes[name]
	if !ok {
		g.classes[name] = &class{max: maxInFlight, sem: semaphore.NewWeighted(int64(maxInFlight))}
		return nil
	}
	if existing.max != maxInFlight {
		existing.resize(maxInFlight)
	}
	return nil
}

func (c *class) resize(maxInFlight int) {
	held := c.inUse
	c.excess = 0
	if held > maxInFlight {
		c.excess = held - maxInFlight
		held = maxInFlight
	}
	c.max = maxInFlight
	c.sem = semaphore.NewWeighted(int64(maxInFlight))
	if held > 0 {
		c.sem.TryAcquire(int64(held))
	}
}

// TryAcquire takes one slot without blocking. An empty class name always
// succeeds.
func (g *Governor) TryAcquire(name string) (bool, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return true, nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	c, ok := g.classes[name]
	if !ok {
		return false, fmt.Errorf("%w: %q", ErrUnknownClass, name)
	}
	if !c.sem.TryAcquire(1) {
		return false, nil
	}
	c.inUse++
	return true, nil
}

// Release returns one slot. Releasing a class with nothing in flight is
// ignored so duplicate completion callbacks cannot widen the ceiling.
func (g *Governor) Release(name string) {
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	c, ok := g.classes[name]
	if !ok || c.inUse == 0 {
		return
	}
	c.inUse--
	if c.excess > 0 {
		c.excess--
		return
	}
	c.sem.Release(1)
}

// InUse returns the number of slots currently held for name.
func (g *Governor) InUse(name string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if c, ok := g.classes[strings.TrimSpace(name)]; ok {
		return c.inUse
	}
	return 0
}

// Snapshot lists all classes sorted by name.
func (g *Governor) Snapshot() []Usage {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Usage, 0, len(g.classes))
	for name, c := range g.classes {
		out = append(out, Usage{Name: name, MaxInFlight: c.max, InUse: c.inUse})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
