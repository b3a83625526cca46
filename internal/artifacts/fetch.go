package artifacts

import (
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/animus-labs/conveyor/internal/domain"
)

// Placement copies one published path to a workspace-relative target.
type Placement struct {
	Source string
	Target string
}

// Archive packs placements into a zip at Path; entry names are Targets.
type Archive struct {
	Path    string
	Entries []Placement
}

type FetchPlan struct {
	Files    []Placement
	Archives []Archive
}

func (p FetchPlan) Empty() bool {
	return len(p.Files) == 0 && len(p.Archives) == 0
}

// Fetch resolves an artifact edge's rules against the producer's manifest.
// Structure below each rule's pattern base is preserved. A nil manifest,
// as for a skipped producer, yields an empty plan.
func Fetch(edge domain.Edge, manifest *domain.Manifest) (FetchPlan, error) {
	if manifest == nil {
		return FetchPlan{}, nil
	}
	published := manifest.Paths()
	plan := FetchPlan{}
	archives := make(map[string]*Archive)
	claimed := make(map[string]string)

	for _, rule := range edge.Artifacts {
		m, err := compilePattern(rule.Source)
		if err != nil {
			return FetchPlan{}, err
		}
		dest := normalizePath(rule.Destination)
		if dest == "" {
			dest = "."
		}
		if dest == ".." || strings.HasPrefix(dest, "../") {
			return FetchPlan{}, fmt.Errorf("artifact destination %q escapes the workspace", rule.Destination)
		}
		zipped := strings.HasSuffix(strings.ToLower(dest), ".zip")

		for _, src := range published {
			if !m.match(src) {
				continue
			}
			rel := m.relative(src)
			if zipped {
				arch, ok := archives[dest]
				if !ok {
					arch = &Archive{Path: dest}
					archives[dest] = arch
				}
				arch.Entries = append(arch.Entries, Placement{Source: src, Target: rel})
				continue
			}
			target := path.Clean(path.Join(dest, rel))
			if prev, ok := claimed[target]; ok && prev != src {
				return FetchPlan{}, fmt.Errorf("artifact target %q claimed by %q and %q", target, prev, src)
			}
			claimed[target] = src
			plan.Files = append(plan.Files, Placement{Source: src, Target: target})
		}
	}

	for _, arch := range archives {
		sort.Slice(arch.Entries, func(i, j int) bool { return arch.Entries[i].Target < arch.Entries[j].Target })
		plan.Archives = append(plan.Archives, *arch)
	}
	sort.Slice(plan.Archives, func(i, j int) bool { return plan.Archives[i].Path < plan.Archives[j].Path })
	sort.Slice(plan.Files, func(i, j int) bool { return plan.Files[i].Target < plan.Files[j].Target })
	return plan, nil
}
