package artifacts

import (
	"fmt"
	"sort"
	"strings"

	"github.com/animus-labs/conveyor/internal/domain"
)

// Publish matches a stage's declared patterns against the files its
// workspace produced. Files are slash-separated paths relative to the
// workspace root. When a mandatory pattern matches nothing the manifest is
// still returned, with the error wrapping domain.ErrPublishIncomplete.
func Publish(runID, stageID string, patterns []domain.ArtifactPattern, files []string) (domain.Manifest, error) {
	manifest := domain.Manifest{
		RunID:   strings.TrimSpace(runID),
		StageID: strings.TrimSpace(stageID),
		Entries: make([]domain.ManifestEntry, 0, len(patterns)),
	}

	normalized := make([]string, 0, len(files))
	for _, file := range files {
		if p := normalizePath(file); p != "" && p != "." && !strings.HasPrefix(p, "../") {
			normalized = append(normalized, p)
		}
	}
	sort.Strings(normalized)

	for _, pattern := range patterns {
		m, err := compilePattern(pattern.Pattern)
		if err != nil {
			return domain.Manifest{}, err
		}
		entry := domain.ManifestEntry{
			Pattern:  pattern.Pattern,
			Optional: pattern.Optional,
			Paths:    make([]string, 0),
		}
		for _, file := range normalized {
			if m.match(file) {
				entry.Paths = append(entry.Paths, file)
			}
		}
		if len(entry.Paths) == 0 && !pattern.Optional {
			manifest.Missing = append(manifest.Missing, pattern.Pattern)
		}
		manifest.Entries = append(manifest.Entries, entry)
	}

	if !manifest.Complete() {
		return manifest, fmt.Errorf("%w: stage %s: no files matched %s", domain.ErrPublishIncomplete, manifest.StageID, strings.Join(manifest.Missing, ", "))
	}
	return manifest, nil
}
