package domain

import (
	"sort"
	"time"
)

// Manifest records which published paths each declared pattern matched.
type Manifest struct {
	RunID   string          `json:"runId"`
	StageID string          `json:"stageId"`
	Entries []ManifestEntry `json:"entries"`
	Missing []string        `json:"missing,omitempty"`
}

type ManifestEntry struct {
	Pattern  string   `json:"pattern"`
	Optional bool     `json:"optional,omitempty"`
	Paths    []string `json:"paths"`
}

// Paths returns the sorted, de-duplicated union of matched paths.
func (m Manifest) Paths() []string {
	seen := make(map[string]struct{})
	out := make([]string, 0)
	for _, entry := range m.Entries {
		for _, path := range entry.Paths {
			if _, ok := seen[path]; ok {
				continue
			}
			seen[path] = struct{}{}
			out = append(out, path)
		}
	}
	sort.Strings(out)
	return out
}

// Complete reports whether every mandatory pattern matched.
func (m Manifest) Complete() bool {
	return len(m.Missing) == 0
}

// ManifestRef points at a stored manifest, keyed by (run, stage).
type ManifestRef struct {
	ID      string `json:"id"`
	RunID   string `json:"runId"`
	StageID string `json:"stageId"`
}

// ManifestFile is one stored artifact blob.
type ManifestFile struct {
	Path   string `json:"path"`
	Key    string `json:"key"`
	Size   int64  `json:"size"`
	SHA256 string `json:"sha256"`
}

// StoredManifest is the persisted form of a published manifest.
type StoredManifest struct {
	Ref       ManifestRef    `json:"ref"`
	Manifest  Manifest       `json:"manifest"`
	Files     []ManifestFile `json:"files"`
	CreatedAt time.Time      `json:"createdAt"`
}
