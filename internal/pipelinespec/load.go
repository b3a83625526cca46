package pipelinespec

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/animus-labs/conveyor/internal/domain"
	"github.com/animus-labs/conveyor/internal/execution/specvalidator"
)

// Parse decodes and validates one pipeline document. Unknown fields are
// rejected.
func Parse(input []byte) (domain.Pipeline, error) {
	dec := yaml.NewDecoder(bytes.NewReader(input))
	dec.KnownFields(true)
	var doc Document
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return domain.Pipeline{}, errors.New("decode pipeline: empty document")
		}
		return domain.Pipeline{}, fmt.Errorf("decode pipeline: %w", err)
	}
	if strings.TrimSpace(doc.Schema) != SchemaV1 {
		return domain.Pipeline{}, fmt.Errorf("schema must be %q", SchemaV1)
	}
	p, err := doc.Pipeline()
	if err != nil {
		return domain.Pipeline{}, err
	}
	if err := specvalidator.ValidatePipeline(p); err != nil {
		return domain.Pipeline{}, err
	}
	return p, nil
}

func Load(path string) (domain.Pipeline, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return domain.Pipeline{}, err
	}
	p, err := Parse(raw)
	if err != nil {
		return domain.Pipeline{}, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

// LoadDir loads every *.yaml and *.yml file in dir. Pipeline ids must be
// unique across files.
func LoadDir(dir string) (map[string]domain.Pipeline, error) {
	paths, err := pipelineFiles(dir)
	if err != nil {
		return nil, err
	}
	out := make(map[string]domain.Pipeline, len(paths))
	origin := make(map[string]string, len(paths))
	for _, path := range paths {
		p, err := Load(path)
		if err != nil {
			return nil, err
		}
		if prev, ok := origin[p.ID]; ok {
			return nil, fmt.Errorf("pipeline %q defined in both %s and %s", p.ID, prev, path)
		}
		origin[p.ID] = path
		out[p.ID] = p
	}
	return out, nil
}

func pipelineFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !isPipelineFile(entry.Name()) {
			continue
		}
		out = append(out, filepath.Join(dir, entry.Name()))
	}
	sort.Strings(out)
	return out, nil
}

func isPipelineFile(name string) bool {
	if strings.HasPrefix(name, ".") {
		return false
	}
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		return true
	default:
		return false
	}
}
