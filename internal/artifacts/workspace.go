package artifacts

import (
	"io/fs"
	"path/filepath"
	"sort"
)

// ListFiles returns the regular files under root as sorted slash paths
// relative to root.
func ListFiles(root string) ([]string, error) {
	out := make([]string, 0)
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		out = append(out, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}
