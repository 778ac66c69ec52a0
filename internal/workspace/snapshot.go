package workspace

import (
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

type fileStamp struct {
	size    int64
	modTime time.Time
}

// Snapshot records the regular files in a workspace at a point in time so an
// execution can report which files it created or changed.
type Snapshot map[string]fileStamp

// Snapshot walks the workspace, skipping the scratch temp directory.
func (w *Workspace) Snapshot() (Snapshot, error) {
	snap := make(Snapshot)
	err := filepath.WalkDir(w.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(w.root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			if isScratch(rel) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		snap[rel] = fileStamp{size: info.Size(), modTime: info.ModTime()}
		return nil
	})
	return snap, err
}

// Changed returns the sorted paths that are new in after or whose size or
// modification time differ from before.
func Changed(before, after Snapshot) []string {
	var out []string
	for p, st := range after {
		prev, ok := before[p]
		if !ok || prev.size != st.size || !prev.modTime.Equal(st.modTime) {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

// isScratch reports whether a relative path lives in the temp directory.
func isScratch(rel string) bool {
	return rel == "temp" || strings.HasPrefix(rel, "temp/")
}
