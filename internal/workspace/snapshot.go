// Package workspace produces the snapshot-and-exit view of a directory
// tree: every regular file with its size, modification time, and a
// rough token estimate. Symbol-level detail comes from the external
// parser; this is the file-level inventory it hangs off.
package workspace

import (
	"io/fs"
	"path/filepath"
	"strings"
)

// Node is one file in the tree snapshot.
type Node struct {
	SizeBytes  int64 `json:"size_bytes"`
	ModifiedMs int64 `json:"modified_ms"`
	// Tokens is a rough estimate (bytes / 4).
	Tokens int64 `json:"tokens"`
}

// Snapshot is the serialized tree, keyed by workspace-relative path.
type Snapshot struct {
	Root  string          `json:"root"`
	Seq   uint64          `json:"seq"`
	Nodes map[string]Node `json:"nodes"`
}

// Directories nobody wants in a context view.
var skippedDirs = map[string]struct{}{
	".git":         {},
	"node_modules": {},
	"target":       {},
	"dist":         {},
	"vendor":       {},
	"__pycache__":  {},
}

// Walk builds a snapshot of root. Unreadable entries are skipped.
func Walk(root string) (*Snapshot, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{Root: abs, Nodes: make(map[string]Node)}
	err = filepath.WalkDir(abs, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		name := d.Name()
		if d.IsDir() {
			if _, skip := skippedDirs[name]; skip {
				return filepath.SkipDir
			}
			if name != "." && strings.HasPrefix(name, ".") && path != abs {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		rel, err := filepath.Rel(abs, path)
		if err != nil {
			return nil
		}
		snap.Nodes[filepath.ToSlash(rel)] = Node{
			SizeBytes:  info.Size(),
			ModifiedMs: info.ModTime().UnixMilli(),
			Tokens:     info.Size() / 4,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}
