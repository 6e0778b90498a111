// Package artifact tracks what a node run produced: a content-addressable
// snapshot of the workspace before dispatch, a diff after completion, and
// best-effort mapping of the diff onto declared deliverable names.
package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
)

// Snapshot is a listing of path -> content hash for one workspace root.
type Snapshot struct {
	Root  string
	Files map[string]string
}

// Ref describes one created or modified file found by Diff.
type Ref struct {
	Path string `json:"path"`
	Hash string `json:"hash"`
}

// Take walks the root and hashes every regular file. Paths are stored
// relative to the root with forward slashes. A missing root yields an
// empty snapshot, since node output directories are created on demand.
func Take(root string) (Snapshot, error) {
	snap := Snapshot{Root: root, Files: map[string]string{}}
	info, err := os.Stat(root)
	if err != nil {
		if os.IsNotExist(err) {
			return snap, nil
		}
		return snap, err
	}
	if !info.IsDir() {
		return snap, nil
	}
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		sum, err := hashFile(path)
		if err != nil {
			return err
		}
		snap.Files[filepath.ToSlash(rel)] = sum
		return nil
	})
	return snap, err
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Diff returns files created or modified between two snapshots, sorted by
// path. Deletions are not reported; a node's output is what it wrote.
func Diff(before, after Snapshot) []Ref {
	var refs []Ref
	for path, hash := range after.Files {
		if prev, ok := before.Files[path]; !ok || prev != hash {
			refs = append(refs, Ref{Path: path, Hash: hash})
		}
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Path < refs[j].Path })
	return refs
}
