package vproc

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Materialize writes the file tree into dir, which must exist. Hard links
// become real hard links; modification times are set from the node's mtime,
// read as nanoseconds since the epoch.
func (p *Process) Materialize(dir string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	type pending struct {
		path  string
		mtime uint64
	}
	var (
		errs  []error
		first = make(map[*node]string)
		times []pending
	)
	p.tree.walk(func(vp string, n *node) {
		target := filepath.Join(dir, filepath.FromSlash(vp))
		switch n.kind {
		case nodeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				errs = append(errs, err)
				return
			}
		case nodeFile:
			if prev, ok := first[n]; ok {
				if err := os.Link(prev, target); err != nil {
					errs = append(errs, err)
				}
				return
			}
			first[n] = target
			if err := os.WriteFile(target, n.data, 0644); err != nil {
				errs = append(errs, err)
				return
			}
		case nodeSymlink:
			if err := os.Symlink(n.target, target); err != nil {
				errs = append(errs, err)
			}
			return
		}
		if n.mtime != 0 {
			times = append(times, pending{path: target, mtime: n.mtime})
		}
	})
	// Directory times are set last since creating children updates them.
	for i := len(times) - 1; i >= 0; i-- {
		t := time.Unix(0, int64(times[i].mtime))
		if err := os.Chtimes(times[i].path, t, t); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("failed to materialize file tree into %s: %w", dir, err)
	}
	p.logger.Info("File tree materialized.", "dir", dir, "files", len(first))
	return nil
}
