package vproc

import (
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
)

var (
	ErrNotDirectory = errors.New("not a directory")
	ErrIsDirectory  = errors.New("is a directory")
	ErrNotEmpty     = errors.New("directory not empty")
	ErrInvalid      = errors.New("invalid argument")
)

type nodeKind uint8

const (
	nodeDir nodeKind = iota
	nodeFile
	nodeSymlink
)

func (k nodeKind) String() string {
	switch k {
	case nodeDir:
		return "dir"
	case nodeFile:
		return "file"
	case nodeSymlink:
		return "symlink"
	}
	return "unknown"
}

// node is an inode. Hard links share one node.
type node struct {
	kind     nodeKind
	data     []byte
	target   string
	children map[string]*node
	atime    uint64
	mtime    uint64
}

func newDir() *node { return &node{kind: nodeDir, children: make(map[string]*node)} }

// tree is an in-memory directory hierarchy rooted at "/". Symbolic links are
// stored but never followed.
type tree struct {
	root *node
}

func newTree() *tree { return &tree{root: newDir()} }

// split cleans an absolute path into its components.
func split(p string) []string {
	p = path.Clean("/" + p)
	if p == "/" {
		return nil
	}
	return strings.Split(p[1:], "/")
}

func (t *tree) lookup(p string) (*node, error) {
	n := t.root
	for _, part := range split(p) {
		if n.kind != nodeDir {
			return nil, fmt.Errorf("lookup %s: %w", p, ErrNotDirectory)
		}
		child, ok := n.children[part]
		if !ok {
			return nil, fmt.Errorf("lookup %s: %w", p, fs.ErrNotExist)
		}
		n = child
	}
	return n, nil
}

// parent returns the directory holding p and the final component of p.
func (t *tree) parent(p string) (*node, string, error) {
	parts := split(p)
	if len(parts) == 0 {
		return nil, "", fmt.Errorf("%s: %w", p, ErrInvalid)
	}
	dir, err := t.lookup("/" + strings.Join(parts[:len(parts)-1], "/"))
	if err != nil {
		return nil, "", err
	}
	if dir.kind != nodeDir {
		return nil, "", fmt.Errorf("%s: %w", p, ErrNotDirectory)
	}
	return dir, parts[len(parts)-1], nil
}

func (t *tree) create(p string, n *node) error {
	dir, name, err := t.parent(p)
	if err != nil {
		return err
	}
	if _, ok := dir.children[name]; ok {
		return fmt.Errorf("create %s: %w", p, fs.ErrExist)
	}
	dir.children[name] = n
	return nil
}

func (t *tree) remove(p string, wantDir bool) error {
	dir, name, err := t.parent(p)
	if err != nil {
		return err
	}
	n, ok := dir.children[name]
	if !ok {
		return fmt.Errorf("remove %s: %w", p, fs.ErrNotExist)
	}
	switch {
	case wantDir && n.kind != nodeDir:
		return fmt.Errorf("rmdir %s: %w", p, ErrNotDirectory)
	case wantDir && len(n.children) > 0:
		return fmt.Errorf("rmdir %s: %w", p, ErrNotEmpty)
	case !wantDir && n.kind == nodeDir:
		return fmt.Errorf("unlink %s: %w", p, ErrIsDirectory)
	}
	delete(dir.children, name)
	return nil
}

func (t *tree) rename(from, to string) error {
	if from == to {
		return nil
	}
	if strings.HasPrefix(to+"/", from+"/") {
		return fmt.Errorf("rename %s into itself: %w", from, ErrInvalid)
	}
	srcDir, srcName, err := t.parent(from)
	if err != nil {
		return err
	}
	n, ok := srcDir.children[srcName]
	if !ok {
		return fmt.Errorf("rename %s: %w", from, fs.ErrNotExist)
	}
	dstDir, dstName, err := t.parent(to)
	if err != nil {
		return err
	}
	if existing, ok := dstDir.children[dstName]; ok {
		switch {
		case existing.kind == nodeDir && n.kind != nodeDir:
			return fmt.Errorf("rename onto %s: %w", to, ErrIsDirectory)
		case existing.kind != nodeDir && n.kind == nodeDir:
			return fmt.Errorf("rename onto %s: %w", to, ErrNotDirectory)
		case existing.kind == nodeDir && len(existing.children) > 0:
			return fmt.Errorf("rename onto %s: %w", to, ErrNotEmpty)
		}
	}
	delete(srcDir.children, srcName)
	dstDir.children[dstName] = n
	return nil
}

// walk visits every node below the root in lexical path order.
func (t *tree) walk(fn func(p string, n *node)) {
	var visit func(p string, n *node)
	visit = func(p string, n *node) {
		names := make([]string, 0, len(n.children))
		for name := range n.children {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			child := n.children[name]
			cp := path.Join(p, name)
			fn(cp, child)
			if child.kind == nodeDir {
				visit(cp, child)
			}
		}
	}
	visit("/", t.root)
}

func writeAt(n *node, offset uint64, data []byte) {
	end := offset + uint64(len(data))
	if end > uint64(len(n.data)) {
		grown := make([]byte, end)
		copy(grown, n.data)
		n.data = grown
	}
	copy(n.data[offset:], data)
}

func resize(n *node, size uint64) {
	if size <= uint64(len(n.data)) {
		n.data = n.data[:size:size]
		return
	}
	grown := make([]byte, size)
	copy(grown, n.data)
	n.data = grown
}
