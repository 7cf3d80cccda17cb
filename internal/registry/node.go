package registry

import (
	"path/filepath"
	"sort"
	"strings"
)

// LocalNode is one entry of a watched folder snapshot.
//
// Children is nil for files and non-nil (possibly empty) for directories.
// Checksum is the digest of the content last uploaded for this path.
type LocalNode struct {
	ID       string
	Name     string
	Path     string
	IsDir    bool
	Size     int64
	Children []*LocalNode
	Uploaded bool
	Checksum string
}

// Clone returns a deep copy of n.
func (n *LocalNode) Clone() *LocalNode {
	if n == nil {
		return nil
	}
	c := *n
	if n.Children != nil {
		c.Children = make([]*LocalNode, len(n.Children))
		for i, child := range n.Children {
			c.Children[i] = child.Clone()
		}
	}
	return &c
}

// Find returns the node at path within n's subtree, or nil.
func (n *LocalNode) Find(path string) *LocalNode {
	if n == nil {
		return nil
	}
	if n.Path == path {
		return n
	}
	if !n.IsDir || !isWithin(n.Path, path) {
		return nil
	}
	for _, child := range n.Children {
		if found := child.Find(path); found != nil {
			return found
		}
	}
	return nil
}

// IsHidden reports whether a file or directory name is a dotfile.
func IsHidden(name string) bool {
	return strings.HasPrefix(name, ".")
}

// VisibleFiles returns every file below root, skipping hidden entries and the
// whole subtree of hidden directories. Results are sorted by path.
func VisibleFiles(root *LocalNode) []*LocalNode {
	var files []*LocalNode
	var visit func(n *LocalNode)
	visit = func(n *LocalNode) {
		for _, child := range n.Children {
			if IsHidden(child.Name) {
				continue
			}
			if child.IsDir {
				visit(child)
				continue
			}
			files = append(files, child)
		}
	}
	if root != nil {
		visit(root)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files
}

// RelName returns path relative to root using forward slashes. It is the
// name a file is known by remotely.
func RelName(root, path string) string {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return filepath.Base(path)
	}
	return filepath.ToSlash(rel)
}

func index(root *LocalNode) map[string]*LocalNode {
	nodes := make(map[string]*LocalNode)
	var visit func(n *LocalNode)
	visit = func(n *LocalNode) {
		nodes[n.Path] = n
		for _, child := range n.Children {
			visit(child)
		}
	}
	if root != nil {
		visit(root)
	}
	return nodes
}

func isWithin(dir, path string) bool {
	if dir == path {
		return true
	}
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
