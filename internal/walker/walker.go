package walker

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/yuya-takeyama/s3-watch-sync/internal/registry"
)

var (
	// ErrNotFound is returned when the scan root does not exist.
	ErrNotFound = errors.New("root not found")

	// ErrNotReadable is returned when the scan root cannot be read.
	ErrNotReadable = errors.New("root not readable")
)

// Walker builds snapshots of local directory trees with exclude pattern support
type Walker struct {
	fs       afero.Fs
	excludes []string
	log      logrus.FieldLogger
}

// NewWalker creates a new file walker
func NewWalker(fs afero.Fs, excludes []string, log logrus.FieldLogger) *Walker {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Walker{
		fs:       fs,
		excludes: excludes,
		log:      log,
	}
}

// Scan walks root and returns its tree. Every node gets a fresh id.
// Symlinks, excluded paths and entries that cannot be read are skipped.
func (w *Walker) Scan(root string) (*registry.LocalNode, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("get absolute path: %w", err)
	}

	info, err := w.fs.Stat(absRoot)
	switch {
	case os.IsNotExist(err):
		return nil, fmt.Errorf("%s: %w", absRoot, ErrNotFound)
	case os.IsPermission(err):
		return nil, fmt.Errorf("%s: %w", absRoot, ErrNotReadable)
	case err != nil:
		return nil, fmt.Errorf("stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("root is not a directory: %s", absRoot)
	}

	node := &registry.LocalNode{
		ID:       uuid.NewString(),
		Name:     filepath.Base(absRoot),
		Path:     absRoot,
		IsDir:    true,
		Children: []*registry.LocalNode{},
	}

	entries, err := afero.ReadDir(w.fs, absRoot)
	if err != nil {
		if os.IsPermission(err) {
			return nil, fmt.Errorf("%s: %w", absRoot, ErrNotReadable)
		}
		return nil, fmt.Errorf("read root: %w", err)
	}
	w.addChildren(node, absRoot, entries)

	return node, nil
}

func (w *Walker) addChildren(parent *registry.LocalNode, root string, entries []os.FileInfo) {
	for _, entry := range entries {
		path := filepath.Join(parent.Path, entry.Name())

		relPath, err := filepath.Rel(root, path)
		if err != nil {
			continue
		}
		if w.isExcluded(filepath.ToSlash(relPath)) {
			continue
		}

		info, err := w.lstat(path, entry)
		if err != nil {
			w.log.WithError(err).WithField("path", path).Warn("Skipping unreadable entry")
			continue
		}
		if info.Mode()&os.ModeSymlink != 0 {
			w.log.WithField("path", path).Debug("Skipping symlink")
			continue
		}

		child := &registry.LocalNode{
			ID:   uuid.NewString(),
			Name: entry.Name(),
			Path: path,
		}

		if info.IsDir() {
			entries, err := afero.ReadDir(w.fs, path)
			if err != nil {
				w.log.WithError(err).WithField("path", path).Warn("Skipping unreadable directory")
				continue
			}
			child.IsDir = true
			child.Children = []*registry.LocalNode{}
			w.addChildren(child, root, entries)
		} else if info.Mode().IsRegular() {
			child.Size = info.Size()
		} else {
			continue
		}

		parent.Children = append(parent.Children, child)
	}
}

func (w *Walker) lstat(path string, fallback os.FileInfo) (os.FileInfo, error) {
	if l, ok := w.fs.(afero.Lstater); ok {
		info, _, err := l.LstatIfPossible(path)
		return info, err
	}
	return fallback, nil
}

// isExcluded checks if a path matches any exclude pattern
func (w *Walker) isExcluded(path string) bool {
	for _, pattern := range w.excludes {
		// Directory patterns (ending with /) exclude everything below them
		if strings.HasSuffix(pattern, "/") {
			dirPattern := strings.TrimSuffix(pattern, "/")
			parts := strings.Split(path, "/")
			for i := 1; i <= len(parts); i++ {
				if matched, _ := doublestar.Match(dirPattern, strings.Join(parts[:i], "/")); matched {
					return true
				}
			}
			continue
		}
		if matched, _ := doublestar.Match(pattern, path); matched {
			return true
		}
	}
	return false
}

// ValidatePatterns reports the first malformed exclude pattern.
func ValidatePatterns(patterns []string) error {
	for _, p := range patterns {
		if !doublestar.ValidatePattern(strings.TrimSuffix(p, "/")) {
			return fmt.Errorf("invalid exclude pattern: %q", p)
		}
	}
	return nil
}
