package registry

import (
	"sort"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/yuya-takeyama/s3-watch-sync/internal/checksum"
)

// FileChange is one classified file from a snapshot refresh.
type FileChange struct {
	Node    *LocalNode
	RelPath string
}

// DiffResult lists the files added, modified and removed between two
// snapshots. Hidden entries never appear.
type DiffResult struct {
	Added    []FileChange
	Modified []FileChange
	Removed  []FileChange
}

// Empty reports whether nothing changed.
func (d DiffResult) Empty() bool {
	return len(d.Added) == 0 && len(d.Modified) == 0 && len(d.Removed) == 0
}

// mergeSnapshot carries ids and upload state from prev into next and
// classifies the visible files of both.
//
// A checksum already present on a node of next is treated as the observed
// content digest; otherwise one is computed only for uploaded files whose size
// changed.
func mergeSnapshot(prev, next *LocalNode, sums checksum.Provider, log logrus.FieldLogger) DiffResult {
	var diff DiffResult
	if next == nil {
		return diff
	}

	observed := make(map[string]string)
	prevNodes := index(prev)
	for path, n := range index(next) {
		if n.Checksum != "" {
			observed[path] = n.Checksum
			n.Checksum = ""
		}
		p, ok := prevNodes[path]
		if ok && p.IsDir == n.IsDir {
			n.ID = p.ID
			n.Uploaded = p.Uploaded
			n.Checksum = p.Checksum
		}
		if n.ID == "" {
			n.ID = uuid.NewString()
		}
	}

	prevFiles := make(map[string]*LocalNode)
	for _, f := range VisibleFiles(prev) {
		prevFiles[f.Path] = f
	}

	nextFiles := VisibleFiles(next)
	seen := make(map[string]bool, len(nextFiles))
	for _, n := range nextFiles {
		seen[n.Path] = true
		change := FileChange{Node: n.Clone(), RelPath: RelName(next.Path, n.Path)}

		p, ok := prevFiles[n.Path]
		if !ok {
			diff.Added = append(diff.Added, change)
			continue
		}
		if isModified(p, n, observed[n.Path], sums, log) {
			diff.Modified = append(diff.Modified, change)
		}
	}

	for path, p := range prevFiles {
		if !seen[path] {
			diff.Removed = append(diff.Removed, FileChange{Node: p.Clone(), RelPath: RelName(prev.Path, path)})
		}
	}
	sort.Slice(diff.Removed, func(i, j int) bool { return diff.Removed[i].RelPath < diff.Removed[j].RelPath })

	return diff
}

func isModified(prev, next *LocalNode, observed string, sums checksum.Provider, log logrus.FieldLogger) bool {
	if !prev.Uploaded {
		return next.Size != prev.Size
	}

	if observed == "" && next.Size != prev.Size && sums != nil {
		sum, err := sums.Checksum(next.Path)
		if err != nil {
			log.WithError(err).WithField("path", next.Path).Warn("Failed to checksum changed file")
			return true
		}
		observed = sum
	}
	return observed != "" && observed != prev.Checksum
}
