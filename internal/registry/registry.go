package registry

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/yuya-takeyama/s3-watch-sync/internal/checksum"
)

var (
	// ErrNotFound is returned for an unknown local id or path.
	ErrNotFound = errors.New("not found")

	// ErrDuplicatePath is returned when a local root is registered twice.
	ErrDuplicatePath = errors.New("folder already registered")

	// ErrRemoteAlreadyBound is returned when a pair is already bound to a
	// different remote folder.
	ErrRemoteAlreadyBound = errors.New("remote folder already bound")
)

// Scanner builds a snapshot of a local directory tree.
type Scanner interface {
	Scan(root string) (*LocalNode, error)
}

// FolderPair binds a watched local directory to a remote folder.
type FolderPair struct {
	LocalID   string
	LocalPath string
	RemoteID  string
	Paired    bool
	Root      *LocalNode
}

func (p FolderPair) clone() FolderPair {
	p.Root = p.Root.Clone()
	return p
}

type entry struct {
	mu   sync.Mutex
	pair FolderPair
}

// Registry holds every registered folder pair and its latest snapshot.
// Readers always receive deep copies; snapshots are replaced wholesale.
type Registry struct {
	scanner   Scanner
	checksums checksum.Provider
	log       logrus.FieldLogger

	mu      sync.RWMutex
	entries map[string]*entry
	order   []string
}

// New creates an empty registry.
func New(scanner Scanner, checksums checksum.Provider, log logrus.FieldLogger) *Registry {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Registry{
		scanner:   scanner,
		checksums: checksums,
		log:       log,
		entries:   make(map[string]*entry),
	}
}

// Register scans localRoot and adds it as an unpaired folder.
func (r *Registry) Register(localRoot string) (FolderPair, error) {
	root, err := filepath.Abs(localRoot)
	if err != nil {
		return FolderPair{}, fmt.Errorf("get absolute path: %w", err)
	}

	if r.hasPath(root) {
		return FolderPair{}, fmt.Errorf("%s: %w", root, ErrDuplicatePath)
	}

	snapshot, err := r.scanner.Scan(root)
	if err != nil {
		return FolderPair{}, fmt.Errorf("scan %s: %w", root, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range r.entries {
		if e.pair.LocalPath == root {
			return FolderPair{}, fmt.Errorf("%s: %w", root, ErrDuplicatePath)
		}
	}

	// The pair is identified by its root node
	if _, taken := r.entries[snapshot.ID]; snapshot.ID == "" || taken {
		snapshot.ID = uuid.NewString()
	}
	pair := FolderPair{
		LocalID:   snapshot.ID,
		LocalPath: root,
		Root:      snapshot,
	}
	r.entries[pair.LocalID] = &entry{pair: pair}
	r.order = append(r.order, pair.LocalID)

	r.log.WithFields(logrus.Fields{
		"localID": pair.LocalID,
		"path":    root,
	}).Info("Registered folder")

	return pair.clone(), nil
}

// Unregister removes a folder pair.
func (r *Registry) Unregister(localID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[localID]; !ok {
		return fmt.Errorf("local id %s: %w", localID, ErrNotFound)
	}
	delete(r.entries, localID)
	for i, id := range r.order {
		if id == localID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return nil
}

// BindRemote sets the remote folder of a pair. It reports whether the pair
// changed; binding the same remote id twice is a no-op.
func (r *Registry) BindRemote(localID, remoteID string) (bool, error) {
	e, err := r.entry(localID)
	if err != nil {
		return false, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.pair.Paired {
		if e.pair.RemoteID == remoteID {
			return false, nil
		}
		return false, fmt.Errorf("local id %s bound to %q: %w", localID, e.pair.RemoteID, ErrRemoteAlreadyBound)
	}

	e.pair.RemoteID = remoteID
	e.pair.Paired = true
	return true, nil
}

// MarkUploaded records that the file at path was uploaded with the given
// content checksum. A path no longer in any snapshot is ignored.
func (r *Registry) MarkUploaded(path, sum string) error {
	for _, e := range r.snapshotEntries() {
		e.mu.Lock()
		node := e.pair.Root.Find(path)
		if node != nil && !node.IsDir {
			node.Uploaded = true
			node.Checksum = sum
			e.mu.Unlock()
			return nil
		}
		e.mu.Unlock()
	}
	r.log.WithField("path", path).Debug("Uploaded file is no longer tracked")
	return nil
}

// FileState returns the upload flag and stored checksum for path.
func (r *Registry) FileState(path string) (uploaded bool, sum string, ok bool) {
	for _, e := range r.snapshotEntries() {
		e.mu.Lock()
		node := e.pair.Root.Find(path)
		if node != nil && !node.IsDir {
			uploaded, sum = node.Uploaded, node.Checksum
			e.mu.Unlock()
			return uploaded, sum, true
		}
		e.mu.Unlock()
	}
	return false, "", false
}

// RefreshSnapshot replaces the snapshot of a pair with next and returns the
// changes between the two. Node ids and upload state carry over by path.
func (r *Registry) RefreshSnapshot(localID string, next *LocalNode) (DiffResult, error) {
	e, err := r.entry(localID)
	if err != nil {
		return DiffResult{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	diff := mergeSnapshot(e.pair.Root, next, r.checksums, r.log)
	e.pair.Root = next
	return diff, nil
}

// Pair returns a copy of one pair.
func (r *Registry) Pair(localID string) (FolderPair, error) {
	e, err := r.entry(localID)
	if err != nil {
		return FolderPair{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pair.clone(), nil
}

// AllPairs returns copies of every pair in registration order.
func (r *Registry) AllPairs() []FolderPair {
	entries := r.snapshotEntries()
	pairs := make([]FolderPair, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		pairs = append(pairs, e.pair.clone())
		e.mu.Unlock()
	}
	return pairs
}

// PairFor returns the pair whose snapshot contains path.
func (r *Registry) PairFor(path string) (FolderPair, error) {
	for _, e := range r.snapshotEntries() {
		e.mu.Lock()
		if isWithin(e.pair.LocalPath, path) {
			p := e.pair.clone()
			e.mu.Unlock()
			return p, nil
		}
		e.mu.Unlock()
	}
	return FolderPair{}, fmt.Errorf("path %s: %w", path, ErrNotFound)
}

func (r *Registry) entry(localID string) (*entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[localID]
	if !ok {
		return nil, fmt.Errorf("local id %s: %w", localID, ErrNotFound)
	}
	return e, nil
}

func (r *Registry) snapshotEntries() []*entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entries := make([]*entry, 0, len(r.order))
	for _, id := range r.order {
		entries = append(entries, r.entries[id])
	}
	return entries
}

func (r *Registry) hasPath(root string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.entries {
		if e.pair.LocalPath == root {
			return true
		}
	}
	return false
}
