// Package stabilizer decides when a file has stopped growing.
package stabilizer

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/yuya-takeyama/s3-watch-sync/internal/metrics"
)

const (
	DefaultInterval  = 5 * time.Second
	DefaultThreshold = 20 * time.Second
)

// Candidate identifies a tracked file.
type Candidate struct {
	Path       string
	Name       string
	FolderPath string
	LocalID    string
}

type pendingFile struct {
	Candidate
	lastSize  int64
	lastCheck time.Time
	stableFor time.Duration
}

// Tracker polls the size of tracked files and calls onStable once a file's
// size has not changed for the threshold duration. A file fires at most once
// per Track call.
type Tracker struct {
	fs        afero.Fs
	clock     clockwork.Clock
	interval  time.Duration
	threshold time.Duration
	onStable  func(Candidate)
	log       logrus.FieldLogger

	mu      sync.Mutex
	pending map[string]*pendingFile
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithInterval sets how often tracked files are checked.
func WithInterval(d time.Duration) Option {
	return func(t *Tracker) { t.interval = d }
}

// WithThreshold sets how long a size must stay unchanged.
func WithThreshold(d time.Duration) Option {
	return func(t *Tracker) { t.threshold = d }
}

// WithLogger sets the logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(t *Tracker) { t.log = log }
}

// New creates a tracker. onStable is called without any lock held.
func New(fs afero.Fs, clock clockwork.Clock, onStable func(Candidate), opts ...Option) *Tracker {
	t := &Tracker{
		fs:        fs,
		clock:     clock,
		interval:  DefaultInterval,
		threshold: DefaultThreshold,
		onStable:  onStable,
		log:       logrus.StandardLogger(),
		pending:   make(map[string]*pendingFile),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Track starts watching c.Path. It returns false if the path is already
// tracked.
func (t *Tracker) Track(c Candidate) bool {
	size := int64(-1)
	if info, err := t.fs.Stat(c.Path); err == nil {
		size = info.Size()
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.pending[c.Path]; ok {
		return false
	}
	t.pending[c.Path] = &pendingFile{
		Candidate: c,
		lastSize:  size,
		lastCheck: t.clock.Now(),
	}
	metrics.SetTrackedFiles(len(t.pending))
	return true
}

// Forget stops tracking path.
func (t *Tracker) Forget(path string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.pending, path)
	metrics.SetTrackedFiles(len(t.pending))
}

// ForgetFolder stops tracking every file of a folder pair.
func (t *Tracker) ForgetFolder(localID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for path, p := range t.pending {
		if p.LocalID == localID {
			delete(t.pending, path)
		}
	}
	metrics.SetTrackedFiles(len(t.pending))
}

// Tracking reports whether path is tracked.
func (t *Tracker) Tracking(path string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.pending[path]
	return ok
}

// Len returns the number of tracked files.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Check runs one stabilization pass.
func (t *Tracker) Check() {
	now := t.clock.Now()

	var stable []Candidate

	t.mu.Lock()
	for path, p := range t.pending {
		info, err := t.fs.Stat(path)
		if err != nil {
			t.log.WithError(err).WithField("path", path).Debug("Tracked file vanished")
			delete(t.pending, path)
			continue
		}

		if info.Size() != p.lastSize {
			p.lastSize = info.Size()
			p.stableFor = 0
		} else {
			p.stableFor += now.Sub(p.lastCheck)
		}
		p.lastCheck = now

		if p.stableFor >= t.threshold {
			delete(t.pending, path)
			stable = append(stable, p.Candidate)
		}
	}
	metrics.SetTrackedFiles(len(t.pending))
	t.mu.Unlock()

	for _, c := range stable {
		metrics.RecordStabilized()
		t.log.WithField("path", c.Path).Debug("File stabilized")
		t.onStable(c)
	}
}

// Run checks tracked files every interval until ctx is done.
func (t *Tracker) Run(ctx context.Context) {
	ticker := t.clock.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			t.Check()
		}
	}
}
