// Package detector polls watched folders and reports file changes.
package detector

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/yuya-takeyama/s3-watch-sync/internal/events"
	"github.com/yuya-takeyama/s3-watch-sync/internal/metrics"
	"github.com/yuya-takeyama/s3-watch-sync/internal/registry"
	"github.com/yuya-takeyama/s3-watch-sync/internal/stabilizer"
)

const DefaultInterval = 5 * time.Second

// Snapshots is the part of the folder registry the detector needs.
type Snapshots interface {
	AllPairs() []registry.FolderPair
	RefreshSnapshot(localID string, next *registry.LocalNode) (registry.DiffResult, error)
}

// Tracker receives files that need to settle before upload.
type Tracker interface {
	Track(c stabilizer.Candidate) bool
	Forget(path string)
}

// Detector rescans every registered folder on each tick, hands new and
// modified files to the tracker and publishes the changes.
type Detector struct {
	snapshots Snapshots
	scanner   registry.Scanner
	tracker   Tracker
	sink      events.Sink
	clock     clockwork.Clock
	interval  time.Duration
	log       logrus.FieldLogger
}

// New creates a detector polling every interval.
func New(snapshots Snapshots, scanner registry.Scanner, tracker Tracker, sink events.Sink, clock clockwork.Clock, interval time.Duration, log logrus.FieldLogger) *Detector {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	if sink == nil {
		sink = events.Discard
	}
	return &Detector{
		snapshots: snapshots,
		scanner:   scanner,
		tracker:   tracker,
		sink:      sink,
		clock:     clock,
		interval:  interval,
		log:       log,
	}
}

// Poll rescans every folder once. A folder that cannot be scanned is skipped
// until the next poll.
func (d *Detector) Poll() {
	for _, pair := range d.snapshots.AllPairs() {
		log := d.log.WithFields(logrus.Fields{"localID": pair.LocalID, "path": pair.LocalPath})

		root, err := d.scanner.Scan(pair.LocalPath)
		if err != nil {
			metrics.RecordScanError()
			log.WithError(err).Warn("Failed to scan folder")
			continue
		}

		diff, err := d.snapshots.RefreshSnapshot(pair.LocalID, root)
		if err != nil {
			// Unregistered while scanning
			log.WithError(err).Debug("Dropping scan result")
			continue
		}
		d.dispatch(pair, diff, log)
	}
}

func (d *Detector) dispatch(pair registry.FolderPair, diff registry.DiffResult, log logrus.FieldLogger) {
	for _, c := range diff.Added {
		metrics.RecordChange("added")
		log.WithField("file", c.RelPath).Info("New file detected")
		d.sink.Publish(events.NewFileDetected{
			FilePath:   c.Node.Path,
			FileName:   c.RelPath,
			FolderPath: pair.LocalPath,
			LocalID:    pair.LocalID,
		})
		d.tracker.Track(candidate(pair, c))
	}

	for _, c := range diff.Modified {
		metrics.RecordChange("modified")
		log.WithField("file", c.RelPath).Info("File modified")
		d.sink.Publish(events.FileModified{
			FilePath:   c.Node.Path,
			FileName:   c.RelPath,
			FolderPath: pair.LocalPath,
			LocalID:    pair.LocalID,
		})
		d.tracker.Track(candidate(pair, c))
	}

	for _, c := range diff.Removed {
		metrics.RecordChange("removed")
		log.WithField("file", c.RelPath).Info("File removed")
		d.tracker.Forget(c.Node.Path)
		d.sink.Publish(events.FileRemoved{
			FilePath: c.Node.Path,
			FileName: c.RelPath,
			LocalID:  pair.LocalID,
		})
	}
}

func candidate(pair registry.FolderPair, c registry.FileChange) stabilizer.Candidate {
	return stabilizer.Candidate{
		Path:       c.Node.Path,
		Name:       c.RelPath,
		FolderPath: pair.LocalPath,
		LocalID:    pair.LocalID,
	}
}

// Run polls until ctx is done.
func (d *Detector) Run(ctx context.Context) {
	ticker := d.clock.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			d.Poll()
		}
	}
}
