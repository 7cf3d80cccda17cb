// Package orchestrator wires folder watching, stabilization and uploading
// into one sync engine.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/yuya-takeyama/s3-watch-sync/internal/checksum"
	"github.com/yuya-takeyama/s3-watch-sync/internal/detector"
	"github.com/yuya-takeyama/s3-watch-sync/internal/events"
	"github.com/yuya-takeyama/s3-watch-sync/internal/registry"
	"github.com/yuya-takeyama/s3-watch-sync/internal/remote"
	"github.com/yuya-takeyama/s3-watch-sync/internal/stabilizer"
	"github.com/yuya-takeyama/s3-watch-sync/internal/worker"
)

const defaultEventBuffer = 256

// Config holds the timing and transfer settings of the engine. Zero
// intervals, sizes and buffers select the package defaults; MaxRetries and
// RetryDelay are used as given.
type Config struct {
	PollInterval       time.Duration
	StabilityInterval  time.Duration
	StabilityThreshold time.Duration
	ChunkSize          int64
	MaxRetries         int
	RetryDelay         time.Duration
	Concurrency        int
	EventBuffer        int
}

// DefaultConfig returns the standard settings.
func DefaultConfig() Config {
	return Config{
		PollInterval:       detector.DefaultInterval,
		StabilityInterval:  stabilizer.DefaultInterval,
		StabilityThreshold: stabilizer.DefaultThreshold,
		ChunkSize:          worker.DefaultChunkSize,
		MaxRetries:         worker.DefaultMaxRetries,
		RetryDelay:         worker.DefaultRetryDelay,
		Concurrency:        worker.DefaultConcurrency,
		EventBuffer:        defaultEventBuffer,
	}
}

// Deps are the collaborators of the engine.
type Deps struct {
	Fs        afero.Fs
	Clock     clockwork.Clock
	Scanner   registry.Scanner
	Checksums checksum.Provider
	Backend   remote.Backend
	Store     worker.ProgressStore
	Log       logrus.FieldLogger
}

// Orchestrator owns the folder registry and drives files from detection to
// upload. Notifications are delivered on Events.
type Orchestrator struct {
	registry  *registry.Registry
	backend   remote.Backend
	checksums checksum.Provider
	pool      *worker.Pool
	tracker   *stabilizer.Tracker
	detector  *detector.Detector
	stream    *events.Stream
	log       logrus.FieldLogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	inflight map[string]string // path -> local id
	dirty    map[string]stabilizer.Candidate
	waiting  map[string]map[string]stabilizer.Candidate // local id -> path -> file
}

// New builds an engine. Call Run to start polling.
func New(cfg Config, deps Deps) *Orchestrator {
	def := DefaultConfig()
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = def.EventBuffer
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = def.ChunkSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if deps.Log == nil {
		deps.Log = logrus.StandardLogger()
	}
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}

	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		backend:   deps.Backend,
		checksums: deps.Checksums,
		stream:    events.NewStream(cfg.EventBuffer),
		log:       deps.Log,
		ctx:       ctx,
		cancel:    cancel,
		inflight:  make(map[string]string),
		dirty:     make(map[string]stabilizer.Candidate),
		waiting:   make(map[string]map[string]stabilizer.Candidate),
	}

	o.registry = registry.New(deps.Scanner, deps.Checksums, deps.Log.WithField("component", "registry"))

	trackerOpts := []stabilizer.Option{stabilizer.WithLogger(deps.Log.WithField("component", "stabilizer"))}
	if cfg.StabilityInterval > 0 {
		trackerOpts = append(trackerOpts, stabilizer.WithInterval(cfg.StabilityInterval))
	}
	if cfg.StabilityThreshold > 0 {
		trackerOpts = append(trackerOpts, stabilizer.WithThreshold(cfg.StabilityThreshold))
	}
	o.tracker = stabilizer.New(deps.Fs, deps.Clock, o.onStable, trackerOpts...)

	o.detector = detector.New(o.registry, deps.Scanner, o.tracker, o.stream, deps.Clock,
		cfg.PollInterval, deps.Log.WithField("component", "detector"))

	o.pool = worker.NewPool(deps.Backend, deps.Store,
		worker.WithFs(deps.Fs),
		worker.WithClock(deps.Clock),
		worker.WithChecksums(deps.Checksums),
		worker.WithMarker(o.registry),
		worker.WithSink(o.stream),
		worker.WithLogger(deps.Log.WithField("component", "worker")),
		worker.WithChunkSize(cfg.ChunkSize),
		worker.WithMaxRetries(cfg.MaxRetries),
		worker.WithRetryDelay(cfg.RetryDelay),
		worker.WithConcurrency(cfg.Concurrency),
	)

	return o
}

// Events returns the notification channel.
func (o *Orchestrator) Events() <-chan events.Event {
	return o.stream.Events()
}

// Done is closed when the engine has shut down.
func (o *Orchestrator) Done() <-chan struct{} {
	return o.stream.Done()
}

// Run polls folders and tracks stabilization until ctx is done, then stops
// in-flight uploads and closes the event stream.
func (o *Orchestrator) Run(ctx context.Context) error {
	var loops sync.WaitGroup
	loops.Add(2)
	go func() {
		defer loops.Done()
		o.detector.Run(ctx)
	}()
	go func() {
		defer loops.Done()
		o.tracker.Run(ctx)
	}()

	<-ctx.Done()
	loops.Wait()
	o.Close()
	return nil
}

// Close stops in-flight uploads, waits for them and closes the event stream.
// Interrupted uploads keep their progress records.
func (o *Orchestrator) Close() {
	o.cancel()
	o.wg.Wait()
	o.stream.Close()
}

// RegisterFolder starts watching localPath. With a remoteID the folder is
// paired right away; otherwise it stays unpaired until BindRemoteFolder is
// called and a RemoteFolderNeeded event asks for one.
func (o *Orchestrator) RegisterFolder(localPath, remoteID string) (registry.FolderPair, error) {
	pair, err := o.registry.Register(localPath)
	if err != nil {
		return registry.FolderPair{}, err
	}
	if remoteID == "" {
		o.stream.Publish(events.RemoteFolderNeeded{LocalID: pair.LocalID, LocalPath: pair.LocalPath})
		return pair, nil
	}

	if err := o.BindRemoteFolder(pair.LocalID, remoteID); err != nil {
		return pair, err
	}
	return o.registry.Pair(pair.LocalID)
}

// UnregisterFolder stops watching a pair and forgets its pending files.
func (o *Orchestrator) UnregisterFolder(localID string) error {
	if err := o.registry.Unregister(localID); err != nil {
		return err
	}
	o.tracker.ForgetFolder(localID)

	o.mu.Lock()
	delete(o.waiting, localID)
	o.mu.Unlock()
	return nil
}

// BindRemoteFolder pairs a registered folder with a remote folder and uploads
// every file of the folder not yet uploaded as one batch. Binding the same
// remote folder again does nothing.
func (o *Orchestrator) BindRemoteFolder(localID, remoteID string) error {
	changed, err := o.registry.BindRemote(localID, remoteID)
	if err != nil || !changed {
		return err
	}

	pair, err := o.registry.Pair(localID)
	if err != nil {
		return err
	}
	o.log.WithFields(logrus.Fields{"path": pair.LocalPath, "remote": remoteID}).Info("Folder paired")

	o.mu.Lock()
	waiting := o.waiting[localID]
	delete(o.waiting, localID)

	var batch []stabilizer.Candidate
	for _, f := range registry.VisibleFiles(pair.Root) {
		if f.Uploaded || o.tracker.Tracking(f.Path) {
			continue
		}
		if _, busy := o.inflight[f.Path]; busy {
			continue
		}
		delete(waiting, f.Path)
		batch = append(batch, stabilizer.Candidate{
			Path:       f.Path,
			Name:       registry.RelName(pair.LocalPath, f.Path),
			FolderPath: pair.LocalPath,
			LocalID:    localID,
		})
	}
	for _, c := range waiting {
		if _, busy := o.inflight[c.Path]; !busy {
			batch = append(batch, c)
		}
	}
	for _, c := range batch {
		o.inflight[c.Path] = localID
	}
	o.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	files := make([]worker.File, len(batch))
	for i, c := range batch {
		files[i] = worker.File{Path: c.Path, Name: c.Name}
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		if _, err := o.pool.UploadFiles(o.ctx, files, remoteID); err != nil {
			o.log.WithError(err).WithField("path", pair.LocalPath).Error("Initial upload failed")
		}
		for _, c := range batch {
			o.finishUpload(c)
		}
	}()
	return nil
}

// CancelUpload stops the upload of fileName and forgets its progress.
func (o *Orchestrator) CancelUpload(fileName string) bool {
	return o.pool.Cancel(fileName)
}

// RemoteFolders returns the remote folder tree.
func (o *Orchestrator) RemoteFolders(ctx context.Context) ([]remote.Folder, error) {
	folders, err := o.backend.FetchRemoteFolders(ctx)
	if err != nil {
		return nil, &worker.BackendError{Op: "fetch remote folders", Err: err}
	}
	return folders, nil
}

// Pairs returns every registered pair.
func (o *Orchestrator) Pairs() []registry.FolderPair {
	return o.registry.AllPairs()
}

// State returns the current state of a pair.
func (o *Orchestrator) State(localID string) (State, error) {
	pair, err := o.registry.Pair(localID)
	if err != nil {
		return Unpaired, err
	}
	if !pair.Paired {
		return Unpaired, nil
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	for _, id := range o.inflight {
		if id == localID {
			return Uploading, nil
		}
	}
	return AwaitingStabilization, nil
}

// Stats returns the upload counters.
func (o *Orchestrator) Stats() worker.Stats {
	return o.pool.Stats()
}

func (o *Orchestrator) onStable(c stabilizer.Candidate) {
	o.stream.Publish(events.FileStabilized{
		FilePath:   c.Path,
		FileName:   c.Name,
		FolderPath: c.FolderPath,
		LocalID:    c.LocalID,
	})
	log := o.log.WithField("path", c.Path)

	uploaded, stored, ok := o.registry.FileState(c.Path)
	if !ok {
		log.Debug("Stable file is no longer registered")
		return
	}
	if uploaded && stored != "" && o.checksums != nil {
		sum, err := o.checksums.Checksum(c.Path)
		if err == nil && sum == stored {
			log.Debug("Content unchanged since last upload")
			return
		}
	}

	pair, err := o.registry.Pair(c.LocalID)
	if err != nil {
		log.WithError(err).Debug("Folder was unregistered")
		return
	}

	if !pair.Paired {
		o.mu.Lock()
		// BindRemoteFolder drains waiting under o.mu after binding, so a
		// pair still unbound here is guaranteed to see this file
		if pair, err = o.registry.Pair(c.LocalID); err == nil && pair.Paired {
			o.mu.Unlock()
			o.startUpload(pair.RemoteID, c)
			return
		}
		if err != nil {
			o.mu.Unlock()
			log.WithError(err).Debug("Folder was unregistered")
			return
		}
		files, ok := o.waiting[c.LocalID]
		if !ok {
			files = make(map[string]stabilizer.Candidate)
			o.waiting[c.LocalID] = files
		}
		files[c.Path] = c
		o.mu.Unlock()

		log.Info("Waiting for a remote folder")
		o.stream.Publish(events.RemoteFolderNeeded{LocalID: pair.LocalID, LocalPath: pair.LocalPath})
		return
	}

	o.startUpload(pair.RemoteID, c)
}

func (o *Orchestrator) startUpload(remoteID string, c stabilizer.Candidate) {
	o.mu.Lock()
	if _, busy := o.inflight[c.Path]; busy {
		// Uploaded again once the running upload finishes
		o.dirty[c.Path] = c
		o.mu.Unlock()
		return
	}
	o.inflight[c.Path] = c.LocalID
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.pool.Upload(o.ctx, worker.File{Path: c.Path, Name: c.Name}, remoteID)
		o.finishUpload(c)
	}()
}

func (o *Orchestrator) finishUpload(c stabilizer.Candidate) {
	o.mu.Lock()
	delete(o.inflight, c.Path)
	again, dirty := o.dirty[c.Path]
	delete(o.dirty, c.Path)
	o.mu.Unlock()

	if dirty && o.ctx.Err() == nil {
		o.tracker.Track(again)
	}
}

// State is the lifecycle position of a folder pair.
type State int

const (
	Unpaired State = iota
	AwaitingStabilization
	Uploading
)

func (s State) String() string {
	switch s {
	case Unpaired:
		return "unpaired"
	case AwaitingStabilization:
		return "awaiting_stabilization"
	case Uploading:
		return "uploading"
	}
	return fmt.Sprintf("state(%d)", int(s))
}
