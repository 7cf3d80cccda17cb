package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/yuya-takeyama/s3-watch-sync/internal/checksum"
	"github.com/yuya-takeyama/s3-watch-sync/internal/events"
	"github.com/yuya-takeyama/s3-watch-sync/internal/metrics"
	"github.com/yuya-takeyama/s3-watch-sync/internal/progress"
	"github.com/yuya-takeyama/s3-watch-sync/internal/remote"
)

const (
	DefaultChunkSize   = 64 * 1024 * 1024 // 64MB
	DefaultMaxRetries  = 5
	DefaultRetryDelay  = 10 * time.Second
	DefaultConcurrency = 4
)

// Outcome is the terminal state of one upload.
type Outcome int

const (
	Succeeded Outcome = iota
	SkippedAlreadyExists
	Failed
	Cancelled
)

func (o Outcome) String() string {
	switch o {
	case Succeeded:
		return "succeeded"
	case SkippedAlreadyExists:
		return "skipped_already_exists"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// File is a local file to upload under its remote name.
type File struct {
	Path string
	Name string
}

// Result represents the result of an upload
type Result struct {
	File     File
	FolderID string
	Outcome  Outcome
	Err      error
	Attempts int
	Bytes    int64
}

// Success reports whether the remote now holds the file.
func (r Result) Success() bool {
	return r.Outcome == Succeeded || r.Outcome == SkippedAlreadyExists
}

// ProgressStore persists resumable upload state.
type ProgressStore interface {
	Get(fileName string) (progress.Record, bool)
	Save(fileName string, totalSize, uploadedSize int64, sessionToken string) error
	Clear(fileName string) error
}

// UploadMarker records successfully uploaded files.
type UploadMarker interface {
	MarkUploaded(path, checksum string) error
}

// errStopRequested is returned from the progress callback of a cancelled
// upload.
var errStopRequested = errors.New("stop requested")

type activeUpload struct {
	cancelled atomic.Bool
}

// Pool uploads files to a remote backend with resume, retry and cancellation.
type Pool struct {
	backend     remote.Backend
	store       ProgressStore
	fs          afero.Fs
	clock       clockwork.Clock
	checksums   checksum.Provider
	marker      UploadMarker
	sink        events.Sink
	log         logrus.FieldLogger
	chunkSize   int64
	maxRetries  int
	retryDelay  time.Duration
	concurrency int

	mu     sync.Mutex
	active map[string]*activeUpload

	stats Stats
}

// Option configures a Pool.
type Option func(*Pool)

func WithFs(fs afero.Fs) Option {
	return func(p *Pool) { p.fs = fs }
}

func WithClock(clock clockwork.Clock) Option {
	return func(p *Pool) { p.clock = clock }
}

// WithChecksums sets the provider used to fingerprint uploaded content.
func WithChecksums(c checksum.Provider) Option {
	return func(p *Pool) { p.checksums = c }
}

// WithMarker sets where successful uploads are recorded.
func WithMarker(m UploadMarker) Option {
	return func(p *Pool) { p.marker = m }
}

func WithSink(s events.Sink) Option {
	return func(p *Pool) { p.sink = s }
}

func WithLogger(log logrus.FieldLogger) Option {
	return func(p *Pool) { p.log = log }
}

func WithChunkSize(n int64) Option {
	return func(p *Pool) { p.chunkSize = n }
}

// WithMaxRetries sets the number of attempts after the first.
func WithMaxRetries(n int) Option {
	return func(p *Pool) { p.maxRetries = n }
}

func WithRetryDelay(d time.Duration) Option {
	return func(p *Pool) { p.retryDelay = d }
}

// WithConcurrency bounds the number of parallel uploads in a batch.
func WithConcurrency(n int) Option {
	return func(p *Pool) { p.concurrency = n }
}

// NewPool creates a new upload pool
func NewPool(backend remote.Backend, store ProgressStore, opts ...Option) *Pool {
	p := &Pool{
		backend:     backend,
		store:       store,
		fs:          afero.NewOsFs(),
		clock:       clockwork.NewRealClock(),
		sink:        events.Discard,
		log:         logrus.StandardLogger(),
		chunkSize:   DefaultChunkSize,
		maxRetries:  DefaultMaxRetries,
		retryDelay:  DefaultRetryDelay,
		concurrency: DefaultConcurrency,
		active:      make(map[string]*activeUpload),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.concurrency < 1 {
		p.concurrency = 1
	}
	return p
}

// UploadFiles checks that the batch fits in the remote quota and uploads every
// file to folderID in parallel. Nothing is uploaded when the preflight fails.
func (p *Pool) UploadFiles(ctx context.Context, files []File, folderID string) ([]Result, error) {
	if len(files) == 0 {
		return nil, nil
	}

	if err := p.backend.Authenticate(ctx); err != nil {
		return nil, p.batchError(&BackendError{Op: "authenticate", Err: err})
	}

	quota, err := p.backend.CheckQuota(ctx)
	if err != nil {
		return nil, p.batchError(&BackendError{Op: "check quota", Err: err})
	}

	var required int64
	batch := make([]File, 0, len(files))
	for _, f := range files {
		info, err := p.fs.Stat(f.Path)
		if err != nil {
			p.log.WithError(err).WithField("path", f.Path).Warn("Skipping unreadable file")
			continue
		}
		required += info.Size()
		batch = append(batch, f)
	}

	if free := quota.Free(); free < required {
		return nil, p.batchError(&InsufficientQuotaError{Free: free, Required: required})
	}

	// Queued files are registered up front so Cancel reaches them too
	queued := make([]*activeUpload, len(batch))
	for i, f := range batch {
		queued[i] = p.begin(f.Name)
	}

	results := make([]Result, len(batch))
	var g errgroup.Group
	g.SetLimit(p.concurrency)
	for i, f := range batch {
		i, f := i, f
		g.Go(func() error {
			defer p.end(f.Name, queued[i])
			results[i] = p.upload(ctx, f, folderID, queued[i])
			return nil
		})
	}
	_ = g.Wait()

	return results, nil
}

func (p *Pool) batchError(err error) error {
	p.log.WithError(err).Error("Batch upload rejected")
	p.sink.Publish(events.UploadError{Message: err.Error()})
	return err
}

// Upload transfers one file, resuming from persisted progress and retrying
// failed attempts. The outcome is published to the sink and returned.
func (p *Pool) Upload(ctx context.Context, f File, folderID string) Result {
	a := p.begin(f.Name)
	defer p.end(f.Name, a)
	return p.upload(ctx, f, folderID, a)
}

func (p *Pool) upload(ctx context.Context, f File, folderID string, a *activeUpload) Result {
	start := p.clock.Now()
	log := p.log.WithFields(logrus.Fields{"file": f.Name, "folder": folderID})
	result := Result{File: f, FolderID: folderID}

	info, err := p.fs.Stat(f.Path)
	if err != nil {
		result.Outcome, result.Err = Failed, fmt.Errorf("stat file: %w", err)
		return p.finish(result, start, log)
	}
	total := info.Size()

	// Fingerprint the content before sending it so a later change is detected
	var sum string
	if p.checksums != nil {
		if sum, err = p.checksums.Checksum(f.Path); err != nil {
			log.WithError(err).Warn("Failed to checksum file")
		}
	}

	var lastErr error
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if attempt > 0 {
			metrics.RecordRetry()
			if err := p.wait(ctx); err != nil {
				result.Outcome, result.Err = Failed, err
				return p.finish(result, start, log)
			}
		}
		if a.cancelled.Load() {
			result.Outcome, result.Err = Cancelled, ErrCancelled
			return p.finish(result, start, log)
		}
		if err := ctx.Err(); err != nil {
			result.Outcome, result.Err = Failed, err
			return p.finish(result, start, log)
		}

		result.Attempts++
		req := p.request(f, folderID, total, log)
		err := p.backend.UploadChunked(ctx, req, p.onProgress(ctx, f.Name, a, req.StartOffset, &result))

		switch {
		case err == nil:
			result.Outcome = Succeeded
			p.markUploaded(f.Path, sum, log)
			return p.finish(result, start, log)
		case errors.Is(err, errStopRequested) || a.cancelled.Load():
			result.Outcome, result.Err = Cancelled, ErrCancelled
			return p.finish(result, start, log)
		case errors.Is(err, remote.ErrAlreadyExists):
			result.Outcome = SkippedAlreadyExists
			p.markUploaded(f.Path, sum, log)
			return p.finish(result, start, log)
		case errors.Is(err, remote.ErrQuotaExceeded):
			result.Outcome, result.Err = Failed, err
			return p.finish(result, start, log)
		case ctx.Err() != nil:
			result.Outcome, result.Err = Failed, ctx.Err()
			return p.finish(result, start, log)
		}

		lastErr = err
		log.WithError(err).WithField("attempt", attempt+1).Warn("Upload attempt failed")
	}

	result.Outcome = Failed
	result.Err = fmt.Errorf("%w after %d attempts: %v", ErrMaxRetriesExceeded, result.Attempts, lastErr)
	return p.finish(result, start, log)
}

// Cancel stops the upload of fileName and forgets its progress. It reports
// whether the file was uploading or queued in a batch.
func (p *Pool) Cancel(fileName string) bool {
	p.mu.Lock()
	a, ok := p.active[fileName]
	if ok {
		a.cancelled.Store(true)
	}
	p.mu.Unlock()

	if err := p.store.Clear(fileName); err != nil {
		p.log.WithError(err).WithField("file", fileName).Warn("Failed to clear upload progress")
	}
	return ok
}

// Stats returns a snapshot of the pool's counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Succeeded: atomic.LoadInt64(&p.stats.Succeeded),
		Skipped:   atomic.LoadInt64(&p.stats.Skipped),
		Failed:    atomic.LoadInt64(&p.stats.Failed),
		Cancelled: atomic.LoadInt64(&p.stats.Cancelled),
		Bytes:     atomic.LoadInt64(&p.stats.Bytes),
	}
}

func (p *Pool) markUploaded(path, sum string, log logrus.FieldLogger) {
	if p.marker == nil {
		return
	}
	if err := p.marker.MarkUploaded(path, sum); err != nil {
		log.WithError(err).Warn("Failed to record uploaded file")
	}
}

func (p *Pool) begin(fileName string) *activeUpload {
	a := &activeUpload{}
	p.mu.Lock()
	p.active[fileName] = a
	p.mu.Unlock()
	return a
}

func (p *Pool) end(fileName string, a *activeUpload) {
	p.mu.Lock()
	if p.active[fileName] == a {
		delete(p.active, fileName)
	}
	p.mu.Unlock()
}

func (p *Pool) wait(ctx context.Context) error {
	if p.retryDelay <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.clock.After(p.retryDelay):
		return nil
	}
}

// request builds the next attempt, resuming from the stored record when it
// still describes the file.
func (p *Pool) request(f File, folderID string, total int64, log logrus.FieldLogger) remote.UploadRequest {
	req := remote.UploadRequest{
		FilePath:  f.Path,
		FileName:  f.Name,
		FolderID:  folderID,
		ChunkSize: p.chunkSize,
		TotalSize: total,
	}

	rec, ok := p.store.Get(f.Name)
	if !ok {
		return req
	}
	if rec.TotalSize != total {
		log.WithFields(logrus.Fields{"recorded": rec.TotalSize, "actual": total}).Info("Discarding stale upload progress")
		if err := p.store.Clear(f.Name); err != nil {
			log.WithError(err).Warn("Failed to clear upload progress")
		}
		return req
	}

	req.StartOffset = rec.UploadedSize
	req.SessionToken = rec.SessionToken
	if req.StartOffset > 0 {
		log.WithField("offset", req.StartOffset).Info("Resuming upload")
	}
	return req
}

// onProgress persists each accepted chunk before it is reported.
func (p *Pool) onProgress(ctx context.Context, fileName string, a *activeUpload, offset int64, result *Result) remote.ProgressFunc {
	last := offset
	return func(uploaded, total int64, sessionToken string) error {
		if a.cancelled.Load() {
			return errStopRequested
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		if uploaded > last {
			metrics.RecordUploadedBytes(uploaded - last)
			result.Bytes += uploaded - last
			last = uploaded
		}

		if err := p.store.Save(fileName, total, uploaded, sessionToken); err != nil {
			p.log.WithError(err).WithField("file", fileName).Warn("Failed to persist upload progress")
			return nil
		}
		// The store keeps the furthest offset of a session
		if rec, ok := p.store.Get(fileName); ok {
			uploaded, total, sessionToken = rec.UploadedSize, rec.TotalSize, rec.SessionToken
		}
		p.sink.Publish(events.UploadProgress{
			FileName:     fileName,
			Percent:      percent(uploaded, total),
			SessionToken: sessionToken,
		})
		return nil
	}
}

func (p *Pool) finish(result Result, start time.Time, log logrus.FieldLogger) Result {
	name := result.File.Name
	metrics.RecordUpload(result.Outcome.String(), p.clock.Since(start))

	switch result.Outcome {
	case Succeeded, SkippedAlreadyExists, Cancelled:
		if err := p.store.Clear(name); err != nil {
			log.WithError(err).Warn("Failed to clear upload progress")
		}
	}

	switch result.Outcome {
	case Succeeded:
		atomic.AddInt64(&p.stats.Succeeded, 1)
		atomic.AddInt64(&p.stats.Bytes, result.Bytes)
		log.WithField("attempts", result.Attempts).Info("Uploaded")
	case SkippedAlreadyExists:
		atomic.AddInt64(&p.stats.Skipped, 1)
		log.Info("Already exists remotely, skipped")
	case Cancelled:
		atomic.AddInt64(&p.stats.Cancelled, 1)
		log.Info("Upload cancelled")
	case Failed:
		atomic.AddInt64(&p.stats.Failed, 1)
		log.WithError(result.Err).Error("Upload failed")
		msg := result.Err.Error()
		if errors.Is(result.Err, remote.ErrQuotaExceeded) {
			msg = "Storage quota exceeded"
		}
		p.sink.Publish(events.UploadError{FileName: name, Message: msg})
	}

	p.sink.Publish(events.UploadCompleted{
		FileName: name,
		Success:  result.Success(),
		Outcome:  result.Outcome.String(),
	})
	return result
}

func percent(uploaded, total int64) int {
	if total <= 0 {
		return 100
	}
	return int(uploaded * 100 / total)
}

// Stats tracks upload statistics
type Stats struct {
	Succeeded int64
	Skipped   int64
	Failed    int64
	Cancelled int64
	Bytes     int64
}
