package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yuya-takeyama/s3-watch-sync/internal/checksum"
	"github.com/yuya-takeyama/s3-watch-sync/internal/events"
	"github.com/yuya-takeyama/s3-watch-sync/internal/progress"
	"github.com/yuya-takeyama/s3-watch-sync/internal/remote"
	"github.com/yuya-takeyama/s3-watch-sync/internal/remote/remotetest"
)

type eventLog struct {
	mu     sync.Mutex
	events []events.Event
}

func (l *eventLog) Publish(e events.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) all() []events.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]events.Event, len(l.events))
	copy(out, l.events)
	return out
}

func (l *eventLog) completed() []events.UploadCompleted {
	var out []events.UploadCompleted
	for _, e := range l.all() {
		if c, ok := e.(events.UploadCompleted); ok {
			out = append(out, c)
		}
	}
	return out
}

type markerFunc func(path, sum string) error

func (f markerFunc) MarkUploaded(path, sum string) error { return f(path, sum) }

type fixture struct {
	fs      afero.Fs
	store   *progress.Store
	backend *remotetest.Backend
	sink    *eventLog
}

func newFixture(t *testing.T, files map[string]int) *fixture {
	t.Helper()
	fs := afero.NewMemMapFs()
	for path, size := range files {
		require.NoError(t, afero.WriteFile(fs, path, make([]byte, size), 0644))
	}
	return &fixture{
		fs:      fs,
		store:   progress.Open(fs, "/state/upload_progress.json", nil),
		backend: &remotetest.Backend{},
		sink:    &eventLog{},
	}
}

func (f *fixture) pool(opts ...Option) *Pool {
	base := []Option{
		WithFs(f.fs),
		WithSink(f.sink),
		WithChunkSize(100),
		WithRetryDelay(0),
	}
	return NewPool(f.backend, f.store, append(base, opts...)...)
}

func TestUploadResumesFromPersistedOffset(t *testing.T) {
	f := newFixture(t, map[string]int{"/w/movie.mp4": 1000})
	require.NoError(t, f.store.Save("movie.mp4", 1000, 400, "session-1"))
	f.backend.UploadChunkedFunc = remotetest.ChunkedUpload("unused")

	result := f.pool().Upload(context.Background(), File{Path: "/w/movie.mp4", Name: "movie.mp4"}, "videos/")

	assert.Equal(t, Succeeded, result.Outcome)
	assert.NoError(t, result.Err)
	require.Len(t, f.backend.Uploads(), 1)
	req := f.backend.Uploads()[0]
	assert.Equal(t, int64(400), req.StartOffset)
	assert.Equal(t, "session-1", req.SessionToken)
	assert.Equal(t, int64(1000), req.TotalSize)
	assert.Equal(t, "videos/", req.FolderID)
	assert.Equal(t, int64(600), result.Bytes)

	_, ok := f.store.Get("movie.mp4")
	assert.False(t, ok, "record must be cleared on completion")

	assert.Equal(t, []events.UploadCompleted{{FileName: "movie.mp4", Success: true, Outcome: "succeeded"}}, f.sink.completed())
}

func TestUploadDiscardsStaleRecord(t *testing.T) {
	f := newFixture(t, map[string]int{"/w/a.bin": 300})
	require.NoError(t, f.store.Save("a.bin", 1000, 400, "old-session"))

	result := f.pool().Upload(context.Background(), File{Path: "/w/a.bin", Name: "a.bin"}, "")

	assert.Equal(t, Succeeded, result.Outcome)
	req := f.backend.Uploads()[0]
	assert.Equal(t, int64(0), req.StartOffset)
	assert.Empty(t, req.SessionToken)
}

func TestProgressIsPersistedBeforeNotification(t *testing.T) {
	f := newFixture(t, map[string]int{"/w/a.bin": 250})

	var checked int
	sink := events.SinkFunc(func(e events.Event) {
		p, ok := e.(events.UploadProgress)
		if !ok {
			return
		}
		checked++
		rec, ok := f.store.Get("a.bin")
		require.True(t, ok)
		assert.Equal(t, p.SessionToken, rec.SessionToken)
		assert.Equal(t, p.Percent, int(rec.UploadedSize*100/rec.TotalSize))
	})

	result := f.pool(WithSink(sink)).Upload(context.Background(), File{Path: "/w/a.bin", Name: "a.bin"}, "")

	assert.Equal(t, Succeeded, result.Outcome)
	assert.Equal(t, 3, checked)
}

func TestUploadRetriesUpToMaxRetries(t *testing.T) {
	f := newFixture(t, map[string]int{"/w/a.bin": 10})
	f.backend.UploadChunkedFunc = func(ctx context.Context, req remote.UploadRequest, onProgress remote.ProgressFunc) error {
		return errors.New("connection reset")
	}

	result := f.pool(WithMaxRetries(5)).Upload(context.Background(), File{Path: "/w/a.bin", Name: "a.bin"}, "")

	assert.Equal(t, Failed, result.Outcome)
	assert.True(t, errors.Is(result.Err, ErrMaxRetriesExceeded))
	assert.Equal(t, 6, result.Attempts)
	assert.Len(t, f.backend.Uploads(), 6)

	completed := f.sink.completed()
	require.Len(t, completed, 1)
	assert.False(t, completed[0].Success)
}

func TestUploadRetryResumesFromProgress(t *testing.T) {
	f := newFixture(t, map[string]int{"/w/a.bin": 300})

	calls := 0
	f.backend.UploadChunkedFunc = func(ctx context.Context, req remote.UploadRequest, onProgress remote.ProgressFunc) error {
		calls++
		if calls == 1 {
			require.NoError(t, onProgress(100, 300, "tok"))
			return errors.New("timeout")
		}
		return remotetest.ChunkedUpload("tok")(ctx, req, onProgress)
	}

	result := f.pool().Upload(context.Background(), File{Path: "/w/a.bin", Name: "a.bin"}, "")

	assert.Equal(t, Succeeded, result.Outcome)
	assert.Equal(t, 2, result.Attempts)
	uploads := f.backend.Uploads()
	require.Len(t, uploads, 2)
	assert.Equal(t, int64(100), uploads[1].StartOffset)
	assert.Equal(t, "tok", uploads[1].SessionToken)
}

func TestUploadWaitsRetryDelay(t *testing.T) {
	f := newFixture(t, map[string]int{"/w/a.bin": 10})
	clock := clockwork.NewFakeClock()

	calls := 0
	f.backend.UploadChunkedFunc = func(ctx context.Context, req remote.UploadRequest, onProgress remote.ProgressFunc) error {
		calls++
		if calls == 1 {
			return errors.New("503")
		}
		return nil
	}

	p := f.pool(WithClock(clock), WithRetryDelay(10*time.Second), WithMaxRetries(1))

	done := make(chan Result)
	go func() {
		done <- p.Upload(context.Background(), File{Path: "/w/a.bin", Name: "a.bin"}, "")
	}()

	clock.BlockUntil(1)
	select {
	case <-done:
		t.Fatal("retried before the delay elapsed")
	default:
	}
	clock.Advance(10 * time.Second)

	result := <-done
	assert.Equal(t, Succeeded, result.Outcome)
	assert.Equal(t, 2, result.Attempts)
}

func TestUploadAlreadyExists(t *testing.T) {
	f := newFixture(t, map[string]int{"/w/a.bin": 10})
	f.backend.UploadChunkedFunc = func(ctx context.Context, req remote.UploadRequest, onProgress remote.ProgressFunc) error {
		return remote.ErrAlreadyExists
	}

	var marked []string
	marker := markerFunc(func(path, sum string) error {
		marked = append(marked, path+"="+sum)
		return nil
	})
	sums := checksum.Func(func(path string) (string, error) { return "abc", nil })

	result := f.pool(WithMarker(marker), WithChecksums(sums)).Upload(context.Background(), File{Path: "/w/a.bin", Name: "a.bin"}, "")

	assert.Equal(t, SkippedAlreadyExists, result.Outcome)
	assert.True(t, result.Success())
	assert.Equal(t, 1, result.Attempts)
	assert.Equal(t, []events.UploadCompleted{{FileName: "a.bin", Success: true, Outcome: "skipped_already_exists"}}, f.sink.completed())
	// The remote copy counts as uploaded so the file is not sent again
	assert.Equal(t, []string{"/w/a.bin=abc"}, marked)
}

func TestUploadQuotaExceededIsNotRetried(t *testing.T) {
	f := newFixture(t, map[string]int{"/w/a.bin": 10})
	f.backend.UploadChunkedFunc = func(ctx context.Context, req remote.UploadRequest, onProgress remote.ProgressFunc) error {
		return remote.ErrQuotaExceeded
	}

	result := f.pool().Upload(context.Background(), File{Path: "/w/a.bin", Name: "a.bin"}, "")

	assert.Equal(t, Failed, result.Outcome)
	assert.True(t, errors.Is(result.Err, remote.ErrQuotaExceeded))
	assert.Equal(t, 1, result.Attempts)

	var messages []string
	for _, e := range f.sink.all() {
		if ue, ok := e.(events.UploadError); ok {
			messages = append(messages, ue.Message)
		}
	}
	assert.Equal(t, []string{"Storage quota exceeded"}, messages)
}

func TestCancelStopsUploadAndClearsProgress(t *testing.T) {
	f := newFixture(t, map[string]int{"/w/a.bin": 500})
	var p *Pool

	f.backend.UploadChunkedFunc = func(ctx context.Context, req remote.UploadRequest, onProgress remote.ProgressFunc) error {
		if err := onProgress(100, 500, "tok"); err != nil {
			return err
		}
		assert.True(t, p.Cancel("a.bin"))
		for offset := int64(200); offset <= 500; offset += 100 {
			if err := onProgress(offset, 500, "tok"); err != nil {
				return err
			}
		}
		t.Fatal("upload continued after cancellation")
		return nil
	}
	p = f.pool()

	result := p.Upload(context.Background(), File{Path: "/w/a.bin", Name: "a.bin"}, "")

	assert.Equal(t, Cancelled, result.Outcome)
	assert.True(t, errors.Is(result.Err, ErrCancelled))
	assert.Equal(t, 1, result.Attempts)
	_, ok := f.store.Get("a.bin")
	assert.False(t, ok)
	assert.Equal(t, []events.UploadCompleted{{FileName: "a.bin", Success: false, Outcome: "cancelled"}}, f.sink.completed())

	// A fresh upload of the same file starts over
	f.backend.UploadChunkedFunc = remotetest.ChunkedUpload("tok-2")
	result = p.Upload(context.Background(), File{Path: "/w/a.bin", Name: "a.bin"}, "")
	assert.Equal(t, Succeeded, result.Outcome)
	uploads := f.backend.Uploads()
	assert.Equal(t, int64(0), uploads[len(uploads)-1].StartOffset)
	assert.Empty(t, uploads[len(uploads)-1].SessionToken)
}

func TestCancelWithoutActiveUpload(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.store.Save("a.bin", 10, 5, "tok"))

	assert.False(t, f.pool().Cancel("a.bin"))
	_, ok := f.store.Get("a.bin")
	assert.False(t, ok)
}

func TestUploadInterruptedKeepsProgress(t *testing.T) {
	f := newFixture(t, map[string]int{"/w/a.bin": 300})
	ctx, cancel := context.WithCancel(context.Background())

	f.backend.UploadChunkedFunc = func(ctx context.Context, req remote.UploadRequest, onProgress remote.ProgressFunc) error {
		require.NoError(t, onProgress(100, 300, "tok"))
		cancel()
		return ctx.Err()
	}

	result := f.pool().Upload(ctx, File{Path: "/w/a.bin", Name: "a.bin"}, "")

	assert.Equal(t, Failed, result.Outcome)
	assert.True(t, errors.Is(result.Err, context.Canceled))
	rec, ok := f.store.Get("a.bin")
	require.True(t, ok)
	assert.Equal(t, int64(100), rec.UploadedSize)
}

func TestUploadMissingFile(t *testing.T) {
	f := newFixture(t, nil)

	result := f.pool().Upload(context.Background(), File{Path: "/w/gone.bin", Name: "gone.bin"}, "")

	assert.Equal(t, Failed, result.Outcome)
	assert.Empty(t, f.backend.Uploads())
}

func TestUploadMarksFileWithChecksum(t *testing.T) {
	f := newFixture(t, map[string]int{"/w/a.bin": 10})

	var marked []string
	marker := markerFunc(func(path, sum string) error {
		marked = append(marked, path+"="+sum)
		return nil
	})
	sums := checksum.Func(func(path string) (string, error) { return "sum-of-" + path, nil })

	result := f.pool(WithMarker(marker), WithChecksums(sums)).Upload(context.Background(), File{Path: "/w/a.bin", Name: "a.bin"}, "")

	assert.Equal(t, Succeeded, result.Outcome)
	assert.Equal(t, []string{"/w/a.bin=sum-of-/w/a.bin"}, marked)
}

func TestUploadFilesQuotaPreflight(t *testing.T) {
	f := newFixture(t, map[string]int{"/w/a.bin": 60, "/w/b.bin": 50})
	f.backend.CheckQuotaFunc = func(ctx context.Context) (remote.Quota, error) {
		return remote.Quota{Total: 1000, Used: 900}, nil
	}

	results, err := f.pool().UploadFiles(context.Background(), []File{
		{Path: "/w/a.bin", Name: "a.bin"},
		{Path: "/w/b.bin", Name: "b.bin"},
	}, "dest/")

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInsufficientQuota))
	var qe *InsufficientQuotaError
	require.True(t, errors.As(err, &qe))
	assert.Equal(t, int64(100), qe.Free)
	assert.Equal(t, int64(110), qe.Required)
	assert.Equal(t, "Insufficient storage space. Free: 100 B, Required: 110 B", qe.Error())

	assert.Nil(t, results)
	assert.Empty(t, f.backend.Uploads())
	assert.Equal(t, []events.Event{events.UploadError{Message: qe.Error()}}, f.sink.all())
}

func TestUploadFilesBackendErrors(t *testing.T) {
	authErr := errors.New("expired credentials")
	f := newFixture(t, map[string]int{"/w/a.bin": 10})
	f.backend.AuthenticateFunc = func(ctx context.Context) error { return authErr }

	_, err := f.pool().UploadFiles(context.Background(), []File{{Path: "/w/a.bin", Name: "a.bin"}}, "")

	var be *BackendError
	require.True(t, errors.As(err, &be))
	assert.Equal(t, "authenticate", be.Op)
	assert.True(t, errors.Is(err, authErr))
	assert.Empty(t, f.backend.Uploads())
}

func TestUploadFilesFanOut(t *testing.T) {
	f := newFixture(t, map[string]int{"/w/a.bin": 150, "/w/b.bin": 20, "/w/c.bin": 0})
	f.backend.CheckQuotaFunc = func(ctx context.Context) (remote.Quota, error) {
		return remote.Quota{Total: 1000, Used: 0}, nil
	}
	f.backend.UploadChunkedFunc = func(ctx context.Context, req remote.UploadRequest, onProgress remote.ProgressFunc) error {
		if req.FileName == "b.bin" {
			return remote.ErrAlreadyExists
		}
		return remotetest.ChunkedUpload("tok-"+req.FileName)(ctx, req, onProgress)
	}

	p := f.pool(WithConcurrency(2))
	results, err := p.UploadFiles(context.Background(), []File{
		{Path: "/w/a.bin", Name: "a.bin"},
		{Path: "/w/b.bin", Name: "b.bin"},
		{Path: "/w/c.bin", Name: "c.bin"},
		{Path: "/w/missing.bin", Name: "missing.bin"},
	}, "dest/")

	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, Succeeded, results[0].Outcome)
	assert.Equal(t, SkippedAlreadyExists, results[1].Outcome)
	assert.Equal(t, Succeeded, results[2].Outcome)
	assert.Equal(t, 1, f.backend.Authentications())

	stats := p.Stats()
	assert.Equal(t, int64(2), stats.Succeeded)
	assert.Equal(t, int64(1), stats.Skipped)
	assert.Equal(t, int64(150), stats.Bytes)
}

func TestUploadFilesCancelQueuedFile(t *testing.T) {
	f := newFixture(t, map[string]int{"/w/a.bin": 10, "/w/b.bin": 10})
	f.backend.CheckQuotaFunc = func(ctx context.Context) (remote.Quota, error) {
		return remote.Quota{Total: 1000}, nil
	}

	started := make(chan struct{})
	release := make(chan struct{})
	f.backend.UploadChunkedFunc = func(ctx context.Context, req remote.UploadRequest, onProgress remote.ProgressFunc) error {
		if req.FileName == "a.bin" {
			close(started)
			<-release
		}
		return remotetest.ChunkedUpload("tok")(ctx, req, onProgress)
	}

	p := f.pool(WithConcurrency(1))
	done := make(chan []Result)
	go func() {
		results, err := p.UploadFiles(context.Background(), []File{
			{Path: "/w/a.bin", Name: "a.bin"},
			{Path: "/w/b.bin", Name: "b.bin"},
		}, "dest/")
		assert.NoError(t, err)
		done <- results
	}()

	<-started
	assert.True(t, p.Cancel("b.bin"), "queued file must be cancellable")
	close(release)

	results := <-done
	require.Len(t, results, 2)
	assert.Equal(t, Succeeded, results[0].Outcome)
	assert.Equal(t, Cancelled, results[1].Outcome)
	assert.Equal(t, 0, results[1].Attempts)

	uploads := f.backend.Uploads()
	require.Len(t, uploads, 1)
	assert.Equal(t, "a.bin", uploads[0].FileName)
	assert.False(t, p.Cancel("b.bin"), "finished batch leaves nothing to cancel")
}

func TestProgressEventsNeverGoBackwards(t *testing.T) {
	f := newFixture(t, map[string]int{"/w/a.bin": 1000})
	f.backend.UploadChunkedFunc = func(ctx context.Context, req remote.UploadRequest, onProgress remote.ProgressFunc) error {
		for _, offset := range []int64{300, 200, 1000} {
			if err := onProgress(offset, 1000, "tok"); err != nil {
				return err
			}
		}
		return nil
	}

	result := f.pool().Upload(context.Background(), File{Path: "/w/a.bin", Name: "a.bin"}, "")

	require.Equal(t, Succeeded, result.Outcome)
	var percents []int
	for _, e := range f.sink.all() {
		if p, ok := e.(events.UploadProgress); ok {
			percents = append(percents, p.Percent)
		}
	}
	assert.Equal(t, []int{30, 30, 100}, percents)
}

func TestPercent(t *testing.T) {
	assert.Equal(t, 40, percent(400, 1000))
	assert.Equal(t, 100, percent(0, 0))
	assert.Equal(t, 100, percent(1000, 1000))
}
