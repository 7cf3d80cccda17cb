package registry

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scanFunc func(root string) (*LocalNode, error)

func (f scanFunc) Scan(root string) (*LocalNode, error) { return f(root) }

func dir(path string, children ...*LocalNode) *LocalNode {
	if children == nil {
		children = []*LocalNode{}
	}
	return &LocalNode{ID: "id-" + path, Name: baseName(path), Path: path, IsDir: true, Children: children}
}

func file(path string, size int64) *LocalNode {
	return &LocalNode{ID: "id-" + path, Name: baseName(path), Path: path, Size: size}
}

func baseName(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[i+1:]
		}
	}
	return path
}

func staticScanner(root *LocalNode) Scanner {
	return scanFunc(func(string) (*LocalNode, error) { return root.Clone(), nil })
}

func TestRegisterDuplicate(t *testing.T) {
	r := New(staticScanner(dir("/watch", file("/watch/a.txt", 1))), nil, nil)

	pair, err := r.Register("/watch")
	require.NoError(t, err)
	assert.NotEmpty(t, pair.LocalID)
	assert.Equal(t, pair.Root.ID, pair.LocalID)
	assert.Equal(t, "id-/watch", pair.LocalID)
	assert.False(t, pair.Paired)

	_, err = r.Register("/watch")
	assert.True(t, errors.Is(err, ErrDuplicatePath))
	assert.Len(t, r.AllPairs(), 1)
}

func TestRegisterAssignsRootIDWhenMissing(t *testing.T) {
	root := dir("/watch")
	root.ID = ""
	r := New(staticScanner(root), nil, nil)

	pair, err := r.Register("/watch")
	require.NoError(t, err)
	assert.NotEmpty(t, pair.LocalID)
	assert.Equal(t, pair.LocalID, pair.Root.ID)

	got, err := r.Pair(pair.LocalID)
	require.NoError(t, err)
	assert.Equal(t, pair.LocalID, got.Root.ID)
}

func TestRegisterScanError(t *testing.T) {
	scanErr := errors.New("boom")
	r := New(scanFunc(func(string) (*LocalNode, error) { return nil, scanErr }), nil, nil)

	_, err := r.Register("/watch")
	assert.True(t, errors.Is(err, scanErr))
	assert.Empty(t, r.AllPairs())
}

func TestBindRemote(t *testing.T) {
	r := New(staticScanner(dir("/watch")), nil, nil)
	pair, err := r.Register("/watch")
	require.NoError(t, err)

	changed, err := r.BindRemote(pair.LocalID, "photos/")
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = r.BindRemote(pair.LocalID, "photos/")
	require.NoError(t, err)
	assert.False(t, changed)

	_, err = r.BindRemote(pair.LocalID, "docs/")
	assert.True(t, errors.Is(err, ErrRemoteAlreadyBound))

	got, err := r.Pair(pair.LocalID)
	require.NoError(t, err)
	assert.True(t, got.Paired)
	assert.Equal(t, "photos/", got.RemoteID)

	_, err = r.BindRemote("unknown", "x/")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestUnregister(t *testing.T) {
	r := New(staticScanner(dir("/watch")), nil, nil)
	pair, err := r.Register("/watch")
	require.NoError(t, err)

	require.NoError(t, r.Unregister(pair.LocalID))
	assert.Empty(t, r.AllPairs())
	assert.True(t, errors.Is(r.Unregister(pair.LocalID), ErrNotFound))

	// The path can be registered again afterwards
	_, err = r.Register("/watch")
	assert.NoError(t, err)
}

func TestMarkUploadedAndFileState(t *testing.T) {
	r := New(staticScanner(dir("/watch", file("/watch/a.txt", 3))), nil, nil)
	_, err := r.Register("/watch")
	require.NoError(t, err)

	uploaded, _, ok := r.FileState("/watch/a.txt")
	require.True(t, ok)
	assert.False(t, uploaded)

	require.NoError(t, r.MarkUploaded("/watch/a.txt", "abc"))

	uploaded, sum, ok := r.FileState("/watch/a.txt")
	require.True(t, ok)
	assert.True(t, uploaded)
	assert.Equal(t, "abc", sum)

	// A file removed before its upload finished is ignored
	assert.NoError(t, r.MarkUploaded("/watch/missing.txt", "x"))
	_, _, ok = r.FileState("/other/a.txt")
	assert.False(t, ok)
}

func TestReadersGetCopies(t *testing.T) {
	r := New(staticScanner(dir("/watch", file("/watch/a.txt", 3))), nil, nil)
	pair, err := r.Register("/watch")
	require.NoError(t, err)

	pair.Root.Find("/watch/a.txt").Uploaded = true

	uploaded, _, _ := r.FileState("/watch/a.txt")
	assert.False(t, uploaded)
}

func TestRefreshSnapshotPreservesIDs(t *testing.T) {
	r := New(staticScanner(dir("/watch", file("/watch/a.txt", 3))), nil, nil)
	pair, err := r.Register("/watch")
	require.NoError(t, err)
	require.NoError(t, r.MarkUploaded("/watch/a.txt", "sum-a"))

	originalID := pair.Root.Find("/watch/a.txt").ID

	next := dir("/watch", file("/watch/a.txt", 3), file("/watch/b.txt", 4))
	next.Find("/watch/a.txt").ID = "fresh-id"

	diff, err := r.RefreshSnapshot(pair.LocalID, next)
	require.NoError(t, err)
	require.Len(t, diff.Added, 1)
	assert.Equal(t, "b.txt", diff.Added[0].RelPath)
	assert.NotEmpty(t, diff.Added[0].Node.ID)
	assert.Empty(t, diff.Modified)
	assert.Empty(t, diff.Removed)

	got, err := r.Pair(pair.LocalID)
	require.NoError(t, err)
	a := got.Root.Find("/watch/a.txt")
	assert.Equal(t, originalID, a.ID)
	assert.True(t, a.Uploaded)
	assert.Equal(t, "sum-a", a.Checksum)
}

func TestRefreshSnapshotConcurrentReaders(t *testing.T) {
	r := New(staticScanner(dir("/watch", file("/watch/a.txt", 1))), nil, nil)
	pair, err := r.Register("/watch")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(size int64) {
			defer wg.Done()
			_, err := r.RefreshSnapshot(pair.LocalID, dir("/watch", file("/watch/a.txt", size)))
			assert.NoError(t, err)
		}(int64(i))
		go func() {
			defer wg.Done()
			for _, p := range r.AllPairs() {
				_ = VisibleFiles(p.Root)
			}
		}()
	}
	wg.Wait()
}

func TestPairFor(t *testing.T) {
	r := New(staticScanner(dir("/watch")), nil, nil)
	pair, err := r.Register("/watch")
	require.NoError(t, err)

	got, err := r.PairFor("/watch/sub/a.txt")
	require.NoError(t, err)
	assert.Equal(t, pair.LocalID, got.LocalID)

	_, err = r.PairFor("/watcher/a.txt")
	assert.True(t, errors.Is(err, ErrNotFound))
}
