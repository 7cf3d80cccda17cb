// Package remote defines the contract between the sync engine and a remote
// storage service.
package remote

import (
	"context"
	"errors"
)

var (
	// ErrAlreadyExists is returned by UploadChunked when the destination
	// already holds a file with the same name.
	ErrAlreadyExists = errors.New("file already exists")

	// ErrQuotaExceeded is returned when the remote rejects an upload for lack
	// of storage space.
	ErrQuotaExceeded = errors.New("storage quota exceeded")
)

// Quota is the storage capacity of the remote account in bytes.
type Quota struct {
	Total int64
	Used  int64
}

// Free returns the remaining capacity.
func (q Quota) Free() int64 {
	return q.Total - q.Used
}

// Folder is a node of the remote folder tree.
type Folder struct {
	ID       string
	Name     string
	Children []Folder
}

// UploadRequest describes one resumable upload attempt.
type UploadRequest struct {
	FilePath     string
	FileName     string
	FolderID     string
	ChunkSize    int64
	StartOffset  int64
	TotalSize    int64
	SessionToken string
}

// ProgressFunc is called after each chunk is accepted by the remote. A non-nil
// return value stops the transfer and is wrapped in UploadChunked's error.
type ProgressFunc func(uploaded, total int64, sessionToken string) error

// Backend is a remote storage service.
type Backend interface {
	Authenticate(ctx context.Context) error
	CheckQuota(ctx context.Context) (Quota, error)
	FetchRemoteFolders(ctx context.Context) ([]Folder, error)

	// UploadChunked transfers req.FilePath starting at req.StartOffset,
	// resuming req.SessionToken when set. It returns nil on success and an
	// error wrapping ErrAlreadyExists or ErrQuotaExceeded for those outcomes.
	UploadChunked(ctx context.Context, req UploadRequest, onProgress ProgressFunc) error
}
