// Package remotetest provides a programmable remote.Backend for tests.
package remotetest

import (
	"context"
	"fmt"
	"sync"

	"github.com/yuya-takeyama/s3-watch-sync/internal/remote"
)

// Backend is a remote.Backend whose behaviour is set through function fields.
// Unset functions succeed with zero values; every upload request is recorded.
type Backend struct {
	AuthenticateFunc       func(ctx context.Context) error
	CheckQuotaFunc         func(ctx context.Context) (remote.Quota, error)
	FetchRemoteFoldersFunc func(ctx context.Context) ([]remote.Folder, error)
	UploadChunkedFunc      func(ctx context.Context, req remote.UploadRequest, onProgress remote.ProgressFunc) error

	mu      sync.Mutex
	uploads []remote.UploadRequest
	auths   int
}

var _ remote.Backend = (*Backend)(nil)

func (b *Backend) Authenticate(ctx context.Context) error {
	b.mu.Lock()
	b.auths++
	b.mu.Unlock()
	if b.AuthenticateFunc != nil {
		return b.AuthenticateFunc(ctx)
	}
	return nil
}

func (b *Backend) CheckQuota(ctx context.Context) (remote.Quota, error) {
	if b.CheckQuotaFunc != nil {
		return b.CheckQuotaFunc(ctx)
	}
	return remote.Quota{}, fmt.Errorf("CheckQuota not implemented")
}

func (b *Backend) FetchRemoteFolders(ctx context.Context) ([]remote.Folder, error) {
	if b.FetchRemoteFoldersFunc != nil {
		return b.FetchRemoteFoldersFunc(ctx)
	}
	return nil, nil
}

func (b *Backend) UploadChunked(ctx context.Context, req remote.UploadRequest, onProgress remote.ProgressFunc) error {
	b.mu.Lock()
	b.uploads = append(b.uploads, req)
	b.mu.Unlock()
	if b.UploadChunkedFunc != nil {
		return b.UploadChunkedFunc(ctx, req, onProgress)
	}
	return ChunkedUpload("session")(ctx, req, onProgress)
}

// Uploads returns every recorded upload request in call order.
func (b *Backend) Uploads() []remote.UploadRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]remote.UploadRequest, len(b.uploads))
	copy(out, b.uploads)
	return out
}

// Authentications returns how many times Authenticate was called.
func (b *Backend) Authentications() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.auths
}

// ChunkedUpload returns an UploadChunkedFunc that reports progress chunk by
// chunk from req.StartOffset to req.TotalSize and succeeds.
func ChunkedUpload(token string) func(ctx context.Context, req remote.UploadRequest, onProgress remote.ProgressFunc) error {
	return func(ctx context.Context, req remote.UploadRequest, onProgress remote.ProgressFunc) error {
		session := req.SessionToken
		if session == "" {
			session = token
		}
		chunk := req.ChunkSize
		if chunk <= 0 {
			chunk = req.TotalSize
		}
		offset := req.StartOffset
		for offset < req.TotalSize {
			if err := ctx.Err(); err != nil {
				return err
			}
			offset += chunk
			if offset > req.TotalSize {
				offset = req.TotalSize
			}
			if err := onProgress(offset, req.TotalSize, session); err != nil {
				return fmt.Errorf("upload stopped: %w", err)
			}
		}
		return nil
	}
}
