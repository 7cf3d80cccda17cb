package s3client

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/yuya-takeyama/s3-watch-sync/internal/remote"
)

// Backend stores files under a bucket prefix. Remote folders are key
// prefixes and an upload session is an S3 multipart upload.
type Backend struct {
	client   *Client
	fs       afero.Fs
	bucket   string
	root     string
	capacity int64
	log      logrus.FieldLogger
}

var _ remote.Backend = (*Backend)(nil)

// NewBackend creates a backend rooted at s3://bucket/root. capacity is the
// quota in bytes; zero means unlimited.
func NewBackend(client *Client, fs afero.Fs, bucket, root string, capacity int64, log logrus.FieldLogger) *Backend {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Backend{
		client:   client,
		fs:       fs,
		bucket:   bucket,
		root:     normalizePrefix(root),
		capacity: capacity,
		log:      log,
	}
}

// Authenticate checks that the credentials can reach the bucket.
func (b *Backend) Authenticate(ctx context.Context) error {
	if err := b.client.HeadBucket(ctx, b.bucket); err != nil {
		return fmt.Errorf("head bucket %s: %w", b.bucket, err)
	}
	return nil
}

// CheckQuota reports the configured capacity and the bytes stored below the
// root prefix.
func (b *Backend) CheckQuota(ctx context.Context) (remote.Quota, error) {
	if b.capacity <= 0 {
		return remote.Quota{Total: math.MaxInt64}, nil
	}

	var used int64
	err := b.client.ListObjectsV2Pages(ctx, b.bucket, b.root, func(objects []types.Object) error {
		for _, obj := range objects {
			used += aws.ToInt64(obj.Size)
		}
		return nil
	})
	if err != nil {
		return remote.Quota{}, err
	}
	return remote.Quota{Total: b.capacity, Used: used}, nil
}

// FetchRemoteFolders returns the folder tree below the root prefix, derived
// from object keys and folder marker objects.
func (b *Backend) FetchRemoteFolders(ctx context.Context) ([]remote.Folder, error) {
	dirs := make(map[string]bool)
	err := b.client.ListObjectsV2Pages(ctx, b.bucket, b.root, func(objects []types.Object) error {
		for _, obj := range objects {
			rel := strings.TrimPrefix(aws.ToString(obj.Key), b.root)
			dir := path.Dir(rel)
			if strings.HasSuffix(rel, "/") {
				dir = strings.TrimSuffix(rel, "/")
			}
			for dir != "." && dir != "/" && dir != "" {
				dirs[dir] = true
				dir = path.Dir(dir)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return b.buildTree("", dirs), nil
}

func (b *Backend) buildTree(parent string, dirs map[string]bool) []remote.Folder {
	var names []string
	for dir := range dirs {
		p := path.Dir(dir)
		if p == "." {
			p = ""
		}
		if p == parent {
			names = append(names, dir)
		}
	}
	sort.Strings(names)

	folders := make([]remote.Folder, 0, len(names))
	for _, dir := range names {
		folders = append(folders, remote.Folder{
			ID:       b.root + dir + "/",
			Name:     path.Base(dir),
			Children: b.buildTree(dir, dirs),
		})
	}
	return folders
}

// UploadChunked uploads one part per chunk, resuming the multipart upload named
// by req.SessionToken when it still exists.
func (b *Backend) UploadChunked(ctx context.Context, req remote.UploadRequest, onProgress remote.ProgressFunc) error {
	key := ObjectKey(b.root, req.FolderID, req.FileName)
	log := b.log.WithField("key", key)

	exists, err := b.exists(ctx, key)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("s3://%s/%s: %w", b.bucket, key, remote.ErrAlreadyExists)
	}

	file, err := b.fs.Open(req.FilePath)
	if err != nil {
		return fmt.Errorf("open file: %w", err)
	}
	defer file.Close()

	total := req.TotalSize
	if total == 0 {
		if _, err := b.client.PutObject(ctx, b.bucket, key, file, 0); err != nil {
			return mapUploadError(fmt.Errorf("put object: %w", err))
		}
		return onProgress(0, 0, "")
	}

	chunk := req.ChunkSize
	if chunk <= 0 {
		chunk = total
	}

	uploadID, offset, parts, err := b.resume(ctx, key, req, chunk)
	if err != nil {
		return mapUploadError(err)
	}
	if offset > 0 {
		log.WithField("offset", offset).Debug("Resuming multipart upload")
	}

	for offset < total {
		size := chunk
		if total-offset < size {
			size = total - offset
		}
		partNumber := int32(offset/chunk) + 1

		out, err := b.client.UploadPart(ctx, b.bucket, key, uploadID, partNumber, file, offset, size)
		if err != nil {
			return mapUploadError(fmt.Errorf("upload part %d: %w", partNumber, err))
		}
		parts = append(parts, types.CompletedPart{
			ETag:       out.ETag,
			PartNumber: aws.Int32(partNumber),
		})
		offset += size

		if err := onProgress(offset, total, uploadID); err != nil {
			// A stop with a live context is a cancellation; the session is
			// kept otherwise so the next run can resume it
			if ctx.Err() == nil {
				if abortErr := b.client.AbortMultipartUpload(ctx, b.bucket, key, uploadID); abortErr != nil {
					log.WithError(abortErr).Warn("Failed to abort multipart upload")
				}
			}
			return fmt.Errorf("upload stopped: %w", err)
		}
	}

	sort.Slice(parts, func(i, j int) bool {
		return aws.ToInt32(parts[i].PartNumber) < aws.ToInt32(parts[j].PartNumber)
	})
	if _, err := b.client.CompleteMultipartUpload(ctx, b.bucket, key, uploadID, parts); err != nil {
		return mapUploadError(fmt.Errorf("complete multipart upload: %w", err))
	}
	return nil
}

// resume returns the upload id to continue, the offset of the first missing
// byte and the parts already in place.
func (b *Backend) resume(ctx context.Context, key string, req remote.UploadRequest, chunk int64) (string, int64, []types.CompletedPart, error) {
	if req.SessionToken != "" {
		existing, err := b.client.ListParts(ctx, b.bucket, key, req.SessionToken)
		var noSuchUpload *types.NoSuchUpload
		switch {
		case err == nil:
			offset, parts := contiguousParts(existing, chunk, req.TotalSize)
			return req.SessionToken, offset, parts, nil
		case errors.As(err, &noSuchUpload):
			b.log.WithField("key", key).Info("Upload session expired, starting over")
		default:
			return "", 0, nil, err
		}
	}

	out, err := b.client.CreateMultipartUpload(ctx, b.bucket, key)
	if err != nil {
		return "", 0, nil, fmt.Errorf("create multipart upload: %w", err)
	}
	return aws.ToString(out.UploadId), 0, nil, nil
}

// contiguousParts keeps the run of correctly sized parts starting at part 1.
func contiguousParts(existing []types.Part, chunk, total int64) (int64, []types.CompletedPart) {
	byNumber := make(map[int32]types.Part, len(existing))
	for _, p := range existing {
		byNumber[aws.ToInt32(p.PartNumber)] = p
	}

	var offset int64
	var parts []types.CompletedPart
	for n := int32(1); offset < total; n++ {
		p, ok := byNumber[n]
		if !ok {
			break
		}
		want := chunk
		if total-offset < want {
			want = total - offset
		}
		if aws.ToInt64(p.Size) != want {
			break
		}
		parts = append(parts, types.CompletedPart{ETag: p.ETag, PartNumber: aws.Int32(n)})
		offset += want
	}
	return offset, parts
}

func (b *Backend) exists(ctx context.Context, key string) (bool, error) {
	_, err := b.client.HeadObject(ctx, b.bucket, key)
	if err == nil {
		return true, nil
	}
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return false, nil
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode() == "NotFound" {
		return false, nil
	}
	return false, fmt.Errorf("head object: %w", err)
}

func mapUploadError(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "QuotaExceeded", "StorageQuotaExceeded", "InsufficientStorage":
			return fmt.Errorf("%w: %v", remote.ErrQuotaExceeded, err)
		}
	}
	var statusErr interface{ HTTPStatusCode() int }
	if errors.As(err, &statusErr) && statusErr.HTTPStatusCode() == 507 {
		return fmt.Errorf("%w: %v", remote.ErrQuotaExceeded, err)
	}
	return err
}
