package s3client

import (
	"fmt"
	"path"
	"strings"
)

// ParseS3URI parses an S3 URI into bucket and prefix
func ParseS3URI(uri string) (bucket, prefix string, err error) {
	if !strings.HasPrefix(uri, "s3://") {
		return "", "", fmt.Errorf("invalid S3 URI: must start with s3://")
	}

	trimmed := strings.TrimPrefix(uri, "s3://")
	parts := strings.SplitN(trimmed, "/", 2)

	if len(parts) == 0 || parts[0] == "" {
		return "", "", fmt.Errorf("invalid S3 URI: missing bucket name")
	}

	bucket = parts[0]
	if len(parts) > 1 {
		prefix = normalizePrefix(parts[1])
	}

	return bucket, prefix, nil
}

// FolderPrefix resolves a remote folder id below the target root prefix.
// Ids returned by FetchRemoteFolders already carry the root; other ids are
// taken as relative to it.
func FolderPrefix(root, folderID string) string {
	folder := normalizePrefix(folderID)
	if root != "" && strings.HasPrefix(folder, root) {
		return folder
	}
	return root + folder
}

// ObjectKey returns the key of fileName inside a remote folder.
func ObjectKey(root, folderID, fileName string) string {
	return FolderPrefix(root, folderID) + strings.TrimPrefix(path.Clean("/"+fileName), "/")
}

// normalizePrefix ensures a non-empty prefix ends with exactly one /
func normalizePrefix(prefix string) string {
	prefix = strings.TrimPrefix(prefix, "/")
	if prefix == "" {
		return ""
	}
	return strings.TrimSuffix(prefix, "/") + "/"
}
