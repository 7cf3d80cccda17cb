package checksum

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/spf13/afero"
)

const bufferSize = 64 * 1024 // 64KB buffer

// Provider computes a content checksum for a local file.
type Provider interface {
	Checksum(path string) (string, error)
}

// MD5 computes hex-encoded MD5 digests, the same format S3 uses for
// single-part ETags.
type MD5 struct {
	fs afero.Fs
}

// NewMD5 creates an MD5 provider reading through fs.
func NewMD5(fs afero.Fs) *MD5 {
	return &MD5{fs: fs}
}

// Checksum streams the file at path through MD5.
func (m *MD5) Checksum(path string) (string, error) {
	file, err := m.fs.Open(path)
	if err != nil {
		return "", fmt.Errorf("open file: %w", err)
	}
	defer file.Close()

	return CalculateMD5(file)
}

// CalculateMD5 calculates the MD5 checksum of r and returns it hex encoded
func CalculateMD5(r io.Reader) (string, error) {
	hash := md5.New()
	buffer := make([]byte, bufferSize)

	for {
		n, err := r.Read(buffer)
		if n > 0 {
			if _, err := hash.Write(buffer[:n]); err != nil {
				return "", fmt.Errorf("write to hash: %w", err)
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("read: %w", err)
		}
	}

	return hex.EncodeToString(hash.Sum(nil)), nil
}

// Func adapts a plain function to Provider.
type Func func(path string) (string, error)

// Checksum calls f(path).
func (f Func) Checksum(path string) (string, error) {
	return f(path)
}
