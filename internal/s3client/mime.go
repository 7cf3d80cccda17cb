package s3client

import (
	"mime"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
)

// contentType guesses the Content-Type of an object from its key. Keys
// without a known extension get nil so S3 applies its default.
func contentType(key string) *string {
	ext := path.Ext(key)
	if ext == "" {
		return nil
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return aws.String(t)
	}
	return nil
}
