// Package blob stores input, result and template artifacts by key.
//
// Keys are slash-separated paths such as "inputs/4/<uuid>.json" or
// "results/<uuid>.json". Backends map them onto a directory tree or an S3
// bucket. A missing object is reported as apperrors.ErrNotFound; failures to
// reach the backend are apperrors.ErrUnavailable.
package blob

import (
	"context"
	"fmt"
	"io"
	"mime"
	"path"
	"strings"

	"cohortlab/internal/apperrors"
)

// Store is the narrow object storage contract used by the service and runners.
type Store interface {
	// Put writes data at key, replacing any existing object.
	Put(ctx context.Context, key string, data []byte) error

	// Get reads the whole object.
	Get(ctx context.Context, key string) ([]byte, error)

	// Open streams the object. Callers close the reader.
	Open(ctx context.Context, key string) (io.ReadCloser, error)

	// List returns keys under prefix in lexical order.
	List(ctx context.Context, prefix string) ([]string, error)

	// DeletePrefix removes every object under prefix and reports how many
	// were removed. Removing nothing is not an error.
	DeletePrefix(ctx context.Context, prefix string) (int, error)

	// Ready reports whether the backend is reachable.
	Ready(ctx context.Context) error
}

// Options selects and configures a backend.
type Options struct {
	Driver   string // "fs", "s3" or "memory"
	Root     string // fs
	Bucket   string // s3
	Region   string // s3
	Endpoint string // s3, for MinIO or LocalStack
}

// New opens the backend named by opts.Driver.
func New(ctx context.Context, opts Options) (Store, error) {
	switch opts.Driver {
	case "", "fs":
		return NewFS(opts.Root)
	case "s3":
		return NewS3(ctx, opts.Bucket, opts.Region, opts.Endpoint)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown blob driver %q", opts.Driver)
	}
}

// ValidateKey rejects keys that could escape the store's namespace.
func ValidateKey(key string) error {
	if key == "" {
		return apperrors.Validation("key", "object key is required")
	}
	if strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return apperrors.Validation("key", fmt.Sprintf("invalid object key %q", key))
	}
	for _, part := range strings.Split(key, "/") {
		if part == "" || part == "." || part == ".." {
			return apperrors.Validation("key", fmt.Sprintf("invalid object key %q", key))
		}
	}
	return nil
}

// ContentType guesses a MIME type from the key's extension.
func ContentType(key string) string {
	if t := mime.TypeByExtension(path.Ext(key)); t != "" {
		return t
	}
	return "application/octet-stream"
}

func notFound(key string) error {
	return apperrors.NotFound("object", key)
}
