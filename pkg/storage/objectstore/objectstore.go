package objectstore

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"
)

// Config contains the information required to talk to an object store.
type Config struct {
	Provider  string
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Prefix    string
}

// PutOptions describes the object being written.
type PutOptions struct {
	ContentType string
	Metadata    map[string]string
}

// Client represents the capabilities the migration expects from a destination.
type Client interface {
	Put(ctx context.Context, key string, reader io.Reader, size int64, opts PutOptions) error
	Exists(ctx context.Context, key string) (bool, error)
	EnsureBucket(ctx context.Context) error
	Close() error
}

// StatusCoder is implemented by errors that carry an HTTP-equivalent status.
type StatusCoder interface {
	StatusCode() int
}

// StatusError is returned by clients for responses with a known status code.
type StatusError struct {
	Op     string
	Key    string
	Status int
	Err    error
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %v", e.Op, e.Key, e.Status, e.Err)
}

func (e *StatusError) Unwrap() error { return e.Err }

// StatusCode implements StatusCoder.
func (e *StatusError) StatusCode() int { return e.Status }

// New creates an object store client based on the given configuration.
func New(cfg Config) (Client, error) {
	switch cfg.Provider {
	case "minio":
		return newMinioClient(cfg)
	case "s3":
		return newS3Client(cfg)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unsupported object store provider: %s", cfg.Provider)
	}
}

func prefixed(prefix, key string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return key
	}
	return path.Join(prefix, key)
}
