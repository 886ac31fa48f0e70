// Package blob stores request attachments behind a small S3-like
// interface with filesystem, S3 and in-memory backends.
package blob

import (
	"context"
	"errors"
	"io"
	"path"
	"regexp"
	"strings"
	"time"
)

// Driver identifies a concrete blob storage backend implementation.
type Driver string

const (
	DriverFilesystem Driver = "fs"     // local filesystem (default, dev)
	DriverS3         Driver = "s3"     // S3 / MinIO compatible
	DriverMemory     Driver = "memory" // in-memory (tests)
)

// ErrNotFound is returned when no blob exists under a key.
var ErrNotFound = errors.New("blob not found")

// PutOptions specifies optional parameters for Put.
type PutOptions struct {
	ContentType string
	Metadata    map[string]string
}

// Info describes a stored blob.
type Info struct {
	Key          string            `json:"key"`
	Size         int64             `json:"size_bytes"`
	ContentType  string            `json:"content_type,omitempty"`
	ETag         string            `json:"etag,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	LastModified time.Time         `json:"last_modified"`
}

// Store is implemented by every backend. Put overwrites an existing key.
type Store interface {
	Put(ctx context.Context, key string, r io.Reader, opts PutOptions) (Info, error)
	Get(ctx context.Context, key string) (Info, io.ReadCloser, error)
	Head(ctx context.Context, key string) (Info, error)
	Delete(ctx context.Context, key string) (bool, error)
	List(ctx context.Context, prefix string) ([]Info, error)
	Driver() Driver
}

const (
	requestPrefix       = "requests/"
	maxFilenameLength   = 200
	fallbackFilename    = "attachment"
	originalFilenameKey = "filename"
)

var unsafeFilenameChars = regexp.MustCompile(`[^A-Za-z0-9._ -]+`)

// RequestPrefix returns the key prefix holding every attachment of a request.
func RequestPrefix(requestID string) string {
	return requestPrefix + requestID + "/"
}

// RequestKey returns the key for an attachment uploaded to a request.
func RequestKey(requestID, filename string) string {
	return RequestPrefix(requestID) + SanitizeFilename(filename)
}

// SanitizeFilename reduces a client supplied filename to a safe base name.
func SanitizeFilename(filename string) string {
	name := strings.ReplaceAll(filename, `\`, "/")
	name = path.Base(name)
	name = unsafeFilenameChars.ReplaceAllString(name, "_")
	name = strings.Trim(name, " .")
	if name == "" || name == "/" {
		return fallbackFilename
	}
	if len(name) > maxFilenameLength {
		ext := path.Ext(name)
		if len(ext) > 16 {
			ext = ""
		}
		name = name[:maxFilenameLength-len(ext)] + ext
	}
	return name
}

// OriginalFilename returns the filename recorded at upload time, falling
// back to the last element of the key.
func OriginalFilename(info Info) string {
	if name := strings.TrimSpace(info.Metadata[originalFilenameKey]); name != "" {
		return name
	}
	return path.Base(info.Key)
}

// UploadOptions builds PutOptions for a named upload.
func UploadOptions(filename, contentType string) PutOptions {
	return PutOptions{
		ContentType: contentType,
		Metadata:    map[string]string{originalFilenameKey: SanitizeFilename(filename)},
	}
}

func cloneMetadata(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
