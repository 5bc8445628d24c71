package storage

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when the requested object does not exist in the backend.
var ErrNotFound = errors.New("object not found")

// copyBufferSize is the buffer size used for file copies (8MB aligns with S3 multipart upload parts)
const copyBufferSize = 8 * 1024 * 1024

// accessTestPrefix marks objects written by ValidateAccess; List skips them.
const accessTestPrefix = ".cloudfiles-access-test-"

// StorageBackend defines the behavior required by the application for storing
// uploaded bytes. Implementations: local disk, in-memory, S3.
type StorageBackend interface {
	// Save stores content under a new unique name derived from opts.OriginalFilename.
	Save(ctx context.Context, r io.Reader, opts SaveOptions) (SaveResult, error)
	// Open returns a reader for the object; ErrNotFound if it does not exist.
	Open(ctx context.Context, path string) (io.ReadCloser, error)
	// Delete removes the object. Deleting a missing object is not an error.
	Delete(ctx context.Context, path string) error
	Stat(ctx context.Context, path string) (FileInfo, error)
	// List returns every stored object. Used by the orphan sweeper.
	List(ctx context.Context) ([]FileInfo, error)
	HealthCheck(ctx context.Context) error
	ValidateAccess(ctx context.Context) error
}

type SaveOptions struct {
	OriginalFilename string
	ContentType      string
}

type SaveResult struct {
	Path string // Backend handle, also the public stored name
	Hash string // Hex SHA-256 of the content
	Size int64
}

type FileInfo struct {
	Path    string
	Size    int64
	ModTime time.Time
}

// generateName builds a collision-free object name that keeps the original
// extension, e.g. "3f2a...-9c.pdf".
func generateName(originalFilename string) string {
	ext := strings.ToLower(filepath.Ext(filepath.Base(originalFilename)))
	if len(ext) > 16 || strings.ContainsAny(ext, `/\`) {
		ext = ""
	}
	return uuid.New().String() + ext
}
