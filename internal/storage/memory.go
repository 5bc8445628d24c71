package storage

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"strings"
	"sync"

	"github.com/liamg/memoryfs"
)

// MemoryBackend keeps objects in a memoryfs tree. Intended for tests and
// throwaway deployments; everything is lost on restart.
type MemoryBackend struct {
	mu sync.RWMutex
	fs *memoryfs.FS

	// failSave, when set, makes the next Save fail. Tests use it to
	// exercise compensation paths.
	failSave error
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{fs: memoryfs.New()}
}

func (m *MemoryBackend) Save(ctx context.Context, r io.Reader, opts SaveOptions) (SaveResult, error) {
	m.mu.Lock()
	injected := m.failSave
	m.failSave = nil
	m.mu.Unlock()
	if injected != nil {
		return SaveResult{}, injected
	}

	name := generateName(opts.OriginalFilename)

	// memoryfs only accepts whole files, so buffer and hash in one pass.
	hasher := sha256.New()
	var buf bytes.Buffer
	size, err := io.CopyBuffer(io.MultiWriter(&buf, hasher), contextReader{ctx: ctx, r: r}, make([]byte, 32*1024))
	if err != nil {
		return SaveResult{}, fmt.Errorf("failed to read content: %w", err)
	}

	m.mu.Lock()
	err = m.fs.WriteFile(name, buf.Bytes(), 0644)
	m.mu.Unlock()
	if err != nil {
		return SaveResult{}, fmt.Errorf("failed to write file: %w", err)
	}

	return SaveResult{
		Path: name,
		Hash: hex.EncodeToString(hasher.Sum(nil)),
		Size: size,
	}, nil
}

func (m *MemoryBackend) Open(ctx context.Context, path string) (io.ReadCloser, error) {
	m.mu.RLock()
	content, err := m.fs.ReadFile(path)
	m.mu.RUnlock()
	if err != nil {
		if isNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	return io.NopCloser(bytes.NewReader(content)), nil
}

func (m *MemoryBackend) Delete(ctx context.Context, path string) error {
	m.mu.Lock()
	err := m.fs.Remove(path)
	m.mu.Unlock()
	if err != nil && !isNotExist(err) {
		return fmt.Errorf("failed to delete file: %w", err)
	}
	return nil
}

func (m *MemoryBackend) Stat(ctx context.Context, path string) (FileInfo, error) {
	m.mu.RLock()
	info, err := m.fs.Stat(path)
	m.mu.RUnlock()
	if err != nil {
		if isNotExist(err) {
			return FileInfo{}, ErrNotFound
		}
		return FileInfo{}, fmt.Errorf("failed to stat file: %w", err)
	}
	return FileInfo{Path: path, Size: info.Size(), ModTime: info.ModTime()}, nil
}

func (m *MemoryBackend) List(ctx context.Context) ([]FileInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries, err := m.fs.ReadDir(".")
	if err != nil {
		return nil, fmt.Errorf("failed to list files: %w", err)
	}

	result := make([]FileInfo, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		result = append(result, FileInfo{Path: entry.Name(), Size: info.Size(), ModTime: info.ModTime()})
	}
	return result, nil
}

// HealthCheck always succeeds; there is nothing external to reach.
func (m *MemoryBackend) HealthCheck(ctx context.Context) error { return nil }

func (m *MemoryBackend) ValidateAccess(ctx context.Context) error { return nil }

// FailNextSave makes the next Save return err.
func (m *MemoryBackend) FailNextSave(err error) {
	m.mu.Lock()
	m.failSave = err
	m.mu.Unlock()
}

// FileCount returns the number of stored objects.
func (m *MemoryBackend) FileCount() int {
	files, err := m.List(context.Background())
	if err != nil {
		return 0
	}
	return len(files)
}

func isNotExist(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, fs.ErrNotExist) {
		return true
	}
	// memoryfs does not always wrap fs.ErrNotExist.
	msg := err.Error()
	return strings.Contains(msg, "file does not exist") || strings.Contains(msg, "no such file")
}
