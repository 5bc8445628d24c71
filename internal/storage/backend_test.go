package storage

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

var (
	_ StorageBackend = (*DiskBackend)(nil)
	_ StorageBackend = (*MemoryBackend)(nil)
	_ StorageBackend = (*S3Backend)(nil)
)

// backends returns a fresh instance of every backend that runs without
// external services.
func backends(t *testing.T) map[string]StorageBackend {
	t.Helper()

	disk, err := NewDiskBackend(t.TempDir())
	if err != nil {
		t.Fatalf("NewDiskBackend failed: %v", err)
	}
	t.Cleanup(func() { disk.Close() })

	return map[string]StorageBackend{
		"disk":   disk,
		"memory": NewMemoryBackend(),
	}
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func TestBackend_SaveOpenRoundTrip(t *testing.T) {
	for name, backend := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			content := []byte("hello, cloudfiles")

			result, err := backend.Save(ctx, bytes.NewReader(content), SaveOptions{OriginalFilename: "notes.TXT"})
			if err != nil {
				t.Fatalf("Save failed: %v", err)
			}
			if !strings.HasSuffix(result.Path, ".txt") {
				t.Errorf("expected lowercased .txt extension, got %s", result.Path)
			}
			if result.Size != int64(len(content)) {
				t.Errorf("expected size %d, got %d", len(content), result.Size)
			}
			if result.Hash != sha256Hex(content) {
				t.Errorf("hash mismatch: %s", result.Hash)
			}

			rc, err := backend.Open(ctx, result.Path)
			if err != nil {
				t.Fatalf("Open failed: %v", err)
			}
			defer rc.Close()
			got, err := io.ReadAll(rc)
			if err != nil {
				t.Fatalf("read failed: %v", err)
			}
			if !bytes.Equal(got, content) {
				t.Errorf("content mismatch: got %q", got)
			}
		})
	}
}

func TestBackend_EmptyAndLargeFiles(t *testing.T) {
	large := make([]byte, 3*1024*1024+17)
	for i := range large {
		large[i] = byte(i % 251)
	}

	for name, backend := range backends(t) {
		t.Run(name, func(t *testing.T) {
			for _, content := range [][]byte{{}, large} {
				result, err := backend.Save(context.Background(), bytes.NewReader(content), SaveOptions{OriginalFilename: "blob.bin"})
				if err != nil {
					t.Fatalf("Save failed: %v", err)
				}
				if result.Size != int64(len(content)) {
					t.Errorf("expected size %d, got %d", len(content), result.Size)
				}
				if result.Hash != sha256Hex(content) {
					t.Errorf("hash mismatch for %d bytes", len(content))
				}
			}
		})
	}
}

type failingReader struct {
	data []byte
	read bool
}

func (f *failingReader) Read(p []byte) (int, error) {
	if !f.read {
		f.read = true
		return copy(p, f.data), nil
	}
	return 0, errors.New("connection reset")
}

func TestBackend_SaveReaderErrorLeavesNothing(t *testing.T) {
	for name, backend := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := backend.Save(context.Background(), &failingReader{data: []byte("partial")}, SaveOptions{OriginalFilename: "x.bin"})
			if err == nil {
				t.Fatal("expected error from failing reader")
			}
			files, err := backend.List(context.Background())
			if err != nil {
				t.Fatalf("List failed: %v", err)
			}
			if len(files) != 0 {
				t.Errorf("expected no stored objects, got %d", len(files))
			}
		})
	}
}

func TestBackend_SaveCancelledContext(t *testing.T) {
	for name, backend := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			cancel()
			if _, err := backend.Save(ctx, strings.NewReader("data"), SaveOptions{OriginalFilename: "a.txt"}); err == nil {
				t.Error("expected Save to fail on cancelled context")
			}
		})
	}
}

func TestBackend_DeleteAndNotFound(t *testing.T) {
	for name, backend := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			result, err := backend.Save(ctx, strings.NewReader("delete me"), SaveOptions{OriginalFilename: "d.txt"})
			if err != nil {
				t.Fatalf("Save failed: %v", err)
			}

			if err := backend.Delete(ctx, result.Path); err != nil {
				t.Fatalf("Delete failed: %v", err)
			}
			// Second delete is a no-op.
			if err := backend.Delete(ctx, result.Path); err != nil {
				t.Errorf("Delete of missing object should succeed, got %v", err)
			}

			if _, err := backend.Stat(ctx, result.Path); !errors.Is(err, ErrNotFound) {
				t.Errorf("Stat: expected ErrNotFound, got %v", err)
			}
			if _, err := backend.Open(ctx, result.Path); !errors.Is(err, ErrNotFound) {
				t.Errorf("Open: expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestBackend_StatAndList(t *testing.T) {
	for name, backend := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			want := map[string]int64{}
			for _, body := range []string{"a", "bb", "ccc"} {
				result, err := backend.Save(ctx, strings.NewReader(body), SaveOptions{OriginalFilename: "f.txt"})
				if err != nil {
					t.Fatalf("Save failed: %v", err)
				}
				want[result.Path] = result.Size

				info, err := backend.Stat(ctx, result.Path)
				if err != nil {
					t.Fatalf("Stat failed: %v", err)
				}
				if info.Size != result.Size {
					t.Errorf("unexpected stat %+v", info)
				}
			}

			if err := backend.ValidateAccess(ctx); err != nil {
				t.Fatalf("ValidateAccess failed: %v", err)
			}

			files, err := backend.List(ctx)
			if err != nil {
				t.Fatalf("List failed: %v", err)
			}
			if len(files) != len(want) {
				t.Fatalf("expected %d files, got %d", len(want), len(files))
			}
			for _, f := range files {
				if size, ok := want[f.Path]; !ok || size != f.Size {
					t.Errorf("unexpected listed file %+v", f)
				}
			}
		})
	}
}

func TestBackend_ConcurrentSaves(t *testing.T) {
	for name, backend := range backends(t) {
		t.Run(name, func(t *testing.T) {
			var wg sync.WaitGroup
			paths := make(chan string, 10)
			for i := 1; i <= 10; i++ {
				wg.Add(1)
				go func(n int) {
					defer wg.Done()
					result, err := backend.Save(context.Background(), strings.NewReader(strings.Repeat("x", n*100)), SaveOptions{OriginalFilename: "c.txt"})
					if err != nil {
						t.Errorf("Save failed: %v", err)
						return
					}
					paths <- result.Path
				}(i)
			}
			wg.Wait()
			close(paths)

			seen := map[string]bool{}
			for p := range paths {
				if seen[p] {
					t.Errorf("duplicate path %s", p)
				}
				seen[p] = true
			}
		})
	}
}

func TestDiskBackend_RejectsTraversal(t *testing.T) {
	dir := t.TempDir()
	backend, err := NewDiskBackend(filepath.Join(dir, "store"))
	if err != nil {
		t.Fatalf("NewDiskBackend failed: %v", err)
	}
	defer backend.Close()

	if err := os.WriteFile(filepath.Join(dir, "secret.txt"), []byte("s"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := backend.Open(context.Background(), "../secret.txt"); err == nil {
		t.Error("expected traversal outside the storage root to fail")
	}
}

func TestDiskBackend_ValidateAccessLeavesNoFiles(t *testing.T) {
	dir := t.TempDir()
	backend, err := NewDiskBackend(dir)
	if err != nil {
		t.Fatalf("NewDiskBackend failed: %v", err)
	}
	defer backend.Close()

	if err := backend.ValidateAccess(context.Background()); err != nil {
		t.Fatalf("ValidateAccess failed: %v", err)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("ValidateAccess left %d entries behind", len(entries))
	}
}

func TestMemoryBackend_FailNextSave(t *testing.T) {
	backend := NewMemoryBackend()
	boom := errors.New("disk full")
	backend.FailNextSave(boom)

	if _, err := backend.Save(context.Background(), strings.NewReader("x"), SaveOptions{}); !errors.Is(err, boom) {
		t.Fatalf("expected injected error, got %v", err)
	}
	if _, err := backend.Save(context.Background(), strings.NewReader("x"), SaveOptions{}); err != nil {
		t.Fatalf("second Save should succeed: %v", err)
	}
	if backend.FileCount() != 1 {
		t.Errorf("expected 1 file, got %d", backend.FileCount())
	}
}

func TestGenerateName(t *testing.T) {
	tests := []struct {
		original string
		suffix   string
	}{
		{"report.pdf", ".pdf"},
		{"Photo.JPG", ".jpg"},
		{"README", ""},
		{"../../etc/passwd", ""},
		{"archive.tar.gz", ".gz"},
		{"weird." + strings.Repeat("x", 40), ""},
	}

	for _, tt := range tests {
		t.Run(tt.original, func(t *testing.T) {
			name := generateName(tt.original)
			if !strings.HasSuffix(name, tt.suffix) {
				t.Errorf("generateName(%q) = %q, want suffix %q", tt.original, name, tt.suffix)
			}
			if strings.ContainsAny(name, `/\`) {
				t.Errorf("generateName(%q) = %q contains a separator", tt.original, name)
			}
			if len(name) != 36+len(tt.suffix) {
				t.Errorf("generateName(%q) = %q has unexpected length", tt.original, name)
			}
		})
	}
}
