package storage

import (
	"fmt"
	"testing"

	"github.com/agjmills/cloudfiles/internal/config"
)

func TestNewBackendFromConfig(t *testing.T) {
	tests := []struct {
		name         string
		backendType  string
		bucket       string
		expectError  bool
		expectedType string
	}{
		{"disk backend", "disk", "", false, "*storage.DiskBackend"},
		{"empty defaults to disk", "", "", false, "*storage.DiskBackend"},
		{"memory backend", "memory", "", false, "*storage.MemoryBackend"},
		{"s3 backend", "s3", "test-bucket", false, "*storage.S3Backend"},
		{"s3 without bucket", "s3", "", true, ""},
		{"unknown backend", "ftp", "", true, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &config.Config{
				StorageBackend: tt.backendType,
				StoragePath:    t.TempDir(),
				S3Region:       "us-east-1",
				S3Bucket:       tt.bucket,
				S3UsePathStyle: true,
			}

			backend, err := NewBackendFromConfig(cfg)
			if tt.expectError {
				if err == nil {
					t.Fatal("expected error but got none")
				}
				if backend != nil {
					t.Error("backend should be nil when an error occurs")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got := fmt.Sprintf("%T", backend); got != tt.expectedType {
				t.Errorf("expected %s, got %s", tt.expectedType, got)
			}
		})
	}
}

func TestNewBackendFromConfig_UnknownMessage(t *testing.T) {
	_, err := NewBackendFromConfig(&config.Config{StorageBackend: "azure"})
	want := "unknown storage backend: azure (supported: disk, memory, s3)"
	if err == nil || err.Error() != want {
		t.Errorf("expected %q, got %v", want, err)
	}
}

func TestNewBackendFromConfig_DiskWithEmptyPath(t *testing.T) {
	backend, err := NewBackendFromConfig(&config.Config{StorageBackend: "disk"})
	if err == nil {
		t.Error("expected error when disk path is empty")
	}
	if backend != nil {
		t.Error("backend should be nil when an error occurs")
	}
}
