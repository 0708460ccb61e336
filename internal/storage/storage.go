// Package storage provides the blob store that carries chunk documents from
// the orchestrator to workers and holds exported findings. Backends: a local
// directory (one-shot scans, single-host deployments) and any S3-compatible
// object store (Tigris, MinIO, AWS).
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	appconfig "github.com/jmylchreest/specprobe/internal/config"
)

// ErrNotFound is returned when a key does not exist.
var ErrNotFound = errors.New("object not found")

// Store is the blob store contract. Keys are slash-separated paths, e.g.
// chunks/<scan_id>/<n>.json or results/<scan_id>.json.
type Store interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	// DeletePrefix removes every object under the prefix and returns how
	// many were deleted.
	DeletePrefix(ctx context.Context, prefix string) (int, error)
}

// ChunkKey is the canonical location of one chunk document.
func ChunkKey(scanID string, chunk int) string {
	return fmt.Sprintf("chunks/%s/%d.json", scanID, chunk)
}

// ScanPrefix is the prefix holding everything belonging to one scan.
func ScanPrefix(scanID string) string {
	return fmt.Sprintf("chunks/%s/", scanID)
}

// ResultKey is the location of a scan's exported findings.
func ResultKey(scanID string) string {
	return fmt.Sprintf("results/%s.json", scanID)
}

// FromConfig selects the backend: S3 when a bucket is configured, the local
// chunk directory otherwise.
func FromConfig(cfg *appconfig.Config, logger *slog.Logger) (Store, error) {
	if cfg.StorageEnabled {
		return NewS3(cfg, logger)
	}
	return NewLocal(cfg.ChunkDir, logger)
}
