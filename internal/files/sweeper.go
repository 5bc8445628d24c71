package files

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/agjmills/cloudfiles/internal/database/models"
	"github.com/agjmills/cloudfiles/internal/logger"
	"github.com/agjmills/cloudfiles/internal/metrics"
	"github.com/agjmills/cloudfiles/internal/storage"
	"github.com/dustin/go-humanize"
	"gorm.io/gorm"
)

const sweepBatchSize = 500

// Sweeper periodically deletes stored objects that no file record points
// at. Such orphans appear when the process dies between writing bytes and
// committing the upload transaction. Objects younger than the grace period
// are skipped so in-flight uploads are never touched.
type Sweeper struct {
	db       *gorm.DB
	store    storage.StorageBackend
	interval time.Duration
	grace    time.Duration
	now      func() time.Time

	stopChan  chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

func NewSweeper(db *gorm.DB, store storage.StorageBackend, interval, grace time.Duration) *Sweeper {
	return &Sweeper{
		db:       db,
		store:    store,
		interval: max(interval, time.Minute),
		grace:    grace,
		now:      time.Now,
		stopChan: make(chan struct{}),
	}
}

// Start launches the background worker. Calling it more than once is a no-op.
func (s *Sweeper) Start() {
	s.startOnce.Do(func() {
		s.wg.Add(1)
		go s.worker()
	})
}

// Shutdown stops the worker and waits for an in-progress sweep to finish.
func (s *Sweeper) Shutdown() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
	})
	s.wg.Wait()
}

func (s *Sweeper) worker() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			logger.Info("orphan sweeper stopping")
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.interval)
			if _, err := s.Sweep(ctx); err != nil {
				logger.Error("orphan sweep failed", "error", err)
			}
			cancel()
		}
	}
}

// Sweep runs one reconciliation pass and returns how many objects it deleted.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	objects, err := s.store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list stored objects: %w", err)
	}

	cutoff := s.now().Add(-s.grace)
	candidates := make([]storage.FileInfo, 0, len(objects))
	for _, obj := range objects {
		if obj.ModTime.Before(cutoff) {
			candidates = append(candidates, obj)
		}
	}

	deleted := 0
	var reclaimed int64
	for start := 0; start < len(candidates); start += sweepBatchSize {
		batch := candidates[start:min(start+sweepBatchSize, len(candidates))]

		paths := make([]string, len(batch))
		for i, obj := range batch {
			paths[i] = obj.Path
		}

		var known []string
		err := s.db.WithContext(ctx).Model(&models.File{}).
			Where("storage_path IN ?", paths).
			Pluck("storage_path", &known).Error
		if err != nil {
			return deleted, fmt.Errorf("failed to look up file records: %w", err)
		}

		referenced := make(map[string]struct{}, len(known))
		for _, p := range known {
			referenced[p] = struct{}{}
		}

		for _, obj := range batch {
			if _, ok := referenced[obj.Path]; ok {
				continue
			}
			if err := s.store.Delete(ctx, obj.Path); err != nil {
				logger.Warn("failed to delete orphaned object", "path", obj.Path, "error", err)
				continue
			}
			deleted++
			reclaimed += obj.Size
			metrics.OrphansSwept.Inc()
		}
	}

	if deleted > 0 {
		logger.Info("orphan sweep reclaimed storage",
			"objects", deleted,
			"bytes", humanize.IBytes(uint64(reclaimed)),
		)
	} else {
		logger.Debug("orphan sweep found nothing", "scanned", len(objects))
	}
	return deleted, nil
}
