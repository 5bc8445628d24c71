package files

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/agjmills/cloudfiles/internal/database/dbtest"
	"github.com/agjmills/cloudfiles/internal/quota"
	"github.com/agjmills/cloudfiles/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSweep_DeletesOnlyOldOrphans(t *testing.T) {
	ctx := context.Background()
	db := dbtest.Open(t)
	store, err := storage.NewDiskBackend(t.TempDir())
	require.NoError(t, err)
	defer store.Close()
	reg := NewRegistry(db, store, quota.NewLedger(db))
	owner := dbtest.CreateUser(t, db, "owner", 1000)

	kept, err := reg.Create(ctx, CreateParams{OwnerID: owner.ID, OriginalName: "kept.txt", Content: strings.NewReader("0123456789"), Size: 10})
	require.NoError(t, err)
	orphan, err := store.Save(ctx, strings.NewReader("left behind"), storage.SaveOptions{OriginalFilename: "crash.txt"})
	require.NoError(t, err)

	countObjects := func() int {
		objects, err := store.List(ctx)
		require.NoError(t, err)
		return len(objects)
	}

	sweeper := NewSweeper(db, store, time.Hour, 24*time.Hour)

	// Everything is younger than the grace period.
	deleted, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, deleted)
	assert.Equal(t, 2, countObjects())

	sweeper.now = func() time.Time { return time.Now().Add(48 * time.Hour) }
	deleted, err = sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	_, err = store.Stat(ctx, orphan.Path)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = store.Stat(ctx, kept.StoragePath)
	assert.NoError(t, err)
}

func TestSweep_EmptyStore(t *testing.T) {
	f := newFixture(t)
	deleted, err := NewSweeper(f.db, f.store, time.Hour, 0).Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, deleted)
}

func TestSweeper_StartShutdown(t *testing.T) {
	f := newFixture(t)
	sweeper := NewSweeper(f.db, f.store, time.Millisecond, time.Hour)
	assert.Equal(t, time.Minute, sweeper.interval, "interval is clamped to a minute")

	sweeper.Start()
	sweeper.Start()

	done := make(chan struct{})
	go func() {
		sweeper.Shutdown()
		sweeper.Shutdown()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Shutdown did not return")
	}
}
