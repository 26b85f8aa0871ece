package meta_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/updrift/updrift/pkg/errdefs"
	"github.com/updrift/updrift/pkg/storage/meta"
)

func openStore(t *testing.T) meta.Store {
	t.Helper()
	store, err := meta.OpenBolt(filepath.Join(t.TempDir(), "meta.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestBolt_AppRoundTrip(t *testing.T) {
	store := openStore(t)
	ctx := t.Context()

	app := &meta.App{
		Slug:        "demo",
		Name:        "Demo App",
		OwnerEmail:  "owner@example.com",
		AutoCleanup: true,
		CreatedAt:   time.Now().UTC(),
		UpdatedAt:   time.Now().UTC(),
	}
	require.NoError(t, store.Update(ctx, func(tx meta.Tx) error {
		return tx.PutApp(app)
	}))

	err := store.View(ctx, func(tx meta.ReadTx) error {
		got, err := tx.GetApp("demo")
		require.NoError(t, err)
		assert.Equal(t, "Demo App", got.Name)
		assert.True(t, got.AutoCleanup)
		assert.False(t, got.HasKeyPair())

		_, err = tx.GetApp("ghost")
		assert.ErrorIs(t, err, errdefs.ErrNotFound)
		return nil
	})
	require.NoError(t, err)
}

func TestBolt_ListUploadsOrdered(t *testing.T) {
	store := openStore(t)
	ctx := t.Context()

	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.Update(ctx, func(tx meta.Tx) error {
		for i, id := range []string{"zz", "aa", "mm"} {
			err := tx.PutUpload(&meta.Upload{
				ID:             id,
				Project:        "demo",
				ReleaseChannel: "production",
				Status:         meta.StatusReady,
				CreatedAt:      base.Add(time.Duration(i) * time.Minute),
			})
			if err != nil {
				return err
			}
		}
		return nil
	}))

	err := store.View(ctx, func(tx meta.ReadTx) error {
		uploads, err := tx.ListUploads()
		require.NoError(t, err)
		require.Len(t, uploads, 3)
		// ordered by CreatedAt, not by key
		assert.Equal(t, "zz", uploads[0].ID)
		assert.Equal(t, "aa", uploads[1].ID)
		assert.Equal(t, "mm", uploads[2].ID)
		return nil
	})
	require.NoError(t, err)
}

func TestBolt_UpdateRollsBackOnError(t *testing.T) {
	store := openStore(t)
	ctx := t.Context()

	err := store.Update(ctx, func(tx meta.Tx) error {
		if err := tx.PutApp(&meta.App{Slug: "doomed"}); err != nil {
			return err
		}
		return assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)

	err = store.View(ctx, func(tx meta.ReadTx) error {
		_, err := tx.GetApp("doomed")
		assert.ErrorIs(t, err, errdefs.ErrNotFound)
		return nil
	})
	require.NoError(t, err)
}

func TestUploadsFilters(t *testing.T) {
	uploads := []*meta.Upload{
		{ID: "1", Project: "demo", ReleaseChannel: "production"},
		{ID: "2", Project: "demo", ReleaseChannel: "staging"},
		{ID: "3", Project: "other", ReleaseChannel: "production"},
	}

	byProject := meta.UploadsByProject(uploads, "demo")
	require.Len(t, byProject, 2)

	byChannel := meta.UploadsByChannel(uploads, "demo", "production")
	require.Len(t, byChannel, 1)
	assert.Equal(t, "1", byChannel[0].ID)
}
