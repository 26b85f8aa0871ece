package registry

import (
	"context"
	"sort"

	"github.com/updrift/updrift/pkg/errdefs"
	"github.com/updrift/updrift/pkg/storage/blob"
	"github.com/updrift/updrift/pkg/storage/meta"
	"github.com/updrift/updrift/pkg/xlog"
)

// obsoleteRetention is how many obsolete uploads stay behind per
// (project, channel) after a release, newest first.
const obsoleteRetention = 30

// NewCleaner returns the coordinator cascading deletions of obsolete
// uploads across meta and blob storage.
func NewCleaner(stores Stores) *Cleaner {
	return &Cleaner{stores: stores}
}

// Cleaner implements obsolete-retention garbage collection.
type Cleaner struct {
	stores Stores
}

// CleanupResult reports what one retention pass removed.
type CleanupResult struct {
	DeletedCount int   `json:"deletedCount"`
	FreedSpace   int64 `json:"freedSpace"`
}

// Run garbage-collects the (project, channel) timeline: obsolete uploads
// beyond the newest 30 lose their blobs and rows. The pass is skipped
// entirely when the owning app is unregistered or has auto cleanup
// disabled. Blob deletion failures skip the row so a later pass retries.
func (c *Cleaner) Run(ctx context.Context, project, channel string) (*CleanupResult, error) {
	var (
		victims []*meta.Upload
		skip    bool
	)
	err := c.stores.Meta.View(ctx, func(tx meta.ReadTx) error {
		app, err := tx.GetApp(project)
		if err != nil {
			return err
		}
		if !app.AutoCleanup {
			skip = true
			return nil
		}
		all, err := tx.ListUploads()
		if err != nil {
			return err
		}
		var obsolete []*meta.Upload
		for _, u := range meta.UploadsByChannel(all, project, channel) {
			if u.Status == meta.StatusObsolete {
				obsolete = append(obsolete, u)
			}
		}
		sort.Slice(obsolete, func(i, j int) bool {
			return obsolete[i].CreatedAt.After(obsolete[j].CreatedAt)
		})
		if len(obsolete) > obsoleteRetention {
			victims = obsolete[obsoleteRetention:]
		}
		return nil
	})
	if err != nil {
		if errdefs.IsAny(err, errdefs.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if skip {
		return nil, nil
	}
	if len(victims) == 0 {
		return &CleanupResult{}, nil
	}

	result := &CleanupResult{}
	for _, u := range victims {
		freed := int64(0)
		failed := false
		for _, prefix := range []string{blob.ArchivePrefix(u.ID), blob.AssetPrefix(u.UpdateID)} {
			_, n, err := c.stores.Blobs.DeletePrefix(ctx, prefix)
			if err != nil {
				xlog.C(ctx).Warn("blob cleanup failed", "upload", u.ID, "prefix", prefix, "error", err)
				failed = true
				break
			}
			freed += n
		}
		if failed {
			continue
		}
		err := c.stores.Meta.Update(ctx, func(tx meta.Tx) error {
			return tx.DeleteUpload(u.ID)
		})
		if err != nil {
			return result, err
		}
		c.stores.invalidateManifests(ctx, u.Project, u.Version, u.ReleaseChannel)
		result.DeletedCount++
		result.FreedSpace += freed
	}
	xlog.C(ctx).Info("retention cleanup finished",
		"project", project, "channel", channel,
		"deleted", result.DeletedCount, "freed", result.FreedSpace)
	return result, nil
}
