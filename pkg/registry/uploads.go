package registry

import (
	"bytes"
	"context"
	"io/fs"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/updrift/updrift/pkg/bundle"
	"github.com/updrift/updrift/pkg/errdefs"
	"github.com/updrift/updrift/pkg/storage/blob"
	"github.com/updrift/updrift/pkg/storage/meta"
	"github.com/updrift/updrift/pkg/xlog"
)

// NewUploadService returns the service owning upload ingestion and the
// release state machine.
func NewUploadService(stores Stores, clk clock.Clock) *UploadService {
	return &UploadService{
		stores:  stores,
		clock:   clk,
		cleaner: NewCleaner(stores),
		locks:   xsync.NewMapOf[string, *sync.Mutex](),
	}
}

// UploadService implements upload lifecycle operations.
type UploadService struct {
	stores  Stores
	clock   clock.Clock
	cleaner *Cleaner

	// locks serializes release transitions per (project, channel). The
	// meta transaction already commits the row flips atomically; the lock
	// additionally orders the post-commit cache invalidation and cleanup
	// of concurrent releases.
	locks *xsync.MapOf[string, *sync.Mutex]
}

// IngestParams are the upload inputs taken from the request.
type IngestParams struct {
	Project        string
	Version        string
	ReleaseChannel string
	Filename       string
	GitBranch      string
	GitCommit      string
	Archive        []byte
}

// ReleaseResult reports a release transition and the retention cleanup
// that ran after it.
type ReleaseResult struct {
	Upload  *meta.Upload   `json:"upload"`
	Cleanup *CleanupResult `json:"cleanup,omitempty"`
}

// Ingest stores the archive, extracts it, and inserts the upload row in
// ready state. Extraction runs before the insert so a failed upload
// leaves no metadata behind; blobs written before the failure stay as
// unreferenced garbage.
func (s *UploadService) Ingest(ctx context.Context, p IngestParams) (*meta.Upload, error) {
	if p.Project == "" || p.Version == "" || p.ReleaseChannel == "" {
		return nil, errdefs.Newf(errdefs.ErrInvalidParameter, "project, version and release-channel are required")
	}
	if len(p.Archive) == 0 {
		return nil, errdefs.Newf(errdefs.ErrInvalidParameter, "empty archive")
	}
	if p.Filename == "" {
		p.Filename = "bundle.zip"
	}
	// The filename comes straight from the multipart header. Validate it
	// before joining: ArchiveKey cleans its input, so a traversal like
	// "../../updates/<id>/x" would otherwise resolve onto another
	// upload's keys.
	if !fs.ValidPath(p.Filename) || p.Filename == "." {
		return nil, errdefs.Newf(errdefs.ErrInvalidParameter, "invalid filename %q", p.Filename)
	}

	uploadID := uuid.NewString()
	archiveKey := blob.ArchiveKey(uploadID, p.Filename)

	if _, err := s.stores.Blobs.Put(ctx, archiveKey, bytes.NewReader(p.Archive)); err != nil {
		return nil, err
	}
	archive, err := bundle.Extract(ctx, s.stores.Blobs, p.Archive)
	if err != nil {
		return nil, err
	}

	upload := &meta.Upload{
		ID:             uploadID,
		Project:        p.Project,
		Version:        p.Version,
		ReleaseChannel: p.ReleaseChannel,
		Status:         meta.StatusReady,
		Path:           archiveKey,
		UpdateID:       archive.UpdateID,
		AppJSON:        archive.AppJSON,
		Dependencies:   archive.Dependencies,
		Metadata:       archive.Metadata,
		Filename:       p.Filename,
		GitBranch:      p.GitBranch,
		GitCommit:      p.GitCommit,
		CreatedAt:      s.clock.Now().UTC(),
	}
	err = s.stores.Meta.Update(ctx, func(tx meta.Tx) error {
		return tx.PutUpload(upload)
	})
	if err != nil {
		return nil, err
	}
	xlog.C(ctx).Info("upload ingested",
		"upload", upload.ID, "update", upload.UpdateID,
		"project", upload.Project, "channel", upload.ReleaseChannel)
	return upload, nil
}

// Get returns one upload row.
func (s *UploadService) Get(ctx context.Context, id string) (*meta.Upload, error) {
	var upload *meta.Upload
	err := s.stores.Meta.View(ctx, func(tx meta.ReadTx) error {
		var err error
		upload, err = tx.GetUpload(id)
		return err
	})
	return upload, err
}

// List returns all uploads ordered by creation time.
func (s *UploadService) List(ctx context.Context) ([]*meta.Upload, error) {
	var uploads []*meta.Upload
	err := s.stores.Meta.View(ctx, func(tx meta.ReadTx) error {
		var err error
		uploads, err = tx.ListUploads()
		return err
	})
	return uploads, err
}

// Release moves the upload to released and rewrites its (project,
// channel) timeline: strictly older siblings become obsolete, strictly
// newer ones return to ready. Releasing an older upload is therefore a
// rollback that keeps the newer candidates around.
//
// project is the namespace of the route; when non-empty it must match
// the upload's project or the upload is treated as absent. The legacy
// route passes "".
func (s *UploadService) Release(ctx context.Context, project, uploadID string) (*ReleaseResult, error) {
	peek, err := s.Get(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	if project != "" && peek.Project != project {
		return nil, errdefs.Newf(errdefs.ErrNotFound, "upload %q in app %q", uploadID, project)
	}

	mu, _ := s.locks.LoadOrStore(peek.Project+"\x00"+peek.ReleaseChannel, &sync.Mutex{})
	mu.Lock()
	defer mu.Unlock()

	var released *meta.Upload
	err = s.stores.Meta.Update(ctx, func(tx meta.Tx) error {
		upload, err := tx.GetUpload(uploadID)
		if err != nil {
			return err
		}
		all, err := tx.ListUploads()
		if err != nil {
			return err
		}
		for _, sibling := range meta.UploadsByChannel(all, upload.Project, upload.ReleaseChannel) {
			if sibling.ID == upload.ID {
				continue
			}
			next := meta.StatusReady
			if sibling.CreatedAt.Before(upload.CreatedAt) {
				next = meta.StatusObsolete
			}
			if sibling.Status == next {
				continue
			}
			sibling.Status = next
			if err := tx.PutUpload(sibling); err != nil {
				return err
			}
		}
		now := s.clock.Now().UTC()
		upload.Status = meta.StatusReleased
		upload.ReleasedAt = &now
		released = upload
		return tx.PutUpload(upload)
	})
	if err != nil {
		return nil, err
	}

	// Invalidation strictly follows the commit; a racing manifest read
	// sees either timeline state in full, never a partial one.
	s.stores.invalidateManifests(ctx, released.Project, released.Version, released.ReleaseChannel)

	cleanup, err := s.cleaner.Run(ctx, released.Project, released.ReleaseChannel)
	if err != nil {
		xlog.C(ctx).Warn("retention cleanup failed",
			"project", released.Project, "channel", released.ReleaseChannel, "error", err)
	}
	xlog.C(ctx).Info("upload released",
		"upload", released.ID, "project", released.Project, "channel", released.ReleaseChannel)
	return &ReleaseResult{Upload: released, Cleanup: cleanup}, nil
}
