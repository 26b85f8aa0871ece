package registry

import (
	"context"
	"encoding/json"

	"github.com/updrift/updrift/pkg/errdefs"
	"github.com/updrift/updrift/pkg/manifest"
	"github.com/updrift/updrift/pkg/signing"
	"github.com/updrift/updrift/pkg/storage/meta"
	"github.com/updrift/updrift/pkg/util/xcache"
)

// NewManifestService returns the service resolving manifest requests.
func NewManifestService(stores Stores, builder *manifest.Builder) *ManifestService {
	return &ManifestService{stores: stores, builder: builder}
}

// ManifestService synthesizes, signs and caches per-platform manifests.
type ManifestService struct {
	stores  Stores
	builder *manifest.Builder
}

// ManifestRequest carries the four client coordinates plus the signing
// expectation.
type ManifestRequest struct {
	Project         string
	Platform        string
	Version         string
	Channel         string
	ExpectSignature bool
}

// Resolve returns the manifest entry for the request, consulting the
// cache first. The entry holds the exact manifest bytes; when a
// signature is present it was computed over those bytes. Concurrent
// misses on the same key collapse into one synthesis through the cache
// loader.
func (s *ManifestService) Resolve(ctx context.Context, req ManifestRequest) (*manifest.Entry, error) {
	if !manifest.ValidPlatform(req.Platform) {
		return nil, errdefs.Newf(errdefs.ErrInvalidParameter, "invalid platform %q", req.Platform)
	}
	if req.Project == "" || req.Version == "" || req.Channel == "" {
		return nil, errdefs.Newf(errdefs.ErrInvalidParameter, "project, version and channel are required")
	}

	key := CacheKey(req.Project, req.Version, req.Channel, req.Platform)
	var loadErr error
	entry, ok := s.stores.Cache.Get(ctx, key, xcache.WithLoader(func(ctx context.Context, _ string) (manifest.Entry, bool) {
		e, err := s.synthesize(ctx, req)
		if err != nil {
			loadErr = err
			return manifest.Entry{}, false
		}
		return *e, true
	}))
	if ok {
		return &entry, nil
	}
	if loadErr != nil {
		return nil, loadErr
	}

	// The miss was decided by a collapsed concurrent load (or the cache
	// backend ignores loaders); synthesize directly for the precise error.
	e, err := s.synthesize(ctx, req)
	if err != nil {
		return nil, err
	}
	s.stores.Cache.Set(ctx, key, *e)
	return e, nil
}

// synthesize builds and, when requested, signs the manifest entry from
// the stored upload state.
func (s *ManifestService) synthesize(ctx context.Context, req ManifestRequest) (*manifest.Entry, error) {
	var (
		upload *meta.Upload
		app    *meta.App
	)
	err := s.stores.Meta.View(ctx, func(tx meta.ReadTx) error {
		all, err := tx.ListUploads()
		if err != nil {
			return err
		}
		// rows are ordered by CreatedAt ascending; keep the last match
		for _, u := range meta.UploadsByChannel(all, req.Project, req.Channel) {
			if u.Status == meta.StatusReleased && u.Version == req.Version {
				upload = u
			}
		}
		if upload == nil {
			return errdefs.Newf(errdefs.ErrNotFound,
				"no released update for %s %s on %s", req.Project, req.Version, req.Channel)
		}
		// An unregistered app still serves unsigned manifests.
		app, _ = tx.GetApp(req.Project)
		return nil
	})
	if err != nil {
		return nil, err
	}

	m, err := s.builder.Build(ctx, upload, req.Platform)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, errdefs.NewE(errdefs.ErrSystem, err)
	}

	entry := manifest.Entry{Manifest: raw}
	if req.ExpectSignature {
		if app == nil || !app.HasKeyPair() {
			return nil, errdefs.Newf(errdefs.ErrNotConfigured,
				"signature requested but app %q has no signing key", req.Project)
		}
		sig, err := signing.Sign(raw, app.PrivateKey)
		if err != nil {
			return nil, err
		}
		entry.Signature = sig
	}
	return &entry, nil
}
