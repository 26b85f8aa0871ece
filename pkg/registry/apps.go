package registry

import (
	"context"
	"net/mail"
	"regexp"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/updrift/updrift/pkg/errdefs"
	"github.com/updrift/updrift/pkg/pemutil"
	"github.com/updrift/updrift/pkg/storage/blob"
	"github.com/updrift/updrift/pkg/storage/meta"
	"github.com/updrift/updrift/pkg/xlog"
)

// Certificate status values derived from key-pair presence.
const (
	CertificateConfigured    = "configured"
	CertificateNotConfigured = "not_configured"
)

var slugPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// NewAppService returns the service managing app rows and their cascade
// deletion.
func NewAppService(stores Stores, clk clock.Clock) *AppService {
	return &AppService{stores: stores, clock: clk}
}

// AppService implements app lifecycle operations.
type AppService struct {
	stores Stores
	clock  clock.Clock
}

// CreateAppParams are the register-app inputs. Only Slug is required.
type CreateAppParams struct {
	Slug        string `json:"slug"`
	Name        string `json:"name"`
	Description string `json:"description"`
	OwnerEmail  string `json:"ownerEmail"`
}

// AppSummary is an app row shaped for listing: PEMs reduced to a derived
// status, private key never exposed.
type AppSummary struct {
	Slug              string    `json:"slug"`
	Name              string    `json:"name,omitempty"`
	Description       string    `json:"description,omitempty"`
	OwnerEmail        string    `json:"ownerEmail,omitempty"`
	CertificateStatus string    `json:"certificateStatus"`
	AutoCleanup       bool      `json:"autoCleanupEnabled"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// AppDetails is an AppSummary plus aggregate upload statistics.
type AppDetails struct {
	AppSummary
	TotalUploads    int        `json:"totalUploads"`
	ReleasedUploads int        `json:"releasedUploads"`
	LastUpdate      *time.Time `json:"lastUpdate,omitempty"`
	LastRelease     *time.Time `json:"lastRelease,omitempty"`
}

// DeleteAppResult reports what the cascade removed.
type DeleteAppResult struct {
	Slug           string `json:"slug"`
	DeletedUploads int    `json:"deletedUploads"`
	FreedSpace     int64  `json:"freedSpace"`
}

// Create registers a new app. The slug is the identity; a duplicate slug
// is a conflict.
func (s *AppService) Create(ctx context.Context, p CreateAppParams) (*meta.App, error) {
	if !slugPattern.MatchString(p.Slug) {
		return nil, errdefs.Newf(errdefs.ErrInvalidParameter, "invalid slug %q", p.Slug)
	}
	if p.OwnerEmail != "" {
		if _, err := mail.ParseAddress(p.OwnerEmail); err != nil {
			return nil, errdefs.Newf(errdefs.ErrInvalidParameter, "invalid owner email %q", p.OwnerEmail)
		}
	}
	now := s.clock.Now().UTC()
	app := &meta.App{
		Slug:        p.Slug,
		Name:        p.Name,
		Description: p.Description,
		OwnerEmail:  p.OwnerEmail,
		AutoCleanup: true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	err := s.stores.Meta.Update(ctx, func(tx meta.Tx) error {
		if _, err := tx.GetApp(p.Slug); err == nil {
			return errdefs.Newf(errdefs.ErrConflict, "app %q already exists", p.Slug)
		} else if !errdefs.IsAny(err, errdefs.ErrNotFound) {
			return err
		}
		return tx.PutApp(app)
	})
	if err != nil {
		return nil, err
	}
	xlog.C(ctx).Info("app registered", "slug", app.Slug)
	return app, nil
}

// AttachCertificate normalizes and stores the PEM pair. Both parts are
// required together; a certificate without a key is rejected.
func (s *AppService) AttachCertificate(ctx context.Context, slug, certificatePEM, privateKeyPEM string) (*meta.App, error) {
	if certificatePEM == "" || privateKeyPEM == "" {
		return nil, errdefs.Newf(errdefs.ErrInvalidParameter, "certificate and private key must both be provided")
	}
	cert, err := pemutil.NormalizeCertificate(certificatePEM)
	if err != nil {
		return nil, errdefs.NewE(errdefs.ErrInvalidParameter, err)
	}
	key, err := pemutil.NormalizePrivateKey(privateKeyPEM)
	if err != nil {
		return nil, errdefs.NewE(errdefs.ErrInvalidParameter, err)
	}

	var app *meta.App
	err = s.stores.Meta.Update(ctx, func(tx meta.Tx) error {
		app, err = tx.GetApp(slug)
		if err != nil {
			return err
		}
		app.Certificate = cert
		app.PrivateKey = key
		app.UpdatedAt = s.clock.Now().UTC()
		return tx.PutApp(app)
	})
	if err != nil {
		return nil, err
	}
	xlog.C(ctx).Info("certificate attached", "slug", slug)
	return app, nil
}

// UpdateSettings changes per-app behavior flags; today that is only
// autoCleanupEnabled.
func (s *AppService) UpdateSettings(ctx context.Context, slug string, autoCleanup bool) (*meta.App, error) {
	var app *meta.App
	err := s.stores.Meta.Update(ctx, func(tx meta.Tx) error {
		var err error
		app, err = tx.GetApp(slug)
		if err != nil {
			return err
		}
		app.AutoCleanup = autoCleanup
		app.UpdatedAt = s.clock.Now().UTC()
		return tx.PutApp(app)
	})
	if err != nil {
		return nil, err
	}
	return app, nil
}

// Certificate returns the stored PEM certificate of the app.
func (s *AppService) Certificate(ctx context.Context, slug string) (string, error) {
	var cert string
	err := s.stores.Meta.View(ctx, func(tx meta.ReadTx) error {
		app, err := tx.GetApp(slug)
		if err != nil {
			return err
		}
		if app.Certificate == "" {
			return errdefs.Newf(errdefs.ErrNotFound, "app %q has no certificate", slug)
		}
		cert = app.Certificate
		return nil
	})
	return cert, err
}

// List returns every app with its derived certificate status.
func (s *AppService) List(ctx context.Context) ([]AppSummary, error) {
	var summaries []AppSummary
	err := s.stores.Meta.View(ctx, func(tx meta.ReadTx) error {
		apps, err := tx.ListApps()
		if err != nil {
			return err
		}
		summaries = make([]AppSummary, 0, len(apps))
		for _, app := range apps {
			summaries = append(summaries, summarize(app))
		}
		return nil
	})
	return summaries, err
}

// Get returns one app with aggregate upload statistics.
func (s *AppService) Get(ctx context.Context, slug string) (*AppDetails, error) {
	details := &AppDetails{}
	err := s.stores.Meta.View(ctx, func(tx meta.ReadTx) error {
		app, err := tx.GetApp(slug)
		if err != nil {
			return err
		}
		uploads, err := tx.ListUploads()
		if err != nil {
			return err
		}
		details.AppSummary = summarize(app)
		for _, u := range meta.UploadsByProject(uploads, slug) {
			details.TotalUploads++
			created := u.CreatedAt
			if details.LastUpdate == nil || created.After(*details.LastUpdate) {
				details.LastUpdate = &created
			}
			if u.Status == meta.StatusReleased {
				details.ReleasedUploads++
			}
			if u.ReleasedAt != nil {
				released := *u.ReleasedAt
				if details.LastRelease == nil || released.After(*details.LastRelease) {
					details.LastRelease = &released
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return details, nil
}

// Delete removes the app and cascades to every upload with a matching
// project: blob objects first (best effort), then the rows, then the
// cached manifests for the well-known channels.
func (s *AppService) Delete(ctx context.Context, slug string) (*DeleteAppResult, error) {
	var uploads []*meta.Upload
	err := s.stores.Meta.View(ctx, func(tx meta.ReadTx) error {
		if _, err := tx.GetApp(slug); err != nil {
			return err
		}
		all, err := tx.ListUploads()
		if err != nil {
			return err
		}
		uploads = meta.UploadsByProject(all, slug)
		return nil
	})
	if err != nil {
		return nil, err
	}

	result := &DeleteAppResult{Slug: slug}
	for _, u := range uploads {
		// Orphaned blobs are acceptable; the rows must go regardless.
		for _, prefix := range []string{blob.ArchivePrefix(u.ID), blob.AssetPrefix(u.UpdateID)} {
			_, freed, err := s.stores.Blobs.DeletePrefix(ctx, prefix)
			if err != nil {
				xlog.C(ctx).Warn("blob cleanup failed during app delete",
					"slug", slug, "prefix", prefix, "error", err)
				continue
			}
			result.FreedSpace += freed
		}
	}

	err = s.stores.Meta.Update(ctx, func(tx meta.Tx) error {
		for _, u := range uploads {
			if err := tx.DeleteUpload(u.ID); err != nil {
				return err
			}
		}
		return tx.DeleteApp(slug)
	})
	if err != nil {
		return nil, err
	}
	result.DeletedUploads = len(uploads)

	for _, u := range uploads {
		for _, channel := range WellKnownChannels {
			s.stores.invalidateManifests(ctx, slug, u.Version, channel)
		}
	}
	xlog.C(ctx).Info("app deleted", "slug", slug, "uploads", result.DeletedUploads)
	return result, nil
}

func summarize(app *meta.App) AppSummary {
	status := CertificateNotConfigured
	if app.HasKeyPair() {
		status = CertificateConfigured
	}
	return AppSummary{
		Slug:              app.Slug,
		Name:              app.Name,
		Description:       app.Description,
		OwnerEmail:        app.OwnerEmail,
		CertificateStatus: status,
		AutoCleanup:       app.AutoCleanup,
		CreatedAt:         app.CreatedAt,
		UpdatedAt:         app.UpdatedAt,
	}
}
