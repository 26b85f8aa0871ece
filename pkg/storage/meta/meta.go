// Package meta defines the transactional row store holding app and
// upload records.
package meta

import (
	"context"
	"encoding/json"
	"time"
)

// UploadStatus is the lifecycle state of an upload on its
// (project, channel) timeline.
type UploadStatus string

const (
	// StatusReady marks an upload that is stored and eligible for release.
	StatusReady UploadStatus = "ready"
	// StatusReleased marks the single upload currently served per
	// (project, channel).
	StatusReleased UploadStatus = "released"
	// StatusObsolete marks uploads older than the released one; they are
	// candidates for retention GC.
	StatusObsolete UploadStatus = "obsolete"
)

// App is a registered project. Certificate and PrivateKey are either both
// set or both empty; the pairing is enforced at write time.
type App struct {
	Slug        string    `json:"slug"`
	Name        string    `json:"name,omitempty"`
	Description string    `json:"description,omitempty"`
	OwnerEmail  string    `json:"ownerEmail,omitempty"`
	Certificate string    `json:"certificate,omitempty"`
	PrivateKey  string    `json:"privateKey,omitempty"`
	AutoCleanup bool      `json:"autoCleanupEnabled"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// HasKeyPair reports whether both PEMs are stored.
func (a *App) HasKeyPair() bool {
	return a.Certificate != "" && a.PrivateKey != ""
}

// Upload is one ingestion of an archive. Project references an app slug,
// but the app may not be registered yet at upload time.
type Upload struct {
	ID             string          `json:"id"`
	Project        string          `json:"project"`
	Version        string          `json:"version"`
	ReleaseChannel string          `json:"releaseChannel"`
	Status         UploadStatus    `json:"status"`
	Path           string          `json:"path"`
	UpdateID       string          `json:"updateId"`
	AppJSON        json.RawMessage `json:"appJson,omitempty"`
	Dependencies   json.RawMessage `json:"dependencies,omitempty"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	Filename       string          `json:"filename"`
	GitBranch      string          `json:"gitBranch,omitempty"`
	GitCommit      string          `json:"gitCommit,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	ReleasedAt     *time.Time      `json:"releasedAt,omitempty"`
}

// ReadTx exposes read operations inside a transaction.
type ReadTx interface {
	// GetApp returns the app row, or errdefs.ErrNotFound.
	GetApp(slug string) (*App, error)
	// ListApps returns all app rows ordered by slug.
	ListApps() ([]*App, error)
	// GetUpload returns the upload row, or errdefs.ErrNotFound.
	GetUpload(id string) (*Upload, error)
	// ListUploads returns all upload rows ordered by CreatedAt ascending.
	ListUploads() ([]*Upload, error)
}

// Tx exposes read and write operations inside a transaction. All writes
// commit or roll back together.
type Tx interface {
	ReadTx
	PutApp(app *App) error
	DeleteApp(slug string) error
	PutUpload(upload *Upload) error
	DeleteUpload(id string) error
}

// Store is the transactional row store for apps and uploads.
type Store interface {
	// View runs fn in a read-only transaction.
	View(ctx context.Context, fn func(tx ReadTx) error) error
	// Update runs fn in a writable transaction. Writes are atomic: the
	// release state machine relies on multi-row flips committing as one.
	Update(ctx context.Context, fn func(tx Tx) error) error
	Close() error
}

// UploadsByProject filters rows by project, preserving order.
func UploadsByProject(uploads []*Upload, project string) []*Upload {
	var out []*Upload
	for _, u := range uploads {
		if u.Project == project {
			out = append(out, u)
		}
	}
	return out
}

// UploadsByChannel filters rows by (project, channel), preserving order.
func UploadsByChannel(uploads []*Upload, project, channel string) []*Upload {
	var out []*Upload
	for _, u := range uploads {
		if u.Project == project && u.ReleaseChannel == channel {
			out = append(out, u)
		}
	}
	return out
}
