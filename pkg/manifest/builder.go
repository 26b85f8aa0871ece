package manifest

import (
	"context"
	"crypto/md5" //nolint:gosec // asset keys are cache identifiers, not security material
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/url"

	"golang.org/x/sync/errgroup"

	"github.com/updrift/updrift/pkg/errdefs"
	"github.com/updrift/updrift/pkg/storage/blob"
	"github.com/updrift/updrift/pkg/storage/meta"
)

// buildConcurrency bounds the blob read fan-out of a single manifest build.
const buildConcurrency = 8

// Content types emitted in asset descriptors. The stored metadata does
// not reliably carry MIME types, so everything except the launch asset is
// served as an octet stream; clients key off fileExtension instead.
const (
	launchContentType  = "application/javascript"
	defaultContentType = "application/octet-stream"
)

// NewBuilder returns a Builder reading asset bytes from blobs and
// pointing descriptor URLs at publicURL.
func NewBuilder(blobs blob.Store, publicURL string) *Builder {
	return &Builder{blobs: blobs, publicURL: publicURL}
}

// Builder assembles manifests for released uploads.
type Builder struct {
	blobs     blob.Store
	publicURL string
}

// Build reads the platform subtree of the upload's stored metadata and
// produces the manifest. Asset reads run concurrently; descriptor order
// follows the metadata order. A platform absent from the metadata yields
// errdefs.ErrNotFound.
func (b *Builder) Build(ctx context.Context, upload *meta.Upload, platform string) (*Manifest, error) {
	var fm fileMetadata
	if err := json.Unmarshal(upload.Metadata, &fm); err != nil {
		return nil, errdefs.Newf(errdefs.ErrSystem, "stored metadata of upload %s: %v", upload.ID, err)
	}
	files, ok := fm.FileMetadata[platform]
	if !ok {
		return nil, errdefs.Newf(errdefs.ErrNotFound, "no %s entry in update %s", platform, upload.UpdateID)
	}

	assets := make([]Asset, len(files.Assets))
	var launch Asset

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(buildConcurrency)
	for i, pa := range files.Assets {
		g.Go(func() error {
			built, err := b.describe(gctx, upload.UpdateID, pa.Path, pa.Ext, false)
			if err != nil {
				return err
			}
			assets[i] = built
			return nil
		})
	}
	g.Go(func() error {
		built, err := b.describe(gctx, upload.UpdateID, files.Bundle, "", true)
		if err != nil {
			return err
		}
		launch = built
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return &Manifest{
		ID:             upload.UpdateID,
		CreatedAt:      FormatTime(upload.CreatedAt),
		RuntimeVersion: upload.Version,
		Assets:         assets,
		LaunchAsset:    launch,
	}, nil
}

// describe computes the content-addressed descriptor of one asset.
func (b *Builder) describe(ctx context.Context, updateID, relPath, ext string, isLaunch bool) (Asset, error) {
	key := blob.AssetKey(updateID, relPath)
	rc, err := b.blobs.Get(ctx, key)
	if err != nil {
		return Asset{}, err
	}
	defer rc.Close()
	content, err := io.ReadAll(rc)
	if err != nil {
		return Asset{}, errdefs.NewE(errdefs.ErrSystem, err)
	}

	sha := sha256.Sum256(content)
	sum := md5.Sum(content) //nolint:gosec

	contentType := defaultContentType
	fileExtension := "." + ext
	if isLaunch {
		contentType = launchContentType
		fileExtension = ".bundle"
	}
	return Asset{
		Hash:          base64.RawURLEncoding.EncodeToString(sha[:]),
		Key:           hex.EncodeToString(sum[:]),
		FileExtension: fileExtension,
		ContentType:   contentType,
		URL: fmt.Sprintf("%s/assets?asset=%s&contentType=%s",
			b.publicURL, url.QueryEscape(key), url.QueryEscape(contentType)),
	}, nil
}
