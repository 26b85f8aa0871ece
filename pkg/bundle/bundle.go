// Package bundle ingests zipped update archives produced by the CI
// export step: it validates the embedded descriptors, derives the
// content-addressed update id, and fans the extracted entries into blob
// storage.
package bundle

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"io"
	"io/fs"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zip"
	digest "github.com/opencontainers/go-digest"
	"golang.org/x/sync/errgroup"

	"github.com/updrift/updrift/pkg/errdefs"
	"github.com/updrift/updrift/pkg/storage/blob"
)

// Required archive-root descriptor entries.
const (
	appJSONEntry     = "app.json"
	packageJSONEntry = "package.json"
	metadataEntry    = "metadata.json"
)

// extractConcurrency bounds the blob fan-out of a single archive.
const extractConcurrency = 8

// Archive holds the parsed descriptors of an extracted update archive.
type Archive struct {
	// UpdateID is the content-addressed update identifier derived from
	// the metadata.json bytes. Identical metadata yields identical ids.
	UpdateID string
	// AppJSON is the "expo" sub-object of app.json.
	AppJSON json.RawMessage
	// Dependencies is the "dependencies" sub-object of package.json.
	Dependencies json.RawMessage
	// Metadata is metadata.json retained verbatim for manifest synthesis.
	Metadata json.RawMessage
}

// UpdateIDFrom derives the deterministic update id: the first 16 bytes of
// SHA-256(metadata.json) laid out as a UUID.
func UpdateIDFrom(metadata []byte) string {
	hexDigest := digest.SHA256.FromBytes(metadata).Encoded()
	raw, err := hex.DecodeString(hexDigest[:32])
	if err != nil {
		// SHA-256 hex cannot fail to decode.
		panic(err)
	}
	id, err := uuid.FromBytes(raw)
	if err != nil {
		panic(err)
	}
	return id.String()
}

// Extract reads data as a ZIP archive, parses the required descriptors
// and uploads every non-directory entry to blobs under
// updates/{updateID}/{path}.
//
// Extraction is best-effort ahead of any metadata insert: on failure the
// caller must not record the upload, and blob objects already written
// stay behind as unreferenced garbage.
func Extract(ctx context.Context, blobs blob.Store, data []byte) (*Archive, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, errdefs.Newf(errdefs.ErrMalformed, "invalid zip archive: %v", err)
	}

	// Entry names are attacker-controlled. Validate the raw name before
	// any key is derived from it: path.Join cleans its input, so a name
	// like "../escape.js" would otherwise silently land outside the
	// update's prefix.
	entries := map[string]*zip.File{}
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		if !fs.ValidPath(f.Name) || f.Name == "." {
			return nil, errdefs.Newf(errdefs.ErrMalformed, "unsafe archive entry %q", f.Name)
		}
		entries[f.Name] = f
	}

	metadata, err := readEntry(entries, metadataEntry)
	if err != nil {
		return nil, err
	}
	if !json.Valid(metadata) {
		return nil, errdefs.Newf(errdefs.ErrMalformed, "%s is not valid JSON", metadataEntry)
	}

	appJSON, err := readEntry(entries, appJSONEntry)
	if err != nil {
		return nil, err
	}
	var appDoc struct {
		Expo json.RawMessage `json:"expo"`
	}
	if err := json.Unmarshal(appJSON, &appDoc); err != nil {
		return nil, errdefs.Newf(errdefs.ErrMalformed, "parse %s: %v", appJSONEntry, err)
	}

	packageJSON, err := readEntry(entries, packageJSONEntry)
	if err != nil {
		return nil, err
	}
	var packageDoc struct {
		Dependencies json.RawMessage `json:"dependencies"`
	}
	if err := json.Unmarshal(packageJSON, &packageDoc); err != nil {
		return nil, errdefs.Newf(errdefs.ErrMalformed, "parse %s: %v", packageJSONEntry, err)
	}

	archive := &Archive{
		UpdateID:     UpdateIDFrom(metadata),
		AppJSON:      appDoc.Expo,
		Dependencies: packageDoc.Dependencies,
		Metadata:     metadata,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(extractConcurrency)
	for name, f := range entries {
		key := blob.AssetKey(archive.UpdateID, name)
		g.Go(func() error {
			rc, err := f.Open()
			if err != nil {
				return errdefs.Newf(errdefs.ErrMalformed, "open archive entry %q: %v", name, err)
			}
			defer rc.Close()
			if _, err := blobs.Put(gctx, key, rc); err != nil {
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return archive, nil
}

func readEntry(entries map[string]*zip.File, name string) ([]byte, error) {
	f, ok := entries[name]
	if !ok {
		return nil, errdefs.Newf(errdefs.ErrMalformed, "archive is missing %s", name)
	}
	rc, err := f.Open()
	if err != nil {
		return nil, errdefs.Newf(errdefs.ErrMalformed, "open archive entry %q: %v", name, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, errdefs.Newf(errdefs.ErrMalformed, "read archive entry %q: %v", name, err)
	}
	return data, nil
}
