package registry_test

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/klauspost/compress/zip"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/updrift/updrift/pkg/manifest"
	"github.com/updrift/updrift/pkg/registry"
	"github.com/updrift/updrift/pkg/storage/blob"
	"github.com/updrift/updrift/pkg/storage/meta"
	"github.com/updrift/updrift/pkg/util/xcache"
)

type fixture struct {
	stores    registry.Stores
	clock     *clock.Mock
	apps      *registry.AppService
	uploads   *registry.UploadService
	manifests *registry.ManifestService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithCache(t, xcache.NewMemory[manifest.Entry](5*time.Minute))
}

func newFixtureWithCache(t *testing.T, cache xcache.Cache[manifest.Entry]) *fixture {
	t.Helper()
	metaStore, err := meta.OpenBolt(filepath.Join(t.TempDir(), "meta.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = metaStore.Close() })

	stores := registry.Stores{
		Meta:  metaStore,
		Blobs: blob.NewFS(afero.NewMemMapFs(), "blobs"),
		Cache: cache,
	}
	mock := clock.NewMock()
	mock.Set(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))

	return &fixture{
		stores:    stores,
		clock:     mock,
		apps:      registry.NewAppService(stores, mock),
		uploads:   registry.NewUploadService(stores, mock),
		manifests: registry.NewManifestService(stores, manifest.NewBuilder(stores.Blobs, "https://updates.example.com")),
	}
}

const testMetadata = `{"version":0,"bundler":"metro","fileMetadata":{` +
	`"ios":{"bundle":"bundles/ios.js","assets":[{"path":"assets/icon","ext":"png"}]},` +
	`"android":{"bundle":"bundles/android.js","assets":[]}}}`

// testArchive builds a minimal valid update archive. metadata varies the
// derived update id.
func testArchive(t *testing.T, metadata string) []byte {
	t.Helper()
	buf := &bytes.Buffer{}
	zw := zip.NewWriter(buf)
	entries := map[string]string{
		"app.json":           `{"expo":{"slug":"demo"}}`,
		"package.json":       `{"dependencies":{"react-native":"0.74.0"}}`,
		"metadata.json":      metadata,
		"bundles/ios.js":     "ios-code",
		"bundles/android.js": "android-code",
		"assets/icon":        "icon-bytes",
	}
	for name, content := range entries {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

// ingest uploads a fresh archive, advancing the clock so that timelines
// stay strictly ordered.
func (f *fixture) ingest(t *testing.T, project, version, channel, metadata string) *meta.Upload {
	t.Helper()
	f.clock.Add(time.Minute)
	upload, err := f.uploads.Ingest(t.Context(), registry.IngestParams{
		Project:        project,
		Version:        version,
		ReleaseChannel: channel,
		Filename:       "bundle.zip",
		Archive:        testArchive(t, metadata),
	})
	require.NoError(t, err)
	return upload
}

func (f *fixture) status(t *testing.T, id string) meta.UploadStatus {
	t.Helper()
	upload, err := f.uploads.Get(t.Context(), id)
	require.NoError(t, err)
	return upload.Status
}
