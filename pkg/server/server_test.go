package server_test

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"io"
	"math/big"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gin-gonic/gin"
	"github.com/klauspost/compress/zip"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/updrift/updrift/pkg/manifest"
	"github.com/updrift/updrift/pkg/registry"
	"github.com/updrift/updrift/pkg/server"
	"github.com/updrift/updrift/pkg/signing"
	"github.com/updrift/updrift/pkg/storage/blob"
	"github.com/updrift/updrift/pkg/storage/meta"
	"github.com/updrift/updrift/pkg/util/xcache"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const publicURL = "https://updates.example.com"

type testServer struct {
	router http.Handler
	stores registry.Stores
}

func newTestServer(t *testing.T, uploadSecret string) *testServer {
	t.Helper()
	metaStore, err := meta.OpenBolt(filepath.Join(t.TempDir(), "meta.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = metaStore.Close() })

	stores := registry.Stores{
		Meta:  metaStore,
		Blobs: blob.NewFS(afero.NewMemMapFs(), "blobs"),
		Cache: xcache.NewMemory[manifest.Entry](5 * time.Minute),
	}
	clk := clock.New()
	apps := registry.NewAppService(stores, clk)
	uploads := registry.NewUploadService(stores, clk)
	manifests := registry.NewManifestService(stores, manifest.NewBuilder(stores.Blobs, publicURL))

	srv := server.New(server.Config{
		PublicURL:    publicURL,
		Environment:  "test",
		UploadSecret: uploadSecret,
	}, apps, uploads, manifests, stores.Blobs)
	return &testServer{router: srv.Router(), stores: stores}
}

func (ts *testServer) do(t *testing.T, method, target string, body io.Reader, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, body)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) doJSON(t *testing.T, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	return ts.do(t, method, target, bytes.NewReader(raw), map[string]string{
		"Content-Type": "application/json",
	})
}

const testMetadata = `{"version":0,"bundler":"metro","fileMetadata":{` +
	`"ios":{"bundle":"bundles/ios.js","assets":[{"path":"assets/icon","ext":"png"}]},` +
	`"android":{"bundle":"bundles/android.js","assets":[]}}}`

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

// uploadArchive posts an archive through the multipart upload route and
// returns the uploadId and updateId from the response.
func (ts *testServer) uploadArchive(t *testing.T, project, version, channel string, extra map[string]string) (string, string) {
	t.Helper()
	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	fw, err := mw.CreateFormFile("uri", "bundle.zip")
	require.NoError(t, err)
	_, err = fw.Write(testArchive(t, testMetadata))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	header := map[string]string{
		"Content-Type":    mw.FormDataContentType(),
		"project":         project,
		"version":         version,
		"release-channel": channel,
	}
	for k, v := range extra {
		header[k] = v
	}
	rec := ts.do(t, http.MethodPost, "/upload", body, header)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		UploadID string `json:"uploadId"`
		UpdateID string `json:"updateId"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.UploadID, resp.UpdateID
}

func testKeyPair(t *testing.T) (privateKeyPEM, certificatePEM string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	privateKeyPEM = string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}))

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "updrift test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	certDER, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	certificatePEM = string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER}))
	return privateKeyPEM, certificatePEM
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, "")
	rec := ts.do(t, http.MethodGet, "/", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"name":"updrift"`)
	assert.Contains(t, rec.Body.String(), `"environment":"test"`)
}

func TestRegisterUploadReleaseManifest(t *testing.T) {
	ts := newTestServer(t, "")

	rec := ts.doJSON(t, http.MethodPost, "/register-app", map[string]string{"slug": "demo"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	t.Run("duplicate slug conflicts", func(t *testing.T) {
		rec := ts.doJSON(t, http.MethodPost, "/register-app", map[string]string{"slug": "demo"})
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	uploadID, updateID := ts.uploadArchive(t, "demo", "1.0.0", "production", nil)

	rec = ts.do(t, http.MethodPut, "/apps/demo/release/"+uploadID, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = ts.do(t, http.MethodGet, "/manifest?project=demo&platform=ios&version=1.0.0&channel=production", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "0", rec.Header().Get("expo-protocol-version"))
	assert.Equal(t, "0", rec.Header().Get("expo-sfv-version"))
	assert.Equal(t, "private, max-age=0", rec.Header().Get("Cache-Control"))

	mediaType, params, err := mime.ParseMediaType(rec.Header().Get("Content-Type"))
	require.NoError(t, err)
	require.Equal(t, "multipart/mixed", mediaType)

	mr := multipart.NewReader(rec.Body, params["boundary"])
	part, err := mr.NextPart()
	require.NoError(t, err)
	assert.Equal(t, "manifest", part.FormName())
	assert.Equal(t, "application/json; charset=utf-8", part.Header.Get("Content-Type"))
	raw, err := io.ReadAll(part)
	require.NoError(t, err)

	var m manifest.Manifest
	require.NoError(t, json.Unmarshal(raw, &m))
	assert.Equal(t, updateID, m.ID)
	assert.Equal(t, "1.0.0", m.RuntimeVersion)

	part, err = mr.NextPart()
	require.NoError(t, err)
	assert.Equal(t, "extensions", part.FormName())
	ext, err := io.ReadAll(part)
	require.NoError(t, err)
	assert.Equal(t, "{}", string(ext))

	_, err = mr.NextPart()
	assert.ErrorIs(t, err, io.EOF)

	t.Run("headers resolve too, query wins", func(t *testing.T) {
		rec := ts.do(t, http.MethodGet, "/manifest?platform=ios", nil, map[string]string{
			"expo-project":         "demo",
			"expo-platform":        "windows", // overridden by the query
			"expo-runtime-version": "1.0.0",
			"expo-channel-name":    "production",
		})
		assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	})

	t.Run("unreleased version is absent", func(t *testing.T) {
		rec := ts.do(t, http.MethodGet, "/manifest?project=demo&platform=ios&version=9.9.9&channel=production", nil, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("invalid platform", func(t *testing.T) {
		rec := ts.do(t, http.MethodGet, "/manifest?project=demo&platform=windows&version=1.0.0&channel=production", nil, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestSignedManifest(t *testing.T) {
	ts := newTestServer(t, "")
	keyPEM, certPEM := testKeyPair(t)

	rec := ts.doJSON(t, http.MethodPost, "/register-app", map[string]string{"slug": "demo"})
	require.Equal(t, http.StatusOK, rec.Code)

	uploadID, _ := ts.uploadArchive(t, "demo", "1.0.0", "production", nil)
	rec = ts.do(t, http.MethodPut, "/apps/demo/release/"+uploadID, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	t.Run("without key pair the signed request fails", func(t *testing.T) {
		rec := ts.do(t, http.MethodGet, "/manifest?project=demo&platform=ios&version=1.0.0&channel=production",
			nil, map[string]string{"expo-expect-signature": "true"})
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})

	rec = ts.doJSON(t, http.MethodPut, "/apps/demo/certificate", map[string]string{
		"certificate": certPEM,
		"privateKey":  keyPEM,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = ts.do(t, http.MethodGet, "/manifest?project=demo&platform=android&version=1.0.0&channel=production",
		nil, map[string]string{"expo-expect-signature": "true"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	body := rec.Body.String()
	// the signature is a lowercase part header inside the body, not a
	// response header
	assert.Empty(t, rec.Header().Get("expo-signature"))
	assert.Contains(t, body, "\r\nexpo-signature: sig=")

	_, params, err := mime.ParseMediaType(rec.Header().Get("Content-Type"))
	require.NoError(t, err)
	mr := multipart.NewReader(strings.NewReader(body), params["boundary"])
	part, err := mr.NextPart()
	require.NoError(t, err)
	sigHeader := part.Header.Get("expo-signature")
	require.NotEmpty(t, sigHeader)
	assert.Contains(t, sigHeader, `keyid="main"`)

	raw, err := io.ReadAll(part)
	require.NoError(t, err)
	sig := strings.TrimSuffix(strings.TrimPrefix(sigHeader, `sig="`), `", keyid="main"`)
	assert.NoError(t, signing.Verify(raw, sig, certPEM))

	t.Run("certificate download", func(t *testing.T) {
		rec := ts.do(t, http.MethodGet, "/certificate/demo", nil, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
		assert.Contains(t, rec.Header().Get("Content-Disposition"), "attachment")
		assert.Contains(t, rec.Body.String(), "-----BEGIN CERTIFICATE-----")
	})
}

func TestAssetRoundTrip(t *testing.T) {
	ts := newTestServer(t, "")

	rec := ts.doJSON(t, http.MethodPost, "/register-app", map[string]string{"slug": "demo"})
	require.Equal(t, http.StatusOK, rec.Code)
	uploadID, _ := ts.uploadArchive(t, "demo", "1.0.0", "production", nil)
	rec = ts.do(t, http.MethodPut, "/apps/demo/release/"+uploadID, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodGet, "/manifest?project=demo&platform=ios&version=1.0.0&channel=production", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	_, params, err := mime.ParseMediaType(rec.Header().Get("Content-Type"))
	require.NoError(t, err)
	mr := multipart.NewReader(rec.Body, params["boundary"])
	part, err := mr.NextPart()
	require.NoError(t, err)
	raw, err := io.ReadAll(part)
	require.NoError(t, err)

	var m manifest.Manifest
	require.NoError(t, json.Unmarshal(raw, &m))
	require.NotEmpty(t, m.LaunchAsset.URL)

	// hash agreement: the served bytes hash to the descriptor's hash
	u, err := url.Parse(m.LaunchAsset.URL)
	require.NoError(t, err)
	require.Equal(t, publicURL, "https://"+u.Host)

	rec = ts.do(t, http.MethodGet, u.RequestURI(), nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "public, max-age=31536000", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "application/javascript", rec.Header().Get("Content-Type"))

	sum := sha256.Sum256(rec.Body.Bytes())
	assert.Equal(t, m.LaunchAsset.Hash, base64.RawURLEncoding.EncodeToString(sum[:]))

	t.Run("traversal is forbidden", func(t *testing.T) {
		rec := ts.do(t, http.MethodGet, "/assets?asset=../../../etc/passwd", nil, nil)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("absent key", func(t *testing.T) {
		rec := ts.do(t, http.MethodGet, "/assets?asset=updates/nope/missing", nil, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("missing parameter", func(t *testing.T) {
		rec := ts.do(t, http.MethodGet, "/assets", nil, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestUploadValidation(t *testing.T) {
	ts := newTestServer(t, "")

	t.Run("missing headers", func(t *testing.T) {
		body := &bytes.Buffer{}
		mw := multipart.NewWriter(body)
		fw, err := mw.CreateFormFile("uri", "bundle.zip")
		require.NoError(t, err)
		_, err = fw.Write(testArchive(t, testMetadata))
		require.NoError(t, err)
		require.NoError(t, mw.Close())

		rec := ts.do(t, http.MethodPost, "/upload", body, map[string]string{
			"Content-Type": mw.FormDataContentType(),
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("missing file field", func(t *testing.T) {
		body := &bytes.Buffer{}
		mw := multipart.NewWriter(body)
		require.NoError(t, mw.Close())
		rec := ts.do(t, http.MethodPost, "/upload", body, map[string]string{
			"Content-Type":    mw.FormDataContentType(),
			"project":         "demo",
			"version":         "1.0.0",
			"release-channel": "production",
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestUploadSecretGate(t *testing.T) {
	ts := newTestServer(t, "s3cret")

	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	fw, err := mw.CreateFormFile("uri", "bundle.zip")
	require.NoError(t, err)
	_, err = fw.Write(testArchive(t, testMetadata))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	rec := ts.do(t, http.MethodPost, "/upload", bytes.NewReader(body.Bytes()), map[string]string{
		"Content-Type":    mw.FormDataContentType(),
		"project":         "demo",
		"version":         "1.0.0",
		"release-channel": "production",
		"upload-key":      "wrong",
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	ts.uploadArchive(t, "demo", "1.0.0", "production", map[string]string{"upload-key": "s3cret"})
}

func TestLegacyRelease(t *testing.T) {
	ts := newTestServer(t, "")
	uploadID, _ := ts.uploadArchive(t, "demo", "1.0.0", "production", nil)

	rec := ts.do(t, http.MethodPut, "/release/"+uploadID, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
	assert.Contains(t, rec.Body.String(), uploadID)

	t.Run("unknown upload", func(t *testing.T) {
		rec := ts.do(t, http.MethodPut, "/release/no-such-id", nil, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestDeleteAppCascade(t *testing.T) {
	ts := newTestServer(t, "")
	ctx := t.Context()

	rec := ts.doJSON(t, http.MethodPost, "/register-app", map[string]string{"slug": "demo"})
	require.Equal(t, http.StatusOK, rec.Code)
	uploadID, updateID := ts.uploadArchive(t, "demo", "1.0.0", "production", nil)

	rec = ts.do(t, http.MethodDelete, "/apps/demo", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"deletedUploads":1`)

	keys, err := ts.stores.Blobs.List(ctx, blob.ArchivePrefix(uploadID))
	require.NoError(t, err)
	assert.Empty(t, keys)
	keys, err = ts.stores.Blobs.List(ctx, blob.AssetPrefix(updateID))
	require.NoError(t, err)
	assert.Empty(t, keys)

	rec = ts.do(t, http.MethodGet, "/apps/demo", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
