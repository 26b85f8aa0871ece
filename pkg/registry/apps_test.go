package registry_test

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/updrift/updrift/pkg/errdefs"
	"github.com/updrift/updrift/pkg/registry"
	"github.com/updrift/updrift/pkg/storage/blob"
)

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

func TestAppService_Create(t *testing.T) {
	f := newFixture(t)

	app, err := f.apps.Create(t.Context(), registry.CreateAppParams{
		Slug:       "demo",
		Name:       "Demo",
		OwnerEmail: "owner@example.com",
	})
	require.NoError(t, err)
	assert.True(t, app.AutoCleanup)
	assert.False(t, app.HasKeyPair())

	t.Run("duplicate slug conflicts", func(t *testing.T) {
		_, err := f.apps.Create(t.Context(), registry.CreateAppParams{Slug: "demo"})
		assert.ErrorIs(t, err, errdefs.ErrConflict)
	})

	t.Run("invalid slug", func(t *testing.T) {
		for _, slug := range []string{"", "has space", "slash/y", "dotty.app"} {
			_, err := f.apps.Create(t.Context(), registry.CreateAppParams{Slug: slug})
			assert.ErrorIs(t, err, errdefs.ErrInvalidParameter, "slug %q", slug)
		}
	})

	t.Run("invalid email", func(t *testing.T) {
		_, err := f.apps.Create(t.Context(), registry.CreateAppParams{
			Slug:       "other",
			OwnerEmail: "not-an-email",
		})
		assert.ErrorIs(t, err, errdefs.ErrInvalidParameter)
	})
}

func TestAppService_AttachCertificate(t *testing.T) {
	f := newFixture(t)
	_, err := f.apps.Create(t.Context(), registry.CreateAppParams{Slug: "demo"})
	require.NoError(t, err)

	keyPEM, certPEM := testKeyPair(t)

	t.Run("both parts required", func(t *testing.T) {
		_, err := f.apps.AttachCertificate(t.Context(), "demo", certPEM, "")
		assert.ErrorIs(t, err, errdefs.ErrInvalidParameter)
		_, err = f.apps.AttachCertificate(t.Context(), "demo", "", keyPEM)
		assert.ErrorIs(t, err, errdefs.ErrInvalidParameter)
	})

	t.Run("attach and derive status", func(t *testing.T) {
		app, err := f.apps.AttachCertificate(t.Context(), "demo", certPEM, keyPEM)
		require.NoError(t, err)
		assert.True(t, app.HasKeyPair())

		list, err := f.apps.List(t.Context())
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, registry.CertificateConfigured, list[0].CertificateStatus)

		stored, err := f.apps.Certificate(t.Context(), "demo")
		require.NoError(t, err)
		assert.Contains(t, stored, "-----BEGIN CERTIFICATE-----")
	})

	t.Run("unknown app", func(t *testing.T) {
		_, err := f.apps.AttachCertificate(t.Context(), "ghost", certPEM, keyPEM)
		assert.ErrorIs(t, err, errdefs.ErrNotFound)
	})

	t.Run("malformed pem", func(t *testing.T) {
		_, err := f.apps.AttachCertificate(t.Context(), "demo", "garbage", keyPEM)
		assert.ErrorIs(t, err, errdefs.ErrInvalidParameter)
	})
}

func TestAppService_UpdateSettings(t *testing.T) {
	f := newFixture(t)
	_, err := f.apps.Create(t.Context(), registry.CreateAppParams{Slug: "demo"})
	require.NoError(t, err)

	app, err := f.apps.UpdateSettings(t.Context(), "demo", false)
	require.NoError(t, err)
	assert.False(t, app.AutoCleanup)

	_, err = f.apps.UpdateSettings(t.Context(), "ghost", true)
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
}

func TestAppService_GetWithStatistics(t *testing.T) {
	f := newFixture(t)
	_, err := f.apps.Create(t.Context(), registry.CreateAppParams{Slug: "demo"})
	require.NoError(t, err)

	u1 := f.ingest(t, "demo", "1.0.0", "production", testMetadata)
	f.ingest(t, "demo", "1.0.0", "production", testMetadata+" ")
	_, err = f.uploads.Release(t.Context(), "demo", u1.ID)
	require.NoError(t, err)

	details, err := f.apps.Get(t.Context(), "demo")
	require.NoError(t, err)
	assert.Equal(t, 2, details.TotalUploads)
	assert.Equal(t, 1, details.ReleasedUploads)
	require.NotNil(t, details.LastUpdate)
	require.NotNil(t, details.LastRelease)
	assert.True(t, details.LastUpdate.After(u1.CreatedAt))
}

func TestAppService_DeleteCascades(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	_, err := f.apps.Create(ctx, registry.CreateAppParams{Slug: "demo"})
	require.NoError(t, err)

	var uploads []struct{ id, updateID string }
	for i := 0; i < 3; i++ {
		u := f.ingest(t, "demo", "1.0.0", "production", fmt.Sprintf(`{"fileMetadata":{},"n":%d}`, i))
		uploads = append(uploads, struct{ id, updateID string }{u.ID, u.UpdateID})
	}

	result, err := f.apps.Delete(ctx, "demo")
	require.NoError(t, err)
	assert.Equal(t, 3, result.DeletedUploads)
	assert.Positive(t, result.FreedSpace)

	remaining, err := f.uploads.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, remaining)

	for _, u := range uploads {
		keys, err := f.stores.Blobs.List(ctx, blob.ArchivePrefix(u.id))
		require.NoError(t, err)
		assert.Empty(t, keys)
		keys, err = f.stores.Blobs.List(ctx, blob.AssetPrefix(u.updateID))
		require.NoError(t, err)
		assert.Empty(t, keys)
	}

	_, err = f.apps.Get(ctx, "demo")
	assert.ErrorIs(t, err, errdefs.ErrNotFound)

	t.Run("delete unknown app", func(t *testing.T) {
		_, err := f.apps.Delete(ctx, "ghost")
		assert.ErrorIs(t, err, errdefs.ErrNotFound)
	})
}
