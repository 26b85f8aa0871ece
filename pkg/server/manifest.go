package server

import (
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cast"

	"github.com/updrift/updrift/pkg/errdefs"
	"github.com/updrift/updrift/pkg/manifest"
	"github.com/updrift/updrift/pkg/registry"
	"github.com/updrift/updrift/pkg/signing"
	"github.com/updrift/updrift/pkg/storage/blob"
	"github.com/updrift/updrift/pkg/xlog"
)

// coordinate reads a manifest coordinate from the query string, falling
// back to the matching expo-* header.
func coordinate(c *gin.Context, query, header string) string {
	if v := c.Query(query); v != "" {
		return v
	}
	return c.GetHeader(header)
}

func (s *Server) manifest(c *gin.Context) {
	req := registry.ManifestRequest{
		Project:         coordinate(c, "project", "expo-project"),
		Platform:        coordinate(c, "platform", "expo-platform"),
		Version:         coordinate(c, "version", "expo-runtime-version"),
		Channel:         coordinate(c, "channel", "expo-channel-name"),
		ExpectSignature: cast.ToBool(c.GetHeader("expo-expect-signature")),
	}
	entry, err := s.manifests.Resolve(c.Request.Context(), req)
	if err != nil {
		abortError(c, err)
		return
	}
	// headers are already on the wire once emission starts
	if err := writeManifest(c.Writer, entry); err != nil {
		xlog.C(c.Request.Context()).Error("manifest emission failed", "error", err)
	}
}

// writeManifest emits the two-part multipart/mixed body the update client
// expects. The signature travels as a part header of the manifest part,
// never as a response header.
func writeManifest(w http.ResponseWriter, entry *manifest.Entry) error {
	mw := multipart.NewWriter(w)

	w.Header().Set("Content-Type", fmt.Sprintf("multipart/mixed; boundary=%s", mw.Boundary()))
	w.Header().Set("expo-protocol-version", "0")
	w.Header().Set("expo-sfv-version", "0")
	w.Header().Set("Cache-Control", "private, max-age=0")
	w.WriteHeader(http.StatusOK)

	header := textproto.MIMEHeader{
		"Content-Disposition": {`form-data; name="manifest"`},
		"Content-Type":        {"application/json; charset=utf-8"},
	}
	if entry.Signature != "" {
		// lowercase on the wire, so assigned directly instead of Set
		header["expo-signature"] = []string{signing.Header(entry.Signature)}
	}
	part, err := mw.CreatePart(header)
	if err != nil {
		return err
	}
	if _, err := part.Write(entry.Manifest); err != nil {
		return err
	}

	part, err = mw.CreatePart(textproto.MIMEHeader{
		"Content-Disposition": {`form-data; name="extensions"`},
		"Content-Type":        {"application/json"},
	})
	if err != nil {
		return err
	}
	if _, err := part.Write([]byte("{}")); err != nil {
		return err
	}
	return mw.Close()
}

func (s *Server) asset(c *gin.Context) {
	key := c.Query("asset")
	if key == "" {
		abortError(c, errdefs.Newf(errdefs.ErrInvalidParameter, "query parameter %q is required", "asset"))
		return
	}
	if !blob.ValidKey(key) {
		abortError(c, errdefs.Newf(errdefs.ErrForbidden, "unsafe asset key %q", key))
		return
	}
	contentType := c.Query("contentType")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	ctx := c.Request.Context()
	size, err := s.blobs.Stat(ctx, key)
	if err != nil {
		abortError(c, err)
		return
	}
	rc, err := s.blobs.Get(ctx, key)
	if err != nil {
		abortError(c, err)
		return
	}
	defer rc.Close()

	c.Header("Cache-Control", "public, max-age=31536000")
	c.DataFromReader(http.StatusOK, size, contentType, rc, nil)
}
