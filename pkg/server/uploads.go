package server

import (
	"crypto/subtle"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/updrift/updrift/pkg/errdefs"
	"github.com/updrift/updrift/pkg/registry"
)

func (s *Server) upload(c *gin.Context) {
	if s.config.UploadSecret != "" {
		key := c.GetHeader("upload-key")
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.config.UploadSecret)) != 1 {
			abortError(c, errdefs.Newf(errdefs.ErrForbidden, "invalid upload key"))
			return
		}
	}

	header, err := c.FormFile("uri")
	if err != nil {
		abortError(c, errdefs.Newf(errdefs.ErrInvalidParameter, "multipart field %q is required", "uri"))
		return
	}
	file, err := header.Open()
	if err != nil {
		abortError(c, errdefs.NewE(errdefs.ErrInvalidParameter, err))
		return
	}
	defer file.Close()
	archive, err := io.ReadAll(file)
	if err != nil {
		abortError(c, errdefs.NewE(errdefs.ErrInvalidParameter, err))
		return
	}

	upload, err := s.uploads.Ingest(c.Request.Context(), registry.IngestParams{
		Project:        c.GetHeader("project"),
		Version:        c.GetHeader("version"),
		ReleaseChannel: c.GetHeader("release-channel"),
		Filename:       header.Filename,
		GitBranch:      c.GetHeader("git-branch"),
		GitCommit:      c.GetHeader("git-commit"),
		Archive:        archive,
	})
	if err != nil {
		abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"uploadId": upload.ID, "updateId": upload.UpdateID})
}

func (s *Server) listUploads(c *gin.Context) {
	uploads, err := s.uploads.List(c.Request.Context())
	if err != nil {
		abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, uploads)
}

// releaseLegacy keeps the original text-only release route alive for old
// deploy scripts. It has no app namespace.
func (s *Server) releaseLegacy(c *gin.Context) {
	result, err := s.uploads.Release(c.Request.Context(), "", c.Param("id"))
	if err != nil {
		abortError(c, err)
		return
	}
	c.String(http.StatusOK, "released %s", result.Upload.ID)
}

func (s *Server) release(c *gin.Context) {
	result, err := s.uploads.Release(c.Request.Context(), c.Param("slug"), c.Param("id"))
	if err != nil {
		abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}
