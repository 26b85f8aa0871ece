package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/updrift/updrift/pkg/errdefs"
	"github.com/updrift/updrift/pkg/registry"
)

func (s *Server) registerApp(c *gin.Context) {
	var params registry.CreateAppParams
	if err := c.ShouldBindJSON(&params); err != nil {
		abortError(c, errdefs.NewE(errdefs.ErrInvalidParameter, err))
		return
	}
	app, err := s.apps.Create(c.Request.Context(), params)
	if err != nil {
		abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, app)
}

func (s *Server) listApps(c *gin.Context) {
	apps, err := s.apps.List(c.Request.Context())
	if err != nil {
		abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, apps)
}

func (s *Server) getApp(c *gin.Context) {
	details, err := s.apps.Get(c.Request.Context(), c.Param("slug"))
	if err != nil {
		abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, details)
}

type certificateParams struct {
	Certificate string `json:"certificate"`
	PrivateKey  string `json:"privateKey"`
}

func (s *Server) attachCertificate(c *gin.Context) {
	var params certificateParams
	if err := c.ShouldBindJSON(&params); err != nil {
		abortError(c, errdefs.NewE(errdefs.ErrInvalidParameter, err))
		return
	}
	app, err := s.apps.AttachCertificate(c.Request.Context(), c.Param("slug"),
		params.Certificate, params.PrivateKey)
	if err != nil {
		abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"slug": app.Slug, "certificateStatus": registry.CertificateConfigured})
}

func (s *Server) getCertificate(c *gin.Context) {
	slug := c.Param("slug")
	cert, err := s.apps.Certificate(c.Request.Context(), slug)
	if err != nil {
		abortError(c, err)
		return
	}
	c.Header("Content-Disposition", `attachment; filename="`+slug+`-certificate.pem"`)
	c.Data(http.StatusOK, "text/plain; charset=utf-8", []byte(cert))
}

type settingsParams struct {
	AutoCleanup bool `json:"autoCleanupEnabled"`
}

func (s *Server) updateSettings(c *gin.Context) {
	var params settingsParams
	if err := c.ShouldBindJSON(&params); err != nil {
		abortError(c, errdefs.NewE(errdefs.ErrInvalidParameter, err))
		return
	}
	app, err := s.apps.UpdateSettings(c.Request.Context(), c.Param("slug"), params.AutoCleanup)
	if err != nil {
		abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"slug": app.Slug, "autoCleanupEnabled": app.AutoCleanup})
}

func (s *Server) deleteApp(c *gin.Context) {
	result, err := s.apps.Delete(c.Request.Context(), c.Param("slug"))
	if err != nil {
		abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}
