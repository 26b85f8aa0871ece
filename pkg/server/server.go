// Package server exposes the update registry over HTTP.
package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/updrift/updrift/pkg/appinfo"
	"github.com/updrift/updrift/pkg/registry"
	"github.com/updrift/updrift/pkg/storage/blob"
)

// Config holds the request-independent server settings.
type Config struct {
	// PublicURL is the externally reachable base URL used when building
	// asset URLs in manifests.
	PublicURL string
	// Environment is an informational deployment label reported by the
	// health endpoint.
	Environment string
	// UploadSecret, when non-empty, must match the upload-key header of
	// every upload request.
	UploadSecret string
}

// New assembles the HTTP server around the registry services.
func New(cfg Config, apps *registry.AppService, uploads *registry.UploadService,
	manifests *registry.ManifestService, blobs blob.Store,
) *Server {
	return &Server{
		config:    cfg,
		apps:      apps,
		uploads:   uploads,
		manifests: manifests,
		blobs:     blobs,
	}
}

// Server carries the handler dependencies.
type Server struct {
	config    Config
	apps      *registry.AppService
	uploads   *registry.UploadService
	manifests *registry.ManifestService
	blobs     blob.Store
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	router.GET("/", s.health)

	router.POST("/register-app", s.registerApp)
	router.GET("/apps", s.listApps)
	router.GET("/apps/:slug", s.getApp)
	router.PUT("/apps/:slug/certificate", s.attachCertificate)
	router.PUT("/apps/:slug/settings", s.updateSettings)
	router.DELETE("/apps/:slug", s.deleteApp)
	router.GET("/certificate/:slug", s.getCertificate)

	router.POST("/upload", s.upload)
	router.GET("/uploads", s.listUploads)
	router.PUT("/release/:id", s.releaseLegacy)
	router.PUT("/apps/:slug/release/:id", s.release)

	router.GET("/manifest", s.manifest)
	router.GET("/assets", s.asset)

	return router
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "updrift",
		"version":     appinfo.GetVersion().Version,
		"environment": s.config.Environment,
	})
}
