// Package server provides the command starting the update server.
package server

import (
	"context"
	"net/http"
	"path/filepath"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gin-gonic/gin"
	"github.com/spf13/afero"
	"github.com/urfave/cli/v3"

	"github.com/updrift/updrift/pkg/cmdhelper"
	"github.com/updrift/updrift/pkg/commands/internal/options"
	"github.com/updrift/updrift/pkg/manifest"
	"github.com/updrift/updrift/pkg/registry"
	httpserver "github.com/updrift/updrift/pkg/server"
	"github.com/updrift/updrift/pkg/storage/blob"
	"github.com/updrift/updrift/pkg/storage/meta"
	"github.com/updrift/updrift/pkg/util/xcache"
	"github.com/updrift/updrift/pkg/xlog"
)

const shutdownTimeout = 5 * time.Second

// New creates a new ServerCommand.
func New() *Command {
	return NewCommand()
}

// NewCommand returns a command with default values.
func NewCommand() *Command {
	return &Command{
		CommonOptions: options.NewCommonOptions(),
		ServerOptions: options.NewServerOptions(),
		LogOptions:    options.NewLogOptions(),
	}
}

// Command is a command to start the server.
type Command struct {
	CommonOptions *options.CommonOptions
	ServerOptions *options.ServerOptions
	LogOptions    *options.LogOptions
}

// ToCLI transforms to a *cli.Command.
func (c *Command) ToCLI() *cli.Command {
	return &cli.Command{
		Name:    "server",
		Aliases: []string{"srv"},
		Usage:   "Start the update server in service mode",
		UsageText: `updrift server [OPTIONS]

# Start the server with default port 8080
$ updrift server

# Start the server with custom port and data directory
$ updrift server --port 9000 --data-dir /var/lib/updrift
`,
		Flags:  c.Flags(),
		Action: c.Run,
	}
}

// Flags defines the flags related to the current command.
func (c *Command) Flags() []cli.Flag {
	flags := []cli.Flag{}
	flags = append(flags, c.CommonOptions.Flags()...)
	flags = append(flags, c.ServerOptions.Flags()...)
	flags = append(flags, c.LogOptions.Flags()...)
	return flags
}

// Run is the main function for the current command
func (c *Command) Run(ctx context.Context, cmd *cli.Command) error {
	logConfig := c.LogOptions.Config(c.CommonOptions.Debug)
	xlog.SetDefault(xlog.New(logConfig))

	dataDir, err := c.ServerOptions.EnsureDataDir()
	if err != nil {
		return err
	}
	metaStore, err := meta.OpenBolt(filepath.Join(dataDir, "meta.db"))
	if err != nil {
		return err
	}
	defer func() {
		if err := metaStore.Close(); err != nil {
			xlog.C(ctx).Error("Meta store close failed", "error", err)
		}
	}()

	var cache xcache.Cache[manifest.Entry]
	if ttl := c.ServerOptions.CacheTTL; ttl > 0 {
		cache = xcache.NewMemory[manifest.Entry](ttl)
	} else {
		cache = xcache.NewDiscard[manifest.Entry]()
	}
	stores := registry.Stores{
		Meta:  metaStore,
		Blobs: blob.NewFS(afero.NewOsFs(), filepath.Join(dataDir, "blobs")),
		Cache: cache,
	}
	clk := clock.New()
	apps := registry.NewAppService(stores, clk)
	uploads := registry.NewUploadService(stores, clk)
	manifests := registry.NewManifestService(stores, manifest.NewBuilder(stores.Blobs, c.ServerOptions.PublicURL))

	address := c.ServerOptions.Address()
	xlog.C(ctx).Infof("Starting server %s", address)

	gin.SetMode(gin.ReleaseMode)
	router := httpserver.New(httpserver.Config{
		PublicURL:    c.ServerOptions.PublicURL,
		Environment:  c.ServerOptions.Environment,
		UploadSecret: c.ServerOptions.UploadSecret,
	}, apps, uploads, manifests, stores.Blobs).Router()

	srv := &http.Server{
		Addr:              address,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			xlog.C(ctx).Error("Server error", "error", err)
		}
	}()

	cmdhelper.Fprintf(cmd.Writer, "Server started at http://%s\n", address)
	cmdhelper.Fprintf(cmd.Writer, "Data directory: %s\n", dataDir)
	cmdhelper.Fprintf(cmd.Writer, "Press Ctrl+C to stop the server\n")

	// Wait for interrupt signal
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		xlog.C(ctx).Error("Server shutdown failed", "error", err)
		return err
	}

	xlog.C(ctx).Info("Server stopped")
	return nil
}
