package options

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/updrift/updrift/pkg/registry"
	"github.com/updrift/updrift/pkg/util/homedir"
)

const (
	// ServerFlagCategory is the category of the server flags.
	ServerFlagCategory = "[Server]"

	// DefaultServerPort is the default port for the server to listen on.
	DefaultServerPort int64 = 8080

	// DefaultServerHost is the default host for the server to listen on.
	DefaultServerHost = "127.0.0.1"
)

// NewServerOptions returns a new *ServerOptions with default values.
func NewServerOptions() *ServerOptions {
	return &ServerOptions{
		Port:        DefaultServerPort,
		Host:        DefaultServerHost,
		PublicURL:   fmt.Sprintf("http://%s:%d", DefaultServerHost, DefaultServerPort),
		Environment: "development",
		DataDir:     filepath.Join("~", ".updrift", "data"),
		CacheTTL:    registry.ManifestCacheTTL,
	}
}

// ServerOptions defines the options for the server.
type ServerOptions struct {
	// Port is the port for the server to listen on.
	Port int64

	// Host is the host for the server to listen on.
	Host string

	// PublicURL is the externally reachable base URL used in asset URLs.
	PublicURL string

	// Environment is an informational deployment label.
	Environment string

	// UploadSecret gates the upload route when set.
	UploadSecret string

	// DataDir is the directory holding the meta database and blob objects.
	DataDir string

	// CacheTTL bounds how long synthesized manifests are cached. Zero
	// disables manifest caching.
	CacheTTL time.Duration
}

// Flags returns the []cli.Flag related to current options.
func (o *ServerOptions) Flags() []cli.Flag {
	return []cli.Flag{
		&cli.IntFlag{
			Name:        "port",
			Aliases:     []string{"p"},
			Usage:       "port to listen on",
			Sources:     cli.EnvVars("UPDRIFT_SERVER_PORT"),
			Value:       o.Port,
			Destination: &o.Port,
			Category:    ServerFlagCategory,
		},
		&cli.StringFlag{
			Name:        "host",
			Usage:       "host to listen on",
			Sources:     cli.EnvVars("UPDRIFT_SERVER_HOST"),
			Value:       o.Host,
			Destination: &o.Host,
			Category:    ServerFlagCategory,
		},
		&cli.StringFlag{
			Name:        "public-url",
			Usage:       "externally reachable base URL used in manifest asset URLs",
			Sources:     cli.EnvVars("PUBLIC_URL"),
			Value:       o.PublicURL,
			Destination: &o.PublicURL,
			Category:    ServerFlagCategory,
		},
		&cli.StringFlag{
			Name:        "environment",
			Usage:       "informational deployment label reported by the health endpoint",
			Sources:     cli.EnvVars("ENVIRONMENT"),
			Value:       o.Environment,
			Destination: &o.Environment,
			Category:    ServerFlagCategory,
		},
		&cli.StringFlag{
			Name:        "upload-secret",
			Usage:       "shared secret required in the upload-key header when set",
			Sources:     cli.EnvVars("UPLOAD_SECRET_KEY"),
			Destination: &o.UploadSecret,
			Category:    ServerFlagCategory,
		},
		&cli.DurationFlag{
			Name:        "manifest-cache-ttl",
			Usage:       "how long synthesized manifests are cached, 0 disables caching",
			Sources:     cli.EnvVars("UPDRIFT_MANIFEST_CACHE_TTL"),
			Value:       o.CacheTTL,
			Destination: &o.CacheTTL,
			Category:    ServerFlagCategory,
		},
		&cli.StringFlag{
			Name:        "data-dir",
			Usage:       "directory holding the meta database and blob objects",
			Sources:     cli.EnvVars("UPDRIFT_DATA_DIR"),
			Value:       o.DataDir,
			Destination: &o.DataDir,
			Category:    ServerFlagCategory,
		},
	}
}

// Address returns the server address format as host:port.
func (o *ServerOptions) Address() string {
	return fmt.Sprintf("%s:%d", o.Host, o.Port)
}

// EnsureDataDir creates the data directory when absent and returns its
// absolute path. A leading ~ expands to the current user's home.
func (o *ServerOptions) EnsureDataDir() (string, error) {
	expanded, err := homedir.Expand(o.DataDir)
	if err != nil {
		return "", err
	}
	dir, err := filepath.Abs(expanded)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}
