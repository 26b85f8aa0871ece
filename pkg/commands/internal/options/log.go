package options

import (
	"log/slog"

	"github.com/urfave/cli/v3"

	"github.com/updrift/updrift/pkg/xlog"
)

// LogFlagCategory is the category of the logging flags.
const LogFlagCategory = "[Log]"

// NewLogOptions returns a new *LogOptions with default values.
func NewLogOptions() *LogOptions {
	c := xlog.NewConfig()
	return &LogOptions{
		Format:     c.StdFormat,
		MaxSize:    int64(c.MaxSize),
		MaxAge:     int64(c.MaxAge),
		MaxBackups: int64(c.MaxBackups),
	}
}

// LogOptions defines the logging options shared by long-running commands.
type LogOptions struct {
	// Format is the console output format, one of ["text", "json"].
	Format string

	// Path is the log file path. Empty disables file output.
	Path string

	// MaxSize is the max size of a single log file in MB before rotation.
	MaxSize int64

	// MaxAge is the max days to retain rotated files.
	MaxAge int64

	// MaxBackups is the max number of rotated files to retain.
	MaxBackups int64

	// Compress enables gzip of rotated files.
	Compress bool
}

// Flags returns the []cli.Flag related to current options.
func (o *LogOptions) Flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       `console log format, oneof ["text", "json"]`,
			Sources:     cli.EnvVars("UPDRIFT_LOG_FORMAT"),
			Value:       o.Format,
			Destination: &o.Format,
			Category:    LogFlagCategory,
		},
		&cli.StringFlag{
			Name:        "log-file",
			Usage:       "log file path, rotated as it grows; empty disables file output",
			Sources:     cli.EnvVars("UPDRIFT_LOG_FILE"),
			Value:       o.Path,
			Destination: &o.Path,
			Category:    LogFlagCategory,
		},
		&cli.IntFlag{
			Name:        "log-max-size",
			Usage:       "max size of a single log file in MB before rotation",
			Sources:     cli.EnvVars("UPDRIFT_LOG_MAX_SIZE"),
			Value:       o.MaxSize,
			Destination: &o.MaxSize,
			Category:    LogFlagCategory,
		},
		&cli.IntFlag{
			Name:        "log-max-age",
			Usage:       "max days to retain rotated log files",
			Sources:     cli.EnvVars("UPDRIFT_LOG_MAX_AGE"),
			Value:       o.MaxAge,
			Destination: &o.MaxAge,
			Category:    LogFlagCategory,
		},
		&cli.IntFlag{
			Name:        "log-max-backups",
			Usage:       "max number of rotated log files to retain",
			Sources:     cli.EnvVars("UPDRIFT_LOG_MAX_BACKUPS"),
			Value:       o.MaxBackups,
			Destination: &o.MaxBackups,
			Category:    LogFlagCategory,
		},
		&cli.BoolFlag{
			Name:        "log-compress",
			Usage:       "gzip rotated log files",
			Sources:     cli.EnvVars("UPDRIFT_LOG_COMPRESS"),
			Value:       o.Compress,
			Destination: &o.Compress,
			Category:    LogFlagCategory,
		},
	}
}

// Config materializes the options into a logging config. debug lowers
// the level to LevelDebug.
func (o *LogOptions) Config(debug bool) xlog.Config {
	c := xlog.NewConfig()
	if debug {
		c.Level = slog.LevelDebug
	}
	c.StdFormat = o.Format
	c.Path = o.Path
	c.MaxSize = int(o.MaxSize)
	c.MaxAge = int(o.MaxAge)
	c.MaxBackups = int(o.MaxBackups)
	c.Compress = o.Compress
	return c
}
