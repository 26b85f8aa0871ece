// Package manifest synthesizes per-platform update manifests from stored
// upload metadata and blob contents.
package manifest

import (
	"encoding/json"
	"time"

	"github.com/samber/lo"
)

// Platforms understood by the mobile client protocol.
const (
	PlatformIOS     = "ios"
	PlatformAndroid = "android"
)

// Platforms lists all valid platform values.
var Platforms = []string{PlatformIOS, PlatformAndroid}

// ValidPlatform reports whether p names a supported platform.
func ValidPlatform(p string) bool {
	return lo.Contains(Platforms, p)
}

// Asset describes one downloadable file of an update. Hash is
// base64url(SHA-256) of the content, Key is hex(MD5) and doubles as the
// cache key on the client.
type Asset struct {
	Hash          string `json:"hash"`
	Key           string `json:"key"`
	FileExtension string `json:"fileExtension"`
	ContentType   string `json:"contentType"`
	URL           string `json:"url"`
}

// Manifest is the JSON document returned as the first multipart part of
// a manifest response. Field order is part of the serialized form that
// gets signed.
type Manifest struct {
	ID             string  `json:"id"`
	CreatedAt      string  `json:"createdAt"`
	RuntimeVersion string  `json:"runtimeVersion"`
	Assets         []Asset `json:"assets"`
	LaunchAsset    Asset   `json:"launchAsset"`
}

// Entry is the cached unit per (project, version, channel, platform):
// the exact manifest bytes plus the optional signature computed over them.
type Entry struct {
	Manifest  json.RawMessage `json:"manifest"`
	Signature string          `json:"signature,omitempty"`
}

// FormatTime renders a timestamp the way the client expects: UTC
// ISO-8601 with millisecond precision.
func FormatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}

// fileMetadata mirrors the metadata.json layout produced by the export
// step. Platforms absent from the map simply have no update.
type fileMetadata struct {
	FileMetadata map[string]platformFiles `json:"fileMetadata"`
}

type platformFiles struct {
	Bundle string          `json:"bundle"`
	Assets []platformAsset `json:"assets"`
}

type platformAsset struct {
	Path string `json:"path"`
	Ext  string `json:"ext"`
}
