// Package registry implements the service layer of the update server:
// app lifecycle, upload ingestion, the release state machine, manifest
// resolution and retention cleanup.
package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/updrift/updrift/pkg/manifest"
	"github.com/updrift/updrift/pkg/storage/blob"
	"github.com/updrift/updrift/pkg/storage/meta"
	"github.com/updrift/updrift/pkg/util/xcache"
)

// ManifestCacheTTL bounds how long a synthesized manifest may be served
// without consulting the meta store.
const ManifestCacheTTL = 300 * time.Second

// Stores bundles the three injected backends every service operates on.
type Stores struct {
	Meta  meta.Store
	Blobs blob.Store
	Cache xcache.Cache[manifest.Entry]
}

// WellKnownChannels are the release tracks whose cache entries get
// invalidated on app deletion.
var WellKnownChannels = []string{"production", "staging", "development"}

// CacheKey identifies a synthesized manifest per
// (project, runtime version, channel, platform).
func CacheKey(project, version, channel, platform string) string {
	return fmt.Sprintf("manifest:%s:%s:%s:%s", project, version, channel, platform)
}

// invalidateManifests drops the cached manifests of one
// (project, version, channel) pair for every platform.
func (s Stores) invalidateManifests(ctx context.Context, project, version, channel string) {
	for _, platform := range manifest.Platforms {
		s.Cache.Delete(ctx, CacheKey(project, version, channel, platform))
	}
}
