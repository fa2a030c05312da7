package mirror

import (
	"fmt"
	"path/filepath"
	"strings"
)

// schemaVersion is bumped when the on-disk mirror layout changes in an
// incompatible way, older trees on the same device are simply ignored
const schemaVersion = "v1"

// CacheKey identifies the one cached artefact per (owner, repository)
// pair. it derives both the per-repo mount point and the mirror path on
// the mounted device.
type CacheKey struct {
	Owner string
	Repo  string
}

// Validate rejects keys which cannot be safely mapped to filesystem
// paths or broker keys
func (k CacheKey) Validate() error {
	if k.Owner == "" || k.Repo == "" {
		return fmt.Errorf("cache key owner and repo must be set")
	}
	for _, s := range []string{k.Owner, k.Repo} {
		if strings.ContainsAny(s, "/\\") || s == "." || s == ".." {
			return fmt.Errorf("cache key segment %q is invalid", s)
		}
	}
	return nil
}

// StickyDiskKey is the key under which the broker tracks the device
func (k CacheKey) StickyDiskKey() string {
	return k.Owner + "/" + k.Repo
}

// MountPoint returns the per-repo mount point under the given base.
// owner and repo are separate path segments, string concatenation would
// collide e.g. "foo-bar/baz" with "foo/bar-baz".
func (k CacheKey) MountPoint(base string) string {
	return filepath.Join(base, k.Owner, k.Repo)
}

// MirrorPath returns the bare mirror path on the mounted device. the
// flat "{owner}-{repo}.git" file name predates per-repo mount points
// and is kept for compatibility with mirrors created before them.
func (k CacheKey) MirrorPath(base string) string {
	return filepath.Join(k.MountPoint(base), schemaVersion, fmt.Sprintf("%s-%s.git", k.Owner, k.Repo))
}

// RemoteURL builds the https remote for the key on the given git host
func (k CacheKey) RemoteURL(host string) string {
	return fmt.Sprintf("https://%s/%s/%s.git", host, k.Owner, k.Repo)
}
