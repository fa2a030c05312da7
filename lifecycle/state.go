package lifecycle

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/hostedci/checkout-cache/mirror"
)

const defaultDirMode fs.FileMode = os.FileMode(0755) // 'rwxr-xr-x'

// State is the cross-phase context carried from the pre-job phase to
// the post-job phase of a single job. it is the only persistence the
// lease has, the broker expects it back unmodified at commit time.
type State struct {
	Owner string `yaml:"owner"`
	Repo  string `yaml:"repo"`

	// opaque broker handle, must be round-tripped unmodified
	ExposeID      string `yaml:"expose_id"`
	StickyDiskKey string `yaml:"sticky_disk_key"`
	Device        string `yaml:"device"`
	MountPoint    string `yaml:"mount_point"`
	MirrorPath    string `yaml:"mirror_path"`

	// whether this execution performed the first-time clone
	PerformedHydration bool `yaml:"performed_hydration"`

	// whether setup completed and the job actually used the cache,
	// false means cleanup must discard the device mutations
	UsedCache bool `yaml:"used_cache"`
}

// StateStore persists the cross-phase state as a yaml file keyed by the
// cache key. owner and repo are separate path segments for the same
// collision reasons as the mount point.
type StateStore struct {
	path string
}

// NewStateStore creates a store for the given key under dir
func NewStateStore(dir string, key mirror.CacheKey) *StateStore {
	return &StateStore{
		path: filepath.Join(dir, key.Owner, key.Repo+".yaml"),
	}
}

// Load reads the saved state, returns nil without error when no state
// was saved by the pre-job phase
func (s *StateStore) Load() (*State, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("unable to read state file err:%w", err)
	}

	state := &State{}
	if err := yaml.Unmarshal(data, state); err != nil {
		return nil, fmt.Errorf("unable to parse state file err:%w", err)
	}
	return state, nil
}

// Save writes the state file, creating parent dirs as needed
func (s *StateStore) Save(state *State) error {
	if err := os.MkdirAll(filepath.Dir(s.path), defaultDirMode); err != nil {
		return fmt.Errorf("unable to create state dir err:%w", err)
	}

	data, err := yaml.Marshal(state)
	if err != nil {
		return fmt.Errorf("unable to marshal state err:%w", err)
	}

	if err := os.WriteFile(s.path, data, 0600); err != nil {
		return fmt.Errorf("unable to write state file err:%w", err)
	}
	return nil
}

// Remove deletes the state file, missing file is not an error
func (s *StateStore) Remove() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
