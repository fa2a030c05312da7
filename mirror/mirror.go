// Package mirror owns the bare-mirror-on-disk abstraction, one bare git
// mirror per (owner, repository) pair kept on a sticky disk and shared
// across job runs. the git command line tool is its sole execution
// substrate.
//
// The implementation borrows heavily from https://github.com/kubernetes/git-sync.
package mirror

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/hostedci/checkout-cache/giturl"
	"github.com/hostedci/checkout-cache/internal/lock"
	"github.com/hostedci/checkout-cache/internal/utils"
	"github.com/hostedci/checkout-cache/retry"
)

const (
	defaultDirMode       fs.FileMode = os.FileMode(0755) // 'rwxr-xr-x'
	defaultCloneAttempts uint64      = 3
	defaultGitHost                   = "github.com"
)

// Config is the configuration of a single repository mirror
type Config struct {
	// the cache key identifying the mirror
	Key CacheKey

	// base dir under which per-repo mount points are created
	MountBase string

	// git host used to build the remote URL from the key,
	// defaults to github.com
	GitHost string

	// optional remote URL override, must point at the same repository
	// as the key
	Remote string

	// credential used for clone and fetch
	Auth Auth

	// number of attempts for the initial clone and for fetches,
	// defaults to 3
	CloneAttempts uint64
}

// Mirror represents the bare mirror of a single remote repository.
// A Mirror is safe for concurrent use by multiple goroutines, though the
// lifecycle orchestrator sequences all operations strictly.
type Mirror struct {
	lock          lock.RWMutex
	key           CacheKey
	dir           string      // absolute path to the bare mirror dir
	remote        string      // remote repo url
	gURL          *giturl.URL // parsed remote url
	auth          Auth
	envs          []string // envs which will be passed to git commands
	cloneAttempts uint64
	log           *slog.Logger

	githubAppToken          string
	githubAppTokenExpiresAt time.Time
}

// New creates a mirror handle from the given config. the remote repo is
// not touched until EnsureMirror or RefreshMirror is called.
func New(conf Config, envs []string, log *slog.Logger) (*Mirror, error) {
	if err := conf.Key.Validate(); err != nil {
		return nil, err
	}

	if log == nil {
		log = slog.Default()
	}
	log = log.With("repo", conf.Key.StickyDiskKey())

	if !filepath.IsAbs(conf.MountBase) {
		return nil, fmt.Errorf("mount base '%s' must be absolute", conf.MountBase)
	}

	host := conf.GitHost
	if host == "" {
		host = defaultGitHost
	}

	remote := conf.Remote
	if remote == "" {
		remote = conf.Key.RemoteURL(host)
	}
	remote = giturl.NormaliseURL(remote)

	gURL, err := giturl.Parse(remote)
	if err != nil {
		return nil, err
	}

	attempts := conf.CloneAttempts
	if attempts == 0 {
		attempts = defaultCloneAttempts
	}

	return &Mirror{
		lock:          lock.New(),
		key:           conf.Key,
		dir:           conf.Key.MirrorPath(conf.MountBase),
		remote:        remote,
		gURL:          gURL,
		auth:          conf.Auth,
		envs:          envs,
		cloneAttempts: attempts,
		log:           log,
	}, nil
}

// Dir returns the absolute path of the bare mirror dir
func (m *Mirror) Dir() string {
	return m.dir
}

// Present returns whether a usable mirror exists on disk. a directory
// which exists but fails the bare-repo sanity check is reported absent
// so the next EnsureMirror recreates it.
func (m *Mirror) Present(ctx context.Context) bool {
	m.lock.RLock()
	defer m.lock.RUnlock()

	return m.present(ctx)
}

func (m *Mirror) present(ctx context.Context) bool {
	_, err := os.Stat(m.dir)
	switch {
	case os.IsNotExist(err):
		return false
	case err != nil:
		m.log.Error("unable to verify mirror dir", "path", m.dir, "err", err)
		return false
	}

	return m.sanityCheckMirror(ctx)
}

// EnsureMirror makes sure a complete bare mirror exists at the mirror
// path, performing the first-time clone ("hydration") if needed. it
// returns true only when this call performed the initial clone.
//
// an already present mirror is a no-op by design, refreshing it is
// deferred to the post-job phase so the hot checkout path never pays
// network-fetch latency. a stale mirror still serves as a valid
// alternate object source.
func (m *Mirror) EnsureMirror(ctx context.Context) (bool, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	if m.present(ctx) {
		m.log.Info("mirror already present, skipping clone", "path", m.dir)
		return false, nil
	}

	start := time.Now()

	err := retry.Do(ctx, m.log, "clone", m.cloneAttempts, func(ctx context.Context) error {
		return m.clone(ctx)
	})
	if err != nil {
		recordHydration(m.key.StickyDiskKey(), false)
		return false, fmt.Errorf("unable to clone mirror repo:%s err:%w", m.key.StickyDiskKey(), err)
	}

	recordHydration(m.key.StickyDiskKey(), true)
	m.log.Info("mirror hydrated", "path", m.dir, "time", time.Since(start))
	return true, nil
}

// clone performs one full mirror clone attempt. any partial mirror left
// by a previous failed attempt is cleared first so that from the
// caller's perspective either a complete mirror exists afterwards or
// none does.
func (m *Mirror) clone(ctx context.Context) error {
	if err := utils.ReCreate(m.dir); err != nil {
		return retry.Permanent(fmt.Errorf("unable to clear partial mirror dir err:%w", err))
	}

	args := m.authConfigArgs(ctx)
	args = append(args, "clone", "--mirror", "--no-progress", m.remote, m.dir)

	// git [-c http.<origin>.extraheader=...] clone --mirror --no-progress <remote> <dir>
	_, err := runGitCommand(ctx, m.log, m.envs, "", args...)
	return err
}

// RefreshMirror fetches new refs and prunes deleted ones from origin
// into an existing mirror. it no-ops successfully when the mirror does
// not exist. fetch attempts are retried, the whole refresh is bounded
// by a hard wall-clock timeout so a hung fetch cannot stall cleanup.
func (m *Mirror) RefreshMirror(ctx context.Context, timeout time.Duration) retry.Result {
	m.lock.Lock()
	defer m.lock.Unlock()

	if _, err := os.Stat(m.dir); os.IsNotExist(err) {
		m.log.Debug("no mirror to refresh", "path", m.dir)
		return retry.Result{Success: true}
	}

	defer recordOperation(m.key.StickyDiskKey(), "refresh", time.Now())

	res := retry.Timeboxed(ctx, timeout, func(ctx context.Context) error {
		return retry.Do(ctx, m.log, "fetch", m.cloneAttempts, func(ctx context.Context) error {
			return m.fetch(ctx)
		})
	})
	recordOperationResult(m.key.StickyDiskKey(), "refresh", res)
	return res
}

// fetch calls git fetch to update all references
func (m *Mirror) fetch(ctx context.Context) error {
	args := m.authConfigArgs(ctx)
	// adding --porcelain so output can be parsed for updated refs
	// do not use -v output it will print all refs
	args = append(args, "fetch", "origin", "--prune", "--no-progress", "--porcelain", "--no-auto-gc")

	// git [-c ...extraheader=...] fetch origin --prune --no-progress --porcelain --no-auto-gc
	out, err := runGitCommand(ctx, m.log, m.envs, m.dir, args...)
	if err != nil {
		return err
	}

	if refs := updatedRefs(out); len(refs) > 0 {
		m.log.Info("mirror refreshed", "updated-refs", len(refs))
	}
	return nil
}

// RunGC runs threshold-gated garbage collection on the mirror. gc
// --auto only repacks when loose object or pack counts exceed git's
// thresholds, this runs on every job's cleanup and must not become the
// dominant cost.
func (m *Mirror) RunGC(ctx context.Context, timeout time.Duration) retry.Result {
	m.lock.Lock()
	defer m.lock.Unlock()

	if _, err := os.Stat(m.dir); os.IsNotExist(err) {
		return retry.Result{Success: true}
	}

	defer recordOperation(m.key.StickyDiskKey(), "gc", time.Now())

	res := retry.Timeboxed(ctx, timeout, func(ctx context.Context) error {
		// git gc --auto --quiet
		_, err := runGitCommand(ctx, m.log, m.envs, m.dir, "gc", "--auto", "--quiet")
		return err
	})
	recordOperationResult(m.key.StickyDiskKey(), "gc", res)
	return res
}

// RunIntegrityCheck verifies the mirror's object graph is structurally
// sound. dangling objects are ignored since a pruned mirror
// legitimately has those. this is the final gate before any commit, a
// failing or timed-out check must prevent the unverified state from
// being persisted.
func (m *Mirror) RunIntegrityCheck(ctx context.Context, timeout time.Duration) retry.Result {
	m.lock.RLock()
	defer m.lock.RUnlock()

	if _, err := os.Stat(m.dir); os.IsNotExist(err) {
		return retry.Result{Success: true}
	}

	defer recordOperation(m.key.StickyDiskKey(), "fsck", time.Now())

	res := retry.Timeboxed(ctx, timeout, func(ctx context.Context) error {
		// git fsck --no-progress --no-dangling
		_, err := runGitCommand(ctx, m.log, m.envs, m.dir, "fsck", "--no-progress", "--no-dangling")
		return err
	})
	recordOperationResult(m.key.StickyDiskKey(), "fsck", res)
	return res
}

// sanityCheckMirror tries to make sure that the mirror dir is a valid
// bare git repository pointing at the expected remote.
func (m *Mirror) sanityCheckMirror(ctx context.Context) bool {
	if empty, err := utils.DirIsEmpty(m.dir); err != nil {
		m.log.Error("can't list mirror directory", "path", m.dir, "err", err)
		return false
	} else if empty {
		m.log.Info("mirror directory is empty", "path", m.dir)
		return false
	}

	// make sure mirror is a bare repository
	// git rev-parse --is-bare-repository
	if ok, err := runGitCommand(ctx, m.log, m.envs, m.dir, "rev-parse", "--is-bare-repository"); err != nil {
		m.log.Error("unable to verify bare repo", "path", m.dir, "err", err)
		return false
	} else if ok != "true" {
		m.log.Error("mirror is not a bare repository", "path", m.dir)
		return false
	}

	// make sure origin points at the expected remote
	// git config --get remote.origin.url
	if stdout, err := runGitCommand(ctx, m.log, m.envs, m.dir, "config", "--get", "remote.origin.url"); err != nil {
		m.log.Error("can't get remote.origin.url", "path", m.dir, "err", err)
		return false
	} else if same, err := giturl.SameRawURL(stdout, m.remote); err != nil || !same {
		m.log.Error("mirror configured with diff remote url", "path", m.dir, "remote.origin.url", stdout)
		return false
	}

	return true
}
