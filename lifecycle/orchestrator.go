// Package lifecycle sequences the cached-checkout flow across the two
// job phases. the pre-job phase acquires a sticky disk, mounts it,
// ensures the bare mirror exists and wires the workspace to it. the
// post-job phase refreshes the mirror, verifies it and decides whether
// the updated state is committed back to the broker or discarded.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hostedci/checkout-cache/broker"
	"github.com/hostedci/checkout-cache/mirror"
	"github.com/hostedci/checkout-cache/retry"
)

const (
	stickyDiskType = "gitmirror"

	defaultRefreshTimeout = 5 * time.Minute
	defaultGCTimeout      = 2 * time.Minute
	defaultFsckTimeout    = 2 * time.Minute
)

// Broker is the volume-provisioning client surface the orchestrator
// depends on
type Broker interface {
	Acquire(ctx context.Context, req broker.AcquireRequest) (*broker.Acquisition, error)
	Commit(ctx context.Context, req broker.CommitRequest) error
}

// DeviceManager formats, mounts and unmounts the sticky disk device
type DeviceManager interface {
	EnsureFormatted(ctx context.Context, device string) error
	Mount(ctx context.Context, device, mountPoint string) error
	Unmount(ctx context.Context, mountPoint string)
}

// MirrorStore owns the bare mirror on the mounted device
type MirrorStore interface {
	Dir() string
	EnsureMirror(ctx context.Context) (bool, error)
	RefreshMirror(ctx context.Context, timeout time.Duration) retry.Result
	RunGC(ctx context.Context, timeout time.Duration) retry.Result
	RunIntegrityCheck(ctx context.Context, timeout time.Duration) retry.Result
}

// Config holds the orchestrator settings derived from the environment
type Config struct {
	Key mirror.CacheKey

	// base dir under which per-repo mount points are created
	MountBase string

	// metadata passed through verbatim to the broker
	Region         string
	InstallationID string
	VMID           string

	// per maintenance operation wall-clock budgets
	RefreshTimeout time.Duration
	GCTimeout      time.Duration
	FsckTimeout    time.Duration
}

// CommitDecision is computed once at cleanup time and gates the single
// broker commit call
type CommitDecision struct {
	ShouldCommit        bool
	VMHydratedGitMirror bool
}

// PrepareResult tells the caller whether the cached path is usable for
// this run. UsedCache false with a Reason means the caller must fall
// back to an uncached checkout, it is not an error.
type PrepareResult struct {
	UsedCache          bool
	Reason             string
	MirrorPath         string
	PerformedHydration bool
}

// Orchestrator is the top-level state machine. a single orchestrator
// serves a single job process, all operations are sequenced strictly,
// there is no in-process parallelism.
type Orchestrator struct {
	conf     Config
	broker   Broker
	devices  DeviceManager
	mirror   MirrorStore
	observer JobObserver
	reporter Reporter
	states   *StateStore
	log      *slog.Logger

	// seams for tests
	linkWorkspace func(workspacePath, mirrorPath string) error
}

// New creates an orchestrator. observer may be nil, in which case job
// health is unknown at cleanup time and the commit gate fails closed.
func New(conf Config, b Broker, d DeviceManager, m MirrorStore, obs JobObserver, rep Reporter, states *StateStore, log *slog.Logger) (*Orchestrator, error) {
	if err := conf.Key.Validate(); err != nil {
		return nil, err
	}
	if b == nil || d == nil || m == nil || states == nil {
		return nil, fmt.Errorf("broker, device manager, mirror store and state store are required")
	}

	if log == nil {
		log = slog.Default()
	}
	log = log.With("repo", conf.Key.StickyDiskKey())

	if rep == nil {
		rep = NoopReporter{}
	}

	if conf.RefreshTimeout == 0 {
		conf.RefreshTimeout = defaultRefreshTimeout
	}
	if conf.GCTimeout == 0 {
		conf.GCTimeout = defaultGCTimeout
	}
	if conf.FsckTimeout == 0 {
		conf.FsckTimeout = defaultFsckTimeout
	}

	return &Orchestrator{
		conf:          conf,
		broker:        b,
		devices:       d,
		mirror:        m,
		observer:      obs,
		reporter:      rep,
		states:        states,
		log:           log,
		linkWorkspace: mirror.LinkWorkspace,
	}, nil
}

// Prepare runs the pre-job phase: acquire device, mount, ensure mirror,
// link workspace. a hydration-in-progress acquisition is not an error,
// the result tells the caller to use the uncached path for this run
// without waiting or polling.
//
// state is saved immediately after a lease is acquired so the post-job
// phase can always release the device, even when a later setup step
// fails.
func (o *Orchestrator) Prepare(ctx context.Context, workspacePath string) (*PrepareResult, error) {
	key := o.conf.Key

	acq, err := o.broker.Acquire(ctx, broker.AcquireRequest{
		StickyDiskKey:  key.StickyDiskKey(),
		StickyDiskType: stickyDiskType,
		Region:         o.conf.Region,
		InstallationID: o.conf.InstallationID,
		VMID:           o.conf.VMID,
		RepoName:       key.StickyDiskKey(),
	})
	if err != nil {
		return nil, fmt.Errorf("unable to acquire sticky disk err:%w", err)
	}

	if acq.State == broker.InProgress {
		o.log.Info("another execution is hydrating this cache key, falling back to uncached checkout", "reason", acq.Reason)
		return &PrepareResult{Reason: acq.Reason}, nil
	}

	lease := acq.Lease
	state := &State{
		Owner:         key.Owner,
		Repo:          key.Repo,
		ExposeID:      lease.ExposeID,
		StickyDiskKey: lease.StickyDiskKey,
		Device:        lease.Device,
		MountPoint:    key.MountPoint(o.conf.MountBase),
		MirrorPath:    o.mirror.Dir(),
	}

	// save before any device mutation so cleanup can always release
	// the lease
	if err := o.states.Save(state); err != nil {
		return nil, fmt.Errorf("unable to save lease state err:%w", err)
	}

	if err := o.devices.EnsureFormatted(ctx, lease.Device); err != nil {
		return nil, err
	}

	if err := o.devices.Mount(ctx, lease.Device, state.MountPoint); err != nil {
		return nil, err
	}

	hydrated, err := o.mirror.EnsureMirror(ctx)
	if err != nil {
		return nil, err
	}
	state.PerformedHydration = hydrated

	if err := o.linkWorkspace(workspacePath, state.MirrorPath); err != nil {
		return nil, fmt.Errorf("unable to link workspace to mirror err:%w", err)
	}

	state.UsedCache = true
	if err := o.states.Save(state); err != nil {
		return nil, fmt.Errorf("unable to save lease state err:%w", err)
	}

	o.log.Info("workspace linked to mirror", "mirror", state.MirrorPath, "hydrated", hydrated)
	return &PrepareResult{
		UsedCache:          true,
		MirrorPath:         state.MirrorPath,
		PerformedHydration: hydrated,
	}, nil
}

// Cleanup runs the post-job phase in strict order: mirror refresh, gc,
// integrity check, sync+unmount, commit decision, broker commit.
// refresh runs before gc and the integrity check so the committed state
// reflects the latest fetch, the integrity check is the last
// mirror-mutating gate before unmount.
//
// cleanup failures are logged and swallowed, they must never fail an
// otherwise successful job. the commit gate silently downgrades
// persistence instead of raising.
func (o *Orchestrator) Cleanup(ctx context.Context) error {
	state, err := o.states.Load()
	if err != nil {
		return fmt.Errorf("unable to load lease state err:%w", err)
	}
	if state == nil {
		o.log.Debug("no saved cache state, nothing to clean up")
		return nil
	}
	defer func() {
		if err := o.states.Remove(); err != nil {
			o.log.Warn("unable to remove state file", "err", err)
		}
	}()

	refreshRes := retry.Result{Success: true}
	gcRes := retry.Result{Success: true}
	fsckRes := retry.Result{Success: true}

	// skip mirror maintenance when setup never completed, there is
	// nothing worth persisting on the device
	if state.UsedCache {
		refreshRes = o.mirror.RefreshMirror(ctx, o.conf.RefreshTimeout)
		if !refreshRes.Success {
			o.logOpFailure("refresh", refreshRes)
		}

		gcRes = o.mirror.RunGC(ctx, o.conf.GCTimeout)
		if !gcRes.Success {
			o.logOpFailure("gc", gcRes)
		}

		fsckRes = o.mirror.RunIntegrityCheck(ctx, o.conf.FsckTimeout)
		if !fsckRes.Success {
			o.logOpFailure("fsck", fsckRes)
		}
	}

	// nothing may touch the mirror after the integrity check, release
	// the device before informing the broker
	o.devices.Unmount(ctx, state.MountPoint)

	report, obsErr := o.checkJobFailures(ctx)
	decision := commitDecision(report, obsErr, refreshRes, gcRes, fsckRes, state.PerformedHydration, state.UsedCache)

	if err := o.broker.Commit(ctx, broker.CommitRequest{
		ExposeID:            state.ExposeID,
		StickyDiskKey:       state.StickyDiskKey,
		VMID:                o.conf.VMID,
		RepoName:            state.StickyDiskKey,
		ShouldCommit:        decision.ShouldCommit,
		VMHydratedGitMirror: decision.VMHydratedGitMirror,
	}); err != nil {
		o.log.Error("unable to commit sticky disk", "err", err)
	}

	o.reporter.Report(ctx, Outcome{
		StickyDiskKey:      state.StickyDiskKey,
		UsedCache:          state.UsedCache,
		PerformedHydration: state.PerformedHydration,
		JobFailed:          obsErr != nil || report.HasFailures,
		Refresh:            refreshRes,
		GC:                 gcRes,
		IntegrityCheck:     fsckRes,
		Committed:          decision.ShouldCommit,
	})

	o.log.Info("cleanup complete", "should-commit", decision.ShouldCommit, "hydrated", decision.VMHydratedGitMirror)
	return nil
}

func (o *Orchestrator) checkJobFailures(ctx context.Context) (*FailureReport, error) {
	if o.observer == nil {
		return &FailureReport{}, fmt.Errorf("no job observer configured")
	}

	report, err := o.observer.CheckFailures(ctx)
	if err != nil {
		o.log.Warn("unable to determine job outcome", "err", err)
		return &FailureReport{}, err
	}
	if report.HasFailures {
		o.log.Info("job reported failed steps", "count", report.FailedCount, "steps", report.FailedSteps)
	}
	return report, nil
}

func (o *Orchestrator) logOpFailure(op string, res retry.Result) {
	if res.TimedOut {
		o.log.Warn("mirror operation timed out, mirror state will not be committed", "op", op, "err", res.Err)
		return
	}
	o.log.Warn("mirror operation failed, mirror state will not be committed", "op", op, "err", res.Err)
}

// commitDecision computes the commit gate. shouldCommit starts true and
// is forced false by: incomplete setup, unknown or failed job outcome
// (fail closed), or any failed/timed-out maintenance result. a
// hydration that is about to be discarded is not reported as complete,
// otherwise a future job would see a "ready" mirror that was never
// committed.
func commitDecision(report *FailureReport, observerErr error, refresh, gc, fsck retry.Result, hydrated, setupSucceeded bool) CommitDecision {
	should := setupSucceeded

	if observerErr != nil || report == nil || report.HasFailures {
		should = false
	}

	if !refresh.Success || !gc.Success || !fsck.Success {
		should = false
	}

	return CommitDecision{
		ShouldCommit:        should,
		VMHydratedGitMirror: should && hydrated,
	}
}
