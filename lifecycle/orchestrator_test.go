package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/hostedci/checkout-cache/broker"
	"github.com/hostedci/checkout-cache/mirror"
	"github.com/hostedci/checkout-cache/retry"
)

// ##############################################
// fakes, all recording into a shared call log
// ##############################################

type fakeBroker struct {
	calls *[]string

	acquisition *broker.Acquisition
	acquireErr  error
	commitErr   error

	acquireReq *broker.AcquireRequest
	commitReq  *broker.CommitRequest
}

func (f *fakeBroker) Acquire(ctx context.Context, req broker.AcquireRequest) (*broker.Acquisition, error) {
	*f.calls = append(*f.calls, "acquire")
	f.acquireReq = &req
	return f.acquisition, f.acquireErr
}

func (f *fakeBroker) Commit(ctx context.Context, req broker.CommitRequest) error {
	*f.calls = append(*f.calls, "commit")
	f.commitReq = &req
	return f.commitErr
}

type fakeDevices struct {
	calls *[]string

	formatErr error
	mountErr  error
}

func (f *fakeDevices) EnsureFormatted(ctx context.Context, device string) error {
	*f.calls = append(*f.calls, "format:"+device)
	return f.formatErr
}

func (f *fakeDevices) Mount(ctx context.Context, device, mountPoint string) error {
	*f.calls = append(*f.calls, "mount:"+device)
	return f.mountErr
}

func (f *fakeDevices) Unmount(ctx context.Context, mountPoint string) {
	*f.calls = append(*f.calls, "unmount")
}

type fakeMirror struct {
	calls *[]string

	dir        string
	hydrated   bool
	ensureErr  error
	refreshRes retry.Result
	gcRes      retry.Result
	fsckRes    retry.Result
}

func (f *fakeMirror) Dir() string { return f.dir }

func (f *fakeMirror) EnsureMirror(ctx context.Context) (bool, error) {
	*f.calls = append(*f.calls, "ensure")
	return f.hydrated, f.ensureErr
}

func (f *fakeMirror) RefreshMirror(ctx context.Context, timeout time.Duration) retry.Result {
	*f.calls = append(*f.calls, "refresh")
	return f.refreshRes
}

func (f *fakeMirror) RunGC(ctx context.Context, timeout time.Duration) retry.Result {
	*f.calls = append(*f.calls, "gc")
	return f.gcRes
}

func (f *fakeMirror) RunIntegrityCheck(ctx context.Context, timeout time.Duration) retry.Result {
	*f.calls = append(*f.calls, "fsck")
	return f.fsckRes
}

type errObserver struct{}

func (errObserver) CheckFailures(ctx context.Context) (*FailureReport, error) {
	return nil, fmt.Errorf("steps file unreadable")
}

type failedJobObserver struct{}

func (failedJobObserver) CheckFailures(ctx context.Context) (*FailureReport, error) {
	return &FailureReport{HasFailures: true, FailedCount: 1, FailedSteps: []string{"build"}}, nil
}

// ##############################################
// fixtures
// ##############################################

type fixture struct {
	calls   []string
	broker  *fakeBroker
	devices *fakeDevices
	mirror  *fakeMirror
	states  *StateStore
	orch    *Orchestrator
}

var testKey = mirror.CacheKey{Owner: "org", Repo: "repo"}

func newFixture(t *testing.T, obs JobObserver) *fixture {
	t.Helper()

	f := &fixture{}
	f.broker = &fakeBroker{
		calls: &f.calls,
		acquisition: &broker.Acquisition{
			State: broker.Acquired,
			Lease: &broker.Lease{ExposeID: "expose-123", StickyDiskKey: "org/repo", Device: "/dev/vdb"},
		},
	}
	f.devices = &fakeDevices{calls: &f.calls}
	f.mirror = &fakeMirror{
		calls:      &f.calls,
		dir:        "/mnt/cache/org/repo/v1/org-repo.git",
		hydrated:   true,
		refreshRes: retry.Result{Success: true},
		gcRes:      retry.Result{Success: true},
		fsckRes:    retry.Result{Success: true},
	}
	f.states = NewStateStore(t.TempDir(), testKey)

	orch, err := New(
		Config{Key: testKey, MountBase: "/mnt/cache", VMID: "vm-1"},
		f.broker, f.devices, f.mirror, obs, NoopReporter{}, f.states, nil,
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	orch.linkWorkspace = func(workspacePath, mirrorPath string) error { return nil }
	f.orch = orch

	return f
}

func (f *fixture) savedState(t *testing.T) *State {
	t.Helper()
	state, err := f.states.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	return state
}

// ##############################################
// Prepare
// ##############################################

func TestPrepare_happy_path(t *testing.T) {
	f := newFixture(t, NoopObserver{})

	res, err := f.orch.Prepare(context.TODO(), "/workspace/repo")
	if err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}

	want := &PrepareResult{
		UsedCache:          true,
		MirrorPath:         "/mnt/cache/org/repo/v1/org-repo.git",
		PerformedHydration: true,
	}
	if diff := cmp.Diff(want, res); diff != "" {
		t.Errorf("Prepare() mismatch (-want +got):\n%s", diff)
	}

	wantCalls := []string{"acquire", "format:/dev/vdb", "mount:/dev/vdb", "ensure"}
	if diff := cmp.Diff(wantCalls, f.calls); diff != "" {
		t.Errorf("call order mismatch (-want +got):\n%s", diff)
	}

	state := f.savedState(t)
	if state == nil {
		t.Fatal("no state saved")
	}
	if !state.UsedCache || !state.PerformedHydration {
		t.Errorf("state = %+v, want UsedCache and PerformedHydration", state)
	}
	if state.ExposeID != "expose-123" || state.Device != "/dev/vdb" {
		t.Errorf("state = %+v, lease fields not round tripped", state)
	}
	if state.MountPoint != "/mnt/cache/org/repo" {
		t.Errorf("state.MountPoint = %v, want /mnt/cache/org/repo", state.MountPoint)
	}

	if f.broker.acquireReq.StickyDiskKey != "org/repo" || f.broker.acquireReq.VMID != "vm-1" {
		t.Errorf("acquire request = %+v", f.broker.acquireReq)
	}
}

func TestPrepare_no_hydration_needed(t *testing.T) {
	f := newFixture(t, NoopObserver{})
	f.mirror.hydrated = false

	res, err := f.orch.Prepare(context.TODO(), "/workspace/repo")
	if err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}
	if !res.UsedCache || res.PerformedHydration {
		t.Errorf("Prepare() = %+v, want used cache without hydration", res)
	}
	if state := f.savedState(t); state.PerformedHydration {
		t.Error("state records hydration which did not happen")
	}
}

func TestPrepare_hydration_in_progress(t *testing.T) {
	f := newFixture(t, NoopObserver{})
	f.broker.acquisition = &broker.Acquisition{State: broker.InProgress, Reason: "vm-0 is hydrating"}

	res, err := f.orch.Prepare(context.TODO(), "/workspace/repo")
	if err != nil {
		t.Fatalf("Prepare() error = %v, in-progress must not be an error", err)
	}
	if res.UsedCache {
		t.Error("Prepare() used cache while another execution hydrates")
	}
	if res.Reason != "vm-0 is hydrating" {
		t.Errorf("Prepare() reason = %v", res.Reason)
	}

	// no lease, so no device or mirror activity and no state to clean up
	if diff := cmp.Diff([]string{"acquire"}, f.calls); diff != "" {
		t.Errorf("call mismatch (-want +got):\n%s", diff)
	}
	if state := f.savedState(t); state != nil {
		t.Errorf("state = %+v, want none", state)
	}
}

func TestPrepare_acquire_failure(t *testing.T) {
	f := newFixture(t, NoopObserver{})
	f.broker.acquisition = nil
	f.broker.acquireErr = errors.New("agent unreachable")

	if _, err := f.orch.Prepare(context.TODO(), "/workspace/repo"); err == nil {
		t.Fatal("Prepare() expected error")
	}
	if state := f.savedState(t); state != nil {
		t.Errorf("state = %+v, want none without a lease", state)
	}
}

// a setup failure after acquisition must leave the lease state behind so
// cleanup can still release the device
func TestPrepare_setup_failure_keeps_lease_state(t *testing.T) {
	f := newFixture(t, NoopObserver{})
	f.devices.mountErr = errors.New("device busy")

	if _, err := f.orch.Prepare(context.TODO(), "/workspace/repo"); err == nil {
		t.Fatal("Prepare() expected error")
	}

	state := f.savedState(t)
	if state == nil {
		t.Fatal("no state saved, cleanup cannot release the lease")
	}
	if state.UsedCache {
		t.Error("state.UsedCache = true for failed setup")
	}
	if state.ExposeID != "expose-123" {
		t.Errorf("state.ExposeID = %v", state.ExposeID)
	}
}

func TestPrepare_link_failure(t *testing.T) {
	f := newFixture(t, NoopObserver{})
	f.orch.linkWorkspace = func(workspacePath, mirrorPath string) error {
		return errors.New("workspace has no .git")
	}

	if _, err := f.orch.Prepare(context.TODO(), "/workspace/repo"); err == nil {
		t.Fatal("Prepare() expected error")
	}
	if state := f.savedState(t); state.UsedCache {
		t.Error("state.UsedCache = true while workspace was never linked")
	}
}

// ##############################################
// Cleanup
// ##############################################

func savePreparedState(t *testing.T, f *fixture, usedCache, hydrated bool) {
	t.Helper()
	err := f.states.Save(&State{
		Owner:              "org",
		Repo:               "repo",
		ExposeID:           "expose-123",
		StickyDiskKey:      "org/repo",
		Device:             "/dev/vdb",
		MountPoint:         "/mnt/cache/org/repo",
		MirrorPath:         "/mnt/cache/org/repo/v1/org-repo.git",
		PerformedHydration: hydrated,
		UsedCache:          usedCache,
	})
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}
}

func TestCleanup_ordering_and_commit(t *testing.T) {
	f := newFixture(t, NoopObserver{})
	savePreparedState(t, f, true, true)

	if err := f.orch.Cleanup(context.TODO()); err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}

	// refresh must run before gc and fsck, fsck is the last mirror
	// operation before unmount, commit is last
	wantCalls := []string{"refresh", "gc", "fsck", "unmount", "commit"}
	if diff := cmp.Diff(wantCalls, f.calls); diff != "" {
		t.Errorf("call order mismatch (-want +got):\n%s", diff)
	}

	req := f.broker.commitReq
	if req == nil {
		t.Fatal("broker commit was never called")
	}
	if !req.ShouldCommit || !req.VMHydratedGitMirror {
		t.Errorf("commit request = %+v, want committed and hydrated", req)
	}
	if req.ExposeID != "expose-123" {
		t.Errorf("commit request ExposeID = %v, lease handle not round tripped", req.ExposeID)
	}

	if state := f.savedState(t); state != nil {
		t.Errorf("state = %+v, want removed after cleanup", state)
	}
}

func TestCleanup_no_state_is_noop(t *testing.T) {
	f := newFixture(t, NoopObserver{})

	if err := f.orch.Cleanup(context.TODO()); err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	if len(f.calls) != 0 {
		t.Errorf("calls = %v, want none without saved state", f.calls)
	}
}

// setup never completed, the device still must be released but nothing
// on it is worth keeping
func TestCleanup_incomplete_setup_discards(t *testing.T) {
	f := newFixture(t, NoopObserver{})
	savePreparedState(t, f, false, false)

	if err := f.orch.Cleanup(context.TODO()); err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}

	wantCalls := []string{"unmount", "commit"}
	if diff := cmp.Diff(wantCalls, f.calls); diff != "" {
		t.Errorf("call mismatch (-want +got):\n%s", diff)
	}
	if f.broker.commitReq.ShouldCommit {
		t.Error("commit request persists a device whose setup never completed")
	}
}

func TestCleanup_commit_gating(t *testing.T) {
	failed := retry.Result{Err: errors.New("op failed")}
	timedOut := retry.Result{TimedOut: true, Err: context.DeadlineExceeded}

	tests := []struct {
		name     string
		observer JobObserver
		mutate   func(f *fixture)
	}{
		{"job failed", failedJobObserver{}, func(f *fixture) {}},
		{"job outcome unknown", errObserver{}, func(f *fixture) {}},
		{"no observer configured", nil, func(f *fixture) {}},
		{"refresh failed", NoopObserver{}, func(f *fixture) { f.mirror.refreshRes = failed }},
		{"refresh timed out", NoopObserver{}, func(f *fixture) { f.mirror.refreshRes = timedOut }},
		{"gc failed", NoopObserver{}, func(f *fixture) { f.mirror.gcRes = failed }},
		{"fsck failed", NoopObserver{}, func(f *fixture) { f.mirror.fsckRes = failed }},
		{"fsck timed out", NoopObserver{}, func(f *fixture) { f.mirror.fsckRes = timedOut }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.observer)
			savePreparedState(t, f, true, true)
			tt.mutate(f)

			if err := f.orch.Cleanup(context.TODO()); err != nil {
				t.Fatalf("Cleanup() error = %v", err)
			}

			req := f.broker.commitReq
			if req == nil {
				t.Fatal("broker commit must be called even on degraded paths")
			}
			if req.ShouldCommit {
				t.Error("commit request persists unverified or failed state")
			}
			if req.VMHydratedGitMirror {
				t.Error("commit request reports hydration complete for a discarded mirror")
			}
		})
	}
}

// a maintenance failure downgrades persistence, it never fails cleanup
func TestCleanup_swallows_failures(t *testing.T) {
	f := newFixture(t, NoopObserver{})
	savePreparedState(t, f, true, true)
	f.mirror.fsckRes = retry.Result{Err: errors.New("object store corrupt")}
	f.broker.commitErr = errors.New("agent unreachable")

	if err := f.orch.Cleanup(context.TODO()); err != nil {
		t.Errorf("Cleanup() error = %v, want nil", err)
	}
}

func TestCleanup_hydration_without_commit_is_not_reported(t *testing.T) {
	f := newFixture(t, failedJobObserver{})
	savePreparedState(t, f, true, true)

	if err := f.orch.Cleanup(context.TODO()); err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	if f.broker.commitReq.VMHydratedGitMirror {
		t.Error("hydration reported complete although the mirror is discarded")
	}
}

// ##############################################
// commit decision
// ##############################################

func Test_commitDecision(t *testing.T) {
	ok := retry.Result{Success: true}
	failed := retry.Result{Err: errors.New("failed")}
	healthy := &FailureReport{}

	tests := []struct {
		name        string
		report      *FailureReport
		observerErr error
		refresh     retry.Result
		gc          retry.Result
		fsck        retry.Result
		hydrated    bool
		setup       bool
		want        CommitDecision
	}{
		{
			"all healthy",
			healthy, nil, ok, ok, ok, true, true,
			CommitDecision{ShouldCommit: true, VMHydratedGitMirror: true},
		},
		{
			"healthy without hydration",
			healthy, nil, ok, ok, ok, false, true,
			CommitDecision{ShouldCommit: true},
		},
		{
			"job failures fail closed",
			&FailureReport{HasFailures: true}, nil, ok, ok, ok, true, true,
			CommitDecision{},
		},
		{
			"observer error fails closed",
			healthy, errors.New("unknown"), ok, ok, ok, true, true,
			CommitDecision{},
		},
		{
			"nil report fails closed",
			nil, nil, ok, ok, ok, true, true,
			CommitDecision{},
		},
		{
			"refresh failure",
			healthy, nil, failed, ok, ok, true, true,
			CommitDecision{},
		},
		{
			"gc failure",
			healthy, nil, ok, failed, ok, true, true,
			CommitDecision{},
		},
		{
			"fsck failure",
			healthy, nil, ok, ok, failed, true, true,
			CommitDecision{},
		},
		{
			"incomplete setup",
			healthy, nil, ok, ok, ok, true, false,
			CommitDecision{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := commitDecision(tt.report, tt.observerErr, tt.refresh, tt.gc, tt.fsck, tt.hydrated, tt.setup)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("commitDecision() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}
