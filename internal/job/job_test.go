package job

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

type fakeRunner struct {
	calls   [][]string
	outputs map[string]string
	errs    map[string]error
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{outputs: map[string]string{}, errs: map[string]error{}}
}

func (r *fakeRunner) Run(_ context.Context, dir string, args ...string) (string, error) {
	r.calls = append(r.calls, append([]string{dir}, args...))
	if err, ok := r.errs[args[0]]; ok {
		return "", err
	}
	return r.outputs[args[0]], nil
}

func (r *fakeRunner) count(tool string) int {
	n := 0
	for _, call := range r.calls {
		if call[1] == tool {
			n++
		}
	}
	return n
}

func TestDetectManager(t *testing.T) {
	t.Parallel()

	onPath := func(names ...string) LookPath {
		set := map[string]bool{}
		for _, name := range names {
			set[name] = true
		}
		return func(name string) (string, error) {
			if set[name] {
				return "/usr/bin/" + name, nil
			}
			return "", errors.New("not found")
		}
	}

	if got := DetectManager(onPath("qacct", "qconf", "qdel", "qstat", "qsub")); got != "sge" {
		t.Errorf("DetectManager(sge tools) = %q", got)
	}
	if got := DetectManager(onPath("srun", "squeue", "sbatch")); got != "slurm" {
		t.Errorf("DetectManager(slurm tools) = %q", got)
	}
	// An incomplete tool set never matches its family.
	if got := DetectManager(onPath("qsub", "qstat", "srun")); got != "shell" {
		t.Errorf("DetectManager(partial tools) = %q", got)
	}
	if got := DetectManager(onPath()); got != "shell" {
		t.Errorf("DetectManager(no tools) = %q", got)
	}
}

func TestSGESubmitParsesJobID(t *testing.T) {
	t.Parallel()

	runner := newFakeRunner()
	runner.outputs["qsub"] = "12345\n"
	sge := NewSGE(runner, 0)

	handle, err := sge.Submit(context.Background(), LaunchSpec{Executable: "./ChaNGa", TotalCPUCount: 16})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if handle.ID != "12345" || handle.Backend != "sge" {
		t.Fatalf("Submit() handle = %v", handle)
	}
}

func TestSGESubmitParsesLongAcknowledgement(t *testing.T) {
	t.Parallel()

	runner := newFakeRunner()
	runner.outputs["qsub"] = "Your job 98765 (\"ChaNGa\") has been submitted\n"
	sge := NewSGE(runner, 0)

	handle, err := sge.Submit(context.Background(), LaunchSpec{Executable: "./ChaNGa"})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if handle.ID != "98765" {
		t.Fatalf("Submit() handle = %v", handle)
	}
}

func TestSubmitRejectionCarriesDiagnostic(t *testing.T) {
	t.Parallel()

	runner := newFakeRunner()
	runner.errs["qsub"] = errors.New("qsub: Unable to run job: denied by policy")
	sge := NewSGE(runner, 0)

	_, err := sge.Submit(context.Background(), LaunchSpec{Executable: "./ChaNGa"})
	var rejected *SubmissionRejectedError
	if !errors.As(err, &rejected) {
		t.Fatalf("Submit() error = %v, want SubmissionRejectedError", err)
	}
	if !strings.Contains(rejected.Diagnostic, "denied by policy") {
		t.Fatalf("Diagnostic = %q", rejected.Diagnostic)
	}
}

func TestCoreCountConstraintRejectedLocally(t *testing.T) {
	t.Parallel()

	runner := newFakeRunner()
	sge := NewSGE(runner, 12)

	_, err := sge.Submit(context.Background(), LaunchSpec{Executable: "./ChaNGa", TotalCPUCount: 16})
	var invalid *InvalidLaunchSpecError
	if !errors.As(err, &invalid) {
		t.Fatalf("Submit() error = %v, want InvalidLaunchSpecError", err)
	}
	if len(runner.calls) != 0 {
		t.Fatalf("rejected spec still reached the backend: %v", runner.calls)
	}

	slurm := NewSlurm(runner, 12)
	if _, err := slurm.Submit(context.Background(), LaunchSpec{Executable: "./ChaNGa", TotalCPUCount: 16}); !errors.As(err, &invalid) {
		t.Fatalf("slurm Submit() error = %v, want InvalidLaunchSpecError", err)
	}
	if len(runner.calls) != 0 {
		t.Fatalf("rejected spec still reached the backend: %v", runner.calls)
	}
}

const sgeQstatTable = `job-ID  prior   name       user         state submit/start at     queue
-----------------------------------------------------------------------------
  12345 0.55500 ChaNGa     onno         r     08/23/2026 10:00:00 all.q@n001
  12346 0.00000 ChaNGa     onno         qw    08/23/2026 10:05:00
  12347 0.00000 ChaNGa     onno         Eqw   08/23/2026 10:06:00
  12348 0.00000 ChaNGa     onno         zz    08/23/2026 10:07:00
`

func TestSGEPollMapsStates(t *testing.T) {
	t.Parallel()

	runner := newFakeRunner()
	runner.outputs["qstat"] = sgeQstatTable
	runner.outputs["qacct"] = "failed       0\nexit_status  0\n"
	sge := NewSGE(runner, 0)

	tests := []struct {
		id   string
		want Status
	}{
		{"12345", StatusRunning},
		{"12346", StatusQueued},
		{"12347", StatusFailed},
		{"12348", StatusUnknown}, // unrecognized state never errors
		{"99999", StatusCompleted}, // vanished, accounting confirms clean exit
	}
	for _, tc := range tests {
		got, err := sge.Poll(context.Background(), Handle{ID: tc.id, Backend: "sge"})
		if err != nil {
			t.Errorf("Poll(%s) error = %v", tc.id, err)
			continue
		}
		if got != tc.want {
			t.Errorf("Poll(%s) = %q, want %q", tc.id, got, tc.want)
		}
	}
}

func TestSGEPollVanishedJobConsultsAccounting(t *testing.T) {
	t.Parallel()

	// A job qstat no longer lists may have crashed; its qacct record
	// decides the outcome.
	runner := newFakeRunner()
	runner.outputs["qstat"] = sgeQstatTable
	runner.outputs["qacct"] = "failed       0\nexit_status  137\n"
	sge := NewSGE(runner, 0)

	got, err := sge.Poll(context.Background(), Handle{ID: "99999", Backend: "sge"})
	if err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	if got != StatusFailed {
		t.Fatalf("Poll(vanished, exit 137) = %q, want %q", got, StatusFailed)
	}
	if runner.count("qacct") != 1 {
		t.Fatalf("qacct consulted %d times, want 1", runner.count("qacct"))
	}
}

func TestSGEPollVanishedJobWithoutAccountingIsUnknown(t *testing.T) {
	t.Parallel()

	runner := newFakeRunner()
	runner.outputs["qstat"] = sgeQstatTable
	runner.errs["qacct"] = errors.New("error: job id 99999 not found")
	sge := NewSGE(runner, 0)

	got, err := sge.Poll(context.Background(), Handle{ID: "99999", Backend: "sge"})
	if err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	if got != StatusUnknown {
		t.Fatalf("Poll(vanished, no accounting) = %q, want %q", got, StatusUnknown)
	}
}

func TestSGECancelIsIdempotent(t *testing.T) {
	t.Parallel()

	runner := newFakeRunner()
	runner.outputs["qstat"] = sgeQstatTable
	sge := NewSGE(runner, 0)

	if err := sge.Cancel(context.Background(), Handle{ID: "12345", Backend: "sge"}); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if runner.count("qdel") != 1 {
		t.Fatalf("qdel issued %d times, want 1", runner.count("qdel"))
	}

	// A job the scheduler no longer lists is already terminal.
	if err := sge.Cancel(context.Background(), Handle{ID: "99999", Backend: "sge"}); err != nil {
		t.Fatalf("Cancel(finished) error = %v", err)
	}
	if runner.count("qdel") != 1 {
		t.Fatalf("cancelling a finished job issued qdel")
	}
}

func TestSlurmSubmitAndPoll(t *testing.T) {
	t.Parallel()

	runner := newFakeRunner()
	runner.outputs["sbatch"] = "4242;cluster0\n"
	runner.outputs["squeue"] = "4242 RUNNING\n4243 PENDING\n4244 CANCELLED by 1001\n"
	runner.outputs["sacct"] = "COMPLETED\n"
	slurm := NewSlurm(runner, 0)

	handle, err := slurm.Submit(context.Background(), LaunchSpec{Executable: "./ChaNGa", TotalCPUCount: 32})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if handle.ID != "4242" {
		t.Fatalf("Submit() handle = %v", handle)
	}

	tests := []struct {
		id   string
		want Status
	}{
		{"4242", StatusRunning},
		{"4243", StatusQueued},
		{"4244", StatusCancelled},
		{"9999", StatusCompleted}, // vanished, accounting confirms completion
	}
	for _, tc := range tests {
		got, err := slurm.Poll(context.Background(), Handle{ID: tc.id, Backend: "slurm"})
		if err != nil {
			t.Errorf("Poll(%s) error = %v", tc.id, err)
			continue
		}
		if got != tc.want {
			t.Errorf("Poll(%s) = %q, want %q", tc.id, got, tc.want)
		}
	}
}

func TestSlurmPollVanishedJobConsultsAccounting(t *testing.T) {
	t.Parallel()

	runner := newFakeRunner()
	runner.outputs["squeue"] = "4242 RUNNING\n"
	runner.outputs["sacct"] = "OUT_OF_MEMORY\n"
	slurm := NewSlurm(runner, 0)

	got, err := slurm.Poll(context.Background(), Handle{ID: "9999", Backend: "slurm"})
	if err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	if got != StatusFailed {
		t.Fatalf("Poll(vanished, OOM-killed) = %q, want %q", got, StatusFailed)
	}
	if runner.count("sacct") != 1 {
		t.Fatalf("sacct consulted %d times, want 1", runner.count("sacct"))
	}
}

func TestSlurmPollVanishedJobWithoutAccountingIsUnknown(t *testing.T) {
	t.Parallel()

	runner := newFakeRunner()
	runner.outputs["squeue"] = "4242 RUNNING\n"
	runner.errs["sacct"] = errors.New("sacct: error: accounting storage is disabled")
	slurm := NewSlurm(runner, 0)

	got, err := slurm.Poll(context.Background(), Handle{ID: "9999", Backend: "slurm"})
	if err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	if got != StatusUnknown {
		t.Fatalf("Poll(vanished, no accounting) = %q, want %q", got, StatusUnknown)
	}

	// An empty accounting answer is just as inconclusive.
	runner2 := newFakeRunner()
	runner2.outputs["squeue"] = "4242 RUNNING\n"
	runner2.outputs["sacct"] = "\n"
	slurm2 := NewSlurm(runner2, 0)
	if got, err := slurm2.Poll(context.Background(), Handle{ID: "9999", Backend: "slurm"}); err != nil || got != StatusUnknown {
		t.Fatalf("Poll(vanished, empty accounting) = %q, %v, want %q", got, err, StatusUnknown)
	}
}

type scriptedBackend struct {
	statuses []Status
	errs     []error
	polls    int
}

func (b *scriptedBackend) Name() string { return "scripted" }

func (b *scriptedBackend) Submit(context.Context, LaunchSpec) (Handle, error) {
	return Handle{ID: "1", Backend: "scripted"}, nil
}

func (b *scriptedBackend) Poll(context.Context, Handle) (Status, error) {
	i := b.polls
	b.polls++
	if i < len(b.errs) && b.errs[i] != nil {
		return StatusUnknown, b.errs[i]
	}
	if i >= len(b.statuses) {
		return b.statuses[len(b.statuses)-1], nil
	}
	return b.statuses[i], nil
}

func (b *scriptedBackend) Cancel(context.Context, Handle) error { return nil }
func (b *scriptedBackend) List(context.Context) ([]Handle, error) { return nil, nil }

func TestWatchReportsTransitions(t *testing.T) {
	t.Parallel()

	backend := &scriptedBackend{statuses: []Status{StatusQueued, StatusQueued, StatusRunning, StatusCompleted}}
	var seen []Status

	status, err := Watch(context.Background(), backend, Handle{ID: "1"}, time.Millisecond, func(s Status) {
		seen = append(seen, s)
	})
	if err != nil {
		t.Fatalf("Watch() error = %v", err)
	}
	if status != StatusCompleted {
		t.Fatalf("Watch() = %q, want completed", status)
	}
	want := []Status{StatusQueued, StatusRunning, StatusCompleted}
	if len(seen) != len(want) {
		t.Fatalf("observed transitions = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("observed transitions = %v, want %v", seen, want)
		}
	}
}

func TestWatchToleratesTransientPollFailures(t *testing.T) {
	t.Parallel()

	down := errors.New("connection refused")
	backend := &scriptedBackend{
		statuses: []Status{StatusRunning, StatusRunning, StatusRunning, StatusCompleted},
		errs:     []error{nil, down, down, nil},
	}

	status, err := Watch(context.Background(), backend, Handle{ID: "1"}, time.Millisecond, nil)
	if err != nil {
		t.Fatalf("Watch() error = %v, want recovery after transient failures", err)
	}
	if status != StatusCompleted {
		t.Fatalf("Watch() = %q, want completed", status)
	}
}

func TestWatchSurfacesPersistentBackendFailure(t *testing.T) {
	t.Parallel()

	down := errors.New("connection refused")
	backend := &scriptedBackend{
		statuses: []Status{StatusRunning},
		errs:     []error{down, down, down, down},
	}

	_, err := Watch(context.Background(), backend, Handle{ID: "1"}, time.Millisecond, nil)
	var unavailable *BackendUnavailableError
	if !errors.As(err, &unavailable) {
		t.Fatalf("Watch() error = %v, want BackendUnavailableError", err)
	}
	if unavailable.Failures != 3 {
		t.Fatalf("Failures = %d, want 3", unavailable.Failures)
	}
}

func TestWatchCancellableBetweenPolls(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	backend := &scriptedBackend{statuses: []Status{StatusRunning}}

	done := make(chan error, 1)
	go func() {
		_, err := Watch(ctx, backend, Handle{ID: "1"}, time.Hour, nil)
		done <- err
	}()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Watch() error = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Watch() did not return after cancellation")
	}
}
