package job

import (
	"context"
	"strconv"
	"strings"
)

// Slurm adapts the workload-manager scheduler family (sbatch/squeue/
// scancel).
type Slurm struct {
	run        Runner
	multipleOf int
}

var _ Backend = (*Slurm)(nil)

// NewSlurm returns the Slurm adapter. multipleOf is the host's core-count
// granularity; zero means unconstrained.
func NewSlurm(runner Runner, multipleOf int) *Slurm {
	return &Slurm{run: runner, multipleOf: multipleOf}
}

func (s *Slurm) Name() string { return "slurm" }

func (s *Slurm) Submit(ctx context.Context, spec LaunchSpec) (Handle, error) {
	if err := validateConstraints(spec, s.multipleOf); err != nil {
		return Handle{}, err
	}

	args := []string{"sbatch", "--parsable", "-n", strconv.Itoa(spec.Cores())}
	if spec.Name != "" {
		args = append(args, "-J", spec.Name)
	}
	if spec.Queue != "" {
		args = append(args, "-p", spec.Queue)
	}
	if spec.WallTimeMinutes > 0 {
		args = append(args, "-t", strconv.Itoa(spec.WallTimeMinutes))
	}
	args = append(args, "--wrap", strings.Join(append([]string{spec.Executable}, spec.Args...), " "))

	out, err := s.run.Run(ctx, spec.WorkingDir, args...)
	if err != nil {
		return Handle{}, &SubmissionRejectedError{Backend: s.Name(), Diagnostic: err.Error()}
	}

	// --parsable prints "jobid" or "jobid;cluster".
	id, _, _ := strings.Cut(strings.TrimSpace(out), ";")
	if !isDigits(id) {
		return Handle{}, &SubmissionRejectedError{
			Backend:    s.Name(),
			Diagnostic: "unparseable sbatch acknowledgement: " + strings.TrimSpace(out),
		}
	}
	return Handle{ID: id, Backend: s.Name()}, nil
}

// slurmStates maps squeue long state names onto the canonical status.
var slurmStates = map[string]Status{
	"PENDING":       StatusQueued,
	"CONFIGURING":   StatusQueued,
	"SUSPENDED":     StatusQueued,
	"RUNNING":       StatusRunning,
	"COMPLETING":    StatusRunning,
	"COMPLETED":     StatusCompleted,
	"FAILED":        StatusFailed,
	"BOOT_FAIL":     StatusFailed,
	"NODE_FAIL":     StatusFailed,
	"OUT_OF_MEMORY": StatusFailed,
	"TIMEOUT":       StatusFailed,
	"PREEMPTED":     StatusFailed,
	"CANCELLED":     StatusCancelled,
}

func (s *Slurm) Poll(ctx context.Context, handle Handle) (Status, error) {
	rows, err := s.listRows(ctx)
	if err != nil {
		return StatusUnknown, err
	}
	state, ok := rows[handle.ID]
	if !ok {
		// squeue only lists live jobs; ask accounting how a vanished job
		// actually ended rather than assuming success.
		return s.accountedStatus(ctx, handle.ID), nil
	}
	// CANCELLED entries may carry a "by uid" suffix.
	if status, known := slurmStates[strings.Fields(state)[0]]; known {
		return status, nil
	}
	return StatusUnknown, nil
}

// accountedStatus resolves a finished job's outcome from sacct. A job the
// accounting database does not know yet (or a missing sacct) stays unknown.
func (s *Slurm) accountedStatus(ctx context.Context, id string) Status {
	out, err := s.run.Run(ctx, "", "sacct", "-j", id, "-X", "--noheader", "--parsable2", "--format=State")
	if err != nil {
		return StatusUnknown
	}
	state := strings.TrimSpace(out)
	if state == "" {
		return StatusUnknown
	}
	if status, known := slurmStates[strings.Fields(state)[0]]; known {
		return status
	}
	return StatusUnknown
}

func (s *Slurm) Cancel(ctx context.Context, handle Handle) error {
	rows, err := s.listRows(ctx)
	if err != nil {
		return err
	}
	if _, ok := rows[handle.ID]; !ok {
		// Already finished; nothing to do.
		return nil
	}
	_, err = s.run.Run(ctx, "", "scancel", handle.ID)
	return err
}

func (s *Slurm) List(ctx context.Context) ([]Handle, error) {
	rows, err := s.listRows(ctx)
	if err != nil {
		return nil, err
	}
	var out []Handle
	for id := range rows {
		out = append(out, Handle{ID: id, Backend: s.Name()})
	}
	return out, nil
}

// listRows queries squeue for the current user's jobs as job-id -> state.
func (s *Slurm) listRows(ctx context.Context) (map[string]string, error) {
	out, err := s.run.Run(ctx, "", "squeue", "--me", "--noheader", "--format=%i %T")
	if err != nil {
		return nil, err
	}

	rows := map[string]string{}
	for _, line := range strings.Split(out, "\n") {
		id, state, found := strings.Cut(strings.TrimSpace(line), " ")
		if !found || !isDigits(id) {
			continue
		}
		rows[id] = state
	}
	return rows, nil
}
