package job

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// SGE adapts the general-queueing scheduler family (qsub/qstat/qdel).
type SGE struct {
	run        Runner
	multipleOf int
}

var _ Backend = (*SGE)(nil)

// NewSGE returns the SGE adapter. multipleOf is the host's core-count
// granularity; zero means unconstrained.
func NewSGE(runner Runner, multipleOf int) *SGE {
	return &SGE{run: runner, multipleOf: multipleOf}
}

func (s *SGE) Name() string { return "sge" }

// qsub acknowledges with: Your job 12345 ("name") has been submitted
var sgeJobIDPattern = regexp.MustCompile(`Your job (\d+)`)

func (s *SGE) Submit(ctx context.Context, spec LaunchSpec) (Handle, error) {
	if err := validateConstraints(spec, s.multipleOf); err != nil {
		return Handle{}, err
	}

	args := []string{"qsub", "-b", "y", "-cwd", "-terse"}
	if spec.Name != "" {
		args = append(args, "-N", spec.Name)
	}
	if spec.Queue != "" {
		args = append(args, "-q", spec.Queue)
	}
	if spec.Cores() > 1 {
		args = append(args, "-pe", "orte", strconv.Itoa(spec.Cores()))
	}
	if spec.WallTimeMinutes > 0 {
		args = append(args, "-l", fmt.Sprintf("h_rt=%d:%02d:00", spec.WallTimeMinutes/60, spec.WallTimeMinutes%60))
	}
	args = append(args, spec.Executable)
	args = append(args, spec.Args...)

	out, err := s.run.Run(ctx, spec.WorkingDir, args...)
	if err != nil {
		return Handle{}, &SubmissionRejectedError{Backend: s.Name(), Diagnostic: err.Error()}
	}

	// -terse prints the bare job id; older servers answer with the long
	// acknowledgement form instead.
	id := strings.TrimSpace(out)
	if !isDigits(id) {
		m := sgeJobIDPattern.FindStringSubmatch(out)
		if m == nil {
			return Handle{}, &SubmissionRejectedError{
				Backend:    s.Name(),
				Diagnostic: "unparseable qsub acknowledgement: " + strings.TrimSpace(out),
			}
		}
		id = m[1]
	}
	return Handle{ID: id, Backend: s.Name()}, nil
}

// sgeStates maps qstat state letters onto the canonical status.
var sgeStates = map[string]Status{
	"qw":  StatusQueued,
	"hqw": StatusQueued,
	"t":   StatusQueued,
	"r":   StatusRunning,
	"Rr":  StatusRunning,
	"s":   StatusRunning,
	"Eqw": StatusFailed,
	"dr":  StatusCancelled,
	"dt":  StatusCancelled,
}

func (s *SGE) Poll(ctx context.Context, handle Handle) (Status, error) {
	state, ok, err := s.findState(ctx, handle.ID)
	if err != nil {
		return StatusUnknown, err
	}
	if !ok {
		// qstat only lists live jobs; ask accounting how a vanished job
		// actually ended rather than assuming success.
		return s.accountedStatus(ctx, handle.ID), nil
	}
	if status, known := sgeStates[state]; known {
		return status, nil
	}
	return StatusUnknown, nil
}

// accountedStatus resolves a finished job's outcome from qacct. A job the
// accounting file does not know yet (or a missing qacct) stays unknown.
func (s *SGE) accountedStatus(ctx context.Context, id string) Status {
	out, err := s.run.Run(ctx, "", "qacct", "-j", id)
	if err != nil {
		return StatusUnknown
	}
	seen := false
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		switch fields[0] {
		case "failed", "exit_status":
			seen = true
			if fields[1] != "0" {
				return StatusFailed
			}
		}
	}
	if !seen {
		return StatusUnknown
	}
	return StatusCompleted
}

func (s *SGE) Cancel(ctx context.Context, handle Handle) error {
	_, ok, err := s.findState(ctx, handle.ID)
	if err != nil {
		return err
	}
	if !ok {
		// Already finished; nothing to do.
		return nil
	}
	_, err = s.run.Run(ctx, "", "qdel", handle.ID)
	return err
}

func (s *SGE) List(ctx context.Context) ([]Handle, error) {
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

// listRows parses the default qstat table into job-id -> state.
func (s *SGE) listRows(ctx context.Context) (map[string]string, error) {
	out, err := s.run.Run(ctx, "", "qstat")
	if err != nil {
		return nil, err
	}

	rows := map[string]string{}
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 5 || !isDigits(fields[0]) {
			continue
		}
		rows[fields[0]] = fields[4]
	}
	return rows, nil
}

func (s *SGE) findState(ctx context.Context, id string) (string, bool, error) {
	rows, err := s.listRows(ctx)
	if err != nil {
		return "", false, err
	}
	state, ok := rows[id]
	return state, ok, nil
}

func isDigits(text string) bool {
	if text == "" {
		return false
	}
	for _, r := range text {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
