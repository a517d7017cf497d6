package job

import (
	"context"
	"os"
	"os/exec"
	"sync"

	"github.com/google/uuid"
)

// Shell is the schedulerless fallback backend: it fork/execs the job on the
// local machine and tracks it in memory for the life of the process.
type Shell struct {
	multipleOf int

	mu   sync.Mutex
	jobs map[string]*shellJob
}

type shellJob struct {
	cmd    *exec.Cmd
	done   chan struct{}
	status Status
}

var _ Backend = (*Shell)(nil)

// NewShell returns the local backend. multipleOf is the host's core-count
// granularity; zero means unconstrained.
func NewShell(multipleOf int) *Shell {
	return &Shell{multipleOf: multipleOf, jobs: map[string]*shellJob{}}
}

func (s *Shell) Name() string { return "shell" }

func (s *Shell) Submit(ctx context.Context, spec LaunchSpec) (Handle, error) {
	if err := validateConstraints(spec, s.multipleOf); err != nil {
		return Handle{}, err
	}

	cmd := exec.Command(spec.Executable, spec.Args...)
	cmd.Dir = spec.WorkingDir
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return Handle{}, &SubmissionRejectedError{Backend: s.Name(), Diagnostic: err.Error()}
	}

	j := &shellJob{cmd: cmd, done: make(chan struct{}), status: StatusRunning}
	id := uuid.NewString()
	s.mu.Lock()
	s.jobs[id] = j
	s.mu.Unlock()

	go func() {
		err := cmd.Wait()
		s.mu.Lock()
		defer s.mu.Unlock()
		switch {
		case j.status == StatusCancelled:
			// Killed by Cancel; keep the cancelled status.
		case err != nil:
			j.status = StatusFailed
		default:
			j.status = StatusCompleted
		}
		close(j.done)
	}()
	return Handle{ID: id, Backend: s.Name()}, nil
}

func (s *Shell) Poll(_ context.Context, handle Handle) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[handle.ID]
	if !ok {
		return StatusUnknown, nil
	}
	return j.status, nil
}

func (s *Shell) Cancel(_ context.Context, handle Handle) error {
	s.mu.Lock()
	j, ok := s.jobs[handle.ID]
	if !ok || j.status.Terminal() {
		s.mu.Unlock()
		return nil
	}
	j.status = StatusCancelled
	s.mu.Unlock()

	j.cmd.Process.Kill()
	<-j.done
	return nil
}

func (s *Shell) List(_ context.Context) ([]Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Handle
	for id := range s.jobs {
		out = append(out, Handle{ID: id, Backend: s.Name()})
	}
	return out, nil
}
