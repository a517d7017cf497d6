package job

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// LookPath locates a tool on PATH; it has the exec.LookPath contract.
type LookPath func(name string) (string, error)

// DetectManager probes PATH for each scheduler family's tool set and returns
// the matching manager name, falling back to the local "shell" backend when
// no scheduler is present.
func DetectManager(look LookPath) string {
	if look == nil {
		look = exec.LookPath
	}
	if haveAll(look, "qacct", "qconf", "qdel", "qstat", "qsub") {
		return "sge"
	}
	if haveAll(look, "srun", "squeue", "sbatch") {
		return "slurm"
	}
	return "shell"
}

func haveAll(look LookPath, names ...string) bool {
	for _, name := range names {
		if _, err := look(name); err != nil {
			return false
		}
	}
	return true
}

// NewBackend returns the adapter for a manager name. multipleOf is the
// host's total-CPU-count granularity constraint; zero means unconstrained.
func NewBackend(manager string, runner Runner, multipleOf int) (Backend, error) {
	switch manager {
	case "sge":
		return NewSGE(runner, multipleOf), nil
	case "slurm":
		return NewSlurm(runner, multipleOf), nil
	case "shell", "":
		return NewShell(multipleOf), nil
	default:
		return nil, fmt.Errorf("unknown job manager %q", manager)
	}
}

// Runner executes one scheduler-tool invocation and returns its stdout.
type Runner interface {
	Run(ctx context.Context, dir string, args ...string) (string, error)
}

// SSHRunner forwards scheduler-tool invocations to a login host over ssh.
// The working directory is carried as an explicit cd since ssh starts at the
// remote home directory.
type SSHRunner struct {
	Host string
	Base Runner
}

var _ Runner = (*SSHRunner)(nil)

func (r *SSHRunner) Run(ctx context.Context, dir string, args ...string) (string, error) {
	remote := strings.Join(args, " ")
	if dir != "" {
		remote = "cd " + dir + " && " + remote
	}
	return r.Base.Run(ctx, "", "ssh", r.Host, remote)
}

// ExecRunner runs scheduler tools via os/exec.
type ExecRunner struct{}

var _ Runner = (*ExecRunner)(nil)

func (ExecRunner) Run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = err.Error()
		}
		return stdout.String(), fmt.Errorf("%s: %s", args[0], detail)
	}
	return stdout.String(), nil
}
