package build

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// ExecRunner runs build tools via os/exec, appending their combined output
// to the build log.
type ExecRunner struct{}

var _ CommandRunner = (*ExecRunner)(nil)

func (ExecRunner) Run(ctx context.Context, dir, logPath string, args ...string) error {
	if len(args) == 0 {
		return fmt.Errorf("empty command")
	}

	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open build log: %w", err)
	}
	defer logFile.Close()
	fmt.Fprintf(logFile, "$ %s\n", strings.Join(args, " "))

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Dir = dir
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%s: %w", args[0], ctx.Err())
		}
		return fmt.Errorf("%s: %w", args[0], err)
	}
	return nil
}
