package job

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/insaneinside/chimi/internal/hostconf"
)

// InvocationParams describes the built artifact a launch command is
// synthesized for.
type InvocationParams struct {
	// BuildDir is the build output directory holding ChaNGa and charmrun.
	BuildDir string
	// BaseArch is the communication-layer family of the build ("net",
	// "mpi", ...).
	BaseArch string
	// Components are the enabled architecture components of the build.
	Components []string
	// ScriptsDir receives generated remote-shell adaptor scripts.
	ScriptsDir string
}

func (p InvocationParams) hasComponent(name string) bool {
	for _, c := range p.Components {
		if c == name {
			return true
		}
	}
	return false
}

// ChangaInvocation synthesizes the command line that runs a built ChaNGa
// under the host's launch configuration. Multi-CPU runs and local runs of
// net-family builds go through charmrun; everything else execs ChaNGa
// directly.
func ChangaInvocation(params InvocationParams, launch hostconf.Launch, spec LaunchSpec, userArgs []string) ([]string, error) {
	cores := spec.Cores()
	perHost := spec.ProcessesPerHost
	if perHost <= 0 {
		perHost = cores
	}
	nodes := (cores + perHost - 1) / perHost

	localRun := nodes <= 1
	ibverbs := params.hasComponent("ibverbs")

	// Local net builds take ++local to ignore network functionality
	// entirely.
	localNet := localRun && params.BaseArch == "net" && !ibverbs

	mpiexec := launch.MPIExec
	remoteShell := launch.RemoteShell
	if localRun && !ibverbs {
		mpiexec = false
		remoteShell = ""
	}
	if remoteShell != "" {
		materialized, err := materializeRemoteShell(params.ScriptsDir, remoteShell)
		if err != nil {
			return nil, err
		}
		remoteShell = shortestPath(materialized, spec.WorkingDir)
	}

	charmrun := shortestPath(filepath.Join(params.BuildDir, "charmrun"), spec.WorkingDir)
	changa := shortestPath(filepath.Join(params.BuildDir, "ChaNGa"), spec.WorkingDir)

	var out []string
	usingCharmrun := nodes > 1 || cores > 1 || localNet
	if usingCharmrun {
		out = append(out, charmrun, "+p"+strconv.Itoa(cores))
		if params.BaseArch == "net" {
			if nodes > 1 && spec.ProcessesPerHost > 0 {
				out = append(out, "++ppn", strconv.Itoa(spec.ProcessesPerHost))
			}
			if mpiexec && !localRun {
				out = append(out, "++mpiexec")
			}
			if remoteShell != "" {
				out = append(out, "++remote-shell", remoteShell)
			}
		}
	} else if remoteShell != "" {
		out = append(out, remoteShell)
	}

	out = append(out, changa)
	if localNet && usingCharmrun {
		out = append(out, "++local")
	}
	if spec.WallTimeMinutes > 0 {
		out = append(out, "-wall", strconv.Itoa(spec.WallTimeMinutes))
	}
	out = append(out, userArgs...)
	return out, nil
}

// ibrunAdaptor bridges charmrun's remote-shell calling convention onto
// ibrun, which ignores the host/count arguments charmrun prepends.
const ibrunAdaptor = "#!/bin/sh\nshift; shift; exec ibrun \"$@\"\n"

// materializeRemoteShell writes adaptor scripts for the remote-shell names
// that need one; plain shell names pass through untouched.
func materializeRemoteShell(scriptsDir, name string) (string, error) {
	if name != "ibrun-adaptor" {
		return name, nil
	}
	if err := os.MkdirAll(scriptsDir, 0o755); err != nil {
		return "", fmt.Errorf("create scripts directory: %w", err)
	}
	path := filepath.Join(scriptsDir, "ibrun-adaptor.sh")
	if _, err := os.Stat(path); err != nil {
		if err := os.WriteFile(path, []byte(ibrunAdaptor), 0o755); err != nil {
			return "", fmt.Errorf("write %s: %w", path, err)
		}
	}
	return path, nil
}

// shortestPath prefers the relative form of path from base when it is
// shorter than the absolute one.
func shortestPath(path, base string) string {
	if base == "" {
		return path
	}
	rel, err := filepath.Rel(base, path)
	if err != nil || len(rel) >= len(path) {
		return path
	}
	return rel
}
