// Package build plans and runs Charm++ and ChaNGa builds against a resolved
// option set, recording every attempt in the working-directory database.
package build

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/insaneinside/chimi/internal/logging"
	"github.com/insaneinside/chimi/internal/options"
	"github.com/insaneinside/chimi/internal/pkgset"
)

// CommandRunner executes one build-tool invocation in dir, appending the
// combined output to the file at logPath.
type CommandRunner interface {
	Run(ctx context.Context, dir, logPath string, args ...string) error
}

// Sources is the slice of version-control capability the planner needs for
// branch selection.
type Sources interface {
	CurrentBranch(ctx context.Context, dir string) (string, error)
	HasBranch(ctx context.Context, dir, branch string) (bool, error)
	Checkout(ctx context.Context, dir, branch string) error
	Head(ctx context.Context, dir string) (string, error)
}

// FailedError reports a build whose underlying tool exited non-zero. The
// record stays in the database as failed; nothing retries it.
type FailedError struct {
	Record *pkgset.BuildRecord
	Err    error
}

func (e *FailedError) Error() string {
	return fmt.Sprintf("build %s failed: %v (log: %s)", e.Record.Name, e.Err, e.Record.LogPath)
}

func (e *FailedError) Unwrap() error { return e.Err }

// ConfigureFlags renders a resolved option set as autoconf-style arguments.
// Valued settings become --with-name=value, or --with-name/--without-name
// when toggled without a value; switch settings become --enable-name or
// --disable-name. For ChaNGa builds the extra raw arguments are sorted into
// LDFLAGS/CPPFLAGS assignments by their -L/-I prefixes.
func ConfigureFlags(pkg string, set *options.ResolvedSet) []string {
	var out []string
	for _, e := range set.Settings() {
		valued := e.Kind == options.KindValued || e.Value != ""
		switch {
		case valued && e.Value != "":
			out = append(out, "--with-"+e.Name+"="+e.Value)
		case valued && e.Enabled:
			out = append(out, "--with-"+e.Name)
		case valued:
			out = append(out, "--without-"+e.Name)
		case e.Enabled:
			out = append(out, "--enable-"+e.Name)
		default:
			out = append(out, "--disable-"+e.Name)
		}
	}

	if pkg == pkgset.PackageChanga && len(set.Extras) > 0 {
		var ldflags, cppflags []string
		for _, x := range set.Extras {
			switch {
			case strings.HasPrefix(x, "-L"):
				ldflags = append(ldflags, x)
			case strings.HasPrefix(x, "-I"):
				cppflags = append(cppflags, x)
			}
		}
		if len(ldflags) > 0 {
			out = append(out, "LDFLAGS="+strings.Join(ldflags, " "))
		}
		if len(cppflags) > 0 {
			out = append(out, "CPPFLAGS="+strings.Join(cppflags, " "))
		}
	}
	return out
}

// CharmBuildName derives the directory/build name the Charm++ build tool
// uses: the architecture followed by each enabled component.
func CharmBuildName(architecture string, set *options.ResolvedSet) string {
	parts := append([]string{architecture}, set.Components()...)
	return strings.Join(parts, "-")
}

// ChangaBuildName derives a ChaNGa build name from the Charm++ build it
// links against and the source branch.
func ChangaBuildName(charmName, branch string) string {
	return charmName + "+" + branch
}

// Request describes one requested build.
type Request struct {
	Package      string
	Architecture string

	// Branch is the user's explicit branch request; empty means each
	// repository's currently checked-out branch.
	Branch string

	Options *options.ResolvedSet

	// Force rebuilds even when a succeeded record already matches.
	Force bool
}

// Planner decides build order, gates dependent builds on their
// prerequisites, and drives the underlying build tools.
type Planner struct {
	set    *pkgset.Set
	runner CommandRunner
	src    Sources
	log    *slog.Logger

	// DryRun prints the plan without creating records or running tools.
	DryRun bool
}

// NewPlanner returns a planner over the given database.
func NewPlanner(set *pkgset.Set, runner CommandRunner, src Sources, log *slog.Logger) *Planner {
	return &Planner{set: set, runner: runner, src: src, log: logging.Ensure(log)}
}

// Build runs the requested build, first satisfying the implicit Charm++
// prerequisite for ChaNGa builds. A request matching an existing succeeded
// record is a no-op returning that record.
func (p *Planner) Build(ctx context.Context, req Request) (*pkgset.BuildRecord, error) {
	switch req.Package {
	case pkgset.PackageCharm:
		return p.buildCharm(ctx, req)
	case pkgset.PackageChanga:
		return p.buildChanga(ctx, req)
	default:
		return nil, fmt.Errorf("unknown package %q", req.Package)
	}
}

func (p *Planner) buildCharm(ctx context.Context, req Request) (*pkgset.BuildRecord, error) {
	pkg, ok := p.set.Packages[pkgset.PackageCharm]
	if !ok {
		return nil, fmt.Errorf("package %q not tracked here", pkgset.PackageCharm)
	}
	srcDir := p.set.PackageDir(pkgset.PackageCharm)

	name := CharmBuildName(req.Architecture, req.Options)
	args := append([]string{"./build", "ChaNGa", req.Architecture}, req.Options.Components()...)
	args = append(args, ConfigureFlags(pkgset.PackageCharm, req.Options)...)
	args = append(args, req.Options.Extras...)

	// The dry-run gate sits before branch selection: selecting a branch may
	// check out the repository, and a dry run must leave it untouched.
	if p.DryRun {
		p.log.Info("would build", "package", pkgset.PackageCharm, "name", name,
			"dir", srcDir, "command", strings.Join(args, " "))
		return nil, nil
	}

	branch, err := p.selectBranch(ctx, srcDir, req.Branch)
	if err != nil {
		return nil, err
	}
	if existing := pkg.FindBuild(branch, req.Options); existing != nil &&
		existing.Status == pkgset.BuildSucceeded && !req.Force {
		p.log.Info("build already up to date", "package", pkgset.PackageCharm, "name", existing.Name)
		return existing, nil
	}

	record, err := p.startRecord(ctx, pkgset.PackageCharm, name, req.Architecture, branch,
		req.Options, filepath.Join(srcDir, name))
	if err != nil {
		return nil, err
	}
	return p.finishRecord(record, p.runner.Run(ctx, srcDir, record.LogPath, args...))
}

func (p *Planner) buildChanga(ctx context.Context, req Request) (*pkgset.BuildRecord, error) {
	if _, ok := p.set.Packages[pkgset.PackageChanga]; !ok {
		return nil, fmt.Errorf("package %q not tracked here", pkgset.PackageChanga)
	}

	// The runtime comes first. A failed prerequisite aborts the dependent
	// build before any of its state is created.
	charmReq := req
	charmReq.Package = pkgset.PackageCharm
	charm, err := p.buildCharm(ctx, charmReq)
	if err != nil {
		return nil, fmt.Errorf("charm prerequisite: %w", err)
	}
	if p.DryRun {
		p.log.Info("would build", "package", pkgset.PackageChanga,
			"name", ChangaBuildName(CharmBuildName(req.Architecture, req.Options), "<branch>"))
		return nil, nil
	}

	srcDir := p.set.PackageDir(pkgset.PackageChanga)
	branch, err := p.selectBranch(ctx, srcDir, req.Branch)
	if err != nil {
		return nil, err
	}
	// Building the prerequisite reloads the database, so re-fetch the entry.
	pkg := p.set.Packages[pkgset.PackageChanga]
	if existing := pkg.FindBuild(branch, req.Options); existing != nil &&
		existing.Status == pkgset.BuildSucceeded && !req.Force {
		p.log.Info("build already up to date", "package", pkgset.PackageChanga, "name", existing.Name)
		return existing, nil
	}

	name := ChangaBuildName(charm.Name, branch)
	buildDir := filepath.Join(srcDir, "builds", name)
	if err := os.MkdirAll(buildDir, 0o755); err != nil {
		return nil, fmt.Errorf("create build directory: %w", err)
	}

	record, err := p.startRecord(ctx, pkgset.PackageChanga, name, req.Architecture, branch, req.Options, buildDir)
	if err != nil {
		return nil, err
	}

	configure := []string{"../../configure"}
	if _, ok := os.LookupEnv("CHARMC"); !ok {
		configure = append(configure, "CHARMC="+filepath.Join(charm.Directory, "bin", "charmc"))
	}
	configure = append(configure, ConfigureFlags(pkgset.PackageChanga, req.Options)...)

	if err := p.runner.Run(ctx, buildDir, record.LogPath, configure...); err != nil {
		return p.finishRecord(record, fmt.Errorf("configure: %w", err))
	}
	return p.finishRecord(record, p.runner.Run(ctx, buildDir, record.LogPath, "make"))
}

// selectBranch applies the branch-precedence rule: an explicit user branch
// wins when the repository has it; otherwise the repository's currently
// checked-out branch is used unchanged.
func (p *Planner) selectBranch(ctx context.Context, dir, requested string) (string, error) {
	if requested != "" {
		ok, err := p.src.HasBranch(ctx, dir, requested)
		if err != nil {
			return "", err
		}
		if ok {
			if err := p.src.Checkout(ctx, dir, requested); err != nil {
				return "", err
			}
			return requested, nil
		}
	}
	return p.src.CurrentBranch(ctx, dir)
}

func (p *Planner) startRecord(ctx context.Context, pkg, name, architecture, branch string, set *options.ResolvedSet, dir string) (*pkgset.BuildRecord, error) {
	record := pkgset.NewBuildRecord(pkg, name, architecture, branch, set)
	record.Directory = dir
	record.LogPath = filepath.Join(p.set.Dir(), "logs", name+"-"+record.ID[:8]+".log")
	if commit, err := p.src.Head(ctx, p.set.PackageDir(pkg)); err == nil {
		record.Commit = commit
	}
	if err := os.MkdirAll(filepath.Dir(record.LogPath), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	if err := record.Transition(pkgset.BuildRunning); err != nil {
		return nil, err
	}
	if err := p.persistRecord(record); err != nil {
		return nil, err
	}
	p.log.Info("building", "package", pkg, "name", name, "branch", branch, "log", record.LogPath)
	return record, nil
}

// persistRecord stores record under the directory lock, re-reading the
// database so concurrent planners in the same directory cannot clobber each
// other's records. The planner adopts the freshly loaded set.
func (p *Planner) persistRecord(record *pkgset.BuildRecord) error {
	updated, err := pkgset.Update(p.set.Dir(), func(s *pkgset.Set) error {
		pkg, ok := s.Packages[record.Package]
		if !ok {
			return fmt.Errorf("package %q not tracked here", record.Package)
		}
		for i, existing := range pkg.Builds {
			if existing.ID == record.ID {
				pkg.Builds[i] = record
				return nil
			}
		}
		if record.Status == pkgset.BuildRunning {
			for _, existing := range pkg.Builds {
				if existing.Status == pkgset.BuildRunning && existing.SameConfig(record) {
					return fmt.Errorf("build %s is already in progress", existing.Name)
				}
			}
		}
		pkg.Builds = append(pkg.Builds, record)
		return nil
	})
	if err != nil {
		return err
	}
	p.set = updated
	return nil
}

func (p *Planner) finishRecord(record *pkgset.BuildRecord, runErr error) (*pkgset.BuildRecord, error) {
	status := pkgset.BuildSucceeded
	if runErr != nil {
		status = pkgset.BuildFailed
	}
	if err := record.Transition(status); err != nil {
		return nil, err
	}
	if err := p.persistRecord(record); err != nil {
		return nil, err
	}
	if runErr != nil {
		p.log.Error("build failed", "package", record.Package, "name", record.Name, "err", runErr)
		return record, &FailedError{Record: record, Err: runErr}
	}
	p.log.Info("build complete", "package", record.Package, "name", record.Name)
	return record, nil
}

// Records returns every build record for pkg, newest first. Empty pkg means
// all packages.
func (p *Planner) Records(pkg string) []*pkgset.BuildRecord {
	var out []*pkgset.BuildRecord
	for name, entry := range p.set.Packages {
		if pkg != "" && name != pkg {
			continue
		}
		out = append(out, entry.Builds...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}
