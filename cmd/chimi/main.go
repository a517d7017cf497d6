package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/insaneinside/chimi/internal/arch"
	"github.com/insaneinside/chimi/internal/build"
	"github.com/insaneinside/chimi/internal/hostconf"
	"github.com/insaneinside/chimi/internal/job"
	"github.com/insaneinside/chimi/internal/logging"
	"github.com/insaneinside/chimi/internal/options"
	"github.com/insaneinside/chimi/internal/pkgset"
	"github.com/insaneinside/chimi/internal/vcs"
)

const defaultLogLevel = "info"

// Exit codes, kept distinct so scripting callers can branch on the failing
// stage.
const (
	exitFailure    = 1
	exitResolution = 2
	exitBuild      = 3
	exitJobBackend = 4
	exitInterrupt  = 130
)

func main() {
	var levelVar slog.LevelVar
	levelVar.Set(slog.LevelInfo)

	logger := logging.NewCLI(os.Stderr, &levelVar)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCommand(logger, &levelVar)
	if err := root.ExecuteContext(ctx); err != nil {
		code := exitCode(err)
		if code == exitInterrupt {
			logger.Warn("command interrupted", "error", err)
		} else {
			logger.Error("command execution failed", "error", err)
		}
		os.Exit(code)
	}
}

func exitCode(err error) int {
	var (
		unknownOption *options.UnknownOptionError
		unknownArch   *arch.UnknownArchitectureError
		branchMissing *vcs.BranchNotFoundError
		buildFailed   *build.FailedError
		invalidSpec   *job.InvalidLaunchSpecError
		rejected      *job.SubmissionRejectedError
		unavailable   *job.BackendUnavailableError
	)
	switch {
	case errors.Is(err, context.Canceled):
		return exitInterrupt
	case errors.As(err, &unknownOption),
		errors.As(err, &unknownArch),
		errors.As(err, &branchMissing),
		errors.Is(err, arch.ErrCatalogCorrupt):
		return exitResolution
	case errors.As(err, &buildFailed):
		return exitBuild
	case errors.As(err, &invalidSpec),
		errors.As(err, &rejected),
		errors.As(err, &unavailable):
		return exitJobBackend
	default:
		return exitFailure
	}
}

// globalFlags carries the persistent flag state shared by every subcommand.
type globalFlags struct {
	logLevel string
	dryRun   bool
	host     string
}

func newRootCommand(logger *slog.Logger, levelVar *slog.LevelVar) *cobra.Command {
	flags := &globalFlags{logLevel: defaultLogLevel}

	root := &cobra.Command{
		Use:           "chimi",
		Short:         "Build-configuration and batch-job companion for Charm++ and ChaNGa",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", defaultLogLevel, "Set log verbosity (debug, info, warning, error)")
	root.PersistentFlags().BoolVarP(&flags.dryRun, "dry-run", "n", false, "Print what would be done without doing it")
	root.PersistentFlags().StringVar(&flags.host, "host", "", "Act as if running on the named host")
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		level, err := logging.ParseLevel(flags.logLevel)
		if err != nil {
			return err
		}
		if levelVar != nil {
			levelVar.Set(level)
		}
		return nil
	}

	root.AddCommand(
		newInitCommand(logger),
		newFetchCommand(logger, flags),
		newBuildCommand(logger, flags),
		newJobCommand(logger, flags),
		newShowCommand(flags),
		newStatusCommand(logger),
	)
	return root
}

func newInitCommand(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "init DIR",
		Args:  cobra.ExactArgs(1),
		Short: "Initialize a directory for managing Charm++ and ChaNGa builds",
		RunE: func(cmd *cobra.Command, args []string) error {
			set, err := pkgset.Init(args[0])
			if err != nil {
				return err
			}
			logger.Info("initialized", "dir", set.Dir())
			fmt.Fprintf(cmd.OutOrStdout(), "Initialized %s\n", set.Dir())
			return nil
		},
	}
}

func newFetchCommand(logger *slog.Logger, flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "fetch",
		Args:  cobra.NoArgs,
		Short: "Clone or update the tracked package sources",
		RunE: func(cmd *cobra.Command, args []string) error {
			set, err := currentSet()
			if err != nil {
				return err
			}
			git := vcs.New()

			names := packageNames(set)
			for _, name := range names {
				pkg := set.Packages[name]
				dir := set.PackageDir(name)
				cmdLogger := logger.With("package", name, "dir", dir)

				if !git.Cloned(dir) {
					if flags.dryRun {
						cmdLogger.Info("would clone", "repository", pkg.Repository)
						continue
					}
					cmdLogger.Info("cloning", "repository", pkg.Repository)
					if err := git.Clone(cmd.Context(), pkg.Repository, dir); err != nil {
						return err
					}
					continue
				}

				if flags.dryRun {
					cmdLogger.Info("would update")
					continue
				}
				cmdLogger.Info("updating")
				if err := git.Fetch(cmd.Context(), dir); err != nil {
					return err
				}
				if err := git.Pull(cmd.Context(), dir); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func newBuildCommand(logger *slog.Logger, flags *globalFlags) *cobra.Command {
	var (
		archName   string
		branch     string
		optionList string
		force      bool
	)

	cmd := &cobra.Command{
		Use:       "build [changa|charm|all]",
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{pkgset.PackageChanga, pkgset.PackageCharm, "all"},
		Short:     "Build Charm++ and/or ChaNGa with the resolved option set",
		RunE: func(cmd *cobra.Command, args []string) error {
			target := "all"
			if len(args) == 1 {
				target = args[0]
			}

			set, err := currentSet()
			if err != nil {
				return err
			}
			profile, err := hostProfile(flags.host)
			if err != nil {
				return err
			}

			catalog, err := arch.Discover(set.PackageDir(pkgset.PackageCharm))
			if err != nil {
				return err
			}
			buildArch, err := resolveArchitecture(catalog, archName, profile)
			if err != nil {
				return err
			}

			resolved, err := resolveOptions(cmd.Context(), set, catalog, buildArch.Name, profile, optionList)
			if err != nil {
				return err
			}
			logger.Info("resolved build configuration",
				"architecture", buildArch.Name, "options", resolved.Canonical())

			planner := build.NewPlanner(set, build.ExecRunner{}, vcs.New(), logger)
			planner.DryRun = flags.dryRun

			req := build.Request{
				Architecture: buildArch.Name,
				Branch:       branch,
				Options:      resolved,
				Force:        force,
			}
			switch target {
			case pkgset.PackageCharm:
				req.Package = pkgset.PackageCharm
			case pkgset.PackageChanga, "all":
				// A ChaNGa build pulls in its Charm++ prerequisite.
				req.Package = pkgset.PackageChanga
			default:
				return fmt.Errorf("unknown build target %q", target)
			}

			_, err = planner.Build(cmd.Context(), req)
			return err
		},
	}

	cmd.Flags().StringVar(&archName, "arch", "", "Build architecture (default: the host profile's)")
	cmd.Flags().StringVarP(&branch, "branch", "b", "", "Branch to build from (default: each repository's checked-out branch)")
	cmd.Flags().StringVarP(&optionList, "options", "o", "", "Comma-separated build options (name, -name, name=value)")
	cmd.Flags().BoolVar(&force, "force", false, "Rebuild even when a matching successful build exists")
	return cmd
}

func newJobCommand(logger *slog.Logger, flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Submit and manage batch jobs running built binaries",
	}

	cmd.AddCommand(
		newJobRunCommand(logger, flags),
		newJobWatchCommand(logger, flags),
		newJobListCommand(flags),
		newJobCancelCommand(logger, flags),
	)
	return cmd
}

func newJobRunCommand(logger *slog.Logger, flags *globalFlags) *cobra.Command {
	var (
		buildName string
		cores     int
		perHost   int
		wall      int
		queue     string
		watch     bool
		interval  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "run [ARGS...]",
		Short: "Submit a ChaNGa run to the host's batch scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			set, err := currentSet()
			if err != nil {
				return err
			}
			profile, err := hostProfile(flags.host)
			if err != nil {
				return err
			}

			record, err := selectBuild(set, buildName)
			if err != nil {
				return err
			}

			workDir, err := os.Getwd()
			if err != nil {
				return err
			}
			spec := job.LaunchSpec{
				Name:             "ChaNGa",
				WorkingDir:       workDir,
				TotalCPUCount:    cores,
				ProcessesPerHost: perHost,
				WallTimeMinutes:  wall,
				Queue:            queue,
			}

			invocation, err := job.ChangaInvocation(job.InvocationParams{
				BuildDir:   record.Directory,
				BaseArch:   baseArchName(set, record.Architecture),
				Components: recordComponents(record),
				ScriptsDir: filepath.Join(set.Dir(), "chimi-tmp", "scripts"),
			}, profile.Jobs.Launch, spec, args)
			if err != nil {
				return err
			}
			spec.Executable = invocation[0]
			spec.Args = invocation[1:]

			if flags.dryRun {
				logger.Info("would submit", "command", strings.Join(invocation, " "))
				fmt.Fprintln(cmd.OutOrStdout(), strings.Join(invocation, " "))
				return nil
			}

			backend, err := jobBackend(profile)
			if err != nil {
				return err
			}
			handle, err := backend.Submit(cmd.Context(), spec)
			if err != nil {
				return err
			}
			logger.Info("submitted", "job", handle.String(), "build", record.Name)
			fmt.Fprintln(cmd.OutOrStdout(), handle.String())

			if !watch {
				return nil
			}
			return watchJob(cmd, backend, handle, interval)
		},
	}

	cmd.Flags().StringVar(&buildName, "build", "", "Build to run (default: the newest successful ChaNGa build)")
	cmd.Flags().IntVarP(&cores, "cores", "p", 1, "Total CPU count")
	cmd.Flags().IntVar(&perHost, "processes-per-host", 0, "Processes per host (default: all on one host)")
	cmd.Flags().IntVarP(&wall, "wall", "w", 0, "Wall-time limit in minutes")
	cmd.Flags().StringVarP(&queue, "queue", "q", "", "Queue or partition to submit to")
	cmd.Flags().BoolVar(&watch, "watch", false, "Watch the job until it finishes")
	cmd.Flags().DurationVar(&interval, "interval", 10*time.Second, "Poll interval while watching")
	return cmd
}

func newJobWatchCommand(logger *slog.Logger, flags *globalFlags) *cobra.Command {
	var interval time.Duration

	cmd := &cobra.Command{
		Use:   "watch JOB-ID",
		Args:  cobra.ExactArgs(1),
		Short: "Watch a submitted job until it reaches a terminal state",
		RunE: func(cmd *cobra.Command, args []string) error {
			profile, err := hostProfile(flags.host)
			if err != nil {
				return err
			}
			backend, err := jobBackend(profile)
			if err != nil {
				return err
			}
			handle := job.Handle{ID: args[0], Backend: backend.Name()}
			logger.Info("watching", "job", handle.String(), "interval", interval)
			return watchJob(cmd, backend, handle, interval)
		},
	}

	cmd.Flags().DurationVar(&interval, "interval", 10*time.Second, "Poll interval")
	return cmd
}

func watchJob(cmd *cobra.Command, backend job.Backend, handle job.Handle, interval time.Duration) error {
	status, err := job.Watch(cmd.Context(), backend, handle, interval, func(s job.Status) {
		fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", handle.String(), s)
	})
	if err != nil {
		return err
	}
	if status == job.StatusFailed {
		return fmt.Errorf("job %s failed", handle.String())
	}
	return nil
}

func newJobListCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Args:  cobra.NoArgs,
		Short: "List jobs known to the host's batch scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			profile, err := hostProfile(flags.host)
			if err != nil {
				return err
			}
			backend, err := jobBackend(profile)
			if err != nil {
				return err
			}
			handles, err := backend.List(cmd.Context())
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 8, 2, ' ', 0)
			fmt.Fprintln(w, "JOB\tSTATUS")
			for _, handle := range handles {
				status, err := backend.Poll(cmd.Context(), handle)
				if err != nil {
					status = job.StatusUnknown
				}
				fmt.Fprintf(w, "%s\t%s\n", handle.String(), status)
			}
			return w.Flush()
		},
	}
}

func newJobCancelCommand(logger *slog.Logger, flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel JOB-ID",
		Args:  cobra.ExactArgs(1),
		Short: "Cancel a submitted job",
		RunE: func(cmd *cobra.Command, args []string) error {
			profile, err := hostProfile(flags.host)
			if err != nil {
				return err
			}
			backend, err := jobBackend(profile)
			if err != nil {
				return err
			}
			handle := job.Handle{ID: args[0], Backend: backend.Name()}
			if flags.dryRun {
				logger.Info("would cancel", "job", handle.String())
				return nil
			}
			if err := backend.Cancel(cmd.Context(), handle); err != nil {
				return err
			}
			logger.Info("cancelled", "job", handle.String())
			return nil
		},
	}
}

func newShowCommand(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Inspect architectures, options, and recorded builds",
	}

	cmd.AddCommand(
		newShowArchCommand(),
		newShowOptionsCommand(flags),
		newShowBuildsCommand(),
	)
	return cmd
}

func newShowArchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "arch [PREFIX]",
		Args:  cobra.MaximumNArgs(1),
		Short: "List the build architectures the Charm++ tree declares",
		RunE: func(cmd *cobra.Command, args []string) error {
			set, err := currentSet()
			if err != nil {
				return err
			}
			catalog, err := arch.Discover(set.PackageDir(pkgset.PackageCharm))
			if err != nil {
				return err
			}

			prefix := ""
			if len(args) == 1 {
				prefix = args[0]
			}
			for _, name := range catalog.List(prefix) {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		},
	}
}

func newShowOptionsCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "options [ARCH]",
		Args:  cobra.MaximumNArgs(1),
		Short: "List the options valid for a build architecture",
		RunE: func(cmd *cobra.Command, args []string) error {
			set, err := currentSet()
			if err != nil {
				return err
			}
			catalog, err := arch.Discover(set.PackageDir(pkgset.PackageCharm))
			if err != nil {
				return err
			}

			archName := ""
			if len(args) == 1 {
				archName = args[0]
			}
			if archName == "" {
				profile, err := hostProfile(flags.host)
				if err != nil {
					return err
				}
				buildArch, err := resolveArchitecture(catalog, "", profile)
				if err != nil {
					return err
				}
				archName = buildArch.Name
			}

			decls, err := allDeclarations(cmd.Context(), set, catalog, archName)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 8, 2, ' ', 0)
			fmt.Fprintln(w, "OPTION\tKIND\tSOURCE\tDEFAULT")
			for _, d := range decls {
				fmt.Fprintf(w, "%s\t%s\t%s\t%t\n", d.Name, d.Kind, d.Source, d.Default)
			}
			return w.Flush()
		},
	}
}

func newShowBuildsCommand() *cobra.Command {
	var (
		pkg      string
		branch   string
		archName string
	)

	cmd := &cobra.Command{
		Use:   "builds",
		Args:  cobra.NoArgs,
		Short: "List recorded builds",
		RunE: func(cmd *cobra.Command, args []string) error {
			set, err := currentSet()
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 8, 2, ' ', 0)
			fmt.Fprintln(w, "PACKAGE\tBUILD\tARCH\tBRANCH\tSTATUS\tUPDATED")
			planner := build.NewPlanner(set, build.ExecRunner{}, vcs.New(), nil)
			for _, record := range planner.Records(pkg) {
				if branch != "" && record.Branch != branch {
					continue
				}
				if archName != "" && record.Architecture != archName {
					continue
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					record.Package, record.Name, record.Architecture, record.Branch,
					record.Status, record.UpdatedAt.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&pkg, "package", "", "Only builds of the named package")
	cmd.Flags().StringVar(&branch, "branch", "", "Only builds from the named branch")
	cmd.Flags().StringVar(&archName, "arch", "", "Only builds for the named architecture")
	return cmd
}

func newStatusCommand(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Args:  cobra.NoArgs,
		Short: "Summarize the tracked packages and their builds",
		RunE: func(cmd *cobra.Command, args []string) error {
			set, err := currentSet()
			if err != nil {
				return err
			}
			git := vcs.New()

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Working directory: %s\n\n", set.Dir())

			for _, name := range packageNames(set) {
				pkg := set.Packages[name]
				dir := set.PackageDir(name)

				fmt.Fprintf(out, "%s (%s)\n", name, pkg.Repository)
				if !git.Cloned(dir) {
					fmt.Fprintf(out, "  not fetched; run 'chimi fetch'\n\n")
					continue
				}
				if branch, err := git.CurrentBranch(cmd.Context(), dir); err == nil {
					fmt.Fprintf(out, "  branch: %s\n", branch)
				}
				if len(pkg.Builds) == 0 {
					fmt.Fprintf(out, "  no recorded builds\n\n")
					continue
				}

				w := tabwriter.NewWriter(out, 0, 8, 2, ' ', 0)
				for _, record := range pkg.Builds {
					fmt.Fprintf(w, "  %s\t%s\t%s\t%s\n",
						record.Name, record.Branch, record.Status,
						record.UpdatedAt.Format(time.RFC3339))
				}
				w.Flush()
				fmt.Fprintln(out)
			}

			if set.Dirty() {
				logger.Info("pruned stale build records; saving")
				// Re-read under the lock; pruning happens again on load.
				_, err := pkgset.Update(set.Dir(), func(*pkgset.Set) error { return nil })
				return err
			}
			return nil
		},
	}
}

func currentSet() (*pkgset.Set, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	return pkgset.Find(cwd)
}

func hostProfile(host string) (*hostconf.Profile, error) {
	store, err := hostconf.Embedded()
	if err != nil {
		return nil, err
	}
	return store.Load(host)
}

func packageNames(set *pkgset.Set) []string {
	names := make([]string, 0, len(set.Packages))
	for name := range set.Packages {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// machineName returns the hardware name the Charm++ tree uses in its
// architecture directory names (uname -m).
func machineName() string {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return "x86_64"
	}
	return unix.ByteSliceToString(uts.Machine[:])
}

func resolveArchitecture(catalog *arch.Catalog, flagArch string, profile *hostconf.Profile) (*arch.Architecture, error) {
	name := flagArch
	if name == "" {
		name = profile.Build.DefaultArchitecture
	}
	if name == "" {
		return nil, fmt.Errorf("no architecture given and the host profile has no default; use --arch")
	}
	return catalog.ResolveBuildArch(name, runtime.GOOS, machineName())
}

// allDeclarations merges the architecture's component declarations with the
// settings ChaNGa's configure script advertises.
func allDeclarations(ctx context.Context, set *pkgset.Set, catalog *arch.Catalog, archName string) ([]options.Declaration, error) {
	effective, err := catalog.EffectiveOptions(archName)
	if err != nil {
		return nil, err
	}

	var decls []options.Declaration
	for _, d := range effective {
		decls = append(decls, d)
	}
	decls = append(decls, build.ConfigureDeclarations(ctx,
		filepath.Join(set.PackageDir(pkgset.PackageChanga), "configure"))...)

	sort.Slice(decls, func(i, j int) bool {
		if decls[i].Name != decls[j].Name {
			return decls[i].Name < decls[j].Name
		}
		return decls[i].Source < decls[j].Source
	})
	return decls, nil
}

func resolveOptions(ctx context.Context, set *pkgset.Set, catalog *arch.Catalog, archName string, profile *hostconf.Profile, optionList string) (*options.ResolvedSet, error) {
	decls, err := allDeclarations(ctx, set, catalog, archName)
	if err != nil {
		return nil, err
	}
	requests, err := options.ParseRequests(optionList)
	if err != nil {
		return nil, err
	}
	return options.Resolve(profile.Build.HostDefaults(), decls, requests)
}

// selectBuild picks the build record to run: the named one, or the newest
// successful ChaNGa build.
func selectBuild(set *pkgset.Set, name string) (*pkgset.BuildRecord, error) {
	changa, ok := set.Packages[pkgset.PackageChanga]
	if !ok {
		return nil, fmt.Errorf("package %q not tracked here", pkgset.PackageChanga)
	}

	var newest *pkgset.BuildRecord
	for _, record := range changa.Builds {
		if name != "" {
			if record.Name == name {
				return record, nil
			}
			continue
		}
		if record.Status != pkgset.BuildSucceeded {
			continue
		}
		if newest == nil || record.UpdatedAt.After(newest.UpdatedAt) {
			newest = record
		}
	}
	if name != "" {
		return nil, fmt.Errorf("no build named %q", name)
	}
	if newest == nil {
		return nil, fmt.Errorf("no successful ChaNGa build recorded; run 'chimi build' first")
	}
	return newest, nil
}

// baseArchName finds the communication-layer family of a build architecture,
// preferring the discovered catalog and falling back to the name's leading
// segment.
func baseArchName(set *pkgset.Set, archName string) string {
	if catalog, err := arch.Discover(set.PackageDir(pkgset.PackageCharm)); err == nil {
		if a, err := catalog.Lookup(archName); err == nil {
			for node := a; node != nil; node = node.Parent {
				if node.Parent != nil && node.Parent.Name == "common" {
					return node.Name
				}
			}
		}
	}
	base, _, _ := strings.Cut(archName, "-")
	return base
}

func recordComponents(record *pkgset.BuildRecord) []string {
	var out []string
	for _, e := range record.Options {
		if e.Source == options.SourceComponent && e.Enabled {
			out = append(out, e.Name)
		}
	}
	return out
}

func jobBackend(profile *hostconf.Profile) (job.Backend, error) {
	manager := profile.Jobs.Manager
	if manager == "" {
		manager = job.DetectManager(nil)
	}

	var runner job.Runner = job.ExecRunner{}
	if profile.Jobs.Host != "" && !profile.MatchesCurrentHost() {
		runner = &job.SSHRunner{Host: profile.Jobs.Host, Base: runner}
	}
	return job.NewBackend(manager, runner, profile.Jobs.Launch.TotalCPUCountMultipleOf)
}
