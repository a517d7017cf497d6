// Package pkgset owns the persisted per-working-directory database: the
// tracked source packages (Charm++ and ChaNGa), their repositories and
// branches, and every recorded build.
package pkgset

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/insaneinside/chimi/internal/options"
)

// SetFile is the database document name inside an initialized directory.
const SetFile = "chimi.yaml"

// Well-known package names.
const (
	PackageCharm  = "charm"
	PackageChanga = "changa"
)

// DefaultRepositories maps package names to their upstream URL and default
// branch.
var DefaultRepositories = map[string]struct {
	URL    string
	Branch string
}{
	PackageCharm:  {URL: "http://charm.cs.illinois.edu/gerrit/charm.git", Branch: "master"},
	PackageChanga: {URL: "http://charm.cs.illinois.edu/gerrit/cosmo/changa", Branch: "master"},
}

// BuildStatus is the lifecycle state of one build record.
type BuildStatus string

const (
	BuildPending   BuildStatus = "pending"
	BuildRunning   BuildStatus = "running"
	BuildSucceeded BuildStatus = "succeeded"
	BuildFailed    BuildStatus = "failed"
)

// Terminal reports whether the status is final.
func (s BuildStatus) Terminal() bool {
	return s == BuildSucceeded || s == BuildFailed
}

// BuildRecord describes one build of one package. Once the status is
// terminal the record is immutable except for log appends.
type BuildRecord struct {
	ID           string          `yaml:"id"`
	Package      string          `yaml:"package"`
	Name         string          `yaml:"name"`
	Architecture string          `yaml:"architecture"`
	Branch       string          `yaml:"branch"`
	Commit       string          `yaml:"commit,omitempty"`
	Options      []options.Entry `yaml:"options"`
	Extras       []string        `yaml:"extras,omitempty"`
	Status       BuildStatus     `yaml:"status"`
	Directory    string          `yaml:"directory"`
	LogPath      string          `yaml:"log,omitempty"`
	CreatedAt    time.Time       `yaml:"created-at"`
	UpdatedAt    time.Time       `yaml:"updated-at"`
}

// NewBuildRecord mints a pending record for the given build parameters.
func NewBuildRecord(pkg, name, architecture, branch string, set *options.ResolvedSet) *BuildRecord {
	now := time.Now().UTC()
	return &BuildRecord{
		ID:           uuid.NewString(),
		Package:      pkg,
		Name:         name,
		Architecture: architecture,
		Branch:       branch,
		Options:      set.Entries(),
		Extras:       append([]string(nil), set.Extras...),
		Status:       BuildPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// Matches reports whether the record was produced from the same branch and
// structurally equal resolved option set. Equality is structural, never
// textual.
func (r *BuildRecord) Matches(branch string, set *options.ResolvedSet) bool {
	if r.Branch != branch {
		return false
	}
	if !reflect.DeepEqual(normalizeEntries(r.Options), normalizeEntries(set.Entries())) {
		return false
	}
	recorded := append([]string(nil), r.Extras...)
	wanted := append([]string(nil), set.Extras...)
	sort.Strings(recorded)
	sort.Strings(wanted)
	return reflect.DeepEqual(recorded, wanted)
}

// SameConfig reports whether two records describe the same build
// configuration: package, branch, options, and extras.
func (r *BuildRecord) SameConfig(other *BuildRecord) bool {
	if r.Package != other.Package || r.Branch != other.Branch {
		return false
	}
	if !reflect.DeepEqual(normalizeEntries(r.Options), normalizeEntries(other.Options)) {
		return false
	}
	recorded := append([]string(nil), r.Extras...)
	wanted := append([]string(nil), other.Extras...)
	sort.Strings(recorded)
	sort.Strings(wanted)
	return reflect.DeepEqual(recorded, wanted)
}

func normalizeEntries(entries []options.Entry) []options.Entry {
	out := append([]options.Entry(nil), entries...)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Source < out[j].Source
	})
	if len(out) == 0 {
		return nil
	}
	return out
}

// Transition moves the record to a new status, refusing to leave a terminal
// state.
func (r *BuildRecord) Transition(status BuildStatus) error {
	if r.Status.Terminal() {
		return fmt.Errorf("build %s is already %s", r.Name, r.Status)
	}
	r.Status = status
	r.UpdatedAt = time.Now().UTC()
	return nil
}

// Package is one tracked source package.
type Package struct {
	Repository string         `yaml:"repository"`
	Branch     string         `yaml:"branch"`
	Builds     []*BuildRecord `yaml:"builds,omitempty"`

	Extra map[string]yaml.Node `yaml:",inline"`
}

// FindBuild returns the first build record matching (branch, options), or
// nil.
func (p *Package) FindBuild(branch string, set *options.ResolvedSet) *BuildRecord {
	for _, record := range p.Builds {
		if record.Matches(branch, set) {
			return record
		}
	}
	return nil
}

// Set is the in-memory form of the persisted database.
type Set struct {
	Packages map[string]*Package `yaml:"packages"`

	Extra map[string]yaml.Node `yaml:",inline"`

	dir   string
	dirty bool
}

// Dir returns the initialized working directory the set belongs to.
func (s *Set) Dir() string { return s.dir }

// PackageDir returns the source checkout directory for a package.
func (s *Set) PackageDir(name string) string { return filepath.Join(s.dir, name) }

// ErrAlreadyInitialized reports an init attempt on a directory that already
// has a database.
var ErrAlreadyInitialized = errors.New("directory is already initialized")

// ErrNotInitialized reports that no database was found here or in any parent
// directory.
var ErrNotInitialized = errors.New("not an initialized chimi directory")

// Init creates a fresh database in dir with the default package entries.
func Init(dir string) (*Set, error) {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(filepath.Join(dir, SetFile)); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyInitialized, dir)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	set := &Set{dir: dir, Packages: map[string]*Package{}}
	for name, repo := range DefaultRepositories {
		set.Packages[name] = &Package{Repository: repo.URL, Branch: repo.Branch}
	}
	if err := set.Save(); err != nil {
		return nil, err
	}
	return set, nil
}

// Load reads the database in dir.
func Load(dir string) (*Set, error) {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(filepath.Join(dir, SetFile))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", SetFile, err)
	}

	set := &Set{dir: dir}
	if err := yaml.Unmarshal(raw, set); err != nil {
		return nil, fmt.Errorf("parse %s: %w", SetFile, err)
	}
	if set.Packages == nil {
		set.Packages = map[string]*Package{}
	}
	set.prune()
	return set, nil
}

// Find walks from start up toward the filesystem root looking for an
// initialized directory.
func Find(start string) (*Set, error) {
	dir, err := filepath.Abs(start)
	if err != nil {
		return nil, err
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, SetFile)); err == nil {
			return Load(dir)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return nil, fmt.Errorf("%w (starting from %s)", ErrNotInitialized, start)
		}
		dir = parent
	}
}

// prune drops records whose build directory has disappeared and collapses
// duplicate records for one directory down to the most recently updated.
func (s *Set) prune() {
	for _, pkg := range s.Packages {
		byDir := map[string]*BuildRecord{}
		kept := pkg.Builds[:0]
		for _, record := range pkg.Builds {
			if record.Directory != "" {
				if _, err := os.Stat(record.Directory); err != nil {
					s.dirty = true
					continue
				}
				if prev, ok := byDir[record.Directory]; ok {
					s.dirty = true
					if record.UpdatedAt.After(prev.UpdatedAt) {
						*prev = *record
					}
					continue
				}
				byDir[record.Directory] = record
			}
			kept = append(kept, record)
		}
		pkg.Builds = kept
	}
}

// Dirty reports whether prune dropped state that has not been saved yet.
func (s *Set) Dirty() bool { return s.dirty }

// Save writes the database under an exclusive advisory lock.
func (s *Set) Save() error {
	unlock, err := lock(s.dir)
	if err != nil {
		return err
	}
	defer unlock()
	return s.write()
}

func (s *Set) write() error {
	payload, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode %s: %w", SetFile, err)
	}

	// Write-rename so a crashed save never truncates the database.
	tmp := filepath.Join(s.dir, SetFile+".tmp")
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", SetFile, err)
	}
	if err := os.Rename(tmp, filepath.Join(s.dir, SetFile)); err != nil {
		return fmt.Errorf("replace %s: %w", SetFile, err)
	}
	s.dirty = false
	return nil
}

// Update runs fn inside a locked read-modify-write cycle: the database is
// re-read under the lock so concurrent invocations against the same
// directory cannot race each other.
func Update(dir string, fn func(*Set) error) (*Set, error) {
	unlock, err := lock(dir)
	if err != nil {
		return nil, err
	}
	defer unlock()

	set, err := Load(dir)
	if err != nil {
		return nil, err
	}
	if err := fn(set); err != nil {
		return nil, err
	}
	if err := set.write(); err != nil {
		return nil, err
	}
	return set, nil
}
