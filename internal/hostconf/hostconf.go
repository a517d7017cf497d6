// Package hostconf loads declarative per-host build and job configuration
// documents and resolves which document applies to a given hostname.
package hostconf

import (
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/insaneinside/chimi/internal/options"
)

// Component carries a host's default treatment of one build-architecture
// component.
type Component struct {
	Default bool `yaml:"default"`

	// Components lists prerequisite components pulled in whenever this
	// one ends up enabled.
	Components []string          `yaml:"components,omitempty"`
	Settings   map[string]string `yaml:"settings,omitempty"`
	Extras     []string          `yaml:"extras,omitempty"`

	Extra map[string]yaml.Node `yaml:",inline"`
}

// BuildDefaults is the build section of a host document.
type BuildDefaults struct {
	DefaultArchitecture string               `yaml:"default-architecture,omitempty"`
	Components          map[string]Component `yaml:"components,omitempty"`

	Extra map[string]yaml.Node `yaml:",inline"`
}

// Launch holds scheduler-specific launch defaults. Keys this tool does not
// interpret are preserved in Extra so documents round-trip losslessly.
type Launch struct {
	SPMDVariation           string `yaml:"spmd-variation,omitempty"`
	TotalCPUCountMultipleOf int    `yaml:"total-cpu-count-multiple-of,omitempty"`
	MPIExec                 bool   `yaml:"mpiexec,omitempty"`
	RemoteShell             string `yaml:"remote-shell,omitempty"`
	Runscript               string `yaml:"runscript,omitempty"`

	Extra map[string]yaml.Node `yaml:",inline"`
}

// JobDefaults is the jobs section of a host document.
type JobDefaults struct {
	// Manager names the batch-scheduler family ("slurm", "sge", "shell").
	// Empty means autodetect on the host.
	Manager string `yaml:"manager,omitempty"`
	// Host is the preferred login host for remote job submission.
	Host   string `yaml:"host,omitempty"`
	Launch Launch `yaml:"launch,omitempty"`

	Extra map[string]yaml.Node `yaml:",inline"`
}

// HostDefaults converts the component table into the option resolver's
// host-default form.
func (b BuildDefaults) HostDefaults() []options.HostDefault {
	out := make([]options.HostDefault, 0, len(b.Components))
	for name, component := range b.Components {
		out = append(out, options.HostDefault{
			Name:          name,
			Enable:        component.Default,
			Prerequisites: component.Components,
			Settings:      component.Settings,
			Extras:        component.Extras,
		})
	}
	return out
}

// Profile is one host configuration document.
type Profile struct {
	Hostname     string        `yaml:"hostname"`
	Aliases      []string      `yaml:"aliases,omitempty"`
	ModuleSystem string        `yaml:"module-system,omitempty"`
	Build        BuildDefaults `yaml:"build,omitempty"`
	Jobs         JobDefaults   `yaml:"jobs,omitempty"`

	Extra map[string]yaml.Node `yaml:",inline"`
}

// MatchesHost reports whether this profile describes the named host, either
// exactly, by alias, or as a label-boundary suffix of a fully-qualified
// name: "stampede.tacc.utexas.edu" matches "login1.stampede.tacc.utexas.edu"
// but not "notstampede.tacc.utexas.edu".
func (p *Profile) MatchesHost(hostname string) bool {
	if hostname == "" {
		return false
	}
	if p.Hostname != "" && (hostname == p.Hostname || strings.HasSuffix(hostname, "."+p.Hostname)) {
		return true
	}
	for _, alias := range p.Aliases {
		if hostname == alias {
			return true
		}
	}
	return false
}

// MatchesCurrentHost reports whether the profile describes the machine the
// tool is running on.
func (p *Profile) MatchesCurrentHost() bool {
	if p.Hostname == "localhost" {
		return true
	}
	name, err := os.Hostname()
	if err != nil {
		return false
	}
	return p.MatchesHost(name)
}

// Default returns a permissive profile for hosts with no document: current
// hostname, no component defaults, scheduler autodetection.
func Default() *Profile {
	name, err := os.Hostname()
	if err != nil {
		name = "localhost"
	}
	return &Profile{Hostname: name}
}

// Store resolves host names to profiles using a document directory and a
// generated reverse index mapping hostname/alias to document name.
type Store struct {
	fsys fs.FS
	dir  string

	index map[string]string
}

// NewStore reads the host index from fsys. dir is the directory holding the
// per-host documents; the index lives beside it as host-index.yaml.
func NewStore(fsys fs.FS, dir string) (*Store, error) {
	raw, err := fs.ReadFile(fsys, path.Join(path.Dir(dir), "host-index.yaml"))
	if err != nil {
		return nil, fmt.Errorf("read host index: %w", err)
	}

	index := map[string]string{}
	if err := yaml.Unmarshal(raw, &index); err != nil {
		return nil, fmt.Errorf("parse host index: %w", err)
	}
	return &Store{fsys: fsys, dir: dir, index: index}, nil
}

// Embedded returns the store backed by the documents compiled into the
// binary.
func Embedded() (*Store, error) {
	return NewStore(hostData, "data/host")
}

// Load resolves name (a hostname or alias; empty means the current host)
// to its profile. Hosts with no matching document get Default().
func (s *Store) Load(name string) (*Profile, error) {
	if name == "" || name == "localhost" {
		hostname, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("determine local hostname: %w", err)
		}
		name = hostname
	}

	doc, ok := s.index[name]
	if !ok {
		// Fully-qualified names match index entries at a label boundary:
		// "login1.stampede.tacc.utexas.edu" finds "stampede.tacc.utexas.edu".
		// Keys are visited in sorted order so the match is deterministic.
		keys := make([]string, 0, len(s.index))
		for key := range s.index {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			if strings.HasSuffix(name, "."+key) {
				doc = s.index[key]
				ok = true
				break
			}
		}
	}
	if !ok {
		return Default(), nil
	}
	return s.loadDocument(doc)
}

// Names returns every document name known to the index, deduplicated.
func (s *Store) Names() []string {
	seen := map[string]bool{}
	var out []string
	for _, doc := range s.index {
		if !seen[doc] {
			seen[doc] = true
			out = append(out, doc)
		}
	}
	return out
}

func (s *Store) loadDocument(doc string) (*Profile, error) {
	raw, err := fs.ReadFile(s.fsys, path.Join(s.dir, doc+".yaml"))
	if err != nil {
		return nil, fmt.Errorf("read host document %q: %w", doc, err)
	}
	var profile Profile
	if err := yaml.Unmarshal(raw, &profile); err != nil {
		return nil, fmt.Errorf("parse host document %q: %w", doc, err)
	}
	return &profile, nil
}
