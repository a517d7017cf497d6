// Package arch discovers the build-architecture inheritance graph of a
// Charm++ source tree and answers which build options are valid for each
// architecture.
package arch

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/insaneinside/chimi/internal/options"
)

// Architecture is one node of the inheritance graph. Every architecture
// other than "common" has a parent; a build architecture's parent is its
// base (communication-layer) architecture when that directory exists,
// otherwise "common" directly.
type Architecture struct {
	Name     string
	Parent   *Architecture
	Children []*Architecture

	// Base marks communication-layer architectures (net, mpi, ...) that
	// builds inherit from but are not built directly.
	Base bool

	Options          []string
	Compilers        []string
	FortranCompilers []string
}

// UnknownArchitectureError reports a request for an architecture absent from
// the discovered set.
type UnknownArchitectureError struct {
	Name string
}

func (e *UnknownArchitectureError) Error() string {
	return fmt.Sprintf("unknown build architecture %q", e.Name)
}

// ErrCatalogCorrupt marks malformed architecture metadata (duplicate ids or
// an inheritance cycle). It is fatal to any build against the source tree.
var ErrCatalogCorrupt = errors.New("architecture catalog corrupt")

// Catalog holds the discovered architecture graph for one source tree.
type Catalog struct {
	root   string
	arches map[string]*Architecture

	effective map[string]map[string]options.Declaration
}

var (
	compilerFile = regexp.MustCompile(`^cc-([^.]+)\.h$`)
	optionFile   = regexp.MustCompile(`^conv-mach-([^.]+)\.h$`)
)

// fortranCompilerNames are option-file names that actually select a Fortran
// compiler rather than a feature.
var fortranCompilerNames = map[string]bool{
	"g95": true, "gfortran": true, "absoft": true,
	"pgf90": true, "ifc": true, "ifort": true,
}

// excludedDirs are src/arch entries that are not build architectures: shared
// infrastructure, base-only trees handled through parent links, and
// platforms the build script itself skips.
var excludedDirs = map[string]bool{
	"CVS": true, "shmem": true, "mpi": true, "sim": true, "net": true,
	"multicore": true, "util": true, "common": true, "uth": true,
	"conv-mach-fix.sh": true, "win32": true, "win64": true,
	"paragon": true, "lapi": true, "cell": true, "gemini_gni": true,
	"pami": true, "template": true, "cuda": true,
}

// Discover scans the architecture definitions under root/src/arch and builds
// the inheritance graph rooted at "common".
func Discover(root string) (*Catalog, error) {
	archDir := filepath.Join(root, "src", "arch")
	entries, err := os.ReadDir(archDir)
	if err != nil {
		return nil, fmt.Errorf("read architecture directory: %w", err)
	}

	c := &Catalog{
		root:      root,
		arches:    map[string]*Architecture{},
		effective: map[string]map[string]options.Declaration{},
	}

	common, err := c.scan(archDir, "common")
	if err != nil {
		return nil, err
	}
	common.Base = true
	c.arches["common"] = common

	var names []string
	for _, entry := range entries {
		if !entry.IsDir() || excludedDirs[entry.Name()] {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		if _, exists := c.arches[name]; exists {
			return nil, fmt.Errorf("%w: duplicate architecture %q", ErrCatalogCorrupt, name)
		}

		parent := common
		baseName, _, hasBase := strings.Cut(name, "-")
		if hasBase && baseName != name {
			if _, err := os.Stat(filepath.Join(archDir, baseName)); err == nil {
				base, ok := c.arches[baseName]
				if !ok {
					base, err = c.scan(archDir, baseName)
					if err != nil {
						return nil, err
					}
					base.Base = true
					base.Parent = common
					common.Children = append(common.Children, base)
					c.arches[baseName] = base
				}
				base.Base = true
				parent = base
			}
		}

		a, err := c.scan(archDir, name)
		if err != nil {
			return nil, err
		}
		a.Parent = parent
		parent.Children = append(parent.Children, a)
		c.arches[name] = a
	}

	if err := c.checkAcyclic(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Catalog) scan(archDir, name string) (*Architecture, error) {
	entries, err := os.ReadDir(filepath.Join(archDir, name))
	if err != nil {
		return nil, fmt.Errorf("read architecture %q: %w", name, err)
	}

	a := &Architecture{Name: name}
	for _, entry := range entries {
		if m := compilerFile.FindStringSubmatch(entry.Name()); m != nil {
			a.Compilers = append(a.Compilers, m[1])
			continue
		}
		if m := optionFile.FindStringSubmatch(entry.Name()); m != nil {
			if fortranCompilerNames[m[1]] {
				a.FortranCompilers = append(a.FortranCompilers, m[1])
			} else {
				a.Options = append(a.Options, m[1])
			}
		}
	}
	sort.Strings(a.Options)
	sort.Strings(a.Compilers)
	sort.Strings(a.FortranCompilers)
	return a, nil
}

func (c *Catalog) checkAcyclic() error {
	for name, a := range c.arches {
		seen := map[string]bool{}
		for node := a; node != nil; node = node.Parent {
			if seen[node.Name] {
				return fmt.Errorf("%w: inheritance cycle through %q", ErrCatalogCorrupt, node.Name)
			}
			seen[node.Name] = true
		}
		if !seen["common"] {
			return fmt.Errorf("%w: architecture %q is not rooted at common", ErrCatalogCorrupt, name)
		}
	}
	return nil
}

// Lookup returns the named architecture.
func (c *Catalog) Lookup(name string) (*Architecture, error) {
	a, ok := c.arches[name]
	if !ok {
		return nil, &UnknownArchitectureError{Name: name}
	}
	return a, nil
}

// List returns architecture names in sorted order, optionally filtered by
// prefix.
func (c *Catalog) List(prefix string) []string {
	var out []string
	for name := range c.arches {
		if prefix == "" || strings.HasPrefix(name, prefix) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// EffectiveOptions walks from the named architecture up through common and
// returns every option declared anywhere on the chain as a component
// declaration, with descendant declarations overriding ancestors of the same
// name. Results are memoized per catalog.
func (c *Catalog) EffectiveOptions(name string) (map[string]options.Declaration, error) {
	if memo, ok := c.effective[name]; ok {
		return memo, nil
	}

	a, ok := c.arches[name]
	if !ok {
		return nil, &UnknownArchitectureError{Name: name}
	}

	// Collect the chain root-first so that descendants override.
	var chain []*Architecture
	for node := a; node != nil; node = node.Parent {
		chain = append(chain, node)
	}

	out := map[string]options.Declaration{}
	for i := len(chain) - 1; i >= 0; i-- {
		node := chain[i]
		for _, group := range [][]string{node.Options, node.Compilers, node.FortranCompilers} {
			for _, opt := range group {
				out[opt] = options.Declaration{
					Name:   opt,
					Kind:   options.KindSwitch,
					Source: options.SourceComponent,
				}
			}
		}
	}

	c.effective[name] = out
	return out, nil
}

// Descendants returns the names of the architecture and everything that
// inherits from it, sorted.
func (c *Catalog) Descendants(name string) ([]string, error) {
	a, ok := c.arches[name]
	if !ok {
		return nil, &UnknownArchitectureError{Name: name}
	}
	var out []string
	var walk func(*Architecture)
	walk = func(node *Architecture) {
		out = append(out, node.Name)
		for _, child := range node.Children {
			walk(child)
		}
	}
	walk(a)
	sort.Strings(out)
	return out, nil
}

// ResolveBuildArch maps a user-supplied architecture name onto a build
// architecture. A base-architecture name is accepted when exactly one of its
// children matches the local OS and machine naming convention used by the
// tree; otherwise the name must identify a build architecture directly.
func (c *Catalog) ResolveBuildArch(name, osName, machine string) (*Architecture, error) {
	a, ok := c.arches[name]
	if !ok {
		return nil, &UnknownArchitectureError{Name: name}
	}
	if !a.Base {
		return a, nil
	}

	want := strings.Join([]string{name, strings.ToLower(osName), strings.ToLower(machine)}, "-")
	if child, ok := c.arches[want]; ok {
		return child, nil
	}
	if len(a.Children) == 1 {
		return a.Children[0], nil
	}
	return nil, fmt.Errorf("base architecture %q is ambiguous here: no %s variant", name, want)
}
