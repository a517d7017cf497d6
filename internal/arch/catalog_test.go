package arch

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

// writeArchTree lays out a minimal Charm++-style src/arch hierarchy.
func writeArchTree(t *testing.T, archs map[string][]string) string {
	t.Helper()

	root := t.TempDir()
	for name, files := range archs {
		dir := filepath.Join(root, "src", "arch", name)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatalf("MkdirAll(%q) error = %v", dir, err)
		}
		for _, file := range files {
			if err := os.WriteFile(filepath.Join(dir, file), nil, 0o644); err != nil {
				t.Fatalf("WriteFile(%q) error = %v", file, err)
			}
		}
	}
	return root
}

func testTree(t *testing.T) string {
	t.Helper()
	return writeArchTree(t, map[string][]string{
		"common": {"conv-mach-smp.h", "conv-mach-gfortran.h", "cc-gcc.h", "cc-clang.h"},
		"net":    {"conv-mach-tcp.h", "conv-mach-ibverbs.h"},
		"net-linux-x86_64": {
			"conv-mach-cuda.h", "conv-mach-smp.h", "cc-icc.h",
		},
		"mpi-linux-x86_64": {"conv-mach-mpt.h"},
	})
}

func TestDiscoverBuildsInheritanceGraph(t *testing.T) {
	t.Parallel()

	catalog, err := Discover(testTree(t))
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}

	build, err := catalog.Lookup("net-linux-x86_64")
	if err != nil {
		t.Fatalf("Lookup(net-linux-x86_64) error = %v", err)
	}
	if build.Parent == nil || build.Parent.Name != "net" {
		t.Fatalf("net-linux-x86_64 parent = %+v, want net", build.Parent)
	}
	if !build.Parent.Base {
		t.Fatalf("net not marked as base architecture")
	}
	if build.Parent.Parent == nil || build.Parent.Parent.Name != "common" {
		t.Fatalf("net parent = %+v, want common", build.Parent.Parent)
	}

	// mpi is in the exclusion list as a standalone entry and has no
	// directory-backed base here beyond common.
	mpi, err := catalog.Lookup("mpi-linux-x86_64")
	if err != nil {
		t.Fatalf("Lookup(mpi-linux-x86_64) error = %v", err)
	}
	if mpi.Parent == nil || mpi.Parent.Name != "common" {
		t.Fatalf("mpi-linux-x86_64 parent = %+v, want common", mpi.Parent)
	}
}

func TestEffectiveOptionsMergeAncestorChain(t *testing.T) {
	t.Parallel()

	catalog, err := Discover(testTree(t))
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}

	effective, err := catalog.EffectiveOptions("net-linux-x86_64")
	if err != nil {
		t.Fatalf("EffectiveOptions() error = %v", err)
	}

	// Every option declared anywhere in the chain is present.
	for _, name := range []string{"cuda", "smp", "tcp", "ibverbs", "gfortran", "gcc", "clang", "icc"} {
		if _, ok := effective[name]; !ok {
			t.Errorf("EffectiveOptions() missing %q", name)
		}
	}
	if _, ok := effective["mpt"]; ok {
		t.Errorf("EffectiveOptions() leaked option from sibling architecture")
	}
}

func TestEffectiveOptionsUnknownArchitecture(t *testing.T) {
	t.Parallel()

	catalog, err := Discover(testTree(t))
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}

	_, err = catalog.EffectiveOptions("gni-crayxc")
	var unknown *UnknownArchitectureError
	if !errors.As(err, &unknown) {
		t.Fatalf("EffectiveOptions() error = %v, want UnknownArchitectureError", err)
	}
	if unknown.Name != "gni-crayxc" {
		t.Fatalf("UnknownArchitectureError.Name = %q, want gni-crayxc", unknown.Name)
	}
}

func TestListFiltersByPrefix(t *testing.T) {
	t.Parallel()

	catalog, err := Discover(testTree(t))
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}

	got := catalog.List("net")
	want := []string{"net", "net-linux-x86_64"}
	if len(got) != len(want) {
		t.Fatalf("List(net) = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("List(net) = %v, want %v", got, want)
		}
	}
}

func TestDescendants(t *testing.T) {
	t.Parallel()

	catalog, err := Discover(testTree(t))
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}

	got, err := catalog.Descendants("net")
	if err != nil {
		t.Fatalf("Descendants(net) error = %v", err)
	}
	want := []string{"net", "net-linux-x86_64"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("Descendants(net) = %v, want %v", got, want)
	}
}

func TestResolveBuildArchFromBase(t *testing.T) {
	t.Parallel()

	catalog, err := Discover(testTree(t))
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}

	a, err := catalog.ResolveBuildArch("net", "Linux", "x86_64")
	if err != nil {
		t.Fatalf("ResolveBuildArch(net) error = %v", err)
	}
	if a.Name != "net-linux-x86_64" {
		t.Fatalf("ResolveBuildArch(net) = %q, want net-linux-x86_64", a.Name)
	}

	direct, err := catalog.ResolveBuildArch("mpi-linux-x86_64", "Linux", "x86_64")
	if err != nil {
		t.Fatalf("ResolveBuildArch(build arch) error = %v", err)
	}
	if direct.Name != "mpi-linux-x86_64" {
		t.Fatalf("ResolveBuildArch(build arch) = %q", direct.Name)
	}
}

func TestDiscoverMissingTree(t *testing.T) {
	t.Parallel()

	if _, err := Discover(filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Fatalf("Discover() error = nil, want non-nil for missing tree")
	}
}

func TestCatalogCorruptOnCycle(t *testing.T) {
	t.Parallel()

	a := &Architecture{Name: "net-linux"}
	b := &Architecture{Name: "net"}
	a.Parent = b
	b.Parent = a
	c := &Catalog{arches: map[string]*Architecture{"net-linux": a, "net": b}}

	if err := c.checkAcyclic(); !errors.Is(err, ErrCatalogCorrupt) {
		t.Fatalf("checkAcyclic() error = %v, want ErrCatalogCorrupt", err)
	}
}

func TestCatalogCorruptWhenUnrooted(t *testing.T) {
	t.Parallel()

	orphan := &Architecture{Name: "gni-crayxe"}
	c := &Catalog{arches: map[string]*Architecture{"gni-crayxe": orphan}}

	if err := c.checkAcyclic(); !errors.Is(err, ErrCatalogCorrupt) {
		t.Fatalf("checkAcyclic() error = %v, want ErrCatalogCorrupt", err)
	}
}
