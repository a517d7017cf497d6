package hostconf

import (
	"reflect"
	"testing"

	"gopkg.in/yaml.v3"
)

func TestEmbeddedStoreLoadsByAlias(t *testing.T) {
	t.Parallel()

	store, err := Embedded()
	if err != nil {
		t.Fatalf("Embedded() error = %v", err)
	}

	profile, err := store.Load("stampede")
	if err != nil {
		t.Fatalf("Load(stampede) error = %v", err)
	}
	if profile.Hostname != "stampede.tacc.utexas.edu" {
		t.Fatalf("Hostname = %q, want stampede.tacc.utexas.edu", profile.Hostname)
	}
	if profile.Jobs.Manager != "slurm" {
		t.Fatalf("Jobs.Manager = %q, want slurm", profile.Jobs.Manager)
	}
	if got := profile.Jobs.Launch.TotalCPUCountMultipleOf; got != 16 {
		t.Fatalf("TotalCPUCountMultipleOf = %d, want 16", got)
	}
}

func TestEmbeddedStoreLoadsByFullyQualifiedName(t *testing.T) {
	t.Parallel()

	store, err := Embedded()
	if err != nil {
		t.Fatalf("Embedded() error = %v", err)
	}

	profile, err := store.Load("login2.stampede.tacc.utexas.edu")
	if err != nil {
		t.Fatalf("Load(fqdn) error = %v", err)
	}
	if profile.Hostname != "stampede.tacc.utexas.edu" {
		t.Fatalf("Hostname = %q, want stampede document", profile.Hostname)
	}
}

func TestLoadUnknownHostFallsBackToDefault(t *testing.T) {
	t.Parallel()

	store, err := Embedded()
	if err != nil {
		t.Fatalf("Embedded() error = %v", err)
	}

	profile, err := store.Load("nonesuch.example.edu")
	if err != nil {
		t.Fatalf("Load(unknown) error = %v", err)
	}
	if profile.Jobs.Manager != "" {
		t.Fatalf("default profile Jobs.Manager = %q, want autodetect (empty)", profile.Jobs.Manager)
	}
	if len(profile.Build.Components) != 0 {
		t.Fatalf("default profile has component defaults: %v", profile.Build.Components)
	}
}

func TestLoadRequiresLabelBoundarySuffix(t *testing.T) {
	t.Parallel()

	store, err := Embedded()
	if err != nil {
		t.Fatalf("Embedded() error = %v", err)
	}

	// A hostname merely ending in an indexed name must not adopt that
	// host's document.
	profile, err := store.Load("notstampede.tacc.utexas.edu")
	if err != nil {
		t.Fatalf("Load(notstampede) error = %v", err)
	}
	if profile.Jobs.Manager != "" {
		t.Fatalf("Jobs.Manager = %q, want default profile", profile.Jobs.Manager)
	}
}

func TestHostDefaultsConversion(t *testing.T) {
	t.Parallel()

	store, err := Embedded()
	if err != nil {
		t.Fatalf("Embedded() error = %v", err)
	}
	profile, err := store.Load("gordon")
	if err != nil {
		t.Fatalf("Load(gordon) error = %v", err)
	}

	defaults := profile.Build.HostDefaults()
	if len(defaults) != 1 {
		t.Fatalf("HostDefaults() = %+v, want one component", defaults)
	}
	hd := defaults[0]
	if hd.Name != "ibverbs" || !hd.Enable {
		t.Fatalf("ibverbs default = %+v, want enabled", hd)
	}
	if !reflect.DeepEqual(hd.Prerequisites, []string{"smp"}) {
		t.Fatalf("Prerequisites = %v, want [smp]", hd.Prerequisites)
	}
}

func TestProfileRoundTripPreservesUnknownFields(t *testing.T) {
	t.Parallel()

	doc := `hostname: bespoke.example.edu
site-contact: admin@example.edu
build:
  default-architecture: mpi-linux-x86_64
jobs:
  manager: slurm
  launch:
    spmd-variation: mpirun
    node-exclusive: true
`
	var profile Profile
	if err := yaml.Unmarshal([]byte(doc), &profile); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}

	if _, ok := profile.Extra["site-contact"]; !ok {
		t.Fatalf("unknown top-level field not preserved: %+v", profile.Extra)
	}
	if _, ok := profile.Jobs.Launch.Extra["node-exclusive"]; !ok {
		t.Fatalf("unknown launch field not preserved: %+v", profile.Jobs.Launch.Extra)
	}

	out, err := yaml.Marshal(&profile)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	var again Profile
	if err := yaml.Unmarshal(out, &again); err != nil {
		t.Fatalf("Unmarshal(round-trip) error = %v", err)
	}
	if again.Hostname != profile.Hostname || again.Jobs.Launch.SPMDVariation != "mpirun" {
		t.Fatalf("round-trip changed interpreted fields: %+v", again)
	}
	if _, ok := again.Jobs.Launch.Extra["node-exclusive"]; !ok {
		t.Fatalf("round-trip dropped unknown launch field")
	}
}

func TestMatchesHost(t *testing.T) {
	t.Parallel()

	profile := &Profile{
		Hostname: "gordon.sdsc.edu",
		Aliases:  []string{"gordon"},
	}

	tests := []struct {
		host string
		want bool
	}{
		{"gordon.sdsc.edu", true},
		{"login1.gordon.sdsc.edu", true},
		{"gordon", true},
		{"fakegordon.sdsc.edu", false},
		{"stampede.tacc.utexas.edu", false},
		{"", false},
	}
	for _, tc := range tests {
		if got := profile.MatchesHost(tc.host); got != tc.want {
			t.Errorf("MatchesHost(%q) = %t, want %t", tc.host, got, tc.want)
		}
	}
}
