// Package options merges host defaults, package-declared build options, and
// user-supplied option requests into a single normalized option set for a
// Charm++ or ChaNGa build.
package options

import (
	"fmt"
	"sort"
	"strings"
)

// Source identifies where an option declaration comes from. A build
// architecture and a package's configure script may both declare an option
// with the same name; the two are distinct and never merged.
type Source string

const (
	// SourceComponent is a feature switch declared by a build architecture.
	SourceComponent Source = "component"
	// SourceSetting is an option declared by the package's configure script.
	SourceSetting Source = "setting"
)

// Kind distinguishes boolean switches from valued settings.
type Kind string

const (
	KindSwitch Kind = "switch"
	KindValued Kind = "valued"
)

// Declaration describes one option a package declares, scoped to its source.
type Declaration struct {
	Name    string
	Kind    Kind
	Source  Source
	Default bool
}

// State is the requested disposition for an option.
type State string

const (
	StateEnable  State = "enable"
	StateDisable State = "disable"
	StateSet     State = "set"
)

// Request is a single parsed option request.
type Request struct {
	Name  string
	State State
	Value string
}

// UnknownOptionError reports a request that matched no declaration in any
// known source.
type UnknownOptionError struct {
	Name string
}

func (e *UnknownOptionError) Error() string {
	return fmt.Sprintf("unknown build option %q", e.Name)
}

// ParseRequests parses a comma-separated option declaration list.
//
// Grammar: bare `name` or `name=true`/`name=on` enables; `-name` or
// `name=false`/`name=off` disables; any other `name=value` sets a value.
func ParseRequests(text string) ([]Request, error) {
	var out []Request
	for _, token := range strings.Split(text, ",") {
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}

		if strings.HasPrefix(token, "-") {
			name := token[1:]
			if name == "" || strings.Contains(name, "=") {
				return nil, fmt.Errorf("invalid option token %q", token)
			}
			out = append(out, Request{Name: name, State: StateDisable})
			continue
		}

		name, value, found := strings.Cut(token, "=")
		if name == "" {
			return nil, fmt.Errorf("invalid option token %q", token)
		}
		if !found {
			out = append(out, Request{Name: name, State: StateEnable})
			continue
		}
		switch value {
		case "true", "on":
			out = append(out, Request{Name: name, State: StateEnable})
		case "false", "off":
			out = append(out, Request{Name: name, State: StateDisable})
		default:
			out = append(out, Request{Name: name, State: StateSet, Value: value})
		}
	}
	return out, nil
}

// Entry is one resolved option: a (name, source) pair with its final state.
// Kind is carried from the declaration so renderers can distinguish a
// boolean-toggled valued setting from a plain switch.
type Entry struct {
	Name    string `yaml:"name"`
	Kind    Kind   `yaml:"kind,omitempty"`
	Source  Source `yaml:"source"`
	Enabled bool   `yaml:"enabled"`
	Value   string `yaml:"value,omitempty"`
}

func (e Entry) key() string { return e.Name + "\x00" + string(e.Source) }

// ResolvedSet is the final conflict-free mapping of (name, source) to state.
// Extras carries raw extra build arguments contributed by host component
// defaults; they are not options themselves but travel with the set.
type ResolvedSet struct {
	entries map[string]Entry

	Extras []string
}

// NewResolvedSet returns an empty resolved set.
func NewResolvedSet() *ResolvedSet {
	return &ResolvedSet{entries: map[string]Entry{}}
}

func (s *ResolvedSet) put(e Entry) {
	if s.entries == nil {
		s.entries = map[string]Entry{}
	}
	s.entries[e.key()] = e
}

// Lookup returns the entry for (name, source), if present.
func (s *ResolvedSet) Lookup(name string, source Source) (Entry, bool) {
	e, ok := s.entries[Entry{Name: name, Source: source}.key()]
	return e, ok
}

// Entries returns all entries ordered by name, then source.
func (s *ResolvedSet) Entries() []Entry {
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Source < out[j].Source
	})
	return out
}

// Components returns the names of enabled architecture components, sorted.
func (s *ResolvedSet) Components() []string {
	var out []string
	for _, e := range s.entries {
		if e.Source == SourceComponent && e.Enabled {
			out = append(out, e.Name)
		}
	}
	sort.Strings(out)
	return out
}

// Settings returns the configure-setting entries ordered by name.
func (s *ResolvedSet) Settings() []Entry {
	var out []Entry
	for _, e := range s.entries {
		if e.Source == SourceSetting {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Equal reports structural equality of two resolved sets.
func (s *ResolvedSet) Equal(other *ResolvedSet) bool {
	if s == nil || other == nil {
		return s == other
	}
	if len(s.entries) != len(other.entries) {
		return false
	}
	for key, e := range s.entries {
		if oe, ok := other.entries[key]; !ok || oe != e {
			return false
		}
	}
	if len(s.Extras) != len(other.Extras) {
		return false
	}
	for i, x := range s.Extras {
		if other.Extras[i] != x {
			return false
		}
	}
	return true
}

// Canonical renders the set in its canonical comma-separated textual form:
// entries sorted by (name, source), disabled switches prefixed with `-`,
// valued settings as name=value. Re-parsing the result against the same
// declarations yields an equal set.
func (s *ResolvedSet) Canonical() string {
	var parts []string
	for _, e := range s.Entries() {
		switch {
		case e.Value != "":
			parts = append(parts, e.Name+"="+e.Value)
		case e.Enabled:
			parts = append(parts, e.Name)
		default:
			parts = append(parts, "-"+e.Name)
		}
	}
	return strings.Join(parts, ",")
}
