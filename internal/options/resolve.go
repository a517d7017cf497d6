package options

import (
	"sort"
)

// HostDefault carries a host profile's default treatment of one
// architecture component: whether it is on by default, which other
// components it requires, and any configure settings or extra build
// arguments that accompany it when enabled.
type HostDefault struct {
	Name          string
	Enable        bool
	Prerequisites []string
	Settings      map[string]string
	Extras        []string
}

// Resolve merges host defaults, package-declared options, and user requests
// into a single resolved set.
//
// Order of application: host component defaults, package configure defaults,
// then each user request in list order (later entries override earlier ones
// for the same name and source). A bare name that matches declarations from
// several sources applies to all of them. Any request naming an option absent
// from every source fails with UnknownOptionError and produces no set.
func Resolve(hostDefaults []HostDefault, decls []Declaration, requests []Request) (*ResolvedSet, error) {
	byName := map[string][]Declaration{}
	for _, d := range decls {
		byName[d.Name] = append(byName[d.Name], d)
	}

	// Validate all requests before touching any state: resolution is
	// all-or-nothing.
	for _, req := range requests {
		matched := false
		for _, d := range byName[req.Name] {
			if req.State == StateSet && d.Kind != KindValued {
				continue
			}
			matched = true
		}
		if !matched {
			return nil, &UnknownOptionError{Name: req.Name}
		}
	}

	set := NewResolvedSet()

	defaults := append([]HostDefault(nil), hostDefaults...)
	sort.Slice(defaults, func(i, j int) bool { return defaults[i].Name < defaults[j].Name })

	// Host defaults seed architecture components that the host enables by
	// default, provided the target architecture actually declares them.
	for _, hd := range defaults {
		if !hd.Enable {
			continue
		}
		if !declares(byName[hd.Name], SourceComponent) {
			continue
		}
		set.put(Entry{Name: hd.Name, Kind: KindSwitch, Source: SourceComponent, Enabled: true})
	}

	// Package-declared defaults.
	for _, d := range decls {
		if !d.Default {
			continue
		}
		if _, ok := set.Lookup(d.Name, d.Source); ok {
			continue
		}
		set.put(Entry{Name: d.Name, Kind: d.Kind, Source: d.Source, Enabled: true})
	}

	disabled := map[string]bool{}
	for _, req := range requests {
		for _, d := range byName[req.Name] {
			switch req.State {
			case StateEnable:
				set.put(Entry{Name: d.Name, Kind: d.Kind, Source: d.Source, Enabled: true})
				delete(disabled, d.Name)
			case StateDisable:
				set.put(Entry{Name: d.Name, Kind: d.Kind, Source: d.Source, Enabled: false})
				disabled[d.Name] = true
			case StateSet:
				if d.Kind != KindValued {
					continue
				}
				set.put(Entry{Name: d.Name, Kind: d.Kind, Source: d.Source, Enabled: true, Value: req.Value})
			}
		}
	}

	// Enabled components pull in their host-declared prerequisites,
	// settings, and extra build arguments. A prerequisite the user
	// explicitly disabled stays disabled.
	for _, hd := range defaults {
		entry, ok := set.Lookup(hd.Name, SourceComponent)
		if !ok || !entry.Enabled {
			continue
		}
		for _, prereq := range hd.Prerequisites {
			if disabled[prereq] || !declares(byName[prereq], SourceComponent) {
				continue
			}
			if _, ok := set.Lookup(prereq, SourceComponent); !ok {
				set.put(Entry{Name: prereq, Kind: KindSwitch, Source: SourceComponent, Enabled: true})
			}
		}
		names := make([]string, 0, len(hd.Settings))
		for name := range hd.Settings {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			if _, ok := set.Lookup(name, SourceSetting); ok {
				continue
			}
			set.put(Entry{Name: name, Kind: KindValued, Source: SourceSetting, Enabled: true, Value: hd.Settings[name]})
		}
		set.Extras = append(set.Extras, hd.Extras...)
	}
	sort.Strings(set.Extras)

	return set, nil
}

func declares(decls []Declaration, source Source) bool {
	for _, d := range decls {
		if d.Source == source {
			return true
		}
	}
	return false
}
