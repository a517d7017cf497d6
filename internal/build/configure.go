package build

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"sort"
	"strings"

	"github.com/insaneinside/chimi/internal/options"
)

var configureOptPattern = regexp.MustCompile(`^\s*--(enable|disable|with|without)-([^\s\[=]+)`)

// ParseConfigureHelp extracts the option declarations a configure script
// advertises in its --help output. --enable/--disable pairs become switch
// settings (disable implies on-by-default); --with/--without become valued
// settings.
func ParseConfigureHelp(text string) ([]options.Declaration, error) {
	byName := map[string]options.Declaration{}
	for _, line := range strings.Split(text, "\n") {
		m := configureOptPattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		kind, name := m[1], m[2]

		// Autoconf's boilerplate lists example options verbatim.
		if name == "FEATURE" || name == "PACKAGE" {
			continue
		}

		decl := options.Declaration{Name: name, Source: options.SourceSetting}
		switch kind {
		case "enable":
			decl.Kind = options.KindSwitch
		case "disable":
			decl.Kind = options.KindSwitch
			decl.Default = true
		case "with":
			decl.Kind = options.KindValued
		case "without":
			decl.Kind = options.KindValued
			decl.Default = true
		}

		if prev, ok := byName[name]; ok {
			if prev != decl {
				return nil, fmt.Errorf("configure option %q declared twice with conflicting kinds", name)
			}
			continue
		}
		byName[name] = decl
	}

	out := make([]options.Declaration, 0, len(byName))
	for _, decl := range byName {
		out = append(out, decl)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// ConfigureDeclarations runs a package's configure script with --help and
// parses the advertised options. A missing or broken script yields no
// declarations rather than an error: not every branch ships one.
func ConfigureDeclarations(ctx context.Context, scriptPath string) []options.Declaration {
	out, err := exec.CommandContext(ctx, scriptPath, "--help").Output()
	if err != nil {
		return nil
	}
	decls, err := ParseConfigureHelp(string(out))
	if err != nil {
		return nil
	}
	return decls
}
