package gavel

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
)

// Authority is the policy weight a Source Registry attaches to a source id.
type Authority string

const (
	AuthorityMandatory Authority = "MANDATORY"
	AuthorityStrong    Authority = "STRONG"
	AuthorityDefault   Authority = "DEFAULT"
)

// sourceEntry is one named source in the registry's [sources] table.
type sourceEntry struct {
	Authority string `toml:"authority"`
	Tier      string `toml:"tier"`
	IDPattern string `toml:"id_pattern"`
}

// curatedRule is a pattern that always resolves to MANDATORY, independent
// of the named [sources] table — e.g. internally curated domain rules.
type curatedRule struct {
	IDPattern string `toml:"id_pattern"`
}

// registryFile is the on-disk TOML shape of the Source Registry.
type registryFile struct {
	Sources      map[string]sourceEntry `toml:"sources"`
	CuratedRules map[string]curatedRule `toml:"curated_rules"`
}

// Registry resolves source ids to an Authority via a loaded, cached
// pattern table. It is read once at startup per the design note that
// policy changes require a restart.
type Registry struct {
	sourcePrefixes  []prefixRule
	curatedPrefixes []string
}

type prefixRule struct {
	prefix    string
	authority Authority
}

// LoadRegistry reads and compiles a Source Registry from a TOML file.
func LoadRegistry(path string) (*Registry, error) {
	var raw registryFile
	if _, err := toml.DecodeFile(path, &raw); err != nil {
		return nil, fmt.Errorf("gavel: load source registry %s: %w", path, err)
	}
	return newRegistry(raw), nil
}

func newRegistry(raw registryFile) *Registry {
	reg := &Registry{}
	for _, entry := range raw.Sources {
		prefix := strings.TrimSuffix(entry.IDPattern, "*")
		if prefix == "" {
			continue
		}
		reg.sourcePrefixes = append(reg.sourcePrefixes, prefixRule{
			prefix:    strings.ToUpper(prefix),
			authority: Authority(strings.ToUpper(entry.Authority)),
		})
	}
	for _, rule := range raw.CuratedRules {
		prefix := strings.TrimSuffix(rule.IDPattern, "*")
		if prefix == "" {
			continue
		}
		reg.curatedPrefixes = append(reg.curatedPrefixes, strings.ToUpper(prefix))
	}
	return reg
}

// Resolve returns the Authority for a source id: a matching [sources]
// pattern wins first, then a curated-rule pattern (always MANDATORY),
// and unknown ids default to DEFAULT.
func (r *Registry) Resolve(sourceID string) Authority {
	upper := strings.ToUpper(sourceID)

	for _, rule := range r.sourcePrefixes {
		if strings.HasPrefix(upper, rule.prefix) {
			if rule.authority == "" {
				return AuthorityDefault
			}
			return rule.authority
		}
	}
	for _, prefix := range r.curatedPrefixes {
		if strings.HasPrefix(upper, prefix) {
			return AuthorityMandatory
		}
	}
	return AuthorityDefault
}

// DefaultRegistry is used when no Source Registry file is configured: every
// source id resolves to DEFAULT, which imposes no evidence requirement.
func DefaultRegistry() *Registry {
	return &Registry{}
}
