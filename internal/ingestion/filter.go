package ingestion

import (
	"regexp"
	"strings"

	"github.com/nucleus/collector/internal/core"
)

// Rule is one include/exclude pattern pair. A name passes when include
// matches and exclude does not. Patterns are anchored at both ends.
type Rule struct {
	include *regexp.Regexp
	exclude *regexp.Regexp
}

// NewRule compiles a pattern pair. An empty include matches every name and
// an empty exclude matches none.
func NewRule(include, exclude string) (Rule, error) {
	var r Rule
	var err error
	if r.include, err = compile(include); err != nil {
		return Rule{}, core.ConfigError("invalid include pattern %q: %v", include, err)
	}
	if r.exclude, err = compile(exclude); err != nil {
		return Rule{}, core.ConfigError("invalid exclude pattern %q: %v", exclude, err)
	}
	return r, nil
}

func compile(pattern string) (*regexp.Regexp, error) {
	if strings.TrimSpace(pattern) == "" {
		return nil, nil
	}
	return regexp.Compile(`^(?:` + pattern + `)$`)
}

// Match reports whether name should be processed.
func (r Rule) Match(name string) bool {
	if r.include != nil && !r.include.MatchString(name) {
		return false
	}
	return r.exclude == nil || !r.exclude.MatchString(name)
}

// Filter holds the rules of every level of an ingestion spec.
type Filter struct {
	Database Rule
	Schema   Rule
	Table    Rule
}

// NewFilter compiles the six patterns of spec. A malformed pattern is a
// ConfigError.
func NewFilter(spec core.IngestionSpec) (*Filter, error) {
	db, err := NewRule(spec.IncludeDatabase, spec.ExcludeDatabase)
	if err != nil {
		return nil, err
	}
	schema, err := NewRule(spec.IncludeSchema, spec.ExcludeSchema)
	if err != nil {
		return nil, err
	}
	table, err := NewRule(spec.IncludeTable, spec.ExcludeTable)
	if err != nil {
		return nil, err
	}
	return &Filter{Database: db, Schema: schema, Table: table}, nil
}
