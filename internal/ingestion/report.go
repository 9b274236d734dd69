package ingestion

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/nucleus/collector/internal/core"
)

// Counts tallies upsert outcomes for one asset kind.
type Counts struct {
	Created    int `json:"created"`
	Updated    int `json:"updated"`
	Unchanged  int `json:"unchanged"`
	Tombstoned int `json:"tombstoned"`
}

// Skip records an asset left out of the run.
type Skip struct {
	Kind  core.AssetKind `json:"kind"`
	Name  string         `json:"name"`
	Error string         `json:"error,omitempty"`
}

// Report summarizes one engine run.
type Report struct {
	ProviderID string                     `json:"provider_id"`
	Counts     map[core.AssetKind]*Counts `json:"counts"`
	Ignored    []Skip                     `json:"ignored,omitempty"`
	Failed     []Skip                     `json:"failed,omitempty"`
	Sampled    map[string]int             `json:"sampled,omitempty"`
	Started    time.Time                  `json:"started"`
	Finished   time.Time                  `json:"finished"`
}

func newReport(providerID string, now time.Time) *Report {
	return &Report{
		ProviderID: providerID,
		Counts: map[core.AssetKind]*Counts{
			core.KindDatabase: {},
			core.KindSchema:   {},
			core.KindTable:    {},
		},
		Sampled: map[string]int{},
		Started: now,
	}
}

func (r *Report) ignore(kind core.AssetKind, name string) {
	r.Ignored = append(r.Ignored, Skip{Kind: kind, Name: name})
}

func (r *Report) fail(kind core.AssetKind, name string, err error) {
	r.Failed = append(r.Failed, Skip{Kind: kind, Name: name, Error: err.Error()})
}

func (r *Report) count(kind core.AssetKind, o outcome) {
	c := r.Counts[kind]
	switch o {
	case created:
		c.Created++
	case updated:
		c.Updated++
	default:
		c.Unchanged++
	}
}

// IgnoredNames returns the names ignored by rules for kind, sorted.
func (r *Report) IgnoredNames(kind core.AssetKind) []string {
	var names []string
	for _, s := range r.Ignored {
		if s.Kind == kind {
			names = append(names, s.Name)
		}
	}
	sort.Strings(names)
	return names
}

// Summary renders one line per kind for the execution log.
func (r *Report) Summary() string {
	var b strings.Builder
	for _, kind := range []core.AssetKind{core.KindDatabase, core.KindSchema, core.KindTable} {
		c := r.Counts[kind]
		fmt.Fprintf(&b, "%s: %d created, %d updated, %d unchanged, %d tombstoned; ",
			kind, c.Created, c.Updated, c.Unchanged, c.Tombstoned)
	}
	fmt.Fprintf(&b, "%d ignored by rules, %d failed", len(r.Ignored), len(r.Failed))
	return b.String()
}
