package endpoint

import (
	"sort"

	"github.com/nucleus/collector/internal/core"
)

// Descriptor describes a connector implementation for a provider type.
type Descriptor struct {
	Type        core.ProviderType
	ID          string
	Title       string
	Vendor      string
	DefaultPort int
	// Extras enumerates the connection extras keys the connector reads.
	Extras []string
}

// UnknownExtras returns the extras keys the connector does not read, sorted.
// "timeout" is understood by every connector.
func (d *Descriptor) UnknownExtras(conn core.Connection) []string {
	known := map[string]struct{}{"timeout": {}}
	for _, k := range d.Extras {
		known[k] = struct{}{}
	}
	var unknown []string
	for k := range conn.Extras {
		if _, ok := known[k]; !ok {
			unknown = append(unknown, k)
		}
	}
	sort.Strings(unknown)
	return unknown
}
