package endpoint

// Capabilities declares what a connector can enumerate.
type Capabilities struct {
	// SupportsDatabase is false for stores exposing a single implicit
	// database; the engine then synthesizes "default".
	SupportsDatabase bool
	SupportsSchema   bool
	SupportsPK       bool
	SupportsViews    bool
	SupportsSample   bool
}

// DefaultDatabase is the synthetic database name used when a store has no
// database level.
const DefaultDatabase = "default"

// SQLCapabilities is the capability set shared by relational dialects.
func SQLCapabilities() Capabilities {
	return Capabilities{
		SupportsDatabase: true,
		SupportsSchema:   true,
		SupportsPK:       true,
		SupportsViews:    true,
		SupportsSample:   true,
	}
}
