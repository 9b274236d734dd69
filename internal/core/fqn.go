package core

import "strings"

const (
	prefixProvider = "pvr."
	prefixDatabase = "db."
	prefixSchema   = "schm."
	prefixTable    = "tb."
)

var fqnReplacer = strings.NewReplacer(" ", "_", ".", "-")

// NamePart normalizes one FQN component: lower-cased, spaces become "_" and
// dots become "-".
func NamePart(name string) string {
	return fqnReplacer.Replace(strings.ToLower(name))
}

// ProviderFQN returns "pvr.<provider>".
func ProviderFQN(provider string) string {
	return prefixProvider + NamePart(provider)
}

// DatabaseFQN returns "db.<provider>.<db>".
func DatabaseFQN(provider, database string) string {
	return prefixDatabase + join(provider, database)
}

// SchemaFQN returns "schm.<provider>.<db>.<schema>".
func SchemaFQN(provider, database, schema string) string {
	return prefixSchema + join(provider, database, schema)
}

// TableFQN returns "tb.<provider>.<db>.<schema>.<table>". An absent schema
// contributes an empty segment.
func TableFQN(provider, database, schema, table string) string {
	return prefixTable + join(provider, database, schema, table)
}

func join(names ...string) string {
	parts := make([]string, len(names))
	for i, n := range names {
		parts[i] = NamePart(n)
	}
	return strings.Join(parts, ".")
}

// KindOfFQN infers the asset kind from an FQN prefix.
func KindOfFQN(fqn string) (AssetKind, bool) {
	switch {
	case strings.HasPrefix(fqn, prefixDatabase):
		return KindDatabase, true
	case strings.HasPrefix(fqn, prefixSchema):
		return KindSchema, true
	case strings.HasPrefix(fqn, prefixTable):
		return KindTable, true
	}
	return "", false
}
