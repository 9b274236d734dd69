// Package core provides the shared catalog models used across the collector.
// These models are transport-agnostic and are consumed by connectors, the
// ingestion engine and the Catalog API client alike.
//
// Structure:
//
//	provider.go   - Provider, Connection, IngestionSpec
//	asset.go      - Asset variants (Database, Schema, Table) and Column
//	version.go    - MAJOR.MINOR.PATCH asset versions
//	datatype.go   - Normalized data type enumeration and native type mapping
//	fqn.go        - Fully qualified names
//	errors.go     - Error taxonomy shared by every component
package core
