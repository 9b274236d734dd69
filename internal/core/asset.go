package core

import (
	"strings"
	"time"
)

// AssetKind names an asset variant. The values double as Catalog API paths.
type AssetKind string

const (
	KindDatabase AssetKind = "databases"
	KindSchema   AssetKind = "schemas"
	KindTable    AssetKind = "tables"
)

// Singular returns the breadcrumb key used in asset trees.
func (k AssetKind) Singular() string {
	switch k {
	case KindDatabase:
		return "database"
	case KindSchema:
		return "schema"
	case KindTable:
		return "table"
	}
	return string(k)
}

// TreeNode is one ancestor reference in an asset breadcrumb.
type TreeNode struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name"`
}

// AssetHeader is shared by every asset variant. FQN and tombstone logic only
// look at the header.
type AssetHeader struct {
	ID                 string              `json:"id,omitempty"`
	Name               string              `json:"name"`
	DisplayName        string              `json:"display_name,omitempty"`
	Description        string              `json:"description,omitempty"`
	FullyQualifiedName string              `json:"fully_qualified_name"`
	Version            Version             `json:"version"`
	Deleted            bool                `json:"deleted"`
	Tree               map[string]TreeNode `json:"tree,omitempty"`
	ProviderID         string              `json:"provider_id,omitempty"`
	UpdatedAt          *time.Time          `json:"updated_at,omitempty"`
}

// Header returns the header itself so every variant satisfies Asset.
func (h *AssetHeader) Header() *AssetHeader { return h }

// Asset is the tagged variant Database | Schema | Table.
type Asset interface {
	Header() *AssetHeader
	Kind() AssetKind
	// ParentID is the catalog id of the direct parent, empty for databases
	// whose parent is the provider.
	ParentID() string
}

// Database is a top-level container under a provider.
type Database struct {
	AssetHeader
}

func (*Database) Kind() AssetKind    { return KindDatabase }
func (d *Database) ParentID() string { return d.ProviderID }

// Schema groups tables inside a database.
type Schema struct {
	AssetHeader
	DatabaseID string `json:"database_id"`
}

func (*Schema) Kind() AssetKind    { return KindSchema }
func (s *Schema) ParentID() string { return s.DatabaseID }

// TableKind classifies a table-like object.
type TableKind string

const (
	TableRegular          TableKind = "REGULAR"
	TableView             TableKind = "VIEW"
	TableMaterializedView TableKind = "MATERIALIZED_VIEW"
	TableExternal         TableKind = "EXTERNAL"
	TablePartitioned      TableKind = "PARTITIONED"
	TableForeign          TableKind = "FOREIGN"
	TableTransient        TableKind = "TRANSIENT"
	TableCollection       TableKind = "COLLECTION"
	TableIndex            TableKind = "INDEX"
)

// IsView reports whether the kind is subject to the include_view flag.
func (k TableKind) IsView() bool {
	return k == TableView || k == TableMaterializedView
}

// Table owns its ordered columns and constraints. SchemaID is empty for
// providers without schemas, in which case DatabaseID is the parent.
type Table struct {
	AssetHeader
	DatabaseID  string       `json:"database_id,omitempty"`
	SchemaID    string       `json:"schema_id,omitempty"`
	TableType   TableKind    `json:"table_type"`
	Columns     []Column     `json:"columns"`
	Constraints []Constraint `json:"constraints,omitempty"`
}

func (*Table) Kind() AssetKind { return KindTable }

func (t *Table) ParentID() string {
	if t.SchemaID != "" {
		return t.SchemaID
	}
	return t.DatabaseID
}

// Column is embedded in its table; it has no identity of its own.
type Column struct {
	Name          string   `json:"name"`
	DisplayName   string   `json:"display_name,omitempty"`
	Description   string   `json:"description,omitempty"`
	DataType      DataType `json:"data_type"`
	ArrayDataType DataType `json:"array_data_type,omitempty"`
	NativeType    string   `json:"data_type_display,omitempty"`
	Size          *int64   `json:"size,omitempty"`
	Precision     *int64   `json:"precision,omitempty"`
	Scale         *int64   `json:"scale,omitempty"`
	Nullable      bool     `json:"nullable"`
	PrimaryKey    bool     `json:"primary_key"`
	Unique        bool     `json:"unique"`
	Position      int      `json:"position"`
	DefaultValue  string   `json:"default_value,omitempty"`
}

// ConstraintType classifies a table constraint.
type ConstraintType string

const (
	ConstraintPrimaryKey ConstraintType = "PRIMARY_KEY"
	ConstraintUnique     ConstraintType = "UNIQUE"
	ConstraintForeignKey ConstraintType = "FOREIGN_KEY"
	ConstraintCheck      ConstraintType = "CHECK"
)

// Constraint is embedded in its table and matched by name when diffing.
type Constraint struct {
	Name              string         `json:"name"`
	Type              ConstraintType `json:"constraint_type"`
	Columns           []string       `json:"columns,omitempty"`
	ReferencedTable   string         `json:"referenced_table,omitempty"`
	ReferencedColumns []string       `json:"referenced_columns,omitempty"`
	Expression        string         `json:"expression,omitempty"`
}

// ParseTableKind maps a catalog's table type spelling onto TableKind.
// Unrecognized spellings are REGULAR.
func ParseTableKind(raw string) TableKind {
	s := strings.ToUpper(strings.TrimSpace(raw))
	s = strings.ReplaceAll(s, " ", "_")
	switch s {
	case "VIEW", "SYSTEM_VIEW", "VIRTUAL_VIEW":
		return TableView
	case "MATERIALIZED_VIEW", "MATERIALIZEDVIEW":
		return TableMaterializedView
	case "EXTERNAL", "EXTERNAL_TABLE":
		return TableExternal
	case "PARTITIONED", "PARTITIONED_TABLE":
		return TablePartitioned
	case "FOREIGN", "FOREIGN_TABLE":
		return TableForeign
	case "TRANSIENT":
		return TableTransient
	case "COLLECTION":
		return TableCollection
	case "INDEX":
		return TableIndex
	}
	return TableRegular
}
