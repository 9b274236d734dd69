package jdbc

import (
	"context"
	"database/sql"
	"sort"
	"strings"

	"github.com/nucleus/collector/internal/core"
	"github.com/nucleus/collector/internal/endpoint"
)

// Dialect holds the catalog queries of one database family.
//
// Databases and Schemas return (name, comment). Tables, Columns and
// Constraints take the schema as their only parameter and return the row
// shapes scanned by queryTables, queryColumns and queryConstraints.
type Dialect struct {
	Databases   string
	Schemas     string
	Tables      string
	Columns     string
	Constraints string

	// Ignorable lists system schemas; SystemDatabases is filtered out of
	// ListDatabases directly.
	Ignorable       []string
	SystemDatabases []string

	// Quote quotes one identifier.
	Quote func(ident string) string
	// Limit renders a row-limited SELECT * over a qualified table.
	Limit func(table string, n int) string
	// Args binds the schema parameter. Nil means a single positional arg.
	Args func(schema string) []any
}

// SampleSQL renders the sample query for schema.table.
func (d *Dialect) SampleSQL(schema, table string, n int) string {
	return d.Limit(d.Quote(schema)+"."+d.Quote(table), n)
}

func (d *Dialect) args(schema string) []any {
	if d.Args != nil {
		return d.Args(schema)
	}
	return []any{schema}
}

func (d *Dialect) isSystemDatabase(name string) bool {
	for _, s := range d.SystemDatabases {
		if strings.EqualFold(s, name) {
			return true
		}
	}
	return false
}

func quoteWith(open, close string) func(string) string {
	return func(ident string) string {
		return open + strings.ReplaceAll(ident, close, close+close) + close
	}
}

// =============================================================================
// ROW SHAPES
// =============================================================================

type namedRow struct {
	name    string
	comment string
}

type tableRow struct {
	Name    string
	Kind    string
	Comment sql.NullString
}

type columnRow struct {
	Table     string
	Name      string
	Native    sql.NullString
	Nullable  sql.NullString
	Position  int
	Size      sql.NullInt64
	Precision sql.NullInt64
	Scale     sql.NullInt64
	Default   sql.NullString
	Comment   sql.NullString
}

type constraintRow struct {
	Table      string
	Name       string
	Type       string
	Column     sql.NullString
	RefTable   sql.NullString
	RefColumn  sql.NullString
	Expression sql.NullString
	Ordinal    int64
}

func queryNamed(ctx context.Context, db *sql.DB, query string) ([]namedRow, error) {
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []namedRow
	for rows.Next() {
		var name string
		var comment sql.NullString
		if err := rows.Scan(&name, &comment); err != nil {
			return nil, err
		}
		out = append(out, namedRow{name: name, comment: comment.String})
	}
	return out, rows.Err()
}

func queryTables(ctx context.Context, db *sql.DB, query string, args []any) ([]tableRow, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []tableRow
	for rows.Next() {
		var r tableRow
		if err := rows.Scan(&r.Name, &r.Kind, &r.Comment); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func queryColumns(ctx context.Context, db *sql.DB, query string, args []any) ([]columnRow, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []columnRow
	for rows.Next() {
		var r columnRow
		if err := rows.Scan(&r.Table, &r.Name, &r.Native, &r.Nullable, &r.Position,
			&r.Size, &r.Precision, &r.Scale, &r.Default, &r.Comment); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func queryConstraints(ctx context.Context, db *sql.DB, query string, args []any) ([]constraintRow, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []constraintRow
	for rows.Next() {
		var r constraintRow
		if err := rows.Scan(&r.Table, &r.Name, &r.Type, &r.Column, &r.RefTable,
			&r.RefColumn, &r.Expression, &r.Ordinal); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// =============================================================================
// ASSEMBLY
// =============================================================================

// assembleTables joins the three catalog result sets into table records,
// ordered by table name, columns by position.
func assembleTables(tables []tableRow, columns []columnRow, constraints []constraintRow) []endpoint.TableRecord {
	byTable := make(map[string]*endpoint.TableRecord, len(tables))
	order := make([]string, 0, len(tables))
	for _, t := range tables {
		if _, dup := byTable[t.Name]; dup {
			continue
		}
		byTable[t.Name] = &endpoint.TableRecord{
			Name:        t.Name,
			Description: t.Comment.String,
			Kind:        core.ParseTableKind(t.Kind),
		}
		order = append(order, t.Name)
	}

	for _, c := range columns {
		rec, ok := byTable[c.Table]
		if !ok {
			continue
		}
		rec.Columns = append(rec.Columns, buildColumn(c))
	}

	for name, cons := range groupConstraints(constraints) {
		rec, ok := byTable[name]
		if !ok {
			continue
		}
		rec.Constraints = cons
		markKeys(rec)
	}

	sort.Strings(order)
	out := make([]endpoint.TableRecord, 0, len(order))
	for _, name := range order {
		rec := byTable[name]
		sort.SliceStable(rec.Columns, func(i, j int) bool { return rec.Columns[i].Position < rec.Columns[j].Position })
		out = append(out, *rec)
	}
	return out
}

func buildColumn(r columnRow) core.Column {
	native := strings.TrimSpace(r.Native.String)
	dt, _ := core.NormalizeType(native)
	col := core.Column{
		Name:         r.Name,
		Description:  r.Comment.String,
		DataType:     dt,
		NativeType:   native,
		Nullable:     yes(r.Nullable.String),
		Position:     r.Position,
		DefaultValue: r.Default.String,
	}
	if dt == core.TypeArray {
		col.ArrayDataType = core.ArrayElementType(native)
	}
	col.Size, col.Precision, col.Scale = core.TypeParams(native)
	if v := positive(r.Size); v != nil {
		col.Size = v
	}
	if v := positive(r.Precision); v != nil {
		col.Precision = v
	}
	if v := positive(r.Scale); v != nil || (r.Scale.Valid && col.Precision != nil) {
		s := r.Scale.Int64
		col.Scale = &s
	}
	return col
}

func groupConstraints(rows []constraintRow) map[string][]core.Constraint {
	type key struct{ table, name string }
	index := map[key]int{}
	out := map[string][]core.Constraint{}

	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].Table != rows[j].Table {
			return rows[i].Table < rows[j].Table
		}
		if rows[i].Name != rows[j].Name {
			return rows[i].Name < rows[j].Name
		}
		return rows[i].Ordinal < rows[j].Ordinal
	})

	for _, r := range rows {
		k := key{r.Table, r.Name}
		i, ok := index[k]
		if !ok {
			out[r.Table] = append(out[r.Table], core.Constraint{
				Name:       r.Name,
				Type:       constraintType(r.Type),
				Expression: r.Expression.String,
			})
			i = len(out[r.Table]) - 1
			index[k] = i
		}
		c := &out[r.Table][i]
		if r.Column.String != "" && !contains(c.Columns, r.Column.String) {
			c.Columns = append(c.Columns, r.Column.String)
		}
		if r.RefTable.String != "" {
			c.ReferencedTable = r.RefTable.String
		}
		if r.RefColumn.String != "" && !contains(c.ReferencedColumns, r.RefColumn.String) {
			c.ReferencedColumns = append(c.ReferencedColumns, r.RefColumn.String)
		}
	}
	return out
}

// markKeys flags primary-key columns and single-column unique constraints.
func markKeys(rec *endpoint.TableRecord) {
	for _, c := range rec.Constraints {
		for i := range rec.Columns {
			col := &rec.Columns[i]
			switch {
			case c.Type == core.ConstraintPrimaryKey && contains(c.Columns, col.Name):
				col.PrimaryKey = true
				col.Nullable = false
			case c.Type == core.ConstraintUnique && len(c.Columns) == 1 && c.Columns[0] == col.Name:
				col.Unique = true
			}
		}
	}
}

func constraintType(raw string) core.ConstraintType {
	switch strings.ReplaceAll(strings.ToUpper(strings.TrimSpace(raw)), " ", "_") {
	case "PRIMARY_KEY", "P", "PK":
		return core.ConstraintPrimaryKey
	case "UNIQUE", "U", "UQ":
		return core.ConstraintUnique
	case "FOREIGN_KEY", "R", "F":
		return core.ConstraintForeignKey
	}
	return core.ConstraintCheck
}

func yes(s string) bool {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "YES", "Y", "TRUE", "1":
		return true
	}
	return false
}

func positive(v sql.NullInt64) *int64 {
	if !v.Valid || v.Int64 <= 0 {
		return nil
	}
	n := v.Int64
	return &n
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
