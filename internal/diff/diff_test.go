package diff_test

import (
	"strings"
	"testing"

	"github.com/nucleus/collector/internal/core"
	"github.com/nucleus/collector/internal/diff"
)

func view(t *testing.T, v any) map[string]any {
	t.Helper()
	m, err := diff.View(v)
	if err != nil {
		t.Fatalf("View: %v", err)
	}
	return m
}

func sampleTable() *core.Table {
	return &core.Table{
		AssetHeader: core.AssetHeader{
			ID:                 "t-1",
			Name:               "users",
			FullyQualifiedName: "tb.pg.app.public.users",
			Version:            core.Version{Major: 1, Minor: 2, Patch: 3},
		},
		SchemaID:  "s-1",
		TableType: core.TableRegular,
		Columns: []core.Column{
			{Name: "id", DataType: core.TypeInt, PrimaryKey: true, Position: 1},
			{Name: "email", DataType: core.TypeVarchar, Nullable: true, Position: 2},
		},
	}
}

func TestCompare_SameViewIsNoChange(t *testing.T) {
	a := view(t, sampleTable())
	res := diff.Compare(a, a)
	if !res.Empty() {
		t.Fatalf("diff(a, a) = %v", res.Lines())
	}
	merged := diff.Apply(a, a, res)
	if merged["version"] != "1.2.3" {
		t.Errorf("version changed without a diff: %v", merged["version"])
	}
}

func TestCompare_ScalarFieldChanged(t *testing.T) {
	cur := sampleTable()
	obs := sampleTable()
	obs.TableType = core.TableView

	res := diff.Compare(view(t, cur), view(t, obs))
	if len(res.Changes) != 1 {
		t.Fatalf("changes = %v", res.Lines())
	}
	c := res.Changes[0]
	if c.Kind != diff.FieldChanged || c.Field != "table_type" || c.Old != "REGULAR" || c.New != "VIEW" {
		t.Errorf("unexpected change %s", c)
	}
}

func TestCompare_ColumnsAddedRemovedModified(t *testing.T) {
	cur := sampleTable()
	obs := sampleTable()
	obs.Columns = []core.Column{
		{Name: "id", DataType: core.TypeBigInt, PrimaryKey: true, Position: 1},
		{Name: "created_at", DataType: core.TypeTimestamp, Position: 2},
	}

	res := diff.Compare(view(t, cur), view(t, obs))
	kinds := map[diff.Kind][]string{}
	for _, c := range res.Changes {
		kinds[c.Kind] = append(kinds[c.Kind], c.Element+"/"+c.Attribute)
	}
	if got := kinds[diff.Added]; len(got) != 1 || got[0] != "created_at/" {
		t.Errorf("ADDED = %v", got)
	}
	if got := kinds[diff.Removed]; len(got) != 1 || got[0] != "email/" {
		t.Errorf("REMOVED = %v", got)
	}
	if got := kinds[diff.Modified]; len(got) != 1 || got[0] != "id/data_type" {
		t.Errorf("MODIFIED = %v", got)
	}
}

func TestApply_BumpsMajorAndReplacesLists(t *testing.T) {
	cur := view(t, sampleTable())
	cur["owner"] = "data-team"
	obsTable := sampleTable()
	obsTable.Columns = obsTable.Columns[:1]
	obs := view(t, obsTable)

	res := diff.Compare(cur, obs)
	merged := diff.Apply(cur, obs, res)

	if merged["version"] != "2.2.3" {
		t.Errorf("version = %v, want 2.2.3", merged["version"])
	}
	cols, _ := merged["columns"].([]any)
	if len(cols) != 1 {
		t.Errorf("columns not replaced wholesale: %v", cols)
	}
	if merged["owner"] != "data-team" {
		t.Error("catalog-managed field should be preserved")
	}
	if merged["id"] != "t-1" {
		t.Error("id must come from current")
	}
}

func TestCompare_ReferenceFieldUsesNestedID(t *testing.T) {
	obs := view(t, &core.Schema{AssetHeader: core.AssetHeader{Name: "public"}, DatabaseID: "db-1"})

	cur := map[string]any{
		"name":     "public",
		"database": map[string]any{"id": "db-1", "name": "app"},
		"deleted":  false,
		"version":  "0.0.0",
	}
	if res := diff.Compare(cur, obs); !res.Empty() {
		t.Errorf("nested id should match: %v", res.Lines())
	}

	cur["database"] = map[string]any{"id": "db-2"}
	res := diff.Compare(cur, obs)
	if len(res.Changes) != 1 || res.Changes[0].Field != "database_id" {
		t.Errorf("expected database_id change, got %v", res.Lines())
	}
}

func TestCompare_TombstonedAssetReappearing(t *testing.T) {
	cur := view(t, sampleTable())
	cur["deleted"] = true
	res := diff.Compare(cur, view(t, sampleTable()))
	if res.Empty() || res.Changes[0].Field != "deleted" {
		t.Errorf("expected deleted flag change, got %v", res.Lines())
	}
}

func TestCompare_OverridePolicy(t *testing.T) {
	cur := view(t, sampleTable())
	cur["description"] = "curated by hand"
	obsTable := sampleTable()
	obsTable.Description = "from source comment"
	obs := view(t, obsTable)

	tests := []struct {
		policy      core.OverridePolicy
		wantChanged bool
	}{
		{core.OverrideAll, true},
		{core.OverrideNone, false},
		{core.OverrideMissing, false},
	}
	for _, tt := range tests {
		res := diff.Compare(cur, obs, diff.WithOverridePolicy(tt.policy))
		if !res.Empty() != tt.wantChanged {
			t.Errorf("policy %s: changed = %v, want %v", tt.policy, !res.Empty(), tt.wantChanged)
		}
	}

	delete(cur, "description")
	res := diff.Compare(cur, obs, diff.WithOverridePolicy(core.OverrideMissing))
	if res.Empty() {
		t.Error("MISSING policy should fill an empty description")
	}
	merged := diff.Apply(cur, obs, res, diff.WithOverridePolicy(core.OverrideMissing))
	if merged["description"] != "from source comment" {
		t.Errorf("description = %v", merged["description"])
	}
}

func TestResult_Lines(t *testing.T) {
	res := diff.Result{Changes: []diff.Change{
		{Kind: diff.FieldChanged, Field: "name", Old: "a", New: "b"},
		{Kind: diff.Added, Field: "columns", Element: "x"},
	}}
	lines := res.Lines()
	if !strings.HasPrefix(lines[0], "FIELD_CHANGED(name") || lines[1] != "ADDED(columns.x)" {
		t.Errorf("Lines = %v", lines)
	}
}
