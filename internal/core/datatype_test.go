package core_test

import (
	"testing"

	"github.com/nucleus/collector/internal/core"
)

func TestNormalizeType(t *testing.T) {
	tests := []struct {
		native string
		want   core.DataType
		ok     bool
	}{
		{"varchar(255)", core.TypeVarchar, true},
		{"character varying", core.TypeVarchar, true},
		{"NUMBER(10,2)", core.TypeNumber, true},
		{"int unsigned", core.TypeInt, true},
		{"timestamp(6) with time zone", core.TypeTimestampTZ, true},
		{"timestamp without time zone", core.TypeTimestamp, true},
		{"double precision", core.TypeDouble, true},
		{"INTERVAL DAY(2) TO SECOND(6)", core.TypeInterval, true},
		{"array<string>", core.TypeArray, true},
		{"map<string,int>", core.TypeMap, true},
		{"integer[]", core.TypeArray, true},
		{"_int4", core.TypeArray, true},
		{"jsonb", core.TypeJSON, true},
		{"uniqueidentifier", core.TypeUniqueIdentifier, true},
		{"LowCardinality(String)", core.TypeLowCardinality, true},
		{"frobnicator", core.TypeUnknown, false},
		{"", core.TypeUnknown, false},
	}
	for _, tt := range tests {
		got, ok := core.NormalizeType(tt.native)
		if got != tt.want || ok != tt.ok {
			t.Errorf("NormalizeType(%q) = %s, %v; want %s, %v", tt.native, got, ok, tt.want, tt.ok)
		}
	}
}

func TestArrayElementType(t *testing.T) {
	tests := map[string]core.DataType{
		"array<string>": core.TypeString,
		"text[]":        core.TypeText,
		"_int8":         core.TypeBigInt,
		"varchar":       "",
	}
	for native, want := range tests {
		if got := core.ArrayElementType(native); got != want {
			t.Errorf("ArrayElementType(%q) = %q, want %q", native, got, want)
		}
	}
}

func TestTypeParams(t *testing.T) {
	size, prec, scale := core.TypeParams("varchar(64)")
	if size == nil || *size != 64 || prec != nil || scale != nil {
		t.Errorf("varchar(64): size=%v prec=%v scale=%v", size, prec, scale)
	}

	size, prec, scale = core.TypeParams("decimal(12,3)")
	if size != nil || prec == nil || *prec != 12 || scale == nil || *scale != 3 {
		t.Errorf("decimal(12,3): size=%v prec=%v scale=%v", size, prec, scale)
	}

	size, prec, _ = core.TypeParams("number(9)")
	if size != nil || prec == nil || *prec != 9 {
		t.Errorf("number(9): size=%v prec=%v", size, prec)
	}

	size, prec, scale = core.TypeParams("text")
	if size != nil || prec != nil || scale != nil {
		t.Error("text should carry no parameters")
	}
}
