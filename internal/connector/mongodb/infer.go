package mongodb

import (
	"sort"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/nucleus/collector/internal/core"
)

// Separator joins embedded field names, matching the Elasticsearch connector.
const Separator = ">"

// bsonType pairs a BSON $type alias with its normalized data type.
type bsonType struct {
	name string
	dt   core.DataType
}

var (
	typeNull      = bsonType{"null", core.TypeNull}
	typeString    = bsonType{"string", core.TypeString}
	typeInt       = bsonType{"int", core.TypeInt}
	typeLong      = bsonType{"long", core.TypeBigInt}
	typeDouble    = bsonType{"double", core.TypeDouble}
	typeDecimal   = bsonType{"decimal", core.TypeDecimal}
	typeBool      = bsonType{"bool", core.TypeBoolean}
	typeDate      = bsonType{"date", core.TypeTimestamp}
	typeTimestamp = bsonType{"timestamp", core.TypeTimestamp}
	typeObjectID  = bsonType{"objectId", core.TypeString}
	typeBinary    = bsonType{"binData", core.TypeBinary}
	typeObject    = bsonType{"object", core.TypeObject}
	typeArray     = bsonType{"array", core.TypeArray}
	typeRegex     = bsonType{"regex", core.TypeString}
	typeJS        = bsonType{"javascript", core.TypeString}
	typeUnknown   = bsonType{"unknown", core.TypeUnknown}
)

func typeOf(v any) bsonType {
	switch v.(type) {
	case nil, primitive.Null, primitive.Undefined:
		return typeNull
	case string, primitive.Symbol:
		return typeString
	case int32:
		return typeInt
	case int64, int:
		return typeLong
	case float64, float32:
		return typeDouble
	case primitive.Decimal128:
		return typeDecimal
	case bool:
		return typeBool
	case primitive.DateTime:
		return typeDate
	case primitive.Timestamp:
		return typeTimestamp
	case primitive.ObjectID:
		return typeObjectID
	case primitive.Binary:
		return typeBinary
	case bson.D, bson.M, map[string]any:
		return typeObject
	case bson.A, []any:
		return typeArray
	case primitive.Regex:
		return typeRegex
	case primitive.JavaScript, primitive.CodeWithScope:
		return typeJS
	}
	return typeUnknown
}

// fieldStats accumulates the runtime types seen for one field path.
type fieldStats struct {
	types    map[bsonType]int
	elements map[bsonType]int
	seen     int
	// inArray marks fields reached through an array of documents.
	inArray bool
}

// inference builds a column list from sampled documents. Field order is
// first-seen order across the sample.
type inference struct {
	fields map[string]*fieldStats
	order  []string
	docs   int
}

func newInference() *inference {
	return &inference{fields: map[string]*fieldStats{}}
}

// InferColumns computes the most common runtime type of every field path in
// docs, recursing into embedded documents and arrays of documents.
func InferColumns(docs []bson.D) []core.Column {
	inf := newInference()
	for _, doc := range docs {
		inf.docs++
		inf.observe("", entries(doc), false)
	}
	return inf.columns()
}

func (inf *inference) stats(path string, inArray bool) *fieldStats {
	s, ok := inf.fields[path]
	if !ok {
		s = &fieldStats{types: map[bsonType]int{}, elements: map[bsonType]int{}}
		inf.fields[path] = s
		inf.order = append(inf.order, path)
	}
	if inArray {
		s.inArray = true
	}
	return s
}

func (inf *inference) observe(prefix string, doc []bson.E, inArray bool) {
	for _, e := range doc {
		path := e.Key
		if prefix != "" {
			path = prefix + Separator + e.Key
		}
		s := inf.stats(path, inArray)
		s.seen++
		t := typeOf(e.Value)
		s.types[t]++

		switch t {
		case typeObject:
			inf.observe(path, entries(e.Value), inArray)
		case typeArray:
			for _, elem := range elements(e.Value) {
				et := typeOf(elem)
				s.elements[et]++
				if et == typeObject {
					inf.observe(path, entries(elem), true)
				}
			}
		}
	}
}

func (inf *inference) columns() []core.Column {
	out := make([]core.Column, 0, len(inf.order))
	for i, path := range inf.order {
		s := inf.fields[path]
		t := mostCommon(s.types)
		col := core.Column{
			Name:       path,
			DataType:   t.dt,
			NativeType: t.name,
			Nullable:   s.types[typeNull] > 0 || (!s.inArray && s.seen < inf.docs),
			Position:   i + 1,
		}
		switch {
		case t == typeArray:
			col.ArrayDataType = mostCommon(s.elements).dt
		case s.inArray:
			col.ArrayDataType = t.dt
		}
		if path == "_id" {
			col.PrimaryKey = true
			col.Unique = true
			col.Nullable = false
		}
		out = append(out, col)
	}
	return out
}

// mostCommon picks the highest count, ignoring nulls unless nothing else was
// seen. Ties resolve by type name so the result is deterministic.
func mostCommon(counts map[bsonType]int) bsonType {
	candidates := make([]bsonType, 0, len(counts))
	for t := range counts {
		if t != typeNull {
			candidates = append(candidates, t)
		}
	}
	if len(candidates) == 0 {
		if counts[typeNull] > 0 {
			return typeNull
		}
		return typeUnknown
	}
	sort.Slice(candidates, func(i, j int) bool {
		ci, cj := counts[candidates[i]], counts[candidates[j]]
		if ci != cj {
			return ci > cj
		}
		return candidates[i].name < candidates[j].name
	})
	return candidates[0]
}

func entries(v any) []bson.E {
	switch d := v.(type) {
	case bson.D:
		return d
	case bson.M:
		return sortedEntries(d)
	case map[string]any:
		return sortedEntries(d)
	}
	return nil
}

func sortedEntries(m map[string]any) []bson.E {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]bson.E, 0, len(keys))
	for _, k := range keys {
		out = append(out, bson.E{Key: k, Value: m[k]})
	}
	return out
}

func elements(v any) []any {
	switch a := v.(type) {
	case bson.A:
		return a
	case []any:
		return a
	}
	return nil
}
