package hdfs

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/xitongsys/parquet-go-source/buffer"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/reader"

	"github.com/nucleus/collector/internal/core"
)

// parquetMagic opens and closes every Parquet file.
var parquetMagic = []byte("PAR1")

// tailSize is the trailing footer length field plus the magic.
const tailSize = 8

// footerLength validates the last 8 bytes of a Parquet file and returns the
// length of the Thrift-encoded footer that precedes them.
func footerLength(tail []byte) (int64, error) {
	if len(tail) != tailSize || !bytes.Equal(tail[4:], parquetMagic) {
		return 0, fmt.Errorf("not a parquet file")
	}
	return int64(binary.LittleEndian.Uint32(tail[:4])), nil
}

// decodeFooter parses a file suffix holding the footer, its length and the
// trailing magic. Only the footer is decoded; row groups are never read.
func decodeFooter(suffix []byte) (*parquet.FileMetaData, error) {
	pf, err := buffer.NewBufferFile(suffix)
	if err != nil {
		return nil, err
	}
	pr := &reader.ParquetReader{PFile: pf}
	if err := pr.ReadFooter(); err != nil {
		return nil, fmt.Errorf("read parquet footer: %w", err)
	}
	return pr.Footer, nil
}

// SchemaColumns converts a flattened Parquet schema into columns. Groups
// become STRUCT columns followed by their children named parent>child; LIST
// and MAP groups collapse into a single ARRAY or MAP column.
func SchemaColumns(elems []*parquet.SchemaElement) []core.Column {
	if len(elems) == 0 {
		return nil
	}
	w := &schemaWalker{elems: elems, pos: 1}
	for i := int32(0); i < elems[0].GetNumChildren() && w.pos < len(elems); i++ {
		w.field("")
	}
	return w.cols
}

type schemaWalker struct {
	elems []*parquet.SchemaElement
	pos   int
	cols  []core.Column
}

// field consumes one element and its subtree.
func (w *schemaWalker) field(prefix string) {
	e := w.elems[w.pos]
	w.pos++
	name := e.GetName()
	if prefix != "" {
		name = prefix + ">" + name
	}
	col := core.Column{
		Name:     name,
		Nullable: e.GetRepetitionType() == parquet.FieldRepetitionType_OPTIONAL,
	}

	if e.GetNumChildren() == 0 {
		col.DataType, col.NativeType = leafType(e)
		if col.DataType == core.TypeDecimal {
			col.Precision, col.Scale = int64Ptr(e.GetPrecision()), int64Ptr(e.GetScale())
		}
		if e.GetType() == parquet.Type_FIXED_LEN_BYTE_ARRAY && col.DataType == core.TypeBinary {
			col.Size = int64Ptr(e.GetTypeLength())
		}
		if e.GetRepetitionType() == parquet.FieldRepetitionType_REPEATED {
			col.ArrayDataType, col.DataType = col.DataType, core.TypeArray
			col.NativeType = "repeated " + col.NativeType
		}
		w.add(col)
		return
	}

	switch {
	case isList(e):
		col.DataType, col.NativeType = core.TypeArray, "LIST"
		col.ArrayDataType = w.listElement()
		w.add(col)
	case isMap(e):
		col.DataType, col.NativeType = core.TypeMap, "MAP"
		w.skip(e.GetNumChildren())
		w.add(col)
	default:
		col.DataType, col.NativeType = core.TypeStruct, "group"
		if e.GetRepetitionType() == parquet.FieldRepetitionType_REPEATED {
			col.DataType, col.ArrayDataType = core.TypeArray, core.TypeStruct
		}
		w.add(col)
		for i := int32(0); i < e.GetNumChildren() && w.pos < len(w.elems); i++ {
			w.field(name)
		}
	}
}

func (w *schemaWalker) add(col core.Column) {
	col.Position = len(w.cols) + 1
	w.cols = append(w.cols, col)
}

// listElement consumes the repeated wrapper of a LIST group and returns the
// element type. Both the three-level and the legacy two-level layout occur.
func (w *schemaWalker) listElement() core.DataType {
	if w.pos >= len(w.elems) {
		return core.TypeUnknown
	}
	rep := w.elems[w.pos]
	w.pos++
	if rep.GetNumChildren() == 0 {
		dt, _ := leafType(rep)
		return dt
	}
	if rep.GetNumChildren() != 1 {
		w.skip(rep.GetNumChildren())
		return core.TypeStruct
	}
	elem := w.elems[w.pos]
	w.pos++
	if elem.GetNumChildren() > 0 {
		w.skip(elem.GetNumChildren())
		return core.TypeStruct
	}
	dt, _ := leafType(elem)
	return dt
}

// skip consumes n sibling subtrees.
func (w *schemaWalker) skip(n int32) {
	for i := int32(0); i < n && w.pos < len(w.elems); i++ {
		e := w.elems[w.pos]
		w.pos++
		w.skip(e.GetNumChildren())
	}
}

func isList(e *parquet.SchemaElement) bool {
	return (e.IsSetConvertedType() && e.GetConvertedType() == parquet.ConvertedType_LIST) ||
		(e.LogicalType != nil && e.LogicalType.IsSetLIST())
}

func isMap(e *parquet.SchemaElement) bool {
	if e.IsSetConvertedType() {
		ct := e.GetConvertedType()
		if ct == parquet.ConvertedType_MAP || ct == parquet.ConvertedType_MAP_KEY_VALUE {
			return true
		}
	}
	return e.LogicalType != nil && e.LogicalType.IsSetMAP()
}

// leafType maps a primitive element to a data type and a display name such
// as "INT64 (TIMESTAMP_MILLIS)".
func leafType(e *parquet.SchemaElement) (core.DataType, string) {
	physical := e.GetType()
	native := physical.String()
	var converted parquet.ConvertedType = -1
	if e.IsSetConvertedType() {
		converted = e.GetConvertedType()
		native += " (" + converted.String() + ")"
	}
	lt := e.LogicalType

	switch {
	case converted == parquet.ConvertedType_DECIMAL || (lt != nil && lt.IsSetDECIMAL()):
		return core.TypeDecimal, native
	case converted == parquet.ConvertedType_DATE || (lt != nil && lt.IsSetDATE()):
		return core.TypeDate, native
	case converted == parquet.ConvertedType_TIMESTAMP_MILLIS, converted == parquet.ConvertedType_TIMESTAMP_MICROS,
		lt != nil && lt.IsSetTIMESTAMP():
		return core.TypeTimestamp, native
	case converted == parquet.ConvertedType_TIME_MILLIS, converted == parquet.ConvertedType_TIME_MICROS,
		lt != nil && lt.IsSetTIME():
		return core.TypeTime, native
	case converted == parquet.ConvertedType_JSON || (lt != nil && lt.IsSetJSON()):
		return core.TypeJSON, native
	case lt != nil && lt.IsSetUUID():
		return core.TypeUUID, native
	case converted == parquet.ConvertedType_UTF8, converted == parquet.ConvertedType_ENUM,
		lt != nil && (lt.IsSetSTRING() || lt.IsSetENUM()):
		return core.TypeString, native
	case converted == parquet.ConvertedType_INT_8:
		return core.TypeTinyInt, native
	case converted == parquet.ConvertedType_INT_16:
		return core.TypeSmallInt, native
	case converted == parquet.ConvertedType_UINT_8, converted == parquet.ConvertedType_UINT_16,
		converted == parquet.ConvertedType_UINT_32, converted == parquet.ConvertedType_UINT_64:
		return core.TypeUInt, native
	case converted == parquet.ConvertedType_INTERVAL:
		return core.TypeInterval, native
	}

	switch physical {
	case parquet.Type_BOOLEAN:
		return core.TypeBoolean, native
	case parquet.Type_INT32:
		return core.TypeInt, native
	case parquet.Type_INT64:
		return core.TypeBigInt, native
	case parquet.Type_INT96:
		return core.TypeTimestamp, native
	case parquet.Type_FLOAT:
		return core.TypeFloat, native
	case parquet.Type_DOUBLE:
		return core.TypeDouble, native
	case parquet.Type_BYTE_ARRAY, parquet.Type_FIXED_LEN_BYTE_ARRAY:
		return core.TypeBinary, native
	}
	return core.TypeUnknown, native
}

func int64Ptr(v int32) *int64 {
	n := int64(v)
	return &n
}
