package core

import (
	"regexp"
	"strconv"
	"strings"
)

// DataType is the normalized column type shared by every connector.
type DataType string

const (
	TypeTinyInt           DataType = "TINYINT"
	TypeSmallInt          DataType = "SMALLINT"
	TypeMediumInt         DataType = "MEDIUMINT"
	TypeInt               DataType = "INT"
	TypeBigInt            DataType = "BIGINT"
	TypeLargeInt          DataType = "LARGEINT"
	TypeUInt              DataType = "UINT"
	TypeByteInt           DataType = "BYTEINT"
	TypeSerial            DataType = "SERIAL"
	TypeSmallSerial       DataType = "SMALLSERIAL"
	TypeBigSerial         DataType = "BIGSERIAL"
	TypeNumber            DataType = "NUMBER"
	TypeNumeric           DataType = "NUMERIC"
	TypeDecimal           DataType = "DECIMAL"
	TypeFloat             DataType = "FLOAT"
	TypeDouble            DataType = "DOUBLE"
	TypeReal              DataType = "REAL"
	TypeMoney             DataType = "MONEY"
	TypeSmallMoney        DataType = "SMALLMONEY"
	TypeBit               DataType = "BIT"
	TypeBoolean           DataType = "BOOLEAN"
	TypeChar              DataType = "CHAR"
	TypeNChar             DataType = "NCHAR"
	TypeVarchar           DataType = "VARCHAR"
	TypeNVarchar          DataType = "NVARCHAR"
	TypeString            DataType = "STRING"
	TypeText              DataType = "TEXT"
	TypeTinyText          DataType = "TINYTEXT"
	TypeMediumText        DataType = "MEDIUMTEXT"
	TypeLongText          DataType = "LONGTEXT"
	TypeNText             DataType = "NTEXT"
	TypeLong              DataType = "LONG"
	TypeClob              DataType = "CLOB"
	TypeNClob             DataType = "NCLOB"
	TypeBinary            DataType = "BINARY"
	TypeVarbinary         DataType = "VARBINARY"
	TypeBytes             DataType = "BYTES"
	TypeBytea             DataType = "BYTEA"
	TypeBlob              DataType = "BLOB"
	TypeTinyBlob          DataType = "TINYBLOB"
	TypeMediumBlob        DataType = "MEDIUMBLOB"
	TypeLongBlob          DataType = "LONGBLOB"
	TypeImage             DataType = "IMAGE"
	TypeRaw               DataType = "RAW"
	TypeLongRaw           DataType = "LONGRAW"
	TypeBFile             DataType = "BFILE"
	TypeDate              DataType = "DATE"
	TypeTime              DataType = "TIME"
	TypeTimeTZ            DataType = "TIMETZ"
	TypeDatetime          DataType = "DATETIME"
	TypeDatetime2         DataType = "DATETIME2"
	TypeDatetimeOffset    DataType = "DATETIMEOFFSET"
	TypeSmallDatetime     DataType = "SMALLDATETIME"
	TypeTimestamp         DataType = "TIMESTAMP"
	TypeTimestampTZ       DataType = "TIMESTAMPZ"
	TypeInterval          DataType = "INTERVAL"
	TypeYear              DataType = "YEAR"
	TypeArray             DataType = "ARRAY"
	TypeMap               DataType = "MAP"
	TypeStruct            DataType = "STRUCT"
	TypeUnion             DataType = "UNION"
	TypeObject            DataType = "OBJECT"
	TypeRecord            DataType = "RECORD"
	TypeTuple             DataType = "TUPLE"
	TypeSet               DataType = "SET"
	TypeEnum              DataType = "ENUM"
	TypeJSON              DataType = "JSON"
	TypeXML               DataType = "XML"
	TypeUUID              DataType = "UUID"
	TypeUniqueIdentifier  DataType = "UNIQUEIDENTIFIER"
	TypeVariant           DataType = "VARIANT"
	TypeSQLVariant        DataType = "SQL_VARIANT"
	TypeGeometry          DataType = "GEOMETRY"
	TypeGeography         DataType = "GEOGRAPHY"
	TypePoint             DataType = "POINT"
	TypePolygon           DataType = "POLYGON"
	TypeSpatial           DataType = "SPATIAL"
	TypeHierarchyID       DataType = "HIERARCHYID"
	TypeInet              DataType = "INET"
	TypeCIDR              DataType = "CIDR"
	TypeMacAddr           DataType = "MACADDR"
	TypeIPv4              DataType = "IPV4"
	TypeIPv6              DataType = "IPV6"
	TypeTSVector          DataType = "TSVECTOR"
	TypeTSQuery           DataType = "TSQUERY"
	TypePGLsn             DataType = "PG_LSN"
	TypePGSnapshot        DataType = "PG_SNAPSHOT"
	TypeTxidSnapshot      DataType = "TXID_SNAPSHOT"
	TypeRowID             DataType = "ROWID"
	TypeHLL               DataType = "HLL"
	TypeHLLSketch         DataType = "HLLSKETCH"
	TypeBitmap            DataType = "BITMAP"
	TypeQuantileState     DataType = "QUANTILE_STATE"
	TypeAggregateFunction DataType = "AGGREGATEFUNCTION"
	TypeLowCardinality    DataType = "LOWCARDINALITY"
	TypeFixed             DataType = "FIXED"
	TypeSuper             DataType = "SUPER"
	TypeNull              DataType = "NULL"
	TypeTable             DataType = "TABLE"
	TypeUnknown           DataType = "UNKNOWN"
)

// nativeTypes maps upper-cased, parameter-free native type names to the
// normalized enumeration.
var nativeTypes = map[string]DataType{
	// integers
	"TINYINT": TypeTinyInt, "INT1": TypeTinyInt, "INT8": TypeBigInt, "INT16": TypeSmallInt,
	"INT32": TypeInt, "INT64": TypeBigInt, "UINT8": TypeUInt, "UINT16": TypeUInt, "UINT32": TypeUInt,
	"UINT64": TypeUInt, "SMALLINT": TypeSmallInt, "INT2": TypeSmallInt, "MEDIUMINT": TypeMediumInt,
	"INT": TypeInt, "INTEGER": TypeInt, "INT4": TypeInt, "BIGINT": TypeBigInt, "LARGEINT": TypeLargeInt,
	"BYTEINT": TypeByteInt, "SERIAL": TypeSerial, "SERIAL4": TypeSerial, "SMALLSERIAL": TypeSmallSerial,
	"SERIAL2": TypeSmallSerial, "BIGSERIAL": TypeBigSerial, "SERIAL8": TypeBigSerial,
	"PLS_INTEGER": TypeInt, "BINARY_INTEGER": TypeInt, "LONG_TYPE": TypeBigInt,
	// exact and approximate numerics
	"NUMBER": TypeNumber, "NUMERIC": TypeNumeric, "DECIMAL": TypeDecimal, "DEC": TypeDecimal,
	"FLOAT": TypeFloat, "FLOAT4": TypeFloat, "FLOAT8": TypeDouble, "FLOAT32": TypeFloat,
	"FLOAT64": TypeDouble, "BINARY_FLOAT": TypeFloat, "BINARY_DOUBLE": TypeDouble,
	"DOUBLE": TypeDouble, "DOUBLE PRECISION": TypeDouble, "REAL": TypeReal, "MONEY": TypeMoney,
	"SMALLMONEY": TypeSmallMoney, "HALF_FLOAT": TypeFloat, "SCALED_FLOAT": TypeDouble,
	// boolean and bits
	"BIT": TypeBit, "BIT VARYING": TypeBit, "VARBIT": TypeBit, "BOOL": TypeBoolean, "BOOLEAN": TypeBoolean,
	// character
	"CHAR": TypeChar, "CHARACTER": TypeChar, "BPCHAR": TypeChar, "NCHAR": TypeNChar,
	"NATIONAL CHARACTER": TypeNChar, "VARCHAR": TypeVarchar, "CHARACTER VARYING": TypeVarchar,
	"VARCHAR2": TypeVarchar, "NVARCHAR": TypeNVarchar, "NVARCHAR2": TypeNVarchar,
	"NATIONAL CHARACTER VARYING": TypeNVarchar, "STRING": TypeString, "KEYWORD": TypeString,
	"CONSTANT_KEYWORD": TypeString, "WILDCARD": TypeString, "TEXT": TypeText, "MATCH_ONLY_TEXT": TypeText,
	"TINYTEXT": TypeTinyText, "MEDIUMTEXT": TypeMediumText, "LONGTEXT": TypeLongText,
	"NTEXT": TypeNText, "LONG": TypeLong, "CLOB": TypeClob, "NCLOB": TypeNClob, "CITEXT": TypeText,
	"NAME": TypeVarchar, "SYSNAME": TypeNVarchar,
	// binary
	"BINARY": TypeBinary, "VARBINARY": TypeVarbinary, "BYTES": TypeBytes, "BYTEA": TypeBytea,
	"BLOB": TypeBlob, "TINYBLOB": TypeTinyBlob, "MEDIUMBLOB": TypeMediumBlob,
	"LONGBLOB": TypeLongBlob, "IMAGE": TypeImage, "RAW": TypeRaw, "LONG RAW": TypeLongRaw,
	"BFILE": TypeBFile, "BYTE_ARRAY": TypeBytes, "FIXED_LEN_BYTE_ARRAY": TypeFixed,
	// temporal
	"DATE": TypeDate, "TIME": TypeTime, "TIME WITHOUT TIME ZONE": TypeTime,
	"TIME WITH TIME ZONE": TypeTimeTZ, "TIMETZ": TypeTimeTZ, "DATETIME": TypeDatetime,
	"DATETIME2": TypeDatetime2, "DATETIMEOFFSET": TypeDatetimeOffset,
	"SMALLDATETIME": TypeSmallDatetime, "TIMESTAMP": TypeTimestamp,
	"TIMESTAMP WITHOUT TIME ZONE": TypeTimestamp, "TIMESTAMP WITH TIME ZONE": TypeTimestampTZ,
	"TIMESTAMP WITH LOCAL TIME ZONE": TypeTimestampTZ, "TIMESTAMPTZ": TypeTimestampTZ,
	"TIMESTAMP_NTZ": TypeTimestamp, "TIMESTAMP_LTZ": TypeTimestampTZ, "TIMESTAMP_TZ": TypeTimestampTZ,
	"DATE_NANOS": TypeTimestamp, "INTERVAL": TypeInterval, "INTERVAL DAY TO SECOND": TypeInterval,
	"INTERVAL YEAR TO MONTH": TypeInterval, "YEAR": TypeYear, "INT96": TypeTimestamp,
	"DATETIME64": TypeDatetime,
	// structured
	"ARRAY": TypeArray, "MAP": TypeMap, "STRUCT": TypeStruct, "ROW": TypeStruct,
	"UNIONTYPE": TypeUnion, "UNION": TypeUnion, "OBJECT": TypeObject, "NESTED": TypeArray,
	"FLATTENED": TypeObject, "FLAT_OBJECT": TypeObject, "RECORD": TypeRecord, "TUPLE": TypeTuple,
	"SET": TypeSet, "ENUM": TypeEnum, "JSON": TypeJSON, "JSONB": TypeJSON, "XML": TypeXML,
	"XMLTYPE": TypeXML, "DOCUMENT": TypeObject, "COMPLEX": TypeStruct,
	// identifiers and misc
	"UUID": TypeUUID, "UNIQUEIDENTIFIER": TypeUniqueIdentifier, "OBJECTID": TypeString,
	"VARIANT": TypeVariant, "SQL_VARIANT": TypeSQLVariant, "GEOMETRY": TypeGeometry,
	"GEOGRAPHY": TypeGeography, "GEO_POINT": TypePoint, "GEO_SHAPE": TypeGeometry, "POINT": TypePoint,
	"POLYGON": TypePolygon, "LINESTRING": TypeGeometry, "MULTIPOLYGON": TypePolygon,
	"SDO_GEOMETRY": TypeSpatial, "SPATIAL": TypeSpatial, "HIERARCHYID": TypeHierarchyID,
	"INET": TypeInet, "IP": TypeInet, "CIDR": TypeCIDR, "MACADDR": TypeMacAddr, "MACADDR8": TypeMacAddr,
	"IPV4": TypeIPv4, "IPV6": TypeIPv6, "TSVECTOR": TypeTSVector, "TSQUERY": TypeTSQuery,
	"PG_LSN": TypePGLsn, "PG_SNAPSHOT": TypePGSnapshot, "TXID_SNAPSHOT": TypeTxidSnapshot,
	"ROWID": TypeRowID, "UROWID": TypeRowID, "HLL": TypeHLL, "HLLSKETCH": TypeHLLSketch,
	"BITMAP": TypeBitmap, "QUANTILE_STATE": TypeQuantileState,
	"AGGREGATEFUNCTION": TypeAggregateFunction, "LOWCARDINALITY": TypeLowCardinality,
	"FIXED": TypeFixed, "SUPER": TypeSuper, "NULL": TypeNull, "VOID": TypeNull, "TABLE": TypeTable,
	"OTHER": TypeUnknown, "ROWVERSION": TypeBinary,
	// document runtime types
	"INT32_BSON": TypeInt, "DOUBLE_BSON": TypeDouble, "REGEX": TypeString, "JAVASCRIPT": TypeString,
	"DECIMAL128": TypeDecimal, "BINDATA": TypeBinary, "MINKEY": TypeUnknown, "MAXKEY": TypeUnknown,
}

var paramsRe = regexp.MustCompile(`\([^)]*\)`)

// NormalizeType upper-cases a native type name, strips its parameters and
// looks it up in the static mapping. Unknown names map to UNKNOWN and ok=false.
func NormalizeType(native string) (dt DataType, ok bool) {
	base := baseTypeName(native)
	if base == "" {
		return TypeUnknown, false
	}
	if strings.HasSuffix(base, "[]") {
		return TypeArray, true
	}
	if dt, ok := nativeTypes[base]; ok {
		return dt, true
	}
	// Postgres array udt names carry a leading underscore.
	if strings.HasPrefix(base, "_") {
		if _, ok := nativeTypes[strings.TrimPrefix(base, "_")]; ok {
			return TypeArray, true
		}
	}
	// A modifier tail such as "UNSIGNED" or "IDENTITY" does not change the family.
	if i := strings.IndexByte(base, ' '); i > 0 {
		if dt, ok := nativeTypes[base[:i]]; ok {
			return dt, true
		}
	}
	return TypeUnknown, false
}

// ArrayElementType returns the element type of an array native type such as
// "ARRAY<STRING>", "integer[]" or the Postgres udt "_int4".
func ArrayElementType(native string) DataType {
	s := strings.ToUpper(strings.TrimSpace(native))
	switch {
	case strings.HasPrefix(s, "ARRAY<") && strings.HasSuffix(s, ">"):
		dt, _ := NormalizeType(s[len("ARRAY<") : len(s)-1])
		return dt
	case strings.HasSuffix(s, "[]"):
		dt, _ := NormalizeType(strings.TrimSuffix(s, "[]"))
		return dt
	case strings.HasPrefix(s, "_"):
		dt, _ := NormalizeType(strings.TrimPrefix(s, "_"))
		return dt
	}
	return ""
}

// TypeParams extracts size or precision/scale from a parameterized native
// type such as VARCHAR(255) or DECIMAL(10,2).
func TypeParams(native string) (size, precision, scale *int64) {
	m := paramsRe.FindString(native)
	if m == "" {
		return nil, nil, nil
	}
	parts := strings.Split(strings.Trim(m, "()"), ",")
	nums := make([]int64, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.ParseInt(strings.TrimSpace(p), 10, 64)
		if err != nil {
			return nil, nil, nil
		}
		nums = append(nums, n)
	}
	switch len(nums) {
	case 1:
		dt, _ := NormalizeType(native)
		if isNumeric(dt) {
			return nil, &nums[0], nil
		}
		return &nums[0], nil, nil
	case 2:
		return nil, &nums[0], &nums[1]
	}
	return nil, nil, nil
}

func isNumeric(dt DataType) bool {
	switch dt {
	case TypeNumber, TypeNumeric, TypeDecimal, TypeFloat, TypeDouble, TypeReal:
		return true
	}
	return false
}

func baseTypeName(native string) string {
	s := strings.ToUpper(strings.TrimSpace(native))
	if i := strings.IndexAny(s, "<"); i > 0 {
		s = s[:i]
	}
	s = paramsRe.ReplaceAllString(s, "")
	return strings.Join(strings.Fields(s), " ")
}
