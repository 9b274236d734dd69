package hive

import (
	"strings"

	"github.com/nucleus/collector/internal/core"
	"github.com/nucleus/collector/internal/endpoint"
)

// parseDescribeFormatted extracts columns, partition columns, the table
// comment and the table type from DESCRIBE FORMATTED output. The Thrift
// driver returns column metadata without comments, so this is the only
// source for them.
func parseDescribeFormatted(name string, rows [][]string) endpoint.TableRecord {
	rec := endpoint.TableRecord{Name: name, Kind: core.TableRegular}

	const (
		sectionColumns = iota
		sectionPartitions
		sectionDetail
		sectionParameters
		sectionOther
	)
	section := sectionColumns
	position := 0

	for _, row := range rows {
		first := cell(row, 0)
		second := cell(row, 1)
		third := cell(row, 2)

		switch {
		case strings.HasPrefix(first, "# Partition Information"):
			section = sectionPartitions
			continue
		case strings.HasPrefix(first, "# Detailed Table Information"),
			strings.HasPrefix(first, "# Detailed View Information"):
			section = sectionDetail
			continue
		case strings.HasPrefix(first, "# Storage Information"),
			strings.HasPrefix(first, "# View Information"),
			strings.HasPrefix(first, "# Constraints"):
			section = sectionOther
			continue
		case strings.HasPrefix(first, "#"):
			// "# col_name" header lines
			continue
		}

		switch section {
		case sectionColumns, sectionPartitions:
			if first == "" || isNull(second) {
				continue
			}
			position++
			rec.Columns = append(rec.Columns, hiveColumn(first, second, third, position))

		case sectionDetail, sectionParameters:
			if first == "" && section == sectionParameters {
				if strings.EqualFold(second, "comment") && !isNull(third) {
					rec.Description = third
				}
				continue
			}
			section = sectionDetail
			switch strings.TrimSuffix(first, ":") {
			case "Table Type":
				rec.Kind = core.ParseTableKind(second)
			case "Table Parameters", "View Parameters":
				section = sectionParameters
			}
		}
	}
	return rec
}

func hiveColumn(name, native, comment string, position int) core.Column {
	dt, _ := core.NormalizeType(native)
	col := core.Column{
		Name:       name,
		DataType:   dt,
		NativeType: native,
		Nullable:   true,
		Position:   position,
	}
	if !isNull(comment) {
		col.Description = comment
	}
	if dt == core.TypeArray {
		col.ArrayDataType = core.ArrayElementType(native)
	}
	col.Size, col.Precision, col.Scale = core.TypeParams(native)
	return col
}

func cell(row []string, i int) string {
	if i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

func isNull(s string) bool {
	return s == "" || strings.EqualFold(s, "NULL")
}
