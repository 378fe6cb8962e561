// File path: internal/sessionfile/frames.go
package sessionfile

import (
	"fmt"
	"sort"
	"strings"

	"github.com/neuropil/neuropil/internal/frame"
	"github.com/neuropil/neuropil/internal/warehouse"
)

// inferKind picks a column kind from its first non-null value. Identifier
// names always decode unsigned. A column of nothing but nulls defaults to
// float so its missing cells still have a home.
func inferKind(name string, values []interface{}) frame.Kind {
	if name == "id" || strings.HasSuffix(name, "_id") {
		return frame.KindUint
	}
	for _, value := range values {
		switch value.(type) {
		case nil:
			continue
		case string:
			return frame.KindString
		case bool:
			return frame.KindBool
		default:
			return frame.KindFloat
		}
	}
	return frame.KindFloat
}

// columnarFrame builds a frame from name-to-array columns. All arrays must
// agree on length; kinds gives fixed column kinds and everything else is
// inferred. Null columns are treated as absent.
func columnarFrame(cols map[string][]interface{}, kinds map[string]frame.Kind) (*frame.Frame, error) {
	names := make([]string, 0, len(cols))
	rows := -1
	for name, values := range cols {
		if values == nil {
			continue
		}
		if rows < 0 {
			rows = len(values)
		} else if len(values) != rows {
			return nil, fmt.Errorf("column %q has %d values, want %d", name, len(values), rows)
		}
		names = append(names, name)
	}
	sort.Strings(names)

	specs := make([]frame.ColumnSpec, 0, len(names))
	for _, name := range names {
		kind, fixed := kinds[name]
		if !fixed {
			kind = inferKind(name, cols[name])
		}
		specs = append(specs, frame.ColumnSpec{Name: name, Kind: kind})
	}

	if rows < 0 {
		rows = 0
	}
	transposed := make([]warehouse.Row, rows)
	for i := range transposed {
		row := make(warehouse.Row, len(names))
		for _, name := range names {
			if value := cols[name][i]; value != nil {
				row[name] = value
			}
		}
		transposed[i] = row
	}
	return warehouse.BuildFrame(transposed, specs)
}

// rowsFrame builds a frame from row objects, unioning their keys into one
// schema.
func rowsFrame(rows []map[string]interface{}, kinds map[string]frame.Kind) (*frame.Frame, error) {
	byName := make(map[string][]interface{})
	for _, row := range rows {
		for name, value := range row {
			if _, seen := byName[name]; !seen {
				byName[name] = nil
			}
			if value != nil {
				byName[name] = append(byName[name], value)
			}
		}
	}
	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	sort.Strings(names)

	specs := make([]frame.ColumnSpec, 0, len(names))
	for _, name := range names {
		kind, fixed := kinds[name]
		if !fixed {
			kind = inferKind(name, byName[name])
		}
		specs = append(specs, frame.ColumnSpec{Name: name, Kind: kind})
	}

	converted := make([]warehouse.Row, len(rows))
	for i, row := range rows {
		converted[i] = warehouse.Row(row)
	}
	return warehouse.BuildFrame(converted, specs)
}
