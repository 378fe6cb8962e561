// File path: internal/session/conditions.go
package session

import (
	"fmt"

	"github.com/neuropil/neuropil/internal/frame"
)

// fixedPresentationColumns are the timing, identity, and structural columns
// of a presentation table. Everything else is a stimulus parameter and takes
// part in condition deduplication.
var fixedPresentationColumns = map[string]struct{}{
	"stimulus_presentation_id": {},
	"start_time":               {},
	"stop_time":                {},
	"duration":                 {},
	"stimulus_block":           {},
	"stimulus_condition_id":    {},
}

// parameterColumns returns the free parameter columns in schema order,
// stimulus_name included.
func parameterColumns(f *frame.Frame) []string {
	var out []string
	for _, col := range f.Columns() {
		if _, fixed := fixedPresentationColumns[col]; fixed {
			continue
		}
		out = append(out, col)
	}
	return out
}

// normalizePresentations validates the fixed columns and fills derivable
// gaps: a missing duration column is added, and missing durations are
// recomputed from the timing bounds.
func normalizePresentations(raw *frame.Frame) (*frame.Frame, error) {
	if raw == nil {
		return nil, fmt.Errorf("presentations table required")
	}
	required := []struct {
		name string
		kind frame.Kind
	}{
		{"stimulus_presentation_id", frame.KindUint},
		{"start_time", frame.KindFloat},
		{"stop_time", frame.KindFloat},
		{"stimulus_name", frame.KindString},
	}
	for _, col := range required {
		kind, ok := raw.ColumnKind(col.name)
		if !ok {
			return nil, fmt.Errorf("presentations missing column %q", col.name)
		}
		if kind != col.kind {
			return nil, fmt.Errorf("presentations column %q is %s, want %s", col.name, kind, col.kind)
		}
	}

	out := raw.Clone()
	if !out.HasColumn("duration") {
		if err := out.AddColumn(frame.ColumnSpec{Name: "duration", Kind: frame.KindFloat}); err != nil {
			return nil, err
		}
	}
	if !out.HasColumn("stimulus_block") {
		if err := out.AddColumn(frame.ColumnSpec{Name: "stimulus_block", Kind: frame.KindFloat}); err != nil {
			return nil, err
		}
	}
	for i := 0; i < out.Len(); i++ {
		if _, ok := out.Float("duration", i); ok {
			continue
		}
		start, startOK := out.Float("start_time", i)
		stop, stopOK := out.Float("stop_time", i)
		if !startOK || !stopOK {
			continue
		}
		if err := out.SetCell("duration", i, stop-start); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// AssignConditions deduplicates the stimulus parameters of a presentation
// table. Missing numeric parameters are treated as +Inf and missing strings
// as empty, so rows missing the same fields coincide. Each unique parameter
// row gets a zero-based stimulus_condition_id in first-occurrence order,
// written back onto every presentation; the second result is the condition
// table itself, one row per condition in id order with original (unfilled)
// parameter cells.
func AssignConditions(presentations *frame.Frame) (*frame.Frame, *frame.Frame, error) {
	if presentations == nil {
		return nil, nil, fmt.Errorf("presentations table required")
	}
	if presentations.HasColumn("stimulus_condition_id") {
		return nil, nil, fmt.Errorf("presentations already carry stimulus_condition_id")
	}
	out := presentations.Clone()
	if err := out.AddColumn(frame.ColumnSpec{Name: "stimulus_condition_id", Kind: frame.KindUint}); err != nil {
		return nil, nil, err
	}
	params := parameterColumns(out)

	seen := make(map[string]uint64)
	var firstRows []int
	for i := 0; i < out.Len(); i++ {
		key, err := out.RowKey(params, i)
		if err != nil {
			return nil, nil, fmt.Errorf("deduplicate conditions: %w", err)
		}
		id, ok := seen[key]
		if !ok {
			id = uint64(len(seen))
			seen[key] = id
			firstRows = append(firstRows, i)
		}
		if err := out.SetCell("stimulus_condition_id", i, id); err != nil {
			return nil, nil, err
		}
	}

	specs := []frame.ColumnSpec{{Name: "stimulus_condition_id", Kind: frame.KindUint}}
	for _, col := range params {
		kind, _ := out.ColumnKind(col)
		specs = append(specs, frame.ColumnSpec{Name: col, Kind: kind})
	}
	conditions, err := frame.New(specs...)
	if err != nil {
		return nil, nil, err
	}
	for id, row := range firstRows {
		values := map[string]interface{}{"stimulus_condition_id": uint64(id)}
		for _, col := range params {
			if value, ok := out.Value(col, row); ok {
				values[col] = value
			}
		}
		if err := conditions.AppendRow(values); err != nil {
			return nil, nil, err
		}
	}
	return out, conditions, nil
}
