// File path: internal/selection/set.go

// Package selection narrows a manifest table through chained predicate
// filters while keeping the full base table around for recovery. Filtering is
// monotonic: every filter works against the current working subset, so row
// counts only shrink until Refresh resets the set.
package selection

import (
	"errors"
	"fmt"

	"github.com/neuropil/neuropil/internal/common"
	"github.com/neuropil/neuropil/internal/frame"
)

// EmptyResultError reports that a filter chain eliminated every remaining
// row while the set was in restrictive mode.
type EmptyResultError struct {
	Filter string
}

func (e *EmptyResultError) Error() string {
	return fmt.Sprintf("filter %s eliminated all remaining rows; call Refresh to start over", e.Filter)
}

// Set holds a base table and its filtered working subset. In restrictive
// mode an emptied working table is reported as an error rather than served
// as a silent zero-row result.
type Set struct {
	base        *frame.Frame
	working     *frame.Frame
	restrictive bool
	lastFilter  string
}

func NewSet(base *frame.Frame, restrictive bool) (*Set, error) {
	if base == nil {
		return nil, errors.New("selection: base table required")
	}
	return &Set{base: base, working: base, restrictive: restrictive}, nil
}

// Len reports the current working row count.
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return s.working.Len()
}

// BaseLen reports the unfiltered row count.
func (s *Set) BaseLen() int {
	if s == nil {
		return 0
	}
	return s.base.Len()
}

// Refresh resets the working table to the full base table.
func (s *Set) Refresh() {
	if s == nil {
		return
	}
	s.working = s.base
	s.lastFilter = ""
	common.Logger().Debug("selection: refreshed", "rows", s.base.Len())
}

// Table returns the working table. In restrictive mode an empty working
// table returns the EmptyResultError naming the filter that emptied it.
func (s *Set) Table() (*frame.Frame, error) {
	if s == nil {
		return nil, errors.New("selection: set not initialised")
	}
	if s.restrictive && s.working.Len() == 0 && s.lastFilter != "" {
		return nil, &EmptyResultError{Filter: s.lastFilter}
	}
	return s.working, nil
}

// FilterEqual keeps rows whose cell equals the value. Missing cells never
// match.
func (s *Set) FilterEqual(col string, value interface{}) error {
	name := fmt.Sprintf("equal(%s=%v)", col, value)
	return s.apply(name, col, func(i int) bool {
		return matchValue(s.working, col, i, value)
	})
}

// FilterIn keeps rows whose cell equals any of the values.
func (s *Set) FilterIn(col string, values []interface{}) error {
	name := fmt.Sprintf("in(%s)", col)
	return s.apply(name, col, func(i int) bool {
		for _, value := range values {
			if matchValue(s.working, col, i, value) {
				return true
			}
		}
		return false
	})
}

// FilterContains keeps rows whose set-valued cell contains the value.
func (s *Set) FilterContains(col, value string) error {
	name := fmt.Sprintf("contains(%s=%s)", col, value)
	if s == nil || s.working == nil {
		return errors.New("selection: set not initialised")
	}
	if kind, ok := s.working.ColumnKind(col); !ok {
		return fmt.Errorf("filter %s: unknown column %q", name, col)
	} else if kind != frame.KindSet {
		return fmt.Errorf("filter %s: column %q is %s, want %s", name, col, kind, frame.KindSet)
	}
	return s.apply(name, col, func(i int) bool {
		members, ok := s.working.Set(col, i)
		if !ok {
			return false
		}
		for _, member := range members {
			if member == value {
				return true
			}
		}
		return false
	})
}

// FilterMin keeps rows whose numeric cell is at least the bound.
func (s *Set) FilterMin(col string, bound float64) error {
	name := fmt.Sprintf("min(%s=%v)", col, bound)
	return s.applyNumeric(name, col, func(v float64) bool { return v >= bound })
}

// FilterMax keeps rows whose numeric cell is at most the bound.
func (s *Set) FilterMax(col string, bound float64) error {
	name := fmt.Sprintf("max(%s=%v)", col, bound)
	return s.applyNumeric(name, col, func(v float64) bool { return v <= bound })
}

func (s *Set) apply(name, col string, keep func(i int) bool) error {
	if s == nil || s.working == nil {
		return errors.New("selection: set not initialised")
	}
	if !s.working.HasColumn(col) {
		return fmt.Errorf("filter %s: unknown column %q", name, col)
	}
	rows := make([]int, 0, s.working.Len())
	for i := 0; i < s.working.Len(); i++ {
		if keep(i) {
			rows = append(rows, i)
		}
	}
	next, err := s.working.Select(rows)
	if err != nil {
		return fmt.Errorf("filter %s: %w", name, err)
	}
	s.working = next
	s.lastFilter = name
	common.Logger().Debug("selection: filter applied", "filter", name, "rows", next.Len())
	if s.restrictive && next.Len() == 0 {
		return &EmptyResultError{Filter: name}
	}
	return nil
}

func (s *Set) applyNumeric(name, col string, keep func(v float64) bool) error {
	if s == nil || s.working == nil {
		return errors.New("selection: set not initialised")
	}
	kind, ok := s.working.ColumnKind(col)
	if !ok {
		return fmt.Errorf("filter %s: unknown column %q", name, col)
	}
	switch kind {
	case frame.KindFloat, frame.KindInt, frame.KindUint:
	default:
		return fmt.Errorf("filter %s: column %q is %s, want a numeric kind", name, col, kind)
	}
	return s.apply(name, col, func(i int) bool {
		v, ok := numericCell(s.working, col, i)
		return ok && keep(v)
	})
}

func numericCell(f *frame.Frame, col string, i int) (float64, bool) {
	kind, _ := f.ColumnKind(col)
	switch kind {
	case frame.KindFloat:
		return f.Float(col, i)
	case frame.KindInt:
		if v, ok := f.Int(col, i); ok {
			return float64(v), true
		}
	case frame.KindUint:
		if v, ok := f.Uint(col, i); ok {
			return float64(v), true
		}
	}
	return 0, false
}

func matchValue(f *frame.Frame, col string, i int, want interface{}) bool {
	kind, ok := f.ColumnKind(col)
	if !ok {
		return false
	}
	switch kind {
	case frame.KindString:
		got, ok := f.Str(col, i)
		w, wok := want.(string)
		return ok && wok && got == w
	case frame.KindUint:
		got, ok := f.Uint(col, i)
		w, wok := toUint(want)
		return ok && wok && got == w
	case frame.KindInt:
		got, ok := f.Int(col, i)
		w, wok := toInt(want)
		return ok && wok && got == w
	case frame.KindFloat:
		got, ok := f.Float(col, i)
		w, wok := toFloat(want)
		return ok && wok && got == w
	case frame.KindBool:
		got, ok := f.Bool(col, i)
		w, wok := want.(bool)
		return ok && wok && got == w
	}
	return false
}

func toUint(v interface{}) (uint64, bool) {
	switch x := v.(type) {
	case uint64:
		return x, true
	case uint:
		return uint64(x), true
	case int:
		if x >= 0 {
			return uint64(x), true
		}
	case int64:
		if x >= 0 {
			return uint64(x), true
		}
	}
	return 0, false
}

func toInt(v interface{}) (int64, bool) {
	switch x := v.(type) {
	case int64:
		return x, true
	case int:
		return int64(x), true
	case uint64:
		if x <= 1<<62 {
			return int64(x), true
		}
	}
	return 0, false
}

func toFloat(v interface{}) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint64:
		return float64(x), true
	}
	return 0, false
}
