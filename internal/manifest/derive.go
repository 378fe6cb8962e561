// File path: internal/manifest/derive.go
package manifest

import (
	"fmt"
	"sort"

	"github.com/neuropil/neuropil/internal/frame"
)

// CountOwned writes onto each parent row the number of child rows whose
// foreign key matches the parent key. A parent with no children gets an
// explicit zero; the cell stays missing only when the parent key itself is
// missing.
func CountOwned(parent, child *frame.Frame, parentKey, childFK, newCol string) error {
	fks, fkValid, err := child.Uints(childFK)
	if err != nil {
		return fmt.Errorf("count owned: %w", err)
	}
	counts := make(map[uint64]int64)
	for i, fk := range fks {
		if fkValid[i] {
			counts[fk]++
		}
	}
	if err := parent.AddColumn(frame.ColumnSpec{Name: newCol, Kind: frame.KindInt}); err != nil {
		return fmt.Errorf("count owned: %w", err)
	}
	keys, keyValid, err := parent.Uints(parentKey)
	if err != nil {
		return fmt.Errorf("count owned: %w", err)
	}
	for i, key := range keys {
		if !keyValid[i] {
			continue
		}
		if err := parent.SetCell(newCol, i, counts[key]); err != nil {
			return fmt.Errorf("count owned: %w", err)
		}
	}
	return nil
}

// GroupedUniques writes onto each parent row the sorted distinct non-missing
// values of a child column among its children. Parents whose children carry
// no values at all get an empty set, not a missing cell.
func GroupedUniques(parent, child *frame.Frame, parentKey, childFK, childCol, newCol string) error {
	if kind, ok := child.ColumnKind(childCol); !ok {
		return fmt.Errorf("grouped uniques: child table has no column %q", childCol)
	} else if kind != frame.KindString {
		return fmt.Errorf("grouped uniques: column %q is %s, want %s", childCol, kind, frame.KindString)
	}
	fks, fkValid, err := child.Uints(childFK)
	if err != nil {
		return fmt.Errorf("grouped uniques: %w", err)
	}
	groups := make(map[uint64]map[string]struct{})
	for i, fk := range fks {
		if !fkValid[i] {
			continue
		}
		value, ok := child.Str(childCol, i)
		if !ok {
			continue
		}
		members := groups[fk]
		if members == nil {
			members = make(map[string]struct{})
			groups[fk] = members
		}
		members[value] = struct{}{}
	}
	if err := parent.AddColumn(frame.ColumnSpec{Name: newCol, Kind: frame.KindSet}); err != nil {
		return fmt.Errorf("grouped uniques: %w", err)
	}
	keys, keyValid, err := parent.Uints(parentKey)
	if err != nil {
		return fmt.Errorf("grouped uniques: %w", err)
	}
	for i, key := range keys {
		if !keyValid[i] {
			continue
		}
		members := make([]string, 0, len(groups[key]))
		for value := range groups[key] {
			members = append(members, value)
		}
		sort.Strings(members)
		if err := parent.SetCell(newCol, i, members); err != nil {
			return fmt.Errorf("grouped uniques: %w", err)
		}
	}
	return nil
}

// InheritColumn copies a parent column onto each child row by following the
// child's foreign key. Orphaned children and missing parent cells leave the
// new cell missing.
func InheritColumn(child, parent *frame.Frame, childFK, parentKey, col, newCol string) error {
	kind, ok := parent.ColumnKind(col)
	if !ok {
		return fmt.Errorf("inherit column: parent table has no column %q", col)
	}
	keys, keyValid, err := parent.Uints(parentKey)
	if err != nil {
		return fmt.Errorf("inherit column: %w", err)
	}
	lookup := make(map[uint64]int, len(keys))
	for i, key := range keys {
		if keyValid[i] {
			lookup[key] = i
		}
	}
	if err := child.AddColumn(frame.ColumnSpec{Name: newCol, Kind: kind}); err != nil {
		return fmt.Errorf("inherit column: %w", err)
	}
	fks, fkValid, err := child.Uints(childFK)
	if err != nil {
		return fmt.Errorf("inherit column: %w", err)
	}
	for i, fk := range fks {
		if !fkValid[i] {
			continue
		}
		parentRow, ok := lookup[fk]
		if !ok {
			continue
		}
		value, ok := parent.Value(col, parentRow)
		if !ok {
			continue
		}
		if err := child.SetCell(newCol, i, value); err != nil {
			return fmt.Errorf("inherit column: %w", err)
		}
	}
	return nil
}

// keepRows returns the subset of rows for which keep reports true, in their
// original order.
func keepRows(f *frame.Frame, keep func(i int) bool) (*frame.Frame, error) {
	rows := make([]int, 0, f.Len())
	for i := 0; i < f.Len(); i++ {
		if keep(i) {
			rows = append(rows, i)
		}
	}
	return f.Select(rows)
}

// idSet collects the present values of an unsigned id column.
func idSet(f *frame.Frame, col string) (map[uint64]struct{}, error) {
	ids, valid, err := f.Uints(col)
	if err != nil {
		return nil, err
	}
	out := make(map[uint64]struct{}, len(ids))
	for i, id := range ids {
		if valid[i] {
			out[id] = struct{}{}
		}
	}
	return out, nil
}

// uniqueIDs verifies that no present value of an id column repeats.
func uniqueIDs(f *frame.Frame, col string) error {
	ids, valid, err := f.Uints(col)
	if err != nil {
		return err
	}
	seen := make(map[uint64]struct{}, len(ids))
	for i, id := range ids {
		if !valid[i] {
			continue
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("duplicate id %d", id)
		}
		seen[id] = struct{}{}
	}
	return nil
}
