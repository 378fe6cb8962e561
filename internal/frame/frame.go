// File path: internal/frame/frame.go
package frame

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Kind identifies the declared value type of a column. Every column carries
// exactly one kind and one canonical missing representation, tracked by a
// validity mask rather than by sentinel values.
type Kind string

const (
	KindFloat  Kind = "float64"
	KindInt    Kind = "int64"
	KindUint   Kind = "uint64"
	KindString Kind = "string"
	KindSet    Kind = "stringset"
	KindBool   Kind = "bool"
	KindTime   Kind = "time"
)

// ColumnSpec names a column and its kind.
type ColumnSpec struct {
	Name string
	Kind Kind
}

type column struct {
	kind Kind

	floats []float64
	ints   []int64
	uints  []uint64
	strs   []string
	sets   [][]string
	bools  []bool
	times  []time.Time

	valid []bool
}

// Frame is an ordered collection of equally sized named columns.
type Frame struct {
	specs []ColumnSpec
	cols  []*column
	index map[string]int
	rows  int
}

// New constructs an empty frame with the given column schema.
func New(specs ...ColumnSpec) (*Frame, error) {
	f := &Frame{index: make(map[string]int, len(specs))}
	for _, spec := range specs {
		if err := f.addColumn(spec); err != nil {
			return nil, err
		}
	}
	return f, nil
}

func validKind(k Kind) bool {
	switch k {
	case KindFloat, KindInt, KindUint, KindString, KindSet, KindBool, KindTime:
		return true
	}
	return false
}

func (f *Frame) addColumn(spec ColumnSpec) error {
	name := strings.TrimSpace(spec.Name)
	if name == "" {
		return fmt.Errorf("column name required")
	}
	if !validKind(spec.Kind) {
		return fmt.Errorf("column %s: unknown kind %q", name, spec.Kind)
	}
	if _, ok := f.index[name]; ok {
		return fmt.Errorf("column %s: duplicate name", name)
	}
	col := &column{kind: spec.Kind}
	col.grow(spec.Kind, f.rows)
	f.index[name] = len(f.cols)
	f.cols = append(f.cols, col)
	f.specs = append(f.specs, ColumnSpec{Name: name, Kind: spec.Kind})
	return nil
}

func (c *column) grow(kind Kind, n int) {
	switch kind {
	case KindFloat:
		c.floats = append(c.floats, make([]float64, n)...)
	case KindInt:
		c.ints = append(c.ints, make([]int64, n)...)
	case KindUint:
		c.uints = append(c.uints, make([]uint64, n)...)
	case KindString:
		c.strs = append(c.strs, make([]string, n)...)
	case KindSet:
		c.sets = append(c.sets, make([][]string, n)...)
	case KindBool:
		c.bools = append(c.bools, make([]bool, n)...)
	case KindTime:
		c.times = append(c.times, make([]time.Time, n)...)
	}
	c.valid = append(c.valid, make([]bool, n)...)
}

// AddColumn appends a new column to the schema, filled missing for existing
// rows.
func (f *Frame) AddColumn(spec ColumnSpec) error {
	if f == nil {
		return fmt.Errorf("frame not initialized")
	}
	return f.addColumn(spec)
}

// Len returns the number of rows.
func (f *Frame) Len() int {
	if f == nil {
		return 0
	}
	return f.rows
}

// Columns returns the column names in schema order.
func (f *Frame) Columns() []string {
	if f == nil {
		return nil
	}
	out := make([]string, len(f.specs))
	for i, spec := range f.specs {
		out[i] = spec.Name
	}
	return out
}

// Schema returns a copy of the column specs in schema order.
func (f *Frame) Schema() []ColumnSpec {
	if f == nil {
		return nil
	}
	out := make([]ColumnSpec, len(f.specs))
	copy(out, f.specs)
	return out
}

// HasColumn reports whether the named column exists.
func (f *Frame) HasColumn(name string) bool {
	if f == nil {
		return false
	}
	_, ok := f.index[name]
	return ok
}

// ColumnKind reports the kind of the named column.
func (f *Frame) ColumnKind(name string) (Kind, bool) {
	if f == nil {
		return "", false
	}
	pos, ok := f.index[name]
	if !ok {
		return "", false
	}
	return f.specs[pos].Kind, true
}

// AppendRow appends one row. Keys must name schema columns; absent keys and
// nil values produce missing cells, and a value of the wrong Go type is an
// error.
func (f *Frame) AppendRow(values map[string]interface{}) error {
	if f == nil {
		return fmt.Errorf("frame not initialized")
	}
	for key := range values {
		if _, ok := f.index[key]; !ok {
			return fmt.Errorf("append row: unknown column %q", key)
		}
	}
	for pos, spec := range f.specs {
		col := f.cols[pos]
		col.grow(spec.Kind, 1)
		value, ok := values[spec.Name]
		if !ok || value == nil {
			continue
		}
		if err := col.set(spec, f.rows, value); err != nil {
			return err
		}
	}
	f.rows++
	return nil
}

func (c *column) set(spec ColumnSpec, i int, value interface{}) error {
	switch spec.Kind {
	case KindFloat:
		v, ok := value.(float64)
		if !ok {
			return fmt.Errorf("column %s: expected float64, got %T", spec.Name, value)
		}
		c.floats[i] = v
	case KindInt:
		v, ok := value.(int64)
		if !ok {
			return fmt.Errorf("column %s: expected int64, got %T", spec.Name, value)
		}
		c.ints[i] = v
	case KindUint:
		v, ok := value.(uint64)
		if !ok {
			return fmt.Errorf("column %s: expected uint64, got %T", spec.Name, value)
		}
		c.uints[i] = v
	case KindString:
		v, ok := value.(string)
		if !ok {
			return fmt.Errorf("column %s: expected string, got %T", spec.Name, value)
		}
		c.strs[i] = v
	case KindSet:
		v, ok := value.([]string)
		if !ok {
			return fmt.Errorf("column %s: expected []string, got %T", spec.Name, value)
		}
		c.sets[i] = append([]string(nil), v...)
	case KindBool:
		v, ok := value.(bool)
		if !ok {
			return fmt.Errorf("column %s: expected bool, got %T", spec.Name, value)
		}
		c.bools[i] = v
	case KindTime:
		v, ok := value.(time.Time)
		if !ok {
			return fmt.Errorf("column %s: expected time.Time, got %T", spec.Name, value)
		}
		c.times[i] = v.UTC()
	default:
		return fmt.Errorf("column %s: unknown kind %q", spec.Name, spec.Kind)
	}
	c.valid[i] = true
	return nil
}

// SetCell assigns a value to an existing cell. A nil value clears it.
func (f *Frame) SetCell(name string, i int, value interface{}) error {
	if f == nil {
		return fmt.Errorf("frame not initialized")
	}
	pos, ok := f.index[name]
	if !ok {
		return fmt.Errorf("set cell: unknown column %q", name)
	}
	if i < 0 || i >= f.rows {
		return fmt.Errorf("set cell: row %d out of range", i)
	}
	if value == nil {
		f.cols[pos].valid[i] = false
		return nil
	}
	return f.cols[pos].set(f.specs[pos], i, value)
}

// ClearCell marks a cell missing.
func (f *Frame) ClearCell(name string, i int) error {
	return f.SetCell(name, i, nil)
}

// Float reads a float cell; ok is false when the cell is missing, the column
// absent, or of another kind.
func (f *Frame) Float(name string, i int) (float64, bool) {
	col, ok := f.cell(name, i, KindFloat)
	if !ok {
		return 0, false
	}
	return col.floats[i], true
}

// Int reads an int cell.
func (f *Frame) Int(name string, i int) (int64, bool) {
	col, ok := f.cell(name, i, KindInt)
	if !ok {
		return 0, false
	}
	return col.ints[i], true
}

// Uint reads an unsigned cell.
func (f *Frame) Uint(name string, i int) (uint64, bool) {
	col, ok := f.cell(name, i, KindUint)
	if !ok {
		return 0, false
	}
	return col.uints[i], true
}

// Str reads a string cell.
func (f *Frame) Str(name string, i int) (string, bool) {
	col, ok := f.cell(name, i, KindString)
	if !ok {
		return "", false
	}
	return col.strs[i], true
}

// Set reads a string-set cell.
func (f *Frame) Set(name string, i int) ([]string, bool) {
	col, ok := f.cell(name, i, KindSet)
	if !ok {
		return nil, false
	}
	return append([]string(nil), col.sets[i]...), true
}

// Bool reads a bool cell.
func (f *Frame) Bool(name string, i int) (bool, bool) {
	col, ok := f.cell(name, i, KindBool)
	if !ok {
		return false, false
	}
	return col.bools[i], true
}

// Time reads a timestamp cell.
func (f *Frame) Time(name string, i int) (time.Time, bool) {
	col, ok := f.cell(name, i, KindTime)
	if !ok {
		return time.Time{}, false
	}
	return col.times[i], true
}

// Value reads a cell as an untyped value; ok is false only when the cell is
// missing or the column absent.
func (f *Frame) Value(name string, i int) (interface{}, bool) {
	if f == nil {
		return nil, false
	}
	pos, ok := f.index[name]
	if !ok || i < 0 || i >= f.rows {
		return nil, false
	}
	col := f.cols[pos]
	if !col.valid[i] {
		return nil, false
	}
	switch f.specs[pos].Kind {
	case KindFloat:
		return col.floats[i], true
	case KindInt:
		return col.ints[i], true
	case KindUint:
		return col.uints[i], true
	case KindString:
		return col.strs[i], true
	case KindSet:
		return append([]string(nil), col.sets[i]...), true
	case KindBool:
		return col.bools[i], true
	case KindTime:
		return col.times[i], true
	}
	return nil, false
}

func (f *Frame) cell(name string, i int, kind Kind) (*column, bool) {
	if f == nil {
		return nil, false
	}
	pos, ok := f.index[name]
	if !ok || f.specs[pos].Kind != kind || i < 0 || i >= f.rows {
		return nil, false
	}
	col := f.cols[pos]
	if !col.valid[i] {
		return nil, false
	}
	return col, true
}

// Floats returns a copy of a float column's values and validity mask.
func (f *Frame) Floats(name string) ([]float64, []bool, error) {
	if f == nil {
		return nil, nil, fmt.Errorf("frame not initialized")
	}
	pos, ok := f.index[name]
	if !ok {
		return nil, nil, fmt.Errorf("column %q not found", name)
	}
	if f.specs[pos].Kind != KindFloat {
		return nil, nil, fmt.Errorf("column %q is %s, not %s", name, f.specs[pos].Kind, KindFloat)
	}
	col := f.cols[pos]
	values := make([]float64, f.rows)
	valid := make([]bool, f.rows)
	copy(values, col.floats)
	copy(valid, col.valid)
	return values, valid, nil
}

// Uints returns a copy of an unsigned column's values and validity mask.
func (f *Frame) Uints(name string) ([]uint64, []bool, error) {
	if f == nil {
		return nil, nil, fmt.Errorf("frame not initialized")
	}
	pos, ok := f.index[name]
	if !ok {
		return nil, nil, fmt.Errorf("column %q not found", name)
	}
	if f.specs[pos].Kind != KindUint {
		return nil, nil, fmt.Errorf("column %q is %s, not %s", name, f.specs[pos].Kind, KindUint)
	}
	col := f.cols[pos]
	values := make([]uint64, f.rows)
	valid := make([]bool, f.rows)
	copy(values, col.uints)
	copy(valid, col.valid)
	return values, valid, nil
}

// Clone returns a deep copy of the frame.
func (f *Frame) Clone() *Frame {
	if f == nil {
		return nil
	}
	rows := make([]int, f.rows)
	for i := range rows {
		rows[i] = i
	}
	clone, _ := f.Select(rows)
	return clone
}

// Select returns a new frame containing the referenced rows in order.
func (f *Frame) Select(rows []int) (*Frame, error) {
	if f == nil {
		return nil, fmt.Errorf("frame not initialized")
	}
	out, err := New(f.specs...)
	if err != nil {
		return nil, err
	}
	for _, r := range rows {
		if r < 0 || r >= f.rows {
			return nil, fmt.Errorf("select: row %d out of range", r)
		}
	}
	for pos, spec := range f.specs {
		src := f.cols[pos]
		dst := out.cols[pos]
		dst.grow(spec.Kind, len(rows))
		for di, r := range rows {
			if !src.valid[r] {
				continue
			}
			dst.valid[di] = true
			switch spec.Kind {
			case KindFloat:
				dst.floats[di] = src.floats[r]
			case KindInt:
				dst.ints[di] = src.ints[r]
			case KindUint:
				dst.uints[di] = src.uints[r]
			case KindString:
				dst.strs[di] = src.strs[r]
			case KindSet:
				dst.sets[di] = append([]string(nil), src.sets[r]...)
			case KindBool:
				dst.bools[di] = src.bools[r]
			case KindTime:
				dst.times[di] = src.times[r]
			}
		}
	}
	out.rows = len(rows)
	return out, nil
}

// Concat returns a new frame holding the rows of f followed by the rows of
// other. The schema is the union of both schemas; columns absent on one side
// are filled missing, and a column present on both sides with different
// kinds is an error.
func (f *Frame) Concat(other *Frame) (*Frame, error) {
	if f == nil {
		return nil, fmt.Errorf("frame not initialized")
	}
	if other == nil {
		return f.Clone(), nil
	}
	specs := append([]ColumnSpec(nil), f.specs...)
	for _, spec := range other.specs {
		pos, ok := f.index[spec.Name]
		if !ok {
			specs = append(specs, spec)
			continue
		}
		if f.specs[pos].Kind != spec.Kind {
			return nil, fmt.Errorf("concat: column %q is %s on one side and %s on the other", spec.Name, f.specs[pos].Kind, spec.Kind)
		}
	}
	out, err := New(specs...)
	if err != nil {
		return nil, err
	}
	if err := out.copyRows(f); err != nil {
		return nil, err
	}
	if err := out.copyRows(other); err != nil {
		return nil, err
	}
	return out, nil
}

func (f *Frame) copyRows(src *Frame) error {
	offset := f.rows
	for pos, spec := range f.specs {
		f.cols[pos].grow(spec.Kind, src.rows)
	}
	f.rows += src.rows
	for _, spec := range src.specs {
		pos := f.index[spec.Name]
		srcCol := src.cols[src.index[spec.Name]]
		dst := f.cols[pos]
		for i := 0; i < src.rows; i++ {
			if !srcCol.valid[i] {
				continue
			}
			dst.valid[offset+i] = true
			switch spec.Kind {
			case KindFloat:
				dst.floats[offset+i] = srcCol.floats[i]
			case KindInt:
				dst.ints[offset+i] = srcCol.ints[i]
			case KindUint:
				dst.uints[offset+i] = srcCol.uints[i]
			case KindString:
				dst.strs[offset+i] = srcCol.strs[i]
			case KindSet:
				dst.sets[offset+i] = append([]string(nil), srcCol.sets[i]...)
			case KindBool:
				dst.bools[offset+i] = srcCol.bools[i]
			case KindTime:
				dst.times[offset+i] = srcCol.times[i]
			}
		}
	}
	return nil
}

// SortedBy returns a new frame with rows stably ordered by the named column
// ascending. Missing cells sort last.
func (f *Frame) SortedBy(name string) (*Frame, error) {
	if f == nil {
		return nil, fmt.Errorf("frame not initialized")
	}
	pos, ok := f.index[name]
	if !ok {
		return nil, fmt.Errorf("sort: column %q not found", name)
	}
	col := f.cols[pos]
	kind := f.specs[pos].Kind
	perm := make([]int, f.rows)
	for i := range perm {
		perm[i] = i
	}
	less := func(a, b int) bool {
		va, vb := col.valid[a], col.valid[b]
		if va != vb {
			return va
		}
		if !va {
			return false
		}
		switch kind {
		case KindFloat:
			return col.floats[a] < col.floats[b]
		case KindInt:
			return col.ints[a] < col.ints[b]
		case KindUint:
			return col.uints[a] < col.uints[b]
		case KindString:
			return col.strs[a] < col.strs[b]
		case KindTime:
			return col.times[a].Before(col.times[b])
		default:
			return false
		}
	}
	switch kind {
	case KindFloat, KindInt, KindUint, KindString, KindTime:
	default:
		return nil, fmt.Errorf("sort: column %q kind %s not orderable", name, kind)
	}
	sort.SliceStable(perm, func(i, j int) bool { return less(perm[i], perm[j]) })
	return f.Select(perm)
}

// DistinctStrings returns the distinct non-missing values of a string column
// in first-occurrence order.
func (f *Frame) DistinctStrings(name string) ([]string, error) {
	if f == nil {
		return nil, fmt.Errorf("frame not initialized")
	}
	pos, ok := f.index[name]
	if !ok {
		return nil, fmt.Errorf("column %q not found", name)
	}
	if f.specs[pos].Kind != KindString {
		return nil, fmt.Errorf("column %q is %s, not %s", name, f.specs[pos].Kind, KindString)
	}
	col := f.cols[pos]
	seen := make(map[string]struct{})
	var out []string
	for i := 0; i < f.rows; i++ {
		if !col.valid[i] {
			continue
		}
		if _, ok := seen[col.strs[i]]; ok {
			continue
		}
		seen[col.strs[i]] = struct{}{}
		out = append(out, col.strs[i])
	}
	return out, nil
}

// DistinctSetValues returns the sorted union of values held by a string-set
// column.
func (f *Frame) DistinctSetValues(name string) ([]string, error) {
	if f == nil {
		return nil, fmt.Errorf("frame not initialized")
	}
	pos, ok := f.index[name]
	if !ok {
		return nil, fmt.Errorf("column %q not found", name)
	}
	if f.specs[pos].Kind != KindSet {
		return nil, fmt.Errorf("column %q is %s, not %s", name, f.specs[pos].Kind, KindSet)
	}
	col := f.cols[pos]
	seen := make(map[string]struct{})
	for i := 0; i < f.rows; i++ {
		if !col.valid[i] {
			continue
		}
		for _, v := range col.sets[i] {
			seen[v] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for v := range seen {
		out = append(out, v)
	}
	sort.Strings(out)
	return out, nil
}

// RowKey encodes the referenced cells into a comparable key. Missing numeric
// cells encode as +Inf and missing strings as the empty string, so two rows
// that are missing the same fields compare equal.
func (f *Frame) RowKey(cols []string, i int) (string, error) {
	if f == nil {
		return "", fmt.Errorf("frame not initialized")
	}
	if i < 0 || i >= f.rows {
		return "", fmt.Errorf("row key: row %d out of range", i)
	}
	var b strings.Builder
	for n, name := range cols {
		pos, ok := f.index[name]
		if !ok {
			return "", fmt.Errorf("row key: column %q not found", name)
		}
		if n > 0 {
			b.WriteByte(0x1f)
		}
		col := f.cols[pos]
		if !col.valid[i] {
			switch f.specs[pos].Kind {
			case KindFloat, KindInt, KindUint:
				b.WriteString("+Inf")
			default:
			}
			continue
		}
		switch f.specs[pos].Kind {
		case KindFloat:
			b.WriteString(strconv.FormatFloat(col.floats[i], 'g', -1, 64))
		case KindInt:
			b.WriteString(strconv.FormatInt(col.ints[i], 10))
		case KindUint:
			b.WriteString(strconv.FormatUint(col.uints[i], 10))
		case KindString:
			b.WriteString(col.strs[i])
		case KindSet:
			b.WriteString(strings.Join(col.sets[i], ","))
		case KindBool:
			b.WriteString(strconv.FormatBool(col.bools[i]))
		case KindTime:
			b.WriteString(col.times[i].UTC().Format(time.RFC3339Nano))
		}
	}
	return b.String(), nil
}

// FloatOrInf reads a float cell treating missing as +Inf.
func (f *Frame) FloatOrInf(name string, i int) float64 {
	if v, ok := f.Float(name, i); ok {
		return v
	}
	return math.Inf(1)
}
