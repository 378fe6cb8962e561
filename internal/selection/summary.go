// File path: internal/selection/summary.go
package selection

import (
	"fmt"
	"sort"

	"github.com/neuropil/neuropil/internal/frame"
)

// Crosstab is a two-dimensional count table over the working rows, with row
// and column totals. Rows with a missing value in either dimension are not
// counted.
type Crosstab struct {
	RowDim string
	ColDim string

	RowLabels []string
	ColLabels []string

	Counts    map[string]map[string]int
	RowTotals map[string]int
	ColTotals map[string]int
	Total     int
}

// Count reads one cell of the cross-tabulation.
func (c *Crosstab) Count(row, col string) int {
	if c == nil || c.Counts[row] == nil {
		return 0
	}
	return c.Counts[row][col]
}

// Summary cross-tabulates the current working table by two string-valued
// dimensions.
func (s *Set) Summary(rowDim, colDim string) (*Crosstab, error) {
	working, err := s.Table()
	if err != nil {
		return nil, err
	}
	for _, dim := range []string{rowDim, colDim} {
		kind, ok := working.ColumnKind(dim)
		if !ok {
			return nil, fmt.Errorf("summary: unknown column %q", dim)
		}
		if kind != frame.KindString {
			return nil, fmt.Errorf("summary: column %q is %s, want %s", dim, kind, frame.KindString)
		}
	}

	tab := &Crosstab{
		RowDim:    rowDim,
		ColDim:    colDim,
		Counts:    make(map[string]map[string]int),
		RowTotals: make(map[string]int),
		ColTotals: make(map[string]int),
	}
	for i := 0; i < working.Len(); i++ {
		row, rowOK := working.Str(rowDim, i)
		col, colOK := working.Str(colDim, i)
		if !rowOK || !colOK {
			continue
		}
		cells := tab.Counts[row]
		if cells == nil {
			cells = make(map[string]int)
			tab.Counts[row] = cells
		}
		cells[col]++
		tab.RowTotals[row]++
		tab.ColTotals[col]++
		tab.Total++
	}
	for row := range tab.RowTotals {
		tab.RowLabels = append(tab.RowLabels, row)
	}
	for col := range tab.ColTotals {
		tab.ColLabels = append(tab.ColLabels, col)
	}
	sort.Strings(tab.RowLabels)
	sort.Strings(tab.ColLabels)
	return tab, nil
}

// StimulusNames returns the distinct session types present in the working
// table, in first-occurrence order.
func (s *Set) StimulusNames() ([]string, error) {
	working, err := s.Table()
	if err != nil {
		return nil, err
	}
	return working.DistinctStrings("session_type")
}

// StructureAcronyms returns the distinct recording structures present in the
// working table. Set-valued acronym columns yield their sorted union; plain
// string columns yield first-occurrence order.
func (s *Set) StructureAcronyms() ([]string, error) {
	working, err := s.Table()
	if err != nil {
		return nil, err
	}
	for _, col := range []string{"structure_acronyms", "ecephys_structure_acronym", "targeted_structure"} {
		kind, ok := working.ColumnKind(col)
		if !ok {
			continue
		}
		if kind == frame.KindSet {
			return working.DistinctSetValues(col)
		}
		return working.DistinctStrings(col)
	}
	return nil, fmt.Errorf("summary: no structure column in table")
}

// GeneticLines returns the distinct genetic-line labels present in the
// working table, in first-occurrence order.
func (s *Set) GeneticLines() ([]string, error) {
	working, err := s.Table()
	if err != nil {
		return nil, err
	}
	for _, col := range []string{"genotype", "cre_line"} {
		if working.HasColumn(col) {
			return working.DistinctStrings(col)
		}
	}
	return nil, fmt.Errorf("summary: no genetic line column in table")
}
