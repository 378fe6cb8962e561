// File path: internal/session/intervals.go
package session

import (
	"fmt"

	"github.com/neuropil/neuropil/internal/frame"
)

// InterPresentationIntervals returns the gap between every pair of
// consecutive presentations in id order: interval i is the next
// presentation's start minus this one's stop. A pair with missing timing
// keeps its key but leaves the interval missing.
func InterPresentationIntervals(presentations *frame.Frame) (*frame.Frame, error) {
	if presentations == nil {
		return nil, fmt.Errorf("presentations table required")
	}
	ordered, err := presentations.SortedBy("stimulus_presentation_id")
	if err != nil {
		return nil, fmt.Errorf("inter-presentation intervals: %w", err)
	}
	out, err := frame.New(
		frame.ColumnSpec{Name: "from_presentation_id", Kind: frame.KindUint},
		frame.ColumnSpec{Name: "to_presentation_id", Kind: frame.KindUint},
		frame.ColumnSpec{Name: "interval", Kind: frame.KindFloat},
	)
	if err != nil {
		return nil, err
	}
	for i := 0; i+1 < ordered.Len(); i++ {
		from, fromOK := ordered.Uint("stimulus_presentation_id", i)
		to, toOK := ordered.Uint("stimulus_presentation_id", i+1)
		if !fromOK || !toOK {
			return nil, fmt.Errorf("inter-presentation intervals: presentation id missing at row %d", i)
		}
		values := map[string]interface{}{
			"from_presentation_id": from,
			"to_presentation_id":   to,
		}
		stop, stopOK := ordered.Float("stop_time", i)
		start, startOK := ordered.Float("start_time", i+1)
		if stopOK && startOK {
			values["interval"] = start - stop
		}
		if err := out.AppendRow(values); err != nil {
			return nil, err
		}
	}
	return out, nil
}
