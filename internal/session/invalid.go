// File path: internal/session/invalid.go
package session

import (
	"fmt"
	"math"

	"github.com/neuropil/neuropil/internal/frame"
)

// InvalidPresentationName replaces the stimulus name of masked
// presentations.
const InvalidPresentationName = "invalid_presentation"

// stimulusTag marks invalid intervals that affect stimulus data. Intervals
// tagged only with probe names mask nothing here.
const stimulusTag = "stimulus"

// Overlaps reports whether two closed intervals intersect. Shared endpoints
// count as overlap.
func Overlaps(a0, a1, b0, b1 float64) bool {
	return math.Max(a0, b0) <= math.Min(a1, b1)
}

func tagged(interval InvalidInterval, tag string) bool {
	for _, t := range interval.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// MaskInvalidPresentations blanks every presentation whose time span
// overlaps a stimulus-tagged invalid interval. Masked rows keep their id and
// timing columns; all other cells become missing and the stimulus name is
// replaced with the invalid-presentation marker. Returns the masked table
// and how many rows were affected.
func MaskInvalidPresentations(presentations *frame.Frame, invalid []InvalidInterval) (*frame.Frame, int, error) {
	if presentations == nil {
		return nil, 0, fmt.Errorf("presentations table required")
	}
	stimulusIntervals := make([]InvalidInterval, 0, len(invalid))
	for _, interval := range invalid {
		if tagged(interval, stimulusTag) {
			stimulusIntervals = append(stimulusIntervals, interval)
		}
	}
	out := presentations.Clone()
	if len(stimulusIntervals) == 0 {
		return out, 0, nil
	}

	preserved := map[string]struct{}{
		"stimulus_presentation_id": {},
		"start_time":               {},
		"stop_time":                {},
		"duration":                 {},
	}
	masked := 0
	for i := 0; i < out.Len(); i++ {
		start, startOK := out.Float("start_time", i)
		stop, stopOK := out.Float("stop_time", i)
		if !startOK || !stopOK {
			continue
		}
		hit := false
		for _, interval := range stimulusIntervals {
			if Overlaps(start, stop, interval.Start, interval.Stop) {
				hit = true
				break
			}
		}
		if !hit {
			continue
		}
		for _, col := range out.Columns() {
			if _, keep := preserved[col]; keep {
				continue
			}
			if err := out.ClearCell(col, i); err != nil {
				return nil, 0, err
			}
		}
		if err := out.SetCell("stimulus_name", i, InvalidPresentationName); err != nil {
			return nil, 0, err
		}
		masked++
	}
	return out, masked, nil
}
