// File path: internal/session/spikes.go
package session

import (
	"fmt"
	"sort"

	"github.com/neuropil/neuropil/internal/frame"
)

type presentationWindow struct {
	id    uint64
	start float64
	stop  float64
}

// selectWindows returns the timing windows of the requested presentations
// sorted by start time. A nil id slice selects every presentation.
func selectWindows(presentations *frame.Frame, presentationIDs []uint64) ([]presentationWindow, error) {
	var wanted map[uint64]struct{}
	if presentationIDs != nil {
		wanted = make(map[uint64]struct{}, len(presentationIDs))
		for _, id := range presentationIDs {
			wanted[id] = struct{}{}
		}
	}
	var windows []presentationWindow
	for i := 0; i < presentations.Len(); i++ {
		id, ok := presentations.Uint("stimulus_presentation_id", i)
		if !ok {
			return nil, fmt.Errorf("presentation id missing at row %d", i)
		}
		if wanted != nil {
			if _, want := wanted[id]; !want {
				continue
			}
			delete(wanted, id)
		}
		start, startOK := presentations.Float("start_time", i)
		stop, stopOK := presentations.Float("stop_time", i)
		if !startOK || !stopOK {
			return nil, fmt.Errorf("presentation %d has no timing", id)
		}
		if stop < start {
			return nil, fmt.Errorf("presentation %d stops before it starts", id)
		}
		windows = append(windows, presentationWindow{id: id, start: start, stop: stop})
	}
	if len(wanted) > 0 {
		for _, id := range presentationIDs {
			if _, miss := wanted[id]; miss {
				return nil, fmt.Errorf("presentation %d not in table", id)
			}
		}
	}
	sort.SliceStable(windows, func(i, j int) bool { return windows[i].start < windows[j].start })
	return windows, nil
}

// selectUnits returns the requested unit ids in deterministic order. A nil
// slice selects every unit with a spike train, ascending.
func selectUnits(spikes map[uint64][]float64, unitIDs []uint64) []uint64 {
	if unitIDs != nil {
		return unitIDs
	}
	units := make([]uint64, 0, len(spikes))
	for unit := range spikes {
		units = append(units, unit)
	}
	sort.Slice(units, func(i, j int) bool { return units[i] < units[j] })
	return units
}

// PresentationwiseSpikeTimes assigns each spike to the presentation whose
// window contains it. The windows flatten into one ascending boundary
// sequence; a left-biased search locates each spike, and only spikes landing
// in an even slot (inside a window rather than a gap) are kept. A spike at a
// window's exact start belongs to the preceding slot, one at the exact stop
// is included. Rows are (spike_time, unit_id, stimulus_presentation_id,
// time_since_stimulus_presentation_onset) sorted by spike time; no match
// yields an empty, correctly typed table.
func PresentationwiseSpikeTimes(presentations *frame.Frame, spikes map[uint64][]float64, presentationIDs, unitIDs []uint64) (*frame.Frame, error) {
	if presentations == nil {
		return nil, fmt.Errorf("presentations table required")
	}
	out, err := frame.New(
		frame.ColumnSpec{Name: "spike_time", Kind: frame.KindFloat},
		frame.ColumnSpec{Name: "unit_id", Kind: frame.KindUint},
		frame.ColumnSpec{Name: "stimulus_presentation_id", Kind: frame.KindUint},
		frame.ColumnSpec{Name: "time_since_stimulus_presentation_onset", Kind: frame.KindFloat},
	)
	if err != nil {
		return nil, err
	}
	windows, err := selectWindows(presentations, presentationIDs)
	if err != nil {
		return nil, fmt.Errorf("presentationwise spike times: %w", err)
	}
	if len(windows) == 0 {
		return out, nil
	}

	boundaries := make([]float64, 0, len(windows)*2)
	for w, window := range windows {
		if len(boundaries) > 0 && window.start < boundaries[len(boundaries)-1] {
			return nil, fmt.Errorf("presentationwise spike times: window %d (presentation %d) overlaps its predecessor", w, window.id)
		}
		boundaries = append(boundaries, window.start, window.stop)
	}

	type assigned struct {
		time         float64
		unit         uint64
		presentation uint64
		sinceOnset   float64
	}
	var rows []assigned
	for _, unit := range selectUnits(spikes, unitIDs) {
		for _, t := range spikes[unit] {
			slot := sort.SearchFloat64s(boundaries, t) - 1
			if slot < 0 || slot%2 != 0 {
				continue
			}
			window := windows[slot/2]
			rows = append(rows, assigned{
				time:         t,
				unit:         unit,
				presentation: window.id,
				sinceOnset:   t - window.start,
			})
		}
	}
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].time != rows[j].time {
			return rows[i].time < rows[j].time
		}
		return rows[i].unit < rows[j].unit
	})

	for _, row := range rows {
		err := out.AppendRow(map[string]interface{}{
			"spike_time":               row.time,
			"unit_id":                  row.unit,
			"stimulus_presentation_id": row.presentation,
			"time_since_stimulus_presentation_onset": row.sinceOnset,
		})
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}
