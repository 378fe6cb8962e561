// File path: internal/session/histogram.go
package session

import (
	"fmt"
	"sort"

	"github.com/neuropil/neuropil/internal/common"
	"github.com/neuropil/neuropil/internal/common/telemetry"
	"github.com/neuropil/neuropil/internal/frame"
)

// BinEdgeError reports a malformed binning domain: either the relative bin
// edges themselves (Presentation < 0) or one presentation's absolute time
// grid. Index is the offending edge.
type BinEdgeError struct {
	Presentation int64
	Index        int
}

func (e *BinEdgeError) Error() string {
	if e.Presentation < 0 {
		return fmt.Sprintf("bin edges must increase strictly: edge %d does not", e.Index)
	}
	return fmt.Sprintf("time domain for presentation %d is not increasing at edge %d", e.Presentation, e.Index)
}

// CountOptions tunes the histogram builder. The zero value counts spikes
// with warnings only.
type CountOptions struct {
	// Binarize clamps every bin to 0 or 1 spike.
	Binarize bool
	// Strict turns the overlapping-window warning into an error.
	Strict bool
	// LargeBinThreshold is the bin width above which binarizing warns about
	// spike-accuracy loss. Zero means the 250ms default.
	LargeBinThreshold float64
}

const defaultLargeBinThreshold = 0.25

// SpikeCounts is the binned histogram: Counts is indexed by
// [presentation][bin][unit], aligned with PresentationIDs, BinCenters, and
// UnitIDs.
type SpikeCounts struct {
	PresentationIDs []uint64
	UnitIDs         []uint64
	BinCenters      []float64
	Counts          [][][]int
}

// PresentationwiseSpikeCounts bins each unit's spikes into per-presentation
// windows. Bin edges are offsets from stimulus onset and must increase
// strictly; each bin is half-open, closed on the left edge and open on the
// right. Overlapping presentation windows warn, or fail in strict mode.
func PresentationwiseSpikeCounts(presentations *frame.Frame, spikes map[uint64][]float64, binEdges []float64, presentationIDs, unitIDs []uint64, opts CountOptions) (*SpikeCounts, error) {
	if presentations == nil {
		return nil, fmt.Errorf("presentations table required")
	}
	if len(binEdges) < 2 {
		return nil, fmt.Errorf("at least two bin edges required, got %d", len(binEdges))
	}
	for i := 1; i < len(binEdges); i++ {
		if !(binEdges[i] > binEdges[i-1]) {
			return nil, &BinEdgeError{Presentation: -1, Index: i}
		}
	}

	var wanted map[uint64]struct{}
	if presentationIDs != nil {
		wanted = make(map[uint64]struct{}, len(presentationIDs))
		for _, id := range presentationIDs {
			wanted[id] = struct{}{}
		}
	}
	var ids []uint64
	var domains [][]float64
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
		onset, ok := presentations.Float("start_time", i)
		if !ok {
			return nil, fmt.Errorf("presentation %d has no start time", id)
		}
		domain := make([]float64, len(binEdges))
		for j, edge := range binEdges {
			domain[j] = onset + edge
		}
		for j := 1; j < len(domain); j++ {
			if !(domain[j] >= domain[j-1]) {
				return nil, &BinEdgeError{Presentation: int64(id), Index: j}
			}
		}
		ids = append(ids, id)
		domains = append(domains, domain)
	}
	if len(wanted) > 0 {
		for _, id := range presentationIDs {
			if _, miss := wanted[id]; miss {
				return nil, fmt.Errorf("presentation %d not in table", id)
			}
		}
	}

	overlaps := 0
	for p := 1; p < len(domains); p++ {
		if domains[p][0] < domains[p-1][len(binEdges)-1] {
			overlaps++
			if opts.Strict {
				return nil, fmt.Errorf("binning windows overlap: presentation %d begins before presentation %d ends", ids[p], ids[p-1])
			}
		}
	}
	if overlaps > 0 {
		common.Logger().Warn("session: binning windows overlap between presentations",
			"overlaps", overlaps, "bins", len(binEdges)-1)
	}

	if opts.Binarize {
		threshold := opts.LargeBinThreshold
		if threshold <= 0 {
			threshold = defaultLargeBinThreshold
		}
		widest := 0.0
		for i := 1; i < len(binEdges); i++ {
			if width := binEdges[i] - binEdges[i-1]; width > widest {
				widest = width
			}
		}
		if widest > threshold {
			common.Logger().Warn("session: binarizing with wide bins loses spike counts",
				"widest_bin", widest, "threshold", threshold)
		}
	}

	if err := telemetry.CheckMemoryBudget("session.spike_counts"); err != nil {
		return nil, err
	}

	units := selectUnits(spikes, unitIDs)
	bins := len(binEdges) - 1
	counts := make([][][]int, len(ids))
	for p := range ids {
		counts[p] = make([][]int, bins)
		for b := 0; b < bins; b++ {
			counts[p][b] = make([]int, len(units))
		}
	}
	for u, unit := range units {
		train := spikes[unit]
		for p := range ids {
			domain := domains[p]
			for b := 0; b < bins; b++ {
				lo := sort.SearchFloat64s(train, domain[b])
				hi := sort.SearchFloat64s(train, domain[b+1])
				n := hi - lo
				if opts.Binarize && n > 1 {
					n = 1
				}
				counts[p][b][u] = n
			}
		}
	}

	centers := make([]float64, bins)
	for i := 0; i < bins; i++ {
		centers[i] = (binEdges[i] + binEdges[i+1]) / 2
	}
	return &SpikeCounts{
		PresentationIDs: ids,
		UnitIDs:         units,
		BinCenters:      centers,
		Counts:          counts,
	}, nil
}
