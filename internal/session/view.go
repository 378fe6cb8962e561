// File path: internal/session/view.go

// Package session exposes the per-session derived values of one recording
// session: normalized stimulus presentations, spike alignment, histograms,
// epochs, and condition statistics. Every derived value is computed on first
// access and memoized for the view's lifetime.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/neuropil/neuropil/internal/common"
	"github.com/neuropil/neuropil/internal/common/telemetry"
	"github.com/neuropil/neuropil/internal/frame"
)

// ErrFieldNotPresent reports that a named field does not exist in the
// session's data bundle. Optional fields degrade to a warning and an empty
// result; required fields propagate it.
var ErrFieldNotPresent = errors.New("field not present in session data")

// NotImplementedError marks an analysis this library does not provide.
type NotImplementedError struct {
	Analysis string
}

func (e *NotImplementedError) Error() string {
	return fmt.Sprintf("analysis %q is not implemented", e.Analysis)
}

// InvalidInterval is a tagged time range during which recorded data is
// unreliable.
type InvalidInterval struct {
	Start float64
	Stop  float64
	Tags  []string
}

// FieldSource supplies the raw per-session fields. Implementations fetch and
// parse the session's data bundle; the view never touches bytes itself.
// Optional fields return ErrFieldNotPresent when the bundle lacks them.
type FieldSource interface {
	Presentations(ctx context.Context) (*frame.Frame, error)
	SpikeTimes(ctx context.Context) (map[uint64][]float64, error)
	InvalidTimes(ctx context.Context) ([]InvalidInterval, error)
	Units(ctx context.Context) (*frame.Frame, error)
	RunningSpeed(ctx context.Context) (*frame.Frame, error)
	OptogeneticEpochs(ctx context.Context) (*frame.Frame, error)
	RigMetadata(ctx context.Context) (map[string]interface{}, error)
}

// View is the per-session façade. Derived values are built lazily through
// the memo map; failed builds are not cached, so a later access retries.
type View struct {
	sessionID uint64
	meta      map[string]interface{}
	source    FieldSource

	memo *memoTable
}

type Option func(*View)

// WithMetadata attaches the session's manifest row to the view.
func WithMetadata(meta map[string]interface{}) Option {
	return func(v *View) { v.meta = meta }
}

func NewView(sessionID uint64, source FieldSource, opts ...Option) (*View, error) {
	if source == nil {
		return nil, errors.New("session: field source required")
	}
	v := &View{sessionID: sessionID, source: source, memo: newMemoTable()}
	for _, opt := range opts {
		opt(v)
	}
	common.Logger().Info("session: view ready", "session", sessionID)
	return v, nil
}

func (v *View) SessionID() uint64 { return v.sessionID }

// Metadata returns the manifest row the view was built from, when attached.
func (v *View) Metadata() map[string]interface{} { return v.meta }

// memoized runs build once per key and remembers the result. Concurrent
// first accesses may build twice; the first stored result wins.
func (v *View) memoized(key string, build func() (interface{}, error)) (interface{}, error) {
	if got, ok := v.memo.get(key); ok {
		return got, nil
	}
	start := time.Now()
	got, err := build()
	if err != nil {
		return nil, err
	}
	telemetry.RecordSessionBuild(key, time.Since(start))
	return v.memo.put(key, got), nil
}

type presentationBundle struct {
	presentations *frame.Frame
	conditions    *frame.Frame
	masked        int
}

func (v *View) bundle(ctx context.Context) (*presentationBundle, error) {
	got, err := v.memoized("presentations", func() (interface{}, error) {
		return v.buildPresentations(ctx)
	})
	if err != nil {
		return nil, err
	}
	return got.(*presentationBundle), nil
}

func (v *View) buildPresentations(ctx context.Context) (*presentationBundle, error) {
	raw, err := v.source.Presentations(ctx)
	if err != nil {
		return nil, fmt.Errorf("session %d: load presentations: %w", v.sessionID, err)
	}
	normalized, err := normalizePresentations(raw)
	if err != nil {
		return nil, fmt.Errorf("session %d: %w", v.sessionID, err)
	}
	invalid, err := v.InvalidTimes(ctx)
	if err != nil {
		return nil, err
	}
	masked := 0
	if len(invalid) > 0 {
		normalized, masked, err = MaskInvalidPresentations(normalized, invalid)
		if err != nil {
			return nil, fmt.Errorf("session %d: %w", v.sessionID, err)
		}
	}
	withConditions, conditions, err := AssignConditions(normalized)
	if err != nil {
		return nil, fmt.Errorf("session %d: %w", v.sessionID, err)
	}
	common.Logger().Info("session: presentations built",
		"session", v.sessionID,
		"rows", withConditions.Len(),
		"masked", masked,
		"conditions", conditions.Len())
	return &presentationBundle{
		presentations: withConditions,
		conditions:    conditions,
		masked:        masked,
	}, nil
}

// Presentations returns the session's stimulus presentation table with
// recomputed durations, invalid-time masking applied, and condition ids
// assigned.
func (v *View) Presentations(ctx context.Context) (*frame.Frame, error) {
	b, err := v.bundle(ctx)
	if err != nil {
		return nil, err
	}
	return b.presentations, nil
}

// Conditions returns the deduplicated stimulus condition table.
func (v *View) Conditions(ctx context.Context) (*frame.Frame, error) {
	b, err := v.bundle(ctx)
	if err != nil {
		return nil, err
	}
	return b.conditions, nil
}

// InvalidTimes returns the session's invalid intervals. A bundle without
// them yields an empty slice.
func (v *View) InvalidTimes(ctx context.Context) ([]InvalidInterval, error) {
	got, err := v.memoized("invalid_times", func() (interface{}, error) {
		intervals, err := v.source.InvalidTimes(ctx)
		if errors.Is(err, ErrFieldNotPresent) {
			common.Logger().Warn("session: no invalid times recorded", "session", v.sessionID)
			return []InvalidInterval{}, nil
		}
		if err != nil {
			return nil, fmt.Errorf("session %d: load invalid times: %w", v.sessionID, err)
		}
		return intervals, nil
	})
	if err != nil {
		return nil, err
	}
	return got.([]InvalidInterval), nil
}

// Units returns the session's unit table.
func (v *View) Units(ctx context.Context) (*frame.Frame, error) {
	got, err := v.memoized("units", func() (interface{}, error) {
		units, err := v.source.Units(ctx)
		if err != nil {
			return nil, fmt.Errorf("session %d: load units: %w", v.sessionID, err)
		}
		return units, nil
	})
	if err != nil {
		return nil, err
	}
	return got.(*frame.Frame), nil
}

// SpikeTimes returns per-unit ascending spike times, clipped to units that
// exist in the session's unit table.
func (v *View) SpikeTimes(ctx context.Context) (map[uint64][]float64, error) {
	got, err := v.memoized("spike_times", func() (interface{}, error) {
		units, err := v.Units(ctx)
		if err != nil {
			return nil, err
		}
		known, err := unitIDSet(units)
		if err != nil {
			return nil, fmt.Errorf("session %d: %w", v.sessionID, err)
		}
		raw, err := v.source.SpikeTimes(ctx)
		if err != nil {
			return nil, fmt.Errorf("session %d: load spike times: %w", v.sessionID, err)
		}
		clipped := make(map[uint64][]float64, len(raw))
		dropped := 0
		for unit, times := range raw {
			if _, ok := known[unit]; !ok {
				dropped++
				continue
			}
			sorted := append([]float64(nil), times...)
			if !sort.Float64sAreSorted(sorted) {
				sort.Float64s(sorted)
			}
			clipped[unit] = sorted
		}
		if dropped > 0 {
			common.Logger().Warn("session: spike trains outside unit table dropped",
				"session", v.sessionID, "dropped", dropped)
		}
		if err := telemetry.CheckMemoryBudget("session.spike_times"); err != nil {
			return nil, err
		}
		return clipped, nil
	})
	if err != nil {
		return nil, err
	}
	return got.(map[uint64][]float64), nil
}

// RunningSpeed returns the running speed trace, or an empty table when the
// bundle has none.
func (v *View) RunningSpeed(ctx context.Context) (*frame.Frame, error) {
	got, err := v.memoized("running_speed", func() (interface{}, error) {
		speed, err := v.source.RunningSpeed(ctx)
		if errors.Is(err, ErrFieldNotPresent) {
			common.Logger().Warn("session: no running speed recorded", "session", v.sessionID)
			return emptyRunningSpeed()
		}
		if err != nil {
			return nil, fmt.Errorf("session %d: load running speed: %w", v.sessionID, err)
		}
		return speed, nil
	})
	if err != nil {
		return nil, err
	}
	return got.(*frame.Frame), nil
}

// OptogeneticEpochs returns the optogenetic stimulation table, or an empty
// table when the session had none.
func (v *View) OptogeneticEpochs(ctx context.Context) (*frame.Frame, error) {
	got, err := v.memoized("optogenetic_epochs", func() (interface{}, error) {
		epochs, err := v.source.OptogeneticEpochs(ctx)
		if errors.Is(err, ErrFieldNotPresent) {
			common.Logger().Warn("session: no optogenetic epochs recorded", "session", v.sessionID)
			return emptyOptogeneticEpochs()
		}
		if err != nil {
			return nil, fmt.Errorf("session %d: load optogenetic epochs: %w", v.sessionID, err)
		}
		return epochs, nil
	})
	if err != nil {
		return nil, err
	}
	return got.(*frame.Frame), nil
}

// RigMetadata returns the recording rig description, or an empty map when
// none was captured.
func (v *View) RigMetadata(ctx context.Context) (map[string]interface{}, error) {
	got, err := v.memoized("rig_metadata", func() (interface{}, error) {
		meta, err := v.source.RigMetadata(ctx)
		if errors.Is(err, ErrFieldNotPresent) {
			common.Logger().Warn("session: no rig metadata recorded", "session", v.sessionID)
			return map[string]interface{}{}, nil
		}
		if err != nil {
			return nil, fmt.Errorf("session %d: load rig metadata: %w", v.sessionID, err)
		}
		return meta, nil
	})
	if err != nil {
		return nil, err
	}
	return got.(map[string]interface{}), nil
}

// InterPresentationIntervals returns the gaps between consecutive
// presentations keyed by their bounding presentation ids.
func (v *View) InterPresentationIntervals(ctx context.Context) (*frame.Frame, error) {
	got, err := v.memoized("inter_presentation_intervals", func() (interface{}, error) {
		b, err := v.bundle(ctx)
		if err != nil {
			return nil, err
		}
		return InterPresentationIntervals(b.presentations)
	})
	if err != nil {
		return nil, err
	}
	return got.(*frame.Frame), nil
}

// PresentationwiseSpikeTimes assigns spikes to presentations. Nil id slices
// select everything.
func (v *View) PresentationwiseSpikeTimes(ctx context.Context, presentationIDs, unitIDs []uint64) (*frame.Frame, error) {
	b, err := v.bundle(ctx)
	if err != nil {
		return nil, err
	}
	spikes, err := v.SpikeTimes(ctx)
	if err != nil {
		return nil, err
	}
	return PresentationwiseSpikeTimes(b.presentations, spikes, presentationIDs, unitIDs)
}

// PresentationwiseSpikeCounts bins spikes into per-presentation windows.
func (v *View) PresentationwiseSpikeCounts(ctx context.Context, binEdges []float64, presentationIDs, unitIDs []uint64, opts CountOptions) (*SpikeCounts, error) {
	b, err := v.bundle(ctx)
	if err != nil {
		return nil, err
	}
	spikes, err := v.SpikeTimes(ctx)
	if err != nil {
		return nil, err
	}
	return PresentationwiseSpikeCounts(b.presentations, spikes, binEdges, presentationIDs, unitIDs, opts)
}

// StimulusEpochs returns the contiguous stimulus block runs of the session.
// A nil thresholds map applies the default spontaneous-activity cutoff.
func (v *View) StimulusEpochs(ctx context.Context, thresholds map[string]float64) (*frame.Frame, error) {
	b, err := v.bundle(ctx)
	if err != nil {
		return nil, err
	}
	return StimulusEpochs(b.presentations, thresholds)
}

// ConditionwiseSpikeStatistics aggregates spikes per (condition, unit).
func (v *View) ConditionwiseSpikeStatistics(ctx context.Context, presentationIDs, unitIDs []uint64, useRates bool) (*frame.Frame, error) {
	b, err := v.bundle(ctx)
	if err != nil {
		return nil, err
	}
	spikes, err := v.SpikeTimes(ctx)
	if err != nil {
		return nil, err
	}
	return ConditionwiseSpikeStatistics(b.presentations, spikes, presentationIDs, unitIDs, useRates)
}

// StimulusNames returns the distinct stimulus names of the session in
// first-occurrence order, including the invalid-presentation marker when
// masking produced one.
func (v *View) StimulusNames(ctx context.Context) ([]string, error) {
	b, err := v.bundle(ctx)
	if err != nil {
		return nil, err
	}
	return b.presentations.DistinctStrings("stimulus_name")
}

// PresentationsFor returns the presentation rows whose stimulus name is in
// names.
func (v *View) PresentationsFor(ctx context.Context, names []string) (*frame.Frame, error) {
	b, err := v.bundle(ctx)
	if err != nil {
		return nil, err
	}
	wanted := make(map[string]struct{}, len(names))
	for _, name := range names {
		wanted[name] = struct{}{}
	}
	rows := make([]int, 0, b.presentations.Len())
	for i := 0; i < b.presentations.Len(); i++ {
		name, ok := b.presentations.Str("stimulus_name", i)
		if !ok {
			continue
		}
		if _, want := wanted[name]; want {
			rows = append(rows, i)
		}
	}
	return b.presentations.Select(rows)
}

// StimulusParameterValues returns the distinct non-missing values of every
// free parameter column, excluding masked presentations. Numeric parameters
// sort ascending, string parameters alphabetically.
func (v *View) StimulusParameterValues(ctx context.Context) (map[string][]interface{}, error) {
	b, err := v.bundle(ctx)
	if err != nil {
		return nil, err
	}
	f := b.presentations
	out := make(map[string][]interface{})
	for _, col := range parameterColumns(f) {
		if col == "stimulus_name" {
			continue
		}
		floats := make(map[float64]struct{})
		strs := make(map[string]struct{})
		for i := 0; i < f.Len(); i++ {
			if name, ok := f.Str("stimulus_name", i); ok && name == InvalidPresentationName {
				continue
			}
			value, ok := f.Value(col, i)
			if !ok {
				continue
			}
			switch typed := value.(type) {
			case float64:
				floats[typed] = struct{}{}
			case string:
				strs[typed] = struct{}{}
			}
		}
		values := make([]interface{}, 0, len(floats)+len(strs))
		if len(floats) > 0 {
			ordered := make([]float64, 0, len(floats))
			for value := range floats {
				ordered = append(ordered, value)
			}
			sort.Float64s(ordered)
			for _, value := range ordered {
				values = append(values, value)
			}
		}
		if len(strs) > 0 {
			ordered := make([]string, 0, len(strs))
			for value := range strs {
				ordered = append(ordered, value)
			}
			sort.Strings(ordered)
			for _, value := range ordered {
				values = append(values, value)
			}
		}
		if len(values) > 0 {
			out[col] = values
		}
	}
	return out, nil
}

// MeanWaveforms reports NotImplementedError; session bundles do not carry
// raw waveform arrays.
func (v *View) MeanWaveforms() (map[uint64][]float64, error) {
	return nil, &NotImplementedError{Analysis: "mean_waveforms"}
}

func unitIDSet(units *frame.Frame) (map[uint64]struct{}, error) {
	ids, valid, err := units.Uints("id")
	if err != nil {
		return nil, fmt.Errorf("unit table: %w", err)
	}
	out := make(map[uint64]struct{}, len(ids))
	for i, id := range ids {
		if valid[i] {
			out[id] = struct{}{}
		}
	}
	return out, nil
}

func emptyRunningSpeed() (*frame.Frame, error) {
	return frame.New(
		frame.ColumnSpec{Name: "start_time", Kind: frame.KindFloat},
		frame.ColumnSpec{Name: "end_time", Kind: frame.KindFloat},
		frame.ColumnSpec{Name: "velocity", Kind: frame.KindFloat},
	)
}

func emptyOptogeneticEpochs() (*frame.Frame, error) {
	return frame.New(
		frame.ColumnSpec{Name: "start_time", Kind: frame.KindFloat},
		frame.ColumnSpec{Name: "stop_time", Kind: frame.KindFloat},
		frame.ColumnSpec{Name: "condition", Kind: frame.KindString},
		frame.ColumnSpec{Name: "level", Kind: frame.KindFloat},
	)
}
