// File path: internal/sessionfile/reader.go

// Package sessionfile reads per-session data bundles. A bundle is one JSON
// document, fetched through the content cache, holding the session's
// presentation table, spike trains, and auxiliary recordings. Reader
// implements session.FieldSource over it; sections the bundle lacks surface
// as session.ErrFieldNotPresent so the view can degrade where that is safe.
package sessionfile

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/neuropil/neuropil/internal/cache"
	"github.com/neuropil/neuropil/internal/common"
	"github.com/neuropil/neuropil/internal/frame"
	"github.com/neuropil/neuropil/internal/session"
)

// Reader loads one session bundle lazily and serves its sections. The
// decoded bundle is kept for the reader's lifetime; a failed load is not
// cached, so a later call retries the fetch.
type Reader struct {
	cache *cache.Cache
	key   string

	mu       sync.Mutex
	sections map[string]json.RawMessage
}

func New(contentCache *cache.Cache, key string) (*Reader, error) {
	if contentCache == nil {
		return nil, fmt.Errorf("sessionfile: content cache required")
	}
	if strings.TrimSpace(key) == "" {
		return nil, fmt.Errorf("sessionfile: bundle key required")
	}
	return &Reader{cache: contentCache, key: key}, nil
}

// BundleURL is the conventional location of a session's bundle below a base
// URL.
func BundleURL(base string, sessionID uint64) string {
	return fmt.Sprintf("%s/sessions/%d.json", strings.TrimSuffix(base, "/"), sessionID)
}

// Key returns the cache key the reader fetches.
func (r *Reader) Key() string { return r.key }

// View builds a session view backed by this reader.
func (r *Reader) View(sessionID uint64, opts ...session.Option) (*session.View, error) {
	return session.NewView(sessionID, r, opts...)
}

func (r *Reader) load(ctx context.Context) (map[string]json.RawMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sections != nil {
		return r.sections, nil
	}
	data, err := r.cache.Fetch(ctx, r.key)
	if err != nil {
		return nil, fmt.Errorf("sessionfile: fetch bundle %s: %w", r.key, err)
	}
	decoded := make(map[string]json.RawMessage)
	if err := json.Unmarshal(data, &decoded); err != nil {
		return nil, fmt.Errorf("sessionfile: decode bundle %s: %w", r.key, err)
	}
	for name, raw := range decoded {
		if isJSONNull(raw) {
			delete(decoded, name)
		}
	}
	common.Logger().Info("sessionfile: bundle loaded",
		"key", r.key, "bytes", len(data), "sections", len(decoded))
	r.sections = decoded
	return decoded, nil
}

func (r *Reader) section(ctx context.Context, name string) (json.RawMessage, error) {
	sections, err := r.load(ctx)
	if err != nil {
		return nil, err
	}
	raw, ok := sections[name]
	if !ok {
		return nil, fmt.Errorf("sessionfile: bundle %s section %q: %w", r.key, name, session.ErrFieldNotPresent)
	}
	return raw, nil
}

func isJSONNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}

var presentationKinds = map[string]frame.Kind{
	"stimulus_presentation_id": frame.KindUint,
	"start_time":               frame.KindFloat,
	"stop_time":                frame.KindFloat,
	"duration":                 frame.KindFloat,
	"stimulus_name":            frame.KindString,
	"stimulus_block":           frame.KindFloat,
}

// Presentations decodes the column-oriented presentation table. Fixed
// columns carry their documented kinds; free parameter columns take the
// kind of their first non-null value.
func (r *Reader) Presentations(ctx context.Context) (*frame.Frame, error) {
	raw, err := r.section(ctx, "presentations")
	if err != nil {
		return nil, err
	}
	var cols map[string][]interface{}
	if err := json.Unmarshal(raw, &cols); err != nil {
		return nil, fmt.Errorf("sessionfile: decode presentations: %w", err)
	}
	f, err := columnarFrame(cols, presentationKinds)
	if err != nil {
		return nil, fmt.Errorf("sessionfile: presentations: %w", err)
	}
	return f, nil
}

// SpikeTimes decodes the unit id to spike train map. Trains are sorted
// ascending here even though the writer should already have done so.
func (r *Reader) SpikeTimes(ctx context.Context) (map[uint64][]float64, error) {
	raw, err := r.section(ctx, "spike_times")
	if err != nil {
		return nil, err
	}
	var trains map[string][]float64
	if err := json.Unmarshal(raw, &trains); err != nil {
		return nil, fmt.Errorf("sessionfile: decode spike times: %w", err)
	}
	out := make(map[uint64][]float64, len(trains))
	for key, times := range trains {
		unit, err := strconv.ParseUint(key, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("sessionfile: spike train key %q is not a unit id", key)
		}
		if !sort.Float64sAreSorted(times) {
			sort.Float64s(times)
		}
		out[unit] = times
	}
	return out, nil
}

func (r *Reader) InvalidTimes(ctx context.Context) ([]session.InvalidInterval, error) {
	raw, err := r.section(ctx, "invalid_times")
	if err != nil {
		return nil, err
	}
	var decoded []struct {
		Start float64  `json:"start_time"`
		Stop  float64  `json:"stop_time"`
		Tags  []string `json:"tags"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("sessionfile: decode invalid times: %w", err)
	}
	out := make([]session.InvalidInterval, len(decoded))
	for i, interval := range decoded {
		out[i] = session.InvalidInterval{
			Start: interval.Start,
			Stop:  interval.Stop,
			Tags:  interval.Tags,
		}
	}
	return out, nil
}

// Units decodes the unit table. Each row is a flat object; identifier
// fields become unsigned and the rest infer their kind from the data.
func (r *Reader) Units(ctx context.Context) (*frame.Frame, error) {
	raw, err := r.section(ctx, "units")
	if err != nil {
		return nil, err
	}
	var rows []map[string]interface{}
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("sessionfile: decode units: %w", err)
	}
	f, err := rowsFrame(rows, nil)
	if err != nil {
		return nil, fmt.Errorf("sessionfile: units: %w", err)
	}
	return f, nil
}

var runningSpeedKinds = map[string]frame.Kind{
	"start_time": frame.KindFloat,
	"end_time":   frame.KindFloat,
	"velocity":   frame.KindFloat,
}

func (r *Reader) RunningSpeed(ctx context.Context) (*frame.Frame, error) {
	raw, err := r.section(ctx, "running_speed")
	if err != nil {
		return nil, err
	}
	var cols map[string][]interface{}
	if err := json.Unmarshal(raw, &cols); err != nil {
		return nil, fmt.Errorf("sessionfile: decode running speed: %w", err)
	}
	f, err := columnarFrame(cols, runningSpeedKinds)
	if err != nil {
		return nil, fmt.Errorf("sessionfile: running speed: %w", err)
	}
	return f, nil
}

var optogeneticKinds = map[string]frame.Kind{
	"start_time": frame.KindFloat,
	"stop_time":  frame.KindFloat,
	"condition":  frame.KindString,
	"level":      frame.KindFloat,
}

func (r *Reader) OptogeneticEpochs(ctx context.Context) (*frame.Frame, error) {
	raw, err := r.section(ctx, "optogenetic_epochs")
	if err != nil {
		return nil, err
	}
	var cols map[string][]interface{}
	if err := json.Unmarshal(raw, &cols); err != nil {
		return nil, fmt.Errorf("sessionfile: decode optogenetic epochs: %w", err)
	}
	f, err := columnarFrame(cols, optogeneticKinds)
	if err != nil {
		return nil, fmt.Errorf("sessionfile: optogenetic epochs: %w", err)
	}
	return f, nil
}

func (r *Reader) RigMetadata(ctx context.Context) (map[string]interface{}, error) {
	raw, err := r.section(ctx, "rig_metadata")
	if err != nil {
		return nil, err
	}
	var meta map[string]interface{}
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("sessionfile: decode rig metadata: %w", err)
	}
	return meta, nil
}
