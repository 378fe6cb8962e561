// File path: internal/manifest/store.go
package manifest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/neuropil/neuropil/internal/cache"
	"github.com/neuropil/neuropil/internal/catalog"
	"github.com/neuropil/neuropil/internal/common"
	"github.com/neuropil/neuropil/internal/common/telemetry"
	"github.com/neuropil/neuropil/internal/frame"
	"github.com/neuropil/neuropil/internal/warehouse"
)

// NotFoundError reports an id that does not resolve in a manifest table.
type NotFoundError struct {
	Table string
	ID    uint64
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("id %d not found in %s table", e.ID, e.Table)
}

// Store builds and serves the normalized entity tables of one modality.
// Tables are built once per store lifetime; Invalidate resets the memo and
// purges the backing stores so the next access rebuilds from the warehouse.
type Store struct {
	modality Modality
	client   *warehouse.Client
	content  *cache.Cache
	local    *catalog.Store

	mu     sync.Mutex
	tables map[string]*frame.Frame
}

type Option func(*Store)

// WithCache attaches the content cache used for page downloads so that
// Invalidate can purge cached query pages.
func WithCache(c *cache.Cache) Option {
	return func(s *Store) { s.content = c }
}

// WithCatalog attaches a local catalog so built tables survive process
// restarts.
func WithCatalog(cs *catalog.Store) Option {
	return func(s *Store) { s.local = cs }
}

func New(modality Modality, client *warehouse.Client, opts ...Option) (*Store, error) {
	if !modality.Valid() {
		return nil, fmt.Errorf("unknown modality %q", modality)
	}
	if client == nil {
		return nil, errors.New("warehouse client required")
	}
	s := &Store{modality: modality, client: client}
	for _, opt := range opts {
		opt(s)
	}
	common.Logger().Info("manifest: store ready",
		"modality", modality.String(),
		"catalog", s.local != nil)
	return s, nil
}

// NewFromEnv wires the full stack from the environment: the default content
// cache feeding the warehouse client, and the catalog at its configured path.
func NewFromEnv(modality Modality) (*Store, error) {
	content, err := cache.Default()
	if err != nil {
		return nil, fmt.Errorf("open content cache: %w", err)
	}
	client, err := warehouse.NewFromEnv(content)
	if err != nil {
		return nil, fmt.Errorf("build warehouse client: %w", err)
	}
	cfg, err := catalog.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load catalog config: %w", err)
	}
	local, err := catalog.OpenWithConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	return New(modality, client, WithCache(content), WithCatalog(local))
}

// Table returns the named entity table, building the modality's full table
// set on first use. The returned frame is shared; callers must not modify it.
func (s *Store) Table(ctx context.Context, name string) (*frame.Frame, error) {
	if s == nil {
		return nil, errors.New("manifest store not initialised")
	}
	if _, ok := tableSpecs(s.modality)[name]; !ok {
		return nil, fmt.Errorf("unknown table %q for modality %s", name, s.modality)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tables == nil {
		if err := s.loadOrBuildLocked(ctx); err != nil {
			return nil, err
		}
	}
	return s.tables[name], nil
}

// Session returns the manifest row for one session id.
func (s *Store) Session(ctx context.Context, id uint64) (map[string]interface{}, error) {
	sessions, err := s.Table(ctx, "sessions")
	if err != nil {
		return nil, err
	}
	for i := 0; i < sessions.Len(); i++ {
		rowID, ok := sessions.Uint("id", i)
		if !ok || rowID != id {
			continue
		}
		row := make(map[string]interface{})
		for _, col := range sessions.Columns() {
			if value, ok := sessions.Value(col, i); ok {
				row[col] = value
			}
		}
		return row, nil
	}
	return nil, &NotFoundError{Table: "sessions", ID: id}
}

// Invalidate forgets the built tables, removes cached query pages whose key
// contains the pattern, and clears the catalog for this modality.
func (s *Store) Invalidate(ctx context.Context, pattern string) error {
	if s == nil {
		return errors.New("manifest store not initialised")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tables = nil
	if s.content != nil {
		removed, err := s.content.Invalidate(pattern)
		if err != nil {
			return fmt.Errorf("invalidate cache: %w", err)
		}
		common.Logger().Info("manifest: cache entries invalidated",
			"pattern", pattern, "removed", removed)
	}
	if s.local != nil {
		if err := s.local.Clear(ctx, s.modality.String()); err != nil {
			return fmt.Errorf("clear catalog: %w", err)
		}
	}
	return nil
}

func (s *Store) loadOrBuildLocked(ctx context.Context) error {
	sig := s.signature()
	if s.local != nil {
		tables, err := s.local.LoadTables(ctx, s.modality.String(), sig)
		if err == nil && hasAllTables(tables, TableNames(s.modality)) {
			s.tables = tables
			common.Logger().Info("manifest: tables loaded from catalog",
				"modality", s.modality.String(), "tables", len(tables))
			return nil
		}
		if err != nil && !errors.Is(err, catalog.ErrStale) {
			common.Logger().Warn("manifest: catalog read failed, rebuilding",
				"modality", s.modality.String(), "error", err)
		}
	}

	tables, err := buildTables(ctx, s.modality, s.client)
	if err != nil {
		return err
	}
	s.tables = tables
	if s.local != nil {
		if err := s.local.SaveTables(ctx, s.modality.String(), tables, sig); err != nil {
			common.Logger().Warn("manifest: catalog write failed",
				"modality", s.modality.String(), "error", err)
		}
	}
	return nil
}

func hasAllTables(tables map[string]*frame.Frame, names []string) bool {
	for _, name := range names {
		if tables[name] == nil {
			return false
		}
	}
	return true
}

// signature fingerprints the queries and schemas behind the modality's
// tables. Catalog contents built under a different signature are stale.
func (s *Store) signature() string {
	h := sha256.New()
	io.WriteString(h, s.modality.String())
	specs := tableSpecs(s.modality)
	for _, name := range TableNames(s.modality) {
		spec := specs[name]
		io.WriteString(h, "\n"+name+"\n")
		io.WriteString(h, spec.query.PageURL(s.client.BaseURL(), 0, 0))
		if encoded, err := json.Marshal(spec.schema); err == nil {
			h.Write(encoded)
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

func buildTables(ctx context.Context, m Modality, client *warehouse.Client) (map[string]*frame.Frame, error) {
	spanCtx, finish := telemetry.StartSpan(ctx, "manifest.build")
	defer finish("modality", m.String())

	specs := tableSpecs(m)
	tables := make(map[string]*frame.Frame, len(specs))
	for _, name := range TableNames(m) {
		spec := specs[name]
		f, err := client.Frame(spanCtx, spec.query, spec.schema)
		if err != nil {
			return nil, fmt.Errorf("build %s table: %w", name, err)
		}
		if err := uniqueIDs(f, "id"); err != nil {
			return nil, fmt.Errorf("build %s table: %w", name, err)
		}
		tables[name] = f
	}

	var err error
	switch m {
	case Ecephys:
		err = assembleEcephys(tables)
	case Ophys:
		err = assembleOphys(tables)
	default:
		panic("unknown modality " + string(m))
	}
	if err != nil {
		return nil, err
	}

	for _, name := range TableNames(m) {
		telemetry.RecordManifestBuild(name, tables[name].Len())
		common.Logger().Info("manifest: table built",
			"modality", m.String(), "table", name, "rows", tables[name].Len())
	}
	common.Logger().Info("manifest: tables assembled",
		"modality", m.String(), "tables", len(tables), "elapsed", telemetry.SpanDuration(spanCtx))
	return tables, nil
}

// assembleEcephys annotates lineage ids down the session/probe/channel/unit
// hierarchy, derives ownership counts and structure sets, and finally prunes
// failed sessions together with their descendants.
func assembleEcephys(tables map[string]*frame.Frame) error {
	sessions := tables["sessions"]
	probes := tables["probes"]
	channels := tables["channels"]
	units := tables["units"]

	if err := InheritColumn(channels, probes, "ecephys_probe_id", "id", "ecephys_session_id", "ecephys_session_id"); err != nil {
		return fmt.Errorf("annotate channels: %w", err)
	}
	if err := InheritColumn(units, channels, "ecephys_channel_id", "id", "ecephys_probe_id", "ecephys_probe_id"); err != nil {
		return fmt.Errorf("annotate units: %w", err)
	}
	if err := InheritColumn(units, channels, "ecephys_channel_id", "id", "ecephys_session_id", "ecephys_session_id"); err != nil {
		return fmt.Errorf("annotate units: %w", err)
	}

	type derivation struct {
		parent  *frame.Frame
		child   *frame.Frame
		fk      string
		newCol  string
		uniques string
	}
	counts := []derivation{
		{sessions, units, "ecephys_session_id", "unit_count", ""},
		{sessions, channels, "ecephys_session_id", "channel_count", ""},
		{sessions, probes, "ecephys_session_id", "probe_count", ""},
		{sessions, channels, "ecephys_session_id", "structure_acronyms", "ecephys_structure_acronym"},
		{probes, units, "ecephys_probe_id", "unit_count", ""},
		{probes, channels, "ecephys_probe_id", "channel_count", ""},
		{probes, channels, "ecephys_probe_id", "structure_acronyms", "ecephys_structure_acronym"},
	}
	for _, d := range counts {
		var err error
		if d.uniques == "" {
			err = CountOwned(d.parent, d.child, "id", d.fk, d.newCol)
		} else {
			err = GroupedUniques(d.parent, d.child, "id", d.fk, d.uniques, d.newCol)
		}
		if err != nil {
			return fmt.Errorf("derive %s: %w", d.newCol, err)
		}
	}

	sessions, err := keepRows(sessions, func(i int) bool {
		state, ok := sessions.Str("workflow_state", i)
		return ok && state == "uploaded"
	})
	if err != nil {
		return fmt.Errorf("prune sessions: %w", err)
	}
	sessionIDs, err := idSet(sessions, "id")
	if err != nil {
		return fmt.Errorf("prune sessions: %w", err)
	}
	probes, err = keepRows(probes, func(i int) bool {
		parent, ok := probes.Uint("ecephys_session_id", i)
		if !ok {
			return false
		}
		_, alive := sessionIDs[parent]
		return alive
	})
	if err != nil {
		return fmt.Errorf("prune probes: %w", err)
	}
	probeIDs, err := idSet(probes, "id")
	if err != nil {
		return fmt.Errorf("prune probes: %w", err)
	}
	channels, err = keepRows(channels, func(i int) bool {
		parent, ok := channels.Uint("ecephys_probe_id", i)
		if !ok {
			return false
		}
		_, alive := probeIDs[parent]
		return alive
	})
	if err != nil {
		return fmt.Errorf("prune channels: %w", err)
	}
	channelIDs, err := idSet(channels, "id")
	if err != nil {
		return fmt.Errorf("prune channels: %w", err)
	}
	units, err = keepRows(units, func(i int) bool {
		parent, ok := units.Uint("ecephys_channel_id", i)
		if !ok {
			return false
		}
		_, alive := channelIDs[parent]
		return alive
	})
	if err != nil {
		return fmt.Errorf("prune units: %w", err)
	}

	tables["sessions"] = sessions
	tables["probes"] = probes
	tables["channels"] = channels
	tables["units"] = units
	return nil
}

// assembleOphys derives per-container session rollups and prunes failed
// containers together with their sessions.
func assembleOphys(tables map[string]*frame.Frame) error {
	containers := tables["containers"]
	sessions := tables["sessions"]

	if err := CountOwned(containers, sessions, "id", "experiment_container_id", "session_count"); err != nil {
		return fmt.Errorf("derive session_count: %w", err)
	}
	if err := GroupedUniques(containers, sessions, "id", "experiment_container_id", "session_type", "session_types"); err != nil {
		return fmt.Errorf("derive session_types: %w", err)
	}

	containers, err := keepRows(containers, func(i int) bool {
		failed, ok := containers.Bool("failed", i)
		return !ok || !failed
	})
	if err != nil {
		return fmt.Errorf("prune containers: %w", err)
	}
	containerIDs, err := idSet(containers, "id")
	if err != nil {
		return fmt.Errorf("prune containers: %w", err)
	}
	sessions, err = keepRows(sessions, func(i int) bool {
		parent, ok := sessions.Uint("experiment_container_id", i)
		if !ok {
			return false
		}
		_, alive := containerIDs[parent]
		return alive
	})
	if err != nil {
		return fmt.Errorf("prune sessions: %w", err)
	}

	tables["containers"] = containers
	tables["sessions"] = sessions
	return nil
}
