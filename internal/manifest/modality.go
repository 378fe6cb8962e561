// File path: internal/manifest/modality.go
package manifest

import (
	"github.com/neuropil/neuropil/internal/frame"
	"github.com/neuropil/neuropil/internal/warehouse"
)

// Modality selects which family of entity tables a store serves.
type Modality string

const (
	Ecephys Modality = "ecephys"
	Ophys   Modality = "ophys"
)

func (m Modality) Valid() bool {
	switch m {
	case Ecephys, Ophys:
		return true
	}
	return false
}

func (m Modality) String() string { return string(m) }

// TableNames lists the entity tables of a modality in build order. Parents
// come before children so lineage annotation can run front to back.
func TableNames(m Modality) []string {
	switch m {
	case Ecephys:
		return []string{"sessions", "probes", "channels", "units"}
	case Ophys:
		return []string{"containers", "sessions"}
	default:
		panic("unknown modality " + string(m))
	}
}

type tableSpec struct {
	query  warehouse.Query
	schema []frame.ColumnSpec
}

func tableSpecs(m Modality) map[string]tableSpec {
	switch m {
	case Ecephys:
		return ecephysTables
	case Ophys:
		return ophysTables
	default:
		panic("unknown modality " + string(m))
	}
}

var ecephysTables = map[string]tableSpec{
	"sessions": {
		query: warehouse.Query{
			Model:   "EcephysSession",
			Include: []string{"specimen(donor(age))"},
			Order:   []string{"id"},
		},
		schema: []frame.ColumnSpec{
			{Name: "id", Kind: frame.KindUint},
			{Name: "published_at", Kind: frame.KindTime},
			{Name: "specimen_id", Kind: frame.KindUint},
			{Name: "session_type", Kind: frame.KindString},
			{Name: "age_in_days", Kind: frame.KindFloat},
			{Name: "sex", Kind: frame.KindString},
			{Name: "genotype", Kind: frame.KindString},
			{Name: "workflow_state", Kind: frame.KindString},
		},
	},
	"probes": {
		query: warehouse.Query{
			Model: "EcephysProbe",
			Order: []string{"id"},
		},
		schema: []frame.ColumnSpec{
			{Name: "id", Kind: frame.KindUint},
			{Name: "ecephys_session_id", Kind: frame.KindUint},
			{Name: "name", Kind: frame.KindString},
			{Name: "sampling_rate", Kind: frame.KindFloat},
			{Name: "lfp_sampling_rate", Kind: frame.KindFloat},
			{Name: "phase", Kind: frame.KindString},
		},
	},
	"channels": {
		query: warehouse.Query{
			Model:    "EcephysChannel",
			Include:  []string{"structure"},
			Criteria: []string{"[valid_data$eqtrue]"},
			Order:    []string{"id"},
		},
		schema: []frame.ColumnSpec{
			{Name: "id", Kind: frame.KindUint},
			{Name: "ecephys_probe_id", Kind: frame.KindUint},
			{Name: "local_index", Kind: frame.KindInt},
			{Name: "probe_horizontal_position", Kind: frame.KindInt},
			{Name: "probe_vertical_position", Kind: frame.KindInt},
			{Name: "anterior_posterior_ccf_coordinate", Kind: frame.KindFloat},
			{Name: "dorsal_ventral_ccf_coordinate", Kind: frame.KindFloat},
			{Name: "left_right_ccf_coordinate", Kind: frame.KindFloat},
			{Name: "ecephys_structure_acronym", Kind: frame.KindString},
		},
	},
	"units": {
		query: warehouse.Query{
			Model: "EcephysUnit",
			Order: []string{"id"},
		},
		schema: []frame.ColumnSpec{
			{Name: "id", Kind: frame.KindUint},
			{Name: "ecephys_channel_id", Kind: frame.KindUint},
			{Name: "firing_rate", Kind: frame.KindFloat},
			{Name: "snr", Kind: frame.KindFloat},
			{Name: "isi_violations", Kind: frame.KindFloat},
			{Name: "presence_ratio", Kind: frame.KindFloat},
			{Name: "amplitude_cutoff", Kind: frame.KindFloat},
		},
	},
}

var ophysTables = map[string]tableSpec{
	"containers": {
		query: warehouse.Query{
			Model:   "ExperimentContainer",
			Include: []string{"ophys_experiments", "specimen(donor(transgenic_lines))"},
			Order:   []string{"id"},
		},
		schema: []frame.ColumnSpec{
			{Name: "id", Kind: frame.KindUint},
			{Name: "specimen_id", Kind: frame.KindUint},
			{Name: "targeted_structure", Kind: frame.KindString},
			{Name: "imaging_depth", Kind: frame.KindInt},
			{Name: "cre_line", Kind: frame.KindString},
			{Name: "failed", Kind: frame.KindBool},
		},
	},
	"sessions": {
		query: warehouse.Query{
			Model:   "OphysExperiment",
			Include: []string{"experiment_container", "targeted_structure"},
			Order:   []string{"id"},
		},
		schema: []frame.ColumnSpec{
			{Name: "id", Kind: frame.KindUint},
			{Name: "experiment_container_id", Kind: frame.KindUint},
			{Name: "session_type", Kind: frame.KindString},
			{Name: "targeted_structure", Kind: frame.KindString},
			{Name: "acquisition_age_days", Kind: frame.KindFloat},
			{Name: "cre_line", Kind: frame.KindString},
		},
	},
}
