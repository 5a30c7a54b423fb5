package core

import "time"

// Manifest is the provenance record of one successful materialization.
// Its existence implies the table passed schema validation at RefreshedAt.
type Manifest struct {
	RefreshedAt     time.Time  `json:"refreshed_at"`
	Rows            int64      `json:"rows"`
	LatestDate      *time.Time `json:"latest_date"`
	Columns         []string   `json:"columns"`
	Table           string     `json:"table,omitempty"`
	ContractVersion string     `json:"contract_version,omitempty"`
	ContentHash     string     `json:"content_hash,omitempty"`
	RunID           string     `json:"run_id,omitempty"`
	Warnings        int        `json:"warnings"`
}
