package client

import (
	"encoding/json"
	"time"
)

// Config holds the client configuration
type Config struct {
	BaseURL string        // Local fieldkit API, e.g. http://127.0.0.1:8080
	APIKey  string        // Bearer token for the API
	Timeout time.Duration // Per-request timeout (default: 30 seconds)
}

// InstanceKey identifies one form instance.
type InstanceKey struct {
	ProgramID              string `json:"program_id"`
	Period                 string `json:"period"`
	OrgUnitID              string `json:"org_unit_id"`
	AttributeOptionComboID string `json:"attribute_option_combo_id"`
}

// FieldKey identifies one cell of an instance.
type FieldKey struct {
	Instance              InstanceKey `json:"instance"`
	DataElementID         string      `json:"data_element_id"`
	CategoryOptionComboID string      `json:"category_option_combo_id"`
}

// Field is the resolved value of one field.
type Field struct {
	Key          FieldKey `json:"key"`
	Value        *string  `json:"value,omitempty"`
	Comment      *string  `json:"comment,omitempty"`
	Source       string   `json:"source"` // draft, fresh, cache or none
	NotSynced    bool     `json:"not_synced"`
	LastModified int64    `json:"last_modified,omitempty"`
	StoredBy     *string  `json:"stored_by,omitempty"`
}

// Completion is the recorded completion state of an instance.
type Completion struct {
	State     string `json:"state"`
	UpdatedAt int64  `json:"updated_at"`
	Synced    bool   `json:"synced"`
}

// InstanceState combines sync and completion state.
type InstanceState struct {
	SyncState   string     `json:"sync_state"`
	Completion  Completion `json:"completion"`
	Transitions []string   `json:"transitions"`
}

// Issue is one validation finding.
type Issue struct {
	RuleID      string `json:"rule_id"`
	Description string `json:"description"`
	Severity    string `json:"severity"`
}

// ValidationSummary is the outcome of a validation run.
type ValidationSummary struct {
	TotalRulesChecked int     `json:"total_rules_checked"`
	PassedRules       int     `json:"passed_rules"`
	ErrorCount        int     `json:"error_count"`
	WarningCount      int     `json:"warning_count"`
	CanComplete       bool    `json:"can_complete"`
	ExecutionTimeMs   int64   `json:"execution_time_ms"`
	Issues            []Issue `json:"issues"`
}

// SyncResult summarizes a sync request.
type SyncResult struct {
	RunID     string            `json:"run_id,omitempty"`
	Status    string            `json:"status"`
	Instances int               `json:"instances"`
	Uploaded  int               `json:"uploaded"`
	Failed    int               `json:"failed"`
	Errors    map[string]string `json:"errors,omitempty"`
}

// Progress describes the sync run in flight.
type Progress struct {
	RunID          string `json:"run_id"`
	Phase          string `json:"phase"`
	ItemsProcessed int    `json:"items_processed"`
	TotalItems     int    `json:"total_items"`
	Message        string `json:"message,omitempty"`
}

// InstanceSummary is one entry of an instance listing. Instance holds the
// kind-specific body.
type InstanceSummary struct {
	Kind      string          `json:"kind"`
	SyncState string          `json:"sync_state"`
	LocalOnly bool            `json:"local_only"`
	Instance  json.RawMessage `json:"instance"`
}

// SyncRun is the record of the last finished sync.
type SyncRun struct {
	ID         string `json:"id"`
	Scope      string `json:"scope"`
	Status     string `json:"status"`
	StartedAt  int64  `json:"started_at"`
	FinishedAt int64  `json:"finished_at"`
	Uploaded   int    `json:"uploaded"`
	Failed     int    `json:"failed"`
}

// Health represents the health status
type Health struct {
	Status     string   `json:"status"`
	Version    string   `json:"version"`
	Online     bool     `json:"online"`
	SyncQueued bool     `json:"sync_queued"`
	LastSync   *SyncRun `json:"last_sync,omitempty"`
	LastError  string   `json:"last_error,omitempty"`
}
