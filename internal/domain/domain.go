package domain

import "encoding/json"

// Integration statuses.
const (
	StatusDraft  = "draft"
	StatusActive = "active"
	StatusPaused = "paused"
	StatusError  = "error"
)

// Sync directions.
const (
	DirectionSourceToTarget = "source_to_target"
	DirectionTargetToSource = "target_to_source"
	DirectionBidirectional  = "bidirectional"
)

// Sync frequencies.
const (
	FrequencyRealtime  = "realtime"
	FrequencyMinutes5  = "minutes_5"
	FrequencyMinutes15 = "minutes_15"
	FrequencyHourly    = "hourly"
	FrequencyDaily     = "daily"
	FrequencyManual    = "manual"
)

// Sync run statuses.
const (
	RunRunning   = "running"
	RunCompleted = "completed"
	RunFailed    = "failed"
)

// Sync run triggers.
const (
	TriggerManual   = "manual"
	TriggerSchedule = "schedule"
	TriggerWebhook  = "webhook"
	TriggerCLI      = "cli"
)

type Integration struct {
	ID                string         `json:"id"`
	Name              string         `json:"name"`
	Description       string         `json:"description,omitempty"`
	SourceConnectorID string         `json:"source_connector_id"`
	TargetConnectorID string         `json:"target_connector_id"`
	Status            string         `json:"status" enum:"draft,active,paused,error"`
	SyncDirection     string         `json:"sync_direction" enum:"source_to_target,target_to_source,bidirectional"`
	SyncFrequency     string         `json:"sync_frequency" enum:"realtime,minutes_5,minutes_15,hourly,daily,manual"`
	SourceAuth        map[string]any `json:"source_auth,omitempty"`
	TargetAuth        map[string]any `json:"target_auth,omitempty"`
	LastSyncAt        *string        `json:"last_sync_at,omitempty" format:"date-time"`
	CreatedAt         string         `json:"created_at" format:"date-time"`
	UpdatedAt         string         `json:"updated_at" format:"date-time"`
}

// Mapping pairs one source entity with one target entity inside an integration.
type Mapping struct {
	ID               string  `json:"id"`
	IntegrationID    string  `json:"integration_id"`
	Name             string  `json:"name"`
	Description      string  `json:"description,omitempty"`
	SourceEntityID   string  `json:"source_entity_id"`
	TargetEntityID   string  `json:"target_entity_id"`
	FilterCondition  string  `json:"filter_condition,omitempty"`
	SourceKeyField   string  `json:"source_key_field"`
	TargetKeyField   string  `json:"target_key_field"`
	LastSyncAt       *string `json:"last_sync_at,omitempty" format:"date-time"`
	RecordsProcessed int     `json:"records_processed"`
	RecordsSucceeded int     `json:"records_succeeded"`
	RecordsFailed    int     `json:"records_failed"`
	CreatedAt        string  `json:"created_at" format:"date-time"`
	UpdatedAt        string  `json:"updated_at" format:"date-time"`
}

// MappingStats is what a run records on a mapping group.
type MappingStats struct {
	LastSyncAt string
	Processed  int
	Succeeded  int
	Failed     int
}

// Mapping strategies.
const (
	StrategyDirect         = "direct"
	StrategyComposite      = "composite"
	StrategyConditional    = "conditional"
	StrategyLookup         = "lookup"
	StrategyDefaultValue   = "default_value"
	StrategyCustomFunction = "custom_function"
)

// Transformation is one entry of a field mapping's post-strategy pipeline.
type Transformation struct {
	Type   string          `json:"type"`
	Config json.RawMessage `json:"config,omitempty"`
}

type FieldMapping struct {
	ID              string           `json:"id"`
	MappingID       string           `json:"mapping_id"`
	SourceFieldID   string           `json:"source_field_id"`
	TargetFieldID   string           `json:"target_field_id"`
	SourceFieldPath string           `json:"source_field_path"`
	TargetFieldPath string           `json:"target_field_path"`
	Strategy        string           `json:"strategy"`
	Config          json.RawMessage  `json:"config,omitempty"`
	Transformations []Transformation `json:"transformations,omitempty"`
	Position        int              `json:"position"`
	CreatedAt       string           `json:"created_at" format:"date-time"`
}

// SyncRun is the audit record of one orchestrator invocation.
type SyncRun struct {
	ID               string  `json:"id"`
	IntegrationID    string  `json:"integration_id"`
	Label            string  `json:"label,omitempty"`
	Trigger          string  `json:"trigger"`
	Status           string  `json:"status" enum:"running,completed,failed"`
	StartedAt        string  `json:"started_at" format:"date-time"`
	FinishedAt       *string `json:"finished_at,omitempty" format:"date-time"`
	RecordsProcessed int     `json:"records_processed"`
	RecordsSucceeded int     `json:"records_succeeded"`
	RecordsFailed    int     `json:"records_failed"`
	Error            string  `json:"error,omitempty"`
}

type Event struct {
	ID            int64  `json:"id"`
	TS            string `json:"ts" format:"date-time"`
	Type          string `json:"type"`
	IntegrationID string `json:"integration_id,omitempty"`
	EntityKind    string `json:"entity_kind"`
	EntityID      string `json:"entity_id,omitempty"`
	Payload       string `json:"payload_json"`
}

// RunLease marks an integration as being synced by one owner until ExpiresAt.
type RunLease struct {
	IntegrationID string `json:"integration_id"`
	OwnerID       string `json:"owner_id"`
	AcquiredAt    string `json:"acquired_at" format:"date-time"`
	ExpiresAt     string `json:"expires_at" format:"date-time"`
}
