package server

import (
	"encoding/json"
	"fmt"
	"time"

	"syncbridge/internal/connector"
	"syncbridge/internal/domain"
)

// Request payloads

type CreateIntegrationRequest struct {
	Name              string         `json:"name" minLength:"1"`
	Description       string         `json:"description,omitempty"`
	SourceConnectorID string         `json:"source_connector_id" minLength:"1"`
	TargetConnectorID string         `json:"target_connector_id" minLength:"1"`
	Status            string         `json:"status,omitempty" enum:"draft,active,paused,error"`
	SyncDirection     string         `json:"sync_direction,omitempty" enum:"source_to_target,target_to_source,bidirectional"`
	SyncFrequency     string         `json:"sync_frequency,omitempty" enum:"realtime,minutes_5,minutes_15,hourly,daily,manual"`
	SourceAuth        map[string]any `json:"source_auth,omitempty"`
	TargetAuth        map[string]any `json:"target_auth,omitempty"`
}

// UpdateIntegrationRequest changes only the fields that are present.
type UpdateIntegrationRequest struct {
	Name              *string        `json:"name,omitempty"`
	Description       *string        `json:"description,omitempty"`
	SourceConnectorID *string        `json:"source_connector_id,omitempty"`
	TargetConnectorID *string        `json:"target_connector_id,omitempty"`
	Status            *string        `json:"status,omitempty" enum:"draft,active,paused,error"`
	SyncDirection     *string        `json:"sync_direction,omitempty" enum:"source_to_target,target_to_source,bidirectional"`
	SyncFrequency     *string        `json:"sync_frequency,omitempty" enum:"realtime,minutes_5,minutes_15,hourly,daily,manual"`
	SourceAuth        map[string]any `json:"source_auth,omitempty"`
	TargetAuth        map[string]any `json:"target_auth,omitempty"`
}

type CreateMappingRequest struct {
	Name            string         `json:"name" minLength:"1"`
	Description     string         `json:"description,omitempty"`
	SourceEntityID  string         `json:"source_entity_id" minLength:"1"`
	TargetEntityID  string         `json:"target_entity_id" minLength:"1"`
	FilterCondition map[string]any `json:"filter_condition,omitempty"`
	SourceKeyField  string         `json:"source_key_field" minLength:"1"`
	TargetKeyField  string         `json:"target_key_field" minLength:"1"`
}

type TransformationRequest struct {
	Type   string         `json:"type" minLength:"1"`
	Config map[string]any `json:"config,omitempty"`
}

type CreateFieldMappingRequest struct {
	SourceFieldID   string                  `json:"source_field_id"`
	TargetFieldID   string                  `json:"target_field_id"`
	SourceFieldPath string                  `json:"source_field_path,omitempty" doc:"defaults to source_field_id"`
	TargetFieldPath string                  `json:"target_field_path,omitempty" doc:"defaults to target_field_id"`
	Strategy        string                  `json:"strategy,omitempty" doc:"direct, composite, conditional, lookup, default_value or custom_function"`
	Config          map[string]any          `json:"config,omitempty"`
	Transformations []TransformationRequest `json:"transformations,omitempty"`
	Position        *int                    `json:"position,omitempty"`
}

// Responses

type SyncInitiated struct {
	Message       string `json:"message"`
	IntegrationID string `json:"integration_id"`
	Timestamp     string `json:"timestamp" format:"date-time"`
}

type WebhookAck struct {
	Received bool `json:"received"`
}

type ConnectorInfo struct {
	ID          string                 `json:"id"`
	Name        string                 `json:"name"`
	AuthMethods []connector.AuthMethod `json:"auth_methods"`
}

type AuthenticateResponse struct {
	Success   bool       `json:"success"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// redact drops stored credentials from API output.
func redact(it domain.Integration) domain.Integration {
	if it.SourceAuth != nil {
		it.SourceAuth = map[string]any{"configured": true}
	}
	if it.TargetAuth != nil {
		it.TargetAuth = map[string]any{"configured": true}
	}
	return it
}

func redactAll(items []domain.Integration) []domain.Integration {
	out := make([]domain.Integration, 0, len(items))
	for _, it := range items {
		out = append(out, redact(it))
	}
	return out
}

func (req CreateFieldMappingRequest) toDomain(mappingID, createdAt string) (domain.FieldMapping, error) {
	fm := domain.FieldMapping{
		ID:              newID(),
		MappingID:       mappingID,
		SourceFieldID:   req.SourceFieldID,
		TargetFieldID:   req.TargetFieldID,
		SourceFieldPath: req.SourceFieldPath,
		TargetFieldPath: req.TargetFieldPath,
		Strategy:        req.Strategy,
		CreatedAt:       createdAt,
	}
	if fm.SourceFieldPath == "" {
		fm.SourceFieldPath = fm.SourceFieldID
	}
	if fm.TargetFieldPath == "" {
		fm.TargetFieldPath = fm.TargetFieldID
	}
	if fm.Strategy == "" {
		fm.Strategy = domain.StrategyDirect
	}
	if req.Config != nil {
		raw, err := json.Marshal(req.Config)
		if err != nil {
			return fm, badRequest("config: %v", err)
		}
		fm.Config = raw
	}
	for i, t := range req.Transformations {
		step := domain.Transformation{Type: t.Type}
		if t.Config != nil {
			raw, err := json.Marshal(t.Config)
			if err != nil {
				return fm, badRequest("transformations[%d].config: %v", i, err)
			}
			step.Config = raw
		}
		fm.Transformations = append(fm.Transformations, step)
	}
	return fm, nil
}

func encodeFilter(filter map[string]any) (string, error) {
	if len(filter) == 0 {
		return "", nil
	}
	raw, err := json.Marshal(filter)
	if err != nil {
		return "", fmt.Errorf("filter_condition: %w", err)
	}
	return string(raw), nil
}
