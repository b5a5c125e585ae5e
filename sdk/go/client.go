package syncbridgesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Syncbridge HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  10 * time.Second,
	}
}

// Integration represents the API integration model. Stored credentials are
// never returned; a configured side reads {"configured": true}.
type Integration struct {
	ID                string         `json:"id"`
	Name              string         `json:"name"`
	Description       string         `json:"description,omitempty"`
	SourceConnectorID string         `json:"source_connector_id"`
	TargetConnectorID string         `json:"target_connector_id"`
	Status            string         `json:"status,omitempty"`
	SyncDirection     string         `json:"sync_direction,omitempty"`
	SyncFrequency     string         `json:"sync_frequency,omitempty"`
	SourceAuth        map[string]any `json:"source_auth,omitempty"`
	TargetAuth        map[string]any `json:"target_auth,omitempty"`
	LastSyncAt        string         `json:"last_sync_at,omitempty"`
	CreatedAt         string         `json:"created_at,omitempty"`
	UpdatedAt         string         `json:"updated_at,omitempty"`
}

// Mapping pairs a source entity with a target entity.
type Mapping struct {
	ID               string         `json:"id,omitempty"`
	IntegrationID    string         `json:"integration_id,omitempty"`
	Name             string         `json:"name"`
	Description      string         `json:"description,omitempty"`
	SourceEntityID   string         `json:"source_entity_id"`
	TargetEntityID   string         `json:"target_entity_id"`
	FilterCondition  map[string]any `json:"-"`
	SourceKeyField   string         `json:"source_key_field"`
	TargetKeyField   string         `json:"target_key_field"`
	RecordsProcessed int            `json:"records_processed,omitempty"`
	RecordsSucceeded int            `json:"records_succeeded,omitempty"`
	RecordsFailed    int            `json:"records_failed,omitempty"`
}

type Transformation struct {
	Type   string         `json:"type"`
	Config map[string]any `json:"config,omitempty"`
}

// FieldMapping computes one target field.
type FieldMapping struct {
	ID              string           `json:"id,omitempty"`
	MappingID       string           `json:"mapping_id,omitempty"`
	SourceFieldID   string           `json:"source_field_id"`
	TargetFieldID   string           `json:"target_field_id"`
	SourceFieldPath string           `json:"source_field_path,omitempty"`
	TargetFieldPath string           `json:"target_field_path,omitempty"`
	Strategy        string           `json:"strategy,omitempty"`
	Config          map[string]any   `json:"config,omitempty"`
	Transformations []Transformation `json:"transformations,omitempty"`
	Position        *int             `json:"position,omitempty"`
}

// SyncLog is the audit record of one run.
type SyncLog struct {
	ID               string `json:"id"`
	IntegrationID    string `json:"integration_id"`
	Label            string `json:"label"`
	Trigger          string `json:"trigger"`
	Status           string `json:"status"`
	StartedAt        string `json:"started_at"`
	FinishedAt       string `json:"finished_at"`
	RecordsProcessed int    `json:"records_processed"`
	RecordsSucceeded int    `json:"records_succeeded"`
	RecordsFailed    int    `json:"records_failed"`
	Error            string `json:"error"`
}

// SyncInitiated acknowledges a triggered run. The run's outcome shows up in
// the integration's sync logs.
type SyncInitiated struct {
	Message       string `json:"message"`
	IntegrationID string `json:"integration_id"`
	Timestamp     string `json:"timestamp"`
}

type Connector struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// ListConnectors returns the configured connectors.
func (c *Client) ListConnectors(ctx context.Context) ([]Connector, error) {
	var resp []Connector
	err := c.do(ctx, http.MethodGet, "connectors", nil, &resp)
	return resp, err
}

// ListIntegrations returns integrations, optionally filtered by status.
func (c *Client) ListIntegrations(ctx context.Context, status string) ([]Integration, error) {
	endpoint := "integrations"
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(status)
	}
	var resp []Integration
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// CreateIntegration creates an integration. Empty status, direction and
// frequency take the server defaults.
func (c *Client) CreateIntegration(ctx context.Context, it Integration) (Integration, error) {
	var resp Integration
	err := c.do(ctx, http.MethodPost, "integrations", it, &resp)
	return resp, err
}

func (c *Client) GetIntegration(ctx context.Context, id string) (Integration, error) {
	var resp Integration
	err := c.do(ctx, http.MethodGet, "integrations/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// SetIntegrationStatus changes only the status, which also reschedules the
// integration.
func (c *Client) SetIntegrationStatus(ctx context.Context, id, status string) (Integration, error) {
	var resp Integration
	err := c.do(ctx, http.MethodPut, "integrations/"+url.PathEscape(id), map[string]any{"status": status}, &resp)
	return resp, err
}

func (c *Client) DeleteIntegration(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "integrations/"+url.PathEscape(id), nil, nil)
}

// CreateMapping adds a mapping group to an integration.
func (c *Client) CreateMapping(ctx context.Context, integrationID string, m Mapping) (Mapping, error) {
	body := map[string]any{
		"name":             m.Name,
		"description":      m.Description,
		"source_entity_id": m.SourceEntityID,
		"target_entity_id": m.TargetEntityID,
		"source_key_field": m.SourceKeyField,
		"target_key_field": m.TargetKeyField,
	}
	if len(m.FilterCondition) > 0 {
		body["filter_condition"] = m.FilterCondition
	}
	var resp Mapping
	endpoint := fmt.Sprintf("integrations/%s/mappings", url.PathEscape(integrationID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// CreateFieldMapping adds a field mapping. The server rejects field mappings
// that do not compile.
func (c *Client) CreateFieldMapping(ctx context.Context, mappingID string, fm FieldMapping) (FieldMapping, error) {
	var resp FieldMapping
	endpoint := fmt.Sprintf("mappings/%s/fields", url.PathEscape(mappingID))
	err := c.do(ctx, http.MethodPost, endpoint, fm, &resp)
	return resp, err
}

// TriggerSync starts a run in the background.
func (c *Client) TriggerSync(ctx context.Context, integrationID string) (SyncInitiated, error) {
	var resp SyncInitiated
	endpoint := fmt.Sprintf("integrations/%s/sync", url.PathEscape(integrationID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// ListSyncLogs returns the newest runs first.
func (c *Client) ListSyncLogs(ctx context.Context, integrationID string, limit int) ([]SyncLog, error) {
	endpoint := fmt.Sprintf("integrations/%s/sync-logs", url.PathEscape(integrationID))
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []SyncLog
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) GetSyncLog(ctx context.Context, id string) (SyncLog, error) {
	var resp SyncLog
	err := c.do(ctx, http.MethodGet, "sync-logs/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code, apiErr.Message = env.Error.Code, env.Error.Message
		}
		return apiErr
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
