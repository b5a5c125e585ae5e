// Package connector defines the capability every external system adapter
// implements and the registry the sync engine resolves adapters from.
package connector

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned by the registry for an unknown connector id.
var ErrNotFound = errors.New("connector not found")

// Auth method types.
const (
	AuthOAuth2 = "oauth2"
	AuthAPIKey = "api_key"
	AuthBasic  = "basic"
	AuthCustom = "custom"
)

type AuthMethod struct {
	Type   string         `json:"type" enum:"oauth2,api_key,basic,custom"`
	Config map[string]any `json:"config,omitempty"`
}

type AuthToken struct {
	AccessToken    string         `json:"access_token"`
	RefreshToken   string         `json:"refresh_token,omitempty"`
	ExpiresAt      *time.Time     `json:"expires_at,omitempty"`
	AdditionalData map[string]any `json:"additional_data,omitempty"`
}

// Credentials is the connector specific credential bag.
type Credentials map[string]any

type Entity struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
	Description string `json:"description,omitempty"`
}

type Field struct {
	ID           string   `json:"id"`
	EntityID     string   `json:"entity_id"`
	Name         string   `json:"name"`
	DisplayName  string   `json:"display_name"`
	DataType     string   `json:"data_type"`
	IsRequired   bool     `json:"is_required"`
	IsReadOnly   bool     `json:"is_read_only"`
	EnumValues   []string `json:"enum_values,omitempty"`
	DefaultValue any      `json:"default_value,omitempty"`
}

// Filter is a flat equality map.
type Filter map[string]any

type QueryOptions struct {
	Fields         []string
	Limit          int
	Offset         int
	OrderBy        string
	OrderDirection string
}

type ReadOptions struct {
	Fields []string
}

type QueryResult struct {
	Records    []map[string]any
	TotalCount int
	HasMore    bool
}

// WriteResult is returned by Create, Update and Delete. Failures are reported
// with Success=false rather than an error.
type WriteResult struct {
	Success bool
	ID      string
	Data    map[string]any
	Error   string
}

type ReadResult struct {
	Success bool
	Data    map[string]any
	Error   string
}

// Failed builds an unsuccessful write result.
func Failed(id string, err error) WriteResult {
	return WriteResult{ID: id, Error: err.Error()}
}

// Connector is the capability interface of one external system.
//
// Create, Read, Update and Delete report failures in their result. Query,
// Authenticate, RefreshToken, Entities and EntityFields return errors.
type Connector interface {
	ID() string
	Name() string

	SupportedAuthMethods() []AuthMethod
	Authenticate(ctx context.Context, creds Credentials) (AuthToken, error)
	RefreshToken(ctx context.Context, token AuthToken) (AuthToken, error)

	Entities(ctx context.Context) ([]Entity, error)
	EntityFields(ctx context.Context, entityID string) ([]Field, error)

	Create(ctx context.Context, entityID string, data map[string]any) WriteResult
	Read(ctx context.Context, entityID, id string, opts *ReadOptions) ReadResult
	Query(ctx context.Context, entityID string, filter Filter, opts *QueryOptions) (QueryResult, error)
	Update(ctx context.Context, entityID, id string, data map[string]any) WriteResult
	Delete(ctx context.Context, entityID, id string) WriteResult
}

// AuthenticationError marks rejected credentials.
type AuthenticationError struct {
	Connector string
	Reason    string
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("%s: authentication failed: %s", e.Connector, e.Reason)
}

// ErrNoRefreshToken is returned by RefreshToken when the token carries none.
var ErrNoRefreshToken = errors.New("no refresh token available")
