// Package memory is an in-process connector holding records in maps. It backs
// tests and local demos and can serve as a loopback target.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"syncbridge/internal/config"
	"syncbridge/internal/connector"
	"syncbridge/internal/record"
)

// Op names the operation a fault hook is consulted for.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
	OpQuery  Op = "query"
)

// FaultFunc lets tests fail individual operations. A non-nil error fails the
// call: write operations report it in their result, Query returns it.
type FaultFunc func(op Op, entityID string, data map[string]any) error

type entity struct {
	def     connector.Entity
	fields  []connector.Field
	order   []string
	records map[string]map[string]any
}

type Connector struct {
	id     string
	name   string
	apiKey string

	mu       sync.Mutex
	entities map[string]*entity
	fault    FaultFunc
}

type Option func(*Connector)

func WithName(name string) Option { return func(c *Connector) { c.name = name } }

// WithAPIKey makes Authenticate require credentials {"api_key": key}.
func WithAPIKey(key string) Option { return func(c *Connector) { c.apiKey = key } }

func WithFault(f FaultFunc) Option { return func(c *Connector) { c.fault = f } }

// WithEntity declares an entity and its fields.
func WithEntity(e connector.Entity, fields ...connector.Field) Option {
	return func(c *Connector) { c.define(e, fields) }
}

func New(id string, opts ...Option) *Connector {
	c := &Connector{id: id, name: id, entities: map[string]*entity{}}
	for _, o := range opts {
		o(c)
	}
	return c
}

// FromConfig builds a connector from its YAML definition, seeding records.
func FromConfig(cc config.ConnectorConfig) *Connector {
	c := New(cc.ID, WithName(cc.Name), WithAPIKey(cc.Auth.APIKey))
	if c.name == "" {
		c.name = cc.ID
	}
	for _, ec := range cc.Entities {
		fields := make([]connector.Field, 0, len(ec.Fields))
		for _, fc := range ec.Fields {
			fields = append(fields, connector.Field{
				ID:          fc.ID,
				EntityID:    ec.ID,
				Name:        firstNonEmpty(fc.Name, fc.ID),
				DisplayName: firstNonEmpty(fc.DisplayName, fc.Name, fc.ID),
				DataType:    firstNonEmpty(fc.DataType, "string"),
				IsRequired:  fc.Required,
				IsReadOnly:  fc.ReadOnly,
				EnumValues:  fc.EnumValues,
			})
		}
		c.define(connector.Entity{
			ID:          ec.ID,
			Name:        firstNonEmpty(ec.Name, ec.ID),
			DisplayName: firstNonEmpty(ec.DisplayName, ec.Name, ec.ID),
		}, fields)
		c.Seed(ec.ID, ec.Records...)
	}
	return c
}

func (c *Connector) define(e connector.Entity, fields []connector.Field) {
	for i := range fields {
		if fields[i].EntityID == "" {
			fields[i].EntityID = e.ID
		}
	}
	c.entities[e.ID] = &entity{def: e, fields: fields, records: map[string]map[string]any{}}
}

// SetFault replaces the fault hook.
func (c *Connector) SetFault(f FaultFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fault = f
}

// Seed inserts records as-is, generating ids where missing.
func (c *Connector) Seed(entityID string, recs ...map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entities[entityID]
	if !ok {
		e = &entity{def: connector.Entity{ID: entityID, Name: entityID, DisplayName: entityID}, records: map[string]map[string]any{}}
		c.entities[entityID] = e
	}
	for _, r := range recs {
		e.insert(record.Clone(r))
	}
}

// Records returns a snapshot of an entity's records in insertion order.
func (c *Connector) Records(entityID string) []map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entities[entityID]
	if !ok {
		return nil
	}
	out := make([]map[string]any, 0, len(e.order))
	for _, id := range e.order {
		out = append(out, record.Clone(e.records[id]))
	}
	return out
}

func (e *entity) insert(r map[string]any) string {
	id, _ := r["id"].(string)
	if id == "" {
		id = uuid.NewString()
		r["id"] = id
	}
	if _, exists := e.records[id]; !exists {
		e.order = append(e.order, id)
	}
	e.records[id] = r
	return id
}

func (c *Connector) ID() string   { return c.id }
func (c *Connector) Name() string { return c.name }

func (c *Connector) SupportedAuthMethods() []connector.AuthMethod {
	return []connector.AuthMethod{{Type: connector.AuthAPIKey, Config: map[string]any{"field": "api_key"}}}
}

func (c *Connector) Authenticate(_ context.Context, creds connector.Credentials) (connector.AuthToken, error) {
	if c.apiKey != "" {
		if key, _ := creds["api_key"].(string); key != c.apiKey {
			return connector.AuthToken{}, &connector.AuthenticationError{Connector: c.id, Reason: "invalid api key"}
		}
	}
	return connector.AuthToken{AccessToken: uuid.NewString(), RefreshToken: uuid.NewString()}, nil
}

func (c *Connector) RefreshToken(_ context.Context, token connector.AuthToken) (connector.AuthToken, error) {
	if token.RefreshToken == "" {
		return connector.AuthToken{}, connector.ErrNoRefreshToken
	}
	return connector.AuthToken{AccessToken: uuid.NewString(), RefreshToken: token.RefreshToken}, nil
}

func (c *Connector) Entities(context.Context) ([]connector.Entity, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]connector.Entity, 0, len(c.entities))
	for _, e := range c.entities {
		out = append(out, e.def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (c *Connector) EntityFields(_ context.Context, entityID string) ([]connector.Field, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entities[entityID]
	if !ok {
		return nil, fmt.Errorf("%s: unknown entity %s", c.id, entityID)
	}
	return append([]connector.Field(nil), e.fields...), nil
}

func (c *Connector) Create(_ context.Context, entityID string, data map[string]any) connector.WriteResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, err := c.entity(entityID)
	if err != nil {
		return connector.Failed("", err)
	}
	if err := c.check(OpCreate, entityID, data); err != nil {
		return connector.Failed("", err)
	}
	r := record.Clone(data)
	id := e.insert(r)
	return connector.WriteResult{Success: true, ID: id, Data: record.Clone(r)}
}

func (c *Connector) Read(_ context.Context, entityID, id string, opts *connector.ReadOptions) connector.ReadResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, err := c.entity(entityID)
	if err != nil {
		return connector.ReadResult{Error: err.Error()}
	}
	r, ok := e.records[id]
	if !ok {
		return connector.ReadResult{Error: fmt.Sprintf("record %s not found", id)}
	}
	var fields []string
	if opts != nil {
		fields = opts.Fields
	}
	return connector.ReadResult{Success: true, Data: project(r, fields)}
}

func (c *Connector) Query(_ context.Context, entityID string, filter connector.Filter, opts *connector.QueryOptions) (connector.QueryResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, err := c.entity(entityID)
	if err != nil {
		return connector.QueryResult{}, err
	}
	if err := c.check(OpQuery, entityID, filter); err != nil {
		return connector.QueryResult{}, err
	}
	var matched []map[string]any
	for _, id := range e.order {
		if r := e.records[id]; matches(r, filter) {
			matched = append(matched, r)
		}
	}
	if opts == nil {
		opts = &connector.QueryOptions{}
	}
	if opts.OrderBy != "" {
		desc := opts.OrderDirection == "desc"
		sort.SliceStable(matched, func(i, j int) bool {
			if desc {
				return less(record.Lookup(matched[j], opts.OrderBy), record.Lookup(matched[i], opts.OrderBy))
			}
			return less(record.Lookup(matched[i], opts.OrderBy), record.Lookup(matched[j], opts.OrderBy))
		})
	}
	total := len(matched)
	start := min(max(opts.Offset, 0), total)
	end := total
	if opts.Limit > 0 && start+opts.Limit < total {
		end = start + opts.Limit
	}
	out := make([]map[string]any, 0, end-start)
	for _, r := range matched[start:end] {
		out = append(out, project(r, opts.Fields))
	}
	return connector.QueryResult{Records: out, TotalCount: total, HasMore: end < total}, nil
}

func (c *Connector) Update(_ context.Context, entityID, id string, data map[string]any) connector.WriteResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, err := c.entity(entityID)
	if err != nil {
		return connector.Failed(id, err)
	}
	r, ok := e.records[id]
	if !ok {
		return connector.Failed(id, fmt.Errorf("record %s not found", id))
	}
	if err := c.check(OpUpdate, entityID, data); err != nil {
		return connector.Failed(id, err)
	}
	for k, v := range record.Clone(data) {
		r[k] = v
	}
	r["id"] = id
	return connector.WriteResult{Success: true, ID: id, Data: record.Clone(r)}
}

func (c *Connector) Delete(_ context.Context, entityID, id string) connector.WriteResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, err := c.entity(entityID)
	if err != nil {
		return connector.Failed(id, err)
	}
	if _, ok := e.records[id]; !ok {
		return connector.Failed(id, fmt.Errorf("record %s not found", id))
	}
	if err := c.check(OpDelete, entityID, nil); err != nil {
		return connector.Failed(id, err)
	}
	delete(e.records, id)
	for i, oid := range e.order {
		if oid == id {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
	return connector.WriteResult{Success: true, ID: id}
}

func (c *Connector) entity(id string) (*entity, error) {
	e, ok := c.entities[id]
	if !ok {
		return nil, fmt.Errorf("%s: unknown entity %s", c.id, id)
	}
	return e, nil
}

func (c *Connector) check(op Op, entityID string, data map[string]any) error {
	if c.fault == nil {
		return nil
	}
	if err := c.fault(op, entityID, data); err != nil {
		return fmt.Errorf("%s %s: %w", op, entityID, err)
	}
	return nil
}

// ErrInjected is a convenience error for fault hooks.
var ErrInjected = errors.New("injected fault")

func matches(r map[string]any, filter connector.Filter) bool {
	for k, want := range filter {
		got, ok := record.Get(r, k)
		if !ok || record.String(got) != record.String(want) {
			return false
		}
	}
	return true
}

func less(a, b any) bool {
	fa, aok := record.AsNumber(a)
	fb, bok := record.AsNumber(b)
	if aok && bok {
		return fa < fb
	}
	return record.String(a) < record.String(b)
}

func project(r map[string]any, fields []string) map[string]any {
	if len(fields) == 0 {
		return record.Clone(r)
	}
	out := map[string]any{"id": r["id"]}
	for _, f := range fields {
		if v, ok := record.Get(r, f); ok {
			record.Set(out, f, v)
		}
	}
	return record.Clone(out)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
