package memory_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"syncbridge/internal/config"
	"syncbridge/internal/connector"
	"syncbridge/internal/connector/memory"
)

func newContacts(t *testing.T) *memory.Connector {
	t.Helper()
	c := memory.New("crm", memory.WithEntity(connector.Entity{ID: "contacts", Name: "contacts"},
		connector.Field{ID: "email", Name: "email", DataType: "string"},
		connector.Field{ID: "age", Name: "age", DataType: "number"},
	))
	c.Seed("contacts",
		map[string]any{"id": "1", "email": "a@x.io", "age": 40.0, "tier": "gold"},
		map[string]any{"id": "2", "email": "b@x.io", "age": 25.0, "tier": "gold"},
		map[string]any{"id": "3", "email": "c@x.io", "age": 31.0, "tier": "silver"},
	)
	return c
}

func TestQueryFilterAndPaging(t *testing.T) {
	ctx := context.Background()
	c := newContacts(t)

	res, err := c.Query(ctx, "contacts", connector.Filter{"tier": "gold"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, res.TotalCount)
	assert.False(t, res.HasMore)

	res, err = c.Query(ctx, "contacts", nil, &connector.QueryOptions{OrderBy: "age", Limit: 2})
	require.NoError(t, err)
	require.Len(t, res.Records, 2)
	assert.Equal(t, "2", res.Records[0]["id"])
	assert.Equal(t, "3", res.Records[1]["id"])
	assert.True(t, res.HasMore)

	res, err = c.Query(ctx, "contacts", nil, &connector.QueryOptions{OrderBy: "age", OrderDirection: "desc", Offset: 2, Fields: []string{"email"}})
	require.NoError(t, err)
	require.Len(t, res.Records, 1)
	assert.Equal(t, map[string]any{"id": "2", "email": "b@x.io"}, res.Records[0])

	_, err = c.Query(ctx, "deals", nil, nil)
	assert.Error(t, err)
}

func TestQueryMatchesAcrossScalarTypes(t *testing.T) {
	c := newContacts(t)
	res, err := c.Query(context.Background(), "contacts", connector.Filter{"age": "40"}, nil)
	require.NoError(t, err)
	require.Len(t, res.Records, 1)
	assert.Equal(t, "1", res.Records[0]["id"])
}

func TestCreateUpdateDelete(t *testing.T) {
	ctx := context.Background()
	c := newContacts(t)

	created := c.Create(ctx, "contacts", map[string]any{"email": "d@x.io"})
	require.True(t, created.Success, created.Error)
	require.NotEmpty(t, created.ID)

	updated := c.Update(ctx, "contacts", created.ID, map[string]any{"age": 50.0})
	require.True(t, updated.Success)
	assert.Equal(t, "d@x.io", updated.Data["email"])
	assert.Equal(t, 50.0, updated.Data["age"])

	missing := c.Update(ctx, "contacts", "nope", map[string]any{"age": 1.0})
	assert.False(t, missing.Success)
	assert.Contains(t, missing.Error, "not found")

	read := c.Read(ctx, "contacts", created.ID, &connector.ReadOptions{Fields: []string{"age"}})
	require.True(t, read.Success)
	assert.Equal(t, map[string]any{"id": created.ID, "age": 50.0}, read.Data)

	assert.True(t, c.Delete(ctx, "contacts", created.ID).Success)
	assert.False(t, c.Read(ctx, "contacts", created.ID, nil).Success)
	assert.Len(t, c.Records("contacts"), 3)
}

func TestReturnedRecordsAreCopies(t *testing.T) {
	ctx := context.Background()
	c := newContacts(t)
	res, err := c.Query(ctx, "contacts", connector.Filter{"id": "1"}, nil)
	require.NoError(t, err)
	res.Records[0]["email"] = "changed"
	assert.Equal(t, "a@x.io", c.Records("contacts")[0]["email"])
}

func TestFaultHook(t *testing.T) {
	ctx := context.Background()
	c := newContacts(t)
	c.SetFault(func(op memory.Op, _ string, data map[string]any) error {
		if op == memory.OpCreate && data["email"] == "bad@x.io" {
			return memory.ErrInjected
		}
		return nil
	})
	res := c.Create(ctx, "contacts", map[string]any{"email": "bad@x.io"})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "injected fault")
	assert.True(t, c.Create(ctx, "contacts", map[string]any{"email": "ok@x.io"}).Success)
}

func TestAuthenticate(t *testing.T) {
	ctx := context.Background()
	c := memory.New("crm", memory.WithAPIKey("secret"))

	_, err := c.Authenticate(ctx, connector.Credentials{"api_key": "wrong"})
	var authErr *connector.AuthenticationError
	require.True(t, errors.As(err, &authErr))

	tok, err := c.Authenticate(ctx, connector.Credentials{"api_key": "secret"})
	require.NoError(t, err)
	assert.NotEmpty(t, tok.AccessToken)

	refreshed, err := c.RefreshToken(ctx, tok)
	require.NoError(t, err)
	assert.NotEqual(t, tok.AccessToken, refreshed.AccessToken)

	_, err = c.RefreshToken(ctx, connector.AuthToken{AccessToken: "x"})
	assert.ErrorIs(t, err, connector.ErrNoRefreshToken)
}

func TestFromConfig(t *testing.T) {
	c := memory.FromConfig(config.ConnectorConfig{
		ID:   "erp",
		Kind: config.KindMemory,
		Entities: []config.EntityConfig{{
			ID:      "customers",
			Fields:  []config.FieldConfig{{ID: "name", Required: true}},
			Records: []map[string]any{{"id": "c1", "name": "Acme"}},
		}},
	})
	assert.Equal(t, "erp", c.Name())
	fields, err := c.EntityFields(context.Background(), "customers")
	require.NoError(t, err)
	require.Len(t, fields, 1)
	assert.Equal(t, "customers", fields[0].EntityID)
	assert.True(t, fields[0].IsRequired)
	assert.Equal(t, "string", fields[0].DataType)
	assert.Len(t, c.Records("customers"), 1)
}
