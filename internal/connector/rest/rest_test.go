package rest_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"syncbridge/internal/config"
	"syncbridge/internal/connector"
	"syncbridge/internal/connector/rest"
)

func contactsConfig(baseURL string) config.ConnectorConfig {
	return config.ConnectorConfig{
		ID:      "crm",
		Kind:    config.KindREST,
		BaseURL: baseURL,
		Auth:    config.AuthConfig{Type: "api_key", APIKey: "k1"},
		Entities: []config.EntityConfig{{
			ID:         "contacts",
			Path:       "/api/contacts",
			RecordsKey: "items",
			Fields:     []config.FieldConfig{{ID: "email", Required: true}},
		}},
	}
}

func TestQuerySendsFilterAndAuth(t *testing.T) {
	var gotKey, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-Api-Key")
		gotQuery = r.URL.RawQuery
		_ = json.NewEncoder(w).Encode(map[string]any{
			"items":       []map[string]any{{"id": "1", "email": "a@x.io"}},
			"total_count": 5,
			"has_more":    true,
		})
	}))
	defer srv.Close()

	c := rest.New(contactsConfig(srv.URL), srv.Client(), testr.New(t))
	res, err := c.Query(context.Background(), "contacts", connector.Filter{"email": "a@x.io"}, &connector.QueryOptions{Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, "k1", gotKey)
	assert.Contains(t, gotQuery, "email=a%40x.io")
	assert.Contains(t, gotQuery, "limit=1")
	require.Len(t, res.Records, 1)
	assert.Equal(t, 5, res.TotalCount)
	assert.True(t, res.HasMore)
}

func TestQueryAcceptsBareArray(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"id":"1"},{"id":"2"}]`))
	}))
	defer srv.Close()

	c := rest.New(contactsConfig(srv.URL), srv.Client(), testr.New(t))
	res, err := c.Query(context.Background(), "contacts", nil, nil)
	require.NoError(t, err)
	assert.Len(t, res.Records, 2)
	assert.Equal(t, 2, res.TotalCount)
}

func TestWritesReportFailureInResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost:
			var body map[string]any
			_ = json.NewDecoder(r.Body).Decode(&body)
			body["id"] = "new-1"
			_ = json.NewEncoder(w).Encode(body)
		case r.Method == http.MethodPatch && strings.HasSuffix(r.URL.Path, "/missing"):
			http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		case r.Method == http.MethodPatch:
			_ = json.NewEncoder(w).Encode(map[string]any{"id": "x"})
		case r.Method == http.MethodDelete:
			w.WriteHeader(http.StatusNoContent)
		}
	}))
	defer srv.Close()

	ctx := context.Background()
	c := rest.New(contactsConfig(srv.URL), srv.Client(), testr.New(t))

	created := c.Create(ctx, "contacts", map[string]any{"email": "a@x.io"})
	require.True(t, created.Success, created.Error)
	assert.Equal(t, "new-1", created.ID)

	assert.True(t, c.Update(ctx, "contacts", "x", map[string]any{"email": "b"}).Success)

	failed := c.Update(ctx, "contacts", "missing", map[string]any{"email": "b"})
	assert.False(t, failed.Success)
	assert.Contains(t, failed.Error, "status=404")

	assert.True(t, c.Delete(ctx, "contacts", "x").Success)
	assert.False(t, c.Create(ctx, "deals", nil).Success)
}

func TestTimeoutSurfacesAsError(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	cfg := contactsConfig(srv.URL)
	cfg.TimeoutMs = 50
	c := rest.New(cfg, srv.Client(), testr.New(t))

	start := time.Now()
	_, err := c.Query(context.Background(), "contacts", nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestOAuth2ClientCredentials(t *testing.T) {
	var gotAuth string
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"tok-1","token_type":"Bearer","expires_in":3600}`))
	})
	mux.HandleFunc("/api/contacts", func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`[]`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	cfg := contactsConfig(srv.URL)
	cfg.Auth = config.AuthConfig{Type: "oauth2", TokenURL: srv.URL + "/token", ClientID: "id", ClientSecret: "secret"}
	c := rest.New(cfg, srv.Client(), testr.New(t))

	tok, err := c.Authenticate(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok.AccessToken)
	require.NotNil(t, tok.ExpiresAt)

	_, err = c.Query(context.Background(), "contacts", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok-1", gotAuth)
}

func TestOAuth2RejectedCredentials(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"invalid_client"}`))
	}))
	defer srv.Close()

	cfg := contactsConfig(srv.URL)
	cfg.Auth = config.AuthConfig{Type: "oauth2", TokenURL: srv.URL + "/token", ClientID: "id", ClientSecret: "bad"}
	c := rest.New(cfg, srv.Client(), testr.New(t))

	_, err := c.Authenticate(context.Background(), nil)
	var authErr *connector.AuthenticationError
	assert.True(t, errors.As(err, &authErr), "got %v", err)
}

func TestAPIKeyAuthenticateRequiresKey(t *testing.T) {
	c := rest.New(contactsConfig("http://127.0.0.1:1"), nil, testr.New(t))
	_, err := c.Authenticate(context.Background(), connector.Credentials{})
	var authErr *connector.AuthenticationError
	assert.True(t, errors.As(err, &authErr))

	tok, err := c.Authenticate(context.Background(), connector.Credentials{"api_key": "k2"})
	require.NoError(t, err)
	assert.Equal(t, "k2", tok.AccessToken)

	_, err = c.RefreshToken(context.Background(), connector.AuthToken{AccessToken: "k2"})
	assert.ErrorIs(t, err, connector.ErrNoRefreshToken)
}
