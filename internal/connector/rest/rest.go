// Package rest is a generic JSON-over-HTTP connector. Entities map to
// collection paths under a base URL and are described statically in config.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/spf13/cast"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"syncbridge/internal/config"
	"syncbridge/internal/connector"
)

// StatusError wraps non-2xx responses.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("status=%d body=%s", e.StatusCode, e.Body)
}

type Connector struct {
	cfg     config.ConnectorConfig
	log     logr.Logger
	timeout time.Duration
	base    *http.Client

	mu     sync.RWMutex
	secret string
	tokens oauth2.TokenSource
}

// New builds a connector. baseClient may be nil.
func New(cfg config.ConnectorConfig, baseClient *http.Client, log logr.Logger) *Connector {
	if baseClient == nil {
		baseClient = http.DefaultClient
	}
	c := &Connector{
		cfg:     cfg,
		log:     log.WithValues("connector", cfg.ID),
		timeout: time.Duration(cfg.Timeout()) * time.Millisecond,
		base:    baseClient,
	}
	switch cfg.Auth.Type {
	case "api_key":
		c.secret = cfg.Auth.APIKey
	case "bearer":
		c.secret = cfg.Auth.Token
	case "oauth2":
		c.tokens = c.tokenSource(cfg.Auth.RefreshToken)
	}
	return c
}

func (c *Connector) ID() string { return c.cfg.ID }

func (c *Connector) Name() string {
	if c.cfg.Name != "" {
		return c.cfg.Name
	}
	return c.cfg.ID
}

func (c *Connector) SupportedAuthMethods() []connector.AuthMethod {
	switch c.cfg.Auth.Type {
	case "oauth2":
		return []connector.AuthMethod{{Type: connector.AuthOAuth2, Config: map[string]any{
			"token_url": c.cfg.Auth.TokenURL,
			"scopes":    c.cfg.Auth.Scopes,
		}}}
	case "bearer":
		return []connector.AuthMethod{{Type: connector.AuthCustom, Config: map[string]any{"scheme": "bearer"}}}
	}
	return []connector.AuthMethod{{Type: connector.AuthAPIKey, Config: map[string]any{"header": c.apiKeyHeader()}}}
}

// Authenticate installs credentials for subsequent calls. api_key and bearer
// take the secret from creds; oauth2 fetches a token from the token URL.
func (c *Connector) Authenticate(ctx context.Context, creds connector.Credentials) (connector.AuthToken, error) {
	switch c.cfg.Auth.Type {
	case "oauth2":
		ts := c.tokenSource(cast.ToString(creds["refresh_token"]))
		ctx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		tok, err := c.fetch(ctx, ts)
		if err != nil {
			return connector.AuthToken{}, err
		}
		c.mu.Lock()
		c.tokens = oauth2.ReuseTokenSource(tok, ts)
		c.mu.Unlock()
		return toAuthToken(tok), nil
	default:
		key := cast.ToString(creds["api_key"])
		if key == "" {
			key = cast.ToString(creds["token"])
		}
		if key == "" {
			return connector.AuthToken{}, &connector.AuthenticationError{Connector: c.cfg.ID, Reason: "missing api_key or token"}
		}
		c.mu.Lock()
		c.secret = key
		c.mu.Unlock()
		return connector.AuthToken{AccessToken: key}, nil
	}
}

func (c *Connector) RefreshToken(ctx context.Context, token connector.AuthToken) (connector.AuthToken, error) {
	if token.RefreshToken == "" {
		return connector.AuthToken{}, connector.ErrNoRefreshToken
	}
	if c.cfg.Auth.Type != "oauth2" {
		return connector.AuthToken{}, fmt.Errorf("%s: refresh requires oauth2 auth", c.cfg.ID)
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	tok, err := c.fetch(ctx, c.tokenSource(token.RefreshToken))
	if err != nil {
		return connector.AuthToken{}, err
	}
	return toAuthToken(tok), nil
}

func (c *Connector) Entities(context.Context) ([]connector.Entity, error) {
	out := make([]connector.Entity, 0, len(c.cfg.Entities))
	for _, e := range c.cfg.Entities {
		out = append(out, connector.Entity{ID: e.ID, Name: orDefault(e.Name, e.ID), DisplayName: orDefault(e.DisplayName, e.ID)})
	}
	return out, nil
}

func (c *Connector) EntityFields(_ context.Context, entityID string) ([]connector.Field, error) {
	e, err := c.entity(entityID)
	if err != nil {
		return nil, err
	}
	out := make([]connector.Field, 0, len(e.Fields))
	for _, f := range e.Fields {
		out = append(out, connector.Field{
			ID:          f.ID,
			EntityID:    e.ID,
			Name:        orDefault(f.Name, f.ID),
			DisplayName: orDefault(f.DisplayName, f.ID),
			DataType:    orDefault(f.DataType, "string"),
			IsRequired:  f.Required,
			IsReadOnly:  f.ReadOnly,
			EnumValues:  f.EnumValues,
		})
	}
	return out, nil
}

func (c *Connector) Create(ctx context.Context, entityID string, data map[string]any) connector.WriteResult {
	e, err := c.entity(entityID)
	if err != nil {
		return connector.Failed("", err)
	}
	var out map[string]any
	if err := c.do(ctx, http.MethodPost, collectionPath(e), nil, data, &out); err != nil {
		return connector.Failed("", err)
	}
	return connector.WriteResult{Success: true, ID: cast.ToString(out[idField(e)]), Data: out}
}

func (c *Connector) Read(ctx context.Context, entityID, id string, opts *connector.ReadOptions) connector.ReadResult {
	e, err := c.entity(entityID)
	if err != nil {
		return connector.ReadResult{Error: err.Error()}
	}
	q := url.Values{}
	if opts != nil && len(opts.Fields) > 0 {
		q.Set("fields", strings.Join(opts.Fields, ","))
	}
	var out map[string]any
	if err := c.do(ctx, http.MethodGet, itemPath(e, id), q, nil, &out); err != nil {
		return connector.ReadResult{Error: err.Error()}
	}
	return connector.ReadResult{Success: true, Data: out}
}

func (c *Connector) Query(ctx context.Context, entityID string, filter connector.Filter, opts *connector.QueryOptions) (connector.QueryResult, error) {
	e, err := c.entity(entityID)
	if err != nil {
		return connector.QueryResult{}, err
	}
	q := url.Values{}
	for k, v := range filter {
		q.Set(k, cast.ToString(v))
	}
	if opts != nil {
		if opts.Limit > 0 {
			q.Set("limit", strconv.Itoa(opts.Limit))
		}
		if opts.Offset > 0 {
			q.Set("offset", strconv.Itoa(opts.Offset))
		}
		if opts.OrderBy != "" {
			q.Set("order_by", opts.OrderBy)
		}
		if opts.OrderDirection != "" {
			q.Set("order", opts.OrderDirection)
		}
		if len(opts.Fields) > 0 {
			q.Set("fields", strings.Join(opts.Fields, ","))
		}
	}
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, collectionPath(e), q, nil, &raw); err != nil {
		return connector.QueryResult{}, fmt.Errorf("query %s: %w", entityID, err)
	}
	return decodeQuery(raw, orDefault(e.RecordsKey, "records"))
}

func (c *Connector) Update(ctx context.Context, entityID, id string, data map[string]any) connector.WriteResult {
	e, err := c.entity(entityID)
	if err != nil {
		return connector.Failed(id, err)
	}
	var out map[string]any
	if err := c.do(ctx, http.MethodPatch, itemPath(e, id), nil, data, &out); err != nil {
		return connector.Failed(id, err)
	}
	return connector.WriteResult{Success: true, ID: id, Data: out}
}

func (c *Connector) Delete(ctx context.Context, entityID, id string) connector.WriteResult {
	e, err := c.entity(entityID)
	if err != nil {
		return connector.Failed(id, err)
	}
	if err := c.do(ctx, http.MethodDelete, itemPath(e, id), nil, nil, nil); err != nil {
		return connector.Failed(id, err)
	}
	return connector.WriteResult{Success: true, ID: id}
}

func (c *Connector) entity(id string) (config.EntityConfig, error) {
	for _, e := range c.cfg.Entities {
		if e.ID == id {
			return e, nil
		}
	}
	return config.EntityConfig{}, fmt.Errorf("%s: unknown entity %s", c.cfg.ID, id)
}

func (c *Connector) do(ctx context.Context, method, p string, q url.Values, body any, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + "/" + strings.TrimLeft(p, "/")
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	client, err := c.client(ctx, req)
	if err != nil {
		return err
	}
	c.log.V(1).Info("request", "method", method, "path", p)
	resp, err := client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%s %s: timed out after %s: %w", method, p, c.timeout, err)
		}
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// client returns the HTTP client for one request, applying static
// credentials to req or wrapping the base client with an oauth2 transport.
func (c *Connector) client(ctx context.Context, req *http.Request) (*http.Client, error) {
	c.mu.RLock()
	secret, tokens := c.secret, c.tokens
	c.mu.RUnlock()
	switch c.cfg.Auth.Type {
	case "api_key":
		if secret != "" {
			req.Header.Set(c.apiKeyHeader(), secret)
		}
	case "bearer":
		if secret != "" {
			req.Header.Set("Authorization", "Bearer "+secret)
		}
	case "oauth2":
		if tokens == nil {
			return nil, &connector.AuthenticationError{Connector: c.cfg.ID, Reason: "no oauth2 token source"}
		}
		return oauth2.NewClient(context.WithValue(ctx, oauth2.HTTPClient, c.base), tokens), nil
	}
	return c.base, nil
}

func (c *Connector) apiKeyHeader() string {
	return orDefault(c.cfg.Auth.Header, "X-Api-Key")
}

// tokenSource uses the refresh token grant when one is given and client
// credentials otherwise.
func (c *Connector) tokenSource(refreshToken string) oauth2.TokenSource {
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, c.base)
	a := c.cfg.Auth
	if refreshToken != "" {
		oc := &oauth2.Config{
			ClientID:     a.ClientID,
			ClientSecret: a.ClientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: a.TokenURL},
			Scopes:       a.Scopes,
		}
		return oc.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	}
	cc := &clientcredentials.Config{
		ClientID:     a.ClientID,
		ClientSecret: a.ClientSecret,
		TokenURL:     a.TokenURL,
		Scopes:       a.Scopes,
	}
	return cc.TokenSource(ctx)
}

func (c *Connector) fetch(ctx context.Context, ts oauth2.TokenSource) (*oauth2.Token, error) {
	type result struct {
		tok *oauth2.Token
		err error
	}
	ch := make(chan result, 1)
	go func() {
		tok, err := ts.Token()
		ch <- result{tok, err}
	}()
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: token request: %w", c.cfg.ID, ctx.Err())
	case r := <-ch:
		if r.err != nil {
			var re *oauth2.RetrieveError
			if errors.As(r.err, &re) {
				return nil, &connector.AuthenticationError{Connector: c.cfg.ID, Reason: re.Error()}
			}
			return nil, fmt.Errorf("%s: token request: %w", c.cfg.ID, r.err)
		}
		return r.tok, nil
	}
}

func toAuthToken(tok *oauth2.Token) connector.AuthToken {
	out := connector.AuthToken{AccessToken: tok.AccessToken, RefreshToken: tok.RefreshToken}
	if !tok.Expiry.IsZero() {
		exp := tok.Expiry
		out.ExpiresAt = &exp
	}
	if tok.TokenType != "" {
		out.AdditionalData = map[string]any{"token_type": tok.TokenType}
	}
	return out
}

// decodeQuery accepts either a bare JSON array or an object carrying the
// records under key plus optional total_count and has_more.
func decodeQuery(raw json.RawMessage, key string) (connector.QueryResult, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var recs []map[string]any
		if err := json.Unmarshal(trimmed, &recs); err != nil {
			return connector.QueryResult{}, fmt.Errorf("decode records: %w", err)
		}
		return connector.QueryResult{Records: recs, TotalCount: len(recs)}, nil
	}
	var env map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return connector.QueryResult{}, fmt.Errorf("decode response: %w", err)
	}
	var recs []map[string]any
	if r, ok := env[key]; ok {
		if err := json.Unmarshal(r, &recs); err != nil {
			return connector.QueryResult{}, fmt.Errorf("decode %s: %w", key, err)
		}
	}
	res := connector.QueryResult{Records: recs, TotalCount: len(recs)}
	if t, ok := env["total_count"]; ok {
		var n any
		_ = json.Unmarshal(t, &n)
		res.TotalCount = cast.ToInt(n)
	}
	if h, ok := env["has_more"]; ok {
		_ = json.Unmarshal(h, &res.HasMore)
	}
	return res, nil
}

func collectionPath(e config.EntityConfig) string {
	return orDefault(e.Path, e.ID)
}

func itemPath(e config.EntityConfig, id string) string {
	return strings.TrimRight(collectionPath(e), "/") + "/" + url.PathEscape(id)
}

func idField(e config.EntityConfig) string {
	return orDefault(e.IDField, "id")
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
