package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"syncbridge/internal/connector"
)

func registerConnectors(api huma.API, a api) {
	huma.Register(api, huma.Operation{
		OperationID: "list-connectors",
		Method:      http.MethodGet,
		Path:        "/connectors",
		Summary:     "List configured connectors",
	}, func(ctx context.Context, _ *struct{}) (*output[[]ConnectorInfo], error) {
		out := []ConnectorInfo{}
		for _, id := range a.cfg.Connectors.IDs() {
			c, err := a.cfg.Connectors.Get(id)
			if err != nil {
				return nil, handleError(err)
			}
			out = append(out, ConnectorInfo{ID: c.ID(), Name: c.Name(), AuthMethods: c.SupportedAuthMethods()})
		}
		return reply(out), nil
	})

	type connectorPath struct {
		ID string `path:"id"`
	}

	huma.Register(api, huma.Operation{
		OperationID: "list-connector-auth-methods",
		Method:      http.MethodGet,
		Path:        "/connectors/{id}/auth-methods",
		Summary:     "List a connector's auth methods",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *connectorPath) (*output[[]connector.AuthMethod], error) {
		c, err := a.cfg.Connectors.Get(input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(c.SupportedAuthMethods()), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-connector-entities",
		Method:      http.MethodGet,
		Path:        "/connectors/{id}/entities",
		Summary:     "List a connector's entities",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *connectorPath) (*output[[]connector.Entity], error) {
		c, err := a.cfg.Connectors.Get(input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		entities, err := c.Entities(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(entities), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-entity-fields",
		Method:      http.MethodGet,
		Path:        "/connectors/{id}/entities/{entity}/fields",
		Summary:     "List an entity's fields",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID     string `path:"id"`
		Entity string `path:"entity"`
	}) (*output[[]connector.Field], error) {
		c, err := a.cfg.Connectors.Get(input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		fields, err := c.EntityFields(ctx, input.Entity)
		if err != nil {
			return nil, newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
		}
		return reply(fields), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "authenticate-connector",
		Method:      http.MethodPost,
		Path:        "/connectors/{id}/authenticate",
		Summary:     "Check credentials against a connector",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body map[string]any
	}) (*output[AuthenticateResponse], error) {
		c, err := a.cfg.Connectors.Get(input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		tok, err := c.Authenticate(ctx, connector.Credentials(input.Body))
		if err != nil {
			return nil, handleError(err)
		}
		return reply(AuthenticateResponse{Success: true, ExpiresAt: tok.ExpiresAt}), nil
	})
}
