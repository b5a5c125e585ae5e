package server

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"syncbridge/internal/domain"
)

func (a api) checkConnector(id string) error {
	if _, err := a.cfg.Connectors.Get(id); err != nil {
		return badRequest("unknown connector %s", id)
	}
	return nil
}

func registerIntegrations(api huma.API, a api) {
	huma.Register(api, huma.Operation{
		OperationID: "list-integrations",
		Method:      http.MethodGet,
		Path:        "/integrations",
		Summary:     "List integrations",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"draft,active,paused,error"`
	}) (*output[[]domain.Integration], error) {
		items, err := a.cfg.Repo.ListIntegrations(ctx, input.Status)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(redactAll(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-integration",
		Method:        http.MethodPost,
		Path:          "/integrations",
		Summary:       "Create integration",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body CreateIntegrationRequest
	}) (*output[domain.Integration], error) {
		req := input.Body
		for _, id := range []string{req.SourceConnectorID, req.TargetConnectorID} {
			if err := a.checkConnector(id); err != nil {
				return nil, handleError(err)
			}
		}
		now := a.now()
		it := domain.Integration{
			ID:                newID(),
			Name:              req.Name,
			Description:       req.Description,
			SourceConnectorID: req.SourceConnectorID,
			TargetConnectorID: req.TargetConnectorID,
			Status:            orDefault(req.Status, domain.StatusDraft),
			SyncDirection:     orDefault(req.SyncDirection, domain.DirectionSourceToTarget),
			SyncFrequency:     orDefault(req.SyncFrequency, domain.FrequencyMinutes15),
			SourceAuth:        req.SourceAuth,
			TargetAuth:        req.TargetAuth,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		if err := a.cfg.Repo.InsertIntegration(ctx, it); err != nil {
			return nil, handleError(err)
		}
		a.log.Info("created integration", "integration", it.ID)
		a.reschedule(it)
		return reply(redact(it)), nil
	})

	type integrationPath struct {
		ID string `path:"id"`
	}

	huma.Register(api, huma.Operation{
		OperationID: "get-integration",
		Method:      http.MethodGet,
		Path:        "/integrations/{id}",
		Summary:     "Get integration",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *integrationPath) (*output[domain.Integration], error) {
		it, err := a.cfg.Repo.GetIntegration(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(redact(it)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-integration",
		Method:      http.MethodPut,
		Path:        "/integrations/{id}",
		Summary:     "Update integration",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body UpdateIntegrationRequest
	}) (*output[domain.Integration], error) {
		it, err := a.cfg.Repo.GetIntegration(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		req := input.Body
		setString(&it.Name, req.Name)
		setString(&it.Description, req.Description)
		setString(&it.SourceConnectorID, req.SourceConnectorID)
		setString(&it.TargetConnectorID, req.TargetConnectorID)
		setString(&it.SyncDirection, req.SyncDirection)
		setString(&it.SyncFrequency, req.SyncFrequency)
		if req.SourceAuth != nil {
			it.SourceAuth = req.SourceAuth
		}
		if req.TargetAuth != nil {
			it.TargetAuth = req.TargetAuth
		}
		if req.SourceConnectorID != nil || req.TargetConnectorID != nil {
			for _, id := range []string{it.SourceConnectorID, it.TargetConnectorID} {
				if err := a.checkConnector(id); err != nil {
					return nil, handleError(err)
				}
			}
		}
		it.UpdatedAt = a.now()
		if err := a.cfg.Repo.UpdateIntegration(ctx, it); err != nil {
			return nil, handleError(err)
		}
		if req.Status != nil && *req.Status != it.Status {
			if err := a.cfg.Repo.UpdateIntegrationStatus(ctx, it.ID, *req.Status, nil, it.UpdatedAt); err != nil {
				return nil, handleError(err)
			}
			it.Status = *req.Status
		}
		a.log.Info("updated integration", "integration", it.ID, "status", it.Status)
		a.reschedule(it)
		return reply(redact(it)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-integration",
		Method:      http.MethodDelete,
		Path:        "/integrations/{id}",
		Summary:     "Delete integration with its mappings",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *integrationPath) (*struct{}, error) {
		if err := a.cfg.Repo.DeleteIntegration(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		if a.cfg.Scheduler != nil {
			a.cfg.Scheduler.Unschedule(input.ID)
		}
		a.log.Info("deleted integration", "integration", input.ID)
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-schedule",
		Method:      http.MethodGet,
		Path:        "/schedule",
		Summary:     "List scheduled integrations",
	}, func(ctx context.Context, _ *struct{}) (*output[[]scheduleEntry], error) {
		out := []scheduleEntry{}
		if a.cfg.Scheduler != nil {
			for _, e := range a.cfg.Scheduler.Entries() {
				entry := scheduleEntry{IntegrationID: e.IntegrationID, Frequency: e.Frequency, Expression: e.Expression}
				if !e.NextRun.IsZero() {
					entry.NextRun = e.NextRun.UTC().Format(time.RFC3339)
				}
				out = append(out, entry)
			}
		}
		return reply(out), nil
	})
}

func registerMappings(api huma.API, a api) {
	huma.Register(api, huma.Operation{
		OperationID: "list-mappings",
		Method:      http.MethodGet,
		Path:        "/integrations/{id}/mappings",
		Summary:     "List an integration's mapping groups",
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*output[[]domain.Mapping], error) {
		items, err := a.cfg.Repo.ListMappings(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Mapping{}
		}
		return reply(items), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-mapping",
		Method:        http.MethodPost,
		Path:          "/integrations/{id}/mappings",
		Summary:       "Create mapping group",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body CreateMappingRequest
	}) (*output[domain.Mapping], error) {
		if _, err := a.cfg.Repo.GetIntegration(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		req := input.Body
		filter, err := encodeFilter(req.FilterCondition)
		if err != nil {
			return nil, handleError(invalid{err: err})
		}
		now := a.now()
		m := domain.Mapping{
			ID:              newID(),
			IntegrationID:   input.ID,
			Name:            req.Name,
			Description:     req.Description,
			SourceEntityID:  req.SourceEntityID,
			TargetEntityID:  req.TargetEntityID,
			FilterCondition: filter,
			SourceKeyField:  req.SourceKeyField,
			TargetKeyField:  req.TargetKeyField,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if err := a.cfg.Repo.InsertMapping(ctx, m); err != nil {
			return nil, handleError(err)
		}
		a.log.Info("created mapping", "integration", input.ID, "mapping", m.ID)
		return reply(m), nil
	})

	type mappingPath struct {
		ID string `path:"id"`
	}

	huma.Register(api, huma.Operation{
		OperationID: "get-mapping",
		Method:      http.MethodGet,
		Path:        "/mappings/{id}",
		Summary:     "Get mapping group",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *mappingPath) (*output[domain.Mapping], error) {
		m, err := a.cfg.Repo.GetMapping(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(m), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-mapping",
		Method:      http.MethodDelete,
		Path:        "/mappings/{id}",
		Summary:     "Delete mapping group with its field mappings",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *mappingPath) (*struct{}, error) {
		if err := a.cfg.Repo.DeleteMapping(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerFieldMappings(api huma.API, a api) {
	huma.Register(api, huma.Operation{
		OperationID: "list-field-mappings",
		Method:      http.MethodGet,
		Path:        "/mappings/{id}/fields",
		Summary:     "List field mappings in evaluation order",
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*output[[]domain.FieldMapping], error) {
		items, err := a.cfg.Repo.ListFieldMappings(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.FieldMapping{}
		}
		return reply(items), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-field-mapping",
		Method:        http.MethodPost,
		Path:          "/mappings/{id}/fields",
		Summary:       "Create field mapping",
		Description:   "The field mapping is compiled and checked before it is stored.",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body CreateFieldMappingRequest
	}) (*output[domain.FieldMapping], error) {
		if _, err := a.cfg.Repo.GetMapping(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		fm, err := input.Body.toDomain(input.ID, a.now())
		if err != nil {
			return nil, handleError(err)
		}
		if a.cfg.Validator != nil {
			if err := a.cfg.Validator.Validate(fm); err != nil {
				return nil, handleError(invalid{err: err})
			}
		}
		if input.Body.Position != nil {
			fm.Position = *input.Body.Position
		} else if fm.Position, err = a.cfg.Repo.NextFieldPosition(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		if err := a.cfg.Repo.InsertFieldMapping(ctx, fm); err != nil {
			return nil, handleError(err)
		}
		return reply(fm), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-field-mapping",
		Method:      http.MethodDelete,
		Path:        "/fields/{id}",
		Summary:     "Delete field mapping",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		if err := a.cfg.Repo.DeleteFieldMapping(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

type scheduleEntry struct {
	IntegrationID string `json:"integration_id"`
	Frequency     string `json:"sync_frequency"`
	Expression    string `json:"cron"`
	NextRun       string `json:"next_run,omitempty"`
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
