package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"syncbridge/internal/domain"
)

func registerSync(api huma.API, a api) {
	huma.Register(api, huma.Operation{
		OperationID:   "trigger-sync",
		Method:        http.MethodPost,
		Path:          "/integrations/{id}/sync",
		Summary:       "Start a sync run",
		Description:   "The run continues in the background; its outcome is recorded in the integration's sync logs.",
		DefaultStatus: http.StatusAccepted,
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*output[SyncInitiated], error) {
		a.log.Info("triggering sync", "integration", input.ID)
		a.cfg.Sync.SyncInBackground(input.ID, domain.TriggerManual)
		return reply(SyncInitiated{Message: "sync initiated", IntegrationID: input.ID, Timestamp: a.now()}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-sync-logs",
		Method:      http.MethodGet,
		Path:        "/integrations/{id}/sync-logs",
		Summary:     "List sync runs, newest first",
	}, func(ctx context.Context, input *struct {
		ID    string `path:"id"`
		Limit int    `query:"limit" default:"10" minimum:"1" maximum:"500"`
	}) (*output[[]domain.SyncRun], error) {
		runs, err := a.cfg.Repo.ListSyncRuns(ctx, input.ID, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		if runs == nil {
			runs = []domain.SyncRun{}
		}
		return reply(runs), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-sync-log",
		Method:      http.MethodGet,
		Path:        "/sync-logs/{id}",
		Summary:     "Get sync run",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*output[domain.SyncRun], error) {
		run, err := a.cfg.Repo.GetSyncRun(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(run), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/integrations/{id}/events",
		Summary:     "List sync events, newest first",
	}, func(ctx context.Context, input *struct {
		ID    string `path:"id"`
		Limit int    `query:"limit" default:"50" minimum:"1" maximum:"500"`
	}) (*output[[]domain.Event], error) {
		evts, err := a.cfg.Repo.LatestEvents(ctx, input.ID, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		if evts == nil {
			evts = []domain.Event{}
		}
		return reply(evts), nil
	})
}

// registerWebhooks accepts inbound change notifications. The payload is not
// inspected; any delivery starts a full run of the integration.
func registerWebhooks(api huma.API, a api) {
	huma.Register(api, huma.Operation{
		OperationID: "receive-webhook",
		Method:      http.MethodPost,
		Path:        "/webhooks/{integration_id}/{mapping_id}",
		Summary:     "Receive a webhook and start a sync run",
	}, func(ctx context.Context, input *struct {
		IntegrationID string `path:"integration_id"`
		MappingID     string `path:"mapping_id"`
		RawBody       []byte
	}) (*output[WebhookAck], error) {
		a.log.Info("received webhook", "integration", input.IntegrationID, "mapping", input.MappingID)
		a.log.V(1).Info("webhook payload", "bytes", len(input.RawBody))
		a.cfg.Sync.SyncInBackground(input.IntegrationID, domain.TriggerWebhook)
		return reply(WebhookAck{Received: true}), nil
	})
}
