package syncbridgesdk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestTriggerSyncAndListLogs(t *testing.T) {
	var gotAuth string
	mux := http.NewServeMux()
	mux.HandleFunc("/v0/integrations/int-1/sync", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Fatalf("unexpected method %s", r.Method)
		}
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]any{"message": "sync initiated", "integration_id": "int-1", "timestamp": "2024-01-01T00:00:00Z"})
	})
	mux.HandleFunc("/v0/integrations/int-1/sync-logs", func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("limit"); got != "5" {
			t.Fatalf("expected limit=5, got %q", got)
		}
		json.NewEncoder(w).Encode([]map[string]any{{"id": "run-1", "status": "completed", "records_succeeded": 3}})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := New(srv.URL)
	c.BearerToken = "tok"
	ack, err := c.TriggerSync(context.Background(), "int-1")
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if ack.Message != "sync initiated" || gotAuth != "Bearer tok" {
		t.Fatalf("unexpected ack %+v auth %q", ack, gotAuth)
	}
	logs, err := c.ListSyncLogs(context.Background(), "int-1", 5)
	if err != nil {
		t.Fatalf("list logs: %v", err)
	}
	if len(logs) != 1 || logs[0].RecordsSucceeded != 3 {
		t.Fatalf("unexpected logs %+v", logs)
	}
}

func TestAPIErrorDecodesEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":{"code":"not_found","message":"integration not found"}}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL).GetIntegration(context.Background(), "missing")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusNotFound || apiErr.Code != "not_found" {
		t.Fatalf("unexpected error %+v", apiErr)
	}
}

func TestDeleteIgnoresEmptyBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete || r.URL.Path != "/v0/integrations/int-1" {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	if err := New(srv.URL).DeleteIntegration(context.Background(), "int-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
}
