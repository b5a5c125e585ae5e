package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"

	"syncbridge/internal/connector"
	"syncbridge/internal/connector/memory"
	"syncbridge/internal/db"
	"syncbridge/internal/domain"
	"syncbridge/internal/engine"
	"syncbridge/internal/events"
	"syncbridge/internal/mapping"
	"syncbridge/internal/metrics"
	"syncbridge/internal/migrate"
	"syncbridge/internal/repo"
	"syncbridge/internal/transform"
)

const ts = "2024-01-01T00:00:00Z"

type testEnv struct {
	Engine *engine.Engine
	Repo   repo.Repo
	CRM    *memory.Connector
	ERP    *memory.Connector
	Ctx    context.Context
}

type envOptions struct {
	lease time.Duration
	store func(repo.Repo) engine.Store
}

func newTestEnv(t *testing.T, opts ...func(*envOptions)) testEnv {
	t.Helper()
	var o envOptions
	for _, fn := range opts {
		fn(&o)
	}
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	if err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	log := testr.New(t)
	now := func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }

	crm := memory.New("crm", memory.WithAPIKey("secret"), memory.WithEntity(
		connector.Entity{ID: "contacts", Name: "contacts"},
		connector.Field{ID: "id"}, connector.Field{ID: "email"}, connector.Field{ID: "name"},
	))
	erp := memory.New("erp", memory.WithEntity(
		connector.Entity{ID: "customers", Name: "customers"},
		connector.Field{ID: "email"}, connector.Field{ID: "full_name"},
	))
	reg := connector.NewRegistry(log)
	reg.Register(crm)
	reg.Register(erp)

	r := repo.Repo{DB: conn}
	var store engine.Store = r
	if o.store != nil {
		store = o.store(r)
	}
	eng := engine.New(engine.Options{
		Store:         store,
		Connectors:    reg,
		Mapper:        mapping.New(log, transform.NewLibrary(log), transform.NewFunctions(log)),
		Events:        events.Writer{DB: conn, Now: now},
		Metrics:       metrics.New(),
		Log:           log,
		Now:           now,
		LeaseDuration: o.lease,
	})
	return testEnv{Engine: eng, Repo: r, CRM: crm, ERP: erp, Ctx: ctx}
}

func withLease(d time.Duration) func(*envOptions) {
	return func(o *envOptions) { o.lease = d }
}

func withStore(fn func(repo.Repo) engine.Store) func(*envOptions) {
	return func(o *envOptions) { o.store = fn }
}

// leaseRecorder records lease calls. After failAfter successful calls it
// behaves as if another owner took the lease.
type leaseRecorder struct {
	repo.Repo
	calls     []domain.RunLease
	failAfter int
}

func (s *leaseRecorder) AcquireRunLease(ctx context.Context, l domain.RunLease) (bool, error) {
	s.calls = append(s.calls, l)
	if s.failAfter > 0 && len(s.calls) > s.failAfter {
		return false, nil
	}
	return s.Repo.AcquireRunLease(ctx, l)
}

func (env testEnv) addSecondMapping(t *testing.T) {
	t.Helper()
	m := domain.Mapping{
		ID: "map-2", IntegrationID: "int-1", Name: "contacts again",
		SourceEntityID: "contacts", TargetEntityID: "customers",
		SourceKeyField: "id", TargetKeyField: "email",
		CreatedAt: ts, UpdatedAt: ts,
	}
	if err := env.Repo.InsertMapping(env.Ctx, m); err != nil {
		t.Fatalf("insert mapping: %v", err)
	}
}

func (env testEnv) seedIntegration(t *testing.T, direction string) {
	t.Helper()
	it := domain.Integration{
		ID: "int-1", Name: "CRM to ERP",
		SourceConnectorID: "crm", TargetConnectorID: "erp",
		Status: domain.StatusDraft, SyncDirection: direction, SyncFrequency: domain.FrequencyManual,
		SourceAuth: map[string]any{"api_key": "secret"},
		CreatedAt:  ts, UpdatedAt: ts,
	}
	if err := env.Repo.InsertIntegration(env.Ctx, it); err != nil {
		t.Fatalf("insert integration: %v", err)
	}
	m := domain.Mapping{
		ID: "map-1", IntegrationID: "int-1", Name: "contacts",
		SourceEntityID: "contacts", TargetEntityID: "customers",
		SourceKeyField: "id", TargetKeyField: "email",
		CreatedAt: ts, UpdatedAt: ts,
	}
	if err := env.Repo.InsertMapping(env.Ctx, m); err != nil {
		t.Fatalf("insert mapping: %v", err)
	}
	fms := []domain.FieldMapping{
		{ID: "fm-1", MappingID: "map-1", SourceFieldID: "email", TargetFieldID: "email", SourceFieldPath: "email", TargetFieldPath: "email",
			Strategy: domain.StrategyDirect, Transformations: []domain.Transformation{{Type: "string.lowercase"}}, Position: 0, CreatedAt: ts},
		{ID: "fm-2", MappingID: "map-1", SourceFieldID: "name", TargetFieldID: "full_name", SourceFieldPath: "name", TargetFieldPath: "full_name",
			Strategy: domain.StrategyDirect, Position: 1, CreatedAt: ts},
	}
	for _, fm := range fms {
		if err := env.Repo.InsertFieldMapping(env.Ctx, fm); err != nil {
			t.Fatalf("insert field mapping: %v", err)
		}
	}
}

func TestSyncCountsRecordFailuresAndCompletes(t *testing.T) {
	env := newTestEnv(t)
	env.seedIntegration(t, domain.DirectionSourceToTarget)
	env.CRM.Seed("contacts",
		map[string]any{"id": "c1", "email": "Ada@Example.com", "name": "Ada"},
		map[string]any{"id": "c2", "name": "No Email"},
		map[string]any{"id": "c3", "email": "bob@example.com", "name": "Bob"},
	)
	env.ERP.Seed("customers", map[string]any{"id": "e1", "email": "ada@example.com", "full_name": "Old"})

	res, err := env.Engine.SyncIntegration(env.Ctx, "int-1", domain.TriggerManual)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if res.Status != domain.RunCompleted || res.Processed != 3 || res.Succeeded != 2 || res.Failed != 1 {
		t.Fatalf("unexpected result %+v", res)
	}

	customers := env.ERP.Records("customers")
	if len(customers) != 2 {
		t.Fatalf("expected 1 update and 1 create, got %+v", customers)
	}
	if customers[0]["id"] != "e1" || customers[0]["full_name"] != "Ada" {
		t.Fatalf("existing customer not updated: %+v", customers[0])
	}
	if customers[1]["email"] != "bob@example.com" || customers[1]["full_name"] != "Bob" {
		t.Fatalf("unexpected created customer: %+v", customers[1])
	}

	it, err := env.Repo.GetIntegration(env.Ctx, "int-1")
	if err != nil {
		t.Fatalf("get integration: %v", err)
	}
	if it.Status != domain.StatusActive || it.LastSyncAt == nil || *it.LastSyncAt != ts {
		t.Fatalf("unexpected integration %+v", it)
	}
	m, _ := env.Repo.GetMapping(env.Ctx, "map-1")
	if m.RecordsProcessed != 3 || m.RecordsSucceeded != 2 || m.RecordsFailed != 1 {
		t.Fatalf("unexpected mapping stats %+v", m)
	}
	run, err := env.Repo.GetSyncRun(env.Ctx, res.RunID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.Status != domain.RunCompleted || run.Label != "crm → erp" || run.RecordsProcessed != 3 || run.RecordsFailed != 1 || run.FinishedAt == nil {
		t.Fatalf("unexpected run %+v", run)
	}

	evts, _ := env.Repo.LatestEvents(env.Ctx, "int-1", 10)
	if len(evts) != 3 || evts[0].Type != events.SyncCompleted || evts[2].Type != events.SyncStarted {
		t.Fatalf("unexpected events %+v", evts)
	}
}

func TestSyncIsIdempotentOnKey(t *testing.T) {
	env := newTestEnv(t)
	env.seedIntegration(t, domain.DirectionSourceToTarget)
	env.CRM.Seed("contacts", map[string]any{"id": "c1", "email": "a@x.io", "name": "A"})

	for i := 0; i < 2; i++ {
		if _, err := env.Engine.SyncIntegration(env.Ctx, "int-1", domain.TriggerSchedule); err != nil {
			t.Fatalf("sync %d: %v", i, err)
		}
	}
	if got := env.ERP.Records("customers"); len(got) != 1 {
		t.Fatalf("second run must update, not duplicate: %+v", got)
	}
	runs, _ := env.Repo.ListSyncRuns(env.Ctx, "int-1", 10)
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs))
	}
}

func TestSyncMissingIntegration(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.Engine.SyncIntegration(env.Ctx, "nope", domain.TriggerManual)
	if !errors.Is(err, engine.ErrIntegrationNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	run, gerr := env.Repo.GetSyncRun(env.Ctx, res.RunID)
	if gerr != nil {
		t.Fatalf("run log must exist for a missing integration: %v", gerr)
	}
	if run.Status != domain.RunFailed || run.Error == "" || run.FinishedAt == nil {
		t.Fatalf("unexpected run %+v", run)
	}
}

func TestSyncRejectsUnsupportedDirection(t *testing.T) {
	env := newTestEnv(t)
	env.seedIntegration(t, domain.DirectionBidirectional)
	env.CRM.Seed("contacts", map[string]any{"id": "c1", "email": "a@x.io"})

	_, err := env.Engine.SyncIntegration(env.Ctx, "int-1", domain.TriggerManual)
	if !errors.Is(err, engine.ErrUnsupportedDirection) {
		t.Fatalf("expected unsupported direction, got %v", err)
	}
	if got := env.ERP.Records("customers"); len(got) != 0 {
		t.Fatalf("no records may be written: %+v", got)
	}
	it, _ := env.Repo.GetIntegration(env.Ctx, "int-1")
	if it.Status != domain.StatusError {
		t.Fatalf("expected error status, got %s", it.Status)
	}
}

func TestSyncAuthenticationFailure(t *testing.T) {
	env := newTestEnv(t)
	env.seedIntegration(t, domain.DirectionSourceToTarget)
	it, _ := env.Repo.GetIntegration(env.Ctx, "int-1")
	it.SourceAuth = map[string]any{"api_key": "wrong"}
	if err := env.Repo.UpdateIntegration(env.Ctx, it); err != nil {
		t.Fatalf("update integration: %v", err)
	}

	res, err := env.Engine.SyncIntegration(env.Ctx, "int-1", domain.TriggerManual)
	var authErr *connector.AuthenticationError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected authentication error, got %v", err)
	}
	if res.Status != domain.RunFailed {
		t.Fatalf("expected failed run, got %s", res.Status)
	}
	it, _ = env.Repo.GetIntegration(env.Ctx, "int-1")
	if it.Status != domain.StatusError || it.LastSyncAt != nil {
		t.Fatalf("unexpected integration %+v", it)
	}
}

func TestSyncSourceQueryFailureIsFatal(t *testing.T) {
	env := newTestEnv(t)
	env.seedIntegration(t, domain.DirectionSourceToTarget)
	env.CRM.SetFault(func(op memory.Op, _ string, _ map[string]any) error {
		if op == memory.OpQuery {
			return memory.ErrInjected
		}
		return nil
	})
	if _, err := env.Engine.SyncIntegration(env.Ctx, "int-1", domain.TriggerManual); !errors.Is(err, memory.ErrInjected) {
		t.Fatalf("expected injected error, got %v", err)
	}
	runs, _ := env.Repo.ListSyncRuns(env.Ctx, "int-1", 1)
	if len(runs) != 1 || runs[0].Status != domain.RunFailed {
		t.Fatalf("unexpected runs %+v", runs)
	}
}

func TestSyncTargetWriteFailureCountsRecord(t *testing.T) {
	env := newTestEnv(t)
	env.seedIntegration(t, domain.DirectionSourceToTarget)
	env.CRM.Seed("contacts",
		map[string]any{"id": "c1", "email": "a@x.io"},
		map[string]any{"id": "c2", "email": "b@x.io"},
	)
	env.ERP.SetFault(func(op memory.Op, _ string, data map[string]any) error {
		if op == memory.OpCreate && data["email"] == "b@x.io" {
			return memory.ErrInjected
		}
		return nil
	})
	res, err := env.Engine.SyncIntegration(env.Ctx, "int-1", domain.TriggerManual)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if res.Succeeded != 1 || res.Failed != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestSyncInvalidFilterIsFatal(t *testing.T) {
	env := newTestEnv(t)
	env.seedIntegration(t, domain.DirectionSourceToTarget)
	if _, err := env.Repo.DB.ExecContext(env.Ctx, `UPDATE mappings SET filter_condition='{bad' WHERE id='map-1'`); err != nil {
		t.Fatalf("corrupt filter: %v", err)
	}
	if _, err := env.Engine.SyncIntegration(env.Ctx, "int-1", domain.TriggerManual); err == nil {
		t.Fatalf("expected filter error")
	}
}

func TestSyncRunLease(t *testing.T) {
	env := newTestEnv(t, withLease(time.Minute))
	env.seedIntegration(t, domain.DirectionSourceToTarget)

	held := domain.RunLease{IntegrationID: "int-1", OwnerID: "other", AcquiredAt: ts, ExpiresAt: "2024-01-01T00:05:00Z"}
	if ok, err := env.Repo.AcquireRunLease(env.Ctx, held); err != nil || !ok {
		t.Fatalf("seed lease: %v %v", ok, err)
	}
	if _, err := env.Engine.SyncIntegration(env.Ctx, "int-1", domain.TriggerManual); !errors.Is(err, engine.ErrRunInProgress) {
		t.Fatalf("expected run in progress, got %v", err)
	}
	if err := env.Repo.ReleaseRunLease(env.Ctx, "int-1", "other"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := env.Engine.SyncIntegration(env.Ctx, "int-1", domain.TriggerManual); err != nil {
		t.Fatalf("sync after release: %v", err)
	}
	if _, err := env.Repo.GetRunLease(env.Ctx, "int-1"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("lease must be released after the run, got %v", err)
	}
}

func TestSyncRenewsLeasePerMappingGroup(t *testing.T) {
	rec := &leaseRecorder{}
	env := newTestEnv(t, withLease(time.Minute), withStore(func(r repo.Repo) engine.Store {
		rec.Repo = r
		return rec
	}))
	env.seedIntegration(t, domain.DirectionSourceToTarget)
	env.addSecondMapping(t)
	env.CRM.Seed("contacts", map[string]any{"id": "c1", "email": "a@x.io"})

	if _, err := env.Engine.SyncIntegration(env.Ctx, "int-1", domain.TriggerManual); err != nil {
		t.Fatalf("sync: %v", err)
	}
	// one acquisition plus one renewal per mapping group
	if len(rec.calls) != 3 {
		t.Fatalf("expected 3 lease calls, got %d", len(rec.calls))
	}
	for _, l := range rec.calls[1:] {
		if l.OwnerID != rec.calls[0].OwnerID || l.ExpiresAt != "2024-01-01T00:01:00Z" {
			t.Fatalf("renewal must keep the owner and extend the expiry, got %+v", l)
		}
	}
	if _, err := env.Repo.GetRunLease(env.Ctx, "int-1"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("lease must be released after the run, got %v", err)
	}
}

func TestSyncFailsWhenLeaseIsLost(t *testing.T) {
	rec := &leaseRecorder{failAfter: 2}
	env := newTestEnv(t, withLease(time.Minute), withStore(func(r repo.Repo) engine.Store {
		rec.Repo = r
		return rec
	}))
	env.seedIntegration(t, domain.DirectionSourceToTarget)
	env.addSecondMapping(t)
	env.CRM.Seed("contacts", map[string]any{"id": "c1", "email": "a@x.io"})

	res, err := env.Engine.SyncIntegration(env.Ctx, "int-1", domain.TriggerManual)
	if !errors.Is(err, engine.ErrRunInProgress) {
		t.Fatalf("expected lost lease error, got %v", err)
	}
	if res.Status != domain.RunFailed || len(res.Mappings) != 1 {
		t.Fatalf("run must stop before the second group, got %+v", res)
	}
	it, err := env.Repo.GetIntegration(env.Ctx, "int-1")
	if err != nil {
		t.Fatalf("get integration: %v", err)
	}
	if it.Status != domain.StatusError {
		t.Fatalf("expected error status, got %s", it.Status)
	}
}

func TestSyncInBackground(t *testing.T) {
	env := newTestEnv(t)
	env.seedIntegration(t, domain.DirectionSourceToTarget)
	env.CRM.Seed("contacts", map[string]any{"id": "c1", "email": "a@x.io"})

	env.Engine.SyncInBackground("int-1", domain.TriggerWebhook)
	env.Engine.Wait()

	runs, _ := env.Repo.ListSyncRuns(env.Ctx, "int-1", 1)
	if len(runs) != 1 || runs[0].Status != domain.RunCompleted || runs[0].Trigger != domain.TriggerWebhook {
		t.Fatalf("unexpected runs %+v", runs)
	}
}
