// Package engine runs sync integrations: it pulls records from the source
// connector, maps them and upserts them into the target connector, keeping
// a run log and per mapping group statistics in the store.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/spf13/cast"

	"syncbridge/internal/connector"
	"syncbridge/internal/domain"
	"syncbridge/internal/events"
	"syncbridge/internal/mapping"
	"syncbridge/internal/metrics"
	"syncbridge/internal/record"
	"syncbridge/internal/repo"
)

var (
	ErrUnsupportedDirection = errors.New("unsupported sync direction")
	ErrRunInProgress        = errors.New("sync already in progress")
	ErrIntegrationNotFound  = errors.New("integration not found")
)

// Store is the persistence the engine needs. repo.Repo implements it.
type Store interface {
	GetIntegration(ctx context.Context, id string) (domain.Integration, error)
	UpdateIntegrationStatus(ctx context.Context, id, status string, lastSyncAt *string, updatedAt string) error
	ListMappings(ctx context.Context, integrationID string) ([]domain.Mapping, error)
	ListFieldMappings(ctx context.Context, mappingID string) ([]domain.FieldMapping, error)
	UpdateMappingStats(ctx context.Context, id string, s domain.MappingStats) error
	InsertSyncRun(ctx context.Context, run domain.SyncRun) error
	SetSyncRunLabel(ctx context.Context, id, label string) error
	FinishSyncRun(ctx context.Context, run domain.SyncRun) error
	AcquireRunLease(ctx context.Context, l domain.RunLease) (bool, error)
	ReleaseRunLease(ctx context.Context, integrationID, ownerID string) error
}

type Connectors interface {
	Get(id string) (connector.Connector, error)
}

type Mapper interface {
	Compile(fms []domain.FieldMapping) []mapping.Rule
	Transform(ctx context.Context, source record.Record, rules []mapping.Rule, sourceFields, targetFields []connector.Field) (record.Record, error)
}

type EventSink interface {
	Append(ctx context.Context, evtType, integrationID, entityKind, entityID string, payload events.EventPayload) error
}

type Options struct {
	Store      Store
	Connectors Connectors
	Mapper     Mapper
	// Events and Metrics are optional.
	Events  EventSink
	Metrics *metrics.Sync
	Log     logr.Logger
	Now     func() time.Time
	NewID   func() string
	// LeaseDuration enables the per-integration run lease when positive.
	LeaseDuration time.Duration
}

type Engine struct {
	store  Store
	conns  Connectors
	mapper Mapper
	events EventSink
	stats  *metrics.Sync
	log    logr.Logger
	now    func() time.Time
	newID  func() string
	lease  time.Duration

	wg sync.WaitGroup
}

func New(opts Options) *Engine {
	e := &Engine{
		store:  opts.Store,
		conns:  opts.Connectors,
		mapper: opts.Mapper,
		events: opts.Events,
		stats:  opts.Metrics,
		log:    opts.Log,
		now:    opts.Now,
		newID:  opts.NewID,
		lease:  opts.LeaseDuration,
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.newID == nil {
		e.newID = uuid.NewString
	}
	return e
}

type MappingResult struct {
	MappingID string `json:"mapping_id"`
	Name      string `json:"name"`
	Processed int    `json:"records_processed"`
	Succeeded int    `json:"records_succeeded"`
	Failed    int    `json:"records_failed"`
}

type RunResult struct {
	RunID         string          `json:"run_id"`
	IntegrationID string          `json:"integration_id"`
	Status        string          `json:"status"`
	Processed     int             `json:"records_processed"`
	Succeeded     int             `json:"records_succeeded"`
	Failed        int             `json:"records_failed"`
	Mappings      []MappingResult `json:"mappings"`
	StartedAt     string          `json:"started_at"`
	FinishedAt    string          `json:"finished_at"`
	Error         string          `json:"error,omitempty"`
}

func (e *Engine) timestamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

// SyncIntegration performs one run. Mapping groups and records are processed
// sequentially. Per-record failures are counted and the run continues; any
// other failure marks the integration as errored, fails the run log and is
// returned.
func (e *Engine) SyncIntegration(ctx context.Context, integrationID, trigger string) (RunResult, error) {
	if trigger == "" {
		trigger = domain.TriggerManual
	}
	log := e.log.WithValues("integration", integrationID, "trigger", trigger)

	renew := func(context.Context) error { return nil }
	if e.lease > 0 {
		owner := e.newID()
		ok, err := e.acquireLease(ctx, integrationID, owner)
		if err != nil {
			return RunResult{}, fmt.Errorf("acquire run lease: %w", err)
		}
		if !ok {
			return RunResult{}, fmt.Errorf("%w: %s", ErrRunInProgress, integrationID)
		}
		defer func() {
			if err := e.store.ReleaseRunLease(context.WithoutCancel(ctx), integrationID, owner); err != nil {
				log.Error(err, "release run lease")
			}
		}()
		renew = func(ctx context.Context) error {
			ok, err := e.acquireLease(ctx, integrationID, owner)
			if err != nil {
				return fmt.Errorf("renew run lease: %w", err)
			}
			if !ok {
				return fmt.Errorf("%w: run lease for %s was taken over", ErrRunInProgress, integrationID)
			}
			return nil
		}
	}

	started := e.now()
	run := domain.SyncRun{
		ID:            e.newID(),
		IntegrationID: integrationID,
		Trigger:       trigger,
		Status:        domain.RunRunning,
		StartedAt:     e.timestamp(),
	}
	if err := e.store.InsertSyncRun(ctx, run); err != nil {
		return RunResult{}, fmt.Errorf("create sync run: %w", err)
	}
	log = log.WithValues("run", run.ID)
	log.Info("sync started")
	e.stats.RunStarted(integrationID)
	e.emit(ctx, events.SyncStarted, integrationID, "sync_run", run.ID, events.EventPayload{"trigger": trigger})

	res := RunResult{RunID: run.ID, IntegrationID: integrationID, StartedAt: run.StartedAt}
	loaded, err := e.run(ctx, log, &run, &res, renew)

	// finalisation must happen even if the caller gave up
	fctx := context.WithoutCancel(ctx)
	finished := e.timestamp()
	run.FinishedAt = &finished
	run.RecordsProcessed, run.RecordsSucceeded, run.RecordsFailed = res.Processed, res.Succeeded, res.Failed
	res.FinishedAt = finished

	if err != nil {
		if loaded {
			if uerr := e.store.UpdateIntegrationStatus(fctx, integrationID, domain.StatusError, nil, finished); uerr != nil {
				log.Error(uerr, "mark integration errored")
			}
		}
		run.Status = domain.RunFailed
		run.Error = err.Error()
		res.Status, res.Error = domain.RunFailed, run.Error
		if ferr := e.store.FinishSyncRun(fctx, run); ferr != nil {
			log.Error(ferr, "finalise failed sync run")
		}
		e.stats.RunFinished(integrationID, domain.RunFailed, trigger, e.now().Sub(started))
		e.emit(fctx, events.SyncFailed, integrationID, "sync_run", run.ID, events.EventPayload{"error": run.Error})
		log.Error(err, "sync failed")
		return res, err
	}

	run.Status = domain.RunCompleted
	res.Status = domain.RunCompleted
	if err := e.store.FinishSyncRun(fctx, run); err != nil {
		log.Error(err, "finalise sync run")
	}
	e.stats.RunFinished(integrationID, domain.RunCompleted, trigger, e.now().Sub(started))
	e.emit(fctx, events.SyncCompleted, integrationID, "sync_run", run.ID, events.EventPayload{
		"records_processed": res.Processed,
		"records_succeeded": res.Succeeded,
		"records_failed":    res.Failed,
	})
	log.Info("sync completed", "processed", res.Processed, "succeeded", res.Succeeded, "failed", res.Failed)
	return res, nil
}

// acquireLease takes or extends the integration's run lease for owner. The
// same owner may call it again to push the expiry forward.
func (e *Engine) acquireLease(ctx context.Context, integrationID, owner string) (bool, error) {
	now := e.now().UTC()
	return e.store.AcquireRunLease(ctx, domain.RunLease{
		IntegrationID: integrationID,
		OwnerID:       owner,
		AcquiredAt:    now.Format(time.RFC3339),
		ExpiresAt:     now.Add(e.lease).Format(time.RFC3339),
	})
}

// run executes the fatal-error part of a sync. loaded reports whether the
// integration was found, so the caller knows whether to mark it errored.
// renew is called before each mapping group so a long run keeps its lease.
func (e *Engine) run(ctx context.Context, log logr.Logger, run *domain.SyncRun, res *RunResult, renew func(context.Context) error) (loaded bool, err error) {
	it, err := e.store.GetIntegration(ctx, run.IntegrationID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return false, fmt.Errorf("%w: %s", ErrIntegrationNotFound, run.IntegrationID)
		}
		return false, fmt.Errorf("load integration: %w", err)
	}
	run.Label = it.SourceConnectorID + " → " + it.TargetConnectorID
	if err := e.store.SetSyncRunLabel(ctx, run.ID, run.Label); err != nil {
		log.Error(err, "set sync run label")
	}

	if it.SyncDirection != domain.DirectionSourceToTarget {
		return true, fmt.Errorf("%w: %s", ErrUnsupportedDirection, it.SyncDirection)
	}

	src, err := e.conns.Get(it.SourceConnectorID)
	if err != nil {
		return true, fmt.Errorf("source connector: %w", err)
	}
	tgt, err := e.conns.Get(it.TargetConnectorID)
	if err != nil {
		return true, fmt.Errorf("target connector: %w", err)
	}
	if len(it.SourceAuth) > 0 {
		if _, err := src.Authenticate(ctx, connector.Credentials(it.SourceAuth)); err != nil {
			return true, fmt.Errorf("authenticate source %s: %w", src.ID(), err)
		}
	}
	if len(it.TargetAuth) > 0 {
		if _, err := tgt.Authenticate(ctx, connector.Credentials(it.TargetAuth)); err != nil {
			return true, fmt.Errorf("authenticate target %s: %w", tgt.ID(), err)
		}
	}

	groups, err := e.store.ListMappings(ctx, it.ID)
	if err != nil {
		return true, fmt.Errorf("load mappings: %w", err)
	}
	for _, m := range groups {
		if err := renew(ctx); err != nil {
			return true, err
		}
		mr, err := e.syncGroup(ctx, log.WithValues("mapping", m.ID), it, m, src, tgt)
		if err != nil {
			return true, fmt.Errorf("mapping %s: %w", m.ID, err)
		}
		res.Mappings = append(res.Mappings, mr)
		res.Processed += mr.Processed
		res.Succeeded += mr.Succeeded
		res.Failed += mr.Failed
	}

	last := e.timestamp()
	if err := e.store.UpdateIntegrationStatus(ctx, it.ID, domain.StatusActive, &last, last); err != nil {
		return true, fmt.Errorf("update integration status: %w", err)
	}
	return true, nil
}

func (e *Engine) syncGroup(ctx context.Context, log logr.Logger, it domain.Integration, m domain.Mapping, src, tgt connector.Connector) (MappingResult, error) {
	mr := MappingResult{MappingID: m.ID, Name: m.Name}
	fms, err := e.store.ListFieldMappings(ctx, m.ID)
	if err != nil {
		return mr, fmt.Errorf("load field mappings: %w", err)
	}
	filter := connector.Filter{}
	if m.FilterCondition != "" {
		if err := json.Unmarshal([]byte(m.FilterCondition), &filter); err != nil {
			return mr, fmt.Errorf("invalid filter condition: %w", err)
		}
	}
	data, err := src.Query(ctx, m.SourceEntityID, filter, nil)
	if err != nil {
		return mr, fmt.Errorf("query source %s: %w", m.SourceEntityID, err)
	}
	log.V(1).Info("retrieved source records", "count", len(data.Records))

	srcFields, err := src.EntityFields(ctx, m.SourceEntityID)
	if err != nil {
		return mr, fmt.Errorf("source fields %s: %w", m.SourceEntityID, err)
	}
	tgtFields, err := tgt.EntityFields(ctx, m.TargetEntityID)
	if err != nil {
		return mr, fmt.Errorf("target fields %s: %w", m.TargetEntityID, err)
	}

	rules := e.mapper.Compile(fms)
	for _, rec := range data.Records {
		mr.Processed++
		outcome, err := e.syncRecord(ctx, m, rec, rules, srcFields, tgtFields, tgt)
		if err != nil {
			mr.Failed++
			e.stats.Record(it.ID, metrics.OutcomeFailed)
			log.Error(err, "record failed", "sourceKey", record.String(record.Lookup(rec, m.SourceKeyField)))
			continue
		}
		mr.Succeeded++
		e.stats.Record(it.ID, outcome)
	}

	if err := e.store.UpdateMappingStats(ctx, m.ID, domain.MappingStats{
		LastSyncAt: e.timestamp(),
		Processed:  mr.Processed,
		Succeeded:  mr.Succeeded,
		Failed:     mr.Failed,
	}); err != nil {
		return mr, fmt.Errorf("update mapping stats: %w", err)
	}
	e.emit(ctx, events.MappingSynced, it.ID, "mapping", m.ID, events.EventPayload{
		"records_processed": mr.Processed,
		"records_succeeded": mr.Succeeded,
		"records_failed":    mr.Failed,
	})
	log.Info("mapping synced", "processed", mr.Processed, "succeeded", mr.Succeeded, "failed", mr.Failed)
	return mr, nil
}

// syncRecord maps one source record and upserts it into the target, matched
// on the mapping's target key field.
func (e *Engine) syncRecord(ctx context.Context, m domain.Mapping, rec record.Record, rules []mapping.Rule, srcFields, tgtFields []connector.Field, tgt connector.Connector) (string, error) {
	out, err := e.mapper.Transform(ctx, rec, rules, srcFields, tgtFields)
	if err != nil {
		return "", fmt.Errorf("transform: %w", err)
	}
	if m.TargetKeyField == "" {
		return "", errors.New("target key field is not configured")
	}
	key, ok := record.Get(out, m.TargetKeyField)
	if !ok {
		return "", fmt.Errorf("transformed record has no value for target key %s", m.TargetKeyField)
	}
	existing, err := tgt.Query(ctx, m.TargetEntityID, connector.Filter{m.TargetKeyField: key}, &connector.QueryOptions{Limit: 1})
	if err != nil {
		return "", fmt.Errorf("query target %s: %w", m.TargetEntityID, err)
	}

	var (
		res     connector.WriteResult
		outcome string
	)
	if len(existing.Records) > 0 {
		id := cast.ToString(existing.Records[0]["id"])
		if id == "" {
			return "", fmt.Errorf("matched target record has no id")
		}
		res, outcome = tgt.Update(ctx, m.TargetEntityID, id, out), metrics.OutcomeUpdated
	} else {
		res, outcome = tgt.Create(ctx, m.TargetEntityID, out), metrics.OutcomeCreated
	}
	if !res.Success {
		return "", fmt.Errorf("%s %s: %s", outcome, m.TargetEntityID, res.Error)
	}
	return outcome, nil
}

// SyncInBackground starts a run detached from any request and logs its
// outcome. Wait blocks until background runs finish.
func (e *Engine) SyncInBackground(integrationID, trigger string) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				e.log.Error(fmt.Errorf("panic: %v", r), "background sync crashed", "integration", integrationID)
			}
		}()
		if _, err := e.SyncIntegration(context.Background(), integrationID, trigger); err != nil {
			e.log.V(1).Info("background sync ended with error", "integration", integrationID, "error", err.Error())
		}
	}()
}

// Wait blocks until every background run has returned.
func (e *Engine) Wait() { e.wg.Wait() }

func (e *Engine) emit(ctx context.Context, evtType, integrationID, kind, id string, payload events.EventPayload) {
	if e.events == nil {
		return
	}
	if err := e.events.Append(ctx, evtType, integrationID, kind, id, payload); err != nil {
		e.log.Error(err, "append event", "type", evtType)
	}
}
