package repo

import (
	"context"
	"database/sql"
	"errors"

	"syncbridge/internal/domain"
)

// ErrRunFinished is returned when finalising a run that is no longer running.
var ErrRunFinished = errors.New("sync run already finished")

const syncRunColumns = `id,integration_id,COALESCE(label,''),trigger_source,status,started_at,finished_at,records_processed,records_succeeded,records_failed,COALESCE(error,'')`

func scanSyncRun(row rowScanner) (domain.SyncRun, error) {
	var (
		run      domain.SyncRun
		finished sql.NullString
	)
	err := row.Scan(&run.ID, &run.IntegrationID, &run.Label, &run.Trigger, &run.Status, &run.StartedAt, &finished,
		&run.RecordsProcessed, &run.RecordsSucceeded, &run.RecordsFailed, &run.Error)
	if err == sql.ErrNoRows {
		return run, ErrNotFound
	}
	run.FinishedAt = stringPtr(finished)
	return run, err
}

func (r Repo) InsertSyncRun(ctx context.Context, run domain.SyncRun) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO sync_runs(id,integration_id,label,trigger_source,status,started_at) VALUES (?,?,?,?,?,?)`,
		run.ID, run.IntegrationID, nullable(run.Label), run.Trigger, run.Status, run.StartedAt)
	return err
}

// SetSyncRunLabel records the source to target label once the integration is known.
func (r Repo) SetSyncRunLabel(ctx context.Context, id, label string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE sync_runs SET label=? WHERE id=? AND status='running'`, label, id)
	return affectedOne(res, err)
}

// FinishSyncRun finalises a running run. A run is finalised at most once;
// later calls return ErrRunFinished.
func (r Repo) FinishSyncRun(ctx context.Context, run domain.SyncRun) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE sync_runs SET status=?,finished_at=?,records_processed=?,records_succeeded=?,records_failed=?,error=?
WHERE id=? AND status='running'`,
		run.Status, nullableStringPtr(run.FinishedAt), run.RecordsProcessed, run.RecordsSucceeded, run.RecordsFailed, nullable(run.Error), run.ID)
	if err := affectedOne(res, err); err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrRunFinished
		}
		return err
	}
	return nil
}

func (r Repo) GetSyncRun(ctx context.Context, id string) (domain.SyncRun, error) {
	return scanSyncRun(r.DB.QueryRowContext(ctx, `SELECT `+syncRunColumns+` FROM sync_runs WHERE id=?`, id))
}

// ListSyncRuns returns the latest runs of an integration, newest first.
func (r Repo) ListSyncRuns(ctx context.Context, integrationID string, limit int) ([]domain.SyncRun, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+syncRunColumns+` FROM sync_runs WHERE integration_id=? ORDER BY started_at DESC, rowid DESC LIMIT ?`, integrationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.SyncRun
	for rows.Next() {
		run, err := scanSyncRun(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, run)
	}
	return res, rows.Err()
}

// AcquireRunLease takes the lease for an integration when it is free, expired
// or already held by the same owner. It reports false when another owner
// holds a live lease. Timestamps must be RFC3339 UTC so they compare as text.
func (r Repo) AcquireRunLease(ctx context.Context, l domain.RunLease) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO run_leases(integration_id,owner_id,acquired_at,expires_at) VALUES (?,?,?,?)
ON CONFLICT(integration_id) DO UPDATE SET owner_id=excluded.owner_id, acquired_at=excluded.acquired_at, expires_at=excluded.expires_at
WHERE run_leases.expires_at <= excluded.acquired_at OR run_leases.owner_id = excluded.owner_id`,
		l.IntegrationID, l.OwnerID, l.AcquiredAt, l.ExpiresAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r Repo) ReleaseRunLease(ctx context.Context, integrationID, ownerID string) error {
	_, err := r.DB.ExecContext(ctx, `DELETE FROM run_leases WHERE integration_id=? AND owner_id=?`, integrationID, ownerID)
	return err
}

func (r Repo) GetRunLease(ctx context.Context, integrationID string) (domain.RunLease, error) {
	var l domain.RunLease
	err := r.DB.QueryRowContext(ctx, `SELECT integration_id,owner_id,acquired_at,expires_at FROM run_leases WHERE integration_id=?`, integrationID).
		Scan(&l.IntegrationID, &l.OwnerID, &l.AcquiredAt, &l.ExpiresAt)
	if err == sql.ErrNoRows {
		return l, ErrNotFound
	}
	return l, err
}

// LatestEvents returns an integration's events, newest first. An empty
// integrationID lists all events.
func (r Repo) LatestEvents(ctx context.Context, integrationID string, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id,ts,type,COALESCE(integration_id,''),entity_kind,COALESCE(entity_id,''),payload_json FROM events`
	var args []any
	if integrationID != "" {
		query += ` WHERE integration_id=?`
		args = append(args, integrationID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.IntegrationID, &e.EntityKind, &e.EntityID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
