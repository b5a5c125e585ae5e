package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"syncbridge/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const integrationColumns = `id,name,COALESCE(description,''),source_connector_id,target_connector_id,status,sync_direction,sync_frequency,source_auth_json,target_auth_json,last_sync_at,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIntegration(row rowScanner) (domain.Integration, error) {
	var (
		it                     domain.Integration
		srcAuth, tgtAuth, last sql.NullString
	)
	err := row.Scan(&it.ID, &it.Name, &it.Description, &it.SourceConnectorID, &it.TargetConnectorID,
		&it.Status, &it.SyncDirection, &it.SyncFrequency, &srcAuth, &tgtAuth, &last, &it.CreatedAt, &it.UpdatedAt)
	if err == sql.ErrNoRows {
		return it, ErrNotFound
	}
	if err != nil {
		return it, err
	}
	if it.SourceAuth, err = decodeMap(srcAuth); err != nil {
		return it, fmt.Errorf("integration %s source_auth: %w", it.ID, err)
	}
	if it.TargetAuth, err = decodeMap(tgtAuth); err != nil {
		return it, fmt.Errorf("integration %s target_auth: %w", it.ID, err)
	}
	it.LastSyncAt = stringPtr(last)
	return it, nil
}

func (r Repo) InsertIntegration(ctx context.Context, it domain.Integration) error {
	srcAuth, err := encodeJSON(it.SourceAuth)
	if err != nil {
		return err
	}
	tgtAuth, err := encodeJSON(it.TargetAuth)
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO integrations(id,name,description,source_connector_id,target_connector_id,status,sync_direction,sync_frequency,source_auth_json,target_auth_json,last_sync_at,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		it.ID, it.Name, nullable(it.Description), it.SourceConnectorID, it.TargetConnectorID, it.Status, it.SyncDirection, it.SyncFrequency,
		srcAuth, tgtAuth, nullableStringPtr(it.LastSyncAt), it.CreatedAt, it.UpdatedAt)
	return err
}

func (r Repo) GetIntegration(ctx context.Context, id string) (domain.Integration, error) {
	return scanIntegration(r.DB.QueryRowContext(ctx, `SELECT `+integrationColumns+` FROM integrations WHERE id=?`, id))
}

// ListIntegrations returns integrations, newest first, optionally by status.
func (r Repo) ListIntegrations(ctx context.Context, status string) ([]domain.Integration, error) {
	query := `SELECT ` + integrationColumns + ` FROM integrations`
	var args []any
	if status != "" {
		query += ` WHERE status=?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC, id`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Integration
	for rows.Next() {
		it, err := scanIntegration(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, it)
	}
	return res, rows.Err()
}

// UpdateIntegration replaces the configurable columns. Status and last sync
// time are left to UpdateIntegrationStatus.
func (r Repo) UpdateIntegration(ctx context.Context, it domain.Integration) error {
	srcAuth, err := encodeJSON(it.SourceAuth)
	if err != nil {
		return err
	}
	tgtAuth, err := encodeJSON(it.TargetAuth)
	if err != nil {
		return err
	}
	res, err := r.DB.ExecContext(ctx, `UPDATE integrations SET name=?,description=?,source_connector_id=?,target_connector_id=?,sync_direction=?,sync_frequency=?,source_auth_json=?,target_auth_json=?,updated_at=? WHERE id=?`,
		it.Name, nullable(it.Description), it.SourceConnectorID, it.TargetConnectorID, it.SyncDirection, it.SyncFrequency, srcAuth, tgtAuth, it.UpdatedAt, it.ID)
	return affectedOne(res, err)
}

// UpdateIntegrationStatus sets status and, when lastSyncAt is non-nil, the
// last sync time.
func (r Repo) UpdateIntegrationStatus(ctx context.Context, id, status string, lastSyncAt *string, updatedAt string) error {
	fields := []string{"status=?", "updated_at=?"}
	args := []any{status, updatedAt}
	if lastSyncAt != nil {
		fields = append(fields, "last_sync_at=?")
		args = append(args, *lastSyncAt)
	}
	args = append(args, id)
	res, err := r.DB.ExecContext(ctx, fmt.Sprintf(`UPDATE integrations SET %s WHERE id=?`, strings.Join(fields, ",")), args...)
	return affectedOne(res, err)
}

func (r Repo) DeleteIntegration(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM integrations WHERE id=?`, id)
	return affectedOne(res, err)
}

func affectedOne(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func stringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

// encodeJSON stores empty values as NULL.
func encodeJSON[T any](v T) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	switch string(data) {
	case "null", "{}", "[]":
		return nil, nil
	}
	return string(data), nil
}

func decodeMap(v sql.NullString) (map[string]any, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(v.String), &m); err != nil {
		return nil, err
	}
	return m, nil
}
