package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"syncbridge/internal/domain"
)

const mappingColumns = `id,integration_id,name,COALESCE(description,''),source_entity_id,target_entity_id,COALESCE(filter_condition,''),source_key_field,target_key_field,last_sync_at,records_processed,records_succeeded,records_failed,created_at,updated_at`

func scanMapping(row rowScanner) (domain.Mapping, error) {
	var (
		m    domain.Mapping
		last sql.NullString
	)
	err := row.Scan(&m.ID, &m.IntegrationID, &m.Name, &m.Description, &m.SourceEntityID, &m.TargetEntityID, &m.FilterCondition,
		&m.SourceKeyField, &m.TargetKeyField, &last, &m.RecordsProcessed, &m.RecordsSucceeded, &m.RecordsFailed, &m.CreatedAt, &m.UpdatedAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	m.LastSyncAt = stringPtr(last)
	return m, err
}

func (r Repo) InsertMapping(ctx context.Context, m domain.Mapping) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO mappings(id,integration_id,name,description,source_entity_id,target_entity_id,filter_condition,source_key_field,target_key_field,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		m.ID, m.IntegrationID, m.Name, nullable(m.Description), m.SourceEntityID, m.TargetEntityID, nullable(m.FilterCondition),
		m.SourceKeyField, m.TargetKeyField, m.CreatedAt, m.UpdatedAt)
	return err
}

func (r Repo) GetMapping(ctx context.Context, id string) (domain.Mapping, error) {
	return scanMapping(r.DB.QueryRowContext(ctx, `SELECT `+mappingColumns+` FROM mappings WHERE id=?`, id))
}

// ListMappings returns the mapping groups of an integration in creation order.
func (r Repo) ListMappings(ctx context.Context, integrationID string) ([]domain.Mapping, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+mappingColumns+` FROM mappings WHERE integration_id=? ORDER BY created_at, id`, integrationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Mapping
	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

func (r Repo) UpdateMappingStats(ctx context.Context, id string, s domain.MappingStats) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE mappings SET last_sync_at=?,records_processed=?,records_succeeded=?,records_failed=?,updated_at=? WHERE id=?`,
		s.LastSyncAt, s.Processed, s.Succeeded, s.Failed, s.LastSyncAt, id)
	return affectedOne(res, err)
}

func (r Repo) DeleteMapping(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM mappings WHERE id=?`, id)
	return affectedOne(res, err)
}

const fieldMappingColumns = `id,mapping_id,source_field_id,target_field_id,source_field_path,target_field_path,strategy,config_json,transformations_json,position,created_at`

func scanFieldMapping(row rowScanner) (domain.FieldMapping, error) {
	var (
		fm         domain.FieldMapping
		conf, tfms sql.NullString
	)
	err := row.Scan(&fm.ID, &fm.MappingID, &fm.SourceFieldID, &fm.TargetFieldID, &fm.SourceFieldPath, &fm.TargetFieldPath,
		&fm.Strategy, &conf, &tfms, &fm.Position, &fm.CreatedAt)
	if err == sql.ErrNoRows {
		return fm, ErrNotFound
	}
	if err != nil {
		return fm, err
	}
	if conf.Valid && conf.String != "" {
		fm.Config = json.RawMessage(conf.String)
	}
	if tfms.Valid && tfms.String != "" {
		if err := json.Unmarshal([]byte(tfms.String), &fm.Transformations); err != nil {
			return fm, fmt.Errorf("field mapping %s transformations: %w", fm.ID, err)
		}
	}
	return fm, nil
}

func (r Repo) InsertFieldMapping(ctx context.Context, fm domain.FieldMapping) error {
	var conf any
	if len(fm.Config) > 0 && string(fm.Config) != "null" {
		conf = string(fm.Config)
	}
	tfms, err := encodeJSON(fm.Transformations)
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO field_mappings(id,mapping_id,source_field_id,target_field_id,source_field_path,target_field_path,strategy,config_json,transformations_json,position,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		fm.ID, fm.MappingID, fm.SourceFieldID, fm.TargetFieldID, fm.SourceFieldPath, fm.TargetFieldPath, fm.Strategy,
		conf, tfms, fm.Position, fm.CreatedAt)
	return err
}

func (r Repo) GetFieldMapping(ctx context.Context, id string) (domain.FieldMapping, error) {
	return scanFieldMapping(r.DB.QueryRowContext(ctx, `SELECT `+fieldMappingColumns+` FROM field_mappings WHERE id=?`, id))
}

// ListFieldMappings returns the rules of a mapping group in evaluation order.
func (r Repo) ListFieldMappings(ctx context.Context, mappingID string) ([]domain.FieldMapping, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+fieldMappingColumns+` FROM field_mappings WHERE mapping_id=? ORDER BY position, created_at, id`, mappingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.FieldMapping
	for rows.Next() {
		fm, err := scanFieldMapping(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, fm)
	}
	return res, rows.Err()
}

// NextFieldPosition returns the position after the last rule of a group.
func (r Repo) NextFieldPosition(ctx context.Context, mappingID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(position)+1,0) FROM field_mappings WHERE mapping_id=?`, mappingID).Scan(&n)
	return n, err
}

func (r Repo) DeleteFieldMapping(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM field_mappings WHERE id=?`, id)
	return affectedOne(res, err)
}
