package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hyperengineering/fieldkit/internal/types"
)

// GetCachedValues bulk-loads the cached server values of an instance.
func (s *SQLiteStore) GetCachedValues(ctx context.Context, key types.InstanceKey) (map[types.FieldRef]types.CachedValue, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT data_element_id, category_option_combo_id, value, comment, last_modified, stored_by
		FROM cached_values
		WHERE `+instanceWhere, instanceArgs(key)...)
	if err != nil {
		return nil, storageErr("get cached values", err)
	}
	defer rows.Close()

	values := make(map[types.FieldRef]types.CachedValue)
	for rows.Next() {
		var value, comment, storedBy sql.NullString
		cv := types.CachedValue{Key: types.FieldKey{Instance: key}}
		if err := rows.Scan(&cv.Key.DataElementID, &cv.Key.CategoryOptionComboID, &value, &comment, &cv.LastModified, &storedBy); err != nil {
			return nil, storageErr("scan cached value", err)
		}
		cv.Value = stringPtr(value)
		cv.Comment = stringPtr(comment)
		cv.StoredBy = stringPtr(storedBy)
		values[cv.Key.Ref()] = cv
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate cached values", err)
	}
	return values, nil
}

// ReplaceCachedValues swaps the cached snapshot of an instance for values
// in one transaction.
func (s *SQLiteStore) ReplaceCachedValues(ctx context.Context, key types.InstanceKey, values []types.CachedValue) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("begin transaction", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM cached_values WHERE `+instanceWhere, instanceArgs(key)...); err != nil {
		return storageErr("clear cached values", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO cached_values (
			program_id, period, org_unit_id, attribute_option_combo_id,
			data_element_id, category_option_combo_id,
			value, comment, last_modified, stored_by
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return storageErr("prepare statement", err)
	}
	defer stmt.Close()

	for _, v := range values {
		if v.Key.Instance != key {
			return fmt.Errorf("cached value %s does not belong to instance %s", v.Key, key)
		}
		if _, err := stmt.ExecContext(ctx, append(fieldArgs(v.Key),
			nullString(v.Value), nullString(v.Comment), v.LastModified, nullString(v.StoredBy))...); err != nil {
			return storageErr("insert cached value", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return storageErr("commit transaction", err)
	}
	return nil
}

// GetShape returns the cached form shape of a program, or ErrNotFound.
func (s *SQLiteStore) GetShape(ctx context.Context, programID string) (*types.FormShape, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM form_shapes WHERE program_id = ?`, programID).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, storageErr("get shape", err)
	}

	var shape types.FormShape
	if err := json.Unmarshal([]byte(payload), &shape); err != nil {
		return nil, fmt.Errorf("parse shape JSON: %w", err)
	}
	return &shape, nil
}

// PutShape stores or replaces the cached form shape of a program.
func (s *SQLiteStore) PutShape(ctx context.Context, shape *types.FormShape) error {
	payload, err := json.Marshal(shape)
	if err != nil {
		return fmt.Errorf("marshal shape: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO form_shapes (program_id, payload, fetched_at) VALUES (?, ?, ?)
		ON CONFLICT (program_id) DO UPDATE SET payload = excluded.payload, fetched_at = excluded.fetched_at
	`, shape.ProgramID, string(payload), time.Now().UnixMilli())
	if err != nil {
		return storageErr("put shape", err)
	}
	return nil
}
