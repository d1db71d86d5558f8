package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/hyperengineering/fieldkit/internal/types"
)

const instanceWhere = `program_id = ? AND period = ? AND org_unit_id = ? AND attribute_option_combo_id = ?`

const fieldWhere = instanceWhere + ` AND data_element_id = ? AND category_option_combo_id = ?`

func instanceArgs(k types.InstanceKey) []any {
	return []any{k.ProgramID, k.Period, k.OrgUnitID, k.AttributeOptionComboID}
}

func fieldArgs(k types.FieldKey) []any {
	return append(instanceArgs(k.Instance), k.DataElementID, k.CategoryOptionComboID)
}

// UpsertDraft inserts or replaces the draft for its FieldKey. A draft older
// than the stored one does not overwrite it.
func (s *SQLiteStore) UpsertDraft(ctx context.Context, d types.Draft) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO drafts (
			program_id, period, org_unit_id, attribute_option_combo_id,
			data_element_id, category_option_combo_id,
			value, comment, last_modified
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (program_id, period, org_unit_id, attribute_option_combo_id,
		             data_element_id, category_option_combo_id)
		DO UPDATE SET
			value = excluded.value,
			comment = excluded.comment,
			last_modified = excluded.last_modified
		WHERE excluded.last_modified >= drafts.last_modified
	`, append(fieldArgs(d.Key), nullString(d.Value), nullString(d.Comment), d.LastModified)...)
	if err != nil {
		return storageErr("upsert draft", err)
	}
	return nil
}

// DeleteDraft removes the draft for key. Deleting a missing draft is a no-op.
func (s *SQLiteStore) DeleteDraft(ctx context.Context, key types.FieldKey) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM drafts WHERE `+fieldWhere, fieldArgs(key)...); err != nil {
		return storageErr("delete draft", err)
	}
	return nil
}

// DeleteDraftsForInstance removes every draft of an instance.
func (s *SQLiteStore) DeleteDraftsForInstance(ctx context.Context, key types.InstanceKey) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM drafts WHERE `+instanceWhere, instanceArgs(key)...); err != nil {
		return storageErr("delete instance drafts", err)
	}
	return nil
}

// DeleteUploadedDrafts deletes each given draft only if the stored row still
// matches it exactly. Rows edited after the upload snapshot survive.
// Returns the number of rows deleted.
func (s *SQLiteStore) DeleteUploadedDrafts(ctx context.Context, uploaded []types.Draft) (int, error) {
	if len(uploaded) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, storageErr("begin transaction", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		DELETE FROM drafts
		WHERE `+fieldWhere+`
		  AND value IS ? AND comment IS ? AND last_modified = ?
	`)
	if err != nil {
		return 0, storageErr("prepare statement", err)
	}
	defer stmt.Close()

	var deleted int
	for _, d := range uploaded {
		res, err := stmt.ExecContext(ctx, append(fieldArgs(d.Key), nullString(d.Value), nullString(d.Comment), d.LastModified)...)
		if err != nil {
			return 0, storageErr("delete uploaded draft", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, storageErr("rows affected", err)
		}
		deleted += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, storageErr("commit transaction", err)
	}
	return deleted, nil
}

// GetDraft returns the draft for key, or ErrNotFound.
func (s *SQLiteStore) GetDraft(ctx context.Context, key types.FieldKey) (*types.Draft, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT value, comment, last_modified FROM drafts WHERE `+fieldWhere, fieldArgs(key)...)

	var value, comment sql.NullString
	d := types.Draft{Key: key}
	if err := row.Scan(&value, &comment, &d.LastModified); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, storageErr("get draft", err)
	}
	d.Value = stringPtr(value)
	d.Comment = stringPtr(comment)
	return &d, nil
}

// ListDraftsForInstance bulk-loads every draft of an instance.
func (s *SQLiteStore) ListDraftsForInstance(ctx context.Context, key types.InstanceKey) ([]types.Draft, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT data_element_id, category_option_combo_id, value, comment, last_modified
		FROM drafts
		WHERE `+instanceWhere+`
		ORDER BY data_element_id, category_option_combo_id
	`, instanceArgs(key)...)
	if err != nil {
		return nil, storageErr("list drafts", err)
	}
	defer rows.Close()

	drafts := []types.Draft{}
	for rows.Next() {
		var value, comment sql.NullString
		d := types.Draft{Key: types.FieldKey{Instance: key}}
		if err := rows.Scan(&d.Key.DataElementID, &d.Key.CategoryOptionComboID, &value, &comment, &d.LastModified); err != nil {
			return nil, storageErr("scan draft", err)
		}
		d.Value = stringPtr(value)
		d.Comment = stringPtr(comment)
		drafts = append(drafts, d)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate drafts", err)
	}
	return drafts, nil
}

// CountDraftsForInstance returns the number of drafts of an instance.
func (s *SQLiteStore) CountDraftsForInstance(ctx context.Context, key types.InstanceKey) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM drafts WHERE `+instanceWhere, instanceArgs(key)...).Scan(&count)
	if err != nil {
		return 0, storageErr("count drafts", err)
	}
	return count, nil
}

// ListDistinctInstances returns every instance of a program that has drafts.
// These may exist only locally.
func (s *SQLiteStore) ListDistinctInstances(ctx context.Context, programID string) ([]types.InstanceKey, error) {
	return s.queryInstances(ctx, `
		SELECT DISTINCT program_id, period, org_unit_id, attribute_option_combo_id
		FROM drafts
		WHERE program_id = ?
		ORDER BY period DESC, org_unit_id, attribute_option_combo_id
	`, programID)
}

// ListInstancesWithDrafts returns every instance with at least one draft.
func (s *SQLiteStore) ListInstancesWithDrafts(ctx context.Context) ([]types.InstanceKey, error) {
	return s.queryInstances(ctx, `
		SELECT DISTINCT program_id, period, org_unit_id, attribute_option_combo_id
		FROM drafts
		ORDER BY program_id, period, org_unit_id, attribute_option_combo_id
	`)
}

func (s *SQLiteStore) queryInstances(ctx context.Context, query string, args ...any) ([]types.InstanceKey, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("list instances", err)
	}
	defer rows.Close()

	keys := []types.InstanceKey{}
	for rows.Next() {
		var k types.InstanceKey
		if err := rows.Scan(&k.ProgramID, &k.Period, &k.OrgUnitID, &k.AttributeOptionComboID); err != nil {
			return nil, storageErr("scan instance", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate instances", err)
	}
	return keys, nil
}
