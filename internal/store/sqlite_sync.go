package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/hyperengineering/fieldkit/internal/types"
)

// GetCompletion returns the completion record of an instance, or ErrNotFound.
func (s *SQLiteStore) GetCompletion(ctx context.Context, key types.InstanceKey) (*types.CompletionRecord, error) {
	rec := types.CompletionRecord{Instance: key}
	var state string
	err := s.db.QueryRowContext(ctx, `
		SELECT state, updated_at, synced FROM completions WHERE `+instanceWhere,
		instanceArgs(key)...).Scan(&state, &rec.UpdatedAt, &rec.Synced)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, storageErr("get completion", err)
	}
	rec.State = types.CompletionState(state)
	return &rec, nil
}

// PutCompletion stores the completion record of an instance.
func (s *SQLiteStore) PutCompletion(ctx context.Context, rec types.CompletionRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO completions (
			program_id, period, org_unit_id, attribute_option_combo_id,
			state, updated_at, synced
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (program_id, period, org_unit_id, attribute_option_combo_id)
		DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at, synced = excluded.synced
	`, append(instanceArgs(rec.Instance), string(rec.State), rec.UpdatedAt, rec.Synced)...)
	if err != nil {
		return storageErr("put completion", err)
	}
	return nil
}

// ListPendingCompletions returns completion records not yet mirrored upstream.
func (s *SQLiteStore) ListPendingCompletions(ctx context.Context) ([]types.CompletionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT program_id, period, org_unit_id, attribute_option_combo_id, state, updated_at
		FROM completions
		WHERE synced = 0
		ORDER BY updated_at
	`)
	if err != nil {
		return nil, storageErr("list pending completions", err)
	}
	defer rows.Close()

	recs := []types.CompletionRecord{}
	for rows.Next() {
		var rec types.CompletionRecord
		var state string
		k := &rec.Instance
		if err := rows.Scan(&k.ProgramID, &k.Period, &k.OrgUnitID, &k.AttributeOptionComboID, &state, &rec.UpdatedAt); err != nil {
			return nil, storageErr("scan completion", err)
		}
		rec.State = types.CompletionState(state)
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate completions", err)
	}
	return recs, nil
}

// MarkCompletionSynced flags the record as mirrored, unless it was changed
// after updatedAt.
func (s *SQLiteStore) MarkCompletionSynced(ctx context.Context, key types.InstanceKey, updatedAt int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE completions SET synced = 1 WHERE `+instanceWhere+` AND updated_at = ?
	`, append(instanceArgs(key), updatedAt)...)
	if err != nil {
		return storageErr("mark completion synced", err)
	}
	return nil
}

// RecordSyncRun appends a finished sync run to the log.
func (s *SQLiteStore) RecordSyncRun(ctx context.Context, run types.SyncRun) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_runs (id, scope, status, started_at, finished_at, uploaded, failed, message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, run.ID, run.Scope, run.Status, run.StartedAt, run.FinishedAt, run.Uploaded, run.Failed, run.Message)
	if err != nil {
		return storageErr("record sync run", err)
	}
	return nil
}

// LastSyncRun returns the most recently finished sync run, or ErrNotFound.
func (s *SQLiteStore) LastSyncRun(ctx context.Context) (*types.SyncRun, error) {
	var run types.SyncRun
	err := s.db.QueryRowContext(ctx, `
		SELECT id, scope, status, started_at, finished_at, uploaded, failed, message
		FROM sync_runs
		ORDER BY finished_at DESC, id DESC
		LIMIT 1
	`).Scan(&run.ID, &run.Scope, &run.Status, &run.StartedAt, &run.FinishedAt, &run.Uploaded, &run.Failed, &run.Message)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, storageErr("last sync run", err)
	}
	return &run, nil
}

// SetSyncQueued records that a sync is wanted. Returns false if one was
// already queued.
func (s *SQLiteStore) SetSyncQueued(ctx context.Context, requestedAt int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO sync_queue (id, requested_at) VALUES (1, ?)`, requestedAt)
	if err != nil {
		return false, storageErr("queue sync", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storageErr("rows affected", err)
	}
	return n == 1, nil
}

// ClearSyncQueued removes the queued-sync flag.
func (s *SQLiteStore) ClearSyncQueued(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sync_queue`); err != nil {
		return storageErr("clear sync queue", err)
	}
	return nil
}

// IsSyncQueued reports whether a sync is queued.
func (s *SQLiteStore) IsSyncQueued(ctx context.Context) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_queue`).Scan(&n); err != nil {
		return false, storageErr("read sync queue", err)
	}
	return n > 0, nil
}
