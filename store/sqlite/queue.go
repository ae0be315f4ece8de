package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/warp/reward-ledger/retry"
)

// =============================================================================
// PENDING OPERATION STORE (retry.Store interface)
// =============================================================================

const operationColumns = `id, user_id, action_key, target_id, metadata_json, status, retry_count, max_retries,
	last_error, last_error_code, next_retry_at, created_at, updated_at, completed_at, claim_token`

// InsertIfAbsent stores op unless an active operation for the same
// (user, action, target) exists. The partial unique index makes the check
// atomic even across processes.
func (s *Store) InsertIfAbsent(ctx context.Context, op retry.Operation) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", false, classify(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer sqlTx.Rollback()

	if id, found, err := activeOperation(ctx, sqlTx, op); err != nil || found {
		return id, false, err
	}

	metadataJSON, err := json.Marshal(op.Metadata)
	if err != nil {
		return "", false, fmt.Errorf("failed to encode metadata: %w", err)
	}
	_, err = sqlTx.ExecContext(ctx, `
		INSERT INTO pending_operations
		(id, user_id, action_key, target_id, metadata_json, status, retry_count, max_retries,
		 last_error, last_error_code, next_retry_at, created_at, updated_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		op.ID, op.UserID, op.ActionKey, op.TargetID, string(metadataJSON), op.Status,
		op.RetryCount, op.MaxRetries, nullString(op.LastError), nullString(op.LastErrorCode),
		formatTime(op.NextRetryAt), formatTime(op.CreatedAt), formatTime(op.UpdatedAt), nullTime(op.CompletedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			sqlTx.Rollback()
			id, found, qerr := activeOperation(ctx, s.db, op)
			if qerr == nil && found {
				return id, false, nil
			}
		}
		return "", false, classify(fmt.Errorf("failed to insert pending operation: %w", err))
	}

	if err := sqlTx.Commit(); err != nil {
		return "", false, classify(fmt.Errorf("failed to commit transaction: %w", err))
	}
	return op.ID, true, nil
}

func activeOperation(ctx context.Context, q querier, op retry.Operation) (string, bool, error) {
	var id string
	err := q.QueryRowContext(ctx, `
		SELECT id FROM pending_operations
		WHERE user_id = ? AND action_key = ? AND target_id = ? AND status IN ('pending', 'processing')
		LIMIT 1`, op.UserID, op.ActionKey, op.TargetID).Scan(&id)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, classify(err)
	}
	return id, true, nil
}

func (s *Store) Get(ctx context.Context, id string) (retry.Operation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getOperation(ctx, s.db, id)
}

func getOperation(ctx context.Context, q querier, id string) (retry.Operation, error) {
	row := q.QueryRowContext(ctx, `SELECT `+operationColumns+` FROM pending_operations WHERE id = ?`, id)
	op, err := scanOperation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return retry.Operation{}, fmt.Errorf("%w: %s", retry.ErrNotFound, id)
	}
	return op, err
}

func (s *Store) Due(ctx context.Context, now time.Time, limit int) ([]retry.Operation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 {
		limit = -1
	}
	return s.queryOperations(ctx, `
		SELECT `+operationColumns+` FROM pending_operations
		WHERE status = 'pending' AND next_retry_at <= ?
		ORDER BY next_retry_at, id
		LIMIT ?`, formatTime(now), limit)
}

// Claim is a compare-and-set from pending to processing that records the
// worker's claim token.
func (s *Store) Claim(ctx context.Context, id, token string, now time.Time) (bool, error) {
	if token == "" {
		return false, fmt.Errorf("claim %s: empty claim token", id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE pending_operations SET status = 'processing', updated_at = ?, claim_token = ?
		WHERE id = ? AND status = 'pending'`, formatTime(now), token, id)
	if err != nil {
		return false, classify(fmt.Errorf("failed to claim %s: %w", id, err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}
	if _, err := getOperation(ctx, s.db, id); err != nil {
		return false, err
	}
	return false, nil
}

// Finish writes the outcome of a claimed operation, only while it is still
// processing under the same claim token.
func (s *Store) Finish(ctx context.Context, op retry.Operation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE pending_operations SET
			status = ?, retry_count = ?, last_error = ?, last_error_code = ?,
			next_retry_at = ?, updated_at = ?, completed_at = ?, claim_token = NULL
		WHERE id = ? AND status = 'processing' AND claim_token = ?`,
		op.Status, op.RetryCount, nullString(op.LastError), nullString(op.LastErrorCode),
		formatTime(op.NextRetryAt), formatTime(op.UpdatedAt), nullTime(op.CompletedAt), op.ID, op.ClaimToken)
	if err != nil {
		return classify(fmt.Errorf("failed to finish %s: %w", op.ID, err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	current, err := getOperation(ctx, s.db, op.ID)
	if err != nil {
		return err
	}
	if current.Status == retry.StatusProcessing {
		return fmt.Errorf("%w: %s was reclaimed", retry.ErrNotProcessing, op.ID)
	}
	return fmt.Errorf("%w: %s is %s", retry.ErrNotProcessing, op.ID, current.Status)
}

func (s *Store) List(ctx context.Context, f retry.Filter) ([]retry.Operation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var where []string
	var args []any
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if f.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, f.UserID)
	}
	query := `SELECT ` + operationColumns + ` FROM pending_operations`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = -1
	}
	query += " ORDER BY created_at, id LIMIT ?"
	args = append(args, limit)
	return s.queryOperations(ctx, query, args...)
}

func (s *Store) Counts(ctx context.Context) (map[retry.Status]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM pending_operations GROUP BY status`)
	if err != nil {
		return nil, classify(fmt.Errorf("failed to count operations: %w", err))
	}
	defer rows.Close()

	counts := map[retry.Status]int{
		retry.StatusPending: 0, retry.StatusProcessing: 0, retry.StatusCompleted: 0, retry.StatusFailed: 0,
	}
	for rows.Next() {
		var status retry.Status
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func (s *Store) ReleaseStale(ctx context.Context, cutoff, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE pending_operations SET status = 'pending', next_retry_at = ?, updated_at = ?, claim_token = NULL
		WHERE status = 'processing' AND updated_at < ?`,
		formatTime(now), formatTime(now), formatTime(cutoff))
	if err != nil {
		return 0, classify(fmt.Errorf("failed to release stale claims: %w", err))
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *Store) queryOperations(ctx context.Context, query string, args ...any) ([]retry.Operation, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(fmt.Errorf("failed to query operations: %w", err))
	}
	defer rows.Close()

	var ops []retry.Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

func scanOperation(row scanner) (retry.Operation, error) {
	var (
		op            retry.Operation
		metadataJSON  sql.NullString
		lastError     sql.NullString
		lastErrorCode sql.NullString
		nextRetryAt   string
		createdAt     string
		updatedAt     string
		completedAt   sql.NullString
		claimToken    sql.NullString
	)
	err := row.Scan(&op.ID, &op.UserID, &op.ActionKey, &op.TargetID, &metadataJSON, &op.Status,
		&op.RetryCount, &op.MaxRetries, &lastError, &lastErrorCode, &nextRetryAt, &createdAt, &updatedAt, &completedAt,
		&claimToken)
	if err != nil {
		return op, fmt.Errorf("failed to scan operation: %w", err)
	}

	op.LastError = lastError.String
	op.LastErrorCode = lastErrorCode.String
	op.ClaimToken = claimToken.String
	if metadataJSON.Valid && metadataJSON.String != "" && metadataJSON.String != "null" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &op.Metadata); err != nil {
			return op, fmt.Errorf("operation %s: bad metadata: %w", op.ID, err)
		}
	}
	for _, f := range []struct {
		src string
		dst *time.Time
	}{{nextRetryAt, &op.NextRetryAt}, {createdAt, &op.CreatedAt}, {updatedAt, &op.UpdatedAt}} {
		if *f.dst, err = parseTime(f.src); err != nil {
			return op, fmt.Errorf("operation %s: bad timestamp: %w", op.ID, err)
		}
	}
	if completedAt.Valid {
		t, err := parseTime(completedAt.String)
		if err != nil {
			return op, fmt.Errorf("operation %s: bad completed_at: %w", op.ID, err)
		}
		op.CompletedAt = &t
	}
	return op, nil
}

var _ retry.Store = (*Store)(nil)
