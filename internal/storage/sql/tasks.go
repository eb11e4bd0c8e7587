package sql

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/llm-perf/perf-hub/internal/abstractions"
	"github.com/llm-perf/perf-hub/internal/messages"
	"github.com/llm-perf/perf-hub/internal/serviceerrors"
	"github.com/llm-perf/perf-hub/pkg/api"
)

const defaultListLimit = 50

type scanner interface {
	Scan(dest ...any) error
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}

func fromNullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	return &v.String
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

func (s *SQLStorage) databaseError(operation string, id string, err error) error {
	s.logger.Error("Database operation failed", "operation", operation, "task_id", id, "error", err.Error())
	return serviceerrors.NewServiceError(messages.DatabaseOperationFailed, "Type", "task", "ResourceId", id, "Error", fmt.Sprintf("%s: %s", operation, err.Error()))
}

func notFound(id string) error {
	return serviceerrors.NewServiceError(messages.ResourceNotFound, "Type", "task", "ResourceId", id)
}

// scanTask reads one row selected with taskColumns.
func scanTask(row scanner) (*api.Task, error) {
	var task api.Task
	var retryOf, ownerID, executionMode, leaseOwner, leaseToken sql.NullString
	var resultPath, archivedPath, logPath, errorKind, errorMessage, summaryJSON sql.NullString
	var leaseExpiresAt, startedAt, completedAt sql.NullInt64
	var createdAt, cancelRequested int64
	var taskType, status, parametersJSON, targetJSON string
	err := row.Scan(&task.ID, &task.DisplayID, &task.LineageID, &retryOf, &task.Engine, &task.Model, &taskType, &ownerID,
		&parametersJSON, &targetJSON, &status, &cancelRequested, &executionMode, &leaseOwner, &leaseToken, &leaseExpiresAt,
		&createdAt, &startedAt, &completedAt, &resultPath, &archivedPath, &logPath, &errorKind, &errorMessage, &summaryJSON)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(parametersJSON), &task.Parameters); err != nil {
		return nil, fmt.Errorf("failed to unmarshal the parameters of task %s: %w", task.ID, err)
	}
	if err := json.Unmarshal([]byte(targetJSON), &task.Target); err != nil {
		return nil, fmt.Errorf("failed to unmarshal the target of task %s: %w", task.ID, err)
	}
	if summaryJSON.Valid && summaryJSON.String != "" {
		task.Summary = &api.ResultSummary{}
		if err := json.Unmarshal([]byte(summaryJSON.String), task.Summary); err != nil {
			return nil, fmt.Errorf("failed to unmarshal the summary of task %s: %w", task.ID, err)
		}
	}

	task.RetryOf = fromNullString(retryOf)
	task.TaskType = api.TaskType(taskType)
	task.OwnerID = ownerID.String
	task.Status = api.State(status)
	task.CancelRequested = cancelRequested != 0
	task.ExecutionMode = api.ExecutionMode(executionMode.String)
	if leaseToken.Valid && leaseExpiresAt.Valid {
		task.Lease = &api.Lease{
			Owner:     leaseOwner.String,
			Token:     leaseToken.String,
			ExpiresAt: *fromMillis(leaseExpiresAt),
		}
	}
	task.CreatedAt = time.UnixMilli(createdAt).UTC()
	task.StartedAt = fromMillis(startedAt)
	task.CompletedAt = fromMillis(completedAt)
	task.ResultPath = fromNullString(resultPath)
	task.ArchivedPath = fromNullString(archivedPath)
	task.LogPath = fromNullString(logPath)
	task.ErrorKind = fromNullString(errorKind)
	task.ErrorMessage = fromNullString(errorMessage)
	return &task, nil
}

func (s *SQLStorage) scanTasks(query string, args ...any) ([]api.Task, error) {
	rows, err := s.pool.QueryContext(s.ctx, rebind(s.sqlConfig.Driver, query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []api.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *task)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

//#######################################################################
// Task records
//#######################################################################

// CreateTask inserts a queued task. The parameters are stored as they marshal
// now and are never rewritten afterwards.
func (s *SQLStorage) CreateTask(config *api.TaskConfig) (*api.Task, error) {
	parametersJSON, err := json.Marshal(config.Parameters)
	if err != nil {
		return nil, err
	}
	targetJSON, err := json.Marshal(config.Target)
	if err != nil {
		return nil, err
	}
	statement, err := createInsertTaskStatement(s.sqlConfig.Driver)
	if err != nil {
		return nil, err
	}

	taskType := config.TaskType
	if taskType == "" {
		taskType = api.TaskTypePerfTest
	}
	id := s.generateID()
	now := time.Now().UTC().Truncate(time.Millisecond)

	var displayID int64
	err = s.pool.QueryRowContext(s.ctx, rebind(s.sqlConfig.Driver, statement),
		id, id, config.Engine, config.Model, string(taskType), nullString(config.OwnerID), string(parametersJSON), string(targetJSON), toMillis(now),
	).Scan(&displayID)
	if err != nil {
		return nil, s.databaseError("create task", id, err)
	}
	s.logger.Info("Created task", "task_id", id, "display_id", displayID, "engine", config.Engine, "model", config.Model)

	return &api.Task{
		ID:         id,
		DisplayID:  displayID,
		LineageID:  id,
		Engine:     config.Engine,
		Model:      config.Model,
		TaskType:   taskType,
		OwnerID:    config.OwnerID,
		Parameters: config.Parameters,
		Target:     config.Target,
		Status:     api.StateQueued,
		CreatedAt:  now,
	}, nil
}

func (s *SQLStorage) getRetryOf(txn *sql.Tx, originalID string) (*api.Task, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE retry_of = ?;`, taskColumns, quoteIdentifier(s.sqlConfig.Driver, TABLE_TASKS))
	var row *sql.Row
	if txn != nil {
		row = s.txQueryRow(txn, query, originalID)
	} else {
		row = s.pool.QueryRowContext(s.ctx, rebind(s.sqlConfig.Driver, query), originalID)
	}
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return task, err
}

func (s *SQLStorage) CreateRetry(original *api.Task) (*api.Task, bool, error) {
	statement, err := createInsertRetryStatement(s.sqlConfig.Driver)
	if err != nil {
		return nil, false, err
	}

	var retry *api.Task
	created := false
	err = s.withTransaction("create retry", original.ID, func(txn *sql.Tx) error {
		existing, err := s.getRetryOf(txn, original.ID)
		if err != nil {
			return err
		}
		if existing != nil {
			retry = existing
			return nil
		}

		id := s.generateID()
		result, err := s.txExec(txn, statement, id, toMillis(time.Now()), original.ID)
		if err != nil {
			return err
		}
		rowsAffected, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if rowsAffected == 0 {
			return serviceerrors.NewServiceError(messages.TaskNotTerminal, "ResourceId", original.ID, "Status", original.Status, "Operation", "retry").WithRollback()
		}
		retry, err = scanTask(s.txQueryRow(txn, fmt.Sprintf(`SELECT %s FROM %s WHERE id = ?;`, taskColumns, quoteIdentifier(s.sqlConfig.Driver, TABLE_TASKS)), id))
		if err != nil {
			return err
		}
		created = true
		return nil
	})
	if err != nil {
		var se abstractions.ServiceError
		if errors.As(err, &se) {
			return nil, false, err
		}
		// a concurrent retry won the unique retry_of index
		if existing, lookupErr := s.getRetryOf(nil, original.ID); lookupErr == nil && existing != nil {
			return existing, false, nil
		}
		return nil, false, s.databaseError("create retry", original.ID, err)
	}
	if created {
		s.logger.Info("Created retry task", "task_id", retry.ID, "display_id", retry.DisplayID, "retry_of", original.ID, "lineage_id", retry.LineageID)
	}
	return retry, created, nil
}

func (s *SQLStorage) GetTask(id string) (*api.Task, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = ?;`, taskColumns, quoteIdentifier(s.sqlConfig.Driver, TABLE_TASKS))
	task, err := scanTask(s.pool.QueryRowContext(s.ctx, rebind(s.sqlConfig.Driver, query), id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound(id)
		}
		return nil, s.databaseError("get task", id, err)
	}
	return task, nil
}

func (s *SQLStorage) ListTasks(filter api.TaskFilter) (*abstractions.QueryResults[api.Task], error) {
	countQuery, listQuery, args, err := createListTasksStatement(s.sqlConfig.Driver, filter)
	if err != nil {
		return nil, err
	}

	var totalCount int
	if err := s.pool.QueryRowContext(s.ctx, rebind(s.sqlConfig.Driver, countQuery), args...).Scan(&totalCount); err != nil {
		s.logger.Error("Failed to count tasks", "error", err)
		return nil, serviceerrors.NewServiceError(messages.QueryFailed, "Type", "tasks", "Error", err.Error())
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	items, err := s.scanTasks(listQuery, append(args, limit, max(filter.Offset, 0))...)
	if err != nil {
		s.logger.Error("Failed to list tasks", "error", err)
		return nil, serviceerrors.NewServiceError(messages.QueryFailed, "Type", "tasks", "Error", err.Error())
	}
	return &abstractions.QueryResults[api.Task]{
		Items:       items,
		TotalStored: totalCount,
	}, nil
}

// DeleteTask removes a terminal task. Deleting a queued or running task is a conflict.
func (s *SQLStorage) DeleteTask(id string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = ? AND status IN (%s);`, quoteIdentifier(s.sqlConfig.Driver, TABLE_TASKS), terminalStates)
	deleted, err := s.execAffected(query, id)
	if err != nil {
		return s.databaseError("delete task", id, err)
	}
	if !deleted {
		task, err := s.GetTask(id)
		if err != nil {
			return err
		}
		return serviceerrors.NewServiceError(messages.TaskNotTerminal, "ResourceId", id, "Status", task.Status, "Operation", "delete")
	}
	s.logger.Info("Deleted task", "task_id", id)
	return nil
}

//#######################################################################
// Dispatch and lease operations
//#######################################################################

// ListDispatchable returns the oldest queued tasks without a cancel request.
func (s *SQLStorage) ListDispatchable(limit int) ([]api.Task, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE status = '%s' AND cancel_requested = 0 ORDER BY display_id ASC LIMIT ?;`,
		taskColumns, quoteIdentifier(s.sqlConfig.Driver, TABLE_TASKS), api.StateQueued)
	items, err := s.scanTasks(query, limit)
	if err != nil {
		return nil, serviceerrors.NewServiceError(messages.QueryFailed, "Type", "dispatchable tasks", "Error", err.Error())
	}
	return items, nil
}

// AcquireLease moves a queued task to running under a fresh lease token. A nil
// task with a nil error means another runner won the race or the task is no
// longer dispatchable.
func (s *SQLStorage) AcquireLease(id string, owner string, ttl time.Duration) (*api.Task, error) {
	now := time.Now()
	token := uuid.New().String()
	query := fmt.Sprintf(`UPDATE %s SET status = '%s', lease_owner = ?, lease_token = ?, lease_expires_at = ?, started_at = ?, completed_at = NULL
WHERE id = ? AND status = '%s' AND cancel_requested = 0;`, quoteIdentifier(s.sqlConfig.Driver, TABLE_TASKS), api.StateRunning, api.StateQueued)
	acquired, err := s.execAffected(query, owner, token, toMillis(now.Add(ttl)), toMillis(now), id)
	if err != nil {
		return nil, s.databaseError("acquire lease", id, err)
	}
	if !acquired {
		return nil, nil
	}
	s.logger.Debug("Acquired lease", "task_id", id, "lease_owner", owner)
	return s.GetTask(id)
}

func (s *SQLStorage) RenewLease(id string, token string, ttl time.Duration) (bool, error) {
	query := fmt.Sprintf(`UPDATE %s SET lease_expires_at = ? WHERE id = ? AND status = '%s' AND lease_token = ?;`,
		quoteIdentifier(s.sqlConfig.Driver, TABLE_TASKS), api.StateRunning)
	renewed, err := s.execAffected(query, toMillis(time.Now().Add(ttl)), id, token)
	if err != nil {
		return false, s.databaseError("renew lease", id, err)
	}
	return renewed, nil
}

func (s *SQLStorage) UpdateRunning(id string, token string, update api.RunningUpdate) (bool, error) {
	query := fmt.Sprintf(`UPDATE %s SET execution_mode = COALESCE(?, execution_mode), log_path = COALESCE(?, log_path)
WHERE id = ? AND status = '%s' AND lease_token = ?;`, quoteIdentifier(s.sqlConfig.Driver, TABLE_TASKS), api.StateRunning)
	updated, err := s.execAffected(query, nullString(string(update.ExecutionMode)), nullString(update.LogPath), id, token)
	if err != nil {
		return false, s.databaseError("update running task", id, err)
	}
	return updated, nil
}

// FinishTask writes the terminal outcome of a running task and releases its
// lease. Error fields are kept only for failed and canceled tasks and the
// summary only for completed ones.
func (s *SQLStorage) FinishTask(id string, token string, outcome api.TaskOutcome) (bool, error) {
	if !outcome.State.IsTerminal() {
		return false, fmt.Errorf("finish task %s: %s is not a terminal state", id, outcome.State)
	}
	var summary sql.NullString
	errorKind, errorMessage := nullString(outcome.ErrorKind), nullString(outcome.ErrorMessage)
	if outcome.State == api.StateCompleted {
		errorKind, errorMessage = sql.NullString{}, sql.NullString{}
		if outcome.Summary != nil {
			data, err := json.Marshal(outcome.Summary)
			if err != nil {
				return false, err
			}
			summary = nullString(string(data))
		}
	}

	query := fmt.Sprintf(`UPDATE %s SET status = ?, completed_at = ?, error_kind = ?, error_message = ?, result_path = ?, summary = ?,
lease_owner = NULL, lease_token = NULL, lease_expires_at = NULL
WHERE id = ? AND status = '%s' AND lease_token = ?;`, quoteIdentifier(s.sqlConfig.Driver, TABLE_TASKS), api.StateRunning)
	finished, err := s.execAffected(query, string(outcome.State), toMillis(time.Now()), errorKind, errorMessage,
		nullString(outcome.ResultPath), summary, id, token)
	if err != nil {
		return false, s.databaseError("finish task", id, err)
	}
	if finished {
		s.logger.Info("Finished task", "task_id", id, "status", outcome.State, "error_kind", outcome.ErrorKind)
	}
	return finished, nil
}

func (s *SQLStorage) ListStaleLeases(now time.Time, limit int) ([]api.Task, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE status = '%s' AND lease_expires_at < ? ORDER BY lease_expires_at ASC LIMIT ?;`,
		taskColumns, quoteIdentifier(s.sqlConfig.Driver, TABLE_TASKS), api.StateRunning)
	items, err := s.scanTasks(query, toMillis(now), limit)
	if err != nil {
		return nil, serviceerrors.NewServiceError(messages.QueryFailed, "Type", "stale leases", "Error", err.Error())
	}
	return items, nil
}

// ExpireLease resolves a lease that is no longer held, either by returning the
// task to the queue or by failing it.
func (s *SQLStorage) ExpireLease(id string, token string, policy api.StalePolicy) (bool, error) {
	table := quoteIdentifier(s.sqlConfig.Driver, TABLE_TASKS)
	var query string
	var args []any
	switch policy {
	case api.StalePolicyFail:
		var owner string
		var expiresAt sql.NullInt64
		query = fmt.Sprintf(`SELECT COALESCE(lease_owner, ''), lease_expires_at FROM %s WHERE id = ? AND lease_token = ?;`, table)
		if err := s.pool.QueryRowContext(s.ctx, rebind(s.sqlConfig.Driver, query), id, token).Scan(&owner, &expiresAt); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return false, nil
			}
			return false, s.databaseError("expire lease", id, err)
		}
		expiredAt := ""
		if t := fromMillis(expiresAt); t != nil {
			expiredAt = t.Format(time.RFC3339)
		}
		message := messages.GetErrorMessage(messages.LeaseExpired, "Owner", owner, "ResourceId", id, "ExpiredAt", expiredAt)
		query = fmt.Sprintf(`UPDATE %s SET status = '%s', completed_at = ?, error_kind = ?, error_message = ?,
lease_owner = NULL, lease_token = NULL, lease_expires_at = NULL
WHERE id = ? AND status = '%s' AND lease_token = ?;`, table, api.StateFailed, api.StateRunning)
		args = []any{toMillis(time.Now()), string(serviceerrors.KindLeaseExpired), message, id, token}
	default:
		// a task with a pending cancel request is canceled instead of requeued
		query = fmt.Sprintf(`UPDATE %s SET
status = CASE WHEN cancel_requested = 1 THEN '%s' ELSE '%s' END,
completed_at = CASE WHEN cancel_requested = 1 THEN CAST(? AS BIGINT) ELSE NULL END,
error_kind = CASE WHEN cancel_requested = 1 THEN CAST(? AS TEXT) ELSE NULL END,
started_at = CASE WHEN cancel_requested = 1 THEN started_at ELSE NULL END,
execution_mode = CASE WHEN cancel_requested = 1 THEN execution_mode ELSE NULL END,
lease_owner = NULL, lease_token = NULL, lease_expires_at = NULL
WHERE id = ? AND status = '%s' AND lease_token = ?;`, table, api.StateCanceled, api.StateQueued, api.StateRunning)
		args = []any{toMillis(time.Now()), string(serviceerrors.KindCanceled), id, token}
	}
	expired, err := s.execAffected(query, args...)
	if err != nil {
		return false, s.databaseError("expire lease", id, err)
	}
	if expired {
		s.logger.Warn("Resolved stale lease", "task_id", id, "policy", policy)
	}
	return expired, nil
}

//#######################################################################
// Cancellation
//#######################################################################

func (s *SQLStorage) CancelQueued(id string) (bool, error) {
	query := fmt.Sprintf(`UPDATE %s SET status = '%s', cancel_requested = 1, completed_at = ?, error_kind = ?
WHERE id = ? AND status = '%s';`, quoteIdentifier(s.sqlConfig.Driver, TABLE_TASKS), api.StateCanceled, api.StateQueued)
	canceled, err := s.execAffected(query, toMillis(time.Now()), string(serviceerrors.KindCanceled), id)
	if err != nil {
		return false, s.databaseError("cancel queued task", id, err)
	}
	return canceled, nil
}

func (s *SQLStorage) RequestCancel(id string) (bool, error) {
	query := fmt.Sprintf(`UPDATE %s SET cancel_requested = 1 WHERE id = ? AND status IN ('%s', '%s');`,
		quoteIdentifier(s.sqlConfig.Driver, TABLE_TASKS), api.StateQueued, api.StateRunning)
	requested, err := s.execAffected(query, id)
	if err != nil {
		return false, s.databaseError("request cancel", id, err)
	}
	return requested, nil
}

func (s *SQLStorage) ListCancelRequested(owner string) ([]string, error) {
	query := fmt.Sprintf(`SELECT id FROM %s WHERE status = '%s' AND cancel_requested = 1 AND lease_owner = ?;`,
		quoteIdentifier(s.sqlConfig.Driver, TABLE_TASKS), api.StateRunning)
	rows, err := s.pool.QueryContext(s.ctx, rebind(s.sqlConfig.Driver, query), owner)
	if err != nil {
		return nil, serviceerrors.NewServiceError(messages.QueryFailed, "Type", "cancel requests", "Error", err.Error())
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, serviceerrors.NewServiceError(messages.QueryFailed, "Type", "cancel requests", "Error", err.Error())
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, serviceerrors.NewServiceError(messages.QueryFailed, "Type", "cancel requests", "Error", err.Error())
	}
	return ids, nil
}

// ListQueuedCancelRequested returns queued tasks whose cancel flag was set
// without the task being canceled, oldest first.
func (s *SQLStorage) ListQueuedCancelRequested(limit int) ([]string, error) {
	query := fmt.Sprintf(`SELECT id FROM %s WHERE status = '%s' AND cancel_requested = 1 ORDER BY display_id ASC LIMIT ?;`,
		quoteIdentifier(s.sqlConfig.Driver, TABLE_TASKS), api.StateQueued)
	rows, err := s.pool.QueryContext(s.ctx, rebind(s.sqlConfig.Driver, query), limit)
	if err != nil {
		return nil, serviceerrors.NewServiceError(messages.QueryFailed, "Type", "queued cancel requests", "Error", err.Error())
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, serviceerrors.NewServiceError(messages.QueryFailed, "Type", "queued cancel requests", "Error", err.Error())
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, serviceerrors.NewServiceError(messages.QueryFailed, "Type", "queued cancel requests", "Error", err.Error())
	}
	return ids, nil
}

//#######################################################################
// Artifacts
//#######################################################################

// SetArchivedPath records the archive copy once; later calls do not match.
func (s *SQLStorage) SetArchivedPath(id string, path string) (bool, error) {
	query := fmt.Sprintf(`UPDATE %s SET archived_path = ? WHERE id = ? AND status = '%s' AND result_path IS NOT NULL AND archived_path IS NULL;`,
		quoteIdentifier(s.sqlConfig.Driver, TABLE_TASKS), api.StateCompleted)
	set, err := s.execAffected(query, path, id)
	if err != nil {
		return false, s.databaseError("set archived path", id, err)
	}
	return set, nil
}
