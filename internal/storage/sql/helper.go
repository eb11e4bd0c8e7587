package sql

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/llm-perf/perf-hub/internal/storage/sql/schemas"
	"github.com/llm-perf/perf-hub/pkg/api"
)

// the columns of the tasks table in scan order
const taskColumns = `id, display_id, lineage_id, retry_of, engine, model, task_type, owner_id, parameters, target,
status, cancel_requested, execution_mode, lease_owner, lease_token, lease_expires_at,
created_at, started_at, completed_at, result_path, archived_path, log_path, error_kind, error_message, summary`

// terminalStates is the SQL list of the states that cannot transition any further
var terminalStates = fmt.Sprintf("'%s', '%s', '%s'", api.StateCompleted, api.StateFailed, api.StateCanceled)

func getUnsupportedDriverError(driver string) error {
	return fmt.Errorf("unsupported driver: %s", driver)
}

func schemasForDriver(driver string) ([]string, error) {
	schema := schemas.SchemaForDriver(driver)
	if schema == "" {
		return nil, getUnsupportedDriverError(driver)
	}
	var statements []string
	for statement := range strings.SplitSeq(schema, ";") {
		if statement = strings.TrimSpace(statement); statement != "" {
			statements = append(statements, statement)
		}
	}
	return statements, nil
}

// quoteIdentifier properly quotes an identifier for the given driver
func quoteIdentifier(_ /*driver*/ string, identifier string) string {
	// Escape double quotes by doubling them
	escaped := strings.ReplaceAll(identifier, `"`, `""`)
	return fmt.Sprintf(`"%s"`, escaped)
}

// rebind rewrites the ? placeholders of query into the placeholder syntax of the driver.
func rebind(driver string, query string) string {
	if driver != POSTGRES_DRIVER {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// createInsertTaskStatement returns a driver-specific INSERT statement for a new
// queued task. SQLite derives the display id from the current maximum, which is
// safe because SQLite serializes writers; PostgreSQL uses the BIGSERIAL column.
func createInsertTaskStatement(driver string) (string, error) {
	table := quoteIdentifier(driver, TABLE_TASKS)
	switch driver {
	case SQLITE_DRIVER:
		return fmt.Sprintf(`INSERT INTO %s (id, display_id, lineage_id, engine, model, task_type, owner_id, parameters, target, status, created_at)
VALUES (?, (SELECT COALESCE(MAX(display_id), 0) + 1 FROM %s), ?, ?, ?, ?, ?, ?, ?, '%s', ?) RETURNING display_id;`, table, table, api.StateQueued), nil
	case POSTGRES_DRIVER:
		return fmt.Sprintf(`INSERT INTO %s (id, lineage_id, engine, model, task_type, owner_id, parameters, target, status, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, '%s', ?) RETURNING display_id;`, table, api.StateQueued), nil
	default:
		return "", getUnsupportedDriverError(driver)
	}
}

// createInsertRetryStatement returns a driver-specific INSERT ... SELECT that copies
// a terminal task into a new queued task, keeping the stored parameters as they are.
func createInsertRetryStatement(driver string) (string, error) {
	table := quoteIdentifier(driver, TABLE_TASKS)
	switch driver {
	case SQLITE_DRIVER:
		return fmt.Sprintf(`INSERT INTO %s (id, display_id, lineage_id, retry_of, engine, model, task_type, owner_id, parameters, target, status, created_at)
SELECT ?, (SELECT COALESCE(MAX(display_id), 0) + 1 FROM %s), lineage_id, id, engine, model, task_type, owner_id, parameters, target, '%s', ?
FROM %s WHERE id = ? AND status IN (%s);`, table, table, api.StateQueued, table, terminalStates), nil
	case POSTGRES_DRIVER:
		return fmt.Sprintf(`INSERT INTO %s (id, lineage_id, retry_of, engine, model, task_type, owner_id, parameters, target, status, created_at)
SELECT CAST(? AS TEXT), lineage_id, id, engine, model, task_type, owner_id, parameters, target, '%s', CAST(? AS BIGINT)
FROM %s WHERE id = ? AND status IN (%s);`, table, api.StateQueued, table, terminalStates), nil
	default:
		return "", getUnsupportedDriverError(driver)
	}
}

// createListTasksStatement returns the count and list statements for a filter,
// sharing one WHERE clause and argument list. Placeholders are bound by the caller.
func createListTasksStatement(driver string, filter api.TaskFilter) (countQuery string, listQuery string, args []any, err error) {
	if driver != SQLITE_DRIVER && driver != POSTGRES_DRIVER {
		return "", "", nil, getUnsupportedDriverError(driver)
	}
	table := quoteIdentifier(driver, TABLE_TASKS)

	var where []string
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.OwnerID != "" {
		where = append(where, "owner_id = ?")
		args = append(args, filter.OwnerID)
	}
	if filter.LineageID != "" {
		where = append(where, "lineage_id = ?")
		args = append(args, filter.LineageID)
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	countQuery = fmt.Sprintf(`SELECT COUNT(*) FROM %s%s;`, table, clause)
	listQuery = fmt.Sprintf(`SELECT %s FROM %s%s ORDER BY display_id DESC LIMIT ? OFFSET ?;`, taskColumns, table, clause)
	return countQuery, listQuery, args, nil
}
