package store

import (
	"fmt"
	"math"
	"strings"
	"time"

	"photoflow/internal/models"

	"github.com/google/uuid"
)

// Placeholder renders the n-th (1-based) bind parameter for a SQL dialect.
type Placeholder func(n int) string

// DollarPlaceholder renders PostgreSQL-style $n parameters.
func DollarPlaceholder(n int) string { return fmt.Sprintf("$%d", n) }

// QuestionPlaceholder renders SQLite-style ? parameters.
func QuestionPlaceholder(int) string { return "?" }

// BuildUpdateSQL renders u as a single conditional UPDATE on the tasks table.
// The WHERE clause carries the compare-and-set guard: the row must not be in
// a terminal status and, when ExpectStates is set, must be in one of them.
func (u TaskUpdate) BuildUpdateSQL(id uuid.UUID, now time.Time, ph Placeholder) (string, []any) {
	var sets []string
	var args []any
	bind := func(v any) string {
		args = append(args, v)
		return ph(len(args))
	}
	set := func(col string, v any) {
		sets = append(sets, col+" = "+bind(v))
	}

	if u.State != nil {
		set("state", string(*u.State))
	}
	if u.Status != nil {
		set("status", string(*u.Status))
	}
	if u.RetryCount != nil {
		set("retry_count", *u.RetryCount)
	}
	if u.RetryAfter != nil {
		set("retry_after", *u.RetryAfter)
	} else if u.ClearRetry {
		sets = append(sets, "retry_after = NULL")
	}
	if u.Result != nil {
		set("result", string(u.Result))
	}
	if u.Error != nil {
		set("error", *u.Error)
	}
	if u.LastError != nil {
		set("last_error", *u.LastError)
	}
	if u.Prompt != nil {
		set("prompt", *u.Prompt)
	}
	if u.CompletedAt != nil {
		set("completed_at", *u.CompletedAt)
	}
	set("updated_at", now)

	where := []string{"id = " + bind(id.String())}
	where = append(where, "status NOT IN ("+bindList(models.TerminalStatuses, bind)+")")
	if len(u.ExpectStates) > 0 {
		where = append(where, "state IN ("+bindList(u.ExpectStates, bind)+")")
	}

	query := "UPDATE tasks SET " + strings.Join(sets, ", ") + " WHERE " + strings.Join(where, " AND ")
	return query, args
}

// BuildFindSQL renders f as a SELECT over the tasks table returning columns.
func (f TaskFilter) BuildFindSQL(columns string, ph Placeholder) (string, []any) {
	var args []any
	bind := func(v any) string {
		args = append(args, v)
		return ph(len(args))
	}

	var where []string
	if len(f.States) > 0 {
		where = append(where, "state IN ("+bindList(f.States, bind)+")")
	}
	if len(f.Statuses) > 0 {
		where = append(where, "status IN ("+bindList(f.Statuses, bind)+")")
	}
	if f.OwnerID != "" {
		where = append(where, "owner_id = "+bind(f.OwnerID))
	}
	if f.UpdatedBefore != nil {
		where = append(where, "updated_at < "+bind(*f.UpdatedBefore))
	}
	if f.EligibleBy != nil {
		where = append(where, "(retry_after IS NULL OR retry_after <= "+bind(*f.EligibleBy)+")")
	}

	query := "SELECT " + columns + " FROM tasks"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	if f.Order == OrderNewestFirst {
		query += " ORDER BY created_at DESC"
	} else {
		query += " ORDER BY created_at ASC, retry_count ASC"
	}
	limit := f.Limit
	if limit <= 0 && f.Offset > 0 {
		limit = math.MaxInt32
	}
	if limit > 0 {
		query += " LIMIT " + bind(limit)
	}
	if f.Offset > 0 {
		query += " OFFSET " + bind(f.Offset)
	}
	return query, args
}

func bindList[T ~string](values []T, bind func(any) string) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = bind(string(v))
	}
	return strings.Join(parts, ", ")
}
