package database

import (
	"context"
	"fmt"
	"time"
)

// UsageRow is one archived day of usage for a user and scope.
type UsageRow struct {
	Date         string `json:"date"`
	User         string `json:"user"`
	Scope        string `json:"scope"`
	Seconds      int64  `json:"seconds"`
	LimitSeconds int64  `json:"limit_seconds,omitempty"`
}

// AccessEvent is one archived access state transition.
type AccessEvent struct {
	Timestamp time.Time `json:"timestamp"`
	User      string    `json:"user"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Reason    string    `json:"reason,omitempty"`
	Actor     string    `json:"actor,omitempty"`
}

// UsageFilter narrows a usage history query. Zero fields match everything.
type UsageFilter struct {
	User  string
	Since string // inclusive, YYYY-MM-DD
	Until string // inclusive, YYYY-MM-DD
	Limit int
}

// RecordDay archives a finished day. Rows already present for the same
// date, user and scope are replaced so that a replayed rollover is harmless.
func (db *DB) RecordDay(ctx context.Context, rows []UsageRow) error {
	if len(rows) == 0 {
		return nil
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO daily_usage (date, user, scope, seconds, limit_seconds)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(date, user, scope) DO UPDATE SET
			seconds = excluded.seconds,
			limit_seconds = excluded.limit_seconds,
			recorded_at = CURRENT_TIMESTAMP
	`)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		if _, err := stmt.ExecContext(ctx, r.Date, r.User, r.Scope, r.Seconds, r.LimitSeconds); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to record usage for %s/%s: %w", r.User, r.Scope, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit usage history: %w", err)
	}
	return nil
}

// RecordAccessEvent archives one access transition.
func (db *DB) RecordAccessEvent(ctx context.Context, e AccessEvent) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO access_events (timestamp, user, from_state, to_state, reason, actor)
		VALUES (?, ?, ?, ?, ?, ?)
	`, e.Timestamp.UTC(), e.User, e.From, e.To, e.Reason, e.Actor)
	if err != nil {
		return fmt.Errorf("failed to record access event: %w", err)
	}
	return nil
}

// QueryUsage returns archived usage, newest day first.
func (db *DB) QueryUsage(ctx context.Context, f UsageFilter) ([]UsageRow, error) {
	query := `SELECT date, user, scope, seconds, limit_seconds FROM daily_usage WHERE 1=1`
	var args []interface{}

	if f.User != "" {
		query += ` AND user = ?`
		args = append(args, f.User)
	}
	if f.Since != "" {
		query += ` AND date >= ?`
		args = append(args, f.Since)
	}
	if f.Until != "" {
		query += ` AND date <= ?`
		args = append(args, f.Until)
	}
	query += ` ORDER BY date DESC, user, scope`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage history: %w", err)
	}
	defer rows.Close()

	var out []UsageRow
	for rows.Next() {
		var r UsageRow
		if err := rows.Scan(&r.Date, &r.User, &r.Scope, &r.Seconds, &r.LimitSeconds); err != nil {
			return nil, fmt.Errorf("failed to scan usage row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// QueryAccessEvents returns archived transitions, newest first.
func (db *DB) QueryAccessEvents(ctx context.Context, user string, limit int) ([]AccessEvent, error) {
	query := `SELECT timestamp, user, from_state, to_state, COALESCE(reason, ''), COALESCE(actor, '') FROM access_events`
	var args []interface{}

	if user != "" {
		query += ` WHERE user = ?`
		args = append(args, user)
	}
	query += ` ORDER BY timestamp DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query access events: %w", err)
	}
	defer rows.Close()

	var out []AccessEvent
	for rows.Next() {
		var e AccessEvent
		if err := rows.Scan(&e.Timestamp, &e.User, &e.From, &e.To, &e.Reason, &e.Actor); err != nil {
			return nil, fmt.Errorf("failed to scan access event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Prune deletes history older than retention relative to now.
func (db *DB) Prune(ctx context.Context, now time.Time, retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, nil
	}
	cutoff := now.Add(-retention)

	res, err := db.ExecContext(ctx, `DELETE FROM daily_usage WHERE date < ?`, cutoff.Format("2006-01-02"))
	if err != nil {
		return 0, fmt.Errorf("failed to prune usage history: %w", err)
	}
	usageRows, _ := res.RowsAffected()

	res, err = db.ExecContext(ctx, `DELETE FROM access_events WHERE timestamp < ?`, cutoff.UTC())
	if err != nil {
		return usageRows, fmt.Errorf("failed to prune access events: %w", err)
	}
	eventRows, _ := res.RowsAffected()

	return usageRows + eventRows, nil
}
