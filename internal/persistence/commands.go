package persistence

import (
	"context"
	"fmt"
	"time"
)

// Command is one relayed adapter call as stored in the commands table.
type Command struct {
	ID         int64     `json:"id"`
	TraceID    string    `json:"trace_id,omitempty"`
	Username   string    `json:"username"`
	Method     string    `json:"method"`
	Frame      string    `json:"frame"`
	OK         bool      `json:"ok"`
	Error      string    `json:"error,omitempty"`
	DurationMS int64     `json:"duration_ms"`
	CreatedAt  time.Time `json:"created_at"`
}

// RecordCommand inserts c and returns its row id.
func (s *Store) RecordCommand(ctx context.Context, c Command) (int64, error) {
	var id int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO commands (trace_id, username, method, frame, ok, error, duration_ms)
			VALUES (?, ?, ?, ?, ?, ?, ?);
		`, c.TraceID, c.Username, c.Method, c.Frame, c.OK, c.Error, c.DurationMS)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("record command: %w", err)
	}
	return id, nil
}

// ListCommands returns the newest commands first, at most limit rows.
func (s *Store) ListCommands(ctx context.Context, limit int) ([]Command, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, trace_id, username, method, frame, ok, error, duration_ms, created_at
		FROM commands
		ORDER BY id DESC
		LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list commands: %w", err)
	}
	defer rows.Close()

	var out []Command
	for rows.Next() {
		var c Command
		if err := rows.Scan(&c.ID, &c.TraceID, &c.Username, &c.Method, &c.Frame, &c.OK, &c.Error, &c.DurationMS, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan command: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
