package persistence

import (
	"context"
	"fmt"
	"time"
)

// sqliteTime matches the CURRENT_TIMESTAMP text form so cutoffs compare
// lexically against stored rows.
const sqliteTime = "2006-01-02 15:04:05"

// RetentionResult holds counts of purged records from a retention run.
type RetentionResult struct {
	PurgedCommands  int64 `json:"purged_commands"`
	PurgedAuditLogs int64 `json:"purged_audit_logs"`
}

// RunRetention deletes rows older than the given windows. A window of 0
// keeps that table forever. Running it twice is harmless.
func (s *Store) RunRetention(ctx context.Context, commandDays, auditLogDays int) (RetentionResult, error) {
	var result RetentionResult

	if commandDays > 0 {
		cutoff := time.Now().UTC().AddDate(0, 0, -commandDays).Format(sqliteTime)
		res, err := s.db.ExecContext(ctx, `DELETE FROM commands WHERE created_at < ?;`, cutoff)
		if err != nil {
			return result, fmt.Errorf("purge commands: %w", err)
		}
		result.PurgedCommands, _ = res.RowsAffected()
	}

	if auditLogDays > 0 {
		cutoff := time.Now().UTC().AddDate(0, 0, -auditLogDays).Format(sqliteTime)
		res, err := s.db.ExecContext(ctx, `DELETE FROM audit_log WHERE created_at < ?;`, cutoff)
		if err != nil {
			return result, fmt.Errorf("purge audit_log: %w", err)
		}
		result.PurgedAuditLogs, _ = res.RowsAffected()
	}

	return result, nil
}
