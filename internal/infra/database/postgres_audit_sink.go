package database

import (
	"context"
	"database/sql"

	"deal_expiration_notifier/internal/domain/audit"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// PostgresAuditSink appends audit entries to the audit_logs table.
// Write failures are logged and swallowed.
type PostgresAuditSink struct {
	db     *sql.DB
	logger *logrus.Entry
	newID  func() uuid.UUID
}

func NewPostgresAuditSink(db *sql.DB, logger *logrus.Entry) *PostgresAuditSink {
	return &PostgresAuditSink{db: db, logger: logger, newID: uuid.New}
}

func (s *PostgresAuditSink) Record(ctx context.Context, message string, level audit.Level, subjectID string) {
	var subject sql.NullString
	if subjectID != "" {
		subject = sql.NullString{String: subjectID, Valid: true}
	}

	query := `INSERT INTO audit_logs (id, message, level, subject_id, created_at) VALUES ($1, $2, $3, $4, NOW())`
	if _, err := s.db.ExecContext(ctx, query, s.newID().String(), message, string(level), subject); err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"audit_level":   level,
			"audit_subject": subjectID,
		}).Warn("Failed to write audit log entry")
	}
}
