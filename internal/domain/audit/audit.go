package audit

import "context"

// Level classifies an audit entry.
type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
	LevelSuccess Level = "success"
)

// Sink is an append-only record of sweep outcomes. Implementations must not fail the caller:
// write errors are handled inside the sink.
type Sink interface {
	Record(ctx context.Context, message string, level Level, subjectID string)
}
