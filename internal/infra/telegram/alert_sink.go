package telegram

import (
	"context"
	"fmt"

	"deal_expiration_notifier/internal/domain/audit"
	domainTelegram "deal_expiration_notifier/internal/domain/telegram"

	"github.com/sirupsen/logrus"
)

// AlertingSink forwards every entry to next and additionally pushes
// error-level entries to the operator chat.
type AlertingSink struct {
	next   audit.Sink
	client domainTelegram.Client
	chatID int64
	logger *logrus.Entry
}

func NewAlertingSink(next audit.Sink, client domainTelegram.Client, chatID int64, logger *logrus.Entry) *AlertingSink {
	return &AlertingSink{next: next, client: client, chatID: chatID, logger: logger}
}

func (s *AlertingSink) Record(ctx context.Context, message string, level audit.Level, subjectID string) {
	s.next.Record(ctx, message, level, subjectID)

	if level != audit.LevelError {
		return
	}

	text := "Deal sweeper error: " + message
	if subjectID != "" {
		text = fmt.Sprintf("%s (subject %s)", text, subjectID)
	}
	if err := s.client.SendMessage(s.chatID, text, nil); err != nil {
		s.logger.WithError(err).Warn("Failed to forward audit alert to Telegram")
	}
}
