// internal/infra/telegram/operator_handlers.go
package telegram

import (
	"context"
	"errors"
	"strings"
	"time"

	"deal_expiration_notifier/internal/app"

	"github.com/sirupsen/logrus"
	"gopkg.in/telebot.v3"
)

// OperatorCommands is what the bot needs from the operator service.
type OperatorCommands interface {
	IsOperator(telegramID int64) bool
	TriggerSweep(ctx context.Context, performingID int64) (app.SweepResult, error)
	LastSweep(performingID int64) (app.SweepResult, error)
}

// OperatorHandlers serves the operator chat commands.
type OperatorHandlers struct {
	ops          OperatorCommands
	logger       *logrus.Entry
	sweepTimeout time.Duration

	confirmMarkup *telebot.ReplyMarkup
	btnConfirm    telebot.Btn
	btnCancel     telebot.Btn
}

func NewOperatorHandlers(ops OperatorCommands, sweepTimeout time.Duration, baseLogger *logrus.Entry) *OperatorHandlers {
	markup := &telebot.ReplyMarkup{}
	btnConfirm := markup.Data("Run sweep", "sweep_confirm")
	btnCancel := markup.Data("Cancel", "sweep_cancel")
	markup.Inline(markup.Row(btnConfirm, btnCancel))

	return &OperatorHandlers{
		ops:           ops,
		logger:        baseLogger.WithField("handler_group", "operator"),
		sweepTimeout:  sweepTimeout,
		confirmMarkup: markup,
		btnConfirm:    btnConfirm,
		btnCancel:     btnCancel,
	}
}

// Register wires the commands and confirm buttons into the bot.
func (h *OperatorHandlers) Register(b *telebot.Bot) {
	b.Handle("/start", h.handleStart)
	b.Handle("/help", h.handleHelp)
	b.Handle("/last_sweep", h.handleLastSweep)
	b.Handle("/sweep_now", h.handleSweepNow)
	b.Handle(&h.btnConfirm, h.handleSweepConfirm)
	b.Handle(&h.btnCancel, h.handleSweepCancel)
}

func (h *OperatorHandlers) commandLogger(c telebot.Context, command string) *logrus.Entry {
	return h.logger.WithFields(logrus.Fields{
		"command":   command,
		"sender_id": c.Sender().ID,
	})
}

func (h *OperatorHandlers) handleStart(c telebot.Context) error {
	logCtx := h.commandLogger(c, "/start")
	logCtx.Info("Processing /start command")

	if h.ops.IsOperator(c.Sender().ID) {
		return c.Send("Hello, " + c.Sender().FirstName + "! The deal expiration sweeper is running. Use /help for the list of commands.")
	}
	logCtx.Info("User is not an operator")
	return c.Send("This bot is for deal platform operators only.")
}

func (h *OperatorHandlers) handleHelp(c telebot.Context) error {
	logCtx := h.commandLogger(c, "/help")
	logCtx.Info("Processing /help command")

	if !h.ops.IsOperator(c.Sender().ID) {
		return c.Send("No commands are available to you.")
	}

	var helpText strings.Builder
	helpText.WriteString("Operator commands:\n\n")
	helpText.WriteString("`/last_sweep`\n - Show the report of the most recent expiration sweep.\n\n")
	helpText.WriteString("`/sweep_now`\n - Run an expiration sweep right away (asks for confirmation).\n\n")
	helpText.WriteString("`/help`\n - Show this message.")
	return c.Send(helpText.String(), &telebot.SendOptions{ParseMode: telebot.ModeMarkdown})
}

func (h *OperatorHandlers) handleLastSweep(c telebot.Context) error {
	logCtx := h.commandLogger(c, "/last_sweep")
	logCtx.Info("Command received")

	result, err := h.ops.LastSweep(c.Sender().ID)
	if err != nil {
		switch {
		case errors.Is(err, app.ErrOperatorNotAuthorized):
			logCtx.Warn("Unauthorized access attempt")
			return c.Send("Error: you are not allowed to run this command.")
		case errors.Is(err, app.ErrNoSweepYet):
			return c.Send("No sweep has run since the service started.")
		default:
			logCtx.WithError(err).Error("Failed to read last sweep")
			return c.Send("Could not read the last sweep report.")
		}
	}
	return c.Send(result.Summary())
}

func (h *OperatorHandlers) handleSweepNow(c telebot.Context) error {
	logCtx := h.commandLogger(c, "/sweep_now")
	logCtx.Info("Command received")

	if !h.ops.IsOperator(c.Sender().ID) {
		logCtx.Warn("Unauthorized access attempt")
		return c.Send("Error: you are not allowed to run this command.")
	}
	return c.Send("Run an expiration sweep now? Members may receive emails and SMS.", &telebot.SendOptions{ReplyMarkup: h.confirmMarkup})
}

func (h *OperatorHandlers) handleSweepConfirm(c telebot.Context) error {
	logCtx := h.commandLogger(c, "sweep_confirm")

	ctx, cancel := context.WithTimeout(context.Background(), h.sweepTimeout)
	defer cancel()

	result, err := h.ops.TriggerSweep(ctx, c.Sender().ID)
	if err != nil {
		if errors.Is(err, app.ErrOperatorNotAuthorized) {
			logCtx.Warn("Unauthorized sweep confirmation")
			return c.Respond(&telebot.CallbackResponse{Text: "Not allowed."})
		}
		logCtx.WithError(err).Error("Manual sweep failed")
		return c.Respond(&telebot.CallbackResponse{Text: "Sweep failed."})
	}

	logCtx.WithFields(logrus.Fields{
		"run_id":  result.RunID,
		"outcome": result.Outcome,
	}).Info("Manual sweep finished")

	if err := c.Respond(&telebot.CallbackResponse{Text: "Sweep " + string(result.Outcome) + "."}); err != nil {
		logCtx.WithError(err).Warn("Failed to answer callback")
	}
	return c.Send(result.Summary())
}

func (h *OperatorHandlers) handleSweepCancel(c telebot.Context) error {
	h.commandLogger(c, "sweep_cancel").Info("Manual sweep cancelled")
	return c.Respond(&telebot.CallbackResponse{Text: "Cancelled."})
}
