package render

import (
	"fmt"
	"strings"

	"deal_expiration_notifier/internal/domain/notify"
)

// SMSRenderer produces SMS text, one template per message kind.
type SMSRenderer struct{}

func NewSMSRenderer() SMSRenderer { return SMSRenderer{} }

func (SMSRenderer) SMSText(msg notify.SMSMessage) (string, error) {
	return SMSText(msg)
}

// SMSText renders msg according to its kind.
func SMSText(msg notify.SMSMessage) (string, error) {
	greeting := "Hi"
	if name := strings.TrimSpace(msg.MemberName); name != "" {
		greeting = "Hi " + firstName(name)
	}

	switch msg.Kind {
	case notify.SMSKindDealExpiration:
		if msg.DealName == "" {
			return "", fmt.Errorf("sms %s: deal name is empty", msg.Kind)
		}
		return fmt.Sprintf("%s, the deal %q ends in %s. Commit before it closes.", greeting, msg.DealName, msg.Label), nil
	case notify.SMSKindOverflowSummary:
		if msg.Remaining <= 0 {
			return "", fmt.Errorf("sms %s: remaining count must be positive", msg.Kind)
		}
		noun := "deals end"
		if msg.Remaining == 1 {
			noun = "deal ends"
		}
		return fmt.Sprintf("%s, %d more %s in %s. Check your email for the full list.", greeting, msg.Remaining, noun, msg.Label), nil
	default:
		return "", fmt.Errorf("unknown sms kind %q", msg.Kind)
	}
}

func firstName(name string) string {
	if i := strings.IndexByte(name, ' '); i > 0 {
		return name[:i]
	}
	return name
}
