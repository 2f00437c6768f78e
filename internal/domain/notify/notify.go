// Package notify holds the outbound delivery contracts for member notifications.
package notify

import "context"

// EmailSender delivers one HTML email and returns the provider message ID.
type EmailSender interface {
	SendEmail(ctx context.Context, to, subject, html string) (string, error)
}

// SMSKind selects the SMS template.
type SMSKind string

const (
	SMSKindDealExpiration  SMSKind = "deal_expiration"
	SMSKindOverflowSummary SMSKind = "overflow_summary"
)

// SMSMessage is the payload of one SMS; the text is rendered from Kind.
type SMSMessage struct {
	Kind       SMSKind
	MemberName string
	DealName   string
	Label      string // bucket label, e.g. "3 days"
	Remaining  int    // only for SMSKindOverflowSummary
}

// SMSSender delivers one SMS to a phone number.
type SMSSender interface {
	SendSMS(ctx context.Context, to string, msg SMSMessage) error
}
