package deal

import (
	"context"
	"time"
)

// Repository defines the persistence operations the expiration sweep needs.
type Repository interface {
	// FindByStatusAndEndsAtRange returns deals with the given status whose end time is in (from, to].
	FindByStatusAndEndsAtRange(ctx context.Context, status Status, from, to time.Time) ([]*Deal, error)
	// FindByStatusAndEndsAtBefore returns deals with the given status whose end time is before t.
	FindByStatusAndEndsAtBefore(ctx context.Context, status Status, t time.Time) ([]*Deal, error)
	// Save persists the status and notification history of the deal. An inactive deal stays inactive.
	Save(ctx context.Context, d *Deal) error
	// AppendReceipts stores receipts under key without touching the deal row.
	// Receipts already stored are ignored; the number of new ones is returned.
	AppendReceipts(ctx context.Context, dealID string, key BucketKey, receipts []Receipt) (int, error)
}
