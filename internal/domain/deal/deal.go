// internal/domain/deal/deal.go
package deal

import (
	"time"
)

// Status is the lifecycle state of a deal.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
)

// Deal is a group-buying offer owned by a distributor.
// Corresponds to the 'deals' table; receipts live in 'deal_notification_receipts'.
type Deal struct {
	ID            string
	DistributorID string
	Name          string
	Category      string
	DiscountPrice float64
	Status        Status
	EndsAt        time.Time

	// Aggregated from commitments, read-only here.
	CommittedQuantity int64
	CommitmentCount   int

	NotificationHistory NotificationHistory
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// IsExpired reports whether the deal is still active although its end time has passed.
func (d *Deal) IsExpired(now time.Time) bool {
	return d.Status == StatusActive && d.EndsAt.Before(now)
}

// Deactivate moves an active deal to inactive. It returns false when the deal was already inactive.
// There is no way back to active from here.
func (d *Deal) Deactivate() bool {
	if d.Status == StatusInactive {
		return false
	}
	d.Status = StatusInactive
	return true
}
