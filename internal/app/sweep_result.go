package app

import (
	"fmt"
	"strings"
	"time"

	"deal_expiration_notifier/internal/domain/deal"
)

// SweepOutcome summarizes how a sweep ended.
type SweepOutcome string

const (
	OutcomeCompleted SweepOutcome = "completed"
	OutcomeSkipped   SweepOutcome = "skipped" // persistence not ready
	OutcomeAborted   SweepOutcome = "aborted" // member load failed, nothing sent
	OutcomeFailed    SweepOutcome = "failed"  // error or panic part-way through
)

// BucketStats counts what happened in one bucket of one sweep.
type BucketStats struct {
	Label               string
	Key                 deal.BucketKey
	DealsMatched        int
	MembersBatched      int
	EmailsSent          int
	EmailsFailed        int
	SMSSent             int
	SMSFailed           int
	ReceiptsRecorded    int
	ReceiptSaveFailures int
}

// SweepResult is the report of one RunSweep call.
type SweepResult struct {
	RunID                string
	Now                  time.Time
	Outcome              SweepOutcome
	Err                  error
	Buckets              []BucketStats
	DealsDeactivated     int
	DeactivationFailures int
	Duration             time.Duration
}

// Bucket returns the stats for the bucket with the given key.
func (r SweepResult) Bucket(key deal.BucketKey) (BucketStats, bool) {
	for _, b := range r.Buckets {
		if b.Key == key {
			return b, true
		}
	}
	return BucketStats{}, false
}

// EmailsSent totals sent emails across buckets.
func (r SweepResult) EmailsSent() int {
	n := 0
	for _, b := range r.Buckets {
		n += b.EmailsSent
	}
	return n
}

// ReceiptsRecorded totals persisted receipts across buckets.
func (r SweepResult) ReceiptsRecorded() int {
	n := 0
	for _, b := range r.Buckets {
		n += b.ReceiptsRecorded
	}
	return n
}

// Summary renders a short multi-line report for operators.
func (r SweepResult) Summary() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Sweep %s at %s: %s (%s)\n", r.RunID, r.Now.Format(time.RFC3339), r.Outcome, r.Duration.Round(time.Millisecond)))
	if r.Err != nil {
		sb.WriteString(fmt.Sprintf("Error: %v\n", r.Err))
	}
	for _, b := range r.Buckets {
		sb.WriteString(fmt.Sprintf("%s: %d deals, %d members, %d emails sent, %d failed, %d SMS, %d receipts\n",
			b.Label, b.DealsMatched, b.MembersBatched, b.EmailsSent, b.EmailsFailed, b.SMSSent, b.ReceiptsRecorded))
	}
	sb.WriteString(fmt.Sprintf("Deactivated: %d (failures: %d)", r.DealsDeactivated, r.DeactivationFailures))
	return sb.String()
}
