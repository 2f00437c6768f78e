package deal

import (
	"strconv"
	"time"
)

// BucketKey identifies the notification history slot of one bucket, e.g. "notification_3".
type BucketKey string

const bucketKeyPrefix = "notification_"

// Bucket is a named time-to-expiry window.
type Bucket struct {
	ThresholdDays float64
	Label         string
}

// Key derives the history key from the threshold, using the shortest decimal form.
func (b Bucket) Key() BucketKey {
	return BucketKey(bucketKeyPrefix + strconv.FormatFloat(b.ThresholdDays, 'f', -1, 64))
}

// Span converts the threshold to a duration without truncating sub-day fractions.
func (b Bucket) Span() time.Duration {
	return time.Duration(b.ThresholdDays * float64(24*time.Hour))
}

// Window is the half-open interval (From, To] a deal's end time must fall into.
type Window struct {
	Bucket Bucket
	From   time.Time
	To     time.Time
}

// Contains reports whether t lies in (From, To].
func (w Window) Contains(t time.Time) bool {
	return t.After(w.From) && !t.After(w.To)
}

// Schedule is the ordered list of buckets evaluated by a sweep.
type Schedule []Bucket

var defaultSchedule = Schedule{
	{ThresholdDays: 5, Label: "5 days"},
	{ThresholdDays: 3, Label: "3 days"},
	{ThresholdDays: 1, Label: "1 day"},
	{ThresholdDays: 0.042, Label: "1 hour"},
}

// DefaultSchedule returns the 5 days, 3 days, 1 day, 1 hour buckets in that order.
func DefaultSchedule() Schedule {
	s := make(Schedule, len(defaultSchedule))
	copy(s, defaultSchedule)
	return s
}

// Windows computes one window per bucket, in schedule order. A bucket's lower bound is the
// upper bound of the next smaller bucket, so a given end time falls into one window only.
func (s Schedule) Windows(now time.Time) []Window {
	windows := make([]Window, 0, len(s))
	for _, b := range s {
		from := now
		for _, other := range s {
			if other.ThresholdDays < b.ThresholdDays {
				if lower := now.Add(other.Span()); lower.After(from) {
					from = lower
				}
			}
		}
		windows = append(windows, Window{Bucket: b, From: from, To: now.Add(b.Span())})
	}
	return windows
}

// Keys enumerates the history keys of the schedule.
func (s Schedule) Keys() []BucketKey {
	keys := make([]BucketKey, 0, len(s))
	for _, b := range s {
		keys = append(keys, b.Key())
	}
	return keys
}

// HasKey reports whether key belongs to one of the schedule's buckets.
func (s Schedule) HasKey(key BucketKey) bool {
	for _, b := range s {
		if b.Key() == key {
			return true
		}
	}
	return false
}
