package deal

import "time"

// Receipt proves that a member was notified about a deal within one bucket.
type Receipt struct {
	MemberID string
	SentAt   time.Time
}

// NotificationHistory maps a bucket key to the receipts recorded under it.
// A member ID appears at most once per key.
type NotificationHistory map[BucketKey][]Receipt

// Has reports whether memberID already holds a receipt under key.
func (h NotificationHistory) Has(key BucketKey, memberID string) bool {
	for _, r := range h[key] {
		if r.MemberID == memberID {
			return true
		}
	}
	return false
}

// Notified returns the set of member IDs holding a receipt under key.
func (h NotificationHistory) Notified(key BucketKey) map[string]struct{} {
	notified := make(map[string]struct{}, len(h[key]))
	for _, r := range h[key] {
		notified[r.MemberID] = struct{}{}
	}
	return notified
}

// Add appends a receipt under key unless the member already has one there.
// Whether key belongs to the running schedule is checked by the caller, see Schedule.HasKey.
func (h NotificationHistory) Add(key BucketKey, r Receipt) bool {
	if key == "" || r.MemberID == "" {
		return false
	}
	if h.Has(key, r.MemberID) {
		return false
	}
	h[key] = append(h[key], r)
	return true
}

// Count returns the total number of receipts across all keys.
func (h NotificationHistory) Count() int {
	n := 0
	for _, receipts := range h {
		n += len(receipts)
	}
	return n
}
