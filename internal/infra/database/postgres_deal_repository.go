// internal/infra/database/postgres_deal_repository.go
package database

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"deal_expiration_notifier/internal/domain/deal"

	"github.com/lib/pq" // For pq.Array and driver registration
)

// Custom errors specific to deal repository
var ErrDealNotFound = fmt.Errorf("deal not found")

const dealColumns = `d.id, d.distributor_id, d.name, d.category, d.discount_price, d.status, d.ends_at,
       COALESCE(SUM(c.quantity), 0), COUNT(c.id), d.created_at, d.updated_at`

type PostgresDealRepository struct {
	db *sql.DB
}

func NewPostgresDealRepository(db *sql.DB) *PostgresDealRepository {
	return &PostgresDealRepository{db: db}
}

func (r *PostgresDealRepository) FindByStatusAndEndsAtRange(ctx context.Context, status deal.Status, from, to time.Time) ([]*deal.Deal, error) {
	query := `SELECT ` + dealColumns + `
               FROM deals d
               LEFT JOIN commitments c ON c.deal_id = d.id
               WHERE d.status = $1 AND d.ends_at > $2 AND d.ends_at <= $3
               GROUP BY d.id
               ORDER BY d.ends_at ASC, d.id`
	rows, err := r.db.QueryContext(ctx, query, status, from, to)
	if err != nil {
		return nil, fmt.Errorf("error querying deals by status and end time range: %w", err)
	}
	defer rows.Close()

	deals, err := scanDeals(rows)
	if err != nil {
		return nil, err
	}
	if err := r.loadReceipts(ctx, deals); err != nil {
		return nil, err
	}
	return deals, nil
}

func (r *PostgresDealRepository) FindByStatusAndEndsAtBefore(ctx context.Context, status deal.Status, t time.Time) ([]*deal.Deal, error) {
	query := `SELECT ` + dealColumns + `
               FROM deals d
               LEFT JOIN commitments c ON c.deal_id = d.id
               WHERE d.status = $1 AND d.ends_at < $2
               GROUP BY d.id
               ORDER BY d.ends_at ASC, d.id`
	rows, err := r.db.QueryContext(ctx, query, status, t)
	if err != nil {
		return nil, fmt.Errorf("error querying deals ending before %s: %w", t.Format(time.RFC3339), err)
	}
	defer rows.Close()

	deals, err := scanDeals(rows)
	if err != nil {
		return nil, err
	}
	if err := r.loadReceipts(ctx, deals); err != nil {
		return nil, err
	}
	return deals, nil
}

// Save writes the deal status and inserts any receipt not yet stored, in one transaction.
// The deal row stays locked until commit so concurrent saves of the same deal are serialized.
// A stored inactive status is never overwritten; d.Status is refreshed from the row.
func (r *PostgresDealRepository) Save(ctx context.Context, d *deal.Deal) error {
	txn, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction for deal save: %w", err)
	}
	defer txn.Rollback() // Rollback if not committed

	var lockedID string
	err = txn.QueryRowContext(ctx, `SELECT id FROM deals WHERE id = $1 FOR UPDATE`, d.ID).Scan(&lockedID)
	if err != nil {
		if err == sql.ErrNoRows {
			return ErrDealNotFound
		}
		return fmt.Errorf("error locking deal %s: %w", d.ID, err)
	}

	err = txn.QueryRowContext(ctx, `UPDATE deals
               SET status = CASE WHEN status = $3 THEN status ELSE $1 END, updated_at = NOW()
               WHERE id = $2
               RETURNING status, updated_at`,
		d.Status, d.ID, deal.StatusInactive).Scan(&d.Status, &d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("error updating deal status: %w", err)
	}

	bucketKeys, memberIDs, sentAts := flattenHistory(d.NotificationHistory)
	if len(bucketKeys) > 0 {
		query := `INSERT INTO deal_notification_receipts (deal_id, bucket_key, member_id, sent_at)
                   SELECT $1, r.bucket_key, r.member_id, r.sent_at
                   FROM unnest($2::text[], $3::text[], $4::timestamptz[]) AS r(bucket_key, member_id, sent_at)
                   ON CONFLICT ON CONSTRAINT deal_bucket_member_unique DO NOTHING`
		if _, err := txn.ExecContext(ctx, query, d.ID, pq.Array(bucketKeys), pq.Array(memberIDs), pq.Array(sentAts)); err != nil {
			return fmt.Errorf("error inserting notification receipts for deal %s: %w", d.ID, err)
		}
	}

	return txn.Commit()
}

// AppendReceipts inserts receipts under one bucket key. The deals row is not written.
func (r *PostgresDealRepository) AppendReceipts(ctx context.Context, dealID string, key deal.BucketKey, receipts []deal.Receipt) (int, error) {
	if len(receipts) == 0 {
		return 0, nil
	}

	memberIDs := make([]string, len(receipts))
	sentAts := make([]string, len(receipts))
	for i, rc := range receipts {
		memberIDs[i] = rc.MemberID
		sentAts[i] = rc.SentAt.UTC().Format(time.RFC3339Nano)
	}

	query := `INSERT INTO deal_notification_receipts (deal_id, bucket_key, member_id, sent_at)
               SELECT $1, $2, r.member_id, r.sent_at
               FROM unnest($3::text[], $4::timestamptz[]) AS r(member_id, sent_at)
               ON CONFLICT ON CONSTRAINT deal_bucket_member_unique DO NOTHING`
	res, err := r.db.ExecContext(ctx, query, dealID, string(key), pq.Array(memberIDs), pq.Array(sentAts))
	if err != nil {
		return 0, fmt.Errorf("error appending notification receipts for deal %s: %w", dealID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("error reading appended receipt count for deal %s: %w", dealID, err)
	}
	return int(n), nil
}

// flattenHistory turns the history into parallel arrays, keys in sorted order.
func flattenHistory(h deal.NotificationHistory) (bucketKeys, memberIDs, sentAts []string) {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)

	for _, k := range keys {
		for _, rc := range h[deal.BucketKey(k)] {
			bucketKeys = append(bucketKeys, k)
			memberIDs = append(memberIDs, rc.MemberID)
			sentAts = append(sentAts, rc.SentAt.UTC().Format(time.RFC3339Nano))
		}
	}
	return bucketKeys, memberIDs, sentAts
}

func (r *PostgresDealRepository) loadReceipts(ctx context.Context, deals []*deal.Deal) error {
	if len(deals) == 0 {
		return nil
	}

	ids := make([]string, len(deals))
	byID := make(map[string]*deal.Deal, len(deals))
	for i, d := range deals {
		ids[i] = d.ID
		byID[d.ID] = d
	}

	query := `SELECT deal_id, bucket_key, member_id, sent_at
               FROM deal_notification_receipts
               WHERE deal_id = ANY($1::text[])
               ORDER BY sent_at ASC, member_id`
	rows, err := r.db.QueryContext(ctx, query, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("error querying notification receipts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var dealID, bucketKey string
		var rc deal.Receipt
		if err := rows.Scan(&dealID, &bucketKey, &rc.MemberID, &rc.SentAt); err != nil {
			return fmt.Errorf("error scanning notification receipt row: %w", err)
		}
		d, ok := byID[dealID]
		if !ok {
			continue
		}
		d.NotificationHistory.Add(deal.BucketKey(bucketKey), rc)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating notification receipt rows: %w", err)
	}
	return nil
}

// Helper to scan multiple rows
func scanDeals(rows *sql.Rows) ([]*deal.Deal, error) {
	deals := make([]*deal.Deal, 0)
	for rows.Next() {
		d := &deal.Deal{NotificationHistory: deal.NotificationHistory{}}
		if err := rows.Scan(
			&d.ID, &d.DistributorID, &d.Name, &d.Category, &d.DiscountPrice, &d.Status, &d.EndsAt,
			&d.CommittedQuantity, &d.CommitmentCount, &d.CreatedAt, &d.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("error scanning deal row: %w", err)
		}
		deals = append(deals, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating deal rows: %w", err)
	}
	return deals, nil
}
