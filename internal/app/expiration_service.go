// internal/app/expiration_service.go
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"deal_expiration_notifier/internal/domain/audit"
	"deal_expiration_notifier/internal/domain/deal"
	"deal_expiration_notifier/internal/domain/member"
	"deal_expiration_notifier/internal/domain/notify"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	defaultMemberLoadTimeout = 5 * time.Second
	defaultNotifyTimeout     = 10 * time.Second
	defaultEmailDealCap      = 5
	defaultSMSDealCap        = 3

	resultSent        = "sent"
	resultFailed      = "failed"
	resultDeactivated = "deactivated"
)

var (
	ErrSweepPanicked    = errors.New("expiration sweep panicked")
	ErrUnknownBucketKey = errors.New("bucket key not in schedule")
)

// HealthChecker reports whether the persistence layer is ready.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// DealLocker grants an exclusive update scope on one deal. The returned func releases it.
type DealLocker interface {
	Lock(ctx context.Context, dealID string) (func(), error)
}

// EmailRenderer builds the expiration email for one member batch.
// shown holds the capped deal list, more the number of deals left out of it.
type EmailRenderer interface {
	RenderExpiringDeals(m *member.Member, bucket deal.Bucket, shown []*deal.Deal, more int) (subject, html string, err error)
}

// SweepRecorder receives sweep measurements.
type SweepRecorder interface {
	ObserveSweep(outcome string, elapsed time.Duration)
	ObserveEmail(bucket, result string)
	ObserveSMS(kind, result string)
	ObserveReceipts(bucket string, n int)
	ObserveDeactivation(result string)
}

type nopRecorder struct{}

func (nopRecorder) ObserveSweep(string, time.Duration) {}
func (nopRecorder) ObserveEmail(string, string)        {}
func (nopRecorder) ObserveSMS(string, string)          {}
func (nopRecorder) ObserveReceipts(string, int)        {}
func (nopRecorder) ObserveDeactivation(string)         {}

// ExpirationConfig tunes the sweep.
type ExpirationConfig struct {
	Schedule          deal.Schedule
	MemberLoadTimeout time.Duration
	NotifyTimeout     time.Duration
	EmailDealCap      int
	SMSDealCap        int
	SMSEnabled        bool
}

func DefaultExpirationConfig() ExpirationConfig {
	return ExpirationConfig{
		Schedule:          deal.DefaultSchedule(),
		MemberLoadTimeout: defaultMemberLoadTimeout,
		NotifyTimeout:     defaultNotifyTimeout,
		EmailDealCap:      defaultEmailDealCap,
		SMSDealCap:        defaultSMSDealCap,
		SMSEnabled:        true,
	}
}

// ExpirationDeps are the collaborators of the expiration sweep.
// SMS, Locker and Metrics are optional.
type ExpirationDeps struct {
	Health   HealthChecker
	Deals    deal.Repository
	Members  member.Repository
	Email    notify.EmailSender
	SMS      notify.SMSSender
	Renderer EmailRenderer
	Audit    audit.Sink
	Locker   DealLocker
	Metrics  SweepRecorder
	Logger   *logrus.Entry
}

// ExpirationService notifies members about deals entering an expiry window and
// deactivates deals whose end time has passed.
type ExpirationService struct {
	health   HealthChecker
	deals    deal.Repository
	members  member.Repository
	email    notify.EmailSender
	sms      notify.SMSSender
	renderer EmailRenderer
	audit    audit.Sink
	locker   DealLocker
	metrics  SweepRecorder
	logger   *logrus.Entry
	cfg      ExpirationConfig
	newRunID func() string
}

func NewExpirationService(deps ExpirationDeps, cfg ExpirationConfig) *ExpirationService {
	defaults := DefaultExpirationConfig()
	if len(cfg.Schedule) == 0 {
		cfg.Schedule = defaults.Schedule
	}
	if cfg.MemberLoadTimeout <= 0 {
		cfg.MemberLoadTimeout = defaults.MemberLoadTimeout
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = defaults.NotifyTimeout
	}
	if cfg.EmailDealCap <= 0 {
		cfg.EmailDealCap = defaults.EmailDealCap
	}
	if cfg.SMSDealCap <= 0 {
		cfg.SMSDealCap = defaults.SMSDealCap
	}

	s := &ExpirationService{
		health:   deps.Health,
		deals:    deps.Deals,
		members:  deps.Members,
		email:    deps.Email,
		sms:      deps.SMS,
		renderer: deps.Renderer,
		audit:    deps.Audit,
		locker:   deps.Locker,
		metrics:  deps.Metrics,
		logger:   deps.Logger,
		cfg:      cfg,
		newRunID: uuid.NewString,
	}
	if s.metrics == nil {
		s.metrics = nopRecorder{}
	}
	if s.locker == nil {
		s.locker = noLock{}
	}
	if s.logger == nil {
		s.logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return s
}

type noLock struct{}

func (noLock) Lock(context.Context, string) (func(), error) { return func() {}, nil }

// memberBatch is the set of deals pending for one member within one bucket.
type memberBatch struct {
	member *member.Member
	deals  []*deal.Deal
}

// RunSweep performs one full pass. It never returns an error and never panics; failures are
// logged, audited and reported in the result.
func (s *ExpirationService) RunSweep(ctx context.Context, now time.Time) (result SweepResult) {
	started := time.Now()
	result = SweepResult{RunID: s.newRunID(), Now: now, Outcome: OutcomeCompleted}
	log := s.logger.WithFields(logrus.Fields{
		"sweep_id": result.RunID,
		"now":      now.Format(time.RFC3339),
	})

	defer func() {
		if r := recover(); r != nil {
			result.Outcome = OutcomeFailed
			result.Err = fmt.Errorf("%w: %v", ErrSweepPanicked, r)
			log.WithField("panic", r).Error("Expiration sweep panicked")
			s.auditIfReachable(ctx, fmt.Sprintf("Expiration sweep %s failed: %v", result.RunID, result.Err))
		}
		result.Duration = time.Since(started)
		s.metrics.ObserveSweep(string(result.Outcome), result.Duration)
	}()

	if err := s.health.Ping(ctx); err != nil {
		log.WithError(err).Warn("Persistence layer not ready. Skipping expiration sweep.")
		result.Outcome = OutcomeSkipped
		return result
	}

	log.Info("Starting expiration sweep")

	members, err := s.loadMembers(ctx)
	if err != nil {
		log.WithError(err).Error("Failed to load eligible members. Aborting expiration sweep.")
		s.audit.Record(ctx, fmt.Sprintf("Expiration sweep %s aborted: %v", result.RunID, err), audit.LevelError, "")
		result.Outcome = OutcomeAborted
		result.Err = err
		return result
	}
	log.WithField("members_count", len(members)).Info("Loaded eligible members")

	for _, w := range s.cfg.Schedule.Windows(now) {
		stats, err := s.processBucket(ctx, log, w, members, now)
		result.Buckets = append(result.Buckets, stats)
		if err != nil {
			return s.fail(ctx, log, result, err)
		}
	}

	deactivated, failures, err := s.deactivateExpired(ctx, log, now)
	result.DealsDeactivated = deactivated
	result.DeactivationFailures = failures
	if err != nil {
		return s.fail(ctx, log, result, err)
	}

	log.WithFields(logrus.Fields{
		"emails_sent":       result.EmailsSent(),
		"receipts_recorded": result.ReceiptsRecorded(),
		"deals_deactivated": result.DealsDeactivated,
	}).Info("Expiration sweep completed")
	s.audit.Record(ctx, fmt.Sprintf("Expiration sweep %s completed: %d emails sent, %d receipts recorded, %d deals deactivated",
		result.RunID, result.EmailsSent(), result.ReceiptsRecorded(), result.DealsDeactivated), audit.LevelInfo, "")
	return result
}

func (s *ExpirationService) fail(ctx context.Context, log *logrus.Entry, result SweepResult, err error) SweepResult {
	result.Outcome = OutcomeFailed
	result.Err = err
	log.WithError(err).Error("Expiration sweep failed. Remaining work skipped.")
	s.auditIfReachable(ctx, fmt.Sprintf("Expiration sweep %s failed: %v", result.RunID, err))
	return result
}

// auditIfReachable records an error entry only when the store still answers.
func (s *ExpirationService) auditIfReachable(ctx context.Context, message string) {
	if err := s.health.Ping(ctx); err != nil {
		s.logger.WithError(err).Warn("Persistence layer unreachable, audit entry dropped")
		return
	}
	s.audit.Record(ctx, message, audit.LevelError, "")
}

func (s *ExpirationService) loadMembers(ctx context.Context) ([]*member.Member, error) {
	loadCtx, cancel := context.WithTimeout(ctx, s.cfg.MemberLoadTimeout)
	defer cancel()

	loaded, err := s.members.FindByRoleAndNotBlocked(loadCtx, member.RoleMember)
	if err != nil {
		return nil, fmt.Errorf("failed to load members: %w", err)
	}

	eligible := make([]*member.Member, 0, len(loaded))
	for _, m := range loaded {
		if m == nil || m.IsBlocked || m.Role != member.RoleMember {
			continue
		}
		eligible = append(eligible, m)
	}
	return eligible, nil
}

func (s *ExpirationService) processBucket(ctx context.Context, log *logrus.Entry, w deal.Window, members []*member.Member, now time.Time) (BucketStats, error) {
	key := w.Bucket.Key()
	stats := BucketStats{Label: w.Bucket.Label, Key: key}
	blog := log.WithFields(logrus.Fields{"bucket": w.Bucket.Label, "bucket_key": key})

	deals, err := s.deals.FindByStatusAndEndsAtRange(ctx, deal.StatusActive, w.From, w.To)
	if err != nil {
		return stats, fmt.Errorf("failed to query deals for bucket %s: %w", w.Bucket.Label, err)
	}
	stats.DealsMatched = len(deals)
	if len(deals) == 0 {
		blog.Debug("No deals in window")
		return stats, nil
	}
	if len(members) == 0 {
		blog.WithField("deals_count", len(deals)).Info("No eligible members. Skipping bucket.")
		return stats, nil
	}

	batches := buildBatches(key, deals, members)
	stats.MembersBatched = len(batches)
	blog.WithFields(logrus.Fields{"deals_count": len(deals), "members_count": len(batches)}).Info("Notifying members about expiring deals")

	pending := make(map[string][]deal.Receipt, len(deals))
	for _, b := range batches {
		delivered, smsSent, smsFailed := s.notifyMember(ctx, blog, w.Bucket, b)
		stats.SMSSent += smsSent
		stats.SMSFailed += smsFailed
		if !delivered {
			stats.EmailsFailed++
			continue
		}
		stats.EmailsSent++
		// Every deal in the batch gets a receipt, including the ones cut from the email.
		for _, d := range b.deals {
			pending[d.ID] = append(pending[d.ID], deal.Receipt{MemberID: b.member.ID, SentAt: now})
		}
	}

	for _, d := range deals {
		receipts := pending[d.ID]
		if len(receipts) == 0 {
			continue
		}
		added, err := s.persistReceipts(ctx, blog, d, key, receipts)
		if err != nil {
			stats.ReceiptSaveFailures++
			blog.WithError(err).WithField("deal_id", d.ID).Error("Failed to persist notification receipts")
			s.audit.Record(ctx, fmt.Sprintf("Failed to persist %s notification receipts for deal %q: %v", w.Bucket.Label, d.Name, err), audit.LevelError, d.ID)
			continue
		}
		stats.ReceiptsRecorded += added
		s.metrics.ObserveReceipts(w.Bucket.Label, added)
	}

	return stats, nil
}

// buildBatches groups, per member, the deals that member has no receipt for under key.
// Batches keep the order in which members first appear.
func buildBatches(key deal.BucketKey, deals []*deal.Deal, members []*member.Member) []*memberBatch {
	byMember := make(map[string]*memberBatch, len(members))
	batches := make([]*memberBatch, 0, len(members))
	for _, d := range deals {
		notified := d.NotificationHistory.Notified(key)
		for _, m := range members {
			if _, ok := notified[m.ID]; ok {
				continue
			}
			b, ok := byMember[m.ID]
			if !ok {
				b = &memberBatch{member: m}
				byMember[m.ID] = b
				batches = append(batches, b)
			}
			b.deals = append(b.deals, d)
		}
	}
	return batches
}

// notifyMember sends the batch email and, when it went out, the SMS follow-ups.
func (s *ExpirationService) notifyMember(ctx context.Context, log *logrus.Entry, bucket deal.Bucket, b *memberBatch) (delivered bool, smsSent, smsFailed int) {
	mlog := log.WithFields(logrus.Fields{
		"member_id":   b.member.ID,
		"deals_count": len(b.deals),
	})

	shown, more := b.deals, 0
	if len(shown) > s.cfg.EmailDealCap {
		more = len(shown) - s.cfg.EmailDealCap
		shown = shown[:s.cfg.EmailDealCap]
	}

	messageID, err := s.sendEmail(ctx, b.member, bucket, shown, more)
	if err != nil {
		mlog.WithError(err).Errorf("Failed to send %s expiration email", bucket.Label)
		s.metrics.ObserveEmail(bucket.Label, resultFailed)
		s.audit.Record(ctx, fmt.Sprintf("Failed to send %s deal expiration email to %s (%s): %v", bucket.Label, b.member.Name, b.member.Email, err), audit.LevelError, b.member.ID)
		return false, 0, 0
	}
	s.metrics.ObserveEmail(bucket.Label, resultSent)
	mlog.WithFields(logrus.Fields{"message_id": messageID, "deals_shown": len(shown)}).Infof("Sent %s expiration email", bucket.Label)

	if s.cfg.SMSEnabled && s.sms != nil && b.member.HasPhone() {
		smsSent, smsFailed = s.sendSMSBatch(ctx, mlog, bucket, b)
	}
	return true, smsSent, smsFailed
}

func (s *ExpirationService) sendEmail(ctx context.Context, m *member.Member, bucket deal.Bucket, shown []*deal.Deal, more int) (string, error) {
	subject, html, err := s.renderer.RenderExpiringDeals(m, bucket, shown, more)
	if err != nil {
		return "", fmt.Errorf("failed to render email: %w", err)
	}
	sendCtx, cancel := context.WithTimeout(ctx, s.cfg.NotifyTimeout)
	defer cancel()
	return s.email.SendEmail(sendCtx, m.Email, subject, html)
}

func (s *ExpirationService) sendSMSBatch(ctx context.Context, log *logrus.Entry, bucket deal.Bucket, b *memberBatch) (sent, failed int) {
	limit := min(len(b.deals), s.cfg.SMSDealCap)
	messages := make([]notify.SMSMessage, 0, limit+1)
	for _, d := range b.deals[:limit] {
		messages = append(messages, notify.SMSMessage{
			Kind:       notify.SMSKindDealExpiration,
			MemberName: b.member.Name,
			DealName:   d.Name,
			Label:      bucket.Label,
		})
	}
	if len(b.deals) > s.cfg.SMSDealCap {
		messages = append(messages, notify.SMSMessage{
			Kind:       notify.SMSKindOverflowSummary,
			MemberName: b.member.Name,
			Label:      bucket.Label,
			Remaining:  len(b.deals) - s.cfg.SMSDealCap,
		})
	}

	for _, msg := range messages {
		if err := s.sendSMS(ctx, b.member.Phone.String, msg); err != nil {
			failed++
			s.metrics.ObserveSMS(string(msg.Kind), resultFailed)
			log.WithError(err).WithFields(logrus.Fields{"sms_kind": msg.Kind, "deal_name": msg.DealName}).Warn("Failed to send SMS")
			continue
		}
		sent++
		s.metrics.ObserveSMS(string(msg.Kind), resultSent)
	}
	return sent, failed
}

func (s *ExpirationService) sendSMS(ctx context.Context, phone string, msg notify.SMSMessage) error {
	sendCtx, cancel := context.WithTimeout(ctx, s.cfg.NotifyTimeout)
	defer cancel()
	return s.sms.SendSMS(sendCtx, phone, msg)
}

// persistReceipts stores the receipts the deal does not hold yet under an exclusive lock.
// Only receipt rows are written, the deal status is left to whoever owns it.
// It returns how many receipts were new.
func (s *ExpirationService) persistReceipts(ctx context.Context, log *logrus.Entry, d *deal.Deal, key deal.BucketKey, receipts []deal.Receipt) (int, error) {
	if !s.cfg.Schedule.HasKey(key) {
		return 0, fmt.Errorf("%w: %s", ErrUnknownBucketKey, key)
	}

	unlock, err := s.locker.Lock(ctx, d.ID)
	if err != nil {
		return 0, fmt.Errorf("failed to lock deal %s: %w", d.ID, err)
	}
	defer unlock()

	if d.NotificationHistory == nil {
		d.NotificationHistory = deal.NotificationHistory{}
	}
	seen := d.NotificationHistory.Notified(key)
	fresh := make([]deal.Receipt, 0, len(receipts))
	for _, r := range receipts {
		if _, ok := seen[r.MemberID]; ok || r.MemberID == "" {
			continue
		}
		seen[r.MemberID] = struct{}{}
		fresh = append(fresh, r)
	}
	if skipped := len(receipts) - len(fresh); skipped > 0 {
		log.WithFields(logrus.Fields{"deal_id": d.ID, "skipped": skipped}).Debug("Skipped receipts already on record")
	}
	if len(fresh) == 0 {
		return 0, nil
	}

	added, err := s.deals.AppendReceipts(ctx, d.ID, key, fresh)
	if err != nil {
		return 0, fmt.Errorf("failed to append receipts for deal %s: %w", d.ID, err)
	}
	for _, r := range fresh {
		d.NotificationHistory.Add(key, r)
	}
	return added, nil
}

// deactivateExpired flips every active deal whose end time has passed to inactive.
func (s *ExpirationService) deactivateExpired(ctx context.Context, log *logrus.Entry, now time.Time) (deactivated, failures int, err error) {
	expired, err := s.deals.FindByStatusAndEndsAtBefore(ctx, deal.StatusActive, now)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to query expired deals: %w", err)
	}

	for _, d := range expired {
		if !d.Deactivate() {
			continue
		}
		dlog := log.WithFields(logrus.Fields{"deal_id": d.ID, "deal_name": d.Name, "ends_at": d.EndsAt.Format(time.RFC3339)})
		if err := s.saveLocked(ctx, d); err != nil {
			failures++
			s.metrics.ObserveDeactivation(resultFailed)
			dlog.WithError(err).Error("Failed to deactivate expired deal")
			s.audit.Record(ctx, fmt.Sprintf("Failed to deactivate expired deal %q: %v", d.Name, err), audit.LevelError, d.ID)
			continue
		}
		deactivated++
		s.metrics.ObserveDeactivation(resultDeactivated)
		dlog.Info("Deal expired and was deactivated")
		s.audit.Record(ctx, fmt.Sprintf("Deal %q expired and was deactivated", d.Name), audit.LevelSuccess, d.ID)
	}
	return deactivated, failures, nil
}

func (s *ExpirationService) saveLocked(ctx context.Context, d *deal.Deal) error {
	unlock, err := s.locker.Lock(ctx, d.ID)
	if err != nil {
		return fmt.Errorf("failed to lock deal %s: %w", d.ID, err)
	}
	defer unlock()
	return s.deals.Save(ctx, d)
}
