package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"testing"
	"time"

	"deal_expiration_notifier/internal/domain/audit"
	"deal_expiration_notifier/internal/domain/deal"
	"deal_expiration_notifier/internal/domain/member"
	"deal_expiration_notifier/internal/domain/notify"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ==========================
// In-memory collaborators
// ==========================

type fakeHealth struct {
	err   error
	pings int
}

func (f *fakeHealth) Ping(context.Context) error {
	f.pings++
	return f.err
}

// memDealRepo mirrors the Postgres repository: Save never reverts an inactive deal and
// AppendReceipts leaves the deal status alone. saves counts both kinds of writes.
type memDealRepo struct {
	deals      map[string]*deal.Deal
	rangeErr   error
	beforeErr  error
	saveErr    map[string]error
	saves      int
	afterRange func()
}

func newMemDealRepo(deals ...*deal.Deal) *memDealRepo {
	r := &memDealRepo{deals: make(map[string]*deal.Deal), saveErr: make(map[string]error)}
	for _, d := range deals {
		r.deals[d.ID] = cloneDeal(d)
	}
	return r
}

func cloneDeal(d *deal.Deal) *deal.Deal {
	c := *d
	c.NotificationHistory = deal.NotificationHistory{}
	for k, rs := range d.NotificationHistory {
		c.NotificationHistory[k] = append([]deal.Receipt(nil), rs...)
	}
	return &c
}

func (r *memDealRepo) find(match func(*deal.Deal) bool) []*deal.Deal {
	out := make([]*deal.Deal, 0)
	for _, d := range r.deals {
		if match(d) {
			out = append(out, cloneDeal(d))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].EndsAt.Equal(out[j].EndsAt) {
			return out[i].EndsAt.Before(out[j].EndsAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (r *memDealRepo) FindByStatusAndEndsAtRange(_ context.Context, status deal.Status, from, to time.Time) ([]*deal.Deal, error) {
	if r.rangeErr != nil {
		return nil, r.rangeErr
	}
	found := r.find(func(d *deal.Deal) bool {
		return d.Status == status && d.EndsAt.After(from) && !d.EndsAt.After(to)
	})
	if r.afterRange != nil {
		r.afterRange()
	}
	return found, nil
}

func (r *memDealRepo) FindByStatusAndEndsAtBefore(_ context.Context, status deal.Status, t time.Time) ([]*deal.Deal, error) {
	if r.beforeErr != nil {
		return nil, r.beforeErr
	}
	return r.find(func(d *deal.Deal) bool {
		return d.Status == status && d.EndsAt.Before(t)
	}), nil
}

func (r *memDealRepo) Save(_ context.Context, d *deal.Deal) error {
	if err := r.saveErr[d.ID]; err != nil {
		return err
	}
	r.saves++
	if stored, ok := r.deals[d.ID]; ok && stored.Status == deal.StatusInactive {
		d.Status = deal.StatusInactive
	}
	r.deals[d.ID] = cloneDeal(d)
	return nil
}

func (r *memDealRepo) AppendReceipts(_ context.Context, dealID string, key deal.BucketKey, receipts []deal.Receipt) (int, error) {
	if err := r.saveErr[dealID]; err != nil {
		return 0, err
	}
	stored, ok := r.deals[dealID]
	if !ok {
		return 0, fmt.Errorf("deal %s not found", dealID)
	}
	r.saves++
	added := 0
	for _, rc := range receipts {
		if stored.NotificationHistory.Add(key, rc) {
			added++
		}
	}
	return added, nil
}

type memMemberRepo struct {
	members     []*member.Member
	err         error
	hadDeadline bool
}

func (r *memMemberRepo) FindByRoleAndNotBlocked(ctx context.Context, _ member.Role) ([]*member.Member, error) {
	_, r.hadDeadline = ctx.Deadline()
	if r.err != nil {
		return nil, r.err
	}
	return r.members, nil
}

type sentEmail struct {
	to      string
	subject string
	html    string
}

type fakeEmailSender struct {
	sent    []sentEmail
	failFor map[string]error
}

func (f *fakeEmailSender) SendEmail(ctx context.Context, to, subject, html string) (string, error) {
	if _, ok := ctx.Deadline(); !ok {
		return "", errors.New("email send without timeout")
	}
	if err := f.failFor[to]; err != nil {
		return "", err
	}
	f.sent = append(f.sent, sentEmail{to: to, subject: subject, html: html})
	return fmt.Sprintf("msg-%d", len(f.sent)), nil
}

func (f *fakeEmailSender) to(email string) []sentEmail {
	var out []sentEmail
	for _, e := range f.sent {
		if e.to == email {
			out = append(out, e)
		}
	}
	return out
}

type sentSMS struct {
	to  string
	msg notify.SMSMessage
}

type fakeSMSSender struct {
	sent []sentSMS
	err  error
}

func (f *fakeSMSSender) SendSMS(_ context.Context, to string, msg notify.SMSMessage) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, sentSMS{to: to, msg: msg})
	return nil
}

// fakeRenderer puts the bucket label in the subject and the shown deal IDs in the body.
type fakeRenderer struct {
	panicWith interface{}
}

func (f *fakeRenderer) RenderExpiringDeals(m *member.Member, bucket deal.Bucket, shown []*deal.Deal, more int) (string, string, error) {
	if f.panicWith != nil {
		panic(f.panicWith)
	}
	ids := make([]string, len(shown))
	for i, d := range shown {
		ids[i] = d.ID
	}
	return bucket.Label, fmt.Sprintf("%s|more=%d", strings.Join(ids, ","), more), nil
}

type auditEntry struct {
	message string
	level   audit.Level
	subject string
}

type memAudit struct {
	entries []auditEntry
}

func (a *memAudit) Record(_ context.Context, message string, level audit.Level, subjectID string) {
	a.entries = append(a.entries, auditEntry{message: message, level: level, subject: subjectID})
}

func (a *memAudit) byLevel(level audit.Level) []auditEntry {
	var out []auditEntry
	for _, e := range a.entries {
		if e.level == level {
			out = append(out, e)
		}
	}
	return out
}

type countingLocker struct {
	locks   int
	unlocks int
	err     error
}

func (l *countingLocker) Lock(context.Context, string) (func(), error) {
	if l.err != nil {
		return nil, l.err
	}
	l.locks++
	return func() { l.unlocks++ }, nil
}

// recordingMetrics keeps the labels it was called with.
type recordingMetrics struct {
	nopRecorder
	emails        []string
	deactivations []string
}

func (m *recordingMetrics) ObserveEmail(_, result string) {
	m.emails = append(m.emails, result)
}

func (m *recordingMetrics) ObserveDeactivation(result string) {
	m.deactivations = append(m.deactivations, result)
}

// ==========================
// Test Helper Functions
// ==========================

var sweepNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type sweepFixture struct {
	health   *fakeHealth
	deals    *memDealRepo
	members  *memMemberRepo
	email    *fakeEmailSender
	sms      *fakeSMSSender
	renderer *fakeRenderer
	audit    *memAudit
	locker   *countingLocker
	logHook  *test.Hook
	service  *ExpirationService
}

func newSweepFixture(t *testing.T, deals []*deal.Deal, members []*member.Member) *sweepFixture {
	t.Helper()
	log, hook := test.NewNullLogger()
	f := &sweepFixture{
		health:   &fakeHealth{},
		deals:    newMemDealRepo(deals...),
		members:  &memMemberRepo{members: members},
		email:    &fakeEmailSender{failFor: map[string]error{}},
		sms:      &fakeSMSSender{},
		renderer: &fakeRenderer{},
		audit:    &memAudit{},
		locker:   &countingLocker{},
		logHook:  hook,
	}
	f.service = NewExpirationService(ExpirationDeps{
		Health:   f.health,
		Deals:    f.deals,
		Members:  f.members,
		Email:    f.email,
		SMS:      f.sms,
		Renderer: f.renderer,
		Audit:    f.audit,
		Locker:   f.locker,
		Logger:   logrus.NewEntry(log),
	}, DefaultExpirationConfig())
	f.service.newRunID = func() string { return "run-test" }
	return f
}

func activeDeal(id string, endsIn time.Duration) *deal.Deal {
	return &deal.Deal{
		ID:                  id,
		Name:                "Deal " + id,
		Status:              deal.StatusActive,
		EndsAt:              sweepNow.Add(endsIn),
		NotificationHistory: deal.NotificationHistory{},
	}
}

func testMember(id string, phone string) *member.Member {
	m := &member.Member{ID: id, Email: id + "@example.com", Name: "Member " + id, Role: member.RoleMember}
	if phone != "" {
		m.Phone = sql.NullString{String: phone, Valid: true}
	}
	return m
}

func days(n float64) time.Duration {
	return time.Duration(n * float64(24*time.Hour))
}

// ==========================
// Core Functionality Tests
// ==========================

func TestRunSweep_OneHourBucketScenario(t *testing.T) {
	d := activeDeal("d1", 54*time.Minute)
	m := testMember("m1", "")
	f := newSweepFixture(t, []*deal.Deal{d}, []*member.Member{m})

	result := f.service.RunSweep(context.Background(), sweepNow)

	require.Equal(t, OutcomeCompleted, result.Outcome)
	require.NoError(t, result.Err)
	assert.Equal(t, "run-test", result.RunID)

	require.Len(t, f.email.sent, 1)
	assert.Equal(t, "m1@example.com", f.email.sent[0].to)
	assert.Equal(t, "1 hour", f.email.sent[0].subject)
	assert.Equal(t, "d1|more=0", f.email.sent[0].html)

	stored := f.deals.deals["d1"]
	require.Len(t, stored.NotificationHistory["notification_0.042"], 1)
	assert.Equal(t, deal.Receipt{MemberID: "m1", SentAt: sweepNow}, stored.NotificationHistory["notification_0.042"][0])
	assert.Equal(t, 1, stored.NotificationHistory.Count())
	assert.Equal(t, deal.StatusActive, stored.Status, "deal still ends in the future")

	stats, ok := result.Bucket("notification_0.042")
	require.True(t, ok)
	assert.Equal(t, 1, stats.EmailsSent)
	assert.Equal(t, 1, stats.ReceiptsRecorded)
	assert.True(t, f.members.hadDeadline, "member load runs with a timeout")
	assert.Equal(t, 1, f.locker.locks)
	assert.Equal(t, 1, f.locker.unlocks)
}

func TestRunSweep_IsIdempotentForSameInstant(t *testing.T) {
	deals := []*deal.Deal{activeDeal("d1", days(2.5)), activeDeal("d2", 5*time.Hour)}
	members := []*member.Member{testMember("m1", "+15550001"), testMember("m2", "")}
	f := newSweepFixture(t, deals, members)

	first := f.service.RunSweep(context.Background(), sweepNow)
	require.Equal(t, OutcomeCompleted, first.Outcome)
	assert.Equal(t, 4, first.EmailsSent())
	assert.Equal(t, 4, first.ReceiptsRecorded())
	smsAfterFirst := len(f.sms.sent)
	savesAfterFirst := f.deals.saves

	second := f.service.RunSweep(context.Background(), sweepNow)
	require.Equal(t, OutcomeCompleted, second.Outcome)
	assert.Equal(t, 0, second.EmailsSent())
	assert.Equal(t, 0, second.ReceiptsRecorded())
	assert.Len(t, f.email.sent, 4)
	assert.Len(t, f.sms.sent, smsAfterFirst)
	assert.Equal(t, savesAfterFirst, f.deals.saves, "nothing new to persist")
}

func TestRunSweep_WindowCorrectness(t *testing.T) {
	deals := []*deal.Deal{
		activeDeal("in-5d", days(4)),
		activeDeal("in-3d", days(2.5)),
		activeDeal("in-1d", 12*time.Hour),
		activeDeal("in-1h", 30*time.Minute),
		activeDeal("too-far", days(6)),
	}
	inactive := activeDeal("inactive", days(2))
	inactive.Status = deal.StatusInactive
	deals = append(deals, inactive)

	f := newSweepFixture(t, deals, []*member.Member{testMember("m1", "")})
	result := f.service.RunSweep(context.Background(), sweepNow)
	require.Equal(t, OutcomeCompleted, result.Outcome)

	want := map[deal.BucketKey]string{
		"notification_5":     "in-5d",
		"notification_3":     "in-3d",
		"notification_1":     "in-1d",
		"notification_0.042": "in-1h",
	}
	require.Len(t, result.Buckets, 4)
	for key, dealID := range want {
		stats, ok := result.Bucket(key)
		require.True(t, ok, key)
		assert.Equal(t, 1, stats.DealsMatched, key)

		history := f.deals.deals[dealID].NotificationHistory
		assert.True(t, history.Has(key, "m1"), "%s should carry a %s receipt", dealID, key)
		assert.Equal(t, 1, history.Count(), "%s gets exactly one receipt", dealID)
	}

	assert.Equal(t, 0, f.deals.deals["too-far"].NotificationHistory.Count())
	assert.Equal(t, 0, f.deals.deals["inactive"].NotificationHistory.Count())
	assert.Len(t, f.email.sent, 4, "one email per bucket")

	// Buckets are evaluated 5 days first, 1 hour last.
	subjects := make([]string, len(f.email.sent))
	for i, e := range f.email.sent {
		subjects[i] = e.subject
	}
	assert.Equal(t, []string{"5 days", "3 days", "1 day", "1 hour"}, subjects)
}

func TestRunSweep_BlockedAndNonMembersAreNeverNotified(t *testing.T) {
	blocked := testMember("blocked", "+15550009")
	blocked.IsBlocked = true
	distributor := testMember("dist", "")
	distributor.Role = member.RoleDistributor

	f := newSweepFixture(t,
		[]*deal.Deal{activeDeal("d1", days(2))},
		[]*member.Member{blocked, testMember("m1", ""), distributor},
	)

	result := f.service.RunSweep(context.Background(), sweepNow)
	require.Equal(t, OutcomeCompleted, result.Outcome)

	require.Len(t, f.email.sent, 1)
	assert.Equal(t, "m1@example.com", f.email.sent[0].to)
	assert.Empty(t, f.sms.sent)
	assert.False(t, f.deals.deals["d1"].NotificationHistory.Has("notification_3", "blocked"))
}

func TestRunSweep_CapLimitsEmailButNotReceipts(t *testing.T) {
	var deals []*deal.Deal
	for i := 1; i <= 7; i++ {
		deals = append(deals, activeDeal(fmt.Sprintf("d%d", i), days(2)+time.Duration(i)*time.Minute))
	}
	f := newSweepFixture(t, deals, []*member.Member{testMember("m1", "+15550001")})

	result := f.service.RunSweep(context.Background(), sweepNow)
	require.Equal(t, OutcomeCompleted, result.Outcome)

	require.Len(t, f.email.sent, 1)
	assert.Equal(t, "d1,d2,d3,d4,d5|more=2", f.email.sent[0].html)

	for _, d := range deals {
		receipts := f.deals.deals[d.ID].NotificationHistory["notification_3"]
		require.Len(t, receipts, 1, d.ID)
		assert.Equal(t, sweepNow, receipts[0].SentAt, "all receipts share the same timestamp")
	}
	stats, _ := result.Bucket("notification_3")
	assert.Equal(t, 7, stats.ReceiptsRecorded)

	// Three per-deal SMS plus one overflow summary.
	require.Len(t, f.sms.sent, 4)
	for _, s := range f.sms.sent[:3] {
		assert.Equal(t, notify.SMSKindDealExpiration, s.msg.Kind)
		assert.Equal(t, "+15550001", s.to)
	}
	assert.Equal(t, []string{"Deal d1", "Deal d2", "Deal d3"},
		[]string{f.sms.sent[0].msg.DealName, f.sms.sent[1].msg.DealName, f.sms.sent[2].msg.DealName})
	assert.Equal(t, notify.SMSKindOverflowSummary, f.sms.sent[3].msg.Kind)
	assert.Equal(t, 4, f.sms.sent[3].msg.Remaining)
	assert.Equal(t, 4, stats.SMSSent)
}

func TestRunSweep_NoOverflowSMSWithinCap(t *testing.T) {
	deals := []*deal.Deal{activeDeal("d1", days(2)), activeDeal("d2", days(2.1))}
	f := newSweepFixture(t, deals, []*member.Member{testMember("m1", "+15550001")})

	f.service.RunSweep(context.Background(), sweepNow)

	require.Len(t, f.sms.sent, 2)
	for _, s := range f.sms.sent {
		assert.Equal(t, notify.SMSKindDealExpiration, s.msg.Kind)
		assert.Equal(t, "3 days", s.msg.Label)
	}
}

func TestRunSweep_EmailFailureIsIsolatedPerMember(t *testing.T) {
	f := newSweepFixture(t,
		[]*deal.Deal{activeDeal("d1", days(2))},
		[]*member.Member{testMember("a", "+15550001"), testMember("b", "+15550002")},
	)
	f.email.failFor["a@example.com"] = errors.New("mailbox unavailable")

	result := f.service.RunSweep(context.Background(), sweepNow)
	require.Equal(t, OutcomeCompleted, result.Outcome)

	history := f.deals.deals["d1"].NotificationHistory
	assert.False(t, history.Has("notification_3", "a"), "failed member is retried next sweep")
	assert.True(t, history.Has("notification_3", "b"))

	assert.Len(t, f.email.to("b@example.com"), 1)
	require.Len(t, f.sms.sent, 1, "no SMS for the member whose email failed")
	assert.Equal(t, "+15550002", f.sms.sent[0].to)

	stats, _ := result.Bucket("notification_3")
	assert.Equal(t, 1, stats.EmailsSent)
	assert.Equal(t, 1, stats.EmailsFailed)

	errs := f.audit.byLevel(audit.LevelError)
	require.Len(t, errs, 1)
	assert.Equal(t, "a", errs[0].subject)
	assert.Contains(t, errs[0].message, "3 days")

	var logged bool
	for _, e := range f.logHook.AllEntries() {
		if e.Level == logrus.ErrorLevel && e.Message == "Failed to send 3 days expiration email" {
			logged = true
			assert.Equal(t, "a", e.Data["member_id"])
		}
	}
	assert.True(t, logged)

	// Next sweep retries only the failed member.
	delete(f.email.failFor, "a@example.com")
	retry := f.service.RunSweep(context.Background(), sweepNow.Add(5*time.Minute))
	assert.Equal(t, 1, retry.EmailsSent())
	assert.Len(t, f.email.to("a@example.com"), 1)
	assert.Len(t, f.email.to("b@example.com"), 1)
}

func TestRunSweep_SMSFailureDoesNotAffectReceipts(t *testing.T) {
	f := newSweepFixture(t,
		[]*deal.Deal{activeDeal("d1", days(0.5))},
		[]*member.Member{testMember("m1", "+15550001")},
	)
	f.sms.err = errors.New("opted out")

	result := f.service.RunSweep(context.Background(), sweepNow)
	require.Equal(t, OutcomeCompleted, result.Outcome)

	assert.True(t, f.deals.deals["d1"].NotificationHistory.Has("notification_1", "m1"))
	stats, _ := result.Bucket("notification_1")
	assert.Equal(t, 1, stats.SMSFailed)
	assert.Equal(t, 1, stats.ReceiptsRecorded)
	assert.Empty(t, f.audit.byLevel(audit.LevelError))
}

func TestRunSweep_SMSDisabled(t *testing.T) {
	f := newSweepFixture(t,
		[]*deal.Deal{activeDeal("d1", days(0.5))},
		[]*member.Member{testMember("m1", "+15550001")},
	)
	f.service.cfg.SMSEnabled = false

	f.service.RunSweep(context.Background(), sweepNow)

	assert.Len(t, f.email.sent, 1)
	assert.Empty(t, f.sms.sent)
}

func TestRunSweep_ExpiresDealsRegardlessOfNotifications(t *testing.T) {
	expired := activeDeal("expired", -time.Minute)
	alreadyInactive := activeDeal("old", -days(3))
	alreadyInactive.Status = deal.StatusInactive

	f := newSweepFixture(t,
		[]*deal.Deal{expired, alreadyInactive, activeDeal("d1", days(2))},
		[]*member.Member{testMember("m1", "")},
	)
	f.email.failFor["m1@example.com"] = errors.New("provider down")

	result := f.service.RunSweep(context.Background(), sweepNow)
	require.Equal(t, OutcomeCompleted, result.Outcome)

	assert.Equal(t, deal.StatusInactive, f.deals.deals["expired"].Status)
	assert.Equal(t, deal.StatusActive, f.deals.deals["d1"].Status)
	assert.Equal(t, 1, result.DealsDeactivated)
	assert.Empty(t, f.email.sent)

	success := f.audit.byLevel(audit.LevelSuccess)
	require.Len(t, success, 1)
	assert.Equal(t, "expired", success[0].subject)
}

func TestRunSweep_ExpiredDealScenario(t *testing.T) {
	d := activeDeal("d1", -time.Second)
	f := newSweepFixture(t, []*deal.Deal{d}, []*member.Member{testMember("m1", "+15550001")})

	result := f.service.RunSweep(context.Background(), sweepNow)

	assert.Equal(t, OutcomeCompleted, result.Outcome)
	assert.Empty(t, f.email.sent, "expired deals are not announced")
	assert.Empty(t, f.sms.sent)
	assert.Equal(t, deal.StatusInactive, f.deals.deals["d1"].Status)

	// A later sweep finds nothing left to do.
	again := f.service.RunSweep(context.Background(), sweepNow.Add(time.Minute))
	assert.Equal(t, 0, again.DealsDeactivated)
}

func TestRunSweep_LogsMemberIDNotEmail(t *testing.T) {
	f := newSweepFixture(t, []*deal.Deal{activeDeal("d1", days(2))}, []*member.Member{testMember("m1", "")})

	f.service.RunSweep(context.Background(), sweepNow)

	var sendEntry *logrus.Entry
	entries := f.logHook.AllEntries()
	for i := range entries {
		for _, v := range entries[i].Data {
			assert.NotEqual(t, "m1@example.com", v, "log entry %q", entries[i].Message)
		}
		if entries[i].Message == "Sent 3 days expiration email" {
			sendEntry = entries[i]
		}
	}
	require.NotNil(t, sendEntry)
	assert.Equal(t, "m1", sendEntry.Data["member_id"])
}

func TestRunSweep_RecordsDeactivationMetrics(t *testing.T) {
	f := newSweepFixture(t,
		[]*deal.Deal{activeDeal("e1", -time.Hour), activeDeal("e2", -time.Minute), activeDeal("d1", days(2))},
		[]*member.Member{testMember("m1", "")},
	)
	f.deals.saveErr["e2"] = errors.New("serialization failure")
	rec := &recordingMetrics{}
	f.service.metrics = rec

	f.service.RunSweep(context.Background(), sweepNow)

	assert.Equal(t, []string{resultDeactivated, resultFailed}, rec.deactivations)
	assert.Equal(t, []string{resultSent}, rec.emails)
}

func TestRunSweep_DeactivationFailureIsAuditedAndContinues(t *testing.T) {
	f := newSweepFixture(t,
		[]*deal.Deal{activeDeal("e1", -time.Hour), activeDeal("e2", -time.Minute)},
		nil,
	)
	f.deals.saveErr["e1"] = errors.New("serialization failure")

	result := f.service.RunSweep(context.Background(), sweepNow)

	assert.Equal(t, OutcomeCompleted, result.Outcome)
	assert.Equal(t, 1, result.DealsDeactivated)
	assert.Equal(t, 1, result.DeactivationFailures)
	assert.Equal(t, deal.StatusActive, f.deals.deals["e1"].Status)
	assert.Equal(t, deal.StatusInactive, f.deals.deals["e2"].Status)

	errs := f.audit.byLevel(audit.LevelError)
	require.Len(t, errs, 1)
	assert.Equal(t, "e1", errs[0].subject)
}

func TestRunSweep_ReceiptSaveFailureRetriesNextSweep(t *testing.T) {
	f := newSweepFixture(t,
		[]*deal.Deal{activeDeal("d1", days(2)), activeDeal("d2", days(2.2))},
		[]*member.Member{testMember("m1", "")},
	)
	f.deals.saveErr["d1"] = errors.New("connection reset")

	result := f.service.RunSweep(context.Background(), sweepNow)
	require.Equal(t, OutcomeCompleted, result.Outcome)

	stats, _ := result.Bucket("notification_3")
	assert.Equal(t, 1, stats.EmailsSent)
	assert.Equal(t, 1, stats.ReceiptSaveFailures)
	assert.Equal(t, 1, stats.ReceiptsRecorded)
	assert.False(t, f.deals.deals["d1"].NotificationHistory.Has("notification_3", "m1"))
	assert.True(t, f.deals.deals["d2"].NotificationHistory.Has("notification_3", "m1"))

	delete(f.deals.saveErr, "d1")
	f.service.RunSweep(context.Background(), sweepNow.Add(5*time.Minute))
	require.Len(t, f.email.sent, 2, "at-least-once: d1 is announced again")
	assert.Equal(t, "d1|more=0", f.email.sent[1].html)
}

func TestRunSweep_LockFailureSkipsReceipts(t *testing.T) {
	f := newSweepFixture(t, []*deal.Deal{activeDeal("d1", days(2))}, []*member.Member{testMember("m1", "")})
	f.locker.err = errors.New("lock wait timeout")

	result := f.service.RunSweep(context.Background(), sweepNow)

	assert.Equal(t, OutcomeCompleted, result.Outcome)
	stats, _ := result.Bucket("notification_3")
	assert.Equal(t, 1, stats.ReceiptSaveFailures)
	assert.Equal(t, 0, f.deals.saves)
}

func TestRunSweep_ReceiptsDoNotReactivateDeal(t *testing.T) {
	f := newSweepFixture(t, []*deal.Deal{activeDeal("d1", days(2))}, []*member.Member{testMember("m1", "")})
	// Deactivated by someone else after the bucket query returned it.
	f.deals.afterRange = func() { f.deals.deals["d1"].Status = deal.StatusInactive }

	result := f.service.RunSweep(context.Background(), sweepNow)

	require.Equal(t, OutcomeCompleted, result.Outcome)
	assert.Equal(t, 1, result.ReceiptsRecorded())
	stored := f.deals.deals["d1"]
	assert.Equal(t, deal.StatusInactive, stored.Status)
	assert.True(t, stored.NotificationHistory.Has("notification_3", "m1"))
}

func TestRunSweep_CustomScheduleIsIdempotent(t *testing.T) {
	log, _ := test.NewNullLogger()
	deals := newMemDealRepo(activeDeal("d1", 36*time.Hour))
	email := &fakeEmailSender{failFor: map[string]error{}}
	cfg := DefaultExpirationConfig()
	cfg.Schedule = deal.Schedule{{ThresholdDays: 2, Label: "2 days"}}
	s := NewExpirationService(ExpirationDeps{
		Health:   &fakeHealth{},
		Deals:    deals,
		Members:  &memMemberRepo{members: []*member.Member{testMember("m1", "")}},
		Email:    email,
		Renderer: &fakeRenderer{},
		Audit:    &memAudit{},
		Logger:   logrus.NewEntry(log),
	}, cfg)

	first := s.RunSweep(context.Background(), sweepNow)
	second := s.RunSweep(context.Background(), sweepNow)

	assert.Equal(t, 1, first.ReceiptsRecorded())
	assert.Equal(t, 0, second.EmailsSent())
	assert.Len(t, email.sent, 1)
	assert.True(t, deals.deals["d1"].NotificationHistory.Has("notification_2", "m1"))
}

func TestPersistReceipts_RejectsKeyOutsideSchedule(t *testing.T) {
	f := newSweepFixture(t, []*deal.Deal{activeDeal("d1", days(2))}, nil)
	d := cloneDeal(f.deals.deals["d1"])

	n, err := f.service.persistReceipts(context.Background(), f.service.logger, d, "notification_2",
		[]deal.Receipt{{MemberID: "m1", SentAt: sweepNow}})

	assert.ErrorIs(t, err, ErrUnknownBucketKey)
	assert.Zero(t, n)
	assert.Zero(t, f.deals.saves)
	assert.Zero(t, f.locker.locks)
}

func TestRunSweep_KeepsReceiptsFromOtherMembers(t *testing.T) {
	d := activeDeal("d1", days(2))
	d.NotificationHistory.Add("notification_3", deal.Receipt{MemberID: "m1", SentAt: sweepNow.Add(-time.Hour)})
	d.NotificationHistory.Add("notification_5", deal.Receipt{MemberID: "m2", SentAt: sweepNow.Add(-days(2))})

	f := newSweepFixture(t, []*deal.Deal{d}, []*member.Member{testMember("m1", ""), testMember("m2", "")})
	f.service.RunSweep(context.Background(), sweepNow)

	require.Len(t, f.email.sent, 1)
	assert.Equal(t, "m2@example.com", f.email.sent[0].to)

	history := f.deals.deals["d1"].NotificationHistory
	assert.Equal(t, sweepNow.Add(-time.Hour), history["notification_3"][0].SentAt, "existing receipt untouched")
	assert.True(t, history.Has("notification_3", "m2"))
	assert.True(t, history.Has("notification_5", "m2"))
}

// ==========================
// Failure Mode Tests
// ==========================

func TestRunSweep_SkippedWhenPersistenceNotReady(t *testing.T) {
	f := newSweepFixture(t, []*deal.Deal{activeDeal("d1", -time.Minute)}, []*member.Member{testMember("m1", "")})
	f.health.err = errors.New("database not ready")

	result := f.service.RunSweep(context.Background(), sweepNow)

	assert.Equal(t, OutcomeSkipped, result.Outcome)
	assert.False(t, f.members.hadDeadline, "members are not loaded")
	assert.Empty(t, f.email.sent)
	assert.Empty(t, f.audit.entries)
	assert.Equal(t, deal.StatusActive, f.deals.deals["d1"].Status)
}

func TestRunSweep_AbortedWhenMemberLoadFails(t *testing.T) {
	f := newSweepFixture(t,
		[]*deal.Deal{activeDeal("d1", days(2)), activeDeal("expired", -time.Minute)},
		nil,
	)
	f.members.err = context.DeadlineExceeded

	result := f.service.RunSweep(context.Background(), sweepNow)

	assert.Equal(t, OutcomeAborted, result.Outcome)
	assert.ErrorIs(t, result.Err, context.DeadlineExceeded)
	assert.Empty(t, f.email.sent)
	assert.Equal(t, deal.StatusActive, f.deals.deals["expired"].Status, "nothing else runs after an abort")

	errs := f.audit.byLevel(audit.LevelError)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].message, "aborted")
}

func TestRunSweep_QueryFailureStopsSweep(t *testing.T) {
	f := newSweepFixture(t, []*deal.Deal{activeDeal("d1", days(2))}, []*member.Member{testMember("m1", "")})
	f.deals.rangeErr = errors.New("relation \"deals\" does not exist")

	result := f.service.RunSweep(context.Background(), sweepNow)

	assert.Equal(t, OutcomeFailed, result.Outcome)
	require.Error(t, result.Err)
	assert.Len(t, result.Buckets, 1)
	require.Len(t, f.audit.byLevel(audit.LevelError), 1)
	assert.Equal(t, 2, f.health.pings, "store is probed before auditing the failure")
}

func TestRunSweep_FailureAuditDroppedWhenStoreGone(t *testing.T) {
	f := newSweepFixture(t, nil, []*member.Member{testMember("m1", "")})
	f.deals.beforeErr = errors.New("connection refused")

	health := &flakyHealth{okPings: 1}
	f.service.health = health

	result := f.service.RunSweep(context.Background(), sweepNow)

	assert.Equal(t, OutcomeFailed, result.Outcome)
	assert.Empty(t, f.audit.byLevel(audit.LevelError))
}

type flakyHealth struct {
	okPings int
}

func (h *flakyHealth) Ping(context.Context) error {
	if h.okPings > 0 {
		h.okPings--
		return nil
	}
	return errors.New("database not ready")
}

func TestRunSweep_RecoversFromPanic(t *testing.T) {
	f := newSweepFixture(t, []*deal.Deal{activeDeal("d1", days(2))}, []*member.Member{testMember("m1", "")})
	f.renderer.panicWith = "template exploded"

	var result SweepResult
	require.NotPanics(t, func() {
		result = f.service.RunSweep(context.Background(), sweepNow)
	})

	assert.Equal(t, OutcomeFailed, result.Outcome)
	assert.ErrorIs(t, result.Err, ErrSweepPanicked)
	assert.Contains(t, result.Err.Error(), "template exploded")
	assert.Len(t, f.audit.byLevel(audit.LevelError), 1)
}

func TestRunSweep_NoMembersStillDeactivates(t *testing.T) {
	f := newSweepFixture(t, []*deal.Deal{activeDeal("d1", days(2)), activeDeal("e1", -time.Minute)}, nil)

	result := f.service.RunSweep(context.Background(), sweepNow)

	assert.Equal(t, OutcomeCompleted, result.Outcome)
	assert.Empty(t, f.email.sent)
	assert.Equal(t, 1, result.DealsDeactivated)
}

func TestBuildBatches(t *testing.T) {
	d1 := activeDeal("d1", days(2))
	d2 := activeDeal("d2", days(2))
	d2.NotificationHistory.Add("notification_3", deal.Receipt{MemberID: "m1", SentAt: sweepNow})
	m1, m2 := testMember("m1", ""), testMember("m2", "")

	batches := buildBatches("notification_3", []*deal.Deal{d1, d2}, []*member.Member{m1, m2})

	require.Len(t, batches, 2)
	assert.Equal(t, "m1", batches[0].member.ID)
	assert.Equal(t, []*deal.Deal{d1}, batches[0].deals)
	assert.Equal(t, "m2", batches[1].member.ID)
	assert.Equal(t, []*deal.Deal{d1, d2}, batches[1].deals)
}

func TestNewExpirationService_AppliesDefaults(t *testing.T) {
	s := NewExpirationService(ExpirationDeps{}, ExpirationConfig{})

	assert.Equal(t, DefaultExpirationConfig().Schedule, s.cfg.Schedule)
	assert.Equal(t, 5*time.Second, s.cfg.MemberLoadTimeout)
	assert.Equal(t, 10*time.Second, s.cfg.NotifyTimeout)
	assert.Equal(t, 5, s.cfg.EmailDealCap)
	assert.Equal(t, 3, s.cfg.SMSDealCap)
	assert.NotNil(t, s.locker)
	assert.NotNil(t, s.metrics)
	assert.NotNil(t, s.logger)
	assert.NotEmpty(t, s.newRunID())
}
