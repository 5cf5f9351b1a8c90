package service

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"idlink/internal/directory"
	"idlink/internal/dispatch"
	"idlink/internal/platform/logger"
	"idlink/internal/ratelimit/store/bucket"
	"idlink/internal/verification/issuer"
	"idlink/internal/verification/lock"
	"idlink/internal/verification/models"
	"idlink/internal/verification/ports"
	"idlink/internal/verification/store/memory"
	id "idlink/pkg/domain"
	"idlink/pkg/requestcontext"
)

// =============================================================================
// Verification Scenario Suite
// =============================================================================
// Justification: these run the real issuer, in-process locks and memory store
// together so the uniqueness and expiry properties are checked across
// components rather than against mocked expectations.

type captureMailer struct {
	mu    sync.Mutex
	sent  []ports.CodeMail
	codes map[string]string // requester tag -> last code
}

func (m *captureMailer) SendCode(_ context.Context, mail ports.CodeMail) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, mail)
	m.codes[mail.RequesterTag] = mail.Code
	return nil
}

func (m *captureMailer) code(tag string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.codes[tag]
}

func (m *captureMailer) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

type recordingNotifier struct {
	mu      sync.Mutex
	groups  []id.Group
	grants  []string
	revokes []string
}

func (n *recordingNotifier) Grant(_ context.Context, group id.Group, chatID id.ChatID) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.grants = append(n.grants, group.String()+"/"+chatID.String())
	return nil
}

func (n *recordingNotifier) Revoke(_ context.Context, group id.Group, chatID id.ChatID) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.revokes = append(n.revokes, group.String()+"/"+chatID.String())
	return nil
}

func (n *recordingNotifier) Groups(context.Context) ([]id.Group, error) {
	return n.groups, nil
}

type ScenarioSuite struct {
	suite.Suite
	store    *memory.Store
	mailer   *captureMailer
	notifier *recordingNotifier
	service  *Service
}

func TestScenarioSuite(t *testing.T) {
	suite.Run(t, new(ScenarioSuite))
}

func (s *ScenarioSuite) SetupTest() {
	s.store = memory.New()
	s.mailer = &captureMailer{codes: make(map[string]string)}
	s.notifier = &recordingNotifier{groups: []id.Group{"guild-1", "guild-2"}}
	locker := lock.NewKeyedLocker()
	resolver := directory.NewStaticResolver(map[string]string{
		"alice": "alice2",
		"bob":   "bob",
		"carol": "carol",
	})

	iss, err := issuer.New(s.store, s.mailer, locker,
		issuer.Config{MailDomain: "uwaterloo.ca"},
		issuer.WithLogger(logger.Discard()),
	)
	s.Require().NoError(err)

	s.service, err = New(s.store, resolver, iss, s.notifier, locker,
		Config{MailDomain: "uwaterloo.ca", BeginLimit: 100, ConfirmLimit: 100, LimitWindow: time.Minute},
		WithLogger(logger.Discard()),
		WithAttemptLimiter(bucket.NewInMemoryBucketStore()),
	)
	s.Require().NoError(err)
}

func (s *ScenarioSuite) at(offset time.Duration) context.Context {
	return requestcontext.WithTime(context.Background(), testNow.Add(offset))
}

func (s *ScenarioSuite) begin(ctx context.Context, chatID id.ChatID, alias string) models.Reply {
	return s.service.Begin(ctx, BeginRequest{ChatID: chatID, Alias: alias, Group: "guild-1", RequesterTag: chatID.String()})
}

func (s *ScenarioSuite) confirm(ctx context.Context, chatID id.ChatID, code string) models.Reply {
	return s.service.Confirm(ctx, ConfirmRequest{ChatID: chatID, Code: code, Group: "guild-1"})
}

func wrongCode(code string) string {
	if code == "000000" {
		return "111111"
	}
	return "000000"
}

func (s *ScenarioSuite) TestAliasResolvesToCanonicalIdentity() {
	ctx := s.at(0)

	reply := s.begin(ctx, "u1", "alice")
	s.Equal(models.ReasonIssued, reply.Reason)
	s.Require().Equal(1, s.mailer.count())
	s.Equal("alice2@uwaterloo.ca", s.mailer.sent[0].To)

	code := s.mailer.code("u1")
	s.Equal(models.OutcomeInvalidCode, s.confirm(ctx, "u1", wrongCode(code)).Outcome)
	s.Equal(models.Verified(), s.confirm(ctx, "u1", code))
	s.Contains(s.notifier.grants, "guild-1/u1")

	lookup, err := s.store.Lookup(ctx, "u1")
	s.Require().NoError(err)
	s.Require().NotNil(lookup.Confirmed)
	s.Equal(id.Alias("alice2"), lookup.Confirmed.CanonicalAlias)
	s.Nil(lookup.Pending)

	again := s.begin(ctx, "u1", "bob")
	s.Equal(models.AlreadyVerified(id.Alias("alice2")), again)
	s.Equal(1, s.mailer.count(), "verified identity must not receive another code")
}

func (s *ScenarioSuite) TestClaimOfTakenAliasIsIndistinguishable() {
	ctx := s.at(0)
	s.begin(ctx, "u1", "alice")
	s.Require().Equal(models.Verified(), s.confirm(ctx, "u1", s.mailer.code("u1")))

	taken := s.begin(ctx, "u2", "alice2")
	unknown := s.begin(ctx, "u3", "nobody")
	issued := s.begin(ctx, "u4", "bob")

	s.Equal(models.ReasonAliasTaken, taken.Reason)
	s.Equal(models.ReasonAliasNotFound, unknown.Reason)
	s.Equal(issued.Outcome, taken.Outcome)
	s.Equal(issued.Message, taken.Message)
	s.Equal(issued.Message, unknown.Message)

	lookup, err := s.store.Lookup(ctx, "u2")
	s.Require().NoError(err)
	s.Nil(lookup.Pending, "taken alias must not create a pending code")
	s.Empty(s.mailer.code("u2"))
}

func (s *ScenarioSuite) TestUnverifyFreesTheAlias() {
	ctx := s.at(0)
	s.begin(ctx, "u1", "alice")
	s.Require().Equal(models.Verified(), s.confirm(ctx, "u1", s.mailer.code("u1")))

	removal, err := s.service.Unverify(ctx, Subject{Alias: "alice"}, "admin")
	s.Require().NoError(err)
	s.Equal(id.ChatID("u1"), removal.Mapping.ChatID)
	s.Equal(2, removal.Revoked)
	s.ElementsMatch([]string{"guild-1/u1", "guild-2/u1"}, s.notifier.revokes)

	_, err = s.service.Whois(ctx, Subject{ChatID: "u1"}, "admin")
	s.Error(err)

	s.Equal(models.ReasonIssued, s.begin(ctx, "u2", "alice2").Reason)
	s.Equal(models.Verified(), s.confirm(ctx, "u2", s.mailer.code("u2")))

	mapping, err := s.service.Whois(ctx, Subject{Alias: "alice"}, "admin")
	s.Require().NoError(err)
	s.Equal(id.ChatID("u2"), mapping.ChatID)
}

func (s *ScenarioSuite) TestCodeExpires() {
	s.begin(s.at(0), "u1", "alice")
	code := s.mailer.code("u1")

	s.Equal(models.InvalidCode(models.ReasonCodeMismatch), s.confirm(s.at(15*time.Minute), "u1", code))

	// An expired code no longer blocks a new begin.
	s.Equal(models.ReasonIssued, s.begin(s.at(15*time.Minute), "u1", "alice").Reason)
	s.NotEmpty(s.mailer.code("u1"))
}

func (s *ScenarioSuite) TestQueuedConfirmChecksExpiryWhenItRuns() {
	s.begin(s.at(0), "u1", "alice")
	code := s.mailer.code("u1")

	var clock atomic.Int64
	clock.Store(testNow.Add(10 * time.Minute).UnixNano())
	d := dispatch.New(1, 4,
		dispatch.WithLogger(logger.Discard()),
		dispatch.WithClock(func() time.Time { return time.Unix(0, clock.Load()).UTC() }),
	)
	d.Start()
	defer func() { _ = d.Stop(context.Background()) }()

	release := make(chan struct{})
	s.Require().NoError(d.Submit(context.Background(), func(context.Context) { <-release }))

	// Accepted while the code is still live, then stuck behind a busy worker
	// until it has expired.
	replies := make(chan models.Reply, 1)
	go func() {
		reply, err := dispatch.Do(s.at(10*time.Minute), d, func(ctx context.Context) models.Reply {
			return s.confirm(ctx, "u1", code)
		})
		s.NoError(err)
		replies <- reply
	}()

	clock.Store(testNow.Add(16 * time.Minute).UnixNano())
	close(release)

	s.Equal(models.InvalidCode(models.ReasonCodeMismatch), <-replies)
	lookup, err := s.store.Lookup(s.at(16*time.Minute), "u1")
	s.Require().NoError(err)
	s.Nil(lookup.Confirmed)
}

func (s *ScenarioSuite) TestNextIssueSweepsExpiredCodes() {
	s.begin(s.at(0), "u1", "alice")

	// Still inside the grace period: kept.
	s.begin(s.at(29*time.Minute), "u2", "bob")
	lookup, err := s.store.Lookup(s.at(0), "u1")
	s.Require().NoError(err)
	s.NotNil(lookup.Pending)

	// expires_at (T+15m) <= now - 15m at T+30m: removed by any identity's issue.
	s.begin(s.at(30*time.Minute), "u3", "carol")
	lookup, err = s.store.Lookup(s.at(0), "u1")
	s.Require().NoError(err)
	s.Nil(lookup.Pending)
}

func (s *ScenarioSuite) TestConcurrentBeginsIssueOneCode() {
	ctx := s.at(0)
	const n = 8

	var wg sync.WaitGroup
	replies := make([]models.Reply, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			replies[i] = s.begin(ctx, "u1", "alice")
		}()
	}
	wg.Wait()

	issued := 0
	for _, r := range replies {
		s.Equal(models.OutcomeCheckEmail, r.Outcome)
		if r.Reason == models.ReasonIssued {
			issued++
		}
	}
	s.Equal(1, issued)
	s.Equal(1, s.mailer.count())
}

func (s *ScenarioSuite) TestConcurrentConfirmsKeepAliasUnique() {
	ctx := s.at(0)
	chats := []id.ChatID{"u1", "u2", "u3", "u4", "u5", "u6"}
	for _, chatID := range chats {
		s.Require().Equal(models.ReasonIssued, s.begin(ctx, chatID, "carol").Reason)
	}

	var wg sync.WaitGroup
	replies := make([]models.Reply, len(chats))
	for i, chatID := range chats {
		code := s.mailer.code(chatID.String())
		wg.Add(1)
		go func() {
			defer wg.Done()
			replies[i] = s.confirm(ctx, chatID, code)
		}()
	}
	wg.Wait()

	verified := 0
	for _, r := range replies {
		switch r.Outcome {
		case models.OutcomeVerified:
			verified++
		case models.OutcomeInvalidCode:
			s.Equal(models.ReasonConflict, r.Reason)
		default:
			s.Failf("unexpected outcome", "%+v", r)
		}
	}
	s.Equal(1, verified)

	owner, err := s.store.FindByAlias(ctx, "carol")
	s.Require().NoError(err)
	for _, chatID := range chats {
		lookup, err := s.store.Lookup(ctx, chatID)
		s.Require().NoError(err)
		s.Nil(lookup.Pending, "losing codes are dropped")
		if chatID != owner.ChatID {
			s.Nil(lookup.Confirmed)
		}
	}
}

func (s *ScenarioSuite) TestRejoinGrantsVerifiedMembersOnly() {
	ctx := s.at(0)
	s.begin(ctx, "u1", "alice")
	s.Require().Equal(models.Verified(), s.confirm(ctx, "u1", s.mailer.code("u1")))

	granted, err := s.service.Rejoin(ctx, "guild-2", "u1")
	s.Require().NoError(err)
	s.True(granted)

	granted, err = s.service.Rejoin(ctx, "guild-2", "u9")
	s.Require().NoError(err)
	s.False(granted)
	s.Contains(s.notifier.grants, "guild-2/u1")
	s.NotContains(s.notifier.grants, "guild-2/u9")
}

func (s *ScenarioSuite) TestAttemptLimitThrottlesConfirm() {
	svc, err := New(s.store, directory.NewStaticResolver(nil), s.service.issuer, s.notifier, lock.NewKeyedLocker(),
		Config{MailDomain: "uwaterloo.ca", ConfirmLimit: 2, LimitWindow: time.Minute},
		WithLogger(logger.Discard()),
		WithAttemptLimiter(bucket.NewInMemoryBucketStore()),
	)
	s.Require().NoError(err)
	ctx := s.at(0)

	s.Equal(models.ReasonCodeMismatch, svc.Confirm(ctx, ConfirmRequest{ChatID: "u1", Code: "000000"}).Reason)
	s.Equal(models.ReasonCodeMismatch, svc.Confirm(ctx, ConfirmRequest{ChatID: "u1", Code: "000001"}).Reason)
	s.Equal(models.ReasonRateLimited, svc.Confirm(ctx, ConfirmRequest{ChatID: "u1", Code: "000002"}).Reason)
}
