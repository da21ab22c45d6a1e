package clearing

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"github.com/voltgrid/clearing-engine/internal/config"
	"github.com/voltgrid/clearing-engine/internal/domain"
	"github.com/voltgrid/clearing-engine/internal/ports"
	"github.com/voltgrid/clearing-engine/pkg/observability"
	ctesting "github.com/voltgrid/clearing-engine/pkg/testing"
)

// manualClock lets a test drive the epoch state machine deterministically
// instead of racing the real wall clock (spec.md §4.5 decisions all read
// through ports.Clock for exactly this reason).
type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock(start time.Time) *manualClock { return &manualClock{now: start} }

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeAuth struct {
	users map[string]uuid.UUID
}

func newFakeAuth() *fakeAuth { return &fakeAuth{users: make(map[string]uuid.UUID)} }

func (a *fakeAuth) token(name string) string {
	id, ok := a.users[name]
	if !ok {
		id = uuid.New()
		a.users[name] = id
	}
	return name
}

func (a *fakeAuth) Authenticate(ctx context.Context, token string) (uuid.UUID, error) {
	id, ok := a.users[token]
	if !ok {
		return uuid.Nil, domain.ErrInvalidInput
	}
	return id, nil
}

type noopEvents struct{}

func (noopEvents) PublishBookUpdate(ctx context.Context, epochID uuid.UUID, snapshot interface{})  {}
func (noopEvents) PublishEpochTransition(ctx context.Context, epoch *domain.Epoch)                 {}
func (noopEvents) PublishMatch(ctx context.Context, match *domain.Match, epochNumber int64)         {}
func (noopEvents) PublishOrderFilled(ctx context.Context, order *domain.Order)                      {}

var _ ports.EventPublisher = noopEvents{}
var _ ports.AuthenticatedUser = (*fakeAuth)(nil)
var _ ports.Clock = (*manualClock)(nil)

// ServiceSuite exercises the clearing engine end to end against real
// Postgres/Redis containers, following spec.md §8's scenario format.
type ServiceSuite struct {
	ctesting.TestSuite
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) newService(clock *manualClock, auth *fakeAuth) *Service {
	cfg := config.EngineConfig{
		EpochDuration:           15 * time.Minute,
		TransitionCheckInterval: time.Second,
		MatchingInterval:        time.Second,
		MaxOrdersPerEpoch:       1000,
		PlatformFeeRate:         "0.01",
		BookSnapshotDepth:       10,
		SnapshotWriteTimeout:    500 * time.Millisecond,
	}
	metrics, err := observability.NewMetricsProvider(observability.MetricsConfig{Enabled: false})
	s.Require().NoError(err)

	svc, err := New(cfg, s.Store, clock, auth, noopEvents{}, ports.NewLoggingDispatcher(s.Logger), s.Logger, metrics, nil)
	s.Require().NoError(err)
	return svc
}

// TestFullPriceMatch covers spec.md §8 scenario A: a crossing buy/sell pair
// of equal size, fully matched at the resting sell's price.
func (s *ServiceSuite) TestFullPriceMatch() {
	ctx := context.Background()
	start := domain.EpochStartFor(time.Now().UTC(), 15*time.Minute)
	clock := newManualClock(start)
	auth := newFakeAuth()
	auth.token("buyer")
	auth.token("seller")

	svc := s.newService(clock, auth)
	s.Require().NoError(svc.Recover(ctx))
	s.Require().Equal(domain.EpochStatusActive, svc.current.Status)

	sellID, _, err := svc.SubmitOrder(ctx, "seller", domain.SideSell, amt(s.T(), "0.20"), amt(s.T(), "10"))
	s.Require().NoError(err)
	buyID, _, err := svc.SubmitOrder(ctx, "buyer", domain.SideBuy, amt(s.T(), "0.25"), amt(s.T(), "10"))
	s.Require().NoError(err)
	s.Require().NotEqual(uuid.Nil, sellID)
	s.Require().NotEqual(uuid.Nil, buyID)

	svc.runMatchingPass(ctx)
	s.Assert().Equal(0, svc.book.Len(), "fully matched orders leave the book")

	matched, err := s.Store.GetOrder(ctx, buyID)
	s.Require().NoError(err)
	s.Assert().Equal(domain.OrderStatusFilled, matched.Status)
}

// TestEpochClearingAggregatesSettlement clears an epoch holding a partially
// filled resting order and checks the aggregated settlement.
func (s *ServiceSuite) TestEpochClearingAggregatesSettlement() {
	ctx := context.Background()
	start := domain.EpochStartFor(time.Now().UTC(), 15*time.Minute)
	clock := newManualClock(start)
	auth := newFakeAuth()
	auth.token("buyer")
	auth.token("seller")

	svc := s.newService(clock, auth)
	s.Require().NoError(svc.Recover(ctx))

	_, _, err := svc.SubmitOrder(ctx, "seller", domain.SideSell, amt(s.T(), "0.20"), amt(s.T(), "10"))
	s.Require().NoError(err)
	_, _, err = svc.SubmitOrder(ctx, "buyer", domain.SideBuy, amt(s.T(), "0.22"), amt(s.T(), "4"))
	s.Require().NoError(err)

	clock.Advance(15 * time.Minute)
	s.Require().NoError(svc.clearLocked(ctx, svc.current, clock.Now()))

	epoch, err := s.Store.GetEpoch(ctx, svc.current.ID)
	s.Require().NoError(err)
	s.Assert().Equal(domain.EpochStatusSettled, epoch.Status, "LoggingDispatcher always acknowledges")
	s.Require().NotNil(epoch.ClearingPrice)
	s.Assert().True(epoch.ClearingPrice.Equal(amt(s.T(), "0.20")))
	s.Assert().True(epoch.TotalVolume.Equal(amt(s.T(), "4")))

	settlements, err := s.Store.ListSettlementsForEpoch(ctx, svc.current.ID)
	s.Require().NoError(err)
	s.Require().Len(settlements, 1)
	s.Assert().Equal(domain.SettlementStatusProcessed, settlements[0].Status)
}

// TestCancelOrder_AllowedWhilePartialAndEpochActive covers the resolved
// Open Question: cancellation is permitted for partial orders too.
func (s *ServiceSuite) TestCancelOrder_AllowedWhilePartialAndEpochActive() {
	ctx := context.Background()
	start := domain.EpochStartFor(time.Now().UTC(), 15*time.Minute)
	clock := newManualClock(start)
	auth := newFakeAuth()
	auth.token("buyer")
	auth.token("seller")

	svc := s.newService(clock, auth)
	s.Require().NoError(svc.Recover(ctx))

	sellID, _, err := svc.SubmitOrder(ctx, "seller", domain.SideSell, amt(s.T(), "0.20"), amt(s.T(), "10"))
	s.Require().NoError(err)
	_, _, err = svc.SubmitOrder(ctx, "buyer", domain.SideBuy, amt(s.T(), "0.20"), amt(s.T(), "3"))
	s.Require().NoError(err)

	svc.runMatchingPass(ctx)
	partial, err := s.Store.GetOrder(ctx, sellID)
	s.Require().NoError(err)
	s.Require().Equal(domain.OrderStatusPartial, partial.Status)

	s.Require().NoError(svc.CancelOrder(ctx, "seller", sellID))
	cancelled, err := s.Store.GetOrder(ctx, sellID)
	s.Require().NoError(err)
	s.Assert().Equal(domain.OrderStatusCancelled, cancelled.Status)
}

// TestEpochClearing_NoCross_OrdersExpireNoSettlement covers scenario C/F:
// unmatched resting orders expire at epoch close and produce no
// settlements or clearing price.
func (s *ServiceSuite) TestEpochClearing_NoCross_OrdersExpireNoSettlement() {
	ctx := context.Background()
	start := domain.EpochStartFor(time.Now().UTC(), 15*time.Minute)
	clock := newManualClock(start)
	auth := newFakeAuth()
	auth.token("buyer")
	auth.token("seller")

	svc := s.newService(clock, auth)
	s.Require().NoError(svc.Recover(ctx))

	buyID, _, err := svc.SubmitOrder(ctx, "buyer", domain.SideBuy, amt(s.T(), "0.20"), amt(s.T(), "25"))
	s.Require().NoError(err)
	sellID, _, err := svc.SubmitOrder(ctx, "seller", domain.SideSell, amt(s.T(), "0.35"), amt(s.T(), "25"))
	s.Require().NoError(err)

	svc.runMatchingPass(ctx)
	s.Assert().Equal(2, svc.book.Len(), "non-crossing orders remain resting until epoch close")

	clock.Advance(15 * time.Minute)
	s.Require().NoError(svc.clearLocked(ctx, svc.current, clock.Now()))

	epoch, err := s.Store.GetEpoch(ctx, svc.current.ID)
	s.Require().NoError(err)
	s.Assert().Nil(epoch.ClearingPrice, "no matches means no clearing price")
	s.Assert().True(epoch.TotalVolume.IsZero())

	buy, err := s.Store.GetOrder(ctx, buyID)
	s.Require().NoError(err)
	s.Assert().Equal(domain.OrderStatusExpired, buy.Status)
	sell, err := s.Store.GetOrder(ctx, sellID)
	s.Require().NoError(err)
	s.Assert().Equal(domain.OrderStatusExpired, sell.Status)

	settlements, err := s.Store.ListSettlementsForEpoch(ctx, svc.current.ID)
	s.Require().NoError(err)
	s.Assert().Empty(settlements)
}

// TestRecover_RehydratesRestingOrderAndStillMatches covers scenario E: a
// resting order persisted before a simulated restart is reloaded into the
// book by Recover, at the head of its price level, and still matchable.
func (s *ServiceSuite) TestRecover_RehydratesRestingOrderAndStillMatches() {
	ctx := context.Background()
	start := domain.EpochStartFor(time.Now().UTC(), 15*time.Minute)
	clock := newManualClock(start)
	auth := newFakeAuth()
	auth.token("buyer")
	auth.token("seller")

	svc := s.newService(clock, auth)
	s.Require().NoError(svc.Recover(ctx))

	sellID, _, err := svc.SubmitOrder(ctx, "seller", domain.SideSell, amt(s.T(), "0.25"), amt(s.T(), "10"))
	s.Require().NoError(err)

	// Simulate a process restart: a fresh Service, same clock and store,
	// with no in-memory book of its own until Recover rehydrates one.
	restarted := s.newService(clock, auth)
	s.Require().NoError(restarted.Recover(ctx))

	ask, ok := restarted.book.BestAsk()
	s.Require().True(ok, "resting sell must survive recovery")
	s.Assert().Equal(sellID, ask.ID, "recovered order must be at the head of asks")

	buyID, _, err := restarted.SubmitOrder(ctx, "buyer", domain.SideBuy, amt(s.T(), "0.25"), amt(s.T(), "10"))
	s.Require().NoError(err)
	restarted.runMatchingPass(ctx)

	matched, err := s.Store.GetOrder(ctx, buyID)
	s.Require().NoError(err)
	s.Assert().Equal(domain.OrderStatusFilled, matched.Status)
}

func amt(t *testing.T, v string) domain.Amount {
	t.Helper()
	a, err := domain.NewAmountFromString(v)
	if err != nil {
		t.Fatalf("invalid amount %q: %v", v, err)
	}
	return a
}
