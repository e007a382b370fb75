package testutil

import (
	"context"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/tixforge/tixclient/api"
	"github.com/tixforge/tixclient/global"
	"github.com/tixforge/tixclient/session"
	"github.com/tixforge/tixclient/storage"
	"go.uber.org/atomic"
)

// ClientEnv is the component environment used in tests: a Global over a
// mock clock, a mock transport and an in-memory session store
type ClientEnv struct {
	*global.Global
	ClockMock      *clock.Mock
	Transp         *MockTransport
	SessionStore   *session.Store
	SessionExpired atomic.Bool
}

func NewClientEnv() *ClientEnv {
	ret := &ClientEnv{
		ClockMock: clock.NewMock(),
		Transp:    NewMockTransport(),
	}
	ret.Global = global.NewWithClock(ret.ClockMock)
	ret.SessionStore = session.NewStore(ret, storage.NewInMemoryKVStore())
	return ret
}

// NewClientEnvRealClock is used where the test relies on real timers
// instead of simulated time. ClockMock is nil
func NewClientEnvRealClock() *ClientEnv {
	ret := &ClientEnv{
		Transp: NewMockTransport(),
	}
	ret.Global = global.New()
	ret.SessionStore = session.NewStore(ret, storage.NewInMemoryKVStore())
	return ret
}

func (e *ClientEnv) Transport() api.Transport {
	return e.Transp
}

func (e *ClientEnv) Session() *session.Store {
	return e.SessionStore
}

func (e *ClientEnv) OnSessionExpired() {
	e.SessionExpired.Store(true)
	e.SessionStore.ClearCredentials()
}

// MockTransport implements api.Transport with overridable functions and
// per-endpoint call counting
type MockTransport struct {
	mutex sync.Mutex
	calls map[string]int

	CreateReservationFn func(ctx context.Context, raffleID string, quantity int) (*api.Reservation, error)
	GetReservationFn    func(ctx context.Context, reservationID string) (*api.Reservation, error)
	CancelReservationFn func(ctx context.Context, reservationID string) (*api.Reservation, error)
	GetBalanceFn        func(ctx context.Context) (*api.Balance, error)
	ProcessPurchaseFn   func(ctx context.Context, reservationID string) (*api.Transaction, *api.Balance, error)
	RevealTicketsFn     func(ctx context.Context, ticketIDs []string) ([]api.Ticket, error)
	DiscoverPrizeFn     func(ctx context.Context, ticketID string) (*api.Prize, error)
	ClaimPrizeFn        func(ctx context.Context, ticketID, prizeID string) (*api.Ticket, error)
}

func NewMockTransport() *MockTransport {
	return &MockTransport{
		calls: make(map[string]int),
	}
}

func (m *MockTransport) count(endpoint string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.calls[endpoint]++
}

func (m *MockTransport) NumCalls(endpoint string) int {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	return m.calls[endpoint]
}

func errNotImplemented(endpoint string) error {
	return api.NewError(api.ErrKindValidation, "mock transport: '%s' not implemented", endpoint)
}

func (m *MockTransport) CreateReservation(ctx context.Context, raffleID string, quantity int) (*api.Reservation, error) {
	m.count("create_reservation")
	if m.CreateReservationFn == nil {
		return nil, errNotImplemented("create_reservation")
	}
	return m.CreateReservationFn(ctx, raffleID, quantity)
}

func (m *MockTransport) GetReservation(ctx context.Context, reservationID string) (*api.Reservation, error) {
	m.count("get_reservation")
	if m.GetReservationFn == nil {
		return nil, errNotImplemented("get_reservation")
	}
	return m.GetReservationFn(ctx, reservationID)
}

func (m *MockTransport) CancelReservation(ctx context.Context, reservationID string) (*api.Reservation, error) {
	m.count("cancel_reservation")
	if m.CancelReservationFn == nil {
		return nil, errNotImplemented("cancel_reservation")
	}
	return m.CancelReservationFn(ctx, reservationID)
}

func (m *MockTransport) GetBalance(ctx context.Context) (*api.Balance, error) {
	m.count("get_balance")
	if m.GetBalanceFn == nil {
		return nil, errNotImplemented("get_balance")
	}
	return m.GetBalanceFn(ctx)
}

func (m *MockTransport) ProcessPurchase(ctx context.Context, reservationID string) (*api.Transaction, *api.Balance, error) {
	m.count("process_purchase")
	if m.ProcessPurchaseFn == nil {
		return nil, nil, errNotImplemented("process_purchase")
	}
	return m.ProcessPurchaseFn(ctx, reservationID)
}

func (m *MockTransport) RevealTickets(ctx context.Context, ticketIDs []string) ([]api.Ticket, error) {
	m.count("reveal_tickets")
	if m.RevealTicketsFn == nil {
		return nil, errNotImplemented("reveal_tickets")
	}
	return m.RevealTicketsFn(ctx, ticketIDs)
}

func (m *MockTransport) DiscoverPrize(ctx context.Context, ticketID string) (*api.Prize, error) {
	m.count("discover_prize")
	if m.DiscoverPrizeFn == nil {
		return nil, errNotImplemented("discover_prize")
	}
	return m.DiscoverPrizeFn(ctx, ticketID)
}

func (m *MockTransport) ClaimPrize(ctx context.Context, ticketID, prizeID string) (*api.Ticket, error) {
	m.count("claim_prize")
	if m.ClaimPrizeFn == nil {
		return nil, errNotImplemented("claim_prize")
	}
	return m.ClaimPrizeFn(ctx, ticketID, prizeID)
}
