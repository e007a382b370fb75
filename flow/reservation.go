package flow

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/tixforge/tixclient/api"
)

// ReservationFlow drives the reservation lifecycle:
// Idle -> Creating -> Active -> {Completed | Cancelled | Expired}.
// The countdown is advisory client-side timing; the backend remains the
// final arbiter, so before declaring local expiry the flow re-validates the
// reservation with a best-effort server round-trip (a clock-skewed client
// must not discard a still-valid reservation)

type ReservationStep byte

const (
	ReservationIdle ReservationStep = iota
	ReservationCreating
	ReservationActive
	ReservationCompleted
	ReservationCancelled
	ReservationExpired
)

func (s ReservationStep) String() string {
	switch s {
	case ReservationIdle:
		return "idle"
	case ReservationCreating:
		return "creating"
	case ReservationActive:
		return "active"
	case ReservationCompleted:
		return "completed"
	case ReservationCancelled:
		return "cancelled"
	case ReservationExpired:
		return "expired"
	}
	return "unknown"
}

func (s ReservationStep) IsTerminal() bool {
	return s == ReservationCompleted || s == ReservationCancelled || s == ReservationExpired
}

type (
	ReservationObserver func(step ReservationStep, current *api.Reservation)

	ReservationFlow struct {
		Environment
		mutex     sync.Mutex
		step      ReservationStep
		current   *api.Reservation
		err       error
		countdown *clock.Timer
		observers []ReservationObserver
	}
)

func NewReservationFlow(env Environment) *ReservationFlow {
	return &ReservationFlow{
		Environment: env,
		step:        ReservationIdle,
	}
}

func (f *ReservationFlow) Step() ReservationStep {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	return f.step
}

// Current returns a copy of the reservation, nil when none is held
func (f *ReservationFlow) Current() *api.Reservation {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if f.current == nil {
		return nil
	}
	ret := *f.current
	return &ret
}

func (f *ReservationFlow) Err() error {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	return f.err
}

// RemainingSeconds derived from the server-supplied expiry, never stored
func (f *ReservationFlow) RemainingSeconds() int {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if f.current == nil {
		return 0
	}
	remaining := time.UnixMilli(f.current.ExpiresAt).Sub(f.Clock().Now())
	if remaining < 0 {
		return 0
	}
	return int(remaining / time.Second)
}

func (f *ReservationFlow) RegisterObserver(obs ReservationObserver) {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	f.observers = append(f.observers, obs)
}

// Create issues the reservation request. Allowed from Idle or any terminal
// state; rejected while Creating or Active
func (f *ReservationFlow) Create(ctx context.Context, raffleID string, quantity int) (*api.Reservation, error) {
	f.mutex.Lock()
	if f.step == ReservationCreating || f.step == ReservationActive {
		f.mutex.Unlock()
		return nil, api.NewError(api.ErrKindOperationInProgress, "reservation is %s", f.step.String())
	}
	f.setStepLocked(ReservationCreating, nil)
	f.mutex.Unlock()
	f.notify()

	r, err := f.Transport().CreateReservation(ctx, raffleID, quantity)

	f.mutex.Lock()
	if err != nil {
		f.setStepLocked(ReservationIdle, err)
		f.mutex.Unlock()
		f.notify()
		if api.IsKind(err, api.ErrKindSessionExpired) {
			f.OnSessionExpired()
		}
		return nil, err
	}
	f.current = r
	f.setStepLocked(ReservationActive, nil)
	f.armCountdownLocked(r)
	f.mutex.Unlock()
	f.notify()

	f.Log().Infof("[reservation] %s active: %d tickets, %d cents, expires in %ds",
		r.ID, len(r.TicketIDs), r.TotalAmount, f.RemainingSeconds())
	return r, nil
}

// Cancel is idempotent when already terminal
func (f *ReservationFlow) Cancel(ctx context.Context) error {
	f.mutex.Lock()
	if f.step.IsTerminal() {
		f.mutex.Unlock()
		return nil
	}
	if f.step != ReservationActive || f.current == nil {
		f.mutex.Unlock()
		return api.NewError(api.ErrKindValidation, "nothing to cancel: reservation is %s", f.step.String())
	}
	id := f.current.ID
	f.mutex.Unlock()

	_, err := f.Transport().CancelReservation(ctx, id)

	f.mutex.Lock()
	switch {
	case err == nil:
		f.toTerminalLocked(ReservationCancelled, nil)
	case api.IsKind(err, api.ErrKindReservationExpired):
		// already gone on the backend
		f.toTerminalLocked(ReservationExpired, nil)
		err = nil
	default:
		f.err = err
	}
	f.mutex.Unlock()
	f.notify()

	if api.IsKind(err, api.ErrKindSessionExpired) {
		f.OnSessionExpired()
	}
	return err
}

// MarkCompleted transitions Active -> Completed on a verified purchase
// transaction referencing this reservation id
func (f *ReservationFlow) MarkCompleted(tx *api.Transaction) bool {
	f.mutex.Lock()
	if f.step != ReservationActive || f.current == nil || tx == nil || tx.ReservationID != f.current.ID {
		f.mutex.Unlock()
		return false
	}
	f.toTerminalLocked(ReservationCompleted, nil)
	f.mutex.Unlock()
	f.notify()
	return true
}

// Reset returns a terminal flow to Idle so a new reservation can be created
func (f *ReservationFlow) Reset() {
	f.mutex.Lock()
	if !f.step.IsTerminal() && f.step != ReservationIdle {
		f.mutex.Unlock()
		return
	}
	f.setStepLocked(ReservationIdle, nil)
	f.current = nil
	f.mutex.Unlock()
	f.notify()
}

// setStepLocked clears a stale error unless the transition reports one
func (f *ReservationFlow) setStepLocked(step ReservationStep, err error) {
	f.step = step
	f.err = err
}

func (f *ReservationFlow) toTerminalLocked(step ReservationStep, err error) {
	f.setStepLocked(step, err)
	f.current = nil
	if f.countdown != nil {
		f.countdown.Stop()
		f.countdown = nil
	}
}

func (f *ReservationFlow) armCountdownLocked(r *api.Reservation) {
	if f.countdown != nil {
		f.countdown.Stop()
	}
	remaining := time.UnixMilli(r.ExpiresAt).Sub(f.Clock().Now())
	if remaining < 0 {
		remaining = 0
	}
	id := r.ID
	f.countdown = f.Clock().AfterFunc(remaining, func() {
		f.onCountdownExpired(id)
	})
}

// onCountdownExpired re-validates against the backend before discarding the
// reservation. If the backend still reports it pending with a later expiry,
// the countdown is re-armed from the server value
func (f *ReservationFlow) onCountdownExpired(reservationID string) {
	f.mutex.Lock()
	if f.step != ReservationActive || f.current == nil || f.current.ID != reservationID {
		f.mutex.Unlock()
		return
	}
	f.mutex.Unlock()

	r, err := f.Transport().GetReservation(f.Ctx(), reservationID)

	f.mutex.Lock()
	if f.step != ReservationActive || f.current == nil || f.current.ID != reservationID {
		f.mutex.Unlock()
		return
	}
	if err == nil && r.Status == api.ReservationPending &&
		time.UnixMilli(r.ExpiresAt).After(f.Clock().Now()) {
		f.Log().Infof("[reservation] %s still valid on the backend, re-arming countdown", reservationID)
		f.current = r
		f.armCountdownLocked(r)
		f.mutex.Unlock()
		return
	}
	if err == nil && r.Status == api.ReservationCompleted {
		// the purchase settled elsewhere, e.g. in another session
		f.toTerminalLocked(ReservationCompleted, nil)
		f.mutex.Unlock()
		f.notify()

		f.Log().Infof("[reservation] %s was completed on the backend", reservationID)
		return
	}
	f.toTerminalLocked(ReservationExpired, nil)
	f.mutex.Unlock()
	f.notify()

	f.Log().Infof("[reservation] %s expired, local state cleared", reservationID)
}

func (f *ReservationFlow) notify() {
	f.mutex.Lock()
	step := f.step
	var current *api.Reservation
	if f.current != nil {
		cp := *f.current
		current = &cp
	}
	observers := make([]ReservationObserver, len(f.observers))
	copy(observers, f.observers)
	f.mutex.Unlock()

	for _, obs := range observers {
		obs(step, current)
	}
}
