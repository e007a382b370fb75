package flow

import (
	"context"
	"sync"
	"time"

	"github.com/tixforge/tixclient/api"
	"github.com/tixforge/tixclient/balance"
)

// PurchaseFlow drives ReviewOrBalanceCheck -> Processing -> {Confirmation | Error}.
// The transition to Processing is guarded by available balance >= reservation
// total: insufficient balance short-circuits to a balance-specific error
// without contacting the backend. Exactly one purchase call is issued per
// reservation id; a duplicate Proceed while Processing is rejected, not queued

type PurchaseStep byte

const (
	PurchaseReview PurchaseStep = iota
	PurchaseProcessing
	PurchaseConfirmation
	PurchaseError
)

func (s PurchaseStep) String() string {
	switch s {
	case PurchaseReview:
		return "review"
	case PurchaseProcessing:
		return "processing"
	case PurchaseConfirmation:
		return "confirmation"
	case PurchaseError:
		return "error"
	}
	return "unknown"
}

type (
	PurchaseObserver func(step PurchaseStep, tx *api.Transaction, err error)

	PurchaseFlow struct {
		Environment
		mutex        sync.Mutex
		step         PurchaseStep
		reservation  *api.Reservation
		transaction  *api.Transaction
		err          error
		balanceSync  *balance.Synchronizer
		reservations *ReservationFlow
		observers    []PurchaseObserver
	}
)

func NewPurchaseFlow(env Environment, balanceSync *balance.Synchronizer, reservations *ReservationFlow) *PurchaseFlow {
	return &PurchaseFlow{
		Environment:  env,
		step:         PurchaseReview,
		balanceSync:  balanceSync,
		reservations: reservations,
	}
}

func (f *PurchaseFlow) Step() PurchaseStep {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	return f.step
}

func (f *PurchaseFlow) Transaction() *api.Transaction {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if f.transaction == nil {
		return nil
	}
	ret := *f.transaction
	return &ret
}

func (f *PurchaseFlow) Err() error {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	return f.err
}

func (f *PurchaseFlow) IsProcessing() bool {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	return f.step == PurchaseProcessing
}

func (f *PurchaseFlow) RegisterObserver(obs PurchaseObserver) {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	f.observers = append(f.observers, obs)
}

// Begin enters the flow. Requires a valid, non-expired reservation and
// ensures a balance snapshot exists
func (f *PurchaseFlow) Begin(ctx context.Context, r *api.Reservation) error {
	if r == nil {
		return api.NewError(api.ErrKindValidation, "purchase: no reservation")
	}
	if !time.UnixMilli(r.ExpiresAt).After(f.Clock().Now()) {
		return api.NewError(api.ErrKindReservationExpired, "purchase: reservation '%s' is expired", r.ID)
	}
	if _, err := f.balanceSync.Refresh(ctx, false); err != nil {
		return err
	}

	f.mutex.Lock()
	if f.step == PurchaseProcessing {
		f.mutex.Unlock()
		return api.NewError(api.ErrKindOperationInProgress, "purchase of '%s' is processing", f.reservation.ID)
	}
	cp := *r
	f.reservation = &cp
	f.transaction = nil
	f.setStepLocked(PurchaseReview, nil)
	f.mutex.Unlock()
	f.notify()
	return nil
}

func (f *PurchaseFlow) Reservation() *api.Reservation {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if f.reservation == nil {
		return nil
	}
	ret := *f.reservation
	return &ret
}

// Proceed issues the purchase. Duplicate submissions while Processing are
// rejected with ErrKindOperationInProgress
func (f *PurchaseFlow) Proceed(ctx context.Context) (*api.Transaction, error) {
	f.mutex.Lock()
	if f.step == PurchaseProcessing {
		f.mutex.Unlock()
		return nil, api.NewError(api.ErrKindOperationInProgress, "purchase already processing")
	}
	if f.step != PurchaseReview || f.reservation == nil {
		f.mutex.Unlock()
		return nil, api.NewError(api.ErrKindValidation, "purchase: flow is %s", f.step.String())
	}
	r := f.reservation

	if !time.UnixMilli(r.ExpiresAt).After(f.Clock().Now()) {
		err := api.NewError(api.ErrKindReservationExpired, "reservation '%s' expired before purchase", r.ID)
		f.setStepLocked(PurchaseError, err)
		f.mutex.Unlock()
		f.notify()
		return nil, err
	}

	// balance guard: short-circuit without contacting the backend
	snapshot := f.balanceSync.Snapshot()
	if snapshot.Available < r.TotalAmount {
		err := api.NewError(api.ErrKindInsufficientBalance,
			"available %d < required %d", snapshot.Available, r.TotalAmount)
		f.setStepLocked(PurchaseError, err)
		f.mutex.Unlock()
		f.notify()
		return nil, err
	}
	f.setStepLocked(PurchaseProcessing, nil)
	f.mutex.Unlock()
	f.notify()

	tx, newBalance, err := f.Transport().ProcessPurchase(ctx, r.ID)

	f.mutex.Lock()
	if err != nil {
		// the reservation is preserved so a retry can be attempted
		f.setStepLocked(PurchaseError, err)
		f.mutex.Unlock()
		f.notify()
		if api.IsKind(err, api.ErrKindSessionExpired) {
			f.OnSessionExpired()
		}
		return nil, err
	}
	f.transaction = tx
	f.setStepLocked(PurchaseConfirmation, nil)
	f.mutex.Unlock()

	// balance reflects the transaction before any refetch overwrites it
	if newBalance != nil {
		f.balanceSync.ApplyAuthoritative(*newBalance)
	} else {
		f.balanceSync.ApplyDebit(r.TotalAmount)
	}
	f.reservations.MarkCompleted(tx)
	f.balanceSync.RefreshInBackground()
	f.notify()

	f.Log().Infof("[purchase] confirmed tx %s for reservation %s, %d cents", tx.ID, r.ID, tx.Amount)
	return tx, nil
}

// Retry returns from Error to ReviewOrBalanceCheck, keeping the reservation
func (f *PurchaseFlow) Retry() error {
	f.mutex.Lock()
	if f.step != PurchaseError {
		f.mutex.Unlock()
		return api.NewError(api.ErrKindValidation, "purchase: nothing to retry, flow is %s", f.step.String())
	}
	f.setStepLocked(PurchaseReview, nil)
	f.mutex.Unlock()
	f.notify()
	return nil
}

// Reset clears the flow back to the entry step
func (f *PurchaseFlow) Reset() {
	f.mutex.Lock()
	if f.step == PurchaseProcessing {
		f.mutex.Unlock()
		return
	}
	f.reservation = nil
	f.transaction = nil
	f.setStepLocked(PurchaseReview, nil)
	f.mutex.Unlock()
	f.notify()
}

func (f *PurchaseFlow) setStepLocked(step PurchaseStep, err error) {
	f.step = step
	f.err = err
}

func (f *PurchaseFlow) notify() {
	f.mutex.Lock()
	step := f.step
	var tx *api.Transaction
	if f.transaction != nil {
		cp := *f.transaction
		tx = &cp
	}
	err := f.err
	observers := make([]PurchaseObserver, len(f.observers))
	copy(observers, f.observers)
	f.mutex.Unlock()

	for _, obs := range observers {
		obs(step, tx, err)
	}
}
