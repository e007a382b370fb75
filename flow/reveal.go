package flow

import (
	"context"
	"sync"

	"github.com/tixforge/tixclient/api"
	"github.com/tixforge/tixclient/scheduler"
	"github.com/tixforge/tixclient/util/set"
)

// RevealFlow models each ticket as
// Sold -> Revealed -> (instant win: Discovered -> Claimed | NotEligible).
// All side effects go through the operation scheduler, which provides
// per-ticket exclusivity, priority, retries and the concurrency cap

type TicketStage byte

const (
	StageSold TicketStage = iota
	StageRevealing
	StageRevealed
	StageDiscovering
	StageDiscovered
	StageClaiming
	StageClaimed
	StageNotEligible
	StageFailed
)

func (s TicketStage) String() string {
	switch s {
	case StageSold:
		return "sold"
	case StageRevealing:
		return "revealing"
	case StageRevealed:
		return "revealed"
	case StageDiscovering:
		return "discovering"
	case StageDiscovered:
		return "discovered"
	case StageClaiming:
		return "claiming"
	case StageClaimed:
		return "claimed"
	case StageNotEligible:
		return "not eligible"
	case StageFailed:
		return "failed"
	}
	return "unknown"
}

func (s TicketStage) IsTerminal() bool {
	return s == StageClaimed || s == StageNotEligible || s == StageFailed
}

type (
	TicketState struct {
		TicketID string
		Stage    TicketStage
		Ticket   *api.Ticket
		Prize    *api.Prize
		Err      error
	}

	TicketObserver func(state TicketState)

	RevealFlow struct {
		Environment
		mutex     sync.Mutex
		sched     *scheduler.Scheduler
		tickets   map[string]*TicketState
		observers []TicketObserver
	}

	// BatchResult aggregates a batch reveal. It completes only when every
	// member ticket id has individually reached a terminal outcome; partial
	// failures are reported per id, not as an all-or-nothing batch failure
	BatchResult struct {
		mutex   sync.Mutex
		pending int
		errs    map[string]error
		done    chan struct{}
	}
)

func NewRevealFlow(env Environment, sched *scheduler.Scheduler) *RevealFlow {
	ret := &RevealFlow{
		Environment: env,
		sched:       sched,
		tickets:     make(map[string]*TicketState),
	}
	sched.RegisterExecutor(scheduler.KindReveal, ret.executeReveal).
		RegisterExecutor(scheduler.KindDiscover, ret.executeDiscover).
		RegisterExecutor(scheduler.KindClaim, ret.executeClaim)
	return ret
}

func (f *RevealFlow) executeReveal(ctx context.Context, op *scheduler.QueuedOperation) (any, error) {
	return f.Transport().RevealTickets(ctx, op.Payload.([]string))
}

func (f *RevealFlow) executeDiscover(ctx context.Context, op *scheduler.QueuedOperation) (any, error) {
	return f.Transport().DiscoverPrize(ctx, op.Payload.(string))
}

func (f *RevealFlow) executeClaim(ctx context.Context, op *scheduler.QueuedOperation) (any, error) {
	payload := op.Payload.([2]string)
	return f.Transport().ClaimPrize(ctx, payload[0], payload[1])
}

// Track registers purchased tickets with the flow. Known tickets keep their
// current stage
func (f *RevealFlow) Track(tickets []api.Ticket) {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	for i := range tickets {
		t := tickets[i]
		if _, ok := f.tickets[t.ID]; ok {
			continue
		}
		f.tickets[t.ID] = &TicketState{
			TicketID: t.ID,
			Stage:    stageFromStatus(t.Status),
			Ticket:   &t,
		}
	}
}

func stageFromStatus(status string) TicketStage {
	switch status {
	case api.TicketRevealed:
		return StageRevealed
	case api.TicketDiscovered:
		return StageDiscovered
	case api.TicketClaimed:
		return StageClaimed
	}
	return StageSold
}

// State returns a copy of the per-ticket state
func (f *RevealFlow) State(ticketID string) (TicketState, bool) {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	st, ok := f.tickets[ticketID]
	if !ok {
		return TicketState{}, false
	}
	return *st, true
}

func (f *RevealFlow) RegisterObserver(obs TicketObserver) {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	f.observers = append(f.observers, obs)
}

// RevealBatch reveals the tickets. With parallel set, each ticket travels
// through the scheduler as its own operation; otherwise a single reveal-many
// operation carries the whole batch
func (f *RevealFlow) RevealBatch(ticketIDs []string, parallel bool, priority int) (*BatchResult, error) {
	if len(ticketIDs) == 0 {
		return nil, api.NewError(api.ErrKindValidation, "reveal: empty batch")
	}
	// outcomes are per ticket id, so a repeated id is one batch member
	ticketIDs = dedupTicketIDs(ticketIDs)
	if !parallel {
		return f.revealMany(ticketIDs, priority)
	}

	batch := newBatchResult(len(ticketIDs))
	for _, tid := range ticketIDs {
		tid := tid
		if err := f.markStage(tid, StageRevealing, nil); err != nil {
			batch.settle(tid, err)
			continue
		}
		res, err := f.sched.Enqueue(scheduler.KindReveal, "reveal:"+tid, []string{tid}, priority)
		if err != nil {
			f.markStage(tid, StageSold, nil)
			batch.settle(tid, err)
			continue
		}
		go func() {
			value, err := res.Wait(f.Ctx())
			f.applyRevealResult(tid, value, err)
			batch.settle(tid, err)
		}()
	}
	return batch, nil
}

func dedupTicketIDs(ticketIDs []string) []string {
	seen := set.New[string]()
	ret := make([]string, 0, len(ticketIDs))
	for _, tid := range ticketIDs {
		if seen.Contains(tid) {
			continue
		}
		seen.Insert(tid)
		ret = append(ret, tid)
	}
	return ret
}

func (f *RevealFlow) revealMany(ticketIDs []string, priority int) (*BatchResult, error) {
	batch := newBatchResult(len(ticketIDs))
	for i, tid := range ticketIDs {
		if err := f.markStage(tid, StageRevealing, nil); err != nil {
			// put the already-marked members back, as on the enqueue error below
			for _, prev := range ticketIDs[:i] {
				_ = f.markStage(prev, StageSold, nil)
			}
			return nil, err
		}
	}
	res, err := f.sched.Enqueue(scheduler.KindReveal, "reveal:"+ticketIDs[0], ticketIDs, priority)
	if err != nil {
		for _, tid := range ticketIDs {
			f.markStage(tid, StageSold, nil)
		}
		return nil, err
	}
	go func() {
		value, err := res.Wait(f.Ctx())
		for _, tid := range ticketIDs {
			f.applyRevealResult(tid, value, err)
			batch.settle(tid, err)
		}
	}()
	return batch, nil
}

func (f *RevealFlow) applyRevealResult(ticketID string, value any, err error) {
	if err != nil {
		if api.IsKind(err, api.ErrKindSessionExpired) {
			f.OnSessionExpired()
		}
		_ = f.setFailed(ticketID, err)
		return
	}
	tickets, ok := value.([]api.Ticket)
	if !ok {
		_ = f.setFailed(ticketID, api.NewError(api.ErrKindInvalidResponse, "reveal: unexpected result type %T", value))
		return
	}
	for i := range tickets {
		if tickets[i].ID != ticketID {
			continue
		}
		f.applyRevealedTicket(tickets[i])
		return
	}
	_ = f.setFailed(ticketID, api.NewError(api.ErrKindInvalidResponse, "reveal: ticket '%s' missing in response", ticketID))
}

func (f *RevealFlow) applyRevealedTicket(t api.Ticket) {
	f.mutex.Lock()
	st, ok := f.tickets[t.ID]
	if !ok {
		st = &TicketState{TicketID: t.ID}
		f.tickets[t.ID] = st
	}
	cp := t
	st.Ticket = &cp
	st.Err = nil
	if t.InstantWin {
		st.Stage = StageRevealed
	} else {
		// no instant win: the sequence is terminal
		st.Stage = StageNotEligible
	}
	state := *st
	f.mutex.Unlock()
	f.notify(state)
}

// Discover requests the prize behind a revealed instant-win ticket
func (f *RevealFlow) Discover(ticketID string, priority int) (*scheduler.Result, error) {
	f.mutex.Lock()
	st, ok := f.tickets[ticketID]
	if !ok || st.Stage != StageRevealed {
		stage := StageSold
		if ok {
			stage = st.Stage
		}
		f.mutex.Unlock()
		return nil, api.NewError(api.ErrKindValidation, "discover: ticket '%s' is %s", ticketID, stage.String())
	}
	st.Stage = StageDiscovering
	st.Err = nil
	f.mutex.Unlock()

	res, err := f.sched.Enqueue(scheduler.KindDiscover, "discover:"+ticketID, ticketID, priority)
	if err != nil {
		_ = f.markStage(ticketID, StageRevealed, nil)
		return nil, err
	}
	go func() {
		value, err := res.Wait(f.Ctx())
		if err != nil {
			if api.IsKind(err, api.ErrKindSessionExpired) {
				f.OnSessionExpired()
			}
			_ = f.setFailed(ticketID, err)
			return
		}
		prize, ok := value.(*api.Prize)
		if !ok {
			_ = f.setFailed(ticketID, api.NewError(api.ErrKindInvalidResponse, "discover: unexpected result type %T", value))
			return
		}
		f.mutex.Lock()
		st := f.tickets[ticketID]
		st.Prize = prize
		st.Stage = StageDiscovered
		st.Err = nil
		state := *st
		f.mutex.Unlock()
		f.notify(state)
	}()
	return res, nil
}

// Claim claims the discovered prize
func (f *RevealFlow) Claim(ticketID string, priority int) (*scheduler.Result, error) {
	f.mutex.Lock()
	st, ok := f.tickets[ticketID]
	if !ok || st.Stage != StageDiscovered || st.Prize == nil {
		stage := StageSold
		if ok {
			stage = st.Stage
		}
		f.mutex.Unlock()
		return nil, api.NewError(api.ErrKindValidation, "claim: ticket '%s' is %s", ticketID, stage.String())
	}
	prizeID := st.Prize.ID
	st.Stage = StageClaiming
	st.Err = nil
	f.mutex.Unlock()

	res, err := f.sched.Enqueue(scheduler.KindClaim, "claim:"+ticketID, [2]string{ticketID, prizeID}, priority)
	if err != nil {
		_ = f.markStage(ticketID, StageDiscovered, nil)
		return nil, err
	}
	go func() {
		value, err := res.Wait(f.Ctx())
		if err != nil {
			if api.IsKind(err, api.ErrKindSessionExpired) {
				f.OnSessionExpired()
			}
			_ = f.setFailed(ticketID, err)
			return
		}
		ticket, ok := value.(*api.Ticket)
		if !ok {
			_ = f.setFailed(ticketID, api.NewError(api.ErrKindInvalidResponse, "claim: unexpected result type %T", value))
			return
		}
		f.mutex.Lock()
		st := f.tickets[ticketID]
		st.Ticket = ticket
		st.Stage = StageClaimed
		st.Err = nil
		state := *st
		f.mutex.Unlock()
		f.notify(state)
	}()
	return res, nil
}

func (f *RevealFlow) markStage(ticketID string, stage TicketStage, err error) error {
	f.mutex.Lock()
	st, ok := f.tickets[ticketID]
	if !ok {
		st = &TicketState{TicketID: ticketID, Stage: StageSold}
		f.tickets[ticketID] = st
	}
	if stage == StageRevealing && st.Stage != StageSold && st.Stage != StageFailed {
		f.mutex.Unlock()
		return api.NewError(api.ErrKindValidation, "reveal: ticket '%s' is %s", ticketID, st.Stage.String())
	}
	st.Stage = stage
	st.Err = err
	state := *st
	f.mutex.Unlock()
	f.notify(state)
	return nil
}

func (f *RevealFlow) setFailed(ticketID string, err error) error {
	f.mutex.Lock()
	st, ok := f.tickets[ticketID]
	if !ok {
		f.mutex.Unlock()
		return nil
	}
	st.Stage = StageFailed
	st.Err = err
	state := *st
	f.mutex.Unlock()
	f.notify(state)
	return err
}

func (f *RevealFlow) notify(state TicketState) {
	f.mutex.Lock()
	observers := make([]TicketObserver, len(f.observers))
	copy(observers, f.observers)
	f.mutex.Unlock()

	for _, obs := range observers {
		obs(state)
	}
}

func newBatchResult(pending int) *BatchResult {
	return &BatchResult{
		pending: pending,
		errs:    make(map[string]error),
		done:    make(chan struct{}),
	}
}

func (b *BatchResult) settle(ticketID string, err error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if _, ok := b.errs[ticketID]; ok {
		return
	}
	b.errs[ticketID] = err
	b.pending--
	if b.pending == 0 {
		close(b.done)
	}
}

// Done closes only when every member ticket reached a terminal outcome
func (b *BatchResult) Done() <-chan struct{} {
	return b.done
}

// Wait returns the per-ticket outcomes: nil for success, the terminal error
// otherwise
func (b *BatchResult) Wait(ctx context.Context) (map[string]error, error) {
	select {
	case <-b.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	b.mutex.Lock()
	defer b.mutex.Unlock()

	ret := make(map[string]error, len(b.errs))
	for k, v := range b.errs {
		ret[k] = v
	}
	return ret, nil
}
