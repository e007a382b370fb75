package api

import "context"

const (
	PrefixAPIV1 = "/api/v1"

	PathCreateReservation = PrefixAPIV1 + "/create_reservation"
	PathGetReservation    = PrefixAPIV1 + "/get_reservation"
	PathCancelReservation = PrefixAPIV1 + "/cancel_reservation"
	PathGetBalance        = PrefixAPIV1 + "/get_balance"
	PathProcessPurchase   = PrefixAPIV1 + "/process_purchase"
	PathRevealTickets     = PrefixAPIV1 + "/reveal_tickets"
	PathDiscoverPrize     = PrefixAPIV1 + "/discover_prize"
	PathClaimPrize        = PrefixAPIV1 + "/claim_prize"
)

// reservation status values as reported by the backend
const (
	ReservationPending   = "pending"
	ReservationCompleted = "completed"
	ReservationExpired   = "expired"
	ReservationCancelled = "cancelled"
)

// ticket status values
const (
	TicketSold       = "sold"
	TicketRevealed   = "revealed"
	TicketDiscovered = "discovered"
	TicketClaimed    = "claimed"
)

type (
	Error struct {
		// empty string when no error
		Error string `json:"error,omitempty"`
		// machine-readable error code, see errors.go
		Code string `json:"code,omitempty"`
	}

	// Reservation is a time-bounded hold on tickets pending payment.
	// Amounts are integer cents, timestamps unix milliseconds
	Reservation struct {
		ID          string   `json:"id"`
		RaffleID    string   `json:"raffle_id"`
		TicketIDs   []string `json:"ticket_ids"`
		TotalAmount uint64   `json:"total_amount"`
		ExpiresAt   int64    `json:"expires_at"`
		Status      string   `json:"status"`
	}

	Balance struct {
		Available uint64 `json:"available"`
		Pending   uint64 `json:"pending"`
	}

	Transaction struct {
		ID            string `json:"id"`
		ReservationID string `json:"reservation_id"`
		Amount        uint64 `json:"amount"`
		CreatedAt     int64  `json:"created_at"`
	}

	Ticket struct {
		ID         string `json:"id"`
		RaffleID   string `json:"raffle_id"`
		Status     string `json:"status"`
		InstantWin bool   `json:"instant_win"`
		PrizeID    string `json:"prize_id,omitempty"`
	}

	Prize struct {
		ID       string `json:"id"`
		TicketID string `json:"ticket_id"`
		Kind     string `json:"kind"`
		Amount   uint64 `json:"amount"`
	}

	// ReservationRet is returned by 'create_reservation', 'get_reservation' and 'cancel_reservation'
	ReservationRet struct {
		Error
		Reservation *Reservation `json:"reservation,omitempty"`
	}

	BalanceRet struct {
		Error
		Balance *Balance `json:"balance,omitempty"`
	}

	// PurchaseRet is returned by 'process_purchase'. NewBalance reflects the
	// authoritative balance after the transaction settled
	PurchaseRet struct {
		Error
		Transaction *Transaction `json:"transaction,omitempty"`
		NewBalance  *Balance     `json:"new_balance,omitempty"`
	}

	RevealRet struct {
		Error
		Tickets []Ticket `json:"tickets,omitempty"`
	}

	DiscoverRet struct {
		Error
		Prize *Prize `json:"prize,omitempty"`
	}

	ClaimRet struct {
		Error
		Ticket *Ticket `json:"ticket,omitempty"`
	}
)

// Transport is the request/response backend contract. Implementations must
// not retry on their own: retry policy belongs to the operation scheduler
type Transport interface {
	CreateReservation(ctx context.Context, raffleID string, quantity int) (*Reservation, error)
	GetReservation(ctx context.Context, reservationID string) (*Reservation, error)
	CancelReservation(ctx context.Context, reservationID string) (*Reservation, error)
	GetBalance(ctx context.Context) (*Balance, error)
	ProcessPurchase(ctx context.Context, reservationID string) (*Transaction, *Balance, error)
	RevealTickets(ctx context.Context, ticketIDs []string) ([]Ticket, error)
	DiscoverPrize(ctx context.Context, ticketID string) (*Prize, error)
	ClaimPrize(ctx context.Context, ticketID, prizeID string) (*Ticket, error)
}
