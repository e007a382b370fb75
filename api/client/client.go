package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tixforge/tixclient/api"
)

const apiDefaultClientTimeout = 7 * time.Second

// APIClient implements api.Transport over plain HTTP. It never retries:
// retry policy belongs to the operation scheduler
type APIClient struct {
	c         http.Client
	prefix    string
	authToken string
}

func New(serverURL string, timeout ...time.Duration) *APIClient {
	var to time.Duration
	if len(timeout) > 0 {
		to = timeout[0]
	} else {
		to = apiDefaultClientTimeout
	}
	return &APIClient{
		c:      http.Client{Timeout: to},
		prefix: serverURL,
	}
}

func (c *APIClient) WithAuthToken(token string) *APIClient {
	c.authToken = token
	return c
}

func (c *APIClient) CreateReservation(ctx context.Context, raffleID string, quantity int) (*api.Reservation, error) {
	req := struct {
		RaffleID string `json:"raffle_id"`
		Quantity int    `json:"quantity"`
	}{RaffleID: raffleID, Quantity: quantity}

	var res api.ReservationRet
	if err := c.post(ctx, api.PathCreateReservation, req, &res); err != nil {
		return nil, err
	}
	if res.Reservation == nil {
		return nil, api.NewError(api.ErrKindInvalidResponse, "create_reservation: empty reservation in response")
	}
	return res.Reservation, nil
}

func (c *APIClient) GetReservation(ctx context.Context, reservationID string) (*api.Reservation, error) {
	path := fmt.Sprintf(api.PathGetReservation+"?id=%s", reservationID)

	var res api.ReservationRet
	if err := c.get(ctx, path, &res); err != nil {
		return nil, err
	}
	if res.Reservation == nil {
		return nil, api.NewError(api.ErrKindInvalidResponse, "get_reservation: empty reservation in response")
	}
	return res.Reservation, nil
}

func (c *APIClient) CancelReservation(ctx context.Context, reservationID string) (*api.Reservation, error) {
	req := struct {
		ID string `json:"id"`
	}{ID: reservationID}

	var res api.ReservationRet
	if err := c.post(ctx, api.PathCancelReservation, req, &res); err != nil {
		return nil, err
	}
	return res.Reservation, nil
}

func (c *APIClient) GetBalance(ctx context.Context) (*api.Balance, error) {
	var res api.BalanceRet
	if err := c.get(ctx, api.PathGetBalance, &res); err != nil {
		return nil, err
	}
	if res.Balance == nil {
		return nil, api.NewError(api.ErrKindInvalidResponse, "get_balance: empty balance in response")
	}
	return res.Balance, nil
}

func (c *APIClient) ProcessPurchase(ctx context.Context, reservationID string) (*api.Transaction, *api.Balance, error) {
	req := struct {
		ReservationID string `json:"reservation_id"`
	}{ReservationID: reservationID}

	var res api.PurchaseRet
	if err := c.post(ctx, api.PathProcessPurchase, req, &res); err != nil {
		return nil, nil, err
	}
	if res.Transaction == nil {
		return nil, nil, api.NewError(api.ErrKindInvalidResponse, "process_purchase: empty transaction in response")
	}
	return res.Transaction, res.NewBalance, nil
}

func (c *APIClient) RevealTickets(ctx context.Context, ticketIDs []string) ([]api.Ticket, error) {
	req := struct {
		TicketIDs []string `json:"ticket_ids"`
	}{TicketIDs: ticketIDs}

	var res api.RevealRet
	if err := c.post(ctx, api.PathRevealTickets, req, &res); err != nil {
		return nil, err
	}
	if len(res.Tickets) != len(ticketIDs) {
		return nil, api.NewError(api.ErrKindInvalidResponse, "reveal_tickets: expected %d tickets, got %d",
			len(ticketIDs), len(res.Tickets))
	}
	return res.Tickets, nil
}

func (c *APIClient) DiscoverPrize(ctx context.Context, ticketID string) (*api.Prize, error) {
	req := struct {
		TicketID string `json:"ticket_id"`
	}{TicketID: ticketID}

	var res api.DiscoverRet
	if err := c.post(ctx, api.PathDiscoverPrize, req, &res); err != nil {
		return nil, err
	}
	if res.Prize == nil {
		return nil, api.NewError(api.ErrKindInvalidResponse, "discover_prize: empty prize in response")
	}
	return res.Prize, nil
}

func (c *APIClient) ClaimPrize(ctx context.Context, ticketID, prizeID string) (*api.Ticket, error) {
	req := struct {
		TicketID string `json:"ticket_id"`
		PrizeID  string `json:"prize_id"`
	}{TicketID: ticketID, PrizeID: prizeID}

	var res api.ClaimRet
	if err := c.post(ctx, api.PathClaimPrize, req, &res); err != nil {
		return nil, err
	}
	if res.Ticket == nil {
		return nil, api.NewError(api.ErrKindInvalidResponse, "claim_prize: empty ticket in response")
	}
	return res.Ticket, nil
}

func (c *APIClient) get(ctx context.Context, path string, res any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.prefix+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, res)
}

func (c *APIClient) post(ctx context.Context, path string, body any, res any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.prefix+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, res)
}

// do runs the request and decodes the response into res, which must be a
// pointer to a struct embedding api.Error
func (c *APIClient) do(req *http.Request, res any) error {
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	resp, err := c.c.Do(req)
	if err != nil {
		return api.NewError(api.ErrKindNetwork, "%v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return api.NewError(api.ErrKindNetwork, "%v", err)
	}

	var errBody struct{ api.Error }
	if err = json.Unmarshal(body, &errBody); err != nil {
		if resp.StatusCode != http.StatusOK {
			// a gateway or proxy answered with a non-JSON page: the status
			// decides, so that 5xx stays retryable
			return api.ClassifyServerError(resp.StatusCode, api.Error{Error: http.StatusText(resp.StatusCode)})
		}
		return api.NewError(api.ErrKindInvalidResponse, "cannot parse response: %v", err)
	}
	if resp.StatusCode != http.StatusOK || errBody.Error.Error != "" {
		return api.ClassifyServerError(resp.StatusCode, errBody.Error)
	}
	if err = json.Unmarshal(body, res); err != nil {
		return api.NewError(api.ErrKindInvalidResponse, "cannot parse response: %v", err)
	}
	return nil
}
