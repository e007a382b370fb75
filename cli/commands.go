package cli

import (
	"context"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"github.com/tixforge/tixclient/cli/glb"
)

const commandTimeout = 30 * time.Second

func commandContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), commandTimeout)
}

func initBalanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "balance",
		Args:  cobra.NoArgs,
		Short: "fetches the current balance",
		Run: func(_ *cobra.Command, _ []string) {
			c := startClient()
			defer c.Stop()

			ctx, cancel := commandContext()
			defer cancel()

			snapshot, err := c.BalanceSync().Refresh(ctx, true)
			glb.AssertNoError(err)
			glb.Infof("available: %s", glb.FormatAmount(snapshot.Available))
			glb.Infof("pending:   %s", glb.FormatAmount(snapshot.Pending))
		},
	}
}

func initReserveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reserve <raffle_id> <quantity>",
		Args:  cobra.ExactArgs(2),
		Short: "creates a ticket reservation",
		Run: func(_ *cobra.Command, args []string) {
			c := startClient()
			defer c.Stop()

			quantity, err := strconv.Atoi(args[1])
			glb.AssertNoError(err)

			ctx, cancel := commandContext()
			defer cancel()

			r, err := c.Reservations().Create(ctx, args[0], quantity)
			glb.AssertNoError(err)
			glb.Infof("reservation %s: %d tickets, total %s, expires in %ds",
				r.ID, len(r.TicketIDs), glb.FormatAmount(r.TotalAmount), c.Reservations().RemainingSeconds())
		},
	}
}

func initBuyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "buy <raffle_id> <quantity>",
		Args:  cobra.ExactArgs(2),
		Short: "reserves tickets and completes the purchase",
		Run: func(_ *cobra.Command, args []string) {
			c := startClient()
			defer c.Stop()

			quantity, err := strconv.Atoi(args[1])
			glb.AssertNoError(err)

			ctx, cancel := commandContext()
			defer cancel()

			r, err := c.Reservations().Create(ctx, args[0], quantity)
			glb.AssertNoError(err)
			glb.Infof("reserved %d tickets for %s", len(r.TicketIDs), glb.FormatAmount(r.TotalAmount))

			glb.AssertNoError(c.Purchase().Begin(ctx, r))
			tx, err := c.Purchase().Proceed(ctx)
			glb.AssertNoError(err)

			snapshot := c.BalanceSync().Snapshot()
			glb.Infof("purchase confirmed: tx %s, %s. Balance left: %s",
				tx.ID, glb.FormatAmount(tx.Amount), glb.FormatAmount(snapshot.Available))
			for _, tid := range r.TicketIDs {
				glb.Infof("   ticket %s", tid)
			}
		},
	}
}

func initRevealCmd() *cobra.Command {
	claim := false
	cmd := &cobra.Command{
		Use:   "reveal <ticket_id>...",
		Args:  cobra.MinimumNArgs(1),
		Short: "reveals tickets, optionally discovering and claiming instant wins",
		Run: func(_ *cobra.Command, args []string) {
			c := startClient()
			defer c.Stop()

			ctx, cancel := commandContext()
			defer cancel()

			batch, err := c.Reveal().RevealBatch(args, true, 0)
			glb.AssertNoError(err)
			outcomes, err := batch.Wait(ctx)
			glb.AssertNoError(err)

			for _, tid := range args {
				if outcomes[tid] != nil {
					glb.Infof("ticket %s: FAILED: %v", tid, outcomes[tid])
					continue
				}
				state, _ := c.Reveal().State(tid)
				glb.Infof("ticket %s: %s", tid, state.Stage.String())
				if !claim || state.Ticket == nil || !state.Ticket.InstantWin {
					continue
				}
				res, err := c.Reveal().Discover(tid, 0)
				glb.AssertNoError(err)
				_, err = res.Wait(ctx)
				glb.AssertNoError(err)

				state, _ = c.Reveal().State(tid)
				glb.Infof("   prize discovered: %s (%s)", state.Prize.Kind, glb.FormatAmount(state.Prize.Amount))

				res, err = c.Reveal().Claim(tid, 0)
				glb.AssertNoError(err)
				_, err = res.Wait(ctx)
				glb.AssertNoError(err)
				glb.Infof("   prize claimed")
			}
		},
	}
	cmd.PersistentFlags().BoolVarP(&claim, "claim", "l", false, "discover and claim instant wins after reveal")
	return cmd
}
