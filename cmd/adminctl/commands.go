package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/mbd888/tradebot/internal/app"
	"github.com/mbd888/tradebot/internal/config"
	"github.com/mbd888/tradebot/internal/lifecycle"
	"github.com/mbd888/tradebot/internal/logging"
)

var orderFlags = []cli.Flag{
	&cli.StringFlag{
		Name:     "order",
		Usage:    "order id",
		Required: true,
	},
	&cli.StringFlag{
		Name:     "admin",
		Usage:    "user id of the admin or solver acting",
		Required: true,
	},
}

var cmdFreeze = &cli.Command{
	Name:   "freeze",
	Usage:  "Freeze an order so no party can move it",
	Flags:  orderFlags,
	Action: orderAction((*lifecycle.Service).AdminFreeze),
}

var cmdCancel = &cli.Command{
	Name:   "cancel",
	Usage:  "Cancel an order and refund the seller's hold",
	Flags:  orderFlags,
	Action: orderAction((*lifecycle.Service).AdminCancel),
}

var cmdSettle = &cli.Command{
	Name:   "settle",
	Usage:  "Settle an order's hold and pay the buyer",
	Flags:  orderFlags,
	Action: orderAction((*lifecycle.Service).AdminSettle),
}

var cmdAssignSolver = &cli.Command{
	Name:  "assign-solver",
	Usage: "Assign a solver to an order's dispute",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "order", Usage: "order id", Required: true},
		&cli.StringFlag{Name: "solver", Usage: "solver user id", Required: true},
	},
	Action: func(cctx *cli.Context) error {
		return withApp(cctx, func(ctx context.Context, a *app.App) error {
			return report(a.Lifecycle.AssignSolver(ctx, cctx.String("order"), cctx.String("solver")))
		})
	},
}

var cmdSweepPayments = &cli.Command{
	Name:  "sweep-payments",
	Usage: "Retry failed buyer payouts once",
	Action: func(cctx *cli.Context) error {
		return withApp(cctx, func(ctx context.Context, a *app.App) error {
			n, err := a.Payout.SweepBuyerPayments(ctx)
			return count("paid", n, err)
		})
	},
}

var cmdSweepCommunity = &cli.Command{
	Name:  "sweep-community",
	Usage: "Retry queued community earnings withdrawals once",
	Action: func(cctx *cli.Context) error {
		return withApp(cctx, func(ctx context.Context, a *app.App) error {
			n, err := a.Payout.SweepCommunityPayments(ctx)
			return count("paid", n, err)
		})
	},
}

var cmdExpire = &cli.Command{
	Name:  "expire",
	Usage: "Expire stale published orders and unanswered takes",
	Action: func(cctx *cli.Context) error {
		return withApp(cctx, func(ctx context.Context, a *app.App) error {
			n, err := a.Lifecycle.ExpireOrders(ctx)
			return count("expired", n, err)
		})
	},
}

var cmdResubscribe = &cli.Command{
	Name:  "resubscribe",
	Usage: "Check every live hold against the rail and apply missed events",
	Action: func(cctx *cli.Context) error {
		return withApp(cctx, func(ctx context.Context, a *app.App) error {
			n, err := a.Coordinator.Resubscribe(ctx)
			return count("checked", n, err)
		})
	},
}

type orderOp func(s *lifecycle.Service, ctx context.Context, orderID, adminID string) lifecycle.Outcome

func orderAction(op orderOp) cli.ActionFunc {
	return func(cctx *cli.Context) error {
		return withApp(cctx, func(ctx context.Context, a *app.App) error {
			return report(op(a.Lifecycle, ctx, cctx.String("order"), cctx.String("admin")))
		})
	}
}

func withApp(cctx *cli.Context, fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := logging.New(cctx.String("log-level"), cfg.LogFormat)
	if cfg.DatabaseURL == "" {
		return cli.Exit("DATABASE_URL is required", 1)
	}

	a, err := app.New(cctx.Context, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(cctx.Context, a)
}

func report(out lifecycle.Outcome) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return err
	}
	if !out.Applied {
		return cli.Exit(fmt.Sprintf("not applied: %s", out.Reason), 2)
	}
	return nil
}

func count(what string, n int, err error) error {
	if err != nil {
		return err
	}
	fmt.Printf("%s: %d\n", what, n)
	return nil
}
