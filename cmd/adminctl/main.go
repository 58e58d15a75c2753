// Command adminctl runs operator actions against the configured store and
// escrow rail: freezing and resolving orders, payout sweeps, expiry.
package main

import (
	"log"
	"os"

	"github.com/urfave/cli/v2"
)

// Build info - set by ldflags
var Version = "dev"

func main() {
	app := &cli.App{
		Name:    "adminctl",
		Usage:   "tradebot operator commands",
		Version: Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "log-level",
				Value: "warn",
			},
		},
		Commands: []*cli.Command{
			cmdFreeze,
			cmdCancel,
			cmdSettle,
			cmdAssignSolver,
			cmdSweepPayments,
			cmdSweepCommunity,
			cmdExpire,
			cmdResubscribe,
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
