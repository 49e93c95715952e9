// witnessd runs an in-process simulation of the quorum-validated coin
// network: it seeds a roster of witness agents, pushes random transfers
// through the committee protocol, stages a forged double-spend, and reports
// per-agent reputation and stats.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"os"

	"github.com/meshpay/witness/internal/network"
)

func main() {
	var (
		numAgents   = flag.Int("agents", 5, "roster size")
		quorum      = flag.Int("witnesses", 3, "required witnesses per transfer")
		coins       = flag.Int("coins", 3, "coins seeded per agent")
		transfers   = flag.Int("transfers", 10, "random transfers to run")
		dataDir     = flag.String("data-dir", "", "directory for agent state snapshots")
		networkID   = flag.String("network-id", "main", "network identifier")
		feedAddr    = flag.String("feed", "", "optional websocket event feed listen address (e.g. :8090)")
		verbose     = flag.Bool("v", false, "debug logging")
		doubleSpend = flag.Bool("double-spend", true, "stage a forged double-spend after the transfers")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg := network.DefaultConfig()
	cfg.NumAgents = *numAgents
	cfg.RequiredWitnesses = *quorum
	cfg.DataDir = *dataDir
	cfg.NetworkID = *networkID

	if err := run(cfg, *coins, *transfers, *feedAddr, *doubleSpend, logger); err != nil {
		logger.Error("simulation failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg network.Config, coinsPerAgent, transfers int, feedAddr string, doubleSpend bool, logger *slog.Logger) error {
	nw, err := network.New(cfg, logger)
	if err != nil {
		return err
	}

	// Log the event stream the way an observer would see it.
	events := nw.Bus().Subscribe()
	go func() {
		for ev := range events {
			logger.Debug("event", "channel", ev.Name())
		}
	}()

	if feedAddr != "" {
		feed := network.NewFeed(nw.Bus(), logger)
		go func() {
			logger.Info("event feed listening", "addr", feedAddr)
			if err := http.ListenAndServe(feedAddr, feed.Handler()); err != nil {
				logger.Error("event feed stopped", "error", err)
			}
		}()
	}

	if err := nw.Initialize(coinsPerAgent); err != nil {
		return err
	}
	if err := nw.Start(); err != nil {
		return err
	}

	confirmed, rejected := 0, 0
	for i := 0; i < transfers; i++ {
		from := rand.Intn(cfg.NumAgents)
		to := rand.Intn(cfg.NumAgents)
		if from == to {
			continue
		}
		sender, _ := nw.Agent(from)
		if sender.Wallet().CoinCount() == 0 {
			continue
		}
		outcome, err := nw.TransferCoin(from, to, rand.Intn(sender.Wallet().CoinCount()))
		if err != nil {
			logger.Warn("transfer not submitted", "from", from, "to", to, "error", err)
			continue
		}
		if outcome.Success {
			confirmed++
		} else {
			rejected++
			logger.Info("transfer rejected", "from", from, "to", to, "reason", outcome.Reason)
		}
	}

	if doubleSpend {
		attacker := rand.Intn(cfg.NumAgents)
		a, _ := nw.Agent(attacker)
		if a.Wallet().CoinCount() > 0 {
			first, second, err := nw.SimulateDoubleSpend(attacker, 0)
			if err != nil {
				logger.Warn("double-spend simulation error", "error", err)
			} else {
				logger.Info("double-spend simulation",
					"first_success", first.Success,
					"second_success", second.Success,
					"second_reason", second.Reason)
			}
		}
	}

	stats := nw.Snapshot()
	fmt.Printf("\nnetwork %s: %d confirmed, %d rejected, %d pending\n",
		cfg.NetworkID, confirmed, rejected, stats.PendingCount)
	for i := 0; i < nw.AgentCount(); i++ {
		a, _ := nw.Agent(i)
		s := a.Stats()
		fmt.Printf("agent %d: score=%.1f balance=%d coins=%d validated=%d rejected=%d double_spends=%d\n",
			i, a.Reputation().Score(), a.Wallet().Balance(), a.Wallet().CoinCount(),
			s.Validated, s.Rejected, s.DoubleSpendsPrevented)
	}

	return nw.Shutdown(context.Background())
}
