package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"dn-arb-bot/internal/config"
	"dn-arb-bot/internal/exec"
	"dn-arb-bot/internal/logging"
	"dn-arb-bot/internal/state/sqlite"

	"go.uber.org/zap"
)

// verify checks a deployment offline: it resolves the configuration the same
// way the bot does and optionally dumps the durable intent log, so an
// operator can audit what the engine intended to place before a restart.
func main() {
	configPath := flag.String("config", "internal/config/config.yaml", "path to config file")
	dumpIntents := flag.Bool("intents", false, "dump the durable order intent log and exit")
	flag.Parse()

	if err := config.LoadEnv(".env"); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal(err)
	}
	log := logging.New(cfg.Log)
	defer func() { _ = log.Sync() }()

	log.Info("config ok",
		zap.Int("exchanges", len(cfg.Exchanges)),
		zap.Int("instruments", len(cfg.Instruments())),
		zap.Int("pairs", len(cfg.ArbitragePairs())),
		zap.Int("hedge_rules", len(cfg.DomainHedgeRules())))
	for _, pair := range cfg.ArbitragePairs() {
		log.Info("pair",
			zap.String("id", pair.ID),
			zap.String("mode", string(pair.Mode)),
			zap.String("leg_a", pair.LegA.Key()),
			zap.String("leg_b", pair.LegB.Key()),
			zap.Bool("enabled", pair.Enabled))
	}

	if !*dumpIntents {
		return
	}

	store, err := sqlite.New(cfg.State.SQLitePath)
	if err != nil {
		fatal(err)
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	payloads, err := store.Intents(ctx)
	if err != nil {
		fatal(err)
	}
	for i, payload := range payloads {
		rec, err := exec.DecodeIntent(payload)
		if err != nil {
			fmt.Printf("%d\t<torn entry: %v>\n", i, err)
			continue
		}
		fmt.Printf("%d\t%s\t%s\t%s\t%s\tbuy=%t qty=%.8f limit=%.2f cloid=%s\n",
			i,
			rec.LoggedAt.Format(time.RFC3339),
			rec.Intent.PairID,
			rec.Intent.Instrument.Key(),
			string(rec.Intent.Purpose),
			rec.Intent.IsBuy,
			rec.Intent.Quantity,
			rec.Intent.LimitPrice,
			rec.Intent.ClientOrderID)
	}
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
