// ledgerd keeps the ledger engine running for a set of configured
// currencies: it restores each currency's stream checkpoint, listens to
// trade events, persists checkpoints as they advance and keeps bridge
// offers sized to actual liquidity.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mutua/hourledger/internal/config"
	"github.com/mutua/hourledger/internal/domain"
	"github.com/mutua/hourledger/internal/horizon"
	"github.com/mutua/hourledger/internal/ledger"
	"github.com/mutua/hourledger/internal/statestore"
	"github.com/mutua/hourledger/pkg/keypair"
	"github.com/mutua/hourledger/pkg/logger"
)

func main() {
	cfgPath := flag.String("config", "config.yaml", "daemon config yaml path")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fatal(err)
	}
	logger.Init(cfg.Log)

	sponsorSeed, err := config.SponsorSeed()
	if err != nil {
		fatal(err)
	}
	sponsor, err := keypair.FromSeed(sponsorSeed)
	if err != nil {
		fatal(err)
	}

	store, err := statestore.Open(cfg.StateDir)
	if err != nil {
		fatal(err)
	}
	defer store.Close()

	var opts []horizon.Option
	if cfg.Network.StreamURL != "" {
		opts = append(opts, horizon.WithStreamURL(cfg.Network.StreamURL))
	}
	client := horizon.NewClient(cfg.Network.URL, opts...)
	engine := ledger.New(client, ledger.WithHomeDomain(cfg.HomeDomain))

	engine.Events().OnError(func(err error) {
		logger.Logger.WithError(err).Error("ledger error")
	})
	engine.Events().OnStateUpdated(func(c *ledger.Currency, s domain.CurrencyState) error {
		return store.Save(c.Code(), s)
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engine.Events().OnIncomingHourTrade(ledger.DefaultIncomingHourTradeHandler(
		func(c *ledger.Currency) (*keypair.Full, *keypair.Full, error) {
			traderSeed, err := config.TraderSeed(c.Code())
			if err != nil {
				return nil, nil, err
			}
			trader, err := keypair.FromSeed(traderSeed)
			if err != nil {
				return nil, nil, err
			}
			return sponsor, trader, nil
		}))

	for _, entry := range cfg.Currencies {
		state, err := store.Load(entry.Code)
		if err != nil {
			fatal(err)
		}
		currency, err := engine.GetCurrency(entry.Config(), entry.Data, state)
		if err != nil {
			fatal(err)
		}
		currency.StartStream(ctx)
		logger.WithField("currency", entry.Code).Info("currency started")
	}

	<-ctx.Done()
	logger.Logger.Info("shutting down")
	engine.Stop()
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "ledgerd:", err)
	os.Exit(1)
}
