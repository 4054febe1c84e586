package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"perp-market-sdk/internal/app"
	"perp-market-sdk/internal/config"
	"perp-market-sdk/internal/logging"
	"perp-market-sdk/internal/snapshot"
)

func main() {
	cmd := &cli.Command{
		Name:  "marketctl",
		Usage: "Read perpetual market state from the ledger and price feed",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to config file",
				Value:   "config.yaml",
			},
			&cli.StringFlag{
				Name:  "env",
				Usage: "path to .env file",
				Value: ".env",
			},
			&cli.StringFlag{
				Name:    "format",
				Aliases: []string{"f"},
				Usage:   fmt.Sprintf("output format (%s or %s)", snapshot.FormatJSON, snapshot.FormatMsgpack),
				Value:   snapshot.FormatJSON,
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "pairs",
				Usage: "List the pair catalog",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "refresh", Usage: "bypass the cached catalog"},
				},
				Action: pairsAction,
			},
			{
				Name:  "snapshot",
				Usage: "Build a market snapshot",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "group", Usage: "only this group index"},
					&cli.StringFlag{Name: "pair", Usage: "only this pair, e.g. BTC/USD"},
					&cli.StringFlag{Name: "trader", Usage: "apply the referral discount of this address to fees"},
				},
				Action: snapshotAction,
			},
			{
				Name:  "prices",
				Usage: "Fetch the latest prices over HTTP",
				Flags: []cli.Flag{
					&cli.StringSliceFlag{Name: "pair", Usage: "pair name, repeatable", Required: true},
				},
				Action: pricesAction,
			},
			{
				Name:  "trades",
				Usage: "List a trader's open trades",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "trader", Usage: "trader address", Required: true},
					&cli.StringFlag{Name: "pair", Usage: "only this pair"},
				},
				Action: tradesAction,
			},
			{
				Name:   "watch",
				Usage:  "Stream prices and record snapshots until interrupted",
				Action: watchAction,
			},
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := cmd.Run(ctx, os.Args); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "marketctl: %v\n", err)
		os.Exit(1)
	}
}

func newApp(ctx context.Context, cmd *cli.Command) (*app.App, *zap.Logger, error) {
	if err := config.LoadEnv(cmd.String("env")); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
	}
	path := cmd.String("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	log := logging.New(cfg.Log)
	log.Debug("config loaded", zap.String("path", path))
	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return nil, nil, err
	}
	return a, log, nil
}

func write(cmd *cli.Command, v any) error {
	return snapshot.EncodeValue(os.Stdout, v, cmd.String("format"))
}

func parseAddress(s string) (common.Address, error) {
	s = strings.TrimSpace(s)
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("invalid address %q", s)
	}
	return common.HexToAddress(s), nil
}

func pairsAction(ctx context.Context, cmd *cli.Command) error {
	a, _, err := newApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()
	pairs, err := a.Pairs(ctx, cmd.Bool("refresh"))
	if err != nil {
		return err
	}
	return write(cmd, pairs)
}

func snapshotAction(ctx context.Context, cmd *cli.Command) error {
	if cmd.IsSet("group") && cmd.IsSet("pair") {
		return errors.New("--group and --pair are mutually exclusive")
	}
	var trader *common.Address
	if cmd.IsSet("trader") {
		addr, err := parseAddress(cmd.String("trader"))
		if err != nil {
			return err
		}
		trader = &addr
	}
	a, _, err := newApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	switch {
	case cmd.IsSet("group"):
		g, ok, err := a.GroupSnapshot(ctx, trader, int(cmd.Int("group")))
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("unknown group %d", cmd.Int("group"))
		}
		return write(cmd, g)
	case cmd.IsSet("pair"):
		p, ok, err := a.PairSnapshot(ctx, trader, cmd.String("pair"))
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("unknown pair %q", cmd.String("pair"))
		}
		return write(cmd, p)
	}

	snap, err := a.Snapshot(ctx, trader)
	if err != nil {
		return err
	}
	return snapshot.Encode(os.Stdout, snap, cmd.String("format"))
}

func pricesAction(ctx context.Context, cmd *cli.Command) error {
	a, _, err := newApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()
	prices, err := a.Prices(ctx, cmd.StringSlice("pair"))
	if err != nil {
		return err
	}
	return write(cmd, prices)
}

func tradesAction(ctx context.Context, cmd *cli.Command) error {
	trader, err := parseAddress(cmd.String("trader"))
	if err != nil {
		return err
	}
	a, _, err := newApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()
	trades, err := a.Trades(ctx, trader, cmd.String("pair"))
	if err != nil {
		return err
	}
	return write(cmd, trades)
}

func watchAction(ctx context.Context, cmd *cli.Command) error {
	a, log, err := newApp(ctx, cmd)
	if err != nil {
		return err
	}
	log.Info("watch started")
	err = a.Run(ctx)
	if errors.Is(err, context.Canceled) {
		log.Info("watch stopped")
		return nil
	}
	return err
}
