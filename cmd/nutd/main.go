// Copyright 2025 The nutgate Authors
// This file is part of the nutgate library.
//
// The nutgate library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The nutgate library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the nutgate library. If not, see <http://www.gnu.org/licenses/>.

// nutd is the wallet coordinator daemon.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/nutgate/nutgate/ledger"
	"github.com/nutgate/nutgate/log"
	"github.com/nutgate/nutgate/node"
	"github.com/nutgate/nutgate/params"
	"github.com/nutgate/nutgate/wallet"
)

var (
	dataDirFlag = &cli.StringFlag{
		Name:  "datadir",
		Usage: "Data directory for the ledger database",
		Value: defaultDataDir(),
	}
	mintFlag = &cli.StringFlag{
		Name:  "mint",
		Usage: "Cashu mint URL wallets are bound to",
		Value: params.DefaultMintURL,
	}
	httpAddrFlag = &cli.StringFlag{
		Name:  "http.addr",
		Usage: "HTTP API listen address",
		Value: node.DefaultHTTPAddr,
	}
	corsFlag = &cli.StringSliceFlag{
		Name:  "http.corsdomain",
		Usage: "Comma separated list of origins to accept cross-origin requests from",
	}
	keySecretFlag = &cli.StringFlag{
		Name:    "keysecret",
		Usage:   "Secret sealing wallet P2PK keys at rest",
		EnvVars: []string{"NUTD_KEY_SECRET"},
	}
	configFlag = &cli.StringFlag{
		Name:  "config",
		Usage: "TOML configuration file",
	}
	verbosityFlag = &cli.IntFlag{
		Name:  "verbosity",
		Usage: "Logging verbosity: 0=crit, 1=error, 2=warn, 3=info, 4=debug, 5=trace",
		Value: 3,
	}
)

func main() {
	app := &cli.App{
		Name:    "nutd",
		Usage:   "custodial Cashu wallet coordinator",
		Version: params.VersionWithMeta,
		Flags: []cli.Flag{
			dataDirFlag,
			mintFlag,
			httpAddrFlag,
			corsFlag,
			keySecretFlag,
			configFlag,
			verbosityFlag,
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx *cli.Context) error {
	setupLogging(ctx.Int(verbosityFlag.Name))

	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}

	store, err := ledger.NewStore(filepath.Join(cfg.DataDir, "ledger"))
	if err != nil {
		return fmt.Errorf("cannot open ledger at %s: %w", cfg.DataDir, err)
	}
	defer store.Close()

	w := wallet.New(store, cfg.Wallet)
	defer w.Close()

	n := node.New(w, cfg.Node)
	if err := n.Start(); err != nil {
		return err
	}
	log.Info("Coordinator running", "mint", cfg.Wallet.MintURL, "datadir", cfg.DataDir)

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var group errgroup.Group
	group.Go(func() error {
		<-sigCtx.Done()
		log.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return n.Stop(shutdownCtx)
	})
	return group.Wait()
}

func setupLogging(verbosity int) {
	handler := log.LvlFilterHandler(log.Lvl(verbosity), log.StreamHandler(os.Stderr, log.TerminalFormat(true)))
	log.Root().SetHandler(handler)
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".nutd"
	}
	return filepath.Join(home, ".nutd")
}
