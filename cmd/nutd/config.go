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

package main

import (
	"fmt"
	"os"

	"github.com/naoina/toml"
	"github.com/urfave/cli/v2"

	"github.com/nutgate/nutgate/node"
	"github.com/nutgate/nutgate/wallet"
)

// nutdConfig is the daemon configuration. A TOML file provides the base
// and explicitly set command line flags override it.
type nutdConfig struct {
	DataDir string
	Wallet  wallet.Config
	Node    node.Config
}

func loadConfig(ctx *cli.Context) (*nutdConfig, error) {
	cfg := &nutdConfig{
		DataDir: ctx.String(dataDirFlag.Name),
		Wallet: wallet.Config{
			MintURL:   ctx.String(mintFlag.Name),
			KeySecret: ctx.String(keySecretFlag.Name),
		},
		Node: node.Config{
			HTTPAddr:    ctx.String(httpAddrFlag.Name),
			CORSOrigins: ctx.StringSlice(corsFlag.Name),
		},
	}
	if path := ctx.String(configFlag.Name); path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("cannot open config file: %w", err)
		}
		defer f.Close()
		if err := toml.NewDecoder(f).Decode(cfg); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		// Flags the user set explicitly win over the file.
		if ctx.IsSet(dataDirFlag.Name) {
			cfg.DataDir = ctx.String(dataDirFlag.Name)
		}
		if ctx.IsSet(mintFlag.Name) {
			cfg.Wallet.MintURL = ctx.String(mintFlag.Name)
		}
		if ctx.IsSet(keySecretFlag.Name) {
			cfg.Wallet.KeySecret = ctx.String(keySecretFlag.Name)
		}
		if ctx.IsSet(httpAddrFlag.Name) {
			cfg.Node.HTTPAddr = ctx.String(httpAddrFlag.Name)
		}
		if ctx.IsSet(corsFlag.Name) {
			cfg.Node.CORSOrigins = ctx.StringSlice(corsFlag.Name)
		}
	}
	return cfg, nil
}
