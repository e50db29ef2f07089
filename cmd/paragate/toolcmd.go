// Copyright 2021 The paragate Authors
// This file is part of paragate.
//
// paragate is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// paragate is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with paragate. If not, see <http://www.gnu.org/licenses/>.

package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/paragate/paragate/audit"
	"github.com/paragate/paragate/chain"
	"github.com/paragate/paragate/chain/ltcbtc"
	"github.com/paragate/paragate/chain/xyz"
	"github.com/paragate/paragate/config"
	"github.com/paragate/paragate/gateway"
	"github.com/paragate/paragate/ingot"
	"github.com/paragate/paragate/log"
	"github.com/paragate/paragate/pipe"
	"github.com/urfave/cli/v2"
)

var (
	tableFlag = &cli.StringFlag{
		Name:  "table",
		Usage: `Audit table to print: "deposits", "withdrawals" or "ingots"`,
		Value: "deposits",
	}
	limitFlag = &cli.IntFlag{
		Name:  "limit",
		Usage: "Maximum number of rows, newest first",
		Value: 20,
	}
	networkFlag = &cli.StringFlag{
		Name:  "network",
		Usage: `Network to mint addresses on: "btc" or "ltc"`,
		Value: config.Bitcoin,
	}
	countFlag = &cli.IntFlag{
		Name:  "count",
		Usage: "Number of key pairs to mint",
		Value: 1,
	}
	toFlag = &cli.StringFlag{
		Name:     "to",
		Usage:    "Receiving gateway address on the paper chain",
		Required: true,
	}
	fromFlag = &cli.StringFlag{
		Name:  "from",
		Usage: "Sender shown on the paper transfer",
		Value: "rehearsal",
	}
	memoFlag = &cli.StringFlag{
		Name:  "memo",
		Usage: "Memo attached to the paper transfer",
	}
	amountFlag = &cli.Float64Flag{
		Name:     "amount",
		Usage:    "Amount in whole coins",
		Required: true,
	}
)

var auditCommand = &cli.Command{
	Name:      "audit",
	Usage:     "Print the newest rows of one audit table",
	ArgsUsage: " ",
	Flags:     []cli.Flag{datadirFlag, configFlag, tableFlag, limitFlag},
	Description: `Opens the audit database of a gateway datadir read-only and prints the
newest rows of the deposits, withdrawals or ingots table. Safe to run next to
a live gateway.`,
	Action: auditRows,
}

var balancesCommand = &cli.Command{
	Name:      "balances",
	Usage:     "Print gateway balances on the configured networks",
	ArgsUsage: "[network]",
	Flags:     []cli.Flag{datadirFlag, configFlag},
	Description: `Asks every configured network for the gateway's balances: the node wallet
total and its unspent outputs on UTXO networks, the pool accounts one by one
everywhere else. An unreachable node renders as an error cell instead of
aborting the report.`,
	Action: showBalances,
}

var poolCommand = &cli.Command{
	Name:      "pool",
	Usage:     "Mint fresh deposit addresses from a btc or ltc wallet node",
	ArgsUsage: " ",
	Flags:     []cli.Flag{configFlag, networkFlag, countFlag},
	Description: `Has the configured bitcoind or litecoind wallet mint new addresses and
prints them with their private keys, ready to paste into the foreign_accounts
pool. Works on an unvalidated config, since the first pool is minted before
the config can pass validation.`,
	Action: mintPool,
}

var rehearseCommand = &cli.Command{
	Name:      "rehearse",
	Usage:     "Queue a paper deposit on the synthetic xyz network",
	ArgsUsage: " ",
	Flags:     []cli.Flag{datadirFlag, toFlag, fromFlag, memoFlag, amountFlag},
	Description: `Plants an inbound transfer on the paper chain so a running gateway sees it
in the next xyz block. Pair it with a deposit request to rehearse the full
issue path without touching a real network.`,
	Action: rehearse,
}

var versionCommand = &cli.Command{
	Name:      "version",
	Usage:     "Print version numbers",
	ArgsUsage: " ",
	Action: func(ctx *cli.Context) error {
		fmt.Println("Paragate")
		fmt.Println("Version:", version())
		if gitCommit != "" {
			fmt.Println("Git Commit:", gitCommit)
		}
		fmt.Println("Architecture:", runtime.GOARCH)
		fmt.Println("Go Version:", runtime.Version())
		fmt.Println("Operating System:", runtime.GOOS)
		return nil
	},
}

// openLedger opens the audit database the same way the gateway does, with the
// chronicle mirror forced off: inspection must never republish rows.
func openLedger(ctx *cli.Context) (*audit.Ledger, error) {
	datadir := ctx.String(datadirFlag.Name)
	bus := pipe.New(datadir)
	if err := bus.Initialize(); err != nil {
		return nil, err
	}
	cfg, err := config.Overlay(ctx.String(configFlag.Name))
	if err != nil {
		return nil, err
	}
	auditCfg := cfg.Audit
	if auditCfg.DBPath == "" {
		auditCfg.DBPath = filepath.Join(datadir, "audit.db")
	}
	auditCfg.Kafka.Enabled = false
	return audit.New(bus, auditCfg)
}

func auditRows(ctx *cli.Context) error {
	ledger, err := openLedger(ctx)
	if err != nil {
		return err
	}
	defer ledger.Close()

	cols, rows, err := ledger.Rows(ctx.String(tableFlag.Name), ctx.Int(limitFlag.Name))
	if err != nil {
		return err
	}
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader(cols)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetColWidth(100)
	table.AppendBulk(rows)
	table.Render()
	return nil
}

func showBalances(ctx *cli.Context) error {
	cfg, err := config.Overlay(ctx.String(configFlag.Name))
	if err != nil {
		return err
	}
	bus := pipe.New(ctx.String(datadirFlag.Name))
	if err := bus.Initialize(); err != nil {
		return err
	}
	chains, err := gateway.Dial(cfg, bus)
	if err != nil {
		return err
	}
	networks := cfg.Offerings
	if filter := strings.ToLower(ctx.Args().First()); filter != "" {
		if _, ok := chains[filter]; !ok {
			return fmt.Errorf("network %q is not configured", filter)
		}
		networks = []string{filter}
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Network", "Account", "Balance"})
	table.SetAlignment(tablewriter.ALIGN_LEFT)

	var unspent [][]string
	for _, network := range networks {
		backend := chains[network]
		wallet, ok := backend.(ingot.UnspentWallet)
		if !ok {
			pool := cfg.Accounts(network)
			if len(pool) == 0 {
				table.Append([]string{network, "(no pool configured)", ""})
			}
			for _, pair := range pool {
				table.Append([]string{network, pair.Public, balanceCell(ctx.Context, backend, pair.Public)})
			}
			continue
		}
		// UTXO networks account at the wallet level, not per address.
		table.Append([]string{network, "(wallet)", balanceCell(ctx.Context, backend, "")})
		outputs, err := wallet.Unspent(ctx.Context)
		if err != nil {
			unspent = append(unspent, []string{network, "error: " + err.Error(), "", "", ""})
			continue
		}
		for _, out := range outputs {
			unspent = append(unspent, []string{
				network, out.TxID, out.Address,
				strconv.FormatFloat(out.Amount, 'f', -1, 64),
				strconv.FormatInt(out.Confirmations, 10),
			})
		}
	}
	table.Render()

	if len(unspent) > 0 {
		fmt.Println()
		table = tablewriter.NewWriter(os.Stdout)
		table.SetHeader([]string{"Network", "TxID", "Address", "Amount", "Confirmations"})
		table.SetAlignment(tablewriter.ALIGN_LEFT)
		table.AppendBulk(unspent)
		table.Render()
	}
	return nil
}

// balanceCell renders one balance lookup, folding any error into the cell so
// a single unreachable node does not hide the other networks.
func balanceCell(ctx context.Context, backend chain.Backend, account string) string {
	balance, err := backend.Balance(ctx, account)
	if err != nil {
		return "error: " + err.Error()
	}
	return strconv.FormatFloat(balance, 'f', -1, 64)
}

func mintPool(ctx *cli.Context) error {
	cfg, err := config.Overlay(ctx.String(configFlag.Name))
	if err != nil {
		return err
	}
	var nodeURL string
	network := strings.ToLower(ctx.String(networkFlag.Name))
	switch network {
	case config.Bitcoin:
		nodeURL = cfg.Nodes.Bitcoin
	case config.Litecoin:
		nodeURL = cfg.Nodes.Litecoin
	default:
		return fmt.Errorf("%s keys must be generated by the network's own wallet tooling", network)
	}
	backend, err := ltcbtc.New(network, nodeURL)
	if err != nil {
		return err
	}
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Index", "Public", "Private"})
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	for i := 0; i < ctx.Int(countFlag.Name); i++ {
		pair, err := backend.NewKeyPair(ctx.Context)
		if err != nil {
			return err
		}
		table.Append([]string{strconv.Itoa(i), pair.Public, pair.Private})
	}
	table.Render()
	fmt.Println("Back up the node wallet now; these keys have no other copy.")
	return nil
}

func rehearse(ctx *cli.Context) error {
	bus := pipe.New(ctx.String(datadirFlag.Name))
	if err := bus.Initialize(); err != nil {
		return err
	}
	var (
		to     = ctx.String(toFlag.Name)
		amount = ctx.Float64(amountFlag.Name)
	)
	if err := xyz.New(bus).Enqueue(to, ctx.String(fromFlag.Name), ctx.String(memoFlag.Name), amount); err != nil {
		return err
	}
	log.Info("Paper transfer queued", "to", to, "amount", amount)
	return nil
}
