// Copyright 2021 The paragate Authors
// This file is part of the paragate library.
//
// The paragate library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The paragate library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the paragate library. If not, see <http://www.gnu.org/licenses/>.

// Package ingot periodically drains the deposit addresses of the pooled
// networks back into each network's index-zero hot wallet, so client funds
// never accumulate on addresses whose only purpose is receiving.
//
// Account-accounted networks sweep every pool address holding more than the
// dust threshold. UTXO-accounted networks instead watch the wallet's output
// count and consolidate the whole balance into a single output once the
// wallet fragments past the configured ceiling, which keeps later payout
// transactions small and their fees predictable. Memo-based networks run a
// single account and have nothing to drain.
package ingot

import (
	"context"
	"fmt"
	"time"

	"github.com/paragate/paragate/audit"
	"github.com/paragate/paragate/chain"
	"github.com/paragate/paragate/config"
	"github.com/paragate/paragate/log"
	"github.com/paragate/paragate/memo"
	"github.com/paragate/paragate/pipe"
	"github.com/paragate/paragate/watchdog"
)

// counterDoc numbers the ingot events across sessions.
const counterDoc = "ingot_id"

// rippleReserve stays behind on every swept XRP account: rippled refuses to
// spend the base reserve, and the extra tenth covers the transfer fee.
const rippleReserve = 20.1

// UnspentWallet is the surface of a UTXO-accounted backend that can
// consolidate its own outputs. The sweep subtracts the network fee from the
// moved amount, so the whole balance is spendable.
type UnspentWallet interface {
	Unspent(ctx context.Context) ([]chain.Unspent, error)
	Sweep(ctx context.Context, order chain.Order) (string, error)
}

// Caster runs the consolidation rounds.
type Caster struct {
	cfg     *config.Config
	bus     *pipe.Bus
	ledger  *audit.Ledger
	session audit.Session
	chains  map[string]chain.Backend
	heart   *watchdog.Heart
	every   time.Duration
	log     log.Logger
}

// New wires a caster over the offered networks. Networks without a backend in
// chains are skipped. A nil heart disables liveness reporting.
func New(cfg *config.Config, bus *pipe.Bus, ledger *audit.Ledger, session audit.Session,
	chains map[string]chain.Backend, heart *watchdog.Heart) *Caster {

	every := time.Duration(cfg.IngotsSec) * time.Second
	if every <= 0 {
		every = 30 * time.Minute
	}
	return &Caster{
		cfg:     cfg,
		bus:     bus,
		ledger:  ledger,
		session: session,
		chains:  chains,
		heart:   heart,
		every:   every,
		log:     log.New("module", "ingot"),
	}
}

// Run casts a round, then rests for the configured cadence, heartbeating
// through the pause, until the context ends.
func (c *Caster) Run(ctx context.Context) {
	c.log.Info("ingot caster initializing", "every", c.every)
	for {
		c.cast(ctx)
		c.heart.Rest(ctx, c.every)
		if ctx.Err() != nil {
			return
		}
	}
}

// cast performs one consolidation round over every offered network.
func (c *Caster) cast(ctx context.Context) {
	for _, network := range c.cfg.Offerings {
		if ctx.Err() != nil {
			return
		}
		backend := c.chains[network]
		if backend == nil {
			continue
		}
		switch network {
		case config.EOSIO, config.XYZ:
			// Single-account networks.
		case config.Ripple:
			c.castAccounts(ctx, network, backend)
		case config.Bitcoin, config.Litecoin:
			c.castUnspent(ctx, network, backend)
		}
	}
}

// castAccounts sweeps each deposit address holding more than the dust
// threshold into the index-zero hot wallet.
func (c *Caster) castAccounts(ctx context.Context, network string, backend chain.Backend) {
	pool := c.cfg.Accounts(network)
	if len(pool) < 2 {
		return
	}
	dust := c.cfg.NilAmount(network)
	for idx := 1; idx < len(pool); idx++ {
		acct := pool[idx]
		balance, err := backend.Balance(ctx, acct.Public)
		if err != nil {
			c.log.Warn("balance check failed", "network", network, "account", acct.Public, "err", err)
			continue
		}
		if balance <= dust {
			continue
		}
		quantity := balance
		if network == config.Ripple {
			quantity -= rippleReserve
		}
		if quantity <= dust {
			continue
		}
		c.log.Info("recycling deposit balance", "network", network, "account", acct.Public, "balance", balance)
		order := chain.Order{
			Public:   acct.Public,
			Private:  acct.Private,
			To:       pool[0].Public,
			Quantity: quantity,
		}
		txid, err := backend.Transfer(ctx, order)
		if err != nil {
			c.log.Error("ingot transfer failed", "network", network, "account", acct.Public, "err", err)
			continue
		}
		c.chronicle(ctx, network, backend, order, txid)
	}
}

// castUnspent consolidates a fragmented UTXO wallet into one output on the
// index-zero address once the output count passes the ceiling.
func (c *Caster) castUnspent(ctx context.Context, network string, backend chain.Backend) {
	wallet, ok := backend.(UnspentWallet)
	if !ok {
		return
	}
	pool := c.cfg.Accounts(network)
	if len(pool) == 0 {
		return
	}
	outputs, err := wallet.Unspent(ctx)
	if err != nil {
		c.log.Warn("unspent listing failed", "network", network, "err", err)
		return
	}
	if len(outputs) <= c.cfg.MaxUnspentOf(network) {
		return
	}
	balance, err := backend.Balance(ctx, "")
	if err != nil {
		c.log.Warn("balance check failed", "network", network, "err", err)
		return
	}
	c.log.Info("consolidating fragmented outputs", "network", network,
		"outputs", len(outputs), "balance", balance)
	order := chain.Order{To: pool[0].Public, Quantity: balance}
	txid, err := wallet.Sweep(ctx, order)
	if err != nil {
		c.log.Error("ingot sweep failed", "network", network, "err", err)
		return
	}
	c.chronicle(ctx, network, backend, order, txid)
}

// chronicle records one cast ingot in the audit trail.
func (c *Caster) chronicle(ctx context.Context, network string, backend chain.Backend, order chain.Order, txid string) {
	rec := audit.Ingot{
		Header:        audit.Header{Network: network, Session: c.session},
		TxID:          txid,
		OrderPublic:   order.Public,
		OrderTo:       order.To,
		OrderQuantity: order.Quantity,
	}
	if id, err := c.bus.NextID(counterDoc); err == nil {
		rec.EventID = memo.EventID("I", id)
	} else {
		c.log.Warn("ingot counter failed", "err", err)
	}
	head, err := backend.Head(ctx)
	if err != nil {
		c.log.Warn("head check failed", "network", network, "err", err)
	}
	c.ledger.Ingot(rec, fmt.Sprintf("consolidating an ingot on %s", network))
	c.log.Info("ingot cast", "network", network, "block", head, "txid", txid, "event", rec.EventID)
}
