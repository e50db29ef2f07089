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

package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/paragate/paragate/audit"
	"github.com/paragate/paragate/chain"
	"github.com/paragate/paragate/config"
	"github.com/paragate/paragate/graphene"
	"github.com/paragate/paragate/listener"
	"github.com/paragate/paragate/log"
	"github.com/paragate/paragate/memo"
	"github.com/paragate/paragate/pipe"
)

// withdrawalCounterDoc persists the withdrawal event counter across restarts.
const withdrawalCounterDoc = "withdrawal_id"

// reserveArmWait bounds how long a payout is held back while its reserve
// matcher fixes a scan horizon. Paying out before the matcher is armed could
// land the payout below the horizon, and the returned UIA would never burn.
const reserveArmWait = 30 * time.Second

// Wallet is the slice of the wallet daemon the dispatcher drives: memo
// decode on detection and the issue/reserve primitives for its matchers.
type Wallet interface {
	listener.Issuer
	ReadMemo(ctx context.Context, memo json.RawMessage) (string, error)
}

// Dispatcher turns detected transfers-to-issuer into withdrawal events: it
// labels the event, decodes and verifies the client's foreign address, arms
// a reserve matcher and releases the foreign funds.
type Dispatcher struct {
	cfg     *config.Config
	bus     *pipe.Bus
	ledger  *audit.Ledger
	session audit.Session
	wallet  Wallet
	chains  map[string]chain.Backend
	ticks   map[string]listener.TickSource

	issuers mapset.Set[string]
	armWait time.Duration

	log log.Logger
}

// NewDispatcher wires a dispatcher over the offered networks. The chains map
// carries one backend per payable network; ticks may be nil.
func NewDispatcher(cfg *config.Config, bus *pipe.Bus, ledger *audit.Ledger, session audit.Session,
	wallet Wallet, chains map[string]chain.Backend, ticks map[string]listener.TickSource) *Dispatcher {

	issuers := mapset.NewSet[string]()
	for _, id := range cfg.IssuerIDs() {
		issuers.Add(id)
	}
	return &Dispatcher{
		cfg:     cfg,
		bus:     bus,
		ledger:  ledger,
		session: session,
		wallet:  wallet,
		chains:  chains,
		ticks:   ticks,
		issuers: issuers,
		armWait: reserveArmWait,
		log:     log.New("module", "withdraw"),
	}
}

// Dispatch handles one host-ledger transfer operation end to end. It runs in
// its own goroutine per operation, so a slow foreign chain never stalls the
// consensus scan or a concurrent withdrawal.
func (d *Dispatcher) Dispatch(ctx context.Context, op graphene.TransferOp, raw json.RawMessage, block int64, trx int) {
	if !d.issuers.Contains(op.To) {
		return
	}
	rec := audit.Withdrawal{
		Header:   audit.Header{Session: d.session},
		Op:       string(raw),
		Nonce:    time.Now().UnixMilli(),
		UIAID:    op.Amount.AssetID,
		ClientID: op.From,
	}
	d.log.Info("gate uia transfer", "from", op.From, "asset", op.Amount.AssetID, "block", block, "trx", trx)

	if len(op.Memo) == 0 {
		d.ledger.Withdrawal(rec, "WARN: transfer to gateway WITHOUT memo")
		return
	}
	id, err := d.bus.NextID(withdrawalCounterDoc)
	if err != nil {
		d.log.Error("withdrawal counter failed", "err", err)
		return
	}
	rec.EventID = memo.EventID("W", id)
	d.ledger.Withdrawal(rec, fmt.Sprintf("withdrawal request: transfer %s to gateway with memo", op.Amount.AssetID))

	network, asset, ok := d.cfg.AssetByID(op.Amount.AssetID)
	if !ok {
		d.ledger.Withdrawal(rec, "invalid uia_id")
		return
	}
	rec.Network = network
	backend := d.chains[network]
	if backend == nil {
		d.ledger.Withdrawal(rec, fmt.Sprintf("%s withdrawals unavailable", network))
		return
	}

	client, err := d.decodeMemo(ctx, network, op.Memo)
	if err != nil {
		d.log.Error("memo decode failed", "event", rec.EventID, "err", err)
		d.ledger.Withdrawal(rec, "memo decode failed")
		return
	}
	rec.Memo = string(op.Memo)

	pool := d.cfg.Accounts(network)
	if len(pool) == 0 {
		d.log.Error("no foreign accounts configured", "network", network)
		d.ledger.Withdrawal(rec, fmt.Sprintf("%s withdrawals unavailable", network))
		return
	}
	amount := float64(op.Amount.Amount) / math.Pow10(asset.AssetPrecision)
	order := chain.Order{
		Public:   pool[0].Public,
		Private:  pool[0].Private,
		To:       client,
		Quantity: amount,
	}
	rec.WithdrawalAmount = amount
	rec.GatewayAddress = order.Public
	rec.ClientAddress = client
	rec.AccountIdx = 0
	rec.OrderPublic = order.Public
	rec.OrderTo = order.To
	rec.OrderQuantity = order.Quantity
	d.log.Info("decoded withdrawal client", "event", rec.EventID, "network", network, "to", client, "amount", amount)

	valid, err := backend.ValidateAddress(ctx, client)
	if err != nil {
		d.log.Error("address verification failed", "network", network, "err", err)
	}
	if !valid {
		d.ledger.Withdrawal(rec, fmt.Sprintf("WARN: memo is NOT a valid %s account name", network))
		return
	}

	// Upon seeing the real foreign-chain payout, the matcher reserves the
	// returned UIA.
	envelope := rec
	timing := d.cfg.TimingOf(network)
	m, err := listener.New(listener.Config{
		Network:     network,
		ListeningTo: client,
		Action:      listener.Reserve,
		Expected:    amount,
		Timeout:     time.Duration(timing.TimeoutSec) * time.Second,
		PollEvery:   time.Duration(d.cfg.ParachainOf(network).PauseSec) * time.Second,
		UIA:         asset.AssetName,
		Precision:   asset.AssetPrecision,
		IssuerID:    asset.IssuerID,
		Nil:         d.cfg.NilAmount(network),
		Withdrawal:  &envelope,
		Ticks:       d.ticks[network],
	}, d.bus, d.wallet, d.ledger, nil, nil)
	if err != nil {
		d.log.Error("reserve matcher rejected", "event", rec.EventID, "err", err)
		return
	}
	go m.Run(ctx)
	d.ledger.Withdrawal(rec, fmt.Sprintf("spawn %s withdrawal listener to reserve %v", network, amount))

	// Hold the payout until the matcher is watching, or it could land in a
	// block below the scan horizon and the burn would never fire.
	select {
	case <-m.Armed():
	case <-time.After(d.armWait):
		d.log.Warn("reserve matcher slow to arm", "event", rec.EventID)
	case <-ctx.Done():
		d.ledger.Withdrawal(rec, "WARN: shutdown before foreign payout")
		return
	}

	txid, err := d.payout(ctx, backend, order)
	if err != nil {
		d.log.Error("foreign payout abandoned", "event", rec.EventID, "err", err)
		d.ledger.Withdrawal(rec, "WARN: foreign chain payout failed")
		return
	}
	rec.TxID = txid
	d.ledger.Withdrawal(rec, fmt.Sprintf("%s TRANSFERRED", strings.ToUpper(network)))
	d.log.Info("foreign payout broadcast", "event", rec.EventID, "network", network, "txid", txid)
}

// decodeMemo unwraps the memo into the client's foreign address. The
// synthetic network writes plaintext memo envelopes; every real network needs
// the wallet daemon's memo key.
func (d *Dispatcher) decodeMemo(ctx context.Context, network string, raw json.RawMessage) (string, error) {
	if network == config.XYZ {
		var mo graphene.MemoObject
		if err := json.Unmarshal(raw, &mo); err != nil {
			return "", err
		}
		return strings.TrimSpace(mo.Message), nil
	}
	return d.wallet.ReadMemo(ctx, raw)
}

// payout broadcasts the order, retrying with quadratic backoff until it is
// accepted or ctx ends. The client's UIA is already in the issuer's hands,
// so giving up on a transient node failure would strand real funds.
func (d *Dispatcher) payout(ctx context.Context, backend chain.Backend, order chain.Order) (string, error) {
	for attempt := 0; ; attempt++ {
		txid, err := backend.Transfer(ctx, order)
		if err == nil {
			return txid, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		d.log.Warn("foreign payout failed, trying again", "network", backend.Network(), "attempt", attempt, "err", err)
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(payoutBackoff(attempt)):
		}
	}
}

func payoutBackoff(attempt int) time.Duration {
	d := time.Duration(attempt*attempt) * 20 * time.Millisecond
	if d > 10*time.Second {
		return 10 * time.Second
	}
	return d
}
