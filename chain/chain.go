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

// Package chain defines the view the gateway takes of every foreign ledger:
// a monotone head number, per-block lists of normalized transfers, address
// validation and an outbound payment primitive. Each supported network
// implements Backend in its own subpackage against the node or wallet RPC of
// that chain; everything above this layer is network-agnostic.
package chain

import (
	"context"
	"errors"
	"strconv"
	"strings"
)

// ErrBlockData marks a block whose payload could not be decoded into
// transfers. Callers treat it as a permanent gap: the block is chronicled and
// skipped rather than refetched.
var ErrBlockData = errors.New("block data unavailable")

// Transfer is one normalized value movement observed on a foreign chain.
// Only the fields the matcher needs survive normalization; everything else
// about the native transaction format is discarded at the backend boundary.
type Transfer struct {
	To     string  `json:"to"`
	From   string  `json:"from"`
	Memo   string  `json:"memo"`
	Hash   string  `json:"hash"`
	Asset  string  `json:"asset"`
	Amount float64 `json:"amount"`
}

// Unspent is one spendable output of a UTXO-accounted wallet. The ingot
// caster consolidates the pool once the wallet fragments past a configured
// output count.
type Unspent struct {
	TxID          string  `json:"txid"`
	Address       string  `json:"address"`
	Amount        float64 `json:"amount"`
	Confirmations int64   `json:"confirmations"`
}

// Order is an outbound payment request against a pooled gateway account.
// Memo is attached where the chain can carry one, so that the gateway's own
// payouts survive the same normalization filters its matchers read through.
// The private key never crosses a process boundary: it is excluded from any
// JSON encoding of the order.
type Order struct {
	Public   string  `json:"public"`
	Private  string  `json:"-"`
	To       string  `json:"to"`
	Memo     string  `json:"memo,omitempty"`
	Quantity float64 `json:"quantity"`
}

// Backend is the per-network adapter the gateway workers program against.
//
// Head and Block reads may fail transiently; callers retry those. A Block
// error wrapping ErrBlockData is permanent and means the block must be
// skipped. Transfer blocks until the payment is accepted by the remote chain
// or the context is cancelled.
type Backend interface {
	// Network returns the lowercase network tag, e.g. "btc".
	Network() string

	// Head returns the number of the latest irreversible block.
	Head(ctx context.Context) (int64, error)

	// Block returns the normalized transfers of one block.
	Block(ctx context.Context, number int64) ([]Transfer, error)

	// ValidateAddress reports whether the chain considers address
	// well-formed and existing where existence is checkable.
	ValidateAddress(ctx context.Context, address string) (bool, error)

	// Balance returns the spendable balance of an account in whole coins.
	Balance(ctx context.Context, account string) (float64, error)

	// Transfer signs and broadcasts an order, returning the transaction id.
	Transfer(ctx context.Context, order Order) (string, error)
}

// Roughly reports whether amount lies within one basis point of reference.
// Foreign-chain payouts shed dust to fees and float conversion, so exact
// equality is never required when matching a withdrawal against its payout.
func Roughly(amount, reference float64) bool {
	return 0.9999*reference <= amount && amount <= 1.0001*reference
}

// Precisely renders a float as a decimal string truncated, never rounded, to
// the given number of places. Chains reject overprecise quantities, and
// rounding up could promise a client more than the gateway holds.
func Precisely(number float64, precision int) string {
	expanded := strconv.FormatFloat(number, 'f', 99, 64)
	dot := strings.IndexByte(expanded, '.')
	if dot < 0 {
		return expanded
	}
	return expanded[:dot+precision+1]
}
