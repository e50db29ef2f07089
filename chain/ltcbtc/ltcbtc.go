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

// Package ltcbtc adapts the bitcoind wallet RPC, shared verbatim by litecoind,
// to the gateway chain interface. One Backend serves either network; the two
// differ only in node endpoint and coin tag.
package ltcbtc

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/paragate/paragate/chain"
	"github.com/paragate/paragate/config"
	"github.com/paragate/paragate/log"
)

// coinPrecision is the satoshi exponent, common to both coins.
const coinPrecision = 8

// Backend implements chain.Backend for Bitcoin and Litecoin.
type Backend struct {
	network string
	client  *rpcClient
	log     log.Logger
}

var _ chain.Backend = (*Backend)(nil)

// New connects a backend to a bitcoind or litecoind wallet node. nodeURL may
// carry credentials in its userinfo section and a /wallet/<name> path when
// the node hosts multiple wallets.
func New(network, nodeURL string) (*Backend, error) {
	client, err := newRPCClient(nodeURL)
	if err != nil {
		return nil, err
	}
	return &Backend{
		network: network,
		client:  client,
		log:     log.New("network", network),
	}, nil
}

// Network returns the coin tag, "btc" or "ltc".
func (b *Backend) Network() string { return b.network }

// Head returns the current block count. UTXO finality is probabilistic, so
// the raw tip stands in for an irreversible head and confirmation depth is
// left to the timing laws upstream.
func (b *Backend) Head(ctx context.Context) (int64, error) {
	var count int64
	if err := b.client.call(ctx, &count, "getblockcount"); err != nil {
		return 0, err
	}
	return count, nil
}

type rawBlock struct {
	Hash string           `json:"hash"`
	Tx   []rawTransaction `json:"tx"`
}

type rawTransaction struct {
	TxID string   `json:"txid"`
	Vout []rawOut `json:"vout"`
}

type rawOut struct {
	Value        float64   `json:"value"`
	ScriptPubKey rawScript `json:"scriptPubKey"`
}

// rawScript tolerates both script encodings: bitcoind 22+ collapsed the
// single-entry "addresses" array into an "address" string.
type rawScript struct {
	Address   string   `json:"address"`
	Addresses []string `json:"addresses"`
}

func (s rawScript) single() (string, bool) {
	if len(s.Addresses) == 1 {
		return s.Addresses[0], true
	}
	if len(s.Addresses) == 0 && s.Address != "" {
		return s.Address, true
	}
	return "", false
}

// Block fetches one block by height and normalizes every output that pays a
// single address into a transfer. UTXO transactions carry no memo and no
// useful sender, so those fields stay empty and deposits on these networks
// are matched purely by deposit address.
func (b *Backend) Block(ctx context.Context, number int64) ([]chain.Transfer, error) {
	var hash string
	if err := b.client.call(ctx, &hash, "getblockhash", number); err != nil {
		return nil, err
	}
	var block rawBlock
	if err := b.client.call(ctx, &block, "getblock", hash, 2); err != nil {
		return nil, err
	}
	var transfers []chain.Transfer
	for _, tx := range block.Tx {
		for _, out := range tx.Vout {
			address, ok := out.ScriptPubKey.single()
			if !ok {
				continue
			}
			transfers = append(transfers, chain.Transfer{
				To:     address,
				Hash:   tx.TxID,
				Asset:  strings.ToUpper(b.network),
				Amount: out.Value,
			})
		}
	}
	return transfers, nil
}

// ValidateAddress asks the node whether the address is well-formed.
func (b *Backend) ValidateAddress(ctx context.Context, address string) (bool, error) {
	var report struct {
		IsValid bool `json:"isvalid"`
	}
	if err := b.client.call(ctx, &report, "validateaddress", address); err != nil {
		return false, err
	}
	return report.IsValid, nil
}

// Balance returns the confirmed wallet balance. The wallet aggregates every
// pooled address, so the account argument is ignored.
func (b *Backend) Balance(ctx context.Context, _ string) (float64, error) {
	var balance float64
	if err := b.client.call(ctx, &balance, "getbalance"); err != nil {
		return 0, err
	}
	return balance, nil
}

// Unspent lists the wallet's spendable outputs.
func (b *Backend) Unspent(ctx context.Context) ([]chain.Unspent, error) {
	var outputs []chain.Unspent
	if err := b.client.call(ctx, &outputs, "listunspent"); err != nil {
		return nil, err
	}
	return outputs, nil
}

// Transfer pays order.Quantity to order.To on top of the network fee, which
// the wallet adds from its own balance. Keys live in the node wallet, so the
// order's key material is not consulted. Broadcasting is retried until the
// node accepts the payment or the context ends; giving up between a burn and
// its payout would strand the client's funds.
func (b *Backend) Transfer(ctx context.Context, order chain.Order) (string, error) {
	return b.send(ctx, order, false)
}

// Sweep moves order.Quantity to order.To with the fee subtracted from the
// amount, allowing the entire wallet balance to be consolidated.
func (b *Backend) Sweep(ctx context.Context, order chain.Order) (string, error) {
	return b.send(ctx, order, true)
}

func (b *Backend) send(ctx context.Context, order chain.Order, subtractFee bool) (string, error) {
	amount := json.RawMessage(chain.Precisely(order.Quantity, coinPrecision))
	for attempt := 0; ; attempt++ {
		var txid string
		err := b.client.call(ctx, &txid, "sendtoaddress", order.To, amount, "", "", subtractFee)
		if err == nil {
			return txid, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		b.log.Warn("payment broadcast failed, trying again", "to", order.To, "attempt", attempt+1, "err", err)
		select {
		case <-time.After(backoff(attempt)):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// NewKeyPair has the wallet mint a fresh deposit address and exports its
// key, for growing the configured gateway pool. Bitcoin pools stay on legacy
// addresses; litecoind instead reports the script-wrapped segwit form of a
// fresh address.
func (b *Backend) NewKeyPair(ctx context.Context) (config.KeyPair, error) {
	var public string
	if b.network == config.Bitcoin {
		if err := b.client.call(ctx, &public, "getnewaddress", "", "legacy"); err != nil {
			return config.KeyPair{}, err
		}
	} else {
		var base string
		if err := b.client.call(ctx, &base, "getnewaddress"); err != nil {
			return config.KeyPair{}, err
		}
		var info struct {
			Embedded struct {
				Address string `json:"address"`
			} `json:"embedded"`
		}
		if err := b.client.call(ctx, &info, "getaddressinfo", base); err != nil {
			return config.KeyPair{}, err
		}
		public = info.Embedded.Address
		if public == "" {
			public = base
		}
	}
	var private string
	if err := b.client.call(ctx, &private, "dumpprivkey", public); err != nil {
		return config.KeyPair{}, err
	}
	return config.KeyPair{Public: public, Private: private}, nil
}

func backoff(attempt int) time.Duration {
	d := time.Duration(attempt*attempt) * 20 * time.Millisecond
	if d > 10*time.Second {
		d = 10 * time.Second
	}
	return d
}
