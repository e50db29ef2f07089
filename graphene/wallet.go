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

package graphene

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/paragate/paragate/log"
)

// Wallet is a client of the host-ledger wallet daemon. The daemon holds the
// issuer keys and performs all signing and memo cryptography; this side only
// shapes the calls. It must be unlocked before the gateway starts issuing.
type Wallet struct {
	endpoint string
	hc       *http.Client
	log      log.Logger
}

// NewWallet returns a wallet client for the daemon at the given HTTP-RPC
// endpoint.
func NewWallet(endpoint string) *Wallet {
	return &Wallet{
		endpoint: strings.TrimRight(endpoint, "/"),
		hc:       &http.Client{Timeout: requestTimeout},
		log:      log.New("api", "wallet"),
	}
}

func (w *Wallet) call(ctx context.Context, method string, params []interface{}, result interface{}) error {
	if params == nil {
		params = []interface{}{}
	}
	body, err := json.Marshal(rpcRequest{Method: method, Params: params, JSONRPC: "2.0", ID: 1})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.hc.Do(req)
	if err != nil {
		return fmt.Errorf("graphene: wallet %s: %w", method, err)
	}
	defer resp.Body.Close()

	var envelope rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("graphene: wallet %s: %w", method, err)
	}
	if envelope.Error != nil {
		return envelope.Error
	}
	if result == nil {
		return nil
	}
	return json.Unmarshal(envelope.Result, result)
}

// IsLocked reports the daemon's lock state.
func (w *Wallet) IsLocked(ctx context.Context) (bool, error) {
	var locked bool
	err := w.call(ctx, "is_locked", nil, &locked)
	return locked, err
}

// Unlock opens the wallet for signing.
func (w *Wallet) Unlock(ctx context.Context, password string) error {
	return w.call(ctx, "unlock", []interface{}{password}, nil)
}

// Issue mints UIA into a client account, covering a confirmed deposit. The
// amount is a decimal string already trimmed to the asset's precision; the
// daemon signs and broadcasts, returning the signed transaction.
func (w *Wallet) Issue(ctx context.Context, to, amount, symbol string) (json.RawMessage, error) {
	var signed json.RawMessage
	if err := w.call(ctx, "issue_asset", []interface{}{to, amount, symbol, "", true}, &signed); err != nil {
		return nil, err
	}
	w.log.Info("issued asset", "asset", symbol, "amount", amount, "to", to)
	return signed, nil
}

// Reserve burns UIA out of the issuer's balance, retiring tokens a client
// returned for withdrawal.
func (w *Wallet) Reserve(ctx context.Context, from, amount, symbol string) (json.RawMessage, error) {
	var signed json.RawMessage
	if err := w.call(ctx, "reserve_asset", []interface{}{from, amount, symbol, true}, &signed); err != nil {
		return nil, err
	}
	w.log.Info("reserved asset", "asset", symbol, "amount", amount)
	return signed, nil
}

// Transfer moves an asset between host-ledger accounts. The plaintext memo
// is encrypted by the daemon to the recipient's memo key.
func (w *Wallet) Transfer(ctx context.Context, from, to, amount, symbol, memo string) (json.RawMessage, error) {
	var signed json.RawMessage
	if err := w.call(ctx, "transfer", []interface{}{from, to, amount, symbol, memo, true}, &signed); err != nil {
		return nil, err
	}
	w.log.Info("transferred asset", "asset", symbol, "amount", amount, "to", to)
	return signed, nil
}

// ReadMemo decrypts a transfer memo envelope with the daemon's keys. The
// plaintext is squeezed of spaces and newlines, since clients paste foreign
// addresses with stray whitespace.
func (w *Wallet) ReadMemo(ctx context.Context, memo json.RawMessage) (string, error) {
	var plain string
	if err := w.call(ctx, "read_memo", []interface{}{memo}, &plain); err != nil {
		return "", err
	}
	plain = strings.ReplaceAll(plain, "\n", "")
	plain = strings.ReplaceAll(plain, " ", "")
	return plain, nil
}
