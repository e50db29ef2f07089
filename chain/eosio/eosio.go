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

// Package eosio adapts the EOSIO chain API to the gateway chain interface.
// Reads go to a public chain endpoint; signing is delegated to a co-located
// keosd wallet holding the gateway keys, the same division of labor cleos
// uses. The gateway never touches EOS key material directly.
package eosio

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/paragate/paragate/chain"
	"github.com/paragate/paragate/config"
	"github.com/paragate/paragate/log"
)

const (
	// tokenContract and tokenAction identify the system token transfers the
	// gateway watches and emits.
	tokenContract = "eosio.token"
	tokenAction   = "transfer"

	// coinPrecision is the EOS quantity exponent.
	coinPrecision = 4

	// expirationWindow is how long a signed transaction stays valid.
	expirationWindow = 2 * time.Minute

	requestTimeout = 30 * time.Second
)

// Backend implements chain.Backend for EOSIO.
type Backend struct {
	node   string // chain API base URL
	signer string // keosd wallet API base URL
	hc     *http.Client
	log    log.Logger
}

var _ chain.Backend = (*Backend)(nil)

// New connects a backend to a chain API endpoint and a keosd signer.
func New(nodeURL, signerURL string) *Backend {
	return &Backend{
		node:   strings.TrimRight(nodeURL, "/"),
		signer: strings.TrimRight(signerURL, "/"),
		hc:     &http.Client{Timeout: requestTimeout},
		log:    log.New("network", config.EOSIO),
	}
}

// Network returns "eos".
func (b *Backend) Network() string { return config.EOSIO }

// apiError is an application-level rejection from nodeos or keosd.
type apiError struct {
	Status int
	What   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("node error %d: %s", e.Status, e.What)
}

// post performs one chain or wallet API call. A nil body sends an empty
// request, which the wallet API expects for parameterless calls.
func (b *Backend) post(ctx context.Context, base, path string, body, result interface{}) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("%s: encoding request: %w", path, err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := b.hc.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s: reading response: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		var failure struct {
			Error struct {
				What    string `json:"what"`
				Details []struct {
					Message string `json:"message"`
				} `json:"details"`
			} `json:"error"`
			Message string `json:"message"`
		}
		what := strings.TrimSpace(string(raw))
		if err := json.Unmarshal(raw, &failure); err == nil {
			switch {
			case len(failure.Error.Details) > 0:
				what = failure.Error.What + ": " + failure.Error.Details[0].Message
			case failure.Error.What != "":
				what = failure.Error.What
			case failure.Message != "":
				what = failure.Message
			}
		}
		return fmt.Errorf("%s: %w", path, &apiError{Status: resp.StatusCode, What: what})
	}
	if result == nil {
		return nil
	}
	if err := json.Unmarshal(raw, result); err != nil {
		return fmt.Errorf("%s: decoding result: %w", path, err)
	}
	return nil
}

type chainInfo struct {
	ChainID                  string `json:"chain_id"`
	HeadBlockTime            string `json:"head_block_time"`
	LastIrreversibleBlockNum int64  `json:"last_irreversible_block_num"`
}

func (b *Backend) info(ctx context.Context) (chainInfo, error) {
	var info chainInfo
	err := b.post(ctx, b.node, "/v1/chain/get_info", nil, &info)
	return info, err
}

// Head returns the last irreversible block number. EOSIO heads roll back
// freely; only the irreversible horizon is safe to credit deposits from.
func (b *Backend) Head(ctx context.Context) (int64, error) {
	info, err := b.info(ctx)
	if err != nil {
		return 0, err
	}
	return info.LastIrreversibleBlockNum, nil
}

type rawActionData struct {
	From     string `json:"from"`
	To       string `json:"to"`
	Quantity string `json:"quantity"`
	Memo     string `json:"memo"`
}

type rawAction struct {
	Account string          `json:"account"`
	Name    string          `json:"name"`
	Data    json.RawMessage `json:"data"`
}

type rawTrx struct {
	ID          string `json:"id"`
	Transaction struct {
		Actions []rawAction `json:"actions"`
	} `json:"transaction"`
}

// Block fetches one block and normalizes its system-token transfers. Only
// EOS quantities above 0.01 with memos of at most ten characters survive;
// memo whitespace is stripped since wallets love to pad it.
func (b *Backend) Block(ctx context.Context, number int64) ([]chain.Transfer, error) {
	var block struct {
		Transactions []struct {
			Trx json.RawMessage `json:"trx"`
		} `json:"transactions"`
	}
	body := map[string]string{"block_num_or_id": strconv.FormatInt(number, 10)}
	if err := b.post(ctx, b.node, "/v1/chain/get_block", body, &block); err != nil {
		return nil, err
	}
	var transfers []chain.Transfer
	for _, tx := range block.Transactions {
		// Deferred transactions appear as bare id strings; skip them.
		var trx rawTrx
		if err := json.Unmarshal(tx.Trx, &trx); err != nil {
			continue
		}
		for _, act := range trx.Transaction.Actions {
			if act.Account != tokenContract || act.Name != tokenAction {
				continue
			}
			var data rawActionData
			if err := json.Unmarshal(act.Data, &data); err != nil {
				continue // hex data without a resolvable ABI
			}
			amount, asset, ok := splitQuantity(data.Quantity)
			if !ok || asset != "EOS" || amount <= 0.01 {
				continue
			}
			memo := strings.ReplaceAll(data.Memo, " ", "")
			if len(memo) > 10 {
				continue
			}
			transfers = append(transfers, chain.Transfer{
				To:     data.To,
				From:   data.From,
				Memo:   memo,
				Hash:   trx.ID,
				Asset:  asset,
				Amount: amount,
			})
		}
	}
	return transfers, nil
}

// splitQuantity parses an asset string of the form "1.2345 EOS".
func splitQuantity(quantity string) (float64, string, bool) {
	fields := strings.Fields(quantity)
	if len(fields) != 2 {
		return 0, "", false
	}
	amount, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, "", false
	}
	return amount, fields[1], true
}

// ValidateAddress reports whether the account name exists on chain.
func (b *Backend) ValidateAddress(ctx context.Context, address string) (bool, error) {
	var account struct {
		Created string `json:"created"`
	}
	body := map[string]string{"account_name": address}
	err := b.post(ctx, b.node, "/v1/chain/get_account", body, &account)
	if err != nil {
		var apiErr *apiError
		if errors.As(err, &apiErr) {
			return false, nil
		}
		return false, err
	}
	return account.Created != "", nil
}

// Balance returns an account's liquid EOS.
func (b *Backend) Balance(ctx context.Context, account string) (float64, error) {
	var balances []string
	body := map[string]string{
		"code":    tokenContract,
		"account": account,
		"symbol":  "EOS",
	}
	if err := b.post(ctx, b.node, "/v1/chain/get_currency_balance", body, &balances); err != nil {
		return 0, err
	}
	if len(balances) == 0 {
		return 0, nil
	}
	amount, _, ok := splitQuantity(balances[0])
	if !ok {
		return 0, fmt.Errorf("unparseable balance %q", balances[0])
	}
	return amount, nil
}

// Transfer moves EOS through the cleos call sequence: serialize the action
// on the node, collect the required keys, have keosd sign, then push the
// packed transaction. Each retry rebuilds the transaction from fresh chain
// state so that re-broadcasts are new transactions, not duplicates.
func (b *Backend) Transfer(ctx context.Context, order chain.Order) (string, error) {
	for attempt := 0; ; attempt++ {
		txid, err := b.pushTransfer(ctx, order)
		if err == nil {
			return txid, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		b.log.Warn("transfer broadcast failed, trying again", "to", order.To, "attempt", attempt+1, "err", err)
		select {
		case <-time.After(backoff(attempt)):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

func (b *Backend) pushTransfer(ctx context.Context, order chain.Order) (string, error) {
	info, err := b.info(ctx)
	if err != nil {
		return "", err
	}
	var refBlock struct {
		BlockNum       int64  `json:"block_num"`
		RefBlockPrefix uint32 `json:"ref_block_prefix"`
	}
	body := map[string]string{"block_num_or_id": strconv.FormatInt(info.LastIrreversibleBlockNum, 10)}
	if err := b.post(ctx, b.node, "/v1/chain/get_block", body, &refBlock); err != nil {
		return "", err
	}
	headTime, err := parseChainTime(info.HeadBlockTime)
	if err != nil {
		return "", fmt.Errorf("head block time: %w", err)
	}

	var serialized struct {
		BinArgs string `json:"binargs"`
	}
	err = b.post(ctx, b.node, "/v1/chain/abi_json_to_bin", map[string]interface{}{
		"code":   tokenContract,
		"action": tokenAction,
		"args": map[string]string{
			"from":     order.Public,
			"to":       order.To,
			"quantity": chain.Precisely(order.Quantity, coinPrecision) + " EOS",
			"memo":     order.Memo,
		},
	}, &serialized)
	if err != nil {
		return "", err
	}

	tx := transaction{
		Expiration:            headTime.Add(expirationWindow).Format(expirationLayout),
		RefBlockNum:           uint16(refBlock.BlockNum),
		RefBlockPrefix:        refBlock.RefBlockPrefix,
		ContextFreeActions:    []action{},
		TransactionExtensions: []interface{}{},
		Signatures:            []string{},
		ContextFreeData:       []string{},
		Actions: []action{{
			Account:       tokenContract,
			Name:          tokenAction,
			Authorization: []permissionLevel{{Actor: order.Public, Permission: "active"}},
			Data:          serialized.BinArgs,
		}},
	}

	var available []string
	if err := b.post(ctx, b.signer, "/v1/wallet/get_public_keys", nil, &available); err != nil {
		return "", err
	}
	var required struct {
		RequiredKeys []string `json:"required_keys"`
	}
	err = b.post(ctx, b.node, "/v1/chain/get_required_keys", map[string]interface{}{
		"transaction":    tx,
		"available_keys": available,
	}, &required)
	if err != nil {
		return "", err
	}
	var signed transaction
	err = b.post(ctx, b.signer, "/v1/wallet/sign_transaction",
		[]interface{}{tx, required.RequiredKeys, info.ChainID}, &signed)
	if err != nil {
		return "", err
	}

	packed, err := signed.pack()
	if err != nil {
		return "", err
	}
	var pushed struct {
		TransactionID string          `json:"transaction_id"`
		Processed     json.RawMessage `json:"processed"`
	}
	err = b.post(ctx, b.node, "/v1/chain/push_transaction", map[string]interface{}{
		"signatures":               signed.Signatures,
		"compression":              "none",
		"packed_context_free_data": "",
		"packed_trx":               hex.EncodeToString(packed),
	}, &pushed)
	if err != nil {
		return "", err
	}
	if len(pushed.Processed) == 0 {
		return "", fmt.Errorf("push_transaction: not processed")
	}
	return pushed.TransactionID, nil
}

func backoff(attempt int) time.Duration {
	d := time.Duration(attempt*attempt) * 20 * time.Millisecond
	if d > 10*time.Second {
		d = 10 * time.Second
	}
	return d
}
