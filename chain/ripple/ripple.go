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

// Package ripple adapts the rippled JSON-RPC API to the gateway chain
// interface. Ledgers are read at validated finality; payments are signed by
// the node in sign-and-submit mode, so the configured endpoint must be a
// trusted rippled with admin access.
package ripple

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/paragate/paragate/chain"
	"github.com/paragate/paragate/config"
	"github.com/paragate/paragate/log"
)

const (
	// dropsPerXRP converts the ledger's integer drop amounts.
	dropsPerXRP = 1_000_000

	// tfFullyCanonicalSig pins the signature to its canonical form,
	// closing the transaction-malleability variant of replay.
	tfFullyCanonicalSig uint32 = 2147483648

	requestTimeout = 30 * time.Second
)

// Backend implements chain.Backend for the XRP ledger.
type Backend struct {
	endpoint string
	hc       *http.Client
	log      log.Logger
}

var _ chain.Backend = (*Backend)(nil)

// New connects a backend to a rippled JSON-RPC endpoint.
func New(nodeURL string) *Backend {
	return &Backend{
		endpoint: nodeURL,
		hc:       &http.Client{Timeout: requestTimeout},
		log:      log.New("network", config.Ripple),
	}
}

// Network returns "xrp".
func (b *Backend) Network() string { return config.Ripple }

// apiError is a rippled application error: HTTP succeeded but the command
// was rejected, e.g. actNotFound for a missing account.
type apiError struct {
	Code    string
	Message string
}

func (e *apiError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// call performs one rippled command. rippled wraps both payloads and errors
// in the result object, so the status field is inspected before decoding.
func (b *Backend) call(ctx context.Context, method string, params, result interface{}) error {
	body, err := json.Marshal(map[string]interface{}{
		"method": method,
		"params": []interface{}{params},
	})
	if err != nil {
		return fmt.Errorf("%s: encoding request: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := b.hc.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close()

	var envelope struct {
		Result json.RawMessage `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("%s: decoding response: %w", method, err)
	}
	var status struct {
		Status       string `json:"status"`
		Error        string `json:"error"`
		ErrorMessage string `json:"error_message"`
	}
	if err := json.Unmarshal(envelope.Result, &status); err != nil {
		return fmt.Errorf("%s: decoding status: %w", method, err)
	}
	if status.Status == "error" {
		return fmt.Errorf("%s: %w", method, &apiError{Code: status.Error, Message: status.ErrorMessage})
	}
	if result == nil {
		return nil
	}
	if err := json.Unmarshal(envelope.Result, result); err != nil {
		return fmt.Errorf("%s: decoding result: %w", method, err)
	}
	return nil
}

// flexInt absorbs rippled's habit of quoting some integers: the ledger
// object reports its own index as a string while other commands use numbers.
type flexInt int64

func (f *flexInt) UnmarshalJSON(data []byte) error {
	trimmed := bytes.Trim(data, `"`)
	v, err := strconv.ParseInt(string(trimmed), 10, 64)
	if err != nil {
		return err
	}
	*f = flexInt(v)
	return nil
}

// Head returns the index of the latest validated ledger.
func (b *Backend) Head(ctx context.Context) (int64, error) {
	var result struct {
		Ledger struct {
			LedgerIndex flexInt `json:"ledger_index"`
		} `json:"ledger"`
	}
	params := map[string]interface{}{"ledger_index": "validated"}
	if err := b.call(ctx, "ledger", params, &result); err != nil {
		return 0, err
	}
	return int64(result.Ledger.LedgerIndex), nil
}

type rawPayment struct {
	TransactionType string          `json:"TransactionType"`
	Account         string          `json:"Account"`
	Destination     string          `json:"Destination"`
	Amount          json.RawMessage `json:"Amount"`
	DestinationTag  json.Number     `json:"DestinationTag"`
	Hash            string          `json:"hash"`
	MetaData        struct {
		TransactionResult string `json:"TransactionResult"`
	} `json:"metaData"`
}

// Block fetches one validated ledger with expanded transactions and keeps
// successful native-XRP payments that carry a ten-digit destination tag and
// more than 0.1 XRP. IOU payments carry object amounts and are skipped.
func (b *Backend) Block(ctx context.Context, number int64) ([]chain.Transfer, error) {
	var result struct {
		Ledger struct {
			Transactions []rawPayment `json:"transactions"`
		} `json:"ledger"`
	}
	params := map[string]interface{}{
		"ledger_index": number,
		"transactions": true,
		"expand":       true,
	}
	if err := b.call(ctx, "ledger", params, &result); err != nil {
		return nil, err
	}
	var transfers []chain.Transfer
	for _, tx := range result.Ledger.Transactions {
		if tx.TransactionType != "Payment" || tx.MetaData.TransactionResult != "tesSUCCESS" {
			continue
		}
		drops, native := nativeDrops(tx.Amount)
		if !native {
			continue
		}
		amount := float64(drops) / dropsPerXRP
		memo := tx.DestinationTag.String()
		if len(memo) != 10 || amount <= 0.1 {
			continue
		}
		transfers = append(transfers, chain.Transfer{
			To:     tx.Destination,
			From:   tx.Account,
			Memo:   memo,
			Hash:   tx.Hash,
			Asset:  "XRP",
			Amount: amount,
		})
	}
	return transfers, nil
}

// nativeDrops decodes an Amount field, reporting false for the object form
// used by issued currencies.
func nativeDrops(raw json.RawMessage) (int64, bool) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, false
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

type accountData struct {
	Balance string `json:"Balance"`
}

func (b *Backend) accountInfo(ctx context.Context, account string) (accountData, bool, error) {
	var result struct {
		AccountData *accountData `json:"account_data"`
	}
	params := map[string]interface{}{
		"account":      account,
		"strict":       true,
		"ledger_index": "current",
		"queue":        true,
	}
	err := b.call(ctx, "account_info", params, &result)
	if err != nil {
		var apiErr *apiError
		if errors.As(err, &apiErr) && (apiErr.Code == "actNotFound" || apiErr.Code == "actMalformed") {
			return accountData{}, false, nil
		}
		return accountData{}, false, err
	}
	if result.AccountData == nil {
		return accountData{}, false, nil
	}
	return *result.AccountData, true, nil
}

// ValidateAddress reports whether the account exists on ledger. Unfunded
// accounts fail here on purpose: paying one would silently donate the
// reserve.
func (b *Backend) ValidateAddress(ctx context.Context, address string) (bool, error) {
	_, found, err := b.accountInfo(ctx, address)
	return found, err
}

// Balance returns an account's spendable XRP.
func (b *Backend) Balance(ctx context.Context, account string) (float64, error) {
	data, found, err := b.accountInfo(ctx, account)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, fmt.Errorf("account %s not found", account)
	}
	drops, err := strconv.ParseInt(data.Balance, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("account balance %q: %w", data.Balance, err)
	}
	return float64(drops) / dropsPerXRP, nil
}

// Transfer signs and submits a payment through the node at the minimum
// network fee. A ten-digit numeric order memo becomes the destination tag;
// oversized tags are dropped since the ledger caps tags at 32 bits.
func (b *Backend) Transfer(ctx context.Context, order chain.Order) (string, error) {
	var fees struct {
		Drops struct {
			MinimumFee string `json:"minimum_fee"`
		} `json:"drops"`
	}
	if err := b.call(ctx, "fee", map[string]interface{}{}, &fees); err != nil {
		return "", err
	}
	txJSON := map[string]interface{}{
		"TransactionType": "Payment",
		"Account":         order.Public,
		"Destination":     order.To,
		"Amount":          strconv.FormatInt(int64(order.Quantity*dropsPerXRP), 10),
		"Flags":           tfFullyCanonicalSig,
		"Fee":             fees.Drops.MinimumFee,
	}
	if tag, err := strconv.ParseUint(order.Memo, 10, 32); err == nil && len(order.Memo) == 10 {
		txJSON["DestinationTag"] = tag
	}
	var result struct {
		EngineResult string `json:"engine_result"`
		TxJSON       struct {
			Hash string `json:"hash"`
		} `json:"tx_json"`
	}
	params := map[string]interface{}{
		"secret":  order.Private,
		"tx_json": txJSON,
	}
	if err := b.call(ctx, "submit", params, &result); err != nil {
		return "", err
	}
	if result.EngineResult != "tesSUCCESS" {
		return "", fmt.Errorf("submit: engine result %s", result.EngineResult)
	}
	b.log.Debug("payment submitted", "to", order.To, "tx", result.TxJSON.Hash)
	return result.TxJSON.Hash, nil
}
