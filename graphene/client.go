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

// Package graphene talks to the host ledger: a websocket client over a pool
// of public API nodes, and a wallet client that hands issue, reserve and
// memo-decode calls to the wallet daemon holding the issuer keys.
package graphene

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	lru "github.com/hashicorp/golang-lru"

	"github.com/paragate/paragate/log"
)

const (
	// handshakeBudget bounds how long a node may take to accept the
	// websocket upgrade before the client moves on to the next one.
	handshakeBudget = 4 * time.Second

	// requestTimeout bounds one call round trip when the caller's context
	// carries no deadline of its own.
	requestTimeout = 30 * time.Second

	// callAttempts is how many node rotations a single call survives
	// before the transport error is surfaced.
	callAttempts = 10

	assetCacheSize = 64
)

// Client is a lockstep JSON-RPC client over one websocket at a time, drawn
// from a shuffled pool of public nodes. Any transport failure drops the
// connection and rotates to the next node.
type Client struct {
	mu     sync.Mutex
	nodes  []string
	conn   *websocket.Conn
	reqID  uint64
	assets *lru.Cache
	log    log.Logger
}

// NewClient returns a client over the given node pool. The pool order is
// shuffled once so concurrent workers spread across the public nodes.
func NewClient(nodes []string) *Client {
	pool := make([]string, len(nodes))
	copy(pool, nodes)
	rand.Shuffle(len(pool), func(i, j int) {
		pool[i], pool[j] = pool[j], pool[i]
	})
	assets, _ := lru.New(assetCacheSize)
	return &Client{
		nodes:  pool,
		assets: assets,
		log:    log.New("api", "graphene"),
	}
}

// Close drops the current connection, if any.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.drop()
}

// Rotate drops the current connection so the next call lands on a different
// node. Consensus readers rotate on a schedule to shed sticky or lying nodes.
func (c *Client) Rotate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.drop()
}

func (c *Client) drop() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

// connect rotates through the pool until a node completes the handshake
// within the latency budget. Callers hold c.mu.
func (c *Client) connect(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		c.drop()
		c.nodes = append(c.nodes[1:], c.nodes[0])
		node := c.nodes[0]

		start := time.Now()
		dialCtx, cancel := context.WithTimeout(ctx, handshakeBudget)
		conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, node, nil)
		cancel()
		if err != nil {
			c.log.Trace("node handshake failed", "node", node, "err", err)
			continue
		}
		elapsed := time.Since(start)
		if elapsed > handshakeBudget {
			conn.Close()
			c.log.Trace("node handshake too slow", "node", node, "elapsed", elapsed)
			continue
		}
		c.log.Debug("host ledger node selected", "node", node, "latency", elapsed)
		c.conn = conn
		return nil
	}
}

type rpcRequest struct {
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
}

type rpcResponse struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("graphene: remote error %d: %s", e.Code, e.Message)
}

// call performs one api call, reconnecting to fresh nodes on transport
// errors. A well-formed error response from the node is returned as is; only
// transport trouble burns rotation attempts.
func (c *Client) call(ctx context.Context, api, method string, params, result interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if params == nil {
		params = []interface{}{}
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(requestTimeout)
	}
	var lastErr error
	for attempt := 0; attempt < callAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if c.conn == nil {
			if err := c.connect(ctx); err != nil {
				return err
			}
		}
		c.reqID++
		req := rpcRequest{
			Method:  "call",
			Params:  []interface{}{api, method, params},
			JSONRPC: "2.0",
			ID:      c.reqID,
		}
		c.conn.SetWriteDeadline(deadline)
		c.conn.SetReadDeadline(deadline)
		if err := c.conn.WriteJSON(req); err != nil {
			lastErr = err
			c.drop()
			continue
		}
		var resp rpcResponse
		if err := c.conn.ReadJSON(&resp); err != nil {
			lastErr = err
			c.drop()
			continue
		}
		if resp.Error != nil {
			return resp.Error
		}
		if result == nil {
			return nil
		}
		if err := json.Unmarshal(resp.Result, result); err != nil {
			lastErr = err
			c.drop()
			continue
		}
		return nil
	}
	return fmt.Errorf("graphene: %s.%s: %w", api, method, lastErr)
}

// DynamicGlobals is the slice of object 2.1.0 the gateway consumes.
type DynamicGlobals struct {
	HeadBlockNumber  int64  `json:"head_block_number"`
	LastIrreversible int64  `json:"last_irreversible_block_num"`
	Time             string `json:"time"`
}

const chainTimeLayout = "2006-01-02T15:04:05"

// BlockTime parses the node's head block timestamp, which carries no zone
// suffix but is UTC.
func (d DynamicGlobals) BlockTime() (time.Time, error) {
	return time.Parse(chainTimeLayout, d.Time)
}

// Globals fetches the dynamic global properties.
func (c *Client) Globals(ctx context.Context) (DynamicGlobals, error) {
	var globals DynamicGlobals
	err := c.call(ctx, "database", "get_dynamic_global_properties", nil, &globals)
	return globals, err
}

// BlockTransactions fetches one block and returns its transaction list in
// canonical JSON: keys sorted, whitespace normalized, numbers untouched.
// Canonical form makes answers from independent nodes comparable byte for
// byte, which the ingestor's consensus vote relies on.
func (c *Client) BlockTransactions(ctx context.Context, number int64) (json.RawMessage, error) {
	var block struct {
		Transactions json.RawMessage `json:"transactions"`
	}
	if err := c.call(ctx, "database", "get_block", []interface{}{number}, &block); err != nil {
		return nil, err
	}
	if block.Transactions == nil {
		return nil, fmt.Errorf("graphene: block %d carries no transaction list", number)
	}
	return canonicalJSON(block.Transactions)
}

func canonicalJSON(raw json.RawMessage) (json.RawMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

// Asset is the host-ledger metadata of one asset.
type Asset struct {
	ID        string `json:"id"`
	Symbol    string `json:"symbol"`
	Precision int    `json:"precision"`
}

// LookupAsset resolves an asset symbol or object id, serving repeats from a
// small cache. Precision lookups happen on every withdrawal, the set of
// managed assets is tiny, and asset metadata never changes.
func (c *Client) LookupAsset(ctx context.Context, symbolOrID string) (Asset, error) {
	if hit, ok := c.assets.Get(symbolOrID); ok {
		return hit.(Asset), nil
	}
	var found []*Asset
	err := c.call(ctx, "database", "lookup_asset_symbols", []interface{}{[]string{symbolOrID}}, &found)
	if err != nil {
		return Asset{}, err
	}
	if len(found) == 0 || found[0] == nil {
		return Asset{}, fmt.Errorf("graphene: unknown asset %q", symbolOrID)
	}
	asset := *found[0]
	c.assets.Add(asset.ID, asset)
	c.assets.Add(asset.Symbol, asset)
	return asset, nil
}

// Operation is one [code, body] pair inside a host-ledger transaction.
type Operation struct {
	Code int
	Body json.RawMessage
}

// MarshalJSON re-encodes the wire form.
func (o Operation) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{o.Code, o.Body})
}

// UnmarshalJSON decodes the wire form, a two-element heterogeneous array.
func (o *Operation) UnmarshalJSON(data []byte) error {
	var pair []json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	if len(pair) != 2 {
		return fmt.Errorf("graphene: operation is not a [code, body] pair")
	}
	if err := json.Unmarshal(pair[0], &o.Code); err != nil {
		return err
	}
	o.Body = pair[1]
	return nil
}

// Transaction is the subset of a host-ledger transaction the gateway reads.
type Transaction struct {
	Operations []Operation `json:"operations"`
}

// OpTransfer is the op code of a plain asset transfer.
const OpTransfer = 0

// TransferOp is the body of an op-code 0 operation. Memo is kept raw so it
// can be handed verbatim to the wallet daemon for decoding; a nil Memo means
// the transfer carried none.
type TransferOp struct {
	From   string          `json:"from"`
	To     string          `json:"to"`
	Amount AssetAmount     `json:"amount"`
	Memo   json.RawMessage `json:"memo,omitempty"`
}

// AssetAmount is a graphene integer amount plus its asset id.
type AssetAmount struct {
	Amount  Int64  `json:"amount"`
	AssetID string `json:"asset_id"`
}

// MemoObject is the decrypted-form envelope of a transfer memo. Only the
// synthetic network reads it directly; real memos go to the wallet daemon.
type MemoObject struct {
	From    string      `json:"from"`
	To      string      `json:"to"`
	Nonce   json.Number `json:"nonce"`
	Message string      `json:"message"`
}

// Int64 tolerates both JSON numbers and quoted numbers, which nodes disagree
// on for amounts past 2^53.
type Int64 int64

func (n *Int64) UnmarshalJSON(data []byte) error {
	data = bytes.Trim(data, `"`)
	var v int64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*n = Int64(v)
	return nil
}
