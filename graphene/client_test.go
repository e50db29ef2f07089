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
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// stubNode serves the host-ledger websocket protocol, dispatching every call
// to handler. It returns a ws:// URL.
func stubNode(t *testing.T, handler func(api, method string, params []json.RawMessage) (interface{}, error)) string {
	t.Helper()

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var req struct {
				Method string            `json:"method"`
				Params []json.RawMessage `json:"params"`
				ID     uint64            `json:"id"`
			}
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			var (
				api    string
				method string
				params []json.RawMessage
			)
			require.Len(t, req.Params, 3)
			require.NoError(t, json.Unmarshal(req.Params[0], &api))
			require.NoError(t, json.Unmarshal(req.Params[1], &method))
			require.NoError(t, json.Unmarshal(req.Params[2], &params))

			resp := map[string]interface{}{"id": req.ID, "jsonrpc": "2.0"}
			result, callErr := handler(api, method, params)
			if callErr != nil {
				resp["error"] = map[string]interface{}{"code": 1, "message": callErr.Error()}
			} else {
				resp["result"] = result
			}
			if err := conn.WriteJSON(resp); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// deadNode accepts the websocket upgrade and drops the connection without
// ever answering.
func deadNode(t *testing.T) string {
	t.Helper()

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.Close()
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestGlobals(t *testing.T) {
	node := stubNode(t, func(api, method string, params []json.RawMessage) (interface{}, error) {
		require.Equal(t, "database", api)
		require.Equal(t, "get_dynamic_global_properties", method)
		require.Empty(t, params)
		return map[string]interface{}{
			"head_block_number":           1000,
			"last_irreversible_block_num": 995,
			"time":                        "2021-01-01T12:00:00",
		}, nil
	})

	client := NewClient([]string{node})
	defer client.Close()

	globals, err := client.Globals(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1000), globals.HeadBlockNumber)
	require.Equal(t, int64(995), globals.LastIrreversible)

	at, err := globals.BlockTime()
	require.NoError(t, err)
	require.Equal(t, time.Date(2021, 1, 1, 12, 0, 0, 0, time.UTC), at)
}

func TestClientRotatesPastDeadNode(t *testing.T) {
	dead := deadNode(t)
	live := stubNode(t, func(api, method string, params []json.RawMessage) (interface{}, error) {
		return map[string]interface{}{
			"head_block_number":           7,
			"last_irreversible_block_num": 5,
			"time":                        "2021-01-01T12:00:00",
		}, nil
	})

	client := NewClient([]string{dead, live})
	defer client.Close()

	globals, err := client.Globals(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(5), globals.LastIrreversible)
}

func TestBlockTransactionsCanonicalizes(t *testing.T) {
	// Keys deliberately unsorted, spacing irregular, one amount past 2^53.
	raw := json.RawMessage(`[ {"operations": [[0, {"to":"1.2.5", "from":"1.2.9",
		"amount": {"asset_id":"1.3.1","amount": 9007199254740993}}]] } ]`)

	node := stubNode(t, func(api, method string, params []json.RawMessage) (interface{}, error) {
		require.Equal(t, "get_block", method)
		require.Len(t, params, 1)
		require.JSONEq(t, "4000000", string(params[0]))
		return map[string]interface{}{"transactions": raw}, nil
	})

	client := NewClient([]string{node})
	defer client.Close()

	canonical, err := client.BlockTransactions(context.Background(), 4000000)
	require.NoError(t, err)
	require.Equal(t,
		`[{"operations":[[0,{"amount":{"amount":9007199254740993,"asset_id":"1.3.1"},"from":"1.2.9","to":"1.2.5"}]]}]`,
		string(canonical))

	// Same content from another node, differently shaped, lands on the
	// same bytes.
	other := json.RawMessage(`[{"operations":[[0,{"amount":{"amount":9007199254740993,"asset_id":"1.3.1"},"from":"1.2.9","to":"1.2.5"}]]}]`)
	again, err := canonicalJSON(other)
	require.NoError(t, err)
	require.Equal(t, string(canonical), string(again))
}

func TestBlockTransactionsMissingList(t *testing.T) {
	node := stubNode(t, func(api, method string, params []json.RawMessage) (interface{}, error) {
		return map[string]interface{}{"previous": "00f00ba5"}, nil
	})

	client := NewClient([]string{node})
	defer client.Close()

	_, err := client.BlockTransactions(context.Background(), 42)
	require.ErrorContains(t, err, "no transaction list")
}

func TestLookupAssetCaches(t *testing.T) {
	var lookups int
	node := stubNode(t, func(api, method string, params []json.RawMessage) (interface{}, error) {
		require.Equal(t, "lookup_asset_symbols", method)
		lookups++
		return []map[string]interface{}{
			{"id": "1.3.850", "symbol": "GATEWAY.BTC", "precision": 8},
		}, nil
	})

	client := NewClient([]string{node})
	defer client.Close()

	asset, err := client.LookupAsset(context.Background(), "GATEWAY.BTC")
	require.NoError(t, err)
	require.Equal(t, Asset{ID: "1.3.850", Symbol: "GATEWAY.BTC", Precision: 8}, asset)

	// Served from cache by symbol and by id alike.
	_, err = client.LookupAsset(context.Background(), "GATEWAY.BTC")
	require.NoError(t, err)
	_, err = client.LookupAsset(context.Background(), "1.3.850")
	require.NoError(t, err)
	require.Equal(t, 1, lookups)
}

func TestLookupAssetUnknown(t *testing.T) {
	node := stubNode(t, func(api, method string, params []json.RawMessage) (interface{}, error) {
		return []interface{}{nil}, nil
	})

	client := NewClient([]string{node})
	defer client.Close()

	_, err := client.LookupAsset(context.Background(), "NO.SUCH")
	require.ErrorContains(t, err, "unknown asset")
}

func TestNodeErrorSurfaced(t *testing.T) {
	node := stubNode(t, func(api, method string, params []json.RawMessage) (interface{}, error) {
		return nil, errors.New("assert_exception: block not found")
	})

	client := NewClient([]string{node})
	defer client.Close()

	_, err := client.BlockTransactions(context.Background(), 99)
	require.ErrorContains(t, err, "remote error")
	require.ErrorContains(t, err, "block not found")
}

func TestOperationUnmarshal(t *testing.T) {
	var op Operation
	require.NoError(t, json.Unmarshal([]byte(`[0,{"from":"1.2.9","to":"1.2.5"}]`), &op))
	require.Equal(t, OpTransfer, op.Code)

	var body TransferOp
	require.NoError(t, json.Unmarshal(op.Body, &body))
	require.Equal(t, "1.2.9", body.From)
	require.Equal(t, "1.2.5", body.To)
	require.Nil(t, body.Memo)

	require.Error(t, json.Unmarshal([]byte(`[0]`), &op))
	require.Error(t, json.Unmarshal([]byte(`{"op":0}`), &op))
}

func TestTransferOpMemoAndAmounts(t *testing.T) {
	payload := `{
		"from": "1.2.200",
		"to": "1.2.484",
		"amount": {"amount": "100000000", "asset_id": "1.3.851"},
		"memo": {"from": "BTS7abc", "to": "BTS8def", "nonce": "407795228621064", "message": "9823e23c"}
	}`
	var body TransferOp
	require.NoError(t, json.Unmarshal([]byte(payload), &body))
	require.Equal(t, Int64(100000000), body.Amount.Amount)
	require.Equal(t, "1.3.851", body.Amount.AssetID)
	require.NotNil(t, body.Memo)

	var memo MemoObject
	require.NoError(t, json.Unmarshal(body.Memo, &memo))
	require.Equal(t, "BTS7abc", memo.From)
	require.Equal(t, "9823e23c", memo.Message)
	require.Equal(t, "407795228621064", memo.Nonce.String())

	// Bare numeric nonce and amount are equally valid on the wire.
	payload = `{"amount": {"amount": 5, "asset_id": "1.3.0"}, "memo": {"nonce": 12345}}`
	body = TransferOp{}
	require.NoError(t, json.Unmarshal([]byte(payload), &body))
	require.Equal(t, Int64(5), body.Amount.Amount)
	memo = MemoObject{}
	require.NoError(t, json.Unmarshal(body.Memo, &memo))
	require.Equal(t, "12345", memo.Nonce.String())
}
