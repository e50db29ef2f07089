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

package ltcbtc

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/paragate/paragate/chain"
)

// stubNode impersonates a bitcoind RPC endpoint. The handler receives the
// raw params so tests can pin the exact wire encoding of amounts.
func stubNode(t *testing.T, handler func(method string, params []json.RawMessage) (interface{}, error)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Method string            `json:"method"`
			Params []json.RawMessage `json:"params"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		w.Header().Set("Content-Type", "application/json")

		result, err := handler(req.Method, req.Params)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			require.NoError(t, json.NewEncoder(w).Encode(map[string]interface{}{
				"result": nil,
				"error":  map[string]interface{}{"code": -32000, "message": err.Error()},
			}))
			return
		}
		require.NoError(t, json.NewEncoder(w).Encode(map[string]interface{}{
			"result": result,
			"error":  nil,
		}))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestBackend(t *testing.T, network string, srv *httptest.Server) *Backend {
	t.Helper()
	backend, err := New(network, srv.URL)
	require.NoError(t, err)
	return backend
}

func TestHead(t *testing.T) {
	srv := stubNode(t, func(method string, _ []json.RawMessage) (interface{}, error) {
		require.Equal(t, "getblockcount", method)
		return 712345, nil
	})
	head, err := newTestBackend(t, "btc", srv).Head(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(712345), head)
}

func TestBlockNormalizesSingleAddressOutputs(t *testing.T) {
	srv := stubNode(t, func(method string, params []json.RawMessage) (interface{}, error) {
		switch method {
		case "getblockhash":
			// The requested height must reach the node untouched.
			require.Equal(t, "700000", string(params[0]))
			return "000000000000000000071bloc", nil
		case "getblock":
			require.Equal(t, `"000000000000000000071bloc"`, string(params[0]))
			require.Equal(t, "2", string(params[1]))
			return map[string]interface{}{
				"hash": "000000000000000000071bloc",
				"tx": []map[string]interface{}{
					{
						"txid": "aa01",
						"vout": []map[string]interface{}{
							{"value": 0.5, "scriptPubKey": map[string]interface{}{"addresses": []string{"1Deposit"}}},
							{"value": 0.1, "scriptPubKey": map[string]interface{}{"addresses": []string{"1Multi", "1Sig"}}},
						},
					},
					{
						"txid": "bb02",
						"vout": []map[string]interface{}{
							{"value": 1.25, "scriptPubKey": map[string]interface{}{"address": "bc1modern"}},
							{"value": 0.0, "scriptPubKey": map[string]interface{}{"asm": "OP_RETURN"}},
						},
					},
				},
			}, nil
		}
		return nil, errors.New("unexpected method " + method)
	})
	transfers, err := newTestBackend(t, "btc", srv).Block(context.Background(), 700000)
	require.NoError(t, err)
	require.Len(t, transfers, 2)

	require.Equal(t, "1Deposit", transfers[0].To)
	require.Equal(t, "aa01", transfers[0].Hash)
	require.Equal(t, 0.5, transfers[0].Amount)
	require.Equal(t, "BTC", transfers[0].Asset)
	require.Empty(t, transfers[0].Memo)
	require.Empty(t, transfers[0].From)

	require.Equal(t, "bc1modern", transfers[1].To)
	require.Equal(t, "bb02", transfers[1].Hash)
	require.Equal(t, 1.25, transfers[1].Amount)
}

func TestValidateAddress(t *testing.T) {
	srv := stubNode(t, func(method string, params []json.RawMessage) (interface{}, error) {
		require.Equal(t, "validateaddress", method)
		return map[string]bool{"isvalid": string(params[0]) == `"1Good"`}, nil
	})
	backend := newTestBackend(t, "ltc", srv)

	valid, err := backend.ValidateAddress(context.Background(), "1Good")
	require.NoError(t, err)
	require.True(t, valid)

	valid, err = backend.ValidateAddress(context.Background(), "nonsense")
	require.NoError(t, err)
	require.False(t, valid)
}

func TestBalanceAndUnspent(t *testing.T) {
	srv := stubNode(t, func(method string, _ []json.RawMessage) (interface{}, error) {
		switch method {
		case "getbalance":
			return 3.5, nil
		case "listunspent":
			return []map[string]interface{}{
				{"txid": "u1", "address": "1A", "amount": 1.0, "confirmations": 12},
				{"txid": "u2", "address": "1B", "amount": 2.0, "confirmations": 3},
				{"txid": "u3", "address": "1C", "amount": 0.5, "confirmations": 101},
			}, nil
		}
		return nil, errors.New("unexpected method " + method)
	})
	backend := newTestBackend(t, "btc", srv)

	balance, err := backend.Balance(context.Background(), "")
	require.NoError(t, err)
	require.Equal(t, 3.5, balance)

	unspent, err := backend.Unspent(context.Background())
	require.NoError(t, err)
	require.Len(t, unspent, 3)
	require.Equal(t, "u2", unspent[1].TxID)
	require.Equal(t, int64(3), unspent[1].Confirmations)
}

func TestTransferRetriesUntilAccepted(t *testing.T) {
	var attempts int
	srv := stubNode(t, func(method string, params []json.RawMessage) (interface{}, error) {
		require.Equal(t, "sendtoaddress", method)
		attempts++
		if attempts < 3 {
			return nil, errors.New("Fee estimation failed")
		}
		require.Equal(t, `"1Client"`, string(params[0]))
		// Amounts travel as fixed 8-place decimals, never float noise.
		require.Equal(t, "0.25000000", string(params[1]))
		require.Equal(t, "false", string(params[4]))
		return "cafe1234", nil
	})
	txid, err := newTestBackend(t, "btc", srv).Transfer(context.Background(), chain.Order{To: "1Client", Quantity: 0.25})
	require.NoError(t, err)
	require.Equal(t, "cafe1234", txid)
	require.Equal(t, 3, attempts)
}

func TestSweepSubtractsFeeFromAmount(t *testing.T) {
	srv := stubNode(t, func(method string, params []json.RawMessage) (interface{}, error) {
		require.Equal(t, "sendtoaddress", method)
		require.Equal(t, "true", string(params[4]))
		return "sweep99", nil
	})
	txid, err := newTestBackend(t, "ltc", srv).Sweep(context.Background(), chain.Order{To: "MHot", Quantity: 10.0})
	require.NoError(t, err)
	require.Equal(t, "sweep99", txid)
}

func TestTransferStopsOnCancel(t *testing.T) {
	srv := stubNode(t, func(string, []json.RawMessage) (interface{}, error) {
		return nil, errors.New("wallet is locked")
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newTestBackend(t, "btc", srv).Transfer(ctx, chain.Order{To: "1Client", Quantity: 1.0})
	require.ErrorIs(t, err, context.Canceled)
}

func TestBasicAuthForwarded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		require.Equal(t, "alice", user)
		require.Equal(t, "hunter2", pass)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"result":1,"error":null}`))
	}))
	t.Cleanup(srv.Close)

	withAuth, err := url.Parse(srv.URL)
	require.NoError(t, err)
	withAuth.User = url.UserPassword("alice", "hunter2")

	backend, err := New("btc", withAuth.String())
	require.NoError(t, err)
	head, err := backend.Head(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1), head)
}

func TestNewKeyPair(t *testing.T) {
	t.Run("bitcoin", func(t *testing.T) {
		srv := stubNode(t, func(method string, params []json.RawMessage) (interface{}, error) {
			switch method {
			case "getnewaddress":
				require.Equal(t, `"legacy"`, string(params[1]))
				return "1Fresh", nil
			case "dumpprivkey":
				require.Equal(t, `"1Fresh"`, string(params[0]))
				return "5JWif", nil
			}
			return nil, errors.New("unexpected method " + method)
		})
		pair, err := newTestBackend(t, "btc", srv).NewKeyPair(context.Background())
		require.NoError(t, err)
		require.Equal(t, "1Fresh", pair.Public)
		require.Equal(t, "5JWif", pair.Private)
	})

	t.Run("litecoin", func(t *testing.T) {
		srv := stubNode(t, func(method string, params []json.RawMessage) (interface{}, error) {
			switch method {
			case "getnewaddress":
				return "ltc1base", nil
			case "getaddressinfo":
				require.Equal(t, `"ltc1base"`, string(params[0]))
				return map[string]interface{}{
					"embedded": map[string]interface{}{"address": "MWrapped"},
				}, nil
			case "dumpprivkey":
				require.Equal(t, `"MWrapped"`, string(params[0]))
				return "TWif", nil
			}
			return nil, errors.New("unexpected method " + method)
		})
		pair, err := newTestBackend(t, "ltc", srv).NewKeyPair(context.Background())
		require.NoError(t, err)
		require.Equal(t, "MWrapped", pair.Public)
		require.Equal(t, "TWif", pair.Private)
	})
}

func TestRPCErrorSurfaced(t *testing.T) {
	srv := stubNode(t, func(string, []json.RawMessage) (interface{}, error) {
		return nil, errors.New("Loading block index")
	})
	_, err := newTestBackend(t, "btc", srv).Head(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "Loading block index")
}
