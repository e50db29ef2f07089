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

package ripple

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/paragate/paragate/chain"
)

// stubRippled impersonates a rippled JSON-RPC endpoint. The handler gets the
// command name and its single parameter object.
func stubRippled(t *testing.T, handler func(method string, params map[string]interface{}) map[string]interface{}) *Backend {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Method string                   `json:"method"`
			Params []map[string]interface{} `json:"params"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		var params map[string]interface{}
		if len(req.Params) > 0 {
			params = req.Params[0]
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(map[string]interface{}{
			"result": handler(req.Method, params),
		}))
	}))
	t.Cleanup(srv.Close)
	return New(srv.URL)
}

func TestHead(t *testing.T) {
	backend := stubRippled(t, func(method string, params map[string]interface{}) map[string]interface{} {
		require.Equal(t, "ledger", method)
		require.Equal(t, "validated", params["ledger_index"])
		// rippled quotes the index inside the ledger object.
		return map[string]interface{}{
			"status": "success",
			"ledger": map[string]interface{}{"ledger_index": "68000000"},
		}
	})
	head, err := backend.Head(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(68000000), head)
}

func TestHeadNumericIndex(t *testing.T) {
	backend := stubRippled(t, func(string, map[string]interface{}) map[string]interface{} {
		return map[string]interface{}{
			"status": "success",
			"ledger": map[string]interface{}{"ledger_index": 68000001},
		}
	})
	head, err := backend.Head(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(68000001), head)
}

func TestBlockKeepsTaggedNativePayments(t *testing.T) {
	backend := stubRippled(t, func(method string, params map[string]interface{}) map[string]interface{} {
		require.Equal(t, "ledger", method)
		require.Equal(t, float64(68000000), params["ledger_index"])
		require.Equal(t, true, params["transactions"])
		require.Equal(t, true, params["expand"])
		return map[string]interface{}{
			"status": "success",
			"ledger": map[string]interface{}{
				"transactions": []map[string]interface{}{
					{
						// The one that counts.
						"TransactionType": "Payment",
						"Account":         "rSender",
						"Destination":     "rGateway",
						"Amount":          "25000000",
						"DestinationTag":  1234567890,
						"hash":            "AB01",
						"metaData":        map[string]interface{}{"TransactionResult": "tesSUCCESS"},
					},
					{
						// IOU amounts come as objects and are not ours.
						"TransactionType": "Payment",
						"Account":         "rSender",
						"Destination":     "rGateway",
						"Amount":          map[string]interface{}{"currency": "USD", "value": "9", "issuer": "rIssuer"},
						"DestinationTag":  1234567890,
						"hash":            "AB02",
						"metaData":        map[string]interface{}{"TransactionResult": "tesSUCCESS"},
					},
					{
						// No tag, nothing to correlate against.
						"TransactionType": "Payment",
						"Account":         "rSender",
						"Destination":     "rGateway",
						"Amount":          "30000000",
						"hash":            "AB03",
						"metaData":        map[string]interface{}{"TransactionResult": "tesSUCCESS"},
					},
					{
						// Dust.
						"TransactionType": "Payment",
						"Account":         "rSender",
						"Destination":     "rGateway",
						"Amount":          "50000",
						"DestinationTag":  1234567890,
						"hash":            "AB04",
						"metaData":        map[string]interface{}{"TransactionResult": "tesSUCCESS"},
					},
					{
						// Failed on ledger.
						"TransactionType": "Payment",
						"Account":         "rSender",
						"Destination":     "rGateway",
						"Amount":          "25000000",
						"DestinationTag":  1234567890,
						"hash":            "AB05",
						"metaData":        map[string]interface{}{"TransactionResult": "tecPATH_DRY"},
					},
					{
						"TransactionType": "OfferCreate",
						"Account":         "rTrader",
						"hash":            "AB06",
						"metaData":        map[string]interface{}{"TransactionResult": "tesSUCCESS"},
					},
				},
			},
		}
	})
	transfers, err := backend.Block(context.Background(), 68000000)
	require.NoError(t, err)
	require.Len(t, transfers, 1)
	require.Equal(t, chain.Transfer{
		To:     "rGateway",
		From:   "rSender",
		Memo:   "1234567890",
		Hash:   "AB01",
		Asset:  "XRP",
		Amount: 25.0,
	}, transfers[0])
}

func TestValidateAddress(t *testing.T) {
	backend := stubRippled(t, func(method string, params map[string]interface{}) map[string]interface{} {
		require.Equal(t, "account_info", method)
		if params["account"] == "rFunded" {
			return map[string]interface{}{
				"status":       "success",
				"account_data": map[string]interface{}{"Balance": "25500000"},
			}
		}
		return map[string]interface{}{
			"status":        "error",
			"error":         "actNotFound",
			"error_message": "Account not found.",
		}
	})

	found, err := backend.ValidateAddress(context.Background(), "rFunded")
	require.NoError(t, err)
	require.True(t, found)

	found, err = backend.ValidateAddress(context.Background(), "rGhost")
	require.NoError(t, err)
	require.False(t, found)
}

func TestBalance(t *testing.T) {
	backend := stubRippled(t, func(string, map[string]interface{}) map[string]interface{} {
		return map[string]interface{}{
			"status":       "success",
			"account_data": map[string]interface{}{"Balance": "25500000"},
		}
	})
	balance, err := backend.Balance(context.Background(), "rFunded")
	require.NoError(t, err)
	require.Equal(t, 25.5, balance)
}

func TestTransferSignsAndSubmits(t *testing.T) {
	var submitted map[string]interface{}
	backend := stubRippled(t, func(method string, params map[string]interface{}) map[string]interface{} {
		switch method {
		case "fee":
			return map[string]interface{}{
				"status": "success",
				"drops":  map[string]interface{}{"minimum_fee": "10"},
			}
		case "submit":
			require.Equal(t, "shhSecretSeed", params["secret"])
			submitted = params["tx_json"].(map[string]interface{})
			return map[string]interface{}{
				"status":        "success",
				"engine_result": "tesSUCCESS",
				"tx_json":       map[string]interface{}{"hash": "FACE01"},
			}
		}
		t.Fatalf("unexpected method %s", method)
		return nil
	})

	txid, err := backend.Transfer(context.Background(), chain.Order{
		Public:   "rGatewayHot",
		Private:  "shhSecretSeed",
		To:       "rClient",
		Memo:     "1234567890",
		Quantity: 12.5,
	})
	require.NoError(t, err)
	require.Equal(t, "FACE01", txid)

	require.Equal(t, "Payment", submitted["TransactionType"])
	require.Equal(t, "rGatewayHot", submitted["Account"])
	require.Equal(t, "rClient", submitted["Destination"])
	require.Equal(t, "12500000", submitted["Amount"])
	require.Equal(t, float64(tfFullyCanonicalSig), submitted["Flags"])
	require.Equal(t, "10", submitted["Fee"])
	require.Equal(t, float64(1234567890), submitted["DestinationTag"])
}

func TestTransferDropsOversizedTag(t *testing.T) {
	backend := stubRippled(t, func(method string, params map[string]interface{}) map[string]interface{} {
		if method == "fee" {
			return map[string]interface{}{
				"status": "success",
				"drops":  map[string]interface{}{"minimum_fee": "10"},
			}
		}
		txJSON := params["tx_json"].(map[string]interface{})
		// 9999999999 does not fit the ledger's 32-bit tag.
		require.NotContains(t, txJSON, "DestinationTag")
		return map[string]interface{}{
			"status":        "success",
			"engine_result": "tesSUCCESS",
			"tx_json":       map[string]interface{}{"hash": "FACE02"},
		}
	})
	_, err := backend.Transfer(context.Background(), chain.Order{
		Public: "rGatewayHot", To: "rClient", Memo: "9999999999", Quantity: 1,
	})
	require.NoError(t, err)
}

func TestTransferSurfacesEngineFailure(t *testing.T) {
	backend := stubRippled(t, func(method string, _ map[string]interface{}) map[string]interface{} {
		if method == "fee" {
			return map[string]interface{}{
				"status": "success",
				"drops":  map[string]interface{}{"minimum_fee": "10"},
			}
		}
		return map[string]interface{}{
			"status":        "success",
			"engine_result": "tecUNFUNDED_PAYMENT",
			"tx_json":       map[string]interface{}{"hash": "FACE03"},
		}
	})
	_, err := backend.Transfer(context.Background(), chain.Order{
		Public: "rGatewayHot", To: "rClient", Quantity: 1e9,
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "tecUNFUNDED_PAYMENT")
}
