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
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/paragate/paragate/audit"
	"github.com/paragate/paragate/chain"
	"github.com/paragate/paragate/config"
	"github.com/paragate/paragate/graphene"
	"github.com/paragate/paragate/parachain"
	"github.com/paragate/paragate/pipe"
)

type walletCall struct {
	action  string
	account string
	amount  string
	symbol  string
}

type fakeWallet struct {
	mu        sync.Mutex
	decoded   string
	decodeErr error
	reads     int
	calls     []walletCall
}

func (w *fakeWallet) Issue(ctx context.Context, to, amount, symbol string) (json.RawMessage, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls = append(w.calls, walletCall{"issue", to, amount, symbol})
	return json.RawMessage(`{}`), nil
}

func (w *fakeWallet) Reserve(ctx context.Context, from, amount, symbol string) (json.RawMessage, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls = append(w.calls, walletCall{"reserve", from, amount, symbol})
	return json.RawMessage(`{}`), nil
}

func (w *fakeWallet) ReadMemo(ctx context.Context, memo json.RawMessage) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.reads++
	return w.decoded, w.decodeErr
}

func (w *fakeWallet) snapshot() []walletCall {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]walletCall(nil), w.calls...)
}

type fakeBackend struct {
	mu       sync.Mutex
	network  string
	valid    bool
	validErr error
	failures int
	txid     string
	orders   []chain.Order
	attempts int
}

func (b *fakeBackend) Network() string { return b.network }

func (b *fakeBackend) Head(ctx context.Context) (int64, error) { return 0, nil }

func (b *fakeBackend) Block(ctx context.Context, number int64) ([]chain.Transfer, error) {
	return nil, nil
}

func (b *fakeBackend) ValidateAddress(ctx context.Context, address string) (bool, error) {
	return b.valid, b.validErr
}

func (b *fakeBackend) Balance(ctx context.Context, account string) (float64, error) {
	return 0, nil
}

func (b *fakeBackend) Transfer(ctx context.Context, order chain.Order) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempts++
	if b.failures > 0 {
		b.failures--
		return "", errors.New("node unreachable")
	}
	b.orders = append(b.orders, order)
	return b.txid, nil
}

func (b *fakeBackend) sent() []chain.Order {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]chain.Order(nil), b.orders...)
}

type dispatchHarness struct {
	d       *Dispatcher
	bus     *pipe.Bus
	wallet  *fakeWallet
	backend *fakeBackend
}

func newDispatchHarness(t *testing.T, network string) *dispatchHarness {
	t.Helper()

	cfg := config.Defaults()
	cfg.Offerings = []string{config.Ripple, config.XYZ}
	cfg.Assets = map[string]config.GatewayAsset{
		config.Ripple: {
			AssetID: "1.3.10", AssetName: "GATE.XRP", AssetPrecision: 6, IssuerID: "1.2.5",
		},
		config.XYZ: {
			AssetID: "1.3.12", AssetName: "GATE.XYZ", AssetPrecision: 5, IssuerID: "1.2.5",
		},
	}
	cfg.ForeignAccounts = map[string][]config.KeyPair{
		config.Ripple: {{Public: "rGatewayHotWallet", Private: "sSecret"}},
		config.XYZ:    {{Public: "xyz-gateway-0", Private: "xyzsecret"}},
	}
	cfg.Timing[config.Ripple] = config.NetworkTiming{PauseSec: 1, TimeoutSec: 30, RequestSec: 1, EstimateSec: 60}
	cfg.Timing[config.XYZ] = config.NetworkTiming{PauseSec: 1, TimeoutSec: 30, RequestSec: 1, EstimateSec: 3}
	cfg.Parachains[config.Ripple] = config.ParachainParams{PauseSec: 1, Window: 100}
	cfg.Parachains[config.XYZ] = config.ParachainParams{PauseSec: 1, Window: 50}

	bus := pipe.New(t.TempDir())
	require.NoError(t, bus.Initialize())
	ledger, err := audit.New(bus, config.AuditConfig{DBPath: filepath.Join(t.TempDir(), "audit.db")})
	require.NoError(t, err)
	t.Cleanup(func() { ledger.Close() })

	require.NoError(t, bus.Write(parachain.Doc(network), parachain.Cache{"100": {}}))

	wallet := &fakeWallet{}
	backend := &fakeBackend{network: network, valid: true, txid: "ABCDEF01"}
	d := NewDispatcher(cfg, bus, ledger, audit.NewSession(), wallet,
		map[string]chain.Backend{network: backend}, nil)
	d.armWait = 100 * time.Millisecond
	return &dispatchHarness{d: d, bus: bus, wallet: wallet, backend: backend}
}

func chronicleContains(t *testing.T, bus *pipe.Bus, network, want string) {
	t.Helper()
	archive := bus.ChroniclePath(audit.ArchiveDoc(network, time.Now()))
	require.Eventually(t, func() bool {
		raw, err := os.ReadFile(archive)
		return err == nil && strings.Contains(string(raw), want)
	}, 5*time.Second, 10*time.Millisecond)
}

func chronicleMissing(t *testing.T, bus *pipe.Bus, network, needle string) {
	t.Helper()
	raw, err := os.ReadFile(bus.ChroniclePath(audit.ArchiveDoc(network, time.Now())))
	if err != nil {
		return
	}
	require.NotContains(t, string(raw), needle)
}

func transferTo(to, assetID string, amount int64, withMemo bool) (graphene.TransferOp, json.RawMessage) {
	op := graphene.TransferOp{
		From:   "1.2.777",
		To:     to,
		Amount: graphene.AssetAmount{Amount: graphene.Int64(amount), AssetID: assetID},
	}
	if withMemo {
		op.Memo = json.RawMessage(`{"from":"K1","to":"K2","nonce":"7","message":" rClientWallet "}`)
	}
	raw, _ := json.Marshal([]interface{}{0, op})
	return op, raw
}

func TestDispatchIgnoresOtherRecipients(t *testing.T) {
	h := newDispatchHarness(t, config.Ripple)

	op, raw := transferTo("1.2.999", "1.3.10", 2500000, true)
	h.d.Dispatch(context.Background(), op, raw, 100, 1)

	require.Empty(t, h.wallet.snapshot())
	require.Empty(t, h.backend.sent())
	chronicleMissing(t, h.bus, "", "withdrawal request")
}

func TestDispatchWarnsOnMissingMemo(t *testing.T) {
	h := newDispatchHarness(t, config.Ripple)

	op, raw := transferTo("1.2.5", "1.3.10", 2500000, false)
	h.d.Dispatch(context.Background(), op, raw, 100, 1)

	chronicleContains(t, h.bus, "", "WARN: transfer to gateway WITHOUT memo")
	require.Empty(t, h.backend.sent())
}

func TestDispatchRejectsUnknownAsset(t *testing.T) {
	h := newDispatchHarness(t, config.Ripple)

	op, raw := transferTo("1.2.5", "1.3.99", 2500000, true)
	h.d.Dispatch(context.Background(), op, raw, 100, 1)

	chronicleContains(t, h.bus, "", "invalid uia_id")
	require.Empty(t, h.backend.sent())
}

func TestDispatchRejectsInvalidClientAddress(t *testing.T) {
	h := newDispatchHarness(t, config.Ripple)
	h.wallet.decoded = "not an address"
	h.backend.valid = false

	op, raw := transferTo("1.2.5", "1.3.10", 2500000, true)
	h.d.Dispatch(context.Background(), op, raw, 100, 1)

	chronicleContains(t, h.bus, config.Ripple, "WARN: memo is NOT a valid xrp account name")
	require.Empty(t, h.backend.sent())
	require.Empty(t, h.wallet.snapshot())
}

func TestDispatchChroniclesDecodeFailure(t *testing.T) {
	h := newDispatchHarness(t, config.Ripple)
	h.wallet.decodeErr = errors.New("wallet is locked")

	op, raw := transferTo("1.2.5", "1.3.10", 2500000, true)
	h.d.Dispatch(context.Background(), op, raw, 100, 1)

	chronicleContains(t, h.bus, config.Ripple, "memo decode failed")
	require.Empty(t, h.backend.sent())
}

func TestDispatchPaysOutAndReserves(t *testing.T) {
	h := newDispatchHarness(t, config.Ripple)
	h.wallet.decoded = "rClientWallet"

	op, raw := transferTo("1.2.5", "1.3.10", 2500000, true)
	h.d.Dispatch(context.Background(), op, raw, 100, 1)

	// The intent was labelled and the payout broadcast.
	chronicleContains(t, h.bus, "", "W0000000001")
	chronicleContains(t, h.bus, config.Ripple, "spawn xrp withdrawal listener to reserve 2.5")
	chronicleContains(t, h.bus, config.Ripple, "XRP TRANSFERRED")
	sent := h.backend.sent()
	require.Len(t, sent, 1)
	require.Equal(t, "rGatewayHotWallet", sent[0].Public)
	require.Equal(t, "rClientWallet", sent[0].To)
	require.Equal(t, 2.5, sent[0].Quantity)

	// The payout lands on the foreign chain; the matcher burns the UIA.
	cache := parachain.Cache{
		"100": {},
		"101": {{To: "rClientWallet", From: "rGatewayHotWallet", Hash: "FF01", Amount: 2.5}},
	}
	require.NoError(t, h.bus.Write(parachain.Doc(config.Ripple), cache))

	require.Eventually(t, func() bool {
		return len(h.wallet.snapshot()) == 1
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, walletCall{"reserve", "1.2.5", "2.500000", "GATE.XRP"}, h.wallet.snapshot()[0])
	chronicleContains(t, h.bus, config.Ripple, "RESERVING 2.500000 GATE.XRP")
}

func TestDispatchRetriesPayout(t *testing.T) {
	h := newDispatchHarness(t, config.Ripple)
	h.wallet.decoded = "rClientWallet"
	h.backend.failures = 2

	op, raw := transferTo("1.2.5", "1.3.10", 2500000, true)
	h.d.Dispatch(context.Background(), op, raw, 100, 1)

	require.Len(t, h.backend.sent(), 1)
	require.Equal(t, 3, h.backend.attempts)
	chronicleContains(t, h.bus, config.Ripple, "XRP TRANSFERRED")
}

func TestDispatchSyntheticMemoIsPlaintext(t *testing.T) {
	h := newDispatchHarness(t, config.XYZ)

	op := graphene.TransferOp{
		From:   "1.2.777",
		To:     "1.2.5",
		Amount: graphene.AssetAmount{Amount: 250000, AssetID: "1.3.12"},
		Memo:   json.RawMessage(`{"from":"","to":"","nonce":"0","message":" xyz-client-9 "}`),
	}
	raw, _ := json.Marshal([]interface{}{0, op})
	h.d.Dispatch(context.Background(), op, raw, 100, 1)

	require.Zero(t, h.wallet.reads)
	sent := h.backend.sent()
	require.Len(t, sent, 1)
	require.Equal(t, "xyz-client-9", sent[0].To)
	require.Equal(t, 2.5, sent[0].Quantity)
	chronicleContains(t, h.bus, config.XYZ, "XYZ TRANSFERRED")
}
