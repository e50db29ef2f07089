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

package parachain

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/paragate/paragate/audit"
	"github.com/paragate/paragate/chain"
	"github.com/paragate/paragate/config"
	"github.com/paragate/paragate/pipe"
)

// fakeBackend serves scripted heads and blocks, failing where told to.
type fakeBackend struct {
	mu        sync.Mutex
	network   string
	heads     []int64 // consumed one per call; last repeats
	headCalls int
	blocks    map[int64][]chain.Transfer
	failOnce  map[int64]bool // transient failure on first fetch
	badData   map[int64]bool // permanent ErrBlockData
}

func (f *fakeBackend) Network() string { return f.network }

func (f *fakeBackend) Head(context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.headCalls
	f.headCalls++
	if idx >= len(f.heads) {
		idx = len(f.heads) - 1
	}
	return f.heads[idx], nil
}

func (f *fakeBackend) Block(_ context.Context, number int64) ([]chain.Transfer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOnce[number] {
		delete(f.failOnce, number)
		return nil, context.DeadlineExceeded
	}
	if f.badData[number] {
		return nil, chain.ErrBlockData
	}
	return f.blocks[number], nil
}

func (f *fakeBackend) ValidateAddress(context.Context, string) (bool, error) { return true, nil }
func (f *fakeBackend) Balance(context.Context, string) (float64, error)      { return 0, nil }
func (f *fakeBackend) Transfer(context.Context, chain.Order) (string, error) { return "", nil }

func newTestWorker(t *testing.T, backend *fakeBackend, window int) (*Worker, *pipe.Bus) {
	t.Helper()

	bus := pipe.New(t.TempDir())
	require.NoError(t, bus.Initialize())

	ledger, err := audit.New(bus, config.AuditConfig{
		DBPath: filepath.Join(t.TempDir(), "audit.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { ledger.Close() })

	params := config.ParachainParams{PauseSec: 1, Window: window}
	worker := New(backend, bus, ledger, audit.NewSession(), params, nil)
	worker.pause = 10 * time.Millisecond
	return worker, bus
}

func readCache(t *testing.T, bus *pipe.Bus, network string) Cache {
	t.Helper()
	var cache Cache
	err := bus.Read(Doc(network), &cache)
	if err != nil {
		return nil
	}
	return cache
}

func TestScrubResetsCache(t *testing.T) {
	backend := &fakeBackend{network: "btc", heads: []int64{10}}
	worker, bus := newTestWorker(t, backend, 24)

	require.NoError(t, bus.Write(Doc("btc"), Cache{"9": {{To: "1Stale", Amount: 1}}}))
	require.NoError(t, worker.Scrub())

	cache := readCache(t, bus, "btc")
	require.NotNil(t, cache)
	require.Empty(t, cache)
}

func TestRunSeedsBehindHeadAndExcludesNewest(t *testing.T) {
	transfers := map[int64][]chain.Transfer{
		100: {{To: "1Seed", Asset: "BTC", Amount: 0.1}},
		102: {{To: "1Client", Asset: "BTC", Amount: 0.5, Hash: "feed"}},
	}
	backend := &fakeBackend{network: "btc", heads: []int64{101, 105}, blocks: transfers}
	worker, bus := newTestWorker(t, backend, 24)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		worker.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		cache := readCache(t, bus, "btc")
		return cache.MaxBlock() == 104
	}, 5*time.Second, 10*time.Millisecond)
	cancel()
	<-done

	cache := readCache(t, bus, "btc")
	for _, key := range []string{"100", "101", "102", "103", "104"} {
		require.Contains(t, cache, key)
	}
	// The newest block waits a tick before being fetched.
	require.NotContains(t, cache, "105")
	require.Equal(t, transfers[102], cache["102"])
	require.Empty(t, cache["103"])
}

func TestRunTrimsToWindow(t *testing.T) {
	backend := &fakeBackend{network: "ltc", heads: []int64{101, 110}}
	worker, bus := newTestWorker(t, backend, 3)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		worker.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		cache := readCache(t, bus, "ltc")
		return cache.MaxBlock() == 109
	}, 5*time.Second, 10*time.Millisecond)
	cancel()
	<-done

	cache := readCache(t, bus, "ltc")
	require.Len(t, cache, 3)
	require.Contains(t, cache, "107")
	require.Contains(t, cache, "108")
	require.Contains(t, cache, "109")
}

func TestRunSurvivesTransientBlockFailure(t *testing.T) {
	backend := &fakeBackend{
		network:  "btc",
		heads:    []int64{101, 103},
		blocks:   map[int64][]chain.Transfer{101: {{To: "1Later", Amount: 2}}},
		failOnce: map[int64]bool{100: true, 101: true},
	}
	worker, bus := newTestWorker(t, backend, 24)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		worker.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		cache := readCache(t, bus, "btc")
		return cache.MaxBlock() == 102
	}, 5*time.Second, 10*time.Millisecond)
	cancel()
	<-done

	cache := readCache(t, bus, "btc")
	require.Equal(t, backend.blocks[101], cache["101"])
}

func TestUndecodableBlockChronicledAndSkipped(t *testing.T) {
	backend := &fakeBackend{
		network: "xrp",
		heads:   []int64{101, 104},
		badData: map[int64]bool{102: true},
	}
	worker, bus := newTestWorker(t, backend, 100)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		worker.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		cache := readCache(t, bus, "xrp")
		return cache.MaxBlock() == 103
	}, 5*time.Second, 10*time.Millisecond)
	cancel()
	<-done

	// The hole is recorded as an empty block so the window keeps moving.
	cache := readCache(t, bus, "xrp")
	require.Contains(t, cache, "102")
	require.Empty(t, cache["102"])

	raw, err := os.ReadFile(bus.ChroniclePath(audit.ArchiveDoc("xrp", time.Now())))
	require.NoError(t, err)
	require.Contains(t, string(raw), "missing block data for 102")
}

func TestSubscribeDeliversTicks(t *testing.T) {
	backend := &fakeBackend{network: "btc", heads: []int64{101, 103}}
	worker, _ := newTestWorker(t, backend, 24)

	ticks := make(chan Tick, 8)
	sub := worker.Subscribe(ticks)
	defer sub.Unsubscribe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		worker.Run(ctx)
	}()

	select {
	case tick := <-ticks:
		require.Equal(t, "btc", tick.Network)
		require.Equal(t, int64(102), tick.Head)
	case <-time.After(5 * time.Second):
		t.Fatal("no tick delivered")
	}
	cancel()
	<-done

	// Heartbeats are optional; a nil beat must not have crashed the run.
	require.GreaterOrEqual(t, backend.headCalls, 2)
}

func TestCacheMaxBlock(t *testing.T) {
	require.Equal(t, int64(0), Cache{}.MaxBlock())
	cache := Cache{"99": nil, "100": nil, "101": nil}
	require.Equal(t, int64(101), cache.MaxBlock())
	// Numeric order, not the lexicographic order of the keys.
	require.Equal(t, []int64{99, 100, 101}, cache.Blocks())
}
