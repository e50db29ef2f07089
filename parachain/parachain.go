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

// Package parachain maintains per-network caches of normalized foreign block
// data. Matchers read only these caches, never the foreign RPCs, so one
// worker per network is the single writer and the cache document is the
// single source of truth about what the gateway has seen.
package parachain

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/paragate/paragate/audit"
	"github.com/paragate/paragate/chain"
	"github.com/paragate/paragate/config"
	"github.com/paragate/paragate/event"
	"github.com/paragate/paragate/log"
	"github.com/paragate/paragate/pipe"
)

// fetchConcurrency bounds per-batch block fetches. EOS produces two blocks a
// second, so one slow tick can leave dozens of blocks to catch up on.
const fetchConcurrency = 8

// Doc names the cache document of a network.
func Doc(network string) string {
	return "parachain_" + network + ".cache"
}

// Cache maps decimal block numbers to the normalized transfers found in that
// block. An empty list means the block was fetched and held nothing of
// interest; an absent key means the block is outside the window.
type Cache map[string][]chain.Transfer

// MaxBlock returns the highest block number in the cache, or zero when it is
// empty.
func (c Cache) MaxBlock() int64 {
	var max int64
	for key := range c {
		if n, err := strconv.ParseInt(key, 10, 64); err == nil && n > max {
			max = n
		}
	}
	return max
}

// Blocks returns the cached block numbers in ascending numeric order.
func (c Cache) Blocks() []int64 {
	numbers := make([]int64, 0, len(c))
	for key := range c {
		if n, err := strconv.ParseInt(key, 10, 64); err == nil {
			numbers = append(numbers, n)
		}
	}
	sort.Slice(numbers, func(i, j int) bool { return numbers[i] < numbers[j] })
	return numbers
}

// Tick announces that a network's cache advanced to a new highest block.
type Tick struct {
	Network string
	Head    int64
}

// Worker maintains one network's parachain cache.
type Worker struct {
	backend chain.Backend
	bus     *pipe.Bus
	ledger  *audit.Ledger
	session audit.Session
	pause   time.Duration
	window  int
	beat    func()
	feed    event.Feed[Tick]
	log     log.Logger
}

// New returns a worker for the backend's network. beat is invoked once per
// iteration for liveness supervision and may be nil.
func New(backend chain.Backend, bus *pipe.Bus, ledger *audit.Ledger, session audit.Session, params config.ParachainParams, beat func()) *Worker {
	return &Worker{
		backend: backend,
		bus:     bus,
		ledger:  ledger,
		session: session,
		pause:   time.Duration(params.PauseSec) * time.Second,
		window:  params.Window,
		beat:    beat,
		log:     log.New("parachain", backend.Network()),
	}
}

// Subscribe delivers a Tick on ch each time the cache advances. The cache
// document stays canonical; ticks only spare in-process readers a poll.
func (w *Worker) Subscribe(ch chan<- Tick) event.Subscription {
	return w.feed.Subscribe(ch)
}

// Scrub resets the cache document to empty. The supervisor scrubs every
// offered network before spawning workers: pending events do not survive a
// restart, so neither should the window they were reading.
func (w *Worker) Scrub() error {
	return w.bus.Write(Doc(w.backend.Network()), Cache{})
}

// Run seeds the cache one block behind the current head, then keeps the
// window rolling until ctx is canceled.
func (w *Worker) Run(ctx context.Context) error {
	network := w.backend.Network()
	doc := Doc(network)

	head, err := w.head(ctx)
	if err != nil {
		return err
	}
	seed := Cache{}
	if err := w.apodize(ctx, seed, []int64{head - 1}); err != nil {
		return err
	}
	if err := w.bus.Write(doc, seed); err != nil {
		return err
	}
	w.note("initializing parachain")
	w.log.Info("parachain initialized", "block", head-1, "window", w.window)

	ticker := time.NewTicker(w.pause)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if w.beat != nil {
			w.beat()
		}
		current, err := w.head(ctx)
		if err != nil {
			return err
		}
		var cache Cache
		if err := w.bus.Read(doc, &cache); err != nil {
			w.log.Error("cache read failed", "err", err)
			continue
		}
		maxChecked := cache.MaxBlock()
		if current <= maxChecked+1 {
			continue
		}
		// Everything between the window edge and the newest block; the
		// newest itself waits a tick in case the node is still filling it.
		newBlocks := make([]int64, 0, current-maxChecked-1)
		for n := maxChecked + 1; n < current; n++ {
			newBlocks = append(newBlocks, n)
		}
		if err := w.apodize(ctx, cache, newBlocks); err != nil {
			return err
		}
		w.trim(cache)
		if err := w.bus.Write(doc, cache); err != nil {
			w.log.Error("cache write failed", "err", err)
			continue
		}
		head := cache.MaxBlock()
		w.feed.Send(Tick{Network: network, Head: head})
		w.log.Debug("parachain advanced", "new", len(newBlocks), "head", head)
	}
}

// head polls the backend until it answers. A parachain would rather stall
// than run ahead with a hole in it.
func (w *Worker) head(ctx context.Context) (int64, error) {
	for attempt := 1; ; attempt++ {
		head, err := w.backend.Head(ctx)
		if err == nil {
			return head, nil
		}
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		w.log.Warn("head fetch failed, trying again", "err", err)
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(backoff(attempt)):
		}
	}
}

// apodize fetches and normalizes the given blocks into the cache,
// concurrently but bounded.
func (w *Worker) apodize(ctx context.Context, cache Cache, blocks []int64) error {
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchConcurrency)
	for _, number := range blocks {
		number := number
		g.Go(func() error {
			transfers, err := w.fetchBlock(gctx, number)
			if err != nil {
				return err
			}
			mu.Lock()
			cache[strconv.FormatInt(number, 10)] = transfers
			mu.Unlock()
			return nil
		})
	}
	return g.Wait()
}

// fetchBlock retries transport failures indefinitely. Undecodable block data
// is chronicled and recorded as an empty block: a hole would otherwise stall
// the window forever, and the chronicle keeps the gap auditable.
func (w *Worker) fetchBlock(ctx context.Context, number int64) ([]chain.Transfer, error) {
	for attempt := 1; ; attempt++ {
		transfers, err := w.backend.Block(ctx, number)
		switch {
		case err == nil:
			if transfers == nil {
				transfers = []chain.Transfer{}
			}
			return transfers, nil
		case errors.Is(err, chain.ErrBlockData):
			w.note(fmt.Sprintf("missing block data for %d", number))
			w.log.Warn("block data unavailable", "block", number, "err", err)
			return []chain.Transfer{}, nil
		case ctx.Err() != nil:
			return nil, ctx.Err()
		}
		w.log.Warn("block fetch failed, trying again", "block", number, "err", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff(attempt)):
		}
	}
}

// trim evicts the oldest blocks beyond the window, by numeric order.
func (w *Worker) trim(cache Cache) {
	if len(cache) <= w.window {
		return
	}
	numbers := cache.Blocks()
	for _, n := range numbers[:len(numbers)-w.window] {
		delete(cache, strconv.FormatInt(n, 10))
	}
}

func (w *Worker) note(msg string) {
	w.ledger.Note(audit.Header{
		Process: "parachain",
		Network: w.backend.Network(),
		Session: w.session,
	}, msg)
}

func backoff(attempt int) time.Duration {
	wait := time.Duration(attempt*attempt) * 20 * time.Millisecond
	if wait > 10*time.Second {
		wait = 10 * time.Second
	}
	return wait
}
