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

// Package listener arms per-event matchers over the parachain caches.
//
// A matcher watches one foreign address until the transfer it was armed for
// appears, then drives the host-ledger half of the swap: deposits issue UIA
// to the client, withdrawals reserve the UIA the client sent back. Matchers
// never talk to foreign chains themselves; the parachain workers are the
// only chain readers, so a matcher is just a poll loop over a cache file.
package listener

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/paragate/paragate/allocator"
	"github.com/paragate/paragate/audit"
	"github.com/paragate/paragate/chain"
	"github.com/paragate/paragate/config"
	"github.com/paragate/paragate/event"
	"github.com/paragate/paragate/log"
	"github.com/paragate/paragate/parachain"
	"github.com/paragate/paragate/pipe"
)

// ErrDuplicate rejects arming a second matcher over an inbound signature
// that is already being listened for.
var ErrDuplicate = errors.New("event signature already armed")

// Action selects the issuer primitive a match triggers.
type Action string

const (
	// Issue mints UIA to the client after a confirmed foreign deposit.
	Issue Action = "issue"
	// Reserve burns returned UIA after a confirmed foreign payout.
	Reserve Action = "reserve"
)

// Outcome is the terminal state of a matcher.
type Outcome int

const (
	// Pending means the matcher was stopped before reaching a terminal
	// state, which only happens on shutdown.
	Pending Outcome = iota
	// Complete means the expected transfer appeared and was acted upon.
	Complete
	// TimedOut means the listening window elapsed without a match.
	TimedOut
)

func (o Outcome) String() string {
	switch o {
	case Complete:
		return "complete"
	case TimedOut:
		return "timed out"
	default:
		return "pending"
	}
}

// Issuer performs the host-ledger side of a matched event. The wallet
// daemon client satisfies it.
type Issuer interface {
	Issue(ctx context.Context, to, amount, symbol string) (json.RawMessage, error)
	Reserve(ctx context.Context, from, amount, symbol string) (json.RawMessage, error)
}

// TickSource wakes matchers as soon as a parachain advances instead of
// leaving them up to a full poll period behind the worker.
type TickSource interface {
	Subscribe(ch chan<- parachain.Tick) event.Subscription
}

// Config describes one listening event.
type Config struct {
	Network     string // foreign chain being watched
	ListeningTo string // address the matching transfer must pay
	Memo        string // memo required of a deposit on memo-based networks
	Action      Action

	Expected   float64 // amount a reserve match must roughly equal
	AccountIdx int     // pool index backing a pooled deposit address
	StartBlock int64   // scan horizon; zero derives it from the cache

	Timeout     time.Duration // listening window
	PollEvery   time.Duration // cache scan cadence, the parachain pause
	UnlockAfter time.Duration // cool-down before a pooled address recycles

	UIA       string  // host-ledger asset symbol
	Precision int     // UIA precision for the issued or reserved amount
	ClientID  string  // host-ledger account a deposit issues to
	IssuerID  string  // host-ledger account a withdrawal reserves from
	Nil       float64 // dust threshold; transfers at or below are noted only

	Deposit    *audit.Deposit    // event envelope for issue matchers
	Withdrawal *audit.Withdrawal // event envelope for reserve matchers

	Ticks TickSource // optional prompt wake on parachain advance
}

// Matcher is a single armed listening event. Run drives it to a terminal
// state; Armed and Done expose its lifecycle to the spawning process.
type Matcher struct {
	cfg    Config
	bus    *pipe.Bus
	issuer Issuer
	ledger *audit.Ledger
	alloc  *allocator.Allocator
	reg    *Registry

	memoBased bool
	horizon   int64
	checked   mapset.Set[int64]

	armed   chan struct{}
	done    chan struct{}
	outcome Outcome

	log log.Logger
}

// New validates the event and registers its inbound signature. A nil
// registry skips duplicate screening.
func New(cfg Config, bus *pipe.Bus, issuer Issuer, ledger *audit.Ledger, alloc *allocator.Allocator, reg *Registry) (*Matcher, error) {
	switch cfg.Action {
	case Issue:
		if cfg.Deposit == nil {
			return nil, errors.New("issue matcher needs a deposit envelope")
		}
	case Reserve:
		if cfg.Withdrawal == nil {
			return nil, errors.New("reserve matcher needs a withdrawal envelope")
		}
	default:
		return nil, fmt.Errorf("unknown action %q", cfg.Action)
	}
	if cfg.ListeningTo == "" {
		return nil, errors.New("nothing to listen to")
	}
	if cfg.Timeout <= 0 || cfg.PollEvery <= 0 {
		return nil, errors.New("timeout and poll cadence are required")
	}
	if reg != nil && !reg.arm(cfg.Network, cfg.ListeningTo, cfg.Memo) {
		return nil, ErrDuplicate
	}
	return &Matcher{
		cfg:       cfg,
		bus:       bus,
		issuer:    issuer,
		ledger:    ledger,
		alloc:     alloc,
		reg:       reg,
		memoBased: config.MemoBased(cfg.Network),
		checked:   mapset.NewSet[int64](),
		armed:     make(chan struct{}),
		done:      make(chan struct{}),
		log:       log.New("listener", cfg.Network, "action", string(cfg.Action)),
	}, nil
}

// Armed is closed once the matcher has fixed its scan horizon and is
// watching the cache. Spawners wait on it before answering the client.
func (m *Matcher) Armed() <-chan struct{} { return m.armed }

// Done is closed when the matcher reaches a terminal state.
func (m *Matcher) Done() <-chan struct{} { return m.done }

// Outcome is valid once Done is closed.
func (m *Matcher) Outcome() Outcome { return m.outcome }

// Run drives the matcher until the expected transfer is acted upon, the
// listening window elapses, or ctx is cancelled. Cancellation leaves the
// event Pending without chronicling a timeout.
func (m *Matcher) Run(ctx context.Context) Outcome {
	runCtx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	if err := m.arm(runCtx); err != nil {
		if ctx.Err() != nil {
			return m.finish(Pending, false)
		}
		m.log.Warn("matcher never armed", "err", err)
		m.stage(nil, "listener timeout")
		return m.finish(TimedOut, true)
	}

	var ticks chan parachain.Tick
	if m.cfg.Ticks != nil {
		ticks = make(chan parachain.Tick, 16)
		sub := m.cfg.Ticks.Subscribe(ticks)
		defer sub.Unsubscribe()
	}
	ticker := time.NewTicker(m.cfg.PollEvery)
	defer ticker.Stop()

	m.log.Info("listening", "to", m.cfg.ListeningTo, "nonce", m.nonce(), "start", m.horizon)
	for {
		select {
		case <-runCtx.Done():
			if ctx.Err() != nil {
				return m.finish(Pending, false)
			}
			m.log.Warn("gateway timeout", "nonce", m.nonce(), "to", m.cfg.ListeningTo)
			m.stage(nil, "listener timeout")
			return m.finish(TimedOut, true)
		case <-ticker.C:
		case <-ticks:
		}
		if m.scan(runCtx) {
			return m.finish(Complete, true)
		}
	}
}

// arm fixes the scan horizon at the newest cached block so only transfers
// landing after the event was created can match.
func (m *Matcher) arm(ctx context.Context) error {
	if m.cfg.StartBlock > 0 {
		m.horizon = m.cfg.StartBlock
		close(m.armed)
		return nil
	}
	for {
		var cache parachain.Cache
		err := m.bus.Read(parachain.Doc(m.cfg.Network), &cache)
		if err == nil {
			m.horizon = cache.MaxBlock()
			close(m.armed)
			return nil
		}
		m.log.Warn("parachain cache read failed, trying again", "err", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// scan reads the cache once and feeds every unchecked block through the
// match ladder. It reports whether the event completed. Cached blocks are
// immutable, so each is examined exactly once.
func (m *Matcher) scan(ctx context.Context) bool {
	var cache parachain.Cache
	if err := m.bus.Read(parachain.Doc(m.cfg.Network), &cache); err != nil {
		m.log.Warn("parachain cache read failed", "err", err)
		return false
	}
	for _, number := range cache.Blocks() {
		if number <= m.horizon || m.checked.Contains(number) {
			continue
		}
		m.checked.Add(number)
		transfers := cache[strconv.FormatInt(number, 10)]
		if len(transfers) > 0 {
			m.log.Debug("checking block", "block", number, "transfers", len(transfers))
		}
		for i := range transfers {
			if m.match(ctx, &transfers[i]) {
				return true
			}
		}
	}
	return false
}

// match runs one transfer through the predicate ladder. Anomalies worth an
// audit trail are chronicled here; only a full match flips the event.
func (m *Matcher) match(ctx context.Context, t *chain.Transfer) bool {
	if t.To != m.cfg.ListeningTo {
		return false
	}
	memoOK := true
	if m.cfg.Action == Issue && m.memoBased {
		memoOK = t.Memo == m.cfg.Memo
		if !memoOK {
			m.stage(t, "received tx with invalid memo")
		}
	}
	if t.Amount <= m.cfg.Nil {
		if t.Amount > 0 {
			m.stage(t, "received nil amount")
		}
		return false
	}
	switch m.cfg.Action {
	case Issue:
		if !memoOK {
			return false
		}
	case Reserve:
		if !chain.Roughly(t.Amount, m.cfg.Expected) {
			return false
		}
	}
	amount := chain.Precisely(t.Amount, m.cfg.Precision)
	m.log.Info("transfer detected", "amount", amount, "from", t.From, "hash", t.Hash, "nonce", m.nonce())
	if err := m.act(ctx, amount); err != nil {
		m.log.Error("host ledger action failed", "err", err)
		return false
	}
	switch m.cfg.Action {
	case Issue:
		m.stage(t, fmt.Sprintf("ISSUING %s %s to %s", amount, m.cfg.UIA, m.cfg.ClientID))
	case Reserve:
		m.stage(t, fmt.Sprintf("RESERVING %s %s", amount, m.cfg.UIA))
	}
	return true
}

// act invokes the issuer primitive, retrying transient wallet failures until
// the listening deadline. The foreign funds are already confirmed, so giving
// up early would strand the event half done.
func (m *Matcher) act(ctx context.Context, amount string) error {
	for attempt := 0; ; attempt++ {
		var err error
		switch m.cfg.Action {
		case Issue:
			_, err = m.issuer.Issue(ctx, m.cfg.ClientID, amount, m.cfg.UIA)
		case Reserve:
			_, err = m.issuer.Reserve(ctx, m.cfg.IssuerID, amount, m.cfg.UIA)
		}
		if err == nil {
			return nil
		}
		m.log.Warn("issuer call failed, trying again", "attempt", attempt, "err", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff(attempt)):
		}
	}
}

// stage lands one audit row for this event, tagging the observed amount when
// a transfer prompted it.
func (m *Matcher) stage(t *chain.Transfer, msg string) {
	switch m.cfg.Action {
	case Issue:
		rec := *m.cfg.Deposit
		if t != nil {
			rec.Amount = t.Amount
		}
		m.ledger.Deposit(rec, msg)
	case Reserve:
		m.ledger.Withdrawal(*m.cfg.Withdrawal, msg)
	}
}

// finish releases the event's holds and publishes the outcome. Pooled
// deposit addresses go back through the cool-down on either terminal so a
// late transfer cannot be misread as belonging to a fresh event.
func (m *Matcher) finish(outcome Outcome, release bool) Outcome {
	if m.reg != nil {
		m.reg.disarm(m.cfg.Network, m.cfg.ListeningTo, m.cfg.Memo)
	}
	if release && m.cfg.Action == Issue && m.alloc != nil {
		m.alloc.Unlock(m.cfg.Network, m.cfg.AccountIdx, m.cfg.UnlockAfter)
	}
	m.outcome = outcome
	close(m.done)
	return outcome
}

func (m *Matcher) nonce() int64 {
	switch m.cfg.Action {
	case Issue:
		return m.cfg.Deposit.Nonce
	case Reserve:
		return m.cfg.Withdrawal.Nonce
	}
	return 0
}

func backoff(attempt int) time.Duration {
	wait := time.Duration(attempt*attempt) * 20 * time.Millisecond
	if wait > 10*time.Second {
		wait = 10 * time.Second
	}
	return wait
}
