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

// Package ingest reads the host ledger through a jury of independent public
// nodes and turns confirmed transfers into gateway withdrawal events.
//
// Public nodes cannot individually be trusted: one stale, forked or hostile
// node must not be able to conjure or suppress a withdrawal. A fixed pool of
// maven workers therefore publishes independent opinions of the irreversible
// head and of each block's transaction list through the pipe substrate, and
// the ingestor only acts on the statistical mode of those opinions. Blocks
// advance only when enough mavens agree byte for byte.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/paragate/paragate/audit"
	"github.com/paragate/paragate/config"
	"github.com/paragate/paragate/graphene"
	"github.com/paragate/paragate/log"
	"github.com/paragate/paragate/pipe"
)

// ingestPause is the cadence of the consensus scan.
const ingestPause = 6 * time.Second

// joinBudget bounds one round of concurrent block fetches.
const joinBudget = 6 * time.Second

// Sink consumes the transfer operations the consensus scan surfaces. Every
// op-code-zero operation of every consensus block is offered; the sink owns
// all filtering and handling.
type Sink interface {
	Dispatch(ctx context.Context, op graphene.TransferOp, raw json.RawMessage, block int64, trx int)
}

// Ingestor drives the maven pool and the consensus scan.
type Ingestor struct {
	cfg     *config.Config
	bus     *pipe.Bus
	ledger  *audit.Ledger
	session audit.Session
	sink    Sink

	mavens     int
	heads      []*graphene.Client
	fetchers   []*graphene.Client
	pause      time.Duration
	joinBudget time.Duration
	last       int64
	beat       func()

	log log.Logger
}

// New returns an ingestor over the configured host-ledger node pool. beat is
// invoked once per scan for liveness supervision and may be nil.
func New(cfg *config.Config, bus *pipe.Bus, ledger *audit.Ledger, session audit.Session, sink Sink, beat func()) (*Ingestor, error) {
	nodes := cfg.Nodes.Graphene
	if len(nodes) == 0 {
		return nil, errors.New("ingest: no host ledger nodes configured")
	}
	mavens := len(nodes)
	if mavens > mavenCeiling {
		mavens = mavenCeiling
	}
	i := &Ingestor{
		cfg:        cfg,
		bus:        bus,
		ledger:     ledger,
		session:    session,
		sink:       sink,
		mavens:     mavens,
		pause:      ingestPause,
		joinBudget: joinBudget,
		beat:       beat,
		log:        log.New("module", "ingest"),
	}
	for id := 0; id < mavens; id++ {
		i.heads = append(i.heads, graphene.NewClient(nodes))
		i.fetchers = append(i.fetchers, graphene.NewClient(nodes))
	}
	return i, nil
}

// Run seeds the maven documents, starts the head mavens and scans until ctx
// ends. Scan failures are chronicled and retried on the next tick; the span
// in question is never skipped.
func (i *Ingestor) Run(ctx context.Context) error {
	for id := 0; id < i.mavens; id++ {
		if err := i.bus.WriteScalar(NumMavenDoc(id), 0); err != nil {
			return err
		}
	}
	if err := i.bus.WriteScalar(BlockNumberDoc, 0); err != nil {
		return err
	}
	for id := 0; id < i.mavens; id++ {
		go i.numMaven(ctx, id, i.heads[id])
	}
	defer func() {
		for _, client := range i.fetchers {
			client.Close()
		}
	}()
	i.log.Info("withdrawal listener initializing", "mavens", i.mavens)

	ticker := time.NewTicker(i.pause)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if i.beat != nil {
				i.beat()
			}
			if err := i.tick(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				i.log.Warn("consensus scan incomplete", "err", err)
				i.ledger.Note(audit.Header{Process: "withdrawals", Session: i.session}, err.Error())
			}
		}
	}
}

// tick advances the consensus head, fetches the new span and hands every
// transfer operation to the sink. The first successful tick only anchors the
// head; history before the gateway started is not scanned.
func (i *Ingestor) tick(ctx context.Context) error {
	curr, ok := i.headConsensus()
	if !ok {
		return errors.New("no irreversible head consensus")
	}
	if err := i.bus.WriteScalar(BlockNumberDoc, curr); err != nil {
		return err
	}
	if curr <= i.last {
		return nil
	}
	if i.last == 0 {
		i.last = curr
		return nil
	}

	span := make([]int64, 0, curr-i.last)
	for number := i.last + 1; number <= curr; number++ {
		span = append(span, number)
	}
	i.fetchSpan(ctx, span)
	blocks, err := i.gather(span)
	if err != nil {
		return err
	}
	for _, number := range span {
		for item, trx := range blocks[number] {
			for _, op := range trx.Operations {
				if op.Code != graphene.OpTransfer {
					continue
				}
				var body graphene.TransferOp
				if err := json.Unmarshal(op.Body, &body); err != nil {
					i.log.Warn("undecodable transfer op", "block", number, "err", err)
					continue
				}
				raw, err := json.Marshal(op)
				if err != nil {
					raw = op.Body
				}
				go i.sink.Dispatch(ctx, body, raw, number, item+1)
			}
		}
	}
	i.log.Info("irreversible head advanced", "head", curr, "scanned", len(span))
	i.last = curr
	return nil
}

// headConsensus reads every maven's current head opinion and returns their
// mode. Mavens that have not reported yet abstain.
func (i *Ingestor) headConsensus() (int64, bool) {
	opinions := make([]int64, 0, i.mavens)
	for id := 0; id < i.mavens; id++ {
		n, err := i.bus.ReadScalar(NumMavenDoc(id))
		if err != nil || n == 0 {
			continue
		}
		opinions = append(opinions, n)
	}
	if len(opinions) == 0 {
		return 0, false
	}
	return mode(opinions)
}

// gather collects the published block opinions for the span and votes each
// block. Fewer than mavens-1 answers for any block fails the whole round, as
// does a split vote; the caller retries the same span next tick.
func (i *Ingestor) gather(span []int64) (map[int64][]graphene.Transaction, error) {
	votes := make(map[int64][]string, len(span))
	for id := 0; id < i.mavens; id++ {
		var published map[string]json.RawMessage
		if err := i.bus.Read(BlockMavenDoc(id), &published); err != nil {
			continue
		}
		for _, number := range span {
			if raw, ok := published[strconv.FormatInt(number, 10)]; ok {
				votes[number] = append(votes[number], string(raw))
			}
		}
	}
	quorum := i.mavens - 1
	consensus := make(map[int64][]graphene.Transaction, len(span))
	for _, number := range span {
		opinions := votes[number]
		if len(opinions) < quorum {
			return nil, fmt.Errorf("not enough responding mavens: block %d has %d of %d", number, len(opinions), quorum)
		}
		winner, ok := mode(opinions)
		if !ok {
			return nil, fmt.Errorf("no transaction consensus for block %d", number)
		}
		var txs []graphene.Transaction
		if err := json.Unmarshal([]byte(winner), &txs); err != nil {
			return nil, fmt.Errorf("consensus for block %d is undecodable: %w", number, err)
		}
		consensus[number] = txs
	}
	return consensus, nil
}
