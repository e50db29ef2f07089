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
	"fmt"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/paragate/paragate/graphene"
)

const (
	// mavenCeiling caps how many consensus readers run regardless of how
	// many public nodes are configured.
	mavenCeiling = 7

	// numMavenPause is the publish cadence of one head maven.
	numMavenPause = 2 * time.Second

	// mavenRecycle is how long a head maven keeps one connection before it
	// is forced onto a fresh node.
	mavenRecycle = 10 * time.Minute

	// staleTolerance rejects nodes whose head block timestamp lags the
	// wall clock; such a node answers from a stalled or forked view.
	staleTolerance = 10 * time.Second

	// Opinion sanity bounds relative to the current consensus head. A node
	// reporting far ahead is lying or on a fork; one reporting behind is
	// syncing. Either way its opinion is withheld and the node dropped.
	aheadTolerance  = 1200
	behindTolerance = 5
)

// NumMavenDoc is the pipe document carrying one maven's opinion of the last
// irreversible block number.
func NumMavenDoc(id int) string {
	return fmt.Sprintf("block_num_maven_%d", id)
}

// BlockMavenDoc is the pipe document carrying one maven's fetched span of
// block transaction lists, keyed by decimal block number.
func BlockMavenDoc(id int) string {
	return fmt.Sprintf("block_maven_%d", id)
}

// BlockNumberDoc carries the consensus irreversible block number.
const BlockNumberDoc = "block_number"

// mode returns the most frequent value and whether that frequency is unique.
// A split vote yields ok=false; consensus callers skip the tick and let the
// next one resolve it.
func mode[T comparable](values []T) (T, bool) {
	counts := make(map[T]int, len(values))
	var best T
	bestN := 0
	tied := false
	for _, v := range values {
		counts[v]++
		switch n := counts[v]; {
		case n > bestN:
			best, bestN, tied = v, n, false
		case n == bestN && v != best:
			tied = true
		}
	}
	if bestN == 0 || tied {
		var zero T
		return zero, false
	}
	return best, true
}

// numMaven keeps one maven's head opinion fresh until ctx ends. Each maven
// owns its client; rotation staggering keeps the pool from reconnecting in
// lockstep.
func (i *Ingestor) numMaven(ctx context.Context, id int, client *graphene.Client) {
	defer client.Close()
	doc := NumMavenDoc(id)

	recycle := time.NewTimer(mavenRecycle / time.Duration(i.mavens) * time.Duration(id+1))
	defer recycle.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-recycle.C:
			client.Rotate()
			recycle.Reset(mavenRecycle)
		default:
		}
		if err := i.publishHead(ctx, client, doc); err != nil {
			if ctx.Err() != nil {
				return
			}
			i.log.Debug("head maven rotating", "maven", id, "err", err)
			client.Rotate()
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(numMavenPause):
		}
	}
}

// publishHead asks the maven's node for the last irreversible block number
// and publishes it when it survives the freshness and sanity checks.
func (i *Ingestor) publishHead(ctx context.Context, client *graphene.Client, doc string) error {
	// Hop nodes once in a while even when the current one behaves, so a
	// single popular node never dominates the vote.
	if rand.Intn(101) == 0 {
		client.Rotate()
	}
	globals, err := client.Globals(ctx)
	if err != nil {
		return err
	}
	blockTime, err := globals.BlockTime()
	if err != nil {
		return err
	}
	if lag := time.Since(blockTime); lag > staleTolerance {
		return fmt.Errorf("node head is %s behind the wall clock", lag.Round(time.Second))
	}
	head := globals.LastIrreversible
	if latest, err := i.bus.ReadScalar(BlockNumberDoc); err == nil && latest > 0 {
		if head > latest+aheadTolerance || head < latest-behindTolerance {
			return fmt.Errorf("head opinion %d out of range of consensus %d", head, latest)
		}
	}
	return i.bus.WriteScalar(doc, head)
}

// fetchSpan has every block maven fetch the span concurrently and bounds the
// whole round by the join budget. Stragglers are cancelled; their documents
// keep the previous round's answer, which the vote then ignores.
func (i *Ingestor) fetchSpan(ctx context.Context, span []int64) {
	ctx, cancel := context.WithTimeout(ctx, i.joinBudget)
	defer cancel()

	var wg sync.WaitGroup
	for id := range i.fetchers {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			i.fetchBlocks(ctx, id, span)
		}(id)
	}
	wg.Wait()
}

// fetchBlocks retrieves every block of the span from a freshly selected node
// and publishes the full set, or publishes nothing. Partial answers would
// read as disagreement in the vote.
func (i *Ingestor) fetchBlocks(ctx context.Context, id int, span []int64) {
	client := i.fetchers[id]
	client.Rotate()

	blocks := make(map[string]json.RawMessage, len(span))
	for _, number := range span {
		txs, err := client.BlockTransactions(ctx, number)
		if err != nil {
			i.log.Debug("block fetch failed", "maven", id, "block", number, "err", err)
			return
		}
		blocks[strconv.FormatInt(number, 10)] = txs
	}
	if err := i.bus.Write(BlockMavenDoc(id), blocks); err != nil {
		i.log.Warn("block maven publish failed", "maven", id, "err", err)
	}
}
