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

// Package xyz emulates a foreign chain on top of the message bus, for
// rehearsing the full deposit and withdrawal cycle without real funds.
// Block height is wall time in three-second slices; transactions live in a
// queue document until the block they are stamped for is drawn.
package xyz

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/paragate/paragate/chain"
	"github.com/paragate/paragate/config"
	"github.com/paragate/paragate/log"
	"github.com/paragate/paragate/pipe"
)

const (
	// queueDoc holds pending paper transactions; counterDoc the next id.
	queueDoc   = "xyz_transactions"
	counterDoc = "xyz_trx_id"

	// blockSeconds paces the emulated chain. executionDelay stamps outbound
	// transfers a few blocks into the future, imitating confirmation lag.
	blockSeconds   = 3
	executionDelay = 5

	// quantityScale converts between float quantities and the scaled
	// integers stored in the queue document, five decimals either way.
	quantityScale = 1e5

	paperBalance = 1000.0
)

// queueEntry is one pending transaction in the queue document. Quantities
// are stored as scaled integers; key material never enters the document.
type queueEntry struct {
	Type     string `json:"type"`
	Public   string `json:"public"`
	To       string `json:"to"`
	Memo     string `json:"memo,omitempty"`
	Quantity int64  `json:"quantity"`
	BlockNum int64  `json:"block_num"`
}

// Backend implements chain.Backend for the synthetic XYZ network.
type Backend struct {
	bus *pipe.Bus
	log log.Logger
	now func() time.Time
}

var _ chain.Backend = (*Backend)(nil)

// New returns a paper chain living on the given bus.
func New(bus *pipe.Bus) *Backend {
	return &Backend{
		bus: bus,
		log: log.New("network", config.XYZ),
		now: time.Now,
	}
}

// Network returns "xyz".
func (b *Backend) Network() string { return config.XYZ }

// Head returns the current emulated block number.
func (b *Backend) Head(context.Context) (int64, error) {
	return b.now().Unix() / blockSeconds, nil
}

// Block draws every queued transaction due at or before the given block and
// normalizes the transfers among them. Entries stamped for a later block
// stay queued; drawn entries are consumed whether or not they normalize.
func (b *Backend) Block(_ context.Context, number int64) ([]chain.Transfer, error) {
	var transfers []chain.Transfer
	err := b.bus.WithLock(queueDoc, func() error {
		var queue []queueEntry
		if err := b.bus.Read(queueDoc, &queue); err != nil {
			if errors.Is(err, pipe.ErrNoDocument) {
				return nil
			}
			return fmt.Errorf("transfer queue %v: %w", err, chain.ErrBlockData)
		}
		var pending []queueEntry
		for idx, entry := range queue {
			if entry.BlockNum > number {
				pending = append(pending, entry)
				continue
			}
			if entry.Type != "transfer" {
				continue
			}
			transfers = append(transfers, chain.Transfer{
				To:     entry.To,
				From:   entry.Public,
				Memo:   entry.Memo,
				Hash:   entryHash(idx, number, entry),
				Asset:  "XYZ",
				Amount: float64(entry.Quantity) / quantityScale,
			})
		}
		return b.bus.Write(queueDoc, pending)
	})
	if err != nil {
		return nil, err
	}
	return transfers, nil
}

// entryHash gives a drawn entry a mostly unique transaction id.
func entryHash(idx int, blockNum int64, entry queueEntry) string {
	payload, _ := json.Marshal(entry)
	sum := sha256.Sum256([]byte(strconv.Itoa(idx) + strconv.FormatInt(blockNum, 10) + string(payload)))
	return hex.EncodeToString(sum[:])
}

// ValidateAddress accepts everything; there is no ledger to check against.
func (b *Backend) ValidateAddress(context.Context, string) (bool, error) {
	return true, nil
}

// Balance is a paper constant.
func (b *Backend) Balance(context.Context, string) (float64, error) {
	return paperBalance, nil
}

// Transfer enqueues a paper payment for execution a few blocks out and
// returns its incrementing transaction id. The very first id is zero.
func (b *Backend) Transfer(_ context.Context, order chain.Order) (string, error) {
	var id int64
	err := b.bus.WithLock(counterDoc, func() error {
		last, err := b.bus.ReadScalar(counterDoc)
		switch {
		case errors.Is(err, pipe.ErrNoDocument):
			id = 0
		case err != nil:
			return err
		default:
			id = last + 1
		}
		return b.bus.WriteScalar(counterDoc, id)
	})
	if err != nil {
		return "", err
	}
	entry := queueEntry{
		Type:     "transfer",
		Public:   order.Public,
		To:       order.To,
		Memo:     order.Memo,
		Quantity: int64(order.Quantity * quantityScale),
		BlockNum: b.now().Unix()/blockSeconds + executionDelay,
	}
	err = b.bus.WithLock(queueDoc, func() error {
		var queue []queueEntry
		if err := b.bus.Read(queueDoc, &queue); err != nil && !errors.Is(err, pipe.ErrNoDocument) {
			return err
		}
		return b.bus.Write(queueDoc, append(queue, entry))
	})
	if err != nil {
		return "", err
	}
	b.log.Debug("paper transfer queued", "to", order.To, "tx", id)
	return strconv.FormatInt(id, 10), nil
}

// Enqueue plants an inbound transaction on the paper chain, due
// immediately. Integration rehearsals use it to simulate client deposits.
func (b *Backend) Enqueue(to, from, memo string, amount float64) error {
	entry := queueEntry{
		Type:     "transfer",
		Public:   from,
		To:       to,
		Memo:     memo,
		Quantity: int64(amount * quantityScale),
	}
	return b.bus.WithLock(queueDoc, func() error {
		var queue []queueEntry
		if err := b.bus.Read(queueDoc, &queue); err != nil && !errors.Is(err, pipe.ErrNoDocument) {
			return err
		}
		return b.bus.Write(queueDoc, append(queue, entry))
	})
}
