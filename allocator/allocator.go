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

// Package allocator hands out deposit addresses from each network's account
// pool. The free/busy state is a vector of ones and zeros on the message
// bus, one document per network, so every worker and any external tool
// shares a single view of the rotation.
package allocator

import (
	"time"

	"github.com/paragate/paragate/config"
	"github.com/paragate/paragate/log"
	"github.com/paragate/paragate/pipe"
)

// stateDoc names the pool vector document of a network.
func stateDoc(network string) string {
	return network + "_gateway_state"
}

// Allocator tracks which pool addresses are free.
type Allocator struct {
	bus *pipe.Bus
	cfg *config.Config
	log log.Logger
}

// New returns an allocator over the given bus and configuration.
func New(bus *pipe.Bus, cfg *config.Config) *Allocator {
	return &Allocator{bus: bus, cfg: cfg, log: log.New("module", "allocator")}
}

// Initialize marks every pool address of the network free. The gateway runs
// this at startup: pending events do not survive a restart, so neither do
// their address claims.
func (a *Allocator) Initialize(network string) error {
	state := make([]int, len(a.cfg.Accounts(network)))
	for i := range state {
		state[i] = 1
	}
	return a.bus.Write(stateDoc(network), state)
}

// Lock claims the lowest free deposit address and returns its index. Index
// zero is the outbound account and is never handed out. Memo-based networks
// bypass the pool entirely and always report index zero. ok is false when
// every deposit address is already claimed.
func (a *Allocator) Lock(network string) (idx int, ok bool, err error) {
	if config.MemoBased(network) {
		return 0, true, nil
	}
	doc := stateDoc(network)
	err = a.bus.WithLock(doc, func() error {
		var state []int
		if err := a.bus.Read(doc, &state); err != nil {
			return err
		}
		for i := 1; i < len(state); i++ {
			if state[i] == 1 {
				state[i] = 0
				idx, ok = i, true
				return a.bus.Write(doc, state)
			}
		}
		return nil
	})
	if err != nil {
		return 0, false, err
	}
	if ok {
		a.log.Debug("address locked", "network", network, "idx", idx)
	}
	return idx, ok, nil
}

// Unlock returns an address to the pool after the delay elapses. The hold
// keeps a just-used address out of rotation past the reorg horizon, so a
// late inbound transfer cannot be credited to a newer event. Index zero and
// memo-based networks never hold a claim, so those calls are no-ops.
func (a *Allocator) Unlock(network string, idx int, delay time.Duration) {
	if idx <= 0 || config.MemoBased(network) {
		return
	}
	go func() {
		time.Sleep(delay)
		doc := stateDoc(network)
		err := a.bus.WithLock(doc, func() error {
			var state []int
			if err := a.bus.Read(doc, &state); err != nil {
				return err
			}
			if idx >= len(state) {
				return nil
			}
			state[idx] = 1
			return a.bus.Write(doc, state)
		})
		if err != nil {
			a.log.Error("address unlock failed", "network", network, "idx", idx, "err", err)
			return
		}
		a.log.Debug("address unlocked", "network", network, "idx", idx)
	}()
}

// Snapshot returns the current pool vector of a network.
func (a *Allocator) Snapshot(network string) ([]int, error) {
	var state []int
	err := a.bus.Read(stateDoc(network), &state)
	return state, err
}
