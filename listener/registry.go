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

package listener

import (
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
)

// Registry tracks the inbound signatures of armed matchers so a duplicate
// deposit request cannot end up with two matchers issuing against a single
// foreign transfer. Withdrawal matchers skip it; concurrent withdrawals to
// one address are disambiguated by amount instead.
type Registry struct {
	mu   sync.Mutex
	keys mapset.Set[string]
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{keys: mapset.NewSet[string]()}
}

func signature(network, listeningTo, memo string) string {
	return network + "|" + listeningTo + "|" + memo
}

// arm claims a signature, failing when a live matcher already holds it.
func (r *Registry) arm(network, listeningTo, memo string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := signature(network, listeningTo, memo)
	if r.keys.Contains(key) {
		return false
	}
	r.keys.Add(key)
	return true
}

func (r *Registry) disarm(network, listeningTo, memo string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys.Remove(signature(network, listeningTo, memo))
}

// Outstanding reports the number of armed matchers.
func (r *Registry) Outstanding() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.keys.Cardinality()
}
