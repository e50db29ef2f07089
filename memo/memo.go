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

// Package memo derives the identifiers that tie a foreign-chain transfer back
// to a gateway request. Chains where the gateway reuses one hot address for
// every client (EOSIO, Ripple) cannot distinguish depositors by address, so
// each deposit request is assigned a short memo the client must attach to the
// transfer. Event ids label every request in the audit trail.
package memo

import (
	"crypto/sha256"
	"encoding/base32"
	"encoding/hex"
	"math/big"
	"math/rand"
	"strconv"
	"strings"

	"github.com/paragate/paragate/config"
)

// Encode derives a ten character deposit memo from a seed string; the
// deposit server seeds with a random 18 digit integer. Ripple destination
// tags are numeric, so the ripple form is ten decimal digits with any leading
// zero displaced by a "1"; every other network gets ten base32 characters.
// Collisions across concurrent deposits are guarded separately by the
// listener registry.
func Encode(network, seed string) string {
	sum := sha256.Sum256([]byte(seed))
	shaHex := hex.EncodeToString(sum[:])

	if network == config.Ripple {
		// The digest is re-expanded to the hex of its own ASCII bytes before
		// the decimal conversion; the wallets deployed against this gateway
		// derive their tags the same way, so the double expansion is wire
		// format now.
		n, _ := new(big.Int).SetString(hex.EncodeToString([]byte(shaHex)), 16)
		dec := n.String()
		tag := dec[10:20]
		if tag[0] == '0' {
			tag = "1" + tag[:9]
		}
		return tag
	}
	b32 := base32.StdEncoding.EncodeToString([]byte(shaHex))
	return strings.ToLower(b32)[:10]
}

// Seed returns a fresh random memo seed, an integer in [10^17, 10^18) in
// decimal form.
func Seed() string {
	return strconv.FormatInt(seedFloor+rand.Int63n(9*seedFloor), 10)
}

const seedFloor = int64(1e17)

// EventID labels a gateway event for the audit trail: a single letter prefix
// ("D" deposit, "W" withdrawal, "I" ingot) followed by the request counter
// zero padded to ten digits. Counters beyond ten digits keep only the low
// ten, which at one request per millisecond buys a few hundred years.
func EventID(prefix string, number int64) string {
	padded := "0000000000" + strconv.FormatInt(number, 10)
	return prefix + padded[len(padded)-10:]
}
