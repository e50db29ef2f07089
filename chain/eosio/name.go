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

package eosio

import "fmt"

// symbolOf maps one character of the ".12345abcdefghijklmnopqrstuvwxyz"
// name alphabet to its five-bit value.
func symbolOf(c byte) (uint64, bool) {
	switch {
	case c >= 'a' && c <= 'z':
		return uint64(c-'a') + 6, true
	case c >= '1' && c <= '5':
		return uint64(c-'1') + 1, true
	case c == '.':
		return 0, true
	}
	return 0, false
}

// nameValue packs an account, action or permission name into the chain's
// native uint64 encoding: five bits per character for the first twelve
// characters, four bits for an optional thirteenth.
func nameValue(name string) (uint64, error) {
	if len(name) == 0 || len(name) > 13 {
		return 0, fmt.Errorf("name %q: must be 1-13 characters", name)
	}
	var value uint64
	for i := 0; i < len(name) && i < 12; i++ {
		sym, ok := symbolOf(name[i])
		if !ok {
			return 0, fmt.Errorf("name %q: invalid character %q", name, name[i])
		}
		value |= (sym & 0x1f) << uint(64-5*(i+1))
	}
	if len(name) == 13 {
		sym, ok := symbolOf(name[12])
		if !ok || sym > 0x0f {
			return 0, fmt.Errorf("name %q: thirteenth character out of range", name)
		}
		value |= sym & 0x0f
	}
	return value, nil
}
