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

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAppendVaruint(t *testing.T) {
	tests := []struct {
		value uint64
		want  []byte
	}{
		{0, []byte{0x00}},
		{127, []byte{0x7f}},
		{128, []byte{0x80, 0x01}},
		{300, []byte{0xac, 0x02}},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, appendVaruint(nil, tt.value), "varuint(%d)", tt.value)
	}
}

// Walk the packed bytes field by field. The wallet signs over this exact
// layout, so any drift here invalidates every signature.
func TestPackLayout(t *testing.T) {
	tx := transaction{
		Expiration:     "2021-01-01T12:02:00",
		RefBlockNum:    0x1234,
		RefBlockPrefix: 0xDEADBEEF,
		Actions: []action{{
			Account:       "eosio.token",
			Name:          "transfer",
			Authorization: []permissionLevel{{Actor: "gatewayhotzz", Permission: "active"}},
			Data:          "00ff10",
		}},
	}
	packed, err := tx.pack()
	require.NoError(t, err)
	require.Len(t, packed, 53)

	wantExp, err := time.Parse(expirationLayout, tx.Expiration)
	require.NoError(t, err)
	require.Equal(t, uint32(wantExp.Unix()), binary.LittleEndian.Uint32(packed[0:4]))
	require.Equal(t, uint16(0x1234), binary.LittleEndian.Uint16(packed[4:6]))
	require.Equal(t, uint32(0xDEADBEEF), binary.LittleEndian.Uint32(packed[6:10]))

	// max_net_usage_words, max_cpu_usage_ms, delay_sec, no context-free
	// actions, one action.
	require.Equal(t, []byte{0, 0, 0, 0, 1}, packed[10:15])

	wantAccount, err := nameValue("eosio.token")
	require.NoError(t, err)
	wantName, err := nameValue("transfer")
	require.NoError(t, err)
	require.Equal(t, wantAccount, binary.LittleEndian.Uint64(packed[15:23]))
	require.Equal(t, wantName, binary.LittleEndian.Uint64(packed[23:31]))

	require.Equal(t, byte(1), packed[31])
	wantActor, err := nameValue("gatewayhotzz")
	require.NoError(t, err)
	wantPermission, err := nameValue("active")
	require.NoError(t, err)
	require.Equal(t, wantActor, binary.LittleEndian.Uint64(packed[32:40]))
	require.Equal(t, wantPermission, binary.LittleEndian.Uint64(packed[40:48]))

	require.Equal(t, byte(3), packed[48])
	require.Equal(t, []byte{0x00, 0xff, 0x10}, packed[49:52])
	require.Equal(t, byte(0), packed[52])
}

func TestPackRejectsBadData(t *testing.T) {
	tx := transaction{
		Expiration: "2021-01-01T12:02:00",
		Actions: []action{{
			Account: "eosio.token", Name: "transfer", Data: "not-hex",
		}},
	}
	_, err := tx.pack()
	require.Error(t, err)
}

func TestParseChainTime(t *testing.T) {
	withMillis, err := parseChainTime("2021-01-01T12:00:00.500")
	require.NoError(t, err)
	require.Equal(t, 500*time.Millisecond, time.Duration(withMillis.Nanosecond()))

	plain, err := parseChainTime("2021-01-01T12:00:00")
	require.NoError(t, err)
	require.Equal(t, withMillis.Truncate(time.Second), plain)
}
