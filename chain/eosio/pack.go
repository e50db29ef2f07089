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
	"encoding/hex"
	"fmt"
	"time"
)

// expirationLayout is the chain's zone-less UTC timestamp form.
const expirationLayout = "2006-01-02T15:04:05"

type permissionLevel struct {
	Actor      string `json:"actor"`
	Permission string `json:"permission"`
}

// action carries its arguments pre-serialized: Data is the hex string the
// node's abi_json_to_bin endpoint returned.
type action struct {
	Account       string            `json:"account"`
	Name          string            `json:"name"`
	Authorization []permissionLevel `json:"authorization"`
	Data          string            `json:"data"`
}

// transaction is the JSON form shared by the wallet's sign_transaction call
// and the binary packing below. The two serializations must agree field for
// field or the wallet's signatures will not verify against the packed bytes.
type transaction struct {
	Expiration            string        `json:"expiration"`
	RefBlockNum           uint16        `json:"ref_block_num"`
	RefBlockPrefix        uint32        `json:"ref_block_prefix"`
	MaxNetUsageWords      uint32        `json:"max_net_usage_words"`
	MaxCPUUsageMS         uint8         `json:"max_cpu_usage_ms"`
	DelaySec              uint32        `json:"delay_sec"`
	ContextFreeActions    []action      `json:"context_free_actions"`
	Actions               []action      `json:"actions"`
	TransactionExtensions []interface{} `json:"transaction_extensions"`
	Signatures            []string      `json:"signatures"`
	ContextFreeData       []string      `json:"context_free_data"`
}

func appendLE16(buf []byte, v uint16) []byte {
	return append(buf, byte(v), byte(v>>8))
}

func appendLE32(buf []byte, v uint32) []byte {
	return append(buf, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

func appendLE64(buf []byte, v uint64) []byte {
	buf = appendLE32(buf, uint32(v))
	return appendLE32(buf, uint32(v>>32))
}

func appendVaruint(buf []byte, v uint64) []byte {
	for v >= 0x80 {
		buf = append(buf, byte(v)|0x80)
		v >>= 7
	}
	return append(buf, byte(v))
}

func appendAction(buf []byte, a action) ([]byte, error) {
	account, err := nameValue(a.Account)
	if err != nil {
		return nil, err
	}
	name, err := nameValue(a.Name)
	if err != nil {
		return nil, err
	}
	buf = appendLE64(buf, account)
	buf = appendLE64(buf, name)
	buf = appendVaruint(buf, uint64(len(a.Authorization)))
	for _, auth := range a.Authorization {
		actor, err := nameValue(auth.Actor)
		if err != nil {
			return nil, err
		}
		permission, err := nameValue(auth.Permission)
		if err != nil {
			return nil, err
		}
		buf = appendLE64(buf, actor)
		buf = appendLE64(buf, permission)
	}
	data, err := hex.DecodeString(a.Data)
	if err != nil {
		return nil, fmt.Errorf("action data: %w", err)
	}
	buf = appendVaruint(buf, uint64(len(data)))
	return append(buf, data...), nil
}

// pack serializes the transaction into the chain's canonical binary form,
// suitable for the packed_trx field of push_transaction.
func (tx *transaction) pack() ([]byte, error) {
	expiration, err := time.Parse(expirationLayout, tx.Expiration)
	if err != nil {
		return nil, fmt.Errorf("expiration: %w", err)
	}
	buf := make([]byte, 0, 128)
	buf = appendLE32(buf, uint32(expiration.Unix()))
	buf = appendLE16(buf, tx.RefBlockNum)
	buf = appendLE32(buf, tx.RefBlockPrefix)
	buf = appendVaruint(buf, uint64(tx.MaxNetUsageWords))
	buf = append(buf, tx.MaxCPUUsageMS)
	buf = appendVaruint(buf, uint64(tx.DelaySec))
	buf = appendVaruint(buf, uint64(len(tx.ContextFreeActions)))
	for _, a := range tx.ContextFreeActions {
		if buf, err = appendAction(buf, a); err != nil {
			return nil, err
		}
	}
	buf = appendVaruint(buf, uint64(len(tx.Actions)))
	for _, a := range tx.Actions {
		if buf, err = appendAction(buf, a); err != nil {
			return nil, err
		}
	}
	buf = appendVaruint(buf, uint64(len(tx.TransactionExtensions)))
	if len(tx.TransactionExtensions) != 0 {
		return nil, fmt.Errorf("transaction extensions not supported")
	}
	return buf, nil
}

// parseChainTime reads a node timestamp with or without the millisecond
// suffix get_info attaches.
func parseChainTime(s string) (time.Time, error) {
	if t, err := time.Parse(expirationLayout+".000", s); err == nil {
		return t, nil
	}
	return time.Parse(expirationLayout, s)
}
