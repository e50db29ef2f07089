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

// Package audit records every gateway event twice: as a JSON line appended to
// a per-network monthly chronicle file, and as a typed row in a relational
// table for deposits, withdrawals and ingots. Records are write-once; nothing
// in the gateway ever updates or deletes them. Recording never fails outward:
// a worker's business logic must not die because the audit trail hiccupped,
// so every error here is logged and swallowed.
package audit

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/paragate/paragate/config"
	"github.com/paragate/paragate/log"
	"github.com/paragate/paragate/pipe"
)

// Session identifies one run of the gateway process. It is stamped once at
// startup and copied into every deposit and withdrawal record written during
// that run, which lets an auditor group rows by restart.
type Session struct {
	SessionUnix int64  `json:"session_unix"`
	SessionDate string `json:"session_date"`
}

// NewSession stamps the current moment as a session marker.
func NewSession() Session {
	now := time.Now()
	return Session{
		SessionUnix: now.Unix(),
		SessionDate: now.Format(time.ANSIC),
	}
}

// Header carries the fields shared by every audit record. Workers fill
// Network, Process and the Session; the ledger stamps the rest at write time.
type Header struct {
	Msg       string `json:"msg"`
	Process   string `json:"process"`
	Network   string `json:"network"`
	Unix      int64  `json:"unix"`
	EventUnix int64  `json:"event_unix"`
	Date      string `json:"date"`
	Year      int    `json:"year"`
	Month     int    `json:"month"`
	Session
}

// Deposit is the audit record of one deposit request, from the moment the
// server receives it through issue, timeout or rejection. One record yields
// several rows over its life, disambiguated by Msg.
type Deposit struct {
	Header
	ReqParams      string  `json:"req_params"`
	Nonce          int64   `json:"nonce"`
	EventID        string  `json:"event_id"`
	UIA            string  `json:"uia"`
	ClientID       string  `json:"client_id"`
	Amount         float64 `json:"amount"`
	AccountIdx     int     `json:"account_idx"`
	RequiredMemo   string  `json:"required_memo"`
	DepositAddress string  `json:"deposit_address"`
}

// Withdrawal is the audit record of one withdrawal intent detected on the
// host ledger. The order fields mirror the foreign-chain payout order with
// the private key deliberately absent; key material never enters the trail.
type Withdrawal struct {
	Header
	Op               string  `json:"op"`
	Nonce            int64   `json:"nonce"`
	UIAID            string  `json:"uia_id"`
	EventID          string  `json:"event_id"`
	WithdrawalAmount float64 `json:"withdrawal_amount"`
	GatewayAddress   string  `json:"gateway_address"`
	ClientAddress    string  `json:"client_address"`
	ClientID         string  `json:"client_id"`
	AccountIdx       int     `json:"account_idx"`
	TxID             string  `json:"tx_id"`
	OrderPublic      string  `json:"order_public"`
	OrderTo          string  `json:"order_to"`
	OrderQuantity    float64 `json:"order_quantity"`
	Memo             string  `json:"memo"`
}

// Ingot is the audit record of one consolidation sweep of pooled gateway
// addresses into the hot index-zero address. The event id appears in the
// chronicle only; the relational table predates it.
type Ingot struct {
	Header
	EventID       string  `json:"event_id"`
	TxID          string  `json:"tx_id"`
	OrderPublic   string  `json:"order_public"`
	OrderTo       string  `json:"order_to"`
	OrderQuantity float64 `json:"order_quantity"`
}

// Ledger is the write side of the audit trail. One Ledger is shared by all
// workers of a gateway process.
type Ledger struct {
	bus    *pipe.Bus
	store  *store
	mirror *mirror
	log    log.Logger
}

// New opens the relational store at cfg.DBPath, creating the audit tables on
// first use, and connects the chronicle mirror when one is configured.
func New(bus *pipe.Bus, cfg config.AuditConfig) (*Ledger, error) {
	lg := log.New("module", "audit")
	st, err := openStore(cfg.DBPath, lg)
	if err != nil {
		return nil, err
	}
	l := &Ledger{bus: bus, store: st, log: lg}
	if cfg.Kafka.Enabled {
		m, err := newMirror(cfg.Kafka, lg)
		if err != nil {
			st.close()
			return nil, err
		}
		l.mirror = m
	}
	return l, nil
}

// Close flushes the chronicle mirror and closes the relational store.
func (l *Ledger) Close() error {
	if l.mirror != nil {
		l.mirror.close()
	}
	return l.store.close()
}

// Deposit chronicles one stage of a deposit event and inserts a row into the
// deposits table. The record is taken by value so the caller's working copy
// keeps its lowercase network name.
func (l *Ledger) Deposit(rec Deposit, msg string) {
	now := l.stamp(&rec.Header, "deposits", msg)
	l.emit(&rec, rec.Network, now)
	l.store.insert(insertDeposit,
		rec.Msg, rec.Unix, rec.EventUnix, rec.Date, rec.Year, rec.Month,
		rec.Network, rec.SessionUnix, rec.SessionDate, rec.ReqParams,
		rec.Nonce, rec.EventID, rec.UIA, rec.ClientID, rec.Amount,
		rec.AccountIdx, rec.RequiredMemo, rec.DepositAddress)
}

// Withdrawal chronicles one stage of a withdrawal event and inserts a row
// into the withdrawals table.
func (l *Ledger) Withdrawal(rec Withdrawal, msg string) {
	now := l.stamp(&rec.Header, "withdrawals", msg)
	l.emit(&rec, rec.Network, now)
	l.store.insert(insertWithdrawal,
		rec.Msg, rec.Unix, rec.EventUnix, rec.Date, rec.Year, rec.Month,
		rec.Network, rec.SessionUnix, rec.SessionDate, rec.Op, rec.Nonce,
		rec.UIAID, rec.EventID, rec.WithdrawalAmount, rec.GatewayAddress,
		rec.ClientAddress, rec.ClientID, rec.AccountIdx, rec.TxID,
		rec.OrderPublic, rec.OrderTo, rec.OrderQuantity, rec.Memo)
}

// Ingot chronicles one consolidation sweep and inserts a row into the ingots
// table.
func (l *Ledger) Ingot(rec Ingot, msg string) {
	now := l.stamp(&rec.Header, "ingots", msg)
	l.emit(&rec, rec.Network, now)
	l.store.insert(insertIngot,
		rec.Msg, rec.Unix, rec.EventUnix, rec.Date, rec.Year, rec.Month,
		rec.Network, rec.TxID, rec.OrderPublic, rec.OrderTo, rec.OrderQuantity)
}

// Note chronicles an event that has no relational table: worker lifecycle
// marks, parachain holes, maven complaints. The caller sets Process and
// Network; everything else is stamped here.
func (l *Ledger) Note(h Header, msg string) {
	now := l.stamp(&h, h.Process, msg)
	l.emit(&h, h.Network, now)
}

// Rows returns up to limit rows from one audit table, newest first, with the
// column names. It backs the audit inspection command.
func (l *Ledger) Rows(table string, limit int) ([]string, [][]string, error) {
	return l.store.rows(table, limit)
}

// Reset drops and recreates the audit tables. Any backup of the previous
// database file is the caller's concern.
func (l *Ledger) Reset() error {
	return l.store.reset()
}

// stamp fills the ledger-owned header fields and uppercases the network the
// way the chronicle file names do.
func (l *Ledger) stamp(h *Header, process, msg string) time.Time {
	now := time.Now()
	h.Msg = msg
	if process != "" {
		h.Process = process
	}
	h.Network = strings.ToUpper(h.Network)
	h.Unix = now.Unix()
	if h.EventUnix == 0 {
		h.EventUnix = now.Unix()
	}
	h.Date = now.Format(time.ANSIC)
	h.Year = now.Year()
	h.Month = int(now.Month())
	return now
}

// emit appends the record to the per-network monthly chronicle and hands the
// same line to the mirror.
func (l *Ledger) emit(rec interface{}, network string, now time.Time) {
	line, err := json.Marshal(rec)
	if err != nil {
		l.log.Error("chronicle encode failed", "err", err)
		return
	}
	doc := ArchiveDoc(network, now)
	if err := l.bus.Append(doc, json.RawMessage(line)); err != nil {
		l.log.Error("chronicle append failed", "doc", doc, "err", err)
	}
	if l.mirror != nil {
		l.mirror.publish(line)
	}
}

// ArchiveDoc names the chronicle document for a network and moment, for
// example BTC_2021_01_archive.
func ArchiveDoc(network string, now time.Time) string {
	return fmt.Sprintf("%s_%s_archive", strings.ToUpper(network), now.Format("2006_01"))
}
