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

package audit

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/paragate/paragate/log"
)

// The audit schema. Three tables, one per event kind, every column nullable
// except the rowid. The store only ever inserts and selects.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS deposits (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		msg TEXT,
		unix INTEGER,
		event_unix INTEGER,
		date TEXT,
		year INTEGER,
		month INTEGER,
		network TEXT,
		session_unix INTEGER,
		session_date TEXT,
		req_params TEXT,
		nonce INTEGER,
		event_id TEXT,
		uia TEXT,
		client_id TEXT,
		amount REAL,
		account_idx INTEGER,
		required_memo TEXT,
		deposit_address TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS withdrawals (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		msg TEXT,
		unix INTEGER,
		event_unix INTEGER,
		date TEXT,
		year INTEGER,
		month INTEGER,
		network TEXT,
		session_unix INTEGER,
		session_date TEXT,
		op TEXT,
		nonce INTEGER,
		uia_id TEXT,
		event_id TEXT,
		withdrawal_amount REAL,
		gateway_address TEXT,
		client_address TEXT,
		client_id TEXT,
		account_idx INTEGER,
		tx_id TEXT,
		order_public TEXT,
		order_to TEXT,
		order_quantity REAL,
		memo TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS ingots (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		msg TEXT,
		unix INTEGER,
		event_unix INTEGER,
		date TEXT,
		year INTEGER,
		month INTEGER,
		network TEXT,
		tx_id TEXT,
		order_public TEXT,
		order_to TEXT,
		order_quantity REAL
	)`,
}

const (
	insertDeposit = `INSERT INTO deposits (msg, unix, event_unix, date, year,
		month, network, session_unix, session_date, req_params, nonce,
		event_id, uia, client_id, amount, account_idx, required_memo,
		deposit_address) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	insertWithdrawal = `INSERT INTO withdrawals (msg, unix, event_unix, date,
		year, month, network, session_unix, session_date, op, nonce, uia_id,
		event_id, withdrawal_amount, gateway_address, client_address,
		client_id, account_idx, tx_id, order_public, order_to, order_quantity,
		memo) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	insertIngot = `INSERT INTO ingots (msg, unix, event_unix, date, year,
		month, network, tx_id, order_public, order_to, order_quantity)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
)

// lockedRetryCap bounds the exponential backoff on "database is locked":
// 0.1*2^13 seconds is a shade under fourteen minutes between attempts.
const lockedRetryCap = 13

// store wraps the sqlite database holding the audit tables.
type store struct {
	db  *sql.DB
	log log.Logger
}

func openStore(path string, lg log.Logger) (*store, error) {
	if path == "" {
		return nil, errors.New("audit: empty database path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("audit: creating database dir: %w", err)
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("audit: opening %s: %w", path, err)
	}
	// One connection serializes writers inside this process; the retry loop
	// below covers contention with inspection tools on the same file.
	db.SetMaxOpenConns(1)
	for _, ddl := range schema {
		if _, err := db.Exec(ddl); err != nil {
			db.Close()
			return nil, fmt.Errorf("audit: creating tables: %w", err)
		}
	}
	return &store{db: db, log: lg}, nil
}

func (s *store) close() error {
	return s.db.Close()
}

// insert writes one row, retrying forever on lock contention with doubling
// backoff. Any other failure is logged and dropped; the chronicle line for
// the same event is already on disk.
func (s *store) insert(query string, args ...interface{}) {
	for pause := 0; ; {
		_, err := s.db.Exec(query, args...)
		if err == nil {
			return
		}
		if !isLocked(err) {
			s.log.Error("audit insert failed", "err", err)
			return
		}
		s.log.Warn("audit database locked, trying again", "pause", pause)
		time.Sleep(100 * time.Millisecond << uint(pause))
		if pause < lockedRetryCap {
			pause++
		}
	}
}

func isLocked(err error) bool {
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		return serr.Code == sqlite3.ErrBusy || serr.Code == sqlite3.ErrLocked
	}
	return strings.Contains(err.Error(), "database is locked")
}

// rows returns up to limit rows from table, newest first. The table name is
// checked against the schema before it is spliced into the query.
func (s *store) rows(table string, limit int) ([]string, [][]string, error) {
	switch table {
	case "deposits", "withdrawals", "ingots":
	default:
		return nil, nil, fmt.Errorf("audit: unknown table %q", table)
	}
	rows, err := s.db.Query(
		fmt.Sprintf("SELECT * FROM %s ORDER BY id DESC LIMIT ?", table), limit)
	if err != nil {
		return nil, nil, fmt.Errorf("audit: querying %s: %w", table, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, nil, err
	}
	var out [][]string
	for rows.Next() {
		vals := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, nil, err
		}
		rec := make([]string, len(cols))
		for i, v := range vals {
			rec[i] = formatCell(v)
		}
		out = append(out, rec)
	}
	return cols, out, rows.Err()
}

func formatCell(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return ""
	case []byte:
		return string(x)
	case string:
		return x
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		return fmt.Sprint(x)
	}
}

// reset drops and recreates the audit tables.
func (s *store) reset() error {
	for _, table := range []string{"deposits", "withdrawals", "ingots"} {
		if _, err := s.db.Exec("DROP TABLE IF EXISTS " + table); err != nil {
			return fmt.Errorf("audit: dropping %s: %w", table, err)
		}
	}
	for _, ddl := range schema {
		if _, err := s.db.Exec(ddl); err != nil {
			return fmt.Errorf("audit: recreating tables: %w", err)
		}
	}
	return nil
}
