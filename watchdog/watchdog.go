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

// Package watchdog tracks the liveness of the gateway worker groups through a
// shared pipe document. Each group stamps its own mark from inside its work
// loop, so a wedged RPC call or a deadlocked loop stops the beats even while
// the goroutine technically still exists. The supervisor patrols the marks,
// chronicles an alert when a group goes silent and keeps re-alerting at a
// slower cadence until the beats resume.
//
// The document doubles as an operator surface: the marks are plain framed
// JSON, so `tail -F` on the pipe file shows at a glance which groups are
// alive without attaching to the process.
package watchdog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/paragate/paragate/audit"
	"github.com/paragate/paragate/config"
	"github.com/paragate/paragate/log"
	"github.com/paragate/paragate/pipe"
)

const (
	// Doc is the pipe document holding the liveness marks.
	Doc = "watchdog"

	// BeatEvery is the longest a live worker group may wait between
	// heartbeats. The supervisor patrols at the same cadence.
	BeatEvery = 10 * time.Second

	// Main is the supervisor's own mark key.
	Main = "main"
)

// children are the supervised worker groups, keyed the way the audit trail
// names their processes.
var children = []string{"deposits", "withdrawals", "ingots", "parachains"}

// Mark is one worker group's liveness entry: the moment of the last
// heartbeat, the moment of the last heartbeat before the group was flagged
// dead, and whether the group currently counts as alive. The wire form is a
// three-element array.
type Mark struct {
	Updated int64
	Died    int64
	Alive   bool
}

// MarshalJSON encodes the mark as [updated, died, alive].
func (m Mark) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{m.Updated, m.Died, m.Alive})
}

// UnmarshalJSON decodes the [updated, died, alive] wire form.
func (m *Mark) UnmarshalJSON(data []byte) error {
	var parts [3]json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return err
	}
	if err := json.Unmarshal(parts[0], &m.Updated); err != nil {
		return err
	}
	if err := json.Unmarshal(parts[1], &m.Died); err != nil {
		return err
	}
	return json.Unmarshal(parts[2], &m.Alive)
}

// Heart stamps one worker group's liveness mark. A nil Heart is inert, which
// lets workers run unsupervised in tests and single-purpose tools.
type Heart struct {
	bus     *pipe.Bus
	process string
	log     log.Logger
}

// NewHeart returns the beating half of the watchdog for one worker group.
func NewHeart(bus *pipe.Bus, process string) *Heart {
	return &Heart{
		bus:     bus,
		process: process,
		log:     log.New("module", "watchdog", "process", process),
	}
}

// Beat records that the worker group is alive right now. While a group keeps
// beating, its death moment rides along with the beat so that a later stall
// is measured from the last genuine sign of life.
func (h *Heart) Beat() {
	if h == nil {
		return
	}
	now := time.Now().Unix()
	err := h.bus.WithLock(Doc, func() error {
		marks := map[string]Mark{}
		if err := h.bus.Read(Doc, &marks); err != nil && !errors.Is(err, pipe.ErrNoDocument) {
			return err
		}
		marks[h.process] = Mark{Updated: now, Died: now, Alive: true}
		return h.bus.Write(Doc, marks)
	})
	if err != nil {
		h.log.Warn("heartbeat failed", "err", err)
	}
}

// Rest pauses the worker loop for d, beating through the pause so the group
// is not flagged while it idles between rounds. Returns early when the
// context ends. Safe on a nil Heart, which then only sleeps.
func (h *Heart) Rest(ctx context.Context, d time.Duration) {
	deadline := time.Now().Add(d)
	for {
		wait := time.Until(deadline)
		if wait <= 0 {
			return
		}
		if wait > BeatEvery {
			wait = BeatEvery
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
			h.Beat()
		}
	}
}

// Watchdog is the supervising half: it refreshes the main mark every patrol
// and flags worker groups whose marks go stale.
type Watchdog struct {
	cfg      *config.Config
	bus      *pipe.Bus
	ledger   *audit.Ledger
	session  audit.Session
	instance string
	every    time.Duration
	log      log.Logger
}

// New returns a supervisor over the configured worker groups. The instance
// tag distinguishes chronicle alerts of overlapping gateway runs.
func New(cfg *config.Config, bus *pipe.Bus, ledger *audit.Ledger, session audit.Session) *Watchdog {
	return &Watchdog{
		cfg:      cfg,
		bus:      bus,
		ledger:   ledger,
		session:  session,
		instance: uuid.NewString(),
		every:    BeatEvery,
		log:      log.New("module", "watchdog"),
	}
}

// Run seeds a fresh mark table and patrols it until the context ends.
func (w *Watchdog) Run(ctx context.Context) {
	w.log.Info("watchdog initializing", "instance", w.instance,
		"stale", w.cfg.Watchdog.StaleSec, "repeat", w.cfg.Watchdog.RepeatSec)
	w.seed()
	ticker := time.NewTicker(w.every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.patrol()
		}
	}
}

// seed resets every mark to alive-now. Marks surviving from an earlier run
// would otherwise flag workers that simply have not started yet.
func (w *Watchdog) seed() {
	now := time.Now().Unix()
	marks := map[string]Mark{Main: {Updated: now, Died: now, Alive: true}}
	for _, child := range children {
		marks[child] = Mark{Updated: now, Died: now, Alive: true}
	}
	err := w.bus.WithLock(Doc, func() error {
		return w.bus.Write(Doc, marks)
	})
	if err != nil {
		w.log.Error("seeding watchdog marks failed", "err", err)
	}
}

type staleAlert struct {
	process string
	silent  int64
}

// patrol stamps the main mark and flags silent groups. A freshly flagged
// group alerts immediately; a group already flagged re-alerts only after the
// repeat interval, so a dead worker does not flood the chronicle.
func (w *Watchdog) patrol() {
	var (
		now    = time.Now().Unix()
		alerts []staleAlert
	)
	err := w.bus.WithLock(Doc, func() error {
		marks := map[string]Mark{}
		if err := w.bus.Read(Doc, &marks); err != nil && !errors.Is(err, pipe.ErrNoDocument) {
			return err
		}
		marks[Main] = Mark{Updated: now, Died: now, Alive: true}
		for _, child := range children {
			if !w.supervised(child) {
				continue
			}
			mark, ok := marks[child]
			if !ok {
				marks[child] = Mark{Updated: now, Died: now, Alive: true}
				continue
			}
			stale := now - mark.Updated
			if stale <= int64(w.cfg.Watchdog.StaleSec) {
				continue
			}
			if mark.Alive || stale > int64(w.cfg.Watchdog.RepeatSec) {
				alerts = append(alerts, staleAlert{child, now - mark.Died})
				marks[child] = Mark{Updated: now, Died: mark.Died, Alive: false}
			}
		}
		return w.bus.Write(Doc, marks)
	})
	if err != nil {
		w.log.Error("watchdog patrol failed", "err", err)
		return
	}
	for _, a := range alerts {
		w.log.Warn("worker group stale", "process", a.process, "silent", a.silent, "instance", w.instance)
		w.ledger.Note(audit.Header{Process: "watchdog", Session: w.session},
			fmt.Sprintf("WARN: Watchdog detects Gateway %s stale by %d seconds!", a.process, a.silent))
	}
}

// supervised reports whether a worker group is enabled and therefore expected
// to beat. Groups without a process flag are always supervised.
func (w *Watchdog) supervised(process string) bool {
	switch process {
	case "deposits":
		return w.cfg.Processes.Deposits
	case "withdrawals":
		return w.cfg.Processes.Withdrawals
	case "ingots":
		return w.cfg.Processes.Ingots
	default:
		return true
	}
}
