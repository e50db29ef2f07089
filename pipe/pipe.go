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

// Package pipe implements the file-backed message bus shared by the gateway
// workers. Documents are JSON payloads framed by a constant delimiter so a
// concurrent reader never parses a half-written file; chronicle documents are
// append-only with one JSON object per line. The files double as a live
// operator surface: `tail -F <datadir>/pipe/...` streams worker state.
package pipe

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/paragate/paragate/log"
)

// Delim frames every replace-written document. Readers split on it and parse
// the middle, which clips torn writes from concurrent writers.
const Delim = "<<< JSON IPC >>>"

// maxAttempts bounds the retry loop of Read and Write. The backoff grows
// quadratically, 0.02*i^2 seconds per attempt.
const maxAttempts = 20

// chronicleDir is the subdirectory of the bus root holding append-only
// chronicle documents.
const chronicleDir = "comptroller"

// ErrNoDocument is returned by Read when the requested document has never
// been written. Absence is definitive and is not retried.
var ErrNoDocument = errors.New("document does not exist")

// Bus is a file-backed JSON message bus rooted at <datadir>/pipe.
type Bus struct {
	root string
	log  log.Logger
}

// New returns a bus rooted at the pipe directory under datadir. The directory
// is created lazily; call Initialize to create it eagerly at startup.
func New(datadir string) *Bus {
	return &Bus{
		root: filepath.Join(datadir, "pipe"),
		log:  log.New("module", "pipe"),
	}
}

// Initialize creates the pipe directory and its chronicle subdirectory.
func (b *Bus) Initialize() error {
	if err := os.MkdirAll(b.root, 0700); err != nil {
		return fmt.Errorf("initializing pipe: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(b.root, chronicleDir), 0700); err != nil {
		return fmt.Errorf("initializing chronicle: %w", err)
	}
	return nil
}

// Root returns the bus root directory.
func (b *Bus) Root() string {
	return b.root
}

// Path returns the absolute path of a replace-written document.
func (b *Bus) Path(doc string) string {
	return filepath.Join(b.root, doc)
}

// ChroniclePath returns the absolute path of an append-only document.
func (b *Bus) ChroniclePath(doc string) string {
	return filepath.Join(b.root, chronicleDir, doc)
}

// Read parses the framed JSON payload of doc into v. Torn frames and transient
// filesystem errors are retried with growing backoff; a missing document
// returns ErrNoDocument immediately.
func (b *Bus) Read(doc string, v interface{}) error {
	path := b.Path(doc)
	var lastErr error
	for i := 0; i < maxAttempts; i++ {
		b.backoff(i, "reading", doc)
		raw, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				if _, derr := os.Stat(b.root); derr == nil {
					return ErrNoDocument
				}
				// The pipe directory itself is gone; recreate and retry.
				lastErr = err
				continue
			}
			lastErr = err
			continue
		}
		parts := strings.Split(string(raw), Delim)
		if len(parts) < 2 {
			lastErr = fmt.Errorf("unframed payload in %s", doc)
			continue
		}
		if err := json.Unmarshal([]byte(parts[1]), v); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return fmt.Errorf("pipe: reading %s: %w", doc, lastErr)
}

// Write marshals v and replaces doc with the framed payload.
func (b *Bus) Write(doc string, v interface{}) error {
	blob, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("pipe: encoding %s: %w", doc, err)
	}
	framed := append(append([]byte(Delim), blob...), []byte(Delim)...)
	path := b.Path(doc)
	var lastErr error
	for i := 0; i < maxAttempts; i++ {
		b.backoff(i, "writing", doc)
		if err := os.WriteFile(path, framed, 0600); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return fmt.Errorf("pipe: writing %s: %w", doc, lastErr)
}

// Append adds one newline-prefixed JSON object to the chronicle document.
func (b *Bus) Append(doc string, v interface{}) error {
	blob, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("pipe: encoding %s: %w", doc, err)
	}
	line := append([]byte("\n"), blob...)
	path := b.ChroniclePath(doc)
	var lastErr error
	for i := 0; i < maxAttempts; i++ {
		b.backoff(i, "appending", doc)
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
		if err != nil {
			lastErr = err
			continue
		}
		_, werr := f.Write(line)
		cerr := f.Close()
		if werr != nil {
			lastErr = werr
			continue
		}
		if cerr != nil {
			lastErr = cerr
			continue
		}
		return nil
	}
	return fmt.Errorf("pipe: appending %s: %w", doc, lastErr)
}

// ReadScalar reads a framed single-element JSON list document, the on-disk
// convention for counters and maven opinions.
func (b *Bus) ReadScalar(doc string) (int64, error) {
	var vec []int64
	if err := b.Read(doc, &vec); err != nil {
		return 0, err
	}
	if len(vec) == 0 {
		return 0, fmt.Errorf("pipe: empty scalar in %s", doc)
	}
	return vec[0], nil
}

// WriteScalar replaces doc with a framed single-element JSON list.
func (b *Bus) WriteScalar(doc string, n int64) error {
	return b.Write(doc, []int64{n})
}

// WithLock runs fn while holding an exclusive advisory lock scoped to doc.
// Used for read-modify-write cycles on shared state vectors and counters.
func (b *Bus) WithLock(doc string, fn func() error) error {
	lock := flock.New(b.Path(doc) + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("pipe: locking %s: %w", doc, err)
	}
	defer lock.Unlock()
	return fn()
}

// NextID atomically increments the counter document and returns the new value.
// A missing counter starts at zero.
func (b *Bus) NextID(doc string) (int64, error) {
	var id int64
	err := b.WithLock(doc, func() error {
		last, err := b.ReadScalar(doc)
		if err != nil && !errors.Is(err, ErrNoDocument) {
			return err
		}
		id = last + 1
		return b.WriteScalar(doc, id)
	})
	return id, err
}

// backoff sleeps the growing inter-attempt delay and performs the recovery
// actions of the retry ladder: the pipe directories are (re)created on the
// fifth attempt, and a persistent failure is surfaced on the tenth.
func (b *Bus) backoff(attempt int, act, doc string) {
	if attempt == 0 {
		return
	}
	time.Sleep(time.Duration(20*attempt*attempt) * time.Millisecond)
	switch attempt {
	case 1:
		b.log.Debug("document busy, retrying", "act", act, "doc", doc)
	case 5:
		// Maybe there is no pipe? Auto-initialize and keep trying.
		if err := b.Initialize(); err == nil {
			b.log.Info("pipe initialized, retrying", "act", act, "doc", doc)
		}
	case 10:
		b.log.Warn("document access keeps failing", "act", act, "doc", doc)
	}
}
