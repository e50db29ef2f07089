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

package pipe

import (
	"errors"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	bus := New(t.TempDir())
	require.NoError(t, bus.Initialize())
	return bus
}

func TestWriteReadRoundtrip(t *testing.T) {
	bus := newTestBus(t)

	in := map[string][]float64{"100": {1.5, 2.25}, "101": {}}
	require.NoError(t, bus.Write("cache", in))

	var out map[string][]float64
	require.NoError(t, bus.Read("cache", &out))
	assert.Equal(t, in, out)

	// The document must be framed on disk.
	raw, err := os.ReadFile(bus.Path("cache"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(raw), Delim))
	assert.True(t, strings.HasSuffix(string(raw), Delim))
}

func TestReadMissingDocument(t *testing.T) {
	bus := newTestBus(t)

	var out map[string]int
	err := bus.Read("never_written", &out)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoDocument))
}

func TestReadTornFrameRecovers(t *testing.T) {
	bus := newTestBus(t)

	// Simulate a torn write: longer stale payload overwritten by a shorter
	// one without truncation. The frame clips the stale tail.
	stale := Delim + `{"a":1}` + Delim + `garbage-left-over-from-longer-write`
	require.NoError(t, os.WriteFile(bus.Path("doc"), []byte(stale), 0600))

	var out map[string]int
	require.NoError(t, bus.Read("doc", &out))
	assert.Equal(t, map[string]int{"a": 1}, out)
}

func TestAppendChronicleLines(t *testing.T) {
	bus := newTestBus(t)

	require.NoError(t, bus.Append("BTC_2021_01_archive", map[string]string{"msg": "first"}))
	require.NoError(t, bus.Append("BTC_2021_01_archive", map[string]string{"msg": "second"}))

	raw, err := os.ReadFile(bus.ChroniclePath("BTC_2021_01_archive"))
	require.NoError(t, err)

	var lines []string
	for _, line := range strings.Split(string(raw), "\n") {
		if line != "" {
			lines = append(lines, line)
		}
	}
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "first")
	assert.Contains(t, lines[1], "second")
}

func TestScalarRoundtrip(t *testing.T) {
	bus := newTestBus(t)

	require.NoError(t, bus.WriteScalar("block_number", 123456))
	n, err := bus.ReadScalar("block_number")
	require.NoError(t, err)
	assert.Equal(t, int64(123456), n)
}

func TestNextIDMonotonic(t *testing.T) {
	bus := newTestBus(t)

	const workers = 8
	const perWorker = 5

	var (
		mu  sync.Mutex
		ids = make(map[int64]bool)
		wg  sync.WaitGroup
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				id, err := bus.NextID("deposit_id")
				assert.NoError(t, err)
				mu.Lock()
				assert.False(t, ids[id], "duplicate id %d", id)
				ids[id] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, ids, workers*perWorker)
}

func TestWriteAutoInitializesPipe(t *testing.T) {
	// A bus whose directories were never created recovers mid-retry.
	bus := New(t.TempDir() + "/nested")

	require.NoError(t, bus.Write("doc", []int{1}))
	var out []int
	require.NoError(t, bus.Read("doc", &out))
	assert.Equal(t, []int{1}, out)
}
