// Copyright 2023 The paragate Authors
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

package log

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"strings"
	"testing"
	"time"
)

// TestLoggingWithVmodule checks that trace records are emitted once the
// handler verbosity is lowered to trace.
func TestLoggingWithTrace(t *testing.T) {
	out := new(bytes.Buffer)
	logger := NewLogger(NewTerminalHandlerWithLevel(out, LevelTrace, false))
	logger.Trace("a message", "foo", "bar")
	have := out.String()
	if !strings.HasPrefix(have, "TRACE") {
		t.Errorf("have: %v, want TRACE prefix", have)
	}
	if !strings.Contains(have, "a message") {
		t.Errorf("missing message in %q", have)
	}
	if !strings.Contains(have, "foo=bar") {
		t.Errorf("missing attribute in %q", have)
	}
}

func TestTerminalHandlerLevelFilter(t *testing.T) {
	out := new(bytes.Buffer)
	logger := NewLogger(NewTerminalHandlerWithLevel(out, slog.LevelInfo, false))
	logger.Debug("below threshold")
	if out.Len() != 0 {
		t.Fatalf("debug record written past info filter: %q", out.String())
	}
	logger.Warn("above threshold")
	if !strings.Contains(out.String(), "above threshold") {
		t.Fatalf("warn record missing: %q", out.String())
	}
}

func TestLoggerWith(t *testing.T) {
	out := new(bytes.Buffer)
	logger := NewLogger(NewTerminalHandlerWithLevel(out, slog.LevelInfo, false))
	child := logger.New("network", "btc")
	child.Info("hello")
	if !strings.Contains(out.String(), "network=btc") {
		t.Fatalf("inherited attribute missing: %q", out.String())
	}
}

func TestOddArguments(t *testing.T) {
	out := new(bytes.Buffer)
	logger := NewLogger(NewTerminalHandlerWithLevel(out, slog.LevelInfo, false))
	logger.Info("msg", "key") // missing value
	if !strings.Contains(out.String(), errorKey) {
		t.Fatalf("odd arguments not normalized: %q", out.String())
	}
}

func TestJSONHandler(t *testing.T) {
	out := new(bytes.Buffer)
	logger := NewLogger(JSONHandler(out))
	logger.Info("json message", "count", 5)
	have := out.String()
	for _, want := range []string{`"lvl":"info"`, `"msg":"json message"`, `"count":5`} {
		if !strings.Contains(have, want) {
			t.Errorf("missing %s in %q", want, have)
		}
	}
}

func BenchmarkTraceLogging(b *testing.B) {
	logger := NewLogger(NewTerminalHandlerWithLevel(io.Discard, slog.LevelInfo, false))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		logger.Trace("a message", "v", i)
	}
}

func TestLoggerOutput(t *testing.T) {
	type custom struct {
		A string
		B int8
	}
	var (
		customA  = custom{"Foo", 12}
		customB  = custom{"Foo\nLinebreak", 122}
		bigInt   = new(big.Int).SetUint64(1234567890)
		err      = errors.New("oh no it errored")
		lazyLike = fmt.Sprintf("%d %d", 1, 2)
	)

	out := new(bytes.Buffer)
	handler := NewTerminalHandlerWithLevel(out, LevelTrace, false)
	NewLogger(handler).Info("This is a message",
		"foo", int16(123),
		"bytes", []byte{0, 1},
		"bonk", "a string with text",
		"time", time.Unix(1257894000, 0),
		"bigint", bigInt,
		"err", err,
		"struct", customA,
		"struct", customB,
		"ptrstruct", &customA,
		"lazy", lazyLike,
	)

	have := out.String()
	if idx := strings.IndexByte(have, ' '); idx < 0 || have[:idx] != "INFO" {
		t.Fatalf("unexpected level prefix: %q", have)
	}
	wants := []string{
		"foo=123",
		`bytes="[0 1]"`,
		`bonk="a string with text"`,
		"bigint=1,234,567,890",
		`err="oh no it errored"`,
		`struct="{A:Foo B:12}"`,
		`struct="{A:Foo\nLinebreak B:122}"`,
		`lazy="1 2"`,
	}
	for _, want := range wants {
		if !strings.Contains(have, want) {
			t.Errorf("missing %s in\n%s", want, have)
		}
	}
}

func TestFormatSeparators(t *testing.T) {
	for i, tc := range []struct {
		in   int64
		want string
	}{
		{0, "0"},
		{999, "999"},
		{-1000, "-1000"},
		{100000, "100,000"},
		{-1234567, "-1,234,567"},
		{1234567890, "1,234,567,890"},
	} {
		if have := FormatLogfmtInt64(tc.in); have != tc.want {
			t.Errorf("test %d: have %s want %s", i, have, tc.want)
		}
	}
}
