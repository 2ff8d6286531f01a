// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package tstest

import (
	"fmt"
	"strings"
	"sync"
	"testing"
)

// LogSink collects log lines written through its Logf method and
// forwards them to the test log.
type LogSink struct {
	tb testing.TB

	mu    sync.Mutex
	lines []string
}

// NewLogSink returns a LogSink writing to tb.
func NewLogSink(tb testing.TB) *LogSink {
	return &LogSink{tb: tb}
}

// Logf is a logger.Logf.
func (s *LogSink) Logf(format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	s.mu.Lock()
	s.lines = append(s.lines, line)
	s.mu.Unlock()
	s.tb.Log(line)
}

// Lines returns a copy of the collected lines.
func (s *LogSink) Lines() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lines...)
}

// Contains reports whether any collected line contains substr.
func (s *LogSink) Contains(substr string) bool {
	for _, l := range s.Lines() {
		if strings.Contains(l, substr) {
			return true
		}
	}
	return false
}
