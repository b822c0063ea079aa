/*
 * Copyright (c) 2026 Firefly Software Solutions Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package logging

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func captureOutput(t *testing.T, jsonMode bool, level Level) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	Configure(Config{Level: level, Output: &buf, JSONMode: jsonMode})
	t.Cleanup(func() { Configure(DefaultConfig()) })
	return &buf
}

func TestTextOutputSortsFields(t *testing.T) {
	buf := captureOutput(t, false, DEBUG)

	NewLogger("chain").Info("Store started", "zeta", 1, "alpha", "x")

	line := buf.String()
	if !strings.Contains(line, "[chain] Store started") {
		t.Errorf("Missing component or message: %q", line)
	}
	if strings.Index(line, "alpha=x") > strings.Index(line, "zeta=1") {
		t.Errorf("Expected fields sorted by key: %q", line)
	}
}

func TestLevelFiltering(t *testing.T) {
	buf := captureOutput(t, false, WARN)
	logger := NewLogger("async")

	logger.Info("hidden")
	logger.Warn("shown")

	if strings.Contains(buf.String(), "hidden") {
		t.Error("INFO must be filtered at WARN level")
	}
	if !strings.Contains(buf.String(), "shown") {
		t.Error("WARN must be written at WARN level")
	}

	buf.Reset()
	logger.WithLevel(DEBUG).Debug("override")
	if !strings.Contains(buf.String(), "override") {
		t.Error("Logger level must override the global level")
	}
}

func TestJSONOutput(t *testing.T) {
	buf := captureOutput(t, true, INFO)

	NewLogger("singleton").Error("Push failed", "error", errors.New("boom"))

	out := buf.String()
	for _, want := range []string{"\"component\":\"singleton\"", "\"message\":\"Push failed\"", "boom"} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected %s in %q", want, out)
		}
	}
}

func TestContextLogger(t *testing.T) {
	buf := captureOutput(t, false, INFO)

	NewLogger("bolt").With("store", "primary").Info("Opened", "path", "/tmp/x")

	if !strings.Contains(buf.String(), "store=primary") || !strings.Contains(buf.String(), "path=/tmp/x") {
		t.Errorf("Expected context and call fields: %q", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{"debug": DEBUG, "WARN": WARN, "warning": WARN, "Error": ERROR, "bogus": INFO}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestOpContextLogsFailure(t *testing.T) {
	buf := captureOutput(t, false, DEBUG)
	op := NewOpContext("sqlite", "put", "/a")

	op.LogError(NewLogger("sqlite"), errors.New("locked"))

	out := buf.String()
	if !strings.Contains(out, "error=locked") || !strings.Contains(out, "op=put") {
		t.Errorf("Unexpected output: %q", out)
	}
	if op.ID == "" || op.ID == GenerateOpID() {
		t.Error("Expected unique operation ids")
	}
}
