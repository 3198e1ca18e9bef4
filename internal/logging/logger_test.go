// Copyright (c) 2025, WSO2 LLC. (https://www.wso2.com).
//
// WSO2 LLC. licenses this file to you under the Apache License,
// Version 2.0 (the "License"); you may not use this file except
// in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied. See the License for the
// specific language governing permissions and limitations
// under the License.

package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/ptzhub/encoder-hub/pkg/core"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"WARN", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.input); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestNewJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "info", "json")
	logger.Info("hello", "k", "v")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("expected JSON output, got %q", buf.String())
	}
	if rec["k"] != "v" {
		t.Fatalf("expected k=v, got %v", rec["k"])
	}
}

func TestMessageLoggerDebugOnly(t *testing.T) {
	var buf bytes.Buffer
	ml := NewMessageLogger(NewWithWriter(&buf, "info", "text"))
	ml.Log(core.Message{Topic: "a/b", Payload: []byte("x"), ReceivedAt: time.Now()}, DirectionInbound, "")
	if buf.Len() != 0 {
		t.Fatalf("expected nothing at info level, got %q", buf.String())
	}

	ml = NewMessageLogger(NewWithWriter(&buf, "debug", "text"))
	ml.Log(core.Message{Topic: "a/b", Payload: []byte("secret")}, DirectionOutbound, "abc")
	out := buf.String()
	if !strings.Contains(out, "topic=a/b") || !strings.Contains(out, "correlation_id=abc") {
		t.Fatalf("unexpected output %q", out)
	}
	if strings.Contains(out, "secret") {
		t.Fatal("payload must not be logged")
	}
}
