package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func decodeLine(t *testing.T, b []byte) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(b), &m); err != nil {
		t.Fatalf("decode %q: %v", b, err)
	}
	return m
}

// Runs first in the file so no other constructor has touched zerolog yet.
func TestNewWriterFieldShape(t *testing.T) {
	var buf bytes.Buffer
	NewWriter(&buf, "info").Error("failed", Err(errors.New("boom")))
	m := decodeLine(t, buf.Bytes())
	if m["err"] != "boom" {
		t.Fatalf("err = %v in %v", m["err"], m)
	}
	if _, ok := m["error"]; ok {
		t.Fatalf("zerolog default error key written: %v", m)
	}
	ts, _ := m["time"].(string)
	if _, err := time.Parse(consoleTimeFormat, ts); err != nil {
		t.Fatalf("time %q: %v", ts, err)
	}
}

func TestWriterFieldsAndWith(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(String("comp", "test"))

	log.Info("hello",
		Int("n", 3),
		Bool("ok", true),
		Duration("took", 1500*time.Millisecond),
		Strings("slots", []string{"06:00", "11:00"}),
		Err(errors.New("boom")),
		Err(nil),
	)
	m := decodeLine(t, buf.Bytes())
	if m["message"] != "hello" || m["comp"] != "test" || m["n"] != float64(3) || m["ok"] != true {
		t.Fatalf("unexpected fields: %v", m)
	}
	if m["err"] != "boom" {
		t.Fatalf("err = %v", m["err"])
	}
	if c, _ := m["caller"].(string); !strings.HasPrefix(c, "logging_test.go:") {
		t.Fatalf("caller = %q", c)
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "warn")
	log.Info("dropped")
	if buf.Len() != 0 {
		t.Fatalf("info written at warn level: %s", buf.String())
	}
	if log.Enabled(LevelInfo) || !log.Enabled(LevelError) {
		t.Fatalf("Enabled mismatch at warn level")
	}
	log.Warn("kept")
	if !strings.Contains(buf.String(), "kept") {
		t.Fatalf("warn not written")
	}
}

func TestZeroAndNop(t *testing.T) {
	var zero Logger
	if !zero.IsZero() {
		t.Fatalf("zero Logger not IsZero")
	}
	zero.Info("ignored", String("k", "v"))
	if Nop().IsZero() {
		t.Fatalf("Nop reported IsZero")
	}
	Nop().Error("ignored")
}

func TestRedact(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", ""},
		{"short", "***"},
		{"sk-ant-ort01-abcdefgh", "sk-a***"},
		{"  padded-secret-value  ", "padd***"},
	}
	for _, tt := range tests {
		if got := Redact(tt.in); got != tt.want {
			t.Fatalf("Redact(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}

	var buf bytes.Buffer
	NewWriter(&buf, "info").Info("token", Secret("rt", "rt-0123456789abcdef"))
	if strings.Contains(buf.String(), "0123456789") {
		t.Fatalf("secret leaked: %s", buf.String())
	}
}

func TestServiceApplyFileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokfresh.log")
	svc, log := New(Config{Level: "error", File: FileConfig{Enabled: true, Path: path}})
	t.Cleanup(func() { _ = svc.Close() })

	log.Info("below level")
	svc.Apply(Config{Level: "info", File: FileConfig{Enabled: true, Path: path}})
	log.With(String("comp", "svc")).Info("after apply")
	if err := svc.Close(); err != nil {
		t.Fatalf("Close = %v", err)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	out := string(b)
	if strings.Contains(out, "below level") {
		t.Fatalf("filtered line written: %s", out)
	}
	if !strings.Contains(out, "after apply") || !strings.Contains(out, `"comp":"svc"`) {
		t.Fatalf("missing line after Apply: %s", out)
	}
}
