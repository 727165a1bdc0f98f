package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alecthomas/kong"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var cli CLI
	var out bytes.Buffer
	cli.out = &out
	parser, err := kong.New(&cli, kong.Name("tokfresh"), kong.Bind(&cli.Globals), kong.Exit(func(int) { t.Fatalf("kong exited") }))
	if err != nil {
		t.Fatalf("kong.New error: %v", err)
	}
	kctx, err := parser.Parse(args)
	if err != nil {
		return "", err
	}
	kctx.BindTo(context.Background(), (*context.Context)(nil))
	err = kctx.Run()
	return out.String(), err
}

func TestScheduleJSON(t *testing.T) {
	out, err := run(t, "schedule", "--start", "06:00", "--tz", "UTC", "--json")
	if err != nil {
		t.Fatalf("schedule error: %v", err)
	}
	var v scheduleView
	if err := json.Unmarshal([]byte(out), &v); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if v.Cron != "0 6,11,16,21 * * *" {
		t.Fatalf("Cron = %q", v.Cron)
	}
	if got := strings.Join(v.Slots, ","); got != "06:00,11:00,16:00,21:00,02:00" {
		t.Fatalf("Slots = %s", got)
	}
	if got := strings.Join(v.Resets, ","); got != "11:00,16:00,21:00,02:00,07:00" {
		t.Fatalf("Resets = %s", got)
	}
	if len(v.Firings) != 4 {
		t.Fatalf("Firings = %d, want 4", len(v.Firings))
	}
}

func TestScheduleRejectsBadStart(t *testing.T) {
	if _, err := run(t, "schedule", "--start", "06:15", "--tz", "UTC"); err == nil {
		t.Fatalf("schedule accepted 06:15")
	}
}

func TestWorkerSourceStdout(t *testing.T) {
	out, err := run(t, "worker-source")
	if err != nil {
		t.Fatalf("worker-source error: %v", err)
	}
	if !strings.Contains(out, "scheduled") || !strings.Contains(out, "refresh_token") {
		t.Fatalf("unexpected worker source:\n%s", out)
	}
}

func TestNotifyFlags(t *testing.T) {
	tests := []struct {
		name    string
		flags   NotifyFlags
		wantNil bool
		wantErr bool
	}{
		{name: "off", flags: NotifyFlags{Notify: "none"}, wantNil: true},
		{name: "slack", flags: NotifyFlags{Notify: "slack", WebhookURL: "https://hooks.slack.com/services/x"}},
		{name: "missing url", flags: NotifyFlags{Notify: "discord"}, wantErr: true},
		{name: "unknown", flags: NotifyFlags{Notify: "email"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := tt.flags.config()
			if (err != nil) != tt.wantErr {
				t.Fatalf("config() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && (cfg == nil) != tt.wantNil {
				t.Fatalf("config() = %+v, wantNil %v", cfg, tt.wantNil)
			}
		})
	}
}

func TestConfigPath(t *testing.T) {
	u, err := user.Current()
	if err != nil {
		t.Skip("no current user")
	}
	home := u.HomeDir
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		in, want string
	}{
		{"", ""},
		{"   ", ""},
		{"/etc/tokfresh.yaml", "/etc/tokfresh.yaml"},
		{"tokfresh.yaml", filepath.Join(wd, "tokfresh.yaml")},
		{"~/tokfresh.yaml", filepath.Join(home, "tokfresh.yaml")},
	}
	for _, tt := range tests {
		g := Globals{Config: tt.in}
		if got := g.configPath(); got != tt.want {
			t.Fatalf("configPath(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestHistoryNeedsStorage(t *testing.T) {
	t.Setenv("TOKFRESH_CONFIG", "")
	if _, err := run(t, "history"); err == nil || !strings.Contains(err.Error(), "storage disabled") {
		t.Fatalf("history error = %v", err)
	}
}
