package app

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"tokfresh/internal/config"
	"tokfresh/internal/keepalive"
	"tokfresh/internal/workerscript"
	logx "tokfresh/pkg/logx"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tokfresh.json")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func newApp(t *testing.T, body string, env config.Env) *App {
	t.Helper()
	a, err := New(writeConfig(t, body), env)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	return a
}

const quietLogging = `"logging":{"level":"error","console":false}`

func TestNewWiresStorageAndTimezone(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	a := newApp(t, `{`+quietLogging+`,
		"schedule":{"timezone":"Asia/Seoul","start":"07:30"},
		"storage":{"driver":"file","path":"`+filepath.ToSlash(filepath.Join(dir, "store"))+`"}}`, config.Env{})

	if got := a.Location().String(); got != "Asia/Seoul" {
		t.Fatalf("Location = %q, want Asia/Seoul", got)
	}
	if a.History() == nil {
		t.Fatalf("History = nil with file storage")
	}
	sched, err := a.Schedule("")
	if err != nil {
		t.Fatalf("Schedule error: %v", err)
	}
	if got := strings.Join(sched.Strings(), ","); got != "07:30,12:30,17:30,22:30,03:30" {
		t.Fatalf("slots = %s", got)
	}
	src, err := a.Generator().Source()
	if err != nil {
		t.Fatalf("Source error: %v", err)
	}
	if !strings.Contains(src, config.DefaultClientID) || !strings.Contains(src, workerscript.TokenKey) {
		t.Fatalf("generated source misses client id or token key")
	}
}

func TestEnvTimezoneWins(t *testing.T) {
	t.Parallel()
	a := newApp(t, `{`+quietLogging+`,"schedule":{"timezone":"Asia/Seoul"}}`, config.Env{Timezone: "Europe/Berlin"})
	if got := a.Location().String(); got != "Europe/Berlin" {
		t.Fatalf("Location = %q, want Europe/Berlin", got)
	}
	if a.History() != nil {
		t.Fatalf("History should be nil without storage")
	}
	if a.TokenStore() == nil {
		t.Fatalf("TokenStore = nil; want in-memory fallback")
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		body string
	}{
		{name: "unknown field", body: `{"nope":true}`},
		{name: "bad timezone", body: `{"schedule":{"timezone":"Mars/Olympus"}}`},
		{name: "bad driver", body: `{"storage":{"driver":"redis"}}`},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := New(writeConfig(t, tt.body), config.Env{}); err == nil {
				t.Fatalf("New accepted %s", tt.body)
			}
		})
	}
}

func TestNewRunnerUsesEnvFallback(t *testing.T) {
	t.Parallel()
	a := newApp(t, `{`+quietLogging+`,"schedule":{"timezone":"UTC"}}`, config.Env{RefreshToken: "rt-env"})
	if _, err := a.NewRunner("", nil); err != nil {
		t.Fatalf("NewRunner error: %v", err)
	}
}

func TestStartRunsWorkersAndStops(t *testing.T) {
	t.Parallel()
	a := newApp(t, `{`+quietLogging+`,"schedule":{"timezone":"UTC"}}`, config.Env{})

	started := make(chan struct{})
	err := a.Start(context.Background(), Worker{Name: "probe", Run: func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}})
	if err != nil {
		t.Fatalf("Start error: %v", err)
	}
	if err := a.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("second Start = %v, want ErrAlreadyStarted", err)
	}

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatalf("worker did not start")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := a.Stop(ctx); err != nil {
		t.Fatalf("Stop = %v", err)
	}
	select {
	case <-a.Done():
	default:
		t.Fatalf("Done not closed after Stop")
	}
}

func TestFailingWorkerCancelsApp(t *testing.T) {
	t.Parallel()
	a := newApp(t, `{`+quietLogging+`,"schedule":{"timezone":"UTC"}}`, config.Env{})

	if err := a.Start(context.Background(), Worker{Name: "broken", Run: func(ctx context.Context) error {
		return errors.New("listen: address in use")
	}}); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	select {
	case <-a.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("app not canceled after worker failure")
	}
	if err := a.Err(); err == nil || !strings.Contains(err.Error(), "broken") {
		t.Fatalf("Err = %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = a.Stop(ctx)
}

func TestMapStorageConfig(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		storage config.StorageConfig
		enabled bool
		driver  string
		busy    time.Duration
		wantErr bool
	}{
		{name: "disabled", storage: config.StorageConfig{Driver: "none"}},
		{name: "empty", storage: config.StorageConfig{}},
		{name: "memory", storage: config.StorageConfig{Driver: "memory"}, enabled: true, driver: "memory"},
		{name: "file", storage: config.StorageConfig{Driver: "File", Path: "./store"}, enabled: true, driver: "file"},
		{name: "file without path", storage: config.StorageConfig{Driver: "file"}, wantErr: true},
		{name: "sqlite default busy", storage: config.StorageConfig{Driver: "sqlite", Path: "x.db"}, enabled: true, driver: "sqlite", busy: time.Second},
		{name: "sqlite busy", storage: config.StorageConfig{Driver: "sqlite3", Path: "x.db", BusyTimeout: "3s"}, enabled: true, driver: "sqlite3", busy: 3 * time.Second},
		{name: "sqlite bad busy", storage: config.StorageConfig{Driver: "sqlite", Path: "x.db", BusyTimeout: "soon"}, wantErr: true},
		{name: "unknown", storage: config.StorageConfig{Driver: "redis"}, wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			sc, enabled, err := mapStorageConfig(&config.Config{Storage: tt.storage})
			if tt.wantErr {
				if err == nil {
					t.Fatalf("mapStorageConfig accepted %+v", tt.storage)
				}
				return
			}
			if err != nil {
				t.Fatalf("mapStorageConfig error: %v", err)
			}
			if enabled != tt.enabled || sc.Driver != tt.driver || sc.BusyTimeout != tt.busy {
				t.Fatalf("got (%+v, %v), want driver=%q enabled=%v busy=%v", sc, enabled, tt.driver, tt.enabled, tt.busy)
			}
		})
	}
}

func TestApplyConfigSwapsLogging(t *testing.T) {
	t.Parallel()
	a := newApp(t, `{`+quietLogging+`,"schedule":{"timezone":"UTC"}}`, config.Env{})
	old := a.Config()
	next := *old
	next.Logging.Level = "debug"
	a.applyConfig(old, &next)
	if !a.root.Enabled(logx.LevelDebug) {
		t.Fatalf("debug logging not enabled after reload")
	}
}

func TestServeAndScheduleWorkers(t *testing.T) {
	t.Parallel()
	a := newApp(t, `{`+quietLogging+`,"schedule":{"timezone":"UTC"},"server":{"metrics":true}}`, config.Env{RefreshToken: "rt-env"})

	r, err := a.NewRunner("", nil)
	if err != nil {
		t.Fatalf("NewRunner error: %v", err)
	}
	sched, err := a.Schedule("06:00")
	if err != nil {
		t.Fatal(err)
	}
	s, err := keepalive.NewScheduler(r, keepalive.LocalSpec(sched), a.Location(), 0, logx.Nop())
	if err != nil {
		t.Fatalf("NewScheduler error: %v", err)
	}

	ready := make(chan string, 1)
	srv := a.NewServer("127.0.0.1:0")
	if err := a.Start(context.Background(),
		a.ServerWorker(srv, func(addr string) { ready <- addr }),
		a.SchedulerWorker(s),
	); err != nil {
		t.Fatalf("Start error: %v", err)
	}

	var addr string
	select {
	case addr = <-ready:
	case <-time.After(2 * time.Second):
		t.Fatalf("server not ready")
	}
	for _, path := range []string{"/health", "/metrics"} {
		resp, err := http.Get("http://" + addr + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("GET %s status = %d", path, resp.StatusCode)
		}
		if path == "/health" && !strings.Contains(string(body), `"goroutines"`) {
			t.Fatalf("health body = %s", body)
		}
	}
	if next := s.Next(1); len(next) != 1 || next[0].Minute() != 0 {
		t.Fatalf("Next = %v", next)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := a.Stop(ctx); err != nil {
		t.Fatalf("Stop = %v", err)
	}
}

func TestServedExchangeKeepsNoTokens(t *testing.T) {
	t.Parallel()
	idp := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"access_token":"at-1","refresh_token":"rt-served"}`)
	}))
	t.Cleanup(idp.Close)

	dir := t.TempDir()
	a := newApp(t, `{`+quietLogging+`,
		"oauth":{"token_url":"`+idp.URL+`"},
		"storage":{"driver":"file","path":"`+filepath.ToSlash(filepath.Join(dir, "store"))+`"}}`, config.Env{})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/auth/exchange", strings.NewReader(`{"code":"c#v","verifier":"v"}`))
	req.Header.Set("Content-Type", "application/json")
	a.NewServer("").Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "rt-served") {
		t.Fatalf("exchange = %d %s", w.Code, w.Body.String())
	}

	if _, ok, err := a.TokenStore().Get(context.Background(), workerscript.TokenKey); err != nil || ok {
		t.Fatalf("token store after served exchange: ok=%v err=%v", ok, err)
	}
	if recs, err := a.History().ListDeployments(context.Background(), 0); err != nil || len(recs) != 0 {
		t.Fatalf("history after served exchange: %d records, err=%v", len(recs), err)
	}
}
