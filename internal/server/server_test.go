package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/prometheus/client_golang/prometheus"

	"tokfresh/internal/cloudflare/cftest"
	"tokfresh/internal/eventbus"
	"tokfresh/internal/metrics"
	"tokfresh/internal/oauth"
	"tokfresh/internal/provision"
	"tokfresh/internal/workerscript"
	logx "tokfresh/pkg/logx"
)

const (
	cfToken   = "cf-token-123456"
	cfAccount = "acc-1"
)

type fixture struct {
	srv   *Server
	cf    *cftest.Server
	idp   *httptest.Server
	bus   eventbus.Bus
	reg   *prometheus.Registry
	calls atomic.Int32
}

func newFixture(t *testing.T, mutate func(*Options)) *fixture {
	t.Helper()
	f := &fixture{cf: cftest.New(t, cfToken, cfAccount), bus: eventbus.New(), reg: prometheus.NewRegistry()}
	f.idp = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.calls.Add(1)
		var in map[string]string
		_ = json.NewDecoder(r.Body).Decode(&in)
		if in["code"] != "good-code" {
			http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"access_token": "at-1", "refresh_token": "rt-1"})
	}))
	t.Cleanup(f.idp.Close)

	oc := oauth.NewClient(oauth.Config{
		ClientID:     "client-1",
		AuthorizeURL: "https://idp.example/oauth/authorize",
		TokenURL:     f.idp.URL,
		RedirectURI:  "https://idp.example/callback",
		Scopes:       []string{"user:inference"},
	})
	gen, err := workerscript.New(workerscript.Options{
		ClientID:    "client-1",
		TokenURL:    f.idp.URL,
		MessagesURL: "https://api.example/v1/messages",
		Model:       "claude-test",
		MaxTokens:   10,
		APIVersion:  "2023-06-01",
		BetaFlags:   "oauth-2025-04-20",
		UserAgent:   "tokfresh-test",
		KVBinding:   "TOKEN_STORE",
	})
	if err != nil {
		t.Fatal(err)
	}
	prov := provision.New(provision.Options{
		APIBase:           f.cf.URL,
		ScriptName:        "tokfresh-scheduler",
		NamespaceTitle:    "tokfresh-token-store",
		CompatibilityDate: "2024-01-01",
		HTTPClient:        f.cf.Client(),
		RateLimit:         1000,
	})
	opts := Options{
		RatePerSec:      100,
		Burst:           100,
		OAuth:           oc,
		Provisioner:     prov,
		Generator:       gen,
		DefaultStart:    "06:00",
		DefaultTimezone: "Asia/Seoul",
		Gatherer:        f.reg,
		Sink:            metrics.NewPrometheusSink(f.reg, logx.Nop()),
		Bus:             f.bus,
		Now:             func() time.Time { return time.Date(2026, 3, 1, 0, 30, 0, 0, time.UTC) },
	}
	if mutate != nil {
		mutate(&opts)
	}
	f.srv = New(opts)
	return f
}

func (f *fixture) do(t *testing.T, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	switch b := body.(type) {
	case nil:
		rd = bytes.NewReader(nil)
	case string:
		rd = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, target, rd)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return v
}

func TestHealth(t *testing.T) {
	t.Parallel()
	f := newFixture(t, func(o *Options) {
		o.Health = func() map[string]any { return map[string]any{"goroutines": 3} }
	})
	w := f.do(t, http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	body := decodeBody[map[string]any](t, w)
	if body["status"] != "ok" || body["goroutines"] != float64(3) {
		t.Fatalf("body = %v", body)
	}
}

func TestScheduleSeoul(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	w := f.do(t, http.MethodGet, "/api/schedule?start=06:00&tz=Asia/Seoul", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body)
	}
	got := decodeBody[scheduleResponse](t, w)
	if got.Cron != "0 21,2,7,12 * * *" {
		t.Fatalf("cron = %q", got.Cron)
	}
	if strings.Join(got.Slots, ",") != "06:00,11:00,16:00,21:00,02:00" {
		t.Fatalf("slots = %v", got.Slots)
	}
	if strings.Join(got.Active, ",") != "06:00,11:00,16:00,21:00" {
		t.Fatalf("active = %v", got.Active)
	}
	// 00:30 UTC is 09:30 in Seoul.
	if got.Next.Slot != "11:00" || got.Next.Tomorrow {
		t.Fatalf("next = %+v", got.Next)
	}
	if len(got.Firings) != 4 || !got.Firings[0].Equal(time.Date(2026, 3, 1, 2, 0, 0, 0, time.UTC)) {
		t.Fatalf("firings = %v", got.Firings)
	}
}

func TestScheduleBadInput(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	for _, q := range []string{"start=06:15", "start=25:00", "tz=Mars/Olympus"} {
		if w := f.do(t, http.MethodGet, "/api/schedule?"+q, nil); w.Code != http.StatusBadRequest {
			t.Fatalf("%s: status = %d", q, w.Code)
		}
	}
}

func TestAuthURL(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	w := f.do(t, http.MethodPost, "/api/auth/url", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	got := decodeBody[authURLResponse](t, w)
	u, err := url.Parse(got.URL)
	if err != nil {
		t.Fatal(err)
	}
	q := u.Query()
	if q.Get("code_challenge") != got.Challenge || q.Get("state") != got.Verifier || q.Get("code_challenge_method") != "S256" {
		t.Fatalf("url = %s", got.URL)
	}
	if oauth.Challenge(got.Verifier) != got.Challenge {
		t.Fatal("challenge does not match verifier")
	}
}

func TestExchange(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	events, unsub := f.bus.Subscribe(8)
	defer unsub()

	w := f.do(t, http.MethodPost, "/api/auth/exchange", map[string]string{"code": "good-code#state-1", "verifier": "v"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body)
	}
	got := decodeBody[exchangeResponse](t, w)
	if got.RefreshToken != "rt-1" || got.AccessToken != "at-1" {
		t.Fatalf("body = %+v", got)
	}

	w = f.do(t, http.MethodPost, "/api/auth/exchange", map[string]string{"code": "bad", "verifier": "v"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
	if e := decodeBody[errorBody](t, w); !strings.HasPrefix(e.Error, "Token exchange failed (400): ") {
		t.Fatalf("error = %q", e.Error)
	}

	var outcomes []bool
	for len(outcomes) < 2 {
		select {
		case ev := <-events:
			if ex, ok := ev.Data.(eventbus.TokenExchange); ok {
				outcomes = append(outcomes, ex.Success)
			}
		case <-time.After(time.Second):
			t.Fatalf("exchange events = %v", outcomes)
		}
	}
	if !outcomes[0] || outcomes[1] {
		t.Fatalf("exchange events = %v", outcomes)
	}
}

func TestExchangeMissingInput(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	for _, body := range []any{
		map[string]string{"code": "c"},
		map[string]string{"verifier": "v"},
		"{not json",
	} {
		if w := f.do(t, http.MethodPost, "/api/auth/exchange", body); w.Code != http.StatusBadRequest {
			t.Fatalf("%v: status = %d", body, w.Code)
		}
	}
	if n := f.calls.Load(); n != 0 {
		t.Fatalf("identity provider called %d times", n)
	}
}

func TestVerify(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	w := f.do(t, http.MethodPost, "/api/cloudflare/verify", map[string]string{})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
	if v := decodeBody[provision.Verification](t, w); v.Valid || v.Error != "Missing API token" {
		t.Fatalf("body = %+v", v)
	}
	if len(f.cf.Calls()) != 0 {
		t.Fatal("control plane called for an empty token")
	}

	w = f.do(t, http.MethodPost, "/api/cloudflare/verify", map[string]string{"apiToken": cfToken})
	if v := decodeBody[provision.Verification](t, w); !v.Valid || v.AccountID != cfAccount {
		t.Fatalf("body = %+v", v)
	}

	w = f.do(t, http.MethodPost, "/api/cloudflare/verify", map[string]string{"apiToken": "wrong"})
	if v := decodeBody[provision.Verification](t, w); v.Valid || !strings.Contains(v.Error, "invalid token (401)") {
		t.Fatalf("body = %+v", v)
	}
}

func TestDeploy(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	w := f.do(t, http.MethodPost, "/api/cloudflare/deploy", map[string]any{
		"apiToken":     cfToken,
		"accountId":    cfAccount,
		"refreshToken": "rt-1",
		"schedule":     "0 21,2,7,12 * * *",
		"timezone":     "Asia/Seoul",
		"notificationConfig": map[string]any{
			"channel":    "discord",
			"webhookUrl": "https://discord.example/api/webhooks/1",
		},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body)
	}
	res := decodeBody[provision.Result](t, w)
	if !res.Success || len(res.ProgressLog) != len(provision.Steps) {
		t.Fatalf("result = %+v", res)
	}
	up, ok := f.cf.Upload("tokfresh-scheduler")
	if !ok || !strings.Contains(up.Source, "async scheduled(event, env, ctx)") {
		t.Fatal("generated worker source was not uploaded")
	}
	secrets := f.cf.Secrets("tokfresh-scheduler")
	if !strings.Contains(secrets["NOTIFICATION_CONFIG"], `"channel":"discord"`) {
		t.Fatalf("secrets = %v", secrets)
	}
}

func TestDeployEncodedNotification(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	w := f.do(t, http.MethodPost, "/api/cloudflare/deploy", map[string]any{
		"apiToken":           cfToken,
		"accountId":          cfAccount,
		"workerCode":         "export default {}",
		"refreshToken":       "rt-1",
		"schedule":           "0 21,2,7,12 * * *",
		"timezone":           "UTC",
		"notificationConfig": `{"channel":"slack","webhookUrl":"https://hooks.slack.com/services/x","failureOnly":true}`,
	})
	res := decodeBody[provision.Result](t, w)
	if !res.Success {
		t.Fatalf("result = %+v", res)
	}
	if up, _ := f.cf.Upload("tokfresh-scheduler"); up.Source != "export default {}" {
		t.Fatalf("uploaded source = %q", up.Source)
	}
}

func TestDeployRejectsBadRequests(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	valid := func() map[string]any {
		return map[string]any{
			"apiToken":     cfToken,
			"accountId":    cfAccount,
			"refreshToken": "rt-1",
			"schedule":     "0 21,2,7,12 * * *",
			"timezone":     "UTC",
		}
	}
	tests := []struct {
		name   string
		mutate func(m map[string]any)
		want   string
	}{
		{name: "missing token", mutate: func(m map[string]any) { delete(m, "apiToken") }, want: "Missing required fields"},
		{name: "missing schedule", mutate: func(m map[string]any) { delete(m, "schedule") }, want: "Missing required fields"},
		{name: "bad cron", mutate: func(m map[string]any) { m["schedule"] = "every day" }, want: "cron"},
		{name: "bad notification", mutate: func(m map[string]any) {
			m["notificationConfig"] = map[string]any{"channel": "teams", "webhookUrl": "https://x.example"}
		}, want: "unknown channel"},
	}
	for _, tt := range tests {
		body := valid()
		tt.mutate(body)
		w := f.do(t, http.MethodPost, "/api/cloudflare/deploy", body)
		if w.Code != http.StatusBadRequest {
			t.Fatalf("%s: status = %d", tt.name, w.Code)
		}
		if e := decodeBody[deployFailure](t, w); e.Success || !strings.Contains(e.Error, tt.want) {
			t.Fatalf("%s: error = %q", tt.name, e.Error)
		}
	}
	if n := len(f.cf.Calls()); n != 0 {
		t.Fatalf("control plane called %d times", n)
	}
}

func TestDeployFailureReportsStep(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	f.cf.Fail(cftest.RouteSchedules, http.StatusInternalServerError)
	w := f.do(t, http.MethodPost, "/api/cloudflare/deploy", map[string]any{
		"apiToken":     cfToken,
		"accountId":    cfAccount,
		"refreshToken": "rt-1",
		"schedule":     "0 21,2,7,12 * * *",
		"timezone":     "UTC",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	res := decodeBody[provision.Result](t, w)
	if res.Success || res.FailedStep != provision.StepInstallTrigger || res.Error == "" {
		t.Fatalf("result = %+v", res)
	}
}

func TestRateLimit(t *testing.T) {
	t.Parallel()
	f := newFixture(t, func(o *Options) { o.RatePerSec, o.Burst = 1, 2 })
	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		codes = append(codes, f.do(t, http.MethodGet, "/api/schedule", nil).Code)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Fatalf("codes = %v", codes)
	}
	// /health is outside the limited group.
	if w := f.do(t, http.MethodGet, "/health", nil); w.Code != http.StatusOK {
		t.Fatalf("health status = %d", w.Code)
	}
}

func TestClientLimiterSweepsIdleClients(t *testing.T) {
	t.Parallel()
	l := newClientLimiter(1, 1)
	now := time.Now()
	if !l.allow("a", now) || l.allow("a", now) {
		t.Fatal("bucket of 1 must allow once")
	}
	l.allow("b", now.Add(time.Hour))
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.clients["a"]; ok {
		t.Fatal("idle client not swept")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	f.do(t, http.MethodGet, "/api/schedule", nil)
	w := f.do(t, http.MethodGet, "/metrics", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `route="/api/schedule"`) {
		t.Fatalf("metrics missing request series:\n%s", w.Body)
	}
}

func TestProfilingMount(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		enabled bool
		want    int
	}{
		{name: "enabled", enabled: true, want: http.StatusOK},
		{name: "disabled", enabled: false, want: http.StatusNotFound},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, func(o *Options) { o.Profiling = tt.enabled })
			if w := f.do(t, http.MethodGet, "/debug/pprof/", nil); w.Code != tt.want {
				t.Fatalf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestCORSPreflight(t *testing.T) {
	t.Parallel()
	f := newFixture(t, func(o *Options) { o.AllowedOrigins = []string{"https://app.example"} })
	req := httptest.NewRequest(http.MethodOptions, "/api/cloudflare/deploy", nil)
	req.Header.Set("Origin", "https://app.example")
	w := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusNoContent || w.Header().Get("Access-Control-Allow-Origin") != "https://app.example" {
		t.Fatalf("status = %d, headers = %v", w.Code, w.Header())
	}
}

func TestRunServesAndShutsDown(t *testing.T) {
	t.Parallel()
	f := newFixture(t, func(o *Options) { o.Addr = "127.0.0.1:0" })
	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan string, 1)
	done := make(chan error, 1)
	go func() { done <- f.srv.Run(ctx, time.Second, func(addr string) { ready <- addr }) }()

	addr := <-ready
	resp, err := http.Get("http://" + addr + "/health")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run = %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
