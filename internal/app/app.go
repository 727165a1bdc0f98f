package app

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"tokfresh/internal/config"
	"tokfresh/internal/eventbus"
	"tokfresh/internal/keepalive"
	"tokfresh/internal/metrics"
	"tokfresh/internal/notify"
	"tokfresh/internal/oauth"
	"tokfresh/internal/provision"
	"tokfresh/internal/runtime/supervisor"
	"tokfresh/internal/schedule"
	"tokfresh/internal/server"
	"tokfresh/internal/storage"
	"tokfresh/internal/workerscript"
	logx "tokfresh/pkg/logx"
)

// App owns the long-lived components shared by the CLI commands: config,
// logging, storage, event bus, metrics and the domain clients built on them.
type App struct {
	cfgm *config.Manager
	cfg  *config.Config
	env  config.Env

	root logx.Logger
	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	// store is nil when storage is disabled; kv is then process-local.
	store storage.Store
	kv    storage.KV

	reg  *prometheus.Registry
	sink metrics.Sink

	httpc  *http.Client
	oauth  *oauth.Client
	prov   *provision.Provisioner
	gen    *workerscript.Generator
	sender *notify.Sender
	loc    *time.Location

	sup *supervisor.Supervisor
}

// New loads the config at cfgPath (empty means defaults), sets up logging and
// opens storage. env carries secrets and overrides from the environment.
func New(cfgPath string, env config.Env) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logConfig(cfg))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	loc, err := resolveLocation(cfg, env)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}

	a := &App{
		cfgm:  cfgm,
		cfg:   cfg,
		env:   env,
		root:  log,
		log:   log.With(logx.String("comp", "app")),
		logs:  logSvc,
		bus:   eventbus.New(),
		reg:   prometheus.NewRegistry(),
		httpc: &http.Client{Timeout: config.Duration(cfg.HTTPTimeout, 30*time.Second)},
		loc:   loc,
	}
	a.reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.sink = metrics.NewPrometheusSink(a.reg, log.With(logx.String("comp", "metrics")))

	sc, enabled, err := mapStorageConfig(cfg)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			_ = logSvc.Close()
			return nil, err
		}
		a.store = st
		a.kv = st
		a.log.Info("storage enabled", logx.String("driver", sc.Driver))
	} else {
		a.kv = storage.NewMemory()
	}

	a.oauth = oauth.NewClient(oauthConfig(cfg),
		oauth.WithHTTPClient(a.httpc),
		oauth.WithLogger(log.With(logx.String("comp", "oauth"))),
	)
	a.gen, err = workerscript.New(workerOptions(cfg))
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	popts := provisionOptions(cfg)
	popts.HTTPClient = a.httpc
	popts.Logger = log
	popts.Bus = a.bus
	if a.store != nil {
		popts.History = a.store
	}
	a.prov = provision.New(popts)
	a.sender = notify.NewSender(notify.SenderOptions{
		HTTPClient: a.httpc,
		RatePerSec: cfg.Notifier.RatePerSec,
		Timeout:    config.Duration(cfg.Notifier.Timeout, 10*time.Second),
		Logger:     log.With(logx.String("comp", "notify")),
		Bus:        a.bus,
	})
	return a, nil
}

func (a *App) Config() *config.Config { return a.cfgm.Get() }
func (a *App) Env() config.Env { return a.env }
func (a *App) Logger() logx.Logger { return a.log }
func (a *App) Bus() eventbus.Bus { return a.bus }
func (a *App) OAuth() *oauth.Client { return a.oauth }
func (a *App) Provisioner() *provision.Provisioner { return a.prov }
func (a *App) Generator() *workerscript.Generator { return a.gen }
func (a *App) Location() *time.Location { return a.loc }
func (a *App) Gatherer() prometheus.Gatherer { return a.reg }
func (a *App) TokenStore() storage.KV { return a.kv }

// History is nil when storage is disabled.
func (a *App) History() storage.History {
	if a.store == nil {
		return nil
	}
	return a.store
}

// Schedule computes the slots for start (empty means the configured default).
func (a *App) Schedule(start string) (schedule.Schedule, error) {
	anchor, err := schedule.ParseTriggerTime(config.Or(start, a.cfg.Schedule.Start))
	if err != nil {
		return schedule.Schedule{}, err
	}
	return schedule.Compute(anchor), nil
}

// NewRunner builds a keep-alive runner against the app token store.
// fallback seeds the first run when the store holds no token yet.
func (a *App) NewRunner(fallback string, notification *notify.Config) (*keepalive.Runner, error) {
	if a.store == nil {
		a.log.Warn("storage disabled; rotated refresh tokens are kept in memory only")
	}
	w := a.cfg.Worker
	return keepalive.New(keepalive.Options{
		Refresher:     a.oauth,
		Store:         a.kv,
		FallbackToken: config.Or(fallback, a.env.RefreshToken),
		Ping: keepalive.Ping{
			URL:        w.MessagesURL,
			Model:      w.Model,
			MaxTokens:  w.MaxTokens,
			APIVersion: w.APIVersion,
			BetaFlags:  w.BetaFlags,
			UserAgent:  w.UserAgent,
		},
		HTTPClient:   a.httpc,
		Sender:       a.sender,
		Notification: notification,
		Location:     a.loc,
		Logger:       a.log.With(logx.String("comp", "keepalive")),
		Bus:          a.bus,
	})
}

// NewServer builds the HTTP API. addr overrides server.addr when non-empty.
// /health reports supervisor counters once Start has been called.
func (a *App) NewServer(addr string) *server.Server {
	s := a.cfg.Server
	opts := server.Options{
		Addr:            config.Or(addr, s.Addr),
		AllowedOrigins:  s.AllowedOrigins,
		RatePerSec:      s.RatePerSec,
		Burst:           s.Burst,
		OAuth:           a.oauth,
		Provisioner:     a.prov,
		Generator:       a.gen,
		DefaultStart:    a.cfg.Schedule.Start,
		DefaultTimezone: a.loc.String(),
		Sink:            a.sink,
		Profiling:       s.Pprof,
		Health: func() map[string]any {
			return map[string]any{"goroutines": a.sup.Counters()}
		},
		Logger: a.root,
		Bus:    a.bus,
	}
	if s.Metrics {
		opts.Gatherer = a.reg
	}
	return server.New(opts)
}

// ShutdownTimeout is the graceful stop budget for serve and run.
func (a *App) ShutdownTimeout() time.Duration {
	return config.Duration(a.cfg.Server.ShutdownTimeout, 10*time.Second)
}

// Close releases storage and the log file. It is safe to call after Stop.
func (a *App) Close() error {
	var errs []error
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.logs != nil {
		errs = append(errs, a.logs.Close())
	}
	return errors.Join(errs...)
}

// resolveLocation picks the timezone: environment, then config, then the host.
func resolveLocation(cfg *config.Config, env config.Env) (*time.Location, error) {
	name := config.Or(env.Timezone, cfg.Schedule.Timezone)
	if strings.TrimSpace(name) == "" {
		name = config.Or(schedule.DetectLocalTimezone(), config.DefaultTimezone)
	}
	return schedule.LoadLocation(name)
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}
