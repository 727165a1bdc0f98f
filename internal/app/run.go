package app

import (
	"context"
	"errors"
	"strings"
	"time"

	"tokfresh/internal/config"
	"tokfresh/internal/keepalive"
	"tokfresh/internal/metrics"
	"tokfresh/internal/runtime/supervisor"
	"tokfresh/internal/server"
	logx "tokfresh/pkg/logx"
)

var ErrAlreadyStarted = errors.New("app already started")

// Worker is a long-lived goroutine run under the app supervisor. Returning a
// non-nil error cancels the whole app.
type Worker struct {
	Name string
	Run  func(ctx context.Context) error
}

// ServerWorker runs srv until the app stops. ready is called once the
// listener is bound.
func (a *App) ServerWorker(srv *server.Server, ready func(addr string)) Worker {
	return Worker{Name: "http.server", Run: func(ctx context.Context) error {
		return srv.Run(ctx, a.ShutdownTimeout(), ready)
	}}
}

// SchedulerWorker starts sched and stops it when the app stops. A run in
// flight at shutdown gets ShutdownTimeout to finish.
func (a *App) SchedulerWorker(sched *keepalive.Scheduler) Worker {
	return Worker{Name: "keepalive.scheduler", Run: func(ctx context.Context) error {
		if err := sched.Start(context.WithoutCancel(ctx)); err != nil {
			return err
		}
		<-ctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), a.ShutdownTimeout())
		defer cancel()
		sched.Stop(stopCtx)
		return nil
	}}
}

// Start launches the background services (metrics, config hot reload, event
// debug log) and the given workers.
func (a *App) Start(ctx context.Context, workers ...Worker) error {
	if a.sup != nil {
		return ErrAlreadyStarted
	}
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	a.sup.Go("metrics.consume", func(c context.Context) error {
		metrics.Consume(c, a.bus, a.sink)
		return nil
	})

	if a.log.Enabled(logx.LevelDebug) {
		events, unsub := a.bus.Subscribe(128)
		a.sup.Go("eventbus.log", func(c context.Context) error {
			defer unsub()
			for {
				select {
				case <-c.Done():
					return nil
				case e, ok := <-events:
					if !ok {
						return nil
					}
					a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
				}
			}
		})
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
		return nil
	})
	a.sup.GoRestart("config.watch", a.cfgm.Watch,
		supervisor.WithRestartBackoff(time.Second, time.Minute),
		supervisor.WithMaxRestarts(5),
	)

	for _, w := range workers {
		a.sup.Go(w.Name, w.Run)
	}
	a.log.Info("app started", logx.Int("workers", len(workers)), logx.String("timezone", a.loc.String()))
	return nil
}

// reloadLoop applies hot-reloaded config. Only logging is live; every other
// section is read once at startup.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			a.applyConfig(lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config change summary", fields...)

	for _, s := range sections {
		if s == "logging" {
			a.logs.Apply(logConfig(newCfg))
			continue
		}
		a.log.Warn("config section changed; restart required for changes to take effect", logx.String("section", s))
	}
}

// Stop cancels every worker and waits for them within ctx.
func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	err := a.sup.Stop(ctx)
	a.log.Info("app stopped")
	return err
}
