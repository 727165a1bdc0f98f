package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"tokfresh/internal/app"
	"tokfresh/internal/keepalive"
	"tokfresh/internal/schedule"
	logx "tokfresh/pkg/logx"
	"tokfresh/pkg/systemd"
)

type outcomeView struct {
	Success bool          `json:"success"`
	Stage   string        `json:"stage,omitempty"`
	Rotated bool          `json:"rotated"`
	Took    time.Duration `json:"took"`
	Error   string        `json:"error,omitempty"`
}

type triggerCmd struct {
	RefreshToken string `name:"refresh-token" env:"TOKFRESH_REFRESH_TOKEN" help:"Refresh token used when the local store has none."`

	NotifyFlags `embed:""`
}

func (c *triggerCmd) Run(ctx context.Context, g *Globals) error {
	a, err := g.open()
	if err != nil {
		return err
	}
	defer a.Close()

	notification, err := c.config()
	if err != nil {
		return err
	}
	r, err := a.NewRunner(c.RefreshToken, notification)
	if err != nil {
		return err
	}

	out := r.Run(ctx)
	v := outcomeView{Success: out.Success, Stage: string(out.Stage), Rotated: out.Rotated, Took: out.Took}
	if out.Err != nil {
		v.Error = out.Err.Error()
	}
	if err := g.print(v, func(w io.Writer) {
		if out.Success {
			fmt.Fprintf(w, "Keep-alive succeeded in %s (refresh token rotated: %t).\n", out.Took.Round(time.Millisecond), out.Rotated)
		}
	}); err != nil {
		return err
	}
	return out.Err
}

type runCmd struct {
	RefreshToken string        `name:"refresh-token" env:"TOKFRESH_REFRESH_TOKEN" help:"Refresh token used when the local store has none."`
	Start        string        `help:"First trigger (HH:MM). Defaults to schedule.start." placeholder:"HH:MM"`
	Timezone     string        `name:"tz" help:"IANA timezone. Defaults to the configured or detected zone."`
	Timeout      time.Duration `default:"2m" help:"Upper bound for one keep-alive run."`
	Now          bool          `help:"Also run once at startup."`

	NotifyFlags `embed:""`
}

func (c *runCmd) Run(ctx context.Context, g *Globals) error {
	a, err := g.open()
	if err != nil {
		return err
	}
	defer a.Close()
	log := a.Logger()

	notification, err := c.config()
	if err != nil {
		return err
	}
	sched, err := a.Schedule(c.Start)
	if err != nil {
		return err
	}
	loc := a.Location()
	if c.Timezone != "" {
		if loc, err = schedule.LoadLocation(c.Timezone); err != nil {
			return err
		}
	}
	r, err := a.NewRunner(c.RefreshToken, notification)
	if err != nil {
		return err
	}
	s, err := keepalive.NewScheduler(r, keepalive.LocalSpec(sched), loc, c.Timeout, log)
	if err != nil {
		return err
	}

	sd := systemd.Notifier{Log: log}
	workers := []app.Worker{
		a.SchedulerWorker(s),
		{Name: "systemd.watchdog", Run: sd.Watchdog},
	}
	if c.Now {
		workers = append(workers, app.Worker{Name: "keepalive.startup", Run: func(ctx context.Context) error {
			rctx, cancel := context.WithTimeout(ctx, c.Timeout)
			defer cancel()
			r.Run(rctx)
			return nil
		}})
	}
	if err := a.Start(ctx, workers...); err != nil {
		return err
	}
	next := schedule.NextTrigger(sched, loc, time.Now())
	log.Info("keep-alive scheduled", logx.String("next", next.Label))
	sd.Ready()
	sd.Status("next trigger " + next.Label)

	return wait(ctx, a, sd)
}

type serveCmd struct {
	Addr string `help:"Listen address. Defaults to server.addr." placeholder:"HOST:PORT"`
}

func (c *serveCmd) Run(ctx context.Context, g *Globals) error {
	a, err := g.open()
	if err != nil {
		return err
	}
	defer a.Close()

	sd := systemd.Notifier{Log: a.Logger()}
	srv := a.NewServer(c.Addr)
	ready := func(addr string) {
		sd.Ready()
		sd.Status("listening on " + addr)
	}
	if err := a.Start(ctx, a.ServerWorker(srv, ready), app.Worker{Name: "systemd.watchdog", Run: sd.Watchdog}); err != nil {
		return err
	}
	return wait(ctx, a, sd)
}

// wait blocks until a signal or a fatal worker error, then stops the app.
func wait(ctx context.Context, a *app.App, sd systemd.Notifier) error {
	select {
	case <-ctx.Done():
	case <-a.Done():
	}
	sd.Stopping()
	stopCtx, cancel := context.WithTimeout(context.Background(), a.ShutdownTimeout())
	defer cancel()
	return a.Stop(stopCtx)
}
