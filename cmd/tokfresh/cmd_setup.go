package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"tokfresh/internal/notify"
	"tokfresh/internal/schedule"
	"tokfresh/internal/workerscript"
)

type scheduleCmd struct {
	Start    string `help:"First trigger (HH:MM, minute 00 or 30). Defaults to schedule.start." placeholder:"HH:MM"`
	Timezone string `name:"tz" help:"IANA timezone. Defaults to the configured or detected zone."`
}

type scheduleView struct {
	Timezone string      `json:"timezone"`
	Slots    []string    `json:"slots"`
	Active   []string    `json:"active"`
	Resets   []string    `json:"resets"`
	Cron     string      `json:"cron"`
	Next     string      `json:"next"`
	Firings  []time.Time `json:"firings"`
}

func (c *scheduleCmd) Run(g *Globals) error {
	a, err := g.open()
	if err != nil {
		return err
	}
	defer a.Close()

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

	now := time.Now()
	cron := schedule.ToCronSpec(sched, loc, now).String()
	firings, err := schedule.NextFirings(cron, now, schedule.ActiveSlots)
	if err != nil {
		return err
	}
	v := scheduleView{
		Timezone: loc.String(),
		Slots:    sched.Strings(),
		Cron:     cron,
		Next:     schedule.NextTrigger(sched, loc, now).Label,
		Firings:  firings,
	}
	for _, t := range sched.Active() {
		v.Active = append(v.Active, t.String())
	}
	for _, t := range sched.ResetTimes() {
		v.Resets = append(v.Resets, t.String())
	}

	return g.print(v, func(w io.Writer) {
		fmt.Fprintf(w, "Timezone:  %s\n", v.Timezone)
		fmt.Fprintf(w, "Slots:     %s\n", strings.Join(v.Slots, "  "))
		fmt.Fprintf(w, "Triggers:  %s\n", strings.Join(v.Active, "  "))
		fmt.Fprintf(w, "Resets:    %s\n", strings.Join(v.Resets, "  "))
		fmt.Fprintf(w, "Cron UTC:  %s\n", v.Cron)
		fmt.Fprintf(w, "Next:      %s\n", v.Next)
		for _, f := range v.Firings {
			fmt.Fprintf(w, "  %s  (%s)\n", f.Format(time.RFC3339), f.In(loc).Format("Mon 15:04 MST"))
		}
	})
}

type authURLCmd struct{}

func (c *authURLCmd) Run(g *Globals) error {
	a, err := g.open()
	if err != nil {
		return err
	}
	defer a.Close()

	ar, err := a.OAuth().AuthorizationRequest()
	if err != nil {
		return err
	}
	return g.print(ar, func(w io.Writer) {
		fmt.Fprintln(w, "Open this URL, approve access and copy the code shown:")
		fmt.Fprintln(w)
		fmt.Fprintln(w, "  "+ar.URL)
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Then run:")
		fmt.Fprintf(w, "  tokfresh exchange --verifier %s --code <CODE>\n", ar.Verifier)
	})
}

type exchangeCmd struct {
	Code     string `required:"" help:"Authorization code (a #state suffix is accepted)."`
	Verifier string `required:"" help:"PKCE verifier printed by auth-url."`
	Save     bool   `help:"Also store the refresh token in the local token store for trigger/run."`
}

func (c *exchangeCmd) Run(ctx context.Context, g *Globals) error {
	a, err := g.open()
	if err != nil {
		return err
	}
	defer a.Close()

	tp, err := a.OAuth().ExchangeCode(ctx, c.Code, c.Verifier)
	if err != nil {
		return err
	}
	if tp.RefreshToken == "" {
		return errors.New("token exchange returned no refresh token")
	}
	if c.Save {
		if a.History() == nil {
			return errors.New("--save needs storage; set storage.driver to file or sqlite")
		}
		if err := a.TokenStore().Put(ctx, workerscript.TokenKey, tp.RefreshToken); err != nil {
			return fmt.Errorf("save refresh token: %w", err)
		}
	}
	return g.print(map[string]string{"refresh_token": tp.RefreshToken}, func(w io.Writer) {
		fmt.Fprintln(w, tp.RefreshToken)
	})
}

type verifyCmd struct {
	APIToken string `name:"api-token" required:"" env:"TOKFRESH_CF_API_TOKEN" help:"Cloudflare API token."`
}

func (c *verifyCmd) Run(ctx context.Context, g *Globals) error {
	a, err := g.open()
	if err != nil {
		return err
	}
	defer a.Close()

	v := a.Provisioner().Verify(ctx, c.APIToken)
	if err := g.print(v, func(w io.Writer) {
		if v.Valid {
			fmt.Fprintf(w, "Token valid. Account: %s\n", v.AccountID)
		}
	}); err != nil {
		return err
	}
	if !v.Valid {
		return errors.New(v.Error)
	}
	return nil
}

type workerSourceCmd struct {
	Output string `short:"o" help:"Write to FILE instead of stdout." type:"path" placeholder:"FILE"`
}

func (c *workerSourceCmd) Run(g *Globals) error {
	a, err := g.open()
	if err != nil {
		return err
	}
	defer a.Close()

	src, err := a.Generator().Source()
	if err != nil {
		return err
	}
	if c.Output != "" {
		return os.WriteFile(c.Output, []byte(src), 0o644)
	}
	_, err = io.WriteString(g.out, src)
	return err
}

// NotifyFlags select the webhook used by deploy, trigger and run.
type NotifyFlags struct {
	Notify      string `help:"Notification channel: none, slack or discord." enum:"none,slack,discord" default:"none"`
	WebhookURL  string `name:"webhook-url" env:"TOKFRESH_WEBHOOK_URL" help:"Incoming webhook URL."`
	FailureOnly bool   `name:"failure-only" help:"Only notify when a run fails."`
}

// config returns nil when notifications are off.
func (f NotifyFlags) config() (*notify.Config, error) {
	ch, enabled, err := notify.ParseChannel(f.Notify)
	if err != nil || !enabled {
		return nil, err
	}
	cfg := notify.Config{Channel: ch, WebhookURL: strings.TrimSpace(f.WebhookURL), FailureOnly: f.FailureOnly}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
