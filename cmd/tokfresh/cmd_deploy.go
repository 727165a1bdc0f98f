package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"tokfresh/internal/provision"
	"tokfresh/internal/schedule"
	"tokfresh/internal/storage"
)

type deployCmd struct {
	APIToken     string `name:"api-token" required:"" env:"TOKFRESH_CF_API_TOKEN" help:"Cloudflare API token (Workers Scripts and Workers KV edit)."`
	AccountID    string `name:"account-id" env:"TOKFRESH_CF_ACCOUNT_ID" help:"Cloudflare account. Empty means the first account the token sees."`
	RefreshToken string `name:"refresh-token" required:"" env:"TOKFRESH_REFRESH_TOKEN" help:"Refresh token from exchange."`
	Start        string `help:"First trigger (HH:MM). Defaults to schedule.start." placeholder:"HH:MM"`
	Timezone     string `name:"tz" help:"IANA timezone. Defaults to the configured or detected zone."`
	WorkerFile   string `name:"worker-file" type:"existingfile" help:"Upload this script instead of the generated one."`

	NotifyFlags `embed:""`
}

func (c *deployCmd) Run(ctx context.Context, g *Globals) error {
	a, err := g.open()
	if err != nil {
		return err
	}
	defer a.Close()

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

	var source string
	if c.WorkerFile != "" {
		b, err := os.ReadFile(c.WorkerFile)
		if err != nil {
			return err
		}
		source = string(b)
	} else if source, err = a.Generator().Source(); err != nil {
		return err
	}

	accountID := strings.TrimSpace(c.AccountID)
	if accountID == "" {
		v := a.Provisioner().Verify(ctx, c.APIToken)
		if !v.Valid {
			return errors.New(v.Error)
		}
		accountID = v.AccountID
	}

	req := provision.Request{
		APIToken:     c.APIToken,
		AccountID:    accountID,
		WorkerSource: source,
		RefreshToken: c.RefreshToken,
		Cron:         schedule.ToCronSpec(sched, loc, time.Now()).String(),
		Timezone:     loc.String(),
		Notification: notification,
	}
	if err := req.Validate(); err != nil {
		return err
	}

	progress := provision.ListenerFunc(func(p provision.Progress) {
		if !g.JSON {
			fmt.Fprintf(os.Stderr, "[%d/%d] %s\n", p.Index, p.Total, p.Message)
		}
	})
	res := a.Provisioner().Provision(ctx, req, progress)
	if err := g.print(res, func(w io.Writer) {
		if res.Success {
			fmt.Fprintf(w, "Deployed. Cron %s (UTC), next trigger %s.\n", req.Cron, schedule.NextTrigger(sched, loc, time.Now()).Label)
			return
		}
		fmt.Fprintf(w, "Deployment failed at %s: %s\n", res.FailedStep, res.Error)
		if len(res.Completed) > 0 {
			fmt.Fprintln(w, "Already applied in your account:")
			for _, s := range res.Completed {
				fmt.Fprintf(w, "  - %s\n", s)
			}
		}
	}); err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("deploy failed at %s", res.FailedStep)
	}
	return nil
}

type historyCmd struct {
	Limit int `short:"n" default:"20" help:"Number of attempts to show, newest first."`
}

func (c *historyCmd) Run(ctx context.Context, g *Globals) error {
	a, err := g.open()
	if err != nil {
		return err
	}
	defer a.Close()

	h := a.History()
	if h == nil {
		return fmt.Errorf("%w: set storage.driver to file or sqlite", storage.ErrDisabled)
	}
	list, err := h.ListDeployments(ctx, c.Limit)
	if err != nil {
		return err
	}
	return g.print(list, func(w io.Writer) {
		if len(list) == 0 {
			fmt.Fprintln(w, "No deployments recorded.")
			return
		}
		for _, d := range list {
			status := "ok"
			if !d.Success {
				status = "failed at " + d.FailedStep
			}
			fmt.Fprintf(w, "%s  %s  cron=%q tz=%s  %s\n",
				d.StartedAt.Local().Format("2006-01-02 15:04"), d.ID, d.Cron, d.Timezone, status)
			if d.Error != "" {
				fmt.Fprintf(w, "    %s\n", d.Error)
			}
		}
	})
}
