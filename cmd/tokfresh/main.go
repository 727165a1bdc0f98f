// Command tokfresh sets up and runs the subscription keep-alive: it computes
// the trigger schedule, obtains a refresh token, deploys the scheduled Worker
// to Cloudflare, and can run the same keep-alive locally.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	_ "time/tzdata"

	"github.com/alecthomas/kong"

	"tokfresh/internal/app"
	"tokfresh/internal/config"
)

// Globals are the flags shared by every command.
type Globals struct {
	Config string `short:"c" help:"Config file (JSON or YAML). Empty means defaults." env:"TOKFRESH_CONFIG" placeholder:"FILE"`
	JSON   bool   `help:"Print machine-readable JSON."`

	out io.Writer
}

type CLI struct {
	Globals

	Schedule     scheduleCmd     `cmd:"" help:"Show trigger slots, reset times and the UTC cron for a start time."`
	AuthURL      authURLCmd      `cmd:"" name:"auth-url" help:"Print an authorization URL and its PKCE verifier."`
	Exchange     exchangeCmd     `cmd:"" help:"Exchange an authorization code for a refresh token."`
	Verify       verifyCmd       `cmd:"" help:"Verify a Cloudflare API token and show its account."`
	WorkerSource workerSourceCmd `cmd:"" name:"worker-source" help:"Print the generated Worker script."`
	Deploy       deployCmd       `cmd:"" help:"Provision the token store, Worker, schedule and secrets."`
	History      historyCmd      `cmd:"" help:"List recent deployment attempts."`
	Trigger      triggerCmd      `cmd:"" help:"Run one keep-alive locally."`
	Run          runCmd          `cmd:"" help:"Run the keep-alive locally on the trigger schedule."`
	Serve        serveCmd        `cmd:"" help:"Serve the setup HTTP API."`
}

func main() {
	// .env is loaded before parsing so env-backed flags see its values.
	if err := config.LoadDotEnv(config.Or(os.Getenv("TOKFRESH_ENV_FILE"), ".env")); err != nil {
		fmt.Fprintln(os.Stderr, "tokfresh: load .env:", err)
		os.Exit(1)
	}

	var cli CLI
	cli.out = os.Stdout
	parser := kong.Must(&cli,
		kong.Name("tokfresh"),
		kong.Description("Keep a Claude subscription usage window warm from a scheduled Cloudflare Worker."),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{Compact: true}),
		kong.Bind(&cli.Globals),
	)
	kctx, err := parser.Parse(os.Args[1:])
	parser.FatalIfErrorf(err)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	kctx.BindTo(ctx, (*context.Context)(nil))

	err = kctx.Run()
	cancel()
	kctx.FatalIfErrorf(err)
}

// open builds the app from the global config and the TOKFRESH_* environment.
func (g *Globals) open() (*app.App, error) {
	return app.New(g.configPath(), config.ReadEnv())
}

// configPath expands --config. An empty or blank value, including an empty
// TOKFRESH_CONFIG, means no file.
func (g *Globals) configPath() string {
	p := strings.TrimSpace(g.Config)
	if p == "" {
		return ""
	}
	return kong.ExpandPath(p)
}

// print writes v as JSON with --json, otherwise calls text.
func (g *Globals) print(v any, text func(w io.Writer)) error {
	if g.JSON {
		enc := json.NewEncoder(g.out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(g.out)
	return nil
}
