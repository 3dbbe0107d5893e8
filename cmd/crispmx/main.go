/*
Crispmx - outbound SMTP delivery engine.
Copyright © 2024-2026 Crispmx contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package main

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"runtime/debug"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"

	"github.com/crispmx/crispmx/framework/config"
	"github.com/crispmx/crispmx/framework/dns"
	"github.com/crispmx/crispmx/framework/log"
	"github.com/crispmx/crispmx/internal/delivery"
	"github.com/crispmx/crispmx/internal/dsn"
	"github.com/crispmx/crispmx/internal/queue"
)

// Version is set by the Makefile at build time. When built with a bare
// "go build", module information is used instead.
var Version = "unknown"

func buildInfo() string {
	if Version != "unknown" {
		return Version
	}
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	return "unknown (built from source tree)"
}

func main() {
	app := &cli.App{
		Name:    "crispmx",
		Usage:   "outbound SMTP delivery engine",
		Version: buildInfo(),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "path to the configuration file",
				EnvVars: []string{"CRISPMX_CONFIG"},
				Value:   "/etc/crispmx/crispmx.yml",
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "enable debug logging",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "start the delivery daemon",
				Action: cmdRun,
			},
			{
				Name:   "check-config",
				Usage:  "parse and validate the configuration file, then exit",
				Action: cmdCheckConfig,
			},
			{
				Name:      "send",
				Usage:     "deliver a single message read from stdin, then exit",
				ArgsUsage: "RECIPIENT...",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "from",
						Usage:    "envelope sender address",
						Required: true,
					},
					&cli.BoolFlag{
						Name:  "bounce",
						Usage: "mail a non-delivery report back to the sender for permanently failed recipients",
					},
				},
				Action: cmdSend,
			},
		},
	}

	app.ExitErrHandler = func(c *cli.Context, err error) {
		if err == nil {
			return
		}
		if exitErr, ok := err.(cli.ExitCoder); ok {
			if err.Error() != "" {
				fmt.Fprintln(os.Stderr, err)
			}
			cli.OsExiter(exitErr.ExitCode())
			return
		}
		log.DefaultLogger.Error("command failed", err)
		cli.OsExiter(2)
	}

	_ = app.Run(os.Args)
}

// loadConfig reads the configuration and applies it to the process-global
// state the rest of start-up depends on: the default logger and the DNS
// server override.
func loadConfig(ctx *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(ctx.String("config"))
	if err != nil {
		return nil, err
	}

	log.DefaultLogger.Out = log.WriterOutput(os.Stderr, true)
	log.DefaultLogger.Debug = ctx.Bool("debug") || cfg.Logging.Debug

	if cfg.DNS.Server != "" {
		log.Printf("using DNS server %s for all lookups", cfg.DNS.Server)
		dns.Override(cfg.DNS.Server)
	}

	// Test-only switches are honored by regular builds, make sure their use
	// is impossible to miss in the log.
	if cfg.Debug.SMTPPort != "" {
		log.Printf("DEBUG OVERRIDE: connecting to remote hosts on port %s instead of 25", cfg.Debug.SMTPPort)
	}
	if cfg.Debug.AllowLoopback {
		log.Printf("DEBUG OVERRIDE: deliveries to loopback addresses are permitted")
	}
	if cfg.TLS.AllowInvalidCerts {
		log.Printf("DEBUG OVERRIDE: X.509 verification of remote certificates is disabled")
	}

	return cfg, nil
}

func newEngine(cfg *config.Config) (*delivery.Engine, error) {
	logger := log.Logger{
		Name:  "delivery",
		Out:   log.DefaultLogger.Out,
		Debug: log.DefaultLogger.Debug,
	}
	return delivery.New(cfg, dns.DefaultResolver(), logger)
}

func cmdRun(ctx *cli.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}

	engine, err := newEngine(cfg)
	if err != nil {
		return err
	}
	defer engine.Close()
	engine.StartSTSRefresher()

	if cfg.Metrics.Listen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv := &http.Server{Addr: cfg.Metrics.Listen, Handler: mux}
		go func() {
			log.Printf("metrics endpoint listening on %s", cfg.Metrics.Listen)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.DefaultLogger.Error("metrics endpoint failed", err)
			}
		}()
		defer metricsSrv.Close()
	}

	log.Printf("crispmx %s started (hostname %s, %d relay routes)",
		buildInfo(), cfg.Hostname, len(cfg.Routes))

	handleSignals()
	log.Println("shutting down")
	return nil
}

func cmdCheckConfig(ctx *cli.Context) error {
	if _, err := config.Load(ctx.String("config")); err != nil {
		return cli.Exit(err.Error(), 2)
	}
	fmt.Println(ctx.String("config"), "OK")
	return nil
}

// cmdSend performs one delivery attempt for a message read from stdin and
// reports the per-recipient outcome. It does not retry: a temporary failure
// is reported via the exit status (EX_TEMPFAIL) so callers can reschedule.
func cmdSend(ctx *cli.Context) error {
	rcpts := ctx.Args().Slice()
	if len(rcpts) == 0 {
		return cli.Exit("at least one recipient is required", 2)
	}

	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}

	msg, err := queue.NewMessage(ctx.String("from"), rcpts...)
	if err != nil {
		return err
	}

	r := bufio.NewReader(os.Stdin)
	msg.Header, err = textproto.ReadHeader(r)
	if err != nil {
		return fmt.Errorf("malformed message header: %w", err)
	}
	body, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	msg.Size = int64(len(body))
	msg.Body = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}

	engine, err := newEngine(cfg)
	if err != nil {
		return err
	}
	defer engine.Close()

	schedule := queue.RetrySchedule{
		Initial:  cfg.Queue.RetryInitial.Std(),
		Scale:    cfg.Queue.RetryScale,
		MaxTries: cfg.Queue.MaxTries,
	}

	results := engine.DeliverMessage(ctx.Context, msg)
	bounced := schedule.Apply(msg, results, time.Now())

	var sawTemp, sawPerm bool
	for _, rcpt := range msg.Recipients {
		fmt.Printf("%s: %s\n", rcpt.Address, rcpt.Status.FormatLog())
		switch rcpt.Status.Kind {
		case queue.StatusPermanentFailure:
			sawPerm = true
		case queue.StatusTemporaryFailure, queue.StatusScheduled:
			sawTemp = true
		}
	}

	if len(bounced) > 0 && ctx.Bool("bounce") {
		report, err := dsn.Bounce(cfg.Hostname, msg, bounced)
		if err != nil {
			return err
		}
		for _, res := range engine.DeliverMessage(ctx.Context, report) {
			log.Printf("non-delivery report for %s: %s",
				msg.MailFrom, res.Status.FormatLog())
		}
	}

	if sawPerm {
		return cli.Exit("", 1)
	}
	if sawTemp {
		// sysexits.h EX_TEMPFAIL
		return cli.Exit("", 75)
	}
	return nil
}
