package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/guestbook-social/guestbook/util/cliutil"

	"github.com/carlmjohnson/versioninfo"
	_ "github.com/joho/godotenv/autoload"
	cli "github.com/urfave/cli/v2"
	_ "go.uber.org/automaxprocs"
)

func main() {
	if err := run(os.Args); err != nil {
		slog.Error("exiting", "err", err)
		os.Exit(-1)
	}
}

func run(args []string) error {

	app := cli.App{
		Name:    "guestmod",
		Usage:   "guestbook comment moderation daemon",
		Version: versioninfo.Short(),
	}

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "log verbosity level (eg: warn, info, debug)",
			EnvVars: []string{"GUESTBOOK_LOG_LEVEL", "LOG_LEVEL"},
		},
		&cli.StringFlag{
			Name:    "log-format",
			Usage:   "log output format (json or text)",
			EnvVars: []string{"GUESTBOOK_LOG_FMT", "LOG_FMT"},
		},
		&cli.StringFlag{
			Name:    "admin-token",
			Usage:   "secret token for the admin API (required for review and dead-letter operations)",
			EnvVars: []string{"GUESTMOD_ADMIN_TOKEN"},
		},
	}

	app.Commands = []*cli.Command{
		runCmd,
		submitCmd,
		showCmd,
		reviewCmd,
		deadLettersCmd,
		redriveCmd,
		fakeCommentsCmd,
		statesCmd,
	}

	return app.Run(args)
}

func configLogger(cctx *cli.Context) (*slog.Logger, error) {
	return cliutil.SetupSlog(os.Stdout, cliutil.LogOptions{
		LogLevel:  cctx.String("log-level"),
		LogFormat: cctx.String("log-format"),
	})
}

var runCmd = &cli.Command{
	Name:  "run",
	Usage: "run the moderation worker and operator API",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "database-url",
			Usage:   "comment database (sqlite or postgres); empty for an in-process store",
			Value:   "sqlite://data/guestmod/guestbook.db",
			EnvVars: []string{"DATABASE_URL"},
		},
		&cli.IntFlag{
			Name:    "max-db-connections",
			EnvVars: []string{"MAX_DB_CONNECTIONS"},
			Value:   40,
		},
		&cli.StringFlag{
			Name:    "redis-url",
			Usage:   "redis for the shared moderation queue and score cache; in-process fallbacks if not set",
			EnvVars: []string{"GUESTMOD_REDIS_URL"},
		},
		&cli.StringFlag{
			Name:    "bind",
			Usage:   "IP or address, and port, to listen on for HTTP APIs",
			Value:   ":3999",
			EnvVars: []string{"GUESTMOD_BIND"},
		},
		&cli.StringFlag{
			Name:    "metrics-listen",
			Usage:   "IP or address, and port, to listen on for metrics APIs",
			Value:   ":3998",
			EnvVars: []string{"GUESTMOD_METRICS_LISTEN"},
		},
		&cli.StringFlag{
			Name:    "public-url",
			Usage:   "public base URL of the guestbook, used in review links",
			Value:   "http://localhost:3999",
			EnvVars: []string{"GUESTBOOK_PUBLIC_URL"},
		},
		&cli.StringFlag{
			Name:    "photo-dir",
			Usage:   "directory holding uploaded comment photos",
			Value:   "data/guestmod/photos",
			EnvVars: []string{"GUESTBOOK_PHOTO_DIR"},
		},
		&cli.StringFlag{
			Name:    "akismet-key",
			Usage:   "Akismet API key; without one every comment scores as ham",
			EnvVars: []string{"AKISMET_KEY"},
		},
		&cli.IntFlag{
			Name:    "akismet-rate-limit",
			Usage:   "max Akismet requests per second",
			Value:   10,
			EnvVars: []string{"AKISMET_RATE_LIMIT"},
		},
		&cli.BoolFlag{
			Name:    "akismet-test",
			Usage:   "mark Akismet requests as tests",
			EnvVars: []string{"AKISMET_TEST"},
		},
		&cli.StringFlag{
			Name:    "slack-webhook-url",
			Usage:   "full URL of slack webhook for moderator alerts",
			EnvVars: []string{"SLACK_WEBHOOK_URL"},
		},
		&cli.StringFlag{
			Name:    "smtp-addr",
			Usage:   "host:port of SMTP relay; emails are only logged if not set",
			EnvVars: []string{"SMTP_ADDR"},
		},
		&cli.StringFlag{
			Name:    "smtp-username",
			EnvVars: []string{"SMTP_USERNAME"},
		},
		&cli.StringFlag{
			Name:    "smtp-password",
			EnvVars: []string{"SMTP_PASSWORD"},
		},
		&cli.StringFlag{
			Name:    "mail-sender",
			Usage:   "From address of outgoing email",
			Value:   "bot@guestbook.example.com",
			EnvVars: []string{"GUESTBOOK_MAIL_SENDER"},
		},
		&cli.StringSliceFlag{
			Name:    "admin-emails",
			Usage:   "addresses receiving moderator alerts",
			EnvVars: []string{"GUESTBOOK_ADMIN_EMAILS"},
		},
		&cli.IntFlag{
			Name:    "submit-rate-limit",
			Usage:   "max comment submissions per client IP per hour (0 for unlimited)",
			Value:   30,
			EnvVars: []string{"GUESTMOD_SUBMIT_RATE_LIMIT"},
		},
		&cli.BoolFlag{
			Name:    "trust-forwarded-for",
			Usage:   "take the client IP from X-Forwarded-For (only behind a reverse proxy which sets it)",
			EnvVars: []string{"GUESTMOD_TRUST_FORWARDED_FOR"},
		},
		&cli.BoolFlag{
			Name:    "redrive-on-start",
			Usage:   "re-enqueue comments the moderation pipeline has not finished with when starting",
			Value:   true,
			EnvVars: []string{"GUESTMOD_REDRIVE_ON_START"},
		},
		&cli.IntFlag{
			Name:    "workers",
			Usage:   "number of concurrent moderation workers",
			Value:   4,
			EnvVars: []string{"GUESTMOD_WORKERS"},
		},
		&cli.IntFlag{
			Name:    "max-attempts",
			Usage:   "deliveries of a moderation message before it is dead-lettered",
			Value:   5,
			EnvVars: []string{"GUESTMOD_MAX_ATTEMPTS"},
		},
		&cli.DurationFlag{
			Name:    "retry-backoff",
			Usage:   "delay before the first redelivery of a failed message (doubles per attempt)",
			Value:   defaultRetryBackoff,
			EnvVars: []string{"GUESTMOD_RETRY_BACKOFF"},
		},
		&cli.IntFlag{
			Name:    "max-auto-hops",
			Usage:   "automatic re-enqueues allowed per moderation message chain",
			Value:   1,
			EnvVars: []string{"GUESTMOD_MAX_AUTO_HOPS"},
		},
		&cli.DurationFlag{
			Name:    "score-timeout",
			Value:   defaultScoreTimeout,
			EnvVars: []string{"GUESTMOD_SCORE_TIMEOUT"},
		},
		&cli.DurationFlag{
			Name:    "notify-timeout",
			Value:   defaultNotifyTimeout,
			EnvVars: []string{"GUESTMOD_NOTIFY_TIMEOUT"},
		},
		&cli.DurationFlag{
			Name:    "optimize-timeout",
			Value:   defaultOptimizeTimeout,
			EnvVars: []string{"GUESTMOD_OPTIMIZE_TIMEOUT"},
		},
	},
	Action: func(cctx *cli.Context) error {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		logger, err := configLogger(cctx)
		if err != nil {
			return err
		}

		shutdownOTEL := configOTEL("guestmod")
		defer shutdownOTEL()

		srv, err := NewServer(Config{
			Logger:            logger,
			DatabaseURL:       cctx.String("database-url"),
			MaxDBConnections:  cctx.Int("max-db-connections"),
			RedisURL:          cctx.String("redis-url"),
			Bind:              cctx.String("bind"),
			PublicURL:         cctx.String("public-url"),
			PhotoDir:          cctx.String("photo-dir"),
			AdminToken:        cctx.String("admin-token"),
			AkismetKey:        cctx.String("akismet-key"),
			AkismetRateLimit:  cctx.Int("akismet-rate-limit"),
			AkismetTest:       cctx.Bool("akismet-test"),
			SlackWebhookURL:   cctx.String("slack-webhook-url"),
			SMTPAddr:          cctx.String("smtp-addr"),
			SMTPUsername:      cctx.String("smtp-username"),
			SMTPPassword:      cctx.String("smtp-password"),
			MailSender:        cctx.String("mail-sender"),
			AdminEmails:       cctx.StringSlice("admin-emails"),
			SubmitRateLimit:   cctx.Int("submit-rate-limit"),
			TrustForwardedFor: cctx.Bool("trust-forwarded-for"),
			RedriveOnStart:    cctx.Bool("redrive-on-start"),
			Workers:           cctx.Int("workers"),
			MaxAttempts:       cctx.Int("max-attempts"),
			RetryBackoff:      cctx.Duration("retry-backoff"),
			MaxAutoHops:       cctx.Int("max-auto-hops"),
			ScoreTimeout:      cctx.Duration("score-timeout"),
			NotifyTimeout:     cctx.Duration("notify-timeout"),
			OptimizeTimeout:   cctx.Duration("optimize-timeout"),
		})
		if err != nil {
			return err
		}

		go func() {
			if err := srv.RunMetrics(cctx.String("metrics-listen")); err != nil {
				slog.Error("failed to start metrics endpoint", "error", err)
				panic(fmt.Errorf("failed to start metrics endpoint: %w", err))
			}
		}()

		if err := srv.Run(ctx); err != nil {
			return fmt.Errorf("failed to run moderation service: %w", err)
		}
		return nil
	},
}
