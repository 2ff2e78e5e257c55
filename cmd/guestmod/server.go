package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/guestbook-social/guestbook/cachestore"
	"github.com/guestbook-social/guestbook/commentstore"
	"github.com/guestbook-social/guestbook/imageopt"
	"github.com/guestbook-social/guestbook/moderation"
	"github.com/guestbook-social/guestbook/notify"
	"github.com/guestbook-social/guestbook/queue"
	"github.com/guestbook-social/guestbook/spamcheck"
	"github.com/guestbook-social/guestbook/util/cliutil"

	"github.com/RussellLuo/slidingwindow"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	slogecho "github.com/samber/slog-echo"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"golang.org/x/sync/errgroup"
	"gorm.io/plugin/opentelemetry/tracing"
)

const (
	defaultRetryBackoff    = 2 * time.Second
	defaultScoreTimeout    = 10 * time.Second
	defaultNotifyTimeout   = 10 * time.Second
	defaultOptimizeTimeout = 30 * time.Second

	queuePrefix = "guestmod/moderation"
)

// registers its collectors once, on the default registry
var httpMetrics = echoprometheus.NewMiddleware("guestmod")

type Config struct {
	Logger            *slog.Logger
	DatabaseURL       string
	MaxDBConnections  int
	RedisURL          string
	Bind              string
	PublicURL         string
	PhotoDir          string
	AdminToken        string
	AkismetKey        string
	AkismetRateLimit  int
	AkismetTest       bool
	SlackWebhookURL   string
	SMTPAddr          string
	SMTPUsername      string
	SMTPPassword      string
	MailSender        string
	AdminEmails       []string
	SubmitRateLimit   int
	// trust X-Forwarded-For for the client IP (only behind a proxy which sets it)
	TrustForwardedFor bool
	// re-enqueue unsettled comments when the consumer starts
	RedriveOnStart    bool
	Workers           int
	MaxAttempts       int
	RetryBackoff      time.Duration
	MaxAutoHops       int
	ScoreTimeout      time.Duration
	NotifyTimeout     time.Duration
	OptimizeTimeout   time.Duration
}

type Server struct {
	logger     *slog.Logger
	store      moderation.CommentStore
	consumer   queue.Consumer
	worker     *moderation.Worker
	submitter  *moderation.Submitter
	reviewer   *moderation.Reviewer
	photoDir   string
	adminToken string

	// nil if the store cannot list unsettled comments
	redriver       *moderation.Redriver
	redriveOnStart bool

	// per client IP; nil when submissions are not rate limited
	submitLimiters  *expirable.LRU[string, *slidingwindow.Limiter]
	submitRateLimit int64

	echo  *echo.Echo
	httpd *http.Server
}

func NewServer(config Config) (*Server, error) {
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}

	var store moderation.CommentStore
	if config.DatabaseURL != "" {
		db, err := cliutil.SetupDatabase(config.DatabaseURL, config.MaxDBConnections)
		if err != nil {
			return nil, fmt.Errorf("setting up comment database: %w", err)
		}
		if err := db.Use(tracing.NewPlugin()); err != nil {
			return nil, err
		}
		gs, err := commentstore.NewGormStore(db)
		if err != nil {
			return nil, fmt.Errorf("migrating comment database: %w", err)
		}
		store = gs
	} else {
		logger.Warn("no database configured, comments are kept in memory only")
		store = moderation.NewMemCommentStore()
	}

	qconfig := queue.Config{
		Logger:       logger,
		Workers:      config.Workers,
		MaxAttempts:  config.MaxAttempts,
		RetryBackoff: config.RetryBackoff,
	}
	var consumer queue.Consumer
	var cache cachestore.ScoreCache
	if config.RedisURL != "" {
		rq, err := queue.NewRedisQueue(config.RedisURL, queuePrefix, qconfig)
		if err != nil {
			return nil, fmt.Errorf("initializing redis queue: %v", err)
		}
		consumer = rq

		sc, err := cachestore.NewRedisScoreCache(config.RedisURL, "guestmod", 24*time.Hour)
		if err != nil {
			return nil, fmt.Errorf("initializing redis score cache: %v", err)
		}
		cache = sc
	} else {
		consumer = queue.NewMemQueue("moderation", qconfig)
		cache = cachestore.NewMemScoreCache(5_000, 24*time.Hour)
	}

	var scorer moderation.SpamScorer
	if config.AkismetKey != "" {
		logger.Info("configuring Akismet spam scoring")
		ak := spamcheck.NewAkismetClient(config.AkismetKey, config.PublicURL, config.AkismetRateLimit)
		ak.IsTest = config.AkismetTest
		scorer = ak
	} else {
		logger.Warn("no Akismet key configured, all comments will score as ham")
		scorer = &moderation.StaticScorer{Default: moderation.ScoreHam}
	}
	scorer = &spamcheck.CachedScorer{Inner: scorer, Cache: cache, Logger: logger}

	var mailer notify.Mailer
	if config.SMTPAddr != "" {
		mailer = &notify.SMTPMailer{
			Addr:     config.SMTPAddr,
			Username: config.SMTPUsername,
			Password: config.SMTPPassword,
		}
	}
	var slack *notify.SlackNotifier
	if config.SlackWebhookURL != "" {
		slack = notify.NewSlackNotifier(config.SlackWebhookURL)
	}
	notifier := notify.NewGateway(notify.GatewayConfig{
		Logger:      logger,
		Mailer:      mailer,
		Slack:       slack,
		AdminEmails: config.AdminEmails,
		Sender:      config.MailSender,
	})

	if config.PhotoDir != "" {
		if err := os.MkdirAll(config.PhotoDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating photo directory: %w", err)
		}
	}

	worker, err := moderation.NewWorker(moderation.WorkerConfig{
		Logger:          logger,
		Store:           store,
		Queue:           consumer,
		Scorer:          scorer,
		Optimizer:       imageopt.NewOptimizer(logger),
		Notifier:        notifier,
		PhotoDir:        config.PhotoDir,
		MaxAutoHops:     config.MaxAutoHops,
		ScoreTimeout:    config.ScoreTimeout,
		NotifyTimeout:   config.NotifyTimeout,
		OptimizeTimeout: config.OptimizeTimeout,
	})
	if err != nil {
		return nil, err
	}

	s := &Server{
		logger:   logger.With("component", "server"),
		store:    store,
		consumer: consumer,
		worker:   worker,
		submitter: &moderation.Submitter{
			Logger:  logger,
			Store:   store,
			Queue:   consumer,
			BaseURL: config.PublicURL,
		},
		reviewer: &moderation.Reviewer{
			Logger:  logger,
			Store:   store,
			Queue:   consumer,
			BaseURL: config.PublicURL,
		},
		photoDir:       config.PhotoDir,
		adminToken:     config.AdminToken,
		redriveOnStart: config.RedriveOnStart,
	}
	if lister, ok := store.(moderation.UnsettledLister); ok {
		s.redriver = &moderation.Redriver{
			Logger:  logger,
			Store:   lister,
			Queue:   consumer,
			BaseURL: config.PublicURL,
		}
	}
	if config.SubmitRateLimit > 0 {
		s.submitRateLimit = int64(config.SubmitRateLimit)
		s.submitLimiters = expirable.NewLRU[string, *slidingwindow.Limiter](50_000, nil, 2*time.Hour)
	}
	if s.adminToken == "" {
		logger.Warn("no admin token configured, admin API is disabled")
	}

	e := echo.New()
	e.HideBanner = true
	if config.TrustForwardedFor {
		e.IPExtractor = echo.ExtractIPFromXFFHeader()
	} else {
		e.IPExtractor = echo.ExtractIPDirect()
	}
	e.Use(slogecho.New(logger))
	e.Use(otelecho.Middleware("guestmod"))
	e.Use(middleware.Recover())
	e.Use(httpMetrics)
	e.Use(middleware.BodyLimit("8M"))
	e.HTTPErrorHandler = s.errorHandler

	e.GET("/_health", s.HandleHealthCheck)
	e.POST("/api/comments", s.HandleSubmitComment)

	admin := e.Group("/admin", s.checkAdminAuth)
	admin.GET("/comments/:id", s.HandleGetComment)
	admin.POST("/comments/:id/review", s.HandleReviewComment)
	admin.GET("/dead-letters", s.HandleListDeadLetters)
	admin.POST("/dead-letters/requeue", s.HandleRequeueDeadLetters)
	admin.POST("/redrive", s.HandleRedrive)

	s.echo = e
	s.httpd = &http.Server{
		Handler:        s,
		Addr:           config.Bind,
		WriteTimeout:   time.Minute,
		ReadTimeout:    time.Minute,
		MaxHeaderBytes: 1024 * 1024,
	}
	return s, nil
}

func (s *Server) ServeHTTP(rw http.ResponseWriter, req *http.Request) {
	s.echo.ServeHTTP(rw, req)
}

// Runs the queue consumer and the HTTP API until ctx is cancelled or either fails.
func (s *Server) Run(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		s.logger.Info("starting moderation consumer")
		return s.consumer.Run(ctx, s.worker.Handle)
	})
	if s.redriveOnStart && s.redriver != nil {
		eg.Go(func() error {
			// messages held by an in-process queue did not survive the restart
			if _, err := s.redriver.Redrive(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("failed to redrive unsettled comments", "err", err)
			}
			return nil
		})
	}
	eg.Go(func() error {
		s.logger.Info("starting server", "bind", s.httpd.Addr)
		if err := s.httpd.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server shutting down unexpectedly: %w", err)
		}
		return nil
	})
	eg.Go(func() error {
		<-ctx.Done()
		s.logger.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpd.Shutdown(sctx)
	})

	err := eg.Wait()
	s.logger.Info("graceful shutdown complete")
	return err
}

// Reports whether the client may submit another comment, counting this attempt.
func (s *Server) allowSubmission(clientIP string) bool {
	if s.submitLimiters == nil {
		return true
	}
	lim, ok := s.submitLimiters.Get(clientIP)
	if !ok {
		lim, _ = slidingwindow.NewLimiter(time.Hour, s.submitRateLimit, func() (slidingwindow.Window, slidingwindow.StopFunc) {
			return slidingwindow.NewLocalWindow()
		})
		s.submitLimiters.Add(clientIP, lim)
	}
	return lim.Allow()
}

func (s *Server) RunMetrics(listen string) error {
	http.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(listen, nil)
}
