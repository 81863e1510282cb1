package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/gorilla/mux"
	_ "github.com/lib/pq"
	"github.com/rs/cors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sonerady/dires-server/internal/config"
	"github.com/sonerady/dires-server/internal/credits"
	"github.com/sonerady/dires-server/internal/handlers"
	"github.com/sonerady/dires-server/internal/jobs"
	"github.com/sonerady/dires-server/internal/logger"
	"github.com/sonerady/dires-server/internal/mailer"
	"github.com/sonerady/dires-server/internal/metrics"
	"github.com/sonerady/dires-server/internal/middleware"
	"github.com/sonerady/dires-server/internal/provider"
	"github.com/sonerady/dires-server/internal/ratelimit"
	"github.com/sonerady/dires-server/internal/settlement"
	"github.com/sonerady/dires-server/internal/storage"
	"github.com/sonerady/dires-server/internal/teams"
	"github.com/sonerady/dires-server/internal/workers"
)

type deps struct {
	loadConfig     func() (config.Config, error)
	openDB         func(driverName, dataSourceName string) (*sql.DB, error)
	migrateUp      func(db *sql.DB, source string) error
	openRedis      func(url string) (*redis.Client, error)
	listenAndServe func(*http.Server) error
	notify         func(chan<- os.Signal, ...os.Signal)
	stopCh         chan os.Signal
}

func defaultDeps() deps {
	return deps{
		loadConfig:     func() (config.Config, error) { return config.Load() },
		openDB:         sql.Open,
		migrateUp:      migrateUp,
		openRedis:      openRedis,
		listenAndServe: func(s *http.Server) error { return s.ListenAndServe() },
		notify:         signal.Notify,
	}
}

func main() {
	if err := run(defaultDeps()); err != nil {
		log.Fatal(err)
	}
}

func migrateUp(db *sql.DB, source string) error {
	if db == nil {
		return errors.New("nil db")
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("init migration driver: %w", err)
	}
	migrator, err := migrate.NewWithDatabaseInstance(source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	if err := migrator.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("database migration failed: %w", err)
	}
	return nil
}

func openRedis(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	return redis.NewClient(opts), nil
}

func buildRouter(h *handlers.Handler, mws ...mux.MiddlewareFunc) *mux.Router {
	r := mux.NewRouter()
	r.Use(metrics.Instrument)
	r.HandleFunc("/health", h.Health).Methods("GET")
	r.Handle("/metrics", metrics.Handler()).Methods("GET")

	api := r.NewRoute().Subrouter()
	for _, mw := range mws {
		api.Use(mw)
	}
	handlers.RegisterRoutes(h, api)
	handlers.RegisterBillingRoutes(h, api)
	return r
}

// loadSeats reads per-tier seat counts from billing_plans, falling back to the built-in tiers.
func loadSeats(ctx context.Context, db *sql.DB) map[string]int {
	seats := map[string]int{}
	for k, v := range teams.DefaultSeats {
		seats[k] = v
	}
	rows, err := db.QueryContext(ctx, `SELECT id, max_team_members FROM public.billing_plans WHERE is_active = TRUE AND max_team_members > 0`)
	if err != nil {
		log.Printf("[Boot] seat tiers unavailable, using defaults: %v", err)
		return seats
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		var n int
		if err := rows.Scan(&id, &n); err == nil {
			seats[id] = n
		}
	}
	return seats
}

// wire builds the domain services and attaches them to h.
func wire(h *handlers.Handler, cfg config.Config, db *sql.DB, rdb *redis.Client, zl *zap.Logger) *credits.Ledger {
	var limiter *ratelimit.Limiter
	if rdb != nil {
		limiter = ratelimit.New(rdb, logger.Std(zl, "ratelimit"))
	}

	ledger := &credits.Ledger{DB: db, Logger: logger.Std(zl, "credits")}
	resolver := &credits.Resolver{DB: db, Logger: logger.Std(zl, "credits")}

	rps := rate.Limit(cfg.ProviderRPS)
	if cfg.ProviderRPS <= 0 {
		rps = rate.Inf
	}
	client := &provider.HTTPClient{
		BaseURL:      cfg.ProviderBaseURL,
		Token:        cfg.ProviderAPIToken,
		ModelVersion: cfg.ProviderModelVersion,
		Limiter:      rate.NewLimiter(rps, 1),
		Logger:       logger.Std(zl, "provider"),
	}
	classifier := jobs.DefaultClassifier()
	coord := &settlement.Coordinator{
		Resolver: resolver,
		Ledger:   ledger,
		Submitter: &jobs.Submitter{
			Client:      client,
			Classifier:  classifier,
			MaxAttempts: cfg.SubmitMaxAttempts,
			BaseDelay:   cfg.SubmitBaseDelay,
			Logger:      logger.Std(zl, "jobs"),
		},
		Waiter: &jobs.Poller{
			Client:      client,
			Classifier:  classifier,
			Interval:    cfg.PollInterval,
			MaxAttempts: cfg.PollMaxAttempts,
			Logger:      logger.Std(zl, "jobs"),
		},
		Store: &storage.Local{
			HTTP:          &http.Client{Timeout: cfg.StorageTimeout},
			Dir:           cfg.MediaDir,
			PublicBaseURL: cfg.PublicBaseURL,
			Secret:        []byte(cfg.MediaSecret),
			Logger:        logger.Std(zl, "storage"),
		},
		Events:        h,
		Cost:          cfg.GenerationCost,
		StoreTimeout:  cfg.StorageTimeout,
		SettleTimeout: cfg.SettleTimeout,
		Logger:        logger.Std(zl, "settlement"),
	}

	svc := &teams.Service{
		DB:        db,
		Mailer:    &mailer.LogMailer{Logger: logger.Std(zl, "mailer")},
		Seats:     loadSeats(context.Background(), db),
		AcceptURL: cfg.InviteAcceptURL,
		Logger:    logger.Std(zl, "teams"),
	}
	if limiter != nil {
		svc.Limiter = limiter
		h.SetGenerateLimit(limiter, cfg.GeneratePerMinute)
	}

	h.SetLogger(logger.Std(zl, "http"))
	h.SetGenerator(coord)
	h.SetTeams(svc)
	h.SetLedger(ledger)
	h.SetGenerateTimeout(cfg.MaxAttemptDuration())
	h.SetInternalWSSecret(cfg.InternalWSSecret)
	h.SetStripeWebhookSecret(cfg.StripeWebhookSecret)
	return ledger
}

func startReconcilerIfEnabled(ctx context.Context, ledger workers.Reclaimer, cfg config.Config, l *log.Logger) {
	if ledger == nil || cfg.ReconcileInterval <= 0 {
		l.Printf("[ReservationReconciler] disabled")
		return
	}
	w := &workers.ReservationReconciler{
		Ledger:    ledger,
		OlderThan: cfg.ReconcileAfter,
		Interval:  cfg.ReconcileInterval,
		Logger:    l,
	}
	go w.Start(ctx)
}

func run(d deps) error {
	if d.loadConfig == nil {
		d.loadConfig = func() (config.Config, error) { return config.Load() }
	}
	cfg, err := d.loadConfig()
	if err != nil {
		return err
	}
	if d.openDB == nil {
		return errors.New("openDB is required")
	}
	if d.listenAndServe == nil {
		return errors.New("listenAndServe is required")
	}

	zl := logger.New(cfg.AppEnv)
	defer func() { _ = zl.Sync() }()
	bootLog := logger.Std(zl, "boot")

	// Root context for background workers and graceful shutdown
	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := d.openDB("postgres", cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	if d.migrateUp != nil {
		if err := d.migrateUp(db, cfg.MigrationsSource); err != nil {
			return err
		}
	}
	bootLog.Println("Database is up-to-date")

	var rdb *redis.Client
	if cfg.RedisURL != "" && d.openRedis != nil {
		rdb, err = d.openRedis(cfg.RedisURL)
		if err != nil {
			return err
		}
		defer rdb.Close()
	} else {
		bootLog.Println("REDIS_URL not set; rate limits disabled")
	}

	h := handlers.New(db)
	ledger := wire(h, cfg, db, rdb, zl)

	r := buildRouter(h, middleware.NewSubscriptionEnforcer(db).Middleware)
	r.PathPrefix("/media/").Handler(http.StripPrefix("/media/", http.FileServer(http.Dir(cfg.MediaDir))))

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})

	srv := &http.Server{
		Handler:     c.Handler(r),
		Addr:        ":" + cfg.Port,
		ReadTimeout: 15 * time.Second,
		// Generation requests hold the connection through submit, polling, storage and settlement.
		WriteTimeout: cfg.MaxSettleDuration() + 30*time.Second,
		ErrorLog:     logger.Std(zl, "http"),
	}

	stop := d.stopCh
	if stop == nil {
		stop = make(chan os.Signal, 1)
	}
	if d.notify != nil {
		d.notify(stop, os.Interrupt, syscall.SIGTERM)
	}

	startReconcilerIfEnabled(rootCtx, ledger, cfg, logger.Std(zl, "workers"))

	go func() {
		<-stop
		bootLog.Println("Shutting down server...")
		cancel()
		ctx, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		if err := srv.Shutdown(ctx); err != nil {
			bootLog.Printf("Server shutdown error: %v", err)
		}
	}()

	bootLog.Printf("Server starting on port %s", cfg.Port)
	if err := d.listenAndServe(srv); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	bootLog.Println("Server stopped")
	return nil
}
