// Command dbtool applies schema migrations and gives operators a view of the credit ledger:
//
//	dbtool migrate [-steps N]          apply pending migrations (or N of them)
//	dbtool rollback -steps N           roll back N migrations
//	dbtool force -version V            clear a dirty flag by pinning the version
//	dbtool status [-older-than D]      schema version plus unsettled reservations
//	dbtool reclaim [-older-than D] [-limit N] [-dry-run]
//	                                   refund reservations abandoned by crashed attempts
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"

	"github.com/sonerady/dires-server/internal/config"
	"github.com/sonerady/dires-server/internal/credits"
	"github.com/sonerady/dires-server/internal/logger"
	"github.com/sonerady/dires-server/internal/models"
)

type migrator interface {
	Up() error
	Steps(n int) error
	Force(version int) error
	Version() (version uint, dirty bool, err error)
}

// reservations is satisfied by *credits.Ledger.
type reservations interface {
	PendingSummary(ctx context.Context, olderThan time.Duration) (credits.PendingSummary, error)
	Stale(ctx context.Context, olderThan time.Duration, limit int) ([]models.CreditReservation, error)
	ReclaimStale(ctx context.Context, olderThan time.Duration, limit int) (int, error)
}

type deps struct {
	loadConfig  func() (config.Config, error)
	openDB      func(driverName, dataSourceName string) (*sql.DB, error)
	newMigrator func(db *sql.DB, source string) (migrator, error)
	newLedger   func(db *sql.DB, l *log.Logger) reservations
	out         io.Writer
	logger      *log.Logger
}

func defaultDeps() deps {
	zl := logger.New(os.Getenv("APP_ENV"))
	return deps{
		loadConfig:  func() (config.Config, error) { return config.Load() },
		openDB:      sql.Open,
		newMigrator: newMigrator,
		newLedger: func(db *sql.DB, l *log.Logger) reservations {
			return &credits.Ledger{DB: db, Logger: l}
		},
		out:    os.Stdout,
		logger: logger.Std(zl, "dbtool"),
	}
}

func main() {
	if err := run(os.Args[1:], defaultDeps()); err != nil {
		log.Fatal(err)
	}
}

func newMigrator(db *sql.DB, source string) (migrator, error) {
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return nil, fmt.Errorf("init migration driver: %w", err)
	}
	m, err := migrate.NewWithDatabaseInstance(source, "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("create migrator: %w", err)
	}
	return m, nil
}

type command struct {
	name      string
	steps     int
	version   int
	olderThan time.Duration
	limit     int
	dryRun    bool
}

var errUsage = errors.New("usage: dbtool migrate|rollback|force|status|reclaim [flags]")

func parseCommand(args []string) (command, error) {
	if len(args) == 0 {
		return command{}, errUsage
	}
	c := command{name: args[0], version: -1}
	fs := flag.NewFlagSet("dbtool "+c.name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	switch c.name {
	case "migrate", "rollback":
		fs.IntVar(&c.steps, "steps", 0, "number of migrations")
	case "force":
		fs.IntVar(&c.version, "version", -1, "version to pin")
	case "status":
		fs.DurationVar(&c.olderThan, "older-than", 0, "pending age considered abandoned (default RECONCILE_AFTER)")
		fs.IntVar(&c.limit, "limit", 10, "oldest reservations to list")
	case "reclaim":
		fs.DurationVar(&c.olderThan, "older-than", 0, "pending age considered abandoned (default RECONCILE_AFTER)")
		fs.IntVar(&c.limit, "limit", 100, "max reservations to refund")
		fs.BoolVar(&c.dryRun, "dry-run", false, "list what would be refunded")
	default:
		return command{}, fmt.Errorf("unknown command %q: %w", c.name, errUsage)
	}
	if err := fs.Parse(args[1:]); err != nil {
		return command{}, err
	}
	switch {
	case c.name == "rollback" && c.steps <= 0:
		return command{}, errors.New("rollback requires -steps > 0")
	case c.steps < 0:
		return command{}, errors.New("-steps must not be negative")
	case c.name == "force" && c.version < 0:
		return command{}, errors.New("force requires -version >= 0")
	case c.limit < 0:
		return command{}, errors.New("-limit must not be negative")
	}
	return c, nil
}

func run(args []string, d deps) error {
	cmd, err := parseCommand(args)
	if err != nil {
		return err
	}
	cfg, err := d.loadConfig()
	if err != nil {
		return err
	}
	if cmd.olderThan <= 0 {
		cmd.olderThan = cfg.ReconcileAfter
	}
	if d.logger == nil {
		d.logger = log.Default()
	}
	if d.out == nil {
		d.out = io.Discard
	}

	db, err := d.openDB("postgres", cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer db.Close()

	ctx := context.Background()
	switch cmd.name {
	case "migrate", "rollback", "force":
		m, err := d.newMigrator(db, cfg.MigrationsSource)
		if err != nil {
			return err
		}
		return runMigration(m, cmd, d)
	case "status":
		m, err := d.newMigrator(db, cfg.MigrationsSource)
		if err != nil {
			return err
		}
		return runStatus(ctx, m, d.newLedger(db, d.logger), cmd, d.out)
	default:
		return runReclaim(ctx, d.newLedger(db, d.logger), cmd, d)
	}
}

func runMigration(m migrator, cmd command, d deps) error {
	var err error
	switch {
	case cmd.name == "force":
		err = m.Force(cmd.version)
	case cmd.name == "rollback":
		err = m.Steps(-cmd.steps)
	case cmd.steps > 0:
		err = m.Steps(cmd.steps)
	default:
		err = m.Up()
	}
	if errors.Is(err, migrate.ErrNoChange) {
		fmt.Fprintln(d.out, "schema up to date")
		return nil
	}
	if err != nil {
		return fmt.Errorf("%s failed: %w", cmd.name, err)
	}
	v, dirty, verr := m.Version()
	if verr != nil && !errors.Is(verr, migrate.ErrNilVersion) {
		return fmt.Errorf("read version: %w", verr)
	}
	d.logger.Printf("[DBTool][%s] version=%d dirty=%v", cmd.name, v, dirty)
	fmt.Fprintf(d.out, "%s ok: version %d\n", cmd.name, v)
	return nil
}

func runStatus(ctx context.Context, m migrator, ledger reservations, cmd command, out io.Writer) error {
	v, dirty, err := m.Version()
	switch {
	case errors.Is(err, migrate.ErrNilVersion):
		fmt.Fprintln(out, "schema: no migrations applied")
	case err != nil:
		return fmt.Errorf("read version: %w", err)
	default:
		fmt.Fprintf(out, "schema: version %d dirty=%v\n", v, dirty)
	}

	sum, err := ledger.PendingSummary(ctx, cmd.olderThan)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "unsettled reservations older than %s: %d (%d credits)\n", cmd.olderThan, sum.Count, sum.Amount)
	if sum.Count == 0 || cmd.limit == 0 {
		return nil
	}
	if sum.Oldest != nil {
		fmt.Fprintf(out, "oldest: %s\n", sum.Oldest.UTC().Format(time.RFC3339))
	}
	stale, err := ledger.Stale(ctx, cmd.olderThan, cmd.limit)
	if err != nil {
		return err
	}
	printReservations(out, stale)
	return nil
}

func runReclaim(ctx context.Context, ledger reservations, cmd command, d deps) error {
	if cmd.dryRun {
		stale, err := ledger.Stale(ctx, cmd.olderThan, cmd.limit)
		if err != nil {
			return err
		}
		fmt.Fprintf(d.out, "would refund %d reservations\n", len(stale))
		printReservations(d.out, stale)
		return nil
	}
	n, err := ledger.ReclaimStale(ctx, cmd.olderThan, cmd.limit)
	if err != nil {
		return err
	}
	d.logger.Printf("[DBTool][Reclaim] refunded=%d olderThan=%s limit=%d", n, cmd.olderThan, cmd.limit)
	fmt.Fprintf(d.out, "refunded %d reservations\n", n)
	return nil
}

func printReservations(out io.Writer, rs []models.CreditReservation) {
	for _, r := range rs {
		job := "-"
		if r.ExternalJobID != nil {
			job = *r.ExternalJobID
		}
		fmt.Fprintf(out, "  %s owner=%s user=%s amount=%d job=%s created=%s\n",
			r.ID, r.OwnerID, r.UserID, r.Amount, job, r.CreatedAt.UTC().Format(time.RFC3339))
	}
}
