// Command saga-admin inspects and maintains persisted saga state across
// the supported store backends.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/steadway/saga"
)

type storeConfig struct {
	dbURL     string
	redisAddr string
	dir       string
	table     string
}

func main() {
	dbURL := flag.String("db", os.Getenv("SAGA_DB_URL"), "PostgreSQL connection string")
	redisAddr := flag.String("redis", os.Getenv("SAGA_REDIS_ADDR"), "Redis address (host:port)")
	stateDir := flag.String("dir", os.Getenv("SAGA_STATE_DIR"), "file store directory")
	table := flag.String("table", os.Getenv("SAGA_TABLE"), "PostgreSQL table name")
	flag.Usage = printUsage
	flag.Parse()

	if flag.NArg() == 0 {
		printUsage()
		os.Exit(2)
	}

	cfg := storeConfig{dbURL: *dbURL, redisAddr: *redisAddr, dir: *stateDir, table: *table}
	args := flag.Args()[1:]

	var err error
	switch cmd := flag.Arg(0); cmd {
	case "list":
		err = runList(cfg)
	case "show":
		err = runShow(cfg, args)
	case "stale":
		err = runStale(cfg, args)
	case "recover":
		err = runRecover(cfg, args)
	case "cleanup":
		err = runCleanup(cfg, args)
	case "sweep":
		err = runSweep(cfg, args)
	case "health":
		err = runHealth(cfg)
	case "help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		printUsage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// openStore picks the backend from the store flags: postgres wins over
// redis, redis over the file store. The cleanup func releases the
// underlying connection.
func openStore(cfg storeConfig) (saga.StateStore, func(), error) {
	switch {
	case cfg.dbURL != "":
		db, err := sql.Open("postgres", cfg.dbURL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open database: %w", err)
		}
		store, err := saga.NewPostgresStore(db, cfg.table)
		if err != nil {
			db.Close()
			return nil, nil, err
		}
		return store, func() { db.Close() }, nil

	case cfg.redisAddr != "":
		client := redis.NewClient(&redis.Options{Addr: cfg.redisAddr})
		store, err := saga.NewRedisStore(client, "")
		if err != nil {
			client.Close()
			return nil, nil, err
		}
		return store, func() { client.Close() }, nil

	case cfg.dir != "":
		store, err := saga.NewFileStore(cfg.dir)
		if err != nil {
			return nil, nil, err
		}
		return store, func() {}, nil
	}
	return nil, nil, errors.New("no state store configured: set -db, -redis, or -dir")
}

func commandContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}

func consoleLogger() zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()
}

func runList(cfg storeConfig) error {
	store, cleanup, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, cancel := commandContext()
	defer cancel()

	records, err := store.GetInFlight(ctx)
	if err != nil {
		return err
	}
	printRecords(records)
	return nil
}

func runShow(cfg storeConfig, args []string) error {
	if len(args) == 0 {
		return errors.New("show needs a correlation id")
	}
	store, cleanup, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, cancel := commandContext()
	defer cancel()

	rec, err := store.GetState(ctx, args[0])
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func runStale(cfg storeConfig, args []string) error {
	fs := flag.NewFlagSet("stale", flag.ExitOnError)
	threshold := fs.Duration("threshold", 5*time.Minute, "staleness threshold")
	fs.Parse(args)

	store, cleanup, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, cancel := commandContext()
	defer cancel()

	records, err := store.GetStale(ctx, time.Now().Add(-*threshold))
	if err != nil {
		return err
	}
	printRecords(records)
	return nil
}

func runRecover(cfg storeConfig, args []string) error {
	fs := flag.NewFlagSet("recover", flag.ExitOnError)
	threshold := fs.Duration("threshold", 5*time.Minute, "staleness threshold")
	fs.Parse(args)

	store, cleanup, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, cancel := commandContext()
	defer cancel()

	recovery := saga.NewRecoveryService(store, nil, consoleLogger())
	recovered, err := recovery.RecoverStale(ctx, *threshold)
	if err != nil {
		return err
	}
	fmt.Printf("recovered %d stale sagas\n", recovered)
	return nil
}

func runCleanup(cfg storeConfig, args []string) error {
	fs := flag.NewFlagSet("cleanup", flag.ExitOnError)
	olderThan := fs.Duration("older-than", 24*time.Hour, "retention window for terminal states")
	fs.Parse(args)

	store, cleanup, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, cancel := commandContext()
	defer cancel()

	recovery := saga.NewRecoveryService(store, nil, consoleLogger())
	removed, err := recovery.Cleanup(ctx, *olderThan)
	if err != nil {
		return err
	}
	fmt.Printf("removed %d saga states\n", removed)
	return nil
}

func runSweep(cfg storeConfig, args []string) error {
	fs := flag.NewFlagSet("sweep", flag.ExitOnError)
	schedule := fs.String("schedule", "* * * * *", "cron schedule for sweeps")
	threshold := fs.Duration("threshold", 5*time.Minute, "staleness threshold")
	retention := fs.Duration("retention", 24*time.Hour, "retention window for terminal states")
	fs.Parse(args)

	store, cleanup, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	log := consoleLogger()
	recovery := saga.NewRecoveryService(store, nil, log)
	sweeper, err := saga.NewSweeper(recovery, *schedule, *threshold, *retention, log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sweeper.Run(ctx)
	return nil
}

func runHealth(cfg storeConfig) error {
	store, cleanup, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, cancel := commandContext()
	defer cancel()

	if !store.IsHealthy(ctx) {
		return errors.New("state store unhealthy")
	}
	fmt.Println("ok")
	return nil
}

func printRecords(records []*saga.StateRecord) {
	if len(records) == 0 {
		fmt.Println("no sagas found")
		return
	}
	fmt.Printf("%-38s %-24s %-12s %-21s %s\n", "CORRELATION ID", "SAGA", "STATUS", "STARTED", "AGE")
	for _, rec := range records {
		fmt.Printf("%-38s %-24s %-12s %-21s %s\n",
			rec.CorrelationID,
			rec.SagaName,
			rec.Status,
			rec.StartedAt.Format("2006-01-02 15:04:05"),
			time.Since(rec.StartedAt).Round(time.Second))
	}
}

func printUsage() {
	fmt.Fprint(os.Stderr, `saga-admin inspects and maintains persisted saga state.

Usage:
  saga-admin [store flags] <command> [command flags]

Store flags:
  -db      PostgreSQL connection string  (env SAGA_DB_URL)
  -redis   Redis address host:port       (env SAGA_REDIS_ADDR)
  -dir     file store directory          (env SAGA_STATE_DIR)
  -table   PostgreSQL table name         (env SAGA_TABLE)

Commands:
  list                      list in-flight sagas
  show <correlation-id>     print one saga state as JSON
  stale   [-threshold 5m]   list in-flight sagas older than the threshold
  recover [-threshold 5m]   mark stale in-flight sagas as failed
  cleanup [-older-than 24h] delete terminal states past the retention window
  sweep   [-schedule "* * * * *"] [-threshold 5m] [-retention 24h]
                            run recover and cleanup on a cron schedule
  health                    check that the store responds
  help                      show this help
`)
}
