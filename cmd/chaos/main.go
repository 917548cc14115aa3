// cmd/chaos/main.go
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"libraryloans/internal/borrowing"
	"libraryloans/internal/catalog"
	"libraryloans/internal/chaos"
	"libraryloans/internal/clients"
	"libraryloans/internal/config"
	"libraryloans/internal/eventstore"
	"libraryloans/internal/telemetry"
)

func main() {
	local := flag.Bool("local", false, "run against an in-memory service instead of a live deployment")
	duration := flag.Duration("duration", 10*time.Second, "observation window per experiment")
	pause := flag.Duration("pause", 5*time.Second, "wait between experiments")
	flag.Parse()

	cfg := config.Load()
	gw := config.LoadGateway()
	logger := telemetry.NewLogger(os.Stdout, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var target chaos.Target
	if *local {
		target = localTarget()
	} else {
		t, closeDB, err := liveTarget(ctx, cfg, gw.BorrowingServiceURL)
		if err != nil {
			logger.Error("cannot reach the lending system", "error", err)
			os.Exit(1)
		}
		defer closeDB()
		target = t
	}

	engine := chaos.NewEngine(logger)
	engine.RegisterExperiments(target, *duration)

	failures, err := engine.ExecuteGameDay(ctx, chaos.GameDay{
		Name:      "Borrowing consistency game day",
		Date:      time.Now(),
		Scenarios: engine.Experiments(),
		Pause:     *pause,
	})
	if err != nil {
		logger.Error("game day interrupted", "error", err)
		os.Exit(1)
	}
	if failures > 0 {
		logger.Error("game day finished with failures", "failures", failures)
		os.Exit(1)
	}
}

func localTarget() chaos.Target {
	books := catalog.NewMemoryService()
	store := borrowing.NewMemoryStore(books)
	return &chaos.ServiceTarget{
		Books:    books,
		Borrow:   borrowing.NewService(store, books),
		Store:    store,
		Approver: uuid.New(),
	}
}

// liveTarget logs in as the bootstrap administrator and reads the
// overcommitment count from the service database.
func liveTarget(ctx context.Context, cfg config.Config, serviceURL string) (chaos.Target, func(), error) {
	db, err := sqlx.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, nil, err
	}
	store := borrowing.NewPostgresStore(db, eventstore.NewEventStore(db))

	anon := clients.NewClient(serviceURL)
	session, err := anon.Login(ctx, cfg.AdminEmail, cfg.AdminPassword)
	if err != nil {
		db.Close()
		return nil, nil, err
	}

	return &chaos.HTTPTarget{
		Admin:         anon.WithToken(session.Token),
		Anon:          anon,
		Overcommitted: store.OvercommittedBooks,
	}, func() { db.Close() }, nil
}
