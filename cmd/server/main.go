/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the reading-tree server. Handles configuration,
  dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (.env in development, env in production)
  2. Initialize the store: PostgreSQL when DATABASE_URL is set,
     SQLite otherwise
  3. Wire the reward engine and submission service
  4. Configure HTTP router
  5. Start server with graceful shutdown

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Close database connection
  4. Exit

COMMAND-LINE FLAGS:
  -seed    Load a demo classroom (class, teacher, two students, a
           pending record) into an empty store. Development only.

ENVIRONMENT:
  PORT, DATABASE_URL, SQLITE_PATH, LIBRARY_API_KEY, LOG_LEVEL,
  ENVIRONMENT, ALLOWED_ORIGINS. See config/config.go.

SEE ALSO:
  - api/server.go: Router configuration
  - config/config.go: Configuration loading
*/
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sprout/reading-tree/api"
	"github.com/sprout/reading-tree/catalog"
	"github.com/sprout/reading-tree/classtree"
	"github.com/sprout/reading-tree/config"
	"github.com/sprout/reading-tree/logger"
	"github.com/sprout/reading-tree/readinglog"
	"github.com/sprout/reading-tree/rewards"
	"github.com/sprout/reading-tree/store/postgres"
	"github.com/sprout/reading-tree/store/sqlite"
)

func main() {
	seed := flag.Bool("seed", false, "load a demo classroom into an empty store")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logger.New("info", false).WithError(err).Fatal("invalid configuration")
	}

	log := logger.New(cfg.LogLevel, cfg.IsProduction())

	var store readinglog.TxStore
	if cfg.DatabaseURL != "" {
		pg, err := postgres.New(cfg.DatabaseURL)
		if err != nil {
			log.WithError(err).Fatal("failed to initialize postgres store")
		}
		defer pg.Close()
		store = pg
		log.Info("using postgres store")
	} else {
		lite, err := sqlite.New(cfg.SQLitePath)
		if err != nil {
			log.WithError(err).Fatal("failed to initialize sqlite store")
		}
		defer lite.Close()
		store = lite
		log.WithField("path", cfg.SQLitePath).Info("using sqlite store")
	}

	if *seed {
		if err := seedDemo(context.Background(), store); err != nil {
			log.WithError(err).Fatal("failed to seed demo data")
		}
		log.Info("demo classroom seeded")
	}

	engine := readinglog.NewEngine(store, rewards.Standard{}, classtree.Crossing{}, log)
	submissions := readinglog.NewSubmissionService(store)
	books := catalog.NewClient(cfg.LibraryAPIKey, log)

	handler := api.NewHandler(submissions, engine, store, books, log)
	router := api.NewRouter(handler, cfg.AllowedOrigins)

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.WithField("port", cfg.Port).Info("server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.WithError(err).Fatal("server forced to shutdown")
	}

	log.Info("server stopped")
}

// seedDemo loads a small classroom for local development: one class,
// one teacher, two students and a pending record waiting for review.
// Running it twice against the same store is a no-op.
func seedDemo(ctx context.Context, store readinglog.TxStore) error {
	now := time.Now().UTC()

	return store.WithTx(ctx, func(tx readinglog.Store) error {
		tree := classtree.New("demo-class", "Room 3-2", classtree.DefaultLevelUpTarget, now)
		if err := tx.CreateClass(ctx, tree); err != nil {
			if errors.Is(err, readinglog.ErrClassExists) {
				return nil // already seeded
			}
			return err
		}

		profiles := []readinglog.Profile{
			{UserID: "demo-teacher", Nickname: "Ms. Han", Role: readinglog.RoleTeacher},
			{UserID: "demo-student-1", Nickname: "Jiwoo", Role: readinglog.RoleStudent},
			{UserID: "demo-student-2", Nickname: "Minseo", Role: readinglog.RoleStudent},
		}
		for i := range profiles {
			profiles[i].Gold = decimal.Zero
			profiles[i].Level = 1
			profiles[i].CreatedAt = now
			if err := tx.CreateProfile(ctx, &profiles[i]); err != nil {
				return err
			}
			if err := tx.Enroll(ctx, tree.ClassID, profiles[i].UserID, profiles[i].Role); err != nil {
				return err
			}
		}

		_, err := tx.CreateRecord(ctx, &readinglog.Record{
			UserID: "demo-student-1",
			Book: readinglog.Book{
				Title:  "Charlotte's Web",
				Author: "E. B. White",
			},
			Reflection: "Wilbur and Charlotte taught me what real friendship costs.",
			Rating:     5,
			Status:     readinglog.StatusPending,
			CreatedAt:  now,
			UpdatedAt:  now,
		})
		return err
	})
}
