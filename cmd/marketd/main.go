package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/mslater/campus-market/internal/api"
	"github.com/mslater/campus-market/internal/config"
	"github.com/mslater/campus-market/internal/database"
	"github.com/mslater/campus-market/internal/hub"
	"github.com/mslater/campus-market/internal/stats"
)

const defaultSigningKey = "c2t5bGluZS1kZXYtb25seS1zaWduaW5nLWtleQ=="

type stringSliceFlag []string

func (s *stringSliceFlag) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSliceFlag) Set(value string) error {
	*s = append(*s, strings.Split(value, ",")...)
	return nil
}

var (
	addr           string
	dsn            string
	signingKey     string
	migrationsDir  string
	allowedOrigins stringSliceFlag
)

func main() {
	flag.StringVar(&addr, "addr", "localhost:8000", "server address")
	flag.StringVar(&dsn, "dsn", "host=localhost user=postgres password=postgres dbname=postgres sslmode=disable", "database connection string")
	flag.StringVar(&signingKey, "signing-key", defaultSigningKey, "base64 encoded signing key")
	flag.StringVar(&migrationsDir, "migrations", "migrations", "path to schema migrations")
	flag.Var(&allowedOrigins, "allowed-origins", "comma-separated list of allowed origins for CORS")
	flag.Parse()

	logger := log.New(os.Stderr, "[marketd] ", log.LstdFlags)

	cfg, err := config.NewConfig(addr, dsn, signingKey, migrationsDir, allowedOrigins)
	if err != nil {
		logger.Fatal("config:", err)
	}

	repo, err := database.NewPgMarketRepository(cfg.DatabaseDSN)
	if err != nil {
		logger.Fatal("db open:", err)
	}
	defer func() {
		if err := repo.Close(); err != nil {
			logger.Fatal("db close:", err)
		}
	}()

	if err := repo.Migrate(cfg.MigrationsDir); err != nil {
		logger.Fatal("migrate:", err)
	}

	mux := http.NewServeMux()

	statsUpdater := stats.NewStatsUpdater(mux)

	eventHub := hub.NewHub(logger, statsUpdater)

	srv := api.NewMarketApp(logger, eventHub, repo, cfg)

	statsUpdater.Run()
	defer statsUpdater.Stop()

	go eventHub.Run()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Printf("received signal: %s\n", sig)
	case err := <-errCh:
		logger.Println("server:", err)
	}

	shutDownCtx, cancel := context.WithTimeout(
		context.Background(),
		10*time.Second,
	)
	defer cancel()

	if err := srv.Shutdown(shutDownCtx); err != nil {
		logger.Fatalln("HTTP server shutdown:", err)
	}

	logger.Println("shutting down event hub...")
	eventHub.Shutdown()

	logger.Println("shutdown complete")
}
