package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/adserving/budget-pacer/pacer"
	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	log "github.com/sirupsen/logrus"
)

func main() {
	os.Exit(run())
}

// run wires the process together. Exit codes: 0 clean shutdown, 1 fatal
// configuration problem, 2 persistence cache unreachable at startup.
func run() int {
	godotenv.Load()

	log.SetFormatter(&log.JSONFormatter{})

	cfg, err := pacer.LoadConfig()
	if err != nil {
		log.WithError(err).Error("Invalid configuration")
		return 1
	}
	if level, err := log.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	err = rdb.Ping(pingCtx).Err()
	cancelPing()
	if err != nil {
		log.WithError(err).Error("Failed to reach budget cache at startup")
		return 2
	}

	var db *sql.DB
	if cfg.DatabaseURL != "" {
		db, err = sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			log.WithError(err).Error("Invalid DATABASE_URL")
			return 1
		}
		defer db.Close()
		// The catalog loads lazily and retries, so an unreachable database
		// at startup only delays campaign resolution.
		if err := db.Ping(); err != nil {
			log.WithError(err).Warn("Campaign database unreachable at startup, continuing")
		}
	}

	var catalog pacer.Catalog
	switch {
	case cfg.CatalogURL != "":
		catalog = pacer.NewHTTPCatalog(cfg.CatalogURL, cfg.Location())
	case db != nil:
		catalog = pacer.NewPostgresCatalog(db, cfg.Location())
	default:
		log.Error("No campaign catalog configured, set CATALOG_URL or DATABASE_URL")
		return 1
	}

	var opts []pacer.Option
	if db != nil {
		opts = append(opts, pacer.WithSpendLog(pacer.NewSpendLog(db)))
	}

	engine := pacer.NewEngine(cfg, rdb, catalog, opts...)

	startCtx, cancelStart := context.WithTimeout(context.Background(), 30*time.Second)
	engine.Start(startCtx)
	cancelStart()

	server := NewServer(engine, cfg)
	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      server.Router(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("Starting pacer service on port %s", cfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		log.WithError(err).Error("HTTP server failed")
		return 1
	case sig := <-stop:
		log.WithField("signal", sig.String()).Info("Shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("HTTP shutdown did not finish cleanly")
	}
	if err := engine.Close(shutdownCtx); err != nil {
		log.WithError(err).Warn("Engine close did not finish cleanly")
	}
	rdb.Close()
	return 0
}
