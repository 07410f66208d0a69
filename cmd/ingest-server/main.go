// Package main implements the ingest HTTP server: callback receiver,
// manual run triggers, reconciliation loops, and history queries.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/chronicle/ingest-core/internal/audit"
	"github.com/chronicle/ingest-core/internal/config"
	"github.com/chronicle/ingest-core/internal/gateway"
	"github.com/chronicle/ingest-core/internal/history"
	"github.com/chronicle/ingest-core/internal/landing"
	"github.com/chronicle/ingest-core/internal/pipeline"
	"github.com/chronicle/ingest-core/internal/puller"
	"github.com/chronicle/ingest-core/internal/receiver"
	"github.com/chronicle/ingest-core/internal/reconcile"
	"github.com/chronicle/ingest-core/internal/source"
	// Register adapter templates.
	_ "github.com/chronicle/ingest-core/internal/source/rest"
	"github.com/chronicle/ingest-core/internal/watermark"
)

func main() {
	cfg := config.LoadServerConfig()

	catalog := source.NewCatalog()
	if cfg.CatalogPath != "" {
		loaded, err := source.LoadCatalog(cfg.CatalogPath)
		if err != nil {
			log.Fatalf("load catalog %s: %v", cfg.CatalogPath, err)
		}
		catalog = loaded
	}

	var (
		hist    history.Store
		marks   watermark.Store
		tickets reconcile.TicketStore
		auditor audit.Log
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("pgx", cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("open database: %v", err)
		}
		defer db.Close()
		if hist, err = history.NewPostgresStoreWithDB(db); err != nil {
			log.Fatalf("history store: %v", err)
		}
		if marks, err = watermark.NewPostgresStoreWithDB(db); err != nil {
			log.Fatalf("watermark store: %v", err)
		}
		if tickets, err = reconcile.NewPostgresTicketStoreWithDB(db); err != nil {
			log.Fatalf("ticket store: %v", err)
		}
		if auditor, err = audit.NewPostgresLogWithDB(db); err != nil {
			log.Fatalf("audit log: %v", err)
		}
	} else {
		log.Printf("no database configured, using in-memory stores")
		hist = history.NewMemoryStore()
		marks = watermark.NewMemoryStore()
		tickets = reconcile.NewMemoryTicketStore()
		auditor = audit.NewMemoryLog()
	}

	land, err := landing.NewStoreFromEnv(cfg.LandingBucket, cfg.LandingPrefix)
	if err != nil {
		log.Fatalf("landing store: %v", err)
	}

	committer := pipeline.NewCommitter(hist, land, auditor, cfg.CommitQueue)
	committer.Start(cfg.CommitWorkers)

	pull := puller.New(catalog, source.DefaultRegistry(), marks, committer, auditor, puller.Options{})
	engine := reconcile.NewEngine(tickets, hist, pull, pull, auditor, cfg.BackfillQueue)
	engine.MaxEscalations = cfg.MaxEscalations
	engine.SweepGrace = cfg.SweepGrace

	recv := receiver.New(catalog, pull, committer, tickets, engine, auditor)
	recv.TicketDeadline = cfg.TicketDeadline

	ctx, cancel := context.WithCancel(context.Background())
	engine.Start(ctx, cfg.BackfillWorkers)
	go engine.Run(ctx, catalog, cfg.EscalateInterval, cfg.SweepInterval, cfg.SweepWindow)

	srv := gateway.New(catalog, pull, recv, tickets, hist, auditor, engine)
	httpServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: srv.Handler(),
	}

	go func() {
		log.Printf("ingest server listening on %s", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("serve: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Printf("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}

	cancel()
	engine.Wait()
	committer.Stop()
	pull.Close()
	if err := tickets.Close(); err != nil {
		log.Printf("close tickets: %v", err)
	}
	if err := auditor.Close(); err != nil {
		log.Printf("close audit: %v", err)
	}
	if err := marks.Close(); err != nil {
		log.Printf("close watermarks: %v", err)
	}
	if err := hist.Close(); err != nil {
		log.Printf("close history: %v", err)
	}
}
