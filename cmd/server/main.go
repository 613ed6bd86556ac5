// Command server runs the HTTP surface of the dispatch engine: the
// subscribe workflow, mailing list queries, and the guard-protected
// unsubscribe and hosted email views. The pending queue is drained by the
// sendbatch command (or the embedded ticker when batch.interval_seconds is
// set).
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/dispatch-engine/internal/config"
	"github.com/ignite/dispatch-engine/internal/dispatch"
	"github.com/ignite/dispatch-engine/internal/newsletters"
	"github.com/ignite/dispatch-engine/internal/pkg/batchlock"
	"github.com/ignite/dispatch-engine/internal/subscribers"
	"github.com/ignite/dispatch-engine/internal/templates"
	"github.com/ignite/dispatch-engine/internal/transport"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to config.yaml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	err = db.PingContext(ctx)
	cancel()
	if err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}
	log.Println("Connected to database")

	// Registry with the built-in newsletter type. Additional sendable
	// types register here at startup.
	reg, err := dispatch.NewRegistry(dispatch.DefaultSlug, dispatch.NewStore(db))
	if err != nil {
		log.Fatalf("Failed to create registry: %v", err)
	}
	defer reg.Release()

	engine := templates.NewEngine()
	links := &dispatch.LinkBuilder{BaseURL: cfg.Site.BaseURL, Secret: cfg.Site.SecretKey}
	issueStore := newsletters.NewStore(db)
	if err := newsletters.Register(reg, issueStore, engine, links, cfg.Mail.From); err != nil {
		log.Fatalf("Failed to register newsletter type: %v", err)
	}

	subStore := subscribers.NewStore(db)
	guard := dispatch.NewGuard(reg, subStore, cfg.Site.SecretKey)

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})
	r.Route("/subscribers", func(r chi.Router) {
		subscribers.NewHandlers(subStore).RegisterRoutes(r)
		dispatch.NewHandlers(guard, reg, subStore).RegisterRoutes(r)
	})

	// Optional background batch ticker. Set batch.interval_seconds to 0
	// when the queue is drained from cron via sendbatch.
	stopWorker := func() {}
	if cfg.Batch.IntervalSeconds > 0 {
		tr, err := buildTransport(cfg)
		if err != nil {
			log.Fatalf("Failed to build transport: %v", err)
		}
		sender := dispatch.NewSender(reg, tr)

		var redisClient *redis.Client
		if cfg.Redis.Addr != "" {
			redisClient = redis.NewClient(&redis.Options{
				Addr:     cfg.Redis.Addr,
				Password: cfg.Redis.Password,
				DB:       cfg.Redis.DB,
			})
			defer redisClient.Close()
		}
		ttl := time.Duration(cfg.Batch.LockTTLSeconds) * time.Second
		sender.SetLock(batchlock.ForRegistry(redisClient, db, reg.Slug(), ttl))

		stopWorker = startBatchWorker(sender, cfg.Batch)
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{Addr: addr, Handler: r}

	go func() {
		log.Printf("Server listening on %s", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	<-done

	log.Println("Shutting down...")
	stopWorker()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
}

// startBatchWorker drains a batch on every tick. Returns a stop function.
func startBatchWorker(sender *dispatch.Sender, batchCfg config.BatchConfig) func() {
	ticker := time.NewTicker(time.Duration(batchCfg.IntervalSeconds) * time.Second)
	stopCh := make(chan struct{})
	doneCh := make(chan struct{})

	go func() {
		defer close(doneCh)
		for {
			select {
			case <-stopCh:
				return
			case <-ticker.C:
				processed, err := sender.SendBatchWithQuota(context.Background(), batchCfg.Size, batchCfg.DailyLimit)
				if err != nil {
					log.Printf("Batch error: %v", err)
					continue
				}
				if len(processed) > 0 {
					log.Printf("Processed %d emails", len(processed))
				}
			}
		}
	}()

	return func() {
		ticker.Stop()
		close(stopCh)
		<-doneCh
	}
}

func buildTransport(cfg *config.Config) (transport.Transport, error) {
	switch cfg.Mail.Transport {
	case "smtp":
		tr := transport.NewSMTPTransport(cfg.Mail.SMTP.Host, cfg.Mail.SMTP.Port,
			cfg.Mail.From, cfg.Mail.SMTP.Username, cfg.Mail.SMTP.Password)
		if cfg.Mail.SMTP.TLSMode != "" {
			tr.TLSMode = cfg.Mail.SMTP.TLSMode
		}
		return tr, nil
	case "ses":
		return transport.NewSESTransport(context.Background(),
			cfg.Mail.SES.AccessKey, cfg.Mail.SES.SecretKey, cfg.Mail.SES.Region, cfg.Mail.From)
	case "memory":
		return transport.NewMemoryTransport(), nil
	}
	return nil, fmt.Errorf("unknown mail transport %q", cfg.Mail.Transport)
}
