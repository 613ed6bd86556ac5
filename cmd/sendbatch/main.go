// Command sendbatch drains one batch of pending dispatch records. Intended
// for inclusion in a crontab.
//
// Usage:
//
//	sendbatch [flags] [batch_size]
//
// With no batch_size the whole pending queue is processed. The --daily-limit
// flag caps total sends per calendar day; records already sent today count
// against it.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/dispatch-engine/internal/config"
	"github.com/ignite/dispatch-engine/internal/dispatch"
	"github.com/ignite/dispatch-engine/internal/newsletters"
	"github.com/ignite/dispatch-engine/internal/pkg/batchlock"
	"github.com/ignite/dispatch-engine/internal/templates"
	"github.com/ignite/dispatch-engine/internal/transport"
)

func main() {
	fs := flag.NewFlagSet("sendbatch", flag.ExitOnError)
	configPath := fs.String("config", os.Getenv("CONFIG_PATH"), "path to config.yaml")
	dailyLimit := fs.Int("daily-limit", 0, "cap total sends per calendar day (0 = no cap)")
	verbosity := fs.Int("v", 1, "verbosity: 0 silent, 1 summary, 2 status counts, 3 per-record lines")
	fs.Parse(os.Args[1:])

	batchSize := 0
	switch fs.NArg() {
	case 0:
	case 1:
		n, err := strconv.Atoi(fs.Arg(0))
		if err != nil || n <= 0 {
			usageError("batch_size must be a positive integer")
		}
		batchSize = n
	default:
		usageError("this command accepts zero or one arguments")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal("load config: %v", err)
	}
	if *dailyLimit == 0 {
		*dailyLimit = cfg.Batch.DailyLimit
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		fatal("open database: %v", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	err = db.PingContext(ctx)
	cancel()
	if err != nil {
		fatal("ping database: %v", err)
	}

	sender, reg, err := buildSender(cfg, db)
	if err != nil {
		fatal("%v", err)
	}
	defer reg.Release()

	if *verbosity >= 1 {
		fmt.Printf("%s sending email batch...\n", time.Now().Format("2006-01-02 15:04:05"))
	}

	processed, err := sender.SendBatchWithQuota(context.Background(), batchSize, *dailyLimit)
	if err != nil {
		fatal("send batch: %v", err)
	}

	report(processed, *verbosity)
}

// buildSender wires the registry, transport and lock from configuration.
func buildSender(cfg *config.Config, db *sql.DB) (*dispatch.Sender, *dispatch.Registry, error) {
	reg, err := dispatch.NewRegistry(dispatch.DefaultSlug, dispatch.NewStore(db))
	if err != nil {
		return nil, nil, err
	}

	engine := templates.NewEngine()
	links := &dispatch.LinkBuilder{BaseURL: cfg.Site.BaseURL, Secret: cfg.Site.SecretKey}
	if err := newsletters.Register(reg, newsletters.NewStore(db), engine, links, cfg.Mail.From); err != nil {
		reg.Release()
		return nil, nil, err
	}

	tr, err := buildTransport(cfg)
	if err != nil {
		reg.Release()
		return nil, nil, err
	}

	sender := dispatch.NewSender(reg, tr)

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}
	ttl := time.Duration(cfg.Batch.LockTTLSeconds) * time.Second
	sender.SetLock(batchlock.ForRegistry(redisClient, db, reg.Slug(), ttl))

	return sender, reg, nil
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

func report(processed []*dispatch.DispatchedEmail, verbosity int) {
	counts := map[dispatch.Status]int{}
	for _, rec := range processed {
		counts[rec.Status]++
		if verbosity >= 3 {
			fmt.Printf("  %s %s #%s - %s\n",
				rec.Subscriber, rec.Object.TypeTag, rec.Object.Key, rec.Status)
		}
	}
	if verbosity >= 1 {
		fmt.Printf("Processed %d emails\n", len(processed))
	}
	if verbosity >= 2 {
		fmt.Printf("  %d successful\n", counts[dispatch.StatusSent])
		fmt.Printf("  %d cancelled\n", counts[dispatch.StatusCancelled])
		fmt.Printf("  %d unsubscribed\n", counts[dispatch.StatusUnsubscribed])
		fmt.Printf("  %d error\n", counts[dispatch.StatusError])
	}
}

func usageError(msg string) {
	fmt.Fprintf(os.Stderr, "usage: sendbatch [flags] [batch_size]\n%s\n", msg)
	os.Exit(2)
}

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "sendbatch: "+format+"\n", args...)
	os.Exit(1)
}
