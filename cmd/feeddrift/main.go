package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/feeddrift/feeddrift/internal/browser"
	"github.com/feeddrift/feeddrift/internal/cache"
	"github.com/feeddrift/feeddrift/internal/database"
	"github.com/feeddrift/feeddrift/internal/engine"
	"github.com/feeddrift/feeddrift/internal/events"
	"github.com/feeddrift/feeddrift/internal/extractor"
	"github.com/feeddrift/feeddrift/internal/filter"
	"github.com/feeddrift/feeddrift/internal/llm"
	"github.com/feeddrift/feeddrift/internal/metrics"
	"github.com/feeddrift/feeddrift/internal/supervisor"
	"github.com/feeddrift/feeddrift/pkg/config"
)

const version = "1.0.0"

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("feeddrift v%s\n", version)
		return
	}

	cfg, err := config.LoadFromFile(*configPath)
	if err != nil {
		log.Fatalf("failed to load config from %s: %v", *configPath, err)
	}
	if issues := cfg.Validate(); len(issues) > 0 {
		for _, issue := range issues {
			log.Printf("config: %s", issue)
		}
		log.Fatalf("configuration is not usable (%d issues)", len(issues))
	}

	if cfg.Database.Type == "postgres" && config.DSNNeedsPassword(cfg.Database.DSN) {
		password, err := config.GetDatabasePassword()
		if err != nil {
			log.Fatalf("failed to read database password: %v", err)
		}
		dsn, err := config.DSNWithPassword(cfg.Database.DSN, password)
		if err != nil {
			log.Fatalf("failed to apply database password: %v", err)
		}
		cfg.Database.DSN = dsn
	}

	ctx := context.Background()

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
		metrics.Serve(cfg.Metrics.ListenAddr)
	}

	ledger, err := database.Open(cfg.Database.Type, cfg.Database.Path, cfg.Database.DSN)
	if err != nil {
		log.Fatalf("failed to open session ledger: %v", err)
	}
	defer ledger.Close()

	var durations *cache.DurationCache
	if cfg.Cache.Enabled {
		durations, err = cache.New(ctx, cfg.Cache.RedisURL, cfg.Cache.TTL, m)
		if err != nil {
			log.Fatalf("failed to connect duration cache: %v", err)
		}
		defer durations.Close()
	}

	var publisher *events.Publisher
	if cfg.Events.Enabled {
		publisher, err = events.New(cfg.Events.URL, cfg.Events.Subject)
		if err != nil {
			log.Fatalf("failed to connect event publisher: %v", err)
		}
		defer publisher.Close()
	}

	services, err := llm.NewServices(cfg.LLM, m)
	if err != nil {
		log.Fatalf("failed to build model clients: %v", err)
	}

	var ex extractor.Extractor = extractor.Rules{}
	if cfg.Scraping.ParserMethod == "model" {
		ex = extractor.WithFallback(extractor.Model{Parser: services})
	}

	var relevance engine.RelevanceFilter
	if cfg.Scraping.PersonaFilterEnabled {
		relevance = filter.New(services, cfg.Scraping.PersonaFilterTranscriptSec)
	}

	newBrowser := func(ctx context.Context) (browser.Browser, error) {
		return browser.NewRemote(ctx, cfg.Scraping.BrowserHubURL, cfg.Scraping.SettleDelay)
	}

	log.Printf("feeddrift v%s starting: mode %s, %d workers", version, cfg.Experiment.Mode, cfg.Experiment.ConcurrentUsers)
	agg := supervisor.RunAll(ctx, cfg, supervisor.Deps{
		Ledger:     ledger,
		NewBrowser: newBrowser,
		Extractor:  ex,
		Chooser:    services,
		Filter:     relevance,
		Durations:  durations,
		Events:     publisher,
		Metrics:    m,
	})

	for _, o := range agg.Outcomes {
		if o.Err != nil {
			log.Printf("worker %d: session %d failed: %v", o.WorkerID, o.SessionID, o.Err)
		} else {
			log.Printf("worker %d: session %d %s after %d steps", o.WorkerID, o.SessionID, o.Status, o.Steps)
		}
	}
	if !agg.Success() {
		os.Exit(1)
	}
}
