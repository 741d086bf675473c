// Package supervisor fans out concurrent simulated users. Each worker runs
// one navigation engine with its own browser session; workers share only the
// ledger and the optional duration cache. A worker failure never cancels its
// siblings.
package supervisor

import (
	"context"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/feeddrift/feeddrift/internal/browser"
	"github.com/feeddrift/feeddrift/internal/cache"
	"github.com/feeddrift/feeddrift/internal/engine"
	"github.com/feeddrift/feeddrift/internal/events"
	"github.com/feeddrift/feeddrift/internal/extractor"
	"github.com/feeddrift/feeddrift/internal/metrics"
	"github.com/feeddrift/feeddrift/pkg/config"
	"github.com/feeddrift/feeddrift/pkg/models"
)

// Deps are the collaborators shared by, or constructed for, each worker.
type Deps struct {
	Ledger     engine.Ledger
	NewBrowser browser.Factory
	Extractor  extractor.Extractor
	Chooser    engine.Chooser
	Filter     engine.RelevanceFilter
	Durations  *cache.DurationCache
	Events     *events.Publisher
	Metrics    *metrics.Metrics

	// Seed fixes the workers' random sources; zero seeds from the clock.
	Seed int64
}

// Aggregate is the collected result of one run.
type Aggregate struct {
	Outcomes []models.SessionOutcome
}

// Success reports whether every worker completed its session.
func (a Aggregate) Success() bool {
	if len(a.Outcomes) == 0 {
		return false
	}
	for _, o := range a.Outcomes {
		if o.Err != nil || o.Status != models.SessionCompleted {
			return false
		}
	}
	return true
}

// RunAll runs concurrent_users engine instances and waits for all of them.
func RunAll(ctx context.Context, cfg *config.Config, deps Deps) Aggregate {
	workers := cfg.Experiment.ConcurrentUsers
	if workers < 1 {
		workers = 1
	}
	log.Printf("[Supervisor] Starting %d workers", workers)

	seed := deps.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	outcomes := make(chan models.SessionOutcome, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			outcomes <- runWorker(ctx, workerID, cfg, deps, seed+int64(workerID))
		}(i + 1)
	}
	wg.Wait()
	close(outcomes)

	var agg Aggregate
	for o := range outcomes {
		agg.Outcomes = append(agg.Outcomes, o)
	}

	completed := 0
	for _, o := range agg.Outcomes {
		if o.Err == nil && o.Status == models.SessionCompleted {
			completed++
		}
	}
	log.Printf("[Supervisor] All workers finished: %d/%d completed", completed, workers)
	return agg
}

func runWorker(ctx context.Context, workerID int, cfg *config.Config, deps Deps, seed int64) models.SessionOutcome {
	b, err := deps.NewBrowser(ctx)
	if err != nil {
		log.Printf("[Supervisor] Worker %d could not start a browser: %v", workerID, err)
		return models.SessionOutcome{WorkerID: workerID, Status: models.SessionFailed, Err: err}
	}
	defer func() {
		if err := b.Close(ctx); err != nil {
			log.Printf("[Supervisor] Worker %d browser close failed: %v", workerID, err)
		}
	}()

	e := &engine.Engine{
		WorkerID:  workerID,
		Config:    cfg,
		Ledger:    deps.Ledger,
		Browser:   b,
		Extractor: deps.Extractor,
		Chooser:   deps.Chooser,
		Filter:    deps.Filter,
		Durations: deps.Durations,
		Metrics:   deps.Metrics,
		RNG:       rand.New(rand.NewSource(seed)),
		OnSessionCreated: func(sessionID int64) {
			deps.Events.SessionStarted(ctx, workerID, sessionID)
		},
	}

	outcome := e.Run(ctx)
	if outcome.Err != nil {
		deps.Events.SessionFailed(ctx, workerID, outcome.SessionID, outcome.Err)
	} else {
		deps.Events.SessionCompleted(ctx, workerID, outcome.SessionID, outcome.Steps)
	}
	return outcome
}
