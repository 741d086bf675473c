// Package engine implements the navigation engine: the two-phase state
// machine that walks a chain of video pages, captures every candidate
// recommendation, selects the next page, and persists the decision trail.
// One engine instance drives one simulated user.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"time"

	"github.com/feeddrift/feeddrift/internal/browser"
	"github.com/feeddrift/feeddrift/internal/cache"
	"github.com/feeddrift/feeddrift/internal/database"
	"github.com/feeddrift/feeddrift/internal/extractor"
	"github.com/feeddrift/feeddrift/internal/metrics"
	"github.com/feeddrift/feeddrift/internal/policy"
	"github.com/feeddrift/feeddrift/pkg/config"
	"github.com/feeddrift/feeddrift/pkg/models"
)

// ErrConfiguration marks errors that abort a run before any session row is
// written: unresolved context names, missing profiles, impossible modes.
var ErrConfiguration = errors.New("configuration error")

// Ledger is the persistence surface the engine writes through.
// *database.Ledger satisfies it.
type Ledger interface {
	CreateSession(experimentConfig interface{}) (int64, error)
	SetSessionStatus(sessionID int64, status string) error
	GetProfileDescription(profileID int64) (string, error)
	GetContextVideoIDs(contextName string) ([]string, error)
	PreRegisterContextVideos(videoIDs []string) error
	KnownDuration(videoID string) (int, bool, error)
	InsertStepRecommendations(sessionID int64, depth int, sourceVideoID string, recs models.RecommendationList, chosenID, justification string, isContext bool, profileID *int64, choiceMethod string) error
	InsertPersonaFilterLog(sessionID int64, videoID string, wasFiltered bool, justification, transcript string) error
}

// Chooser picks the next video on persona-governed steps.
type Chooser interface {
	ChooseVideo(ctx context.Context, personaDescription string, recs models.RecommendationList) (models.VideoChoice, error)
}

// RelevanceFilter decides whether the persona keeps watching the current
// video. Implementations fail open.
type RelevanceFilter interface {
	Check(ctx context.Context, b browser.Browser, personaDescription string) models.RelevanceVerdict
}

// Engine runs one experiment session.
type Engine struct {
	WorkerID  int
	Config    *config.Config
	Ledger    Ledger
	Browser   browser.Browser
	Extractor extractor.Extractor
	Chooser   Chooser
	Filter    RelevanceFilter
	Durations *cache.DurationCache
	Metrics   *metrics.Metrics
	RNG       *rand.Rand

	// OnSessionCreated, when set, is called once the session row exists.
	OnSessionCreated func(sessionID int64)
}

// Run executes the full session. The returned outcome always carries the
// session ID once one was created, even on failure.
func (e *Engine) Run(ctx context.Context) models.SessionOutcome {
	outcome := models.SessionOutcome{WorkerID: e.WorkerID}

	// Configuration problems abort before any session row exists.
	contextIDs, err := e.contextVideoIDs()
	if err != nil {
		outcome.Status = models.SessionFailed
		outcome.Err = err
		return outcome
	}

	personas, err := e.loadPersonas()
	if err != nil {
		outcome.Status = models.SessionFailed
		outcome.Err = err
		return outcome
	}

	sessionID, err := e.Ledger.CreateSession(e.Config)
	if err != nil {
		outcome.Status = models.SessionFailed
		outcome.Err = fmt.Errorf("failed to create session: %w", err)
		return outcome
	}
	outcome.SessionID = sessionID
	log.Printf("[Engine %d] Session %d started (mode %s)", e.WorkerID, sessionID, e.Config.Experiment.Mode)
	if e.OnSessionCreated != nil {
		e.OnSessionCreated(sessionID)
	}

	if err := e.Ledger.PreRegisterContextVideos(contextIDs); err != nil {
		return e.fail(outcome, fmt.Errorf("failed to pre-register context videos: %w", err))
	}

	// One settle delay before the first navigation, so newly registered
	// context videos can be enriched before their durations are read.
	if d := e.Config.Scraping.SettleDelay; d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return e.fail(outcome, ctx.Err())
		}
	}

	if err := e.warmUp(ctx); err != nil {
		return e.fail(outcome, err)
	}

	current, currentDuration, err := e.runContextPhase(ctx, sessionID, contextIDs)
	if err != nil {
		return e.fail(outcome, err)
	}

	if current == "" {
		log.Printf("[Engine %d] No starting video from context phase, finishing", e.WorkerID)
		return e.complete(outcome)
	}

	steps, err := e.runPersonaPhase(ctx, sessionID, personas, current, currentDuration, len(contextIDs))
	outcome.Steps = steps
	if err != nil {
		return e.fail(outcome, err)
	}
	return e.complete(outcome)
}

// contextVideoIDs resolves the priming walk from the configured name or the
// inline list. An unresolved name is a configuration error.
func (e *Engine) contextVideoIDs() ([]string, error) {
	exp := e.Config.Experiment
	if exp.ContextName != "" {
		ids, err := e.Ledger.GetContextVideoIDs(exp.ContextName)
		if err != nil {
			if errors.Is(err, database.ErrContextNotFound) {
				return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
			}
			return nil, fmt.Errorf("failed to resolve context %q: %w", exp.ContextName, err)
		}
		return ids, nil
	}
	return exp.ContextVideoIDs, nil
}

// loadPersonas fetches the descriptions of every persona the configured mode
// can reference. A missing profile is a configuration error.
func (e *Engine) loadPersonas() (map[int64]string, error) {
	personas := make(map[int64]string)
	for _, id := range e.Config.ProfileIDs() {
		description, err := e.Ledger.GetProfileDescription(id)
		if err != nil {
			if errors.Is(err, database.ErrProfileNotFound) {
				return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
			}
			return nil, fmt.Errorf("failed to load profile %d: %w", id, err)
		}
		personas[id] = description
	}
	if len(personas) > 0 {
		log.Printf("[Engine %d] Loaded %d personas", e.WorkerID, len(personas))
	}
	return personas, nil
}

// warmUp opens the home feed and clears the consent dialog before the walk.
func (e *Engine) warmUp(ctx context.Context) error {
	if err := e.Browser.NavigateHome(ctx); err != nil {
		return fmt.Errorf("failed to open home feed: %w", err)
	}
	if err := e.Browser.AcceptCookies(ctx); err != nil {
		log.Printf("[Engine %d] Cookie consent handling failed: %v", e.WorkerID, err)
	}
	return nil
}

// runContextPhase walks the priming videos in order. It returns the last
// context video and its duration, which seed the persona phase.
func (e *Engine) runContextPhase(ctx context.Context, sessionID int64, contextIDs []string) (string, int, error) {
	if len(contextIDs) == 0 {
		log.Printf("[Engine %d] No context phase configured", e.WorkerID)
		return "", 0, nil
	}
	log.Printf("[Engine %d] Starting context phase (%d videos)", e.WorkerID, len(contextIDs))

	var current string
	var currentDuration int
	for depth, videoID := range contextIDs {
		log.Printf("[Engine %d] Context step %d/%d: watching %s", e.WorkerID, depth+1, len(contextIDs), videoID)

		if err := e.Browser.NavigateVideo(ctx, videoID); err != nil {
			return "", 0, fmt.Errorf("failed to navigate to context video %s: %w", videoID, err)
		}

		currentDuration = e.knownDuration(ctx, videoID)
		if err := e.watch(ctx, currentDuration); err != nil {
			return "", 0, fmt.Errorf("failed to watch context video %s: %w", videoID, err)
		}

		recs, err := e.extractSidebar(ctx)
		if err != nil {
			return "", 0, err
		}
		recs.Tag(models.SourceContext)

		current = videoID
		if err := e.Ledger.InsertStepRecommendations(sessionID, depth, current, recs, "", "", true, nil, ""); err != nil {
			return "", 0, fmt.Errorf("failed to persist context step %d: %w", depth, err)
		}
	}

	return current, currentDuration, nil
}

// runPersonaPhase runs the experiment proper. It returns the number of
// completed steps; a soft stop (out of candidates, sentinel at the home
// feed) is not an error.
func (e *Engine) runPersonaPhase(ctx context.Context, sessionID int64, personas map[int64]string, current string, currentDuration, contextLen int) (int, error) {
	cfg := e.Config.Scraping
	log.Printf("[Engine %d] Starting persona phase (%d steps max)", e.WorkerID, cfg.MaxSteps)

	steps := 0
	for step := 0; step < cfg.MaxSteps; step++ {
		depth := contextLen + step
		res := policy.Resolve(e.Config.Experiment, step, e.RNG)

		personaDescription := ""
		if res.ProfileID != nil {
			personaDescription = personas[*res.ProfileID]
		}
		log.Printf("[Engine %d] Step %d/%d: from %s, method %s", e.WorkerID, step+1, cfg.MaxSteps, current, res.Method)

		source := current
		if err := e.Browser.NavigateVideo(ctx, current); err != nil {
			return steps, fmt.Errorf("failed to navigate to %s: %w", current, err)
		}

		watchSeconds := currentDuration
		if cfg.PersonaFilterEnabled && e.Filter != nil && res.Method == models.MethodPersona && personaDescription != "" {
			verdict := e.Filter.Check(ctx, e.Browser, personaDescription)
			e.Metrics.FilterVerdict(!verdict.IsRelevant)
			if err := e.Ledger.InsertPersonaFilterLog(sessionID, current, !verdict.IsRelevant, verdict.Justification, verdict.Transcript); err != nil {
				return steps, fmt.Errorf("failed to persist filter outcome: %w", err)
			}
			if !verdict.IsRelevant {
				log.Printf("[Engine %d] %s not relevant to persona, truncating watch to %ds", e.WorkerID, current, cfg.PersonaFilterSeconds)
				watchSeconds = min(currentDuration, cfg.PersonaFilterSeconds)
			}
		}
		if err := e.watch(ctx, watchSeconds); err != nil {
			return steps, fmt.Errorf("failed to watch %s: %w", current, err)
		}

		pool, err := e.extractSidebar(ctx)
		if err != nil {
			return steps, err
		}
		pool.Tag(models.SourceSidebar)

		chosenID, justification, err := e.selectNext(ctx, res, personaDescription, &pool)
		if err != nil {
			return steps, err
		}
		if chosenID == "" {
			// Out of candidates, or nothing interesting even on the home
			// feed. The walk ends here with the session completed.
			log.Printf("[Engine %d] No selectable video at step %d, ending phase", e.WorkerID, step+1)
			return steps, nil
		}

		next, nextDuration := "", 0
		if rec, ok := pool.FindByID(chosenID); ok {
			next = rec.VideoID
			nextDuration = rec.DurationSeconds()
		}

		if err := e.Ledger.InsertStepRecommendations(sessionID, depth, source, pool, chosenID, justification, false, res.ProfileID, res.Method); err != nil {
			return steps, fmt.Errorf("failed to persist step %d: %w", depth, err)
		}
		steps++
		e.Metrics.StepCompleted(res.Method)

		if next == "" {
			log.Printf("[Engine %d] Chosen video %s not found in candidate pool, ending phase", e.WorkerID, chosenID)
			return steps, nil
		}
		current, currentDuration = next, nextDuration
	}

	return steps, nil
}

// selectNext applies the step's choice method to the sidebar pool, falling
// back to the home feed when the persona finds nothing interesting. Home
// feed candidates are appended to the pool so the full decision context is
// logged. An empty chosen ID signals a soft stop.
func (e *Engine) selectNext(ctx context.Context, res policy.Resolution, personaDescription string, pool *models.RecommendationList) (string, string, error) {
	var chosenID, justification string

	switch res.Method {
	case models.MethodRandom:
		if len(pool.Recommendations) == 0 {
			log.Printf("[Engine %d] No candidates for random choice", e.WorkerID)
			return "", "", nil
		}
		pick := pool.Recommendations[e.RNG.Intn(len(pool.Recommendations))]
		chosenID, justification = pick.VideoID, "Random choice for baseline."

	case models.MethodPersona:
		if personaDescription == "" {
			return "", "", fmt.Errorf("%w: persona step without a persona description", ErrConfiguration)
		}
		if len(pool.Recommendations) == 0 {
			log.Printf("[Engine %d] No candidates for persona choice", e.WorkerID)
			return "", "", nil
		}
		choice, err := e.Chooser.ChooseVideo(ctx, personaDescription, *pool)
		if err != nil {
			return "", "", fmt.Errorf("failed to choose video: %w", err)
		}
		chosenID, justification = choice.VideoID, choice.Justification

	default:
		return "", "", fmt.Errorf("%w: unknown choice method %q", ErrConfiguration, res.Method)
	}

	if chosenID != models.NoInterestingVideo {
		return chosenID, justification, nil
	}

	// Sentinel: the viewer found nothing in the sidebar. Reload the home
	// feed and choose again, restricted to the home feed pool.
	log.Printf("[Engine %d] Nothing interesting in sidebar, falling back to home feed", e.WorkerID)
	e.Metrics.HomepageFallbackUsed()

	if err := e.Browser.NavigateHome(ctx); err != nil {
		return "", "", fmt.Errorf("failed to open home feed: %w", err)
	}
	fragments, err := e.Browser.HomeFeedFragments(ctx)
	if err != nil {
		return "", "", fmt.Errorf("failed to collect home feed: %w", err)
	}
	homePool, err := e.Extractor.Extract(ctx, fragments)
	if err != nil {
		return "", "", fmt.Errorf("failed to extract home feed: %w", err)
	}
	homePool.Tag(models.SourceHomepage)
	pool.Recommendations = append(pool.Recommendations, homePool.Recommendations...)

	if len(homePool.Recommendations) == 0 {
		log.Printf("[Engine %d] Home feed yielded no candidates", e.WorkerID)
		return "", "", nil
	}

	if res.Method == models.MethodRandom {
		pick := homePool.Recommendations[e.RNG.Intn(len(homePool.Recommendations))]
		return pick.VideoID, "Random choice from homepage for baseline.", nil
	}

	choice, err := e.Chooser.ChooseVideo(ctx, personaDescription, homePool)
	if err != nil {
		return "", "", fmt.Errorf("failed to choose video from home feed: %w", err)
	}
	if choice.VideoID == models.NoInterestingVideo {
		log.Printf("[Engine %d] Nothing interesting on the home feed either", e.WorkerID)
		return "", "", nil
	}
	return choice.VideoID, choice.Justification, nil
}

// extractSidebar collects and parses the current page's recommendation
// blocks.
func (e *Engine) extractSidebar(ctx context.Context) (models.RecommendationList, error) {
	fragments, err := e.Browser.RecommendationFragments(ctx)
	if err != nil {
		return models.RecommendationList{}, fmt.Errorf("failed to collect recommendations: %w", err)
	}
	recs, err := e.Extractor.Extract(ctx, fragments)
	if err != nil {
		return models.RecommendationList{}, fmt.Errorf("failed to extract recommendations: %w", err)
	}
	return recs, nil
}

// knownDuration looks up a video's duration through the shared cache, then
// the ledger. Zero means unknown; watch falls back to the global cap.
func (e *Engine) knownDuration(ctx context.Context, videoID string) int {
	if seconds, ok := e.Durations.Lookup(ctx, videoID); ok {
		return seconds
	}
	seconds, known, err := e.Ledger.KnownDuration(videoID)
	if err != nil {
		log.Printf("[Engine %d] Duration lookup failed for %s: %v", e.WorkerID, videoID, err)
		return 0
	}
	if !known {
		return 0
	}
	e.Durations.Store(ctx, videoID, seconds)
	return seconds
}

// watch plays the current video for its duration, bounded by the global
// maximum. Unknown durations watch up to the maximum.
func (e *Engine) watch(ctx context.Context, durationSeconds int) error {
	watchSeconds := e.Config.Scraping.MaxWatchSeconds
	if durationSeconds > 0 {
		watchSeconds = min(durationSeconds, watchSeconds)
	}
	return e.Browser.Watch(ctx, watchSeconds)
}

func (e *Engine) complete(outcome models.SessionOutcome) models.SessionOutcome {
	if err := e.Ledger.SetSessionStatus(outcome.SessionID, models.SessionCompleted); err != nil {
		outcome.Status = models.SessionFailed
		outcome.Err = fmt.Errorf("failed to finalize session: %w", err)
		return outcome
	}
	outcome.Status = models.SessionCompleted
	e.Metrics.SessionFinished(models.SessionCompleted)
	log.Printf("[Engine %d] Session %d completed after %d steps", e.WorkerID, outcome.SessionID, outcome.Steps)
	return outcome
}

func (e *Engine) fail(outcome models.SessionOutcome, runErr error) models.SessionOutcome {
	outcome.Status = models.SessionFailed
	outcome.Err = runErr
	if err := e.Ledger.SetSessionStatus(outcome.SessionID, models.SessionFailed); err != nil {
		log.Printf("[Engine %d] Could not mark session %d failed: %v", e.WorkerID, outcome.SessionID, err)
	}
	e.Metrics.SessionFinished(models.SessionFailed)
	log.Printf("[Engine %d] Session %d failed: %v", e.WorkerID, outcome.SessionID, runErr)
	return outcome
}
