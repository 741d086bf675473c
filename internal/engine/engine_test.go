package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/feeddrift/feeddrift/internal/browser"
	"github.com/feeddrift/feeddrift/internal/database"
	"github.com/feeddrift/feeddrift/pkg/config"
	"github.com/feeddrift/feeddrift/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stepBatch records one InsertStepRecommendations call.
type stepBatch struct {
	depth         int
	source        string
	recs          models.RecommendationList
	chosenID      string
	justification string
	isContext     bool
	profileID     *int64
	choiceMethod  string
}

type filterRow struct {
	videoID     string
	wasFiltered bool
}

type fakeLedger struct {
	contexts  map[string][]string
	profiles  map[int64]string
	durations map[string]int

	nextSessionID  int64
	sessionCreated bool
	status         string
	preRegistered  []string
	batches        []stepBatch
	filterRows     []filterRow

	insertErr error
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		contexts:      map[string][]string{},
		profiles:      map[int64]string{},
		durations:     map[string]int{},
		nextSessionID: 71,
	}
}

func (l *fakeLedger) CreateSession(interface{}) (int64, error) {
	l.sessionCreated = true
	return l.nextSessionID, nil
}

func (l *fakeLedger) SetSessionStatus(_ int64, status string) error {
	l.status = status
	return nil
}

func (l *fakeLedger) GetProfileDescription(id int64) (string, error) {
	description, ok := l.profiles[id]
	if !ok {
		return "", fmt.Errorf("%w: %d", database.ErrProfileNotFound, id)
	}
	return description, nil
}

func (l *fakeLedger) GetContextVideoIDs(name string) ([]string, error) {
	ids, ok := l.contexts[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", database.ErrContextNotFound, name)
	}
	return ids, nil
}

func (l *fakeLedger) PreRegisterContextVideos(ids []string) error {
	l.preRegistered = append(l.preRegistered, ids...)
	return nil
}

func (l *fakeLedger) KnownDuration(videoID string) (int, bool, error) {
	seconds, ok := l.durations[videoID]
	return seconds, ok, nil
}

func (l *fakeLedger) InsertStepRecommendations(_ int64, depth int, source string, recs models.RecommendationList, chosenID, justification string, isContext bool, profileID *int64, choiceMethod string) error {
	if l.insertErr != nil {
		return l.insertErr
	}
	l.batches = append(l.batches, stepBatch{
		depth: depth, source: source, recs: recs, chosenID: chosenID,
		justification: justification, isContext: isContext,
		profileID: profileID, choiceMethod: choiceMethod,
	})
	return nil
}

func (l *fakeLedger) InsertPersonaFilterLog(_ int64, videoID string, wasFiltered bool, _, _ string) error {
	l.filterRows = append(l.filterRows, filterRow{videoID: videoID, wasFiltered: wasFiltered})
	return nil
}

type fakeBrowser struct {
	navigated []string
	watched   []int
	homeVisit int
}

func (b *fakeBrowser) NavigateVideo(_ context.Context, videoID string) error {
	b.navigated = append(b.navigated, videoID)
	return nil
}

func (b *fakeBrowser) NavigateHome(context.Context) error {
	b.homeVisit++
	return nil
}

func (b *fakeBrowser) AcceptCookies(context.Context) error { return nil }

func (b *fakeBrowser) Watch(_ context.Context, seconds int) error {
	b.watched = append(b.watched, seconds)
	return nil
}

func (b *fakeBrowser) RecommendationFragments(context.Context) ([]string, error) {
	return []string{"sidebar"}, nil
}

func (b *fakeBrowser) HomeFeedFragments(context.Context) ([]string, error) {
	return []string{"home"}, nil
}

func (b *fakeBrowser) TranscriptHTML(context.Context) (string, error) { return "", nil }
func (b *fakeBrowser) Close(context.Context) error                    { return nil }

// fakeExtractor returns a fixed pool per fragment marker.
type fakeExtractor struct {
	pools map[string]models.RecommendationList
}

func (x *fakeExtractor) Extract(_ context.Context, fragments []string) (models.RecommendationList, error) {
	pool := x.pools[fragments[0]]
	// Copy so Tag calls do not leak between steps.
	out := models.RecommendationList{Recommendations: append([]models.Recommendation(nil), pool.Recommendations...)}
	return out, nil
}

type fakeChooser struct {
	queue []models.VideoChoice
	calls []models.RecommendationList
}

func (c *fakeChooser) ChooseVideo(_ context.Context, _ string, recs models.RecommendationList) (models.VideoChoice, error) {
	c.calls = append(c.calls, recs)
	choice := c.queue[0]
	c.queue = c.queue[1:]
	return choice, nil
}

// irrelevantFilter always reports abandonment.
type irrelevantFilter struct{}

func (irrelevantFilter) Check(context.Context, browser.Browser, string) models.RelevanceVerdict {
	return models.RelevanceVerdict{IsRelevant: false, Justification: "Off-topic for the persona."}
}

func threeCandidates(prefix string) models.RecommendationList {
	return models.RecommendationList{Recommendations: []models.Recommendation{
		{Title: prefix + "1", Publisher: "c", Views: 10, VideoID: prefix + "1", Duration: "1:00"},
		{Title: prefix + "2", Publisher: "c", Views: 20, VideoID: prefix + "2", Duration: "2:00"},
		{Title: prefix + "3", Publisher: "c", Views: 30, VideoID: prefix + "3", Duration: "3:00"},
	}}
}

func baseConfig() *config.Config {
	cfg := config.Default()
	cfg.Experiment.Mode = models.ModeRandomChoice
	cfg.Experiment.ContextVideoIDs = []string{"ctx1"}
	cfg.Scraping.MaxSteps = 2
	cfg.Scraping.MaxWatchSeconds = 600
	cfg.Scraping.SettleDelay = 0
	return cfg
}

func newEngine(cfg *config.Config, ledger *fakeLedger, b *fakeBrowser, x *fakeExtractor, c Chooser) *Engine {
	return &Engine{
		WorkerID:  1,
		Config:    cfg,
		Ledger:    ledger,
		Browser:   b,
		Extractor: x,
		Chooser:   c,
		RNG:       rand.New(rand.NewSource(7)),
	}
}

func TestRunPausesSettleDelayBeforeFirstNavigation(t *testing.T) {
	cfg := baseConfig()
	cfg.Scraping.SettleDelay = 50 * time.Millisecond

	ledger := newFakeLedger()
	b := &fakeBrowser{}
	x := &fakeExtractor{pools: map[string]models.RecommendationList{
		"sidebar": threeCandidates("vid"),
	}}

	e := newEngine(cfg, ledger, b, x, nil)
	start := time.Now()
	outcome := e.Run(context.Background())

	require.NoError(t, outcome.Err)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestRunSettleDelayHonorsCancellation(t *testing.T) {
	cfg := baseConfig()
	cfg.Scraping.SettleDelay = time.Minute

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	e := newEngine(cfg, newFakeLedger(), &fakeBrowser{}, &fakeExtractor{}, nil)
	outcome := e.Run(ctx)

	require.Error(t, outcome.Err)
	assert.Equal(t, models.SessionFailed, outcome.Status)
}

func TestRunRandomChoiceEndToEnd(t *testing.T) {
	ledger := newFakeLedger()
	b := &fakeBrowser{}
	x := &fakeExtractor{pools: map[string]models.RecommendationList{
		"sidebar": threeCandidates("vid"),
	}}

	e := newEngine(baseConfig(), ledger, b, x, nil)
	outcome := e.Run(context.Background())

	require.NoError(t, outcome.Err)
	assert.Equal(t, models.SessionCompleted, outcome.Status)
	assert.Equal(t, models.SessionCompleted, ledger.status)
	assert.Equal(t, 2, outcome.Steps)
	assert.Equal(t, []string{"ctx1"}, ledger.preRegistered)

	require.Len(t, ledger.batches, 3)

	contextBatch := ledger.batches[0]
	assert.Equal(t, 0, contextBatch.depth)
	assert.True(t, contextBatch.isContext)
	assert.Empty(t, contextBatch.chosenID)
	assert.Nil(t, contextBatch.profileID)
	require.Len(t, contextBatch.recs.Recommendations, 3)
	for _, rec := range contextBatch.recs.Recommendations {
		assert.Equal(t, models.SourceContext, rec.Source)
	}

	for i, batch := range ledger.batches[1:] {
		assert.Equal(t, i+1, batch.depth)
		assert.False(t, batch.isContext)
		assert.Equal(t, models.MethodRandom, batch.choiceMethod)
		assert.Equal(t, "Random choice for baseline.", batch.justification)
		assert.Nil(t, batch.profileID)
		require.Len(t, batch.recs.Recommendations, 3)
		_, inPool := batch.recs.FindByID(batch.chosenID)
		assert.True(t, inPool)
	}

	// The walk advances to the chosen video of the previous step.
	assert.Equal(t, "ctx1", b.navigated[0])
	assert.Equal(t, ledger.batches[1].source, b.navigated[1])
	assert.Equal(t, ledger.batches[1].chosenID, b.navigated[2])
}

func TestRunSentinelHomepageFallback(t *testing.T) {
	cfg := baseConfig()
	cfg.Experiment.Mode = models.ModeSinglePersona
	cfg.Experiment.ProfileID = 5
	cfg.Scraping.MaxSteps = 1

	ledger := newFakeLedger()
	ledger.profiles[5] = "a documentary lover"
	b := &fakeBrowser{}
	x := &fakeExtractor{pools: map[string]models.RecommendationList{
		"sidebar": threeCandidates("side"),
		"home":    threeCandidates("home"),
	}}
	chooser := &fakeChooser{queue: []models.VideoChoice{
		{VideoID: models.NoInterestingVideo, Justification: "Nothing fits."},
		{VideoID: "home2", Justification: "This one fits."},
	}}

	e := newEngine(cfg, ledger, b, x, chooser)
	outcome := e.Run(context.Background())

	require.NoError(t, outcome.Err)
	assert.Equal(t, models.SessionCompleted, outcome.Status)
	assert.Equal(t, 1, outcome.Steps)

	require.Len(t, ledger.batches, 2)
	batch := ledger.batches[1]
	assert.Equal(t, "home2", batch.chosenID)
	require.NotNil(t, batch.profileID)
	assert.Equal(t, int64(5), *batch.profileID)
	assert.Equal(t, models.MethodPersona, batch.choiceMethod)

	// Sidebar and home feed candidates share the batch, tagged by origin.
	require.Len(t, batch.recs.Recommendations, 6)
	tags := map[string]int{}
	for _, rec := range batch.recs.Recommendations {
		tags[rec.Source]++
	}
	assert.Equal(t, 3, tags[models.SourceSidebar])
	assert.Equal(t, 3, tags[models.SourceHomepage])
	selected, ok := batch.recs.FindByID("home2")
	require.True(t, ok)
	assert.Equal(t, models.SourceHomepage, selected.Source)

	// The second chooser call saw only the home feed pool.
	require.Len(t, chooser.calls, 2)
	assert.Len(t, chooser.calls[1].Recommendations, 3)
	for _, rec := range chooser.calls[1].Recommendations {
		assert.Equal(t, models.SourceHomepage, rec.Source)
	}
}

func TestRunSentinelTwiceSoftStops(t *testing.T) {
	cfg := baseConfig()
	cfg.Experiment.Mode = models.ModeSinglePersona
	cfg.Experiment.ProfileID = 5
	cfg.Scraping.MaxSteps = 3

	ledger := newFakeLedger()
	ledger.profiles[5] = "persona"
	b := &fakeBrowser{}
	x := &fakeExtractor{pools: map[string]models.RecommendationList{
		"sidebar": threeCandidates("side"),
		"home":    threeCandidates("home"),
	}}
	chooser := &fakeChooser{queue: []models.VideoChoice{
		{VideoID: models.NoInterestingVideo},
		{VideoID: models.NoInterestingVideo},
	}}

	e := newEngine(cfg, ledger, b, x, chooser)
	outcome := e.Run(context.Background())

	require.NoError(t, outcome.Err)
	assert.Equal(t, models.SessionCompleted, outcome.Status)
	assert.Equal(t, 0, outcome.Steps)
	// Only the context batch was persisted.
	assert.Len(t, ledger.batches, 1)
}

func TestRunFilterTruncatesWatch(t *testing.T) {
	cfg := baseConfig()
	cfg.Experiment.Mode = models.ModeSinglePersona
	cfg.Experiment.ProfileID = 5
	cfg.Scraping.MaxSteps = 1
	cfg.Scraping.PersonaFilterEnabled = true
	cfg.Scraping.PersonaFilterSeconds = 30

	ledger := newFakeLedger()
	ledger.profiles[5] = "persona"
	ledger.durations["ctx1"] = 240
	b := &fakeBrowser{}
	x := &fakeExtractor{pools: map[string]models.RecommendationList{
		"sidebar": threeCandidates("side"),
	}}
	chooser := &fakeChooser{queue: []models.VideoChoice{{VideoID: "side1", Justification: "j"}}}

	e := newEngine(cfg, ledger, b, x, chooser)
	e.Filter = irrelevantFilter{}
	outcome := e.Run(context.Background())

	require.NoError(t, outcome.Err)
	require.Len(t, ledger.filterRows, 1)
	assert.Equal(t, "ctx1", ledger.filterRows[0].videoID)
	assert.True(t, ledger.filterRows[0].wasFiltered)

	// Context watch uses the known duration; the filtered persona step is
	// truncated to the filter window.
	require.Len(t, b.watched, 2)
	assert.Equal(t, 240, b.watched[0])
	assert.Equal(t, 30, b.watched[1])
}

func TestRunStoreFailureMarksSessionFailed(t *testing.T) {
	ledger := newFakeLedger()
	ledger.insertErr = errors.New("disk full")
	b := &fakeBrowser{}
	x := &fakeExtractor{pools: map[string]models.RecommendationList{
		"sidebar": threeCandidates("vid"),
	}}

	e := newEngine(baseConfig(), ledger, b, x, nil)
	outcome := e.Run(context.Background())

	require.Error(t, outcome.Err)
	assert.Equal(t, models.SessionFailed, outcome.Status)
	assert.Equal(t, models.SessionFailed, ledger.status)
}

func TestRunUnknownContextNameIsConfigurationError(t *testing.T) {
	cfg := baseConfig()
	cfg.Experiment.ContextVideoIDs = nil
	cfg.Experiment.ContextName = "missing"

	ledger := newFakeLedger()
	e := newEngine(cfg, ledger, &fakeBrowser{}, &fakeExtractor{}, nil)
	outcome := e.Run(context.Background())

	require.Error(t, outcome.Err)
	assert.True(t, errors.Is(outcome.Err, ErrConfiguration))
	// No session row may exist for configuration errors.
	assert.False(t, ledger.sessionCreated)
	assert.Zero(t, outcome.SessionID)
}

func TestRunNoContextSkipsPersonaPhase(t *testing.T) {
	cfg := baseConfig()
	cfg.Experiment.ContextVideoIDs = nil

	ledger := newFakeLedger()
	e := newEngine(cfg, ledger, &fakeBrowser{}, &fakeExtractor{}, nil)
	outcome := e.Run(context.Background())

	require.NoError(t, outcome.Err)
	assert.Equal(t, models.SessionCompleted, outcome.Status)
	assert.Zero(t, outcome.Steps)
	assert.Empty(t, ledger.batches)
}

func TestRunEmptyPoolSoftStops(t *testing.T) {
	ledger := newFakeLedger()
	b := &fakeBrowser{}
	x := &fakeExtractor{pools: map[string]models.RecommendationList{}}

	e := newEngine(baseConfig(), ledger, b, x, nil)
	outcome := e.Run(context.Background())

	require.NoError(t, outcome.Err)
	assert.Equal(t, models.SessionCompleted, outcome.Status)
	assert.Equal(t, 0, outcome.Steps)
}
