package database

import (
	"errors"
	"testing"

	"github.com/feeddrift/feeddrift/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestSessionLifecycle(t *testing.T) {
	l := newTestLedger(t)

	id, err := l.CreateSession(map[string]string{"mode": "random_choice"})
	require.NoError(t, err)
	assert.Greater(t, id, int64(0))

	sessions, err := l.ListSessions()
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, models.SessionRunning, sessions[0].Status)
	assert.Nil(t, sessions[0].EndTime)

	require.NoError(t, l.SetSessionStatus(id, models.SessionCompleted))

	sessions, err = l.ListSessions()
	require.NoError(t, err)
	assert.Equal(t, models.SessionCompleted, sessions[0].Status)
	assert.NotNil(t, sessions[0].EndTime)

	err = l.SetSessionStatus(9999, models.SessionFailed)
	assert.True(t, errors.Is(err, ErrSessionNotFound))
}

func TestProfilesAndContexts(t *testing.T) {
	l := newTestLedger(t)

	id, err := l.AddProfile("skeptic", "A viewer deeply skeptical of mainstream coverage.")
	require.NoError(t, err)

	description, err := l.GetProfileDescription(id)
	require.NoError(t, err)
	assert.Contains(t, description, "skeptical")

	_, err = l.GetProfileDescription(404)
	assert.True(t, errors.Is(err, ErrProfileNotFound))

	require.NoError(t, l.AddContext("climate", []string{"vidA", "vidB"}))
	ids, err := l.GetContextVideoIDs("climate")
	require.NoError(t, err)
	assert.Equal(t, []string{"vidA", "vidB"}, ids)

	// Re-adding replaces the list.
	require.NoError(t, l.AddContext("climate", []string{"vidC"}))
	ids, err = l.GetContextVideoIDs("climate")
	require.NoError(t, err)
	assert.Equal(t, []string{"vidC"}, ids)

	_, err = l.GetContextVideoIDs("missing")
	assert.True(t, errors.Is(err, ErrContextNotFound))

	contexts, err := l.ListContexts()
	require.NoError(t, err)
	require.Len(t, contexts, 1)
	assert.Equal(t, "climate", contexts[0].Name)
}

func TestUpsertVideoRespectsEnrichment(t *testing.T) {
	l := newTestLedger(t)

	require.NoError(t, l.UpsertVideo("vid1", "First title", 120))

	seconds, known, err := l.KnownDuration("vid1")
	require.NoError(t, err)
	assert.True(t, known)
	assert.Equal(t, 120, seconds)

	// Unenriched videos take the newest duration guess.
	require.NoError(t, l.UpsertVideo("vid1", "Second title", 240))
	seconds, _, err = l.KnownDuration("vid1")
	require.NoError(t, err)
	assert.Equal(t, 240, seconds)

	// Simulate the enrichment worker stamping the row.
	_, err = l.db.Exec(`UPDATE videos SET duration_seconds = 300, last_enriched_at = CURRENT_TIMESTAMP WHERE video_youtube_id = 'vid1'`)
	require.NoError(t, err)

	// The enriched duration is frozen; the title still refreshes.
	require.NoError(t, l.UpsertVideo("vid1", "Third title", 999))
	seconds, _, err = l.KnownDuration("vid1")
	require.NoError(t, err)
	assert.Equal(t, 300, seconds)

	var title string
	require.NoError(t, l.db.QueryRow(`SELECT title FROM videos WHERE video_youtube_id = 'vid1'`).Scan(&title))
	assert.Equal(t, "Third title", title)
}

func TestKnownDurationMissing(t *testing.T) {
	l := newTestLedger(t)
	_, known, err := l.KnownDuration("ghost")
	require.NoError(t, err)
	assert.False(t, known)
}

func TestPreRegisterContextVideos(t *testing.T) {
	l := newTestLedger(t)

	require.NoError(t, l.UpsertVideo("vid1", "Already known", 60))
	require.NoError(t, l.PreRegisterContextVideos([]string{"vid1", "vid2"}))

	// Existing rows stay untouched.
	var title string
	require.NoError(t, l.db.QueryRow(`SELECT title FROM videos WHERE video_youtube_id = 'vid1'`).Scan(&title))
	assert.Equal(t, "Already known", title)

	require.NoError(t, l.db.QueryRow(`SELECT title FROM videos WHERE video_youtube_id = 'vid2'`).Scan(&title))
	assert.Equal(t, pendingTitle, title)
}

func sampleRecs() models.RecommendationList {
	return models.RecommendationList{Recommendations: []models.Recommendation{
		{Title: "A", Publisher: "ChanA", Views: 1000, VideoID: "vidA", Duration: "10:00", Source: models.SourceSidebar},
		{Title: "B", Publisher: "ChanB", Views: 2000, VideoID: "vidB", Duration: "5:00", Source: models.SourceSidebar},
		{Title: "C", Publisher: "ChanC", Views: 3000, VideoID: "vidC", Duration: "1:00:00", Source: models.SourceHomepage},
	}}
}

func TestInsertStepRecommendationsMarksOneSelected(t *testing.T) {
	l := newTestLedger(t)
	sessionID, err := l.CreateSession(nil)
	require.NoError(t, err)
	require.NoError(t, l.PreRegisterContextVideos([]string{"src"}))

	profileID := int64(7)
	err = l.InsertStepRecommendations(sessionID, 3, "src", sampleRecs(), "vidB",
		"Matches the persona's interest in B.", false, &profileID, models.MethodPersona)
	require.NoError(t, err)

	export, err := l.ExportSession(sessionID)
	require.NoError(t, err)
	require.Len(t, export.Recommendations, 3)

	selected := 0
	for _, row := range export.Recommendations {
		if row.WasSelected {
			selected++
			assert.Equal(t, "vidB", row.RecommendedID)
			assert.Equal(t, models.MethodPersona, row.ChoiceMethod)
			require.NotNil(t, row.ProfileID)
			assert.Equal(t, int64(7), *row.ProfileID)
			assert.NotEmpty(t, row.Justification)
		} else {
			assert.Empty(t, row.ChoiceMethod)
			assert.Nil(t, row.ProfileID)
			assert.Empty(t, row.Justification)
		}
	}
	assert.Equal(t, 1, selected)
}

func TestInsertStepRecommendationsContextPhase(t *testing.T) {
	l := newTestLedger(t)
	sessionID, err := l.CreateSession(nil)
	require.NoError(t, err)
	require.NoError(t, l.PreRegisterContextVideos([]string{"src"}))

	recs := sampleRecs()
	recs.Tag(models.SourceContext)
	require.NoError(t, l.InsertStepRecommendations(sessionID, 0, "src", recs, "", "", true, nil, ""))

	export, err := l.ExportSession(sessionID)
	require.NoError(t, err)
	require.Len(t, export.Recommendations, 3)
	for _, row := range export.Recommendations {
		assert.False(t, row.WasSelected)
		assert.True(t, row.IsContext)
		assert.Equal(t, models.SourceContext, row.Source)
		assert.Nil(t, row.ProfileID)
	}
}

func TestInsertStepRecommendationsDuplicateChosenID(t *testing.T) {
	l := newTestLedger(t)
	sessionID, err := l.CreateSession(nil)
	require.NoError(t, err)

	recs := models.RecommendationList{Recommendations: []models.Recommendation{
		{Title: "A", VideoID: "vidA", Duration: "1:00", Source: models.SourceSidebar},
		{Title: "A again", VideoID: "vidA", Duration: "1:00", Source: models.SourceHomepage},
	}}
	require.NoError(t, l.InsertStepRecommendations(sessionID, 0, "", recs, "vidA", "", false, nil, models.MethodRandom))

	export, err := l.ExportSession(sessionID)
	require.NoError(t, err)

	selected := 0
	for _, row := range export.Recommendations {
		if row.WasSelected {
			selected++
		}
	}
	assert.Equal(t, 1, selected, "duplicate candidate IDs must still yield a single selected row")
}

func TestPersonaFilterLog(t *testing.T) {
	l := newTestLedger(t)
	sessionID, err := l.CreateSession(nil)
	require.NoError(t, err)

	require.NoError(t, l.InsertPersonaFilterLog(sessionID, "vidX", true, "Off-topic for the persona.", "[00:01] hello"))

	export, err := l.ExportSession(sessionID)
	require.NoError(t, err)
	require.Len(t, export.FilterOutcomes, 1)
	assert.True(t, export.FilterOutcomes[0].WasFiltered)
	assert.Equal(t, "vidX", export.FilterOutcomes[0].VideoID)
}

func TestExportSessionNotFound(t *testing.T) {
	l := newTestLedger(t)
	_, err := l.ExportSession(42)
	assert.True(t, errors.Is(err, ErrSessionNotFound))
}

func TestRebindPostgres(t *testing.T) {
	got := rebindPostgres("INSERT INTO t (a, b) VALUES (?, ?)")
	assert.Equal(t, "INSERT INTO t (a, b) VALUES ($1, $2)", got)
}
