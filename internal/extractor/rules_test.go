package extractor

import (
	"context"
	"errors"
	"testing"

	"github.com/feeddrift/feeddrift/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const lockupFragment = `
<div>
  <h3 class="yt-lockup-metadata-view-model__heading-reset">
    <a href="/watch?v=dQw4w9WgXcQ" aria-label="A song, 3 minutes, 33 seconds"><span>Never Gonna Give You Up</span></a>
  </h3>
  <span class="yt-content-metadata-view-model__metadata-text">Rick Astley</span>
  <span class="yt-content-metadata-view-model__metadata-text">1.4M views</span>
  <div class="yt-badge-shape__text">3:33</div>
</div>`

const legacyFragment = `
<div>
  <a id="video-title-link" href="/watch?v=abc_123-XY"><span id="video-title">Old Layout Video</span></a>
  <div id="text"><a>Legacy Channel</a></div>
  <span class="ytd-video-meta-block">12K views</span>
  <span class="ytd-thumbnail-overlay-time-status-renderer">10:25</span>
</div>`

const ariaOnlyFragment = `
<div>
  <h3 class="yt-lockup-metadata-view-model__heading-reset">
    <a href="/watch?v=xyz789" aria-label="Documentary, 1 hour, 13 minutes"><span>No Badge Here</span></a>
  </h3>
  <span class="yt-content-metadata-view-model__metadata-text">Docs Channel</span>
  <span class="yt-content-metadata-view-model__metadata-text">950 views</span>
</div>`

const incompleteFragment = `
<div>
  <span id="video-title">Title Only</span>
</div>`

func TestRulesExtract(t *testing.T) {
	list, err := Rules{}.Extract(context.Background(), []string{lockupFragment, legacyFragment, incompleteFragment})
	require.NoError(t, err)
	require.Len(t, list.Recommendations, 2)

	first := list.Recommendations[0]
	assert.Equal(t, "Never Gonna Give You Up", first.Title)
	assert.Equal(t, "Rick Astley", first.Publisher)
	assert.Equal(t, int64(1400000), first.Views)
	assert.Equal(t, "dQw4w9WgXcQ", first.VideoID)
	assert.Equal(t, "https://www.youtube.com/watch?v=dQw4w9WgXcQ", first.Link)
	assert.Equal(t, "3:33", first.Duration)

	second := list.Recommendations[1]
	assert.Equal(t, "Old Layout Video", second.Title)
	assert.Equal(t, "Legacy Channel", second.Publisher)
	assert.Equal(t, int64(12000), second.Views)
	assert.Equal(t, "abc_123-XY", second.VideoID)
	assert.Equal(t, "10:25", second.Duration)
}

func TestRulesExtractAriaLabelDuration(t *testing.T) {
	list, err := Rules{}.Extract(context.Background(), []string{ariaOnlyFragment})
	require.NoError(t, err)
	require.Len(t, list.Recommendations, 1)

	rec := list.Recommendations[0]
	assert.Equal(t, "1:13:00", rec.Duration)
	assert.Equal(t, int64(950), rec.Views)
}

func TestRulesExtractEmptyInput(t *testing.T) {
	list, err := Rules{}.Extract(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, list.Recommendations)
}

func TestParseViews(t *testing.T) {
	tests := []struct {
		text string
		want int64
	}{
		{"1.4M views", 1400000},
		{"1,4 M de vues", 1400000},
		{"12K views", 12000},
		{"1.2K views", 1200},
		{"950 views", 950},
		{"1,234,567 views", 1234567},
		{"", 0},
		{"no numbers here", 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseViews(tt.text), "text %q", tt.text)
	}
}

type failingParser struct{}

func (failingParser) ParseRecommendations(context.Context, []string) (models.RecommendationList, error) {
	return models.RecommendationList{}, errors.New("model unavailable")
}

type stubParser struct {
	list models.RecommendationList
}

func (s stubParser) ParseRecommendations(context.Context, []string) (models.RecommendationList, error) {
	return s.list, nil
}

func TestWithFallbackRetriesWithRules(t *testing.T) {
	ex := WithFallback(Model{Parser: failingParser{}})

	list, err := ex.Extract(context.Background(), []string{lockupFragment})
	require.NoError(t, err)
	require.Len(t, list.Recommendations, 1)
	assert.Equal(t, "dQw4w9WgXcQ", list.Recommendations[0].VideoID)
}

func TestWithFallbackPrefersPrimary(t *testing.T) {
	want := models.RecommendationList{Recommendations: []models.Recommendation{{VideoID: "fromModel"}}}
	ex := WithFallback(Model{Parser: stubParser{list: want}})

	list, err := ex.Extract(context.Background(), []string{lockupFragment})
	require.NoError(t, err)
	assert.Equal(t, want, list)
}

func TestWithFallbackRulesUnwrapped(t *testing.T) {
	ex := WithFallback(Rules{})
	_, isRules := ex.(Rules)
	assert.True(t, isRules)
}
