package browser

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeHub is a minimal WebDriver endpoint recording the requests it serves.
type fakeHub struct {
	t *testing.T

	navigated     []string
	scriptResults []json.RawMessage
	scriptCalls   int
	closed        bool
}

func (h *fakeHub) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /session", func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"value": map[string]any{"sessionId": "sess-1"},
		})
	})
	mux.HandleFunc("POST /session/sess-1/url", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			URL string `json:"url"`
		}
		require.NoError(h.t, json.NewDecoder(r.Body).Decode(&req))
		h.navigated = append(h.navigated, req.URL)
		json.NewEncoder(w).Encode(map[string]any{"value": nil})
	})
	mux.HandleFunc("POST /session/sess-1/execute/sync", func(w http.ResponseWriter, _ *http.Request) {
		result := json.RawMessage(`null`)
		if h.scriptCalls < len(h.scriptResults) {
			result = h.scriptResults[h.scriptCalls]
		}
		h.scriptCalls++
		json.NewEncoder(w).Encode(map[string]any{"value": result})
	})
	mux.HandleFunc("DELETE /session/sess-1", func(w http.ResponseWriter, _ *http.Request) {
		h.closed = true
		json.NewEncoder(w).Encode(map[string]any{"value": nil})
	})
	return mux
}

func newTestRemote(t *testing.T, hub *fakeHub) *Remote {
	t.Helper()
	server := httptest.NewServer(hub.handler())
	t.Cleanup(server.Close)

	r, err := NewRemote(context.Background(), server.URL, 0)
	require.NoError(t, err)
	return r
}

func TestRemoteNavigation(t *testing.T) {
	hub := &fakeHub{t: t}
	r := newTestRemote(t, hub)

	require.NoError(t, r.NavigateVideo(context.Background(), "dQw4w9WgXcQ"))
	require.NoError(t, r.NavigateHome(context.Background()))

	require.Len(t, hub.navigated, 2)
	assert.Equal(t, "https://www.youtube.com/watch?v=dQw4w9WgXcQ", hub.navigated[0])
	assert.Equal(t, "https://www.youtube.com/", hub.navigated[1])
}

func TestRemoteRecommendationFragments(t *testing.T) {
	hub := &fakeHub{t: t}
	// Three scroll calls, then the collection call.
	hub.scriptResults = []json.RawMessage{
		json.RawMessage(`null`), json.RawMessage(`null`), json.RawMessage(`null`),
		json.RawMessage(`["<div>one</div>", "<div>two</div>"]`),
	}
	r := newTestRemote(t, hub)

	fragments, err := r.RecommendationFragments(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"<div>one</div>", "<div>two</div>"}, fragments)
	assert.Equal(t, 4, hub.scriptCalls)
}

func TestRemoteTranscript(t *testing.T) {
	hub := &fakeHub{t: t}
	hub.scriptResults = []json.RawMessage{
		json.RawMessage(`true`),
		json.RawMessage(`"<ytd-transcript-segment-renderer>...</ytd-transcript-segment-renderer>"`),
	}
	r := newTestRemote(t, hub)

	html, err := r.TranscriptHTML(context.Background())
	require.NoError(t, err)
	assert.True(t, strings.Contains(html, "ytd-transcript-segment-renderer"))
}

func TestRemoteTranscriptUnavailable(t *testing.T) {
	hub := &fakeHub{t: t}
	hub.scriptResults = []json.RawMessage{json.RawMessage(`false`)}
	r := newTestRemote(t, hub)

	_, err := r.TranscriptHTML(context.Background())
	assert.Error(t, err)
}

func TestRemoteClose(t *testing.T) {
	hub := &fakeHub{t: t}
	r := newTestRemote(t, hub)

	require.NoError(t, r.Close(context.Background()))
	assert.True(t, hub.closed)
}
