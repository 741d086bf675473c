// Package browser drives a remote browser over the WebDriver wire protocol.
// One Remote instance owns one browser session; concurrent workers each get
// their own.
package browser

import "context"

// Browser is the navigation surface the engine drives. Implementations own
// page readiness and lazy-load settling; the engine never sleeps on its own.
type Browser interface {
	// NavigateVideo opens the watch page for a video.
	NavigateVideo(ctx context.Context, videoID string) error
	// NavigateHome opens the home feed.
	NavigateHome(ctx context.Context) error
	// AcceptCookies dismisses the consent dialog if present. Absence of the
	// dialog is not an error.
	AcceptCookies(ctx context.Context) error
	// Watch plays the current video for up to watchSeconds, skipping
	// skippable ads as they appear.
	Watch(ctx context.Context, watchSeconds int) error
	// RecommendationFragments scrolls the sidebar into view and returns the
	// cleaned HTML of each recommendation block.
	RecommendationFragments(ctx context.Context) ([]string, error)
	// HomeFeedFragments returns the cleaned HTML of each home feed block.
	HomeFeedFragments(ctx context.Context) ([]string, error)
	// TranscriptHTML opens the transcript panel of the current video and
	// returns its raw HTML.
	TranscriptHTML(ctx context.Context) (string, error)
	// Close ends the browser session.
	Close(ctx context.Context) error
}

// Factory creates one browser session per engine instance.
type Factory func(ctx context.Context) (Browser, error)
