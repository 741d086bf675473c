package browser

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"
)

// Script run against each sidebar recommendation block before its HTML is
// shipped back: menu buttons, badges, interaction overlays, thumbnails, and
// comment nodes only inflate the payload the parsers see.
const collectSidebarScript = `
	const selectorsToRemove = [
		'.yt-lockup-metadata-view-model-wiz__menu-button',
		'ytd-menu-renderer',
		'yt-interaction',
		'ytd-badge-supported-renderer',
		'#menu',
		'.yt-core-image'
	];
	const clean = (block) => {
		selectorsToRemove.forEach(sel => {
			block.querySelectorAll(sel).forEach(el => el.remove());
		});
		const it = document.createNodeIterator(block, NodeFilter.SHOW_COMMENT);
		let node;
		while (node = it.nextNode()) {
			node.remove();
		}
		return block.innerHTML.trim();
	};
	const blocks = document.querySelectorAll('yt-lockup-view-model, ytd-compact-video-renderer');
	return Array.from(blocks).slice(0, 20).map(b => clean(b.cloneNode(true)));
`

const collectHomeScript = `
	const selectorsToRemove = [
		'.yt-lockup-metadata-view-model-wiz__menu-button',
		'ytd-menu-renderer',
		'yt-interaction',
		'ytd-badge-supported-renderer',
		'#menu',
		'.yt-core-image'
	];
	const clean = (block) => {
		selectorsToRemove.forEach(sel => {
			block.querySelectorAll(sel).forEach(el => el.remove());
		});
		const it = document.createNodeIterator(block, NodeFilter.SHOW_COMMENT);
		let node;
		while (node = it.nextNode()) {
			node.remove();
		}
		return block.innerHTML.trim();
	};
	const blocks = document.querySelectorAll('ytd-rich-item-renderer, yt-lockup-view-model');
	return Array.from(blocks).slice(0, 20).map(b => clean(b.cloneNode(true)));
`

const scrollSidebarScript = `
	const related = document.getElementById('related');
	if (related) {
		related.scrollIntoView(true);
	}
	window.scrollBy(0, 200);
`

const skipAdScript = `
	const btn = document.querySelector('button.ytp-skip-ad-button');
	if (btn && btn.offsetParent !== null && !btn.disabled) {
		btn.click();
		return true;
	}
	return false;
`

const ensurePlayingScript = `
	const player = document.getElementById('movie_player');
	if (player && player.classList.contains('paused-mode')) {
		const play = player.querySelector('.ytp-play-button');
		if (play) {
			play.click();
		}
	}
`

const acceptCookiesScript = `
	const buttons = document.querySelectorAll('ytd-button-renderer yt-button-shape button');
	for (const btn of buttons) {
		const label = (btn.getAttribute('aria-label') || btn.textContent || '').toLowerCase();
		if (label.includes('accept')) {
			btn.click();
			return true;
		}
	}
	return false;
`

const openTranscriptScript = `
	const expand = document.querySelector('ytd-text-inline-expander#description-inline-expander tp-yt-paper-button#expand');
	if (expand && !expand.hasAttribute('hidden')) {
		expand.click();
	}
	const show = document.querySelector('ytd-watch-metadata ytd-video-description-transcript-section-renderer div#button-container div#primary-button button');
	if (show) {
		show.click();
		return true;
	}
	return false;
`

const transcriptHTMLScript = `
	const panel = document.querySelector('#content > ytd-transcript-renderer');
	return panel ? panel.innerHTML : '';
`

// Remote drives one browser session through a WebDriver hub.
type Remote struct {
	hubURL      string
	sessionID   string
	settleDelay time.Duration
	client      *http.Client
}

// NewRemote opens a new browser session on the hub. settleDelay is the pause
// after navigation and interaction, giving lazy-loaded content time to render.
func NewRemote(ctx context.Context, hubURL string, settleDelay time.Duration) (*Remote, error) {
	r := &Remote{
		hubURL:      strings.TrimSuffix(hubURL, "/"),
		settleDelay: settleDelay,
		client: &http.Client{
			Timeout: 120 * time.Second,
		},
	}

	payload := map[string]any{
		"capabilities": map[string]any{
			"alwaysMatch": map[string]any{"browserName": "chrome"},
		},
	}
	var created struct {
		Value struct {
			SessionID string `json:"sessionId"`
		} `json:"value"`
	}
	if err := r.do(ctx, http.MethodPost, "/session", payload, &created); err != nil {
		return nil, fmt.Errorf("failed to create browser session: %w", err)
	}
	if created.Value.SessionID == "" {
		return nil, fmt.Errorf("hub returned no session ID")
	}
	r.sessionID = created.Value.SessionID

	log.Printf("[Browser] Session %s started on %s", r.sessionID, r.hubURL)
	return r, nil
}

func (r *Remote) do(ctx context.Context, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, r.hubURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code %d: %s", resp.StatusCode, string(respBody))
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("failed to unmarshal response: %w", err)
		}
	}
	return nil
}

// execute runs a script in the page and decodes its return value into out.
func (r *Remote) execute(ctx context.Context, script string, out any) error {
	payload := map[string]any{
		"script": script,
		"args":   []any{},
	}
	var result struct {
		Value json.RawMessage `json:"value"`
	}
	path := fmt.Sprintf("/session/%s/execute/sync", r.sessionID)
	if err := r.do(ctx, http.MethodPost, path, payload, &result); err != nil {
		return err
	}
	if out != nil && len(result.Value) > 0 {
		if err := json.Unmarshal(result.Value, out); err != nil {
			return fmt.Errorf("failed to decode script result: %w", err)
		}
	}
	return nil
}

func (r *Remote) navigate(ctx context.Context, url string) error {
	path := fmt.Sprintf("/session/%s/url", r.sessionID)
	if err := r.do(ctx, http.MethodPost, path, map[string]string{"url": url}, nil); err != nil {
		return fmt.Errorf("failed to navigate to %s: %w", url, err)
	}
	return r.settle(ctx)
}

// settle waits for lazy-loaded content after navigation or interaction.
func (r *Remote) settle(ctx context.Context) error {
	if r.settleDelay <= 0 {
		return nil
	}
	select {
	case <-time.After(r.settleDelay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Remote) NavigateVideo(ctx context.Context, videoID string) error {
	return r.navigate(ctx, "https://www.youtube.com/watch?v="+videoID)
}

func (r *Remote) NavigateHome(ctx context.Context) error {
	return r.navigate(ctx, "https://www.youtube.com/")
}

func (r *Remote) AcceptCookies(ctx context.Context) error {
	var clicked bool
	if err := r.execute(ctx, acceptCookiesScript, &clicked); err != nil {
		return fmt.Errorf("failed to check consent dialog: %w", err)
	}
	if clicked {
		log.Printf("[Browser] Cookie consent accepted")
		return r.settle(ctx)
	}
	return nil
}

// Watch keeps the video playing for up to watchSeconds, polling for
// skippable ads every two seconds.
func (r *Remote) Watch(ctx context.Context, watchSeconds int) error {
	if err := r.execute(ctx, ensurePlayingScript, nil); err != nil {
		log.Printf("[Browser] Could not ensure playback: %v", err)
	}

	// Pre-roll ads need a moment to surface before the first skip attempt.
	if err := r.settle(ctx); err != nil {
		return err
	}
	r.skipAd(ctx)

	deadline := time.Now().Add(time.Duration(watchSeconds) * time.Second)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for time.Now().Before(deadline) {
		select {
		case <-ticker.C:
			r.skipAd(ctx)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (r *Remote) skipAd(ctx context.Context) {
	var skipped bool
	if err := r.execute(ctx, skipAdScript, &skipped); err != nil {
		log.Printf("[Browser] Ad skip check failed: %v", err)
		return
	}
	if skipped {
		log.Printf("[Browser] Ad skipped")
	}
}

func (r *Remote) RecommendationFragments(ctx context.Context) ([]string, error) {
	// Incremental scrolls force the lazy sidebar to materialize.
	for i := 0; i < 3; i++ {
		if err := r.execute(ctx, scrollSidebarScript, nil); err != nil {
			return nil, fmt.Errorf("failed to scroll sidebar: %w", err)
		}
		if err := r.settle(ctx); err != nil {
			return nil, err
		}
	}

	var fragments []string
	if err := r.execute(ctx, collectSidebarScript, &fragments); err != nil {
		return nil, fmt.Errorf("failed to collect sidebar fragments: %w", err)
	}
	return fragments, nil
}

func (r *Remote) HomeFeedFragments(ctx context.Context) ([]string, error) {
	var fragments []string
	if err := r.execute(ctx, collectHomeScript, &fragments); err != nil {
		return nil, fmt.Errorf("failed to collect home feed fragments: %w", err)
	}
	return fragments, nil
}

func (r *Remote) TranscriptHTML(ctx context.Context) (string, error) {
	var opened bool
	if err := r.execute(ctx, openTranscriptScript, &opened); err != nil {
		return "", fmt.Errorf("failed to open transcript panel: %w", err)
	}
	if !opened {
		return "", fmt.Errorf("transcript panel is not available")
	}
	if err := r.settle(ctx); err != nil {
		return "", err
	}

	var html string
	if err := r.execute(ctx, transcriptHTMLScript, &html); err != nil {
		return "", fmt.Errorf("failed to read transcript: %w", err)
	}
	if html == "" {
		return "", fmt.Errorf("transcript panel is empty")
	}
	return html, nil
}

func (r *Remote) Close(ctx context.Context) error {
	if r.sessionID == "" {
		return nil
	}
	path := fmt.Sprintf("/session/%s", r.sessionID)
	if err := r.do(ctx, http.MethodDelete, path, nil, nil); err != nil {
		return fmt.Errorf("failed to close browser session: %w", err)
	}
	log.Printf("[Browser] Session %s closed", r.sessionID)
	return nil
}
