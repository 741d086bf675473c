package extractor

import (
	"context"
	"fmt"
	"log"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/feeddrift/feeddrift/pkg/models"
)

// Selector fallback chains. YouTube ships several generations of lockup
// markup at once, so each field tries the newest selector first and walks
// back through the older ones.
var (
	titleSelectors = []string{
		"h3.yt-lockup-metadata-view-model__heading-reset a span",
		"h3.yt-lockup-metadata-view-model-wiz__heading-reset a span",
		"span#video-title",
	}
	publisherSelectors = []string{
		"span.yt-content-metadata-view-model__metadata-text",
		".yt-content-metadata-view-model-wiz__metadata-text",
		"#text > a",
	}
	viewsSelectors = []string{
		"span.yt-content-metadata-view-model__metadata-text",
		".yt-content-metadata-view-model-wiz__metadata-text",
		"span.ytd-video-meta-block",
	}
	linkSelectors = []string{
		"h3.yt-lockup-metadata-view-model__heading-reset a",
		"h3.yt-lockup-metadata-view-model-wiz__heading-reset a",
		"a#video-title-link",
	}
	durationSelectors = []string{
		"div.yt-badge-shape__text",
		".yt-lockup-thumbnail-view-model__time-text",
		"span.ytd-thumbnail-overlay-time-status-renderer",
		".badge-shape-wiz__text",
	}
)

var (
	videoIDPattern   = regexp.MustCompile(`v=([a-zA-Z0-9_-]+)`)
	ariaLabelPattern = regexp.MustCompile(`(?:(\d+)\s+hours?,?\s*)?(?:(\d+)\s+minutes?,?\s*)?(?:(\d+)\s+seconds?)?`)
	nonNumericRunes  = regexp.MustCompile(`[^\d,.]`)
)

// Rules is the selector-based extraction strategy. It needs no collaborators
// and never calls out, so it doubles as the fallback for the model strategy.
type Rules struct{}

// Extract parses each fragment independently. Fragments missing any required
// field are dropped.
func (Rules) Extract(_ context.Context, fragments []string) (models.RecommendationList, error) {
	var list models.RecommendationList

	for _, fragment := range fragments {
		doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
		if err != nil {
			return models.RecommendationList{}, fmt.Errorf("failed to parse fragment: %w", err)
		}

		title := firstText(doc, titleSelectors)
		publisher := firstText(doc, publisherSelectors)

		var videoID, link string
		if rawLink := firstAttr(doc, linkSelectors, "href"); rawLink != "" {
			if m := videoIDPattern.FindStringSubmatch(rawLink); m != nil {
				videoID = m[1]
				link = "https://www.youtube.com/watch?v=" + videoID
			}
		}

		duration := firstText(doc, durationSelectors)
		if duration == "" {
			duration = durationFromAriaLabel(doc, linkSelectors)
		}

		views := extractViews(doc)

		if title == "" || publisher == "" || views == 0 || videoID == "" || duration == "" {
			log.Printf("[Extractor] Skipped incomplete fragment: title=%t publisher=%t views=%d video_id=%t duration=%t",
				title != "", publisher != "", views, videoID != "", duration != "")
			continue
		}

		list.Recommendations = append(list.Recommendations, models.Recommendation{
			Title:     title,
			Publisher: publisher,
			Views:     views,
			VideoID:   videoID,
			Link:      link,
			Duration:  duration,
		})
	}

	return list, nil
}

func firstText(doc *goquery.Document, selectors []string) string {
	for _, selector := range selectors {
		if sel := doc.Find(selector).First(); sel.Length() > 0 {
			return strings.TrimSpace(sel.Text())
		}
	}
	return ""
}

func firstAttr(doc *goquery.Document, selectors []string, attr string) string {
	for _, selector := range selectors {
		if value, ok := doc.Find(selector).First().Attr(attr); ok {
			return value
		}
	}
	return ""
}

// durationFromAriaLabel recovers a duration from accessibility text such as
// "1 hour, 13 minutes" or "26 minutes, 15 seconds" when no badge is present.
func durationFromAriaLabel(doc *goquery.Document, selectors []string) string {
	for _, selector := range selectors {
		label, ok := doc.Find(selector).First().Attr("aria-label")
		if !ok {
			continue
		}
		// Every group is optional, so the pattern also produces zero-width
		// matches. Scan for the first match that captured something.
		for _, m := range ariaLabelPattern.FindAllStringSubmatch(label, -1) {
			hours, _ := strconv.Atoi(m[1])
			minutes, _ := strconv.Atoi(m[2])
			seconds, _ := strconv.Atoi(m[3])
			if m[1] == "" && m[2] == "" && m[3] == "" {
				continue
			}

			// Always render an explicit seconds field so "1 hour, 13
			// minutes" cannot be mistaken for 1:13.
			if hours > 0 {
				return fmt.Sprintf("%d:%02d:%02d", hours, minutes, seconds)
			}
			return fmt.Sprintf("%d:%02d", minutes, seconds)
		}
	}
	return ""
}

// extractViews finds the metadata span that actually carries a view count.
// The same selectors match publisher spans, so the text is filtered for a
// "views" marker (English or French layouts).
func extractViews(doc *goquery.Document) int64 {
	var viewsText string
	for _, selector := range viewsSelectors {
		doc.Find(selector).EachWithBreak(func(_ int, sel *goquery.Selection) bool {
			text := sel.Text()
			if strings.Contains(text, "views") || strings.Contains(text, "vues") {
				viewsText = strings.TrimSpace(text)
				return false
			}
			return true
		})
		if viewsText != "" {
			break
		}
	}
	return ParseViews(viewsText)
}

// ParseViews normalizes a rendered view count to an integer. Suffixed counts
// ("12K views", "1.2M views") scale by the suffix; plain counts drop their
// thousands separators. Unparseable text yields 0.
func ParseViews(text string) int64 {
	cleaned := nonNumericRunes.ReplaceAllString(text, "")
	if cleaned == "" {
		return 0
	}

	switch {
	case strings.ContainsAny(text, "Kk"):
		value, err := strconv.ParseFloat(strings.ReplaceAll(cleaned, ",", "."), 64)
		if err != nil {
			return 0
		}
		return int64(value * 1000)
	case strings.ContainsAny(text, "Mm"):
		value, err := strconv.ParseFloat(strings.ReplaceAll(cleaned, ",", "."), 64)
		if err != nil {
			return 0
		}
		return int64(value * 1000000)
	default:
		digits := strings.NewReplacer(",", "", ".", "").Replace(cleaned)
		value, err := strconv.ParseInt(digits, 10, 64)
		if err != nil {
			return 0
		}
		return value
	}
}
