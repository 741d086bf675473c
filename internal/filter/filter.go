// Package filter implements the persona relevance filter: it trims the
// current video's transcript to its opening seconds and asks the model
// whether the persona keeps watching. The filter only shortens watch time;
// any failure along the way counts as relevant so a flaky transcript or
// model outage never stalls a run.
package filter

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/feeddrift/feeddrift/internal/browser"
	"github.com/feeddrift/feeddrift/pkg/models"
)

// RelevanceChecker is the model capability the filter depends on.
type RelevanceChecker interface {
	CheckRelevance(ctx context.Context, personaDescription, transcript string, transcriptSeconds int) (models.RelevanceVerdict, error)
}

// Filter decides whether the persona keeps watching the current video.
type Filter struct {
	checker RelevanceChecker
	// TranscriptSeconds is how much of the transcript the verdict is based
	// on. Segments starting a little past the cutoff are kept so a sentence
	// spanning the boundary is not lost.
	transcriptSeconds int
}

func New(checker RelevanceChecker, transcriptSeconds int) *Filter {
	return &Filter{checker: checker, transcriptSeconds: transcriptSeconds}
}

// Check reads the current video's transcript from the browser and returns the
// persona's verdict. Every failure fails open.
func (f *Filter) Check(ctx context.Context, b browser.Browser, personaDescription string) models.RelevanceVerdict {
	html, err := b.TranscriptHTML(ctx)
	if err != nil {
		log.Printf("[Filter] Could not read transcript, treating video as relevant: %v", err)
		return failOpen()
	}

	transcript, err := TrimTranscript(html, f.transcriptSeconds+10)
	if err != nil {
		log.Printf("[Filter] Could not trim transcript, treating video as relevant: %v", err)
		return failOpen()
	}
	if transcript == "" {
		log.Printf("[Filter] Transcript empty after trimming, treating video as relevant")
		return failOpen()
	}

	verdict, err := f.checker.CheckRelevance(ctx, personaDescription, transcript, f.transcriptSeconds)
	if err != nil {
		log.Printf("[Filter] Relevance check failed, treating video as relevant: %v", err)
		return failOpen()
	}
	return verdict
}

func failOpen() models.RelevanceVerdict {
	return models.RelevanceVerdict{IsRelevant: true, Justification: "Error during relevance check."}
}

// TrimTranscript extracts the transcript text of segments starting before
// cutoffSeconds from the transcript panel HTML. Each kept segment is prefixed
// with its timestamp; segments are joined with newlines. Iteration stops at
// the first segment at or past the cutoff.
func TrimTranscript(html string, cutoffSeconds int) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", fmt.Errorf("failed to parse transcript: %w", err)
	}

	var lines []string
	doc.Find("ytd-transcript-segment-renderer").EachWithBreak(func(_ int, segment *goquery.Selection) bool {
		timestamp := strings.TrimSpace(segment.Find("div.segment-timestamp").First().Text())
		text := strings.TrimSpace(segment.Find("yt-formatted-string.segment-text").First().Text())
		if timestamp == "" || text == "" {
			return true
		}

		seconds := TimestampSeconds(timestamp)
		if seconds >= cutoffSeconds {
			return false
		}
		if seconds >= 0 {
			lines = append(lines, fmt.Sprintf("[%s] %s", timestamp, text))
		}
		return true
	})

	return strings.Join(lines, " \n"), nil
}

// TimestampSeconds converts a MM:SS or H:MM:SS timestamp to seconds. It
// returns -1 for any other shape.
func TimestampSeconds(timestamp string) int {
	parts := strings.Split(timestamp, ":")
	if len(parts) != 2 && len(parts) != 3 {
		return -1
	}

	total := 0
	for _, part := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return -1
		}
		total = total*60 + n
	}
	return total
}
