// Package models defines the shared value types exchanged between the
// navigation engine, the extraction strategies, the model clients, and the
// session ledger.
package models

import "time"

// Recommendation source tags. Every logged recommendation row carries exactly
// one of these, identifying which surface the candidate was scraped from.
const (
	SourceContext  = "context"
	SourceSidebar  = "sidebar"
	SourceHomepage = "homepage"
)

// Choice methods recorded on selected recommendation rows.
const (
	MethodRandom  = "random"
	MethodPersona = "persona"
)

// Experiment modes.
const (
	ModeSinglePersona     = "single_persona"
	ModeRandomChoice      = "random_choice"
	ModeMixedPersona      = "mixed_persona"
	ModeSequentialPersona = "sequential_persona"
)

// Session statuses.
const (
	SessionRunning   = "running"
	SessionCompleted = "completed"
	SessionFailed    = "failed"
)

// NoInterestingVideo is the sentinel video ID a chooser returns when none of
// the offered candidates is worth watching. It triggers the homepage fallback.
const NoInterestingVideo = "no_interesting_video"

// Recommendation is one normalized candidate extracted from a page fragment.
type Recommendation struct {
	Title     string `json:"title"`
	Publisher string `json:"publisher"`
	Views     int64  `json:"views"`
	VideoID   string `json:"video_id"`
	Link      string `json:"link"`
	Duration  string `json:"duration"` // h:mm:ss or mm:ss, as shown on the page
	Source    string `json:"recommendation_source"`
}

// RecommendationList wraps a batch of recommendations. It matches the
// structured-output contract used by the model-driven extractor.
type RecommendationList struct {
	Recommendations []Recommendation `json:"recommendations"`
}

// FindByID returns the recommendation with the given video ID, if present.
func (l RecommendationList) FindByID(videoID string) (Recommendation, bool) {
	for _, rec := range l.Recommendations {
		if rec.VideoID == videoID {
			return rec, true
		}
	}
	return Recommendation{}, false
}

// VideoIDs returns the IDs of all recommendations in order.
func (l RecommendationList) VideoIDs() []string {
	ids := make([]string, 0, len(l.Recommendations))
	for _, rec := range l.Recommendations {
		ids = append(ids, rec.VideoID)
	}
	return ids
}

// Tag sets the recommendation source on every entry in place.
func (l RecommendationList) Tag(source string) {
	for i := range l.Recommendations {
		l.Recommendations[i].Source = source
	}
}

// VideoChoice is the static contract for a chooser decision: the chosen video
// ID (or NoInterestingVideo) plus a short justification.
type VideoChoice struct {
	VideoID       string `json:"video_id"`
	Justification string `json:"justification"`
}

// RelevanceVerdict is the relevance filter's decision for one video.
type RelevanceVerdict struct {
	IsRelevant    bool   `json:"is_relevant"`
	Justification string `json:"justification"`
	// Transcript holds the transcript slice the verdict was based on. It is
	// filled in by the filter, not the model.
	Transcript string `json:"-"`
}

// Profile is a stored viewer persona. Read-only to the engine.
type Profile struct {
	ID          int64
	Name        string
	Description string
	CreatedAt   time.Time
}

// Context is a named, ordered list of priming videos. Read-only to the engine.
type Context struct {
	Name      string
	VideoIDs  []string
	CreatedAt time.Time
}

// Session is one experiment run's ledger row.
type Session struct {
	ID        int64
	Status    string
	StartTime time.Time
	EndTime   *time.Time
}

// RecommendationRow is one appended recommendation-log entry.
type RecommendationRow struct {
	SessionID     int64
	Depth         int
	SourceVideoID string
	RecommendedID string
	Rank          int
	Source        string
	WasSelected   bool
	Justification string
	ViewCount     int64
	IsContext     bool
	ProfileID     *int64
	ChoiceMethod  string
}

// SessionOutcome summarizes one engine run for the supervisor.
type SessionOutcome struct {
	WorkerID  int
	SessionID int64
	Status    string
	Steps     int
	Err       error
}
