package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/feeddrift/feeddrift/internal/metrics"
	"github.com/feeddrift/feeddrift/pkg/config"
	"github.com/feeddrift/feeddrift/pkg/models"
)

// Services exposes the three model-driven tasks. A nil task client means the
// task is not configured; callers gate on configuration before calling.
type Services struct {
	parser  Client
	chooser Client
	checker Client
	metrics *metrics.Metrics
}

// NewServices builds clients for every configured task.
func NewServices(cfg config.LLMConfig, m *metrics.Metrics) (*Services, error) {
	s := &Services{metrics: m}

	build := func(name string, tc config.TaskConfig) (Client, error) {
		if tc.Provider == "" {
			return nil, nil
		}
		client, err := NewClient(tc)
		if err != nil {
			return nil, fmt.Errorf("failed to build %s client: %w", name, err)
		}
		return client, nil
	}

	var err error
	if s.parser, err = build("parse_recommendations", cfg.ParseRecommendations); err != nil {
		return nil, err
	}
	if s.chooser, err = build("choose_video", cfg.ChooseVideo); err != nil {
		return nil, err
	}
	if s.checker, err = build("check_relevance", cfg.CheckRelevance); err != nil {
		return nil, err
	}
	return s, nil
}

// complete runs one model call, recording its latency under the task label.
func (s *Services) complete(ctx context.Context, task string, client Client, systemPrompt, userPrompt string) (string, error) {
	start := time.Now()
	raw, err := client.Complete(ctx, systemPrompt, userPrompt)
	s.metrics.ObserveModelCall(task, time.Since(start))
	return raw, err
}

const parseSystemPrompt = `You are a highly intelligent data extraction engine. Your sole purpose is to parse raw HTML from YouTube and convert it into a structured, clean format.

**Rules:**
1. Extract video information from HTML blocks
2. Convert view counts to integers (e.g., "1.2M views" -> 1200000)
3. Extract video_id from href attributes
4. Construct full YouTube URLs
5. Format duration as h:mm:ss or mm:ss
6. Ignore ads and blocks without complete information
7. Only include videos with all required fields

**Critical:** Only return videos that have all required information: title, publisher, views, video_id, link, and duration.

Respond with a JSON object of the form {"recommendations": [...]}.`

// ParseRecommendations extracts structured recommendations from raw HTML
// fragments. It satisfies the model-driven extraction strategy's contract.
func (s *Services) ParseRecommendations(ctx context.Context, fragments []string) (models.RecommendationList, error) {
	if s.parser == nil {
		return models.RecommendationList{}, fmt.Errorf("parse_recommendations task is not configured")
	}

	payload, err := json.Marshal(fragments)
	if err != nil {
		return models.RecommendationList{}, fmt.Errorf("failed to encode fragments: %w", err)
	}
	userPrompt := fmt.Sprintf("Parse these YouTube recommendation HTML blocks:\n\n%s", payload)

	raw, err := s.complete(ctx, "parse_recommendations", s.parser, parseSystemPrompt, userPrompt)
	if err != nil {
		return models.RecommendationList{}, fmt.Errorf("failed to parse recommendations: %w", err)
	}

	var list models.RecommendationList
	if err := json.Unmarshal([]byte(stripFences(raw)), &list); err != nil {
		return models.RecommendationList{}, fmt.Errorf("failed to decode recommendations: %w", err)
	}

	log.Printf("[LLM] Parsed %d recommendations", len(list.Recommendations))
	return list, nil
}

// ChooseVideo asks the model which candidate the persona watches next. The
// returned video ID is always either a member of the candidate pool or the
// no-interest sentinel: an ID the model invented is logged and demoted to the
// sentinel rather than trusted.
func (s *Services) ChooseVideo(ctx context.Context, personaDescription string, recs models.RecommendationList) (models.VideoChoice, error) {
	if s.chooser == nil {
		return models.VideoChoice{}, fmt.Errorf("choose_video task is not configured")
	}
	if len(recs.Recommendations) == 0 {
		return models.VideoChoice{}, fmt.Errorf("no recommendations provided for video selection")
	}

	allowed := append(recs.VideoIDs(), models.NoInterestingVideo)

	systemPrompt := fmt.Sprintf(
		"You are simulating a YouTube user with the following persona:\n\n%s\n\n"+
			"Task: You are shown a list of recommended YouTube videos, each with its title and channel "+
			"name. Based on the persona's preferences, stance, language, and personality traits, decide which "+
			"single video the persona will watch next.\n"+
			"Instructions:\n"+
			"- If one of the videos strongly matches the persona's interests and aligns with its preferences, choose it.\n"+
			"- If multiple videos are equally relevant, pick the one that best fits the persona's stance and viewing behavior.\n"+
			"- If none of the videos is worth watching, answer %q. This will reload the homepage for new recommendations.\n\n"+
			"Respond with a JSON object {\"video_id\": ..., \"justification\": ...}. "+
			"video_id must be one of: %s.\n",
		personaDescription, models.NoInterestingVideo, strings.Join(allowed, ", "))

	payload, err := json.MarshalIndent(recs.Recommendations, "", "  ")
	if err != nil {
		return models.VideoChoice{}, fmt.Errorf("failed to encode candidates: %w", err)
	}
	userPrompt := fmt.Sprintf("Choose from these videos:\n\n%s", payload)

	raw, err := s.complete(ctx, "choose_video", s.chooser, systemPrompt, userPrompt)
	if err != nil {
		return models.VideoChoice{}, fmt.Errorf("failed to choose video: %w", err)
	}

	var choice models.VideoChoice
	if err := json.Unmarshal([]byte(stripFences(raw)), &choice); err != nil {
		return models.VideoChoice{}, fmt.Errorf("failed to decode video choice: %w", err)
	}

	if choice.VideoID != models.NoInterestingVideo {
		if _, ok := recs.FindByID(choice.VideoID); !ok {
			log.Printf("[LLM] Model chose %q which is not in the candidate pool, treating as no interest", choice.VideoID)
			choice = models.VideoChoice{
				VideoID:       models.NoInterestingVideo,
				Justification: fmt.Sprintf("Model returned unknown video ID %q.", choice.VideoID),
			}
		}
	}

	return choice, nil
}

// CheckRelevance asks the model whether the persona keeps watching after the
// opening transcript slice.
func (s *Services) CheckRelevance(ctx context.Context, personaDescription, transcript string, transcriptSeconds int) (models.RelevanceVerdict, error) {
	if s.checker == nil {
		return models.RelevanceVerdict{}, fmt.Errorf("check_relevance task is not configured")
	}

	systemPrompt := fmt.Sprintf(
		"You are simulating a YouTube user with the following persona:\n\n%s\n\n"+
			"Task: You have watched the first %d seconds of a YouTube video. "+
			"Based on the transcript content from this time period, decide whether the persona "+
			"continues watching the video until the end or stops watching now.\n\n"+
			"- Set is_relevant to true if the content aligns with the persona's preferences, stance, and language, "+
			"or is interesting enough to watch fully.\n"+
			"- Set is_relevant to false if the content contradicts the persona's stance, is uninteresting, or irrelevant.\n\n"+
			"Respond with a JSON object {\"is_relevant\": ..., \"justification\": ...}.\n",
		personaDescription, transcriptSeconds)

	userPrompt := fmt.Sprintf("Analyze this video transcript:\n\n%s", transcript)

	raw, err := s.complete(ctx, "check_relevance", s.checker, systemPrompt, userPrompt)
	if err != nil {
		return models.RelevanceVerdict{}, fmt.Errorf("failed to check video relevance: %w", err)
	}

	var verdict models.RelevanceVerdict
	if err := json.Unmarshal([]byte(stripFences(raw)), &verdict); err != nil {
		return models.RelevanceVerdict{}, fmt.Errorf("failed to decode relevance verdict: %w", err)
	}
	verdict.Transcript = transcript
	return verdict, nil
}
