// Package extractor turns raw recommendation page fragments into normalized
// candidate lists. Two strategies exist: a rule-based one built on CSS
// selectors, and a model-driven one that delegates to a language model with a
// structured output contract. A fallback wrapper retries with rules when the
// model strategy fails.
package extractor

import (
	"context"
	"fmt"
	"log"

	"github.com/feeddrift/feeddrift/pkg/models"
)

// Extractor parses a batch of HTML fragments into recommendations. Fragments
// that cannot be fully parsed are skipped, not errored.
type Extractor interface {
	Extract(ctx context.Context, fragments []string) (models.RecommendationList, error)
}

// RecommendationParser is the model-client capability the model-driven
// strategy depends on.
type RecommendationParser interface {
	ParseRecommendations(ctx context.Context, fragments []string) (models.RecommendationList, error)
}

// Model is the model-driven extraction strategy.
type Model struct {
	Parser RecommendationParser
}

// Extract delegates the full fragment batch to the model client.
func (m Model) Extract(ctx context.Context, fragments []string) (models.RecommendationList, error) {
	if len(fragments) == 0 {
		return models.RecommendationList{}, nil
	}
	log.Printf("[Extractor] Parsing %d fragments with model", len(fragments))
	list, err := m.Parser.ParseRecommendations(ctx, fragments)
	if err != nil {
		return models.RecommendationList{}, fmt.Errorf("failed to parse recommendations with model: %w", err)
	}
	return list, nil
}

type fallbackExtractor struct {
	primary  Extractor
	fallback Extractor
}

// WithFallback wraps an extractor so that a failure retries with the
// rule-based strategy. The rule-based strategy itself is returned unwrapped
// since it has no cheaper fallback.
func WithFallback(primary Extractor) Extractor {
	if _, ok := primary.(Rules); ok {
		return primary
	}
	return fallbackExtractor{primary: primary, fallback: Rules{}}
}

func (f fallbackExtractor) Extract(ctx context.Context, fragments []string) (models.RecommendationList, error) {
	list, err := f.primary.Extract(ctx, fragments)
	if err == nil {
		return list, nil
	}

	log.Printf("[Extractor] Primary strategy failed, falling back to rules: %v", err)
	list, fbErr := f.fallback.Extract(ctx, fragments)
	if fbErr != nil {
		return models.RecommendationList{}, fmt.Errorf("all extraction strategies failed: %w (fallback: %v)", err, fbErr)
	}
	return list, nil
}
