// Package policy resolves which choice method and persona govern each
// persona-phase step. Resolution is pure: the same configuration, step, and
// random source always yield the same answer.
package policy

import (
	"log"
	"math/rand"

	"github.com/feeddrift/feeddrift/pkg/config"
	"github.com/feeddrift/feeddrift/pkg/models"
)

// Resolution is the choice context for one step. ProfileID is nil for random
// choice.
type Resolution struct {
	Method    string
	ProfileID *int64
}

func random() Resolution {
	return Resolution{Method: models.MethodRandom}
}

func persona(profileID int64) Resolution {
	return Resolution{Method: models.MethodPersona, ProfileID: &profileID}
}

// Resolve determines the choice method and persona for persona-phase step
// (zero-based). Misconfigured or exhausted modes fall back to random choice
// rather than aborting the walk.
func Resolve(exp config.ExperimentConfig, step int, rng *rand.Rand) Resolution {
	switch exp.Mode {
	case models.ModeSinglePersona:
		return persona(exp.ProfileID)

	case models.ModeRandomChoice:
		return random()

	case models.ModeMixedPersona:
		if len(exp.PersonaMix) == 0 {
			log.Printf("[Policy] mixed_persona mode with empty persona_mix, falling back to random")
			return random()
		}
		return weightedDraw(exp.PersonaMix, rng)

	case models.ModeSequentialPersona:
		if len(exp.PersonaSequence) == 0 {
			log.Printf("[Policy] sequential_persona mode with empty persona_sequence, falling back to random")
			return random()
		}
		stepsSoFar := 0
		for _, stint := range exp.PersonaSequence {
			stepsSoFar += stint.Steps
			if step < stepsSoFar {
				return persona(stint.ProfileID)
			}
		}
		// The schedule is exhausted; the rest of the walk is random.
		return random()
	}

	log.Printf("[Policy] unknown mode %q, falling back to random", exp.Mode)
	return random()
}

// weightedDraw picks a persona proportionally to its weight. Weights are
// normalized at draw time, so they need not sum to one.
func weightedDraw(mix []config.PersonaWeight, rng *rand.Rand) Resolution {
	total := 0.0
	for _, w := range mix {
		if w.Weight > 0 {
			total += w.Weight
		}
	}
	if total == 0 {
		log.Printf("[Policy] persona_mix weights sum to zero, falling back to random")
		return random()
	}

	draw := rng.Float64() * total
	last := int64(0)
	for _, w := range mix {
		if w.Weight <= 0 {
			continue
		}
		last = w.ProfileID
		draw -= w.Weight
		if draw < 0 {
			return persona(w.ProfileID)
		}
	}
	// Floating point rounding can leave draw at exactly zero after the loop.
	return persona(last)
}
