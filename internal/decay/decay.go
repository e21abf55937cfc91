// Package decay is the Decay Engine (C8): a pure function that ages an
// active emotion map forward by an elapsed duration, modulated by
// per-emotion-type physics characteristics and ambient context. It holds no
// state of its own — the appraisal engine (C7) calls it at the start of
// every flush and owns persistence of the result.
//
// Grounded on the confidence/score calculation shape of
// pkg/metaagent/learning/engine.go's calculateConfidence (a single bounded
// float formula assembled from several independent signal terms, each
// clamped to a sane range before combination).
package decay

import (
	"math"

	"github.com/meridianhq/meridian/internal/model"
)

const minAdjustedRate = 0.001

// ApplyDecay ages every entry in active forward by elapsedMinutes, returning
// the surviving map and the total intensity lost across all entries
// (including ones removed outright). profiles supplies the per-emotion-type
// physics/decay characteristics (spec's "personality" terms), keyed by
// emotion type; a type with no entry falls back to a neutral-ish default so
// an unrecognized emotion still decays rather than sticking around forever.
func ApplyDecay(active model.ActiveMap, elapsedMinutes float64, profiles map[string]model.EmotionProfile, ctx model.AppraisalContext) (model.ActiveMap, float64) {
	newMap := make(model.ActiveMap, len(active))
	var totalActivity float64

	for emotionType, inst := range active {
		if emotionType == "neutral" {
			totalActivity += inst.Intensity
			continue
		}

		if elapsedMinutes <= 0 {
			// Zero elapsed time is a no-op: exp(0) decays nothing, so skip
			// straight to preserving the entry rather than risking a
			// removal-threshold comparison against an already-stored
			// low-but-valid intensity.
			newMap[emotionType] = inst
			continue
		}

		profile, ok := profiles[emotionType]
		if !ok {
			profile = defaultProfile
		}

		if elapsedMinutes < profile.MinimumPersistence {
			newMap[emotionType] = inst
			continue
		}

		newIntensity := decayOne(inst.Intensity, elapsedMinutes, profile, ctx)
		totalActivity += inst.Intensity - newIntensity

		if newIntensity < removalThreshold(profile) {
			continue
		}
		newMap[emotionType] = model.EmotionInstance{
			Type:        emotionType,
			Intensity:   newIntensity,
			LastUpdated: inst.LastUpdated,
		}
	}

	return newMap, totalActivity
}

// defaultProfile is used for an emotion type with no registered physics
// characteristics: a middling decay rate and no stickiness, so it ages out
// rather than persisting indefinitely.
var defaultProfile = model.EmotionProfile{
	BaseDecayRate:        0.05,
	Resilience:           0.3,
	MinimumPersistence:   0,
	PersonalityStability: 0.5,
}

func decayOne(intensity, elapsedMinutes float64, profile model.EmotionProfile, ctx model.AppraisalContext) float64 {
	rate := adjustedDecayRate(profile, ctx)

	baseDecayFactor := math.Exp(-rate * elapsedMinutes)
	intermediate := intensity * baseDecayFactor

	resilience := math.Pow(intensity/100, 0.5) * profile.Resilience
	newIntensity := intensity - (intensity-intermediate)*(1-resilience)

	newIntensity = applyContextualModifiers(intensity, newIntensity, profile, ctx)

	return clamp(newIntensity, 0, 100)
}

// adjustedDecayRate combines the base rate with the modulators named in
// SPEC_FULL.md §4.8 step 3, each contributing a multiplicative factor
// bounded around 1.0 so no single signal can invert the sign of decay.
func adjustedDecayRate(profile model.EmotionProfile, ctx model.AppraisalContext) float64 {
	rate := profile.BaseDecayRate
	if rate <= 0 {
		rate = defaultProfile.BaseDecayRate
	}
	valence := profile.Valence

	presence := 1.0
	if ctx.IsUserPresent {
		presence += profile.SocialRelevance * 0.5
	}
	engaged := 1.0
	if ctx.IsUserEngaged {
		engaged += 0.25
	}
	activity := 1.0 + ctx.RecentEmotionalActivity*0.1
	stress := 1.0 + ctx.EnvironmentalStress*valence*0.1
	support := 1.0 - ctx.SocialSupport*valence*0.1
	tod := timeOfDayFactor(ctx.TimeOfDay)
	stability := 0.5 + 0.5*profile.PersonalityStability

	adjusted := rate * presence * engaged * activity * stress * support * tod * stability
	return math.Max(adjusted, minAdjustedRate)
}

// timeOfDayFactor gives emotions a slightly longer half-life overnight, when
// there is no user activity to refresh them, and a slightly shorter one
// during the afternoon peak-activity window.
func timeOfDayFactor(timeOfDay string) float64 {
	switch timeOfDay {
	case "morning":
		return 1.0
	case "afternoon":
		return 1.1
	case "evening":
		return 0.95
	case "night":
		return 0.8
	default:
		return 1.0
	}
}

// applyContextualModifiers implements SPEC_FULL.md §4.8 step 6: a rebound
// for high-arousal emotions in contexts with a lot of recent emotional
// activity (they partially resist decay rather than falling off smoothly),
// and extra persistence for "sticky" emotions under either supportive or
// stressful context, both expressed as giving back a fraction of the
// intensity decay would otherwise remove.
func applyContextualModifiers(original, decayed float64, profile model.EmotionProfile, ctx model.AppraisalContext) float64 {
	lost := original - decayed
	if lost <= 0 {
		return decayed
	}

	result := decayed
	if profile.HighArousal && ctx.RecentEmotionalActivity > 0.5 {
		reboundFraction := (ctx.RecentEmotionalActivity - 0.5) * 0.4
		result += lost * reboundFraction
	}
	if profile.Sticky && (ctx.SocialSupport > 0.5 || ctx.EnvironmentalStress > 0.5) {
		result += lost * 0.3
	}
	return result
}

// removalThreshold computes the intensity floor below which an emotion is
// dropped from the active map entirely (SPEC_FULL.md §4.8 step 7): sticky
// emotions get a lower floor (they linger at low intensity rather than
// vanishing), and higher personality stability raises the floor slightly
// across the board (a more stable personality clears faint emotions faster).
func removalThreshold(profile model.EmotionProfile) float64 {
	base := 2.0
	if profile.Sticky {
		base = 0.5
	}
	return base * (1 + profile.PersonalityStability)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
