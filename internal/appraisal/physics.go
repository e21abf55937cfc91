package appraisal

import (
	"time"

	"github.com/meridianhq/meridian/internal/model"
)

// PhysicsContext bundles the inputs spec.md §4.7 names as the physics
// layer's contract: recent-stimuli history, time-since-last-major-change,
// social context, and per-emotion characteristics.
type PhysicsContext struct {
	RecentStimuli            []model.StimulusHistory
	TimeSinceLastMajorChange time.Duration
	AppraisalContext         model.AppraisalContext
	CurrentIntensity         float64 // 0 if the emotion is not currently active
	Profile                  model.EmotionProfile
}

// stabilityWindow bounds how long after a major change the physics layer
// resists a further large swing in intensity.
const stabilityWindow = 5 * time.Minute

// CalculateIntensityChange computes the post-appraisal intensity for one
// emotion type given the LLM's raw appraised intensity, bounded to [0,100]
// per spec.md §4.7. It is a pure function of its inputs: identical
// rawIntensity and ctx always produce the identical result (the idempotence
// law spec.md §8 names), so this package holds no state of its own.
func CalculateIntensityChange(emotionType string, rawIntensity float64, ctx PhysicsContext) float64 {
	reinforcement := recentReinforcement(emotionType, ctx.RecentStimuli)
	boosted := rawIntensity * (1 + reinforcement)

	momentum := 1.0
	if ctx.TimeSinceLastMajorChange < stabilityWindow {
		momentum = 0.6 // resist a big swing right on the heels of a major change
	}

	social := 1.0
	if ctx.AppraisalContext.IsUserPresent {
		social += ctx.Profile.SocialRelevance * 0.3
	}
	if ctx.AppraisalContext.SocialSupport > 0 {
		social += ctx.AppraisalContext.SocialSupport * 0.1
	}

	delta := (boosted - ctx.CurrentIntensity) * momentum * social
	return clamp(ctx.CurrentIntensity+delta, 0, 100)
}

// recentReinforcement scales a raw intensity up when the same stimulus type
// has appeared repeatedly in the recent-stimuli window — a recurring
// irritant or a string of good news should accrue faster than an isolated
// one-off.
func recentReinforcement(emotionType string, history []model.StimulusHistory) float64 {
	if len(history) == 0 {
		return 0
	}
	var matches int
	for _, h := range history {
		if h.StimulusType == emotionType {
			matches++
		}
	}
	return float64(matches) / float64(len(history)) * 0.5
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
