package appraisal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/meridianhq/meridian/internal/model"
)

func TestCalculateIntensityChangeIsIdempotentForIdenticalInputs(t *testing.T) {
	ctx := PhysicsContext{
		RecentStimuli: []model.StimulusHistory{
			{StimulusType: "joy"}, {StimulusType: "fear"}, {StimulusType: "joy"},
		},
		TimeSinceLastMajorChange: 10 * time.Minute,
		AppraisalContext:         model.AppraisalContext{IsUserPresent: true, SocialSupport: 0.4},
		CurrentIntensity:         30,
		Profile:                  model.EmotionProfile{SocialRelevance: 0.6},
	}

	first := CalculateIntensityChange("joy", 55, ctx)
	second := CalculateIntensityChange("joy", 55, ctx)

	assert.Equal(t, first, second)
}

func TestCalculateIntensityChangeStaysBounded(t *testing.T) {
	ctx := PhysicsContext{
		TimeSinceLastMajorChange: time.Hour,
		CurrentIntensity:         90,
		Profile:                  model.EmotionProfile{SocialRelevance: 1},
		AppraisalContext:         model.AppraisalContext{IsUserPresent: true, SocialSupport: 1},
		RecentStimuli: []model.StimulusHistory{
			{StimulusType: "anger"}, {StimulusType: "anger"}, {StimulusType: "anger"},
		},
	}

	result := CalculateIntensityChange("anger", 100, ctx)
	assert.GreaterOrEqual(t, result, 0.0)
	assert.LessOrEqual(t, result, 100.0)
}

func TestCalculateIntensityChangeDampensRightAfterMajorChange(t *testing.T) {
	base := PhysicsContext{
		CurrentIntensity: 10,
		Profile:          model.EmotionProfile{},
		AppraisalContext: model.AppraisalContext{},
	}

	justChanged := base
	justChanged.TimeSinceLastMajorChange = time.Minute
	settled := base
	settled.TimeSinceLastMajorChange = time.Hour

	deltaJustChanged := CalculateIntensityChange("sadness", 80, justChanged) - justChanged.CurrentIntensity
	deltaSettled := CalculateIntensityChange("sadness", 80, settled) - settled.CurrentIntensity

	assert.Less(t, deltaJustChanged, deltaSettled)
}

func TestRecentReinforcementScalesWithMatchFraction(t *testing.T) {
	history := []model.StimulusHistory{
		{StimulusType: "joy"}, {StimulusType: "joy"}, {StimulusType: "fear"},
	}
	assert.InDelta(t, 2.0/3.0*0.5, recentReinforcement("joy", history), 0.0001)
	assert.Equal(t, 0.0, recentReinforcement("joy", nil))
}
