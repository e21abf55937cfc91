package decay

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianhq/meridian/internal/model"
)

func profile(baseRate, resilience, minPersistence, stability float64, sticky, highArousal bool) model.EmotionProfile {
	return model.EmotionProfile{
		BaseDecayRate:        baseRate,
		Resilience:           resilience,
		MinimumPersistence:   minPersistence,
		Sticky:               sticky,
		HighArousal:          highArousal,
		PersonalityStability: stability,
	}
}

func TestApplyDecayZeroElapsedIsNoOpExceptNeutralRemoval(t *testing.T) {
	active := model.ActiveMap{
		"joy":     {Type: "joy", Intensity: 40},
		"neutral": {Type: "neutral", Intensity: 10},
	}
	profiles := map[string]model.EmotionProfile{"joy": profile(0.1, 0.5, 0, 0.5, false, false)}

	newMap, total := ApplyDecay(active, 0, profiles, model.AppraisalContext{})

	require.Contains(t, newMap, "joy")
	assert.Equal(t, 40.0, newMap["joy"].Intensity)
	assert.NotContains(t, newMap, "neutral")
	assert.Equal(t, 10.0, total, "only the removed neutral entry contributes to total_activity")
}

func TestApplyDecaySurvivingIntensitiesStayInBoundsAndNeverNeutral(t *testing.T) {
	active := model.ActiveMap{
		"joy":     {Type: "joy", Intensity: 95},
		"anger":   {Type: "anger", Intensity: 30},
		"sadness": {Type: "sadness", Intensity: 3},
	}
	profiles := map[string]model.EmotionProfile{
		"joy":     profile(0.2, 0.4, 0, 0.5, false, true),
		"anger":   profile(0.5, 0.1, 0, 0.2, false, false),
		"sadness": profile(0.05, 0.8, 0, 0.9, true, false),
	}
	ctx := model.AppraisalContext{
		IsUserPresent: true, IsUserEngaged: true,
		RecentEmotionalActivity: 0.8, EnvironmentalStress: 0.6, SocialSupport: 0.7,
		TimeOfDay: "evening",
	}

	newMap, total := ApplyDecay(active, 45, profiles, ctx)

	assert.GreaterOrEqual(t, total, 0.0)
	for emotionType, inst := range newMap {
		assert.NotEqual(t, "neutral", emotionType)
		assert.GreaterOrEqual(t, inst.Intensity, 0.0)
		assert.LessOrEqual(t, inst.Intensity, 100.0)
	}
}

func TestApplyDecayRemovesBelowThresholdIntensity(t *testing.T) {
	active := model.ActiveMap{
		"fear": {Type: "fear", Intensity: 3, LastUpdated: time.Now().Add(-time.Hour)},
	}
	profiles := map[string]model.EmotionProfile{
		"fear": profile(2.0, 0.0, 0, 0.0, false, false),
	}

	newMap, total := ApplyDecay(active, 120, profiles, model.AppraisalContext{})

	assert.NotContains(t, newMap, "fear", "a high decay rate over a long elapsed window should drop a low-intensity emotion")
	assert.Greater(t, total, 0.0)
}

func TestApplyDecayRespectsMinimumPersistence(t *testing.T) {
	active := model.ActiveMap{
		"joy": {Type: "joy", Intensity: 50},
	}
	profiles := map[string]model.EmotionProfile{
		"joy": profile(0.9, 0.0, 30, 0.0, false, false),
	}

	newMap, total := ApplyDecay(active, 10, profiles, model.AppraisalContext{})

	assert.Equal(t, 50.0, newMap["joy"].Intensity, "an emotion younger than its minimum_persistence must not decay")
	assert.Equal(t, 0.0, total)
}

func TestApplyDecayStickyEmotionOutlastsNonStickyUnderSameRate(t *testing.T) {
	sticky := model.ActiveMap{"grief": {Type: "grief", Intensity: 50}}
	plain := model.ActiveMap{"grief": {Type: "grief", Intensity: 50}}

	stickyProfile := map[string]model.EmotionProfile{"grief": profile(0.3, 0.2, 0, 0.5, true, false)}
	plainProfile := map[string]model.EmotionProfile{"grief": profile(0.3, 0.2, 0, 0.5, false, false)}

	ctx := model.AppraisalContext{SocialSupport: 0.9}

	stickyResult, _ := ApplyDecay(sticky, 60, stickyProfile, ctx)
	plainResult, _ := ApplyDecay(plain, 60, plainProfile, ctx)

	require.Contains(t, stickyResult, "grief")
	if plainEntry, ok := plainResult["grief"]; ok {
		assert.Greater(t, stickyResult["grief"].Intensity, plainEntry.Intensity)
	}
}

func TestApplyDecayUnknownEmotionTypeUsesDefaultProfile(t *testing.T) {
	active := model.ActiveMap{"awe": {Type: "awe", Intensity: 20}}

	newMap, total := ApplyDecay(active, 30, map[string]model.EmotionProfile{}, model.AppraisalContext{})

	if inst, ok := newMap["awe"]; ok {
		assert.Less(t, inst.Intensity, 20.0)
	}
	assert.GreaterOrEqual(t, total, 0.0)
}
