package model

import "time"

// EmotionInstance is one active OCC-type emotion with its current
// intensity, per SPEC_FULL.md §3. Intensities <= 1 are never stored and
// "neutral" is never stored — callers enforce this, not the struct.
type EmotionInstance struct {
	Type        string    `json:"type"`
	Intensity   float64   `json:"intensity"`
	LastUpdated time.Time `json:"last_updated"`
}

// ActiveMap is a session-scoped (or daemon-global, when SessionID == "")
// set of active emotions keyed by type.
type ActiveMap map[string]EmotionInstance

// Clone returns a deep copy so callers can mutate without racing the
// original.
func (m ActiveMap) Clone() ActiveMap {
	out := make(ActiveMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// StimulusEntry is buffered per session pending a flush, per §3.
type StimulusEntry struct {
	Payload   string
	Context   AppraisalContext
	Timestamp time.Time
}

// StimulusHistory is a persisted record of a past stimulus, used as physics
// and decay feedback, per §3.
type StimulusHistory struct {
	ID           string
	SessionID    string
	Timestamp    time.Time
	StimulusType string
	Valence      float64 // [-10, 10]
	Intensity    float64
	Context      AppraisalContext
}

// AppraisalContext is the contextual modulator bundle consumed by the
// physics and decay layers (§4.7, §4.8).
type AppraisalContext struct {
	IsUserPresent           bool    `json:"is_user_present"`
	IsUserEngaged           bool    `json:"is_user_engaged"`
	RecentEmotionalActivity float64 `json:"recent_emotional_activity"`
	EnvironmentalStress     float64 `json:"environmental_stress"`
	SocialSupport           float64 `json:"social_support"`
	TimeOfDay               string  `json:"time_of_day"` // morning|afternoon|evening|night
	SocialRelevance         float64 `json:"social_relevance,omitempty"`
}

// EmotionState is the persisted snapshot written after each flush, per §3.
type EmotionState struct {
	ID                 string
	SessionID          string
	PrimaryEmotion     string
	PrimaryIntensity   float64
	SecondaryEmotion   string
	SecondaryIntensity float64
	OverallIntensity   float64
	ActiveMap          ActiveMap
	LastDecayTime      time.Time
	TriggerReasoning   string
	LastUpdate         time.Time
}

// OCCProfile is the per-user/session goals/standards/attitudes bias applied
// during appraisal (§4.7) and the personality terms consumed by decay (§4.8).
type OCCProfile struct {
	Goals       []string                  `json:"goals,omitempty"`
	Standards   []string                  `json:"standards,omitempty"`
	Attitudes   []string                  `json:"attitudes,omitempty"`
	Personality map[string]EmotionProfile `json:"personality,omitempty"`
}

// EmotionProfile holds the per-emotion-type physics/decay characteristics:
// how fast it decays, how resilient it is to decay, how long it must live
// before decay may act on it, and how "sticky" (slow to remove) it is.
type EmotionProfile struct {
	BaseDecayRate        float64 `json:"base_decay_rate"`
	Resilience           float64 `json:"resilience"`
	MinimumPersistence   float64 `json:"minimum_persistence"` // minutes
	Sticky               bool    `json:"sticky"`
	Valence              float64 `json:"valence"` // sign/magnitude hint for valence derivation
	SocialRelevance      float64 `json:"social_relevance"`
	HighArousal          bool    `json:"high_arousal"`
	PersonalityStability float64 `json:"personality_stability"` // 0..1
}
