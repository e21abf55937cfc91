// Package appraisal is the Appraisal Engine (C7): one Manager per session
// (or one daemon-global Manager for session_id == "") that buffers incoming
// stimuli, periodically flushes them through an LLM appraisal call and the
// physics layer, and persists the resulting EmotionState, per SPEC_FULL.md
// §4.7. Its per-scope mutex-around-flush/decay shape mirrors
// internal/eventlog's Log and internal/sandbox's Supervisor.
package appraisal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/meridianhq/meridian/internal/apperr"
	"github.com/meridianhq/meridian/internal/decay"
	"github.com/meridianhq/meridian/internal/llmclient"
	"github.com/meridianhq/meridian/internal/model"
	"github.com/meridianhq/meridian/internal/store"
)

// RecentStimuliMax bounds how many StimulusHistory rows a Manager keeps in
// memory for physics feedback (spec.md §4.7 names the constant but not its
// value; invented here and documented in DESIGN.md alongside decay's
// modulator coefficients).
const RecentStimuliMax = 50

// RecentStimuliWindow is the lookback horizon for recent-stimuli
// restoration and physics reinforcement, fixed by spec.md §4.7 at 60 min.
const RecentStimuliWindow = 60 * time.Minute

// MaxBatchSize bounds how many buffered stimuli one Flush drains at once.
// Not given a value by spec.md; invented here.
const MaxBatchSize = 8

const appraisalResultSchema = `{
	"type": "object",
	"properties": {
		"resulting_emotions": {
			"type": "array",
			"items": {
				"type": "object",
				"properties": {
					"type": {"type": "string"},
					"intensity": {"type": "number"}
				},
				"required": ["type", "intensity"]
			}
		},
		"reasoning": {"type": "string"}
	},
	"required": ["resulting_emotions", "reasoning"]
}`

// appraisalOutput is the typed shape of a validated structured-output
// response, reconstructed from the generic map llmclient hands back.
type appraisalOutput struct {
	ResultingEmotions []struct {
		Type      string  `json:"type"`
		Intensity float64 `json:"intensity"`
	} `json:"resulting_emotions"`
	Reasoning string `json:"reasoning"`
}

// Manager holds one session's (or the daemon-global scope's, when
// sessionID == "") appraisal state: its OCC profile, active emotion map,
// decay/change/stimulus timestamps, pending stimulus buffer and
// recent-stimuli window.
type Manager struct {
	mu sync.Mutex

	sessionID string
	store     *store.Store
	client    llmclient.StructuredClient
	profiles  map[string]model.EmotionProfile
	occ       model.OCCProfile

	active              model.ActiveMap
	lastDecayTime       time.Time
	lastMajorChangeTime time.Time
	lastStimulusTime    time.Time
	pending             []model.StimulusEntry
	recentStimuli       []model.StimulusHistory
}

// NewManager constructs a Manager for sessionID ("" for the daemon-global
// scope) against the given store, structured-output client, and per-type
// decay/physics profiles.
func NewManager(sessionID string, st *store.Store, client llmclient.StructuredClient, profiles map[string]model.EmotionProfile, occ model.OCCProfile) *Manager {
	return &Manager{
		sessionID: sessionID,
		store:     st,
		client:    client,
		profiles:  profiles,
		occ:       occ,
		active:    make(model.ActiveMap),
	}
}

// Initialize loads the most recent persisted EmotionState and the
// recent-stimuli window from the store, per spec.md §4.7's Initialize step.
// Safe to call on a fresh scope with no prior history (apperr.ErrNotFound is
// treated as "start from empty", not an error).
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, err := m.store.LoadLatestEmotionState(ctx, m.sessionID)
	switch {
	case err == nil:
		m.active = state.ActiveMap.Clone()
		m.lastDecayTime = state.LastDecayTime
	case errors.Is(err, apperr.ErrNotFound):
		m.active = make(model.ActiveMap)
		m.lastDecayTime = time.Now()
	default:
		return fmt.Errorf("appraisal: loading latest emotion state: %w", err)
	}

	since := time.Now().Add(-RecentStimuliWindow)
	history, err := m.store.LoadRecentStimulusHistory(ctx, m.sessionID, since, RecentStimuliMax)
	if err != nil {
		return fmt.Errorf("appraisal: loading recent stimulus history: %w", err)
	}
	m.recentStimuli = history
	return nil
}

// BufferStimulus appends entry to the pending buffer and advances
// last_stimulus_time, per spec.md §4.7's Buffer step.
func (m *Manager) BufferStimulus(entry model.StimulusEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = append(m.pending, entry)
	m.lastStimulusTime = entry.Timestamp
}

// PendingCount reports how many stimuli are buffered awaiting flush, for
// callers deciding whether a flush is due.
func (m *Manager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Flush drains up to MaxBatchSize pending stimuli, applies decay, calls the
// structured-output client for an appraisal, runs the physics layer over
// the result, and persists the new EmotionState plus one StimulusHistory
// row per flushed entry, per spec.md §4.7's Flush step. A no-op (returns
// nil) if nothing is pending.
func (m *Manager) Flush(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.pending) == 0 {
		return nil
	}
	batch := m.pending
	if len(batch) > MaxBatchSize {
		batch = batch[:MaxBatchSize]
	}
	m.pending = m.pending[len(batch):]

	stimulus := batch[0].Payload
	apprCtx := batch[0].Context
	if len(batch) > 1 {
		payloads := make([]string, len(batch))
		for i, e := range batch {
			payloads[i] = e.Payload
		}
		stimulus = strings.Join(payloads, "\n")
		apprCtx = batch[len(batch)-1].Context
	}

	now := time.Now()
	elapsed := now.Sub(m.lastDecayTime).Minutes()
	m.active, _ = decay.ApplyDecay(m.active, elapsed, m.profiles, apprCtx)
	m.lastDecayTime = now

	req := llmclient.StructuredRequest{
		SystemPrompt: "You are the appraisal component of an emotional-state engine. " +
			"Given the current emotion state, a goals/standards/attitudes profile, context, " +
			"and a batched stimulus, output the resulting emotions it provokes.",
		Prompt:     m.buildPrompt(stimulus, apprCtx),
		SchemaName: "appraisal_result",
		Schema:     []byte(appraisalResultSchema),
	}
	raw, err := m.client.CompleteStructured(ctx, req)
	if err != nil {
		return fmt.Errorf("appraisal: structured appraisal call: %w", err)
	}

	encoded, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("appraisal: re-encoding appraisal result: %w", err)
	}
	var out appraisalOutput
	if err := json.Unmarshal(encoded, &out); err != nil {
		return fmt.Errorf("appraisal: decoding appraisal result: %w", err)
	}

	changed := false
	var maxRawIntensity float64
	var valenceSum float64
	for _, re := range out.ResultingEmotions {
		if re.Intensity > maxRawIntensity {
			maxRawIntensity = re.Intensity
		}
		profile := m.profileFor(re.Type)
		sign := 1.0
		if profile.Valence < 0 {
			sign = -1.0
		}
		valenceSum += sign * re.Intensity / 10

		if re.Intensity <= 0 || re.Type == "neutral" {
			continue
		}

		physicsResult := CalculateIntensityChange(re.Type, re.Intensity, PhysicsContext{
			RecentStimuli:            m.recentStimuli,
			TimeSinceLastMajorChange: now.Sub(m.lastMajorChangeTime),
			AppraisalContext:         apprCtx,
			CurrentIntensity:         m.currentIntensity(re.Type),
			Profile:                  profile,
		})

		if physicsResult > 1 {
			m.active[re.Type] = model.EmotionInstance{Type: re.Type, Intensity: physicsResult, LastUpdated: now}
			changed = true
		} else if _, active := m.active[re.Type]; active {
			delete(m.active, re.Type)
			changed = true
		}
	}
	if changed {
		m.lastMajorChangeTime = now
	}

	valence := clampValence(valenceSum)
	primary, primaryIntensity, secondary, secondaryIntensity := m.topTwo()

	state := &model.EmotionState{
		SessionID:          m.sessionID,
		PrimaryEmotion:     primary,
		PrimaryIntensity:   primaryIntensity,
		SecondaryEmotion:   secondary,
		SecondaryIntensity: secondaryIntensity,
		OverallIntensity:   primaryIntensity,
		ActiveMap:          m.active.Clone(),
		LastDecayTime:      m.lastDecayTime,
		TriggerReasoning:   out.Reasoning,
		LastUpdate:         now,
	}
	if err := m.store.InsertEmotionState(ctx, state); err != nil {
		return fmt.Errorf("appraisal: persisting emotion state: %w", err)
	}

	for _, e := range batch {
		hist := &model.StimulusHistory{
			SessionID:    m.sessionID,
			Timestamp:    e.Timestamp,
			StimulusType: primary,
			Valence:      valence,
			Intensity:    maxRawIntensity,
			Context:      e.Context,
		}
		if err := m.store.InsertStimulusHistory(ctx, hist); err != nil {
			return fmt.Errorf("appraisal: persisting stimulus history: %w", err)
		}
		m.recentStimuli = append(m.recentStimuli, *hist)
	}
	if len(m.recentStimuli) > RecentStimuliMax {
		m.recentStimuli = m.recentStimuli[len(m.recentStimuli)-RecentStimuliMax:]
	}
	return nil
}

// Tick applies decay with no LLM call, for the background decay tick named
// in spec.md §4.8. Persists only if the decay pass produced a material
// change (total_activity > 0).
func (m *Manager) Tick(ctx context.Context, apprCtx model.AppraisalContext) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(m.lastDecayTime).Minutes()
	newActive, totalActivity := decay.ApplyDecay(m.active, elapsed, m.profiles, apprCtx)
	m.active = newActive
	m.lastDecayTime = now

	if totalActivity <= 0 {
		return nil
	}

	primary, primaryIntensity, secondary, secondaryIntensity := m.topTwo()
	state := &model.EmotionState{
		SessionID:          m.sessionID,
		PrimaryEmotion:     primary,
		PrimaryIntensity:   primaryIntensity,
		SecondaryEmotion:   secondary,
		SecondaryIntensity: secondaryIntensity,
		OverallIntensity:   primaryIntensity,
		ActiveMap:          m.active.Clone(),
		LastDecayTime:      m.lastDecayTime,
		LastUpdate:         now,
	}
	if err := m.store.InsertEmotionState(ctx, state); err != nil {
		return fmt.Errorf("appraisal: persisting decayed emotion state: %w", err)
	}
	return nil
}

func (m *Manager) currentIntensity(emotionType string) float64 {
	if inst, ok := m.active[emotionType]; ok {
		return inst.Intensity
	}
	return 0
}

func (m *Manager) profileFor(emotionType string) model.EmotionProfile {
	if p, ok := m.profiles[emotionType]; ok {
		return p
	}
	return model.EmotionProfile{Resilience: 0.3, PersonalityStability: 0.5}
}

// topTwo returns the two highest-intensity active emotions, per spec.md
// §4.7's "primary = highest-intensity, secondary = second-highest" rule.
func (m *Manager) topTwo() (primary string, primaryIntensity float64, secondary string, secondaryIntensity float64) {
	types := make([]string, 0, len(m.active))
	for t := range m.active {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool {
		return m.active[types[i]].Intensity > m.active[types[j]].Intensity
	})
	if len(types) > 0 {
		primary = types[0]
		primaryIntensity = m.active[primary].Intensity
	}
	if len(types) > 1 {
		secondary = types[1]
		secondaryIntensity = m.active[secondary].Intensity
	}
	return
}

func (m *Manager) buildPrompt(stimulus string, apprCtx model.AppraisalContext) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Current active emotions:\n")
	for t, inst := range m.active {
		fmt.Fprintf(&b, "- %s: %.1f\n", t, inst.Intensity)
	}
	fmt.Fprintf(&b, "Goals: %s\n", strings.Join(m.occ.Goals, "; "))
	fmt.Fprintf(&b, "Standards: %s\n", strings.Join(m.occ.Standards, "; "))
	fmt.Fprintf(&b, "Attitudes: %s\n", strings.Join(m.occ.Attitudes, "; "))
	fmt.Fprintf(&b, "Context: user_present=%v user_engaged=%v time_of_day=%s\n",
		apprCtx.IsUserPresent, apprCtx.IsUserEngaged, apprCtx.TimeOfDay)
	fmt.Fprintf(&b, "Stimulus:\n%s\n", stimulus)
	return b.String()
}

func clampValence(v float64) float64 {
	return math.Max(-10, math.Min(10, v))
}
