package api

import (
	"time"

	"github.com/meridianhq/meridian/internal/model"
)

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status  string                 `json:"status"`
	Version string                 `json:"version"`
	Checks  map[string]HealthCheck `json:"checks"`
}

// HealthCheck is one component's health status.
type HealthCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// StatusResponse is a minimal acknowledgement for actions with no richer
// payload to return (cancel, release, scratchpad set/delete...).
type StatusResponse struct {
	Status string `json:"status"`
}

// SwarmResponse bundles a Swarm with its agents, returned by the swarm
// create/get/wait endpoints.
type SwarmResponse struct {
	model.Swarm
	Agents []model.SwarmAgent `json:"agents"`
}

// EmotionSummaryResponse is returned by GET .../emotion/summary.
type EmotionSummaryResponse struct {
	Summary          string    `json:"summary"`
	PrimaryEmotion   string    `json:"primary_emotion"`
	PrimaryIntensity float64   `json:"primary_intensity"`
	OverallIntensity float64   `json:"overall_intensity"`
	LastUpdate       time.Time `json:"last_update"`
}
