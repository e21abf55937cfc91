package api

import (
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/meridianhq/meridian/internal/model"
)

// emotionStateHandler handles GET /api/v1/sessions/:id/emotion/state.
func (s *Server) emotionStateHandler(c *echo.Context) error {
	state, err := s.store.LoadLatestEmotionState(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, state)
}

// emotionHistoryHandler handles
// GET /api/v1/sessions/:id/emotion/history?since_minutes=&limit=.
func (s *Server) emotionHistoryHandler(c *echo.Context) error {
	since := time.Now().Add(-time.Duration(parseQueryInt(c, "since_minutes", 60)) * time.Minute)

	history, err := s.store.LoadRecentStimulusHistory(c.Request().Context(), c.Param("id"), since, parseLimit(c, defaultListLimit))
	if err != nil {
		return mapServiceError(err)
	}
	if history == nil {
		history = []model.StimulusHistory{}
	}
	return c.JSON(http.StatusOK, history)
}

// emotionSummaryHandler handles GET /api/v1/sessions/:id/emotion/summary, a
// compact human-readable rendering of the current emotion state.
func (s *Server) emotionSummaryHandler(c *echo.Context) error {
	state, err := s.store.LoadLatestEmotionState(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapServiceError(err)
	}

	summary := "neutral"
	if state.PrimaryEmotion != "" {
		summary = state.PrimaryEmotion
		if state.SecondaryEmotion != "" {
			summary += " with a hint of " + state.SecondaryEmotion
		}
	}
	return c.JSON(http.StatusOK, EmotionSummaryResponse{
		Summary:          summary,
		PrimaryEmotion:   state.PrimaryEmotion,
		PrimaryIntensity: state.PrimaryIntensity,
		OverallIntensity: state.OverallIntensity,
		LastUpdate:       state.LastUpdate,
	})
}

// emotionProfileHandler handles GET /api/v1/sessions/:id/emotion/profile,
// returning the decay/OCC characteristics in force for the session's
// configured personality. Profile-resolution mirrors
// internal/broker's appraisalManagerFor.
func (s *Server) emotionProfileHandler(c *echo.Context) error {
	sess, err := s.store.LoadSession(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapServiceError(err)
	}

	profileName := s.cfg.Defaults.Personality
	if len(sess.Config.Personality) > 0 {
		profileName = sess.Config.Personality[0]
	}

	dp, err := s.cfg.DecayProfiles.Get(profileName)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "no decay profile configured for personality "+profileName)
	}
	return c.JSON(http.StatusOK, dp)
}
