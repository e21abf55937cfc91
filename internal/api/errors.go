package api

import (
	"errors"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/meridianhq/meridian/internal/apperr"
)

// mapServiceError maps the shared apperr sentinel taxonomy to HTTP
// responses, the single place that translation happens for every handler.
func mapServiceError(err error) *echo.HTTPError {
	var validErr *apperr.ValidationError
	if errors.As(err, &validErr) {
		return echo.NewHTTPError(http.StatusBadRequest, validErr.Error())
	}
	if errors.Is(err, apperr.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "resource not found")
	}
	if errors.Is(err, apperr.ErrAlreadyExists) {
		return echo.NewHTTPError(http.StatusConflict, "resource already exists")
	}
	if errors.Is(err, apperr.ErrNotCancellable) {
		return echo.NewHTTPError(http.StatusConflict, "not cancellable in current state")
	}
	if errors.Is(err, apperr.ErrRace) {
		return echo.NewHTTPError(http.StatusConflict, "lost race to a concurrent update")
	}
	if errors.Is(err, apperr.ErrLocked) {
		return echo.NewHTTPError(http.StatusConflict, "session is locked")
	}
	if errors.Is(err, apperr.ErrQueryInFlight) {
		return echo.NewHTTPError(http.StatusConflict, "query already in flight")
	}
	if errors.Is(err, apperr.ErrOwnershipMismatch) {
		return echo.NewHTTPError(http.StatusForbidden, "session owned by a different user")
	}
	if errors.Is(err, apperr.ErrNothingInFlight) {
		return echo.NewHTTPError(http.StatusConflict, "nothing in flight")
	}
	if errors.Is(err, apperr.ErrCyclicDependency) {
		return echo.NewHTTPError(http.StatusBadRequest, "cyclic agent dependency")
	}

	slog.Error("unexpected service error", "error", err)
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
}
