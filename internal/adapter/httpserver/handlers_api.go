package httpserver

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pscheid92/stbsettings/internal/domain"
	apperrors "github.com/pscheid92/stbsettings/internal/platform/errors"
)

const maxUpdateBytes = 64 << 10

// The JSON API is for scripted or single-page editors. The key in the path is
// the capability; no cookie is involved.
func (s *Server) registerAPIRoutes() {
	s.echo.GET("/api/sessions/:key", s.handleGetSession)
	s.echo.HEAD("/api/sessions/:key", s.handleKeepAlive)
	s.echo.POST("/api/sessions/:key/values", s.handleUpdateValues)
}

// State is "dirty" while an edit waits for the device's acknowledgement.
type sessionResponse struct {
	Revision uint64              `json:"revision"`
	State    domain.SessionState `json:"state"`
	Values   []domain.Parameter  `json:"values"`
	Conflict bool                `json:"conflict,omitempty"`
}

type updateRequest struct {
	Revision *uint64        `json:"revision"`
	Values   map[string]any `json:"values"`
}

func (s *Server) handleGetSession(c echo.Context) error {
	snap, err := s.app.Settings(c.Request().Context(), c.Param("key"))
	if err != nil {
		return err
	}

	if err := c.JSON(http.StatusOK, sessionResponse{Revision: snap.Revision, State: snap.State(), Values: snap.Parameters}); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

func (s *Server) handleUpdateValues(c echo.Context) error {
	body := http.MaxBytesReader(c.Response(), c.Request().Body, maxUpdateBytes)

	var req updateRequest
	dec := json.NewDecoder(body)
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		return apperrors.ValidationError("request body must be a JSON object with values").WithField("reason", err.Error())
	}
	if req.Values == nil {
		req.Values = map[string]any{}
	}

	res, err := s.app.SubmitUpdate(c.Request().Context(), c.Param("key"), req.Revision, req.Values)
	if err != nil {
		return err
	}

	// An accepted update always leaves the session waiting for the device.
	resp := sessionResponse{Revision: res.Revision, State: domain.StateDirty, Values: res.Parameters, Conflict: res.Conflict}
	if err := c.JSON(http.StatusOK, resp); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

// handleKeepAlive lets an open editor hold the session past the idle window.
func (s *Server) handleKeepAlive(c echo.Context) error {
	if err := s.app.KeepAlive(c.Request().Context(), c.Param("key")); err != nil {
		return err
	}
	if err := c.NoContent(http.StatusNoContent); err != nil {
		return fmt.Errorf("failed to send response: %w", err)
	}
	return nil
}
