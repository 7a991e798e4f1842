package httpserver

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pscheid92/stbsettings/internal/domain"
	apperrors "github.com/pscheid92/stbsettings/internal/platform/errors"
)

const maxSchemaBytes = 64 << 10

func (s *Server) registerDeviceRoutes(newSessionLimiter echo.MiddlewareFunc) {
	g := s.echo.Group("/stb")
	g.POST("/new-session", s.handleNewSession, newSessionLimiter)
	g.GET("/poll", s.handlePoll)
	g.POST("/ack", s.handleAck)
	g.GET("/del-session", s.handleEndSession)
	g.POST("/del-session", s.handleEndSession)
}

type pollResponse struct {
	Status   string             `json:"status"`
	Revision uint64             `json:"revision"`
	Values   []domain.Parameter `json:"values,omitempty"`
}

type ackResponse struct {
	Status   string `json:"status"`
	Revision uint64 `json:"revision"`
}

func (s *Server) handleNewSession(c echo.Context) error {
	body := http.MaxBytesReader(c.Response(), c.Request().Body, maxSchemaBytes)

	var params []domain.Parameter
	dec := json.NewDecoder(body)
	dec.UseNumber()
	if err := dec.Decode(&params); err != nil {
		return apperrors.ValidationError("request body must be a JSON array of parameters").WithField("reason", err.Error())
	}

	id, err := s.app.NewSession(c.Request().Context(), params)
	if err != nil {
		return err
	}

	if err := c.JSON(http.StatusOK, id); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

// deviceQuery reads the secret and revision every device call carries.
func deviceQuery(c echo.Context, needRevision bool) (string, uint64, error) {
	var (
		secret   string
		revision uint64
	)
	b := echo.QueryParamsBinder(c).MustString("sid", &secret)
	if needRevision {
		b = b.MustUint64("revision", &revision)
	}
	if err := b.BindError(); err != nil || secret == "" {
		return "", 0, apperrors.ValidationError("sid and revision query parameters are required")
	}
	return secret, revision, nil
}

func (s *Server) handlePoll(c echo.Context) error {
	secret, revision, err := deviceQuery(c, true)
	if err != nil {
		return err
	}

	res, err := s.app.Poll(c.Request().Context(), secret, revision)
	if err != nil {
		return err
	}

	resp := pollResponse{Status: "unchanged", Revision: res.Revision}
	if res.Changed {
		resp.Status = "changed"
		resp.Values = res.Parameters
	}
	if err := c.JSON(http.StatusOK, resp); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

func (s *Server) handleAck(c echo.Context) error {
	secret, revision, err := deviceQuery(c, true)
	if err != nil {
		return err
	}

	res, err := s.app.Acknowledge(c.Request().Context(), secret, revision)
	if err != nil {
		return err
	}

	resp := ackResponse{Status: "ignored", Revision: res.Revision}
	if res.Erased {
		resp.Status = "erased"
	}
	if err := c.JSON(http.StatusOK, resp); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

func (s *Server) handleEndSession(c echo.Context) error {
	secret, _, err := deviceQuery(c, false)
	if err != nil {
		return err
	}

	if err := s.app.EndSession(c.Request().Context(), secret); err != nil {
		return err
	}

	if err := c.JSON(http.StatusOK, map[string]string{"status": "ok"}); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}
