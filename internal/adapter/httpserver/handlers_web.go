package httpserver

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/sessions"
	"github.com/labstack/echo/v4"
	"github.com/pscheid92/stbsettings/internal/domain"
)

const (
	formFieldCode     = "code"
	formFieldRevision = "_revision"

	msgMissingCode = "Please enter the code shown on your TV."
	msgUnknownCode = "This code is unknown or has expired. Check the code on your TV and try again."
)

func (s *Server) registerWebRoutes(csrfMiddleware, keyEntryLimiter echo.MiddlewareFunc) {
	s.echo.GET("/", s.handleIndex, csrfMiddleware)
	s.echo.POST("/", s.handleKeyEntry, keyEntryLimiter, csrfMiddleware)
	s.echo.GET("/settings", s.handleSettings, s.requireKey, csrfMiddleware)
	s.echo.POST("/settings", s.handleSubmitSettings, s.requireKey, csrfMiddleware)
}

type optionView struct {
	Value    string
	Title    string
	Selected bool
}

type fieldView struct {
	Name    string
	Title   string
	Type    string
	Value   string
	Checked bool
	Min     string
	Max     string
	Options []optionView
	Error   string
}

func buildFieldViews(params []domain.Parameter, invalid *domain.InvalidValueError) []fieldView {
	fields := make([]fieldView, 0, len(params))
	for _, p := range params {
		f := fieldView{
			Name:  p.Name,
			Title: p.Title,
			Type:  string(p.Type),
			Value: fmt.Sprint(p.Value),
		}
		if p.Min != nil {
			f.Min = strconv.FormatInt(*p.Min, 10)
		}
		if p.Max != nil {
			f.Max = strconv.FormatInt(*p.Max, 10)
		}
		if b, ok := p.Value.(bool); ok {
			f.Checked = b
		}
		for _, o := range p.Options {
			f.Options = append(f.Options, optionView{Value: o.Value, Title: o.Title, Selected: o.Value == f.Value})
		}
		if invalid != nil && invalid.Field == p.Name {
			f.Error = invalid.Reason
		}
		fields = append(fields, f)
	}
	return fields
}

// requireKey resolves the key stored in the browser session. A missing key
// sends the visitor back to key entry.
func (s *Server) requireKey(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		session, err := s.sessionStore.Get(c.Request(), sessionName)
		if err != nil {
			return c.Redirect(http.StatusSeeOther, "./")
		}

		key, ok := session.Values[sessionKeyKey].(string)
		if !ok || key == "" {
			return c.Redirect(http.StatusSeeOther, "./")
		}

		c.Set("key", key)
		c.Set("session", session)
		return next(c)
	}
}

// forgetKey drops a key that no longer resolves and returns to key entry.
func (s *Server) forgetKey(c echo.Context) error {
	if session, ok := c.Get("session").(*sessions.Session); ok {
		delete(session.Values, sessionKeyKey)
		session.Options.MaxAge = -1
		if err := session.Save(c.Request(), c.Response().Writer); err != nil {
			slog.WarnContext(c.Request().Context(), "Failed to clear browser session", "error", err)
		}
	}
	return c.Redirect(http.StatusSeeOther, "./")
}

func (s *Server) renderIndex(c echo.Context, status int, message string) error {
	return s.renderTemplate(c, status, "index.html", map[string]any{
		"Error":     message,
		"CSRFToken": c.Get("csrf"),
	})
}

func (s *Server) handleIndex(c echo.Context) error {
	return s.renderIndex(c, http.StatusOK, "")
}

func (s *Server) handleKeyEntry(c echo.Context) error {
	key := strings.TrimSpace(c.FormValue(formFieldCode))
	if key == "" {
		return s.renderIndex(c, http.StatusBadRequest, msgMissingCode)
	}

	if _, err := s.app.Settings(c.Request().Context(), key); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return s.renderIndex(c, http.StatusOK, msgUnknownCode)
		}
		return s.renderError(c, err)
	}

	session, err := s.sessionStore.New(c.Request(), sessionName)
	if err != nil {
		slog.WarnContext(c.Request().Context(), "Discarding unreadable browser session", "error", err)
	}
	session.Values[sessionKeyKey] = key
	if err := session.Save(c.Request(), c.Response().Writer); err != nil {
		return fmt.Errorf("failed to save browser session: %w", err)
	}

	return c.Redirect(http.StatusSeeOther, "./settings")
}

func (s *Server) renderSettings(c echo.Context, status int, snap domain.Snapshot, invalid *domain.InvalidValueError) error {
	message := ""
	if invalid != nil {
		message = "Some values were not accepted. Nothing was sent to your TV."
	}
	return s.renderTemplate(c, status, "settings.html", map[string]any{
		"Fields":    buildFieldViews(snap.Parameters, invalid),
		"Revision":  snap.Revision,
		"Error":     message,
		"CSRFToken": c.Get("csrf"),
	})
}

func (s *Server) handleSettings(c echo.Context) error {
	key, _ := c.Get("key").(string)

	snap, err := s.app.Settings(c.Request().Context(), key)
	if errors.Is(err, domain.ErrNotFound) {
		return s.forgetKey(c)
	}
	if err != nil {
		return s.renderError(c, err)
	}

	return s.renderSettings(c, http.StatusOK, snap, nil)
}

// formValues maps a submitted form onto the session's parameters. Browsers omit
// unchecked checkboxes, so an absent bool means false.
func formValues(params []domain.Parameter, form map[string][]string) map[string]any {
	values := make(map[string]any, len(params))
	for _, p := range params {
		raw, present := form[p.Name]
		switch {
		case present && len(raw) > 0:
			values[p.Name] = raw[0]
		case p.Type == domain.TypeBool:
			values[p.Name] = false
		}
	}
	return values
}

func (s *Server) handleSubmitSettings(c echo.Context) error {
	ctx := c.Request().Context()
	key, _ := c.Get("key").(string)

	form, err := c.FormParams()
	if err != nil {
		return s.renderTemplate(c, http.StatusBadRequest, "error.html", map[string]any{"Message": "The form could not be read."})
	}

	snap, err := s.app.Settings(ctx, key)
	if errors.Is(err, domain.ErrNotFound) {
		return s.forgetKey(c)
	}
	if err != nil {
		return s.renderError(c, err)
	}

	var expected *uint64
	if raw := form.Get(formFieldRevision); raw != "" {
		if rev, err := strconv.ParseUint(raw, 10, 64); err == nil {
			expected = &rev
		}
	}

	_, err = s.app.SubmitUpdate(ctx, key, expected, formValues(snap.Parameters, form))

	var invalid *domain.InvalidValueError
	switch {
	case err == nil:
		return s.renderTemplate(c, http.StatusOK, "submitted.html", nil)
	case errors.Is(err, domain.ErrNotFound):
		return s.forgetKey(c)
	case errors.As(err, &invalid):
		return s.renderSettings(c, http.StatusBadRequest, snap, invalid)
	default:
		return s.renderError(c, err)
	}
}

func (s *Server) renderError(c echo.Context, err error) error {
	structuredErr := toStructuredError(err)
	logError(c, structuredErr)
	return s.renderTemplate(c, structuredErr.HTTPStatus(), "error.html", map[string]any{
		"Message": structuredErr.Message,
	})
}
