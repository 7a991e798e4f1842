package httpserver

import (
	"context"
	"html/template"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/sessions"
	"github.com/labstack/echo/v4"
	"github.com/pscheid92/stbsettings/internal/domain"
	"github.com/pscheid92/stbsettings/internal/platform/config"
	"github.com/stretchr/testify/require"
)

// --- Mock implementations ---

type mockAppService struct {
	newSessionFn   func(ctx context.Context, params []domain.Parameter) (domain.Identity, error)
	pollFn         func(ctx context.Context, secret string, revision uint64) (domain.PollResult, error)
	settingsFn     func(ctx context.Context, key string) (domain.Snapshot, error)
	submitUpdateFn func(ctx context.Context, key string, expected *uint64, values map[string]any) (domain.UpdateResult, error)
	acknowledgeFn  func(ctx context.Context, secret string, revision uint64) (domain.AckResult, error)
	endSessionFn   func(ctx context.Context, secret string) error
	keepAliveFn    func(ctx context.Context, token string) error
}

func (m *mockAppService) NewSession(ctx context.Context, params []domain.Parameter) (domain.Identity, error) {
	if m.newSessionFn != nil {
		return m.newSessionFn(ctx, params)
	}
	return domain.Identity{Key: "test-key", Secret: "test-secret"}, nil
}

func (m *mockAppService) Poll(ctx context.Context, secret string, revision uint64) (domain.PollResult, error) {
	if m.pollFn != nil {
		return m.pollFn(ctx, secret, revision)
	}
	return domain.PollResult{}, domain.ErrNotFound
}

func (m *mockAppService) Settings(ctx context.Context, key string) (domain.Snapshot, error) {
	if m.settingsFn != nil {
		return m.settingsFn(ctx, key)
	}
	return domain.Snapshot{}, domain.ErrNotFound
}

func (m *mockAppService) SubmitUpdate(ctx context.Context, key string, expected *uint64, values map[string]any) (domain.UpdateResult, error) {
	if m.submitUpdateFn != nil {
		return m.submitUpdateFn(ctx, key, expected, values)
	}
	return domain.UpdateResult{}, domain.ErrNotFound
}

func (m *mockAppService) Acknowledge(ctx context.Context, secret string, revision uint64) (domain.AckResult, error) {
	if m.acknowledgeFn != nil {
		return m.acknowledgeFn(ctx, secret, revision)
	}
	return domain.AckResult{}, domain.ErrNotFound
}

func (m *mockAppService) EndSession(ctx context.Context, secret string) error {
	if m.endSessionFn != nil {
		return m.endSessionFn(ctx, secret)
	}
	return domain.ErrNotFound
}

func (m *mockAppService) KeepAlive(ctx context.Context, token string) error {
	if m.keepAliveFn != nil {
		return m.keepAliveFn(ctx, token)
	}
	return domain.ErrNotFound
}

// --- Test helpers ---

func int64Ptr(v int64) *int64 { return &v }

func testParameters() []domain.Parameter {
	return []domain.Parameter{
		{Name: "a", Title: "Test A", Type: domain.TypeString, Value: "qwerty"},
		{Name: "b", Title: "Test B", Type: domain.TypeInteger, Value: int64(33), Min: int64Ptr(0), Max: int64Ptr(100)},
		{Name: "c", Title: "Test C", Type: domain.TypeSelection, Value: "foo", Options: []domain.Option{
			{Value: "foo", Title: "Use Foo"},
			{Value: "bar", Title: "Use Bar"},
		}},
		{Name: "d", Title: "Test D", Type: domain.TypeBool, Value: true},
	}
}

func testConfig() *config.Config {
	return &config.Config{
		Port:            "8080",
		SessionSecret:   "test-secret-key-32-bytes-long!!!",
		CookieMaxAge:    time.Hour,
		NewSessionRate:  100,
		NewSessionBurst: 100,
		KeyEntryRate:    100,
		KeyEntryBurst:   100,
	}
}

func newTestServer(t *testing.T, app appService, opts ...Option) *Server {
	t.Helper()

	tmpl := template.Must(template.New("index.html").Parse(`Index {{.Error}}`))
	template.Must(tmpl.New("settings.html").Parse(`Settings r{{.Revision}} {{.Error}}{{range .Fields}} [{{.Name}}={{.Value}}{{if .Error}} !{{.Error}}{{end}}]{{end}}`))
	template.Must(tmpl.New("submitted.html").Parse(`Submitted`))
	template.Must(tmpl.New("error.html").Parse(`Error {{.Message}}`))

	store := sessions.NewCookieStore([]byte("test-secret-key-32-bytes-long!!!"))
	store.Options = &sessions.Options{
		Path:   "/",
		MaxAge: 3600,
	}

	srv := &Server{
		echo:         echo.New(),
		config:       testConfig(),
		app:          app,
		sessionStore: store,
		templates:    tmpl,
	}

	for _, opt := range opts {
		opt(srv)
	}

	srv.registerRoutes()

	return srv
}

// callHandler wraps a handler with error middleware, matching production behavior
func callHandler(handler echo.HandlerFunc, c echo.Context) error {
	return ErrorHandlingMiddleware()(handler)(c)
}

// keyCookie returns a browser session cookie carrying key.
func keyCookie(t *testing.T, srv *Server, key string) *http.Cookie {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	session, err := srv.sessionStore.New(req, sessionName)
	require.NoError(t, err)
	session.Values[sessionKeyKey] = key
	require.NoError(t, session.Save(req, rec))

	cookies := rec.Result().Cookies()
	require.NotEmpty(t, cookies)
	return cookies[0]
}
