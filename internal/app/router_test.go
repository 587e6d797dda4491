package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/rotafood/rotafood/internal/auth"
	"github.com/rotafood/rotafood/internal/shared"
)

type singleOperatorRepo struct {
	op auth.Operator
}

func (s singleOperatorRepo) FindByEmail(_ context.Context, email string) (*auth.Operator, error) {
	if strings.EqualFold(email, s.op.Email) {
		op := s.op
		return &op, nil
	}
	return nil, shared.ErrNotFound
}

func (s singleOperatorRepo) FindByID(_ context.Context, id string) (*auth.Operator, error) {
	if id == s.op.ID {
		op := s.op
		return &op, nil
	}
	return nil, shared.ErrNotFound
}

func (singleOperatorRepo) Create(context.Context, auth.Operator) error {
	return errors.New("read only")
}

type routerFixture struct {
	server *httptest.Server
	client *http.Client
	mr     *miniredis.Miniredis
}

func newRouterFixture(t *testing.T, checks map[string]func(context.Context) error) *routerFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	hash, err := bcrypt.GenerateFromPassword([]byte("correctpass"), bcrypt.MinCost)
	require.NoError(t, err)
	repo := singleOperatorRepo{op: auth.Operator{ID: "op-1", Email: "gerente@rotafood.local", PasswordHash: string(hash), IsActive: true}}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sessions := shared.NewSessionManager(rdb, "rotafood_session", time.Hour, false)
	csrf := shared.NewCSRFManager("csrfsecret")
	router := NewRouter(RouterParams{
		Logger:          logger,
		Config:          &Config{AppEnv: "test", RateLimitPerMin: 1000, AppRequestTimeout: time.Second},
		SessionManager:  sessions,
		CSRFManager:     csrf,
		AuthHandler:     auth.NewHandler(logger, auth.NewService(repo), sessions, csrf),
		ReadinessChecks: checks,
	})
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return &routerFixture{server: server, client: &http.Client{Jar: jar}, mr: mr}
}

func (f *routerFixture) do(t *testing.T, method, path, body, token string) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, f.server.URL+path, reader)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set(shared.CSRFHeader, token)
	}
	resp, err := f.client.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestProbesBypassSessions(t *testing.T) {
	f := newRouterFixture(t, map[string]func(context.Context) error{
		"postgres": func(context.Context) error { return nil },
		"redis":    func(context.Context) error { return errors.New("connection refused") },
	})
	f.mr.Close()

	resp := f.do(t, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, resp.Cookies())

	resp = f.do(t, http.MethodGet, "/readyz", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	status := decode[map[string]string](t, resp)
	assert.Equal(t, "ok", status["postgres"])
	assert.Equal(t, "connection refused", status["redis"])
}

func TestLoginFlowThroughMiddleware(t *testing.T) {
	f := newRouterFixture(t, nil)

	resp := f.do(t, http.MethodGet, "/api/auth/csrf", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "DENY", resp.Header.Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	token := decode[map[string]string](t, resp)["csrf_token"]
	require.NotEmpty(t, token)

	login := `{"email": "gerente@rotafood.local", "password": "correctpass"}`
	resp = f.do(t, http.MethodPost, "/api/auth/login", login, "")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp = f.do(t, http.MethodPost, "/api/auth/login", login, "forged")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/api/auth/login", login, token)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	rotated := decode[auth.LoginResponse](t, resp).CSRFToken
	assert.NotEqual(t, token, rotated)

	resp = f.do(t, http.MethodGet, "/api/auth/me", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "op-1", decode[auth.Operator](t, resp).ID)

	// The pre-login token died with the old session.
	resp = f.do(t, http.MethodPost, "/api/auth/logout", "", token)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp = f.do(t, http.MethodPost, "/api/auth/logout", "", rotated)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/api/auth/me", "", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestSessionStoreOutageIsUnavailable(t *testing.T) {
	f := newRouterFixture(t, nil)
	resp := f.do(t, http.MethodGet, "/api/auth/csrf", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	f.mr.Close()
	resp = f.do(t, http.MethodGet, "/api/auth/csrf", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
