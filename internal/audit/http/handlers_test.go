package audithttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rotafood/rotafood/internal/audit"
	"github.com/rotafood/rotafood/internal/shared"
)

type stubTimelineService struct {
	result      audit.Result
	err         error
	lastFilters audit.TimelineFilters
}

func (s *stubTimelineService) Timeline(_ context.Context, filters audit.TimelineFilters) (audit.Result, error) {
	s.lastFilters = filters
	return s.result, s.err
}

func (s *stubTimelineService) Export(_ context.Context, filters audit.TimelineFilters, w io.Writer) error {
	s.lastFilters = filters
	_, err := fmt.Fprint(w, "at,actor\n")
	return err
}

func newRouter(svc TimelineService) http.Handler {
	h := NewHandler(nil, svc, nil)
	h.now = func() time.Time { return time.Date(2026, 3, 20, 12, 0, 0, 0, time.UTC) }
	r := chi.NewRouter()
	r.Route("/api", h.MountRoutes)
	return r
}

func TestTimelineDefaultsToLastWeek(t *testing.T) {
	svc := &stubTimelineService{result: audit.Result{Rows: []audit.TimelineRow{{Action: "order.assign"}}, Paging: audit.PagingInfo{Page: 1}}}
	rec := httptest.NewRecorder()
	newRouter(svc).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/audit?entity=order&entity_id=o1", nil))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "2026-03-13", svc.lastFilters.From.Format(time.DateOnly))
	assert.Equal(t, "2026-03-20", svc.lastFilters.To.Format(time.DateOnly))
	assert.Equal(t, "o1", svc.lastFilters.EntityID)
	assert.Equal(t, 1, svc.lastFilters.Page)

	var out audit.Result
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
	assert.Equal(t, "order.assign", out.Rows[0].Action)
}

func TestTimelineRejectsBadFilters(t *testing.T) {
	for _, query := range []string{
		"from=2026-13-01",
		"to=yesterday",
		"from=2026-03-10&to=2026-03-01",
		"from=2025-01-01&to=2026-03-01",
		"page=0",
		"page_size=abc",
	} {
		t.Run(query, func(t *testing.T) {
			rec := httptest.NewRecorder()
			newRouter(&stubTimelineService{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/audit?"+query, nil))
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestTimelineStoreFailure(t *testing.T) {
	rec := httptest.NewRecorder()
	newRouter(&stubTimelineService{err: errors.New("db down")}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/audit", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.NotContains(t, rec.Body.String(), "db down")
}

func TestExportCSVRateLimitedPerOperator(t *testing.T) {
	router := newRouter(&stubTimelineService{})
	sess := &shared.Session{ID: "s1"}
	sess.SetUser("op-1")

	do := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/api/audit/export.csv", nil)
		req = req.WithContext(shared.ContextWithSession(req.Context(), sess))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec
	}
	first := do()
	require.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, "text/csv; charset=utf-8", first.Header().Get("Content-Type"))
	assert.Equal(t, "at,actor\n", first.Body.String())

	for i := 1; i < rateLimit; i++ {
		require.Equal(t, http.StatusOK, do().Code)
	}
	assert.Equal(t, http.StatusTooManyRequests, do().Code)
}

func TestRequireUserGuardsTimeline(t *testing.T) {
	deny := func(http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusUnauthorized) })
	}
	r := chi.NewRouter()
	r.Route("/api", NewHandler(nil, &stubTimelineService{}, deny).MountRoutes)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/audit", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
