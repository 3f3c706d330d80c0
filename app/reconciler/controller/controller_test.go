package controller

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/curtailx/curtailx/app/reconciler/types"
	"github.com/curtailx/curtailx/app/reconciler/workflow"
	"github.com/curtailx/curtailx/pkg/config"
	"github.com/curtailx/curtailx/pkg/faults"
	"github.com/curtailx/curtailx/pkg/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeService struct {
	healthErr  error
	started    []types.BatchInput
	startErr   error
	fixed      []types.FixInput
	fixRanges  [][2]time.Time
	checkpoint *types.Checkpoint
	resets     int
	resetErr   error
}

func (f *fakeService) Health(context.Context) error { return f.healthErr }

func (f *fakeService) Status(_ context.Context, start, end time.Time) (types.Status, error) {
	st := types.Status{Checkpoint: f.checkpoint}
	if !start.IsZero() {
		st.Range = &types.RangeStatus{Start: start, End: end}
	}
	return st, nil
}

func (f *fakeService) Analyze(_ context.Context, date time.Time) (types.DateAnalysis, error) {
	return types.DateAnalysis{Date: date, TotalFacts: 3, MissingPeriods: map[string][]int{"M": {1}}}, nil
}

func (f *fakeService) AnalyzeRange(_ context.Context, start, end time.Time) (types.RangeStatus, error) {
	return types.RangeStatus{Start: start, End: end, Dates: 2}, nil
}

func (f *fakeService) StartReconcile(_ context.Context, in types.BatchInput) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.started = append(f.started, in)
	return nil
}

func (f *fakeService) FixDate(_ context.Context, in types.FixInput) (types.FixResult, error) {
	f.fixed = append(f.fixed, in)
	return types.FixResult{Date: in.Date}, nil
}

func (f *fakeService) FixRange(_ context.Context, start, end time.Time) (types.BatchSummary, error) {
	f.fixRanges = append(f.fixRanges, [2]time.Time{start, end})
	return types.BatchSummary{StartDate: utils.FormatDate(start), EndDate: utils.FormatDate(end), Phase: types.PhaseComplete}, nil
}

func (f *fakeService) Checkpoint(context.Context) (*types.Checkpoint, error) {
	return f.checkpoint, nil
}

func (f *fakeService) ResetCheckpoint(context.Context) error {
	if f.resetErr != nil {
		return f.resetErr
	}
	f.resets++
	return nil
}

func setup(t *testing.T) (*Controller, *fakeService, http.Handler) {
	t.Helper()
	svc := &fakeService{}
	c, err := NewController(zaptest.NewLogger(t), svc, nil, config.Server{
		AdminToken:    "secret-token",
		AdminUser:     "admin",
		AdminPassword: "hunter2",
		SessionSecret: "test-secret",
	})
	require.NoError(t, err)
	return c, svc, WithCORS(c.NewRouter())
}

func do(t *testing.T, h http.Handler, method, path, body string, mutate ...func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for _, m := range mutate {
		m(req)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func bearer(token string) func(*http.Request) {
	return func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+token) }
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealth(t *testing.T) {
	_, svc, h := setup(t)
	rec := do(t, h, http.MethodGet, "/api/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	svc.healthErr = faults.TransientStore("ping", assert.AnError)
	rec = do(t, h, http.MethodGet, "/api/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMutatingRoutesRequireAuth(t *testing.T) {
	_, svc, h := setup(t)
	routes := []struct{ method, path string }{
		{http.MethodPost, "/api/reconcile"},
		{http.MethodPost, "/api/fix/2025-03-01"},
		{http.MethodPost, "/api/fix"},
		{http.MethodDelete, "/api/checkpoint"},
	}
	for _, rt := range routes {
		t.Run(rt.method+" "+rt.path, func(t *testing.T) {
			rec := do(t, h, rt.method, rt.path, `{"start":"2025-03-01","end":"2025-03-02"}`)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			rec = do(t, h, rt.method, rt.path, `{"start":"2025-03-01","end":"2025-03-02"}`, bearer("wrong"))
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
		})
	}
	assert.Empty(t, svc.started)
	assert.Empty(t, svc.fixed)
	assert.Zero(t, svc.resets)
}

func TestReconcileIsAccepted(t *testing.T) {
	_, svc, h := setup(t)
	rec := do(t, h, http.MethodPost, "/api/reconcile", `{"start":"2025-03-01","end":"2025-03-07","fresh":true}`, bearer("secret-token"))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	require.Len(t, svc.started, 1)
	assert.True(t, svc.started[0].Fresh)
	assert.Equal(t, "2025-03-07", utils.FormatDate(svc.started[0].End))
	assert.Equal(t, "started", decode(t, rec)["status"])
}

func TestReconcileErrors(t *testing.T) {
	_, svc, h := setup(t)

	rec := do(t, h, http.MethodPost, "/api/reconcile", `{"start":"2025-03-07","end":"2025-03-01"}`, bearer("secret-token"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/reconcile", `{"start":"03/01/2025","end":"2025-03-01"}`, bearer("secret-token"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/reconcile", `not json`, bearer("secret-token"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	svc.startErr = workflow.ErrRunInProgress
	rec = do(t, h, http.MethodPost, "/api/reconcile", `{"start":"2025-03-01","end":"2025-03-02"}`, bearer("secret-token"))
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestFixDate(t *testing.T) {
	_, svc, h := setup(t)
	rec := do(t, h, http.MethodPost, "/api/fix/2025-03-04?force=true", "", bearer("secret-token"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Len(t, svc.fixed, 1)
	assert.True(t, svc.fixed[0].Force)
	assert.Equal(t, "2025-03-04", utils.FormatDate(svc.fixed[0].Date))

	rec = do(t, h, http.MethodPost, "/api/fix/yesterday", "", bearer("secret-token"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestFixRange(t *testing.T) {
	_, svc, h := setup(t)
	rec := do(t, h, http.MethodPost, "/api/fix", `{"start":"2025-03-01","end":"2025-03-03"}`, bearer("secret-token"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Len(t, svc.fixRanges, 1)
	assert.Equal(t, "complete", decode(t, rec)["phase"])
}

func TestReadRoutes(t *testing.T) {
	_, svc, h := setup(t)

	rec := do(t, h, http.MethodGet, "/api/analyze?start=2025-03-01&end=2025-03-02", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 2, decode(t, rec)["dates"])

	rec = do(t, h, http.MethodGet, "/api/analyze", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/analyze/2025-03-01", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 3, decode(t, rec)["totalFacts"])

	rec = do(t, h, http.MethodGet, "/api/checkpoint", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	svc.checkpoint = &types.Checkpoint{Phase: types.PhaseFixing, RunID: "r1"}
	rec = do(t, h, http.MethodGet, "/api/checkpoint", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "fixing", decode(t, rec)["phase"])

	rec = do(t, h, http.MethodGet, "/api/status?start=2025-03-01&end=2025-03-02", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotNil(t, decode(t, rec)["range"])
}

func TestResetCheckpoint(t *testing.T) {
	_, svc, h := setup(t)
	rec := do(t, h, http.MethodDelete, "/api/checkpoint", "", bearer("secret-token"))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, svc.resets)

	svc.resetErr = workflow.ErrRunInProgress
	rec = do(t, h, http.MethodDelete, "/api/checkpoint", "", bearer("secret-token"))
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestLoginIssuesSession(t *testing.T) {
	_, svc, h := setup(t)

	rec := do(t, h, http.MethodPost, "/api/auth/login", `{"username":"admin","password":"nope"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/auth/login", `{"username":"admin","password":"hunter2"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, sessionCookie, cookies[0].Name)

	rec = do(t, h, http.MethodDelete, "/api/checkpoint", "", func(r *http.Request) { r.AddCookie(cookies[0]) })
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, svc.resets)
}

func TestEmptyAdminTokenNeverMatches(t *testing.T) {
	c, _, _ := setup(t)
	c.AdminToken = ""
	req := httptest.NewRequest(http.MethodPost, "/api/fix", nil)
	req.Header.Set("Authorization", "Bearer ")
	assert.False(t, c.ValidateToken(req))
}

func TestWebSocketWithoutRedis(t *testing.T) {
	_, _, h := setup(t)
	rec := do(t, h, http.MethodGet, "/api/ws", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestPreflight(t *testing.T) {
	_, _, h := setup(t)
	rec := do(t, h, http.MethodOptions, "/api/reconcile", "", func(r *http.Request) { r.Header.Set("Origin", "http://ui") })
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "http://ui", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestEventFilter(t *testing.T) {
	f := newEventFilter()
	assert.True(t, f.Wants(types.EventDateFixed))

	f.Unsubscribe("*")
	assert.False(t, f.Wants(types.EventDateFixed))
	f.Subscribe(types.EventDateFixed)
	assert.True(t, f.Wants(types.EventDateFixed))
	assert.False(t, f.Wants(types.EventRunStarted))
}

func TestEventFromChannel(t *testing.T) {
	assert.Equal(t, "date.fixed", EventFromChannel(utils.GetReconcileChannel("date.fixed")))
	assert.Equal(t, "", EventFromChannel("other:1:block.indexed"))
}

func TestCalculateNextBackoff(t *testing.T) {
	next := CalculateNextBackoff(time.Second, 30*time.Second, 2, 0.1)
	assert.GreaterOrEqual(t, next, 1800*time.Millisecond)
	assert.LessOrEqual(t, next, 2200*time.Millisecond)
	assert.Equal(t, 30*time.Second, CalculateNextBackoff(30*time.Second, 30*time.Second, 2, 0))
}
