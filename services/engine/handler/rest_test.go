package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/tbwo/internal/agent"
	"github.com/ramiqadoumi/tbwo/internal/domain"
	"github.com/ramiqadoumi/tbwo/internal/pool"
	"github.com/ramiqadoumi/tbwo/internal/scheduler"
	"github.com/ramiqadoumi/tbwo/services/engine/middleware"
)

// ── mocks ─────────────────────────────────────────────────────────────────────

// writer completes every task by writing one artifact named after it.
type writer struct{}

func (writer) Run(_ context.Context, env agent.Env, a agent.Assignment) (agent.Outcome, error) {
	art, err := env.PutArtifact(domain.Artifact{
		Path:        a.Task.ID + ".md",
		Content:     "output of " + a.Task.Name,
		CreatedBy:   a.Pod.ID,
		CreatorRole: a.Pod.Role,
		PhaseIndex:  a.PhaseIndex,
		TaskID:      a.Task.ID,
	})
	if err != nil {
		return agent.Outcome{}, err
	}
	return agent.Outcome{Summary: "done", Artifacts: []domain.Artifact{art}, Model: "fake"}, nil
}

// blocker holds every task until its context ends.
type blocker struct{ started chan string }

func (b blocker) Run(ctx context.Context, _ agent.Env, a agent.Assignment) (agent.Outcome, error) {
	b.started <- a.Task.ID
	<-ctx.Done()
	return agent.Outcome{}, ctx.Err()
}

// failFirst fails task id and writes artifacts for every other task.
type failFirst struct{ id string }

func (f failFirst) Run(ctx context.Context, env agent.Env, a agent.Assignment) (agent.Outcome, error) {
	if a.Task.ID == f.id {
		return agent.Outcome{Model: "fake"}, errors.New("model refused")
	}
	return writer{}.Run(ctx, env, a)
}

type cachedStatus struct {
	st  domain.LiveStatus
	err error
}

func (c cachedStatus) GetStatus(context.Context, string) (domain.LiveStatus, error) {
	return c.st, c.err
}

// ── helpers ───────────────────────────────────────────────────────────────────

type server struct {
	t     *testing.T
	sched *scheduler.Scheduler
	pool  *pool.Pool
	http  http.Handler
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newServer(t *testing.T, runner scheduler.Runner, opts ...Option) *server {
	t.Helper()
	logger := discard()
	p := pool.New(pool.WithLogger(logger), pool.WithCapacity(2))
	s := scheduler.New(p, runner, scheduler.WithLogger(logger))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})

	h := NewREST(s, logger, opts...)
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if sub := req.Header.Get("X-Test-Subject"); sub != "" {
				req = req.WithContext(middleware.WithPrincipal(req.Context(), middleware.Principal{Subject: sub}))
			}
			next.ServeHTTP(w, req)
		})
	})
	r.Get("/readyz", h.Readyz)
	r.Route("/api/v1", h.Mount)
	return &server{t: t, sched: s, pool: p, http: r}
}

func (s *server) do(method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	s.t.Helper()
	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rd = bytes.NewBufferString(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(s.t, err)
		rd = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, rd)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	s.http.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func twoPhasePlan() *domain.Plan {
	return &domain.Plan{Phases: []*domain.Phase{
		{ID: "design", Name: "Design", Tasks: []*domain.Task{{ID: "d1", Name: "Design system", Role: domain.RoleDesign}}},
		{ID: "build", Name: "Build", DependsOn: []string{"design"}, Tasks: []*domain.Task{{ID: "b1", Name: "Build page", Role: domain.RoleFrontend}}},
	}}
}

func (s *server) create(plan *domain.Plan) domain.WorkOrder {
	s.t.Helper()
	rec := s.do(http.MethodPost, "/api/v1/work-orders", CreateRequest{
		Objective:    "Ship a landing page",
		TotalMinutes: 60,
		Plan:         plan,
	})
	require.Equal(s.t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeBody[domain.WorkOrder](s.t, rec)
}

func (s *server) waitStatus(id string, want domain.WorkOrderStatus) {
	s.t.Helper()
	require.Eventually(s.t, func() bool {
		wo, err := s.sched.Get(context.Background(), id)
		return err == nil && wo.Status == want
	}, 5*time.Second, 5*time.Millisecond, "work order never reached %s", want)
}

// ── tests ─────────────────────────────────────────────────────────────────────

func TestWorkOrder_CreateApproveComplete(t *testing.T) {
	s := newServer(t, writer{})

	wo := s.create(twoPhasePlan())
	assert.Equal(t, domain.StatusAwaitingApproval, wo.Status)

	rec := s.do(http.MethodPost, "/api/v1/work-orders/"+wo.ID+"/approve", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	s.waitStatus(wo.ID, domain.StatusCompleted)

	arts := decodeBody[[]domain.Artifact](t, s.do(http.MethodGet, "/api/v1/work-orders/"+wo.ID+"/artifacts", nil))
	assert.Len(t, arts, 2)

	execs := decodeBody[[]domain.TaskExecution](t, s.do(http.MethodGet, "/api/v1/work-orders/"+wo.ID+"/executions", nil))
	assert.Len(t, execs, 2)

	st := decodeBody[domain.LiveStatus](t, s.do(http.MethodGet, "/api/v1/work-orders/"+wo.ID+"/status", nil))
	assert.Equal(t, domain.StatusCompleted, st.Status)
	assert.Equal(t, 0, st.TasksRemaining)
	assert.InDelta(t, 1.0, st.Progress, 1e-9)

	list := decodeBody[[]domain.WorkOrder](t, s.do(http.MethodGet, "/api/v1/work-orders?status=completed", nil))
	require.Len(t, list, 1)
	assert.Equal(t, wo.ID, list[0].ID)
}

func TestWorkOrder_PlanWithTemplate(t *testing.T) {
	s := newServer(t, writer{})
	wo := s.create(nil)
	assert.Equal(t, domain.StatusDraft, wo.Status)

	rec := s.do(http.MethodPost, "/api/v1/work-orders/"+wo.ID+"/plan", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	planned := decodeBody[domain.WorkOrder](t, rec)
	assert.Equal(t, domain.StatusAwaitingApproval, planned.Status)
	require.NotNil(t, planned.Plan)
	assert.NotEmpty(t, planned.Plan.Phases)
}

func TestCreate_RejectsBadInput(t *testing.T) {
	s := newServer(t, writer{})

	rec := s.do(http.MethodPost, "/api/v1/work-orders", CreateRequest{TotalMinutes: 10})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeBody[map[string]any](t, rec)
	assert.Equal(t, map[string]any{"field": "objective"}, body["details"])

	rec = s.do(http.MethodPost, "/api/v1/work-orders", "{not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodPost, "/api/v1/work-orders", CreateRequest{
		Objective:    "x",
		TotalMinutes: 10,
		Plan: &domain.Plan{Phases: []*domain.Phase{
			{ID: "a", DependsOn: []string{"missing"}, Tasks: []*domain.Task{{ID: "t", Role: domain.RoleDesign}}},
		}},
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestGet_UnknownWorkOrderIs404(t *testing.T) {
	s := newServer(t, writer{})
	for _, path := range []string{"", "/status", "/artifacts", "/violations"} {
		rec := s.do(http.MethodGet, "/api/v1/work-orders/nope"+path, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
	}
}

func TestApprove_DraftIsConflict(t *testing.T) {
	s := newServer(t, writer{})
	wo := s.create(nil)

	rec := s.do(http.MethodPost, "/api/v1/work-orders/"+wo.ID+"/approve", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestQuestion_ResumeNeedsAnswer(t *testing.T) {
	b := blocker{started: make(chan string, 4)}
	s := newServer(t, b)
	wo := s.create(twoPhasePlan())
	require.Equal(t, http.StatusOK, s.do(http.MethodPost, "/api/v1/work-orders/"+wo.ID+"/approve", nil).Code)
	<-b.started

	rec := s.do(http.MethodPost, "/api/v1/work-orders/"+wo.ID+"/questions", domain.PauseRequest{
		Question:       "Which brand colour?",
		RequiredFields: []string{"colour"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, domain.StatusPausedWaitingForUser, decodeBody[domain.WorkOrder](t, rec).Status)

	rec = s.do(http.MethodPost, "/api/v1/work-orders/"+wo.ID+"/resume", nil)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	details := decodeBody[map[string]any](t, rec)["details"].(map[string]any)
	assert.Equal(t, []any{"colour"}, details["required_fields"])

	rec = s.do(http.MethodPost, "/api/v1/work-orders/"+wo.ID+"/resume",
		ResumeRequest{Fields: map[string]string{"colour": "teal"}},
		"X-Test-Subject", "carol",
	)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resumed := decodeBody[domain.WorkOrder](t, rec)
	assert.Equal(t, domain.StatusExecuting, resumed.Status)
	require.Len(t, resumed.Answers, 1)
	assert.Equal(t, "carol", resumed.Answers[0].AnsweredBy)
	assert.Equal(t, "Which brand colour?", resumed.Answers[0].Question)
}

func TestPauseAndCancel(t *testing.T) {
	b := blocker{started: make(chan string, 4)}
	s := newServer(t, b)
	wo := s.create(twoPhasePlan())
	require.Equal(t, http.StatusOK, s.do(http.MethodPost, "/api/v1/work-orders/"+wo.ID+"/approve", nil).Code)
	<-b.started

	rec := s.do(http.MethodPost, "/api/v1/work-orders/"+wo.ID+"/pause", map[string]string{"reason": "lunch"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, domain.StatusPaused, decodeBody[domain.WorkOrder](t, rec).Status)

	rec = s.do(http.MethodPost, "/api/v1/work-orders/"+wo.ID+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	s.waitStatus(wo.ID, domain.StatusCancelled)

	rec = s.do(http.MethodPost, "/api/v1/work-orders/"+wo.ID+"/resume", ResumeRequest{Answer: "go"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	require.Eventually(t, func() bool {
		pods := decodeBody[[]domain.Pod](t, s.do(http.MethodGet, "/api/v1/work-orders/"+wo.ID+"/pods", nil))
		return len(pods) == 0
	}, 5*time.Second, 5*time.Millisecond, "a cancelled work order holds no pods")
}

func TestAcknowledge_UnknownViolationIsBadRequest(t *testing.T) {
	s := newServer(t, writer{})
	wo := s.create(nil)

	rec := s.do(http.MethodPost, "/api/v1/work-orders/"+wo.ID+"/violations/v-404/acknowledge", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	vs := decodeBody[[]domain.Violation](t, s.do(http.MethodGet, "/api/v1/work-orders/"+wo.ID+"/violations?unacknowledged=true", nil))
	assert.Empty(t, vs)
}

func TestStatus_ServedFromCache(t *testing.T) {
	cached := domain.LiveStatus{WorkOrderID: "wo-1", Status: domain.StatusExecuting, Progress: 0.5}
	s := newServer(t, writer{}, WithStatusReader(cachedStatus{st: cached}))

	st := decodeBody[domain.LiveStatus](t, s.do(http.MethodGet, "/api/v1/work-orders/wo-1/status", nil))
	assert.Equal(t, cached.Progress, st.Progress)
}

func TestStatus_CacheMissFallsBackToEngine(t *testing.T) {
	s := newServer(t, writer{}, WithStatusReader(cachedStatus{err: errors.New("redis down")}))
	wo := s.create(nil)

	st := decodeBody[domain.LiveStatus](t, s.do(http.MethodGet, "/api/v1/work-orders/"+wo.ID+"/status", nil))
	assert.Equal(t, domain.StatusDraft, st.Status)
}

func TestReadyz(t *testing.T) {
	s := newServer(t, writer{}, WithReadiness(func(context.Context) error { return errors.New("postgres down") }))
	assert.Equal(t, http.StatusServiceUnavailable, s.do(http.MethodGet, "/readyz", nil).Code)

	s = newServer(t, writer{}, WithReadiness(func(context.Context) error { return nil }))
	assert.Equal(t, http.StatusOK, s.do(http.MethodGet, "/readyz", nil).Code)
}

func TestSkipTask_UnblocksDependentPhase(t *testing.T) {
	s := newServer(t, failFirst{id: "d1"})
	wo := s.create(twoPhasePlan())
	require.Equal(t, http.StatusOK, s.do(http.MethodPost, "/api/v1/work-orders/"+wo.ID+"/approve", nil).Code)
	s.waitStatus(wo.ID, domain.StatusPaused)

	rec := s.do(http.MethodPost, "/api/v1/work-orders/"+wo.ID+"/tasks/d1/skip", nil, "X-Test-Subject", "alice")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	skipped := decodeBody[domain.WorkOrder](t, rec)
	assert.Equal(t, domain.TaskSkipped, skipped.Plan.Phases[0].Tasks[0].Status)

	require.Equal(t, http.StatusOK, s.do(http.MethodPost, "/api/v1/work-orders/"+wo.ID+"/resume", nil).Code)
	s.waitStatus(wo.ID, domain.StatusCompleted)

	arts := decodeBody[[]domain.Artifact](t, s.do(http.MethodGet, "/api/v1/work-orders/"+wo.ID+"/artifacts", nil))
	require.Len(t, arts, 1)
	assert.Equal(t, "b1.md", arts[0].Path)
}

func TestTaskEdits_Rejections(t *testing.T) {
	started := make(chan string, 1)
	s := newServer(t, blocker{started: started})
	wo := s.create(twoPhasePlan())
	require.Equal(t, http.StatusOK, s.do(http.MethodPost, "/api/v1/work-orders/"+wo.ID+"/approve", nil).Code)
	<-started

	rec := s.do(http.MethodPost, "/api/v1/work-orders/"+wo.ID+"/tasks/b1/skip", nil)
	assert.Equal(t, http.StatusConflict, rec.Code, "work order is still executing")

	require.Equal(t, http.StatusOK, s.do(http.MethodPost, "/api/v1/work-orders/"+wo.ID+"/pause", nil).Code)
	rec = s.do(http.MethodPost, "/api/v1/work-orders/"+wo.ID+"/tasks/b1/retry", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "b1 never failed")
	rec = s.do(http.MethodPost, "/api/v1/work-orders/missing/tasks/b1/skip", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPods_ResetDegradedPod(t *testing.T) {
	s := newServer(t, writer{})

	pod, err := s.pool.Acquire("wo-old", domain.RoleBackend, 0)
	require.NoError(t, err)
	for i := 0; i < pool.DefaultFailureThreshold; i++ {
		require.NoError(t, s.pool.Start(pod.ID, "t1"))
		require.NoError(t, s.pool.Finish(pod.ID, errors.New("boom")))
	}
	s.pool.Release("wo-old")

	pods := decodeBody[[]domain.Pod](t, s.do(http.MethodGet, "/api/v1/pods", nil))
	require.Len(t, pods, 1)
	assert.Equal(t, domain.HealthDegraded, pods[0].Health.Status)

	rec := s.do(http.MethodPost, "/api/v1/pods/"+pod.ID+"/reset", nil, "X-Test-Subject", "alice")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	reset := decodeBody[domain.Pod](t, rec)
	assert.Equal(t, domain.HealthHealthy, reset.Health.Status)
	assert.Zero(t, reset.Health.ConsecutiveFailures)

	got, err := s.pool.Acquire("wo-new", domain.RoleBackend, 0)
	require.NoError(t, err)
	assert.Equal(t, pod.ID, got.ID)

	assert.Equal(t, http.StatusNotFound, s.do(http.MethodPost, "/api/v1/pods/pod-missing/reset", nil).Code)
}

func TestPods_TerminateFreesCapacity(t *testing.T) {
	s := newServer(t, writer{})

	a, err := s.pool.Acquire("wo-1", domain.RoleBackend, 0)
	require.NoError(t, err)
	_, err = s.pool.Acquire("wo-1", domain.RoleFrontend, 0)
	require.NoError(t, err)
	_, err = s.pool.Acquire("wo-1", domain.RoleQA, 0)
	require.Error(t, err, "pool capacity is two")

	require.NoError(t, s.pool.Start(a.ID, "t1"))
	assert.Equal(t, http.StatusConflict, s.do(http.MethodPost, "/api/v1/pods/"+a.ID+"/terminate", nil).Code, "working pods cannot be terminated")
	require.NoError(t, s.pool.Finish(a.ID, nil))

	rec := s.do(http.MethodPost, "/api/v1/pods/"+a.ID+"/terminate", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, domain.PodTerminated, decodeBody[domain.Pod](t, rec).Status)

	_, err = s.pool.Acquire("wo-1", domain.RoleQA, 0)
	require.NoError(t, err)
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{&domain.WorkOrderNotFoundError{WorkOrderID: "x"}, http.StatusNotFound},
		{&domain.InvalidRequestError{Field: "objective"}, http.StatusBadRequest},
		{&domain.PlanValidationError{Problems: []string{"cycle"}}, http.StatusUnprocessableEntity},
		{&domain.AnswerRequiredError{WorkOrderID: "x"}, http.StatusUnprocessableEntity},
		{&domain.QualityGateError{PhaseID: "qa"}, http.StatusConflict},
		{&domain.InvalidTransitionError{WorkOrderID: "x"}, http.StatusConflict},
		{&domain.WorkOrderHaltedError{WorkOrderID: "x"}, http.StatusConflict},
		{&domain.PodNotFoundError{PodID: "p"}, http.StatusNotFound},
		{&domain.InvalidPodTransitionError{PodID: "p"}, http.StatusConflict},
		{&domain.NotSuspendedError{WorkOrderID: "x"}, http.StatusConflict},
		{errors.New("disk full"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		code, _ := statusFor(tc.err)
		assert.Equal(t, tc.want, code, "%T", tc.err)
	}
}
