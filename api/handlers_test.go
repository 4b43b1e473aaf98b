package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"kanban-api/broadcast"
	"kanban-api/domain"
	"kanban-api/storage"
)

type stubAuth struct {
	p   Principal
	err error
}

func (s stubAuth) PrincipalFromAuthHeader(h string) (Principal, error) {
	if h == "" {
		return Principal{}, errMissingAuthorization
	}
	return s.p, s.err
}

type countingEngine struct {
	Transitioner
	calls atomic.Int32
}

func (c *countingEngine) Transition(ctx context.Context, scope domain.Scope, req domain.TransitionRequest) (domain.CommittedTransition, error) {
	c.calls.Add(1)
	return c.Transitioner.Transition(ctx, scope, req)
}

type failingEngine struct {
	err error
}

func (f failingEngine) Transition(context.Context, domain.Scope, domain.TransitionRequest) (domain.CommittedTransition, error) {
	return domain.CommittedTransition{}, f.err
}

func (f failingEngine) DeactivateStage(context.Context, domain.Scope, string) (domain.Deactivation, error) {
	return domain.Deactivation{}, f.err
}

type testServer struct {
	e      *echo.Echo
	db     *storage.SQLite
	hub    *broadcast.Hub
	engine *countingEngine
	hook   *test.Hook
}

func newTestServer(t *testing.T, mutate func(*Options)) *testServer {
	t.Helper()
	db, err := storage.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	ctx := context.Background()
	if err := db.SeedDefaultStages(ctx, "acct"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	for _, c := range []domain.Card{
		{ID: "C1", AccountID: "acct", BoardKey: "sales", StageKey: "new", Position: 100},
		{ID: "C2", AccountID: "acct", BoardKey: "sales", StageKey: "new", Position: 200},
		{ID: "C3", AccountID: "acct", BoardKey: "sales", StageKey: "qualified", Position: 50, UnreadCount: 1},
	} {
		if err := db.PutCard(ctx, c); err != nil {
			t.Fatalf("put card: %v", err)
		}
	}

	logger, hook := test.NewNullLogger()
	hub := broadcast.NewHub(16)
	engine := &countingEngine{Transitioner: domain.NewEngine(db, db, hub, logger)}
	opts := Options{
		Engine: engine,
		Boards: domain.NewBoardReader(db, db, 0),
		Stream: hub,
		Auth:   stubAuth{p: Principal{Subject: "user", AccountID: "acct"}},
		Logger: logger,
	}
	if mutate != nil {
		mutate(&opts)
	}
	e := echo.New()
	Register(e, opts)
	return &testServer{e: e, db: db, hub: hub, engine: engine, hook: hook}
}

func (s *testServer) do(method, target, body string, headers map[string]string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	req.Header.Set(echo.HeaderAuthorization, "Bearer a.b.c")
	for k, v := range headers {
		if v == "" {
			req.Header.Del(k)
			continue
		}
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.e.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := sonic.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("invalid json %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestPostMoveCommits(t *testing.T) {
	s := newTestServer(t, nil)
	rec := s.do(http.MethodPost, routeMove, `{"card_id":"C3","stage_key":"new","position_params":{"after_id":"C1","before_id":"C2"}}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d: %s", rec.Code, rec.Body.String())
	}
	resp := decodeBody[moveResponse](t, rec)
	if resp.Status != "success" || resp.CommittedStageKey != "new" || resp.CommittedPosition != 150 {
		t.Fatalf("unexpected response: %#v", resp)
	}
	if resp.Card.ID != "C3" || resp.Card.StageKey != "new" || resp.Card.UnreadCount != 1 {
		t.Fatalf("expected full card snapshot: %#v", resp.Card)
	}
	stored, _ := s.db.GetCard(context.Background(), domain.Scope{AccountID: "acct"}, "C3")
	if stored.StageKey != "new" || stored.Position != 150 {
		t.Fatalf("move not persisted: %#v", stored)
	}
}

func TestPostMoveUnknownStage(t *testing.T) {
	s := newTestServer(t, nil)
	rec := s.do(http.MethodPost, routeMove, `{"card_id":"C1","stage_key":"won"}`, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 got %d", rec.Code)
	}
	resp := decodeBody[errorResponse](t, rec)
	if len(resp.AvailableStages) != 5 || resp.AvailableStages[0] != "new" || !strings.Contains(resp.Error, "won") {
		t.Fatalf("unexpected error body: %#v", resp)
	}
}

func TestPostMoveUnknownCard(t *testing.T) {
	s := newTestServer(t, nil)
	rec := s.do(http.MethodPost, routeMove, `{"card_id":"nope","stage_key":"new"}`, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 got %d", rec.Code)
	}
	if resp := decodeBody[errorResponse](t, rec); resp.AvailableStages != nil {
		t.Fatalf("card misses carry no stage list: %#v", resp)
	}
}

func TestPostMoveBadRequests(t *testing.T) {
	s := newTestServer(t, nil)
	cases := map[string]int{
		`{`: http.StatusBadRequest,
		`{"card_id":"C1","stage_key":"new","extra":1}`: http.StatusBadRequest,
		`{"stage_key":"new"}`:                          http.StatusUnprocessableEntity,
		`{"card_id":"C1"}`:                             http.StatusUnprocessableEntity,
	}
	for body, want := range cases {
		if rec := s.do(http.MethodPost, routeMove, body, nil); rec.Code != want {
			t.Fatalf("%s: expected %d got %d", body, want, rec.Code)
		}
	}
	if s.engine.calls.Load() != 0 {
		t.Fatalf("engine must not run for rejected requests")
	}
}

func TestPostMoveErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		code int
		msg  string
	}{
		{&domain.InvalidError{Msg: "absolute_position must be a finite number"}, http.StatusUnprocessableEntity, "absolute_position must be a finite number"},
		{domain.ErrTransitionFailed, http.StatusInternalServerError, msgMoveFailed},
		{errors.New("connection reset by peer"), http.StatusInternalServerError, msgMoveFailed},
	}
	for _, tc := range cases {
		s := newTestServer(t, func(o *Options) { o.Engine = failingEngine{err: tc.err} })
		rec := s.do(http.MethodPost, routeMove, `{"card_id":"C1","stage_key":"new"}`, nil)
		if rec.Code != tc.code {
			t.Fatalf("%v: expected %d got %d", tc.err, tc.code, rec.Code)
		}
		if resp := decodeBody[errorResponse](t, rec); resp.Error != tc.msg {
			t.Fatalf("%v: unexpected message %q", tc.err, resp.Error)
		}
	}
}

func TestPostMoveAuth(t *testing.T) {
	s := newTestServer(t, func(o *Options) {
		o.Auth = stubAuth{p: Principal{Subject: "user", AccountID: "acct", Boards: []string{"support"}}}
	})
	rec := s.do(http.MethodPost, routeMove, `{"card_id":"C1","stage_key":"new"}`, map[string]string{echo.HeaderAuthorization: ""})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 got %d", rec.Code)
	}
	rec = s.do(http.MethodPost, routeMove, `{"card_id":"C1","stage_key":"new"}`, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 got %d", rec.Code)
	}
	if s.engine.calls.Load() != 0 {
		t.Fatalf("engine must not run for unauthorized requests")
	}
}

func TestPostMoveIdempotencyReplay(t *testing.T) {
	m, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(m.Close)
	client := redis.NewClient(&redis.Options{Addr: m.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	deduper := NewRedisDeduper(client, time.Minute)

	s := newTestServer(t, func(o *Options) { o.Deduper = deduper })
	body := `{"card_id":"C1","stage_key":"qualified","position_params":{"absolute_position":42.5}}`
	headers := map[string]string{headerIdempotencyKey: "move-1"}

	first := s.do(http.MethodPost, routeMove, body, headers)
	second := s.do(http.MethodPost, routeMove, body, headers)
	if first.Code != http.StatusOK || second.Code != http.StatusOK {
		t.Fatalf("unexpected codes %d %d", first.Code, second.Code)
	}
	if first.Body.String() != second.Body.String() {
		t.Fatalf("replay differs: %s vs %s", first.Body.String(), second.Body.String())
	}
	if n := s.engine.calls.Load(); n != 1 {
		t.Fatalf("expected one transition, got %d", n)
	}

	if _, err := deduper.Add(context.Background(), "acct", "in-flight"); err != nil {
		t.Fatalf("add: %v", err)
	}
	rec := s.do(http.MethodPost, routeMove, body, map[string]string{headerIdempotencyKey: "in-flight"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for in-flight key, got %d", rec.Code)
	}

	failed := s.do(http.MethodPost, routeMove, `{"card_id":"C1","stage_key":"nope"}`, map[string]string{headerIdempotencyKey: "bad"})
	if failed.Code != http.StatusNotFound {
		t.Fatalf("expected 404 got %d", failed.Code)
	}
	if m.Exists("idem:acct:bad") {
		t.Fatalf("failed moves must release their idempotency key")
	}
}

func TestGetBoard(t *testing.T) {
	s := newTestServer(t, nil)
	rec := s.do(http.MethodGet, routeBoard+"?board_key=sales", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
	view := decodeBody[domain.BoardView](t, rec)
	if view.BoardKey != "sales" || len(view.Stages) != 5 {
		t.Fatalf("unexpected view: %#v", view)
	}
	if list := view.CardsByStage["new"]; len(list) != 2 || list[0].ID != "C1" {
		t.Fatalf("unexpected new stage: %#v", list)
	}
	if entry := s.hook.LastEntry(); entry == nil || entry.Message != "observability.event" || entry.Level != log.InfoLevel {
		t.Fatalf("expected observability log entry, got %#v", entry)
	}
}

func TestGetStages(t *testing.T) {
	s := newTestServer(t, nil)
	rec := s.do(http.MethodGet, routeStages, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
	resp := decodeBody[stagesResponse](t, rec)
	if resp.BoardKey != domain.DefaultBoardKey || len(resp.Stages) != 5 || resp.Stages[4].Key != "closed" {
		t.Fatalf("unexpected stages: %#v", resp)
	}
}

func TestDeleteStage(t *testing.T) {
	s := newTestServer(t, nil)
	rec := s.do(http.MethodDelete, "/api/kanban/stages/sales-new", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rec.Code, rec.Body.String())
	}
	resp := decodeBody[deactivateResponse](t, rec)
	if resp.FallbackStageKey != "qualified" || resp.MigratedCards != 2 {
		t.Fatalf("unexpected response %#v", resp)
	}
	if rec := s.do(http.MethodDelete, "/api/kanban/stages/missing", "", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 got %d", rec.Code)
	}
}

func TestDeleteLastActiveStage(t *testing.T) {
	s := newTestServer(t, nil)
	for _, key := range []string{"new", "qualified", "proposal", "negotiation"} {
		if rec := s.do(http.MethodDelete, "/api/kanban/stages/sales-"+key, "", nil); rec.Code != http.StatusOK {
			t.Fatalf("%s: expected 200 got %d", key, rec.Code)
		}
	}
	rec := s.do(http.MethodDelete, "/api/kanban/stages/sales-closed", "", nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 got %d", rec.Code)
	}
	if resp := decodeBody[errorResponse](t, rec); resp.Error != msgLastStage {
		t.Fatalf("unexpected message %q", resp.Error)
	}
}

func TestDeleteStageRequiresAllBoards(t *testing.T) {
	s := newTestServer(t, func(o *Options) {
		o.Auth = stubAuth{p: Principal{Subject: "user", AccountID: "acct", Boards: []string{"sales"}}}
	})
	if rec := s.do(http.MethodDelete, "/api/kanban/stages/sales-new", "", nil); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 got %d", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t, nil)
	if rec := s.do(http.MethodGet, "/healthz", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
}
