package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kanban-api/api"
	"kanban-api/broadcast"
	"kanban-api/domain"
	"kanban-api/storage"
)

type staticAuth struct{}

func (staticAuth) PrincipalFromAuthHeader(h string) (api.Principal, error) {
	if h == "" {
		return api.Principal{}, errors.New("missing authorization")
	}
	return api.Principal{Subject: "user", AccountID: "acct"}, nil
}

type backend struct {
	url string
	db  *storage.SQLite
	hub *broadcast.Hub
}

func newBackend(t *testing.T) *backend {
	t.Helper()
	db, err := storage.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	ctx := context.Background()
	require.NoError(t, db.SeedDefaultStages(ctx, "acct"))
	for _, c := range []domain.Card{
		{ID: "C1", AccountID: "acct", BoardKey: "sales", StageKey: "new", Position: 100},
		{ID: "C2", AccountID: "acct", BoardKey: "sales", StageKey: "new", Position: 200},
		{ID: "C3", AccountID: "acct", BoardKey: "sales", StageKey: "qualified", Position: 50},
	} {
		require.NoError(t, db.PutCard(ctx, c))
	}

	logger, _ := test.NewNullLogger()
	hub := broadcast.NewHub(16)
	e := echo.New()
	api.Register(e, api.Options{
		Engine: domain.NewEngine(db, db, hub, logger),
		Boards: domain.NewBoardReader(db, db, 0),
		Stream: hub,
		Auth:   staticAuth{},
		Logger: logger,
	})
	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)
	return &backend{url: srv.URL, db: db, hub: hub}
}

func (b *backend) client() *HTTPClient {
	return NewHTTPClient(b.url, "a.b.c", nil)
}

func TestBoardMoveConfirms(t *testing.T) {
	be := newBackend(t)
	board := NewBoard(be.client(), "sales")
	require.NoError(t, board.Load(context.Background()))

	res, err := board.Move(context.Background(), "C3", "new", domain.PositionDirective{AfterID: "C1", BeforeID: "C2"})
	require.NoError(t, err)
	assert.Equal(t, "new", res.StageKey)
	assert.Equal(t, 150.0, res.Position)
	assert.Equal(t, []string{"C1", "C3", "C2"}, ids(board.Store().Stage("new")))

	stored, err := be.db.GetCard(context.Background(), domain.Scope{AccountID: "acct"}, "C3")
	require.NoError(t, err)
	assert.Equal(t, "new", stored.StageKey)
	assert.Equal(t, 150.0, stored.Position)
}

func TestBoardMoveRollsBackOnServerRejection(t *testing.T) {
	be := newBackend(t)
	board := NewBoard(be.client(), "sales")
	require.NoError(t, board.Load(context.Background()))

	// The stage disappears on the server after the client loaded the board.
	require.NoError(t, be.db.SetStageActive(context.Background(), domain.Scope{AccountID: "acct"}, "sales-closed", false))

	_, err := board.Move(context.Background(), "C1", "closed", domain.PositionDirective{})
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr), "got %v", err)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
	assert.NotContains(t, apiErr.AvailableStages, "closed")

	card, ok := board.Store().Card("C1")
	require.True(t, ok)
	assert.Equal(t, "new", card.StageKey)
	assert.Equal(t, 100.0, card.Position)
	assert.Empty(t, board.Store().Stage("closed"))
}

type blockingAPI struct {
	view domain.BoardView
}

func (a blockingAPI) LoadBoard(context.Context, string) (domain.BoardView, error) { return a.view, nil }

func (blockingAPI) Move(ctx context.Context, _ MoveRequest) (MoveResult, error) {
	<-ctx.Done()
	return MoveResult{}, ctx.Err()
}

func (blockingAPI) Stream(context.Context, string) (Events, error) {
	return nil, errors.New("no stream")
}

func TestBoardMoveTimeoutRollsBack(t *testing.T) {
	board := NewBoard(blockingAPI{view: testView()}, "sales", WithMoveTimeout(20*time.Millisecond))
	require.NoError(t, board.Load(context.Background()))

	_, err := board.Move(context.Background(), "C3", "closed", domain.PositionDirective{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	card, _ := board.Store().Card("C3")
	assert.Equal(t, "qualified", card.StageKey)
	assert.Equal(t, 50.0, card.Position)
}

// settledAPI delivers the move's own broadcast to the board and then fails
// the call, as when the response is lost after the commit.
type settledAPI struct {
	view  domain.BoardView
	board *Board
}

func (a *settledAPI) LoadBoard(context.Context, string) (domain.BoardView, error) { return a.view, nil }

func (a *settledAPI) Move(_ context.Context, req MoveRequest) (MoveResult, error) {
	a.board.Store().ApplyRemote(broadcast.Event{Type: broadcast.CardMoved, BoardKey: "sales", CardID: req.CardID, StageKey: req.StageKey, Position: 700})
	return MoveResult{}, context.DeadlineExceeded
}

func (a *settledAPI) Stream(context.Context, string) (Events, error) {
	return nil, errors.New("no stream")
}

func TestBoardMoveFailureAfterBroadcastKeepsCommittedPlacement(t *testing.T) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	fake := &settledAPI{view: testView()}
	board := NewBoard(fake, "sales", WithLogger(logger))
	fake.board = board
	require.NoError(t, board.Load(context.Background()))

	_, err := board.Move(context.Background(), "C3", "closed", domain.PositionDirective{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	card, _ := board.Store().Card("C3")
	assert.Equal(t, "closed", card.StageKey)
	assert.Equal(t, 700.0, card.Position)

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.DebugLevel, entry.Level)
	assert.Equal(t, "C3", entry.Data["card"])
	assert.ErrorIs(t, entry.Data[logrus.ErrorKey].(error), ErrMoveSettled)
}

func TestBoardSyncAppliesRemoteMoves(t *testing.T) {
	be := newBackend(t)
	var seen atomic.Int32
	watcher := NewBoard(be.client(), "sales", WithEventHook(func(broadcast.Event) { seen.Add(1) }))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- watcher.Sync(ctx) }()

	topic := broadcast.Topic("acct", "sales")
	require.Eventually(t, func() bool {
		return be.hub.Subscribers(topic) == 1 && len(watcher.Store().Stage("new")) == 2
	}, 2*time.Second, 10*time.Millisecond)

	mover := NewBoard(be.client(), "sales")
	require.NoError(t, mover.Load(context.Background()))
	pos := 5.0
	_, err := mover.Move(context.Background(), "C1", "closed", domain.PositionDirective{Absolute: &pos})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		card, ok := watcher.Store().Card("C1")
		return ok && card.StageKey == "closed" && card.Position == 5 && seen.Load() == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("sync did not stop after cancel")
	}
}

type scriptedEvents struct {
	ctx  context.Context
	errs []error
}

func (s *scriptedEvents) Next() (broadcast.Event, error) {
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		return broadcast.Event{}, err
	}
	<-s.ctx.Done()
	return broadcast.Event{}, s.ctx.Err()
}

func (s *scriptedEvents) Close() error { return nil }

type flakyAPI struct {
	mu      sync.Mutex
	streams int
	loads   int
}

func (a *flakyAPI) LoadBoard(context.Context, string) (domain.BoardView, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.loads++
	return testView(), nil
}

func (a *flakyAPI) Move(context.Context, MoveRequest) (MoveResult, error) {
	return MoveResult{}, errors.New("unused")
}

func (a *flakyAPI) Stream(ctx context.Context, _ string) (Events, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.streams++
	switch a.streams {
	case 1:
		return nil, errors.New("connection refused")
	case 2:
		return &scriptedEvents{ctx: ctx, errs: []error{ErrResync}}, nil
	default:
		return &scriptedEvents{ctx: ctx}, nil
	}
}

func (a *flakyAPI) counts() (int, int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.streams, a.loads
}

func TestBoardSyncReconnects(t *testing.T) {
	fake := &flakyAPI{}
	logger, hook := test.NewNullLogger()
	board := NewBoard(fake, "sales", WithBackoff(time.Millisecond, 5*time.Millisecond), WithLogger(logger))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- board.Sync(ctx) }()

	require.Eventually(t, func() bool {
		streams, loads := fake.counts()
		return streams == 3 && loads == 2
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	require.GreaterOrEqual(t, len(hook.AllEntries()), 2)
	assert.Equal(t, "board stream lost", hook.AllEntries()[0].Message)
	assert.Equal(t, "board stream asked for resync", hook.AllEntries()[1].Message)
}

func TestBackoffDoublesUpToLimit(t *testing.T) {
	board := NewBoard(&flakyAPI{}, "", WithBackoff(100*time.Millisecond, time.Second))
	assert.Equal(t, 100*time.Millisecond, board.backoff(1))
	assert.Equal(t, 400*time.Millisecond, board.backoff(3))
	assert.Equal(t, time.Second, board.backoff(10))
}
