package client

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"kanban-api/broadcast"
	"kanban-api/domain"
)

const (
	defaultMoveTimeout = 10 * time.Second
	defaultBackoffBase = 500 * time.Millisecond
	defaultBackoffMax  = 30 * time.Second
)

// Loader fetches board snapshots.
type Loader interface {
	LoadBoard(ctx context.Context, boardKey string) (domain.BoardView, error)
}

// Mover commits moves on the server.
type Mover interface {
	Move(ctx context.Context, req MoveRequest) (MoveResult, error)
}

// Streamer opens board event streams.
type Streamer interface {
	Stream(ctx context.Context, boardKey string) (Events, error)
}

// API is everything a Board needs from the server.
type API interface {
	Loader
	Mover
	Streamer
}

// Board drives a Store against the API: optimistic moves settled by the
// server answer, and a sync loop applying remote events.
type Board struct {
	api         API
	store       *Store
	boardKey    string
	moveTimeout time.Duration
	backoffBase time.Duration
	backoffMax  time.Duration
	onEvent     func(broadcast.Event)
	logger      *log.Logger
}

// BoardOption configures a Board.
type BoardOption func(*Board)

// WithMoveTimeout bounds each move call.
func WithMoveTimeout(d time.Duration) BoardOption {
	return func(b *Board) {
		if d > 0 {
			b.moveTimeout = d
		}
	}
}

// WithBackoff sets the reconnect delay of Sync. The delay doubles after each
// consecutive failure up to limit.
func WithBackoff(base, limit time.Duration) BoardOption {
	return func(b *Board) {
		if base > 0 {
			b.backoffBase = base
		}
		if limit >= base {
			b.backoffMax = limit
		}
	}
}

// WithEventHook is called after every remote event applied by Sync.
func WithEventHook(fn func(broadcast.Event)) BoardOption {
	return func(b *Board) { b.onEvent = fn }
}

// WithLogger sets the logger used by Move and the sync loop.
func WithLogger(l *log.Logger) BoardOption {
	return func(b *Board) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithStore shares an existing store.
func WithStore(s *Store) BoardOption {
	return func(b *Board) {
		if s != nil {
			b.store = s
		}
	}
}

// NewBoard returns a board client for boardKey.
func NewBoard(api API, boardKey string, opts ...BoardOption) *Board {
	if boardKey == "" {
		boardKey = domain.DefaultBoardKey
	}
	b := &Board{
		api:         api,
		boardKey:    boardKey,
		moveTimeout: defaultMoveTimeout,
		backoffBase: defaultBackoffBase,
		backoffMax:  defaultBackoffMax,
		logger:      log.StandardLogger(),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.store == nil {
		b.store = NewStore(nil)
	}
	return b
}

// Store returns the projection the board maintains.
func (b *Board) Store() *Store { return b.store }

// Load replaces the projection with a fresh snapshot.
func (b *Board) Load(ctx context.Context) error {
	view, err := b.api.LoadBoard(ctx, b.boardKey)
	if err != nil {
		return err
	}
	b.store.Refresh(view)
	return nil
}

// Move applies a move optimistically and settles it with the server's
// answer. On failure the card is restored and the error returned.
func (b *Board) Move(ctx context.Context, cardID, stageKey string, dir domain.PositionDirective) (MoveResult, error) {
	moveID, err := b.store.BeginMove(cardID, stageKey, dir)
	if err != nil {
		return MoveResult{}, err
	}
	defer b.store.Forget(moveID)

	callCtx, cancel := context.WithTimeout(ctx, b.moveTimeout)
	defer cancel()
	res, err := b.api.Move(callCtx, MoveRequest{
		CardID:         cardID,
		BoardKey:       b.boardKey,
		StageKey:       stageKey,
		Position:       dir,
		IdempotencyKey: moveID,
	})
	if err != nil {
		if rbErr := b.store.Rollback(moveID); rbErr != nil {
			b.logger.WithError(rbErr).WithFields(log.Fields{
				"board": b.boardKey,
				"card":  cardID,
				"stage": stageKey,
			}).Debug("move settled by broadcast before the call failed")
		}
		return MoveResult{}, err
	}
	if err := b.store.Confirm(moveID, Placement{StageKey: res.StageKey, Position: res.Position}); err != nil {
		return res, err
	}
	return res, nil
}

// Sync keeps the projection current until ctx is cancelled. Each round
// subscribes first, then reloads the board, then applies events until the
// stream ends; lost streams are retried with backoff.
func (b *Board) Sync(ctx context.Context) error {
	failures := 0
	for {
		err := b.syncOnce(ctx, func() { failures = 0 })
		if ctx.Err() != nil {
			return ctx.Err()
		}
		failures++
		delay := b.backoff(failures)
		entry := b.logger.WithField("board", b.boardKey).WithField("retry_in", delay)
		if errors.Is(err, ErrResync) {
			entry.Info("board stream asked for resync")
		} else {
			entry.WithError(err).Warn("board stream lost")
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (b *Board) syncOnce(ctx context.Context, connected func()) error {
	events, err := b.api.Stream(ctx, b.boardKey)
	if err != nil {
		return err
	}
	defer events.Close()
	if err := b.Load(ctx); err != nil {
		return err
	}
	connected()
	for {
		ev, err := events.Next()
		if err != nil {
			return err
		}
		if b.store.ApplyRemote(ev) && b.onEvent != nil {
			b.onEvent(ev)
		}
	}
}

func (b *Board) backoff(failures int) time.Duration {
	d := b.backoffBase
	for i := 1; i < failures && d < b.backoffMax; i++ {
		d *= 2
	}
	return min(d, b.backoffMax)
}
