package domain

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"kanban-api/broadcast"
)

const (
	defaultMaxAttempts = 3
	publishTimeout     = 5 * time.Second
)

// CardStore is the card persistence collaborator. Every method is scoped to
// the caller's account.
type CardStore interface {
	// GetCard returns ErrRecordNotFound when the card does not exist in scope.
	GetCard(ctx context.Context, scope Scope, cardID string) (Card, error)
	// ListStageCards returns the cards currently assigned to a stage, in no particular order.
	ListStageCards(ctx context.Context, scope Scope, boardKey, stageKey string) ([]Card, error)
	// ListBoardCards returns every card of a board, in no particular order.
	ListBoardCards(ctx context.Context, scope Scope, boardKey string) ([]Card, error)
	// UpdatePlacement writes StageKey and Position of card as one atomic
	// update, conditional on card.ETag when it is set. It returns
	// ErrConcurrencyConflict when the stored version moved on and a
	// *ValidationError when a constraint is violated.
	UpdatePlacement(ctx context.Context, scope Scope, card Card) (Card, error)
	// RestageCards reassigns every card of fromStageKey to toStageKey without
	// touching positions, returning the number of cards moved.
	RestageCards(ctx context.Context, scope Scope, boardKey, fromStageKey, toStageKey string) (int, error)
}

// StageCatalogue is the stage persistence collaborator.
type StageCatalogue interface {
	// ListStages returns the board's stages ordered by display position.
	ListStages(ctx context.Context, scope Scope, boardKey string, activeOnly bool) ([]Stage, error)
	// GetStage returns ErrRecordNotFound when the stage does not exist in scope.
	GetStage(ctx context.Context, scope Scope, stageID string) (Stage, error)
	SetStageActive(ctx context.Context, scope Scope, stageID string, active bool) error
}

// Invalidator drops cached board reads after a commit.
type Invalidator interface {
	InvalidateBoard(ctx context.Context, scope Scope, boardKey string)
}

// Engine applies stage transitions to single cards.
type Engine struct {
	cards       CardStore
	stages      StageCatalogue
	publisher   broadcast.Publisher
	alloc       *Allocator
	invalidator Invalidator
	logger      *log.Logger
	maxAttempts int
	now         func() time.Time
}

// EngineOption customises an Engine.
type EngineOption func(*Engine)

// WithAllocator replaces the position allocator.
func WithAllocator(a *Allocator) EngineOption {
	return func(e *Engine) { e.alloc = a }
}

// WithInvalidator registers a cache to invalidate after every commit.
func WithInvalidator(inv Invalidator) EngineOption {
	return func(e *Engine) { e.invalidator = inv }
}

// WithMaxAttempts bounds how often a transition is recomputed after a
// concurrency conflict.
func WithMaxAttempts(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.maxAttempts = n
		}
	}
}

// WithClock sets the clock used for UpdatedAt and event timestamps.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// NewEngine creates a transition engine. publisher may be nil, in which case
// commits are not broadcast.
func NewEngine(cards CardStore, stages StageCatalogue, publisher broadcast.Publisher, logger *log.Logger, opts ...EngineOption) *Engine {
	if cards == nil || stages == nil {
		panic("domain.NewEngine: card store and stage catalogue are required")
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	e := &Engine{
		cards:       cards,
		stages:      stages,
		publisher:   publisher,
		logger:      logger,
		maxAttempts: defaultMaxAttempts,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.alloc == nil {
		e.alloc = NewAllocator(e.now)
	}
	return e
}

// Transition moves a card into a stage at the position described by the
// request's directive. Stage and position are committed together or not at
// all.
func (e *Engine) Transition(ctx context.Context, scope Scope, req TransitionRequest) (CommittedTransition, error) {
	if req.BoardKey == "" {
		req.BoardKey = DefaultBoardKey
	}
	fields := log.Fields{
		"account": scope.AccountID,
		"board":   req.BoardKey,
		"stage":   req.StageKey,
		"card":    req.CardID,
	}
	if !ValidDirective(req.Position) {
		return CommittedTransition{}, e.classify(fields, "validate directive", &InvalidError{Msg: "absolute_position must be a finite number"})
	}

	card, err := e.loadCard(ctx, scope, req)
	if err != nil {
		return CommittedTransition{}, e.classify(fields, "load card", err)
	}
	target, err := e.resolveStage(ctx, scope, req.BoardKey, req.StageKey)
	if err != nil {
		return CommittedTransition{}, e.classify(fields, "resolve stage", err)
	}

	for attempt := 1; ; attempt++ {
		stageCards, err := e.cards.ListStageCards(ctx, scope, req.BoardKey, target.Key)
		if err != nil {
			return CommittedTransition{}, e.classify(fields, "list stage cards", err)
		}
		fromStage := card.StageKey
		card.StageKey = target.Key
		card.Position = e.alloc.Allocate(withoutCard(stageCards, card.ID), req.Position)
		card.UpdatedAt = e.now().UTC()

		if err := e.recheckStage(ctx, scope, req.BoardKey, target); err != nil {
			return CommittedTransition{}, e.classify(fields, "recheck stage", err)
		}
		saved, err := e.cards.UpdatePlacement(ctx, scope, card)
		if err == nil {
			committed := CommittedTransition{
				CardID:       saved.ID,
				BoardKey:     req.BoardKey,
				FromStageKey: fromStage,
				NewStageKey:  saved.StageKey,
				NewPosition:  saved.Position,
				Card:         saved,
			}
			e.logger.WithFields(fields).WithFields(log.Fields{
				"from_stage": fromStage,
				"position":   saved.Position,
				"attempt":    attempt,
			}).Debug("card transition committed")
			e.afterCommit(ctx, scope, req.BoardKey, broadcast.Event{
				Type:      broadcast.CardMoved,
				BoardKey:  req.BoardKey,
				CardID:    saved.ID,
				StageKey:  saved.StageKey,
				Position:  saved.Position,
				Timestamp: saved.UpdatedAt.UnixMilli(),
			}, fields)
			return committed, nil
		}
		if !errors.Is(err, ErrConcurrencyConflict) || attempt >= e.maxAttempts {
			return CommittedTransition{}, e.classify(fields, "update placement", err)
		}
		e.logger.WithFields(fields).WithField("attempt", attempt).Debug("card changed during transition, retrying")
		card, err = e.loadCard(ctx, scope, req)
		if err != nil {
			return CommittedTransition{}, e.classify(fields, "reload card", err)
		}
	}
}

func (e *Engine) loadCard(ctx context.Context, scope Scope, req TransitionRequest) (Card, error) {
	card, err := e.cards.GetCard(ctx, scope, req.CardID)
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			return Card{}, &NotFoundError{Resource: "card", Key: req.CardID}
		}
		return Card{}, err
	}
	if card.BoardKey != req.BoardKey {
		return Card{}, &NotFoundError{Resource: "card", Key: req.CardID}
	}
	return card, nil
}

func (e *Engine) resolveStage(ctx context.Context, scope Scope, boardKey, stageKey string) (Stage, error) {
	active, err := e.stages.ListStages(ctx, scope, boardKey, true)
	if err != nil {
		return Stage{}, err
	}
	for _, s := range active {
		if s.Key == stageKey && s.Active {
			return s, nil
		}
	}
	return Stage{}, &NotFoundError{Resource: "stage", Key: stageKey, AvailableStages: StageKeys(active)}
}

// recheckStage confirms the target stage is still active just before the
// write, narrowing the window in which a concurrent deactivation's sweep
// misses the card.
func (e *Engine) recheckStage(ctx context.Context, scope Scope, boardKey string, target Stage) error {
	st, err := e.stages.GetStage(ctx, scope, target.ID)
	if err == nil && st.Active {
		return nil
	}
	if err != nil && !errors.Is(err, ErrRecordNotFound) {
		return err
	}
	_, err = e.resolveStage(ctx, scope, boardKey, target.Key)
	return err
}

// classify converts collaborator failures into the package's error taxonomy
// and logs them with the request's identifiers.
func (e *Engine) classify(fields log.Fields, op string, err error) error {
	var notFound *NotFoundError
	var invalid *InvalidError
	var validation *ValidationError
	entry := e.logger.WithFields(fields).WithField("op", op)
	switch {
	case errors.As(err, &notFound):
		entry.WithField("available_stages", notFound.AvailableStages).Warn(notFound.Error())
		return notFound
	case errors.Is(err, ErrRecordNotFound):
		entry.Warn("card disappeared during transition")
		return &NotFoundError{Resource: "card", Key: keyField(fields, "card")}
	case errors.As(err, &invalid):
		entry.Warn(invalid.Error())
		return invalid
	case errors.As(err, &validation):
		entry.WithError(err).Warn("transition rejected by storage")
		return &InvalidError{Msg: validation.Error()}
	default:
		entry.WithError(err).Error("card transition failed")
		return ErrTransitionFailed
	}
}

func (e *Engine) afterCommit(ctx context.Context, scope Scope, boardKey string, ev broadcast.Event, fields log.Fields) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if e.invalidator != nil {
		e.invalidator.InvalidateBoard(ctx, scope, boardKey)
	}
	if e.publisher == nil {
		return
	}
	if err := e.publisher.Publish(ctx, broadcast.Topic(scope.AccountID, boardKey), ev); err != nil {
		e.logger.WithFields(fields).WithError(err).WithField("event", ev.Type).Error("failed to broadcast board event")
	}
}

func withoutCard(cards []Card, id string) []Card {
	out := make([]Card, 0, len(cards))
	for _, c := range cards {
		if c.ID != id {
			out = append(out, c)
		}
	}
	return out
}

func keyField(fields log.Fields, name string) string {
	v, _ := fields[name].(string)
	return v
}
