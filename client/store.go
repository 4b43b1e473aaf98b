// Package client keeps an optimistic local projection of a board in step
// with the kanban API.
package client

import (
	"errors"
	"slices"
	"sync"

	"github.com/google/uuid"

	"kanban-api/broadcast"
	"kanban-api/domain"
)

var (
	ErrUnknownCard  = errors.New("card not on board")
	ErrUnknownStage = errors.New("stage not on board")
	ErrUnknownMove  = errors.New("unknown move")
	// ErrMoveSettled is returned when a rolled back move is confirmed or
	// rolled back again.
	ErrMoveSettled = errors.New("move already settled")
)

// MoveState is the lifecycle of one optimistic move.
type MoveState int

const (
	MoveIdle MoveState = iota
	MoveOptimistic
	MoveConfirmed
	MoveRolledBack
)

func (s MoveState) String() string {
	switch s {
	case MoveOptimistic:
		return "optimistic"
	case MoveConfirmed:
		return "confirmed"
	case MoveRolledBack:
		return "rolled_back"
	default:
		return "idle"
	}
}

// Placement is where the server committed a card.
type Placement struct {
	StageKey string
	Position float64
}

type pendingMove struct {
	cardID    string
	fromStage string
	fromPos   float64
	toStage   string
	state     MoveState
	// overtaken is set when a remote event for the card arrived while the
	// move was optimistic.
	overtaken bool
}

// Store is the client projection of one board. All methods are safe for
// concurrent use.
type Store struct {
	mu       sync.Mutex
	alloc    *domain.Allocator
	boardKey string
	stages   []domain.Stage
	cards    map[string][]domain.Card
	moves    map[string]*pendingMove
}

// NewStore returns an empty projection. A nil allocator uses wall-clock time.
func NewStore(alloc *domain.Allocator) *Store {
	if alloc == nil {
		alloc = domain.NewAllocator(nil)
	}
	return &Store{
		alloc: alloc,
		cards: make(map[string][]domain.Card),
		moves: make(map[string]*pendingMove),
	}
}

// Refresh replaces the projection with a fresh board snapshot. Move records
// survive so an outstanding move can still be rolled back.
func (s *Store) Refresh(view domain.BoardView) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.boardKey = view.BoardKey
	s.stages = slices.Clone(view.Stages)
	domain.SortStages(s.stages)
	s.cards = make(map[string][]domain.Card, len(s.stages))
	for _, st := range s.stages {
		list := slices.Clone(view.CardsByStage[st.Key])
		domain.SortCards(list)
		s.cards[st.Key] = list
	}
}

// BeginMove applies a move locally before the server has seen it and returns
// the id used to settle it.
func (s *Store) BeginMove(cardID, toStage string, dir domain.PositionDirective) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	card, ok := s.findLocked(cardID)
	if !ok {
		return "", ErrUnknownCard
	}
	if !s.hasStageLocked(toStage) {
		return "", ErrUnknownStage
	}
	target := withoutCard(s.cards[toStage], cardID)
	id := uuid.NewString()
	s.moves[id] = &pendingMove{
		cardID:    cardID,
		fromStage: card.StageKey,
		fromPos:   card.Position,
		toStage:   toStage,
		state:     MoveOptimistic,
	}
	s.placeLocked(card, toStage, s.alloc.Allocate(target, dir))
	return id, nil
}

// Confirm settles a move with the placement the server committed. A move a
// broadcast already settled, or one a later remote event overtook, keeps the
// card where the newest event put it.
func (s *Store) Confirm(moveID string, p Placement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.moves[moveID]
	if !ok {
		return ErrUnknownMove
	}
	if m.state == MoveRolledBack {
		return ErrMoveSettled
	}
	if m.state == MoveConfirmed || m.overtaken {
		m.state = MoveConfirmed
		return nil
	}
	m.state = MoveConfirmed
	if card, ok := s.findLocked(m.cardID); ok && s.hasStageLocked(p.StageKey) {
		s.placeLocked(card, p.StageKey, p.Position)
	}
	return nil
}

// Rollback settles a failed move by restoring the card to where it was
// before BeginMove, unless a remote event for the card arrived meanwhile.
func (s *Store) Rollback(moveID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.moves[moveID]
	if !ok {
		return ErrUnknownMove
	}
	if m.state != MoveOptimistic {
		return ErrMoveSettled
	}
	m.state = MoveRolledBack
	if m.overtaken {
		return nil
	}
	if card, ok := s.findLocked(m.cardID); ok && s.hasStageLocked(m.fromStage) {
		s.placeLocked(card, m.fromStage, m.fromPos)
	}
	return nil
}

// ApplyRemote applies a broadcast event at face value. Events for other
// boards and unknown cards are ignored. It reports whether the projection
// changed.
func (s *Store) ApplyRemote(ev broadcast.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ev.BoardKey != "" && s.boardKey != "" && ev.BoardKey != s.boardKey {
		return false
	}
	switch ev.Type {
	case broadcast.CardMoved:
		return s.applyMovedLocked(ev)
	case broadcast.StageDeactivated:
		return s.applyDeactivatedLocked(ev)
	}
	return false
}

func (s *Store) applyMovedLocked(ev broadcast.Event) bool {
	card, ok := s.findLocked(ev.CardID)
	if !ok || !s.hasStageLocked(ev.StageKey) {
		return false
	}
	for _, m := range s.moves {
		if m.cardID != ev.CardID {
			continue
		}
		switch {
		case m.state == MoveConfirmed:
			m.overtaken = true
		case m.state == MoveRolledBack:
		case m.toStage == ev.StageKey:
			m.state = MoveConfirmed
		default:
			m.overtaken = true
		}
	}
	s.placeLocked(card, ev.StageKey, ev.Position)
	return true
}

func (s *Store) applyDeactivatedLocked(ev broadcast.Event) bool {
	idx := slices.IndexFunc(s.stages, func(st domain.Stage) bool { return st.Key == ev.StageKey })
	if idx < 0 {
		return false
	}
	s.stages = slices.Delete(s.stages, idx, idx+1)
	moved := s.cards[ev.StageKey]
	delete(s.cards, ev.StageKey)
	if ev.FallbackStageKey == "" || !s.hasStageLocked(ev.FallbackStageKey) {
		return true
	}
	list := s.cards[ev.FallbackStageKey]
	for _, c := range moved {
		c.StageKey = ev.FallbackStageKey
		list = append(list, c)
	}
	domain.SortCards(list)
	s.cards[ev.FallbackStageKey] = list
	return true
}

// Snapshot returns a copy of the projection.
func (s *Store) Snapshot() domain.BoardView {
	s.mu.Lock()
	defer s.mu.Unlock()
	view := domain.BoardView{
		BoardKey:     s.boardKey,
		Stages:       slices.Clone(s.stages),
		CardsByStage: make(map[string][]domain.Card, len(s.cards)),
	}
	for key, list := range s.cards {
		view.CardsByStage[key] = slices.Clone(list)
	}
	return view
}

// Stage returns the ordered cards of a stage.
func (s *Store) Stage(key string) []domain.Card {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.cards[key])
}

// Card returns the projected state of a card.
func (s *Store) Card(id string) (domain.Card, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findLocked(id)
}

// MoveState reports the state of a move.
func (s *Store) MoveState(moveID string) MoveState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.moves[moveID]; ok {
		return m.state
	}
	return MoveIdle
}

// Forget drops the record of a settled move.
func (s *Store) Forget(moveID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.moves[moveID]; ok && m.state != MoveOptimistic {
		delete(s.moves, moveID)
	}
}

func (s *Store) findLocked(id string) (domain.Card, bool) {
	for _, list := range s.cards {
		for _, c := range list {
			if c.ID == id {
				return c, true
			}
		}
	}
	return domain.Card{}, false
}

func (s *Store) hasStageLocked(key string) bool {
	return slices.ContainsFunc(s.stages, func(st domain.Stage) bool { return st.Key == key })
}

// placeLocked removes card from whichever list holds it and inserts it into
// stage at pos.
func (s *Store) placeLocked(card domain.Card, stage string, pos float64) {
	if card.StageKey != stage {
		s.cards[card.StageKey] = withoutCard(s.cards[card.StageKey], card.ID)
	}
	card.StageKey = stage
	card.Position = pos
	list := withoutCard(s.cards[stage], card.ID)
	list = append(list, card)
	domain.SortCards(list)
	s.cards[stage] = list
}

func withoutCard(cards []domain.Card, id string) []domain.Card {
	out := make([]domain.Card, 0, len(cards))
	for _, c := range cards {
		if c.ID != id {
			out = append(out, c)
		}
	}
	return out
}
