package domain

import (
	"context"
	"strconv"
	"sync"
)

type fakeStore struct {
	mu        sync.Mutex
	cards     map[string]Card
	stages    map[string]Stage
	version   int
	conflicts int
	updateErr error
	listErr   error
	updates   int
	// onList runs before each ListStageCards, outside the lock.
	onList func()
}

func newFakeStore(stages ...Stage) *fakeStore {
	fs := &fakeStore{cards: map[string]Card{}, stages: map[string]Stage{}}
	for _, s := range stages {
		if s.BoardKey == "" {
			s.BoardKey = DefaultBoardKey
		}
		if s.AccountID == "" {
			s.AccountID = "acct"
		}
		fs.stages[s.ID] = s
	}
	return fs
}

func (f *fakeStore) addCard(c Card) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c.BoardKey == "" {
		c.BoardKey = DefaultBoardKey
	}
	if c.AccountID == "" {
		c.AccountID = "acct"
	}
	f.version++
	c.ETag = strconv.Itoa(f.version)
	f.cards[c.ID] = c
}

func (f *fakeStore) card(id string) Card {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cards[id]
}

func (f *fakeStore) GetCard(ctx context.Context, scope Scope, cardID string) (Card, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.cards[cardID]
	if !ok || c.AccountID != scope.AccountID {
		return Card{}, ErrRecordNotFound
	}
	return c, nil
}

func (f *fakeStore) ListStageCards(ctx context.Context, scope Scope, boardKey, stageKey string) ([]Card, error) {
	if f.onList != nil {
		f.onList()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []Card
	for _, c := range f.cards {
		if c.AccountID == scope.AccountID && c.BoardKey == boardKey && c.StageKey == stageKey {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeStore) ListBoardCards(ctx context.Context, scope Scope, boardKey string) ([]Card, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Card
	for _, c := range f.cards {
		if c.AccountID == scope.AccountID && c.BoardKey == boardKey {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeStore) UpdatePlacement(ctx context.Context, scope Scope, card Card) (Card, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates++
	if f.updateErr != nil {
		return Card{}, f.updateErr
	}
	if f.conflicts > 0 {
		f.conflicts--
		return Card{}, ErrConcurrencyConflict
	}
	cur, ok := f.cards[card.ID]
	if !ok {
		return Card{}, ErrRecordNotFound
	}
	if card.ETag != "" && card.ETag != cur.ETag {
		return Card{}, ErrConcurrencyConflict
	}
	cur.StageKey = card.StageKey
	cur.Position = card.Position
	cur.UpdatedAt = card.UpdatedAt
	f.version++
	cur.ETag = strconv.Itoa(f.version)
	f.cards[card.ID] = cur
	return cur, nil
}

func (f *fakeStore) RestageCards(ctx context.Context, scope Scope, boardKey, fromStageKey, toStageKey string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for id, c := range f.cards {
		if c.AccountID == scope.AccountID && c.BoardKey == boardKey && c.StageKey == fromStageKey {
			c.StageKey = toStageKey
			f.cards[id] = c
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) ListStages(ctx context.Context, scope Scope, boardKey string, activeOnly bool) ([]Stage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Stage
	for _, s := range f.stages {
		if s.AccountID != scope.AccountID || s.BoardKey != boardKey {
			continue
		}
		if activeOnly && !s.Active {
			continue
		}
		out = append(out, s)
	}
	SortStages(out)
	return out, nil
}

func (f *fakeStore) GetStage(ctx context.Context, scope Scope, stageID string) (Stage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.stages[stageID]
	if !ok || s.AccountID != scope.AccountID {
		return Stage{}, ErrRecordNotFound
	}
	return s, nil
}

func (f *fakeStore) SetStageActive(ctx context.Context, scope Scope, stageID string, active bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.stages[stageID]
	if !ok {
		return ErrRecordNotFound
	}
	s.Active = active
	f.stages[stageID] = s
	return nil
}

type fakeInvalidator struct {
	mu     sync.Mutex
	boards []string
}

func (f *fakeInvalidator) InvalidateBoard(ctx context.Context, scope Scope, boardKey string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.boards = append(f.boards, boardKey)
}
