package domain

import (
	"context"
	"fmt"
)

// CardsPerStage is the default number of cards returned per stage on a board read.
const CardsPerStage = 50

// BoardView is a full snapshot of a board used for initial load and recovery.
type BoardView struct {
	BoardKey     string            `json:"board_key"`
	Stages       []Stage           `json:"stages"`
	CardsByStage map[string][]Card `json:"cards_by_stage"`
}

// BoardLoader loads board snapshots. BoardReader and storage.Cache implement it.
type BoardLoader interface {
	LoadBoard(ctx context.Context, scope Scope, boardKey string) (BoardView, error)
}

// BoardReader assembles board snapshots from the card and stage collaborators.
type BoardReader struct {
	cards  CardStore
	stages StageCatalogue
	limit  int
}

// NewBoardReader returns a reader truncating each stage to limit cards.
// A non-positive limit uses CardsPerStage.
func NewBoardReader(cards CardStore, stages StageCatalogue, limit int) *BoardReader {
	if limit <= 0 {
		limit = CardsPerStage
	}
	return &BoardReader{cards: cards, stages: stages, limit: limit}
}

func (r *BoardReader) LoadBoard(ctx context.Context, scope Scope, boardKey string) (BoardView, error) {
	if boardKey == "" {
		boardKey = DefaultBoardKey
	}
	stages, err := r.stages.ListStages(ctx, scope, boardKey, true)
	if err != nil {
		return BoardView{}, fmt.Errorf("list stages: %w", err)
	}
	SortStages(stages)
	cards, err := r.cards.ListBoardCards(ctx, scope, boardKey)
	if err != nil {
		return BoardView{}, fmt.Errorf("list cards: %w", err)
	}

	view := BoardView{
		BoardKey:     boardKey,
		Stages:       stages,
		CardsByStage: make(map[string][]Card, len(stages)),
	}
	for _, s := range stages {
		view.CardsByStage[s.Key] = []Card{}
	}
	for _, c := range cards {
		if list, ok := view.CardsByStage[c.StageKey]; ok {
			view.CardsByStage[c.StageKey] = append(list, c)
		}
	}
	for key, list := range view.CardsByStage {
		SortCards(list)
		if len(list) > r.limit {
			list = list[:r.limit]
		}
		view.CardsByStage[key] = list
	}
	return view, nil
}

// ListStages returns every stage of a board, active or not, in display order.
func (r *BoardReader) ListStages(ctx context.Context, scope Scope, boardKey string) ([]Stage, error) {
	if boardKey == "" {
		boardKey = DefaultBoardKey
	}
	stages, err := r.stages.ListStages(ctx, scope, boardKey, false)
	if err != nil {
		return nil, fmt.Errorf("list stages: %w", err)
	}
	SortStages(stages)
	return stages, nil
}
