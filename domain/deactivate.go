package domain

import (
	"context"
	"errors"

	log "github.com/sirupsen/logrus"

	"kanban-api/broadcast"
)

// Deactivation is the outcome of retiring a stage.
type Deactivation struct {
	Stage            Stage  `json:"stage"`
	FallbackStageKey string `json:"fallback_stage_key"`
	MigratedCards    int    `json:"migrated_cards"`
}

// DeactivateStage marks a stage inactive and moves its cards to the first
// other active stage of the board. Calling it again for an inactive stage
// repeats the migration sweep.
func (e *Engine) DeactivateStage(ctx context.Context, scope Scope, stageID string) (Deactivation, error) {
	fields := log.Fields{"account": scope.AccountID, "stage_id": stageID}

	stage, err := e.stages.GetStage(ctx, scope, stageID)
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			err = &NotFoundError{Resource: "stage", Key: stageID}
		}
		return Deactivation{}, e.classify(fields, "load stage", err)
	}
	fields["board"] = stage.BoardKey
	fields["stage"] = stage.Key

	active, err := e.stages.ListStages(ctx, scope, stage.BoardKey, true)
	if err != nil {
		return Deactivation{}, e.classify(fields, "list stages", err)
	}
	fallback, ok := fallbackStage(active, stage.ID)
	if !ok {
		return Deactivation{}, e.classify(fields, "pick fallback", ErrLastActiveStage)
	}
	fields["fallback_stage"] = fallback.Key

	if stage.Active {
		if err := e.stages.SetStageActive(ctx, scope, stage.ID, false); err != nil {
			return Deactivation{}, e.classify(fields, "mark inactive", err)
		}
		stage.Active = false
	}

	moved, err := e.cards.RestageCards(ctx, scope, stage.BoardKey, stage.Key, fallback.Key)
	if err != nil {
		return Deactivation{}, e.classify(fields, "restage cards", err)
	}
	e.logger.WithFields(fields).WithField("migrated", moved).Info("stage deactivated")

	e.afterCommit(ctx, scope, stage.BoardKey, broadcast.Event{
		Type:             broadcast.StageDeactivated,
		BoardKey:         stage.BoardKey,
		StageKey:         stage.Key,
		FallbackStageKey: fallback.Key,
		Timestamp:        e.now().UnixMilli(),
	}, fields)

	return Deactivation{Stage: stage, FallbackStageKey: fallback.Key, MigratedCards: moved}, nil
}

func fallbackStage(active []Stage, excludeID string) (Stage, bool) {
	ordered := make([]Stage, 0, len(active))
	for _, s := range active {
		if s.ID != excludeID && s.Active {
			ordered = append(ordered, s)
		}
	}
	if len(ordered) == 0 {
		return Stage{}, false
	}
	SortStages(ordered)
	return ordered[0], true
}
