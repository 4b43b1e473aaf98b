package api

import (
	"context"
	"slices"

	"kanban-api/domain"
)

// Principal is the authenticated caller of a request.
type Principal struct {
	Subject   string
	AccountID string
	// Boards lists the board keys the caller may use. Nil or "*" means all.
	Boards []string
}

// Scope returns the tenant scope the principal acts in.
func (p Principal) Scope() domain.Scope {
	return domain.Scope{AccountID: p.AccountID}
}

// AllBoards reports whether the principal is unrestricted.
func (p Principal) AllBoards() bool {
	return p.Boards == nil || slices.Contains(p.Boards, "*")
}

// Authenticator is implemented by types able to extract principals from headers.
type Authenticator interface {
	PrincipalFromAuthHeader(string) (Principal, error)
}

// BoardAuthorizer decides whether a principal may read and move cards on a board.
type BoardAuthorizer interface {
	CanAccessBoard(p Principal, boardKey string) bool
}

// ClaimsAuthorizer grants access from the principal's boards claim.
type ClaimsAuthorizer struct{}

func (ClaimsAuthorizer) CanAccessBoard(p Principal, boardKey string) bool {
	return p.AllBoards() || slices.Contains(p.Boards, boardKey)
}

// Transitioner applies stage transitions and stage deactivations.
type Transitioner interface {
	Transition(ctx context.Context, scope domain.Scope, req domain.TransitionRequest) (domain.CommittedTransition, error)
	DeactivateStage(ctx context.Context, scope domain.Scope, stageID string) (domain.Deactivation, error)
}

// BoardReader serves board snapshots and stage listings.
type BoardReader interface {
	LoadBoard(ctx context.Context, scope domain.Scope, boardKey string) (domain.BoardView, error)
	ListStages(ctx context.Context, scope domain.Scope, boardKey string) ([]domain.Stage, error)
}

// Deduper makes move retries carrying the same Idempotency-Key safe.
type Deduper interface {
	// Add records the key as in flight and returns true if it was newly added.
	Add(ctx context.Context, accountID, key string) (bool, error)
	// Remove deletes a key, used when the move fails so the caller may retry.
	Remove(ctx context.Context, accountID, key string) error
	// StoreResult saves the response body of a completed move.
	StoreResult(ctx context.Context, accountID, key string, body []byte) error
	// Result returns the stored body; ok is false while the move is in flight.
	Result(ctx context.Context, accountID, key string) (body []byte, ok bool, err error)
}

type positionParams struct {
	AfterID          string   `json:"after_id,omitempty"`
	BeforeID         string   `json:"before_id,omitempty"`
	AbsolutePosition *float64 `json:"absolute_position,omitempty"`
}

type moveRequest struct {
	CardID         string          `json:"card_id"`
	StageKey       string          `json:"stage_key"`
	BoardKey       string          `json:"board_key,omitempty"`
	PositionParams *positionParams `json:"position_params,omitempty"`
}

type moveResponse struct {
	Status            string      `json:"status"`
	CommittedStageKey string      `json:"committed_stage_key"`
	CommittedPosition float64     `json:"committed_position"`
	Card              domain.Card `json:"card"`
}

type deactivateResponse struct {
	Status           string `json:"status"`
	FallbackStageKey string `json:"fallback_stage_key"`
	MigratedCards    int    `json:"migrated_cards"`
}

type stagesResponse struct {
	BoardKey string         `json:"board_key"`
	Stages   []domain.Stage `json:"stages"`
}

type errorResponse struct {
	Error           string   `json:"error"`
	AvailableStages []string `json:"available_stages,omitempty"`
}
