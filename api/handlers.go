package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"kanban-api/broadcast"
	"kanban-api/domain"
)

const (
	routeBoard  = "/api/kanban/board"
	routeMove   = "/api/kanban/board/move"
	routeStream = "/api/kanban/board/stream"
	routeStages = "/api/kanban/stages"
	routeStage  = "/api/kanban/stages/:id"

	moveMaxBodySize      = 64 << 10
	headerIdempotencyKey = "Idempotency-Key"

	msgMoveFailed     = "Failed to move card"
	msgLoadFailed     = "Failed to load board"
	msgLastStage      = "Cannot deactivate the only active stage"
	msgDeactivateFail = "Failed to deactivate stage"
)

// Options carries the collaborators of the HTTP surface.
type Options struct {
	Engine     Transitioner
	Boards     BoardReader
	Stream     broadcast.Subscriber
	Auth       Authenticator
	Authorizer BoardAuthorizer
	// Deduper is optional; without it Idempotency-Key headers are ignored.
	Deduper   Deduper
	Logger    *log.Logger
	Heartbeat time.Duration
}

type handlers struct {
	Options
}

// Register wires up all API routes on the provided Echo instance.
func Register(e *echo.Echo, opts Options) {
	if opts.Logger == nil {
		opts.Logger = log.StandardLogger()
	}
	if opts.Authorizer == nil {
		opts.Authorizer = ClaimsAuthorizer{}
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = defaultHeartbeat
	}
	h := &handlers{Options: opts}
	e.GET(routeBoard, h.getBoard)
	e.POST(routeMove, h.postMove)
	e.GET(routeStream, h.streamBoard)
	e.GET(routeStages, h.getStages)
	e.DELETE(routeStage, h.deleteStage)
	e.GET("/healthz", healthz)
}

func healthz(c echo.Context) error {
	return c.NoContent(http.StatusOK)
}

func boardKeyParam(c echo.Context) string {
	if key := c.QueryParam("board_key"); key != "" {
		return key
	}
	return domain.DefaultBoardKey
}

// authorize authenticates the request and checks board access. It writes the
// error response itself and returns ok=false when the request must stop.
func (h *handlers) authorize(c echo.Context, metrics *requestMetrics, boardKey string) (Principal, bool, error) {
	authStart := time.Now()
	p, err := h.Auth.PrincipalFromAuthHeader(authHeader(c))
	if metrics != nil {
		metrics.ObserveAuth(time.Since(authStart))
	}
	if err != nil {
		if metrics != nil {
			metrics.SetErrorStage("auth")
		}
		return p, false, c.JSON(http.StatusUnauthorized, errorResponse{Error: err.Error()})
	}
	if boardKey != "" && !h.Authorizer.CanAccessBoard(p, boardKey) {
		if metrics != nil {
			metrics.SetErrorStage("forbidden")
		}
		return p, false, c.JSON(http.StatusForbidden, errorResponse{Error: "board access denied"})
	}
	return p, true, nil
}

func (h *handlers) getBoard(c echo.Context) (err error) {
	metrics, ctx := newRequestMetrics(c.Request().Context(), h.Logger, opBoard)
	c.SetRequest(c.Request().WithContext(ctx))
	var failure error
	defer func() { metrics.Log(c.Response().Status, failure) }()

	boardKey := boardKeyParam(c)
	metrics.SetString("board_key", boardKey)
	p, ok, err := h.authorize(c, metrics, boardKey)
	if !ok {
		return err
	}

	storeStart := time.Now()
	view, loadErr := h.Boards.LoadBoard(ctx, p.Scope(), boardKey)
	metrics.ObserveStore(time.Since(storeStart))
	if loadErr != nil {
		failure = loadErr
		metrics.SetErrorStage("storage")
		h.Logger.WithError(loadErr).WithFields(log.Fields{"account": p.AccountID, "board": boardKey}).Error("failed to load board")
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: msgLoadFailed})
	}
	cards := 0
	for _, list := range view.CardsByStage {
		cards += len(list)
	}
	metrics.SetInt("cards_returned", cards)

	encodeStart := time.Now()
	err = c.JSON(http.StatusOK, view)
	metrics.ObserveEncode(time.Since(encodeStart))
	return err
}

func (h *handlers) getStages(c echo.Context) error {
	boardKey := boardKeyParam(c)
	p, ok, err := h.authorize(c, nil, boardKey)
	if !ok {
		return err
	}
	stages, err := h.Boards.ListStages(c.Request().Context(), p.Scope(), boardKey)
	if err != nil {
		h.Logger.WithError(err).WithFields(log.Fields{"account": p.AccountID, "board": boardKey}).Error("failed to list stages")
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: msgLoadFailed})
	}
	return c.JSON(http.StatusOK, stagesResponse{BoardKey: boardKey, Stages: stages})
}

func decodeMoveRequest(body io.Reader) (moveRequest, error) {
	var req moveRequest
	dec := sonic.ConfigStd.NewDecoder(io.LimitReader(body, moveMaxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return moveRequest{}, err
	}
	return req, nil
}

func (r moveRequest) transition() domain.TransitionRequest {
	req := domain.TransitionRequest{CardID: r.CardID, BoardKey: r.BoardKey, StageKey: r.StageKey}
	if req.BoardKey == "" {
		req.BoardKey = domain.DefaultBoardKey
	}
	if pp := r.PositionParams; pp != nil {
		req.Position = domain.PositionDirective{Absolute: pp.AbsolutePosition, AfterID: pp.AfterID, BeforeID: pp.BeforeID}
	}
	return req
}

func (h *handlers) postMove(c echo.Context) (err error) {
	metrics, ctx := newRequestMetrics(c.Request().Context(), h.Logger, opMove)
	c.SetRequest(c.Request().WithContext(ctx))
	var failure error
	defer func() { metrics.Log(c.Response().Status, failure) }()

	body, decodeErr := decodeMoveRequest(c.Request().Body)
	if decodeErr != nil {
		metrics.SetErrorStage("decode")
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid body"})
	}
	req := body.transition()
	if req.CardID == "" || req.StageKey == "" {
		metrics.SetErrorStage("validate")
		return c.JSON(http.StatusUnprocessableEntity, errorResponse{Error: "card_id and stage_key are required"})
	}
	metrics.SetString("card_id", req.CardID)
	metrics.SetString("stage_key", req.StageKey)
	metrics.SetString("board_key", req.BoardKey)

	p, ok, err := h.authorize(c, metrics, req.BoardKey)
	if !ok {
		return err
	}
	scope := p.Scope()

	idemKey := c.Request().Header.Get(headerIdempotencyKey)
	metrics.SetBool("idempotency_key_provided", idemKey != "")
	if idemKey != "" && h.Deduper != nil {
		replayed, handled, replayErr := h.replay(ctx, c, scope, idemKey)
		if handled {
			metrics.SetBool("replayed", replayed)
			return replayErr
		}
	}

	storeStart := time.Now()
	committed, moveErr := h.Engine.Transition(ctx, scope, req)
	metrics.ObserveStore(time.Since(storeStart))
	if moveErr != nil {
		h.forget(ctx, scope, idemKey)
		var notFound *domain.NotFoundError
		switch {
		case errors.As(moveErr, &notFound):
			metrics.SetErrorStage("not_found")
			return c.JSON(http.StatusNotFound, errorResponse{Error: notFound.Error(), AvailableStages: notFound.AvailableStages})
		case errors.Is(moveErr, domain.ErrInvalid):
			metrics.SetErrorStage("invalid")
			return c.JSON(http.StatusUnprocessableEntity, errorResponse{Error: moveErr.Error()})
		default:
			failure = moveErr
			metrics.SetErrorStage("transition")
			return c.JSON(http.StatusInternalServerError, errorResponse{Error: msgMoveFailed})
		}
	}
	metrics.SetBool("stage_changed", committed.FromStageKey != committed.NewStageKey)

	encodeStart := time.Now()
	payload, encErr := sonic.Marshal(moveResponse{
		Status:            "success",
		CommittedStageKey: committed.NewStageKey,
		CommittedPosition: committed.NewPosition,
		Card:              committed.Card,
	})
	metrics.ObserveEncode(time.Since(encodeStart))
	if encErr != nil {
		failure = encErr
		metrics.SetErrorStage("encode_response")
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: msgMoveFailed})
	}
	if idemKey != "" && h.Deduper != nil {
		if storeErr := h.Deduper.StoreResult(ctx, scope.AccountID, idemKey, payload); storeErr != nil {
			h.Logger.WithError(storeErr).WithField("account", scope.AccountID).Warn("failed to store idempotent move result")
		}
	}
	return c.JSONBlob(http.StatusOK, payload)
}

// replay answers a request whose Idempotency-Key was seen before. handled is
// false when the key is new and the move must run.
func (h *handlers) replay(ctx context.Context, c echo.Context, scope domain.Scope, key string) (replayed, handled bool, err error) {
	added, addErr := h.Deduper.Add(ctx, scope.AccountID, key)
	if addErr != nil {
		h.Logger.WithError(addErr).WithField("account", scope.AccountID).Warn("idempotency check failed; processing move")
		return false, false, nil
	}
	if added {
		return false, false, nil
	}
	body, done, resErr := h.Deduper.Result(ctx, scope.AccountID, key)
	if resErr != nil {
		h.Logger.WithError(resErr).WithField("account", scope.AccountID).Warn("idempotency lookup failed")
	}
	if !done {
		return false, true, c.JSON(http.StatusConflict, errorResponse{Error: "move already in progress"})
	}
	return true, true, c.JSONBlob(http.StatusOK, body)
}

func (h *handlers) forget(ctx context.Context, scope domain.Scope, key string) {
	if key == "" || h.Deduper == nil {
		return
	}
	if err := h.Deduper.Remove(ctx, scope.AccountID, key); err != nil {
		h.Logger.WithError(err).WithField("account", scope.AccountID).Warn("failed to release idempotency key")
	}
}

// deleteStage deactivates a stage. Stage administration needs access to every
// board of the account.
func (h *handlers) deleteStage(c echo.Context) (err error) {
	metrics, ctx := newRequestMetrics(c.Request().Context(), h.Logger, opDeactivate)
	c.SetRequest(c.Request().WithContext(ctx))
	var failure error
	defer func() { metrics.Log(c.Response().Status, failure) }()

	p, ok, err := h.authorize(c, metrics, "")
	if !ok {
		return err
	}
	if !p.AllBoards() {
		metrics.SetErrorStage("forbidden")
		return c.JSON(http.StatusForbidden, errorResponse{Error: "stage administration requires access to all boards"})
	}
	stageID := c.Param("id")
	metrics.SetString("stage_id", stageID)

	storeStart := time.Now()
	res, deErr := h.Engine.DeactivateStage(ctx, p.Scope(), stageID)
	metrics.ObserveStore(time.Since(storeStart))
	if deErr != nil {
		var notFound *domain.NotFoundError
		switch {
		case errors.As(deErr, &notFound):
			metrics.SetErrorStage("not_found")
			return c.JSON(http.StatusNotFound, errorResponse{Error: notFound.Error()})
		case errors.Is(deErr, domain.ErrLastActiveStage):
			metrics.SetErrorStage("last_active_stage")
			return c.JSON(http.StatusUnprocessableEntity, errorResponse{Error: msgLastStage})
		case errors.Is(deErr, domain.ErrInvalid):
			metrics.SetErrorStage("invalid")
			return c.JSON(http.StatusUnprocessableEntity, errorResponse{Error: deErr.Error()})
		default:
			failure = deErr
			metrics.SetErrorStage("deactivate")
			return c.JSON(http.StatusInternalServerError, errorResponse{Error: msgDeactivateFail})
		}
	}
	metrics.SetInt("migrated_cards", res.MigratedCards)
	return c.JSON(http.StatusOK, deactivateResponse{
		Status:           "success",
		FallbackStageKey: res.FallbackStageKey,
		MigratedCards:    res.MigratedCards,
	})
}
