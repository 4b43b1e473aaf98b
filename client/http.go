package client

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/bytedance/sonic"

	"kanban-api/broadcast"
	"kanban-api/domain"
)

const (
	pathBoard  = "/api/kanban/board"
	pathMove   = "/api/kanban/board/move"
	pathStream = "/api/kanban/board/stream"
	pathStages = "/api/kanban/stages"

	resyncEvent = "resync"
)

// ErrResync ends an event stream whose server side lost events. The board
// must be reloaded.
var ErrResync = errors.New("stream requires resync")

// APIError is a non-2xx answer of the kanban API.
type APIError struct {
	Status          int
	Message         string
	AvailableStages []string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("kanban api: status %d", e.Status)
	}
	return fmt.Sprintf("kanban api: status %d: %s", e.Status, e.Message)
}

// MoveRequest asks the server to move a card.
type MoveRequest struct {
	CardID   string
	BoardKey string
	StageKey string
	Position domain.PositionDirective
	// IdempotencyKey makes a retried request safe.
	IdempotencyKey string
}

// MoveResult is the committed outcome of a move.
type MoveResult struct {
	StageKey string
	Position float64
	Card     domain.Card
}

// Events is an open stream of board events.
type Events interface {
	// Next blocks until the next event. It returns ErrResync when the server
	// asks for a reload and io.EOF when the stream ends.
	Next() (broadcast.Event, error)
	Close() error
}

// HTTPClient talks to the kanban API over HTTP.
type HTTPClient struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewHTTPClient creates a client for the API at baseURL authenticating with a
// bearer token. A nil httpClient uses a client without timeout so event
// streams stay open; per call deadlines come from the context.
func NewHTTPClient(baseURL, token string, httpClient *http.Client) *HTTPClient {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &HTTPClient{baseURL: strings.TrimRight(baseURL, "/"), token: token, http: httpClient}
}

type moveBody struct {
	CardID         string                   `json:"card_id"`
	StageKey       string                   `json:"stage_key"`
	BoardKey       string                   `json:"board_key,omitempty"`
	PositionParams *domain.PositionDirective `json:"position_params,omitempty"`
}

type moveReply struct {
	Status            string      `json:"status"`
	CommittedStageKey string      `json:"committed_stage_key"`
	CommittedPosition float64     `json:"committed_position"`
	Card              domain.Card `json:"card"`
}

type errorReply struct {
	Error           string   `json:"error"`
	AvailableStages []string `json:"available_stages"`
}

type stagesReply struct {
	Stages []domain.Stage `json:"stages"`
}

// LoadBoard fetches a board snapshot.
func (c *HTTPClient) LoadBoard(ctx context.Context, boardKey string) (domain.BoardView, error) {
	var view domain.BoardView
	err := c.do(ctx, http.MethodGet, pathBoard+boardQuery(boardKey), nil, nil, &view)
	return view, err
}

// ListStages fetches the stages of a board, including inactive ones.
func (c *HTTPClient) ListStages(ctx context.Context, boardKey string) ([]domain.Stage, error) {
	var reply stagesReply
	err := c.do(ctx, http.MethodGet, pathStages+boardQuery(boardKey), nil, nil, &reply)
	return reply.Stages, err
}

// DeactivateStage deactivates a stage by id and returns the migration result.
func (c *HTTPClient) DeactivateStage(ctx context.Context, stageID string) (domain.Deactivation, error) {
	var res domain.Deactivation
	err := c.do(ctx, http.MethodDelete, pathStages+"/"+url.PathEscape(stageID), nil, nil, &res)
	return res, err
}

// Move asks the server to commit a move.
func (c *HTTPClient) Move(ctx context.Context, req MoveRequest) (MoveResult, error) {
	body := moveBody{CardID: req.CardID, StageKey: req.StageKey, BoardKey: req.BoardKey}
	if req.Position != (domain.PositionDirective{}) {
		pos := req.Position
		body.PositionParams = &pos
	}
	payload, err := sonic.Marshal(body)
	if err != nil {
		return MoveResult{}, fmt.Errorf("encode move: %w", err)
	}
	var headers http.Header
	if req.IdempotencyKey != "" {
		headers = http.Header{"Idempotency-Key": []string{req.IdempotencyKey}}
	}
	var reply moveReply
	if err := c.do(ctx, http.MethodPost, pathMove, bytes.NewReader(payload), headers, &reply); err != nil {
		return MoveResult{}, err
	}
	return MoveResult{StageKey: reply.CommittedStageKey, Position: reply.CommittedPosition, Card: reply.Card}, nil
}

// Stream opens the board event stream. It returns once the server has
// subscribed, so every event committed afterwards is delivered.
func (c *HTTPClient) Stream(ctx context.Context, boardKey string) (Events, error) {
	req, err := c.newRequest(ctx, http.MethodGet, pathStream+boardQuery(boardKey), nil, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, readAPIError(resp)
	}
	return newSSEReader(resp.Body), nil
}

func (c *HTTPClient) newRequest(ctx context.Context, method, path string, body io.Reader, headers http.Header) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	for k, v := range headers {
		req.Header[k] = v
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body io.Reader, headers http.Header, out any) error {
	req, err := c.newRequest(ctx, method, path, body, headers)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return readAPIError(resp)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := sonic.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func readAPIError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var reply errorReply
	if err := sonic.Unmarshal(data, &reply); err == nil {
		apiErr.Message = reply.Error
		apiErr.AvailableStages = reply.AvailableStages
	}
	return apiErr
}

func boardQuery(boardKey string) string {
	if boardKey == "" {
		return ""
	}
	return "?board_key=" + url.QueryEscape(boardKey)
}

// sseReader parses a text/event-stream body.
type sseReader struct {
	body   io.ReadCloser
	reader *bufio.Reader
}

func newSSEReader(body io.ReadCloser) *sseReader {
	return &sseReader{body: body, reader: bufio.NewReader(body)}
}

func (r *sseReader) Next() (broadcast.Event, error) {
	var (
		name string
		data []string
	)
	for {
		line, err := r.reader.ReadString('\n')
		if err != nil {
			return broadcast.Event{}, err
		}
		line = strings.TrimRight(line, "\r\n")
		switch {
		case line == "":
			if len(data) == 0 {
				name = ""
				continue
			}
			if name == resyncEvent {
				return broadcast.Event{}, ErrResync
			}
			if name != "" && name != "message" {
				name, data = "", nil
				continue
			}
			ev, err := broadcast.Decode([]byte(strings.Join(data, "\n")))
			if err != nil {
				return broadcast.Event{}, fmt.Errorf("decode event: %w", err)
			}
			return ev, nil
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
}

func (r *sseReader) Close() error {
	return r.body.Close()
}
