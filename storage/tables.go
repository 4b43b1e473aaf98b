package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/bytedance/sonic"

	"kanban-api/domain"
)

const (
	edmBoolean = "Edm.Boolean"
	edmDouble  = "Edm.Double"
	edmInt32   = "Edm.Int32"
	edmInt64   = "Edm.Int64"

	// transactionLimit is the maximum number of actions in one table batch.
	transactionLimit = 100
	restageAttempts  = 3
)

type tableClient interface {
	GetEntity(ctx context.Context, partitionKey, rowKey string, o *aztables.GetEntityOptions) (aztables.GetEntityResponse, error)
	AddEntity(ctx context.Context, entity []byte, o *aztables.AddEntityOptions) (aztables.AddEntityResponse, error)
	UpsertEntity(ctx context.Context, entity []byte, o *aztables.UpsertEntityOptions) (aztables.UpsertEntityResponse, error)
	UpdateEntity(ctx context.Context, entity []byte, o *aztables.UpdateEntityOptions) (aztables.UpdateEntityResponse, error)
	NewListEntitiesPager(o *aztables.ListEntitiesOptions) *runtime.Pager[aztables.ListEntitiesResponse]
	SubmitTransaction(ctx context.Context, actions []aztables.TransactionAction, o *aztables.SubmitTransactionOptions) (aztables.TransactionResponse, error)
}

// Tables stores cards and stages in Azure Table Storage. Both tables are
// partitioned by account so every query and batch stays in scope.
type Tables struct {
	cards  tableClient
	stages tableClient
}

// NewTables connects to the cards and stages tables.
func NewTables(connStr, cardsTable, stagesTable string) (*Tables, error) {
	opts := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute * 3,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &opts)
	if err != nil {
		return nil, err
	}
	return newTables(svc.NewClient(cardsTable), svc.NewClient(stagesTable)), nil
}

func newTables(cards, stages tableClient) *Tables {
	return &Tables{cards: cards, stages: stages}
}

type entityKeys struct {
	PartitionKey string `json:"PartitionKey"`
	RowKey       string `json:"RowKey"`
}

type cardEntity struct {
	entityKeys
	ETag          string  `json:"odata.etag,omitempty"`
	BoardKey      string  `json:"BoardKey"`
	StageKey      string  `json:"StageKey"`
	Position      float64 `json:"Position"`
	PositionType  string  `json:"Position@odata.type,omitempty"`
	UnreadCount   int     `json:"UnreadCount"`
	Title         string  `json:"Title,omitempty"`
	UpdatedAt     int64   `json:"UpdatedAt,string"`
	UpdatedAtType string  `json:"UpdatedAt@odata.type,omitempty"`
}

// placementUpdate is merged into a card row; only stage and position change.
type placementUpdate struct {
	entityKeys
	StageKey      string  `json:"StageKey"`
	Position      float64 `json:"Position"`
	PositionType  string  `json:"Position@odata.type"`
	UpdatedAt     int64   `json:"UpdatedAt,string"`
	UpdatedAtType string  `json:"UpdatedAt@odata.type"`
}

type restageUpdate struct {
	entityKeys
	StageKey string `json:"StageKey"`
}

type stageEntity struct {
	entityKeys
	BoardKey     string `json:"BoardKey"`
	Key          string `json:"Key"`
	Name         string `json:"Name"`
	Color        string `json:"Color,omitempty"`
	Icon         string `json:"Icon,omitempty"`
	Position     int    `json:"Position"`
	PositionType string `json:"Position@odata.type,omitempty"`
	Active       bool   `json:"Active"`
	ActiveType   string `json:"Active@odata.type,omitempty"`
}

type stageActiveUpdate struct {
	entityKeys
	Active     bool   `json:"Active"`
	ActiveType string `json:"Active@odata.type"`
}

func toCard(ent cardEntity) domain.Card {
	return domain.Card{
		ID:          ent.RowKey,
		AccountID:   ent.PartitionKey,
		BoardKey:    ent.BoardKey,
		StageKey:    ent.StageKey,
		Position:    ent.Position,
		UnreadCount: ent.UnreadCount,
		Title:       ent.Title,
		UpdatedAt:   time.UnixMilli(ent.UpdatedAt).UTC(),
		ETag:        ent.ETag,
	}
}

func fromCard(c domain.Card) cardEntity {
	return cardEntity{
		entityKeys:    entityKeys{PartitionKey: c.AccountID, RowKey: c.ID},
		BoardKey:      c.BoardKey,
		StageKey:      c.StageKey,
		Position:      c.Position,
		PositionType:  edmDouble,
		UnreadCount:   c.UnreadCount,
		Title:         c.Title,
		UpdatedAt:     c.UpdatedAt.UnixMilli(),
		UpdatedAtType: edmInt64,
	}
}

func toStage(ent stageEntity) domain.Stage {
	return domain.Stage{
		ID:        ent.RowKey,
		AccountID: ent.PartitionKey,
		BoardKey:  ent.BoardKey,
		Key:       ent.Key,
		Name:      ent.Name,
		Color:     ent.Color,
		Icon:      ent.Icon,
		Position:  ent.Position,
		Active:    ent.Active,
	}
}

// GetCard implements domain.CardStore.
func (t *Tables) GetCard(ctx context.Context, scope domain.Scope, cardID string) (domain.Card, error) {
	resp, err := t.cards.GetEntity(ctx, scope.AccountID, cardID, nil)
	if err != nil {
		return domain.Card{}, mapTableError(err)
	}
	var ent cardEntity
	if err := sonic.Unmarshal(resp.Value, &ent); err != nil {
		return domain.Card{}, fmt.Errorf("decode card %s: %w", cardID, err)
	}
	card := toCard(ent)
	card.ETag = string(resp.ETag)
	return card, nil
}

func (t *Tables) ListStageCards(ctx context.Context, scope domain.Scope, boardKey, stageKey string) ([]domain.Card, error) {
	return t.listCards(ctx, filterEq("PartitionKey", scope.AccountID, "BoardKey", boardKey, "StageKey", stageKey))
}

func (t *Tables) ListBoardCards(ctx context.Context, scope domain.Scope, boardKey string) ([]domain.Card, error) {
	return t.listCards(ctx, filterEq("PartitionKey", scope.AccountID, "BoardKey", boardKey))
}

func (t *Tables) listCards(ctx context.Context, filter string) ([]domain.Card, error) {
	pager := t.cards.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	cards := []domain.Card{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, mapTableError(err)
		}
		for _, raw := range resp.Entities {
			var ent cardEntity
			if err := sonic.Unmarshal(raw, &ent); err != nil {
				return nil, fmt.Errorf("decode card: %w", err)
			}
			cards = append(cards, toCard(ent))
		}
	}
	return cards, nil
}

// UpdatePlacement merges the card's stage and position in one request. The
// write is conditional on card.ETag when set.
func (t *Tables) UpdatePlacement(ctx context.Context, scope domain.Scope, card domain.Card) (domain.Card, error) {
	payload, err := sonic.Marshal(placementUpdate{
		entityKeys:    entityKeys{PartitionKey: scope.AccountID, RowKey: card.ID},
		StageKey:      card.StageKey,
		Position:      card.Position,
		PositionType:  edmDouble,
		UpdatedAt:     card.UpdatedAt.UnixMilli(),
		UpdatedAtType: edmInt64,
	})
	if err != nil {
		return domain.Card{}, err
	}
	etag := azcore.ETagAny
	if card.ETag != "" {
		etag = azcore.ETag(card.ETag)
	}
	resp, err := t.cards.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{IfMatch: &etag, UpdateMode: aztables.UpdateModeMerge})
	if err != nil {
		return domain.Card{}, mapTableError(err)
	}
	card.AccountID = scope.AccountID
	card.ETag = string(resp.ETag)
	return card, nil
}

// RestageCards moves every card of a stage in account-partition batches.
// A batch that hits a concurrent edit is recomputed from a fresh listing.
func (t *Tables) RestageCards(ctx context.Context, scope domain.Scope, boardKey, fromStageKey, toStageKey string) (int, error) {
	moved := 0
	for attempt := 1; ; attempt++ {
		cards, err := t.ListStageCards(ctx, scope, boardKey, fromStageKey)
		if err != nil {
			return moved, err
		}
		n, err := t.restageBatch(ctx, scope, cards, toStageKey)
		moved += n
		if err == nil {
			return moved, nil
		}
		if !errors.Is(err, domain.ErrConcurrencyConflict) || attempt >= restageAttempts {
			return moved, err
		}
	}
}

func (t *Tables) restageBatch(ctx context.Context, scope domain.Scope, cards []domain.Card, toStageKey string) (int, error) {
	moved := 0
	for start := 0; start < len(cards); start += transactionLimit {
		end := min(start+transactionLimit, len(cards))
		actions := make([]aztables.TransactionAction, 0, end-start)
		for _, c := range cards[start:end] {
			payload, err := sonic.Marshal(restageUpdate{
				entityKeys: entityKeys{PartitionKey: scope.AccountID, RowKey: c.ID},
				StageKey:   toStageKey,
			})
			if err != nil {
				return moved, err
			}
			action := aztables.TransactionAction{ActionType: aztables.TransactionTypeUpdateMerge, Entity: payload}
			if c.ETag != "" {
				etag := azcore.ETag(c.ETag)
				action.IfMatch = &etag
			}
			actions = append(actions, action)
		}
		if _, err := t.cards.SubmitTransaction(ctx, actions, nil); err != nil {
			return moved, mapTableError(err)
		}
		moved += len(actions)
	}
	return moved, nil
}

// PutCard creates or replaces a card row. Card lifecycle is owned by the
// surrounding product; this exists for provisioning and fixtures.
func (t *Tables) PutCard(ctx context.Context, card domain.Card) error {
	payload, err := sonic.Marshal(fromCard(card))
	if err == nil {
		_, err = t.cards.UpsertEntity(ctx, payload, nil)
	}
	return mapTableError(err)
}

// ListStages implements domain.StageCatalogue.
func (t *Tables) ListStages(ctx context.Context, scope domain.Scope, boardKey string, activeOnly bool) ([]domain.Stage, error) {
	filter := filterEq("PartitionKey", scope.AccountID, "BoardKey", boardKey)
	if activeOnly {
		filter += " and Active eq true"
	}
	pager := t.stages.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	stages := []domain.Stage{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, mapTableError(err)
		}
		for _, raw := range resp.Entities {
			var ent stageEntity
			if err := sonic.Unmarshal(raw, &ent); err != nil {
				return nil, fmt.Errorf("decode stage: %w", err)
			}
			stages = append(stages, toStage(ent))
		}
	}
	domain.SortStages(stages)
	return stages, nil
}

func (t *Tables) GetStage(ctx context.Context, scope domain.Scope, stageID string) (domain.Stage, error) {
	resp, err := t.stages.GetEntity(ctx, scope.AccountID, stageID, nil)
	if err != nil {
		return domain.Stage{}, mapTableError(err)
	}
	var ent stageEntity
	if err := sonic.Unmarshal(resp.Value, &ent); err != nil {
		return domain.Stage{}, fmt.Errorf("decode stage %s: %w", stageID, err)
	}
	return toStage(ent), nil
}

func (t *Tables) SetStageActive(ctx context.Context, scope domain.Scope, stageID string, active bool) error {
	payload, err := sonic.Marshal(stageActiveUpdate{
		entityKeys: entityKeys{PartitionKey: scope.AccountID, RowKey: stageID},
		Active:     active,
		ActiveType: edmBoolean,
	})
	if err != nil {
		return err
	}
	et := azcore.ETagAny
	_, err = t.stages.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{IfMatch: &et, UpdateMode: aztables.UpdateModeMerge})
	return mapTableError(err)
}

// SeedDefaultStages adds the default stage set to the default board of an
// account. Existing stages are left untouched.
func (t *Tables) SeedDefaultStages(ctx context.Context, accountID string) error {
	for _, s := range domain.DefaultStages {
		ent := stageEntity{
			entityKeys:   entityKeys{PartitionKey: accountID, RowKey: defaultStageID(domain.DefaultBoardKey, s.Key)},
			BoardKey:     domain.DefaultBoardKey,
			Key:          s.Key,
			Name:         s.Name,
			Color:        s.Color,
			Icon:         s.Icon,
			Position:     s.Position,
			PositionType: edmInt32,
			Active:       s.Active,
			ActiveType:   edmBoolean,
		}
		payload, err := sonic.Marshal(ent)
		if err != nil {
			return err
		}
		if _, err := t.stages.AddEntity(ctx, payload, nil); err != nil {
			var respErr *azcore.ResponseError
			if errors.As(err, &respErr) && respErr.ErrorCode == string(aztables.EntityAlreadyExists) {
				continue
			}
			return fmt.Errorf("seed stage %s: %w", s.Key, err)
		}
	}
	return nil
}

func defaultStageID(boardKey, stageKey string) string {
	return boardKey + "-" + stageKey
}

// mapTableError translates service status codes into domain errors.
func mapTableError(err error) error {
	if err == nil {
		return nil
	}
	var respErr *azcore.ResponseError
	if !errors.As(err, &respErr) {
		return err
	}
	switch respErr.StatusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrRecordNotFound, respErr.ErrorCode)
	case http.StatusPreconditionFailed, http.StatusConflict:
		return fmt.Errorf("%w: %s", domain.ErrConcurrencyConflict, respErr.ErrorCode)
	case http.StatusBadRequest:
		return &domain.ValidationError{Msg: respErr.ErrorCode}
	}
	return err
}

// filterEq builds an OData filter of equality clauses from key/value pairs.
func filterEq(pairs ...string) string {
	clauses := make([]string, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		clauses = append(clauses, pairs[i]+" eq "+quote(pairs[i+1]))
	}
	return strings.Join(clauses, " and ")
}

func quote(v string) string {
	return "'" + strings.ReplaceAll(v, "'", "''") + "'"
}
