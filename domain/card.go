package domain

import "time"

// DefaultBoardKey is used when a request does not name a board.
const DefaultBoardKey = "sales"

// Scope identifies the tenant a request acts on behalf of. Collaborators
// must only ever return cards and stages owned by the scope's account.
type Scope struct {
	AccountID string
}

// Card is a single item placed on a board.
type Card struct {
	ID          string    `json:"id"`
	AccountID   string    `json:"account_id"`
	BoardKey    string    `json:"board_key"`
	StageKey    string    `json:"stage_key"`
	Position    float64   `json:"position"`
	UnreadCount int       `json:"unread_count"`
	Title       string    `json:"title,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`

	// ETag is the storage version the card was read at.
	ETag string `json:"-"`
}

// Stage is an ordered column of a board.
type Stage struct {
	ID        string `json:"id"`
	AccountID string `json:"account_id"`
	BoardKey  string `json:"board_key"`
	Key       string `json:"key"`
	Name      string `json:"name"`
	Color     string `json:"color,omitempty"`
	Icon      string `json:"icon,omitempty"`
	Position  int    `json:"position"`
	Active    bool   `json:"active"`
}

// DefaultStages is the stage set seeded for a new account on the default board.
var DefaultStages = []Stage{
	{Key: "new", Name: "New", Color: "#0EA5E9", Icon: "sparkle", Position: 0, Active: true},
	{Key: "qualified", Name: "Qualified", Color: "#8B5CF6", Icon: "person-check", Position: 1, Active: true},
	{Key: "proposal", Name: "Proposal", Color: "#F59E0B", Icon: "document", Position: 2, Active: true},
	{Key: "negotiation", Name: "Negotiation", Color: "#10B981", Icon: "chat-multiple", Position: 3, Active: true},
	{Key: "closed", Name: "Closed", Color: "#6B7280", Icon: "checkmark-circle", Position: 4, Active: true},
}

// PositionDirective tells the allocator where a moving card should land.
// The zero value appends to the end of the target stage.
type PositionDirective struct {
	Absolute *float64 `json:"absolute_position,omitempty"`
	AfterID  string   `json:"after_id,omitempty"`
	BeforeID string   `json:"before_id,omitempty"`
}

// TransitionRequest asks for a card to be moved into a stage.
type TransitionRequest struct {
	CardID   string
	BoardKey string
	StageKey string
	Position PositionDirective
}

// CommittedTransition describes a move that has been persisted.
type CommittedTransition struct {
	CardID       string  `json:"card_id"`
	BoardKey     string  `json:"board_key"`
	FromStageKey string  `json:"from_stage_key"`
	NewStageKey  string  `json:"new_stage_key"`
	NewPosition  float64 `json:"new_position"`
	Card         Card    `json:"card"`
}
