package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"kanban-api/domain"
)

var sqliteMigrations = []string{
	`CREATE TABLE IF NOT EXISTS stages (
		id         TEXT NOT NULL,
		account_id TEXT NOT NULL,
		board_key  TEXT NOT NULL,
		key        TEXT NOT NULL CHECK(key <> ''),
		name       TEXT NOT NULL,
		color      TEXT NOT NULL DEFAULT '',
		icon       TEXT NOT NULL DEFAULT '',
		position   INTEGER NOT NULL DEFAULT 0,
		active     INTEGER NOT NULL DEFAULT 1,
		PRIMARY KEY (account_id, id),
		UNIQUE (account_id, board_key, key)
	)`,
	`CREATE TABLE IF NOT EXISTS cards (
		id           TEXT NOT NULL,
		account_id   TEXT NOT NULL,
		board_key    TEXT NOT NULL,
		stage_key    TEXT NOT NULL CHECK(stage_key <> ''),
		position     REAL NOT NULL,
		unread_count INTEGER NOT NULL DEFAULT 0 CHECK(unread_count >= 0),
		title        TEXT NOT NULL DEFAULT '',
		updated_at   INTEGER NOT NULL DEFAULT 0,
		version      INTEGER NOT NULL DEFAULT 1,
		PRIMARY KEY (account_id, id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_cards_stage ON cards(account_id, board_key, stage_key)`,
}

// SQLite is a single file store for cards and stages used for local runs and
// tests. Row versions stand in for table ETags.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens or creates the database at path and applies migrations.
// ":memory:" opens a private in-memory database.
func OpenSQLite(path string) (*SQLite, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if path == ":memory:" {
		// every connection would otherwise see its own empty database
		db.SetMaxOpenConns(1)
	}
	for _, pragma := range []string{"PRAGMA journal_mode = WAL", "PRAGMA foreign_keys = ON", "PRAGMA busy_timeout = 5000"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	for i, stmt := range sqliteMigrations {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("migration %d: %w", i, err)
		}
	}
	return &SQLite{db: db}, nil
}

// Close releases the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

const cardColumns = `id, account_id, board_key, stage_key, position, unread_count, title, updated_at, version`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCard(row rowScanner) (domain.Card, error) {
	var (
		c         domain.Card
		updatedAt int64
		version   int64
	)
	if err := row.Scan(&c.ID, &c.AccountID, &c.BoardKey, &c.StageKey, &c.Position, &c.UnreadCount, &c.Title, &updatedAt, &version); err != nil {
		return domain.Card{}, err
	}
	c.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	c.ETag = strconv.FormatInt(version, 10)
	return c, nil
}

func (s *SQLite) GetCard(ctx context.Context, scope domain.Scope, cardID string) (domain.Card, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+cardColumns+` FROM cards WHERE account_id = ? AND id = ?`, scope.AccountID, cardID)
	c, err := scanCard(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Card{}, domain.ErrRecordNotFound
	}
	return c, err
}

func (s *SQLite) ListStageCards(ctx context.Context, scope domain.Scope, boardKey, stageKey string) ([]domain.Card, error) {
	return s.queryCards(ctx, `SELECT `+cardColumns+` FROM cards WHERE account_id = ? AND board_key = ? AND stage_key = ?`, scope.AccountID, boardKey, stageKey)
}

func (s *SQLite) ListBoardCards(ctx context.Context, scope domain.Scope, boardKey string) ([]domain.Card, error) {
	return s.queryCards(ctx, `SELECT `+cardColumns+` FROM cards WHERE account_id = ? AND board_key = ? ORDER BY rowid`, scope.AccountID, boardKey)
}

func (s *SQLite) queryCards(ctx context.Context, query string, args ...any) ([]domain.Card, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	cards := []domain.Card{}
	for rows.Next() {
		c, err := scanCard(rows)
		if err != nil {
			return nil, err
		}
		cards = append(cards, c)
	}
	return cards, rows.Err()
}

// UpdatePlacement writes stage and position in one statement, conditional on
// the version carried in card.ETag.
func (s *SQLite) UpdatePlacement(ctx context.Context, scope domain.Scope, card domain.Card) (domain.Card, error) {
	var version int64
	if card.ETag != "" {
		v, err := strconv.ParseInt(card.ETag, 10, 64)
		if err != nil {
			return domain.Card{}, fmt.Errorf("%w: malformed etag %q", domain.ErrConcurrencyConflict, card.ETag)
		}
		version = v
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE cards SET stage_key = ?, position = ?, updated_at = ?, version = version + 1
		 WHERE account_id = ? AND id = ? AND (? = 0 OR version = ?)`,
		card.StageKey, card.Position, card.UpdatedAt.UnixMilli(), scope.AccountID, card.ID, version, version)
	if err != nil {
		return domain.Card{}, mapSQLiteError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return domain.Card{}, err
	}
	if n == 0 {
		if _, err := s.GetCard(ctx, scope, card.ID); err != nil {
			return domain.Card{}, err
		}
		return domain.Card{}, domain.ErrConcurrencyConflict
	}
	return s.GetCard(ctx, scope, card.ID)
}

func (s *SQLite) RestageCards(ctx context.Context, scope domain.Scope, boardKey, fromStageKey, toStageKey string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE cards SET stage_key = ?, version = version + 1 WHERE account_id = ? AND board_key = ? AND stage_key = ?`,
		toStageKey, scope.AccountID, boardKey, fromStageKey)
	if err != nil {
		return 0, mapSQLiteError(err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// PutCard inserts or replaces a card row.
func (s *SQLite) PutCard(ctx context.Context, c domain.Card) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cards (id, account_id, board_key, stage_key, position, unread_count, title, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(account_id, id) DO UPDATE SET
		   board_key = excluded.board_key, stage_key = excluded.stage_key, position = excluded.position,
		   unread_count = excluded.unread_count, title = excluded.title, updated_at = excluded.updated_at,
		   version = cards.version + 1`,
		c.ID, c.AccountID, c.BoardKey, c.StageKey, c.Position, c.UnreadCount, c.Title, c.UpdatedAt.UnixMilli())
	return mapSQLiteError(err)
}

const stageColumns = `id, account_id, board_key, key, name, color, icon, position, active`

func scanStage(row rowScanner) (domain.Stage, error) {
	var st domain.Stage
	err := row.Scan(&st.ID, &st.AccountID, &st.BoardKey, &st.Key, &st.Name, &st.Color, &st.Icon, &st.Position, &st.Active)
	return st, err
}

func (s *SQLite) ListStages(ctx context.Context, scope domain.Scope, boardKey string, activeOnly bool) ([]domain.Stage, error) {
	query := `SELECT ` + stageColumns + ` FROM stages WHERE account_id = ? AND board_key = ?`
	if activeOnly {
		query += ` AND active = 1`
	}
	rows, err := s.db.QueryContext(ctx, query+` ORDER BY position, key`, scope.AccountID, boardKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	stages := []domain.Stage{}
	for rows.Next() {
		st, err := scanStage(rows)
		if err != nil {
			return nil, err
		}
		stages = append(stages, st)
	}
	return stages, rows.Err()
}

func (s *SQLite) GetStage(ctx context.Context, scope domain.Scope, stageID string) (domain.Stage, error) {
	st, err := scanStage(s.db.QueryRowContext(ctx, `SELECT `+stageColumns+` FROM stages WHERE account_id = ? AND id = ?`, scope.AccountID, stageID))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Stage{}, domain.ErrRecordNotFound
	}
	return st, err
}

func (s *SQLite) SetStageActive(ctx context.Context, scope domain.Scope, stageID string, active bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE stages SET active = ? WHERE account_id = ? AND id = ?`, active, scope.AccountID, stageID)
	if err != nil {
		return mapSQLiteError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrRecordNotFound
	}
	return nil
}

// PutStage inserts or replaces a stage row.
func (s *SQLite) PutStage(ctx context.Context, st domain.Stage) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO stages (`+stageColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(account_id, id) DO UPDATE SET
		   name = excluded.name, color = excluded.color, icon = excluded.icon,
		   position = excluded.position, active = excluded.active`,
		st.ID, st.AccountID, st.BoardKey, st.Key, st.Name, st.Color, st.Icon, st.Position, st.Active)
	return mapSQLiteError(err)
}

// SeedDefaultStages adds the default stage set to the default board of an
// account unless the board already has stages.
func (s *SQLite) SeedDefaultStages(ctx context.Context, accountID string) error {
	for _, st := range domain.DefaultStages {
		st.ID = defaultStageID(domain.DefaultBoardKey, st.Key)
		st.AccountID = accountID
		st.BoardKey = domain.DefaultBoardKey
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO stages (`+stageColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`,
			st.ID, st.AccountID, st.BoardKey, st.Key, st.Name, st.Color, st.Icon, st.Position, st.Active); err != nil {
			return fmt.Errorf("seed stage %s: %w", st.Key, err)
		}
	}
	return nil
}

func mapSQLiteError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "constraint failed") {
		return &domain.ValidationError{Msg: constraintMessage(msg)}
	}
	return err
}

// constraintMessage trims the driver prefix from a constraint failure.
func constraintMessage(msg string) string {
	if i := strings.Index(msg, "constraint failed"); i >= 0 {
		return strings.TrimSpace(msg[i:])
	}
	return msg
}
