// Package sqlstore implements store.Store on database/sql for Postgres
// (github.com/lib/pq) and SQLite (modernc.org/sqlite).
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/park285/chess-server/internal/domain"
	"github.com/park285/chess-server/internal/store"
)

// Options tunes the connection pool. Zero values pick the defaults.
type Options struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	PingTimeout     time.Duration
}

// Store is a store.Store backed by a SQL database.
type Store struct {
	db      *sql.DB
	dialect Dialect
}

var _ store.Store = (*Store)(nil)

// OpenPostgres connects to databaseURL and applies the schema.
func OpenPostgres(ctx context.Context, databaseURL string, opts Options) (*Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	db, err := sql.Open(Postgres.Driver, databaseURL)
	if err != nil {
		return nil, err
	}
	if opts.MaxOpenConns <= 0 {
		opts.MaxOpenConns = 16
	}
	if opts.MaxIdleConns <= 0 {
		opts.MaxIdleConns = opts.MaxOpenConns / 2
	}
	if opts.ConnMaxLifetime <= 0 {
		opts.ConnMaxLifetime = 30 * time.Minute
	}
	db.SetMaxOpenConns(opts.MaxOpenConns)
	db.SetMaxIdleConns(opts.MaxIdleConns)
	db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	return open(ctx, db, Postgres, opts)
}

// OpenSQLite opens (or creates) the database file at path.
func OpenSQLite(ctx context.Context, path string, opts Options) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("SQLITE_PATH is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)"
	db, err := sql.Open(SQLite.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// single writer; see SQLite dialect
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return open(ctx, db, SQLite, opts)
}

func open(ctx context.Context, db *sql.DB, d Dialect, opts Options) (*Store, error) {
	if opts.PingTimeout <= 0 {
		opts.PingTimeout = 5 * time.Second
	}
	pctx, cancel := context.WithTimeout(ctx, opts.PingTimeout)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", d.Name, err)
	}
	if err := applyMigrations(ctx, db, d); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{db: db, dialect: d}, nil
}

func (s *Store) Dialect() Dialect { return s.dialect }

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) InTx(ctx context.Context, fn func(tx store.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&tx{q: sqlTx, d: s.dialect}); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		if s.dialect.isUniqueViolation(err) {
			return store.ErrDuplicateKey
		}
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *Store) CreateGame(ctx context.Context, g *domain.Game) error {
	if g == nil || g.ID == "" {
		return fmt.Errorf("store: game id is required")
	}
	q := s.dialect.rebind(`INSERT INTO games (
        id, white_user_id, black_user_id, bot_id, status, result,
        fen, pgn, turn, last_move_id, created_at, started_at, completed_at, updated_at
      ) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`)
	_, err := s.db.ExecContext(ctx, q, gameArgs(g)...)
	if err != nil {
		if s.dialect.isUniqueViolation(err) {
			return store.ErrDuplicateKey
		}
		return fmt.Errorf("insert game: %w", err)
	}
	return nil
}

func (s *Store) GetGame(ctx context.Context, id string) (*domain.Game, error) {
	return getGame(ctx, s.db, s.dialect, id, "")
}

func (s *Store) ListGamesForUser(ctx context.Context, userID string) ([]*domain.Game, error) {
	q := s.dialect.rebind(`SELECT ` + gameColumns + ` FROM games
        WHERE white_user_id = ? OR black_user_id = ?
        ORDER BY created_at DESC, id DESC`)
	rows, err := s.db.QueryContext(ctx, q, userID, userID)
	if err != nil {
		return nil, fmt.Errorf("list games: %w", err)
	}
	defer rows.Close()
	out := make([]*domain.Game, 0)
	for rows.Next() {
		g, err := scanGame(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (s *Store) ListMoves(ctx context.Context, gameID string) ([]*domain.Move, error) {
	return listMoves(ctx, s.db, s.dialect, gameID)
}

func (s *Store) FindMoveByRequestID(ctx context.Context, gameID, requestID string) (*domain.Move, error) {
	return findMove(ctx, s.db, s.dialect, gameID, requestID)
}

func (s *Store) Snapshot(ctx context.Context, gameID string) (*domain.Game, []*domain.Move, error) {
	sqlTx, err := s.db.BeginTx(ctx, s.dialect.snapshotTx)
	if err != nil {
		return nil, nil, fmt.Errorf("begin snapshot: %w", err)
	}
	defer func() { _ = sqlTx.Rollback() }()

	g, err := getGame(ctx, sqlTx, s.dialect, gameID, "")
	if err != nil {
		return nil, nil, err
	}
	moves, err := listMoves(ctx, sqlTx, s.dialect, gameID)
	if err != nil {
		return nil, nil, err
	}
	return g, moves, nil
}

// tx implements store.Tx on an open *sql.Tx.
type tx struct {
	q *sql.Tx
	d Dialect
}

func (t *tx) LockGame(ctx context.Context, id string) (*domain.Game, error) {
	return getGame(ctx, t.q, t.d, id, t.d.lockSuffix)
}

func (t *tx) UpdateGame(ctx context.Context, g *domain.Game) error {
	q := t.d.rebind(`UPDATE games SET
        black_user_id = ?, bot_id = ?, status = ?, result = ?, fen = ?, pgn = ?, turn = ?,
        last_move_id = ?, started_at = ?, completed_at = ?, updated_at = ?
      WHERE id = ?`)
	res, err := t.q.ExecContext(ctx, q,
		nullString(g.BlackUserID), nullString(g.BotID), string(g.Status), nullString(string(g.Result)),
		g.FEN, g.PGN, string(g.Turn),
		nullInt64(g.LastMoveID), nullMillis(g.StartedAt), nullMillis(g.CompletedAt), toMillis(g.UpdatedAt),
		g.ID,
	)
	if err != nil {
		return fmt.Errorf("update game: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (t *tx) FindMoveByRequestID(ctx context.Context, gameID, requestID string) (*domain.Move, error) {
	return findMove(ctx, t.q, t.d, gameID, requestID)
}

func (t *tx) ListMoves(ctx context.Context, gameID string) ([]*domain.Move, error) {
	return listMoves(ctx, t.q, t.d, gameID)
}

func (t *tx) InsertMove(ctx context.Context, m *domain.Move) (*domain.Move, error) {
	if m == nil {
		return nil, fmt.Errorf("store: nil move")
	}
	cp := m.Clone()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	q := t.d.rebind(`INSERT INTO moves (
        game_id, ply, move_number, color, san, from_square, to_square, promotion,
        fen_after, request_id, status_after, result_after, created_at
      ) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?) RETURNING id`)
	err := t.q.QueryRowContext(ctx, q,
		cp.GameID, cp.Ply, cp.MoveNumber, string(cp.Color), cp.SAN, cp.From, cp.To, nullString(cp.Promotion),
		cp.FENAfter, cp.RequestID, string(cp.StatusAfter), nullString(string(cp.ResultAfter)), toMillis(cp.CreatedAt),
	).Scan(&cp.ID)
	if err != nil {
		if t.d.isUniqueViolation(err) {
			return nil, store.ErrDuplicateKey
		}
		return nil, fmt.Errorf("insert move: %w", err)
	}
	cp.CreatedAt = fromMillis(toMillis(cp.CreatedAt))
	return cp, nil
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const gameColumns = `id, white_user_id, black_user_id, bot_id, status, result,
        fen, pgn, turn, last_move_id, created_at, started_at, completed_at, updated_at`

const moveColumns = `id, game_id, ply, move_number, color, san, from_square, to_square, promotion,
        fen_after, request_id, status_after, result_after, created_at`

func getGame(ctx context.Context, q queryer, d Dialect, id, suffix string) (*domain.Game, error) {
	row := q.QueryRowContext(ctx, d.rebind(`SELECT `+gameColumns+` FROM games WHERE id = ?`+suffix), id)
	g, err := scanGame(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return g, err
}

func findMove(ctx context.Context, q queryer, d Dialect, gameID, requestID string) (*domain.Move, error) {
	row := q.QueryRowContext(ctx, d.rebind(`SELECT `+moveColumns+` FROM moves WHERE game_id = ? AND request_id = ?`), gameID, requestID)
	m, err := scanMove(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return m, err
}

func listMoves(ctx context.Context, q queryer, d Dialect, gameID string) ([]*domain.Move, error) {
	rows, err := q.QueryContext(ctx, d.rebind(`SELECT `+moveColumns+` FROM moves WHERE game_id = ? ORDER BY id ASC`), gameID)
	if err != nil {
		return nil, fmt.Errorf("list moves: %w", err)
	}
	defer rows.Close()
	out := make([]*domain.Move, 0)
	for rows.Next() {
		m, err := scanMove(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanGame(s scanner) (*domain.Game, error) {
	var (
		g                  domain.Game
		black, bot, result sql.NullString
		status, turn       string
		lastMove           sql.NullInt64
		created, updated   int64
		started, completed sql.NullInt64
	)
	err := s.Scan(&g.ID, &g.WhiteUserID, &black, &bot, &status, &result,
		&g.FEN, &g.PGN, &turn, &lastMove, &created, &started, &completed, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan game: %w", err)
	}
	g.BlackUserID = black.String
	g.BotID = bot.String
	g.Status = domain.Status(status)
	g.Result = domain.Result(result.String)
	g.Turn = domain.Color(turn)
	g.LastMoveID = lastMove.Int64
	g.CreatedAt = fromMillis(created)
	g.UpdatedAt = fromMillis(updated)
	g.StartedAt = millisPtr(started)
	g.CompletedAt = millisPtr(completed)
	return &g, nil
}

func scanMove(s scanner) (*domain.Move, error) {
	var (
		m                 domain.Move
		color, status     string
		promotion, result sql.NullString
		created           int64
	)
	err := s.Scan(&m.ID, &m.GameID, &m.Ply, &m.MoveNumber, &color, &m.SAN, &m.From, &m.To, &promotion,
		&m.FENAfter, &m.RequestID, &status, &result, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan move: %w", err)
	}
	m.Color = domain.Color(color)
	m.Promotion = promotion.String
	m.StatusAfter = domain.Status(status)
	m.ResultAfter = domain.Result(result.String)
	m.CreatedAt = fromMillis(created)
	return &m, nil
}

func gameArgs(g *domain.Game) []any {
	return []any{
		g.ID, g.WhiteUserID, nullString(g.BlackUserID), nullString(g.BotID), string(g.Status), nullString(string(g.Result)),
		g.FEN, g.PGN, string(g.Turn), nullInt64(g.LastMoveID),
		toMillis(g.CreatedAt), nullMillis(g.StartedAt), nullMillis(g.CompletedAt), toMillis(g.UpdatedAt),
	}
}

func toMillis(t time.Time) int64 { return t.UTC().UnixMilli() }

func fromMillis(v int64) time.Time { return time.UnixMilli(v).UTC() }

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMillis(*t), Valid: true}
}

func millisPtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt64(v int64) sql.NullInt64 {
	return sql.NullInt64{Int64: v, Valid: v != 0}
}
