// Package store defines the persistence contracts for games and their move
// logs, plus an in-memory implementation.
package store

import (
	"context"
	"errors"

	"github.com/park285/chess-server/internal/domain"
)

var (
	// ErrNotFound is returned when a game does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrDuplicateKey is returned by InsertMove when a unique key collides.
	// Callers resolve it after the surrounding transaction is rolled back.
	ErrDuplicateKey = errors.New("store: duplicate key")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("store: closed")
)

// GameStore is the transactional view of the games table.
type GameStore interface {
	// LockGame loads a game and holds an exclusive lock on it until the
	// transaction ends.
	LockGame(ctx context.Context, id string) (*domain.Game, error)
	UpdateGame(ctx context.Context, g *domain.Game) error
}

// MoveLog is the transactional view of the moves table.
type MoveLog interface {
	FindMoveByRequestID(ctx context.Context, gameID, requestID string) (*domain.Move, error)
	ListMoves(ctx context.Context, gameID string) ([]*domain.Move, error)
	// InsertMove appends a move and returns it with ID and CreatedAt set.
	InsertMove(ctx context.Context, m *domain.Move) (*domain.Move, error)
}

// Tx is a unit of work. Everything written through it commits or rolls
// back together.
type Tx interface {
	GameStore
	MoveLog
}

// Store is the entry point implemented by every backend.
type Store interface {
	// InTx runs fn in a transaction. fn's error rolls everything back and is
	// returned unchanged.
	InTx(ctx context.Context, fn func(tx Tx) error) error

	CreateGame(ctx context.Context, g *domain.Game) error
	GetGame(ctx context.Context, id string) (*domain.Game, error)
	ListGamesForUser(ctx context.Context, userID string) ([]*domain.Game, error)
	ListMoves(ctx context.Context, gameID string) ([]*domain.Move, error)
	FindMoveByRequestID(ctx context.Context, gameID, requestID string) (*domain.Move, error)

	// Snapshot reads a game and its moves under one read-only view.
	Snapshot(ctx context.Context, gameID string) (*domain.Game, []*domain.Move, error)

	Ping(ctx context.Context) error
	Close() error
}
