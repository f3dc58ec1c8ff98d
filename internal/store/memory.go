package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/park285/chess-server/internal/domain"
)

// Memory is an in-process Store used when no database is configured and in
// tests. Each game has its own exclusive lock; transaction writes are staged
// and applied on commit.
type Memory struct {
	mu     sync.RWMutex
	closed bool

	nextMoveID int64
	games      map[string]*domain.Game
	moves      map[string][]*domain.Move // game id -> moves in id order

	locksMu sync.Mutex
	locks   map[string]chan struct{}
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		games: make(map[string]*domain.Game),
		moves: make(map[string][]*domain.Move),
		locks: make(map[string]chan struct{}),
	}
}

func (m *Memory) CreateGame(ctx context.Context, g *domain.Game) error {
	if g == nil || g.ID == "" {
		return fmt.Errorf("store: game id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if _, exists := m.games[g.ID]; exists {
		return ErrDuplicateKey
	}
	m.games[g.ID] = g.Clone()
	return nil
}

func (m *Memory) GetGame(ctx context.Context, id string) (*domain.Game, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.games[id]
	if !ok {
		return nil, ErrNotFound
	}
	return g.Clone(), nil
}

func (m *Memory) ListGamesForUser(ctx context.Context, userID string) ([]*domain.Game, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	items := make([]*domain.Game, 0)
	for _, g := range m.games {
		if g.IsParticipant(userID) {
			items = append(items, g.Clone())
		}
	}
	// newest first (fallback to id for a stable order)
	sort.Slice(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.After(items[j].CreatedAt)
		}
		return items[i].ID > items[j].ID
	})
	return items, nil
}

func (m *Memory) ListMoves(ctx context.Context, gameID string) ([]*domain.Move, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return cloneMoves(m.moves[gameID]), nil
}

func (m *Memory) FindMoveByRequestID(ctx context.Context, gameID, requestID string) (*domain.Move, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, mv := range m.moves[gameID] {
		if mv.RequestID == requestID {
			return mv.Clone(), nil
		}
	}
	return nil, nil
}

func (m *Memory) Snapshot(ctx context.Context, gameID string) (*domain.Game, []*domain.Move, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.games[gameID]
	if !ok {
		return nil, nil, ErrNotFound
	}
	return g.Clone(), cloneMoves(m.moves[gameID]), nil
}

func (m *Memory) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	return ctx.Err()
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (m *Memory) InTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := m.Ping(ctx); err != nil {
		return err
	}
	tx := &memTx{
		m:     m,
		held:  make(map[string]chan struct{}),
		games: make(map[string]*domain.Game),
	}
	defer tx.release()
	if err := fn(tx); err != nil {
		return err
	}
	return m.commit(tx)
}

func (m *Memory) commit(tx *memTx) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, mv := range tx.moves {
		if dup := findDuplicate(m.moves[mv.GameID], mv); dup {
			return ErrDuplicateKey
		}
	}
	for id, g := range tx.games {
		m.games[id] = g
	}
	for _, mv := range tx.moves {
		m.moves[mv.GameID] = append(m.moves[mv.GameID], mv)
	}
	return nil
}

func (m *Memory) lockFor(id string) chan struct{} {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	ch, ok := m.locks[id]
	if !ok {
		ch = make(chan struct{}, 1)
		m.locks[id] = ch
	}
	return ch
}

type memTx struct {
	m     *Memory
	held  map[string]chan struct{}
	games map[string]*domain.Game
	moves []*domain.Move
}

func (t *memTx) release() {
	for id, ch := range t.held {
		<-ch
		delete(t.held, id)
	}
}

func (t *memTx) LockGame(ctx context.Context, id string) (*domain.Game, error) {
	t.m.mu.RLock()
	_, exists := t.m.games[id]
	t.m.mu.RUnlock()
	if !exists {
		return nil, ErrNotFound
	}
	if _, ok := t.held[id]; !ok {
		ch := t.m.lockFor(id)
		select {
		case ch <- struct{}{}:
			t.held[id] = ch
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if g, ok := t.games[id]; ok {
		return g.Clone(), nil
	}
	return t.m.GetGame(ctx, id)
}

func (t *memTx) UpdateGame(ctx context.Context, g *domain.Game) error {
	if g == nil {
		return fmt.Errorf("store: nil game")
	}
	if _, ok := t.held[g.ID]; !ok {
		return fmt.Errorf("store: game %s updated without lock", g.ID)
	}
	t.games[g.ID] = g.Clone()
	return nil
}

func (t *memTx) FindMoveByRequestID(ctx context.Context, gameID, requestID string) (*domain.Move, error) {
	for _, mv := range t.moves {
		if mv.GameID == gameID && mv.RequestID == requestID {
			return mv.Clone(), nil
		}
	}
	return t.m.FindMoveByRequestID(ctx, gameID, requestID)
}

func (t *memTx) ListMoves(ctx context.Context, gameID string) ([]*domain.Move, error) {
	out, err := t.m.ListMoves(ctx, gameID)
	if err != nil {
		return nil, err
	}
	for _, mv := range t.moves {
		if mv.GameID == gameID {
			out = append(out, mv.Clone())
		}
	}
	return out, nil
}

func (t *memTx) InsertMove(ctx context.Context, mv *domain.Move) (*domain.Move, error) {
	if mv == nil {
		return nil, fmt.Errorf("store: nil move")
	}
	existing, err := t.ListMoves(ctx, mv.GameID)
	if err != nil {
		return nil, err
	}
	if findDuplicate(existing, mv) {
		return nil, ErrDuplicateKey
	}

	t.m.mu.Lock()
	t.m.nextMoveID++
	id := t.m.nextMoveID
	t.m.mu.Unlock()

	cp := mv.Clone()
	cp.ID = id
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	t.moves = append(t.moves, cp)
	return cp.Clone(), nil
}

// findDuplicate mirrors the unique keys (game_id, request_id) and
// (game_id, move_number, color).
func findDuplicate(list []*domain.Move, mv *domain.Move) bool {
	for _, e := range list {
		if e.GameID != mv.GameID {
			continue
		}
		if e.RequestID == mv.RequestID {
			return true
		}
		if e.MoveNumber == mv.MoveNumber && e.Color == mv.Color {
			return true
		}
	}
	return false
}

func cloneMoves(list []*domain.Move) []*domain.Move {
	out := make([]*domain.Move, 0, len(list))
	for _, mv := range list {
		out = append(out, mv.Clone())
	}
	return out
}
