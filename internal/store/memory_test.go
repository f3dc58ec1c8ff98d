package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/park285/chess-server/internal/domain"
)

func seedGame(t *testing.T, m *Memory, id string) {
	t.Helper()
	require.NoError(t, m.CreateGame(context.Background(), &domain.Game{
		ID: id, WhiteUserID: "w", BlackUserID: "b", Status: domain.StatusActive,
		Turn: domain.White, FEN: domain.StartPosSentinel, CreatedAt: time.Now(),
	}))
}

func TestMemory_RollbackDiscardsStagedWrites(t *testing.T) {
	m := NewMemory()
	seedGame(t, m, "g1")
	ctx := context.Background()
	boom := errors.New("boom")

	err := m.InTx(ctx, func(tx Tx) error {
		g, err := tx.LockGame(ctx, "g1")
		require.NoError(t, err)
		_, err = tx.InsertMove(ctx, &domain.Move{GameID: "g1", MoveNumber: 1, Color: domain.White, RequestID: "r1"})
		require.NoError(t, err)
		g.Turn = domain.Black
		require.NoError(t, tx.UpdateGame(ctx, g))

		seen, err := tx.FindMoveByRequestID(ctx, "g1", "r1")
		require.NoError(t, err)
		require.NotNil(t, seen)
		return boom
	})
	require.ErrorIs(t, err, boom)

	g, err := m.GetGame(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, domain.White, g.Turn)
	moves, _ := m.ListMoves(ctx, "g1")
	assert.Empty(t, moves)
}

func TestMemory_DuplicateKeys(t *testing.T) {
	m := NewMemory()
	seedGame(t, m, "g1")
	ctx := context.Background()

	require.NoError(t, m.InTx(ctx, func(tx Tx) error {
		_, err := tx.InsertMove(ctx, &domain.Move{GameID: "g1", MoveNumber: 1, Color: domain.White, RequestID: "r1"})
		return err
	}))
	err := m.InTx(ctx, func(tx Tx) error {
		_, err := tx.InsertMove(ctx, &domain.Move{GameID: "g1", MoveNumber: 1, Color: domain.Black, RequestID: "r1"})
		return err
	})
	assert.ErrorIs(t, err, ErrDuplicateKey)
	err = m.InTx(ctx, func(tx Tx) error {
		_, err := tx.InsertMove(ctx, &domain.Move{GameID: "g1", MoveNumber: 1, Color: domain.White, RequestID: "r2"})
		return err
	})
	assert.ErrorIs(t, err, ErrDuplicateKey)
}

func TestMemory_LockIsExclusivePerGame(t *testing.T) {
	m := NewMemory()
	seedGame(t, m, "g1")
	seedGame(t, m, "g2")
	ctx := context.Background()

	locked := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- m.InTx(ctx, func(tx Tx) error {
			if _, err := tx.LockGame(ctx, "g1"); err != nil {
				return err
			}
			close(locked)
			<-release
			return nil
		})
	}()
	<-locked

	// another game is not blocked
	require.NoError(t, m.InTx(ctx, func(tx Tx) error {
		_, err := tx.LockGame(ctx, "g2")
		return err
	}))

	// the same game waits until the holder finishes
	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	err := m.InTx(short, func(tx Tx) error {
		_, err := tx.LockGame(short, "g1")
		return err
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	require.NoError(t, <-done)
	require.NoError(t, m.InTx(ctx, func(tx Tx) error {
		_, err := tx.LockGame(ctx, "g1")
		return err
	}))
}

func TestMemory_NotFoundAndClosed(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	_, err := m.GetGame(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	err = m.InTx(ctx, func(tx Tx) error {
		_, err := tx.LockGame(ctx, "missing")
		return err
	})
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, m.Close())
	assert.ErrorIs(t, m.Ping(ctx), ErrClosed)
}
