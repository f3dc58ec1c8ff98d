package moves

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/park285/chess-server/internal/domain"
	"github.com/park285/chess-server/internal/rules"
	"github.com/park285/chess-server/internal/store"
	"github.com/park285/chess-server/internal/store/sqlstore"
)

const (
	alice = "alice" // white
	bob   = "bob"   // black
)

func forEachStore(t *testing.T, fn func(t *testing.T, s store.Store)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, store.NewMemory())
	})
	t.Run("sqlite", func(t *testing.T) {
		s, err := sqlstore.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "moves.db"), sqlstore.Options{})
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		fn(t, s)
	})
}

var gameSeq int

func newActiveGame(t *testing.T, s store.Store, fen string) *domain.Game {
	t.Helper()
	gameSeq++
	now := time.Now().UTC().Truncate(time.Millisecond)
	turn := domain.White
	if fen == "" {
		fen = rules.StartFEN
	} else if c := rules.SideToMove(fen); c.Valid() {
		turn = c
	}
	g := &domain.Game{
		ID:          fmt.Sprintf("game-%d", gameSeq),
		WhiteUserID: alice,
		BlackUserID: bob,
		Status:      domain.StatusActive,
		FEN:         fen,
		Turn:        turn,
		CreatedAt:   now,
		StartedAt:   &now,
		UpdatedAt:   now,
	}
	require.NoError(t, s.CreateGame(context.Background(), g))
	return g
}

type recordingScheduler struct {
	mu  sync.Mutex
	ids []string
}

func (r *recordingScheduler) Schedule(id string) {
	r.mu.Lock()
	r.ids = append(r.ids, id)
	r.mu.Unlock()
}

func (r *recordingScheduler) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ids)
}

func play(t *testing.T, c *Coordinator, g *domain.Game, seq [][2]string) []*Result {
	t.Helper()
	out := make([]*Result, 0, len(seq))
	user := alice
	for i, mv := range seq {
		res, err := c.ApplyMove(context.Background(), Request{
			GameID: g.ID, UserID: user, From: mv[0], To: mv[1],
			RequestID: fmt.Sprintf("%s-%d", g.ID, i),
		})
		require.NoError(t, err, "ply %d %v", i+1, mv)
		out = append(out, res)
		if user == alice {
			user = bob
		} else {
			user = alice
		}
	}
	return out
}

func moveCount(t *testing.T, s store.Store, gameID string) int {
	t.Helper()
	moves, err := s.ListMoves(context.Background(), gameID)
	require.NoError(t, err)
	return len(moves)
}

func TestApplyMove_FreshGame(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		audits := &recordingScheduler{}
		c := NewCoordinator(s, rules.Standard{}, WithAuditScheduler(audits))
		g := newActiveGame(t, s, domain.StartPosSentinel)

		res, err := c.ApplyMove(context.Background(), Request{
			GameID: g.ID, UserID: alice, From: "E2", To: "e4 ", RequestID: "r1",
		})
		require.NoError(t, err)
		assert.False(t, res.Idempotent)
		assert.Equal(t, 1, res.Move.MoveNumber)
		assert.Equal(t, 1, res.Move.Ply)
		assert.Equal(t, domain.White, res.Move.Color)
		assert.Equal(t, "e4", res.Move.SAN)
		assert.Equal(t, domain.Black, res.Turn)
		assert.Equal(t, domain.StatusActive, res.Status)
		assert.Equal(t, domain.ResultNone, res.Result)

		stored, err := s.GetGame(context.Background(), g.ID)
		require.NoError(t, err)
		assert.Equal(t, res.FEN, stored.FEN)
		assert.Equal(t, domain.Black, stored.Turn)
		assert.Equal(t, res.Move.ID, stored.LastMoveID)
		assert.Contains(t, stored.PGN, "1. e4 *")
		assert.Equal(t, 1, audits.count())
	})
}

func TestApplyMove_RetransmissionIsIdempotent(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		audits := &recordingScheduler{}
		c := NewCoordinator(s, rules.Standard{}, WithAuditScheduler(audits))
		g := newActiveGame(t, s, "")
		ctx := context.Background()

		first, err := c.ApplyMove(ctx, Request{GameID: g.ID, UserID: alice, From: "e2", To: "e4", RequestID: "r1"})
		require.NoError(t, err)

		again, err := c.ApplyMove(ctx, Request{GameID: g.ID, UserID: alice, From: "e2", To: "e4", RequestID: "r1"})
		require.NoError(t, err)
		assert.True(t, again.Idempotent)
		assert.Equal(t, first.Move.ID, again.Move.ID)
		assert.Equal(t, first.FEN, again.FEN)
		assert.Equal(t, first.Status, again.Status)
		assert.Equal(t, first.Result, again.Result)
		assert.Equal(t, first.Turn, again.Turn)

		// payload of the repeat is ignored
		other, err := c.ApplyMove(ctx, Request{GameID: g.ID, UserID: alice, From: "d2", To: "d4", RequestID: "r1"})
		require.NoError(t, err)
		assert.True(t, other.Idempotent)
		assert.Equal(t, "e4", other.Move.SAN)

		assert.Equal(t, 1, moveCount(t, s, g.ID))
		assert.Equal(t, 1, audits.count(), "replays must not schedule audits")
	})
}

func TestApplyMove_WrongTurn(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		c := NewCoordinator(s, rules.Standard{})
		g := newActiveGame(t, s, "")
		_, err := c.ApplyMove(context.Background(), Request{GameID: g.ID, UserID: bob, From: "e7", To: "e5", RequestID: "r1"})
		require.ErrorIs(t, err, ErrNotYourTurn)
		assert.Equal(t, CodeNotYourTurn, Code(err))
		assert.Zero(t, moveCount(t, s, g.ID))

		stored, err := s.GetGame(context.Background(), g.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.White, stored.Turn)
	})
}

func TestApplyMove_ConcurrentDistinctRequests(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		c := NewCoordinator(s, rules.Standard{})
		g := newActiveGame(t, s, "")

		var (
			mu        sync.Mutex
			successes int
			failures  []error
		)
		var eg errgroup.Group
		for _, id := range []string{"race-a", "race-b"} {
			eg.Go(func() error {
				_, err := c.ApplyMove(context.Background(), Request{GameID: g.ID, UserID: alice, From: "e2", To: "e4", RequestID: id})
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					failures = append(failures, err)
				} else {
					successes++
				}
				return nil
			})
		}
		require.NoError(t, eg.Wait())

		assert.Equal(t, 1, successes)
		require.Len(t, failures, 1)
		assert.True(t, errors.Is(failures[0], ErrNotYourTurn) || errors.Is(failures[0], ErrIllegalMove), "got %v", failures[0])
		assert.Equal(t, 1, moveCount(t, s, g.ID))
	})
}

func TestApplyMove_ConcurrentSameRequest(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		c := NewCoordinator(s, rules.Standard{})
		g := newActiveGame(t, s, "")

		const n = 8
		results := make([]*Result, n)
		var eg errgroup.Group
		for i := 0; i < n; i++ {
			eg.Go(func() error {
				res, err := c.ApplyMove(context.Background(), Request{GameID: g.ID, UserID: alice, From: "g1", To: "f3", RequestID: "same"})
				results[i] = res
				return err
			})
		}
		require.NoError(t, eg.Wait())

		fresh := 0
		for _, r := range results {
			if !r.Idempotent {
				fresh++
			}
			assert.Equal(t, results[0].Move.ID, r.Move.ID)
			assert.Equal(t, results[0].FEN, r.FEN)
		}
		assert.Equal(t, 1, fresh)
		assert.Equal(t, 1, moveCount(t, s, g.ID))
	})
}

type countingStore struct {
	store.Store
	calls int
}

func (s *countingStore) InTx(ctx context.Context, fn func(store.Tx) error) error {
	s.calls++
	return s.Store.InTx(ctx, fn)
}

func TestApplyMove_MissingKeyRejectedBeforeIO(t *testing.T) {
	s := &countingStore{Store: store.NewMemory()}
	c := NewCoordinator(s, rules.Standard{})
	_, err := c.ApplyMove(context.Background(), Request{GameID: "g", UserID: alice, From: "e2", To: "e4", RequestID: "  "})
	require.ErrorIs(t, err, ErrMissingIdempotencyKey)
	_, err = c.ApplyMove(context.Background(), Request{GameID: "g", UserID: alice, From: "e2", RequestID: "r"})
	require.ErrorIs(t, err, ErrIllegalMove)
	assert.Zero(t, s.calls)
}

func storedGame(t *testing.T, s store.Store, id string) *domain.Game {
	t.Helper()
	g, err := s.GetGame(context.Background(), id)
	require.NoError(t, err)
	return g
}

func TestApplyMove_Rejections(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		c := NewCoordinator(s, rules.Standard{})
		ctx := context.Background()
		g := newActiveGame(t, s, "")
		before := storedGame(t, s, g.ID)

		_, err := c.ApplyMove(ctx, Request{GameID: "nope", UserID: alice, From: "e2", To: "e4", RequestID: "r"})
		assert.ErrorIs(t, err, ErrGameNotFound)

		_, err = c.ApplyMove(ctx, Request{GameID: g.ID, UserID: "mallory", From: "e2", To: "e4", RequestID: "r"})
		assert.ErrorIs(t, err, ErrNotAParticipant)
		assert.Equal(t, before, storedGame(t, s, g.ID))

		_, err = c.ApplyMove(ctx, Request{GameID: g.ID, UserID: alice, From: "e2", To: "e5", RequestID: "r"})
		assert.ErrorIs(t, err, ErrIllegalMove)
		assert.Equal(t, before, storedGame(t, s, g.ID))

		_, err = c.ApplyMove(ctx, Request{GameID: g.ID, UserID: alice, From: "x9", To: "e4", RequestID: "r"})
		assert.ErrorIs(t, err, ErrIllegalMove)
		assert.Equal(t, before, storedGame(t, s, g.ID))
		assert.Zero(t, moveCount(t, s, g.ID))

		// rejected request ids stay free
		res, err := c.ApplyMove(ctx, Request{GameID: g.ID, UserID: alice, From: "e2", To: "e4", RequestID: "r"})
		require.NoError(t, err)
		assert.False(t, res.Idempotent)

		pending := newActiveGame(t, s, "")
		require.NoError(t, s.InTx(ctx, func(tx store.Tx) error {
			lg, err := tx.LockGame(ctx, pending.ID)
			if err != nil {
				return err
			}
			lg.Status = domain.StatusPending
			return tx.UpdateGame(ctx, lg)
		}))
		pendingBefore := storedGame(t, s, pending.ID)
		_, err = c.ApplyMove(ctx, Request{GameID: pending.ID, UserID: alice, From: "e2", To: "e4", RequestID: "r"})
		assert.ErrorIs(t, err, ErrGameNotActive)
		assert.Equal(t, pendingBefore, storedGame(t, s, pending.ID))
		assert.Zero(t, moveCount(t, s, pending.ID))
	})
}

func TestApplyMove_Checkmate(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		c := NewCoordinator(s, rules.Standard{})
		g := newActiveGame(t, s, "")
		results := play(t, c, g, [][2]string{{"f2", "f3"}, {"e7", "e5"}, {"g2", "g4"}, {"d8", "h4"}})

		last := results[len(results)-1]
		assert.Equal(t, domain.StatusCompleted, last.Status)
		assert.Equal(t, domain.ResultBlack, last.Result)

		stored, err := s.GetGame(context.Background(), g.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusCompleted, stored.Status)
		assert.NotNil(t, stored.CompletedAt)
		assert.Contains(t, stored.PGN, "0-1")

		// terminal is final
		_, err = c.ApplyMove(context.Background(), Request{GameID: g.ID, UserID: alice, From: "a2", To: "a3", RequestID: "after"})
		assert.ErrorIs(t, err, ErrGameNotActive)

		// the mating request replays its original outcome
		again, err := c.ApplyMove(context.Background(), Request{GameID: g.ID, UserID: bob, From: "d8", To: "h4", RequestID: last.Move.RequestID})
		require.NoError(t, err)
		assert.True(t, again.Idempotent)
		assert.Equal(t, domain.ResultBlack, again.Result)
		assert.Equal(t, 4, moveCount(t, s, g.ID))
	})
}

func TestApplyMove_ThreefoldRepetition(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		c := NewCoordinator(s, rules.Standard{})
		g := newActiveGame(t, s, "")
		results := play(t, c, g, [][2]string{
			{"g1", "f3"}, {"g8", "f6"}, {"f3", "g1"}, {"f6", "g8"},
			{"g1", "f3"}, {"g8", "f6"}, {"f3", "g1"}, {"f6", "g8"},
		})
		for _, r := range results[:7] {
			assert.Equal(t, domain.StatusActive, r.Status)
		}
		last := results[7]
		assert.Equal(t, domain.StatusCompleted, last.Status)
		assert.Equal(t, domain.ResultDraw, last.Result)
	})
}

// The first knight tour starts right after a double pawn push, so the
// position after ply 1 carries an en-passant square no pawn can use.
func TestApplyMove_ThreefoldAfterDoublePush(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		c := NewCoordinator(s, rules.Standard{})
		g := newActiveGame(t, s, "")
		results := play(t, c, g, [][2]string{
			{"e2", "e4"}, {"g8", "f6"}, {"g1", "f3"}, {"f6", "g8"}, {"f3", "g1"},
			{"g8", "f6"}, {"g1", "f3"}, {"f6", "g8"}, {"f3", "g1"},
		})
		for i, r := range results[:8] {
			assert.Equal(t, domain.StatusActive, r.Status, "ply %d", i+1)
		}
		last := results[8]
		assert.Equal(t, domain.StatusCompleted, last.Status)
		assert.Equal(t, domain.ResultDraw, last.Result)
	})
}

func TestApplyMove_StalemateFromStoredPosition(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		c := NewCoordinator(s, rules.Standard{})
		g := newActiveGame(t, s, "7k/8/6K1/8/8/8/8/5Q2 w - - 0 1")
		res, err := c.ApplyMove(context.Background(), Request{GameID: g.ID, UserID: alice, From: "f1", To: "f7", RequestID: "r"})
		require.NoError(t, err)
		assert.Equal(t, domain.StatusCompleted, res.Status)
		assert.Equal(t, domain.ResultDraw, res.Result)
	})
}

func TestApplyMove_Promotion(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		c := NewCoordinator(s, rules.Standard{})
		g := newActiveGame(t, s, "8/4P3/8/8/8/8/k7/4K3 w - - 0 1")
		ctx := context.Background()

		_, err := c.ApplyMove(ctx, Request{GameID: g.ID, UserID: alice, From: "e7", To: "e8", RequestID: "p1"})
		require.ErrorIs(t, err, ErrIllegalMove)

		res, err := c.ApplyMove(ctx, Request{GameID: g.ID, UserID: alice, From: "e7", To: "e8", Promotion: "N", RequestID: "p2"})
		require.NoError(t, err)
		assert.Equal(t, "n", res.Move.Promotion)
	})
}

func TestApplyMove_AlternationAndReplayEquivalence(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		c := NewCoordinator(s, rules.Standard{})
		g := newActiveGame(t, s, "")
		play(t, c, g, [][2]string{{"e2", "e4"}, {"e7", "e5"}, {"g1", "f3"}, {"b8", "c6"}, {"f1", "b5"}})

		moves, err := s.ListMoves(context.Background(), g.ID)
		require.NoError(t, err)
		require.Len(t, moves, 5)
		wantNumbers := []int{1, 1, 2, 2, 3}
		for i, m := range moves {
			assert.Equal(t, wantNumbers[i], m.MoveNumber)
			assert.Equal(t, i+1, m.Ply)
			if i%2 == 0 {
				assert.Equal(t, domain.White, m.Color)
			} else {
				assert.Equal(t, domain.Black, m.Color)
			}
			if i > 0 {
				assert.Greater(t, m.ID, moves[i-1].ID)
			}
		}

		pos, err := rules.Replay(rules.Standard{}, moves, rules.SquaresOnly)
		require.NoError(t, err)
		stored, err := s.GetGame(context.Background(), g.ID)
		require.NoError(t, err)
		assert.Equal(t, stored.FEN, pos.FEN())
		assert.Equal(t, stored.Turn, pos.Turn())
		assert.Contains(t, stored.PGN, "1. e4 e5 2. Nf3 Nc6 3. Bb5 *")
	})
}

func corruptFEN(t *testing.T, s store.Store, gameID, fen string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.InTx(ctx, func(tx store.Tx) error {
		g, err := tx.LockGame(ctx, gameID)
		if err != nil {
			return err
		}
		g.FEN = fen
		return tx.UpdateGame(ctx, g)
	}))
}

func TestApplyMove_ReplayFallback(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		c := NewCoordinator(s, rules.Standard{})
		g := newActiveGame(t, s, "")
		play(t, c, g, [][2]string{{"e2", "e4"}, {"e7", "e5"}})
		ctx := context.Background()

		steps := []struct {
			fen, user, from, to string
		}{
			{"garbage", alice, "d2", "d3"},
			{"", bob, "d7", "d6"},
			{domain.StartPosSentinel, alice, "a2", "a3"},
			{rules.StartFEN, bob, "a7", "a6"}, // parses, but white to move
		}
		for i, st := range steps {
			bad, user, from, to := st.fen, st.user, st.from, st.to
			corruptFEN(t, s, g.ID, bad)
			res, err := c.ApplyMove(ctx, Request{GameID: g.ID, UserID: user, From: from, To: to, RequestID: fmt.Sprintf("fb-%d", i)})
			require.NoError(t, err, "fen %q", bad)

			moves, err := s.ListMoves(ctx, g.ID)
			require.NoError(t, err)
			pos, err := rules.Replay(rules.Standard{}, moves, rules.SquaresOnly)
			require.NoError(t, err)
			assert.Equal(t, pos.FEN(), res.FEN, "fen %q", bad)
		}
	})
}

func TestApplyMove_PositionCorruption(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		c := NewCoordinator(s, rules.Standard{})
		g := newActiveGame(t, s, "")
		ctx := context.Background()

		// a log entry that cannot be replayed, with no usable stored position
		require.NoError(t, s.InTx(ctx, func(tx store.Tx) error {
			lg, err := tx.LockGame(ctx, g.ID)
			if err != nil {
				return err
			}
			m, err := tx.InsertMove(ctx, &domain.Move{
				GameID: g.ID, Ply: 1, MoveNumber: 1, Color: domain.White, SAN: "Ke5",
				From: "e1", To: "e5", FENAfter: "bogus", RequestID: "bad", StatusAfter: domain.StatusActive,
			})
			if err != nil {
				return err
			}
			lg.FEN = "bogus"
			lg.Turn = domain.Black
			lg.LastMoveID = m.ID
			return tx.UpdateGame(ctx, lg)
		}))

		_, err := c.ApplyMove(ctx, Request{GameID: g.ID, UserID: bob, From: "e7", To: "e5", RequestID: "r"})
		require.ErrorIs(t, err, ErrPositionCorruption)
		assert.Equal(t, 1, moveCount(t, s, g.ID))

		// a replay landing on the wrong side to move is corruption too
		g2 := newActiveGame(t, s, "")
		play(t, c, g2, [][2]string{{"e2", "e4"}})
		require.NoError(t, s.InTx(ctx, func(tx store.Tx) error {
			lg, err := tx.LockGame(ctx, g2.ID)
			if err != nil {
				return err
			}
			lg.FEN = ""
			lg.Turn = domain.White
			return tx.UpdateGame(ctx, lg)
		}))
		_, err = c.ApplyMove(ctx, Request{GameID: g2.ID, UserID: alice, From: "d2", To: "d4", RequestID: "r"})
		require.ErrorIs(t, err, ErrPositionCorruption)
	})
}

// racingStore hides committed request ids from the transaction and fails
// every insert with a duplicate key, like a submission that lost the race
// to a concurrent one.
type racingStore struct {
	store.Store
}

func (s racingStore) InTx(ctx context.Context, fn func(store.Tx) error) error {
	return s.Store.InTx(ctx, func(tx store.Tx) error {
		return fn(racingTx{Tx: tx})
	})
}

type racingTx struct {
	store.Tx
}

func (racingTx) FindMoveByRequestID(context.Context, string, string) (*domain.Move, error) {
	return nil, nil
}

func (racingTx) InsertMove(context.Context, *domain.Move) (*domain.Move, error) {
	return nil, store.ErrDuplicateKey
}

func TestApplyMove_DuplicateKeyResolvesToIdempotent(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		g := newActiveGame(t, s, "")
		first, err := NewCoordinator(s, rules.Standard{}).ApplyMove(ctx, Request{GameID: g.ID, UserID: alice, From: "e2", To: "e4", RequestID: "r1"})
		require.NoError(t, err)

		audits := &recordingScheduler{}
		racer := NewCoordinator(racingStore{Store: s}, rules.Standard{}, WithAuditScheduler(audits))
		res, err := racer.ApplyMove(ctx, Request{GameID: g.ID, UserID: bob, From: "e7", To: "e5", RequestID: "r1"})
		require.NoError(t, err)
		assert.True(t, res.Idempotent)
		assert.Equal(t, first.Move.ID, res.Move.ID)
		assert.Equal(t, first.FEN, res.FEN)
		assert.Zero(t, audits.count())

		_, err = racer.ApplyMove(ctx, Request{GameID: g.ID, UserID: bob, From: "e7", To: "e5", RequestID: "r2"})
		require.ErrorIs(t, err, ErrMoveConflict)
		assert.Equal(t, 1, moveCount(t, s, g.ID))
	})
}

func TestToDomainError(t *testing.T) {
	de := ToDomainError(fmt.Errorf("%w: e2e5", ErrIllegalMove))
	assert.Equal(t, CodeIllegalMove, de.Code)
	assert.False(t, de.Retryable)

	de = ToDomainError(errors.New("db down"))
	assert.Equal(t, CodeInternal, de.Code)
	assert.Equal(t, "internal error", de.Message)
	assert.True(t, ToDomainError(ErrMoveConflict).Retryable)

	de = ToDomainError(fmt.Errorf("%w: move 17: replay failed at ply 3: rules: illegal move", ErrPositionCorruption))
	assert.Equal(t, CodePositionCorruption, de.Code)
	assert.Equal(t, "game state is corrupted", de.Message)
	assert.False(t, de.Retryable)
}
