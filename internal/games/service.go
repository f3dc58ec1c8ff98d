// Package games owns the game lifecycle around move application:
// creation, seating, start and abandonment, plus participant-scoped reads.
package games

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/park285/chess-server/internal/domain"
	"github.com/park285/chess-server/internal/moves"
	"github.com/park285/chess-server/internal/obslog"
	"github.com/park285/chess-server/internal/rules"
	"github.com/park285/chess-server/internal/store"
)

var (
	ErrInvalidTransition = errors.New("invalid game status transition")
	ErrGameFull          = errors.New("game already has two players")
	ErrOpponentMissing   = errors.New("game has no opponent yet")
	ErrInvalidInput      = errors.New("invalid input")
)

// CreateRequest seats the creator as white. Opponent and Bot are optional;
// a game with neither can be joined later.
type CreateRequest struct {
	CreatorID  string
	OpponentID string
	BotID      string
}

type Service struct {
	store store.Store
	now   func() time.Time
	newID func() string
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithIDGenerator overrides uuid game ids.
func WithIDGenerator(fn func() string) Option {
	return func(s *Service) { s.newID = fn }
}

func NewService(s store.Store, opts ...Option) *Service {
	svc := &Service{store: s, now: time.Now, newID: uuid.NewString}
	for _, o := range opts {
		o(svc)
	}
	return svc
}

// Create inserts a pending game holding the "startpos" sentinel.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*domain.Game, error) {
	creator := strings.TrimSpace(req.CreatorID)
	opponent := strings.TrimSpace(req.OpponentID)
	if creator == "" {
		return nil, fmt.Errorf("%w: creator is required", ErrInvalidInput)
	}
	if opponent == creator {
		return nil, fmt.Errorf("%w: cannot play against yourself", ErrInvalidInput)
	}
	now := s.now().UTC()
	g := &domain.Game{
		ID:          s.newID(),
		WhiteUserID: creator,
		BlackUserID: opponent,
		BotID:       strings.TrimSpace(req.BotID),
		Status:      domain.StatusPending,
		FEN:         domain.StartPosSentinel,
		Turn:        domain.White,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.CreateGame(ctx, g); err != nil {
		return nil, fmt.Errorf("create game: %w", err)
	}
	obslog.L().Info("game_created",
		zap.String("game_id", g.ID),
		zap.String("white_id", g.WhiteUserID),
		zap.String("black_id", g.BlackUserID),
		zap.String("bot_id", g.BotID),
	)
	return g, nil
}

// Join seats userID as black on a pending game without an opponent.
// Joining a game the user already plays is a no-op.
func (s *Service) Join(ctx context.Context, gameID, userID string) (*domain.Game, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: user is required", ErrInvalidInput)
	}
	return s.mutate(ctx, gameID, func(g *domain.Game) (bool, error) {
		if g.IsParticipant(userID) {
			return false, nil
		}
		if g.Status != domain.StatusPending {
			return false, fmt.Errorf("%w: cannot join a %s game", ErrInvalidTransition, g.Status)
		}
		if g.BlackUserID != "" || g.BotID != "" {
			return false, ErrGameFull
		}
		g.BlackUserID = userID
		return true, nil
	})
}

// Start activates a pending game from the standard initial position.
func (s *Service) Start(ctx context.Context, gameID, userID string) (*domain.Game, error) {
	g, err := s.mutate(ctx, gameID, func(g *domain.Game) (bool, error) {
		if !g.IsParticipant(userID) {
			return false, moves.ErrNotAParticipant
		}
		if g.Status != domain.StatusPending {
			return false, fmt.Errorf("%w: cannot start a %s game", ErrInvalidTransition, g.Status)
		}
		if g.BlackUserID == "" && g.BotID == "" {
			return false, ErrOpponentMissing
		}
		now := s.now().UTC()
		g.Status = domain.StatusActive
		g.FEN = rules.StartFEN
		g.Turn = domain.White
		g.StartedAt = &now
		return true, nil
	})
	if err == nil {
		obslog.L().Info("game_started", zap.String("game_id", g.ID), zap.String("user_id", userID))
	}
	return g, err
}

// Abandon ends a pending or active game without a result.
func (s *Service) Abandon(ctx context.Context, gameID, userID string) (*domain.Game, error) {
	g, err := s.mutate(ctx, gameID, func(g *domain.Game) (bool, error) {
		if !g.IsParticipant(userID) {
			return false, moves.ErrNotAParticipant
		}
		if g.Status.Terminal() {
			return false, fmt.Errorf("%w: game already %s", ErrInvalidTransition, g.Status)
		}
		now := s.now().UTC()
		g.Status = domain.StatusAbandoned
		g.Result = domain.ResultNone
		g.CompletedAt = &now
		return true, nil
	})
	if err == nil {
		obslog.L().Info("game_abandoned", zap.String("game_id", g.ID), zap.String("user_id", userID))
	}
	return g, err
}

// mutate locks the game row, applies fn and writes the game when fn
// reports a change.
func (s *Service) mutate(ctx context.Context, gameID string, fn func(g *domain.Game) (bool, error)) (*domain.Game, error) {
	var out *domain.Game
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		g, err := tx.LockGame(ctx, gameID)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", moves.ErrGameNotFound, gameID)
		}
		if err != nil {
			return err
		}
		changed, err := fn(g)
		if err != nil {
			return err
		}
		if changed {
			g.UpdatedAt = s.now().UTC()
			if err := tx.UpdateGame(ctx, g); err != nil {
				return err
			}
		}
		out = g
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Get returns the game when userID plays in it. Non-participants get the
// same not-found error as a missing game.
func (s *Service) Get(ctx context.Context, gameID, userID string) (*domain.Game, error) {
	g, err := s.store.GetGame(ctx, gameID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", moves.ErrGameNotFound, gameID)
	}
	if err != nil {
		return nil, err
	}
	if !g.IsParticipant(userID) {
		return nil, fmt.Errorf("%w: %s", moves.ErrGameNotFound, gameID)
	}
	return g, nil
}

// List returns the user's games, newest first.
func (s *Service) List(ctx context.Context, userID string) ([]*domain.Game, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%w: user is required", ErrInvalidInput)
	}
	return s.store.ListGamesForUser(ctx, userID)
}

// Moves returns the move log in commit order.
func (s *Service) Moves(ctx context.Context, gameID, userID string) ([]*domain.Move, error) {
	if _, err := s.Get(ctx, gameID, userID); err != nil {
		return nil, err
	}
	return s.store.ListMoves(ctx, gameID)
}
