// Package moves applies a single move submission to a persisted game:
// exclusive per-game transaction, idempotency by request id, validation,
// position reconstruction, terminal derivation and an atomic commit.
package moves

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/park285/chess-server/internal/domain"
	"github.com/park285/chess-server/internal/obslog"
	"github.com/park285/chess-server/internal/rules"
	"github.com/park285/chess-server/internal/store"
)

// Request is one move submission. RequestID is the client idempotency key.
type Request struct {
	GameID    string
	UserID    string
	From      string
	To        string
	Promotion string
	RequestID string
}

func (r Request) normalized() Request {
	r.GameID = strings.TrimSpace(r.GameID)
	r.UserID = strings.TrimSpace(r.UserID)
	r.From = strings.ToLower(strings.TrimSpace(r.From))
	r.To = strings.ToLower(strings.TrimSpace(r.To))
	r.Promotion = strings.ToLower(strings.TrimSpace(r.Promotion))
	r.RequestID = strings.TrimSpace(r.RequestID)
	return r
}

// Result is what a submission committed (or committed earlier, when
// Idempotent is set).
type Result struct {
	Game       *domain.Game
	Move       *domain.Move
	FEN        string
	Turn       domain.Color
	Status     domain.Status
	Result     domain.Result
	Idempotent bool
}

// AuditScheduler queues a consistency check. Schedule must not block.
type AuditScheduler interface {
	Schedule(gameID string)
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithAuditScheduler enables post-commit audits.
func WithAuditScheduler(s AuditScheduler) Option {
	return func(c *Coordinator) { c.audits = s }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// Coordinator is safe for concurrent use; all per-game serialization comes
// from the store's row lock.
type Coordinator struct {
	store  store.Store
	engine rules.Engine
	audits AuditScheduler
	now    func() time.Time
	tracer trace.Tracer
}

func NewCoordinator(s store.Store, engine rules.Engine, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:  s,
		engine: engine,
		now:    time.Now,
		tracer: otel.Tracer("github.com/park285/chess-server/internal/moves"),
	}
	for _, o := range opts {
		o(c)
	}
	if c.engine == nil {
		c.engine = rules.Standard{}
	}
	return c
}

// ApplyMove validates and commits one move. Repeating a request id returns
// the first outcome with Idempotent set, whatever the repeat's payload.
func (c *Coordinator) ApplyMove(ctx context.Context, req Request) (*Result, error) {
	req = req.normalized()
	if req.RequestID == "" {
		return nil, ErrMissingIdempotencyKey
	}
	if req.From == "" || req.To == "" {
		return nil, fmt.Errorf("%w: from and to are required", ErrIllegalMove)
	}

	ctx, span := c.tracer.Start(ctx, "moves.ApplyMove", trace.WithAttributes(
		attribute.String("game.id", req.GameID),
		attribute.String("request.id", req.RequestID),
	))
	defer span.End()

	var res *Result
	err := c.store.InTx(ctx, func(tx store.Tx) error {
		r, err := c.applyLocked(ctx, tx, req)
		if err != nil {
			return err
		}
		res = r
		return nil
	})
	if errors.Is(err, store.ErrDuplicateKey) {
		res, err = c.resolveDuplicate(ctx, req)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, Code(err))
		level := zap.InfoLevel
		if Code(err) == CodeInternal {
			level = zap.ErrorLevel
		}
		obslog.L().Log(level, "move_rejected",
			zap.String("game_id", req.GameID),
			zap.String("user_id", req.UserID),
			zap.String("request_id", req.RequestID),
			zap.String("code", Code(err)),
			zap.Error(err),
		)
		return nil, err
	}

	span.SetAttributes(attribute.Bool("move.idempotent", res.Idempotent), attribute.String("game.status", string(res.Status)))
	if res.Idempotent {
		obslog.L().Info("move_idempotent_replay",
			zap.String("game_id", req.GameID),
			zap.String("request_id", req.RequestID),
			zap.Int64("move_id", res.Move.ID),
		)
		return res, nil
	}

	obslog.L().Info("move_applied",
		zap.String("game_id", res.Game.ID),
		zap.String("user_id", req.UserID),
		zap.Int64("move_id", res.Move.ID),
		zap.Int("ply", res.Move.Ply),
		zap.String("uci", res.Move.UCI()),
		zap.String("san", res.Move.SAN),
		zap.String("status", string(res.Status)),
		zap.String("result", string(res.Result)),
	)
	if c.audits != nil {
		c.audits.Schedule(res.Game.ID)
	}
	return res, nil
}

func (c *Coordinator) applyLocked(ctx context.Context, tx store.Tx, req Request) (*Result, error) {
	game, err := tx.LockGame(ctx, req.GameID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrGameNotFound, req.GameID)
	}
	if err != nil {
		return nil, err
	}

	prev, err := tx.FindMoveByRequestID(ctx, game.ID, req.RequestID)
	if err != nil {
		return nil, err
	}
	if prev != nil {
		return replayed(game, prev), nil
	}

	if game.Status != domain.StatusActive {
		return nil, fmt.Errorf("%w: status %s", ErrGameNotActive, game.Status)
	}
	color, ok := game.ColorOf(req.UserID)
	if !ok {
		return nil, ErrNotAParticipant
	}
	if color != game.Turn {
		return nil, fmt.Errorf("%w: %s to move", ErrNotYourTurn, game.Turn.Name())
	}

	history, err := tx.ListMoves(ctx, game.ID)
	if err != nil {
		return nil, err
	}
	pos, err := c.reconstruct(game, history)
	if err != nil {
		return nil, err
	}

	applied, err := pos.Apply(req.From, req.To, req.Promotion)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIllegalMove, err)
	}
	status, result := deriveOutcome(pos, applied.Color)
	now := c.now().UTC()

	prior := len(history)
	move, err := tx.InsertMove(ctx, &domain.Move{
		GameID:      game.ID,
		Ply:         prior + 1,
		MoveNumber:  prior/2 + 1,
		Color:       game.Turn,
		SAN:         applied.SAN,
		From:        applied.From,
		To:          applied.To,
		Promotion:   applied.Promotion,
		FENAfter:    applied.FEN,
		RequestID:   req.RequestID,
		StatusAfter: status,
		ResultAfter: result,
		CreatedAt:   now,
	})
	if err != nil {
		return nil, err
	}

	sans := make([]string, 0, prior+1)
	for _, m := range history {
		sans = append(sans, m.SAN)
	}
	sans = append(sans, applied.SAN)

	game.FEN = applied.FEN
	game.Turn = pos.Turn()
	game.Status = status
	game.Result = result
	game.LastMoveID = move.ID
	game.UpdatedAt = now
	if status.Terminal() {
		game.CompletedAt = &now
	}
	game.PGN = rules.BuildPGN(rules.PGNHeader{
		Date:        pgnDate(game),
		White:       game.WhiteUserID,
		Black:       game.BlackUserID,
		Termination: termination(pos),
	}, sans, result.PGNToken())
	if err := tx.UpdateGame(ctx, game); err != nil {
		return nil, err
	}

	return &Result{
		Game:   game,
		Move:   move,
		FEN:    applied.FEN,
		Turn:   game.Turn,
		Status: status,
		Result: result,
	}, nil
}

// reconstruct loads the stored position when it is usable and otherwise
// replays the move log from the initial position.
func (c *Coordinator) reconstruct(game *domain.Game, history []*domain.Move) (rules.Position, error) {
	if game.HasStoredPosition() {
		pos, err := c.engine.NewPosition(game.FEN, rules.History(history)...)
		if err == nil && pos.Turn() == game.Turn {
			return pos, nil
		}
		fields := []zap.Field{zap.String("game_id", game.ID), zap.String("fen", game.FEN), zap.String("turn", string(game.Turn))}
		if err != nil {
			fields = append(fields, zap.Error(err))
		}
		obslog.L().Warn("position_stored_unusable", fields...)
	}

	pos, err := rules.Replay(c.engine, history, rules.SquaresThenSAN)
	if err != nil {
		obslog.Integrity("position_corruption",
			zap.String("game_id", game.ID),
			zap.Int("moves", len(history)),
			zap.Error(err),
		)
		return nil, fmt.Errorf("%w: %v", ErrPositionCorruption, err)
	}
	if pos.Turn() != game.Turn {
		obslog.Integrity("position_corruption",
			zap.String("game_id", game.ID),
			zap.String("turn", string(game.Turn)),
			zap.String("replayed_turn", string(pos.Turn())),
		)
		return nil, fmt.Errorf("%w: replayed side to move %s, game turn %s", ErrPositionCorruption, pos.Turn(), game.Turn)
	}
	return pos, nil
}

// resolveDuplicate runs after the failed transaction rolled back: a
// concurrent submission with the same request id won the race.
func (c *Coordinator) resolveDuplicate(ctx context.Context, req Request) (*Result, error) {
	prev, err := c.store.FindMoveByRequestID(ctx, req.GameID, req.RequestID)
	if err != nil {
		return nil, err
	}
	if prev == nil {
		return nil, fmt.Errorf("%w: game %s", ErrMoveConflict, req.GameID)
	}
	game, err := c.store.GetGame(ctx, req.GameID)
	if err != nil {
		return nil, err
	}
	obslog.L().Info("move_duplicate_resolved",
		zap.String("game_id", req.GameID),
		zap.String("request_id", req.RequestID),
		zap.Int64("move_id", prev.ID),
	)
	return replayed(game, prev), nil
}

func replayed(game *domain.Game, m *domain.Move) *Result {
	return &Result{
		Game:       game,
		Move:       m,
		FEN:        m.FENAfter,
		Turn:       m.Color.Opponent(),
		Status:     m.StatusAfter,
		Result:     m.ResultAfter,
		Idempotent: true,
	}
}

// deriveOutcome maps terminal flags to status/result. mover is the side
// that just moved.
func deriveOutcome(pos rules.Position, mover domain.Color) (domain.Status, domain.Result) {
	switch {
	case pos.IsCheckmate():
		return domain.StatusCompleted, domain.WinnerResult(mover)
	case pos.IsStalemate(), pos.IsInsufficientMaterial(), pos.IsThreefoldRepetition(), pos.IsOtherDraw():
		return domain.StatusCompleted, domain.ResultDraw
	}
	return domain.StatusActive, domain.ResultNone
}

func termination(pos rules.Position) string {
	switch {
	case pos.IsCheckmate():
		return "checkmate"
	case pos.IsStalemate():
		return "stalemate"
	case pos.IsInsufficientMaterial():
		return "insufficient material"
	case pos.IsThreefoldRepetition():
		return "threefold repetition"
	case pos.IsOtherDraw():
		return "draw"
	}
	return ""
}

func pgnDate(g *domain.Game) time.Time {
	if g.StartedAt != nil {
		return *g.StartedAt
	}
	return g.CreatedAt
}
