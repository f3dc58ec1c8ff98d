package rules

import (
	"fmt"

	"github.com/park285/chess-server/internal/domain"
)

// ReplayMode selects how each logged move is re-applied.
type ReplayMode int

const (
	// SquaresThenSAN tries the square pair first and falls back to SAN.
	SquaresThenSAN ReplayMode = iota
	// SquaresOnly uses the square pair and nothing else.
	SquaresOnly
)

// ReplayError reports the first move of a log that could not be re-applied.
type ReplayError struct {
	Index  int
	MoveID int64
	Err    error
}

func (e *ReplayError) Error() string {
	return fmt.Sprintf("replay failed at move #%d (id=%d): %v", e.Index+1, e.MoveID, e.Err)
}

func (e *ReplayError) Unwrap() error { return e.Err }

// Replay rebuilds a position from the initial one by applying moves in order.
func Replay(engine Engine, moves []*domain.Move, mode ReplayMode) (Position, error) {
	pos, err := engine.NewPosition(StartFEN)
	if err != nil {
		return nil, err
	}
	for i, m := range moves {
		_, err := pos.Apply(m.From, m.To, m.Promotion)
		if err != nil && mode == SquaresThenSAN && m.SAN != "" {
			_, err = pos.ApplySAN(m.SAN)
		}
		if err != nil {
			return nil, &ReplayError{Index: i, MoveID: m.ID, Err: err}
		}
	}
	return pos, nil
}

// History returns the FEN sequence of a game: the initial position followed
// by each stored fen_after.
func History(moves []*domain.Move) []string {
	out := make([]string, 0, len(moves)+1)
	out = append(out, StartFEN)
	for _, m := range moves {
		out = append(out, m.FENAfter)
	}
	return out
}
