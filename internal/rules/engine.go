// Package rules adapts github.com/corentings/chess/v2 to the narrow surface the
// move coordinator and auditor need. Nothing here performs I/O.
package rules

import (
	"errors"
	"fmt"
	"strings"

	nchess "github.com/corentings/chess/v2"

	"github.com/park285/chess-server/internal/domain"
)

// StartFEN is the standard initial position.
const StartFEN = "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1"

var (
	ErrInvalidFEN        = errors.New("rules: invalid fen")
	ErrInvalidSquare     = errors.New("rules: invalid square")
	ErrInvalidPromotion  = errors.New("rules: invalid promotion piece")
	ErrPromotionRequired = errors.New("rules: promotion piece required")
	ErrIllegalMove       = errors.New("rules: illegal move")
)

// Engine creates positions. The zero value of Standard is ready to use.
type Engine interface {
	// NewPosition loads fen ("" or the startpos sentinel means the initial
	// position). history lists FENs reached earlier in the same game, oldest
	// first, including the loaded one; it feeds repetition detection.
	NewPosition(fen string, history ...string) (Position, error)
}

// Position is a mutable position handle.
type Position interface {
	Apply(from, to, promotion string) (Applied, error)
	ApplySAN(san string) (Applied, error)
	FEN() string
	Turn() domain.Color
	LegalMoves() []string

	IsCheckmate() bool
	IsStalemate() bool
	IsInsufficientMaterial() bool
	IsThreefoldRepetition() bool
	IsOtherDraw() bool
}

// Applied describes a move that was accepted by a Position.
type Applied struct {
	SAN       string
	UCI       string
	From      string
	To        string
	Promotion string
	Color     domain.Color
	FEN       string
}

// Standard is the corentings/chess backed Engine.
type Standard struct{}

var _ Engine = Standard{}

func (Standard) NewPosition(fen string, history ...string) (Position, error) {
	fen = strings.TrimSpace(fen)
	if fen == "" || fen == domain.StartPosSentinel {
		fen = StartFEN
	}
	opt, err := nchess.FEN(fen)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFEN, err)
	}
	p := &position{game: nchess.NewGame(opt)}
	for _, h := range history {
		if k := RepetitionKey(h); k != "" {
			p.keys = append(p.keys, k)
		}
	}
	if len(p.keys) == 0 {
		p.keys = append(p.keys, RepetitionKey(p.game.FEN()))
	}
	return p, nil
}

type position struct {
	game *nchess.Game
	// placement/side/castling/en-passant of every position reached so far
	keys []string
}

func (p *position) FEN() string { return p.game.FEN() }

func (p *position) Turn() domain.Color { return colorFrom(p.game.Position().Turn()) }

func (p *position) LegalMoves() []string {
	valid := p.game.ValidMoves()
	out := make([]string, 0, len(valid))
	for i := range valid {
		out = append(out, valid[i].String())
	}
	return out
}

func (p *position) Apply(from, to, promotion string) (Applied, error) {
	from = strings.ToLower(strings.TrimSpace(from))
	to = strings.ToLower(strings.TrimSpace(to))
	promotion = strings.ToLower(strings.TrimSpace(promotion))
	if !validSquare(from) {
		return Applied{}, fmt.Errorf("%w: %q", ErrInvalidSquare, from)
	}
	if !validSquare(to) {
		return Applied{}, fmt.Errorf("%w: %q", ErrInvalidSquare, to)
	}
	if !validPromotion(promotion) {
		return Applied{}, fmt.Errorf("%w: %q", ErrInvalidPromotion, promotion)
	}

	pre := p.game.Position()
	uci := from + to + promotion
	mv, err := nchess.UCINotation{}.Decode(pre, uci)
	if err == nil {
		err = p.game.Move(mv, nil)
	}
	if err != nil {
		if promotion == "" && p.needsPromotion(from, to) {
			return Applied{}, fmt.Errorf("%w: %s", ErrPromotionRequired, uci)
		}
		return Applied{}, fmt.Errorf("%w: %s: %v", ErrIllegalMove, uci, err)
	}
	return p.commit(pre), nil
}

func (p *position) ApplySAN(san string) (Applied, error) {
	san = strings.TrimSpace(san)
	if san == "" {
		return Applied{}, fmt.Errorf("%w: empty san", ErrIllegalMove)
	}
	pre := p.game.Position()
	if err := p.game.PushNotationMove(san, nchess.AlgebraicNotation{}, nil); err != nil {
		return Applied{}, fmt.Errorf("%w: %s: %v", ErrIllegalMove, san, err)
	}
	return p.commit(pre), nil
}

// commit records the move just pushed onto the game.
func (p *position) commit(pre *nchess.Position) Applied {
	moves := p.game.Moves()
	last := moves[len(moves)-1]
	uci := last.String()
	a := Applied{
		SAN:   nchess.AlgebraicNotation{}.Encode(pre, last),
		UCI:   uci,
		From:  last.S1().String(),
		To:    last.S2().String(),
		Color: colorFrom(pre.Turn()),
		FEN:   p.game.FEN(),
	}
	if len(uci) == 5 {
		a.Promotion = uci[4:]
	}
	p.keys = append(p.keys, RepetitionKey(a.FEN))
	return a
}

func (p *position) needsPromotion(from, to string) bool {
	for _, v := range p.game.ValidMoves() {
		if v.S1().String() == from && v.S2().String() == to && v.Promo() != nchess.NoPieceType {
			return true
		}
	}
	return false
}

func (p *position) IsCheckmate() bool { return p.game.Method() == nchess.Checkmate }

func (p *position) IsStalemate() bool { return p.game.Method() == nchess.Stalemate }

func (p *position) IsInsufficientMaterial() bool {
	return p.game.Method() == nchess.InsufficientMaterial
}

func (p *position) IsThreefoldRepetition() bool {
	return p.repetitions() >= 3
}

// IsOtherDraw covers draws the engine ends automatically (fivefold,
// seventy-five-move) and the claimable fifty-move rule.
func (p *position) IsOtherDraw() bool {
	if p.game.Outcome() == nchess.Draw {
		switch p.game.Method() {
		case nchess.Stalemate, nchess.InsufficientMaterial:
		default:
			return true
		}
	}
	for _, m := range p.game.EligibleDraws() {
		if m == nchess.FiftyMoveRule {
			return true
		}
	}
	return false
}

func (p *position) repetitions() int {
	if len(p.keys) == 0 {
		return 0
	}
	cur := p.keys[len(p.keys)-1]
	n := 0
	for _, k := range p.keys {
		if k == cur {
			n++
		}
	}
	return n
}

// RepetitionKey reduces a FEN to the fields that identify a position for
// repetition purposes (clocks excluded). The en-passant square only counts
// when an en-passant capture is actually legal; the engine writes it after
// every double pawn push.
func RepetitionKey(fen string) string {
	fields := strings.Fields(fen)
	if len(fields) < 4 {
		return ""
	}
	if fields[3] != "-" && !canCaptureEnPassant(fen) {
		fields[3] = "-"
	}
	return strings.Join(fields[:4], " ")
}

func canCaptureEnPassant(fen string) bool {
	opt, err := nchess.FEN(fen)
	if err != nil {
		return false
	}
	for _, m := range nchess.NewGame(opt).ValidMoves() {
		if m.HasTag(nchess.EnPassant) {
			return true
		}
	}
	return false
}

// SideToMove extracts the active color from a FEN without parsing the board.
func SideToMove(fen string) domain.Color {
	fields := strings.Fields(fen)
	if len(fields) < 2 {
		return ""
	}
	return domain.Color(fields[1])
}

func validSquare(s string) bool {
	return len(s) == 2 && s[0] >= 'a' && s[0] <= 'h' && s[1] >= '1' && s[1] <= '8'
}

func validPromotion(s string) bool {
	switch s {
	case "", "q", "r", "b", "n":
		return true
	}
	return false
}

func colorFrom(c nchess.Color) domain.Color {
	if c == nchess.White {
		return domain.White
	}
	return domain.Black
}
