package httpapi

import (
	"github.com/park285/chess-server/internal/domain"
	"github.com/park285/chess-server/internal/moves"
	"github.com/park285/chess-server/pkg/chessdto"
)

func gameDTO(g *domain.Game) chessdto.Game {
	return chessdto.Game{
		ID:          g.ID,
		WhiteUserID: g.WhiteUserID,
		BlackUserID: g.BlackUserID,
		BotID:       g.BotID,
		Status:      string(g.Status),
		Result:      string(g.Result),
		FEN:         g.FEN,
		PGN:         g.PGN,
		Turn:        string(g.Turn),
		LastMoveID:  g.LastMoveID,
		CreatedAt:   g.CreatedAt,
		StartedAt:   g.StartedAt,
		CompletedAt: g.CompletedAt,
		UpdatedAt:   g.UpdatedAt,
	}
}

func moveDTO(m *domain.Move) chessdto.Move {
	return chessdto.Move{
		ID:         m.ID,
		GameID:     m.GameID,
		Ply:        m.Ply,
		MoveNumber: m.MoveNumber,
		Color:      string(m.Color),
		SAN:        m.SAN,
		From:       m.From,
		To:         m.To,
		Promotion:  m.Promotion,
		FENAfter:   m.FENAfter,
		RequestID:  m.RequestID,
		CreatedAt:  m.CreatedAt,
	}
}

func moveResponse(r *moves.Result) chessdto.MoveResponse {
	out := chessdto.MoveResponse{
		Move:       moveDTO(r.Move),
		GameID:     r.Move.GameID,
		FEN:        r.FEN,
		Turn:       string(r.Turn),
		Status:     string(r.Status),
		Result:     string(r.Result),
		Idempotent: r.Idempotent,
	}
	if r.Game != nil {
		out.PGN = r.Game.PGN
	}
	return out
}
