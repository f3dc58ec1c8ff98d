package chessdto

import "time"

type Move struct {
	ID         int64     `json:"id"`
	GameID     string    `json:"game_id"`
	Ply        int       `json:"ply"`
	MoveNumber int       `json:"move_number"`
	Color      string    `json:"color"`
	SAN        string    `json:"san"`
	From       string    `json:"from_square"`
	To         string    `json:"to_square"`
	Promotion  string    `json:"promotion,omitempty"`
	FENAfter   string    `json:"fen_after"`
	RequestID  string    `json:"request_id"`
	CreatedAt  time.Time `json:"created_at"`
}

// MoveRequest accepts both the short (from/to) and column (from_square,
// to_square) field names.
type MoveRequest struct {
	From       string `json:"from,omitempty"`
	FromSquare string `json:"from_square,omitempty"`
	To         string `json:"to,omitempty"`
	ToSquare   string `json:"to_square,omitempty"`
	Promotion  string `json:"promotion,omitempty"`
	RequestID  string `json:"request_id,omitempty"`
}

// Squares returns the origin and destination, preferring the short names.
func (r MoveRequest) Squares() (from, to string) {
	from, to = r.From, r.To
	if from == "" {
		from = r.FromSquare
	}
	if to == "" {
		to = r.ToSquare
	}
	return from, to
}

type MoveResponse struct {
	GameID     string `json:"game_id"`
	Move       Move   `json:"move"`
	FEN        string `json:"fen"`
	PGN        string `json:"pgn,omitempty"`
	Turn       string `json:"turn"`
	Status     string `json:"status"`
	Result     string `json:"result,omitempty"`
	Idempotent bool   `json:"idempotent"`
}

type MoveListResponse struct {
	GameID string `json:"game_id"`
	Moves  []Move `json:"moves"`
}
