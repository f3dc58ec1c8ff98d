package domain

import "time"

// StartPosSentinel is the placeholder FEN a game carries until it is started.
const StartPosSentinel = "startpos"

// Color identifies chess side. Values match the stored turn/color columns.
type Color string

const (
	White Color = "w"
	Black Color = "b"
)

// Opponent returns the other side.
func (c Color) Opponent() Color {
	if c == White {
		return Black
	}
	return White
}

// Name returns the long form used for results ("white"/"black").
func (c Color) Name() string {
	switch c {
	case White:
		return "white"
	case Black:
		return "black"
	default:
		return ""
	}
}

func (c Color) Valid() bool { return c == White || c == Black }

// Status represents a game lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusAbandoned Status = "abandoned"
)

// Terminal reports whether no further moves or transitions are allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusAbandoned
}

// Result is the final outcome of a terminal game. Empty while the game runs.
type Result string

const (
	ResultNone  Result = ""
	ResultWhite Result = "white"
	ResultBlack Result = "black"
	ResultDraw  Result = "draw"
)

// WinnerResult maps the mating side to its result.
func WinnerResult(c Color) Result {
	if c == White {
		return ResultWhite
	}
	return ResultBlack
}

// PGNToken returns the PGN result marker.
func (r Result) PGNToken() string {
	switch r {
	case ResultWhite:
		return "1-0"
	case ResultBlack:
		return "0-1"
	case ResultDraw:
		return "1/2-1/2"
	default:
		return "*"
	}
}

// Game is the persisted state of a match. FEN/PGN/Turn always describe the
// position after LastMoveID (or the initial position when no move exists).
type Game struct {
	ID          string     `json:"id"`
	WhiteUserID string     `json:"white_user_id"`
	BlackUserID string     `json:"black_user_id,omitempty"`
	BotID       string     `json:"bot_id,omitempty"`
	Status      Status     `json:"status"`
	Result      Result     `json:"result,omitempty"`
	FEN         string     `json:"fen"`
	PGN         string     `json:"pgn"`
	Turn        Color      `json:"turn"`
	LastMoveID  int64      `json:"last_move_id,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// ColorOf returns the side played by userID.
func (g *Game) ColorOf(userID string) (Color, bool) {
	if userID == "" {
		return "", false
	}
	switch userID {
	case g.WhiteUserID:
		return White, true
	case g.BlackUserID:
		return Black, true
	}
	return "", false
}

// IsParticipant reports whether userID plays in this game.
func (g *Game) IsParticipant(userID string) bool {
	_, ok := g.ColorOf(userID)
	return ok
}

// HasStoredPosition reports whether FEN holds a real position rather than
// the pre-start sentinel.
func (g *Game) HasStoredPosition() bool {
	return g.FEN != "" && g.FEN != StartPosSentinel
}

// Clone returns a copy safe to hand out of a store.
func (g *Game) Clone() *Game {
	if g == nil {
		return nil
	}
	cp := *g
	if g.StartedAt != nil {
		t := *g.StartedAt
		cp.StartedAt = &t
	}
	if g.CompletedAt != nil {
		t := *g.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

// Move is one applied half-move. Rows are immutable once written.
type Move struct {
	ID          int64     `json:"id"`
	GameID      string    `json:"game_id"`
	Ply         int       `json:"ply"`
	MoveNumber  int       `json:"move_number"`
	Color       Color     `json:"color"`
	SAN         string    `json:"san"`
	From        string    `json:"from"`
	To          string    `json:"to"`
	Promotion   string    `json:"promotion,omitempty"`
	FENAfter    string    `json:"fen_after"`
	RequestID   string    `json:"request_id"`
	StatusAfter Status    `json:"status_after"`
	ResultAfter Result    `json:"result_after,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// UCI returns the square-pair form (e2e4, e7e8q).
func (m *Move) UCI() string {
	return m.From + m.To + m.Promotion
}

// Clone returns a copy.
func (m *Move) Clone() *Move {
	if m == nil {
		return nil
	}
	cp := *m
	return &cp
}
