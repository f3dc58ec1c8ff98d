package chessdto

import "time"

type Game struct {
	ID          string     `json:"id"`
	WhiteUserID string     `json:"white_user_id"`
	BlackUserID string     `json:"black_user_id,omitempty"`
	BotID       string     `json:"bot_id,omitempty"`
	Status      string     `json:"status"`
	Result      string     `json:"result,omitempty"`
	FEN         string     `json:"fen"`
	PGN         string     `json:"pgn,omitempty"`
	Turn        string     `json:"turn"`
	LastMoveID  int64      `json:"last_move_id,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

type CreateGameRequest struct {
	OpponentID string `json:"opponent_id,omitempty"`
	BotID      string `json:"bot_id,omitempty"`
}

type GameListResponse struct {
	Games []Game `json:"games"`
}

type HealthResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}
