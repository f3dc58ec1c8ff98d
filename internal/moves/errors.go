package moves

import (
	"errors"

	"github.com/park285/chess-server/pkg/chessdto"
)

// Rejections returned by Coordinator.ApplyMove. Wrapped errors carry detail;
// match with errors.Is.
var (
	ErrMissingIdempotencyKey = errors.New("request_id is required")
	ErrGameNotFound          = errors.New("game not found")
	ErrGameNotActive         = errors.New("game is not active")
	ErrNotAParticipant       = errors.New("user is not a participant in this game")
	ErrNotYourTurn           = errors.New("not your turn")
	ErrIllegalMove           = errors.New("illegal move")
	ErrPositionCorruption    = errors.New("stored position cannot be reconstructed")
	// ErrMoveConflict: a unique key collided but no move with the request id
	// exists. Safe to retry with the same request id.
	ErrMoveConflict = errors.New("concurrent move conflict")
)

// Stable wire codes.
const (
	CodeMissingIdempotencyKey = "MISSING_IDEMPOTENCY_KEY"
	CodeGameNotFound          = "GAME_NOT_FOUND"
	CodeGameNotActive         = "GAME_NOT_ACTIVE"
	CodeNotAParticipant       = "NOT_A_PARTICIPANT"
	CodeNotYourTurn           = "NOT_YOUR_TURN"
	CodeIllegalMove           = "ILLEGAL_MOVE"
	CodePositionCorruption    = "POSITION_CORRUPTION"
	CodeMoveConflict          = "MOVE_CONFLICT"
	CodeInternal              = "INTERNAL"
)

// fixed, when set, replaces err.Error() on the wire; the wrapped detail of
// those errors is for operators only.
var errorCodes = []struct {
	err       error
	code      string
	retryable bool
	fixed     string
}{
	{ErrMissingIdempotencyKey, CodeMissingIdempotencyKey, false, ""},
	{ErrGameNotFound, CodeGameNotFound, false, ""},
	{ErrGameNotActive, CodeGameNotActive, false, ""},
	{ErrNotAParticipant, CodeNotAParticipant, false, ""},
	{ErrNotYourTurn, CodeNotYourTurn, false, ""},
	{ErrIllegalMove, CodeIllegalMove, false, ""},
	{ErrPositionCorruption, CodePositionCorruption, false, "game state is corrupted"},
	{ErrMoveConflict, CodeMoveConflict, true, ""},
}

// Code maps err to its wire code; unknown errors are INTERNAL.
func Code(err error) string {
	for _, c := range errorCodes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeInternal
}

// ToDomainError converts err into the wire error shape.
func ToDomainError(err error) chessdto.DomainError {
	for _, c := range errorCodes {
		if errors.Is(err, c.err) {
			msg := c.fixed
			if msg == "" {
				msg = err.Error()
			}
			return chessdto.DomainError{Code: c.code, Message: msg, Retryable: c.retryable}
		}
	}
	return chessdto.DomainError{Code: CodeInternal, Message: "internal error", Retryable: true}
}
