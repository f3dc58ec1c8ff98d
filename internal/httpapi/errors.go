package httpapi

import (
	"errors"

	"github.com/valyala/fasthttp"

	"github.com/park285/chess-server/internal/games"
	"github.com/park285/chess-server/internal/moves"
	"github.com/park285/chess-server/pkg/chessdto"
)

const (
	codeInvalidTransition = "INVALID_TRANSITION"
	codeGameFull          = "GAME_FULL"
	codeOpponentMissing   = "OPPONENT_MISSING"
	codeInvalidInput      = "INVALID_INPUT"
	codeUnauthorized      = "UNAUTHORIZED"
	codeUnavailable       = "UNAVAILABLE"
	codeNotFound          = "NOT_FOUND"
	codeMethodNotAllowed  = "METHOD_NOT_ALLOWED"
)

var errUnavailable = errors.New("service unavailable")

var lifecycleCodes = []struct {
	err  error
	code string
}{
	{games.ErrInvalidTransition, codeInvalidTransition},
	{games.ErrGameFull, codeGameFull},
	{games.ErrOpponentMissing, codeOpponentMissing},
	{games.ErrInvalidInput, codeInvalidInput},
	{ErrUnauthorized, codeUnauthorized},
	{errUnavailable, codeUnavailable},
}

var statusByCode = map[string]int{
	moves.CodeMissingIdempotencyKey: fasthttp.StatusBadRequest,
	moves.CodeGameNotFound:          fasthttp.StatusNotFound,
	moves.CodeGameNotActive:         fasthttp.StatusConflict,
	moves.CodeNotAParticipant:       fasthttp.StatusForbidden,
	moves.CodeNotYourTurn:           fasthttp.StatusConflict,
	moves.CodeIllegalMove:           fasthttp.StatusUnprocessableEntity,
	moves.CodePositionCorruption:    fasthttp.StatusInternalServerError,
	moves.CodeMoveConflict:          fasthttp.StatusConflict,
	moves.CodeInternal:              fasthttp.StatusInternalServerError,
	codeInvalidTransition:           fasthttp.StatusConflict,
	codeGameFull:                    fasthttp.StatusConflict,
	codeOpponentMissing:             fasthttp.StatusConflict,
	codeInvalidInput:                fasthttp.StatusBadRequest,
	codeUnauthorized:                fasthttp.StatusUnauthorized,
	codeUnavailable:                 fasthttp.StatusServiceUnavailable,
	codeNotFound:                    fasthttp.StatusNotFound,
	codeMethodNotAllowed:            fasthttp.StatusMethodNotAllowed,
}

// toDomainError maps any handler error to its wire shape and status.
func toDomainError(err error) (chessdto.DomainError, int) {
	de := moves.ToDomainError(err)
	if de.Code == moves.CodeInternal {
		for _, c := range lifecycleCodes {
			if errors.Is(err, c.err) {
				de = chessdto.DomainError{Code: c.code, Message: err.Error(), Retryable: c.err == errUnavailable}
				break
			}
		}
	}
	status, ok := statusByCode[de.Code]
	if !ok {
		status = fasthttp.StatusInternalServerError
	}
	return de, status
}
