// Package httpapi serves the game and move endpoints over fasthttp.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/park285/chess-server/internal/domain"
	"github.com/park285/chess-server/internal/games"
	"github.com/park285/chess-server/internal/health"
	"github.com/park285/chess-server/internal/moves"
	"github.com/park285/chess-server/internal/msgcat"
	"github.com/park285/chess-server/internal/obslog"
	"github.com/park285/chess-server/pkg/chessdto"
)

// MoveApplier is satisfied by *moves.Coordinator.
type MoveApplier interface {
	ApplyMove(ctx context.Context, req moves.Request) (*moves.Result, error)
}

// Readiness is satisfied by *health.Monitor.
type Readiness interface {
	State() health.State
	LastError() error
}

type Server struct {
	games    *games.Service
	moves    MoveApplier
	health   Readiness
	auth     *Authenticator
	messages *msgcat.Catalog
	timeout  time.Duration
}

type Option func(*Server)

// WithMessages replaces the embedded error texts.
func WithMessages(c *msgcat.Catalog) Option {
	return func(s *Server) { s.messages = c }
}

// WithRequestTimeout bounds each handler's store work.
func WithRequestTimeout(d time.Duration) Option {
	return func(s *Server) { s.timeout = d }
}

func NewServer(g *games.Service, m MoveApplier, h Readiness, auth *Authenticator, opts ...Option) *Server {
	s := &Server{
		games:    g,
		moves:    m,
		health:   h,
		auth:     auth,
		messages: msgcat.MustDefault(),
		timeout:  10 * time.Second,
	}
	if s.auth == nil {
		s.auth = NewAuthenticator("")
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// NewHTTPServer wraps Handler with the transport limits used in production.
func (s *Server) NewHTTPServer() *fasthttp.Server {
	return &fasthttp.Server{
		Handler:            s.Handler,
		Name:               "chess-server",
		ReadTimeout:        15 * time.Second,
		WriteTimeout:       15 * time.Second,
		IdleTimeout:        60 * time.Second,
		MaxRequestBodySize: 64 << 10,
	}
}

// Handler routes /api requests and logs each one.
func (s *Server) Handler(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	s.route(ctx)
	obslog.L().Info("http_request",
		zap.String("method", string(ctx.Method())),
		zap.String("path", string(ctx.Path())),
		zap.Int("status", ctx.Response.StatusCode()),
		zap.Duration("elapsed", time.Since(start)),
	)
}

func (s *Server) route(ctx *fasthttp.RequestCtx) {
	path := strings.Trim(string(ctx.Path()), "/")
	parts := strings.Split(path, "/")
	if len(parts) < 2 || parts[0] != "api" {
		s.writeError(ctx, fmt.Errorf("%w: %s", errRouteNotFound, path), nil)
		return
	}

	if parts[1] == "health" && len(parts) == 2 {
		if !ctx.IsGet() {
			s.writeError(ctx, errMethodNotAllowed, nil)
			return
		}
		s.handleHealth(ctx)
		return
	}
	if parts[1] != "games" {
		s.writeError(ctx, fmt.Errorf("%w: %s", errRouteNotFound, path), nil)
		return
	}

	if ctx.IsPost() && !s.ready() {
		s.writeError(ctx, errUnavailable, nil)
		return
	}
	userID, err := s.auth.UserID(ctx)
	if err != nil {
		s.writeError(ctx, err, nil)
		return
	}

	switch {
	case len(parts) == 2 && ctx.IsGet():
		s.handleListGames(ctx, userID)
	case len(parts) == 2 && ctx.IsPost():
		s.handleCreateGame(ctx, userID)
	case len(parts) == 3 && ctx.IsGet():
		s.handleGetGame(ctx, userID, parts[2])
	case len(parts) == 4 && ctx.IsGet() && parts[3] == "moves":
		s.handleListMoves(ctx, userID, parts[2])
	case len(parts) == 4 && ctx.IsPost():
		switch parts[3] {
		case "move":
			s.handleMove(ctx, userID, parts[2])
		case "join", "start", "abandon":
			s.handleTransition(ctx, userID, parts[2], parts[3])
		default:
			s.writeError(ctx, fmt.Errorf("%w: %s", errRouteNotFound, path), nil)
		}
	case len(parts) <= 4:
		s.writeError(ctx, errMethodNotAllowed, nil)
	default:
		s.writeError(ctx, fmt.Errorf("%w: %s", errRouteNotFound, path), nil)
	}
}

var (
	errRouteNotFound    = errors.New("route not found")
	errMethodNotAllowed = errors.New("method not allowed")
)

func (s *Server) ready() bool {
	return s.health == nil || s.health.State() == health.StateReady
}

func (s *Server) reqContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.timeout)
}

func (s *Server) handleHealth(ctx *fasthttp.RequestCtx) {
	state := health.StateReady
	var lastErr error
	if s.health != nil {
		state = s.health.State()
		lastErr = s.health.LastError()
	}
	body := chessdto.HealthResponse{Status: string(state)}
	if lastErr != nil {
		body.Error = lastErr.Error()
	}
	status := fasthttp.StatusOK
	if state != health.StateReady {
		status = fasthttp.StatusServiceUnavailable
	}
	writeJSON(ctx, status, body)
}

func (s *Server) handleCreateGame(ctx *fasthttp.RequestCtx, userID string) {
	var body chessdto.CreateGameRequest
	if err := decodeBody(ctx, &body); err != nil {
		s.writeError(ctx, err, nil)
		return
	}
	c, cancel := s.reqContext()
	defer cancel()
	g, err := s.games.Create(c, games.CreateRequest{CreatorID: userID, OpponentID: body.OpponentID, BotID: body.BotID})
	if err != nil {
		s.writeError(ctx, err, nil)
		return
	}
	writeJSON(ctx, fasthttp.StatusCreated, gameDTO(g))
}

func (s *Server) handleListGames(ctx *fasthttp.RequestCtx, userID string) {
	c, cancel := s.reqContext()
	defer cancel()
	list, err := s.games.List(c, userID)
	if err != nil {
		s.writeError(ctx, err, nil)
		return
	}
	out := chessdto.GameListResponse{Games: make([]chessdto.Game, 0, len(list))}
	for _, g := range list {
		out.Games = append(out.Games, gameDTO(g))
	}
	writeJSON(ctx, fasthttp.StatusOK, out)
}

func (s *Server) handleGetGame(ctx *fasthttp.RequestCtx, userID, gameID string) {
	c, cancel := s.reqContext()
	defer cancel()
	g, err := s.games.Get(c, gameID, userID)
	if err != nil {
		s.writeError(ctx, err, nil)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, gameDTO(g))
}

func (s *Server) handleListMoves(ctx *fasthttp.RequestCtx, userID, gameID string) {
	c, cancel := s.reqContext()
	defer cancel()
	list, err := s.games.Moves(c, gameID, userID)
	if err != nil {
		s.writeError(ctx, err, nil)
		return
	}
	out := chessdto.MoveListResponse{GameID: gameID, Moves: make([]chessdto.Move, 0, len(list))}
	for _, m := range list {
		out.Moves = append(out.Moves, moveDTO(m))
	}
	writeJSON(ctx, fasthttp.StatusOK, out)
}

func (s *Server) handleTransition(ctx *fasthttp.RequestCtx, userID, gameID, action string) {
	c, cancel := s.reqContext()
	defer cancel()
	var (
		g   *domain.Game
		err error
	)
	switch action {
	case "join":
		g, err = s.games.Join(c, gameID, userID)
	case "start":
		g, err = s.games.Start(c, gameID, userID)
	default:
		g, err = s.games.Abandon(c, gameID, userID)
	}
	if err != nil {
		s.writeError(ctx, err, nil)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, gameDTO(g))
}

func (s *Server) handleMove(ctx *fasthttp.RequestCtx, userID, gameID string) {
	var body chessdto.MoveRequest
	if err := decodeBody(ctx, &body); err != nil {
		s.writeError(ctx, err, nil)
		return
	}
	requestID := strings.TrimSpace(body.RequestID)
	if requestID == "" {
		requestID = strings.TrimSpace(string(ctx.Request.Header.Peek("Idempotency-Key")))
	}
	from, to := body.Squares()

	c, cancel := s.reqContext()
	defer cancel()
	res, err := s.moves.ApplyMove(c, moves.Request{
		GameID:    gameID,
		UserID:    userID,
		From:      from,
		To:        to,
		Promotion: body.Promotion,
		RequestID: requestID,
	})
	if err != nil {
		s.writeError(ctx, err, map[string]string{"From": from, "To": to})
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, moveResponse(res))
}

func decodeBody(ctx *fasthttp.RequestCtx, dst any) error {
	body := ctx.PostBody()
	if len(strings.TrimSpace(string(body))) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("%w: malformed JSON body: %v", games.ErrInvalidInput, err)
	}
	return nil
}

func (s *Server) writeError(ctx *fasthttp.RequestCtx, err error, data map[string]string) {
	var de chessdto.DomainError
	var status int
	switch {
	case errors.Is(err, errRouteNotFound):
		de, status = chessdto.DomainError{Code: codeNotFound, Message: "not found"}, fasthttp.StatusNotFound
	case errors.Is(err, errMethodNotAllowed):
		de, status = chessdto.DomainError{Code: codeMethodNotAllowed, Message: "method not allowed"}, fasthttp.StatusMethodNotAllowed
	default:
		de, status = toDomainError(err)
		de.Message = s.messages.ErrorText(de.Code, data, de.Message)
	}
	if status >= fasthttp.StatusInternalServerError && de.Code != codeUnavailable {
		obslog.L().Error("http_error", zap.String("path", string(ctx.Path())), zap.String("code", de.Code), zap.Error(err))
	}
	writeJSON(ctx, status, chessdto.ErrorResponse{Error: de})
}

func writeJSON(ctx *fasthttp.RequestCtx, status int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		ctx.SetContentType("application/json")
		ctx.SetBodyString(`{"error":{"code":"INTERNAL","message":"internal error","retryable":true}}`)
		return
	}
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	ctx.SetBody(b)
}
