// movecheck exercises a running server: a legal move, an idempotent
// resubmission with the same request id, then a race between two request
// ids for the next move.
package main

import (
	"context"
	"log"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/park285/chess-server/internal/apiclient"
	"github.com/park285/chess-server/internal/rules"
	"github.com/park285/chess-server/pkg/chessdto"
)

func main() {
	baseURL := getenvDefault("BASE_URL", "http://localhost:8080")
	gameID := strings.TrimSpace(os.Getenv("GAME_ID"))

	white := newClient(baseURL, "WHITE_TOKEN", "WHITE_USER", "movecheck-white")
	black := newClient(baseURL, "BLACK_TOKEN", "BLACK_USER", "movecheck-black")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if gameID == "" {
		gameID = seedGame(ctx, white, black)
	}

	game, err := white.GetGame(ctx, gameID)
	if err != nil {
		log.Fatalf("get game: %v", err)
	}
	log.Printf("game %s turn=%s fen=%s", game.ID, game.Turn, game.FEN)

	mover, other := white, black
	if game.Turn == "b" {
		mover, other = black, white
	}

	mv := chooseMove(game.FEN)
	reqID := "test-" + uuid.NewString()
	log.Printf("posting %s%s%s with request_id %s", mv.From, mv.To, mv.Promotion, reqID)
	mv.RequestID = reqID
	first, err := mover.Move(ctx, gameID, mv)
	if err != nil {
		log.Fatalf("first move: %v", err)
	}
	log.Printf("first: move_id=%d san=%s idempotent=%v status=%s", first.Move.ID, first.Move.SAN, first.Idempotent, first.Status)

	retry, err := mover.Move(ctx, gameID, mv)
	if err != nil {
		log.Fatalf("retry: %v", err)
	}
	log.Printf("retry: move_id=%d idempotent=%v", retry.Move.ID, retry.Idempotent)
	if !retry.Idempotent || retry.Move.ID != first.Move.ID {
		log.Fatalf("retry with the same request_id did not return the original move")
	}

	if first.Status != "active" {
		log.Printf("game finished (%s); skipping race", first.Status)
		return
	}

	next := chooseMove(first.FEN)
	var results [2]error
	var g errgroup.Group
	for i := range results {
		m := next
		m.RequestID = "race-" + uuid.NewString()
		g.Go(func() error {
			_, results[i] = other.Move(ctx, gameID, m)
			return nil
		})
	}
	_ = g.Wait()

	wins := 0
	for i, err := range results {
		if err == nil {
			wins++
			log.Printf("race %d: committed", i)
			continue
		}
		log.Printf("race %d: rejected code=%s (%v)", i, apiclient.Code(err), err)
	}
	if wins != 1 {
		log.Fatalf("race: expected exactly one commit, got %d", wins)
	}
	log.Println("done")
}

func newClient(baseURL, tokenEnv, userEnv, defUser string) *apiclient.Client {
	headers := apiclient.UserHeaders(getenvDefault(userEnv, defUser))
	if tok := strings.TrimSpace(os.Getenv(tokenEnv)); tok != "" {
		headers = apiclient.BearerHeaders(tok)
	}
	return apiclient.NewClient(baseURL, apiclient.WithHeaderProvider(headers), apiclient.WithTimeout(8*time.Second))
}

func seedGame(ctx context.Context, white, black *apiclient.Client) string {
	g, err := white.CreateGame(ctx, chessdto.CreateGameRequest{})
	if err != nil {
		log.Fatalf("create game: %v", err)
	}
	if _, err := black.JoinGame(ctx, g.ID); err != nil {
		log.Fatalf("join game: %v", err)
	}
	if _, err := white.StartGame(ctx, g.ID); err != nil {
		log.Fatalf("start game: %v", err)
	}
	log.Printf("seeded game %s", g.ID)
	return g.ID
}

// chooseMove prefers a promotion, then the first legal move.
func chooseMove(fen string) chessdto.MoveRequest {
	if fen == "" || fen == "startpos" {
		fen = rules.StartFEN
	}
	pos, err := rules.Standard{}.NewPosition(fen)
	if err != nil {
		log.Fatalf("parse fen %q: %v", fen, err)
	}
	legal := pos.LegalMoves()
	if len(legal) == 0 {
		log.Fatalf("no legal moves in %s", fen)
	}
	pick := legal[0]
	for _, uci := range legal {
		if len(uci) == 5 {
			pick = uci
			break
		}
	}
	return chessdto.MoveRequest{From: pick[0:2], To: pick[2:4], Promotion: pick[4:]}
}

func getenvDefault(k, def string) string {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v
	}
	return def
}
