package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"geoquest-engine/internal/app"
	"geoquest-engine/internal/config"
	"geoquest-engine/internal/domain"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Deps bundles what the handlers need from the application layer.
type Deps struct {
	Progression *app.ProgressionService
	Battles     *app.BattleService
	Hub         *app.BattleHub
	Bundles     app.BundleRepository
	Users       app.UserRepository
	// Evaluator may be nil; high-stakes free text is then judged locally.
	Evaluator     app.Evaluator
	StartingCoins int
	Units         []string
	Limits        config.Limits
	Logger        *zap.Logger
}

// Handler serves the quest and battle websockets and the REST endpoints around them.
type Handler struct {
	progression   *app.ProgressionService
	battles       *app.BattleService
	hub           *app.BattleHub
	bundles       app.BundleRepository
	users         app.UserRepository
	evaluator     app.Evaluator
	startingCoins int
	units         []string
	limits        config.Limits
	log           *zap.Logger
	upgrader      websocket.Upgrader
}

func NewHandler(d Deps) *Handler {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	limits := d.Limits
	if limits.AnswersPerSecond <= 0 {
		limits.AnswersPerSecond = 5
	}
	if limits.Burst <= 0 {
		limits.Burst = 10
	}
	return &Handler{
		progression:   d.Progression,
		battles:       d.Battles,
		hub:           d.Hub,
		bundles:       d.Bundles,
		users:         d.Users,
		evaluator:     d.Evaluator,
		startingCoins: d.StartingCoins,
		units:         d.Units,
		limits:        limits,
		log:           logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Register mounts every route on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws/quest", h.ServeQuestWS)
	mux.HandleFunc("GET /ws/battle", h.ServeBattleWS)
	mux.HandleFunc("POST /battles", h.createBattle)
	mux.HandleFunc("GET /battles/{id}", h.getBattle)
	mux.HandleFunc("POST /battles/{id}/accept", h.acceptBattle)
	mux.HandleFunc("POST /battles/{id}/settle", h.settleBattle)
	mux.HandleFunc("POST /bounties", h.startBounty)
	mux.HandleFunc("GET /users/{id}/tiles", h.userTiles)
}

type inboundMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type answerPayload struct {
	TaskID string        `json:"taskId"`
	Answer domain.Answer `json:"answer"`
}

type outboundMessage[T any] struct {
	Type    string `json:"type"`
	Payload T      `json:"payload"`
}

type errorPayload struct {
	Code      domain.Code `json:"code"`
	Message   string      `json:"message"`
	Retryable bool        `json:"retryable"`
}

func errorOf(err error) errorPayload {
	return errorPayload{Code: domain.CodeOf(err), Message: err.Error(), Retryable: domain.Retryable(err)}
}

func errorMessage(err error) outboundMessage[any] {
	return outboundMessage[any]{Type: "error", Payload: errorOf(err)}
}

// publicTask is a task as the client sees it: no correct answer, no tolerances.
type publicTask struct {
	ID     string          `json:"id"`
	Kind   domain.TaskKind `json:"kind"`
	Prompt string          `json:"prompt,omitempty"`
}

func publicTasks(tasks []domain.Task) []publicTask {
	out := make([]publicTask, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, publicTask{ID: t.ID, Kind: t.Kind, Prompt: t.Prompt})
	}
	return out
}

type battleView struct {
	ID                string                  `json:"id"`
	ChallengerID      string                  `json:"challengerId"`
	OpponentID        string                  `json:"opponentId,omitempty"`
	Stake             int                     `json:"stake"`
	RoundCount        int                     `json:"roundCount"`
	UnitID            string                  `json:"unitId"`
	Tasks             []publicTask            `json:"tasks"`
	Status            domain.BattleStatus     `json:"status"`
	ChallengerSummary *domain.QuestRunSummary `json:"challengerSummary,omitempty"`
	OpponentSummary   *domain.QuestRunSummary `json:"opponentSummary,omitempty"`
	WinnerID          string                  `json:"winnerId,omitempty"`
	ResultReason      domain.ResultReason     `json:"resultReason,omitempty"`
}

func viewBattle(b domain.Battle) battleView {
	return battleView{
		ID:                b.ID,
		ChallengerID:      b.ChallengerID,
		OpponentID:        b.OpponentID,
		Stake:             b.Stake,
		RoundCount:        b.RoundCount,
		UnitID:            b.TaskBundle.UnitID,
		Tasks:             publicTasks(b.TaskBundle.Tasks),
		Status:            b.Status,
		ChallengerSummary: b.ChallengerSummary,
		OpponentSummary:   b.OpponentSummary,
		WinnerID:          b.WinnerID,
		ResultReason:      b.ResultReason,
	}
}

// loadBundle fetches the bundle for unitID in mode, falling back to the unit's standard
// bundle when no mode-specific one exists.
func (h *Handler) loadBundle(ctx context.Context, unitID string, mode domain.Mode) (domain.TaskBundle, error) {
	bundle, err := h.bundles.GetBundle(ctx, domain.BundleID(unitID, mode))
	if errors.Is(err, domain.ErrBundleNotFound) && mode != domain.ModeStandard {
		bundle, err = h.bundles.GetBundle(ctx, domain.BundleID(unitID, domain.ModeStandard))
	}
	if err != nil {
		return domain.TaskBundle{}, fmt.Errorf("load bundle for %s: %w", unitID, err)
	}
	return bundle, nil
}

func statusOf(code domain.Code) int {
	switch code {
	case domain.CodeNotFound:
		return http.StatusNotFound
	case domain.CodeBadRequest:
		return http.StatusBadRequest
	case domain.CodeInsufficientFunds:
		return http.StatusPaymentRequired
	case domain.CodeStale, domain.CodeInvalidTransition:
		return http.StatusConflict
	case domain.CodeNoPermission:
		return http.StatusForbidden
	case domain.CodeEvaluatorUnavailable:
		return http.StatusServiceUnavailable
	case domain.CodeRateLimit:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	payload := errorOf(err)
	status := statusOf(payload.Code)
	if status == http.StatusInternalServerError {
		h.log.Error("request failed", zap.String("method", r.Method), zap.String("path", r.URL.Path), zap.Error(err))
		payload.Message = "internal error"
	}
	writeJSON(w, status, payload)
}

func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err)
	}
	return nil
}
