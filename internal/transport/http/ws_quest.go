package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"geoquest-engine/internal/app"
	"geoquest-engine/internal/domain"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type questStarted struct {
	BundleID string       `json:"bundleId"`
	UnitID   string       `json:"unitId"`
	Mode     domain.Mode  `json:"mode"`
	Tasks    []publicTask `json:"tasks"`
}

// outbox serializes writes to one connection. Only the writer goroutine touches conn for writing.
type outbox struct {
	send chan outboundMessage[any]
	done chan struct{}
}

func (h *Handler) openOutbox(conn *websocket.Conn) *outbox {
	o := &outbox{send: make(chan outboundMessage[any], 16), done: make(chan struct{})}
	go func() {
		defer close(o.done)
		for msg := range o.send {
			if err := conn.WriteJSON(msg); err != nil {
				h.log.Debug("ws write failed", zap.Error(err))
				// unblock the read loop
				_ = conn.Close()
				return
			}
		}
	}()
	return o
}

func (o *outbox) push(msg outboundMessage[any]) {
	select {
	case o.send <- msg:
	case <-o.done:
	}
}

// close must only be called once nothing pushes anymore.
func (o *outbox) close() {
	close(o.send)
	<-o.done
}

func (h *Handler) newLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Limit(h.limits.AnswersPerSecond), h.limits.Burst)
}

// ServeQuestWS plays one solo run over a websocket: the client answers the current task, gets
// an answerResult per submission and a completed message carrying the award and tile change.
func (h *Handler) ServeQuestWS(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	userID := q.Get("userId")
	unitID := q.Get("unitId")
	mode := domain.Mode(q.Get("mode"))
	if mode == "" {
		mode = domain.ModeStandard
	}
	if userID == "" || unitID == "" {
		http.Error(w, "missing userId or unitId", http.StatusBadRequest)
		return
	}
	if !mode.Valid() {
		http.Error(w, "unknown mode", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("ws upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()
	ctx := r.Context()

	run, err := h.startQuest(ctx, userID, unitID, mode)
	if err != nil {
		_ = conn.WriteJSON(errorMessage(err))
		return
	}
	log := h.log.With(zap.String("user", userID), zap.String("unit", unitID), zap.String("mode", string(mode)))
	log.Debug("quest started", zap.String("bundle", run.Bundle().ID))

	out := h.openOutbox(conn)
	out.push(outboundMessage[any]{Type: "started", Payload: questStarted{
		BundleID: run.Bundle().ID,
		UnitID:   unitID,
		Mode:     mode,
		Tasks:    publicTasks(run.Bundle().Tasks),
	}})

	limiter := h.newLimiter()
	for {
		var inbound inboundMessage
		if err := conn.ReadJSON(&inbound); err != nil {
			break
		}
		switch inbound.Type {
		case "answer":
			if !limiter.Allow() {
				out.push(errorMessage(domain.ErrRateLimited))
				continue
			}
			var payload answerPayload
			if err := json.Unmarshal(inbound.Payload, &payload); err != nil {
				out.push(errorMessage(fmt.Errorf("%w: invalid answer payload", domain.ErrInvalidArgument)))
				continue
			}
			outcome, err := run.Answer(ctx, payload.TaskID, payload.Answer)
			if err != nil {
				out.push(errorMessage(err))
				continue
			}
			out.push(outboundMessage[any]{Type: "answerResult", Payload: outcome})
			if !outcome.Completed {
				continue
			}
			result, err := h.progression.CompleteQuest(ctx, userID, unitID, mode, *outcome.Summary)
			if err != nil {
				log.Warn("quest completion failed", zap.Error(err))
				out.push(errorMessage(err))
				continue
			}
			log.Info("quest completed", zap.Int("correct", result.Summary.CorrectCount), zap.Int("awarded", result.Award.Delta+result.BountyBonus))
			out.push(outboundMessage[any]{Type: "completed", Payload: result})
		default:
			out.push(errorMessage(fmt.Errorf("%w: unsupported message type %q", domain.ErrInvalidArgument, inbound.Type)))
		}
	}

	out.close()
}

func (h *Handler) startQuest(ctx context.Context, userID, unitID string, mode domain.Mode) (*app.QuestRun, error) {
	if _, err := h.users.EnsureUser(ctx, userID, h.startingCoins); err != nil {
		return nil, err
	}
	bundle, err := h.loadBundle(ctx, unitID, mode)
	if err != nil {
		return nil, err
	}
	if mode == domain.ModeBounty {
		paid, err := h.progression.ConsumeBountyTicket(ctx, userID, unitID)
		if err != nil {
			return nil, err
		}
		if !paid {
			return nil, fmt.Errorf("%w: no paid bounty attempt for %s", domain.ErrInvalidTransition, unitID)
		}
	}
	return app.NewQuestRun(bundle, mode, h.evaluator)
}
