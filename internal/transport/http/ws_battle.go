package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"geoquest-engine/internal/app"
	"geoquest-engine/internal/domain"
	"go.uber.org/zap"
)

// ServeBattleWS lets a participant play their turn of a battle and follow the other side.
// The run starts on an explicit "start" message (or the first answer) so that the elapsed
// time only covers answering. A turn can be started once; disconnecting mid-run submits it
// with the unanswered tasks counted as mistakes. Every stored battle change is pushed as
// "battle"; the final state arrives as "settled".
func (h *Handler) ServeBattleWS(w http.ResponseWriter, r *http.Request) {
	battleID := r.URL.Query().Get("battleId")
	userID := r.URL.Query().Get("userId")
	if battleID == "" || userID == "" {
		http.Error(w, "missing battleId or userId", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("ws upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()
	ctx := r.Context()

	// Subscribe before the first read so no update between the two is lost.
	updates, cancel := h.hub.Subscribe(battleID)
	defer cancel()

	battle, err := h.battles.Get(ctx, battleID)
	if err == nil && !battle.IsParticipant(userID) {
		err = domain.ErrNotParticipant
	}
	if err != nil {
		_ = conn.WriteJSON(errorMessage(err))
		return
	}

	out := h.openOutbox(conn)
	closeSignals := make(chan struct{})
	updatesDone := make(chan struct{})

	go func() {
		defer close(updatesDone)
		for {
			select {
			case update, ok := <-updates:
				if !ok {
					return
				}
				typ := "battle"
				if update.Status == domain.BattleFinished {
					typ = "settled"
				}
				select {
				case out.send <- outboundMessage[any]{Type: typ, Payload: viewBattle(update)}:
				case <-out.done:
					return
				case <-closeSignals:
					return
				}
			case <-closeSignals:
				return
			}
		}
	}()

	out.push(outboundMessage[any]{Type: "joined", Payload: viewBattle(battle)})

	var (
		run      *app.QuestRun
		finished bool
	)
	limiter := h.newLimiter()
	for {
		var inbound inboundMessage
		if err := conn.ReadJSON(&inbound); err != nil {
			break
		}
		switch inbound.Type {
		case "start":
			if run != nil {
				continue
			}
			if run, err = h.startTurn(ctx, battleID, userID); err != nil {
				out.push(errorMessage(err))
				continue
			}
			out.push(outboundMessage[any]{Type: "started", Payload: publicTasks(run.Bundle().Tasks)})
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
			if run == nil {
				if run, err = h.startTurn(ctx, battleID, userID); err != nil {
					out.push(errorMessage(err))
					continue
				}
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
			finished = true
			updated, err := h.battles.SubmitTurn(ctx, battleID, userID, *outcome.Summary)
			if err != nil {
				h.log.Warn("battle turn rejected", zap.String("battle", battleID), zap.String("player", userID), zap.Error(err))
				out.push(errorMessage(err))
				continue
			}
			out.push(outboundMessage[any]{Type: "turnRecorded", Payload: viewBattle(updated)})
		default:
			out.push(errorMessage(fmt.Errorf("%w: unsupported message type %q", domain.ErrInvalidArgument, inbound.Type)))
		}
	}

	if run != nil && !finished {
		summary := run.Abandon()
		if _, err := h.battles.SubmitTurn(context.WithoutCancel(ctx), battleID, userID, summary); err != nil {
			h.log.Warn("abandoned battle turn not recorded", zap.String("battle", battleID), zap.String("player", userID), zap.Error(err))
		} else {
			h.log.Info("abandoned battle turn recorded", zap.String("battle", battleID), zap.String("player", userID), zap.Int("correct", summary.CorrectCount))
		}
	}

	close(closeSignals)
	<-updatesDone
	out.close()
}

// startTurn records the start in the stored battle, so a connection opened while pending can
// play once accepted and a second connection cannot replay the turn. Battle runs are judged
// locally so both sides face the same rules.
func (h *Handler) startTurn(ctx context.Context, battleID, userID string) (*app.QuestRun, error) {
	battle, err := h.battles.StartTurn(ctx, battleID, userID)
	if err != nil {
		return nil, err
	}
	return app.NewQuestRun(battle.TaskBundle, domain.ModeStandard, nil)
}
