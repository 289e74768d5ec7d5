package http

import (
	"fmt"
	"net/http"

	"geoquest-engine/internal/domain"
)

type createBattleRequest struct {
	ChallengerID string      `json:"challengerId"`
	UnitID       string      `json:"unitId"`
	Mode         domain.Mode `json:"mode,omitempty"`
	Stake        int         `json:"stake"`
	RoundCount   int         `json:"roundCount,omitempty"`
}

type acceptBattleRequest struct {
	OpponentID string `json:"opponentId"`
}

type bountyRequest struct {
	UserID string `json:"userId"`
	UnitID string `json:"unitId"`
}

func (h *Handler) createBattle(w http.ResponseWriter, r *http.Request) {
	var req createBattleRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.UnitID == "" {
		h.writeError(w, r, fmt.Errorf("%w: unitId required", domain.ErrInvalidArgument))
		return
	}
	if req.Mode == "" {
		req.Mode = domain.ModeStandard
	}
	if !req.Mode.Valid() {
		h.writeError(w, r, fmt.Errorf("%w: unknown mode %q", domain.ErrInvalidArgument, req.Mode))
		return
	}
	ctx := r.Context()
	if req.ChallengerID != "" {
		if _, err := h.users.EnsureUser(ctx, req.ChallengerID, h.startingCoins); err != nil {
			h.writeError(w, r, err)
			return
		}
	}
	bundle, err := h.loadBundle(ctx, req.UnitID, req.Mode)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	battle, err := h.battles.Create(ctx, req.ChallengerID, req.Stake, req.RoundCount, bundle)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewBattle(battle))
}

func (h *Handler) getBattle(w http.ResponseWriter, r *http.Request) {
	battle, err := h.battles.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewBattle(battle))
}

func (h *Handler) acceptBattle(w http.ResponseWriter, r *http.Request) {
	var req acceptBattleRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	ctx := r.Context()
	if req.OpponentID != "" {
		if _, err := h.users.EnsureUser(ctx, req.OpponentID, h.startingCoins); err != nil {
			h.writeError(w, r, err)
			return
		}
	}
	battle, err := h.battles.Accept(ctx, r.PathValue("id"), req.OpponentID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewBattle(battle))
}

// settleBattle is idempotent: settling a finished battle returns the stored result.
func (h *Handler) settleBattle(w http.ResponseWriter, r *http.Request) {
	battle, err := h.battles.Settle(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewBattle(battle))
}

// startBounty charges the entry fee. The paid attempt is redeemed by opening /ws/quest with
// mode=bounty for the same user and unit.
func (h *Handler) startBounty(w http.ResponseWriter, r *http.Request) {
	var req bountyRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.UserID == "" || req.UnitID == "" {
		h.writeError(w, r, fmt.Errorf("%w: userId and unitId required", domain.ErrInvalidArgument))
		return
	}
	ctx := r.Context()
	if _, err := h.users.EnsureUser(ctx, req.UserID, h.startingCoins); err != nil {
		h.writeError(w, r, err)
		return
	}
	attempt, err := h.progression.StartBounty(ctx, req.UserID, req.UnitID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, attempt)
}

func (h *Handler) userTiles(w http.ResponseWriter, r *http.Request) {
	units := r.URL.Query()["unit"]
	if len(units) == 0 {
		units = h.units
	}
	overview, err := h.progression.Overview(r.Context(), r.PathValue("id"), units)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, overview)
}
