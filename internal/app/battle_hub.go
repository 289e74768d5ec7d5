package app

import (
	"context"
	"sync"

	"geoquest-engine/internal/domain"
)

// BattleNotifier receives every battle state the service writes.
type BattleNotifier interface {
	Notify(ctx context.Context, battle domain.Battle)
}

// BattleHub fans battle snapshots out to the websocket connections watching them.
type BattleHub struct {
	mu    sync.Mutex
	rooms map[string]map[chan domain.Battle]struct{}
}

func NewBattleHub() *BattleHub {
	return &BattleHub{rooms: make(map[string]map[chan domain.Battle]struct{})}
}

// Subscribe returns a channel of updates for battleID. The caller must invoke the returned
// cancel function to avoid leaks.
func (h *BattleHub) Subscribe(battleID string) (<-chan domain.Battle, func()) {
	ch := make(chan domain.Battle, 4)

	h.mu.Lock()
	room, ok := h.rooms[battleID]
	if !ok {
		room = make(map[chan domain.Battle]struct{})
		h.rooms[battleID] = room
	}
	room[ch] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		room, ok := h.rooms[battleID]
		if !ok {
			return
		}
		if _, ok := room[ch]; ok {
			delete(room, ch)
			close(ch)
		}
		if len(room) == 0 {
			delete(h.rooms, battleID)
		}
	}
	return ch, cancel
}

// Notify delivers battle to every subscriber of its room.
func (h *BattleHub) Notify(_ context.Context, battle domain.Battle) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.rooms[battle.ID] {
		select {
		case ch <- battle:
		default:
			// slow reader: drop the oldest snapshot, the newest one supersedes it
			select {
			case <-ch:
			default:
			}
			ch <- battle
		}
	}
}

// Watchers reports how many connections follow battleID.
func (h *BattleHub) Watchers(battleID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms[battleID])
}
