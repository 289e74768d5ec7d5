package redis

import (
	"context"
	"encoding/json"

	"geoquest-engine/internal/app"
	"geoquest-engine/internal/domain"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const battleChannel = "battle:updates"

// BattleFeed shares battle snapshots between instances over Redis pub/sub, so a player
// connected to one instance sees the settlement triggered on another.
type BattleFeed struct {
	client *redis.Client
	log    *zap.Logger
}

func NewBattleFeed(client *redis.Client, logger *zap.Logger) *BattleFeed {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BattleFeed{client: client, log: logger}
}

// Notify implements app.BattleNotifier by publishing the snapshot.
func (f *BattleFeed) Notify(ctx context.Context, battle domain.Battle) {
	raw, err := json.Marshal(battle)
	if err != nil {
		f.log.Warn("encode battle update", zap.String("battle", battle.ID), zap.Error(err))
		return
	}
	// best-effort: clients can always GET /battles/{id}
	if err := f.client.Publish(ctx, battleChannel, raw).Err(); err != nil {
		f.log.Warn("publish battle update", zap.String("battle", battle.ID), zap.Error(err))
	}
}

// Run relays published snapshots to sink until ctx is done. ready is closed once the
// subscription is active.
func (f *BattleFeed) Run(ctx context.Context, sink app.BattleNotifier, ready chan<- struct{}) error {
	sub := f.client.Subscribe(ctx, battleChannel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	if ready != nil {
		close(ready)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var battle domain.Battle
			if err := json.Unmarshal([]byte(msg.Payload), &battle); err != nil {
				f.log.Warn("decode battle update", zap.Error(err))
				continue
			}
			sink.Notify(ctx, battle)
		}
	}
}
