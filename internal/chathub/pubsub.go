package chathub

import (
	"context"
	"encoding/json"

	"onetimechat/backend/internal/models"
)

// StartPubSubListener subscribes to every room channel and feeds decoded
// events into PubSubCh until ctx is cancelled.
func (m *ManagerService) StartPubSubListener(ctx context.Context) {
	pubsub := m.Storage.SubscribeToAllRooms(ctx)

	go func() {
		<-ctx.Done()
		_ = pubsub.Close()
	}()

	go func() {
		for msg := range pubsub.Channel() {
			var ev models.Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				m.Log.Warn("bad event on room channel", "channel", msg.Channel, "err", err)
				continue
			}
			select {
			case m.PubSubCh <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
}
