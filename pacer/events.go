package pacer

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"
	log "github.com/sirupsen/logrus"
)

const (
	channelBudgetUpdates   = "budget_updates"
	channelCampaignChanges = "campaigns:changes"
)

// Event names carried alongside spend updates on budget_updates.
const (
	EventBudgetReset          = "BUDGET_RESET"
	EventPersistenceDegraded  = "PERSISTENCE_DEGRADED"
	EventPersistenceRecovered = "PERSISTENCE_RECOVERED"
)

// BudgetEvent is the payload fanned out on budget_updates. Plain spend
// updates leave Event empty; admin and bridge lifecycle events set it.
type BudgetEvent struct {
	CampaignID    string              `json:"campaign_id,omitempty"`
	DaySpentCents int64               `json:"day_spent_cents"`
	BreakerState  CircuitBreakerState `json:"breaker_state,omitempty"`
	TS            time.Time           `json:"ts"`
	Event         string              `json:"event,omitempty"`
}

// publishEvent fans one event out to downstream listeners. Fire and forget:
// pacing never depends on anyone listening.
func publishEvent(ctx context.Context, rdb *redis.Client, ev BudgetEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := rdb.Publish(ctx, channelBudgetUpdates, payload).Err(); err != nil {
		log.WithError(err).Debug("Failed to publish budget event")
	}
}

type campaignChange struct {
	ID      string `json:"id"`
	Version int64  `json:"version"`
}

// watchCampaignChanges evicts and reloads registry entries named on the
// catalog change feed. Runs until stop closes.
func watchCampaignChanges(rdb *redis.Client, registry *Registry, stop <-chan struct{}) {
	sub := rdb.Subscribe(context.Background(), channelCampaignChanges)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var change campaignChange
			if err := json.Unmarshal([]byte(msg.Payload), &change); err != nil {
				log.WithError(err).Warn("Malformed campaign change notification")
				continue
			}
			if change.ID == "" {
				continue
			}
			log.WithFields(log.Fields{
				"campaign_id": change.ID,
				"version":     change.Version,
			}).Debug("Campaign change notification")
			registry.Invalidate(change.ID)
		case <-stop:
			return
		}
	}
}
