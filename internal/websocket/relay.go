package websocket

import (
	"context"
	"encoding/json"
	"log"

	"github.com/go-redis/redis/v8"
)

const relayChannel = "job-updates"

type relayEnvelope struct {
	UserID string    `json:"user_id"`
	Update JobUpdate `json:"update"`
}

// Relay forwards job updates through redis pub/sub so that updates
// produced in the worker process reach websocket clients attached to the
// API process.
type Relay struct {
	rdb *redis.Client
}

func NewRelay(rdb *redis.Client) *Relay {
	return &Relay{rdb: rdb}
}

// Publish sends an update for the user into the relay channel. Updates
// for anonymous jobs have no subscriber and are not published.
func (r *Relay) Publish(ctx context.Context, userID string, update JobUpdate) {
	if userID == "" {
		return
	}
	payload, err := json.Marshal(relayEnvelope{UserID: userID, Update: update})
	if err != nil {
		return
	}
	if err := r.rdb.Publish(ctx, relayChannel, payload).Err(); err != nil {
		log.Printf("websocket relay: publishing update for job %s: %v", update.JobID, err)
	}
}

// Run subscribes to the relay channel and feeds received updates into the
// hub. It blocks until ctx is cancelled.
func (r *Relay) Run(ctx context.Context, hub *Hub) {
	sub := r.rdb.Subscribe(ctx, relayChannel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var env relayEnvelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				log.Printf("websocket relay: dropping malformed update: %v", err)
				continue
			}
			hub.BroadcastJob(env.UserID, env.Update)
		}
	}
}
