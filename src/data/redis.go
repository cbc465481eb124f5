// Package data holds external data-plumbing helpers. The redis mirror is
// optional: when configured, every bus event is copied onto a stream so
// dashboards and other processes can follow the agent live.
package data

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stake-plus/gosling/src/events"
)

const eventStream = "gosling.events"

func MustRedis(url string) *redis.Client {
	opt, err := redis.ParseURL(url)
	if err != nil {
		log.Fatalf("redis: %v", err)
	}
	return redis.NewClient(opt)
}

func PublishEvent(ctx context.Context, rdb *redis.Client, ev events.Event) error {
	_, err := rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: eventStream,
		MaxLen: 10000,
		Approx: true,
		Values: map[string]interface{}{
			"id":       ev.ID,
			"type":     ev.Type,
			"source":   ev.Source,
			"severity": string(ev.Severity),
			"message":  ev.Message,
			"ts":       ev.Timestamp.UnixMilli(),
		},
	}).Result()
	return err
}

// MirrorEvents subscribes a bus handler that copies events to redis without
// ever blocking the publisher. Returns the unsubscribe func.
func MirrorEvents(bus *events.Bus, rdb *redis.Client) func() {
	return bus.Subscribe(func(ev events.Event) {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := PublishEvent(ctx, rdb, ev); err != nil {
				log.Printf("data: mirror event: %v", err)
			}
		}()
	})
}
