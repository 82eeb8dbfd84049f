// Package alert fans anomaly response records out to an external Redis
// instance: a capped list for dashboards polling recent alerts, and a
// pub/sub channel for live subscribers. The sink is optional; without a
// configured Redis the engine runs unchanged.
package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/ssd-technologies/driftwatch/internal/respond"
)

const (
	// LatestAlertsKey is the capped list of recent alerts.
	LatestAlertsKey = "driftwatch:alerts:latest"
	// AlertChannel is the pub/sub channel live subscribers listen on.
	AlertChannel = "driftwatch:alerts"
	// latestAlertsCap bounds the alert list.
	latestAlertsCap = 999
)

// RedisSink publishes response records to Redis.
type RedisSink struct {
	client *redis.Client
	ctx    context.Context
}

// NewRedisSink connects to Redis at addr and verifies the connection.
func NewRedisSink(addr, password string, db int) (*RedisSink, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisSink{client: client, ctx: ctx}, nil
}

// Dial connects to Redis with retries, backing off linearly between
// attempts. A slow-starting Redis should not take the service down with
// it; after the last attempt the error is returned and the caller
// decides whether to run without the sink.
func Dial(addr, password string, db, attempts int, backoff time.Duration) (*RedisSink, error) {
	var err error
	for i := 0; i < attempts; i++ {
		var sink *RedisSink
		sink, err = NewRedisSink(addr, password, db)
		if err == nil {
			return sink, nil
		}
		log.Printf("[alert] redis connection attempt %d/%d failed: %v", i+1, attempts, err)
		if i < attempts-1 {
			time.Sleep(backoff * time.Duration(i+1))
		}
	}
	return nil, err
}

// Publish pushes one record to the capped list and the pub/sub channel.
func (s *RedisSink) Publish(rec *respond.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	pipe := s.client.Pipeline()
	pipe.LPush(s.ctx, LatestAlertsKey, data)
	pipe.LTrim(s.ctx, LatestAlertsKey, 0, latestAlertsCap)
	pipe.Publish(s.ctx, AlertChannel, data)

	if _, err := pipe.Exec(s.ctx); err != nil {
		return fmt.Errorf("publish alert: %w", err)
	}
	return nil
}

// Sink adapts Publish to the engine's sink signature. Publish failures
// are logged, never propagated into the pipeline.
func (s *RedisSink) Sink(rec *respond.Record) {
	if err := s.Publish(rec); err != nil {
		log.Printf("[alert] redis publish failed for record %s: %v", rec.ID, err)
	}
}

// Latest returns up to count recent alerts, newest first.
func (s *RedisSink) Latest(count int64) ([]*respond.Record, error) {
	data, err := s.client.LRange(s.ctx, LatestAlertsKey, 0, count-1).Result()
	if err != nil {
		return nil, fmt.Errorf("get latest alerts: %w", err)
	}

	recs := make([]*respond.Record, 0, len(data))
	for _, d := range data {
		rec := &respond.Record{}
		if err := json.Unmarshal([]byte(d), rec); err != nil {
			continue
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// Ping verifies the Redis connection.
func (s *RedisSink) Ping() error {
	return s.client.Ping(s.ctx).Err()
}

// Close closes the Redis connection.
func (s *RedisSink) Close() error {
	return s.client.Close()
}
