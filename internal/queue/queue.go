// Package queue carries job identifiers from intake to the dispatch
// workers over a Redis list.
//
// Publish pushes onto the pending list. Receive atomically moves the oldest
// entry onto a processing list, and Ack removes it from there once the job
// pass is persisted. Entries a crashed consumer never acknowledged stay on
// the processing list until Recover pushes them back, so delivery is
// at-least-once and consumers must tolerate redelivery.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Message is the queue payload.
type Message struct {
	JobID      string    `json:"jobId"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
}

// Delivery is a received message that must be acknowledged.
type Delivery struct {
	Message
	raw string
}

var ErrMalformed = errors.New("malformed queue message")

type Redis struct {
	client        *redis.Client
	key           string
	processingKey string
	now           func() time.Time
}

func NewRedis(client *redis.Client, key string) *Redis {
	return &Redis{
		client:        client,
		key:           key,
		processingKey: key + ":processing",
		now:           time.Now,
	}
}

// Publish enqueues a job identifier.
func (q *Redis) Publish(ctx context.Context, jobID string) error {
	payload, err := json.Marshal(Message{JobID: jobID, EnqueuedAt: q.now().UTC()})
	if err != nil {
		return err
	}
	if err := q.client.LPush(ctx, q.key, payload).Err(); err != nil {
		return fmt.Errorf("publish job %s: %w", jobID, err)
	}
	return nil
}

// Receive blocks up to timeout for the next message. It returns nil, nil
// when the queue stayed empty.
func (q *Redis) Receive(ctx context.Context, timeout time.Duration) (*Delivery, error) {
	raw, err := q.client.BRPopLPush(ctx, q.key, q.processingKey, timeout).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("receive: %w", err)
	}

	d := &Delivery{raw: raw}
	if err := json.Unmarshal([]byte(raw), &d.Message); err != nil || d.JobID == "" {
		_ = q.Ack(ctx, d)
		return nil, fmt.Errorf("%w: %q", ErrMalformed, raw)
	}
	return d, nil
}

// Ack removes a delivery from the processing list.
func (q *Redis) Ack(ctx context.Context, d *Delivery) error {
	if err := q.client.LRem(ctx, q.processingKey, 1, d.raw).Err(); err != nil {
		return fmt.Errorf("ack job %s: %w", d.JobID, err)
	}
	return nil
}

// Recover moves every unacknowledged delivery back onto the pending list.
// Run it before consumers start.
func (q *Redis) Recover(ctx context.Context) (int, error) {
	moved := 0
	for {
		err := q.client.RPopLPush(ctx, q.processingKey, q.key).Err()
		if errors.Is(err, redis.Nil) {
			return moved, nil
		}
		if err != nil {
			return moved, fmt.Errorf("recover: %w", err)
		}
		moved++
	}
}

// Len reports the pending and processing list lengths.
func (q *Redis) Len(ctx context.Context) (pending, processing int64, err error) {
	if pending, err = q.client.LLen(ctx, q.key).Result(); err != nil {
		return 0, 0, err
	}
	processing, err = q.client.LLen(ctx, q.processingKey).Result()
	return pending, processing, err
}
