/*
Copyright 2026 The Tarka Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package queue is the message-queue boundary between the webhook receiver
// and the job worker.
//
// Queue-level dedupe is authoritative: Publish reports whether the message
// was actually enqueued, and a msg-id seen within the dedupe TTL is dropped
// at the queue, not at the receiver. The Redis implementation uses a SETNX
// guard plus a stream; consumers read through a consumer group.
package queue

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-logr/logr"
	"github.com/redis/go-redis/v9"
)

// Message is one dequeued queue entry.
type Message struct {
	// StreamID is the queue-native entry id (used for acking).
	StreamID string
	// MsgID is the deterministic dedupe id computed by the identity algebra.
	MsgID string
	// Body is the serialized AlertJob.
	Body []byte
}

// Handler processes one message. Errors are logged, never retried; the
// message is acked regardless (workers retry nothing).
type Handler func(ctx context.Context, msg Message) error

// Queue is the publish/consume surface.
type Queue interface {
	// Publish enqueues body under msgID. Returns false when the msg-id was
	// already seen within the dedupe window.
	Publish(ctx context.Context, msgID string, body []byte) (bool, error)
	// Consume blocks, dispatching messages to handler until ctx is done.
	Consume(ctx context.Context, consumerName string, handler Handler) error
	// Ping verifies connectivity. The receiver fails fast when the queue is
	// unreachable: it must not accept traffic it cannot durably queue.
	Ping(ctx context.Context) error
}

const (
	defaultStream    = "tarka:alerts"
	defaultGroup     = "tarka-workers"
	dedupeKeyPrefix  = "tarka:msgid:"
	defaultDedupeTTL = 5 * time.Hour // outlives the 4h dedupe bucket
	readBlock        = 5 * time.Second
)

// Redis is the production Queue over Redis Streams.
type Redis struct {
	client    *redis.Client
	stream    string
	group     string
	dedupeTTL time.Duration
	logger    logr.Logger
}

// NewRedis builds a Redis-backed queue.
func NewRedis(client *redis.Client, logger logr.Logger) *Redis {
	return &Redis{
		client:    client,
		stream:    defaultStream,
		group:     defaultGroup,
		dedupeTTL: defaultDedupeTTL,
		logger:    logger.WithName("queue"),
	}
}

// Ping implements Queue.
func (q *Redis) Ping(ctx context.Context) error {
	if err := q.client.Ping(ctx).Err(); err != nil {
		return errors.Wrap(err, "redis ping")
	}
	return nil
}

// Publish implements Queue. The SETNX guard makes queue-level dedupe
// authoritative across receiver replicas.
func (q *Redis) Publish(ctx context.Context, msgID string, body []byte) (bool, error) {
	fresh, err := q.client.SetNX(ctx, dedupeKeyPrefix+msgID, 1, q.dedupeTTL).Result()
	if err != nil {
		return false, errors.Wrap(err, "dedupe setnx")
	}
	if !fresh {
		return false, nil
	}
	err = q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		Values: map[string]any{"msg_id": msgID, "body": body},
	}).Err()
	if err != nil {
		return false, errors.Wrap(err, "xadd")
	}
	return true, nil
}

// Consume implements Queue. Each message is acked after the handler returns,
// success or not: failed investigations are logged, never retried.
func (q *Redis) Consume(ctx context.Context, consumerName string, handler Handler) error {
	if err := q.ensureGroup(ctx); err != nil {
		return err
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.group,
			Consumer: consumerName,
			Streams:  []string{q.stream, ">"},
			Count:    1,
			Block:    readBlock,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			q.logger.Error(err, "xreadgroup failed, backing off")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}

		for _, stream := range streams {
			for _, entry := range stream.Messages {
				msg := Message{StreamID: entry.ID}
				if v, ok := entry.Values["msg_id"].(string); ok {
					msg.MsgID = v
				}
				if v, ok := entry.Values["body"].(string); ok {
					msg.Body = []byte(v)
				}

				if err := handler(ctx, msg); err != nil {
					q.logger.Error(err, "message handler failed", "msg_id", msg.MsgID)
				}
				if err := q.client.XAck(ctx, q.stream, q.group, entry.ID).Err(); err != nil {
					q.logger.Error(err, "xack failed", "stream_id", entry.ID)
				}
			}
		}
	}
}

func (q *Redis) ensureGroup(ctx context.Context) error {
	err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
	if err != nil && !isBusyGroup(err) {
		return errors.Wrap(err, "create consumer group")
	}
	return nil
}

func isBusyGroup(err error) bool {
	return err != nil && len(err.Error()) >= 9 && err.Error()[:9] == "BUSYGROUP"
}
