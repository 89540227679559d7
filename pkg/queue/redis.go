package queue

import (
	"context"
	"displaywallet/pkg/logger"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const defaultMaxLen = 10000

// Handler processes one message. Returning nil ACKs it; an error leaves it
// pending so it is reclaimed later.
type Handler func(messageID string, data []byte) error

// StreamQueue publishes and consumes wallet events on Redis Streams.
type StreamQueue struct {
	client *redis.Client
	maxLen int64
}

// NewStreamQueue creates a StreamQueue that trims streams to roughly
// maxLen entries. maxLen <= 0 uses 10000.
func NewStreamQueue(client *redis.Client, maxLen int64) *StreamQueue {
	if maxLen <= 0 {
		maxLen = defaultMaxLen
	}
	return &StreamQueue{client: client, maxLen: maxLen}
}

// ConsumerConfig identifies a consumer within a group.
type ConsumerConfig struct {
	Stream   string
	Group    string
	Consumer string

	Count       int64         // default 10
	Block       time.Duration // default 5s
	ReclaimIdle time.Duration // default 5m
}

func (c *ConsumerConfig) setDefaults() {
	if c.Count <= 0 {
		c.Count = 10
	}
	if c.Block <= 0 {
		c.Block = 5 * time.Second
	}
	if c.ReclaimIdle <= 0 {
		c.ReclaimIdle = 5 * time.Minute
	}
}

// DeclareStream ensures a consumer group exists for the given stream,
// creating the stream if needed. An existing group is not an error.
func (q *StreamQueue) DeclareStream(ctx context.Context, stream string, group string) error {
	err := q.client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil {
		if strings.Contains(err.Error(), "BUSYGROUP") {
			logger.Debug("Consumer group already exists", zap.String("stream", stream), zap.String("group", group))
			return nil
		}
		logger.Error("Failed to create consumer group", zap.String("stream", stream), zap.String("group", group), zap.Error(err))
		return err
	}
	logger.Info("Consumer group created", zap.String("stream", stream), zap.String("group", group))
	return nil
}

// Publish adds a message to the stream and returns its ID.
func (q *StreamQueue) Publish(ctx context.Context, stream string, data []byte) (string, error) {
	args := &redis.XAddArgs{
		Stream: stream,
		MaxLen: q.maxLen,
		Approx: true,
		ID:     "*",
		Values: map[string]interface{}{
			"data": data,
		},
	}
	id, err := q.client.XAdd(ctx, args).Result()
	if err != nil {
		logger.Error("Failed to publish message to stream", zap.String("stream", stream), zap.Error(err))
		return "", err
	}

	logger.Debug("Published message to stream", zap.String("stream", stream), zap.String("messageID", id))
	return id, nil
}

// Consume reads new messages for the consumer group until ctx is cancelled.
// Every tenth read also reclaims messages left pending by a dead consumer.
func (q *StreamQueue) Consume(ctx context.Context, cfg ConsumerConfig, handler Handler) error {
	cfg.setDefaults()
	args := &redis.XReadGroupArgs{
		Group:    cfg.Group,
		Consumer: cfg.Consumer,
		Streams:  []string{cfg.Stream, ">"},
		Count:    cfg.Count,
		Block:    cfg.Block,
	}

	doWork := func() error {
		res, err := q.client.XReadGroup(ctx, args).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				return nil
			}
			return err
		}

		for _, xstream := range res {
			for _, msg := range xstream.Messages {
				q.handleMessage(ctx, cfg, msg, handler)
			}
		}
		return nil
	}

	counter := 0
	for {
		select {
		case <-ctx.Done():
			logger.Info("Context cancelled, stopping consumer", zap.String("stream", cfg.Stream), zap.String("consumer", cfg.Consumer))
			return nil
		default:
			counter++
			if counter%10 == 0 {
				if err := q.reclaimPendingMessages(ctx, cfg, handler); err != nil {
					logger.Warn("Failed to reclaim pending messages", zap.String("stream", cfg.Stream), zap.Error(err))
				}
			}
			if err := doWork(); err != nil {
				logger.Error("Error in consume loop", zap.String("stream", cfg.Stream), zap.Error(err))
				select {
				case <-ctx.Done():
				case <-time.After(time.Second):
				}
			}
		}
	}
}

// reclaimPendingMessages takes over messages that were delivered but never
// ACKed, e.g. because a consumer crashed.
func (q *StreamQueue) reclaimPendingMessages(ctx context.Context, cfg ConsumerConfig, handler Handler) error {
	args := &redis.XAutoClaimArgs{
		Stream:   cfg.Stream,
		Group:    cfg.Group,
		MinIdle:  cfg.ReclaimIdle,
		Start:    "0-0",
		Consumer: cfg.Consumer,
		Count:    100,
	}

	res, _, err := q.client.XAutoClaim(ctx, args).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) || ctx.Err() != nil {
			return nil
		}
		return err
	}
	for _, msg := range res {
		q.handleMessage(ctx, cfg, msg, handler)
	}
	return nil
}

func (q *StreamQueue) handleMessage(ctx context.Context, cfg ConsumerConfig, msg redis.XMessage, handler Handler) {
	data, ok := msg.Values["data"].(string)
	if !ok {
		// Nothing a retry could fix.
		logger.Error("Message has no string 'data' field", zap.String("messageID", msg.ID))
		q.client.XAck(ctx, cfg.Stream, cfg.Group, msg.ID)
		return
	}

	if err := handler(msg.ID, []byte(data)); err != nil {
		logger.Error("Handler failed to process message", zap.String("messageID", msg.ID), zap.Error(err))
		return
	}
	q.client.XAck(ctx, cfg.Stream, cfg.Group, msg.ID)
	logger.Debug("Message processed", zap.String("messageID", msg.ID))
}
