package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"retinalab/internal/util"
)

// RedisEventStream publishes events to a Redis stream and consumes them through
// a consumer group. Failed deliveries are re-added with an attempt counter.
type RedisEventStream struct {
	client       *redis.Client
	stream       string
	group        string
	consumerBase string
	maxRetries   int
	block        time.Duration
	claimIdle    time.Duration
	retryDelay   time.Duration
	maxLen       int64
	readCount    int64
	claimCount   int64
	once         sync.Once
	groupErr     error
}

type RedisStreamConfig struct {
	Stream     string
	Group      string
	Consumer   string
	MaxRetries int
	Block      time.Duration
	ClaimIdle  time.Duration
	RetryDelay time.Duration
	MaxLen     int64
	ReadCount  int64
	ClaimCount int64
}

func NewRedisEventStream(client *redis.Client, cfg RedisStreamConfig) (*RedisEventStream, error) {
	if client == nil {
		return nil, errors.New("redis client required")
	}
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		return nil, errors.New("event stream required")
	}
	group := strings.TrimSpace(cfg.Group)
	if group == "" {
		group = "notifier"
	}
	consumer := strings.TrimSpace(cfg.Consumer)
	if consumer == "" {
		consumer = util.NewID()
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	block := cfg.Block
	if block <= 0 {
		block = 5 * time.Second
	}
	claimIdle := cfg.ClaimIdle
	if claimIdle <= 0 {
		claimIdle = 30 * time.Second
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = 2 * time.Second
	}
	maxLen := cfg.MaxLen
	if maxLen <= 0 {
		maxLen = 10000
	}
	readCount := cfg.ReadCount
	if readCount <= 0 {
		readCount = 10
	}
	claimCount := cfg.ClaimCount
	if claimCount <= 0 {
		claimCount = 10
	}

	return &RedisEventStream{
		client:       client,
		stream:       stream,
		group:        group,
		consumerBase: consumer,
		maxRetries:   maxRetries,
		block:        block,
		claimIdle:    claimIdle,
		retryDelay:   retryDelay,
		maxLen:       maxLen,
		readCount:    readCount,
		claimCount:   claimCount,
	}, nil
}

// Publish implements Publisher.
func (q *RedisEventStream) Publish(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return q.add(ctx, q.client, ev, payload, 0)
}

// Start implements Subscriber. Consumers run until ctx is done.
func (q *RedisEventStream) Start(ctx context.Context, concurrency int, handler Handler) error {
	if concurrency <= 0 {
		concurrency = 1
	}
	if err := q.ensureGroup(ctx); err != nil {
		return err
	}
	for i := 0; i < concurrency; i++ {
		consumer := fmt.Sprintf("%s-%d", q.consumerBase, i)
		go q.consumeLoop(ctx, consumer, handler)
	}
	return nil
}

// The group starts at the beginning of the stream so events published while
// no consumer was running are still delivered.
func (q *RedisEventStream) ensureGroup(ctx context.Context) error {
	q.once.Do(func() {
		err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			q.groupErr = fmt.Errorf("create consumer group: %w", err)
		}
	})
	return q.groupErr
}

func (q *RedisEventStream) consumeLoop(ctx context.Context, consumer string, handler Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if msgs, err := q.claimPending(ctx, consumer); err == nil {
			for _, msg := range msgs {
				q.handleMessage(ctx, msg, handler)
			}
		}

		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.group,
			Consumer: consumer,
			Streams:  []string{q.stream, ">"},
			Count:    q.readCount,
			Block:    q.block,
		}).Result()
		if err != nil {
			if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
				slog.Warn("event stream read failed", "stream", q.stream, "err", err)
				q.sleep(ctx)
			}
			continue
		}
		for _, stream := range streams {
			for _, msg := range stream.Messages {
				q.handleMessage(ctx, msg, handler)
			}
		}
	}
}

func (q *RedisEventStream) claimPending(ctx context.Context, consumer string) ([]redis.XMessage, error) {
	res, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: consumer,
		MinIdle:  q.claimIdle,
		Start:    "0-0",
		Count:    q.claimCount,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (q *RedisEventStream) handleMessage(ctx context.Context, msg redis.XMessage, handler Handler) {
	ev, attempts, payload, err := decodeMessage(msg)
	if err != nil {
		slog.Warn("dropping malformed event", "stream", q.stream, "msg_id", msg.ID, "err", err)
		q.ackAndDel(ctx, msg.ID)
		return
	}
	herr := handler(ctx, ev)
	if herr == nil {
		q.ackAndDel(ctx, msg.ID)
		return
	}
	attempts++
	if attempts >= q.maxRetries {
		slog.Error("event dropped after retries", "event_id", ev.ID, "type", ev.Type, "study_id", ev.StudyID, "attempts", attempts, "err", herr)
		q.ackAndDel(ctx, msg.ID)
		return
	}
	if !q.sleep(ctx) {
		return
	}
	if err := q.requeueAndAck(ctx, msg.ID, ev, payload, attempts); err != nil {
		slog.Warn("event requeue failed", "event_id", ev.ID, "err", err)
	}
}

func (q *RedisEventStream) sleep(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(q.retryDelay):
		return true
	}
}

func (q *RedisEventStream) ackAndDel(ctx context.Context, msgID string) {
	_, _ = q.client.XAck(ctx, q.stream, q.group, msgID).Result()
	_, _ = q.client.XDel(ctx, q.stream, msgID).Result()
}

// requeueAndAck re-adds the event and acks the original in one transaction.
// On failure the original stays pending and is picked up by XAUTOCLAIM.
func (q *RedisEventStream) requeueAndAck(ctx context.Context, msgID string, ev Event, payload []byte, attempts int) error {
	pipe := q.client.TxPipeline()
	if err := q.add(ctx, pipe, ev, payload, attempts); err != nil {
		return err
	}
	pipe.XAck(ctx, q.stream, q.group, msgID)
	pipe.XDel(ctx, q.stream, msgID)
	_, err := pipe.Exec(ctx)
	return err
}

func (q *RedisEventStream) add(ctx context.Context, c redis.Cmdable, ev Event, payload []byte, attempts int) error {
	cmd := c.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: q.maxLen,
		Approx: true,
		Values: map[string]any{
			"event_id": ev.ID,
			"type":     string(ev.Type),
			"payload":  string(payload),
			"attempts": strconv.Itoa(attempts),
		},
	})
	if _, ok := c.(redis.Pipeliner); ok {
		return nil
	}
	return cmd.Err()
}

func decodeMessage(msg redis.XMessage) (Event, int, []byte, error) {
	raw, _ := msg.Values["payload"].(string)
	if raw == "" {
		return Event{}, 0, nil, errors.New("missing payload")
	}
	var ev Event
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		return Event{}, 0, nil, fmt.Errorf("decode payload: %w", err)
	}
	if ev.ID == "" || ev.Type == "" {
		return Event{}, 0, nil, errors.New("event id and type required")
	}
	attempts := 0
	if v, _ := msg.Values["attempts"].(string); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			attempts = n
		}
	}
	return ev, attempts, []byte(raw), nil
}
