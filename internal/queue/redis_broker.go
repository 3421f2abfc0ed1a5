package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisBroker keeps each queue in three keys: a ready LIST (LPUSH/BRPOP), a
// delayed ZSET scored by due time in unix milliseconds, and a failed LIST.
type RedisBroker struct {
	rdb    *redis.Client
	prefix string
}

func NewRedisBroker(rdb *redis.Client, prefix string) *RedisBroker {
	if prefix == "" {
		prefix = "retailpay"
	}
	return &RedisBroker{rdb: rdb, prefix: prefix}
}

func (b *RedisBroker) readyKey(queue string) string   { return fmt.Sprintf("%s:queue:%s:ready", b.prefix, queue) }
func (b *RedisBroker) delayedKey(queue string) string { return fmt.Sprintf("%s:queue:%s:delayed", b.prefix, queue) }
func (b *RedisBroker) failedKey(queue string) string  { return fmt.Sprintf("%s:queue:%s:failed", b.prefix, queue) }

func (b *RedisBroker) Push(ctx context.Context, env *Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := b.rdb.LPush(ctx, b.readyKey(env.Queue), data).Err(); err != nil {
		return fmt.Errorf("push %s job: %w", env.Queue, err)
	}
	return nil
}

func (b *RedisBroker) Pop(ctx context.Context, queue string, wait time.Duration) (*Envelope, error) {
	res, err := b.rdb.BRPop(ctx, wait, b.readyKey(queue)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pop %s job: %w", queue, err)
	}
	// BRPOP replies with [key, value].
	if len(res) != 2 {
		return nil, fmt.Errorf("pop %s job: unexpected reply length %d", queue, len(res))
	}
	return unmarshalEnvelope(res[1])
}

func (b *RedisBroker) Schedule(ctx context.Context, env *Envelope, at time.Time) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	z := &redis.Z{Score: float64(at.UnixMilli()), Member: string(data)}
	if err := b.rdb.ZAdd(ctx, b.delayedKey(env.Queue), z).Err(); err != nil {
		return fmt.Errorf("schedule %s job: %w", env.Queue, err)
	}
	return nil
}

// PromoteDue moves due delayed envelopes to the ready list. ZREM gates the
// move so concurrent promoters never duplicate an envelope.
func (b *RedisBroker) PromoteDue(ctx context.Context, queue string, now time.Time) (int, error) {
	members, err := b.rdb.ZRangeByScore(ctx, b.delayedKey(queue), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("scan delayed %s jobs: %w", queue, err)
	}

	promoted := 0
	for _, m := range members {
		removed, err := b.rdb.ZRem(ctx, b.delayedKey(queue), m).Result()
		if err != nil {
			return promoted, fmt.Errorf("claim delayed %s job: %w", queue, err)
		}
		if removed == 0 {
			continue
		}
		if err := b.rdb.LPush(ctx, b.readyKey(queue), m).Err(); err != nil {
			return promoted, fmt.Errorf("requeue %s job: %w", queue, err)
		}
		promoted++
	}
	return promoted, nil
}

func (b *RedisBroker) Fail(ctx context.Context, env *Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := b.rdb.LPush(ctx, b.failedKey(env.Queue), data).Err(); err != nil {
		return fmt.Errorf("record failed %s job: %w", env.Queue, err)
	}
	return nil
}

func (b *RedisBroker) Failed(ctx context.Context, queue string) ([]*Envelope, error) {
	items, err := b.rdb.LRange(ctx, b.failedKey(queue), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list failed %s jobs: %w", queue, err)
	}
	out := make([]*Envelope, 0, len(items))
	for _, item := range items {
		env, err := unmarshalEnvelope(item)
		if err != nil {
			return nil, err
		}
		out = append(out, env)
	}
	return out, nil
}

func unmarshalEnvelope(s string) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal([]byte(s), &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	return &env, nil
}
