package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBroker(t *testing.T) {
	ctx := context.Background()

	t.Run("FIFO pop", func(t *testing.T) {
		b := NewMemoryBroker()
		require.NoError(t, b.Push(ctx, &Envelope{ID: "1", Queue: QueueSMS}))
		require.NoError(t, b.Push(ctx, &Envelope{ID: "2", Queue: QueueSMS}))

		first, err := b.Pop(ctx, QueueSMS, time.Millisecond)
		require.NoError(t, err)
		second, err := b.Pop(ctx, QueueSMS, time.Millisecond)
		require.NoError(t, err)
		assert.Equal(t, "1", first.ID)
		assert.Equal(t, "2", second.ID)
	})

	t.Run("pop times out empty", func(t *testing.T) {
		b := NewMemoryBroker()
		env, err := b.Pop(ctx, QueueSMS, 5*time.Millisecond)
		assert.NoError(t, err)
		assert.Nil(t, env)
	})

	t.Run("pop wakes on push", func(t *testing.T) {
		b := NewMemoryBroker()
		go func() {
			time.Sleep(5 * time.Millisecond)
			b.Push(ctx, &Envelope{ID: "late", Queue: QueueGas})
		}()
		env, err := b.Pop(ctx, QueueGas, time.Second)
		require.NoError(t, err)
		require.NotNil(t, env)
		assert.Equal(t, "late", env.ID)
	})

	t.Run("delayed envelopes re-enter at the back once due", func(t *testing.T) {
		b := NewMemoryBroker()
		now := time.Now()
		require.NoError(t, b.Push(ctx, &Envelope{ID: "waiting", Queue: QueueLoans}))
		require.NoError(t, b.Schedule(ctx, &Envelope{ID: "retry", Queue: QueueLoans}, now.Add(time.Second)))

		n, err := b.PromoteDue(ctx, QueueLoans, now)
		require.NoError(t, err)
		assert.Equal(t, 0, n)

		n, err = b.PromoteDue(ctx, QueueLoans, now.Add(2*time.Second))
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		ready, delayed := b.Len(QueueLoans)
		assert.Equal(t, 2, ready)
		assert.Equal(t, 0, delayed)

		first, _ := b.Pop(ctx, QueueLoans, time.Millisecond)
		assert.Equal(t, "waiting", first.ID)
	})

	t.Run("failed list", func(t *testing.T) {
		b := NewMemoryBroker()
		require.NoError(t, b.Fail(ctx, &Envelope{ID: "dead", Queue: QueueCredit}))
		failed, err := b.Failed(ctx, QueueCredit)
		require.NoError(t, err)
		require.Len(t, failed, 1)
		assert.Equal(t, "dead", failed[0].ID)
	})
}

func TestRedisBroker(t *testing.T) {
	ctx := context.Background()
	db, mock := redismock.NewClientMock()
	b := NewRedisBroker(db, "test")

	env := &Envelope{ID: "job-1", Queue: QueuePayments, Type: "wallet_credit", Payload: json.RawMessage(`{}`), MaxAttempts: 3}
	data, err := json.Marshal(env)
	require.NoError(t, err)

	t.Run("push", func(t *testing.T) {
		mock.ExpectLPush("test:queue:payments:ready", data).SetVal(1)
		assert.NoError(t, b.Push(ctx, env))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("pop", func(t *testing.T) {
		mock.ExpectBRPop(time.Second, "test:queue:payments:ready").
			SetVal([]string{"test:queue:payments:ready", string(data)})

		got, err := b.Pop(ctx, QueuePayments, time.Second)
		require.NoError(t, err)
		assert.Equal(t, "job-1", got.ID)
		assert.Equal(t, 3, got.MaxAttempts)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("pop timeout", func(t *testing.T) {
		mock.ExpectBRPop(time.Second, "test:queue:payments:ready").RedisNil()

		got, err := b.Pop(ctx, QueuePayments, time.Second)
		assert.NoError(t, err)
		assert.Nil(t, got)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("schedule and promote", func(t *testing.T) {
		at := time.UnixMilli(1_700_000_000_000)
		mock.ExpectZAdd("test:queue:payments:delayed", &redis.Z{Score: float64(at.UnixMilli()), Member: string(data)}).SetVal(1)
		require.NoError(t, b.Schedule(ctx, env, at))

		mock.ExpectZRangeByScore("test:queue:payments:delayed", &redis.ZRangeBy{Min: "-inf", Max: "1700000000000"}).
			SetVal([]string{string(data)})
		mock.ExpectZRem("test:queue:payments:delayed", string(data)).SetVal(1)
		mock.ExpectLPush("test:queue:payments:ready", string(data)).SetVal(1)

		n, err := b.PromoteDue(ctx, QueuePayments, at)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("promote skips members claimed elsewhere", func(t *testing.T) {
		at := time.UnixMilli(1_700_000_000_000)
		mock.ExpectZRangeByScore("test:queue:payments:delayed", &redis.ZRangeBy{Min: "-inf", Max: "1700000000000"}).
			SetVal([]string{string(data)})
		mock.ExpectZRem("test:queue:payments:delayed", string(data)).SetVal(0)

		n, err := b.PromoteDue(ctx, QueuePayments, at)
		require.NoError(t, err)
		assert.Equal(t, 0, n)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("fail and list failed", func(t *testing.T) {
		mock.ExpectLPush("test:queue:payments:failed", data).SetVal(1)
		require.NoError(t, b.Fail(ctx, env))

		mock.ExpectLRange("test:queue:payments:failed", 0, -1).SetVal([]string{string(data)})
		failed, err := b.Failed(ctx, QueuePayments)
		require.NoError(t, err)
		require.Len(t, failed, 1)
		assert.Equal(t, "job-1", failed[0].ID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
