package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"sentiment-pipeline/internal/config"
)

// RedisQueue coordinates ready, in-flight, and scheduled task queues in Redis.
// Members are task ids; the subtasks themselves live in Postgres.
type RedisQueue struct {
	client         *redis.Client
	priorityQueues []string
	inflightKey    string
	scheduledKey   string
	metaPrefix     string
	visibilityTTL  time.Duration
	dlqKey         string
	now            func() time.Time
}

// NewRedisQueue builds a queue client from config.
func NewRedisQueue(cfg config.Config) *RedisQueue {
	return NewRedisQueueWithClient(redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}), cfg)
}

// NewRedisQueueWithClient builds a queue on an existing client.
func NewRedisQueueWithClient(client *redis.Client, cfg config.Config) *RedisQueue {
	priorities := cfg.PriorityQueues
	if len(priorities) == 0 {
		priorities = []string{"default"}
	}
	visibility := cfg.VisibilityTimeout
	if visibility == 0 {
		visibility = 5 * time.Minute
	}
	dlq := cfg.DLQName
	if dlq == "" {
		dlq = "queue:dlq"
	}
	return &RedisQueue{
		client:         client,
		priorityQueues: priorities,
		inflightKey:    "queue:inflight",
		scheduledKey:   "queue:scheduled",
		metaPrefix:     "queue:taskmeta:",
		visibilityTTL:  visibility,
		dlqKey:         dlq,
		now:            time.Now,
	}
}

// Client exposes the underlying connection so rate limiters can share it.
func (q *RedisQueue) Client() *redis.Client { return q.client }

func (q *RedisQueue) readyKey(priority string) string {
	return fmt.Sprintf("queue:ready:%s", priority)
}

func (q *RedisQueue) metaKey(member string) string {
	return q.metaPrefix + member
}

func member(taskID int64) string { return strconv.FormatInt(taskID, 10) }

func parseMember(v string) (int64, error) {
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed queue member %q: %w", v, err)
	}
	return id, nil
}

func (q *RedisQueue) priorityOf(ctx context.Context, m string) string {
	priority, err := q.client.HGet(ctx, q.metaKey(m), "priority").Result()
	if err != nil || priority == "" {
		return "default"
	}
	return priority
}

// Enqueue inserts a task into either the scheduled set or the ready queue.
func (q *RedisQueue) Enqueue(ctx context.Context, taskID int64, priority string, runAt time.Time) error {
	if priority == "" {
		priority = "default"
	}
	m := member(taskID)
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.metaKey(m), "priority", priority)
	if runAt.After(q.now()) {
		pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: m})
	} else {
		pipe.RPush(ctx, q.readyKey(priority), m)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Schedule acks an in-flight task and parks it in the scheduled set until runAt.
func (q *RedisQueue) Schedule(ctx context.Context, taskID int64, runAt time.Time) error {
	m := member(taskID)
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, m)
	pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: m})
	_, err := pipe.Exec(ctx)
	return err
}

// PromoteScheduled moves due scheduled tasks into ready queues. It returns how many were promoted.
func (q *RedisQueue) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.scheduledKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: limit,
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, q.scheduledKey, id)
		pipe.RPush(ctx, q.readyKey(q.priorityOf(ctx, id)), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// DequeueWithLease pops a task from ready queues (priority order) and places it
// into inflight with a visibility timeout. ok is false when every queue is empty.
func (q *RedisQueue) DequeueWithLease(ctx context.Context) (taskID int64, ok bool, err error) {
	keys := make([]string, 0, len(q.priorityQueues)+1)
	for _, p := range q.priorityQueues {
		keys = append(keys, q.readyKey(p))
	}
	keys = append(keys, q.inflightKey)

	res, err := dequeueScript.Run(ctx, q.client, keys, q.now().Add(q.visibilityTTL).UnixMilli()).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	m, isString := res.(string)
	if !isString {
		return 0, false, fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	id, err := parseMember(m)
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight task.
func (q *RedisQueue) ExtendLease(ctx context.Context, taskID int64, extension time.Duration) error {
	return q.client.ZAdd(ctx, q.inflightKey, redis.Z{
		Score:  float64(q.now().Add(extension).UnixMilli()),
		Member: member(taskID),
	}).Err()
}

// Ack removes a task from in-flight tracking and its meta record.
func (q *RedisQueue) Ack(ctx context.Context, taskID int64) error {
	m := member(taskID)
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, m)
	pipe.Del(ctx, q.metaKey(m))
	_, err := pipe.Exec(ctx)
	return err
}

// RequeueExpired reclaims leases that timed out, re-enqueuing them.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]int64, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.inflightKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := q.client.TxPipeline()
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		pipe.ZRem(ctx, q.inflightKey, id)
		pipe.RPush(ctx, q.readyKey(q.priorityOf(ctx, id)), id)
		if n, err := parseMember(id); err == nil {
			out = append(out, n)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return out, nil
}

// Cancel removes a task from ready, scheduled, and in-flight sets.
func (q *RedisQueue) Cancel(ctx context.Context, taskID int64) error {
	m := member(taskID)
	pipe := q.client.TxPipeline()
	for _, p := range q.priorityQueues {
		pipe.LRem(ctx, q.readyKey(p), 0, m)
	}
	pipe.ZRem(ctx, q.inflightKey, m)
	pipe.ZRem(ctx, q.scheduledKey, m)
	pipe.Del(ctx, q.metaKey(m))
	_, err := pipe.Exec(ctx)
	return err
}

// DLQPush appends to the dead-letter queue for operational inspection.
func (q *RedisQueue) DLQPush(ctx context.Context, taskID int64) error {
	return q.client.RPush(ctx, q.dlqKey, member(taskID)).Err()
}

// DLQPeek reads the oldest dead-lettered task ids.
func (q *RedisQueue) DLQPeek(ctx context.Context, count int64) ([]int64, error) {
	raw, err := q.client.LRange(ctx, q.dlqKey, 0, count-1).Result()
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(raw))
	for _, v := range raw {
		id, err := parseMember(v)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// ReadyDepth returns the total length of all ready queues.
func (q *RedisQueue) ReadyDepth(ctx context.Context) (int64, error) {
	pipe := q.client.Pipeline()
	cmds := make([]*redis.IntCmd, 0, len(q.priorityQueues))
	for _, p := range q.priorityQueues {
		cmds = append(cmds, pipe.LLen(ctx, q.readyKey(p)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	var total int64
	for _, c := range cmds {
		total += c.Val()
	}
	return total, nil
}

var dequeueScript = redis.NewScript(`
local inflight = KEYS[#KEYS]
for i=1,#KEYS-1 do
  local task = redis.call('LPOP', KEYS[i])
  if task then
    redis.call('ZADD', inflight, ARGV[1], task)
    return task
  end
end
return nil
`)
