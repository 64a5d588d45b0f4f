package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/guido-cesarano/agentswarm/pkg/tasks"
)

// DefaultResultTTL is how long RedisArchive keeps a result.
const DefaultResultTTL = 24 * time.Hour

// ErrResultNotFound is returned when no result is stored for a task.
var ErrResultNotFound = errors.New("result not found")

// ResultArchive receives every terminal task result. The queue only writes to it; hosts read
// results back once the in-memory copy is gone.
type ResultArchive interface {
	Store(ctx context.Context, result tasks.Result) error
	Load(ctx context.Context, taskID string) (tasks.Result, error)
}

// RedisArchive stores results as JSON strings under "result:{taskID}" with a TTL.
type RedisArchive struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisArchive connects to the redis server at addr ("host:port").
// A non-positive ttl selects DefaultResultTTL.
//
// Example:
//
//	archive := queue.NewRedisArchive("localhost:6379", 0)
func NewRedisArchive(addr string, ttl time.Duration) *RedisArchive {
	if ttl <= 0 {
		ttl = DefaultResultTTL
	}
	return &RedisArchive{
		rdb: redis.NewClient(&redis.Options{Addr: addr}),
		ttl: ttl,
	}
}

// Ping checks that the server is reachable.
func (a *RedisArchive) Ping(ctx context.Context) error {
	return a.rdb.Ping(ctx).Err()
}

// Store writes result with the archive TTL.
func (a *RedisArchive) Store(ctx context.Context, result tasks.Result) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	return a.rdb.Set(ctx, resultKey(result.TaskID), data, a.ttl).Err()
}

// Load reads the result stored for taskID.
func (a *RedisArchive) Load(ctx context.Context, taskID string) (tasks.Result, error) {
	raw, err := a.rdb.Get(ctx, resultKey(taskID)).Result()
	if errors.Is(err, redis.Nil) {
		return tasks.Result{}, fmt.Errorf("load %s: %w", taskID, ErrResultNotFound)
	}
	if err != nil {
		return tasks.Result{}, err
	}

	var result tasks.Result
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return tasks.Result{}, fmt.Errorf("decode result %s: %w", taskID, err)
	}
	return result, nil
}

// Close releases the redis connection pool.
func (a *RedisArchive) Close() error {
	return a.rdb.Close()
}

func resultKey(taskID string) string {
	return fmt.Sprintf("result:%s", taskID)
}
