package coord

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// acquireScript sets the lock only if absent. A holder extends it with renewScript.
// KEYS[1] = lock key
// ARGV[1] = owner
// ARGV[2] = ttl in milliseconds
var acquireScript = redis.NewScript(`
local cur = redis.call("GET", KEYS[1])
if not cur then
  redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
  return 1
end
return 0
`)

var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// enqueueScript adds or merges a queue entry.
// KEYS[1] = queue zset, KEYS[2] = entry meta hash
// ARGV[1] = project id, ARGV[2] = priority, ARGV[3] = enqueued at (ms)
// ARGV[4] = not before (ms), ARGV[5] = "1" to only add when absent
var enqueueScript = redis.NewScript(`
local cur = redis.call("ZSCORE", KEYS[1], ARGV[1])
if cur then
  if ARGV[5] == "1" then
    return 0
  end
  if tonumber(ARGV[4]) < tonumber(cur) then
    redis.call("ZADD", KEYS[1], ARGV[4], ARGV[1])
  end
  local p = tonumber(redis.call("HGET", KEYS[2], "priority") or "0")
  if tonumber(ARGV[2]) > p then
    redis.call("HSET", KEYS[2], "priority", ARGV[2])
  end
  return 1
end
redis.call("ZADD", KEYS[1], ARGV[4], ARGV[1])
redis.call("HSET", KEYS[2], "priority", ARGV[2], "enqueued_at", ARGV[3])
return 1
`)

// dequeueScript pops the eligible entry with the highest aged priority.
// KEYS[1] = queue zset
// ARGV[1] = now (ms), ARGV[2] = aging per minute, ARGV[3] = batch, ARGV[4] = meta key prefix
var dequeueScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local aging = tonumber(ARGV[2])
local ids = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", now, "LIMIT", 0, tonumber(ARGV[3]))
local best, bestScore, bestEnq = nil, nil, nil
for _, id in ipairs(ids) do
  local m = redis.call("HMGET", ARGV[4] .. id, "priority", "enqueued_at")
  local p = tonumber(m[1]) or 0
  local e = tonumber(m[2]) or now
  local waited = (now - e) / 60000
  if waited < 0 then waited = 0 end
  local s = p + aging * waited
  if best == nil or s > bestScore or (s == bestScore and (e < bestEnq or (e == bestEnq and id < best))) then
    best, bestScore, bestEnq = id, s, e
  end
end
if best == nil then
  return false
end
redis.call("ZREM", KEYS[1], best)
redis.call("DEL", ARGV[4] .. best)
return best
`)

// Redis keeps coordination state in Redis using the key layout
// lock:project:<id>, work_queue, email_sent:<key>, thread:<token>, worker:<id>.
type Redis struct {
	client         *redis.Client
	prefix         string
	AgingPerMinute float64
	Now            func() time.Time
}

type RedisOptions struct {
	Addr           string
	Password       string
	DB             int
	KeyPrefix      string
	AgingPerMinute float64
}

func NewRedis(opts RedisOptions) *Redis {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return &Redis{client: rdb, prefix: opts.KeyPrefix, AgingPerMinute: opts.AgingPerMinute}
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r *Redis) lockKey(id string) string { return r.prefix + "lock:project:" + id }
func (r *Redis) queueKey() string { return r.prefix + "work_queue" }
func (r *Redis) metaPrefix() string { return r.prefix + "work_queue:meta:" }
func (r *Redis) sentKey(key string) string { return r.prefix + "email_sent:" + key }
func (r *Redis) threadKey(token string) string { return r.prefix + "thread:" + token }
func (r *Redis) workerKey(id string) string { return r.prefix + "worker:" + id }

func (r *Redis) runBool(ctx context.Context, s *redis.Script, keys []string, args ...any) (bool, error) {
	n, err := s.Run(ctx, r.client, keys, args...).Int64()
	if err != nil {
		return false, fmt.Errorf("redis script: %w", err)
	}
	return n == 1, nil
}

func (r *Redis) AcquireLock(ctx context.Context, projectID, owner string, ttl time.Duration) (bool, error) {
	return r.runBool(ctx, acquireScript, []string{r.lockKey(projectID)}, owner, ttl.Milliseconds())
}

func (r *Redis) RenewLock(ctx context.Context, projectID, owner string, ttl time.Duration) (bool, error) {
	return r.runBool(ctx, renewScript, []string{r.lockKey(projectID)}, owner, ttl.Milliseconds())
}

func (r *Redis) ReleaseLock(ctx context.Context, projectID, owner string) error {
	_, err := r.runBool(ctx, releaseScript, []string{r.lockKey(projectID)}, owner)
	return err
}

func (r *Redis) ForceRelease(ctx context.Context, projectID, owner string) (bool, error) {
	return r.runBool(ctx, releaseScript, []string{r.lockKey(projectID)}, owner)
}

func (r *Redis) InspectLock(ctx context.Context, projectID string) (LockInfo, bool, error) {
	key := r.lockKey(projectID)
	owner, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return LockInfo{}, false, nil
	}
	if err != nil {
		return LockInfo{}, false, err
	}
	ttl, err := r.client.PTTL(ctx, key).Result()
	if err != nil {
		return LockInfo{}, false, err
	}
	if ttl <= 0 {
		return LockInfo{}, false, nil
	}
	return LockInfo{ProjectID: projectID, Owner: owner, ExpiresAt: r.now().Add(ttl).UTC()}, true, nil
}

// ListLocks returns live locks only; Redis drops expired keys itself.
func (r *Redis) ListLocks(ctx context.Context) ([]LockInfo, error) {
	prefix := r.lockKey("")
	var out []LockInfo
	iter := r.client.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		id := strings.TrimPrefix(iter.Val(), prefix)
		info, ok, err := r.InspectLock(ctx, id)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, info)
		}
	}
	return out, iter.Err()
}

func (r *Redis) enqueue(ctx context.Context, e Entry, onlyAbsent bool) (bool, error) {
	now := r.now()
	nb := e.NotBefore
	if nb.IsZero() || nb.Before(now) {
		nb = now
	}
	flag := "0"
	if onlyAbsent {
		flag = "1"
	}
	return r.runBool(ctx, enqueueScript, []string{r.queueKey(), r.metaPrefix() + e.ProjectID},
		e.ProjectID, strconv.FormatFloat(e.Priority, 'f', -1, 64), ms(now), ms(nb), flag)
}

func (r *Redis) Enqueue(ctx context.Context, e Entry) error {
	_, err := r.enqueue(ctx, e, false)
	return err
}

func (r *Redis) EnsureQueued(ctx context.Context, e Entry) (bool, error) {
	return r.enqueue(ctx, e, true)
}

func (r *Redis) Queued(ctx context.Context, projectID string) (bool, error) {
	_, err := r.client.ZScore(ctx, r.queueKey(), projectID).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	return err == nil, err
}

func (r *Redis) DequeueNext(ctx context.Context) (string, error) {
	id, err := dequeueScript.Run(ctx, r.client, []string{r.queueKey()},
		ms(r.now()), strconv.FormatFloat(r.AgingPerMinute, 'f', -1, 64), dequeueBatch, r.metaPrefix()).Text()
	if errors.Is(err, redis.Nil) {
		return "", ErrEmpty
	}
	if err != nil {
		return "", fmt.Errorf("redis dequeue: %w", err)
	}
	return id, nil
}

func (r *Redis) MarkSent(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return r.client.SetNX(ctx, r.sentKey(key), "1", ttl).Result()
}

func (r *Redis) ClearSent(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.sentKey(key)).Err()
}

func (r *Redis) RegisterThread(ctx context.Context, token, ref string, ttl time.Duration) error {
	return r.client.Set(ctx, r.threadKey(token), ref, ttl).Err()
}

func (r *Redis) ResolveThread(ctx context.Context, token string) (string, error) {
	ref, err := r.client.Get(ctx, r.threadKey(token)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return ref, err
}

func (r *Redis) Heartbeat(ctx context.Context, workerID string, ttl time.Duration) error {
	return r.client.Set(ctx, r.workerKey(workerID), r.now().UTC().Format(time.RFC3339), ttl).Err()
}

func (r *Redis) LiveWorkers(ctx context.Context) ([]string, error) {
	prefix := r.workerKey("")
	var out []string
	iter := r.client.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		out = append(out, strings.TrimPrefix(iter.Val(), prefix))
	}
	return out, iter.Err()
}

func (r *Redis) Close() error { return r.client.Close() }
