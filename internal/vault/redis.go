package vault

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis key templates
const (
	jobKeyFmt   = "job:vault:%s"
	takenKeyFmt = "job:taken:%s"
)

// takeScript is a compare-and-delete: it removes the entry and drops a
// taken tombstone in one atomic step, so concurrent takers cannot both win.
// Return codes: 0 = ok (with data), -1 = not found, -2 = taken, -3 = expired.
var takeScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[2]) == 1 then
  return {-2, ''}
end
local exp = redis.call('HGET', KEYS[1], 'expires_at')
if not exp then
  return {-1, ''}
end
if tonumber(exp) <= tonumber(ARGV[1]) then
  redis.call('DEL', KEYS[1])
  return {-3, ''}
end
local data = redis.call('HGET', KEYS[1], 'data')
redis.call('DEL', KEYS[1])
redis.call('SET', KEYS[2], '1', 'EX', ARGV[2])
return {0, data}
`)

// RedisVault stores jobs as Redis hashes with an explicit expires_at field,
// so expiry checks do not depend on the backing store's native TTL firing.
type RedisVault struct {
	rdb *redis.Client
	now func() time.Time
}

func NewRedisVault(rdb *redis.Client) *RedisVault {
	return &RedisVault{rdb: rdb, now: time.Now}
}

func (v *RedisVault) Lock(ctx context.Context, job *Job, ttl time.Duration) error {
	now := v.now()
	job.CreatedAt = now.Unix()
	job.ExpiresAt = now.Add(ttl).Unix()

	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}

	key := fmt.Sprintf(jobKeyFmt, job.ID)
	if err := v.rdb.HSet(ctx, key,
		"data", string(raw),
		"expires_at", job.ExpiresAt,
	).Err(); err != nil {
		return fmt.Errorf("store job: %w", err)
	}
	// Native TTL reclaims storage; correctness comes from expires_at.
	// A grace period keeps the entry around long enough for Take to
	// report Expired rather than NotFound at the boundary.
	return v.rdb.Expire(ctx, key, ttl+time.Minute).Err()
}

func (v *RedisVault) Peek(ctx context.Context, id string) (*Job, error) {
	vals, err := v.rdb.HGetAll(ctx, fmt.Sprintf(jobKeyFmt, id)).Result()
	if err != nil {
		return nil, fmt.Errorf("peek job: %w", err)
	}
	if len(vals) == 0 {
		taken, err := v.rdb.Exists(ctx, fmt.Sprintf(takenKeyFmt, id)).Result()
		if err == nil && taken == 1 {
			return nil, ErrAlreadyTaken
		}
		return nil, ErrNotFound
	}

	expiresAt, _ := strconv.ParseInt(vals["expires_at"], 10, 64)
	if expiresAt <= v.now().Unix() {
		return nil, ErrExpired
	}

	var job Job
	if err := json.Unmarshal([]byte(vals["data"]), &job); err != nil {
		return nil, fmt.Errorf("unmarshal job: %w", err)
	}
	return &job, nil
}

func (v *RedisVault) Take(ctx context.Context, id string) (*Job, error) {
	keys := []string{fmt.Sprintf(jobKeyFmt, id), fmt.Sprintf(takenKeyFmt, id)}
	res, err := takeScript.Run(ctx, v.rdb, keys,
		v.now().Unix(),
		int64(tombstoneTTL.Seconds()),
	).Result()
	if err != nil {
		return nil, fmt.Errorf("take job: %w", err)
	}

	reply, ok := res.([]interface{})
	if !ok || len(reply) != 2 {
		return nil, fmt.Errorf("take job: unexpected script reply %v", res)
	}
	code, _ := reply[0].(int64)
	switch code {
	case 0:
		data, _ := reply[1].(string)
		var job Job
		if err := json.Unmarshal([]byte(data), &job); err != nil {
			return nil, fmt.Errorf("unmarshal job: %w", err)
		}
		return &job, nil
	case -1:
		return nil, ErrNotFound
	case -2:
		return nil, ErrAlreadyTaken
	case -3:
		return nil, ErrExpired
	default:
		return nil, fmt.Errorf("take job: unknown status %d", code)
	}
}
