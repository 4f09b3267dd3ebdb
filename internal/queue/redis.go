package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	logx "chronos/pkg/logx"
)

// Key layout under prefix:
//
//	:entries   HASH key -> JSON record (payload + policy)
//	:tokens    HASH key -> current delivery token
//	:attempts  HASH key -> deliveries so far
//	:delayed   ZSET key scored by due time (unix ms)
//	:active    ZSET key scored by lease deadline (unix ms)
//	:wake      pub/sub channel poked on enqueue
type Redis struct {
	rdb    *redis.Client
	owned  bool
	prefix string
	log    logx.Logger

	notify chan struct{}
	ps     *redis.PubSub
	cancel context.CancelFunc
	done   chan struct{}
}

type RedisConfig struct {
	URL    string
	Prefix string
}

type record struct {
	Payload     Payload `json:"payload"`
	MaxAttempts int     `json:"maxAttempts"`
	BackoffMs   int64   `json:"backoffMs"`
}

func (r record) policy() Policy {
	return Policy{Attempts: r.MaxAttempts, Backoff: time.Duration(r.BackoffMs) * time.Millisecond}
}

var claimScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
local out = {}
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('ZADD', KEYS[2], ARGV[3], id)
  local n = redis.call('HINCRBY', KEYS[3], id, 1)
  table.insert(out, id)
  table.insert(out, n)
  table.insert(out, redis.call('HGET', KEYS[4], id) or '')
  table.insert(out, redis.call('HGET', KEYS[5], id) or '')
end
return out
`)

var ackScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], ARGV[1]) ~= ARGV[2] then return 0 end
redis.call('HDEL', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[3], ARGV[1])
redis.call('ZREM', KEYS[4], ARGV[1])
redis.call('ZREM', KEYS[5], ARGV[1])
return 1
`)

var retryScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], ARGV[1]) ~= ARGV[2] then return 0 end
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('ZADD', KEYS[3], ARGV[3], ARGV[1])
return 1
`)

var reapScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('ZADD', KEYS[2], ARGV[1], id)
end
return #ids
`)

// OpenRedis connects to cfg.URL and verifies the connection.
func OpenRedis(ctx context.Context, cfg RedisConfig, log logx.Logger) (*Redis, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("redis url is required")
	}
	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("redis url: %w", err)
	}
	rdb := redis.NewClient(opt)
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err = rdb.Ping(pctx).Err()
	cancel()
	if err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	q := NewRedis(rdb, cfg.Prefix, log)
	q.owned = true
	return q, nil
}

// NewRedis wraps an existing client. The client is not closed by Close.
func NewRedis(rdb *redis.Client, prefix string, log logx.Logger) *Redis {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "chronos"
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &Redis{
		rdb:    rdb,
		prefix: prefix,
		log:    log,
		notify: make(chan struct{}, 1),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	q.ps = rdb.Subscribe(ctx, q.k("wake"))
	go q.wakeLoop(ctx)
	return q
}

func (q *Redis) k(name string) string { return q.prefix + ":" + name }

func (q *Redis) wakeLoop(ctx context.Context) {
	defer close(q.done)
	ch := q.ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-ch:
			if !ok {
				return
			}
			signal(q.notify)
		}
	}
}

func (q *Redis) Enqueue(ctx context.Context, e Entry) error {
	if e.Delay < 0 {
		e.Delay = 0
	}
	pol := e.Policy.withDefaults()
	rec, err := json.Marshal(record{Payload: e.Payload, MaxAttempts: pol.Attempts, BackoffMs: pol.Backoff.Milliseconds()})
	if err != nil {
		return err
	}
	due := time.Now().Add(e.Delay).UnixMilli()
	_, err = q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, q.k("entries"), e.Key, rec)
		p.HSet(ctx, q.k("tokens"), e.Key, uuid.NewString())
		p.HSet(ctx, q.k("attempts"), e.Key, 0)
		p.ZRem(ctx, q.k("active"), e.Key)
		p.ZAdd(ctx, q.k("delayed"), redis.Z{Score: float64(due), Member: e.Key})
		return nil
	})
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", e.Key, err)
	}
	if err := q.rdb.Publish(ctx, q.k("wake"), e.Key).Err(); err != nil {
		q.log.Debug("wake publish failed", logx.Err(err))
	}
	signal(q.notify)
	return nil
}

func (q *Redis) FindByKey(ctx context.Context, key string) (Pending, bool, error) {
	raw, err := q.rdb.HGet(ctx, q.k("entries"), key).Result()
	if errors.Is(err, redis.Nil) {
		return Pending{}, false, nil
	}
	if err != nil {
		return Pending{}, false, err
	}
	var rec record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return Pending{}, false, fmt.Errorf("decode entry %s: %w", key, err)
	}
	p := Pending{Key: key, Payload: rec.Payload}
	if n, err := q.rdb.HGet(ctx, q.k("attempts"), key).Int(); err == nil {
		p.Attempts = n
	}
	score, err := q.rdb.ZScore(ctx, q.k("delayed"), key).Result()
	switch {
	case err == nil:
		p.DueAt = time.UnixMilli(int64(score))
	case errors.Is(err, redis.Nil):
		score, err = q.rdb.ZScore(ctx, q.k("active"), key).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return Pending{}, false, err
		}
		p.Leased = err == nil
	default:
		return Pending{}, false, err
	}
	return p, true, nil
}

func (q *Redis) Cancel(ctx context.Context, key string) (bool, error) {
	var del *redis.IntCmd
	_, err := q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		del = p.HDel(ctx, q.k("entries"), key)
		p.HDel(ctx, q.k("tokens"), key)
		p.HDel(ctx, q.k("attempts"), key)
		p.ZRem(ctx, q.k("delayed"), key)
		p.ZRem(ctx, q.k("active"), key)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("cancel %s: %w", key, err)
	}
	return del.Val() > 0, nil
}

func (q *Redis) Claim(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]Delivery, error) {
	if limit <= 0 {
		return nil, nil
	}
	keys := []string{q.k("delayed"), q.k("active"), q.k("attempts"), q.k("entries"), q.k("tokens")}
	res, err := claimScript.Run(ctx, q.rdb, keys, now.UnixMilli(), limit, now.Add(lease).UnixMilli()).Slice()
	if err != nil {
		return nil, fmt.Errorf("claim: %w", err)
	}
	out := make([]Delivery, 0, len(res)/4)
	for i := 0; i+3 < len(res); i += 4 {
		key, _ := res[i].(string)
		attempt, _ := res[i+1].(int64)
		raw, _ := res[i+2].(string)
		token, _ := res[i+3].(string)
		var rec record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			q.log.Warn("dropping undecodable entry", logx.String("key", key), logx.Err(err))
			_ = q.Ack(ctx, Delivery{Key: key, Token: token})
			continue
		}
		out = append(out, Delivery{Key: key, Token: token, Payload: rec.Payload, Attempt: int(attempt), Policy: rec.policy()})
	}
	return out, nil
}

func (q *Redis) Ack(ctx context.Context, d Delivery) error {
	keys := []string{q.k("tokens"), q.k("entries"), q.k("attempts"), q.k("delayed"), q.k("active")}
	if err := ackScript.Run(ctx, q.rdb, keys, d.Key, d.Token).Err(); err != nil {
		return fmt.Errorf("ack %s: %w", d.Key, err)
	}
	return nil
}

func (q *Redis) Retry(ctx context.Context, d Delivery, now time.Time) (bool, error) {
	pol := d.Policy.withDefaults()
	if d.Attempt >= pol.Attempts {
		return false, q.Ack(ctx, d)
	}
	due := now.Add(pol.backoffFor(d.Attempt)).UnixMilli()
	keys := []string{q.k("tokens"), q.k("active"), q.k("delayed")}
	n, err := retryScript.Run(ctx, q.rdb, keys, d.Key, d.Token, due).Int()
	if err != nil {
		return false, fmt.Errorf("retry %s: %w", d.Key, err)
	}
	if n == 1 {
		signal(q.notify)
	}
	return n == 1, nil
}

func (q *Redis) NextDue(ctx context.Context) (time.Time, bool, error) {
	zs, err := q.rdb.ZRangeWithScores(ctx, q.k("delayed"), 0, 0).Result()
	if err != nil {
		return time.Time{}, false, err
	}
	if len(zs) == 0 {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(int64(zs[0].Score)), true, nil
}

func (q *Redis) Reap(ctx context.Context, now time.Time) (int, error) {
	n, err := reapScript.Run(ctx, q.rdb, []string{q.k("active"), q.k("delayed")}, now.UnixMilli()).Int()
	if err != nil {
		return 0, fmt.Errorf("reap: %w", err)
	}
	return n, nil
}

func (q *Redis) Notify() <-chan struct{} { return q.notify }

func (q *Redis) Close() error {
	q.cancel()
	err := q.ps.Close()
	<-q.done
	if q.owned {
		if cerr := q.rdb.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
