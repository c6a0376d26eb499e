package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/milkyhoop/internal/model"
	"github.com/milkyhoop/internal/storage"
)

// Ключи: hash pairing:{token} с полями состояния, zset pairing:deadlines
// со score = expires_at (ms) для sweeper. CAS-переходы — Lua-скрипты:
// Redis выполняет скрипт атомарно, поэтому гонки Scan/Decide/Expire
// разрешаются на стороне сервера ровно как в memory-реализации.
const (
	keyPrefix    = "pairing:"
	deadlinesKey = "pairing:deadlines"
)

var scanScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if not state then return 'notfound' end
if state == 'expired' then return 'expired' end
if state ~= 'pending' then return 'already' end
local exp = tonumber(redis.call('HGET', KEYS[1], 'expires_at'))
if tonumber(ARGV[2]) >= exp then return 'expired' end
redis.call('HSET', KEYS[1], 'state', 'scanned', 'scanned_by', ARGV[1], 'scanned_at', ARGV[2])
return 'ok'
`)

var decideScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if not state then return 'notfound' end
if state == 'expired' then return 'expired' end
if state ~= 'scanned' then return 'invalid' end
local exp = tonumber(redis.call('HGET', KEYS[1], 'expires_at'))
if tonumber(ARGV[3]) >= exp then return 'expired' end
if redis.call('HGET', KEYS[1], 'scanned_by') ~= ARGV[1] then return 'forbidden' end
redis.call('HSET', KEYS[1], 'state', ARGV[2], 'decision', ARGV[2], 'terminal_at', ARGV[3])
redis.call('ZREM', KEYS[2], ARGV[4])
redis.call('EXPIRE', KEYS[1], tonumber(ARGV[5]))
return 'ok'
`)

var expireScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if not state then return 0 end
if state == 'approved' or state == 'rejected' or state == 'expired' then return 0 end
local exp = tonumber(redis.call('HGET', KEYS[1], 'expires_at'))
if tonumber(ARGV[1]) < exp then return 0 end
redis.call('HSET', KEYS[1], 'state', 'expired', 'terminal_at', ARGV[1])
redis.call('ZREM', KEYS[2], ARGV[2])
redis.call('EXPIRE', KEYS[1], tonumber(ARGV[3]))
return 1
`)

type Client struct {
	cli       *redis.Client
	retention time.Duration
}

func New(ctx context.Context, url string, retention time.Duration) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis parse url: %w", err)
	}
	cli := redis.NewClient(opts)
	if err := cli.Ping(ctx).Err(); err != nil {
		if closeErr := cli.Close(); closeErr != nil {
			return nil, fmt.Errorf("redis ping: %w (close: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewWithClient(cli, retention), nil
}

// NewWithClient оборачивает готовый клиент (тесты с miniredis).
func NewWithClient(cli *redis.Client, retention time.Duration) *Client {
	if retention < time.Second {
		retention = time.Second
	}
	return &Client{cli: cli, retention: retention}
}

func (c *Client) Close() error {
	return c.cli.Close()
}

func (c *Client) retentionSec() int64 {
	return int64(c.retention / time.Second)
}

func (c *Client) Insert(ctx context.Context, t *model.PairingToken) error {
	key := keyPrefix + t.Token
	n, err := c.cli.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("pairingStore.Insert: %w", err)
	}
	if n > 0 {
		return storage.ErrExists
	}
	pipe := c.cli.TxPipeline()
	pipe.HSet(ctx, key,
		"state", string(t.State),
		"created_at", t.CreatedAt.UnixMilli(),
		"expires_at", t.ExpiresAt.UnixMilli(),
		"fingerprint", t.Fingerprint,
		"browser_id", t.BrowserID,
	)
	// Ключ живёт TTL + retention: даже если sweeper не доберётся, Redis
	// уберёт запись сам.
	pipe.Expire(ctx, key, time.Until(t.ExpiresAt)+c.retention)
	pipe.ZAdd(ctx, deadlinesKey, redis.Z{Score: float64(t.ExpiresAt.UnixMilli()), Member: t.Token})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("pairingStore.Insert: %w", err)
	}
	return nil
}

func (c *Client) Get(ctx context.Context, token string) (*model.PairingToken, error) {
	vals, err := c.cli.HGetAll(ctx, keyPrefix+token).Result()
	if err != nil {
		return nil, fmt.Errorf("pairingStore.Get: %w", err)
	}
	if len(vals) == 0 {
		return nil, storage.ErrNotFound
	}
	return unmarshalToken(token, vals), nil
}

func unmarshalToken(token string, vals map[string]string) *model.PairingToken {
	t := &model.PairingToken{
		Token:       token,
		State:       model.PairingState(vals["state"]),
		Fingerprint: vals["fingerprint"],
		BrowserID:   vals["browser_id"],
		ScannedBy:   vals["scanned_by"],
		Decision:    model.PairingDecision(vals["decision"]),
	}
	t.CreatedAt = parseMilli(vals["created_at"])
	t.ExpiresAt = parseMilli(vals["expires_at"])
	if v := vals["scanned_at"]; v != "" {
		at := parseMilli(v)
		t.ScannedAt = &at
	}
	return t
}

func parseMilli(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func transitionErr(res string) error {
	switch res {
	case "notfound":
		return storage.ErrNotFound
	case "expired":
		return storage.ErrExpired
	case "already":
		return storage.ErrAlreadyScanned
	case "invalid":
		return storage.ErrInvalidState
	case "forbidden":
		return storage.ErrForbidden
	}
	return fmt.Errorf("unexpected transition result %q", res)
}

func (c *Client) MarkScanned(ctx context.Context, token, userID string, now time.Time) (*model.PairingToken, error) {
	res, err := scanScript.Run(ctx, c.cli, []string{keyPrefix + token}, userID, now.UnixMilli()).Text()
	if err != nil {
		return nil, fmt.Errorf("pairingStore.MarkScanned: %w", err)
	}
	if res != "ok" {
		return nil, transitionErr(res)
	}
	return c.Get(ctx, token)
}

func (c *Client) MarkDecided(ctx context.Context, token, userID string, d model.PairingDecision, now time.Time) (*model.PairingToken, error) {
	res, err := decideScript.Run(ctx, c.cli,
		[]string{keyPrefix + token, deadlinesKey},
		userID, string(d), now.UnixMilli(), token, c.retentionSec(),
	).Text()
	if err != nil {
		return nil, fmt.Errorf("pairingStore.MarkDecided: %w", err)
	}
	if res != "ok" {
		return nil, transitionErr(res)
	}
	return c.Get(ctx, token)
}

func (c *Client) MarkExpired(ctx context.Context, token string, now time.Time) (bool, error) {
	n, err := expireScript.Run(ctx, c.cli,
		[]string{keyPrefix + token, deadlinesKey},
		now.UnixMilli(), token, c.retentionSec(),
	).Int64()
	if err != nil {
		return false, fmt.Errorf("pairingStore.MarkExpired: %w", err)
	}
	return n == 1, nil
}

func (c *Client) ListDue(ctx context.Context, now time.Time) ([]string, error) {
	tokens, err := c.cli.ZRangeByScore(ctx, deadlinesKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("pairingStore.ListDue: %w", err)
	}
	return tokens, nil
}

// Purge: терминальные записи в Redis удаляются по TTL ключа, здесь
// чистим только zset от токенов, чьи hash уже исчезли.
func (c *Client) Purge(ctx context.Context, now time.Time, retention time.Duration) (int, error) {
	cutoff := now.Add(-retention).UnixMilli()
	tokens, err := c.cli.ZRangeByScore(ctx, deadlinesKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(cutoff, 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("pairingStore.Purge: %w", err)
	}
	if len(tokens) == 0 {
		return 0, nil
	}
	members := make([]any, len(tokens))
	for i, t := range tokens {
		members[i] = t
	}
	if err := c.cli.ZRem(ctx, deadlinesKey, members...).Err(); err != nil {
		return 0, fmt.Errorf("pairingStore.Purge: %w", err)
	}
	return len(tokens), nil
}

func (c *Client) Delete(ctx context.Context, token string) error {
	pipe := c.cli.TxPipeline()
	pipe.Del(ctx, keyPrefix+token)
	pipe.ZRem(ctx, deadlinesKey, token)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("pairingStore.Delete: %w", err)
	}
	return nil
}
