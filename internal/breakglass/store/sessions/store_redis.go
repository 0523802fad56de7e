package sessions

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"gatekeeper/internal/breakglass/models"
	"gatekeeper/internal/sentinel"
)

const (
	redisKeyPrefix = "gatekeeper:bg:"
	openSetKey     = redisKeyPrefix + "open"
	retainAfter    = 24 * time.Hour
)

func sessionKey(id string) string { return redisKeyPrefix + "session:" + id }
func tokenKey(hash string) string { return redisKeyPrefix + "token:" + hash }

// createScript inserts the session hash, its token index and its open-set
// entry, refusing duplicates. ARGV: id, ttl ms, expires_at ms, then field/value pairs.
var createScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 or redis.call('EXISTS', KEYS[2]) == 1 then
  return 0
end
local fields = {}
for i = 4, #ARGV do
  fields[#fields + 1] = ARGV[i]
end
redis.call('HSET', KEYS[1], unpack(fields))
redis.call('PEXPIRE', KEYS[1], ARGV[2])
redis.call('SET', KEYS[2], ARGV[1], 'PX', ARGV[2])
redis.call('ZADD', KEYS[3], ARGV[3], ARGV[1])
return 1
`)

// casScript sets state to ARGV[2] only if it is ARGV[1] and, when ARGV[6]
// is '1', only if ARGV[3] is before expires_at. Times are decimal unix
// nanoseconds compared as strings, which Lua numbers cannot hold exactly.
// Terminal targets leave the open set. Returns -1 missing, -2 expired,
// 0 conflict, 1 swapped.
var casScript = redis.NewScript(`
local current = redis.call('HGET', KEYS[1], 'state')
if not current then
  return -1
end
if current ~= ARGV[1] then
  return 0
end
if ARGV[6] == '1' then
  local expires = redis.call('HGET', KEYS[1], 'expires_at') or ''
  local at = ARGV[3]
  if #at > #expires or (#at == #expires and at >= expires) then
    return -2
  end
end
redis.call('HSET', KEYS[1], 'state', ARGV[2], 'updated_at', ARGV[3])
if ARGV[5] == '1' then
  redis.call('ZREM', KEYS[2], ARGV[4])
end
return 1
`)

// expireScript expires one open session if it is still open. Returns 1 when it moved.
var expireScript = redis.NewScript(`
local current = redis.call('HGET', KEYS[1], 'state')
redis.call('ZREM', KEYS[2], ARGV[1])
if current == 'requested' or current == 'approved' then
  redis.call('HSET', KEYS[1], 'state', 'expired', 'updated_at', ARGV[2])
  return 1
end
return 0
`)

// RedisStore keeps sessions in Redis hashes. State changes run as Lua
// scripts so the compare-and-swap holds across every instance.
type RedisStore struct {
	client *redis.Client
}

func NewRedis(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Create(ctx context.Context, session *models.Session) error {
	if session == nil || session.ID == "" || session.TokenHash == "" {
		return fmt.Errorf("session with id and token hash is required: %w", sentinel.ErrInvalidInput)
	}
	ttl := session.ExpiresAt.Sub(session.CreatedAt) + retainAfter

	args := []any{session.ID, ttl.Milliseconds(), session.ExpiresAt.UnixMilli()}
	args = append(args, toFields(session)...)
	created, err := createScript.Run(ctx, s.client,
		[]string{sessionKey(session.ID), tokenKey(session.TokenHash), openSetKey},
		args...,
	).Int()
	if err != nil {
		return fmt.Errorf("create break-glass session: %w", err)
	}
	if created == 0 {
		return fmt.Errorf("break-glass session exists: %w", sentinel.ErrConflict)
	}
	return nil
}

func (s *RedisStore) FindByID(ctx context.Context, id string) (*models.Session, error) {
	values, err := s.client.HGetAll(ctx, sessionKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("load break-glass session: %w", err)
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("break-glass session not found: %w", sentinel.ErrNotFound)
	}
	return fromFields(values)
}

func (s *RedisStore) FindByTokenHash(ctx context.Context, hash string) (*models.Session, error) {
	id, err := s.client.Get(ctx, tokenKey(hash)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("break-glass session not found: %w", sentinel.ErrNotFound)
		}
		return nil, fmt.Errorf("resolve break-glass token: %w", err)
	}
	return s.FindByID(ctx, id)
}

func (s *RedisStore) CompareAndSwap(ctx context.Context, id string, from, to models.State, at time.Time) error {
	leaveOpen := "0"
	if to.IsTerminal() {
		leaveOpen = "1"
	}
	live := "0"
	if models.RequiresLive(from, to) {
		live = "1"
	}
	res, err := casScript.Run(ctx, s.client,
		[]string{sessionKey(id), openSetKey},
		string(from), string(to), strconv.FormatInt(at.UnixNano(), 10), id, leaveOpen, live,
	).Int()
	if err != nil {
		return fmt.Errorf("swap break-glass state: %w", err)
	}
	switch res {
	case -1:
		return fmt.Errorf("break-glass session not found: %w", sentinel.ErrNotFound)
	case -2:
		return fmt.Errorf("session expired: %w", sentinel.ErrExpired)
	case 0:
		return fmt.Errorf("state is not %s: %w", from, sentinel.ErrConflict)
	}
	return nil
}

func (s *RedisStore) ExpireOpen(ctx context.Context, now time.Time) ([]string, error) {
	ids, err := s.client.ZRangeByScore(ctx, openSetKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("list expiring break-glass sessions: %w", err)
	}

	updatedAt := strconv.FormatInt(now.UnixNano(), 10)
	var expired []string
	for _, id := range ids {
		moved, err := expireScript.Run(ctx, s.client, []string{sessionKey(id), openSetKey}, id, updatedAt).Int()
		if err != nil {
			return expired, fmt.Errorf("expire break-glass session: %w", err)
		}
		if moved == 1 {
			expired = append(expired, id)
		}
	}
	return expired, nil
}

func toFields(s *models.Session) []any {
	return []any{
		"id", s.ID,
		"token_hash", s.TokenHash,
		"requester_id", s.RequesterID,
		"approver_id", s.ApproverID,
		"reason", s.Reason,
		"state", string(s.State),
		"created_at", strconv.FormatInt(s.CreatedAt.UnixNano(), 10),
		"expires_at", strconv.FormatInt(s.ExpiresAt.UnixNano(), 10),
		"updated_at", strconv.FormatInt(s.UpdatedAt.UnixNano(), 10),
	}
}

func fromFields(v map[string]string) (*models.Session, error) {
	state := models.State(v["state"])
	if !state.IsValid() {
		return nil, fmt.Errorf("break-glass session has invalid state %q", v["state"])
	}
	var times [3]time.Time
	for i, field := range []string{"created_at", "expires_at", "updated_at"} {
		n, err := strconv.ParseInt(v[field], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", field, err)
		}
		times[i] = time.Unix(0, n).UTC()
	}
	return &models.Session{
		ID:          v["id"],
		TokenHash:   v["token_hash"],
		RequesterID: v["requester_id"],
		ApproverID:  v["approver_id"],
		Reason:      v["reason"],
		State:       state,
		CreatedAt:   times[0],
		ExpiresAt:   times[1],
		UpdatedAt:   times[2],
	}, nil
}
