package refresh

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	consumeStatusNotFound int64 = 0
	consumeStatusExpired  int64 = 1
	consumeStatusMismatch int64 = 2
	consumeStatusReplayed int64 = 3
	consumeStatusRevoked  int64 = 4
	consumeStatusClaimed  int64 = 5
)

// consumeScript claims a credential in one atomic EVAL. A claimed or
// revoked record stays behind as a tombstone (rep / rvk fields) for the
// replay window so reuse is detectable.
const consumeScript = `
local data = redis.call("HGETALL", KEYS[1])
if #data == 0 then
  return {0}
end
local rec = {}
for i = 1, #data, 2 do
  rec[data[i]] = data[i + 1]
end

local pkey = ARGV[5] .. rec["pid"]
local fkey = ARGV[6] .. rec["fam"]

if rec["rvk"] == "1" then
  return {4}
end
if rec["rep"] and rec["rep"] ~= "" then
  return {3, rec["pid"], rec["fam"]}
end
if tonumber(rec["exp"]) <= tonumber(ARGV[2]) then
  redis.call("DEL", KEYS[1])
  redis.call("SREM", pkey, ARGV[7])
  redis.call("SREM", fkey, ARGV[7])
  return {1}
end
if rec["th"] ~= ARGV[1] then
  return {2}
end

redis.call("HSET", KEYS[1], "rep", ARGV[3])
redis.call("PEXPIRE", KEYS[1], tonumber(ARGV[4]))
redis.call("SREM", pkey, ARGV[7])
redis.call("SREM", fkey, ARGV[7])
return {5, rec["pid"], rec["fam"], rec["fp"], rec["iat"], rec["exp"]}
`

var consumeLua = redis.NewScript(consumeScript)

// revokeScript tombstones every record listed in an index set.
const revokeScript = `
local ids = redis.call("SMEMBERS", KEYS[1])
for _, id in ipairs(ids) do
  local rkey = ARGV[1] .. id
  local pid = redis.call("HGET", rkey, "pid")
  local fam = redis.call("HGET", rkey, "fam")
  if pid then
    redis.call("HSET", rkey, "rvk", "1")
    redis.call("PEXPIRE", rkey, tonumber(ARGV[2]))
    redis.call("SREM", ARGV[3] .. pid, id)
    redis.call("SREM", ARGV[4] .. fam, id)
  end
end
redis.call("DEL", KEYS[1])
return #ids
`

var revokeLua = redis.NewScript(revokeScript)

const revokeOneScript = `
local pid = redis.call("HGET", KEYS[1], "pid")
if not pid then
  return 0
end
local fam = redis.call("HGET", KEYS[1], "fam")
redis.call("HSET", KEYS[1], "rvk", "1")
redis.call("PEXPIRE", KEYS[1], tonumber(ARGV[1]))
redis.call("SREM", ARGV[2] .. pid, ARGV[4])
redis.call("SREM", ARGV[3] .. fam, ARGV[4])
return 1
`

var revokeOneLua = redis.NewScript(revokeOneScript)

// RedisStore is the primary [Store] backend.
type RedisStore struct {
	redis        redis.UniversalClient
	prefix       string
	replayWindow time.Duration
}

// NewRedisStore creates a Redis-backed store. prefix namespaces all keys;
// replayWindow bounds how long consumed/revoked tombstones are kept.
func NewRedisStore(rdb redis.UniversalClient, prefix string, replayWindow time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "ac"
	}
	if replayWindow <= 0 {
		replayWindow = 24 * time.Hour
	}
	return &RedisStore{redis: rdb, prefix: prefix, replayWindow: replayWindow}
}

func (s *RedisStore) recordKey(id string) string     { return s.prefix + ":r:" + id }
func (s *RedisStore) recordPrefix() string           { return s.prefix + ":r:" }
func (s *RedisStore) principalKey(pid string) string { return s.prefix + ":p:" + pid }
func (s *RedisStore) principalPrefix() string        { return s.prefix + ":p:" }
func (s *RedisStore) familyKey(fam string) string    { return s.prefix + ":f:" + fam }
func (s *RedisStore) familyPrefix() string           { return s.prefix + ":f:" }

// Create persists the record and registers it in the principal and family
// index sets in one transaction.
func (s *RedisStore) Create(ctx context.Context, rec Record) error {
	key := s.recordKey(rec.ID)

	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, map[string]interface{}{
			"pid": rec.PrincipalID,
			"fam": rec.FamilyID,
			"th":  hex.EncodeToString(rec.TokenHash[:]),
			"fp":  rec.Fingerprint,
			"iat": rec.IssuedAt.Unix(),
			"exp": rec.ExpiresAt.Unix(),
			"rep": "",
			"rvk": "0",
		})
		pipe.PExpireAt(ctx, key, rec.ExpiresAt)
		pipe.SAdd(ctx, s.principalKey(rec.PrincipalID), rec.ID)
		pipe.SAdd(ctx, s.familyKey(rec.FamilyID), rec.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Consume runs the CAS script. Exactly one concurrent caller observes the
// claimed status for a given credential.
func (s *RedisStore) Consume(ctx context.Context, recordID string, tokenHash [32]byte, replacementID string, now time.Time) (*Record, error) {
	result, err := consumeLua.Run(
		ctx,
		s.redis,
		[]string{s.recordKey(recordID)},
		hex.EncodeToString(tokenHash[:]),
		now.Unix(),
		replacementID,
		s.replayWindow.Milliseconds(),
		s.principalPrefix(),
		s.familyPrefix(),
		recordID,
	).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	parts, ok := result.([]interface{})
	if !ok || len(parts) == 0 {
		return nil, fmt.Errorf("%w: malformed consume response", ErrUnavailable)
	}
	status, ok := parts[0].(int64)
	if !ok {
		return nil, fmt.Errorf("%w: malformed consume status", ErrUnavailable)
	}

	switch status {
	case consumeStatusNotFound, consumeStatusMismatch:
		// A hash mismatch on a live record is indistinguishable from an
		// unknown credential to the caller.
		return nil, ErrNotFound
	case consumeStatusExpired:
		return nil, ErrExpired
	case consumeStatusRevoked:
		return nil, ErrRevoked
	case consumeStatusReplayed:
		if len(parts) < 3 {
			return nil, fmt.Errorf("%w: malformed replay response", ErrUnavailable)
		}
		return nil, &ReplayError{
			PrincipalID: luaString(parts[1]),
			FamilyID:    luaString(parts[2]),
		}
	case consumeStatusClaimed:
		if len(parts) < 6 {
			return nil, fmt.Errorf("%w: malformed claim response", ErrUnavailable)
		}
		rec := &Record{
			ID:          recordID,
			PrincipalID: luaString(parts[1]),
			FamilyID:    luaString(parts[2]),
			TokenHash:   tokenHash,
			Fingerprint: luaString(parts[3]),
			IssuedAt:    time.Unix(luaInt(parts[4]), 0),
			ExpiresAt:   time.Unix(luaInt(parts[5]), 0),
			ReplacedBy:  replacementID,
		}
		return rec, nil
	default:
		return nil, fmt.Errorf("%w: unknown consume status %d", ErrUnavailable, status)
	}
}

// FindActive reads the record without mutating it.
func (s *RedisStore) FindActive(ctx context.Context, recordID string, tokenHash [32]byte, now time.Time) (*Record, error) {
	fields, err := s.redis.HGetAll(ctx, s.recordKey(recordID)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}

	rec, err := recordFromFields(recordID, fields)
	if err != nil {
		return nil, err
	}

	switch {
	case fields["rvk"] == "1":
		return nil, ErrRevoked
	case rec.ReplacedBy != "":
		return nil, &ReplayError{PrincipalID: rec.PrincipalID, FamilyID: rec.FamilyID}
	case !now.Before(rec.ExpiresAt):
		return nil, ErrExpired
	case hex.EncodeToString(tokenHash[:]) != fields["th"]:
		return nil, ErrNotFound
	}

	rec.TokenHash = tokenHash
	return rec, nil
}

// RevokeOne tombstones a single record. Missing records are a no-op.
func (s *RedisStore) RevokeOne(ctx context.Context, recordID string) error {
	err := revokeOneLua.Run(
		ctx,
		s.redis,
		[]string{s.recordKey(recordID)},
		s.replayWindow.Milliseconds(),
		s.principalPrefix(),
		s.familyPrefix(),
		recordID,
	).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// RevokeFamily tombstones one login lineage.
func (s *RedisStore) RevokeFamily(ctx context.Context, principalID, familyID string) error {
	return s.revokeSet(ctx, s.familyKey(familyID))
}

// RevokeAll tombstones every active credential of a principal. Idempotent:
// an empty index is a successful no-op.
func (s *RedisStore) RevokeAll(ctx context.Context, principalID string) error {
	return s.revokeSet(ctx, s.principalKey(principalID))
}

func (s *RedisStore) revokeSet(ctx context.Context, setKey string) error {
	err := revokeLua.Run(
		ctx,
		s.redis,
		[]string{setKey},
		s.recordPrefix(),
		s.replayWindow.Milliseconds(),
		s.principalPrefix(),
		s.familyPrefix(),
	).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// ActiveForPrincipal lists live credentials for introspection surfaces.
func (s *RedisStore) ActiveForPrincipal(ctx context.Context, principalID string, now time.Time) ([]Record, error) {
	ids, err := s.redis.SMembers(ctx, s.principalKey(principalID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []Record{}, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	records := make([]Record, 0, len(ids))
	for _, id := range ids {
		fields, err := s.redis.HGetAll(ctx, s.recordKey(id)).Result()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		if len(fields) == 0 || fields["rvk"] == "1" || fields["rep"] != "" {
			continue
		}
		rec, err := recordFromFields(id, fields)
		if err != nil {
			continue
		}
		if !rec.Active(now) {
			continue
		}
		records = append(records, *rec)
	}
	return records, nil
}

func recordFromFields(id string, fields map[string]string) (*Record, error) {
	iat, err := strconv.ParseInt(fields["iat"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: corrupt issued-at", ErrUnavailable)
	}
	exp, err := strconv.ParseInt(fields["exp"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: corrupt expiry", ErrUnavailable)
	}

	return &Record{
		ID:          id,
		PrincipalID: fields["pid"],
		FamilyID:    fields["fam"],
		Fingerprint: fields["fp"],
		IssuedAt:    time.Unix(iat, 0),
		ExpiresAt:   time.Unix(exp, 0),
		ReplacedBy:  fields["rep"],
	}, nil
}

func luaString(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	default:
		return ""
	}
}

func luaInt(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case string:
		parsed, _ := strconv.ParseInt(n, 10, 64)
		return parsed
	default:
		return 0
	}
}
