package persistence

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/petrijr/correl/pkg/api"
)

// RedisStore is a Store backed by Redis. It uses a simple key structure:
//
//	<prefix>sub:<id>                  => gob-encoded subscription
//	<prefix>idx:subs                  => SET of all subscription IDs
//	<prefix>idx:type:<eventType>      => SET of subscription IDs per event type
//	<prefix>lock:<id>                 => dispatch lock owner, with TTL
//	<prefix>def:<kind>:<id>           => gob-encoded definition
//	<prefix>idx:defs:<kind>           => SET of definition IDs per kind
//	<prefix>marker                    => change marker counter
//
// The dispatch lock is a separate key with a TTL, acquired through a Lua
// script, so an abandoned lock expires on its own. The indexes are
// best-effort; FindSubscriptions filters on the decoded payloads.
//
// Redis has no multi-key transactions of the shape deploys need, so InTx
// runs its callback directly: a crashed deploy can leave partial state, and
// the change marker plus an idempotent reconcile cycle are what make
// engines converge. Use the SQL stores when deploy atomicity matters.
type RedisStore struct {
	client *redis.Client
	prefix string
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore creates a RedisStore.
// prefix is optional but recommended (e.g. "correl:").
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "correl:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) keySub(id string) string        { return s.prefix + "sub:" + id }
func (s *RedisStore) keyAllSubs() string             { return s.prefix + "idx:subs" }
func (s *RedisStore) keyType(eventType string) string { return s.prefix + "idx:type:" + eventType }
func (s *RedisStore) keyLock(id string) string       { return s.prefix + "lock:" + id }
func (s *RedisStore) keyDef(kind api.DefinitionKind, id string) string {
	return s.prefix + "def:" + string(kind) + ":" + id
}
func (s *RedisStore) keyDefs(kind api.DefinitionKind) string {
	return s.prefix + "idx:defs:" + string(kind)
}
func (s *RedisStore) keyMarker() string { return s.prefix + "marker" }

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(data []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

func (s *RedisStore) InTx(ctx context.Context, fn func(Store) error) error {
	return fn(s)
}

func (s *RedisStore) CreateSubscription(ctx context.Context, sub *api.EventSubscription) error {
	return s.writeSubscription(ctx, sub)
}

func (s *RedisStore) writeSubscription(ctx context.Context, sub *api.EventSubscription) error {
	// Lock state lives in the lock key, not the payload.
	c := *sub
	c.LockOwner = ""
	c.LockTime = time.Time{}
	c.LockExpiry = time.Time{}

	payload, err := encodeGob(&c)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.keySub(sub.ID), payload, 0)
	pipe.SAdd(ctx, s.keyAllSubs(), sub.ID)
	pipe.SAdd(ctx, s.keyType(sub.EventType), sub.ID)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) GetSubscription(ctx context.Context, id string) (*api.EventSubscription, error) {
	data, err := s.client.Get(ctx, s.keySub(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, err
	}
	var sub api.EventSubscription
	if err := decodeGob(data, &sub); err != nil {
		return nil, err
	}

	owner, err := s.client.Get(ctx, s.keyLock(id)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	sub.LockOwner = owner
	return &sub, nil
}

func (s *RedisStore) FindSubscriptions(ctx context.Context, q api.SubscriptionQuery) ([]*api.EventSubscription, error) {
	var ids []string
	var err error
	if q.EventType != "" {
		ids, err = s.client.SMembers(ctx, s.keyType(q.EventType)).Result()
	} else {
		ids, err = s.client.SMembers(ctx, s.keyAllSubs()).Result()
	}
	if err != nil {
		return nil, err
	}

	now := time.Now()
	var subs []*api.EventSubscription
	for _, id := range ids {
		sub, err := s.GetSubscription(ctx, id)
		if err != nil {
			if errors.Is(err, ErrSubscriptionNotFound) {
				// Stale index entry.
				continue
			}
			return nil, err
		}
		if sub.LockOwner != "" {
			// The lock key's TTL is its expiry; while it exists the
			// lock is live.
			sub.LockExpiry = now.Add(time.Hour)
		}
		if !subscriptionMatchesQuery(sub, q, now) {
			continue
		}
		subs = append(subs, sub)
	}

	sort.Slice(subs, func(i, j int) bool {
		if !subs[i].CreatedTime.Equal(subs[j].CreatedTime) {
			return subs[i].CreatedTime.Before(subs[j].CreatedTime)
		}
		return subs[i].ID < subs[j].ID
	})
	return subs, nil
}

func (s *RedisStore) UpdateSubscription(ctx context.Context, sub *api.EventSubscription) error {
	exists, err := s.client.Exists(ctx, s.keySub(sub.ID)).Result()
	if err != nil {
		return err
	}
	if exists == 0 {
		return ErrSubscriptionNotFound
	}
	return s.writeSubscription(ctx, sub)
}

func (s *RedisStore) DeleteSubscription(ctx context.Context, id string) error {
	sub, err := s.GetSubscription(ctx, id)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.keySub(id), s.keyLock(id))
	pipe.SRem(ctx, s.keyAllSubs(), id)
	pipe.SRem(ctx, s.keyType(sub.EventType), id)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) DeleteSubscriptions(ctx context.Context, q api.SubscriptionQuery) (int, error) {
	subs, err := s.FindSubscriptions(ctx, q)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, sub := range subs {
		if err := s.DeleteSubscription(ctx, sub.ID); err != nil {
			if errors.Is(err, ErrSubscriptionNotFound) {
				continue
			}
			return n, err
		}
		n++
	}
	return n, nil
}

// Lua script for acquiring the dispatch lock. Returns 1 if acquired,
// 0 otherwise. A lock held by the same owner is re-entrant.
const redisLockAcquireLua = `
local key = KEYS[1]
local owner = ARGV[1]
local ttlms = tonumber(ARGV[2])

local cur = redis.call('GET', key)
if not cur then
	redis.call('PSETEX', key, ttlms, owner)
	return 1
end
if cur == owner then
	redis.call('PEXPIRE', key, ttlms)
	return 1
end
return 0
`

// Lua script for releasing the dispatch lock. Returns 1 if released,
// 0 otherwise.
const redisLockReleaseLua = `
local key = KEYS[1]
local owner = ARGV[1]

local cur = redis.call('GET', key)
if not cur then
	return 0
end
if cur == owner then
	redis.call('DEL', key)
	return 1
end
return 0
`

func (s *RedisStore) TryLockSubscription(ctx context.Context, id, owner string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, errors.New("ttl must be > 0")
	}
	exists, err := s.client.Exists(ctx, s.keySub(id)).Result()
	if err != nil {
		return false, err
	}
	if exists == 0 {
		return false, ErrSubscriptionNotFound
	}

	res, err := s.client.Eval(ctx, redisLockAcquireLua, []string{s.keyLock(id)}, owner, ttl.Milliseconds()).Result()
	if err != nil {
		return false, err
	}
	switch v := res.(type) {
	case int64:
		return v == 1, nil
	case int:
		return v == 1, nil
	case string:
		return v == "1", nil
	default:
		return false, nil
	}
}

func (s *RedisStore) UnlockSubscription(ctx context.Context, id, owner string) error {
	// Idempotent: if the lock doesn't exist, succeed.
	_, err := s.client.Eval(ctx, redisLockReleaseLua, []string{s.keyLock(id)}, owner).Result()
	return err
}

func (s *RedisStore) SaveDefinition(ctx context.Context, def api.Definition) error {
	// Uniqueness check on (key, version, tenant) within the kind.
	existing, err := s.ListDefinitions(ctx, def.Kind)
	if err != nil {
		return err
	}
	for _, d := range existing {
		if d.Key == def.Key && d.Version == def.Version && d.TenantID == def.TenantID {
			return ErrDuplicateDefinition
		}
	}

	payload, err := encodeGob(&def)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.keyDef(def.Kind, def.ID), payload, 0)
	pipe.SAdd(ctx, s.keyDefs(def.Kind), def.ID)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) GetDefinition(ctx context.Context, kind api.DefinitionKind, id string) (*api.Definition, error) {
	data, err := s.client.Get(ctx, s.keyDef(kind, id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrDefinitionNotFound
		}
		return nil, err
	}
	var def api.Definition
	if err := decodeGob(data, &def); err != nil {
		return nil, err
	}
	return &def, nil
}

func (s *RedisStore) LatestDefinition(ctx context.Context, kind api.DefinitionKind, key, tenantID string) (*api.Definition, error) {
	defs, err := s.ListDefinitions(ctx, kind)
	if err != nil {
		return nil, err
	}
	var latest *api.Definition
	for _, def := range defs {
		if def.Key != key || def.TenantID != tenantID {
			continue
		}
		if latest == nil || def.Version > latest.Version {
			latest = def
		}
	}
	if latest == nil {
		return nil, ErrDefinitionNotFound
	}
	return latest, nil
}

func (s *RedisStore) FindDefinition(ctx context.Context, kind api.DefinitionKind, key string, version int, tenantID string) (*api.Definition, error) {
	defs, err := s.ListDefinitions(ctx, kind)
	if err != nil {
		return nil, err
	}
	for _, def := range defs {
		if def.Key == key && def.Version == version && def.TenantID == tenantID {
			return def, nil
		}
	}
	return nil, ErrDefinitionNotFound
}

func (s *RedisStore) ListDefinitions(ctx context.Context, kind api.DefinitionKind) ([]*api.Definition, error) {
	ids, err := s.client.SMembers(ctx, s.keyDefs(kind)).Result()
	if err != nil {
		return nil, err
	}
	var defs []*api.Definition
	for _, id := range ids {
		def, err := s.GetDefinition(ctx, kind, id)
		if err != nil {
			if errors.Is(err, ErrDefinitionNotFound) {
				continue
			}
			return nil, err
		}
		defs = append(defs, def)
	}
	sort.Slice(defs, func(i, j int) bool {
		if defs[i].Key != defs[j].Key {
			return defs[i].Key < defs[j].Key
		}
		return defs[i].Version < defs[j].Version
	})
	return defs, nil
}

func (s *RedisStore) DeleteDefinition(ctx context.Context, kind api.DefinitionKind, id string) error {
	exists, err := s.client.Exists(ctx, s.keyDef(kind, id)).Result()
	if err != nil {
		return err
	}
	if exists == 0 {
		return ErrDefinitionNotFound
	}
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.keyDef(kind, id))
	pipe.SRem(ctx, s.keyDefs(kind), id)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) ChangeMarker(ctx context.Context) (int64, error) {
	marker, err := s.client.Get(ctx, s.keyMarker()).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, err
	}
	return marker, nil
}

func (s *RedisStore) BumpChangeMarker(ctx context.Context) error {
	return s.client.Incr(ctx, s.keyMarker()).Err()
}
