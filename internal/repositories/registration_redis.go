package repositories

import (
	"context"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/poofware/wallet-service/internal/models"
	"github.com/poofware/wallet-service/internal/utils"
)

const (
	defaultRedisKeyPrefix = "wallet:"
	redisScanCount        = 100
)

// Hash fields of a registration entry.
const (
	fieldPushToken = "push_token"
	fieldOwner     = "owning_identity"
	fieldPassType  = "pass_type_identifier"
	fieldCreatedAt = "created_at"
	fieldUpdatedAt = "updated_at"
)

// KEYS: reg hash, device set, index set, identity set
// ARGV: token, owner, pass type, now, serial, member, identity key prefix
var registerScript = redis.NewScript(`
local cur = redis.call('HMGET', KEYS[1], 'push_token', 'owning_identity', 'pass_type_identifier')
if not cur[1] then
  redis.call('HSET', KEYS[1],
    'push_token', ARGV[1], 'owning_identity', ARGV[2], 'pass_type_identifier', ARGV[3],
    'created_at', ARGV[4], 'updated_at', ARGV[4])
  redis.call('SADD', KEYS[2], ARGV[5])
  redis.call('SADD', KEYS[3], ARGV[6])
  redis.call('SADD', KEYS[4], ARGV[6])
  return 1
end
if cur[1] == ARGV[1] and cur[2] == ARGV[2] and cur[3] == ARGV[3] then
  return 0
end
if cur[2] ~= ARGV[2] then
  redis.call('SREM', ARGV[7] .. cur[2], ARGV[6])
  redis.call('SADD', KEYS[4], ARGV[6])
end
redis.call('HSET', KEYS[1],
  'push_token', ARGV[1], 'owning_identity', ARGV[2], 'pass_type_identifier', ARGV[3],
  'updated_at', ARGV[4])
return 0
`)

// KEYS: reg hash, device set, index set
// ARGV: identity, serial, member, identity key prefix
// Returns 1 removed, 0 not found, -1 owned by another identity.
var unregisterScript = redis.NewScript(`
local owner = redis.call('HGET', KEYS[1], 'owning_identity')
if not owner then
  return 0
end
if owner ~= ARGV[1] then
  return -1
end
redis.call('DEL', KEYS[1])
redis.call('SREM', KEYS[2], ARGV[2])
redis.call('SREM', KEYS[3], ARGV[3])
redis.call('SREM', ARGV[4] .. owner, ARGV[3])
return 1
`)

// KEYS: reg hash, device set, index set
// ARGV: token, serial, member, identity key prefix
var removeIfTokenScript = redis.NewScript(`
local cur = redis.call('HMGET', KEYS[1], 'push_token', 'owning_identity')
if not cur[1] or cur[1] ~= ARGV[1] then
  return 0
end
redis.call('DEL', KEYS[1])
redis.call('SREM', KEYS[2], ARGV[2])
redis.call('SREM', KEYS[3], ARGV[3])
redis.call('SREM', ARGV[4] .. cur[2], ARGV[3])
return 1
`)

// redisRegistrationStore keeps each registration in its own hash and
// maintains per-device, per-identity and global index sets. All writes go
// through Lua scripts so every check-and-set on a key is atomic server-side.
type redisRegistrationStore struct {
	client   redis.UniversalClient
	versions PassVersionReader
	prefix   string
	now      func() time.Time
}

func NewRedisRegistrationStore(client redis.UniversalClient, versions PassVersionReader, prefix string) RegistrationStore {
	if prefix == "" {
		prefix = defaultRedisKeyPrefix
	}
	return &redisRegistrationStore{
		client:   client,
		versions: versions,
		prefix:   prefix,
		now:      time.Now,
	}
}

func (s *redisRegistrationStore) regKey(device, serial string) string {
	return s.prefix + "reg:" + device + ":" + serial
}

func (s *redisRegistrationStore) deviceKey(device string) string {
	return s.prefix + "device:" + device
}

func (s *redisRegistrationStore) indexKey() string {
	return s.prefix + "registrations"
}

func (s *redisRegistrationStore) identityPrefix() string {
	return s.prefix + "identity:"
}

// member encodes a key for the index sets. Sanitized identifiers never
// contain ':' so the encoding is unambiguous.
func member(device, serial string) string {
	return device + ":" + serial
}

func splitMember(m string) (device, serial string, ok bool) {
	return strings.Cut(m, ":")
}

func (s *redisRegistrationStore) Register(ctx context.Context, reg models.Registration) (models.RegisterResult, error) {
	if err := validateRegistration(reg); err != nil {
		return 0, err
	}
	now := s.now().UTC().Format(time.RFC3339Nano)
	keys := []string{
		s.regKey(reg.DeviceLibraryIdentifier, reg.SerialNumber),
		s.deviceKey(reg.DeviceLibraryIdentifier),
		s.indexKey(),
		s.identityPrefix() + reg.OwningIdentity,
	}
	created, err := registerScript.Run(ctx, s.client, keys,
		reg.PushToken,
		reg.OwningIdentity,
		reg.PassTypeIdentifier,
		now,
		reg.SerialNumber,
		member(reg.DeviceLibraryIdentifier, reg.SerialNumber),
		s.identityPrefix(),
	).Int()
	if err != nil {
		return 0, fmt.Errorf("redis register: %w", err)
	}
	if created == 1 {
		return models.RegisterCreated, nil
	}
	return models.RegisterAlreadyCurrent, nil
}

func (s *redisRegistrationStore) Unregister(ctx context.Context, device, serial, identity string) (models.UnregisterResult, error) {
	if err := validateKey(device, serial); err != nil {
		return models.UnregisterNotFound, nil
	}
	res, err := unregisterScript.Run(ctx, s.client,
		[]string{s.regKey(device, serial), s.deviceKey(device), s.indexKey()},
		identity, serial, member(device, serial), s.identityPrefix(),
	).Int()
	if err != nil {
		return 0, fmt.Errorf("redis unregister: %w", err)
	}
	switch res {
	case 1:
		return models.UnregisterOK, nil
	case -1:
		return 0, utils.ErrPermissionDenied
	default:
		return models.UnregisterNotFound, nil
	}
}

func (s *redisRegistrationStore) ListSerialNumbers(
	ctx context.Context,
	device, passType string,
	updatedSince *time.Time,
) ([]string, error) {
	if !utils.IsValidIdentifier(device) {
		return []string{}, nil
	}
	serials, err := s.client.SMembers(ctx, s.deviceKey(device)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list device serials: %w", err)
	}

	matching := make([]string, 0, len(serials))
	for _, serial := range serials {
		pt, err := s.client.HGet(ctx, s.regKey(device, serial), fieldPassType).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("redis read registration: %w", err)
		}
		if pt == passType {
			matching = append(matching, serial)
		}
	}
	return filterUpdatedSince(ctx, s.versions, matching, updatedSince)
}

func (s *redisRegistrationStore) AllRegistrations(ctx context.Context) iter.Seq2[models.Registration, error] {
	return func(yield func(models.Registration, error) bool) {
		var cursor uint64
		for {
			members, next, err := s.client.SScan(ctx, s.indexKey(), cursor, "", redisScanCount).Result()
			if err != nil {
				yield(models.Registration{}, fmt.Errorf("redis scan registrations: %w", err))
				return
			}
			for _, m := range members {
				device, serial, ok := splitMember(m)
				if !ok {
					continue
				}
				reg, found, err := s.load(ctx, device, serial)
				if err != nil {
					yield(models.Registration{}, err)
					return
				}
				if !found {
					// removed after the scan saw it
					continue
				}
				if !yield(reg, nil) {
					return
				}
			}
			if next == 0 {
				return
			}
			cursor = next
		}
	}
}

func (s *redisRegistrationStore) load(ctx context.Context, device, serial string) (models.Registration, bool, error) {
	fields, err := s.client.HGetAll(ctx, s.regKey(device, serial)).Result()
	if err != nil {
		return models.Registration{}, false, fmt.Errorf("redis load registration: %w", err)
	}
	if len(fields) == 0 || fields[fieldPushToken] == "" {
		return models.Registration{}, false, nil
	}
	reg := models.Registration{
		DeviceLibraryIdentifier: device,
		SerialNumber:            serial,
		PassTypeIdentifier:      fields[fieldPassType],
		PushToken:               fields[fieldPushToken],
		OwningIdentity:          fields[fieldOwner],
	}
	reg.CreatedAt, _ = time.Parse(time.RFC3339Nano, fields[fieldCreatedAt])
	reg.UpdatedAt, _ = time.Parse(time.RFC3339Nano, fields[fieldUpdatedAt])
	return reg, true, nil
}

func (s *redisRegistrationStore) RemoveIfInvalid(ctx context.Context, device, serial, token string) (bool, error) {
	res, err := removeIfTokenScript.Run(ctx, s.client,
		[]string{s.regKey(device, serial), s.deviceKey(device), s.indexKey()},
		token, serial, member(device, serial), s.identityPrefix(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("redis remove invalid registration: %w", err)
	}
	return res == 1, nil
}

func (s *redisRegistrationStore) RemoveByIdentity(ctx context.Context, identity string) (int, error) {
	members, err := s.client.SMembers(ctx, s.identityPrefix()+identity).Result()
	if err != nil {
		return 0, fmt.Errorf("redis list identity registrations: %w", err)
	}
	removed := 0
	for _, m := range members {
		device, serial, ok := splitMember(m)
		if !ok {
			continue
		}
		res, err := s.Unregister(ctx, device, serial, identity)
		if err == utils.ErrPermissionDenied {
			// re-registered by someone else since the index was read
			continue
		}
		if err != nil {
			return removed, err
		}
		if res == models.UnregisterOK {
			removed++
		}
	}
	return removed, nil
}

func (s *redisRegistrationStore) Count(ctx context.Context) (int, error) {
	n, err := s.client.SCard(ctx, s.indexKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("redis count registrations: %w", err)
	}
	return int(n), nil
}
