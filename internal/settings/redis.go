package settings

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
)

// Redis — Store поверх redis.
//
// Ключи (prefix по умолчанию "qfarm:"):
//   - <prefix>auto          HASH  userID -> accountID;
//   - <prefix>notify:<uid>  SET   groupID;
//   - <prefix>notify:users  SET   userID с непустым набором групп;
//   - <prefix>banned        SET   userID.
type Redis struct {
	rdb    *redis.Client
	prefix string
}

var _ Store = (*Redis)(nil)

// NewRedis создаёт клиент из URL (например, redis://:pass@host:6379/0)
// и проверяет соединение.
func NewRedis(ctx context.Context, redisURL, prefix string) (*Redis, error) {
	const op = "settings.NewRedis"

	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("%s: parse url: %w", op, err)
	}

	rdb := redis.NewClient(opt)

	// Fail-fast на старте.
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("%s: ping: %w", op, err)
	}

	return NewRedisFromClient(rdb, prefix), nil
}

// NewRedisFromClient оборачивает готовый клиент (тесты с miniredis).
func NewRedisFromClient(rdb *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = "qfarm:"
	}
	return &Redis{rdb: rdb, prefix: prefix}
}

func (s *Redis) autoKey() string                { return s.prefix + "auto" }
func (s *Redis) notifyKey(userID string) string { return s.prefix + "notify:" + userID }
func (s *Redis) notifyUsersKey() string         { return s.prefix + "notify:users" }
func (s *Redis) bannedKey() string              { return s.prefix + "banned" }

func (s *Redis) AutoAccount(ctx context.Context, userID string) (string, bool, error) {
	const op = "settings.Redis.AutoAccount"

	id, err := s.rdb.HGet(ctx, s.autoKey(), userID).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("%s: %w", op, err)
	}

	return id, true, nil
}

func (s *Redis) SetAutoAccount(ctx context.Context, userID, accountID string) error {
	const op = "settings.Redis.SetAutoAccount"

	if err := validID(userID, accountID); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if err := s.rdb.HSet(ctx, s.autoKey(), userID, accountID).Err(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func (s *Redis) DeleteAutoAccount(ctx context.Context, userID string) error {
	const op = "settings.Redis.DeleteAutoAccount"

	if err := s.rdb.HDel(ctx, s.autoKey(), userID).Err(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func (s *Redis) NotifyGroups(ctx context.Context, userID string) ([]string, error) {
	const op = "settings.Redis.NotifyGroups"

	groups, err := s.rdb.SMembers(ctx, s.notifyKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	sort.Strings(groups)
	return groups, nil
}

func (s *Redis) AddNotifyGroup(ctx context.Context, userID, groupID string) error {
	const op = "settings.Redis.AddNotifyGroup"

	if err := validID(userID, groupID); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	pipe := s.rdb.TxPipeline()
	pipe.SAdd(ctx, s.notifyKey(userID), groupID)
	pipe.SAdd(ctx, s.notifyUsersKey(), userID)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

// removeIfEmpty снимает пользователя из notify:users, когда его набор групп опустел.
// Скрипт атомарен: параллельный AddNotifyGroup не потеряет пользователя.
var removeIfEmpty = redis.NewScript(`
redis.call("SREM", KEYS[1], ARGV[1])
if redis.call("SCARD", KEYS[1]) == 0 then
	redis.call("SREM", KEYS[2], ARGV[2])
end
return 1
`)

func (s *Redis) RemoveNotifyGroup(ctx context.Context, userID, groupID string) error {
	const op = "settings.Redis.RemoveNotifyGroup"

	keys := []string{s.notifyKey(userID), s.notifyUsersKey()}
	if err := removeIfEmpty.Run(ctx, s.rdb, keys, groupID, userID).Err(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func (s *Redis) NotifyUsers(ctx context.Context) ([]string, error) {
	const op = "settings.Redis.NotifyUsers"

	users, err := s.rdb.SMembers(ctx, s.notifyUsersKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	sort.Strings(users)
	return users, nil
}

func (s *Redis) IsBanned(ctx context.Context, userID string) (bool, error) {
	const op = "settings.Redis.IsBanned"

	ok, err := s.rdb.SIsMember(ctx, s.bannedKey(), userID).Result()
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}

	return ok, nil
}

func (s *Redis) Ban(ctx context.Context, userID string) error {
	const op = "settings.Redis.Ban"

	if err := validID(userID); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if err := s.rdb.SAdd(ctx, s.bannedKey(), userID).Err(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func (s *Redis) Unban(ctx context.Context, userID string) error {
	const op = "settings.Redis.Unban"

	if err := s.rdb.SRem(ctx, s.bannedKey(), userID).Err(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

// Close закрывает клиент Redis.
func (s *Redis) Close() error { return s.rdb.Close() }
