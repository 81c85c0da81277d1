package inventory

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/redis/go-redis/v9"
)

const (
	defaultKeyPrefix = "inventory:"
	skuSetSuffix     = "skus"

	fieldAvailable = "available"
	fieldReserved  = "reserved"
)

// adjustScript 原子地检查守卫字段并调整 available/reserved
// KEYS[1] 库存 hash
// ARGV[1] 守卫字段, ARGV[2] 守卫最小值, ARGV[3] available 增量, ARGV[4] reserved 增量
// 返回 -1 不存在, 0 守卫失败, 1 成功
var adjustScript = redis.NewScript(`
	if redis.call("EXISTS", KEYS[1]) == 0 then
		return -1
	end
	local current = tonumber(redis.call("HGET", KEYS[1], ARGV[1]) or "0")
	if current < tonumber(ARGV[2]) then
		return 0
	end
	local availableDelta = tonumber(ARGV[3])
	local reservedDelta = tonumber(ARGV[4])
	if availableDelta ~= 0 then
		redis.call("HINCRBY", KEYS[1], "available", availableDelta)
	end
	if reservedDelta ~= 0 then
		redis.call("HINCRBY", KEYS[1], "reserved", reservedDelta)
	end
	return 1
`)

// RedisStore keeps one hash per SKU.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a Redis-backed inventory store. An empty prefix uses "inventory:".
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(sku string) string {
	return s.prefix + sku
}

func (s *RedisStore) setKey() string {
	return s.prefix + skuSetSuffix
}

// Reserve moves qty from available to reserved if available >= qty.
func (s *RedisStore) Reserve(ctx context.Context, sku string, qty int64) error {
	if err := validate(sku, qty); err != nil {
		return err
	}
	return s.adjust(ctx, "reserve", sku, fieldAvailable, qty, -qty, qty, insufficientStock)
}

// Release moves qty from reserved back to available. Nothing changes when
// reserved < qty.
func (s *RedisStore) Release(ctx context.Context, sku string, qty int64) error {
	if err := validate(sku, qty); err != nil {
		return err
	}
	return s.adjust(ctx, "release", sku, fieldReserved, qty, qty, -qty, func() error {
		return insufficientReserved(sku)
	})
}

// Commit removes qty from reserved; the stock leaves the system.
func (s *RedisStore) Commit(ctx context.Context, sku string, qty int64) error {
	if err := validate(sku, qty); err != nil {
		return err
	}
	return s.adjust(ctx, "commit", sku, fieldReserved, qty, 0, -qty, func() error {
		return insufficientReserved(sku)
	})
}

func (s *RedisStore) adjust(ctx context.Context, op, sku, guardField string, guardMin, availableDelta, reservedDelta int64, guardErr func() error) error {
	res, err := adjustScript.Run(ctx, s.client, []string{s.key(sku)},
		guardField, guardMin, availableDelta, reservedDelta).Int64()
	if err != nil {
		return unavailable(op, err)
	}
	switch res {
	case 1:
		return nil
	case 0:
		return guardErr()
	case -1:
		return skuNotFound(sku)
	default:
		return unavailable(op, fmt.Errorf("unexpected script result %d", res))
	}
}

// Get 获取单个 SKU 库存
func (s *RedisStore) Get(ctx context.Context, sku string) (*Item, error) {
	fields, err := s.client.HGetAll(ctx, s.key(sku)).Result()
	if err != nil {
		return nil, unavailable("get", err)
	}
	if len(fields) == 0 {
		return nil, skuNotFound(sku)
	}
	return parseItem(sku, fields)
}

// List 返回全部库存，按 SKU 排序
func (s *RedisStore) List(ctx context.Context) ([]*Item, error) {
	skus, err := s.client.SMembers(ctx, s.setKey()).Result()
	if err != nil {
		return nil, unavailable("list", err)
	}
	sort.Strings(skus)

	cmds := make([]*redis.MapStringStringCmd, len(skus))
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, sku := range skus {
			cmds[i] = pipe.HGetAll(ctx, s.key(sku))
		}
		return nil
	})
	if err != nil {
		return nil, unavailable("list", err)
	}

	items := make([]*Item, 0, len(skus))
	for i, sku := range skus {
		fields := cmds[i].Val()
		if len(fields) == 0 {
			continue
		}
		item, err := parseItem(sku, fields)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

// Seed replaces the whole catalogue in one MULTI/EXEC.
func (s *RedisStore) Seed(ctx context.Context, items []Item) error {
	existing, err := s.client.SMembers(ctx, s.setKey()).Result()
	if err != nil {
		return unavailable("seed", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, sku := range existing {
			pipe.Del(ctx, s.key(sku))
		}
		pipe.Del(ctx, s.setKey())
		for _, item := range items {
			pipe.HSet(ctx, s.key(item.SKU), fieldAvailable, item.Available, fieldReserved, item.Reserved)
			pipe.SAdd(ctx, s.setKey(), item.SKU)
		}
		return nil
	})
	if err != nil {
		return unavailable("seed", err)
	}
	return nil
}

func parseItem(sku string, fields map[string]string) (*Item, error) {
	available, err := strconv.ParseInt(fields[fieldAvailable], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse %s available: %w", sku, err)
	}
	reserved, err := strconv.ParseInt(fields[fieldReserved], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse %s reserved: %w", sku, err)
	}
	return &Item{SKU: sku, Available: available, Reserved: reserved}, nil
}
