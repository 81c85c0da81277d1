package sagalog

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	commonerrors "github.com/dualstore/saga/pkg/errors"
)

const (
	defaultKeyPrefix = "saga:log:"
	indexSuffix      = "index"
	queryBatch       = 100

	fieldState     = "state"
	fieldContext   = "context"
	fieldCreatedAt = "createdAt"
	fieldUpdatedAt = "updatedAt"
)

// RedisStore keeps one hash per transaction and a sorted set of transaction
// ids scored by updatedAt (unix millis).
type RedisStore struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// NewRedisStore creates a saga log store. An empty prefix uses "saga:log:".
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &RedisStore{client: client, prefix: prefix, now: time.Now}
}

func (s *RedisStore) key(txID string) string {
	return s.prefix + txID
}

func (s *RedisStore) indexKey() string {
	return s.prefix + indexSuffix
}

// Record upserts the entry for txID. The write is a single MULTI/EXEC so a
// reader never sees a state without its context.
func (s *RedisStore) Record(ctx context.Context, txID string, state State, c Context) error {
	payload, err := json.Marshal(c)
	if err != nil {
		return logWriteFailure(txID, err)
	}
	now := s.now().UTC()
	stamp := now.Format(time.RFC3339Nano)

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.key(txID),
			fieldState, string(state),
			fieldContext, string(payload),
			fieldUpdatedAt, stamp,
		)
		pipe.HSetNX(ctx, s.key(txID), fieldCreatedAt, stamp)
		pipe.ZAdd(ctx, s.indexKey(), redis.Z{Score: float64(now.UnixMilli()), Member: txID})
		return nil
	})
	if err != nil {
		return logWriteFailure(txID, err)
	}
	return nil
}

// Get returns the entry for txID.
func (s *RedisStore) Get(ctx context.Context, txID string) (*Entry, error) {
	fields, err := s.client.HGetAll(ctx, s.key(txID)).Result()
	if err != nil {
		return nil, unavailable("get", err)
	}
	if len(fields) == 0 {
		return nil, commonerrors.Newf(commonerrors.CodeNotFound, "saga %s not found", txID)
	}
	return parseEntry(txID, fields)
}

// Query returns matching entries newest first. Pages are cut by score, not
// offset, so a Record landing mid-query cannot shift entries between pages.
func (s *RedisStore) Query(ctx context.Context, f Filter) ([]*Entry, error) {
	max := "+inf"
	if !f.UpdatedBefore.IsZero() {
		max = "(" + strconv.FormatInt(f.UpdatedBefore.UnixMilli(), 10)
	}

	var (
		cursor   float64
		atCursor map[string]struct{} // ids already returned with score == cursor
	)
	out := make([]*Entry, 0)
	for {
		count := int64(queryBatch + len(atCursor))
		page, err := s.client.ZRevRangeByScoreWithScores(ctx, s.indexKey(), &redis.ZRangeBy{
			Min:   "-inf",
			Max:   max,
			Count: count,
		}).Result()
		if err != nil {
			return nil, unavailable("query", err)
		}

		ids := make([]string, 0, len(page))
		for _, z := range page {
			id, _ := z.Member.(string)
			if _, seen := atCursor[id]; seen && z.Score == cursor {
				continue
			}
			if atCursor == nil || z.Score != cursor {
				cursor = z.Score
				atCursor = make(map[string]struct{})
			}
			atCursor[id] = struct{}{}
			ids = append(ids, id)
		}

		entries, err := s.load(ctx, ids)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if !f.match(e) {
				continue
			}
			out = append(out, e)
			if f.Limit > 0 && len(out) >= f.Limit {
				return out, nil
			}
		}
		if int64(len(page)) < count {
			return out, nil
		}
		// 同分数的成员按字典序倒排，已返回的会排在下一页最前面
		max = strconv.FormatFloat(cursor, 'f', -1, 64)
	}
}

func (s *RedisStore) load(ctx context.Context, ids []string) ([]*Entry, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, s.key(id))
		}
		return nil
	})
	if err != nil {
		return nil, unavailable("query", err)
	}

	entries := make([]*Entry, 0, len(ids))
	for i, id := range ids {
		fields := cmds[i].Val()
		// 索引残留但 hash 已被删除
		if len(fields) == 0 {
			continue
		}
		e, err := parseEntry(id, fields)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Reset deletes every entry. Only the seed operation calls it.
func (s *RedisStore) Reset(ctx context.Context) error {
	ids, err := s.client.ZRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return unavailable("reset", err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range ids {
			pipe.Del(ctx, s.key(id))
		}
		pipe.Del(ctx, s.indexKey())
		return nil
	})
	if err != nil {
		return unavailable("reset", err)
	}
	return nil
}

func parseEntry(txID string, fields map[string]string) (*Entry, error) {
	e := &Entry{TxID: txID, State: State(fields[fieldState])}
	if raw := fields[fieldContext]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &e.Context); err != nil {
			return nil, fmt.Errorf("decode saga %s context: %w", txID, err)
		}
	}
	var err error
	if e.CreatedAt, err = parseTime(fields[fieldCreatedAt]); err != nil {
		return nil, fmt.Errorf("decode saga %s createdAt: %w", txID, err)
	}
	if e.UpdatedAt, err = parseTime(fields[fieldUpdatedAt]); err != nil {
		return nil, fmt.Errorf("decode saga %s updatedAt: %w", txID, err)
	}
	return e, nil
}

func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, v)
}

func logWriteFailure(txID string, err error) error {
	return commonerrors.Wrap(commonerrors.CodeLogWriteFailure, "saga log write failed for "+txID, err)
}

func unavailable(op string, err error) error {
	return commonerrors.Wrap(commonerrors.CodeUnavailable, "saga log unavailable: "+op, err)
}
