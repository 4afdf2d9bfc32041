package persistence

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/petrijr/flowtx/pkg/api"
)

// RedisRunStore is a RunStore backed by Redis.
// It uses a simple key structure:
//
//	<prefix>run:<id>             => gob-encoded redisRunPayload
//	<prefix>idx:all              => SET of all run IDs
//	<prefix>idx:wf:<workflow>    => SET of run IDs for a given workflow
//	<prefix>idx:status:<status>  => SET of run IDs for a given status
//
// A run is saved once, after it finished, so the indexes never go stale.
type RedisRunStore struct {
	client *redis.Client
	prefix string
}

var _ RunStore = (*RedisRunStore)(nil)

type redisRunPayload struct {
	ID          string
	Workflow    string
	Status      string
	FailingStep string
	ErrorClass  string
	Error       string
	StartedAt   int64
	DurationNs  int64
	Data        []byte
}

// NewRedisRunStore creates a RedisRunStore.
// prefix is optional but recommended (e.g. "flowtx:").
func NewRedisRunStore(client *redis.Client, prefix string) *RedisRunStore {
	if prefix == "" {
		prefix = "flowtx:"
	}
	return &RedisRunStore{
		client: client,
		prefix: prefix,
	}
}

func (s *RedisRunStore) keyRun(id string) string {
	return s.prefix + "run:" + id
}

func (s *RedisRunStore) keyAll() string {
	return s.prefix + "idx:all"
}

func (s *RedisRunStore) keyWorkflow(name string) string {
	return s.prefix + "idx:wf:" + name
}

func (s *RedisRunStore) keyStatus(status api.Status) string {
	return s.prefix + "idx:status:" + string(status)
}

func encodeRedisPayload(rec *api.RunRecord) ([]byte, error) {
	data, err := encodeRunData(rec)
	if err != nil {
		return nil, err
	}
	payload := redisRunPayload{
		ID:          rec.ID,
		Workflow:    rec.Workflow,
		Status:      string(rec.Status),
		FailingStep: rec.FailingStep,
		ErrorClass:  string(rec.ErrorClass),
		Error:       rec.Error,
		StartedAt:   unixNano(rec.StartedAt),
		DurationNs:  int64(rec.Duration),
		Data:        data,
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&payload); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeRedisPayload(data []byte) (*api.RunRecord, error) {
	if len(data) == 0 {
		return nil, ErrRunNotFound
	}
	var payload redisRunPayload
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&payload); err != nil {
		return nil, err
	}

	rec := &api.RunRecord{
		ID:          payload.ID,
		Workflow:    payload.Workflow,
		Status:      api.Status(payload.Status),
		FailingStep: payload.FailingStep,
		ErrorClass:  api.ErrorClass(payload.ErrorClass),
		Error:       payload.Error,
		StartedAt:   fromUnixNano(payload.StartedAt),
		Duration:    time.Duration(payload.DurationNs),
	}
	if err := decodeRunData(payload.Data, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *RedisRunStore) SaveRun(ctx context.Context, rec *api.RunRecord) error {
	data, err := encodeRedisPayload(rec)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.keyRun(rec.ID), data, 0)
	pipe.SAdd(ctx, s.keyAll(), rec.ID)
	pipe.SAdd(ctx, s.keyWorkflow(rec.Workflow), rec.ID)
	pipe.SAdd(ctx, s.keyStatus(rec.Status), rec.ID)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisRunStore) GetRun(ctx context.Context, id string) (*api.RunRecord, error) {
	data, err := s.client.Get(ctx, s.keyRun(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrRunNotFound
		}
		return nil, err
	}
	return decodeRedisPayload(data)
}

func (s *RedisRunStore) ListRuns(ctx context.Context, filter RunFilter) ([]*api.RunRecord, error) {
	var ids []string
	var err error

	switch {
	case filter.Workflow != "" && filter.Status != "":
		ids, err = s.client.SInter(ctx,
			s.keyWorkflow(filter.Workflow),
			s.keyStatus(filter.Status),
		).Result()
	case filter.Workflow != "":
		ids, err = s.client.SMembers(ctx, s.keyWorkflow(filter.Workflow)).Result()
	case filter.Status != "":
		ids, err = s.client.SMembers(ctx, s.keyStatus(filter.Status)).Result()
	default:
		ids, err = s.client.SMembers(ctx, s.keyAll()).Result()
	}

	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []*api.RunRecord{}, nil
		}
		return nil, err
	}
	if len(ids) == 0 {
		return []*api.RunRecord{}, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.Get(ctx, s.keyRun(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	runs := make([]*api.RunRecord, 0, len(cmds))
	for _, cmd := range cmds {
		data, err := cmd.Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return nil, err
		}
		rec, err := decodeRedisPayload(data)
		if err != nil {
			return nil, err
		}
		runs = append(runs, rec)
	}

	sortRuns(runs)
	return runs, nil
}
