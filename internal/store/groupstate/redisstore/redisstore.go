// Package redisstore is a Redis-backed groupstate.Store, keeping a side
// index set of known group ids so List can enumerate without a KEYS scan.
package redisstore

import (
	"context"
	"encoding/hex"

	"github.com/marmot-im/marmot-go/internal/errs"
	"github.com/marmot-im/marmot-go/internal/store/groupstate"
	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix = "marmot:groupstate:"
	indexKey  = "marmot:groupstate:index"
)

type Store struct {
	rdb *redis.Client
}

func New(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

var _ groupstate.Store = (*Store)(nil)

func dataKey(groupID []byte) string { return keyPrefix + hex.EncodeToString(groupID) }

func (s *Store) Get(ctx context.Context, groupID []byte) ([]byte, bool, error) {
	v, err := s.rdb.Get(ctx, dataKey(groupID)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errs.Wrap(errs.StoreFailure, "redis get group state", err)
	}
	return v, true, nil
}

func (s *Store) Set(ctx context.Context, groupID []byte, stateBytes []byte) error {
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, dataKey(groupID), stateBytes, 0)
	pipe.SAdd(ctx, indexKey, hex.EncodeToString(groupID))
	if _, err := pipe.Exec(ctx); err != nil {
		return errs.Wrap(errs.StoreFailure, "redis set group state", err)
	}
	return nil
}

func (s *Store) Remove(ctx context.Context, groupID []byte) error {
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, dataKey(groupID))
	pipe.SRem(ctx, indexKey, hex.EncodeToString(groupID))
	if _, err := pipe.Exec(ctx); err != nil {
		return errs.Wrap(errs.StoreFailure, "redis remove group state", err)
	}
	return nil
}

func (s *Store) List(ctx context.Context) ([][]byte, error) {
	ids, err := s.rdb.SMembers(ctx, indexKey).Result()
	if err != nil {
		return nil, errs.Wrap(errs.StoreFailure, "redis list group state ids", err)
	}
	out := make([][]byte, 0, len(ids))
	for _, idHex := range ids {
		groupID, err := hex.DecodeString(idHex)
		if err != nil {
			continue
		}
		v, ok, err := s.Get(ctx, groupID)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, v)
		}
	}
	return out, nil
}
