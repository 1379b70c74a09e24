// Package redisx содержит работу с Redis: повтор ответов по ключу идемпотентности.
package redisx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// New создаёт клиент Redis.
func New(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
}

// Response: сохранённый HTTP-ответ на запрос с ключом идемпотентности.
type Response struct {
	Status int             `json:"status"`
	Body   json.RawMessage `json:"body"`
}

// IdempotencyStore хранит ответы на создание заказов.
type IdempotencyStore struct {
	rdb redis.Cmdable
}

// NewIdempotencyStore создаёт хранилище поверх клиента Redis.
func NewIdempotencyStore(rdb redis.Cmdable) *IdempotencyStore {
	return &IdempotencyStore{rdb: rdb}
}

// Lookup возвращает сохранённый ответ или nil, если запроса с таким ключом ещё не было.
func (s *IdempotencyStore) Lookup(ctx context.Context, userID, key string) (*Response, error) {
	raw, err := s.rdb.Get(ctx, fmt.Sprintf(KeyIdemOrderCreate, userID, key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("get idempotent response: %w", err)
	}

	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode idempotent response: %w", err)
	}
	return &resp, nil
}

// Acquire захватывает ключ на время обработки запроса.
// false означает, что такой же запрос уже выполняется.
func (s *IdempotencyStore) Acquire(ctx context.Context, userID, key string) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, fmt.Sprintf(KeyIdemLock, userID, key), 1, TTLIdemLock).Result()
	if err != nil {
		return false, fmt.Errorf("acquire idempotency key: %w", err)
	}
	return ok, nil
}

// Release снимает захват ключа без сохранения ответа.
func (s *IdempotencyStore) Release(ctx context.Context, userID, key string) error {
	if err := s.rdb.Del(ctx, fmt.Sprintf(KeyIdemLock, userID, key)).Err(); err != nil {
		return fmt.Errorf("release idempotency key: %w", err)
	}
	return nil
}

// Save сохраняет ответ и снимает захват ключа.
func (s *IdempotencyStore) Save(ctx context.Context, userID, key string, resp Response) error {
	raw, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encode idempotent response: %w", err)
	}

	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, fmt.Sprintf(KeyIdemOrderCreate, userID, key), raw, TTLIdempotency)
		p.Del(ctx, fmt.Sprintf(KeyIdemLock, userID, key))
		return nil
	})
	if err != nil {
		return fmt.Errorf("save idempotent response: %w", err)
	}
	return nil
}
