// Package cache defines the stage-result cache contract. Keys are namespaced
// by document and stage and end in a fingerprint of the stage input, so a
// change upstream misses instead of serving a stale result.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var ErrMiss = errors.New("cache miss")

const namespace = "docpipe"

type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Invalidate(ctx context.Context, prefix string) (int, error)
	Ping(ctx context.Context) error
}

func Key(documentID uuid.UUID, stage, fingerprint string) string {
	return fmt.Sprintf("%s:doc:%s:%s:%s", namespace, documentID, stage, fingerprint)
}

// Prefix covers every entry of one stage, or of the whole document when stage is empty.
func Prefix(documentID uuid.UUID, stage string) string {
	if stage == "" {
		return fmt.Sprintf("%s:doc:%s:", namespace, documentID)
	}
	return fmt.Sprintf("%s:doc:%s:%s:", namespace, documentID, stage)
}

type envelope struct {
	Version int             `json:"v"`
	Payload json.RawMessage `json:"p"`
}

// GetJSON decodes a cached value written by PutJSON. Entries written under a
// different schema version are treated as misses.
func GetJSON(ctx context.Context, s Store, key string, version int, out any) (bool, error) {
	raw, err := s.Get(ctx, key)
	if errors.Is(err, ErrMiss) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Version != version {
		return false, nil
	}
	if err := json.Unmarshal(env.Payload, out); err != nil {
		return false, nil
	}
	return true, nil
}

func PutJSON(ctx context.Context, s Store, key string, version int, value any, ttl time.Duration) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal cache payload: %w", err)
	}
	raw, err := json.Marshal(envelope{Version: version, Payload: payload})
	if err != nil {
		return fmt.Errorf("failed to marshal cache envelope: %w", err)
	}
	return s.Put(ctx, key, raw, ttl)
}
