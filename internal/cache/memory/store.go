package memory

import (
	"context"
	"fmt"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/legal-doc-processor/backend/internal/cache"
)

// Store is an in-process cache.Store for single-node deployments and tests.
type Store struct {
	c *gocache.Cache
}

func New() *Store {
	return &Store{c: gocache.New(gocache.NoExpiration, 10*time.Minute)}
}

func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	v, ok := s.c.Get(key)
	if !ok {
		return nil, cache.ErrMiss
	}
	b, ok := v.([]byte)
	if !ok {
		return nil, fmt.Errorf("unexpected cache value type %T", v)
	}
	return b, nil
}

func (s *Store) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = gocache.NoExpiration
	}
	stored := make([]byte, len(value))
	copy(stored, value)
	s.c.Set(key, stored, ttl)
	return nil
}

func (s *Store) Invalidate(_ context.Context, prefix string) (int, error) {
	n := 0
	for key := range s.c.Items() {
		if strings.HasPrefix(key, prefix) {
			s.c.Delete(key)
			n++
		}
	}
	return n, nil
}

func (s *Store) Ping(context.Context) error {
	return nil
}

func (s *Store) Len() int {
	return s.c.ItemCount()
}
