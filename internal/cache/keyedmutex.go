package cache

import (
	"context"
	"sync"
)

type keyedShard struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	ch   chan struct{}
	refs int
}

// KeyedMutex serializes work per key while letting different keys proceed
// in parallel. Lock entries are reference counted and dropped when unused.
type KeyedMutex struct {
	shards []*keyedShard
}

// NewKeyedMutex returns an empty KeyedMutex.
func NewKeyedMutex() *KeyedMutex {
	k := &KeyedMutex{shards: make([]*keyedShard, defaultShards)}
	for i := range k.shards {
		k.shards[i] = &keyedShard{locks: make(map[string]*keyedLock)}
	}
	return k
}

// Acquire blocks until the lock for key is held or ctx is done. The returned
// release func must be called exactly once.
func (k *KeyedMutex) Acquire(ctx context.Context, key string) (func(), error) {
	s := k.shards[ShardFor(key, len(k.shards))]

	s.mu.Lock()
	l, ok := s.locks[key]
	if !ok {
		l = &keyedLock{ch: make(chan struct{}, 1)}
		s.locks[key] = l
	}
	l.refs++
	s.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
	case <-ctx.Done():
		k.unref(s, key, l)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-l.ch
			k.unref(s, key, l)
		})
	}, nil
}

func (k *KeyedMutex) unref(s *keyedShard, key string, l *keyedLock) {
	s.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(s.locks, key)
	}
	s.mu.Unlock()
}

// Held returns the number of keys with an active holder or waiter.
func (k *KeyedMutex) Held() int {
	n := 0
	for _, s := range k.shards {
		s.mu.Lock()
		n += len(s.locks)
		s.mu.Unlock()
	}
	return n
}
