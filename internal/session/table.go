package session

import (
	"context"
	"hash/fnv"
	"sort"
	"sync"
)

const numShards = 16

type phase uint8

const (
	phaseIdle phase = iota
	phaseCreating
	phaseReady
	phaseRemoving
)

// slot holds one key. op is the per-key lock serializing create/remove; mu
// guards val and phase for readers that never take op.
type slot[V any] struct {
	op    chan struct{}
	mu    sync.RWMutex
	val   *V
	phase phase
	// attempts counts finished factory runs; failed holds the last failure.
	attempts uint64
	failed   error
	refs     int // guarded by shard.mu
}

type shard[V any] struct {
	mu    sync.Mutex
	slots map[string]*slot[V]
}

// table is a sharded map with single-flight create and remove per key.
type table[V any] struct {
	shards [numShards]*shard[V]
}

func newTable[V any]() *table[V] {
	t := &table[V]{}
	for i := 0; i < numShards; i++ {
		t.shards[i] = &shard[V]{slots: make(map[string]*slot[V])}
	}
	return t
}

func (t *table[V]) getShard(key string) *shard[V] {
	h := fnv.New32a()
	h.Write([]byte(key))
	return t.shards[h.Sum32()%numShards]
}

func (t *table[V]) peek(key string) *slot[V] {
	sh := t.getShard(key)
	sh.mu.Lock()
	s := sh.slots[key]
	sh.mu.Unlock()
	return s
}

// acquire pins the slot for key, creating it if needed.
func (t *table[V]) acquire(key string) *slot[V] {
	sh := t.getShard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	s, ok := sh.slots[key]
	if !ok {
		s = &slot[V]{op: make(chan struct{}, 1)}
		sh.slots[key] = s
	}
	s.refs++
	return s
}

// release unpins the slot and drops it once nobody holds it and it is empty.
func (t *table[V]) release(key string, s *slot[V]) {
	sh := t.getShard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	s.refs--
	if s.refs > 0 {
		return
	}
	s.mu.RLock()
	empty := s.val == nil
	s.mu.RUnlock()
	if empty && sh.slots[key] == s {
		delete(sh.slots, key)
	}
}

func (s *slot[V]) lock(ctx context.Context) error {
	select {
	case s.op <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *slot[V]) unlock() { <-s.op }

func (s *slot[V]) setPhase(p phase) {
	s.mu.Lock()
	s.phase = p
	s.mu.Unlock()
}

func (s *slot[V]) load() (V, phase, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.val == nil {
		var zero V
		return zero, s.phase, false
	}
	return *s.val, s.phase, true
}

// getOrCreate returns the value for key, running factory at most once among
// concurrent callers. Waiters get the winner's value with created=false, or
// the winner's error if its factory failed while they were queued. A failed
// factory leaves nothing behind and later callers try again.
func (t *table[V]) getOrCreate(ctx context.Context, key string, factory func(context.Context) (V, error)) (V, bool, error) {
	if s := t.peek(key); s != nil {
		if v, ph, ok := s.load(); ok && ph == phaseReady {
			return v, false, nil
		}
	}

	s := t.acquire(key)
	defer t.release(key, s)

	s.mu.RLock()
	seen := s.attempts
	s.mu.RUnlock()

	var zero V
	if err := s.lock(ctx); err != nil {
		return zero, false, err
	}
	defer s.unlock()

	s.mu.RLock()
	if s.val != nil {
		v := *s.val
		s.mu.RUnlock()
		return v, false, nil
	}
	if s.attempts != seen && s.failed != nil {
		err := s.failed
		s.mu.RUnlock()
		return zero, false, err
	}
	s.mu.RUnlock()

	s.setPhase(phaseCreating)
	v, err := factory(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	s.failed = err
	if err != nil {
		s.phase = phaseIdle
		return zero, false, err
	}
	s.val = &v
	s.phase = phaseReady
	return v, true, nil
}

// remove runs teardown on the current value under the key lock. The value is
// dropped only when teardown says so. Missing keys are a no-op.
func (t *table[V]) remove(ctx context.Context, key string, teardown func(context.Context, V) (bool, error)) (V, bool, error) {
	var zero V
	if t.peek(key) == nil {
		return zero, false, nil
	}

	s := t.acquire(key)
	defer t.release(key, s)

	if err := s.lock(ctx); err != nil {
		return zero, false, err
	}
	defer s.unlock()

	v, _, ok := s.load()
	if !ok {
		return zero, false, nil
	}

	s.setPhase(phaseRemoving)
	drop, err := true, error(nil)
	if teardown != nil {
		drop, err = teardown(ctx, v)
	}
	s.mu.Lock()
	if drop {
		s.val = nil
		s.phase = phaseIdle
	} else {
		s.phase = phaseReady
	}
	s.mu.Unlock()
	return v, true, err
}

// update mutates a present value in place. It does not take the key lock.
func (t *table[V]) update(key string, fn func(*V)) bool {
	s := t.peek(key)
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.val == nil {
		return false
	}
	fn(s.val)
	return true
}

func (t *table[V]) get(key string) (V, phase, bool) {
	s := t.peek(key)
	if s == nil {
		var zero V
		return zero, phaseIdle, false
	}
	return s.load()
}

// snapshot returns every present value ordered by key.
func (t *table[V]) snapshot() []V {
	type kv struct {
		key string
		val V
	}
	var items []kv
	for _, sh := range t.shards {
		sh.mu.Lock()
		for k, s := range sh.slots {
			s.mu.RLock()
			if s.val != nil {
				items = append(items, kv{key: k, val: *s.val})
			}
			s.mu.RUnlock()
		}
		sh.mu.Unlock()
	}
	sort.Slice(items, func(i, j int) bool { return items[i].key < items[j].key })
	out := make([]V, len(items))
	for i, it := range items {
		out[i] = it.val
	}
	return out
}

func (t *table[V]) len() int {
	n := 0
	for _, sh := range t.shards {
		sh.mu.Lock()
		for _, s := range sh.slots {
			s.mu.RLock()
			if s.val != nil {
				n++
			}
			s.mu.RUnlock()
		}
		sh.mu.Unlock()
	}
	return n
}
