package events

import (
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"
)

const numShards = 16

// Bus is a topic-keyed fan-out broker. Each subscriber owns an unbounded
// queue drained by its own goroutine, so a slow reader never blocks Publish
// or other readers, and nothing is dropped.
type Bus struct {
	shards [numShards]*topicShard
	nextID atomic.Uint64
	now    func() time.Time
}

type topicShard struct {
	mu     sync.RWMutex
	topics map[string]*topic
}

// topic serializes fan-out so every subscriber sees one publish order.
type topic struct {
	mu   sync.Mutex
	subs map[uint64]*subscriber
}

type subscriber struct {
	out    chan Event
	notify chan struct{}
	done   chan struct{}
	once   sync.Once

	mu    sync.Mutex
	queue []Event
}

// NewBus creates an event bus.
func NewBus() *Bus {
	b := &Bus{now: time.Now}
	for i := 0; i < numShards; i++ {
		b.shards[i] = &topicShard{topics: make(map[string]*topic)}
	}
	return b
}

func (b *Bus) getShard(topic string) *topicShard {
	h := fnv.New32a()
	h.Write([]byte(topic))
	return b.shards[h.Sum32()%numShards]
}

// Subscribe registers a listener for topic and returns the channel and an
// unsubscribe function. buffer sizes the output channel; the backlog beyond it
// is queued. The channel is closed after unsubscribe.
func (b *Bus) Subscribe(name string, buffer int) (<-chan Event, func()) {
	if buffer < 0 {
		buffer = 0
	}
	sub := &subscriber{
		out:    make(chan Event, buffer),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	id := b.nextID.Add(1)

	sh := b.getShard(name)
	sh.mu.Lock()
	t, ok := sh.topics[name]
	if !ok {
		t = &topic{subs: make(map[uint64]*subscriber)}
		sh.topics[name] = t
	}
	t.mu.Lock()
	t.subs[id] = sub
	t.mu.Unlock()
	sh.mu.Unlock()

	go sub.pump()

	unsub := func() {
		sh.mu.Lock()
		if t, ok := sh.topics[name]; ok {
			t.mu.Lock()
			delete(t.subs, id)
			empty := len(t.subs) == 0
			t.mu.Unlock()
			if empty {
				delete(sh.topics, name)
			}
		}
		sh.mu.Unlock()
		sub.once.Do(func() { close(sub.done) })
	}
	return sub.out, unsub
}

// Publish enqueues an event for every current subscriber of topic.
func (b *Bus) Publish(topic, name string, payload any) {
	sh := b.getShard(topic)
	sh.mu.RLock()
	t, ok := sh.topics[topic]
	sh.mu.RUnlock()
	if !ok {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	evt := Event{Topic: topic, Name: name, Payload: payload, Time: b.now()}
	for _, sub := range t.subs {
		sub.enqueue(evt)
	}
}

// SubscriberCount returns the number of subscribers across all topics.
func (b *Bus) SubscriberCount() int {
	n := 0
	for _, sh := range b.shards {
		sh.mu.RLock()
		for _, t := range sh.topics {
			t.mu.Lock()
			n += len(t.subs)
			t.mu.Unlock()
		}
		sh.mu.RUnlock()
	}
	return n
}

// TopicCount returns the number of topics with at least one subscriber.
func (b *Bus) TopicCount() int {
	n := 0
	for _, sh := range b.shards {
		sh.mu.RLock()
		n += len(sh.topics)
		sh.mu.RUnlock()
	}
	return n
}

func (s *subscriber) enqueue(evt Event) {
	s.mu.Lock()
	s.queue = append(s.queue, evt)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *subscriber) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		s.mu.Unlock()

		for _, evt := range batch {
			select {
			case s.out <- evt:
			case <-s.done:
				return
			}
		}
		if len(batch) > 0 {
			continue
		}

		select {
		case <-s.notify:
		case <-s.done:
			return
		}
	}
}
