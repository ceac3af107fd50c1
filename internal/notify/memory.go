package notify

import (
	"context"
	"sync"

	"github.com/bwmarrin/snowflake"
)

// MemoryBus is an in-process Bus with the same at-most-once semantics as the
// redis-backed one: no backlog, slow subscribers drop events. Used in tests
// and single-process deployments.
type MemoryBus struct {
	mu      sync.RWMutex
	streams map[string]*memoryStream
}

type memoryStream struct {
	mu     sync.Mutex
	subs   map[uint64]chan Event
	nextID uint64
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{streams: make(map[string]*memoryStream)}
}

func (b *MemoryBus) Publish(_ context.Context, accountID snowflake.ID, eventType string, payload any) {
	raw, err := encodeEnvelope(eventType, payload)
	if err != nil {
		return
	}
	event, err := decodeEnvelope(raw)
	if err != nil {
		return
	}

	b.mu.RLock()
	stream := b.streams[Channel(accountID)]
	b.mu.RUnlock()
	if stream == nil {
		return
	}

	stream.mu.Lock()
	subs := make([]chan Event, 0, len(stream.subs))
	for _, ch := range stream.subs {
		subs = append(subs, ch)
	}
	stream.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- event:
		default:
		}
	}
}

func (b *MemoryBus) Subscribe(_ context.Context, accountID snowflake.ID) (Subscription, error) {
	stream := b.ensureStream(Channel(accountID))

	stream.mu.Lock()
	id := stream.nextID
	stream.nextID++
	ch := make(chan Event, subscriberBuffer)
	stream.subs[id] = ch
	stream.mu.Unlock()

	return &memorySubscription{bus: b, channel: Channel(accountID), id: id, ch: ch}, nil
}

func (b *MemoryBus) ensureStream(channel string) *memoryStream {
	b.mu.RLock()
	current := b.streams[channel]
	b.mu.RUnlock()
	if current != nil {
		return current
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	current = b.streams[channel]
	if current == nil {
		current = &memoryStream{subs: make(map[uint64]chan Event)}
		b.streams[channel] = current
	}
	return current
}

func (b *MemoryBus) unsubscribe(channel string, id uint64) {
	b.mu.RLock()
	stream := b.streams[channel]
	b.mu.RUnlock()
	if stream == nil {
		return
	}

	stream.mu.Lock()
	delete(stream.subs, id)
	remaining := len(stream.subs)
	stream.mu.Unlock()
	if remaining != 0 {
		return
	}

	b.mu.Lock()
	if current := b.streams[channel]; current == stream {
		delete(b.streams, channel)
	}
	b.mu.Unlock()
}

type memorySubscription struct {
	bus     *MemoryBus
	channel string
	id      uint64
	ch      chan Event
	once    sync.Once
}

func (s *memorySubscription) Events() <-chan Event { return s.ch }

func (s *memorySubscription) Close() error {
	s.once.Do(func() {
		s.bus.unsubscribe(s.channel, s.id)
	})
	return nil
}
