package kv

import (
	"context"
	"errors"
	"sync"
	"time"
)

// MemoryStore implements Store entirely in process memory. It is used by
// tests and by single-instance local development where no Valkey is
// available. TTL semantics mirror the Valkey backend: expired keys are
// treated as absent on next access.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memEntry
	lists   map[string]*memList
	subs    map[string][]*memorySubscription
	closed  bool
}

type memEntry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

type memList struct {
	items     [][]byte
	expiresAt time.Time
}

func (e memEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

func (l *memList) expired(now time.Time) bool {
	return !l.expiresAt.IsZero() && now.After(l.expiresAt)
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memEntry),
		lists:   make(map[string]*memList),
		subs:    make(map[string][]*memorySubscription),
	}
}

func expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return time.Now().Add(ttl)
}

// Set stores a value with the given key and TTL.
func (s *MemoryStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("kv: store closed")
	}
	s.entries[key] = memEntry{value: append([]byte(nil), value...), expiresAt: expiry(ttl)}
	return nil
}

// Get retrieves a value by key.
func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok || e.expired(time.Now()) {
		delete(s.entries, key)
		return nil, ErrNotFound
	}
	return append([]byte(nil), e.value...), nil
}

// Delete removes a key.
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	delete(s.lists, key)
	return nil
}

// SetNX sets a value only if the key doesn't exist.
func (s *MemoryStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok && !e.expired(time.Now()) {
		return false, nil
	}
	s.entries[key] = memEntry{value: append([]byte(nil), value...), expiresAt: expiry(ttl)}
	return true, nil
}

// Expire sets the TTL of an existing key or list.
func (s *MemoryStore) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if e, ok := s.entries[key]; ok && !e.expired(now) {
		e.expiresAt = expiry(ttl)
		s.entries[key] = e
		return true, nil
	}
	if l, ok := s.lists[key]; ok && !l.expired(now) {
		l.expiresAt = expiry(ttl)
		return true, nil
	}
	return false, nil
}

// RPush appends values to the list at key.
func (s *MemoryStore) RPush(ctx context.Context, key string, values ...[]byte) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.lists[key]
	if !ok || l.expired(time.Now()) {
		l = &memList{}
		s.lists[key] = l
	}
	for _, v := range values {
		l.items = append(l.items, append([]byte(nil), v...))
	}
	return int64(len(l.items)), nil
}

// LRange returns list elements between start and stop inclusive.
func (s *MemoryStore) LRange(ctx context.Context, key string, start, stop int64) ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.lists[key]
	if !ok || l.expired(time.Now()) {
		return nil, nil
	}
	n := int64(len(l.items))
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop || start >= n {
		return nil, nil
	}
	out := make([][]byte, 0, stop-start+1)
	for _, v := range l.items[start : stop+1] {
		out = append(out, append([]byte(nil), v...))
	}
	return out, nil
}

// LPopBlocking pops the head of the list at key, blocking up to timeout.
func (s *MemoryStore) LPopBlocking(ctx context.Context, key string, timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	for {
		s.mu.Lock()
		if l, ok := s.lists[key]; ok && !l.expired(time.Now()) && len(l.items) > 0 {
			head := l.items[0]
			l.items = l.items[1:]
			s.mu.Unlock()
			return head, nil
		}
		s.mu.Unlock()

		if time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// Publish delivers payload to all current subscribers of channel. Slow
// subscribers whose buffers are full miss the delivery; readers are
// expected to treat notifications as coalescible.
func (s *MemoryStore) Publish(ctx context.Context, channel string, payload string) error {
	s.mu.Lock()
	subs := append([]*memorySubscription(nil), s.subs[channel]...)
	s.mu.Unlock()

	msg := &Message{Channel: channel, Payload: payload}
	for _, sub := range subs {
		select {
		case sub.ch <- msg:
		default:
		}
	}
	return nil
}

// Subscribe opens a Subscription on the given channels.
func (s *MemoryStore) Subscribe(ctx context.Context, channels ...string) (Subscription, error) {
	sub := &memorySubscription{
		store:    s,
		channels: channels,
		ch:       make(chan *Message, 64),
	}
	s.mu.Lock()
	for _, c := range channels {
		s.subs[c] = append(s.subs[c], sub)
	}
	s.mu.Unlock()
	return sub, nil
}

// Close marks the store closed and drops all subscriptions.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.subs = make(map[string][]*memorySubscription)
	return nil
}

type memorySubscription struct {
	store    *MemoryStore
	channels []string
	ch       chan *Message
	once     sync.Once
}

func (m *memorySubscription) Recv(ctx context.Context, timeout time.Duration) (*Message, error) {
	select {
	case msg := <-m.ch:
		return msg, nil
	case <-time.After(timeout):
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *memorySubscription) Close() error {
	m.once.Do(func() {
		m.store.mu.Lock()
		for _, c := range m.channels {
			subs := m.store.subs[c]
			for i, s := range subs {
				if s == m {
					m.store.subs[c] = append(subs[:i], subs[i+1:]...)
					break
				}
			}
		}
		m.store.mu.Unlock()
	})
	return nil
}

// Ensure MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
