package cache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/vnmchuo/llm-manager/internal/provider"
)

type Entry struct {
	Key       string
	Response  provider.Response
	ExpiresAt time.Time
}

// MemoryStore is an LRU bounded by entry count. Expired entries are swept
// before any live entry is evicted.
type MemoryStore struct {
	mu         sync.Mutex
	maxEntries int
	ll         *list.List
	items      map[string]*list.Element
	now        func() time.Time
}

func NewMemoryStore(maxEntries int) *MemoryStore {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &MemoryStore{
		maxEntries: maxEntries,
		ll:         list.New(),
		items:      make(map[string]*list.Element),
		now:        time.Now,
	}
}

func (s *MemoryStore) Get(_ context.Context, key string) (*provider.Response, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.items[key]
	if !ok {
		return nil, false, nil
	}
	e := el.Value.(*Entry)
	if !s.now().Before(e.ExpiresAt) {
		s.remove(el)
		return nil, false, nil
	}
	s.ll.MoveToFront(el)
	resp := e.Response
	return &resp, true, nil
}

func (s *MemoryStore) Set(_ context.Context, key string, resp *provider.Response, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	expires := s.now().Add(ttl)
	if el, ok := s.items[key]; ok {
		e := el.Value.(*Entry)
		e.Response = *resp
		e.ExpiresAt = expires
		s.ll.MoveToFront(el)
		return nil
	}

	if s.ll.Len() >= s.maxEntries {
		s.sweep()
	}
	for s.ll.Len() >= s.maxEntries {
		s.remove(s.ll.Back())
	}

	s.items[key] = s.ll.PushFront(&Entry{Key: key, Response: *resp, ExpiresAt: expires})
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.items[key]; ok {
		s.remove(el)
	}
	return nil
}

func (s *MemoryStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ll.Init()
	s.items = make(map[string]*list.Element)
	return nil
}

func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ll.Len()
}

func (s *MemoryStore) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{Size: s.ll.Len(), MaxSize: s.maxEntries}
}

// Sweep drops every expired entry and returns how many it removed.
func (s *MemoryStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sweep()
}

func (s *MemoryStore) Close() error { return nil }

// sweep drops every expired entry. Caller holds mu.
func (s *MemoryStore) sweep() int {
	now := s.now()
	n := 0
	for el := s.ll.Back(); el != nil; {
		prev := el.Prev()
		if !now.Before(el.Value.(*Entry).ExpiresAt) {
			s.remove(el)
			n++
		}
		el = prev
	}
	return n
}

func (s *MemoryStore) remove(el *list.Element) {
	s.ll.Remove(el)
	delete(s.items, el.Value.(*Entry).Key)
}
