package view

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// MemoryStore keeps serialized views in-process with the same expiry rules as RedisStore.
type MemoryStore struct {
	mu    sync.Mutex
	items map[string]memItem
	ttl   time.Duration
	now   func() time.Time
}

type memItem struct {
	raw     []byte
	expires time.Time
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{items: make(map[string]memItem), ttl: ttl, now: time.Now}
}

func (s *MemoryStore) Get(_ context.Context, key string) (ChatView, bool, error) {
	s.mu.Lock()
	it, ok := s.aliveLocked(key)
	s.mu.Unlock()
	if !ok {
		return nil, false, nil
	}
	v, err := Decode(it.raw)
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (s *MemoryStore) Save(_ context.Context, key string, v ChatView) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	exp := s.now().Add(s.ttl)
	if it, ok := s.aliveLocked(key); ok {
		exp = it.expires
	}
	s.items[key] = memItem{raw: b, expires: exp}
	return nil
}

// Put seeds a view with an explicit TTL, the way the hot-path updater does.
func (s *MemoryStore) Put(key string, v ChatView, ttl time.Duration) {
	b, _ := json.Marshal(v)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[key] = memItem{raw: b, expires: s.now().Add(ttl)}
}

// TTL returns the remaining lifetime of key, or 0 when it is absent.
func (s *MemoryStore) TTL(key string) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.aliveLocked(key)
	if !ok {
		return 0
	}
	return it.expires.Sub(s.now())
}

func (s *MemoryStore) aliveLocked(key string) (memItem, bool) {
	it, ok := s.items[key]
	if !ok {
		return memItem{}, false
	}
	if !s.now().Before(it.expires) {
		delete(s.items, key)
		return memItem{}, false
	}
	return it, true
}

// MemoryNotifier fans updates out to in-process subscribers.
type MemoryNotifier struct {
	mu   sync.Mutex
	subs []chan Update
}

func NewMemoryNotifier() *MemoryNotifier {
	return &MemoryNotifier{}
}

func (n *MemoryNotifier) Notify(_ context.Context, key string, v ChatView) error {
	u := Update{Key: key, Model: v}
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, ch := range n.subs {
		select {
		case ch <- u:
		default:
			// медленный подписчик пропускает апдейт, следующий всё равно несёт полную модель
		}
	}
	return nil
}

func (n *MemoryNotifier) Subscribe(buf int) <-chan Update {
	ch := make(chan Update, buf)
	n.mu.Lock()
	n.subs = append(n.subs, ch)
	n.mu.Unlock()
	return ch
}
