package stream

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process Queue with Redis Streams semantics.
// Selected by REDIS_URL=memory:// and used as the test double for workers.
type Memory struct {
	mu      sync.Mutex
	streams map[string]*memStream
	notify  chan struct{}
	now     func() time.Time
}

type memStream struct {
	entries []memEntry
	last    entryID
	groups  map[string]*memGroup
}

type memEntry struct {
	id     entryID
	fields map[string]string
}

type memGroup struct {
	cursor  entryID
	pending map[string]*memPending
}

type memPending struct {
	id        entryID
	consumer  string
	delivered time.Time
	count     int64
}

type entryID struct {
	ms, seq int64
}

func (e entryID) String() string { return fmt.Sprintf("%d-%d", e.ms, e.seq) }

func (e entryID) less(o entryID) bool {
	if e.ms != o.ms {
		return e.ms < o.ms
	}
	return e.seq < o.seq
}

func NewMemory() *Memory {
	return &Memory{
		streams: make(map[string]*memStream),
		notify:  make(chan struct{}),
		now:     time.Now,
	}
}

func (m *Memory) stream(name string) *memStream {
	s, ok := m.streams[name]
	if !ok {
		s = &memStream{groups: make(map[string]*memGroup)}
		m.streams[name] = s
	}
	return s
}

// trimSlack mimics node-granular MAXLEN ~ trimming: the stream may overshoot the cap a bit.
func trimSlack(maxLen int64) int64 {
	if s := maxLen / 100; s > 0 {
		return s
	}
	return 1
}

func (m *Memory) Append(ctx context.Context, stream string, maxLen int64, fields map[string]string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.stream(stream)
	id := entryID{ms: m.now().UnixMilli()}
	if !s.last.less(id) {
		id = entryID{ms: s.last.ms, seq: s.last.seq + 1}
	}
	s.last = id

	cp := make(map[string]string, len(fields))
	for k, v := range fields {
		cp[k] = v
	}
	s.entries = append(s.entries, memEntry{id: id, fields: cp})

	if maxLen > 0 && int64(len(s.entries)) > maxLen+trimSlack(maxLen) {
		drop := int64(len(s.entries)) - maxLen
		s.entries = append([]memEntry(nil), s.entries[drop:]...)
	}

	close(m.notify)
	m.notify = make(chan struct{})
	return id.String(), nil
}

func (m *Memory) EnsureGroup(ctx context.Context, stream, group string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.stream(stream)
	if _, ok := s.groups[group]; !ok {
		s.groups[group] = &memGroup{pending: make(map[string]*memPending)}
	}
	return nil
}

func (m *Memory) ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]Entry, error) {
	var deadline <-chan time.Time
	if block > 0 {
		t := time.NewTimer(block)
		defer t.Stop()
		deadline = t.C
	}

	for {
		m.mu.Lock()
		out, err := m.readLocked(stream, group, consumer, count)
		wait := m.notify
		m.mu.Unlock()

		if err != nil || len(out) > 0 || deadline == nil {
			return out, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline:
			return nil, nil
		case <-wait:
		}
	}
}

func (m *Memory) readLocked(stream, group, consumer string, count int64) ([]Entry, error) {
	s, ok := m.streams[stream]
	if !ok {
		return nil, ErrNoGroup
	}
	g, ok := s.groups[group]
	if !ok {
		return nil, ErrNoGroup
	}

	now := m.now()
	var out []Entry
	for _, e := range s.entries {
		if count > 0 && int64(len(out)) >= count {
			break
		}
		if !g.cursor.less(e.id) {
			continue
		}
		g.cursor = e.id
		g.pending[e.id.String()] = &memPending{id: e.id, consumer: consumer, delivered: now, count: 1}
		out = append(out, Entry{ID: e.id.String(), Fields: copyFields(e.fields)})
	}
	return out, nil
}

func (m *Memory) Ack(ctx context.Context, stream, group string, ids ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	g, err := m.groupLocked(stream, group)
	if err != nil {
		return err
	}
	for _, id := range ids {
		delete(g.pending, id)
	}
	return nil
}

func (m *Memory) Pending(ctx context.Context, stream, group string, minIdle time.Duration, count int64) ([]Pending, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	g, err := m.groupLocked(stream, group)
	if err != nil {
		return nil, err
	}

	now := m.now()
	var ps []*memPending
	for _, p := range g.pending {
		if now.Sub(p.delivered) >= minIdle {
			ps = append(ps, p)
		}
	}
	sort.Slice(ps, func(i, j int) bool { return ps[i].id.less(ps[j].id) })
	if count > 0 && int64(len(ps)) > count {
		ps = ps[:count]
	}

	out := make([]Pending, 0, len(ps))
	for _, p := range ps {
		out = append(out, Pending{
			ID:         p.id.String(),
			Consumer:   p.consumer,
			Idle:       now.Sub(p.delivered),
			Deliveries: p.count,
		})
	}
	return out, nil
}

func (m *Memory) Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, ids ...string) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	g, err := m.groupLocked(stream, group)
	if err != nil {
		return nil, err
	}
	s := m.streams[stream]

	now := m.now()
	var out []Entry
	for _, id := range ids {
		p, ok := g.pending[id]
		if !ok || now.Sub(p.delivered) < minIdle {
			continue
		}
		e, ok := s.find(p.id)
		if !ok {
			// вытеснено тримом - как в Redis 7, просто убираем из PEL
			delete(g.pending, id)
			continue
		}
		p.consumer = consumer
		p.delivered = now
		p.count++
		out = append(out, Entry{ID: id, Fields: copyFields(e.fields)})
	}
	return out, nil
}

func (m *Memory) Len(ctx context.Context, stream string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.streams[stream]
	if !ok {
		return 0, nil
	}
	return int64(len(s.entries)), nil
}

func (m *Memory) groupLocked(stream, group string) (*memGroup, error) {
	s, ok := m.streams[stream]
	if !ok {
		return nil, ErrNoGroup
	}
	g, ok := s.groups[group]
	if !ok {
		return nil, ErrNoGroup
	}
	return g, nil
}

func (s *memStream) find(id entryID) (memEntry, bool) {
	i := sort.Search(len(s.entries), func(i int) bool { return !s.entries[i].id.less(id) })
	if i < len(s.entries) && s.entries[i].id == id {
		return s.entries[i], true
	}
	return memEntry{}, false
}

func copyFields(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// MemoryMarks is the in-process Marks implementation; expiry is checked lazily.
type MemoryMarks struct {
	mu  sync.Mutex
	m   map[string]time.Time
	now func() time.Time
}

func NewMemoryMarks() *MemoryMarks {
	return &MemoryMarks{m: make(map[string]time.Time), now: time.Now}
}

func (mm *MemoryMarks) Seen(_ context.Context, key string) (bool, error) {
	mm.mu.Lock()
	defer mm.mu.Unlock()

	exp, ok := mm.m[key]
	if !ok {
		return false, nil
	}
	if !exp.IsZero() && !mm.now().Before(exp) {
		delete(mm.m, key)
		return false, nil
	}
	return true, nil
}

func (mm *MemoryMarks) Mark(_ context.Context, key string, ttl time.Duration) error {
	mm.mu.Lock()
	defer mm.mu.Unlock()

	var exp time.Time
	if ttl > 0 {
		exp = mm.now().Add(ttl)
	}
	mm.m[key] = exp
	return nil
}
