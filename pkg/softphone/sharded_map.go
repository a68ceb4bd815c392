package softphone

import (
	"hash/fnv"
	"sync"
)

// shardCount — количество шардов реестра вызовов.
// КРИТИЧНО: должно быть степенью 2 для битового выбора шарда.
const shardCount = 32

// callShard — один шард реестра со своим мьютексом.
type callShard struct {
	calls map[string]*Call
	mu    sync.RWMutex
}

// shardedCallMap — потокобезопасный реестр вызовов с шардированием.
//
// Каждый шард блокируется независимо, поэтому операции над разными
// вызовами не конкурируют за один глобальный мьютекс.
type shardedCallMap struct {
	shards [shardCount]*callShard
}

func newShardedCallMap() *shardedCallMap {
	m := &shardedCallMap{}
	for i := range m.shards {
		m.shards[i] = &callShard{calls: make(map[string]*Call)}
	}
	return m
}

func (m *shardedCallMap) shard(id string) *callShard {
	h := fnv.New32a()
	h.Write([]byte(id))
	return m.shards[h.Sum32()&(shardCount-1)]
}

// Set добавляет или обновляет вызов.
func (m *shardedCallMap) Set(id string, c *Call) {
	s := m.shard(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[id] = c
}

// Get возвращает вызов по идентификатору.
func (m *shardedCallMap) Get(id string) (*Call, bool) {
	s := m.shard(id)
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.calls[id]
	return c, ok
}

// Delete удаляет вызов. Возвращает true, если запись существовала.
func (m *shardedCallMap) Delete(id string) bool {
	s := m.shard(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.calls[id]; !ok {
		return false
	}
	delete(s.calls, id)
	return true
}

// Count возвращает число вызовов. Блокирует шарды в порядке индексов.
func (m *shardedCallMap) Count() int {
	n := 0
	for _, s := range m.shards {
		s.mu.RLock()
		n += len(s.calls)
		s.mu.RUnlock()
	}
	return n
}

// Snapshot возвращает копию списка вызовов. Копирование под RLock,
// работа со списком — уже без блокировок.
func (m *shardedCallMap) Snapshot() []*Call {
	out := make([]*Call, 0, 8)
	for _, s := range m.shards {
		s.mu.RLock()
		for _, c := range s.calls {
			out = append(out, c)
		}
		s.mu.RUnlock()
	}
	return out
}
