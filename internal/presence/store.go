// Package presence 维护在线玩家的瞬时状态与房间成员关系。
//
// 两者都以 clientId 为键，只由 Registry 的清理回调移除，进程重启后不保留。
package presence

import (
	"maps"
	"sync"
)

// Payload 是玩家最近一次上报的状态（位置、动画等），内容对服务端不透明。
type Payload = map[string]any

// Store 保存每个在线 clientId 的 Payload。
type Store struct {
	mu      sync.RWMutex
	records map[string]Payload
}

// NewStore 创建空的 Store。
func NewStore() *Store {
	return &Store{records: make(map[string]Payload)}
}

// Put 用 payload 的副本整体替换 id 的记录。
func (s *Store) Put(id string, payload Payload) {
	record := maps.Clone(payload)
	if record == nil {
		record = make(Payload)
	}
	s.mu.Lock()
	s.records[id] = record
	s.mu.Unlock()
}

// Merge 将 partial 浅合并到 id 的记录中，未出现在 partial 中的键保持不变；
// 记录不存在时以 partial 创建。
func (s *Store) Merge(id string, partial Payload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[id]
	if !ok {
		record = make(Payload, len(partial))
		s.records[id] = record
	}
	maps.Copy(record, partial)
}

// Remove 删除 id 的记录，不存在时什么也不做。
func (s *Store) Remove(id string) {
	s.mu.Lock()
	delete(s.records, id)
	s.mu.Unlock()
}

// Get 返回 id 记录的副本。
func (s *Store) Get(id string) (Payload, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.records[id]
	if !ok {
		return nil, false
	}
	return maps.Clone(record), true
}

// All 返回所有记录的快照，外层 map 与每条记录都是副本。
func (s *Store) All() map[string]Payload {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Payload, len(s.records))
	for id, record := range s.records {
		out[id] = maps.Clone(record)
	}
	return out
}

// Len 返回记录数量。
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
