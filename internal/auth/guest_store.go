package auth

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lk2023060901/hemoclast-realtime-go/pkg/util/merr"
)

// GuestTokenPrefix 是游客会话凭证的前缀，完整格式为 guest_<32 位十六进制>。
const GuestTokenPrefix = "guest_"

// GuestSession 是一条持久化的游客会话。
type GuestSession struct {
	Token        string
	Name         string
	Active       bool
	CreatedAt    time.Time
	LastAccessed time.Time
}

// GuestSessionStore 查询游客会话，通常由账号服务实现。
// 后端暂时不可用时应返回 ErrAuthBackendUnavailable，以便调用方重试。
type GuestSessionStore interface {
	Lookup(ctx context.Context, token string) (GuestSession, error)
}

// NewGuestToken 生成新的游客凭证。
func NewGuestToken() string {
	return GuestTokenPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// IsGuestToken 判断 token 是否符合游客凭证格式。
func IsGuestToken(token string) bool {
	hex, ok := strings.CutPrefix(token, GuestTokenPrefix)
	if !ok || len(hex) != 32 {
		return false
	}
	for _, c := range hex {
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return false
		}
	}
	return true
}

// MemoryGuestStore 是进程内的 GuestSessionStore，用于单机部署与测试。
type MemoryGuestStore struct {
	mu       sync.RWMutex
	sessions map[string]GuestSession
	now      func() time.Time
}

var _ GuestSessionStore = (*MemoryGuestStore)(nil)

func NewMemoryGuestStore() *MemoryGuestStore {
	return &MemoryGuestStore{
		sessions: make(map[string]GuestSession),
		now:      time.Now,
	}
}

// Issue 为 name 创建新的游客会话。name 为空时生成 Guest_xxxxxxxx。
func (s *MemoryGuestStore) Issue(name string) GuestSession {
	now := s.now()
	token := NewGuestToken()
	if name == "" {
		name = "Guest_" + token[len(GuestTokenPrefix):len(GuestTokenPrefix)+8]
	}
	gs := GuestSession{
		Token:        token,
		Name:         name,
		Active:       true,
		CreatedAt:    now,
		LastAccessed: now,
	}
	s.mu.Lock()
	s.sessions[token] = gs
	s.mu.Unlock()
	return gs
}

// Deactivate 使游客会话失效，返回会话是否存在。
func (s *MemoryGuestStore) Deactivate(token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	gs, ok := s.sessions[token]
	if !ok {
		return false
	}
	gs.Active = false
	s.sessions[token] = gs
	return true
}

// Lookup 实现 GuestSessionStore.Lookup，成功时刷新最近访问时间。
func (s *MemoryGuestStore) Lookup(ctx context.Context, token string) (GuestSession, error) {
	if err := ctx.Err(); err != nil {
		return GuestSession{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	gs, ok := s.sessions[token]
	if !ok || !gs.Active {
		return GuestSession{}, merr.WrapErrAuthGuestSessionNotFound(token)
	}
	gs.LastAccessed = s.now()
	s.sessions[token] = gs
	return gs, nil
}

// Len 返回会话数量。
func (s *MemoryGuestStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
