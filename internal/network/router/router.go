package router

import (
	"context"
	"sort"
	"sync"

	"github.com/lk2023060901/hemoclast-realtime-go/internal/network/session"
	"github.com/lk2023060901/hemoclast-realtime-go/pkg/util/merr"
)

// Request 是一条已经解析出类型与数据的入站消息。
type Request struct {
	// Session 为发来消息的连接，处理器据此确认发送者仍然在线。
	Session session.Session
	// ClientID 为发送者，由接入层根据连接确定，不信任消息内容。
	ClientID string
	// Kind 为消息类型，即信封中的 type 字段。
	Kind string
	// Data 为信封中的 data 对象，缺省时为空 map，不会为 nil。
	Data map[string]any
}

// Handler 是业务层的消息处理函数。返回的错误由上层决定如何反馈给发送者。
type Handler func(ctx context.Context, req *Request) error

// Route 描述一条路由规则：消息类型 -> 处理函数。
type Route struct {
	Handler Handler

	// Description 仅用于日志与运维展示。
	Description string
}

// Router 维护消息类型到路由规则的映射。
type Router interface {
	// Register 为 kind 注册一条路由，同一类型不允许重复注册。
	Register(kind string, route Route) error

	// Handle 将请求交给对应的处理函数。未注册的类型返回 ErrProtocolUnknownKind。
	Handle(ctx context.Context, req *Request) error

	// Kinds 返回已注册的消息类型（升序）。
	Kinds() []string
}

// defaultRouter 是 Router 接口的基础实现。
type defaultRouter struct {
	mu     sync.RWMutex
	routes map[string]Route
}

// 编译期断言：确保 defaultRouter 实现了 Router 接口。
var _ Router = (*defaultRouter)(nil)

// New 创建一个空的 Router。
func New() Router {
	return &defaultRouter{
		routes: make(map[string]Route),
	}
}

// Register 实现 Router.Register。
func (r *defaultRouter) Register(kind string, route Route) error {
	if kind == "" {
		return merr.WrapErrParameterMissing("kind", "router: kind must not be empty")
	}
	if route.Handler == nil {
		return merr.WrapErrParameterMissing("handler", "router: handler is nil for kind="+kind)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.routes[kind]; exists {
		return merr.WrapErrParameterInvalid("unregistered kind", kind, "router: kind already registered")
	}
	r.routes[kind] = route
	return nil
}

// Handle 实现 Router.Handle。
func (r *defaultRouter) Handle(ctx context.Context, req *Request) error {
	if req == nil {
		return merr.WrapErrParameterMissing("request")
	}

	r.mu.RLock()
	route, ok := r.routes[req.Kind]
	r.mu.RUnlock()
	if !ok {
		return merr.WrapErrProtocolUnknownKind(req.Kind)
	}
	if req.Data == nil {
		req.Data = make(map[string]any)
	}
	return route.Handler(ctx, req)
}

// Kinds 实现 Router.Kinds。
func (r *defaultRouter) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.routes))
	for kind := range r.routes {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}
