package session

import (
	"sort"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lk2023060901/hemoclast-realtime-go/pkg/log"
	"github.com/lk2023060901/hemoclast-realtime-go/pkg/metrics"
)

// Reason 描述会话被移出 Registry 的原因。
type Reason string

const (
	// ReasonClosed 连接正常或异常断开。
	ReasonClosed Reason = Reason(metrics.ReasonClosed)
	// ReasonEjected 同一 clientId 建立了新连接，旧连接被挤下线。
	ReasonEjected Reason = Reason(metrics.ReasonEjected)
	// ReasonEvicted 出站消息投递失败，会话被驱逐。
	ReasonEvicted Reason = Reason(metrics.ReasonEvicted)
	// ReasonKicked 运维接口主动踢下线。
	ReasonKicked Reason = Reason(metrics.ReasonKicked)
)

func (r Reason) closeFrame() (int, string) {
	switch r {
	case ReasonEjected:
		return CloseCodeEjected, "replaced by a newer connection"
	case ReasonEvicted:
		return CloseCodeEvicted, "delivery failed"
	case ReasonKicked:
		return CloseCodeKicked, "kicked"
	default:
		return websocket.CloseNormalClosure, ""
	}
}

// TeardownFunc 在会话被移出 Registry 时调用。
type TeardownFunc func(sess Session, reason Reason)

// Registry 维护 clientId 到在线会话的索引，并且是会话清理的唯一入口。
//
// 会话被移除时依次执行：
//  1. cleanup：在注册锁内执行，用于清理与 clientId 绑定的状态（在线状态、房间）。
//     注册锁保证同一 clientId 的新会话不会在旧会话清理完成前注册成功，
//     因此 cleanup 不能回调 Registry 的任何写操作；
//  2. 关闭会话连接；
//  3. notify：在所有锁之外执行，可以自由广播（广播中的驱逐会重新进入 Registry）。
//     会话正被 Hold 时，notify 推迟到最后一次 Release 之后（被挤下线除外）。
//
// 消息处理通过 Hold/Release 包住代表该会话的扇出，通过 Mutate 修改与其绑定的状态，
// 从而保证离线通知之后不会再有该会话的上线或移动消息，清理之后也不会再写入状态。
type Registry struct {
	// regMu 串行化所有注册与移除操作。
	regMu sync.Mutex

	mu       sync.RWMutex
	sessions map[string]Session

	holdMu sync.Mutex
	holds  map[string]*hold

	cleanup TeardownFunc
	notify  TeardownFunc
}

// RegistryOption 用于配置 Registry。
type RegistryOption func(*Registry)

// WithCleanup 设置在注册锁内执行的清理回调。
func WithCleanup(fn TeardownFunc) RegistryOption {
	return func(r *Registry) {
		r.cleanup = fn
	}
}

// WithNotify 设置在锁外执行的离线通知回调。
func WithNotify(fn TeardownFunc) RegistryOption {
	return func(r *Registry) {
		r.notify = fn
	}
}

// NewRegistry 创建一个空的 Registry。
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		sessions: make(map[string]Session),
		holds:    make(map[string]*hold),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetTeardown 在创建之后设置清理与通知回调，用于解决组件之间的循环依赖。
// 必须在第一次 Register 之前调用。
func (r *Registry) SetTeardown(cleanup, notify TeardownFunc) {
	r.regMu.Lock()
	defer r.regMu.Unlock()
	r.cleanup = cleanup
	r.notify = notify
}

// Register 注册会话。若同一 clientId 已有会话，旧会话的状态会在新会话可见之前清理，
// 随后关闭旧连接并通知离线。返回被挤下线的旧会话（可能为 nil）。
func (r *Registry) Register(sess Session) Session {
	if sess == nil {
		return nil
	}
	id := sess.ID()

	r.regMu.Lock()
	r.mu.Lock()
	old, exists := r.sessions[id]
	if exists && old == sess {
		r.mu.Unlock()
		r.regMu.Unlock()
		return nil
	}
	delete(r.sessions, id)
	r.mu.Unlock()

	if exists {
		r.runCleanup(old, ReasonEjected)
	}

	r.mu.Lock()
	r.sessions[id] = sess
	count := len(r.sessions)
	r.mu.Unlock()
	r.regMu.Unlock()

	if exists {
		closeSession(old, ReasonEjected)
		// notify 需排除同 clientId 的新会话，见 broadcast.BroadcastExcept。
		r.runNotify(old, ReasonEjected)
	}

	metrics.SessionRegistered.Inc()
	metrics.ActiveSessions.Set(float64(count))
	if exists {
		log.Info("session replaced", log.FieldClientID(id),
			zap.String("oldInstanceID", old.InstanceID()),
			zap.String("newInstanceID", sess.InstanceID()))
	} else {
		log.Debug("session registered", log.FieldClientID(id), zap.String("instanceID", sess.InstanceID()))
	}
	return old
}

// Unregister 按 clientId 移除会话。幂等：不存在时返回 false 且不做任何事。
func (r *Registry) Unregister(id string, reason Reason) bool {
	r.regMu.Lock()
	r.mu.Lock()
	sess, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if !ok {
		r.regMu.Unlock()
		return false
	}
	r.finishRemoval(sess, reason)
	return true
}

// UnregisterSession 只有当 clientId 当前仍指向 sess 时才移除，
// 保证过期连接的关闭流程不会误删新连接。
func (r *Registry) UnregisterSession(sess Session, reason Reason) bool {
	if sess == nil {
		return false
	}
	r.regMu.Lock()
	r.mu.Lock()
	cur, ok := r.sessions[sess.ID()]
	if !ok || cur != sess {
		r.mu.Unlock()
		r.regMu.Unlock()
		// 已被移除或已被新连接替换，仍需保证连接被关闭。
		_ = sess.Close()
		return false
	}
	delete(r.sessions, sess.ID())
	r.mu.Unlock()
	r.finishRemoval(sess, reason)
	return true
}

// finishRemoval 在持有 regMu 的情况下被调用，负责释放 regMu。
func (r *Registry) finishRemoval(sess Session, reason Reason) {
	r.runCleanup(sess, reason)
	count := r.Count()
	r.regMu.Unlock()

	metrics.ActiveSessions.Set(float64(count))
	closeSession(sess, reason)
	r.runNotify(sess, reason)
	log.Info("session unregistered", log.FieldClientID(sess.ID()),
		zap.String("instanceID", sess.InstanceID()),
		zap.String("reason", string(reason)))
}

func (r *Registry) runCleanup(sess Session, reason Reason) {
	metrics.SessionTeardown.WithLabelValues(string(reason)).Inc()
	if r.cleanup != nil {
		r.cleanup(sess, reason)
	}
}

// runNotify 在 clientId 被 Hold 时推迟通知。被挤下线的会话除外：
// 同一 clientId 的新会话随后就会上线，推迟的离线通知会盖掉它的上线消息。
func (r *Registry) runNotify(sess Session, reason Reason) {
	r.holdMu.Lock()
	if h, ok := r.holds[sess.ID()]; ok && reason != ReasonEjected {
		h.pending = append(h.pending, departure{sess: sess, reason: reason})
		r.holdMu.Unlock()
		return
	}
	r.holdMu.Unlock()
	if r.notify != nil {
		r.notify(sess, reason)
	}
}

type departure struct {
	sess   Session
	reason Reason
}

type hold struct {
	count   int
	pending []departure
}

// Hold 在 sess 仍为当前会话时登记一段代表它的处理过程并返回 true。
// 计数按 clientId 累计：处理期间该 clientId 的任何会话被移除，
// 离线通知都推迟到最后一次 Release 之后发出。
func (r *Registry) Hold(sess Session) bool {
	if sess == nil {
		return false
	}
	r.holdMu.Lock()
	defer r.holdMu.Unlock()
	if !r.IsCurrent(sess) {
		return false
	}
	h, ok := r.holds[sess.ID()]
	if !ok {
		h = &hold{}
		r.holds[sess.ID()] = h
	}
	h.count++
	return true
}

// HoldID 对 id 的当前会话执行 Hold，成功时返回该会话，调用方负责 Release。
func (r *Registry) HoldID(id string) (Session, bool) {
	sess, ok := r.Get(id)
	if !ok || !r.Hold(sess) {
		return nil, false
	}
	return sess, true
}

// Release 结束一次 Hold，最后一次 Release 按发生顺序补发被推迟的离线通知。
func (r *Registry) Release(sess Session) {
	if sess == nil {
		return
	}
	r.holdMu.Lock()
	h, ok := r.holds[sess.ID()]
	if !ok {
		r.holdMu.Unlock()
		return
	}
	h.count--
	if h.count > 0 {
		r.holdMu.Unlock()
		return
	}
	delete(r.holds, sess.ID())
	r.holdMu.Unlock()

	if r.notify == nil {
		return
	}
	for _, d := range h.pending {
		// 推迟期间同一 clientId 已重新上线，新会话会自行宣布，不再补发离线。
		if _, online := r.Get(d.sess.ID()); online {
			continue
		}
		r.notify(d.sess, d.reason)
	}
}

// Mutate 在注册锁内、且 sess 仍为当前会话时执行 fn，返回 fn 是否被执行。
// 与 cleanup 一样，fn 只能修改状态表与房间，不能广播，也不能调用 Registry 的写操作。
func (r *Registry) Mutate(sess Session, fn func()) bool {
	r.regMu.Lock()
	defer r.regMu.Unlock()
	if !r.IsCurrent(sess) {
		return false
	}
	fn()
	return true
}

func closeSession(sess Session, reason Reason) {
	if rc, ok := sess.(ReasonCloser); ok {
		code, text := reason.closeFrame()
		_ = rc.CloseWithReason(code, text)
		return
	}
	_ = sess.Close()
}

// Get 根据 clientId 查找会话。
func (r *Registry) Get(id string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[id]
	return sess, ok
}

// IsCurrent 判断 sess 是否仍是其 clientId 的当前会话。
func (r *Registry) IsCurrent(sess Session) bool {
	if sess == nil {
		return false
	}
	cur, ok := r.Get(sess.ID())
	return ok && cur == sess
}

// Snapshot 返回当前所有 clientId（升序）。
func (r *Registry) Snapshot() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Sessions 返回当前所有会话的副本，调用方可以在不持锁的情况下遍历。
func (r *Registry) Sessions() []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	snapshot := make([]Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		snapshot = append(snapshot, sess)
	}
	return snapshot
}

// Count 返回当前已注册的会话数量。
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CloseAll 以 reason 移除并关闭所有会话，用于进程退出。
func (r *Registry) CloseAll(reason Reason) int {
	n := 0
	for _, id := range r.Snapshot() {
		if r.Unregister(id, reason) {
			n++
		}
	}
	return n
}
