// Package broadcast 负责把已序列化的出站消息投递给一组会话。
package broadcast

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/lk2023060901/hemoclast-realtime-go/internal/network/session"
	"github.com/lk2023060901/hemoclast-realtime-go/internal/presence"
	"github.com/lk2023060901/hemoclast-realtime-go/pkg/log"
	"github.com/lk2023060901/hemoclast-realtime-go/pkg/metrics"
	"github.com/lk2023060901/hemoclast-realtime-go/pkg/util/conc"
	"github.com/lk2023060901/hemoclast-realtime-go/pkg/util/typeutil"
)

// Registry 是 Broadcaster 依赖的会话索引，由 *session.Registry 实现。
type Registry interface {
	Get(id string) (session.Session, bool)
	Sessions() []session.Session
	UnregisterSession(sess session.Session, reason session.Reason) bool
}

// Rooms 是房间广播依赖的成员查询，由 *presence.Rooms 实现。
type Rooms interface {
	Members(room presence.RoomID) []string
}

// Config 描述广播的投递参数。
type Config struct {
	// SendTimeout 为单个目标入队的最长等待时间，0 表示队列满时立即失败。
	SendTimeout time.Duration `mapstructure:"send_timeout"`
	// ParallelThreshold 为目标数超过该值时改为并发投递，0 表示总是串行。
	ParallelThreshold int `mapstructure:"parallel_threshold"`
	// PoolSize 为并发投递协程池大小，0 表示使用 CPU 核数。
	PoolSize int `mapstructure:"pool_size"`
}

// DefaultConfig 返回默认广播配置。
func DefaultConfig() Config {
	return Config{
		SendTimeout:       50 * time.Millisecond,
		ParallelThreshold: 64,
		PoolSize:          0,
	}
}

// Result 汇总一次广播的投递情况。
type Result struct {
	Targets   int
	Delivered int
	Evicted   int
}

// PoolStats 是并发投递协程池的占用情况。
type PoolStats struct {
	Capacity int
	Running  int
	Free     int
}

// Broadcaster 把消息投递给一个或多个会话。单个目标投递失败时该目标会被驱逐，
// 其余目标不受影响，调用方永远不会收到错误。
type Broadcaster struct {
	log.Binder

	cfg      Config
	registry Registry
	rooms    Rooms
	pool     *conc.Pool[struct{}]
}

// NewBroadcaster 创建 Broadcaster。rooms 为 nil 时房间广播不会投递任何消息。
func NewBroadcaster(cfg Config, registry Registry, rooms Rooms) *Broadcaster {
	b := &Broadcaster{
		cfg:      cfg,
		registry: registry,
		rooms:    rooms,
		pool: conc.NewPool[struct{}](cfg.PoolSize,
			conc.WithName("broadcast"),
			conc.WithConcealPanic(true),
			conc.WithExpiryDuration(time.Minute),
		),
	}
	b.SetLogger(log.With(log.FieldComponent("broadcaster")).WithRateGroup("broadcast.evict", 1, 30))
	return b
}

// Close 释放并发投递协程池。
func (b *Broadcaster) Close() {
	b.pool.Release()
}

// SendTo 把消息投递给单个客户端。目标不在线时返回零值 Result。
// PoolStats 返回并发投递协程池的当前占用。
func (b *Broadcaster) PoolStats() PoolStats {
	return PoolStats{
		Capacity: b.pool.Cap(),
		Running:  b.pool.Running(),
		Free:     b.pool.Free(),
	}
}

func (b *Broadcaster) SendTo(ctx context.Context, id string, data []byte) Result {
	sess, ok := b.registry.Get(id)
	if !ok {
		return Result{}
	}
	return b.deliver(ctx, metrics.ScopeDirect, []session.Session{sess}, data)
}

// BroadcastAll 把消息投递给所有在线会话。
func (b *Broadcaster) BroadcastAll(ctx context.Context, data []byte) Result {
	return b.deliver(ctx, metrics.ScopeAll, b.registry.Sessions(), data)
}

// BroadcastExcept 把消息投递给除 excluded 之外的所有在线会话。
func (b *Broadcaster) BroadcastExcept(ctx context.Context, data []byte, excluded ...string) Result {
	skip := typeutil.NewSet(excluded...)
	all := b.registry.Sessions()
	targets := make([]session.Session, 0, len(all))
	for _, sess := range all {
		if !skip.Contain(sess.ID()) {
			targets = append(targets, sess)
		}
	}
	return b.deliver(ctx, metrics.ScopeExcept, targets, data)
}

// BroadcastToRoom 把消息投递给 room 中当前在线的成员，耗时与房间人数成正比。
func (b *Broadcaster) BroadcastToRoom(ctx context.Context, room presence.RoomID, data []byte) Result {
	if b.rooms == nil {
		return Result{}
	}
	members := b.rooms.Members(room)
	targets := make([]session.Session, 0, len(members))
	for _, id := range members {
		if sess, ok := b.registry.Get(id); ok {
			targets = append(targets, sess)
		}
	}
	return b.deliver(ctx, metrics.ScopeRoom, targets, data)
}

func (b *Broadcaster) deliver(ctx context.Context, scope string, targets []session.Session, data []byte) Result {
	start := time.Now()
	result := Result{Targets: len(targets)}
	if len(targets) == 0 {
		return result
	}
	// 调用方上下文取消不应影响其他目标的投递。
	ctx = context.WithoutCancel(ctx)

	var failed []session.Session
	if b.cfg.ParallelThreshold > 0 && len(targets) > b.cfg.ParallelThreshold {
		failed = b.deliverParallel(ctx, targets, data)
	} else {
		for _, sess := range targets {
			if err := b.sendOne(ctx, sess, data); err != nil {
				failed = append(failed, sess)
			}
		}
	}

	// 驱逐在所有投递完成后于调用方协程中执行，离线通知可能再次进入 Broadcaster。
	for _, sess := range failed {
		b.registry.UnregisterSession(sess, session.ReasonEvicted)
	}

	result.Evicted = len(failed)
	result.Delivered = result.Targets - result.Evicted
	metrics.BroadcastFanout.WithLabelValues(scope).Observe(float64(result.Targets))
	metrics.BroadcastDelivered.WithLabelValues(scope).Add(float64(result.Delivered))
	if result.Evicted > 0 {
		metrics.BroadcastEvicted.WithLabelValues(scope).Add(float64(result.Evicted))
	}
	metrics.BroadcastLatency.WithLabelValues(scope).Observe(float64(time.Since(start).Milliseconds()))
	return result
}

func (b *Broadcaster) deliverParallel(ctx context.Context, targets []session.Session, data []byte) []session.Session {
	futures := make([]*conc.Future[struct{}], len(targets))
	for i, sess := range targets {
		sess := sess
		futures[i] = b.pool.Submit(func() (struct{}, error) {
			return struct{}{}, b.sendOne(ctx, sess, data)
		})
	}

	var failed []session.Session
	for i, future := range futures {
		if _, err := future.Await(); err != nil {
			failed = append(failed, targets[i])
		}
	}
	return failed
}

func (b *Broadcaster) sendOne(ctx context.Context, sess session.Session, data []byte) error {
	if b.cfg.SendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.cfg.SendTimeout)
		defer cancel()
	}
	err := sess.Send(ctx, data)
	if err != nil {
		b.Logger().RatedWarn(1, "deliver to session failed, evicting",
			log.FieldClientID(sess.ID()),
			zap.String("instanceID", sess.InstanceID()),
			zap.Error(err))
	}
	return err
}
