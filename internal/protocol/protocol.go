package protocol

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/lk2023060901/hemoclast-realtime-go/internal/broadcast"
	"github.com/lk2023060901/hemoclast-realtime-go/internal/network/router"
	"github.com/lk2023060901/hemoclast-realtime-go/internal/network/serializer"
	"github.com/lk2023060901/hemoclast-realtime-go/internal/network/session"
	"github.com/lk2023060901/hemoclast-realtime-go/internal/presence"
	"github.com/lk2023060901/hemoclast-realtime-go/pkg/log"
	"github.com/lk2023060901/hemoclast-realtime-go/pkg/metrics"
	"github.com/lk2023060901/hemoclast-realtime-go/pkg/util/merr"
)

// 无法解析为 JSON 对象的帧的兜底策略。
const (
	// FallbackChat 把原始文本当作聊天内容广播给所有人。
	FallbackChat = "chat"
	// FallbackDrop 只记录日志与指标。
	FallbackDrop = "drop"
)

// Config 描述协议层配置。
type Config struct {
	DecodeFallback string `mapstructure:"decode_fallback"`
	Serializer     string `mapstructure:"serializer"`
}

// DefaultConfig 返回默认协议配置。
func DefaultConfig() Config {
	return Config{
		DecodeFallback: FallbackChat,
		Serializer:     serializer.NameSonic,
	}
}

// Validate 检查配置取值。
func (c Config) Validate() error {
	switch strings.ToLower(c.DecodeFallback) {
	case FallbackChat, FallbackDrop:
	default:
		return merr.WrapErrParameterInvalid(FallbackChat+"|"+FallbackDrop, c.DecodeFallback, "protocol.decode_fallback")
	}
	_, err := serializer.New(c.Serializer)
	return err
}

// Broadcaster 是协议层依赖的投递能力，由 *broadcast.Broadcaster 实现。
type Broadcaster interface {
	SendTo(ctx context.Context, id string, data []byte) broadcast.Result
	BroadcastAll(ctx context.Context, data []byte) broadcast.Result
	BroadcastExcept(ctx context.Context, data []byte, excluded ...string) broadcast.Result
	BroadcastToRoom(ctx context.Context, room presence.RoomID, data []byte) broadcast.Result
}

// Guard 把消息处理与会话清理排好先后，由 *session.Registry 实现。
//   - Hold/Release 包住代表某个会话的扇出，期间它的 player_left 会被推迟；
//   - Mutate 只在会话仍为当前会话时修改状态表与房间。
type Guard interface {
	Hold(sess session.Session) bool
	HoldID(id string) (session.Session, bool)
	Release(sess session.Session)
	Mutate(sess session.Session, fn func()) bool
	IsCurrent(sess session.Session) bool
}

// Router 把入站帧解析为信封并分发到对应的处理函数。
//
// 同一连接的消息由接入层的读协程依次调用 Dispatch，因此按接收顺序串行处理。
type Router struct {
	log.Binder

	fallback string
	ser      serializer.Serializer
	routes   router.Router

	store *presence.Store
	rooms *presence.Rooms
	bc    Broadcaster
	guard Guard

	now func() time.Time
}

// NewRouter 创建 Router 并注册所有内置消息类型。
func NewRouter(cfg Config, store *presence.Store, rooms *presence.Rooms, bc Broadcaster, guard Guard) (*Router, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if guard == nil {
		return nil, merr.WrapErrParameterMissing("guard")
	}
	ser, err := serializer.New(cfg.Serializer)
	if err != nil {
		return nil, err
	}
	r := &Router{
		fallback: strings.ToLower(cfg.DecodeFallback),
		ser:      ser,
		routes:   router.New(),
		store:    store,
		rooms:    rooms,
		bc:       bc,
		guard:    guard,
		now:      time.Now,
	}
	r.SetLogger(log.With(log.FieldModule("protocol"), zap.String("serializer", ser.Name())))
	if err := r.registerBuiltin(); err != nil {
		return nil, err
	}
	return r, nil
}

// Register 注册额外的消息类型，类型已存在时返回错误。
func (r *Router) Register(kind string, handler router.Handler) error {
	return r.routes.Register(kind, router.Route{Handler: handler})
}

// Kinds 返回已注册的消息类型。
func (r *Router) Kinds() []string {
	return r.routes.Kinds()
}

// Serializer 返回出站消息使用的序列化器。
func (r *Router) Serializer() serializer.Serializer {
	return r.ser
}

// Dispatch 处理 sess 发来的一帧。sess 已不是当前会话时整帧丢弃。
// 任何错误都不会导致连接关闭：
//   - 帧不是 JSON 对象：按 decode_fallback 处理；
//   - type 未知：只记录日志与指标；
//   - 处理失败：向发送者回复 error 信封。
func (r *Router) Dispatch(ctx context.Context, sess session.Session, raw []byte) {
	if !r.guard.Hold(sess) {
		return
	}
	defer r.guard.Release(sess)

	start := time.Now()
	clientID := sess.ID()

	var frame map[string]any
	if err := r.ser.Unmarshal(raw, &frame); err != nil || frame == nil {
		r.onUndecodable(ctx, clientID, raw, err)
		return
	}

	kind, _ := frame["type"].(string)
	req := &router.Request{Session: sess, ClientID: clientID, Kind: kind}
	switch data := frame["data"].(type) {
	case nil:
		req.Data = make(map[string]any)
	case map[string]any:
		req.Data = data
	default:
		r.reply(ctx, clientID, kind, merr.WrapErrProtocolInvalidPayload(kind, "data must be an object"))
		return
	}

	err := r.routes.Handle(ctx, req)
	switch {
	case err == nil:
		metrics.ProtocolMessages.WithLabelValues(kind).Inc()
		metrics.ProtocolHandleLatency.WithLabelValues(kind).Observe(float64(time.Since(start).Milliseconds()))
	case errors.Is(err, merr.ErrProtocolUnknownKind):
		metrics.ProtocolUnknownMessages.Inc()
		r.Logger().RatedWarn(1, "unknown message", log.FieldClientID(clientID), log.FieldKind(kind))
	default:
		r.reply(ctx, clientID, kind, err)
	}
}

func (r *Router) onUndecodable(ctx context.Context, clientID string, raw []byte, err error) {
	metrics.ProtocolDecodeFallbacks.WithLabelValues(r.fallback).Inc()
	logger := r.Logger().With(log.FieldClientID(clientID), zap.Int("size", len(raw)))
	if err != nil {
		logger = logger.With(zap.Error(merr.WrapErrProtocolDecode(err)))
	}
	if r.fallback != FallbackChat {
		logger.RatedWarn(1, "undecodable frame dropped")
		return
	}
	logger.RatedInfo(1, "undecodable frame relayed as chat")
	r.broadcastAll(ctx, Announce(KindChatMessage, clientID, map[string]any{
		FieldMessage: string(raw),
		FieldRaw:     true,
	}))
}

// reply 向发送者回复错误信封。
func (r *Router) reply(ctx context.Context, clientID, kind string, err error) {
	r.Logger().RatedWarn(1, "handle message failed",
		log.FieldClientID(clientID), log.FieldKind(kind), zap.Error(err))
	status := merr.NewStatus(err)
	r.sendTo(ctx, clientID, NewEnvelope(KindError, map[string]any{
		FieldCode:        status.Code,
		FieldMessage:     status.Msg,
		FieldRequestType: kind,
	}))
}

// AnnounceDeparture 通知所有其他在线客户端 clientID 已离线。
func (r *Router) AnnounceDeparture(ctx context.Context, clientID string) {
	data, ok := r.encode(PlayerLeft(clientID, r.now()))
	if !ok {
		return
	}
	r.bc.BroadcastExcept(ctx, data, clientID)
}

// Broadcast 编码并广播给所有在线客户端，用于运维公告。
func (r *Router) Broadcast(ctx context.Context, env Envelope) (broadcast.Result, error) {
	data, err := Encode(r.ser, env)
	if err != nil {
		return broadcast.Result{}, err
	}
	return r.bc.BroadcastAll(ctx, data), nil
}

func (r *Router) encode(env Envelope) ([]byte, bool) {
	data, err := Encode(r.ser, env)
	if err != nil {
		r.Logger().Error("encode envelope failed", log.FieldKind(env.Type), zap.Error(err))
		return nil, false
	}
	return data, true
}

func (r *Router) sendTo(ctx context.Context, id string, env Envelope) {
	if data, ok := r.encode(env); ok {
		r.bc.SendTo(ctx, id, data)
	}
}

func (r *Router) broadcastAll(ctx context.Context, env Envelope) {
	if data, ok := r.encode(env); ok {
		r.bc.BroadcastAll(ctx, data)
	}
}

func (r *Router) broadcastExcept(ctx context.Context, env Envelope, excluded string) {
	if data, ok := r.encode(env); ok {
		r.bc.BroadcastExcept(ctx, data, excluded)
	}
}

func (r *Router) broadcastToRoom(ctx context.Context, room presence.RoomID, env Envelope) {
	if data, ok := r.encode(env); ok {
		r.bc.BroadcastToRoom(ctx, room, data)
	}
}
