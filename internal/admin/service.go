// Package admin 提供 hemoclast.realtime.v1.PresenceAdmin gRPC 运维接口。
//
// 请求与响应统一使用 google.protobuf.Struct，服务描述手工维护，不依赖代码生成。
package admin

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/lk2023060901/hemoclast-realtime-go/internal/auth"
	"github.com/lk2023060901/hemoclast-realtime-go/internal/broadcast"
	"github.com/lk2023060901/hemoclast-realtime-go/internal/json"
	"github.com/lk2023060901/hemoclast-realtime-go/internal/network/session"
	"github.com/lk2023060901/hemoclast-realtime-go/internal/presence"
	"github.com/lk2023060901/hemoclast-realtime-go/internal/protocol"
	"github.com/lk2023060901/hemoclast-realtime-go/pkg/log"
	"github.com/lk2023060901/hemoclast-realtime-go/pkg/util/hardware"
	"github.com/lk2023060901/hemoclast-realtime-go/pkg/util/merr"
)

// ServiceName 是 gRPC 服务全名。
const ServiceName = "hemoclast.realtime.v1.PresenceAdmin"

// 方法全名。
const (
	MethodListPresence    = "/" + ServiceName + "/ListPresence"
	MethodKickClient      = "/" + ServiceName + "/KickClient"
	MethodAnnounce        = "/" + ServiceName + "/Announce"
	MethodStats           = "/" + ServiceName + "/Stats"
	MethodIssueGuestToken = "/" + ServiceName + "/IssueGuestToken"
)

// PresenceAdminServer 是服务端需要实现的接口。
type PresenceAdminServer interface {
	ListPresence(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	KickClient(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Announce(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Stats(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	IssueGuestToken(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// Registry 是管理接口依赖的会话表能力。
type Registry interface {
	Snapshot() []string
	Count() int
	Unregister(id string, reason session.Reason) bool
}

// Announcer 向所有在线客户端广播公告。
type Announcer interface {
	Broadcast(ctx context.Context, env protocol.Envelope) (broadcast.Result, error)
}

// PoolReporter 报告广播协程池占用，由 *broadcast.Broadcaster 实现。
type PoolReporter interface {
	PoolStats() broadcast.PoolStats
}

// GuestIssuer 签发游客会话。
type GuestIssuer interface {
	Issue(name string) auth.GuestSession
}

// TokenSigner 为游客签发 JWT，可为空。
type TokenSigner interface {
	Sign(subject string, guest bool) (string, error)
}

// Deps 汇总 Service 的依赖。Guests 与 Signer 可为空，此时 IssueGuestToken 返回 Unimplemented。
type Deps struct {
	Registry  Registry
	Store     *presence.Store
	Rooms     *presence.Rooms
	Announcer Announcer
	Pool      PoolReporter
	Guests    GuestIssuer
	Signer    TokenSigner
	Version   string
}

// MaxAnnouncementBytes 是公告正文的长度上限。
const MaxAnnouncementBytes = 4096

// Service 实现 PresenceAdminServer。
type Service struct {
	deps    Deps
	started time.Time
	now     func() time.Time
}

var _ PresenceAdminServer = (*Service)(nil)

// NewService 创建管理服务。
func NewService(deps Deps) *Service {
	return &Service{deps: deps, started: time.Now(), now: time.Now}
}

// Register 把服务挂到 gRPC Server 上。
func Register(s grpc.ServiceRegistrar, srv PresenceAdminServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// ListPresence 返回在线玩家的状态与房间人数。传入 client_id 时只返回该玩家。
func (s *Service) ListPresence(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if id := stringField(req, protocol.FieldClientID); id != "" {
		payload, ok := s.deps.Store.Get(id)
		if !ok {
			return nil, toStatus(merr.WrapErrSessionNotFound(id))
		}
		players, err := toStruct(map[string]presence.Payload{id: payload})
		if err != nil {
			return nil, toStatus(err)
		}
		return structpb.NewStruct(map[string]any{
			"count":   1,
			"players": players.AsMap(),
		})
	}

	all := s.deps.Store.All()
	players, err := toStruct(all)
	if err != nil {
		return nil, toStatus(err)
	}
	return structpb.NewStruct(map[string]any{
		"count":   len(all),
		"online":  stringsToAny(s.deps.Registry.Snapshot()),
		"players": players.AsMap(),
		"rooms":   roomCounts(s.deps.Rooms),
	})
}

// KickClient 断开指定客户端，对端收到关闭码 4002。
func (s *Service) KickClient(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id := stringField(req, protocol.FieldClientID)
	if id == "" {
		return nil, toStatus(merr.WrapErrParameterMissing(protocol.FieldClientID))
	}
	if !s.deps.Registry.Unregister(id, session.ReasonKicked) {
		return nil, toStatus(merr.WrapErrSessionNotFound(id))
	}
	log.Ctx(ctx).Info("client kicked by admin", log.FieldClientID(id))
	return structpb.NewStruct(map[string]any{"kicked": true, protocol.FieldClientID: id})
}

// Announce 向所有在线客户端广播 server_announcement。
func (s *Service) Announce(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	msg := strings.TrimSpace(stringField(req, protocol.FieldMessage))
	if msg == "" {
		return nil, toStatus(merr.WrapErrParameterMissing(protocol.FieldMessage))
	}
	if len(msg) > MaxAnnouncementBytes {
		return nil, toStatus(merr.WrapErrParameterTooLarge(protocol.FieldMessage,
			fmt.Sprintf("%d bytes exceeds %d", len(msg), MaxAnnouncementBytes)))
	}
	data := map[string]any{}
	if extra, ok := req.GetFields()["data"]; ok && extra.GetStructValue() != nil {
		data = extra.GetStructValue().AsMap()
	}
	data[protocol.FieldMessage] = msg
	data[protocol.FieldTimestamp] = s.now().UnixMilli()

	res, err := s.deps.Announcer.Broadcast(ctx, protocol.NewEnvelope(protocol.KindServerAnnouncement, data))
	if err != nil {
		return nil, toStatus(err)
	}
	log.Ctx(ctx).Info("admin announcement sent",
		zap.Int("targets", res.Targets),
		zap.Int("delivered", res.Delivered))
	return structpb.NewStruct(map[string]any{
		"targets":   res.Targets,
		"delivered": res.Delivered,
		"evicted":   res.Evicted,
	})
}

// Stats 返回连接数、房间人数与进程资源概况。
func (s *Service) Stats(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	out := map[string]any{
		"sessions":       s.deps.Registry.Count(),
		"players":        s.deps.Store.Len(),
		"rooms":          roomCounts(s.deps.Rooms),
		"version":        s.deps.Version,
		"uptime_seconds": int64(s.now().Sub(s.started).Seconds()),
		"goroutines":     runtime.NumGoroutine(),
		"cpu_num":        hardware.GetCPUNum(),
		"memory_total":   hardware.GetMemoryCount(),
		"memory_used":    hardware.GetUsedMemoryCount(),
	}
	if s.deps.Pool != nil {
		ps := s.deps.Pool.PoolStats()
		out["broadcast_pool"] = map[string]any{
			"capacity": ps.Capacity,
			"running":  ps.Running,
			"free":     ps.Free,
		}
	}
	return structpb.NewStruct(out)
}

// IssueGuestToken 签发一条游客会话，配置了签名密钥时同时返回 JWT。
func (s *Service) IssueGuestToken(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if s.deps.Guests == nil {
		return nil, toStatus(merr.WrapErrServiceUnimplemented(errors.New("guest sessions are disabled")))
	}
	gs := s.deps.Guests.Issue(stringField(req, "name"))
	out := map[string]any{
		"token":      gs.Token,
		"name":       gs.Name,
		"created_at": gs.CreatedAt.UnixMilli(),
	}
	if s.deps.Signer != nil {
		signed, err := s.deps.Signer.Sign(gs.Name, true)
		if err != nil {
			return nil, toStatus(err)
		}
		out["jwt"] = signed
	}
	log.Ctx(ctx).Info("guest session issued", zap.String("name", gs.Name))
	return structpb.NewStruct(out)
}

func stringField(req *structpb.Struct, key string) string {
	if req == nil {
		return ""
	}
	return strings.TrimSpace(req.GetFields()[key].GetStringValue())
}

func stringsToAny(in []string) []any {
	out := make([]any, len(in))
	for i, v := range in {
		out[i] = v
	}
	return out
}

func roomCounts(rooms *presence.Rooms) map[string]any {
	snapshot := rooms.Snapshot()
	out := make(map[string]any, len(snapshot))
	for _, room := range presence.SortedRooms(snapshot) {
		out[string(room)] = snapshot[room]
	}
	return out
}

// toStruct 经 JSON 转换任意值，玩家状态中的数值类型不一定能直接放进 structpb。
func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "marshal presence")
	}
	out := &structpb.Struct{}
	if err := out.UnmarshalJSON(raw); err != nil {
		return nil, errors.Wrap(err, "convert presence")
	}
	return out, nil
}

// toStatus 把内部错误映射为 gRPC 状态码。
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	code := codes.Internal
	switch {
	case errors.IsAny(err, merr.ErrParameterMissing, merr.ErrParameterInvalid, merr.ErrParameterTooLarge):
		code = codes.InvalidArgument
	case errors.Is(err, merr.ErrSessionNotFound):
		code = codes.NotFound
	case errors.Is(err, merr.ErrServiceUnimplemented):
		code = codes.Unimplemented
	case merr.IsCanceledOrTimeout(err):
		code = codes.DeadlineExceeded
	case merr.IsRetryableErr(err):
		code = codes.Unavailable
	}
	st := merr.NewStatus(err)
	return status.Errorf(code, "%s (code=%d)", st.Msg, st.Code)
}
