package protocol

import (
	"context"
	"maps"
	"math"
	"slices"
	"strconv"
	"strings"

	"github.com/lk2023060901/hemoclast-realtime-go/internal/network/router"
	"github.com/lk2023060901/hemoclast-realtime-go/internal/presence"
	"github.com/lk2023060901/hemoclast-realtime-go/pkg/log"
	"github.com/lk2023060901/hemoclast-realtime-go/pkg/util/merr"
)

func (r *Router) registerBuiltin() error {
	routes := []struct {
		kind    string
		handler router.Handler
		desc    string
	}{
		{KindPlayerSpawn, r.spawnHandler(KindPlayerJoined), "spawn and receive the current players"},
		{KindPlayerSpawn3D, r.spawnHandler(KindPlayerJoined3D), "spawn in the 3D world"},
		{KindPlayerMove, r.moveHandler(KindPlayerMoved), "partial state update"},
		{KindPlayerMove3D, r.moveHandler(KindPlayerMoved3D), "partial state update in the 3D world"},
		{KindChatMessage, r.handleChat, "chat to everyone"},
		{KindPlayerDisconnect, r.handleDisconnect, "advisory, teardown follows the socket close"},
		{KindGuildJoin, r.handleGuildJoin, "join a guild channel"},
		{KindGuildLeave, r.handleGuildLeave, "leave a guild channel"},
		{KindGuildMessage, r.handleGuildMessage, "message a guild channel"},
		{KindCityJoin, r.handleCityJoin, "enter the city plaza"},
		{KindCityLeave, r.handleCityLeave, "leave the city plaza"},
		{KindCityMessage, r.handleCityMessage, "message the city plaza"},
	}
	for _, route := range routes {
		if err := r.routes.Register(route.kind, router.Route{Handler: route.handler, Description: route.desc}); err != nil {
			return err
		}
	}
	return nil
}

// spawnHandler 保存完整状态，先把其他在线玩家（按 clientId 升序）逐个发给新玩家，
// 再向其他人宣布新玩家。发送者已被清理时不写入状态，也不再宣布。
func (r *Router) spawnHandler(joinedKind string) router.Handler {
	return func(ctx context.Context, req *router.Request) error {
		state := stripClientID(req.Data)
		var others map[string]presence.Payload
		if !r.guard.Mutate(req.Session, func() {
			r.store.Put(req.ClientID, state)
			others = r.store.All()
		}) {
			return nil
		}
		delete(others, req.ClientID)
		for _, id := range sortedKeys(others) {
			r.catchUp(ctx, req.ClientID, id, Announce(joinedKind, id, others[id]))
		}

		// 补发失败会驱逐发送者，此后不能再替它宣布上线。
		if !r.guard.IsCurrent(req.Session) {
			return nil
		}
		r.broadcastExcept(ctx, Announce(joinedKind, req.ClientID, state), req.ClientID)
		return nil
	}
}

// catchUp 把 peer 的状态发给 to。发送期间持有 peer 的会话，
// peer 的 player_left 只会排在这条消息之后；peer 已离线则跳过。
func (r *Router) catchUp(ctx context.Context, to, peer string, env Envelope) {
	sess, ok := r.guard.HoldID(peer)
	if !ok {
		return
	}
	defer r.guard.Release(sess)
	r.sendTo(ctx, to, env)
}

// moveHandler 合并部分状态。未 spawn 的客户端会由 Merge 隐式创建记录。
func (r *Router) moveHandler(movedKind string) router.Handler {
	return func(ctx context.Context, req *router.Request) error {
		partial := stripClientID(req.Data)
		if !r.guard.Mutate(req.Session, func() { r.store.Merge(req.ClientID, partial) }) {
			return nil
		}
		r.broadcastExcept(ctx, Announce(movedKind, req.ClientID, partial), req.ClientID)
		return nil
	}
}

func (r *Router) handleChat(ctx context.Context, req *router.Request) error {
	r.broadcastAll(ctx, Announce(KindChatMessage, req.ClientID, req.Data))
	return nil
}

func (r *Router) handleDisconnect(_ context.Context, req *router.Request) error {
	r.Logger().Debug("client announced disconnect", log.FieldClientID(req.ClientID))
	return nil
}

func (r *Router) handleGuildJoin(ctx context.Context, req *router.Request) error {
	room, err := guildRoomOf(req)
	if err != nil {
		return err
	}
	return r.join(ctx, req, room)
}

func (r *Router) handleGuildLeave(ctx context.Context, req *router.Request) error {
	room, err := guildRoomOf(req)
	if err != nil {
		return err
	}
	return r.leave(ctx, req, room)
}

func (r *Router) handleGuildMessage(ctx context.Context, req *router.Request) error {
	room, err := guildRoomOf(req)
	if err != nil {
		return err
	}
	return r.roomMessage(ctx, req, room)
}

func (r *Router) handleCityJoin(ctx context.Context, req *router.Request) error {
	return r.join(ctx, req, presence.CityRoom)
}

func (r *Router) handleCityLeave(ctx context.Context, req *router.Request) error {
	return r.leave(ctx, req, presence.CityRoom)
}

func (r *Router) handleCityMessage(ctx context.Context, req *router.Request) error {
	return r.roomMessage(ctx, req, presence.CityRoom)
}

func (r *Router) join(ctx context.Context, req *router.Request, room presence.RoomID) error {
	var err error
	if !r.guard.Mutate(req.Session, func() { err = r.rooms.Join(room, req.ClientID) }) {
		return nil
	}
	if err != nil {
		return err
	}
	r.Logger().Debug("joined room", log.FieldClientID(req.ClientID), log.FieldRoom(string(room)))
	r.sendTo(ctx, req.ClientID, NewEnvelope(KindRoomJoined, map[string]any{
		FieldRoom:    string(room),
		FieldMembers: r.rooms.Count(room),
	}))
	return nil
}

func (r *Router) leave(ctx context.Context, req *router.Request, room presence.RoomID) error {
	left := false
	if !r.guard.Mutate(req.Session, func() { left = r.rooms.Leave(room, req.ClientID) }) {
		return nil
	}
	if !left {
		return merr.WrapErrRoomNotMember(string(room), req.ClientID)
	}
	r.sendTo(ctx, req.ClientID, NewEnvelope(KindRoomLeft, map[string]any{
		FieldRoom: string(room),
	}))
	return nil
}

// roomMessage 只允许房间成员发言，消息原样（覆盖 client_id）投递给房间全体成员。
func (r *Router) roomMessage(ctx context.Context, req *router.Request, room presence.RoomID) error {
	if !r.rooms.IsMember(room, req.ClientID) {
		return merr.WrapErrRoomNotMember(string(room), req.ClientID)
	}
	r.broadcastToRoom(ctx, room, Announce(req.Kind, req.ClientID, req.Data))
	return nil
}

// maxExactGuildID 以上的数字在 JSON 解码为 float64 时已经丢失精度，
// 不同的公会 ID 可能落到同一个频道。
const maxExactGuildID = 1 << 53

// guildRoomOf 从 data.guild_id 解析公会频道，接受非空字符串或绝对值不超过 2^53 的整数。
func guildRoomOf(req *router.Request) (presence.RoomID, error) {
	switch v := req.Data[FieldGuildID].(type) {
	case string:
		if id := strings.TrimSpace(v); id != "" {
			return presence.GuildRoom(id), nil
		}
	case float64:
		if v == math.Trunc(v) && math.Abs(v) <= maxExactGuildID {
			return presence.GuildRoom(strconv.FormatInt(int64(v), 10)), nil
		}
	case int64:
		if v >= -maxExactGuildID && v <= maxExactGuildID {
			return presence.GuildRoomInt(v), nil
		}
	case int:
		if int64(v) >= -maxExactGuildID && int64(v) <= maxExactGuildID {
			return presence.GuildRoomInt(int64(v)), nil
		}
	}
	return "", merr.WrapErrProtocolInvalidPayload(req.Kind, "guild_id must be a non-empty string or an integer")
}

func sortedKeys[V any](m map[string]V) []string {
	return slices.Sorted(maps.Keys(m))
}
