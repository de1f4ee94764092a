// Package protocol 实现会话级游戏消息协议：解析入站信封、更新在线状态并广播通知。
package protocol

import (
	"maps"
	"time"

	"github.com/lk2023060901/hemoclast-realtime-go/internal/network/serializer"
)

// 入站消息类型。
const (
	KindPlayerSpawn      = "player_spawn"
	KindPlayerSpawn3D    = "player_spawn_3d"
	KindPlayerMove       = "player_move"
	KindPlayerMove3D     = "player_move_3d"
	KindChatMessage      = "chat_message"
	KindPlayerDisconnect = "player_disconnect"

	KindGuildJoin    = "guild_join"
	KindGuildLeave   = "guild_leave"
	KindGuildMessage = "guild_message"
	KindCityJoin     = "city_join"
	KindCityLeave    = "city_leave"
	KindCityMessage  = "city_message"
)

// 出站消息类型。chat_message、guild_message、city_message 与入站同名。
const (
	KindPlayerJoined   = "player_joined"
	KindPlayerJoined3D = "player_joined_3d"
	KindPlayerMoved    = "player_moved"
	KindPlayerMoved3D  = "player_moved_3d"
	KindPlayerLeft     = "player_left"
	KindRoomJoined     = "room_joined"
	KindRoomLeft       = "room_left"
	KindError          = "error"

	// KindServerAnnouncement 为运维公告，由管理接口下发。
	KindServerAnnouncement = "server_announcement"
)

// 信封 data 中的常用字段。
const (
	FieldClientID    = "client_id"
	FieldTimestamp   = "timestamp"
	FieldMessage     = "message"
	FieldRaw         = "raw"
	FieldRoom        = "room"
	FieldGuildID     = "guild_id"
	FieldMembers     = "members"
	FieldCode        = "code"
	FieldRequestType = "request_type"
)

// Envelope 是收发双方共用的 JSON 信封 {"type": ..., "data": {...}}。
type Envelope struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

// NewEnvelope 创建信封，data 为 nil 时使用空对象。
func NewEnvelope(kind string, data map[string]any) Envelope {
	if data == nil {
		data = make(map[string]any)
	}
	return Envelope{Type: kind, Data: data}
}

// Announce 构造关于 clientID 的通知：复制 data 并以服务端认定的 clientID 覆盖 client_id。
func Announce(kind, clientID string, data map[string]any) Envelope {
	out := make(map[string]any, len(data)+1)
	maps.Copy(out, data)
	out[FieldClientID] = clientID
	return Envelope{Type: kind, Data: out}
}

// PlayerLeft 构造 player_left 通知，timestamp 为毫秒时间戳。
func PlayerLeft(clientID string, at time.Time) Envelope {
	return NewEnvelope(KindPlayerLeft, map[string]any{
		FieldClientID:  clientID,
		FieldTimestamp: at.UnixMilli(),
	})
}

// Encode 使用给定的序列化器编码信封。
func Encode(ser serializer.Serializer, env Envelope) ([]byte, error) {
	if env.Data == nil {
		env.Data = make(map[string]any)
	}
	return ser.Marshal(env)
}

// Decode 将帧解析为信封。调用方需自行检查 Type 与 Data。
func Decode(ser serializer.Serializer, raw []byte, env *Envelope) error {
	return ser.Unmarshal(raw, env)
}

// stripClientID 返回去掉 client_id 的副本，客户端自报的 client_id 不会被保存。
func stripClientID(data map[string]any) map[string]any {
	out := maps.Clone(data)
	if out == nil {
		out = make(map[string]any)
	}
	delete(out, FieldClientID)
	return out
}
