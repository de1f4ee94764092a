package presence

import (
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/lk2023060901/hemoclast-realtime-go/pkg/metrics"
	"github.com/lk2023060901/hemoclast-realtime-go/pkg/util/merr"
	"github.com/lk2023060901/hemoclast-realtime-go/pkg/util/typeutil"
)

// RoomID 标识一个房间，例如 "city" 或 "guild:12"。
type RoomID string

const (
	// CityRoom 是全服唯一的主城广场。
	CityRoom RoomID = "city"

	guildRoomPrefix = "guild:"

	// KindCity 与 KindGuild 是房间类型，用于限额与指标标签。
	KindCity  = "city"
	KindGuild = "guild"
)

// GuildRoom 返回公会频道的 RoomID。
func GuildRoom(guildID string) RoomID {
	return RoomID(guildRoomPrefix + guildID)
}

// GuildRoomInt 与 GuildRoom 相同，接受整数公会 ID。
func GuildRoomInt(guildID int64) RoomID {
	return GuildRoom(strconv.FormatInt(guildID, 10))
}

// Kind 返回房间类型，无法识别时返回空串。
func (r RoomID) Kind() string {
	switch {
	case r == CityRoom:
		return KindCity
	case strings.HasPrefix(string(r), guildRoomPrefix) && len(r) > len(guildRoomPrefix):
		return KindGuild
	default:
		return ""
	}
}

// Valid 判断 RoomID 是否是已知类型。
func (r RoomID) Valid() bool {
	return r.Kind() != ""
}

// Limits 描述每类房间的人数上限，0 表示不限制。
type Limits struct {
	GuildMaxMembers int `mapstructure:"guild_max_members"`
	CityMaxPlayers  int `mapstructure:"city_max_players"`
}

// DefaultLimits 返回默认的房间人数上限。
func DefaultLimits() Limits {
	return Limits{
		GuildMaxMembers: 25,
		CityMaxPlayers:  200,
	}
}

func (l Limits) of(room RoomID) int {
	switch room.Kind() {
	case KindCity:
		return l.CityMaxPlayers
	case KindGuild:
		return l.GuildMaxMembers
	default:
		return 0
	}
}

// Rooms 维护房间与成员的双向索引。空房间会被立即清除。
type Rooms struct {
	limits Limits

	mu      sync.RWMutex
	members map[RoomID]typeutil.Set[string]
	joined  map[string]typeutil.Set[RoomID]
}

// NewRooms 创建 Rooms。
func NewRooms(limits Limits) *Rooms {
	return &Rooms{
		limits:  limits,
		members: make(map[RoomID]typeutil.Set[string]),
		joined:  make(map[string]typeutil.Set[RoomID]),
	}
}

// Join 将 id 加入 room。已是成员时直接返回 nil；房间已满返回 ErrRoomFull。
func (r *Rooms) Join(room RoomID, id string) error {
	kind := room.Kind()
	if kind == "" {
		metrics.RoomJoinRejected.WithLabelValues("unknown", "invalid").Inc()
		return merr.WrapErrRoomInvalid(string(room))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.members[room]
	if ok && set.Contain(id) {
		return nil
	}
	if limit := r.limits.of(room); limit > 0 && ok && set.Len() >= limit {
		metrics.RoomJoinRejected.WithLabelValues(kind, "full").Inc()
		return merr.WrapErrRoomFull(string(room), limit)
	}
	if !ok {
		set = typeutil.NewSet[string]()
		r.members[room] = set
	}
	set.Insert(id)

	rooms, ok := r.joined[id]
	if !ok {
		rooms = typeutil.NewSet[RoomID]()
		r.joined[id] = rooms
	}
	rooms.Insert(room)
	metrics.RoomMembers.WithLabelValues(kind).Inc()
	return nil
}

// Leave 将 id 移出 room，返回 id 之前是否是成员。
func (r *Rooms) Leave(room RoomID, id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leaveLocked(room, id)
}

func (r *Rooms) leaveLocked(room RoomID, id string) bool {
	set, ok := r.members[room]
	if !ok || !set.Contain(id) {
		return false
	}
	set.Remove(id)
	if set.Len() == 0 {
		delete(r.members, room)
	}
	if rooms, ok := r.joined[id]; ok {
		rooms.Remove(room)
		if rooms.Len() == 0 {
			delete(r.joined, id)
		}
	}
	metrics.RoomMembers.WithLabelValues(room.Kind()).Dec()
	return true
}

// LeaveAll 将 id 移出所有房间，返回离开的房间（升序）。
func (r *Rooms) LeaveAll(id string) []RoomID {
	r.mu.Lock()
	defer r.mu.Unlock()
	rooms, ok := r.joined[id]
	if !ok {
		return nil
	}
	left := typeutil.SortedCollect(rooms.Clone())
	for _, room := range left {
		r.leaveLocked(room, id)
	}
	return left
}

// Members 返回 room 成员的快照（升序）。
func (r *Rooms) Members(room RoomID) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set, ok := r.members[room]
	if !ok {
		return nil
	}
	return typeutil.SortedCollect(set)
}

// IsMember 判断 id 是否在 room 中。
func (r *Rooms) IsMember(room RoomID, id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set, ok := r.members[room]
	return ok && set.Contain(id)
}

// RoomsOf 返回 id 所在的房间（升序）。
func (r *Rooms) RoomsOf(id string) []RoomID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rooms, ok := r.joined[id]
	if !ok {
		return nil
	}
	return typeutil.SortedCollect(rooms)
}

// Count 返回 room 的成员数。
func (r *Rooms) Count(room RoomID) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.members[room].Len()
}

// Snapshot 返回所有非空房间及其成员数。
func (r *Rooms) Snapshot() map[RoomID]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[RoomID]int, len(r.members))
	for room, set := range r.members {
		out[room] = set.Len()
	}
	return out
}

// SortedRooms 返回 Snapshot 中的房间列表（升序）。
func SortedRooms(snapshot map[RoomID]int) []RoomID {
	rooms := make([]RoomID, 0, len(snapshot))
	for room := range snapshot {
		rooms = append(rooms, room)
	}
	slices.Sort(rooms)
	return rooms
}
