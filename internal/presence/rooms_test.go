package presence

import (
	"fmt"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lk2023060901/hemoclast-realtime-go/pkg/util/merr"
)

func TestRoomID_Kind(t *testing.T) {
	assert.Equal(t, KindCity, CityRoom.Kind())
	assert.Equal(t, KindGuild, GuildRoom("12").Kind())
	assert.Equal(t, GuildRoom("7"), GuildRoomInt(7))
	assert.Equal(t, "", RoomID("guild:").Kind())
	assert.False(t, RoomID("lobby").Valid())
}

func TestRooms_JoinLeave(t *testing.T) {
	r := NewRooms(DefaultLimits())
	room := GuildRoom("1")

	require.NoError(t, r.Join(room, "B"))
	require.NoError(t, r.Join(room, "A"))
	require.NoError(t, r.Join(room, "A"))
	require.NoError(t, r.Join(CityRoom, "A"))

	assert.Equal(t, []string{"A", "B"}, r.Members(room))
	assert.True(t, r.IsMember(room, "A"))
	assert.Equal(t, 2, r.Count(room))
	assert.Equal(t, []RoomID{CityRoom, room}, r.RoomsOf("A"))

	assert.True(t, r.Leave(room, "A"))
	assert.False(t, r.Leave(room, "A"))
	assert.Equal(t, []string{"B"}, r.Members(room))

	assert.True(t, r.Leave(room, "B"))
	_, exists := r.Snapshot()[room]
	assert.False(t, exists, "empty rooms are pruned")
	assert.Equal(t, 0, r.Count(room))
}

func TestRooms_JoinInvalid(t *testing.T) {
	r := NewRooms(DefaultLimits())
	err := r.Join(RoomID("lobby"), "A")
	assert.True(t, errors.Is(err, merr.ErrRoomInvalid))
	assert.Empty(t, r.RoomsOf("A"))
}

func TestRooms_CapacityLimit(t *testing.T) {
	r := NewRooms(Limits{GuildMaxMembers: 2, CityMaxPlayers: 0})
	room := GuildRoom("9")
	require.NoError(t, r.Join(room, "A"))
	require.NoError(t, r.Join(room, "B"))

	err := r.Join(room, "C")
	assert.True(t, errors.Is(err, merr.ErrRoomFull))
	assert.False(t, r.IsMember(room, "C"))
	assert.Equal(t, 2, r.Count(room))

	// 已是成员时重复加入不受限额影响。
	assert.NoError(t, r.Join(room, "A"))

	for i := 0; i < 500; i++ {
		require.NoError(t, r.Join(CityRoom, fmt.Sprintf("p%d", i)))
	}
	assert.Equal(t, 500, r.Count(CityRoom))
}

func TestRooms_LeaveAll(t *testing.T) {
	r := NewRooms(DefaultLimits())
	require.NoError(t, r.Join(GuildRoom("1"), "A"))
	require.NoError(t, r.Join(CityRoom, "A"))
	require.NoError(t, r.Join(CityRoom, "B"))

	left := r.LeaveAll("A")
	assert.Equal(t, []RoomID{CityRoom, GuildRoom("1")}, left)
	assert.Empty(t, r.RoomsOf("A"))
	assert.Equal(t, []string{"B"}, r.Members(CityRoom))
	assert.Nil(t, r.Members(GuildRoom("1")))

	assert.Nil(t, r.LeaveAll("A"))
}

func TestRooms_SnapshotSorted(t *testing.T) {
	r := NewRooms(DefaultLimits())
	require.NoError(t, r.Join(GuildRoom("2"), "A"))
	require.NoError(t, r.Join(CityRoom, "A"))
	require.NoError(t, r.Join(CityRoom, "B"))

	snap := r.Snapshot()
	assert.Equal(t, map[RoomID]int{CityRoom: 2, GuildRoom("2"): 1}, snap)
	assert.Equal(t, []RoomID{CityRoom, GuildRoom("2")}, SortedRooms(snap))
}
