package protocol

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/lk2023060901/hemoclast-realtime-go/internal/broadcast"
	"github.com/lk2023060901/hemoclast-realtime-go/internal/json"
	"github.com/lk2023060901/hemoclast-realtime-go/internal/network/router"
	"github.com/lk2023060901/hemoclast-realtime-go/internal/network/session"
	"github.com/lk2023060901/hemoclast-realtime-go/internal/network/session/sessiontest"
	"github.com/lk2023060901/hemoclast-realtime-go/internal/presence"
	"github.com/lk2023060901/hemoclast-realtime-go/pkg/util/merr"
)

type ProtocolSuite struct {
	suite.Suite

	ctx      context.Context
	registry *session.Registry
	store    *presence.Store
	rooms    *presence.Rooms
	bc       *broadcast.Broadcaster
	router   *Router
	clients  map[string]*sessiontest.MockSession
}

func (s *ProtocolSuite) SetupTest() {
	s.ctx = context.Background()
	s.setup(DefaultConfig(), presence.DefaultLimits())
}

func (s *ProtocolSuite) setup(cfg Config, limits presence.Limits) {
	s.registry = session.NewRegistry()
	s.store = presence.NewStore()
	s.rooms = presence.NewRooms(limits)
	s.bc = broadcast.NewBroadcaster(broadcast.Config{SendTimeout: 20 * time.Millisecond}, s.registry, s.rooms)
	r, err := NewRouter(cfg, s.store, s.rooms, s.bc, s.registry)
	s.Require().NoError(err)
	s.router = r
	s.registry.SetTeardown(
		func(sess session.Session, _ session.Reason) {
			s.store.Remove(sess.ID())
			s.rooms.LeaveAll(sess.ID())
		},
		func(sess session.Session, _ session.Reason) {
			s.router.AnnounceDeparture(context.Background(), sess.ID())
		},
	)
	s.clients = make(map[string]*sessiontest.MockSession)
}

func (s *ProtocolSuite) TearDownTest() {
	s.bc.Close()
}

func (s *ProtocolSuite) connect(id string) *sessiontest.MockSession {
	m := sessiontest.NewMockSession(id)
	s.clients[id] = m
	s.registry.Register(m)
	return m
}

func (s *ProtocolSuite) send(id string, env Envelope) {
	raw, err := json.Marshal(env)
	s.Require().NoError(err)
	s.router.Dispatch(s.ctx, s.clients[id], raw)
}

func (s *ProtocolSuite) received(id string) []Envelope {
	var out []Envelope
	for _, frame := range s.clients[id].Frames() {
		var env Envelope
		s.Require().NoError(json.Unmarshal(frame, &env))
		out = append(out, env)
	}
	return out
}

func (s *ProtocolSuite) ofKind(id, kind string) []Envelope {
	var out []Envelope
	for _, env := range s.received(id) {
		if env.Type == kind {
			out = append(out, env)
		}
	}
	return out
}

func (s *ProtocolSuite) TestScenarioABC() {
	s.connect("A")
	s.connect("B")
	s.connect("C")

	s.send("A", NewEnvelope(KindPlayerSpawn, map[string]any{"name": "A"}))
	s.send("B", NewEnvelope(KindPlayerSpawn, map[string]any{"name": "B"}))

	bJoined := s.ofKind("B", KindPlayerJoined)
	s.Require().Len(bJoined, 1)
	s.Equal("A", bJoined[0].Data[FieldClientID])
	s.Equal("A", bJoined[0].Data["name"])

	aJoined := s.ofKind("A", KindPlayerJoined)
	s.Require().Len(aJoined, 1)
	s.Equal("B", aJoined[0].Data[FieldClientID])

	s.send("A", NewEnvelope(KindPlayerMove, map[string]any{"x": 5}))
	bMoved := s.ofKind("B", KindPlayerMoved)
	s.Require().Len(bMoved, 1)
	s.Equal("A", bMoved[0].Data[FieldClientID])
	s.EqualValues(5, bMoved[0].Data["x"])
	s.Empty(s.ofKind("A", KindPlayerMoved))
	s.Len(s.ofKind("C", KindPlayerMoved), 1)

	s.True(s.registry.Unregister("A", session.ReasonClosed))
	left := s.ofKind("B", KindPlayerLeft)
	s.Require().Len(left, 1)
	s.Equal("A", left[0].Data[FieldClientID])
	s.NotZero(left[0].Data[FieldTimestamp])

	_, ok := s.store.Get("A")
	s.False(ok)
}

func (s *ProtocolSuite) TestSpawnCatchUpIsComplete() {
	ids := []string{"p3", "p1", "p2", "p4"}
	for _, id := range ids {
		s.connect(id)
		s.send(id, NewEnvelope(KindPlayerSpawn, map[string]any{"name": id}))
	}
	late := s.connect("late")
	late.Reset()
	s.send("late", NewEnvelope(KindPlayerSpawn, map[string]any{"name": "late"}))

	joined := s.ofKind("late", KindPlayerJoined)
	var got []string
	for _, env := range joined {
		got = append(got, env.Data[FieldClientID].(string))
	}
	s.Equal([]string{"p1", "p2", "p3", "p4"}, got)

	for _, id := range ids {
		announced := 0
		for _, env := range s.ofKind(id, KindPlayerJoined) {
			if env.Data[FieldClientID] == "late" {
				announced++
			}
		}
		s.Equal(1, announced, id)
	}
}

func (s *ProtocolSuite) TestSpawn3DUsesMatchingKinds() {
	s.connect("A")
	s.connect("B")
	s.send("A", NewEnvelope(KindPlayerSpawn3D, map[string]any{"y": 1.5}))
	s.send("B", NewEnvelope(KindPlayerSpawn3D, nil))
	s.Len(s.ofKind("A", KindPlayerJoined3D), 1)
	s.Len(s.ofKind("B", KindPlayerJoined3D), 1)

	s.send("B", NewEnvelope(KindPlayerMove3D, map[string]any{"z": 2}))
	s.Len(s.ofKind("A", KindPlayerMoved3D), 1)
}

func (s *ProtocolSuite) TestClientIDIsAuthoritative() {
	s.connect("A")
	s.connect("B")
	s.send("A", NewEnvelope(KindPlayerMove, map[string]any{"client_id": "B", "x": 1}))

	moved := s.ofKind("B", KindPlayerMoved)
	s.Require().Len(moved, 1)
	s.Equal("A", moved[0].Data[FieldClientID])

	record, ok := s.store.Get("A")
	s.Require().True(ok)
	s.NotContains(record, FieldClientID)
}

func (s *ProtocolSuite) TestMoveBeforeSpawnCreatesRecord() {
	s.connect("A")
	s.send("A", NewEnvelope(KindPlayerMove, map[string]any{"x": 2}))
	s.send("A", NewEnvelope(KindPlayerMove, map[string]any{"y": 3}))

	record, ok := s.store.Get("A")
	s.Require().True(ok)
	s.EqualValues(2, record["x"])
	s.EqualValues(3, record["y"])
}

func (s *ProtocolSuite) TestChatEchoesToSender() {
	s.connect("A")
	s.connect("B")
	s.send("A", NewEnvelope(KindChatMessage, map[string]any{"message": "hello"}))

	for _, id := range []string{"A", "B"} {
		chats := s.ofKind(id, KindChatMessage)
		s.Require().Len(chats, 1, id)
		s.Equal("A", chats[0].Data[FieldClientID])
		s.Equal("hello", chats[0].Data[FieldMessage])
	}
}

func (s *ProtocolSuite) TestUndecodableFrameFallsBackToChat() {
	s.connect("A")
	s.connect("B")
	for _, raw := range []string{"hello there", "[1,2]", "null"} {
		s.router.Dispatch(s.ctx, s.clients["A"], []byte(raw))
	}

	chats := s.ofKind("B", KindChatMessage)
	s.Require().Len(chats, 3)
	s.Equal("hello there", chats[0].Data[FieldMessage])
	s.Equal(true, chats[0].Data[FieldRaw])
	s.Equal("A", chats[0].Data[FieldClientID])
	s.False(s.clients["A"].Closed())
}

func (s *ProtocolSuite) TestUndecodableFrameDropped() {
	cfg := DefaultConfig()
	cfg.DecodeFallback = FallbackDrop
	s.bc.Close()
	s.setup(cfg, presence.DefaultLimits())
	s.connect("A")
	s.connect("B")

	s.router.Dispatch(s.ctx, s.clients["A"], []byte("{broken"))
	s.Empty(s.received("A"))
	s.Empty(s.received("B"))
}

func (s *ProtocolSuite) TestUnknownKindIsIgnored() {
	s.connect("A")
	s.connect("B")
	s.send("A", NewEnvelope("dance", map[string]any{"style": "salsa"}))
	s.router.Dispatch(s.ctx, s.clients["A"], []byte(`{"data":{}}`))

	s.Empty(s.received("A"))
	s.Empty(s.received("B"))
	s.Equal(0, s.store.Len())
}

func (s *ProtocolSuite) TestNonObjectDataIsRejected() {
	s.connect("A")
	s.router.Dispatch(s.ctx, s.clients["A"], []byte(`{"type":"player_move","data":[1,2]}`))

	errs := s.ofKind("A", KindError)
	s.Require().Len(errs, 1)
	s.EqualValues(merr.Code(merr.ErrProtocolInvalidPayload), errs[0].Data[FieldCode])
	s.Equal(KindPlayerMove, errs[0].Data[FieldRequestType])
	s.Equal(0, s.store.Len())
}

func (s *ProtocolSuite) TestMissingDataTreatedAsEmpty() {
	s.connect("A")
	s.connect("B")
	s.router.Dispatch(s.ctx, s.clients["A"], []byte(`{"type":"player_spawn"}`))

	joined := s.ofKind("B", KindPlayerJoined)
	s.Require().Len(joined, 1)
	s.Equal(map[string]any{FieldClientID: "A"}, joined[0].Data)
}

func (s *ProtocolSuite) TestDisconnectIsAdvisory() {
	s.connect("A")
	s.send("A", NewEnvelope(KindPlayerSpawn, nil))
	s.send("A", NewEnvelope(KindPlayerDisconnect, nil))

	_, ok := s.registry.Get("A")
	s.True(ok)
	s.Equal(1, s.store.Len())
}

func (s *ProtocolSuite) TestGuildChannel() {
	s.connect("A")
	s.connect("B")
	s.connect("C")

	s.send("A", NewEnvelope(KindGuildJoin, map[string]any{FieldGuildID: 12}))
	s.send("B", NewEnvelope(KindGuildJoin, map[string]any{FieldGuildID: "12"}))

	joined := s.ofKind("B", KindRoomJoined)
	s.Require().Len(joined, 1)
	s.Equal("guild:12", joined[0].Data[FieldRoom])
	s.EqualValues(2, joined[0].Data[FieldMembers])

	s.send("A", NewEnvelope(KindGuildMessage, map[string]any{FieldGuildID: 12, "text": "raid at 9"}))
	for _, id := range []string{"A", "B"} {
		msgs := s.ofKind(id, KindGuildMessage)
		s.Require().Len(msgs, 1, id)
		s.Equal("A", msgs[0].Data[FieldClientID])
		s.Equal("raid at 9", msgs[0].Data["text"])
	}
	s.Empty(s.ofKind("C", KindGuildMessage))

	// 非成员不能发言。
	s.send("C", NewEnvelope(KindGuildMessage, map[string]any{FieldGuildID: 12, "text": "hi"}))
	errs := s.ofKind("C", KindError)
	s.Require().Len(errs, 1)
	s.EqualValues(merr.Code(merr.ErrRoomNotMember), errs[0].Data[FieldCode])

	s.send("B", NewEnvelope(KindGuildLeave, map[string]any{FieldGuildID: 12}))
	s.Len(s.ofKind("B", KindRoomLeft), 1)
	s.Equal([]string{"A"}, s.rooms.Members(presence.GuildRoom("12")))
}

func (s *ProtocolSuite) TestGuildIDValidation() {
	s.connect("A")
	for _, data := range []map[string]any{
		{},
		{FieldGuildID: ""},
		{FieldGuildID: 1.5},
		{FieldGuildID: true},
		{FieldGuildID: float64(1 << 60)},
		{FieldGuildID: -1e300},
	} {
		s.send("A", NewEnvelope(KindGuildJoin, data))
	}
	errs := s.ofKind("A", KindError)
	s.Require().Len(errs, 6)
	for _, env := range errs {
		s.EqualValues(merr.Code(merr.ErrProtocolInvalidPayload), env.Data[FieldCode])
	}
	s.Empty(s.rooms.RoomsOf("A"))
}

func (s *ProtocolSuite) TestCityCapacity() {
	s.bc.Close()
	s.setup(DefaultConfig(), presence.Limits{CityMaxPlayers: 1})
	s.connect("A")
	s.connect("B")

	s.send("A", NewEnvelope(KindCityJoin, nil))
	s.send("B", NewEnvelope(KindCityJoin, nil))

	errs := s.ofKind("B", KindError)
	s.Require().Len(errs, 1)
	s.EqualValues(merr.Code(merr.ErrRoomFull), errs[0].Data[FieldCode])
	s.Equal(KindCityJoin, errs[0].Data[FieldRequestType])
	s.False(s.rooms.IsMember(presence.CityRoom, "B"))

	s.send("A", NewEnvelope(KindCityMessage, map[string]any{"text": "plaza"}))
	s.Len(s.ofKind("A", KindCityMessage), 1)
	s.Empty(s.ofKind("B", KindCityMessage))

	s.send("A", NewEnvelope(KindCityLeave, nil))
	s.send("B", NewEnvelope(KindCityJoin, nil))
	s.Len(s.ofKind("B", KindRoomJoined), 1)
}

func (s *ProtocolSuite) TestTeardownPurgesRooms() {
	s.connect("A")
	s.send("A", NewEnvelope(KindCityJoin, nil))
	s.send("A", NewEnvelope(KindGuildJoin, map[string]any{FieldGuildID: 3}))

	s.registry.Unregister("A", session.ReasonClosed)
	s.Empty(s.rooms.RoomsOf("A"))
	s.Empty(s.rooms.Snapshot())
}

func (s *ProtocolSuite) TestReconnectKeepsNewPresence() {
	s.connect("B")
	s.connect("A")
	s.send("A", NewEnvelope(KindPlayerSpawn, map[string]any{"v": 1}))

	fresh := s.connect("A")
	s.send("A", NewEnvelope(KindPlayerSpawn, map[string]any{"v": 2}))

	record, ok := s.store.Get("A")
	s.Require().True(ok)
	s.EqualValues(2, record["v"])
	// 新连接不会收到关于自己的 player_left。
	for _, frame := range fresh.Frames() {
		var env Envelope
		s.Require().NoError(json.Unmarshal(frame, &env))
		s.NotEqual(KindPlayerLeft, env.Type)
	}
	s.Len(s.ofKind("B", KindPlayerLeft), 1)
}

func (s *ProtocolSuite) TestSpawnCatchUpFailureEvictsSilently() {
	s.connect("B")
	s.send("B", NewEnvelope(KindPlayerSpawn, map[string]any{"name": "B"}))
	a := s.connect("A")
	a.FailWith(errors.New("broken pipe"))

	s.send("A", NewEnvelope(KindPlayerSpawn, map[string]any{"name": "A"}))

	_, ok := s.registry.Get("A")
	s.False(ok)
	_, ok = s.store.Get("A")
	s.False(ok)
	s.Require().NotNil(a.CloseReason())
	s.Equal(session.CloseCodeEvicted, a.CloseReason().Code)

	var aboutA []string
	for _, env := range s.received("B") {
		if env.Data[FieldClientID] == "A" {
			aboutA = append(aboutA, env.Type)
		}
	}
	s.Equal([]string{KindPlayerLeft}, aboutA)
}

func (s *ProtocolSuite) TestStaleSessionFramesAreDropped() {
	s.connect("B")
	old := s.connect("A")
	fresh := s.connect("A")
	s.clients["B"].Reset()

	raw, err := json.Marshal(NewEnvelope(KindPlayerMove, map[string]any{"x": 1}))
	s.Require().NoError(err)
	s.router.Dispatch(s.ctx, old, raw)
	raw, err = json.Marshal(NewEnvelope(KindCityJoin, nil))
	s.Require().NoError(err)
	s.router.Dispatch(s.ctx, old, raw)

	s.Equal(0, s.store.Len())
	s.Empty(s.rooms.RoomsOf("A"))
	s.Empty(s.received("B"))
	s.Empty(fresh.Frames())
}

func (s *ProtocolSuite) TestDepartureWaitsForInFlightMove() {
	s.connect("A")
	b := s.connect("B")
	s.send("A", NewEnvelope(KindPlayerSpawn, nil))
	s.send("B", NewEnvelope(KindPlayerSpawn, nil))
	b.Reset()

	// A 的移动广播进行中时被移除，B 看到的顺序仍然是先移动后离线。
	s.Require().NoError(s.router.Register("slow_move", func(ctx context.Context, req *router.Request) error {
		s.registry.Unregister("A", session.ReasonKicked)
		s.router.broadcastExcept(ctx, Announce(KindPlayerMoved, req.ClientID, req.Data), req.ClientID)
		return nil
	}))
	s.send("A", NewEnvelope("slow_move", map[string]any{"x": 9}))

	var kinds []string
	for _, env := range s.received("B") {
		kinds = append(kinds, env.Type)
	}
	s.Equal([]string{KindPlayerMoved, KindPlayerLeft}, kinds)
}

func TestProtocol(t *testing.T) {
	suite.Run(t, new(ProtocolSuite))
}

func TestRouter_RegisterDuplicate(t *testing.T) {
	r, err := NewRouter(DefaultConfig(), presence.NewStore(), presence.NewRooms(presence.DefaultLimits()), nopBroadcaster{}, session.NewRegistry())
	require.NoError(t, err)
	assert.Error(t, r.Register(KindPlayerMove, func(context.Context, *router.Request) error { return nil }))
	assert.NoError(t, r.Register("emote", func(context.Context, *router.Request) error { return nil }))
	assert.Contains(t, r.Kinds(), "emote")
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	assert.NoError(t, Config{DecodeFallback: "DROP", Serializer: "jsoniter"}.Validate())
	err := Config{DecodeFallback: "reject"}.Validate()
	assert.True(t, errors.Is(err, merr.ErrParameterInvalid))
	err = Config{DecodeFallback: "chat", Serializer: "gob"}.Validate()
	assert.True(t, errors.Is(err, merr.ErrParameterInvalid))
}

func TestGuildRoomOf(t *testing.T) {
	for _, v := range []any{"12", float64(12), int64(12), 12} {
		room, err := guildRoomOf(&router.Request{Kind: KindGuildJoin, Data: map[string]any{FieldGuildID: v}})
		require.NoError(t, err, "%v", v)
		assert.Equal(t, presence.GuildRoom("12"), room)
	}
	room, err := guildRoomOf(&router.Request{Data: map[string]any{FieldGuildID: float64(1 << 53)}})
	require.NoError(t, err)
	assert.Equal(t, presence.GuildRoom("9007199254740992"), room)

	for _, v := range []any{float64(1 << 54), -float64(1 << 60), int64(1<<53 + 1), math.Inf(1), math.NaN(), "  "} {
		_, err := guildRoomOf(&router.Request{Kind: KindGuildJoin, Data: map[string]any{FieldGuildID: v}})
		assert.True(t, errors.Is(err, merr.ErrProtocolInvalidPayload), "%v", v)
	}
}

func TestPlayerLeft(t *testing.T) {
	at := time.UnixMilli(1700000000123)
	env := PlayerLeft("A", at)
	assert.Equal(t, KindPlayerLeft, env.Type)
	assert.Equal(t, int64(1700000000123), env.Data[FieldTimestamp])
}

type nopBroadcaster struct{}

func (nopBroadcaster) SendTo(context.Context, string, []byte) broadcast.Result { return broadcast.Result{} }
func (nopBroadcaster) BroadcastAll(context.Context, []byte) broadcast.Result   { return broadcast.Result{} }
func (nopBroadcaster) BroadcastExcept(context.Context, []byte, ...string) broadcast.Result {
	return broadcast.Result{}
}
func (nopBroadcaster) BroadcastToRoom(context.Context, presence.RoomID, []byte) broadcast.Result {
	return broadcast.Result{}
}
