package admin

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/lk2023060901/hemoclast-realtime-go/internal/auth"
	"github.com/lk2023060901/hemoclast-realtime-go/internal/broadcast"
	"github.com/lk2023060901/hemoclast-realtime-go/internal/network/session"
	"github.com/lk2023060901/hemoclast-realtime-go/internal/network/session/sessiontest"
	"github.com/lk2023060901/hemoclast-realtime-go/internal/presence"
	"github.com/lk2023060901/hemoclast-realtime-go/internal/protocol"
	"github.com/lk2023060901/hemoclast-realtime-go/pkg/util/logutil"
)

type recordingAnnouncer struct {
	envs []protocol.Envelope
}

type fixedPool struct{}

func (fixedPool) PoolStats() broadcast.PoolStats {
	return broadcast.PoolStats{Capacity: 8, Running: 3, Free: 5}
}

func (a *recordingAnnouncer) Broadcast(_ context.Context, env protocol.Envelope) (broadcast.Result, error) {
	a.envs = append(a.envs, env)
	return broadcast.Result{Targets: 2, Delivered: 2}, nil
}

type AdminSuite struct {
	suite.Suite

	registry  *session.Registry
	store     *presence.Store
	rooms     *presence.Rooms
	announcer *recordingAnnouncer
	guests    *auth.MemoryGuestStore

	srv    *grpc.Server
	conn   *grpc.ClientConn
	client *Client
}

func (s *AdminSuite) SetupTest() {
	s.store = presence.NewStore()
	s.rooms = presence.NewRooms(presence.DefaultLimits())
	s.registry = session.NewRegistry(session.WithCleanup(func(sess session.Session, _ session.Reason) {
		s.store.Remove(sess.ID())
		s.rooms.LeaveAll(sess.ID())
	}))
	s.announcer = &recordingAnnouncer{}
	s.guests = auth.NewMemoryGuestStore()

	cfg := auth.DefaultConfig()
	cfg.Mode = auth.ModeJWT
	cfg.Secret = "admin-test-secret"

	lis := bufconn.Listen(1 << 20)
	s.srv = grpc.NewServer(grpc.UnaryInterceptor(logutil.ChainUnaryServer()))
	Register(s.srv, NewService(Deps{
		Registry:  s.registry,
		Store:     s.store,
		Rooms:     s.rooms,
		Announcer: s.announcer,
		Pool:      fixedPool{},
		Guests:    s.guests,
		Signer:    auth.NewTokenResolver(cfg, s.guests),
		Version:   "1.2.3",
	}))
	go func() { _ = s.srv.Serve(lis) }()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	s.Require().NoError(err)
	s.conn = conn
	s.client = NewClient(conn)
}

func (s *AdminSuite) TearDownTest() {
	_ = s.conn.Close()
	s.srv.Stop()
}

func (s *AdminSuite) ctx() context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	s.T().Cleanup(cancel)
	return ctx
}

func (s *AdminSuite) connect(id string, payload presence.Payload) *sessiontest.MockSession {
	sess := sessiontest.NewMockSession(id)
	s.registry.Register(sess)
	s.store.Put(id, payload)
	return sess
}

func (s *AdminSuite) TestListPresence() {
	s.connect("a", presence.Payload{"x": 1.5, "name": "alice"})
	s.connect("b", presence.Payload{"x": 2.0})
	s.Require().NoError(s.rooms.Join(presence.CityRoom, "a"))

	out, err := s.client.ListPresence(s.ctx(), "")
	s.Require().NoError(err)
	m := out.AsMap()
	s.Equal(float64(2), m["count"])
	s.Equal([]any{"a", "b"}, m["online"])
	players := m["players"].(map[string]any)
	s.Equal("alice", players["a"].(map[string]any)["name"])
	s.Equal(map[string]any{"city": float64(1)}, m["rooms"])

	one, err := s.client.ListPresence(s.ctx(), "b")
	s.Require().NoError(err)
	s.Equal(float64(1), one.AsMap()["count"])

	_, err = s.client.ListPresence(s.ctx(), "ghost")
	s.Equal(codes.NotFound, status.Code(err))
}

func (s *AdminSuite) TestKickClient() {
	sess := s.connect("a", presence.Payload{"x": 1.0})
	s.Require().NoError(s.rooms.Join(presence.CityRoom, "a"))

	out, err := s.client.KickClient(s.ctx(), "a")
	s.Require().NoError(err)
	s.Equal(true, out.AsMap()["kicked"])

	s.True(sess.Closed())
	s.Equal(session.CloseCodeKicked, sess.CloseReason().Code)
	s.Zero(s.registry.Count())
	s.Zero(s.store.Len())
	s.Zero(s.rooms.Count(presence.CityRoom))

	_, err = s.client.KickClient(s.ctx(), "a")
	s.Equal(codes.NotFound, status.Code(err))
	_, err = s.client.KickClient(s.ctx(), "")
	s.Equal(codes.InvalidArgument, status.Code(err))
}

func (s *AdminSuite) TestAnnounce() {
	out, err := s.client.Announce(s.ctx(), "maintenance in 5 minutes", map[string]any{"severity": "info"})
	s.Require().NoError(err)
	s.Equal(float64(2), out.AsMap()["delivered"])

	s.Require().Len(s.announcer.envs, 1)
	env := s.announcer.envs[0]
	s.Equal(protocol.KindServerAnnouncement, env.Type)
	s.Equal("maintenance in 5 minutes", env.Data[protocol.FieldMessage])
	s.Equal("info", env.Data["severity"])
	s.Contains(env.Data, protocol.FieldTimestamp)

	_, err = s.client.Announce(s.ctx(), "   ", nil)
	s.Equal(codes.InvalidArgument, status.Code(err))

	_, err = s.client.Announce(s.ctx(), strings.Repeat("x", MaxAnnouncementBytes+1), nil)
	s.Equal(codes.InvalidArgument, status.Code(err))
	s.Contains(status.Convert(err).Message(), "parameter too large")
	s.Len(s.announcer.envs, 1)
}

func (s *AdminSuite) TestStats() {
	s.connect("a", presence.Payload{})
	out, err := s.client.Stats(s.ctx())
	s.Require().NoError(err)
	m := out.AsMap()
	s.Equal(float64(1), m["sessions"])
	s.Equal(float64(1), m["players"])
	s.Equal("1.2.3", m["version"])
	s.Greater(m["cpu_num"].(float64), float64(0))
	s.Equal(map[string]any{"capacity": float64(8), "running": float64(3), "free": float64(5)}, m["broadcast_pool"])

	// 未接入广播协程池时不输出该项。
	bare, err := NewService(Deps{Registry: s.registry, Store: s.store, Rooms: s.rooms}).Stats(s.ctx(), nil)
	s.Require().NoError(err)
	s.NotContains(bare.AsMap(), "broadcast_pool")
}

func (s *AdminSuite) TestIssueGuestToken() {
	out, err := s.client.IssueGuestToken(s.ctx(), "Wanderer")
	s.Require().NoError(err)
	m := out.AsMap()
	s.Equal("Wanderer", m["name"])
	token := m["token"].(string)
	s.True(auth.IsGuestToken(token))
	s.NotEmpty(m["jwt"])

	gs, err := s.guests.Lookup(s.ctx(), token)
	s.Require().NoError(err)
	s.Equal("Wanderer", gs.Name)
}

func TestAdminSuite(t *testing.T) {
	suite.Run(t, new(AdminSuite))
}

func TestIssueGuestToken_Disabled(t *testing.T) {
	svc := NewService(Deps{})
	_, err := svc.IssueGuestToken(context.Background(), nil)
	assert.Equal(t, codes.Unimplemented, status.Code(err))
}
