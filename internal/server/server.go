// Package server 组装实时服务：WebSocket 接入、会话表、在线状态、广播、协议路由、
// 健康检查、Prometheus 指标与 gRPC 运维接口。
package server

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/lk2023060901/hemoclast-realtime-go/internal/admin"
	"github.com/lk2023060901/hemoclast-realtime-go/internal/auth"
	"github.com/lk2023060901/hemoclast-realtime-go/internal/broadcast"
	"github.com/lk2023060901/hemoclast-realtime-go/internal/config"
	"github.com/lk2023060901/hemoclast-realtime-go/internal/json"
	network "github.com/lk2023060901/hemoclast-realtime-go/internal/network"
	"github.com/lk2023060901/hemoclast-realtime-go/internal/network/acceptor"
	"github.com/lk2023060901/hemoclast-realtime-go/internal/network/session"
	"github.com/lk2023060901/hemoclast-realtime-go/internal/presence"
	"github.com/lk2023060901/hemoclast-realtime-go/internal/protocol"
	"github.com/lk2023060901/hemoclast-realtime-go/pkg/log"
	"github.com/lk2023060901/hemoclast-realtime-go/pkg/metrics"
	"github.com/lk2023060901/hemoclast-realtime-go/pkg/util/logutil"
	"github.com/lk2023060901/hemoclast-realtime-go/pkg/util/merr"
)

// ServiceName 出现在健康检查响应中。
const ServiceName = "hemoclast-realtime"

// Option 配置 Server。
type Option func(*Server)

// WithVersion 设置健康检查与 Stats 中返回的版本号。
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

// WithGuestStore 替换游客会话存储，默认使用进程内存储。
func WithGuestStore(store auth.GuestSessionStore) Option {
	return func(s *Server) {
		s.guestLookup = store
	}
}

// Server 持有全部组件，并实现 acceptor.Handler。
type Server struct {
	log.Binder

	cfg     config.Config
	version string

	registry *session.Registry
	store    *presence.Store
	rooms    *presence.Rooms
	bc       *broadcast.Broadcaster
	router   *protocol.Router

	guests      *auth.MemoryGuestStore
	guestLookup auth.GuestSessionStore
	resolver    *auth.TokenResolver
	acceptor    *acceptor.WSAcceptor

	metricsRegistry *prometheus.Registry
	httpServer      *http.Server
	grpcServer      *grpc.Server

	listenOnce sync.Once
	listenErr  error
	httpLis    net.Listener
	grpcLis    net.Listener

	shutdownOnce sync.Once
	shutdownErr  error
}

var _ acceptor.Handler = (*Server)(nil)

// New 按配置创建 Server，此时尚未监听端口。
func New(cfg config.Config, opts ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Server{
		cfg:     cfg,
		version: "0.0.0",
		store:   presence.NewStore(),
		rooms:   presence.NewRooms(cfg.Rooms),
		guests:  auth.NewMemoryGuestStore(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.guestLookup == nil {
		s.guestLookup = s.guests
	}
	s.SetLogger(log.With(log.FieldModule("server")))

	// Registry、Broadcaster 与 Router 相互引用，清理钩子最后挂上。
	s.registry = session.NewRegistry()
	s.bc = broadcast.NewBroadcaster(cfg.Broadcast, s.registry, s.rooms)
	router, err := protocol.NewRouter(cfg.Protocol, s.store, s.rooms, s.bc, s.registry)
	if err != nil {
		s.bc.Close()
		return nil, err
	}
	s.router = router
	s.registry.SetTeardown(s.cleanup, s.notifyDeparture)

	s.resolver = auth.NewTokenResolver(cfg.Auth, s.guestLookup)
	s.acceptor = acceptor.NewWSAcceptor(cfg.WebSocket, auth.NewHTTPAuthenticator(cfg.Auth.Mode, s.resolver), s)

	s.metricsRegistry = metrics.NewRegistry()
	s.httpServer = &http.Server{
		Handler:           s.routes(),
		ReadHeaderTimeout: cfg.WebSocket.HandshakeTimeout,
	}

	if cfg.Server.AdminAddr != "" {
		var extra []grpc.UnaryServerInterceptor
		if cfg.Server.AdminToken != "" {
			extra = append(extra, logutil.UnaryTokenAuthInterceptor(cfg.Server.AdminToken))
		}
		s.grpcServer = grpc.NewServer(grpc.UnaryInterceptor(logutil.ChainUnaryServer(extra...)))
		admin.Register(s.grpcServer, admin.NewService(s.adminDeps()))
	}
	return s, nil
}

func (s *Server) adminDeps() admin.Deps {
	deps := admin.Deps{
		Registry:  s.registry,
		Store:     s.store,
		Rooms:     s.rooms,
		Announcer: s.router,
		Pool:      s.bc,
		Guests:    s.guests,
		Version:   s.version,
	}
	if s.cfg.Auth.Secret != "" {
		deps.Signer = s.resolver
	}
	return deps
}

func (s *Server) routes() http.Handler {
	router := mux.NewRouter()
	router.Handle("/ws/{"+acceptor.ClientIDPathValue+"}", s.acceptor).Methods(http.MethodGet)
	router.HandleFunc("/health", s.health).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.HandlerFor(s.metricsRegistry, promhttp.HandlerOpts{
		Registry: s.metricsRegistry,
	})).Methods(http.MethodGet)
	return router
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	body, err := json.Marshal(map[string]any{
		"status":   "healthy",
		"service":  ServiceName,
		"version":  s.version,
		"sessions": s.registry.Count(),
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(body)
}

// cleanup 在 Registry 锁内执行，只操作状态表与房间，不得回调 Registry。
func (s *Server) cleanup(sess session.Session, _ session.Reason) {
	s.store.Remove(sess.ID())
	s.rooms.LeaveAll(sess.ID())
}

func (s *Server) notifyDeparture(sess session.Session, reason session.Reason) {
	ctx := log.WithFields(context.Background(), log.FieldClientID(sess.ID()), zap.String("reason", string(reason)))
	s.router.AnnounceDeparture(ctx, sess.ID())
}

// OnAccept 创建会话并登记，同一 clientId 的旧连接会被挤下线。
func (s *Server) OnAccept(ctx context.Context, clientID string, identity auth.Identity, conn *websocket.Conn) (session.Session, error) {
	sess := session.NewWSSession(ctx, clientID, conn, s.cfg.WebSocket.SessionConfig(),
		session.WithSubject(identity.Subject))
	old := s.registry.Register(sess)
	s.Logger().Info("client connected",
		log.FieldClientID(clientID),
		zap.String("subject", identity.Subject),
		zap.String("auth", identity.Method),
		zap.Stringer("remote", sess.RemoteAddr()),
		zap.Bool("replaced", old != nil))
	return sess, nil
}

// OnMessage 把帧交给协议层，Router 通过 Registry 丢弃已下线会话的消息。
// 处理器 panic 不会带走读循环，按 dispatch 阶段上报。
func (s *Server) OnMessage(sess session.Session, data []byte) {
	defer func() {
		if r := recover(); r != nil {
			s.OnError(sess, network.StageDispatch, network.StageDispatch.Mark(errors.Newf("handler panic: %v", r)))
		}
	}()
	s.router.Dispatch(sess.Context(), sess, data)
}

// OnClose 触发一次性清理，Registry 保证重复调用无副作用。
func (s *Server) OnClose(sess session.Session, err error) {
	s.registry.UnregisterSession(sess, session.ReasonClosed)
	fields := []zap.Field{log.FieldClientID(sess.ID()), zap.Duration("online", time.Since(sess.ConnectedAt()))}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	s.Logger().Info("client disconnected", fields...)
}

// OnError 记录各阶段错误。
func (s *Server) OnError(sess session.Session, stage network.Stage, err error) {
	fields := []zap.Field{zap.String("stage", string(stage)), zap.Error(err)}
	if sess != nil {
		fields = append(fields, log.FieldClientID(sess.ID()))
	}
	s.Logger().RatedWarn(1, "connection error", fields...)
}

// Listen 绑定 HTTP 与 gRPC 端口，重复调用返回第一次的结果。
func (s *Server) Listen() error {
	s.listenOnce.Do(func() {
		lis, err := net.Listen("tcp", s.cfg.Server.HTTPAddr)
		if err != nil {
			s.listenErr = errors.Wrapf(err, "listen http %s", s.cfg.Server.HTTPAddr)
			return
		}
		s.httpLis = lis
		if s.grpcServer == nil {
			return
		}
		glis, err := net.Listen("tcp", s.cfg.Server.AdminAddr)
		if err != nil {
			_ = lis.Close()
			s.listenErr = errors.Wrapf(err, "listen admin %s", s.cfg.Server.AdminAddr)
			return
		}
		s.grpcLis = glis
	})
	return s.listenErr
}

// HTTPAddr 返回 HTTP 实际监听地址，Listen 之前为空。
func (s *Server) HTTPAddr() string {
	if s.httpLis == nil {
		return ""
	}
	return s.httpLis.Addr().String()
}

// AdminAddr 返回 gRPC 实际监听地址，未启用时为空。
func (s *Server) AdminAddr() string {
	if s.grpcLis == nil {
		return ""
	}
	return s.grpcLis.Addr().String()
}

// Run 启动 HTTP 与 gRPC 服务，ctx 结束后优雅退出并返回。
func (s *Server) Run(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	s.Logger().Info("realtime server listening",
		zap.String("http", s.HTTPAddr()),
		zap.String("admin", s.AdminAddr()),
		zap.String("version", s.version))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := s.httpServer.Serve(s.httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "serve http")
		}
		return nil
	})
	if s.grpcServer != nil {
		g.Go(func() error {
			return errors.Wrap(s.grpcServer.Serve(s.grpcLis), "serve admin")
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		timeout := s.cfg.Server.ShutdownTimeout
		if timeout <= 0 {
			timeout = config.Defaults().Server.ShutdownTimeout
		}
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()
		return s.Shutdown(sctx)
	})
	return g.Wait()
}

// Shutdown 依次停止接入、关闭所有会话、停止 HTTP 与 gRPC 服务并释放协程池。
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		var errs []error
		_ = s.acceptor.Close()
		if err := s.acceptor.Wait(ctx); err != nil {
			errs = append(errs, errors.Wrap(err, "wait websocket connections"))
		}
		if n := s.registry.CloseAll(session.ReasonClosed); n > 0 {
			s.Logger().Info("closed remaining sessions", zap.Int("count", n))
		}
		if err := s.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, errors.Wrap(err, "shutdown http"))
		}
		if s.grpcServer != nil {
			stopGRPC(ctx, s.grpcServer)
		}
		s.bc.Close()
		s.shutdownErr = merr.Combine(errs...)
		s.Logger().Info("realtime server stopped", zap.Error(s.shutdownErr))
	})
	return s.shutdownErr
}

func stopGRPC(ctx context.Context, srv *grpc.Server) {
	done := make(chan struct{})
	go func() {
		srv.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		srv.Stop()
	}
}

// Registry 返回会话表。
func (s *Server) Registry() *session.Registry { return s.registry }

// Store 返回在线状态表。
func (s *Server) Store() *presence.Store { return s.store }

// Rooms 返回房间成员表。
func (s *Server) Rooms() *presence.Rooms { return s.rooms }

// Guests 返回进程内游客会话存储。
func (s *Server) Guests() *auth.MemoryGuestStore { return s.guests }

// Resolver 返回凭证解析器。
func (s *Server) Resolver() *auth.TokenResolver { return s.resolver }
