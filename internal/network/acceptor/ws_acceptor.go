package acceptor

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/lk2023060901/hemoclast-realtime-go/internal/auth"
	network "github.com/lk2023060901/hemoclast-realtime-go/internal/network"
	"github.com/lk2023060901/hemoclast-realtime-go/internal/network/session"
	"github.com/lk2023060901/hemoclast-realtime-go/pkg/log"
	"github.com/lk2023060901/hemoclast-realtime-go/pkg/util/funcutil"
	"github.com/lk2023060901/hemoclast-realtime-go/pkg/util/merr"
)

// ClientIDPathValue 是路由模式中 clientId 的变量名，例如 "/ws/{client_id}"。
const ClientIDPathValue = "client_id"

// ClientIDFromRequest 读取路由变量中的 clientId，同时支持 gorilla/mux 与 net/http 的路由模式。
func ClientIDFromRequest(r *http.Request) string {
	if id, ok := mux.Vars(r)[ClientIDPathValue]; ok {
		return id
	}
	return r.PathValue(ClientIDPathValue)
}

const maxClientIDLength = 128

// WSAcceptor 是基于 gorilla/websocket 的接入层，实现了 http.Handler。
//
// 每个连接的生命周期在 ServeHTTP 所在协程中完成：
//  1. 校验 clientId 与凭证，失败时直接返回 HTTP 错误，不升级；
//  2. 升级连接并调用 Handler.OnAccept 创建会话；
//  3. 读循环依次回调 Handler.OnMessage；
//  4. 读循环结束后调用 Handler.OnClose。
type WSAcceptor struct {
	log.Binder

	cfg      Config
	upgrader websocket.Upgrader
	authn    Authenticator
	handler  Handler

	ctx    context.Context
	cancel context.CancelFunc

	closing atomic.Bool
	active  atomic.Int64
	wg      sync.WaitGroup

	mu       sync.Mutex
	sessions map[session.Session]struct{}
}

var _ http.Handler = (*WSAcceptor)(nil)

// NewWSAcceptor 创建 WSAcceptor。authn 为 nil 时所有连接使用匿名身份。
func NewWSAcceptor(cfg Config, authn Authenticator, h Handler) *WSAcceptor {
	def := DefaultConfig()
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = def.ReadLimit
	}
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = def.SendQueueSize
	}

	ctx, cancel := context.WithCancel(context.Background())
	a := &WSAcceptor{
		cfg:      cfg,
		authn:    authn,
		handler:  h,
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[session.Session]struct{}),
	}
	a.upgrader = websocket.Upgrader{
		HandshakeTimeout:  cfg.HandshakeTimeout,
		ReadBufferSize:    cfg.ReadBufferSize,
		WriteBufferSize:   cfg.WriteBufferSize,
		EnableCompression: cfg.EnableCompression,
		CheckOrigin:       a.checkOrigin,
	}
	a.SetLogger(log.With(log.FieldComponent("ws-acceptor")))
	return a
}

// ServeHTTP 实现 http.Handler。
func (a *WSAcceptor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if a.closing.Load() {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}

	clientID := ClientIDFromRequest(r)
	if !ValidClientID(clientID) {
		err := merr.WrapErrParameterInvalid("non-empty printable id", clientID, "client_id")
		a.handler.OnError(nil, network.StageHandshake, network.StageHandshake.Mark(err))
		http.Error(w, "invalid client id", http.StatusBadRequest)
		return
	}

	identity := auth.Anonymous(clientID)
	if a.authn != nil {
		var err error
		identity, err = a.authn.Authenticate(r, clientID)
		if err != nil {
			a.handler.OnError(nil, network.StageHandshake, network.StageHandshake.Mark(err))
			http.Error(w, http.StatusText(authStatus(err)), authStatus(err))
			return
		}
	}

	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade 已经写出了错误响应。
		a.handler.OnError(nil, network.StageHandshake, network.StageHandshake.Mark(err))
		return
	}
	if a.cfg.EnableCompression {
		conn.EnableWriteCompression(true)
	}

	a.wg.Add(1)
	defer a.wg.Done()
	if a.closing.Load() {
		a.reject(conn, websocket.CloseGoingAway, "server is shutting down")
		return
	}

	sess, err := a.handler.OnAccept(a.ctx, clientID, identity, conn)
	if err != nil || sess == nil {
		if err == nil {
			err = merr.WrapErrServiceInternal("handler returned nil session")
		}
		a.handler.OnError(nil, network.StageHandshake, network.StageHandshake.Mark(err))
		a.reject(conn, websocket.CloseInternalServerErr, "session rejected")
		return
	}

	a.track(sess)
	cause := a.readLoop(sess, conn)
	a.untrack(sess)
	a.handler.OnClose(sess, cause)
}

// readLoop 持续读取消息直到连接断开，返回非正常关闭的原因。
func (a *WSAcceptor) readLoop(sess session.Session, conn *websocket.Conn) error {
	conn.SetReadLimit(a.cfg.ReadLimit)
	a.extendReadDeadline(conn)
	conn.SetPongHandler(func(string) error {
		a.extendReadDeadline(conn)
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return a.classifyReadErr(sess, err)
		}
		a.extendReadDeadline(conn)
		a.handler.OnMessage(sess, data)
	}
}

func (a *WSAcceptor) classifyReadErr(sess session.Session, err error) error {
	select {
	case <-sess.Done():
		// 服务端主动关闭（挤号、驱逐、踢下线或退出）。
		return nil
	default:
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) ||
		errors.Is(err, net.ErrClosed) {
		return nil
	}
	wrapped := network.StageRecvRaw.Mark(err)
	if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
		a.handler.OnError(sess, network.StageRecvRaw, wrapped)
	}
	return wrapped
}

func (a *WSAcceptor) extendReadDeadline(conn *websocket.Conn) {
	if a.cfg.PongTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(a.cfg.PongTimeout))
	}
}

func (a *WSAcceptor) reject(conn *websocket.Conn, code int, text string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(time.Second))
	_ = conn.Close()
}

func (a *WSAcceptor) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(a.cfg.AllowedOrigins) == 0 || funcutil.SliceContain(a.cfg.AllowedOrigins, "*") {
		return true
	}
	for _, allowed := range a.cfg.AllowedOrigins {
		if strings.EqualFold(origin, allowed) {
			return true
		}
	}
	a.Logger().RatedWarn(1, "websocket origin rejected", zap.String("origin", origin))
	return false
}

func (a *WSAcceptor) track(sess session.Session) {
	a.mu.Lock()
	a.sessions[sess] = struct{}{}
	a.mu.Unlock()
	a.active.Inc()
}

func (a *WSAcceptor) untrack(sess session.Session) {
	a.mu.Lock()
	delete(a.sessions, sess)
	a.mu.Unlock()
	a.active.Dec()
}

// Active 返回当前处于读循环中的连接数。
func (a *WSAcceptor) Active() int {
	return int(a.active.Load())
}

// Close 拒绝新的连接并关闭所有现有会话，不等待读循环退出。
func (a *WSAcceptor) Close() error {
	if !a.closing.CompareAndSwap(false, true) {
		return nil
	}
	a.cancel()
	a.mu.Lock()
	live := make([]session.Session, 0, len(a.sessions))
	for sess := range a.sessions {
		live = append(live, sess)
	}
	a.mu.Unlock()

	for _, sess := range live {
		if rc, ok := sess.(session.ReasonCloser); ok {
			_ = rc.CloseWithReason(websocket.CloseGoingAway, "server is shutting down")
			continue
		}
		_ = sess.Close()
	}
	a.Logger().Info("websocket acceptor closed", zap.Int("sessions", len(live)))
	return nil
}

// Wait 等待所有连接的 OnClose 回调完成，ctx 结束时提前返回 ctx.Err()。
func (a *WSAcceptor) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ValidClientID 判断 clientId 是否可接受：非空、不超过 128 字节、不含空白与控制字符。
func ValidClientID(id string) bool {
	if id == "" || len(id) > maxClientIDLength {
		return false
	}
	for _, c := range id {
		if unicode.IsSpace(c) || unicode.IsControl(c) || !unicode.IsPrint(c) {
			return false
		}
	}
	return true
}

func authStatus(err error) int {
	if merr.IsRetryableErr(err) {
		return http.StatusServiceUnavailable
	}
	return http.StatusUnauthorized
}
