package session

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lk2023060901/hemoclast-realtime-go/pkg/log"
	"github.com/lk2023060901/hemoclast-realtime-go/pkg/metrics"
	"github.com/lk2023060901/hemoclast-realtime-go/pkg/util/conc"
	"github.com/lk2023060901/hemoclast-realtime-go/pkg/util/merr"
)

// 关闭帧使用的应用自定义状态码（4000-4999）。
const (
	CloseCodeEjected = 4000
	CloseCodeEvicted = 4001
	CloseCodeKicked  = 4002
)

const defaultCloseWait = time.Second

// Config 描述单条 WebSocket 会话的发送侧配置。
type Config struct {
	// SendQueueSize 为出站队列容量。
	SendQueueSize int
	// WriteTimeout 为单次写入的超时时间，0 表示不设置 deadline。
	WriteTimeout time.Duration
	// PingInterval 为心跳间隔，0 表示不主动发送 ping。
	PingInterval time.Duration
}

func defaultConfig() Config {
	return Config{
		SendQueueSize: 256,
		WriteTimeout:  10 * time.Second,
		PingInterval:  54 * time.Second,
	}
}

// Option 用于定制 WSSession。
type Option func(*WSSession)

// WithSubject 设置鉴权主体。
func WithSubject(subject string) Option {
	return func(s *WSSession) {
		s.subject = subject
	}
}

// WithInstanceID 指定连接实例 ID，默认使用随机 UUID。
func WithInstanceID(id string) Option {
	return func(s *WSSession) {
		s.instanceID = id
	}
}

// WSSession 是基于 gorilla/websocket 的 Session 实现。
//
// 写路径只在 writeLoop 中执行，gorilla 要求同一连接最多一个并发写者；
// 读路径由接入层的读协程负责，本类型不读取连接。
type WSSession struct {
	log.Binder

	id         string
	instanceID string
	subject    string

	conn *websocket.Conn
	cfg  Config

	ctx    context.Context
	cancel context.CancelFunc

	sendQueue chan []byte
	done      chan struct{}
	closeOnce sync.Once

	remoteAddr  net.Addr
	connectedAt time.Time
}

// 确保 WSSession 实现了 Session 接口。
var (
	_ Session      = (*WSSession)(nil)
	_ ReasonCloser = (*WSSession)(nil)
)

// NewWSSession 基于已完成升级的连接创建会话，并启动发送协程。
func NewWSSession(parent context.Context, id string, conn *websocket.Conn, cfg Config, opts ...Option) *WSSession {
	if parent == nil {
		parent = context.Background()
	}
	def := defaultConfig()
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = def.SendQueueSize
	}

	ctx, cancel := context.WithCancel(parent)
	s := &WSSession{
		id:          id,
		subject:     id,
		conn:        conn,
		cfg:         cfg,
		ctx:         ctx,
		cancel:      cancel,
		sendQueue:   make(chan []byte, cfg.SendQueueSize),
		done:        make(chan struct{}),
		remoteAddr:  conn.RemoteAddr(),
		connectedAt: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.instanceID == "" {
		s.instanceID = uuid.NewString()
	}
	s.SetLogger(log.With(zap.Stringer("remoteAddr", s.remoteAddr)).ForSession(s.id, s.instanceID))

	_ = conc.Go(func() (struct{}, error) {
		s.writeLoop()
		return struct{}{}, nil
	})
	return s
}

func (s *WSSession) ID() string               { return s.id }
func (s *WSSession) InstanceID() string       { return s.instanceID }
func (s *WSSession) Subject() string          { return s.subject }
func (s *WSSession) Context() context.Context { return s.ctx }
func (s *WSSession) RemoteAddr() net.Addr     { return s.remoteAddr }
func (s *WSSession) ConnectedAt() time.Time   { return s.connectedAt }
func (s *WSSession) Done() <-chan struct{}    { return s.done }

// Send 实现 Session.Send。
func (s *WSSession) Send(ctx context.Context, data []byte) error {
	select {
	case <-s.done:
		return merr.WrapErrSessionClosed(s.id)
	default:
	}

	// 快速路径：队列有空位。
	select {
	case s.sendQueue <- data:
		return nil
	default:
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		metrics.SessionSendFailures.WithLabelValues("queue_full").Inc()
		return merr.WrapErrSessionSendQueueFull(s.id, cap(s.sendQueue))
	}

	wait := time.Until(deadline)
	select {
	case s.sendQueue <- data:
		return nil
	case <-s.done:
		return merr.WrapErrSessionClosed(s.id)
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			metrics.SessionSendFailures.WithLabelValues("timeout").Inc()
			return merr.WrapErrSessionSendTimeout(s.id, wait)
		}
		return ctx.Err()
	}
}

// Close 实现 Session.Close，以正常关闭码结束连接。
func (s *WSSession) Close() error {
	return s.CloseWithReason(websocket.CloseNormalClosure, "")
}

// CloseWithReason 发送关闭帧后关闭底层连接。
func (s *WSSession) CloseWithReason(code int, text string) error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		close(s.done)

		wait := s.cfg.WriteTimeout
		if wait <= 0 {
			wait = defaultCloseWait
		}
		// WriteControl 可以与 writeLoop 中的写操作并发调用。
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, text), time.Now().Add(wait))
		err = s.conn.Close()
		s.Logger().Debug("session closed", zap.Int("code", code), zap.String("reason", text))
	})
	return err
}

// writeLoop 是会话唯一的写协程：依次写出队列中的消息，并定期发送 ping。
// 任何写错误都会关闭会话，读协程随之退出并触发清理。
func (s *WSSession) writeLoop() {
	var tick <-chan time.Time
	if s.cfg.PingInterval > 0 {
		ticker := time.NewTicker(s.cfg.PingInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-s.done:
			return
		case data := <-s.sendQueue:
			if err := s.write(websocket.TextMessage, data); err != nil {
				s.onWriteError(err)
				return
			}
		case <-tick:
			if err := s.write(websocket.PingMessage, nil); err != nil {
				s.onWriteError(err)
				return
			}
		}
	}
}

func (s *WSSession) write(messageType int, data []byte) error {
	if s.cfg.WriteTimeout > 0 {
		if err := s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
			return err
		}
	}
	return s.conn.WriteMessage(messageType, data)
}

func (s *WSSession) onWriteError(err error) {
	select {
	case <-s.done:
		// 已经在关闭流程中，写错误是预期的。
		return
	default:
	}
	metrics.SessionSendFailures.WithLabelValues("write").Inc()
	s.Logger().RatedWarn(1, "write to session failed, closing", zap.Error(err))
	_ = s.CloseWithReason(websocket.CloseInternalServerErr, "write failed")
}
