package connector

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/websocket"

	network "github.com/lk2023060901/hemoclast-realtime-go/internal/network"
	"github.com/lk2023060901/hemoclast-realtime-go/internal/network/serializer"
	"github.com/lk2023060901/hemoclast-realtime-go/internal/protocol"
	"github.com/lk2023060901/hemoclast-realtime-go/pkg/util/conc"
)

// Config 是模拟客户端（冒烟工具、端到端测试）的连接参数。
type Config struct {
	SendQueueSize int
	RecvQueueSize int

	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Serializer 用于信封的编解码，为 nil 时使用 sonic。
	Serializer serializer.Serializer
}

func defaultConfig() Config {
	return Config{
		SendQueueSize: 1024,
		RecvQueueSize: 1024,
		WriteTimeout:  10 * time.Second,
	}
}

// ClientConn 是以某个 clientId 连上服务端的一条 websocket 连接。
type ClientConn interface {
	Context() context.Context
	RemoteAddr() net.Addr
	LocalAddr() net.Addr

	// Send 编码并发送一个信封。
	Send(env protocol.Envelope) error
	// SendRaw 原样发送一帧文本。
	SendRaw(data []byte) error
	// Recv 返回收到的信封，连接关闭后 channel 被关闭。
	Recv() <-chan protocol.Envelope

	Close() error
}

// ConnectorHandler 接收连接建立、关闭与出错通知。
type ConnectorHandler interface {
	OnConnected(conn ClientConn)
	OnMessage(conn ClientConn, env protocol.Envelope)
	OnClosed(conn ClientConn, err error)
	OnError(conn ClientConn, stage network.Stage, err error)
}

// NopHandler 是不做任何事的 ConnectorHandler，只通过 Recv 消费消息时使用。
type NopHandler struct{}

func (NopHandler) OnConnected(ClientConn)                   {}
func (NopHandler) OnMessage(ClientConn, protocol.Envelope)  {}
func (NopHandler) OnClosed(ClientConn, error)               {}
func (NopHandler) OnError(ClientConn, network.Stage, error) {}

// Connector 拨号到 /ws/{client_id}。
type Connector interface {
	Dial(ctx context.Context, urlStr string, h ConnectorHandler, header http.Header) (ClientConn, error)
}

type wsConnector struct {
	cfg    Config
	dialer *websocket.Dialer
}

// NewWSConnector 返回 gorilla/websocket 实现的 Connector。
func NewWSConnector(cfg Config) Connector {
	def := defaultConfig()
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = def.SendQueueSize
	}
	if cfg.RecvQueueSize <= 0 {
		cfg.RecvQueueSize = def.RecvQueueSize
	}
	if cfg.Serializer == nil {
		cfg.Serializer = serializer.SonicSerializer{}
	}
	dialer := *websocket.DefaultDialer
	return &wsConnector{cfg: cfg, dialer: &dialer}
}

// HandshakeError 表示服务端以 HTTP 错误拒绝了握手。
type HandshakeError struct {
	StatusCode int
	Err        error
}

func (e *HandshakeError) Error() string {
	return "handshake rejected with status " + http.StatusText(e.StatusCode) + ": " + e.Err.Error()
}

func (e *HandshakeError) Unwrap() error { return e.Err }

func (c *wsConnector) Dial(ctx context.Context, urlStr string, h ConnectorHandler, header http.Header) (ClientConn, error) {
	if h == nil {
		h = NopHandler{}
	}
	conn, resp, err := c.dialer.DialContext(ctx, urlStr, header)
	if err != nil {
		if resp != nil {
			err = &HandshakeError{StatusCode: resp.StatusCode, Err: err}
		}
		return nil, network.StageHandshake.Mark(err)
	}

	connCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	cc := newWSClientConn(connCtx, cancel, conn, c.cfg, h)
	h.OnConnected(cc)
	return cc, nil
}

// recvChan 只由 recvLoop 关闭；sendChan 从不关闭，发送方通过 ctx 感知连接结束。
type wsClientConn struct {
	conn *websocket.Conn

	ctx    context.Context
	cancel context.CancelFunc

	cfg Config
	h   ConnectorHandler

	remoteAddr net.Addr
	localAddr  net.Addr

	sendChan chan []byte
	recvChan chan protocol.Envelope

	closeOnce sync.Once
}

func newWSClientConn(
	ctx context.Context,
	cancel context.CancelFunc,
	conn *websocket.Conn,
	cfg Config,
	h ConnectorHandler,
) *wsClientConn {
	c := &wsClientConn{
		conn:       conn,
		ctx:        ctx,
		cancel:     cancel,
		cfg:        cfg,
		h:          h,
		remoteAddr: conn.RemoteAddr(),
		localAddr:  conn.LocalAddr(),
		sendChan:   make(chan []byte, cfg.SendQueueSize),
		recvChan:   make(chan protocol.Envelope, cfg.RecvQueueSize),
	}

	_ = conc.Go(func() (struct{}, error) {
		c.recvLoop()
		return struct{}{}, nil
	})
	_ = conc.Go(func() (struct{}, error) {
		c.sendLoop()
		return struct{}{}, nil
	})

	return c
}

func (c *wsClientConn) Context() context.Context       { return c.ctx }
func (c *wsClientConn) RemoteAddr() net.Addr           { return c.remoteAddr }
func (c *wsClientConn) LocalAddr() net.Addr            { return c.localAddr }
func (c *wsClientConn) Recv() <-chan protocol.Envelope { return c.recvChan }
func (c *wsClientConn) Close() error                   { return c.close(nil) }

func (c *wsClientConn) Send(env protocol.Envelope) error {
	data, err := protocol.Encode(c.cfg.Serializer, env)
	if err != nil {
		c.h.OnError(c, network.StageEncode, err)
		return network.StageEncode.Mark(err)
	}
	return c.SendRaw(data)
}

func (c *wsClientConn) SendRaw(data []byte) error {
	select {
	case <-c.ctx.Done():
		return c.ctx.Err()
	case c.sendChan <- data:
		return nil
	}
}

func (c *wsClientConn) writeRaw(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if c.cfg.WriteTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
			c.h.OnError(c, network.StageSend, err)
			_ = c.close(network.ErrSendFailed)
			return network.ErrSendFailed
		}
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.h.OnError(c, network.StageSend, err)
		_ = c.close(err)
		return network.ErrSendFailed
	}
	return nil
}

func (c *wsClientConn) close(cause error) error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		err = c.conn.Close()
		c.h.OnClosed(c, cause)
	})
	return err
}

// recvLoop 持续读取 WebSocket 消息并解码为信封。
func (c *wsClientConn) recvLoop() {
	defer close(c.recvChan)

	for {
		if c.cfg.ReadTimeout > 0 {
			if err := c.conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout)); err != nil {
				c.h.OnError(c, network.StageRecvRaw, err)
				_ = c.close(network.ErrRecvFailed)
				return
			}
		}

		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.ctx.Done():
				// 本端主动关闭。
				_ = c.close(nil)
				return
			default:
			}
			var cause error
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.h.OnError(c, network.StageRecvRaw, err)
				cause = network.StageRecvRaw.Mark(err)
			}
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) && cause == nil {
				cause = closeErr
			}
			_ = c.close(cause)
			return
		}

		var env protocol.Envelope
		if err := protocol.Decode(c.cfg.Serializer, data, &env); err != nil {
			c.h.OnError(c, network.StageDecode, network.StageDecode.Mark(err))
			continue
		}

		select {
		case c.recvChan <- env:
		default:
		}
		c.h.OnMessage(c, env)
	}
}

// sendLoop 从 sendChan 读取已编码的消息并写入 WebSocket。
func (c *wsClientConn) sendLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case data := <-c.sendChan:
			if err := c.writeRaw(data); err != nil {
				return
			}
		}
	}
}
