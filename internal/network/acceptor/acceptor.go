package acceptor

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lk2023060901/hemoclast-realtime-go/internal/auth"
	network "github.com/lk2023060901/hemoclast-realtime-go/internal/network"
	"github.com/lk2023060901/hemoclast-realtime-go/internal/network/session"
)

// Config 描述 WebSocket 接入层的配置。
//
// 说明：
//   - ReadLimit 为单帧最大字节数，超出时连接被关闭；
//   - PongTimeout 内未收到任何帧（包括 pong）即认为连接失效；
//   - SendQueueSize/WriteTimeout/PingInterval 透传给 session.WSSession；
//   - AllowedOrigins 为空或包含 "*" 时不校验 Origin。
type Config struct {
	ReadLimit         int64         `mapstructure:"read_limit"`
	PongTimeout       time.Duration `mapstructure:"pong_timeout"`
	PingInterval      time.Duration `mapstructure:"ping_interval"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	HandshakeTimeout  time.Duration `mapstructure:"handshake_timeout"`
	SendQueueSize     int           `mapstructure:"send_queue_size"`
	ReadBufferSize    int           `mapstructure:"read_buffer_size"`
	WriteBufferSize   int           `mapstructure:"write_buffer_size"`
	AllowedOrigins    []string      `mapstructure:"allowed_origins"`
	EnableCompression bool          `mapstructure:"enable_compression"`
}

// DefaultConfig 返回默认接入配置。
func DefaultConfig() Config {
	return Config{
		ReadLimit:        64 * 1024,
		PongTimeout:      60 * time.Second,
		PingInterval:     54 * time.Second,
		WriteTimeout:     10 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		SendQueueSize:    256,
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
	}
}

// SessionConfig 返回会话发送侧配置。
func (c Config) SessionConfig() session.Config {
	return session.Config{
		SendQueueSize: c.SendQueueSize,
		WriteTimeout:  c.WriteTimeout,
		PingInterval:  c.PingInterval,
	}
}

// Authenticator 在升级之前校验握手请求。返回错误时连接不会被升级。
type Authenticator interface {
	Authenticate(r *http.Request, clientID string) (auth.Identity, error)
}

// Handler 由框架使用者实现，用于在连接的各个阶段插入自定义逻辑。
//
// 同一连接上的 OnMessage 在该连接的读协程中依次调用，应避免长时间阻塞。
type Handler interface {
	// OnAccept 在升级成功后被调用，负责创建并注册 Session。
	// 返回错误时连接会被关闭，且不会再调用 OnClose。
	OnAccept(ctx context.Context, clientID string, identity auth.Identity, conn *websocket.Conn) (session.Session, error)

	// OnMessage 在收到一帧完整消息后被调用。
	OnMessage(sess session.Session, data []byte)

	// OnClose 在连接生命周期结束时被调用，每个被接受的连接恰好一次。
	// 参数 err 为关闭原因，正常关闭时为 nil。
	OnClose(sess session.Session, err error)

	// OnError 在各个阶段发生错误时被调用，握手阶段 sess 为 nil。
	OnError(sess session.Session, stage network.Stage, err error)
}
