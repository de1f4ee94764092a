package session

import (
	"context"
	"net"
	"time"
)

// Session 抽象了一条客户端连接。
//
// 约定：
//   - 每个 Session 对应一条底层 WebSocket 连接；
//   - ID 为客户端自报的 clientId，同一时刻 Registry 中每个 ID 至多一个 Session；
//   - InstanceID 在每次连接时重新生成，用于区分同一 clientId 的新旧连接。
type Session interface {
	// ID 返回 clientId。
	ID() string

	// InstanceID 返回本条连接的唯一标识。
	InstanceID() string

	// Subject 返回鉴权得到的身份主体，未开启鉴权时与 ID 相同。
	Subject() string

	// Context 返回与该会话关联的上下文，会话关闭时被取消。
	Context() context.Context

	// RemoteAddr 返回远端地址，主要用于日志与运维查询。
	RemoteAddr() net.Addr

	// ConnectedAt 返回连接建立时间。
	ConnectedAt() time.Time

	// Send 将一条已序列化的出站消息放入发送队列。
	//
	// 行为：
	//   - 队列有空位时立即返回 nil；
	//   - 队列已满且 ctx 没有 deadline 时立即返回 ErrSessionSendQueueFull；
	//   - 队列已满且 ctx 有 deadline 时最多等待到 deadline，超时返回 ErrSessionSendTimeout；
	//   - 会话已关闭时返回 ErrSessionClosed。
	//
	// 真正写入连接由会话内唯一的发送协程完成，调用方之间互不阻塞。
	Send(ctx context.Context, data []byte) error

	// Close 关闭会话，多次调用是幂等的。
	Close() error

	// Done 返回会话关闭时被关闭的 channel。
	Done() <-chan struct{}
}

// ReasonCloser 由支持携带关闭原因的会话实现，Registry 在驱逐或挤号时优先使用。
type ReasonCloser interface {
	CloseWithReason(code int, text string) error
}
