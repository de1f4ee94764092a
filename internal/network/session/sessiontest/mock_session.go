// Package sessiontest 提供测试用的内存会话实现。
package sessiontest

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lk2023060901/hemoclast-realtime-go/pkg/util/merr"
)

// CloseRecord 记录一次 CloseWithReason 调用。
type CloseRecord struct {
	Code int
	Text string
}

// MockSession 把收到的帧记录在内存中，可按需注入发送失败或阻塞。
type MockSession struct {
	id         string
	instanceID string
	subject    string
	connected  time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	frames   [][]byte
	sendErr  error
	block    chan struct{}
	closeRec *CloseRecord
	closes   int

	closeOnce sync.Once
	done      chan struct{}
	received  chan struct{}
}

// NewMockSession 创建一个新的 MockSession。
func NewMockSession(id string) *MockSession {
	ctx, cancel := context.WithCancel(context.Background())
	return &MockSession{
		id:         id,
		instanceID: uuid.NewString(),
		subject:    id,
		connected:  time.Now(),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		received:   make(chan struct{}, 1024),
	}
}

func (m *MockSession) ID() string               { return m.id }
func (m *MockSession) InstanceID() string       { return m.instanceID }
func (m *MockSession) Subject() string          { return m.subject }
func (m *MockSession) Context() context.Context { return m.ctx }
func (m *MockSession) RemoteAddr() net.Addr     { return mockAddr(m.id) }
func (m *MockSession) ConnectedAt() time.Time   { return m.connected }
func (m *MockSession) Done() <-chan struct{}    { return m.done }

// FailWith 让之后的 Send 返回 err，传 nil 恢复正常。
func (m *MockSession) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendErr = err
}

// BlockSends 让之后的 Send 一直阻塞到 ctx 结束或 Unblock 被调用。
func (m *MockSession) BlockSends() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.block == nil {
		m.block = make(chan struct{})
	}
}

// Unblock 解除 BlockSends。
func (m *MockSession) Unblock() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.block != nil {
		close(m.block)
		m.block = nil
	}
}

func (m *MockSession) Send(ctx context.Context, data []byte) error {
	m.mu.Lock()
	if m.isClosed() {
		m.mu.Unlock()
		return merr.WrapErrSessionClosed(m.id)
	}
	if err := m.sendErr; err != nil {
		m.mu.Unlock()
		return err
	}
	block := m.block
	m.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return merr.WrapErrSessionSendTimeout(m.id, 0)
		case <-m.done:
			return merr.WrapErrSessionClosed(m.id)
		}
	}

	frame := make([]byte, len(data))
	copy(frame, data)
	m.mu.Lock()
	m.frames = append(m.frames, frame)
	m.mu.Unlock()
	select {
	case m.received <- struct{}{}:
	default:
	}
	return nil
}

func (m *MockSession) isClosed() bool {
	select {
	case <-m.done:
		return true
	default:
		return false
	}
}

func (m *MockSession) Close() error {
	m.mu.Lock()
	m.closes++
	m.mu.Unlock()
	m.closeOnce.Do(func() {
		m.cancel()
		close(m.done)
	})
	return nil
}

func (m *MockSession) CloseWithReason(code int, text string) error {
	m.mu.Lock()
	if m.closeRec == nil {
		m.closeRec = &CloseRecord{Code: code, Text: text}
	}
	m.mu.Unlock()
	return m.Close()
}

// Frames 返回已收到帧的副本。
func (m *MockSession) Frames() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.frames))
	copy(out, m.frames)
	return out
}

// Reset 清空已记录的帧。
func (m *MockSession) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frames = nil
}

// Closed 返回会话是否已关闭。
func (m *MockSession) Closed() bool {
	return m.isClosed()
}

// CloseReason 返回 CloseWithReason 记录的关闭码，未调用时返回 nil。
func (m *MockSession) CloseReason() *CloseRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closeRec == nil {
		return nil
	}
	rec := *m.closeRec
	return &rec
}

// WaitFrames 等待至少收到 n 帧，超时返回 false。
func (m *MockSession) WaitFrames(n int, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		m.mu.Lock()
		got := len(m.frames)
		m.mu.Unlock()
		if got >= n {
			return true
		}
		select {
		case <-m.received:
		case <-deadline:
			return false
		}
	}
}

type mockAddr string

func (a mockAddr) Network() string { return "mock" }
func (a mockAddr) String() string  { return "mock://" + string(a) }
