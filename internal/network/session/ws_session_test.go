package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lk2023060901/hemoclast-realtime-go/pkg/util/merr"
)

// newSessionPair 返回服务端会话与对应的客户端连接。
func newSessionPair(t *testing.T, cfg Config) (*WSSession, *websocket.Conn) {
	t.Helper()
	sessCh := make(chan *WSSession, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		sessCh <- NewWSSession(context.Background(), "tester", conn, cfg)
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	select {
	case s := <-sessCh:
		t.Cleanup(func() { _ = s.Close() })
		return s, client
	case <-time.After(5 * time.Second):
		t.Fatal("server session not created")
		return nil, nil
	}
}

func TestWSSession_SendDeliversTextFrames(t *testing.T) {
	sess, client := newSessionPair(t, Config{WriteTimeout: time.Second})
	assert.Equal(t, "tester", sess.ID())
	assert.NotEmpty(t, sess.InstanceID())

	require.NoError(t, sess.Send(context.Background(), []byte(`{"type":"a"}`)))
	require.NoError(t, sess.Send(context.Background(), []byte(`{"type":"b"}`)))

	_ = client.SetReadDeadline(time.Now().Add(5 * time.Second))
	for _, want := range []string{`{"type":"a"}`, `{"type":"b"}`} {
		mt, data, err := client.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, websocket.TextMessage, mt)
		assert.Equal(t, want, string(data))
	}
}

func TestWSSession_CloseWithReason(t *testing.T) {
	sess, client := newSessionPair(t, Config{WriteTimeout: time.Second})

	require.NoError(t, sess.CloseWithReason(CloseCodeEjected, "replaced"))
	assert.NoError(t, sess.CloseWithReason(CloseCodeEjected, "replaced"))

	select {
	case <-sess.Done():
	default:
		t.Fatal("done channel not closed")
	}
	assert.Error(t, sess.Context().Err())

	_ = client.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := client.ReadMessage()
	var closeErr *websocket.CloseError
	require.True(t, errors.As(err, &closeErr))
	assert.Equal(t, CloseCodeEjected, closeErr.Code)

	err = sess.Send(context.Background(), []byte("late"))
	assert.True(t, errors.Is(err, merr.ErrSessionClosed))
}

func TestWSSession_SendQueueFull(t *testing.T) {
	cfg := Config{SendQueueSize: 1}
	s := &WSSession{
		id:        "stuck",
		cfg:       cfg,
		sendQueue: make(chan []byte, 1),
		done:      make(chan struct{}),
	}
	require.NoError(t, s.Send(context.Background(), []byte("1")))

	err := s.Send(context.Background(), []byte("2"))
	assert.True(t, errors.Is(err, merr.ErrSessionSendQueueFull))
	assert.True(t, merr.IsRetryableErr(err))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = s.Send(ctx, []byte("3"))
	assert.True(t, errors.Is(err, merr.ErrSessionSendTimeout))
}
