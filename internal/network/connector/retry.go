package connector

import (
	"context"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/lk2023060901/hemoclast-realtime-go/pkg/log"
)

// RetryConfig 描述重连的指数退避参数。
type RetryConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// MaxElapsedTime 为总等待上限，0 表示直到 ctx 结束。
	MaxElapsedTime time.Duration
}

// DefaultRetryConfig 返回默认重连参数。
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		MaxElapsedTime:  time.Minute,
	}
}

func (c RetryConfig) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if c.InitialInterval > 0 {
		b.InitialInterval = c.InitialInterval
	}
	if c.MaxInterval > 0 {
		b.MaxInterval = c.MaxInterval
	}
	b.MaxElapsedTime = c.MaxElapsedTime
	return backoff.WithContext(b, ctx)
}

// DialWithRetry 按指数退避重试拨号。服务端以 4xx 拒绝握手（参数错误或鉴权失败）时不再重试。
func DialWithRetry(ctx context.Context, c Connector, urlStr string, h ConnectorHandler, header http.Header, cfg RetryConfig) (ClientConn, error) {
	var conn ClientConn
	op := func() error {
		var err error
		conn, err = c.Dial(ctx, urlStr, h, header)
		if err == nil {
			return nil
		}
		var hs *HandshakeError
		if errors.As(err, &hs) && hs.StatusCode >= 400 && hs.StatusCode < 500 {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		log.Ctx(ctx).Warn("dial failed, retrying", zap.String("url", urlStr), zap.Duration("wait", wait), zap.Error(err))
	}
	if err := backoff.RetryNotify(op, cfg.backOff(ctx), notify); err != nil {
		return nil, err
	}
	return conn, nil
}
