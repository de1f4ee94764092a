package logutil

import (
	"context"
	"crypto/subtle"
	"strings"
	"time"

	"github.com/google/uuid"
	grpc_middleware "github.com/grpc-ecosystem/go-grpc-middleware"
	grpc_auth "github.com/grpc-ecosystem/go-grpc-middleware/auth"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/lk2023060901/hemoclast-realtime-go/pkg/log"
)

// 运维调用方可通过 metadata 携带的键。
const (
	MetaLogLevel  = "log-level"
	MetaRequestID = "client-request-id"
	MetaOperator  = "x-operator"
)

// UnaryTraceLoggerInterceptor 按请求 metadata 给 ctx 挂上 Logger：
// 指定的日志级别、请求 ID（32 位十六进制时作为 traceID）以及操作人。
func UnaryTraceLoggerInterceptor(ctx context.Context, req any, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	return handler(withRequestLogger(ctx), req)
}

// UnaryAccessLogInterceptor 记录每次调用的方法、耗时与返回码，需放在 UnaryTraceLoggerInterceptor 之后。
// 踢人和公告会改变线上状态，成功时也按 Info 记录。
func UnaryAccessLogInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	fields := []zap.Field{
		zap.String("method", info.FullMethod),
		zap.Duration("elapsed", time.Since(start)),
		zap.String("code", status.Code(err).String()),
	}
	logger := log.Ctx(ctx)
	switch {
	case err != nil:
		logger.Warn("admin rpc failed", append(fields, zap.Error(err))...)
	case isMutation(info.FullMethod):
		logger.Info("admin rpc done", fields...)
	default:
		logger.Debug("admin rpc done", fields...)
	}
	return resp, err
}

// ChainUnaryServer 依次组合 trace、访问日志与 extra 拦截器。
func ChainUnaryServer(extra ...grpc.UnaryServerInterceptor) grpc.UnaryServerInterceptor {
	interceptors := append([]grpc.UnaryServerInterceptor{UnaryTraceLoggerInterceptor, UnaryAccessLogInterceptor}, extra...)
	return grpc_middleware.ChainUnaryServer(interceptors...)
}

// UnaryTokenAuthInterceptor 要求 metadata authorization 为 "Bearer <token>"。
// 放在 ChainUnaryServer 的 extra 中，被拒绝的调用仍会留下访问日志。
func UnaryTokenAuthInterceptor(token string) grpc.UnaryServerInterceptor {
	want := []byte(token)
	return grpc_auth.UnaryServerInterceptor(func(ctx context.Context) (context.Context, error) {
		got, err := grpc_auth.AuthFromMD(ctx, "bearer")
		if err != nil {
			return nil, err
		}
		if subtle.ConstantTimeCompare([]byte(got), want) != 1 {
			return nil, status.Error(codes.Unauthenticated, "invalid admin token")
		}
		return ctx, nil
	})
}

// UnaryClientTokenInterceptor 给每次调用带上 "Bearer <token>"，token 为空时原样调用。
func UnaryClientTokenInterceptor(token string) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		if token != "" {
			ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+token)
		}
		return invoker(ctx, method, req, reply, cc, opts...)
	}
}

// UnaryClientInterceptor 给每次调用附上新的请求 ID，operator、level 非空时一并带上。
func UnaryClientInterceptor(operator, level string) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		kv := []string{MetaRequestID, strings.ReplaceAll(uuid.NewString(), "-", "")}
		if operator != "" {
			kv = append(kv, MetaOperator, operator)
		}
		if level != "" {
			kv = append(kv, MetaLogLevel, level)
		}
		return invoker(metadata.AppendToOutgoingContext(ctx, kv...), method, req, reply, cc, opts...)
	}
}

func isMutation(fullMethod string) bool {
	name := fullMethod[strings.LastIndex(fullMethod, "/")+1:]
	return name == "KickClient" || name == "Announce" || name == "IssueGuestToken"
}

func withRequestLogger(ctx context.Context) context.Context {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return withSpanTrace(ctx)
	}

	if lv := first(md, MetaLogLevel); lv != "" {
		var level zapcore.Level
		if err := level.UnmarshalText([]byte(lv)); err == nil {
			ctx = withLevel(ctx, level)
		}
	}
	if op := first(md, MetaOperator); op != "" {
		ctx = log.WithFields(ctx, zap.String("operator", op))
	}

	reqID := first(md, MetaRequestID)
	if reqID == "" {
		return withSpanTrace(ctx)
	}
	if traceID, err := trace.TraceIDFromHex(reqID); err == nil && traceID.IsValid() {
		return log.WithTraceID(ctx, traceID.String())
	}
	return withSpanTrace(log.WithFields(ctx, zap.String("requestID", reqID)))
}

func withLevel(ctx context.Context, level zapcore.Level) context.Context {
	switch level {
	case zapcore.DebugLevel:
		return log.WithDebugLevel(ctx)
	case zapcore.InfoLevel:
		return log.WithInfoLevel(ctx)
	case zapcore.WarnLevel:
		return log.WithWarnLevel(ctx)
	case zapcore.ErrorLevel:
		return log.WithErrorLevel(ctx)
	}
	return ctx
}

func withSpanTrace(ctx context.Context) context.Context {
	if traceID := trace.SpanContextFromContext(ctx).TraceID(); traceID.IsValid() {
		return log.WithTraceID(ctx, traceID.String())
	}
	return ctx
}

func first(md metadata.MD, key string) string {
	if values := md.Get(key); len(values) > 0 {
		return values[0]
	}
	return ""
}
