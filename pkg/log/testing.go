package log

import (
	"bytes"
	"sync/atomic"
	"testing"

	"go.uber.org/zap"
)

// testingWriter 把每条日志转给 t.Logf，只有失败或 -v 时才会显示。
// 用例结束后仍在运行的协程写入的日志直接丢弃，t.Logf 此时会 panic。
type testingWriter struct {
	t      testing.TB
	done   *atomic.Bool
	failed bool
}

func newTestingWriter(t testing.TB) testingWriter {
	done := &atomic.Bool{}
	t.Cleanup(func() { done.Store(true) })
	return testingWriter{t: t, done: done}
}

func (w testingWriter) Write(p []byte) (int, error) {
	if w.done.Load() {
		return len(p), nil
	}
	w.t.Logf("%s", bytes.TrimRight(p, "\n"))
	if w.failed {
		w.t.Fail()
	}
	return len(p), nil
}

func (w testingWriter) Sync() error { return nil }

// InitTestLogger 创建写入 t 的 Logger，zap 内部错误会让测试失败。
func InitTestLogger(t testing.TB, cfg *Config, opts ...zap.Option) (*zap.Logger, *ZapProperties, error) {
	w := newTestingWriter(t)
	errOut := w
	errOut.failed = true
	opts = append([]zap.Option{zap.ErrorOutput(errOut)}, opts...)
	return InitLoggerWithWriteSyncer(cfg, w, opts...)
}

// ReplaceGlobalsForTest 在 t 的生命周期内把全局 Logger 换成测试 Logger，
// 并发连接的日志挂在各自的用例下面，用例结束后恢复原来的全局 Logger。
func ReplaceGlobalsForTest(t testing.TB, level string) {
	t.Helper()
	lg, props, err := InitTestLogger(t, &Config{Level: level, Format: FormatText})
	if err != nil {
		t.Fatalf("init test logger: %v", err)
	}

	prevL, prevP := L(), _globalP.Load().(*ZapProperties)
	prevLeveled := make(map[any]any)
	_globalLevelLogger.Range(func(k, v any) bool {
		prevLeveled[k] = v
		return true
	})

	ReplaceGlobals(lg, props)
	replaceLeveledLoggers(lg)
	t.Cleanup(func() {
		ReplaceGlobals(prevL, prevP)
		for k, v := range prevLeveled {
			_globalLevelLogger.Store(k, v)
		}
	})
}
