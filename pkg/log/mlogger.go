// Licensed to the LF AI & Data foundation under one
// or more contributor license agreements. See the NOTICE file
// distributed with this work for additional information
// regarding copyright ownership. The ASF licenses this file
// to you under the Apache License, Version 2.0 (the
// "License"); you may not use this file except in compliance
// with the License. You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package log

import (
	"sync"
	"sync/atomic"

	"github.com/uber/jaeger-client-go/utils"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// MLogger 在 zap.Logger 之上加了按组限流的告警输出。
// 连接数多的时候同一类错误会成批出现，限流组让它们共享一个额度。
type MLogger struct {
	*zap.Logger
	rl atomic.Pointer[utils.ReconfigurableRateLimiter]
}

// With 返回携带额外字段的新 MLogger，字段在第一次真正写日志时才编码。
// 新实例不继承限流组。
func (l *MLogger) With(fields ...zap.Field) *MLogger {
	return &MLogger{Logger: l.Logger.WithOptions(deferFields(fields))}
}

// ForSession 返回绑定单个连接的子 Logger。
func (l *MLogger) ForSession(clientID, instanceID string) *MLogger {
	return l.With(FieldClientID(clientID), zap.String("instanceID", instanceID))
}

// WithRateGroup 让当前 Logger 使用名为 group 的共享限流器。
// 同名组已存在时沿用原限流器并更新额度。
func (l *MLogger) WithRateGroup(group string, creditPerSecond, maxBalance float64) *MLogger {
	fresh := utils.NewRateLimiter(creditPerSecond, maxBalance)
	if actual, loaded := _namedRateLimiters.LoadOrStore(group, fresh); loaded {
		shared := actual.(*utils.ReconfigurableRateLimiter)
		shared.Update(creditPerSecond, maxBalance)
		fresh = shared
	}
	l.rl.Store(fresh)
	return l
}

func (l *MLogger) limiter() RateLimiter {
	if rl := l.rl.Load(); rl != nil {
		return rl
	}
	return R()
}

// RatedWarn 额度足够时输出 Warn 并返回 true。
func (l *MLogger) RatedWarn(cost float64, msg string, fields ...zap.Field) bool {
	if !l.limiter().CheckCredit(cost) {
		return false
	}
	l.WithOptions(zap.AddCallerSkip(1)).Warn(msg, fields...)
	return true
}

// RatedInfo 额度足够时输出 Info 并返回 true。
func (l *MLogger) RatedInfo(cost float64, msg string, fields ...zap.Field) bool {
	if !l.limiter().CheckCredit(cost) {
		return false
	}
	l.WithOptions(zap.AddCallerSkip(1)).Info(msg, fields...)
	return true
}

// Binder 嵌入到组件结构体中，保存组件自己的 Logger。
type Binder struct {
	logger atomic.Pointer[MLogger]
}

// SetLogger 绑定组件 Logger。
func (b *Binder) SetLogger(logger *MLogger) {
	b.logger.Store(logger)
}

// Logger 返回绑定的 Logger，未绑定时返回全局 Logger。
func (b *Binder) Logger() *MLogger {
	if l := b.logger.Load(); l != nil {
		return l
	}
	return With()
}

// deferFields 把字段的编码推迟到第一次 Write/Check 之前，
// 大量连接各自创建子 Logger 时不必立即复制 encoder。
// 参考 https://github.com/uber-go/zap/issues/1426 。
func deferFields(fields []zapcore.Field) zap.Option {
	return zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		d := &deferredCore{fields: fields}
		d.core.Store(&core)
		return d
	})
}

type deferredCore struct {
	core   atomic.Pointer[zapcore.Core]
	once   sync.Once
	fields []zapcore.Field
}

var _ zapcore.Core = (*deferredCore)(nil)

func (d *deferredCore) resolve() zapcore.Core {
	d.once.Do(func() {
		withFields := (*d.core.Load()).With(d.fields)
		d.core.Store(&withFields)
	})
	return *d.core.Load()
}

func (d *deferredCore) Enabled(level zapcore.Level) bool {
	return (*d.core.Load()).Enabled(level)
}

func (d *deferredCore) With(fields []zapcore.Field) zapcore.Core {
	return d.resolve().With(fields)
}

func (d *deferredCore) Check(e zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	return d.resolve().Check(e, ce)
}

func (d *deferredCore) Write(e zapcore.Entry, fields []zapcore.Field) error {
	return d.resolve().Write(e, fields)
}

func (d *deferredCore) Sync() error {
	return d.resolve().Sync()
}
