// Copyright 2019 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package log

import (
	"go.uber.org/zap/zapcore"
)

// NewTextCore 创建写入 ws 的 Core。DPanic 及以上级别写完立即 Sync，
// 进程随后可能退出，缓冲里的日志不能丢。
func NewTextCore(enc zapcore.Encoder, ws zapcore.WriteSyncer, enab zapcore.LevelEnabler) zapcore.Core {
	return &textCore{LevelEnabler: enab, enc: enc, out: ws, syncAbove: zapcore.ErrorLevel}
}

type textCore struct {
	zapcore.LevelEnabler
	enc       zapcore.Encoder
	out       zapcore.WriteSyncer
	syncAbove zapcore.Level
}

func (c *textCore) With(fields []zapcore.Field) zapcore.Core {
	next := *c
	next.enc = c.enc.Clone()
	for i := range fields {
		fields[i].AddTo(next.enc)
	}
	return &next
}

func (c *textCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if !c.Enabled(ent.Level) {
		return ce
	}
	return ce.AddCore(ent, c)
}

func (c *textCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	buf, err := c.enc.EncodeEntry(ent, fields)
	if err != nil {
		return err
	}
	defer buf.Free()
	if _, err := c.out.Write(buf.Bytes()); err != nil {
		return err
	}
	if ent.Level > c.syncAbove {
		// Sync 失败时没有更好的去处，忽略。
		_ = c.out.Sync()
	}
	return nil
}

func (c *textCore) Sync() error {
	return c.out.Sync()
}
