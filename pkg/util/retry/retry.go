// Copyright (C) 2019-2020 Zilliz. All rights reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance
// with the License. You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software distributed under the License
// is distributed on an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express
// or implied. See the License for the specific language governing permissions and limitations under the License.


package retry

import (
	"context"
	"runtime"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/lk2023060901/hemoclast-realtime-go/pkg/log"
	"github.com/lk2023060901/hemoclast-realtime-go/pkg/util/funcutil"
	"github.com/lk2023060901/hemoclast-realtime-go/pkg/util/merr"
)

// Do 执行 fn 直到成功、尝试次数用尽、错误不可重试或 ctx 结束。
// 每次失败后的等待时间翻倍，上限为 MaxSleepTime。
// 因 ctx 结束而放弃时返回最后一次业务错误，而不是 ctx 错误。
func Do(ctx context.Context, fn func() error, opts ...Option) error {
	if !funcutil.CheckCtxValid(ctx) {
		return ctx.Err()
	}

	c := newDefaultConfig()
	for _, opt := range opts {
		opt(c)
	}
	logger := log.Ctx(ctx).With(zap.String("caller", caller(2)))

	var lastErr error
	sleep := c.sleep
	for attempt := uint(0); c.attempts == 0 || attempt < c.attempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if attempt%4 == 0 {
			logger.Warn("retry func failed", zap.Uint("retried", attempt), zap.Error(err))
		}

		switch {
		case !IsRecoverable(err):
			logger.Warn("retry func failed, not recoverable", zap.Uint("retried", attempt))
			return preferLast(err, lastErr)
		case c.isRetryErr != nil && !c.isRetryErr(err):
			logger.Warn("retry func failed, not retryable", zap.Uint("retried", attempt))
			return err
		}

		if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < sleep {
			logger.Warn("retry func failed, deadline too close", zap.Uint("retried", attempt))
			return preferLast(err, lastErr)
		}
		lastErr = err

		timer := time.NewTimer(sleep)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			logger.Warn("retry func failed, ctx done", zap.Uint("retried", attempt))
			return lastErr
		}
		sleep = min(sleep*2, c.maxSleepTime)
	}

	logger.Warn("retry func failed, reach max retry", zap.Uint("attempts", c.attempts))
	return lastErr
}

// preferLast 在 err 只是 ctx 错误时返回更有意义的上一次业务错误。
func preferLast(err, lastErr error) error {
	if lastErr != nil && errors.IsAny(err, context.Canceled, context.DeadlineExceeded) {
		return lastErr
	}
	return err
}

func caller(skip int) string {
	_, file, line, ok := runtime.Caller(skip)
	if !ok {
		return "unknown"
	}
	return file + ":" + strconv.Itoa(line)
}

var errUnrecoverable = errors.New("unrecoverable error")

// Unrecoverable 标记 err 为不可恢复，Do 遇到后立即返回。
func Unrecoverable(err error) error {
	return merr.Combine(err, errUnrecoverable)
}

// IsRecoverable 判断 err 是否可以继续重试。
func IsRecoverable(err error) bool {
	return !errors.Is(err, errUnrecoverable)
}
