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
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"

	"github.com/lk2023060901/hemoclast-realtime-go/pkg/util/merr"
)

func TestDo(t *testing.T) {
	ctx := context.Background()

	n := 0
	testFn := func() error {
		n++
		if n < 3 {
			return errors.New("not yet")
		}
		return nil
	}

	err := Do(ctx, testFn, Sleep(time.Millisecond))
	assert.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestAttempts(t *testing.T) {
	ctx := context.Background()

	n := 0
	testFn := func() error {
		n++
		return errors.New("always fails")
	}

	err := Do(ctx, testFn, Attempts(3), Sleep(time.Millisecond))
	assert.Error(t, err)
	assert.Equal(t, 3, n)
}

func TestUnrecoverable(t *testing.T) {
	ctx := context.Background()

	n := 0
	testFn := func() error {
		n++
		return Unrecoverable(errors.New("some error"))
	}

	err := Do(ctx, testFn, Sleep(time.Millisecond))
	assert.Error(t, err)
	assert.False(t, IsRecoverable(err))
	assert.Equal(t, 1, n)
}

func TestRetryErr(t *testing.T) {
	ctx := context.Background()

	n := 0
	testFn := func() error {
		n++
		if n == 1 {
			return merr.WrapErrAuthBackendUnavailable(errors.New("connection reset"))
		}
		return merr.WrapErrAuthGuestSessionNotFound("guest_deadbeefdeadbeef")
	}

	err := Do(ctx, testFn, Sleep(time.Millisecond), RetryErr(merr.IsRetryableErr))
	assert.ErrorIs(t, err, merr.ErrAuthGuestSessionNotFound)
	assert.Equal(t, 2, n)
}

func TestContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Do(ctx, func() error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestContextDeadline(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	n := 0
	err := Do(ctx, func() error {
		n++
		return errors.New("still failing")
	}, Sleep(20*time.Millisecond), Attempts(100))
	assert.Error(t, err)
	assert.Less(t, n, 100)
}
