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
package conc

import (
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lk2023060901/hemoclast-realtime-go/pkg/util/merr"
)

func TestPool(t *testing.T) {
	pool := NewPool[any](0, WithName("test"))
	defer pool.Release()

	taskNum := pool.Cap() * 2
	futures := make([]*Future[any], 0, taskNum)
	for i := 0; i < taskNum; i++ {
		res := i
		future := pool.Submit(func() (any, error) {
			time.Sleep(50 * time.Millisecond)
			return res, nil
		})
		futures = append(futures, future)
	}

	assert.Greater(t, pool.Running(), 0)
	for i, future := range futures {
		res, err := future.Await()
		require.NoError(t, err)
		assert.Equal(t, i, res.(int))

		// Await() should be idempotent
		resDup, errDup := future.Await()
		assert.Equal(t, res, resDup)
		assert.Equal(t, err, errDup)
	}
	assert.Equal(t, pool.Cap(), pool.Running()+pool.Free())
}

func TestPoolSubmitAfterRelease(t *testing.T) {
	pool := NewPool[int](1)
	pool.Release()

	err := pool.Submit(func() (int, error) { return 1, nil }).Err()
	require.Error(t, err)
	assert.True(t, errors.Is(err, merr.ErrServiceTooManyRequests), "%v", err)
}

func TestPoolConcealPanic(t *testing.T) {
	pool := NewPool[int](1, WithConcealPanic(true), WithExpiryDuration(time.Second))
	defer pool.Release()

	future := pool.Submit(func() (int, error) {
		panic("boom")
	})
	assert.Error(t, future.Err())

	// 发生 panic 后协程池仍可继续使用。
	v, err := pool.Submit(func() (int, error) { return 7, nil }).Await()
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}

func TestGo(t *testing.T) {
	errBoom := errors.New("boom")
	ok := Go(func() (int, error) { return 1, nil })
	bad := Go(func() (int, error) { return 0, errBoom })

	v, err := ok.Await()
	require.NoError(t, err)
	assert.Equal(t, 1, v)
	assert.ErrorIs(t, bad.Err(), errBoom)
}
