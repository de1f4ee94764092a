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

package hardware

import (
	"os"
	"runtime"
	"sync"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"github.com/lk2023060901/hemoclast-realtime-go/pkg/log"
)

var (
	icOnce sync.Once
	ic     int
)

// GetCPUNum 返回可用的逻辑 CPU 核数，gopsutil 失败时退回 runtime.NumCPU。
func GetCPUNum() int {
	icOnce.Do(func() {
		n, err := cpu.Counts(true)
		if err != nil || n <= 0 {
			log.Warn("failed to get cpu counts, fallback to runtime.NumCPU", zap.Error(err))
			n = runtime.NumCPU()
		}
		// GOMAXPROCS 已经由 automaxprocs 按 cgroup 配额调整过。
		if maxProcs := runtime.GOMAXPROCS(0); maxProcs > 0 && maxProcs < n {
			n = maxProcs
		}
		ic = n
	})
	return ic
}

// GetMemoryCount 返回系统总内存（字节），失败时返回 0。
func GetMemoryCount() uint64 {
	stats, err := mem.VirtualMemory()
	if err != nil {
		log.Warn("failed to get memory count", zap.Error(err))
		return 0
	}
	return stats.Total
}

// GetUsedMemoryCount 返回当前进程的常驻内存（字节），失败时返回 0。
func GetUsedMemoryCount() uint64 {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		log.Warn("failed to get current process", zap.Error(err))
		return 0
	}
	memInfo, err := proc.MemoryInfo()
	if err != nil {
		log.Warn("failed to get process memory info", zap.Error(err))
		return 0
	}
	return memInfo.RSS
}
