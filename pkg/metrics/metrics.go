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
package metrics

import (
	// #nosec
	_ "net/http/pprof"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const (
	// hemoclastNamespace 是当前项目所有 Prometheus 指标使用的命名空间。
	hemoclastNamespace = "hemoclast"

	// 以下为当前使用的通用标签名。
	reasonLabelName   = "reason"
	scopeLabelName    = "scope"
	kindLabelName     = "kind"
	modeLabelName     = "mode"
	roomKindLabelName = "room_kind"
	resultLabelName   = "result"
	methodLabelName   = "method"
)

// 常用标签取值。
const (
	SuccessLabel = "success"
	FailLabel    = "fail"
)

var (
	// buckets 为耗时直方图的桶划分，单位为毫秒。
	// 实际桶分布为：
	// [0.25 0.5 1 2 4 8 16 32 64 128 256 512 1024 2048]
	buckets = prometheus.ExponentialBuckets(0.25, 2, 14)

	// fanoutBuckets 为单次广播目标数的桶划分。
	fanoutBuckets = []float64{0, 1, 2, 5, 10, 25, 50, 100, 200, 500, 1000, 5000}

	registerOnce     sync.Once
	metricRegisterer prometheus.Registerer
)

// GetRegisterer 返回全局 Prometheus Registerer。
// 如果尚未通过 Register 显式设置，则返回 prometheus.DefaultRegisterer。
func GetRegisterer() prometheus.Registerer {
	if metricRegisterer == nil {
		return prometheus.DefaultRegisterer
	}
	return metricRegisterer
}

// Register 注册当前定义的所有指标，重复调用只有第一次生效。
func Register(r prometheus.Registerer) {
	registerOnce.Do(func() {
		registerSessionMetrics(r)
		registerBroadcastMetrics(r)
		registerProtocolMetrics(r)
		registerRoomMetrics(r)
		registerAuthMetrics(r)
		metricRegisterer = r
	})
}

// NewRegistry 创建一个包含 Go 运行时与进程指标的 Registry，并注册全部业务指标。
func NewRegistry() *prometheus.Registry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	Register(registry)
	return registry
}
