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
	"github.com/prometheus/client_golang/prometheus"
)

const (
	broadcastMetricSubsystem = "broadcast"
)

// 广播范围。
const (
	ScopeDirect = "direct"
	ScopeAll    = "all"
	ScopeExcept = "except"
	ScopeRoom   = "room"
)

var (
	// BroadcastDelivered 成功入队的出站消息数。
	BroadcastDelivered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: hemoclastNamespace,
		Subsystem: broadcastMetricSubsystem,
		Name:      "delivered_total",
		Help:      "广播成功投递到会话发送队列的消息数",
	}, []string{scopeLabelName})

	// BroadcastEvicted 因投递失败被驱逐的会话数。
	BroadcastEvicted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: hemoclastNamespace,
		Subsystem: broadcastMetricSubsystem,
		Name:      "evicted_total",
		Help:      "广播过程中因投递失败被驱逐的会话数",
	}, []string{scopeLabelName})

	// BroadcastFanout 单次广播的目标数分布。
	BroadcastFanout = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: hemoclastNamespace,
		Subsystem: broadcastMetricSubsystem,
		Name:      "fanout_targets",
		Help:      "单次广播的目标会话数",
		Buckets:   fanoutBuckets,
	}, []string{scopeLabelName})

	// BroadcastLatency 单次广播耗时（毫秒）。
	BroadcastLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: hemoclastNamespace,
		Subsystem: broadcastMetricSubsystem,
		Name:      "latency_ms",
		Help:      "单次广播从开始到所有目标入队完成的耗时",
		Buckets:   buckets,
	}, []string{scopeLabelName})
)

func registerBroadcastMetrics(r prometheus.Registerer) {
	r.MustRegister(BroadcastDelivered)
	r.MustRegister(BroadcastEvicted)
	r.MustRegister(BroadcastFanout)
	r.MustRegister(BroadcastLatency)
}
