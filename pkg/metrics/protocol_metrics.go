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
	protocolMetricSubsystem = "protocol"
)

var (
	// ProtocolMessages 已分发的入站消息数，按消息类型区分。
	ProtocolMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: hemoclastNamespace,
		Subsystem: protocolMetricSubsystem,
		Name:      "messages_total",
		Help:      "已分发的入站消息数",
	}, []string{kindLabelName})

	// ProtocolUnknownMessages 类型无法识别的入站消息数。
	ProtocolUnknownMessages = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: hemoclastNamespace,
		Subsystem: protocolMetricSubsystem,
		Name:      "unknown_messages_total",
		Help:      "类型无法识别的入站消息数",
	})

	// ProtocolDecodeFallbacks 无法解析为 JSON 对象的入站帧数，按兜底模式区分。
	ProtocolDecodeFallbacks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: hemoclastNamespace,
		Subsystem: protocolMetricSubsystem,
		Name:      "decode_fallbacks_total",
		Help:      "无法解析的入站帧数",
	}, []string{modeLabelName})

	// ProtocolHandleLatency 单条入站消息的处理耗时（毫秒）。
	ProtocolHandleLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: hemoclastNamespace,
		Subsystem: protocolMetricSubsystem,
		Name:      "handle_latency_ms",
		Help:      "单条入站消息的处理耗时",
		Buckets:   buckets,
	}, []string{kindLabelName})
)

func registerProtocolMetrics(r prometheus.Registerer) {
	r.MustRegister(ProtocolMessages)
	r.MustRegister(ProtocolUnknownMessages)
	r.MustRegister(ProtocolDecodeFallbacks)
	r.MustRegister(ProtocolHandleLatency)
}
