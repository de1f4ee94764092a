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
	sessionMetricSubsystem = "session"
)

// 会话被移除的原因。
const (
	ReasonClosed  = "closed"
	ReasonEjected = "ejected"
	ReasonEvicted = "evicted"
	ReasonKicked  = "kicked"
)

var (
	// ActiveSessions 当前在线的会话数量。
	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: hemoclastNamespace,
		Subsystem: sessionMetricSubsystem,
		Name:      "active",
		Help:      "当前已注册的在线会话数量",
	})

	// SessionRegistered 会话注册总数。
	SessionRegistered = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: hemoclastNamespace,
		Subsystem: sessionMetricSubsystem,
		Name:      "registered_total",
		Help:      "会话注册总次数",
	})

	// SessionTeardown 会话清理次数，按原因区分。
	SessionTeardown = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: hemoclastNamespace,
		Subsystem: sessionMetricSubsystem,
		Name:      "teardown_total",
		Help:      "会话清理总次数",
	}, []string{reasonLabelName})

	// SessionSendFailures 向会话写入出站消息失败的次数，按原因区分。
	SessionSendFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: hemoclastNamespace,
		Subsystem: sessionMetricSubsystem,
		Name:      "send_failures_total",
		Help:      "出站消息入队或写入失败的次数",
	}, []string{reasonLabelName})
)

func registerSessionMetrics(r prometheus.Registerer) {
	r.MustRegister(ActiveSessions)
	r.MustRegister(SessionRegistered)
	r.MustRegister(SessionTeardown)
	r.MustRegister(SessionSendFailures)
}
