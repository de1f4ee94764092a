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
	roomMetricSubsystem = "room"
	authMetricSubsystem = "auth"
)

var (
	// RoomMembers 各类房间的成员总数。
	RoomMembers = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: hemoclastNamespace,
		Subsystem: roomMetricSubsystem,
		Name:      "members",
		Help:      "房间成员总数，按房间类型区分",
	}, []string{roomKindLabelName})

	// RoomJoinRejected 加入房间被拒绝的次数。
	RoomJoinRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: hemoclastNamespace,
		Subsystem: roomMetricSubsystem,
		Name:      "join_rejected_total",
		Help:      "加入房间被拒绝的次数",
	}, []string{roomKindLabelName, reasonLabelName})

	// AuthResults 连接鉴权结果。
	AuthResults = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: hemoclastNamespace,
		Subsystem: authMetricSubsystem,
		Name:      "results_total",
		Help:      "连接鉴权结果",
	}, []string{methodLabelName, resultLabelName})
)

func registerRoomMetrics(r prometheus.Registerer) {
	r.MustRegister(RoomMembers)
	r.MustRegister(RoomJoinRejected)
}

func registerAuthMetrics(r prometheus.Registerer) {
	r.MustRegister(AuthResults)
}
