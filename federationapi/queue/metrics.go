// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package queue

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
)

var (
	sendQueueDepthValue atomic.Int64
	sendQueueDepth      = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "dendrite",
			Subsystem: "federationapi",
			Name:      "edu_queue_depth",
			Help:      "Number of outbound EDUs waiting to be handed to the federation sender",
		},
	)
	droppedEDUs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dendrite",
			Subsystem: "federationapi",
			Name:      "edu_dropped_total",
			Help:      "Number of outbound EDUs that were dropped",
		},
		[]string{"reason"},
	)
)

var registerMetrics sync.Once

func init() {
	registerMetrics.Do(func() {
		prometheus.MustRegister(sendQueueDepth, droppedEDUs)
	})
}

func observeSendQueueDepth(delta int64) {
	sendQueueDepth.Set(float64(sendQueueDepthValue.Add(delta)))
}
