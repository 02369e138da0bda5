// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sync

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	syncDurationHistogram = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "dendrite",
			Subsystem: "syncapi",
			Name:      "sliding_sync_duration_seconds",
			Help:      "Time taken to answer a sliding sync request, including any long-poll wait",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"initial"},
	)
	syncLagSeconds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "dendrite",
			Subsystem: "syncapi",
			Name:      "sliding_sync_lag_seconds",
			Help:      "Time spent building the last sliding sync response, excluding the long-poll wait",
		},
	)
	longPollOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dendrite",
			Subsystem: "syncapi",
			Name:      "sliding_sync_long_poll_total",
			Help:      "Empty sliding sync responses held open, by how the wait ended",
		},
		[]string{"outcome"},
	)
	roomsSkipped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dendrite",
			Subsystem: "syncapi",
			Name:      "sliding_sync_rooms_skipped_total",
			Help:      "Rooms left out of a sliding sync response, by reason",
		},
		[]string{"reason"},
	)
)

const (
	outcomeWoken     = "woken"
	outcomeTimeout   = "timeout"
	outcomeCancelled = "cancelled"

	skipUnchanged       = "unchanged"
	skipTimelineMissing = "timeline_missing"
)

var registerSyncMetrics sync.Once

func init() {
	registerSyncMetrics.Do(func() {
		prometheus.MustRegister(syncDurationHistogram, syncLagSeconds, longPollOutcomes, roomsSkipped)
	})
}

func observeSyncMetrics(initial bool, duration, lag time.Duration) {
	syncDurationHistogram.WithLabelValues(strconv.FormatBool(initial)).Observe(duration.Seconds())
	syncLagSeconds.Set(lag.Seconds())
}
