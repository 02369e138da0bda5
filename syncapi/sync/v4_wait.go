// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sync

import (
	"context"
	"time"

	"github.com/element-hq/slidingsync/syncapi/notifier"
	"github.com/element-hq/slidingsync/syncapi/types"
)

const defaultLongPoll = 30 * time.Second

// responseIsEmpty reports whether the response carries nothing worth
// returning early for: no room has timeline, state or receipts, and there
// are no to-device messages.
func responseIsEmpty(res *types.SlidingSyncResponse) bool {
	for roomID, room := range res.Rooms {
		if len(room.Timeline) > 0 || len(room.RequiredState) > 0 {
			return false
		}
		if res.Extensions.Receipts != nil {
			if _, ok := res.Extensions.Receipts.Rooms[roomID]; ok {
				return false
			}
		}
	}
	if res.Extensions.ToDevice != nil && len(res.Extensions.ToDevice.Events) > 0 {
		return false
	}
	return true
}

// waitForChanges holds the request until the listener fires or the timeout
// passes. The timeout is the client's, or 30 seconds, capped by config.
func (rp *RequestPool) waitForChanges(ctx context.Context, listener *notifier.Listener, requestedMS *int64) {
	timeout := longPollTimeout(requestedMS, rp.cfg.LongPollMax())
	if timeout <= 0 {
		return
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	outcome := outcomeTimeout
	select {
	case <-listener.C():
		outcome = outcomeWoken
	case <-timer.C:
	case <-ctx.Done():
		outcome = outcomeCancelled
	}
	longPollOutcomes.WithLabelValues(outcome).Inc()
}

// longPollTimeout clamps the requested timeout to limit before converting
// it, so huge values can't overflow into a negative duration.
func longPollTimeout(requestedMS *int64, limit time.Duration) time.Duration {
	if requestedMS == nil {
		return min(defaultLongPoll, limit)
	}
	if *requestedMS >= limit.Milliseconds() {
		return limit
	}
	return time.Duration(*requestedMS) * time.Millisecond
}
