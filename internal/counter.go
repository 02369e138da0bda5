// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package internal

import (
	"go.uber.org/atomic"

	"github.com/element-hq/slidingsync/syncapi/types"
)

// StreamCounter hands out strictly increasing stream positions. It is
// shared by sync cursors and typing updates, and never blocks.
type StreamCounter struct {
	pos atomic.Int64
}

// NewStreamCounter returns a counter whose next position is after start.
func NewStreamCounter(start types.StreamPosition) *StreamCounter {
	c := &StreamCounter{}
	c.pos.Store(int64(start))
	return c
}

// Next allocates a new position.
func (c *StreamCounter) Next() types.StreamPosition {
	return types.StreamPosition(c.pos.Inc())
}

// Current returns the most recently allocated position without
// allocating a new one.
func (c *StreamCounter) Current() types.StreamPosition {
	return types.StreamPosition(c.pos.Load())
}
