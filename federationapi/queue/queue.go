// Copyright 2024 New Vector Ltd.
// Copyright 2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package queue

import (
	"context"
	"sync"

	"github.com/Arceliar/phony"
	"github.com/matrix-org/gomatrixserverlib"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/element-hq/slidingsync/setup/config"
)

// ErrQueueFull is returned when a room already has as many EDUs waiting
// as the configured depth allows.
var ErrQueueFull = errors.New("outbound EDU queue is full")

// EDUSender delivers an EDU to the other servers in a room.
type EDUSender interface {
	SendEDU(ctx context.Context, roomID string, edu *gomatrixserverlib.EDU) error
}

// OutgoingQueues is a collection of per-room queues. EDUs for the same
// room are handed to the sender in the order they were queued, while
// different rooms don't wait for each other.
type OutgoingQueues struct {
	process context.Context
	sender  EDUSender
	depth   int

	queuesMutex sync.Mutex // protects the below
	queues      map[string]*roomQueue
}

// NewOutgoingQueues makes a new OutgoingQueues. Queued EDUs are sent with
// ctx, so cancelling it abandons whatever is still queued.
func NewOutgoingQueues(ctx context.Context, cfg *config.FederationAPI, sender EDUSender) *OutgoingQueues {
	return &OutgoingQueues{
		process: ctx,
		sender:  sender,
		depth:   cfg.EDUQueueDepth,
		queues:  map[string]*roomQueue{},
	}
}

type roomQueue struct {
	phony.Inbox
	queues  *OutgoingQueues
	roomID  string
	pending int // guarded by queuesMutex
}

// SendEDUToRoom queues the EDU for the room. It returns once the EDU is
// queued, not when it has been sent.
func (oqs *OutgoingQueues) SendEDUToRoom(_ context.Context, roomID string, edu *gomatrixserverlib.EDU) error {
	if edu == nil {
		return errors.New("nil EDU")
	}
	oqs.queuesMutex.Lock()
	oq, ok := oqs.queues[roomID]
	if !ok {
		oq = &roomQueue{
			queues: oqs,
			roomID: roomID,
		}
		oqs.queues[roomID] = oq
	}
	if oq.pending >= oqs.depth {
		oqs.queuesMutex.Unlock()
		droppedEDUs.WithLabelValues("queue_full").Inc()
		return errors.Wrapf(ErrQueueFull, "room %s", roomID)
	}
	oq.pending++
	oqs.queuesMutex.Unlock()

	observeSendQueueDepth(1)
	oq.Act(nil, func() {
		oq.send(edu)
	})
	return nil
}

// Pending returns the number of EDUs waiting for the room.
func (oqs *OutgoingQueues) Pending(roomID string) int {
	oqs.queuesMutex.Lock()
	defer oqs.queuesMutex.Unlock()
	if oq, ok := oqs.queues[roomID]; ok {
		return oq.pending
	}
	return 0
}

// done removes a sent EDU from the count, forgetting the room's queue
// once nothing is waiting on it.
func (oq *roomQueue) done() {
	oqs := oq.queues
	oqs.queuesMutex.Lock()
	defer oqs.queuesMutex.Unlock()
	oq.pending--
	if oq.pending == 0 && oqs.queues[oq.roomID] == oq {
		delete(oqs.queues, oq.roomID)
	}
}

func (oq *roomQueue) send(edu *gomatrixserverlib.EDU) {
	defer func() {
		observeSendQueueDepth(-1)
		oq.done()
	}()
	ctx := oq.queues.process
	if ctx.Err() != nil {
		droppedEDUs.WithLabelValues("shutdown").Inc()
		return
	}
	if err := oq.queues.sender.SendEDU(ctx, oq.roomID, edu); err != nil {
		droppedEDUs.WithLabelValues("send_failed").Inc()
		logrus.WithError(err).WithFields(logrus.Fields{
			"room_id": oq.roomID,
			"type":    edu.Type,
		}).Warn("Failed to send EDU")
	}
}
