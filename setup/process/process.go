// Copyright 2024 New Vector Ltd.
// Copyright 2022 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package process

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"
)

// ProcessContext tracks the lifetime of the long running components of
// the service so that shutdown can wait for them.
type ProcessContext struct {
	mu       sync.RWMutex
	wg       sync.WaitGroup      // used to wait for components to shutdown
	ctx      context.Context     // cancelled when Stop is called
	shutdown context.CancelFunc  // shut down Dendrite
	degraded map[string]struct{} // reasons why the process is degraded
	stopped  atomic.Bool
}

func NewProcessContext() *ProcessContext {
	ctx, shutdown := context.WithCancel(context.Background())
	return &ProcessContext{
		ctx:      ctx,
		shutdown: shutdown,
		degraded: make(map[string]struct{}),
	}
}

func (b *ProcessContext) Context() context.Context {
	return b.ctx
}

func (b *ProcessContext) ComponentStarted() {
	b.wg.Add(1)
}

func (b *ProcessContext) ComponentFinished() {
	b.wg.Done()
}

// ShutdownDendrite cancels the process context. It is safe to call more
// than once.
func (b *ProcessContext) ShutdownDendrite() {
	if b.stopped.CompareAndSwap(false, true) {
		b.shutdown()
	}
}

// WaitForShutdown returns a channel that is closed once the context has
// been cancelled and every started component has finished.
func (b *ProcessContext) WaitForShutdown() <-chan struct{} {
	done := make(chan struct{})
	go func() {
		<-b.ctx.Done()
		b.wg.Wait()
		close(done)
	}()
	return done
}

// Degraded marks the process as degraded for the given reason. The
// reason is logged the first time it is seen.
func (b *ProcessContext) Degraded(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.degraded[err.Error()]; !ok {
		logrus.WithError(err).Warn("Dendrite is running in a degraded state")
		b.degraded[err.Error()] = struct{}{}
	}
}

// IsDegraded returns the reasons the process is degraded, if any.
func (b *ProcessContext) IsDegraded() (bool, []string) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.degraded) == 0 {
		return false, nil
	}
	reasons := make([]string, 0, len(b.degraded))
	for reason := range b.degraded {
		reasons = append(reasons, reason)
	}
	return true, reasons
}
