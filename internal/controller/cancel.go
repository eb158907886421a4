// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package controller

import (
	"context"
	"sync"
)

// =============================================================================
// CANCEL MANAGEMENT
// =============================================================================

// cancelManager owns the cancel function of the in-flight generation and
// arbitrates between abort and completion: once sealed, abort is a no-op,
// and once aborted, seal fails. Exactly one of the two wins.
type cancelManager struct {
	mu         sync.Mutex
	cancelFunc context.CancelFunc
	sealed     bool
	aborted    bool
}

func newCancelManager() *cancelManager {
	return &cancelManager{}
}

// arm stores the cancel function of a new generation.
func (cm *cancelManager) arm(fn context.CancelFunc) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.cancelFunc = fn
	cm.sealed = false
	cm.aborted = false
}

// abort cancels the generation unless it has already been sealed. It reports
// whether a cancellation happened.
func (cm *cancelManager) abort() bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cm.sealed || cm.cancelFunc == nil {
		return false
	}
	cm.aborted = true
	cm.cancelFunc()
	cm.cancelFunc = nil
	return true
}

// seal commits the generation to the completion path. It fails when the
// generation was aborted or ctx is already done.
func (cm *cancelManager) seal(ctx context.Context) bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cm.aborted || ctx.Err() != nil {
		return false
	}
	cm.sealed = true
	return true
}

// clear releases the generation's context. Safe to call more than once.
func (cm *cancelManager) clear() {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cm.cancelFunc != nil {
		cm.cancelFunc()
		cm.cancelFunc = nil
	}
}
