/*
 * Copyright 2025 SREDiag Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package extension

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/srediag/extension-host/pkg/lifecycle"
)

// supervise watches one started process until ctx is cancelled, the process
// exits, it misses too many heartbeats, a delivery to it stalls or it stays
// idle too long.
func (e *Extension) supervise(ctx context.Context, proc *lifecycle.ExecProcess, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(e.cfg.HealthCheckInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-proc.Done():
			e.onFault(proc, fmt.Sprintf("Process exited unexpectedly with code %d", proc.ExitCode()))
			return
		case <-ticker.C:
			if e.cleanup.IsZombieProcess(proc.Pid()) && !proc.Exited() {
				e.logger.Warn("extension process is a zombie", "pid", proc.Pid())
			}
			if stalled := e.busyStalled(); stalled > 0 {
				e.onFault(proc, fmt.Sprintf("Busy for %s without completing a delivery", stalled.Round(time.Second)))
				// The stuck write only returns once stdin is closed.
				_ = proc.Stdin().Close()
				_ = proc.Kill()
				return
			}
			if e.caps.SupportsHeartbeat {
				if e.heartbeat.Exceeded() {
					e.onFault(proc, fmt.Sprintf("Missed %d heartbeats", e.heartbeat.Missed()))
					return
				}
				e.SendHeartbeat(ctx)
			}
			if e.idleExpired() {
				e.logger.Info("stopping idle extension")
				go e.Stop(e.life, false)
				return
			}
		}
	}
}

// livenessWindow is how long a process may go without proving it is alive:
// one health check per allowed missed heartbeat, plus one.
func (e *Extension) livenessWindow() time.Duration {
	return e.cfg.HealthCheckInterval() * time.Duration(e.caps.MaxMissedHeartbeats+1)
}

// busyStalled returns how long the current delivery has been running when
// that exceeds the liveness window, zero otherwise.
func (e *Extension) busyStalled() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateBusy {
		return 0
	}
	if d := time.Since(e.busySince); d > e.livenessWindow() {
		return d
	}
	return 0
}

func (e *Extension) idleExpired() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.caps.IdleTimeout <= 0 {
		return false
	}
	return e.state == StateIdle && time.Since(e.lastActivity) > e.caps.IdleTimeout
}

// onFault moves a running extension to Error and restarts it in the
// background. Faults of a replaced process are ignored.
func (e *Extension) onFault(proc *lifecycle.ExecProcess, reason string) {
	if e.disposed.Load() {
		return
	}
	e.mu.Lock()
	if e.proc != proc || e.state == StateError {
		e.mu.Unlock()
		return
	}
	change, ok := e.setStateLocked(StateError, reason)
	e.mu.Unlock()

	e.logger.Warn("extension fault", "reason", reason)
	e.def.MarkUnavailable(reason)
	if ok {
		e.emit(change)
	}
	go e.autoRestart()
}

// autoRestart retries until a restart succeeds, the budget runs out or
// someone else takes over.
func (e *Extension) autoRestart() {
	for !e.disposed.Load() {
		if e.TryRestart(e.life) {
			return
		}
		if e.restarting.Load() || e.State() != StateError || e.restartsExhausted() {
			return
		}
	}
}

func (e *Extension) restartsExhausted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.restartCount >= e.cfg.MaxRestartAttempts
}

// TryRestart restarts the process within the restart budget. Only one
// caller restarts at a time, the others get false.
func (e *Extension) TryRestart(ctx context.Context) bool {
	if e.disposed.Load() || !e.def.HasCommand() {
		return false
	}
	if !e.restarting.CompareAndSwap(false, true) {
		return false
	}
	defer e.restarting.Store(false)

	e.mu.Lock()
	if e.cfg.MaxRestartAttempts == 0 || e.restartCount >= e.cfg.MaxRestartAttempts {
		e.mu.Unlock()
		e.logger.Warn("restart budget exhausted", "attempts", e.cfg.MaxRestartAttempts)
		return false
	}
	cooldown := e.budget.NextBackOff()
	if cooldown == backoff.Stop {
		e.mu.Unlock()
		return false
	}
	var wait time.Duration
	if !e.lastRestart.IsZero() {
		wait = cooldown - time.Since(e.lastRestart)
	}
	e.restartCount++
	attempt := e.restartCount
	e.mu.Unlock()

	if wait > 0 {
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return false
		}
	}
	if e.disposed.Load() {
		return false
	}

	e.metrics.RestartAttempted(e.def.ID)
	e.logger.Info("restarting extension", "attempt", attempt, "max", e.cfg.MaxRestartAttempts)

	e.startMu.Lock()
	e.stopProcess(ctx, false, StateUnloaded, "restarting")
	e.startMu.Unlock()

	e.mu.Lock()
	e.lastRestart = time.Now()
	e.mu.Unlock()
	return e.EnsureStarted(ctx)
}

// TryRecoverFromError starts an extension that is in Error. A successful
// recovery resets the restart budget.
func (e *Extension) TryRecoverFromError(ctx context.Context) bool {
	if e.disposed.Load() || e.State() != StateError {
		return false
	}
	if !e.EnsureStarted(ctx) {
		return false
	}
	e.resetRestarts()
	return true
}

func (e *Extension) resetRestarts() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.restartCount = 0
	e.lastRestart = time.Time{}
	e.budget.Reset()
}
