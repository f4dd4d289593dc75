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

package lifecycle

import (
	"slices"
	"sync/atomic"

	"github.com/hashicorp/go-hclog"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/srediag/extension-host/internal/logging"
	"github.com/srediag/extension-host/internal/metrics"
)

// CleanupManager tracks every live extension process so that disposing the
// host kills them all. Processes leave the registry on their own once
// reaped.
type CleanupManager struct {
	logger   hclog.Logger
	metrics  *metrics.Metrics
	procs    cmap.ConcurrentMap[int, Process]
	disposed atomic.Bool
}

func NewCleanupManager(logger hclog.Logger, m *metrics.Metrics) *CleanupManager {
	return &CleanupManager{
		logger:  logging.OrNull(logger).Named("cleanup"),
		metrics: m,
		procs:   cmap.NewWithCustomShardingFunction[int, Process](func(pid int) uint32 { return uint32(pid) }),
	}
}

// RegisterProcess starts tracking p. Exited or already tracked processes are
// ignored, and after Dispose the process is killed right away.
func (c *CleanupManager) RegisterProcess(p Process) {
	if p == nil || p.Exited() {
		return
	}
	if c.disposed.Load() {
		c.logger.Debug("killing process registered after dispose", "pid", p.Pid())
		_ = p.Kill()
		return
	}
	if !c.procs.SetIfAbsent(p.Pid(), p) {
		return
	}
	c.metrics.SetTrackedProcesses(c.procs.Count())
	go func() {
		<-p.Done()
		c.UnregisterProcess(p)
	}()
	// Dispose may have swept the map before the insert above.
	if c.disposed.Load() {
		c.UnregisterProcess(p)
		_ = p.Kill()
	}
}

// UnregisterProcess stops tracking p. A different process that reused the
// pid stays tracked.
func (c *CleanupManager) UnregisterProcess(p Process) {
	if p == nil {
		return
	}
	c.procs.RemoveCb(p.Pid(), func(_ int, v Process, exists bool) bool {
		return exists && v == p
	})
	c.metrics.SetTrackedProcesses(c.procs.Count())
}

// Count is the number of tracked processes.
func (c *CleanupManager) Count() int {
	return c.procs.Count()
}

// IsZombieProcess reports whether pid is a zombie. Any lookup failure
// answers false.
func (c *CleanupManager) IsZombieProcess(pid int) bool {
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return false
	}
	status, err := proc.Status()
	if err != nil {
		return false
	}
	return slices.Contains(status, process.Zombie)
}

// GetZombieProcesses lists tracked pids that are zombies.
func (c *CleanupManager) GetZombieProcesses() []int {
	var zombies []int
	for _, pid := range c.procs.Keys() {
		if c.IsZombieProcess(pid) {
			zombies = append(zombies, pid)
		}
	}
	slices.Sort(zombies)
	return zombies
}

// Dispose kills every tracked process. Later calls do nothing.
func (c *CleanupManager) Dispose() {
	if !c.disposed.CompareAndSwap(false, true) {
		return
	}
	for _, pid := range c.procs.Keys() {
		p, ok := c.procs.Pop(pid)
		if !ok {
			continue
		}
		if err := p.Kill(); err != nil {
			c.logger.Warn("killing extension process failed", "pid", pid, "error", err)
		}
	}
	c.metrics.SetTrackedProcesses(0)
}
