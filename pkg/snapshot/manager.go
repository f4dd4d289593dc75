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

// Package snapshot tracks snapshot deliveries that have not been
// acknowledged yet and releases their transport resources exactly once,
// on acknowledgment, on expiry or when the extension goes away.
package snapshot

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"
	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/srediag/extension-host/api"
	"github.com/srediag/extension-host/internal/logging"
	"github.com/srediag/extension-host/internal/metrics"
)

const (
	DefaultTTL       = 5 * time.Minute
	minSweepInterval = time.Second
)

// Cleaner releases what a transport holds for one delivered snapshot.
type Cleaner interface {
	Cleanup(md api.ExtensionMetadata)
}

// Options configures a Manager.
type Options struct {
	// Enabled turns the background TTL sweep on.
	Enabled bool
	// TTL applies to extensions registered without a TTL of their own.
	TTL time.Duration
	// SweepInterval defaults to half the smallest TTL in use, at least
	// one second.
	SweepInterval time.Duration
	Logger        hclog.Logger
	Metrics       *metrics.Metrics
}

type entry struct {
	md         api.ExtensionMetadata
	recordedAt time.Time
}

// pendingList keeps the entries of one extension in record order.
type pendingList struct {
	mu      sync.Mutex
	entries []entry
}

func (l *pendingList) remove(seq int64) (api.ExtensionMetadata, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, e := range l.entries {
		if e.md.SequenceNumber == seq {
			l.entries = append(l.entries[:i], l.entries[i+1:]...)
			return e.md, true
		}
	}
	return api.ExtensionMetadata{}, false
}

func (l *pendingList) removeOlderThan(cutoff time.Time) []api.ExtensionMetadata {
	l.mu.Lock()
	defer l.mu.Unlock()
	var expired []api.ExtensionMetadata
	kept := l.entries[:0]
	for _, e := range l.entries {
		if e.recordedAt.Before(cutoff) {
			expired = append(expired, e.md)
		} else {
			kept = append(kept, e)
		}
	}
	l.entries = kept
	return expired
}

func (l *pendingList) drain() []api.ExtensionMetadata {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]api.ExtensionMetadata, 0, len(l.entries))
	for _, e := range l.entries {
		out = append(out, e.md)
	}
	l.entries = nil
	return out
}

func (l *pendingList) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Manager is shared by every extension of a host.
type Manager struct {
	opts    Options
	logger  hclog.Logger
	metrics *metrics.Metrics

	pending    cmap.ConcurrentMap[string, *pendingList]
	transports cmap.ConcurrentMap[string, Cleaner]
	ttls       cmap.ConcurrentMap[string, time.Duration]
	total      atomic.Int64

	sweepMu  sync.Mutex
	cancel   context.CancelFunc
	done     chan struct{}
	disposed atomic.Bool
}

func NewManager(opts Options) *Manager {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	return &Manager{
		opts:       opts,
		logger:     logging.OrNull(opts.Logger).Named("snapshots"),
		metrics:    opts.Metrics,
		pending:    cmap.New[*pendingList](),
		transports: cmap.New[Cleaner](),
		ttls:       cmap.New[time.Duration](),
	}
}

// RegisterTransport sets the cleaner of extID, replacing any previous one.
// Entries of extID expire after ttl; zero keeps the manager's TTL.
func (m *Manager) RegisterTransport(extID string, c Cleaner, ttl time.Duration) {
	if m.disposed.Load() || c == nil {
		return
	}
	m.transports.Set(extID, c)
	if ttl > 0 {
		m.ttls.Set(extID, ttl)
	} else {
		m.ttls.Remove(extID)
	}
}

func (m *Manager) UnregisterTransport(extID string) {
	m.transports.Remove(extID)
	m.ttls.Remove(extID)
}

// TTL is how long an unacknowledged snapshot of extID is kept.
func (m *Manager) TTL(extID string) time.Duration {
	if ttl, ok := m.ttls.Get(extID); ok {
		return ttl
	}
	return m.opts.TTL
}

func (m *Manager) SweepInterval() time.Duration {
	interval := m.opts.SweepInterval
	if interval <= 0 {
		shortest := m.opts.TTL
		for item := range m.ttls.IterBuffered() {
			if item.Val < shortest {
				shortest = item.Val
			}
		}
		interval = shortest / 2
	}
	return max(interval, minSweepInterval)
}

// RecordSnapshot adds a pending entry for md. A sequence number already
// pending for extID is ignored.
func (m *Manager) RecordSnapshot(extID string, md api.ExtensionMetadata) {
	if m.disposed.Load() {
		return
	}
	list := m.pending.Upsert(extID, nil, func(exists bool, cur, _ *pendingList) *pendingList {
		if exists {
			return cur
		}
		return &pendingList{}
	})
	list.mu.Lock()
	for _, e := range list.entries {
		if e.md.SequenceNumber == md.SequenceNumber {
			list.mu.Unlock()
			return
		}
	}
	list.entries = append(list.entries, entry{md: md, recordedAt: time.Now()})
	list.mu.Unlock()

	m.total.Add(1)
	m.metrics.SnapshotRecorded(extID)
}

// HandleAck removes the entry (extID, seq) and cleans it up. It reports
// whether an entry was removed, so a repeated ack returns false.
func (m *Manager) HandleAck(extID string, seq int64) bool {
	md, ok := m.take(extID, seq)
	if !ok {
		return false
	}
	m.metrics.SnapshotAcked(extID)
	m.cleanup(extID, md)
	return true
}

// Forget drops the entry (extID, seq) of a delivery that failed, cleaning
// up what the transport may hold.
func (m *Manager) Forget(extID string, seq int64) bool {
	md, ok := m.take(extID, seq)
	if !ok {
		return false
	}
	m.metrics.SnapshotsDropped(extID, 1)
	m.cleanup(extID, md)
	return true
}

func (m *Manager) take(extID string, seq int64) (api.ExtensionMetadata, bool) {
	list, ok := m.pending.Get(extID)
	if !ok {
		return api.ExtensionMetadata{}, false
	}
	md, ok := list.remove(seq)
	if ok {
		m.total.Add(-1)
	}
	return md, ok
}

// CleanupExtensionSnapshots removes and cleans every entry of extID. It
// returns how many there were.
func (m *Manager) CleanupExtensionSnapshots(extID string) int {
	list, ok := m.pending.Get(extID)
	if !ok {
		return 0
	}
	mds := list.drain()
	if len(mds) == 0 {
		return 0
	}
	m.total.Add(-int64(len(mds)))
	m.metrics.SnapshotsDropped(extID, len(mds))
	for _, md := range mds {
		m.cleanup(extID, md)
	}
	return len(mds)
}

// ExpireStale removes entries older than the TTL of their extension and
// returns how many were removed.
func (m *Manager) ExpireStale() int {
	now := time.Now()
	n := 0
	for item := range m.pending.IterBuffered() {
		expired := item.Val.removeOlderThan(now.Add(-m.TTL(item.Key)))
		if len(expired) == 0 {
			continue
		}
		m.total.Add(-int64(len(expired)))
		m.metrics.SnapshotsExpired(item.Key, len(expired))
		for _, md := range expired {
			m.logger.Debug("snapshot expired without ack", "extension", item.Key, "seq", md.SequenceNumber)
			m.cleanup(item.Key, md)
		}
		n += len(expired)
	}
	return n
}

func (m *Manager) cleanup(extID string, md api.ExtensionMetadata) {
	c, ok := m.transports.Get(extID)
	if !ok {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("transport cleanup panicked", "extension", extID, "seq", md.SequenceNumber, "panic", r)
		}
	}()
	c.Cleanup(md)
}

// Start runs the TTL sweep until Stop is called or ctx is done. Either way
// the remaining entries are cleaned up. It does nothing when the sweep is
// disabled or already running.
func (m *Manager) Start(ctx context.Context) {
	if !m.opts.Enabled || m.disposed.Load() {
		return
	}
	m.sweepMu.Lock()
	defer m.sweepMu.Unlock()
	if m.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.sweep(ctx, m.done)
}

func (m *Manager) sweep(ctx context.Context, done chan struct{}) {
	defer close(done)
	// The interval is recomputed every round since extensions register
	// their TTL as they start.
	timer := time.NewTimer(m.SweepInterval())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			m.cleanAll()
			return
		case <-timer.C:
			if n := m.ExpireStale(); n > 0 {
				m.logger.Info("expired stale snapshots", "count", n)
			}
			timer.Reset(m.SweepInterval())
		}
	}
}

// Stop ends the sweep and cleans every pending entry. It waits for the
// sweep goroutine until ctx is done.
func (m *Manager) Stop(ctx context.Context) error {
	m.sweepMu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.sweepMu.Unlock()

	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	m.cleanAll()
	return nil
}

func (m *Manager) cleanAll() {
	for _, extID := range m.pending.Keys() {
		m.CleanupExtensionSnapshots(extID)
	}
}

// PendingCount is the number of unacknowledged snapshots of extID.
func (m *Manager) PendingCount(extID string) int {
	list, ok := m.pending.Get(extID)
	if !ok {
		return 0
	}
	return list.len()
}

func (m *Manager) TotalPending() int {
	return int(m.total.Load())
}

// Dispose stops the sweep and cleans every pending entry. Later calls do
// nothing.
func (m *Manager) Dispose() {
	if !m.disposed.CompareAndSwap(false, true) {
		return
	}
	_ = m.Stop(context.Background())
	m.transports.Clear()
	m.ttls.Clear()
}
