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
	"errors"
	"fmt"
	"iter"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-hclog"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/panjf2000/ants/v2"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/srediag/extension-host/api"
	"github.com/srediag/extension-host/internal/logging"
	"github.com/srediag/extension-host/internal/metrics"
	"github.com/srediag/extension-host/pkg/audit"
	"github.com/srediag/extension-host/pkg/config"
	"github.com/srediag/extension-host/pkg/lifecycle"
	"github.com/srediag/extension-host/pkg/snapshot"
)

// maxStartWorkers bounds how many extensions start or stop at once.
const maxStartWorkers = 8

var ErrManagerDisposed = errors.New("extension manager is disposed")

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	Config         *config.ExtensionConfig
	Logger         hclog.Logger
	TracerProvider trace.TracerProvider
	Metrics        *metrics.Metrics
	// JournalSize bounds the state transition journal.
	JournalSize int
}

// Manager loads extension definitions and owns one Extension per
// definition.
type Manager struct {
	cfg       *config.ExtensionConfig
	logger    hclog.Logger
	tracer    trace.Tracer
	metrics   *metrics.Metrics
	cleanup   *lifecycle.CleanupManager
	snapshots *snapshot.Manager
	journal   *audit.Journal
	pool      *ants.Pool

	mu   sync.RWMutex
	defs []*config.ExtensionDefinition

	extensions cmap.ConcurrentMap[string, *Extension]
	bindings   cmap.ConcurrentMap[string, *SessionBindingInfo]

	life       context.Context
	lifeCancel context.CancelFunc
	started    atomic.Bool
	disposed   atomic.Bool
}

// NewManager validates the configuration and builds an idle manager.
func NewManager(opts ManagerOptions) (*Manager, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid extension config: %w", err)
	}
	logger := logging.OrNull(opts.Logger).Named("extensions")
	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}
	tp := opts.TracerProvider
	if tp == nil {
		tp = noop.NewTracerProvider()
	}
	pool, err := ants.NewPool(maxStartWorkers)
	if err != nil {
		return nil, fmt.Errorf("creating worker pool: %w", err)
	}
	life, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:     cfg,
		logger:  logger,
		tracer:  tp.Tracer(tracerName),
		metrics: m,
		cleanup: lifecycle.NewCleanupManager(logger, m),
		snapshots: snapshot.NewManager(snapshot.Options{
			Enabled: cfg.Enabled,
			TTL:     cfg.SnapshotTTL(),
			Logger:  logger,
			Metrics: m,
		}),
		journal:    audit.NewJournal(opts.JournalSize, logger),
		pool:       pool,
		extensions: cmap.New[*Extension](),
		bindings:   cmap.New[*SessionBindingInfo](),
		life:       life,
		lifeCancel: cancel,
	}, nil
}

// Config is the validated configuration.
func (m *Manager) Config() *config.ExtensionConfig { return m.cfg }

// Start loads the extensions file and starts every extension with a
// command. A missing or malformed file means no extensions. Duplicate ids
// are an error. Start runs once, later calls return nil.
func (m *Manager) Start(ctx context.Context) error {
	if m.disposed.Load() {
		return ErrManagerDisposed
	}
	if !m.started.CompareAndSwap(false, true) {
		return nil
	}
	if !m.cfg.Enabled {
		m.logger.Info("extensions are disabled")
		return nil
	}

	file, err := config.LoadFile(m.cfg.ConfigPath)
	switch {
	case errors.Is(err, config.ErrDuplicateID):
		return err
	case err != nil:
		m.logger.Warn("no extensions loaded", "path", m.cfg.ConfigPath, "error", err)
	}
	defs := file.Definitions(m.logger)
	m.mu.Lock()
	m.defs = defs
	m.mu.Unlock()

	m.snapshots.Start(m.life)

	var wg sync.WaitGroup
	for _, def := range defs {
		ext := New(Options{
			Definition: def,
			Config:     m.cfg,
			Cleanup:    m.cleanup,
			Snapshots:  m.snapshots,
			Journal:    m.journal,
			Metrics:    m.metrics,
			Tracer:     m.tracer,
			Logger:     m.logger,
		})
		m.extensions.Set(def.ID, ext)
		if !def.HasCommand() {
			continue
		}
		wg.Add(1)
		m.submit(func() {
			defer wg.Done()
			if !ext.EnsureStarted(ctx) {
				m.logger.Warn("extension failed to start", "id", ext.ID(), "reason", def.UnavailableReason())
			}
		})
	}
	wg.Wait()
	m.logger.Info("extensions loaded", "count", len(defs))
	return nil
}

// submit runs task on the pool, or inline when the pool refuses it.
func (m *Manager) submit(task func()) {
	if err := m.pool.Submit(task); err != nil {
		task()
	}
}

// Stop stops and disposes every extension. It is safe when never started.
func (m *Manager) Stop(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, ext := range m.extensions.Items() {
		wg.Add(1)
		m.submit(func() {
			defer wg.Done()
			ext.Stop(ctx, false)
			ext.Dispose(ctx)
		})
	}
	wg.Wait()
	return m.snapshots.Stop(ctx)
}

// Dispose stops everything and kills any process left behind. Later calls
// do nothing.
func (m *Manager) Dispose(ctx context.Context) {
	if !m.disposed.CompareAndSwap(false, true) {
		return
	}
	if err := m.Stop(ctx); err != nil {
		m.logger.Warn("stopping extensions", "error", err)
	}
	m.lifeCancel()
	m.cleanup.Dispose()
	m.snapshots.Dispose()
	m.bindings.Clear()
	m.pool.Release()
}

func (m *Manager) definitions() []*config.ExtensionDefinition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.defs
}

// GetExtension returns the extension id, nil when unknown or unavailable.
func (m *Manager) GetExtension(id string) *Extension {
	if m.disposed.Load() {
		return nil
	}
	ext, ok := m.extensions.Get(id)
	if !ok || ext.IsDisposed() || !ext.Definition().IsAvailable() {
		return nil
	}
	return ext
}

// available reports whether def can take work: it is marked available and
// its extension, once created, is not disposed.
func (m *Manager) available(def *config.ExtensionDefinition) bool {
	if !def.IsAvailable() {
		return false
	}
	ext, ok := m.extensions.Get(def.ID)
	return !ok || !ext.IsDisposed()
}

// GetRunningExtension returns the extension id unless it was never started.
func (m *Manager) GetRunningExtension(id string) *Extension {
	if m.disposed.Load() {
		return nil
	}
	ext, ok := m.extensions.Get(id)
	if !ok {
		return nil
	}
	switch ext.State() {
	case StateUnloaded, StateDisposed:
		return nil
	}
	return ext
}

// FindExtensionsForDocument yields the available definitions accepting the
// document type and format. The sequence is evaluated on every iteration.
func (m *Manager) FindExtensionsForDocument(documentType, format string) iter.Seq[*config.ExtensionDefinition] {
	return func(yield func(*config.ExtensionDefinition) bool) {
		if m.disposed.Load() {
			return
		}
		for _, def := range m.definitions() {
			if !def.Matches(documentType, format) || !m.available(def) {
				continue
			}
			if !yield(def) {
				return
			}
		}
	}
}

// ListExtensions yields every loaded definition, available or not.
func (m *Manager) ListExtensions() iter.Seq[*config.ExtensionDefinition] {
	return func(yield func(*config.ExtensionDefinition) bool) {
		if m.disposed.Load() {
			return
		}
		for _, def := range m.definitions() {
			if !yield(def) {
				return
			}
		}
	}
}

// HandleAck routes the ack of snapshot seq to extension extID.
func (m *Manager) HandleAck(extID string, seq int64) bool {
	if m.disposed.Load() {
		return false
	}
	ext, ok := m.extensions.Get(extID)
	if !ok {
		return false
	}
	return ext.HandleAck(seq, api.AckOK, "")
}

// DrainEvents returns and forgets the recorded state transitions.
func (m *Manager) DrainEvents() []audit.Event {
	if m.disposed.Load() {
		return nil
	}
	return m.journal.Drain()
}

// Registry holds the manager metrics.
func (m *Manager) Registry() *prometheus.Registry {
	return m.metrics.Registry
}

// PendingSnapshots is the number of unacknowledged snapshots.
func (m *Manager) PendingSnapshots() int {
	return m.snapshots.TotalPending()
}
