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

// Package extension supervises extension processes: it starts them, checks
// their health, restarts them within a budget and delivers snapshots and
// commands to them. Manager owns every Extension of a host.
package extension

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/srediag/extension-host/api"
	"github.com/srediag/extension-host/internal/logging"
	"github.com/srediag/extension-host/internal/metrics"
	"github.com/srediag/extension-host/pkg/audit"
	"github.com/srediag/extension-host/pkg/config"
	"github.com/srediag/extension-host/pkg/health"
	"github.com/srediag/extension-host/pkg/lifecycle"
	"github.com/srediag/extension-host/pkg/snapshot"
	"github.com/srediag/extension-host/pkg/transport"
)

const tracerName = "github.com/srediag/extension-host/pkg/extension"

const (
	// shutdownSendTimeout bounds writing the shutdown message to a process
	// that may have stopped reading.
	shutdownSendTimeout = time.Second
	stoppedReason       = "Extension stopped"
)

var (
	ErrDisposed   = errors.New("extension is disposed")
	ErrNotRunning = errors.New("extension is not running")
	ErrNoCommand  = errors.New("extension has no command")
)

// Options wires an Extension to the shared services of its host. Nil
// services are replaced by private ones.
type Options struct {
	Definition *config.ExtensionDefinition
	Config     *config.ExtensionConfig
	Cleanup    *lifecycle.CleanupManager
	Snapshots  *snapshot.Manager
	Journal    *audit.Journal
	Metrics    *metrics.Metrics
	Tracer     trace.Tracer
	Logger     hclog.Logger
}

// Extension owns one extension process, its transport and its state.
type Extension struct {
	def       *config.ExtensionDefinition
	cfg       *config.ExtensionConfig
	caps      config.EffectiveCapabilities
	cleanup   *lifecycle.CleanupManager
	snapshots *snapshot.Manager
	journal   *audit.Journal
	metrics   *metrics.Metrics
	tracer    trace.Tracer
	logger    hclog.Logger

	// startMu serializes starting and stopping the process.
	startMu sync.Mutex
	// sendMu serializes snapshot deliveries.
	sendMu sync.Mutex

	mu              sync.Mutex
	state           State
	proc            *lifecycle.ExecProcess
	conn            *conn
	transport       transport.Transport
	superviseCancel context.CancelFunc
	superviseDone   chan struct{}
	lastActivity    time.Time
	busySince       time.Time
	restartCount    int
	lastRestart     time.Time
	budget          backoff.BackOff
	listeners       []func(StateChange)

	life       context.Context
	lifeCancel context.CancelFunc
	restarting atomic.Bool
	disposed   atomic.Bool
	seq        atomic.Int64
	beatID     atomic.Uint64
	heartbeat  *health.Tracker
}

// New builds an Extension in the Unloaded state. No process is started.
func New(opts Options) *Extension {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	logger := logging.OrNull(opts.Logger).Named(opts.Definition.ID)
	caps, warnings := opts.Definition.Capabilities.Resolve(cfg)
	for _, w := range warnings {
		logger.Warn("capability override clamped", "detail", w)
	}
	if opts.Cleanup == nil {
		opts.Cleanup = lifecycle.NewCleanupManager(logger, opts.Metrics)
	}
	if opts.Snapshots == nil {
		opts.Snapshots = snapshot.NewManager(snapshot.Options{TTL: caps.SnapshotTTL, Logger: logger, Metrics: opts.Metrics})
	}
	if opts.Tracer == nil {
		opts.Tracer = noop.NewTracerProvider().Tracer(tracerName)
	}
	life, cancel := context.WithCancel(context.Background())
	return &Extension{
		def:        opts.Definition,
		cfg:        cfg,
		caps:       caps,
		cleanup:    opts.Cleanup,
		snapshots:  opts.Snapshots,
		journal:    opts.Journal,
		metrics:    opts.Metrics,
		tracer:     opts.Tracer,
		logger:     logger,
		budget:     restartBudget(cfg),
		life:       life,
		lifeCancel: cancel,
		heartbeat:  health.NewTracker(caps.MaxMissedHeartbeats),
	}
}

// restartBudget allows MaxRestartAttempts restarts spaced by a fixed
// cooldown.
func restartBudget(cfg *config.ExtensionConfig) backoff.BackOff {
	return backoff.WithMaxRetries(backoff.NewConstantBackOff(cfg.RestartCooldown()), uint64(cfg.MaxRestartAttempts))
}

func (e *Extension) ID() string                                 { return e.def.ID }
func (e *Extension) Definition() *config.ExtensionDefinition    { return e.def }
func (e *Extension) Capabilities() config.EffectiveCapabilities { return e.caps }
func (e *Extension) IsDisposed() bool                           { return e.disposed.Load() }

func (e *Extension) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Extension) LastActivity() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastActivity
}

func (e *Extension) RestartCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.restartCount
}

// NextSequence returns the next snapshot sequence number, starting at 1.
// Numbers keep increasing across restarts.
func (e *Extension) NextSequence() int64 {
	return e.seq.Add(1)
}

// OnStateChanged adds a listener called synchronously after every
// transition, outside the extension lock.
func (e *Extension) OnStateChanged(fn func(StateChange)) {
	if fn == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, fn)
}

// CanHandle reports whether the extension is available and accepts the
// document type and format. Empty sets accept everything.
func (e *Extension) CanHandle(documentType, format string) bool {
	if e.disposed.Load() {
		return false
	}
	return e.def.IsAvailable() && e.def.Matches(documentType, format)
}

func (e *Extension) touch() {
	e.mu.Lock()
	e.lastActivity = time.Now()
	e.mu.Unlock()
}

// setStateLocked changes the state and returns the change to emit once
// e.mu is released. Disposed is terminal.
func (e *Extension) setStateLocked(to State, reason string) (StateChange, bool) {
	from := e.state
	if from == to || from == StateDisposed {
		return StateChange{}, false
	}
	e.state = to
	return StateChange{ExtensionID: e.def.ID, From: from, To: to, Reason: reason, At: time.Now()}, true
}

// transition moves to the given state unless disposed.
func (e *Extension) transition(to State, reason string) {
	e.mu.Lock()
	change, ok := e.setStateLocked(to, reason)
	e.mu.Unlock()
	if ok {
		e.emit(change)
	}
}

// transitionFrom moves to the given state only from the expected one.
func (e *Extension) transitionFrom(from, to State, reason string) bool {
	e.mu.Lock()
	if e.state != from {
		e.mu.Unlock()
		return false
	}
	change, ok := e.setStateLocked(to, reason)
	e.mu.Unlock()
	if ok {
		e.emit(change)
	}
	return ok
}

func (e *Extension) emit(change StateChange) {
	e.mu.Lock()
	listeners := append([]func(StateChange){}, e.listeners...)
	e.mu.Unlock()

	e.metrics.SetState(change.ExtensionID, change.To.String(), allStateNames())
	if e.journal != nil {
		e.journal.Record(audit.Event{
			ExtensionID: change.ExtensionID,
			From:        change.From.String(),
			To:          change.To.String(),
			Reason:      change.Reason,
			At:          change.At,
		})
	}
	for _, fn := range listeners {
		fn(change)
	}
}

// fail marks the definition unavailable and moves to Error.
func (e *Extension) fail(reason string) {
	e.logger.Warn("extension unavailable", "reason", reason)
	e.def.MarkUnavailable(reason)
	e.transition(StateError, reason)
}

// EnsureStarted starts the process and completes the handshake unless it is
// already running. It reports whether the extension is running.
func (e *Extension) EnsureStarted(ctx context.Context) bool {
	if e.disposed.Load() || !e.def.HasCommand() {
		return false
	}
	e.startMu.Lock()
	defer e.startMu.Unlock()
	if e.disposed.Load() {
		return false
	}
	if e.State().Running() {
		return true
	}

	ctx, span := e.tracer.Start(ctx, "extension.handshake",
		trace.WithAttributes(attribute.String("extension.id", e.def.ID)))
	defer span.End()

	if err := e.start(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false
	}
	return true
}

// start runs with startMu held.
func (e *Extension) start(ctx context.Context) error {
	e.mu.Lock()
	stale, cur := e.proc != nil, e.state
	e.mu.Unlock()
	if stale {
		e.stopProcess(ctx, false, cur, "")
	}
	e.transition(StateStarting, "")

	cmd := e.def.Command
	proc, err := lifecycle.Start(lifecycle.Spec{
		Path: cmd.Executable,
		Args: cmd.Arguments,
		Dir:  cmd.WorkingDirectory,
		Env:  cmd.Environment,
	}, e.logger)
	if err != nil {
		err = fmt.Errorf("Initialization failed: %w", err)
		e.fail(err.Error())
		return err
	}
	e.cleanup.RegisterProcess(proc)

	c := newConn(proc.Stdin(), e.logger)
	c.onHeartbeatAck = e.heartbeat.Acked
	c.onSnapshotAck = func(ack api.Ack) {
		e.HandleAck(*ack.SequenceNumber, ack.Status, ack.Error)
	}
	c.run(proc.Stdout())

	e.mu.Lock()
	e.proc, e.conn = proc, c
	e.mu.Unlock()

	abort := func(reason string) error {
		e.logger.Warn("extension unavailable", "reason", reason)
		e.metrics.HandshakeFailed(e.def.ID)
		e.def.MarkUnavailable(reason)
		e.stopProcess(ctx, false, StateError, reason)
		return errors.New(reason)
	}

	mode, err := transport.Select(e.def.TransportModes, e.def.PreferredTransportMode, e.cfg.DefaultTransportMode)
	if err != nil {
		return abort("Initialization failed: " + err.Error())
	}
	tr, err := transport.New(mode, e.def.ID, c.ch, transport.Options{
		Dir:            e.cfg.TransportDirectory,
		MaxPayloadSize: e.cfg.MaxSnapshotSizeBytes,
		MinFreeSpace:   uint64(e.cfg.MinFreeDiskSpaceBytes),
		Logger:         e.logger,
	})
	if err != nil {
		return abort("Initialization failed: " + err.Error())
	}
	e.mu.Lock()
	e.transport = tr
	e.mu.Unlock()

	err = c.ch.Send(ctx, api.InitializeRequest{
		Type:              api.MessageInitialize,
		ProtocolVersion:   e.def.ProtocolVersion,
		ExtensionID:       e.def.ID,
		TransportMode:     string(mode),
		SupportsHeartbeat: e.caps.SupportsHeartbeat,
		FrameIntervalMs:   int(e.caps.FrameInterval.Milliseconds()),
	})
	if err != nil {
		return abort("Handshake failed: " + err.Error())
	}

	timeout := e.cfg.HandshakeTimeout()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	var resp api.InitializeResponse
	select {
	case resp = <-c.initResp:
	case <-c.closed:
		return abort("Handshake failed: process exited before responding")
	case <-timer.C:
		return abort(fmt.Sprintf("Handshake timed out after %s", timeout))
	case <-ctx.Done():
		return abort("Handshake failed: " + ctx.Err().Error())
	}
	if e.disposed.Load() {
		e.stopProcess(ctx, false, StateUnloaded, "disposed")
		return ErrDisposed
	}

	e.def.ApplyHandshake(resp)
	e.def.MarkAvailable()
	e.snapshots.RegisterTransport(e.def.ID, tr, e.caps.SnapshotTTL)
	e.heartbeat.Reset()

	superviseCtx, cancel := context.WithCancel(e.life)
	done := make(chan struct{})
	e.mu.Lock()
	e.superviseCancel, e.superviseDone = cancel, done
	e.lastActivity = time.Now()
	change, ok := e.setStateLocked(StateIdle, "")
	e.mu.Unlock()
	if ok {
		e.emit(change)
	}
	go e.supervise(superviseCtx, proc, done)

	e.logger.Info("extension started", "pid", proc.Pid(), "name", resp.Name, "version", resp.Version, "transport", string(mode))
	return nil
}

// stopProcess tears down the process, its connection and transport, and
// moves to the given state. Callers hold startMu. When graceful the process
// gets a shutdown message and the grace period before being killed. A Busy
// process gets no shutdown message: a delivery is stuck on its stdin and
// closing stdin is what releases it.
func (e *Extension) stopProcess(ctx context.Context, graceful bool, to State, reason string) {
	e.mu.Lock()
	proc, c, tr := e.proc, e.conn, e.transport
	busy := e.state == StateBusy
	cancel, done := e.superviseCancel, e.superviseDone
	e.proc, e.conn, e.transport = nil, nil, nil
	e.superviseCancel, e.superviseDone = nil, nil
	change, changed := e.setStateLocked(to, reason)
	e.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	if proc != nil {
		grace := time.Duration(0)
		if graceful && c != nil && !busy && !proc.Exited() {
			sendCtx, sendCancel := context.WithTimeout(ctx, shutdownSendTimeout)
			err := c.ch.Send(sendCtx, api.Shutdown{Type: api.MessageShutdown, Reason: reason})
			sendCancel()
			if err == nil {
				grace = e.cfg.ShutdownGrace()
			} else {
				e.logger.Debug("shutdown message not delivered", "error", err)
			}
		}
		_ = proc.Stdin().Close()
		if err := lifecycle.Stop(ctx, proc, grace); err != nil {
			e.logger.Warn("killing extension process failed", "pid", proc.Pid(), "error", err)
		}
		_ = proc.Stdout().Close()
		e.cleanup.UnregisterProcess(proc)
	}
	if c != nil {
		c.close()
	}
	if n := e.snapshots.CleanupExtensionSnapshots(e.def.ID); n > 0 {
		e.logger.Debug("dropped unacknowledged snapshots", "count", n)
	}
	e.snapshots.UnregisterTransport(e.def.ID)
	if tr != nil {
		if err := tr.Close(); err != nil {
			e.logger.Warn("closing transport failed", "error", err)
		}
	}
	if changed {
		e.emit(change)
	}
}

// SendSnapshot delivers data described by md. A zero sequence number is
// replaced by NextSequence. It reports whether the transport accepted the
// payload.
func (e *Extension) SendSnapshot(ctx context.Context, data []byte, md api.ExtensionMetadata) bool {
	if e.disposed.Load() {
		return false
	}
	if !e.EnsureStarted(ctx) {
		return false
	}
	e.sendMu.Lock()
	defer e.sendMu.Unlock()

	e.mu.Lock()
	proc, tr := e.proc, e.transport
	if e.state != StateIdle || tr == nil {
		e.mu.Unlock()
		return false
	}
	change, _ := e.setStateLocked(StateBusy, "")
	e.busySince = time.Now()
	e.mu.Unlock()
	e.emit(change)

	if md.SequenceNumber <= 0 {
		md.SequenceNumber = e.NextSequence()
	}
	ctx, span := e.tracer.Start(ctx, "extension.snapshot", trace.WithAttributes(
		attribute.String("extension.id", e.def.ID),
		attribute.Int64("snapshot.sequence", md.SequenceNumber),
		attribute.Int64("snapshot.size", md.DataSize),
		attribute.String("transport.mode", string(tr.Mode())),
	))
	defer span.End()

	// Recorded first so an ack racing the send finds the entry.
	e.snapshots.RecordSnapshot(e.def.ID, md)
	if err := tr.Send(ctx, md, data); err != nil {
		e.snapshots.Forget(e.def.ID, md.SequenceNumber)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.logger.Warn("snapshot delivery failed", "seq", md.SequenceNumber, "error", err)
		if rejectedPayload(err) {
			e.transitionFrom(StateBusy, StateIdle, "")
		} else {
			e.onFault(proc, "Snapshot delivery failed: "+err.Error())
		}
		return false
	}
	e.metrics.SnapshotSent(e.def.ID, string(tr.Mode()))
	e.touch()
	e.transitionFrom(StateBusy, StateIdle, "")
	return true
}

// rejectedPayload reports errors caused by the payload rather than the
// process.
func rejectedPayload(err error) bool {
	return errors.Is(err, transport.ErrPayloadTooLarge) ||
		errors.Is(err, transport.ErrSizeMismatch) ||
		errors.Is(err, transport.ErrInsufficientSpace) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// SendHeartbeat sends one heartbeat. Only an Idle extension that supports
// heartbeats sends them. The write is given one health check interval; a
// process whose stdin stays full that long is faulted.
func (e *Extension) SendHeartbeat(ctx context.Context) bool {
	if e.disposed.Load() || !e.caps.SupportsHeartbeat || ctx.Err() != nil {
		return false
	}
	e.mu.Lock()
	proc, c := e.proc, e.conn
	idle := e.state == StateIdle
	e.mu.Unlock()
	if !idle || c == nil {
		return false
	}
	id := e.beatID.Add(1)
	e.heartbeat.Sent(id)
	ctx, cancel := context.WithTimeout(ctx, e.cfg.HealthCheckInterval())
	defer cancel()
	err := c.ch.Send(ctx, api.Heartbeat{Type: api.MessageHeartbeat, ID: id, Timestamp: time.Now().UnixMilli()})
	if errors.Is(err, transport.ErrBroken) {
		e.onFault(proc, "Heartbeat not delivered: "+err.Error())
	}
	return err == nil
}

// SendCommand sends a command and waits for its ack until ctx is done.
func (e *Extension) SendCommand(ctx context.Context, sessionID, command string, args json.RawMessage) api.CommandResponse {
	if e.disposed.Load() {
		return api.CommandFailed(api.ErrorExtensionUnavailable, "extension %s: %v", e.def.ID, ErrDisposed)
	}
	e.mu.Lock()
	c := e.conn
	running := e.state.Running()
	e.mu.Unlock()
	if !running || c == nil {
		return api.CommandFailed(api.ErrorExtensionUnavailable, "extension %s is not running", e.def.ID)
	}

	id := uuid.NewString()
	ctx, span := e.tracer.Start(ctx, "extension.command", trace.WithAttributes(
		attribute.String("extension.id", e.def.ID),
		attribute.String("command.name", command),
		attribute.String("command.id", id),
	))
	defer span.End()

	wait := c.expect(id)
	defer c.forget(id)
	err := c.ch.Send(ctx, api.CommandRequest{
		Type:      api.MessageCommand,
		ID:        id,
		SessionID: sessionID,
		Command:   command,
		Arguments: args,
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return api.CommandFailed(api.ErrorInternal, "sending command %s: %v", command, err)
	}

	select {
	case ack := <-wait:
		e.touch()
		if ack.Status == api.AckError {
			span.SetStatus(codes.Error, ack.Error)
			resp := api.CommandFailed(api.ErrorInternal, "%s", ack.Error)
			resp.CommandID = id
			return resp
		}
		return api.CommandOK(id, ack.Result)
	case <-c.closed:
		span.SetStatus(codes.Error, "process exited")
		return api.CommandFailed(api.ErrorExtensionUnavailable, "extension %s exited before answering %s", e.def.ID, command)
	case <-ctx.Done():
		span.SetStatus(codes.Error, ctx.Err().Error())
		return api.CommandFailed(api.ErrorInternal, "command %s: %v", command, ctx.Err())
	}
}

// HandleAck processes the ack of snapshot seq. It reports whether a pending
// snapshot was released.
func (e *Extension) HandleAck(seq int64, status api.AckStatus, errMsg string) bool {
	if e.disposed.Load() {
		return false
	}
	e.touch()
	if status == api.AckError {
		e.logger.Warn("extension reported snapshot failure", "seq", seq, "error", errMsg)
	}
	return e.snapshots.HandleAck(e.def.ID, seq)
}

// Stop shuts the process down gracefully. It is safe on an extension that
// never started.
func (e *Extension) Stop(ctx context.Context, resetRestartCount bool) {
	if e.disposed.Load() {
		return
	}
	e.startMu.Lock()
	e.stopProcess(ctx, true, StateUnloaded, "stopped")
	e.startMu.Unlock()
	if resetRestartCount {
		e.resetRestarts()
	}
}

// NotifySessionClosed tells a running process that a session ended. It is
// best effort.
func (e *Extension) NotifySessionClosed(ctx context.Context, sessionID, outputFormat string) {
	if e.disposed.Load() || ctx.Err() != nil {
		return
	}
	e.mu.Lock()
	c := e.conn
	running := e.state.Running()
	e.mu.Unlock()
	if !running || c == nil {
		return
	}
	err := c.ch.Send(ctx, api.SessionClosed{Type: api.MessageSessionClosed, SessionID: sessionID, OutputFormat: outputFormat})
	if err != nil {
		e.logger.Debug("session closed notification failed", "session", sessionID, "error", err)
	}
}

// Dispose kills the process and makes every later call fail. Calling it
// again does nothing.
func (e *Extension) Dispose(ctx context.Context) {
	if !e.disposed.CompareAndSwap(false, true) {
		return
	}
	e.lifeCancel()
	// Killing first unblocks a handshake in progress.
	e.mu.Lock()
	proc := e.proc
	e.mu.Unlock()
	if proc != nil {
		_ = proc.Kill()
	}

	e.startMu.Lock()
	e.stopProcess(ctx, false, StateUnloaded, "disposed")
	if e.def.IsAvailable() {
		e.def.MarkUnavailable(stoppedReason)
	}
	e.mu.Lock()
	change, ok := e.setStateLocked(StateDisposed, "disposed")
	e.mu.Unlock()
	e.startMu.Unlock()
	if ok {
		e.emit(change)
	}
	e.mu.Lock()
	e.listeners = nil
	e.mu.Unlock()
}
