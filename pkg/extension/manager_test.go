//go:build unix

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
	"encoding/json"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srediag/extension-host/api"
	"github.com/srediag/extension-host/pkg/audit"
	"github.com/srediag/extension-host/pkg/config"
	"github.com/srediag/extension-host/pkg/health"
)

// writeExtensions stores an extensions file with a running helper, a
// broken executable and a commandless entry.
func writeExtensions(t *testing.T, cfg *config.ExtensionConfig) {
	t.Helper()
	file := map[string]any{
		"extensions": map[string]any{
			"good": map[string]any{
				"inputFormats":           []string{"PNG"},
				"supportedDocumentTypes": []string{"pdf"},
				"transportModes":         []string{"file", "stdin"},
				"preferredTransportMode": "stdin",
				"command": map[string]any{
					"type":        "process",
					"executable":  os.Args[0],
					"environment": map[string]string{helperEnv: "serve"},
				},
			},
			"broken": map[string]any{
				"inputFormats":           []string{"png"},
				"supportedDocumentTypes": []string{"pdf"},
				"command": map[string]any{
					"type":       "process",
					"executable": filepath.Join(t.TempDir(), "no-such-extension"),
				},
			},
			"passive": map[string]any{},
		},
	}
	data, err := json.Marshal(file)
	require.NoError(t, err)
	cfg.ConfigPath = filepath.Join(t.TempDir(), "extensions.json")
	require.NoError(t, os.WriteFile(cfg.ConfigPath, data, 0o600))
}

func newManager(t *testing.T, cfg *config.ExtensionConfig) *Manager {
	t.Helper()
	m, err := NewManager(ManagerOptions{Config: cfg})
	require.NoError(t, err)
	t.Cleanup(func() { m.Dispose(context.Background()) })
	return m
}

func startedManager(t *testing.T) *Manager {
	t.Helper()
	cfg := testConfig(t)
	writeExtensions(t, cfg)
	m := newManager(t, cfg)
	require.NoError(t, m.Start(context.Background()))
	return m
}

func ids(seq func(func(*config.ExtensionDefinition) bool)) []string {
	var out []string
	for def := range seq {
		out = append(out, def.ID)
	}
	return out
}

func TestManagerStart(t *testing.T) {
	m := startedManager(t)

	good := m.GetExtension("good")
	require.NotNil(t, good)
	assert.Equal(t, StateIdle, good.State())
	assert.Same(t, good, m.GetRunningExtension("good"))

	assert.Nil(t, m.GetExtension("broken"))
	assert.Nil(t, m.GetExtension("unknown"))
	assert.NotNil(t, m.GetExtension("passive"), "commandless extensions stay available")
	assert.Nil(t, m.GetRunningExtension("passive"))

	assert.Equal(t, []string{"broken", "good", "passive"}, ids(m.ListExtensions()))
	assert.Equal(t, []string{"good", "passive"}, ids(m.FindExtensionsForDocument("PDF", "png")))
	assert.Equal(t, []string{"passive"}, ids(m.FindExtensionsForDocument("docx", "png")))

	require.NoError(t, m.Start(context.Background()), "a second start does nothing")
}

func TestManagerIteratorsRestart(t *testing.T) {
	m := startedManager(t)
	seq := m.FindExtensionsForDocument("pdf", "png")
	first := ids(seq)
	assert.Equal(t, first, ids(seq))

	var got []string
	for def := range m.ListExtensions() {
		got = append(got, def.ID)
		break
	}
	assert.Len(t, got, 1)
}

func TestManagerStatuses(t *testing.T) {
	m := startedManager(t)

	statuses := m.GetExtensionStatuses()
	require.Len(t, statuses, 3)
	assert.True(t, statuses["good"].IsAvailable)
	assert.Equal(t, StateIdle, statuses["good"].State)
	assert.Equal(t, "helper", statuses["good"].Name)
	assert.False(t, statuses["broken"].IsAvailable)
	assert.Contains(t, statuses["broken"].UnavailableReason, "Initialization failed")
	assert.Equal(t, StateUnloaded, statuses["passive"].State)

	hs := m.HealthStatuses()
	require.Len(t, hs, 3)
	assert.Equal(t, "broken", hs[0].ID)
	err := health.ExtensionsCheck(m)()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")

	events := m.DrainEvents()
	assert.True(t, slices.ContainsFunc(events, func(e audit.Event) bool {
		return e.ExtensionID == "good" && e.To == "Idle"
	}))
}

func TestSessionLifecycle(t *testing.T) {
	m := startedManager(t)
	ctx := context.Background()

	res := m.BindSession("s1", "good", "PNG", "alice")
	require.True(t, res.Success, res.Message)
	b, ok := m.GetBinding("s1")
	require.True(t, ok)
	assert.Equal(t, "png", b.OutputFormat())
	assert.Equal(t, "alice", b.Owner())

	res = m.DeliverSnapshot(ctx, "s1", "pdf", []byte("page 1"))
	require.True(t, res.Success, res.Message)
	assert.False(t, b.LastSentAt().IsZero())
	assert.Eventually(t, func() bool { return m.PendingSnapshots() == 0 }, 5*time.Second, 10*time.Millisecond)

	res = m.UnbindSession(ctx, "s1")
	assert.True(t, res.Success)
	res = m.UnbindSession(ctx, "s1")
	assert.Equal(t, api.ErrorBindingNotFound, res.Code)

	res = m.DeliverSnapshot(ctx, "s1", "pdf", []byte("page 2"))
	assert.Equal(t, api.ErrorBindingNotFound, res.Code)
}

func TestBindSessionErrors(t *testing.T) {
	m := startedManager(t)

	tests := []struct {
		name      string
		session   string
		extension string
		format    string
		want      api.ErrorCode
	}{
		{"missing session", "", "good", "png", api.ErrorInvalidParameter},
		{"missing extension id", "s1", "", "png", api.ErrorInvalidParameter},
		{"unknown extension", "s1", "nope", "png", api.ErrorExtensionNotFound},
		{"unavailable extension", "s1", "broken", "png", api.ErrorExtensionUnavailable},
		{"unsupported format", "s1", "good", "jpeg", api.ErrorFormatNotSupported},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := m.BindSession(tt.session, tt.extension, tt.format, "")
			assert.False(t, res.Success)
			assert.Equal(t, tt.want, res.Code)
		})
	}
	_, ok := m.GetBinding("s1")
	assert.False(t, ok)
}

func TestDeliverSnapshotBackoff(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxSnapshotSizeBytes = 4
	cfg.MaxConversionFailures = 2
	writeExtensions(t, cfg)
	m := newManager(t, cfg)
	require.NoError(t, m.Start(context.Background()))
	ctx := context.Background()

	require.True(t, m.BindSession("s1", "good", "png", "").Success)
	for range 2 {
		res := m.DeliverSnapshot(ctx, "s1", "pdf", []byte("larger than allowed"))
		assert.Equal(t, api.ErrorConversionFailed, res.Code)
	}
	res := m.DeliverSnapshot(ctx, "s1", "pdf", []byte("ok"))
	assert.Equal(t, api.ErrorConversionFailed, res.Code)
	assert.Contains(t, res.Message, "backoff")
	assert.Equal(t, StateIdle, m.GetExtension("good").State())
}

func TestManagerWithoutExtensions(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T, cfg *config.ExtensionConfig)
	}{
		{"disabled", func(t *testing.T, cfg *config.ExtensionConfig) {
			writeExtensions(t, cfg)
			cfg.Enabled = false
		}},
		{"missing file", func(t *testing.T, cfg *config.ExtensionConfig) {
			cfg.ConfigPath = filepath.Join(t.TempDir(), "absent.json")
		}},
		{"invalid file", func(t *testing.T, cfg *config.ExtensionConfig) {
			cfg.ConfigPath = filepath.Join(t.TempDir(), "extensions.json")
			require.NoError(t, os.WriteFile(cfg.ConfigPath, []byte("{not json"), 0o600))
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			tt.setup(t, cfg)
			m := newManager(t, cfg)
			require.NoError(t, m.Start(context.Background()))
			assert.Empty(t, ids(m.ListExtensions()))
			assert.Empty(t, m.GetExtensionStatuses())
		})
	}
}

func TestManagerDuplicateIDs(t *testing.T) {
	cfg := testConfig(t)
	cfg.ConfigPath = filepath.Join(t.TempDir(), "extensions.json")
	data := `{"extensions": {"pdf": {}, "pdf": {}}}`
	require.NoError(t, os.WriteFile(cfg.ConfigPath, []byte(data), 0o600))

	m := newManager(t, cfg)
	assert.ErrorIs(t, m.Start(context.Background()), config.ErrDuplicateID)
}

func TestNewManagerRejectsInvalidConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Enabled = true
	cfg.SessionSupport = false
	_, err := NewManager(ManagerOptions{Config: cfg})
	assert.ErrorContains(t, err, "SessionSupport")
}

func TestDisposedManager(t *testing.T) {
	m := startedManager(t)
	ctx := context.Background()
	good := m.GetExtension("good")
	require.NotNil(t, good)
	require.True(t, m.BindSession("s1", "good", "png", "").Success)

	m.Dispose(ctx)
	m.Dispose(ctx)

	assert.True(t, good.IsDisposed())
	assert.ErrorIs(t, m.Start(ctx), ErrManagerDisposed)
	assert.Nil(t, m.GetExtension("good"))
	assert.Nil(t, m.GetRunningExtension("good"))
	assert.Empty(t, ids(m.ListExtensions()))
	assert.Empty(t, ids(m.FindExtensionsForDocument("pdf", "png")))
	assert.Nil(t, m.GetExtensionStatuses())
	assert.False(t, m.HandleAck("good", 1))
	assert.False(t, m.BindSession("s2", "good", "png", "").Success)
	assert.False(t, m.DeliverSnapshot(ctx, "s1", "pdf", []byte("x")).Success)
	assert.False(t, m.UnbindSession(ctx, "s1").Success)
	_, ok := m.GetBinding("s1")
	assert.False(t, ok)
}

func TestLookupsAfterStop(t *testing.T) {
	m := startedManager(t)
	require.NotEmpty(t, ids(m.FindExtensionsForDocument("pdf", "png")))

	require.NoError(t, m.Stop(context.Background()))

	assert.Empty(t, ids(m.FindExtensionsForDocument("pdf", "png")))
	assert.Nil(t, m.GetExtension("good"))
	assert.Nil(t, m.GetExtension("passive"))
	assert.Equal(t, []string{"broken", "good", "passive"}, ids(m.ListExtensions()))

	statuses := m.GetExtensionStatuses()
	require.Len(t, statuses, 3)
	for id, s := range statuses {
		assert.False(t, s.IsAvailable, id)
		assert.Equal(t, StateDisposed, s.State, id)
	}
	assert.Equal(t, "Extension stopped", statuses["good"].UnavailableReason)
	assert.Contains(t, statuses["broken"].UnavailableReason, "Initialization failed")

	resp := m.BindSession("s1", "good", "png", "")
	assert.False(t, resp.Success)
	assert.Equal(t, api.ErrorExtensionUnavailable, resp.Code)
}

func TestManagerSnapshotTTLOverride(t *testing.T) {
	cfg := testConfig(t)
	file := map[string]any{
		"extensions": map[string]any{
			"ttl": map[string]any{
				"inputFormats": []string{"png"},
				"capabilities": map[string]any{"snapshotTtlSeconds": 10},
				"command": map[string]any{
					"type":        "process",
					"executable":  os.Args[0],
					"environment": map[string]string{helperEnv: "serve"},
				},
			},
		},
	}
	data, err := json.Marshal(file)
	require.NoError(t, err)
	cfg.ConfigPath = filepath.Join(t.TempDir(), "extensions.json")
	require.NoError(t, os.WriteFile(cfg.ConfigPath, data, 0o600))

	m := newManager(t, cfg)
	require.NoError(t, m.Start(context.Background()))
	require.NotNil(t, m.GetRunningExtension("ttl"))

	assert.Equal(t, 5*time.Minute, cfg.SnapshotTTL())
	assert.Equal(t, 10*time.Second, m.snapshots.TTL("ttl"))
	assert.Equal(t, 5*time.Minute, m.snapshots.TTL("other"))
	assert.Equal(t, 5*time.Second, m.snapshots.SweepInterval())
}
