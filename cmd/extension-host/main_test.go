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

package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srediag/extension-host/pkg/config"
	"github.com/srediag/extension-host/pkg/extension"
)

const extensionsFile = `{
	// rendered by the test
	"extensions": {
		"pdf-export": {
			"inputFormats": ["png"],
			"supportedDocumentTypes": ["pdf"],
			"transportModes": ["file", "carrier-pigeon"],
			"capabilities": {"maxMissedHeartbeats": 50},
		},
	},
}`

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(config.NormalizeArgs(args))
	err := cmd.Execute()
	return out.String(), err
}

func writeFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "extensions.json")
	require.NoError(t, os.WriteFile(path, []byte(extensionsFile), 0o600))
	return path
}

func TestValidateCommand(t *testing.T) {
	path := writeFile(t)
	out, err := run(t, "validate", "--extension-config:"+path)
	require.NoError(t, err)
	assert.Contains(t, out, "1 extensions")
	assert.Contains(t, out, "pdf-export: maxMissedHeartbeats")
	assert.Contains(t, out, "carrier-pigeon")
}

func TestListCommand(t *testing.T) {
	out, err := run(t, "list", "--extension-config="+writeFile(t))
	require.NoError(t, err)
	assert.Contains(t, out, "pdf-export")
	assert.Contains(t, out, "file,carrier-pigeon")
}

func TestInvalidFlags(t *testing.T) {
	_, err := run(t, "validate", "--extension-enabled", "--extension-disabled")
	assert.Error(t, err)

	_, err = run(t, "list", "--extension-config="+filepath.Join(t.TempDir(), "absent.json"))
	assert.ErrorIs(t, err, config.ErrConfigMissing)
}

func TestAdminHandler(t *testing.T) {
	m, err := extension.NewManager(extension.ManagerOptions{})
	require.NoError(t, err)
	t.Cleanup(func() { m.Dispose(context.Background()) })
	require.NoError(t, m.Start(context.Background()))

	srv := httptest.NewServer(adminHandler(m))
	t.Cleanup(srv.Close)

	for _, path := range []string{"/live", "/ready", "/metrics", "/extensions"} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err, path)
		_ = resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}
}
