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
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"testing"

	"github.com/srediag/extension-host/api"
	"github.com/srediag/extension-host/pkg/sdk"
)

const (
	helperEnv = "EXTENSION_HOST_HELPER"
	markerEnv = "EXTENSION_HOST_MARKER"
)

// TestMain doubles as the extension binary when helperEnv is set.
func TestMain(m *testing.M) {
	mode := os.Getenv(helperEnv)
	if mode == "" {
		os.Exit(m.Run())
	}
	os.Exit(runHelper(mode))
}

func runHelper(mode string) int {
	srv := &sdk.Server{
		Info: api.InitializeResponse{Name: "helper", Version: "1.0.0", Title: "Test helper"},
		Snapshot: func(context.Context, api.ExtensionMetadata, []byte) error {
			return nil
		},
		Command: func(_ context.Context, req api.CommandRequest) (json.RawMessage, error) {
			if req.Command == "echo" {
				return req.Arguments, nil
			}
			return nil, fmt.Errorf("unknown command %q", req.Command)
		},
	}
	switch mode {
	case "serve":
	case "silent":
		_, _ = io.Copy(io.Discard, os.Stdin)
		return 0
	case "mute":
		return muteAfterHandshake()
	case "crash-once":
		marker := os.Getenv(markerEnv)
		if _, err := os.Stat(marker); errors.Is(err, os.ErrNotExist) {
			if err := os.WriteFile(marker, nil, 0o600); err != nil {
				return 1
			}
			srv.Snapshot = func(context.Context, api.ExtensionMetadata, []byte) error {
				os.Exit(3)
				return nil
			}
		}
	case "failack":
		srv.Snapshot = func(context.Context, api.ExtensionMetadata, []byte) error {
			return errors.New("cannot convert")
		}
	default:
		return 2
	}
	if err := srv.Serve(context.Background(), os.Stdin, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "[ERROR]", err)
		return 1
	}
	return 0
}

// muteAfterHandshake answers the handshake and nothing else.
func muteAfterHandshake() int {
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		var env api.Envelope
		if json.Unmarshal(sc.Bytes(), &env) == nil && env.Type == api.MessageInitialize {
			fmt.Println(`{"type":"initialize_response","name":"mute","version":"0.1.0"}`)
		}
	}
	return 0
}
