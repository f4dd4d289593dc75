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

package sdk

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srediag/extension-host/api"
	"github.com/srediag/extension-host/pkg/transport"
)

func decodeLines(t *testing.T, out *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var msgs []map[string]interface{}
	sc := bufio.NewScanner(out)
	for sc.Scan() {
		var m map[string]interface{}
		require.NoError(t, json.Unmarshal(sc.Bytes(), &m))
		msgs = append(msgs, m)
	}
	return msgs
}

func TestServeConversation(t *testing.T) {
	var in bytes.Buffer
	host := transport.NewLineChannel(&in)
	require.NoError(t, host.Send(context.Background(), api.InitializeRequest{Type: api.MessageInitialize, ProtocolVersion: api.ProtocolVersion, ExtensionID: "echo"}))
	require.NoError(t, host.Send(context.Background(), api.Heartbeat{Type: api.MessageHeartbeat, ID: 4}))

	inline, err := transport.New(transport.ModeStdin, "echo", host, transport.Options{})
	require.NoError(t, err)
	data := []byte("inline\npayload")
	require.NoError(t, inline.Send(context.Background(), api.NewMetadata("s1", 1, "pdf", "txt", "", data), data))

	file, err := transport.New(transport.ModeFile, "echo", host, transport.Options{Dir: t.TempDir()})
	require.NoError(t, err)
	defer file.Close()
	data2 := []byte("from a file")
	require.NoError(t, file.Send(context.Background(), api.NewMetadata("s1", 2, "pdf", "txt", "", data2), data2))

	require.NoError(t, host.Send(context.Background(), api.CommandRequest{Type: api.MessageCommand, ID: "c1", Command: "ping", Arguments: json.RawMessage(`{"n":1}`)}))
	require.NoError(t, host.Send(context.Background(), api.SessionClosed{Type: api.MessageSessionClosed, SessionID: "s1"}))
	require.NoError(t, host.Send(context.Background(), api.Shutdown{Type: api.MessageShutdown}))
	require.NoError(t, host.Send(context.Background(), api.Heartbeat{Type: api.MessageHeartbeat, ID: 5}))

	var got [][]byte
	var closed []string
	srv := &Server{
		Info: api.InitializeResponse{Name: "Echo", Version: "1.0.0"},
		Snapshot: func(_ context.Context, md api.ExtensionMetadata, data []byte) error {
			got = append(got, data)
			return nil
		},
		Command: func(_ context.Context, req api.CommandRequest) (json.RawMessage, error) {
			return req.Arguments, nil
		},
		SessionClosed: func(_ context.Context, msg api.SessionClosed) {
			closed = append(closed, msg.SessionID)
		},
	}
	var out bytes.Buffer
	require.NoError(t, srv.Serve(context.Background(), &in, &out))

	assert.Equal(t, "echo", srv.Request().ExtensionID)
	assert.Equal(t, [][]byte{data, data2}, got)
	assert.Equal(t, []string{"s1"}, closed)

	msgs := decodeLines(t, &out)
	require.Len(t, msgs, 5)
	assert.Equal(t, "initialize_response", msgs[0]["type"])
	assert.Equal(t, "Echo", msgs[0]["name"])
	assert.Equal(t, "heartbeat_ack", msgs[1]["type"])
	assert.EqualValues(t, 4, msgs[1]["id"])
	assert.EqualValues(t, 1, msgs[2]["sequenceNumber"])
	assert.Equal(t, "ok", msgs[2]["status"])
	assert.EqualValues(t, 2, msgs[3]["sequenceNumber"])
	assert.Equal(t, "c1", msgs[4]["commandId"])
	assert.Equal(t, map[string]interface{}{"n": float64(1)}, msgs[4]["result"])
}

func TestServeReportsFailures(t *testing.T) {
	var in bytes.Buffer
	host := transport.NewLineChannel(&in)
	data := []byte("abc")
	md := api.NewMetadata("s1", 3, "pdf", "txt", "", data)
	md.Checksum++
	require.NoError(t, host.SendWithPayload(context.Background(), api.SnapshotMessage{
		Type:     api.MessageSnapshot,
		Metadata: md,
		Location: api.Location{Mode: "stdin", Inline: true},
	}, data))
	in.WriteString("not json\n")
	require.NoError(t, host.Send(context.Background(), api.CommandRequest{Type: api.MessageCommand, ID: "c2", Command: "explode"}))

	srv := &Server{}
	var out bytes.Buffer
	require.NoError(t, srv.Serve(context.Background(), &in, &out))

	msgs := decodeLines(t, &out)
	require.Len(t, msgs, 2)
	assert.Equal(t, "error", msgs[0]["status"])
	assert.Contains(t, msgs[0]["error"], "checksum mismatch")
	assert.Equal(t, "error", msgs[1]["status"])
	assert.Contains(t, msgs[1]["error"], "explode")
}

func TestSnapshotHandlerError(t *testing.T) {
	var in bytes.Buffer
	host := transport.NewLineChannel(&in)
	tr, err := transport.New(transport.ModeStdin, "x", host, transport.Options{})
	require.NoError(t, err)
	require.NoError(t, tr.Send(context.Background(), api.NewMetadata("s", 1, "pdf", "png", "", nil), nil))

	srv := &Server{Snapshot: func(context.Context, api.ExtensionMetadata, []byte) error {
		return errors.New("renderer busy")
	}}
	var out bytes.Buffer
	require.NoError(t, srv.Serve(context.Background(), &in, &out))
	msgs := decodeLines(t, &out)
	require.Len(t, msgs, 1)
	assert.Equal(t, "renderer busy", msgs[0]["error"])
}

func TestLogBeforeServe(t *testing.T) {
	assert.Error(t, (&Server{}).Log("info", "hello"))
}
