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

package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srediag/extension-host/api"
	"github.com/srediag/extension-host/pkg/shm"
)

type recordingChannel struct {
	mu       sync.Mutex
	messages []api.SnapshotMessage
	payloads [][]byte
	fail     error
}

func (c *recordingChannel) Send(ctx context.Context, msg interface{}) error {
	return c.SendWithPayload(ctx, msg, nil)
}

func (c *recordingChannel) SendWithPayload(_ context.Context, msg interface{}, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail != nil {
		return c.fail
	}
	c.messages = append(c.messages, msg.(api.SnapshotMessage))
	c.payloads = append(c.payloads, append([]byte(nil), payload...))
	return nil
}

func (c *recordingChannel) last(t *testing.T) (api.SnapshotMessage, []byte) {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	require.NotEmpty(t, c.messages)
	return c.messages[len(c.messages)-1], c.payloads[len(c.payloads)-1]
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode(" MMAP ")
	require.NoError(t, err)
	assert.Equal(t, ModeMmap, m)

	_, err = ParseMode("pigeon")
	assert.ErrorIs(t, err, ErrUnknownMode)
}

func TestSelect(t *testing.T) {
	tests := []struct {
		name      string
		offered   []string
		preferred string
		fallback  string
		want      Mode
	}{
		{"preferred offered", []string{"file", "mmap"}, "mmap", "file", ModeMmap},
		{"fallback offered", []string{"stdin", "file"}, "mmap", "file", ModeFile},
		{"first offered", []string{"stdin"}, "mmap", "file", ModeStdin},
		{"nothing offered", nil, "mmap", "", ModeFile},
		{"unknown entries skipped", []string{"carrier", "stdin"}, "", "", ModeStdin},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Select(tt.offered, tt.preferred, tt.fallback)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := Select([]string{"carrier"}, "", "")
	assert.ErrorIs(t, err, ErrUnknownMode)
}

func TestNewUnknownMode(t *testing.T) {
	_, err := New(Mode("carrier"), "ext", &recordingChannel{}, Options{})
	assert.ErrorIs(t, err, ErrUnknownMode)
}

func TestFileTransport(t *testing.T) {
	dir := t.TempDir()
	ch := &recordingChannel{}
	tr, err := New(ModeFile, "ext/one", ch, Options{Dir: dir})
	require.NoError(t, err)
	defer tr.Close()

	data := []byte("page one")
	md := api.NewMetadata("s1", 1, "pdf", "png", "image/png", data)
	require.NoError(t, tr.Send(context.Background(), md, data))

	msg, _ := ch.last(t)
	assert.Equal(t, api.MessageSnapshot, msg.Type)
	assert.Equal(t, "file", msg.Location.Mode)
	assert.Equal(t, dir, filepath.Dir(msg.Location.Path))

	got, err := os.ReadFile(msg.Location.Path)
	require.NoError(t, err)
	assert.Equal(t, api.VerifyValid, msg.Metadata.VerifyData(got))

	tr.Cleanup(md)
	_, err = os.Stat(msg.Location.Path)
	assert.True(t, os.IsNotExist(err))
	assert.NotPanics(t, func() { tr.Cleanup(md) })
}

func TestFileTransportAnnounceFailureRemovesFile(t *testing.T) {
	dir := t.TempDir()
	ch := &recordingChannel{fail: errors.New("broken pipe")}
	tr, err := New(ModeFile, "ext", ch, Options{Dir: dir})
	require.NoError(t, err)

	data := []byte("x")
	err = tr.Send(context.Background(), api.NewMetadata("s1", 1, "pdf", "png", "", data), data)
	require.Error(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestMmapTransport(t *testing.T) {
	ch := &recordingChannel{}
	tr, err := New(ModeMmap, "ext", ch, Options{Dir: t.TempDir()})
	require.NoError(t, err)

	data := bytes.Repeat([]byte{0xab}, 4096)
	md := api.NewMetadata("s1", 9, "pdf", "png", "", data)
	require.NoError(t, tr.Send(context.Background(), md, data))

	msg, _ := ch.last(t)
	assert.Equal(t, "mmap", msg.Location.Mode)
	assert.Equal(t, int64(shm.HeaderSize), msg.Location.Offset)

	seg, err := shm.Open(context.Background(), shm.OpenOptions{Name: msg.Location.Path})
	require.NoError(t, err)
	got, hdr, err := seg.Read(context.Background())
	require.NoError(t, err)
	require.NoError(t, seg.Close())
	assert.Equal(t, int64(9), hdr.SequenceNumber)
	assert.Equal(t, api.VerifyValid, md.VerifyData(got))

	tr.Cleanup(md)
	_, err = os.Stat(msg.Location.Path)
	assert.True(t, os.IsNotExist(err))
	tr.Cleanup(md)

	require.NoError(t, tr.Close())
	assert.ErrorIs(t, tr.Send(context.Background(), md, data), ErrClosed)
}

func TestMmapCloseReleasesSegments(t *testing.T) {
	dir := t.TempDir()
	tr, err := New(ModeMmap, "ext", &recordingChannel{}, Options{Dir: dir})
	require.NoError(t, err)
	for seq := int64(1); seq <= 3; seq++ {
		data := []byte{byte(seq)}
		require.NoError(t, tr.Send(context.Background(), api.NewMetadata("s", seq, "pdf", "png", "", data), data))
	}
	require.NoError(t, tr.Close())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestStreamTransportFramesPayload(t *testing.T) {
	var out bytes.Buffer
	tr, err := New(ModeStdin, "ext", NewLineChannel(&out), Options{})
	require.NoError(t, err)

	data := []byte("raw\nbytes")
	md := api.NewMetadata("s1", 2, "pdf", "txt", "text/plain", data)
	require.NoError(t, tr.Send(context.Background(), md, data))
	tr.Cleanup(md)

	r := bufio.NewReader(&out)
	line, err := r.ReadBytes('\n')
	require.NoError(t, err)
	var msg api.SnapshotMessage
	require.NoError(t, json.Unmarshal(line, &msg))
	assert.True(t, msg.Location.Inline)

	payload := make([]byte, msg.Metadata.DataSize)
	_, err = io.ReadFull(r, payload)
	require.NoError(t, err)
	assert.Equal(t, api.VerifyValid, msg.Metadata.VerifyData(payload))
}

func TestPayloadChecks(t *testing.T) {
	tr, err := New(ModeStdin, "ext", &recordingChannel{}, Options{MaxPayloadSize: 4})
	require.NoError(t, err)

	data := []byte("too large")
	err = tr.Send(context.Background(), api.NewMetadata("s", 1, "pdf", "png", "", data), data)
	assert.ErrorIs(t, err, ErrPayloadTooLarge)

	md := api.NewMetadata("s", 2, "pdf", "png", "", []byte("abc"))
	err = tr.Send(context.Background(), md, []byte("ab"))
	assert.ErrorIs(t, err, ErrSizeMismatch)
}

func TestLineChannelClosed(t *testing.T) {
	ch := NewLineChannel(io.Discard)
	ctx := context.Background()
	require.NoError(t, ch.Send(ctx, api.Shutdown{Type: api.MessageShutdown}))
	ch.Close()
	assert.ErrorIs(t, ch.Send(ctx, api.Shutdown{Type: api.MessageShutdown}), ErrClosed)
}

// stalledPipe returns the write end of a pipe nobody reads.
func stalledPipe(t *testing.T) *os.File {
	t.Helper()
	r, w, err := os.Pipe()
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = r.Close()
		_ = w.Close()
	})
	return w
}

func TestLineChannelWriteStopsWithContext(t *testing.T) {
	ch := NewLineChannel(stalledPipe(t))
	msg := api.SnapshotMessage{Type: api.MessageSnapshot}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := ch.SendWithPayload(ctx, msg, make([]byte, 4<<20))
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.ErrorIs(t, err, ErrBroken)
	assert.NotErrorIs(t, err, context.DeadlineExceeded)

	// Half a frame may be in the pipe, nothing else goes after it.
	assert.ErrorIs(t, ch.Send(context.Background(), msg), ErrBroken)
}

func TestLineChannelWaitStopsWithContext(t *testing.T) {
	w := stalledPipe(t)
	ch := NewLineChannel(w)
	msg := api.SnapshotMessage{Type: api.MessageSnapshot}

	first := make(chan error, 1)
	go func() {
		first <- ch.SendWithPayload(context.Background(), msg, make([]byte, 4<<20))
	}()
	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, ch.Send(ctx, msg), context.DeadlineExceeded)

	// Closing the pipe releases the stuck writer.
	require.NoError(t, w.Close())
	select {
	case err := <-first:
		assert.ErrorIs(t, err, ErrBroken)
	case <-time.After(5 * time.Second):
		t.Fatal("blocked write was not released by closing the pipe")
	}
}
