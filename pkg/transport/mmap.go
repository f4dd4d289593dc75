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
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/hashicorp/go-hclog"
	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/srediag/extension-host/api"
	internalshm "github.com/srediag/extension-host/internal/shm"
	"github.com/srediag/extension-host/pkg/shm"
)

// mmapTransport places every payload in its own shared-memory segment.
type mmapTransport struct {
	extensionID string
	ch          Channel
	opts        Options
	dir         string
	logger      hclog.Logger
	segments    cmap.ConcurrentMap[int64, *shm.Buffer]
	closed      atomic.Bool
}

func newMmapTransport(extensionID string, ch Channel, opts Options) (*mmapTransport, error) {
	dir := opts.Dir
	if dir == "" {
		dir = internalshm.DefaultDir()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating segment directory: %w", err)
	}
	return &mmapTransport{
		extensionID: extensionID,
		ch:          ch,
		opts:        opts,
		dir:         dir,
		logger:      opts.Logger,
		segments:    cmap.NewWithCustomShardingFunction[int64, *shm.Buffer](shardBySequence),
	}, nil
}

func (t *mmapTransport) Mode() Mode { return ModeMmap }

func (t *mmapTransport) Send(ctx context.Context, md api.ExtensionMetadata, payload []byte) error {
	if t.closed.Load() {
		return ErrClosed
	}
	if err := checkPayload(md, payload, t.opts.MaxPayloadSize); err != nil {
		return err
	}
	need := uint64(shm.HeaderSize + len(payload))
	if !internalshm.CanCreate(t.dir, need, t.opts.MinFreeSpace) {
		return fmt.Errorf("%w: %d bytes in %s", ErrInsufficientSpace, need, t.dir)
	}

	// A resend of the same sequence replaces the previous segment.
	t.Cleanup(md)

	buf, err := shm.Create(ctx, shm.OpenOptions{
		Dir:  t.dir,
		Name: resourceName(t.extensionID, md.SequenceNumber, ".shm"),
		Size: len(payload),
	})
	if err != nil {
		return fmt.Errorf("creating segment: %w", err)
	}
	if err := buf.Write(ctx, md.SequenceNumber, payload); err != nil {
		_ = buf.Remove()
		return fmt.Errorf("writing segment: %w", err)
	}
	t.segments.Set(md.SequenceNumber, buf)

	msg := api.SnapshotMessage{
		Type:     api.MessageSnapshot,
		Metadata: md,
		Location: api.Location{Mode: string(ModeMmap), Path: buf.Path(), Offset: shm.HeaderSize},
	}
	if err := t.ch.Send(ctx, msg); err != nil {
		t.Cleanup(md)
		return fmt.Errorf("announcing segment: %w", err)
	}
	t.logger.Trace("snapshot segment written", "seq", md.SequenceNumber, "path", buf.Path(), "size", len(payload))
	return nil
}

func (t *mmapTransport) Cleanup(md api.ExtensionMetadata) {
	buf, ok := t.segments.Pop(md.SequenceNumber)
	if !ok {
		return
	}
	if err := buf.Remove(); err != nil {
		t.logger.Warn("removing snapshot segment failed", "seq", md.SequenceNumber, "path", buf.Path(), "error", err)
	}
}

func (t *mmapTransport) Close() error {
	t.closed.Store(true)
	var errs []error
	for _, seq := range t.segments.Keys() {
		if buf, ok := t.segments.Pop(seq); ok {
			errs = append(errs, buf.Remove())
		}
	}
	return errors.Join(errs...)
}
