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
	"path/filepath"
	"sync/atomic"

	"github.com/hashicorp/go-hclog"
	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/srediag/extension-host/api"
	internalshm "github.com/srediag/extension-host/internal/shm"
)

// DefaultFileDir is used by the file transport when Options.Dir is empty.
func DefaultFileDir() string {
	return filepath.Join(os.TempDir(), "extension-host")
}

// fileTransport drops every payload into its own file.
type fileTransport struct {
	extensionID string
	ch          Channel
	opts        Options
	dir         string
	logger      hclog.Logger
	files       cmap.ConcurrentMap[int64, string]
	closed      atomic.Bool
}

func newFileTransport(extensionID string, ch Channel, opts Options) (*fileTransport, error) {
	dir := opts.Dir
	if dir == "" {
		dir = DefaultFileDir()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating drop directory: %w", err)
	}
	return &fileTransport{
		extensionID: extensionID,
		ch:          ch,
		opts:        opts,
		dir:         dir,
		logger:      opts.Logger,
		files:       cmap.NewWithCustomShardingFunction[int64, string](shardBySequence),
	}, nil
}

func (t *fileTransport) Mode() Mode { return ModeFile }

func (t *fileTransport) Send(ctx context.Context, md api.ExtensionMetadata, payload []byte) error {
	if t.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkPayload(md, payload, t.opts.MaxPayloadSize); err != nil {
		return err
	}
	if !internalshm.CanCreate(t.dir, uint64(len(payload)), t.opts.MinFreeSpace) {
		return fmt.Errorf("%w: %d bytes in %s", ErrInsufficientSpace, len(payload), t.dir)
	}

	path := filepath.Join(t.dir, resourceName(t.extensionID, md.SequenceNumber, ".snapshot"))
	if err := writeFileAtomic(path, payload); err != nil {
		return err
	}
	t.files.Set(md.SequenceNumber, path)

	msg := api.SnapshotMessage{
		Type:     api.MessageSnapshot,
		Metadata: md,
		Location: api.Location{Mode: string(ModeFile), Path: path},
	}
	if err := t.ch.Send(ctx, msg); err != nil {
		t.Cleanup(md)
		return fmt.Errorf("announcing drop file: %w", err)
	}
	t.logger.Trace("snapshot file written", "seq", md.SequenceNumber, "path", path, "size", len(payload))
	return nil
}

// writeFileAtomic writes to a temporary sibling and renames it into place so
// the reader never sees a partial file.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return fmt.Errorf("creating drop file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("writing drop file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("closing drop file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("publishing drop file: %w", err)
	}
	return nil
}

func (t *fileTransport) Cleanup(md api.ExtensionMetadata) {
	path, ok := t.files.Pop(md.SequenceNumber)
	if !ok {
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		t.logger.Warn("removing snapshot file failed", "seq", md.SequenceNumber, "path", path, "error", err)
	}
}

func (t *fileTransport) Close() error {
	t.closed.Store(true)
	var errs []error
	for _, seq := range t.files.Keys() {
		if path, ok := t.files.Pop(seq); ok {
			if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
