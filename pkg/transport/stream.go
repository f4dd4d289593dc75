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
	"fmt"
	"sync/atomic"

	"github.com/hashicorp/go-hclog"

	"github.com/srediag/extension-host/api"
)

// streamTransport frames the payload right after the snapshot message on
// the process standard input. Nothing outlives Send, so Cleanup has nothing
// to release.
type streamTransport struct {
	ch     Channel
	opts   Options
	logger hclog.Logger
	closed atomic.Bool
}

func newStreamTransport(ch Channel, opts Options) *streamTransport {
	return &streamTransport{ch: ch, opts: opts, logger: opts.Logger}
}

func (t *streamTransport) Mode() Mode { return ModeStdin }

func (t *streamTransport) Send(ctx context.Context, md api.ExtensionMetadata, payload []byte) error {
	if t.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkPayload(md, payload, t.opts.MaxPayloadSize); err != nil {
		return err
	}
	msg := api.SnapshotMessage{
		Type:     api.MessageSnapshot,
		Metadata: md,
		Location: api.Location{Mode: string(ModeStdin), Inline: true},
	}
	if err := t.ch.SendWithPayload(ctx, msg, payload); err != nil {
		return fmt.Errorf("writing inline snapshot: %w", err)
	}
	t.logger.Trace("inline snapshot written", "seq", md.SequenceNumber, "size", len(payload))
	return nil
}

func (t *streamTransport) Cleanup(api.ExtensionMetadata) {}

func (t *streamTransport) Close() error {
	t.closed.Store(true)
	return nil
}
