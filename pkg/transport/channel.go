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
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/valyala/bytebufferpool"
)

// deadliner is implemented by pipes whose writes can be interrupted.
type deadliner interface {
	SetWriteDeadline(t time.Time) error
}

// LineChannel writes newline-delimited JSON messages to w. Each message and
// its optional payload reach w in a single Write.
//
// Sends wait for the channel and write to w until ctx is done, provided w
// supports write deadlines. A write that fails part way may leave half a
// frame behind, so it breaks the channel and later sends fail with
// ErrBroken.
type LineChannel struct {
	sem    chan struct{}
	w      io.Writer
	closed atomic.Bool
	broken atomic.Bool
}

// NewLineChannel wraps w, usually the stdin pipe of an extension process.
func NewLineChannel(w io.Writer) *LineChannel {
	return &LineChannel{w: w, sem: make(chan struct{}, 1)}
}

func (c *LineChannel) Send(ctx context.Context, msg interface{}) error {
	return c.SendWithPayload(ctx, msg, nil)
}

func (c *LineChannel) SendWithPayload(ctx context.Context, msg interface{}, payload []byte) error {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	// Encode appends the '\n' terminator.
	if err := json.NewEncoder(buf).Encode(msg); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := buf.Write(payload); err != nil {
			return err
		}
	}

	select {
	case c.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-c.sem }()
	switch {
	case c.closed.Load():
		return ErrClosed
	case c.broken.Load():
		return ErrBroken
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := c.write(ctx, buf.B); err != nil {
		c.broken.Store(true)
		if errors.Is(err, os.ErrDeadlineExceeded) && ctx.Err() != nil {
			err = ctx.Err()
		}
		return fmt.Errorf("%w: %v", ErrBroken, err)
	}
	return nil
}

func (c *LineChannel) write(ctx context.Context, b []byte) error {
	dw, ok := c.w.(deadliner)
	if !ok || ctx.Done() == nil || dw.SetWriteDeadline(time.Time{}) != nil {
		_, err := c.w.Write(b)
		return err
	}
	if d, ok := ctx.Deadline(); ok {
		_ = dw.SetWriteDeadline(d)
	}
	fired := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		_ = dw.SetWriteDeadline(time.Unix(1, 0))
		close(fired)
	})
	defer func() {
		if !stop() {
			<-fired
		}
		_ = dw.SetWriteDeadline(time.Time{})
	}()
	_, err := c.w.Write(b)
	return err
}

// Close stops further writes. It does not close the underlying writer, so
// a write in progress is only interrupted by closing w.
func (c *LineChannel) Close() {
	c.closed.Store(true)
}
