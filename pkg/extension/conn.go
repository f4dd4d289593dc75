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
	"encoding/json"
	"io"
	"sync"

	"github.com/Workiva/go-datastructures/queue"
	"github.com/hashicorp/go-hclog"
	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/srediag/extension-host/api"
	"github.com/srediag/extension-host/internal/logging"
	"github.com/srediag/extension-host/pkg/transport"
)

const (
	inboundQueueHint = 64
	maxInboundLine   = 16 << 20
)

// endOfStream is queued after the last line read from the process.
type endOfStream struct{}

// conn is the protocol connection to one process. Lines read from stdout
// are queued so a slow handler never stalls the pipe reader.
type conn struct {
	logger  hclog.Logger
	ch      *transport.LineChannel
	inbound *queue.Queue
	waiters cmap.ConcurrentMap[string, chan api.Ack]

	initResp chan api.InitializeResponse
	closed   chan struct{}
	once     sync.Once

	onHeartbeatAck func(id uint64)
	onSnapshotAck  func(ack api.Ack)
}

func newConn(stdin io.Writer, logger hclog.Logger) *conn {
	return &conn{
		logger:   logging.OrNull(logger),
		ch:       transport.NewLineChannel(stdin),
		inbound:  queue.New(inboundQueueHint),
		waiters:  cmap.New[chan api.Ack](),
		initResp: make(chan api.InitializeResponse, 1),
		closed:   make(chan struct{}),
	}
}

// run starts the reader and the dispatcher.
func (c *conn) run(stdout io.Reader) {
	go c.read(stdout)
	go c.dispatch()
}

func (c *conn) read(stdout io.Reader) {
	sc := bufio.NewScanner(stdout)
	sc.Buffer(make([]byte, 0, 64<<10), maxInboundLine)
	for sc.Scan() {
		line := append([]byte(nil), sc.Bytes()...)
		if err := c.inbound.Put(line); err != nil {
			return
		}
	}
	if err := sc.Err(); err != nil {
		c.logger.Debug("stdout reader stopped", "error", err)
	}
	_ = c.inbound.Put(endOfStream{})
}

func (c *conn) dispatch() {
	defer c.markClosed()
	for {
		items, err := c.inbound.Get(1)
		if err != nil {
			return
		}
		for _, item := range items {
			line, ok := item.([]byte)
			if !ok {
				return
			}
			c.handle(line)
		}
	}
}

func (c *conn) handle(line []byte) {
	var env api.Envelope
	if err := json.Unmarshal(line, &env); err != nil {
		c.logger.Debug("non-protocol output", "line", string(line))
		return
	}
	switch env.Type {
	case api.MessageInitializeResponse:
		var resp api.InitializeResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			c.logger.Warn("malformed initialize response", "error", err)
			return
		}
		select {
		case c.initResp <- resp:
		default:
		}
	case api.MessageHeartbeatAck:
		var ack api.HeartbeatAck
		if err := json.Unmarshal(line, &ack); err == nil && c.onHeartbeatAck != nil {
			c.onHeartbeatAck(ack.ID)
		}
	case api.MessageAck:
		var ack api.Ack
		if err := json.Unmarshal(line, &ack); err != nil {
			c.logger.Warn("malformed ack", "error", err)
			return
		}
		if ack.CommandID != "" {
			if w, ok := c.waiters.Pop(ack.CommandID); ok {
				w <- ack
			}
		}
		if ack.SequenceNumber != nil && c.onSnapshotAck != nil {
			c.onSnapshotAck(ack)
		}
	case api.MessageLog:
		var msg api.LogMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			return
		}
		c.logger.Log(logging.Level(msg.Level), msg.Message)
	default:
		c.logger.Trace("ignoring message", "type", env.Type)
	}
}

// expect registers a waiter for the ack of command id.
func (c *conn) expect(id string) <-chan api.Ack {
	ch := make(chan api.Ack, 1)
	c.waiters.Set(id, ch)
	return ch
}

func (c *conn) forget(id string) {
	c.waiters.Remove(id)
}

func (c *conn) markClosed() {
	c.once.Do(func() { close(c.closed) })
}

// close stops writes and wakes the dispatcher.
func (c *conn) close() {
	c.ch.Close()
	c.inbound.Dispose()
	c.markClosed()
}
