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

// Package sdk is the extension side of the host protocol. An extension
// binary builds a Server with its callbacks and calls Serve on its standard
// streams.
package sdk

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/hashicorp/go-hclog"

	"github.com/srediag/extension-host/api"
	"github.com/srediag/extension-host/internal/logging"
	"github.com/srediag/extension-host/pkg/shm"
	"github.com/srediag/extension-host/pkg/transport"
)

// maxLineSize bounds a single protocol line.
const maxLineSize = 16 << 20

var ErrPayloadInvalid = errors.New("snapshot payload failed verification")

// Server answers the host protocol.
type Server struct {
	// Info is returned in the initialize response.
	Info api.InitializeResponse

	// Snapshot receives every verified payload. A returned error is
	// reported in the ack.
	Snapshot func(ctx context.Context, md api.ExtensionMetadata, data []byte) error
	// Command answers a command request.
	Command func(ctx context.Context, req api.CommandRequest) (json.RawMessage, error)
	// SessionClosed is told about sessions the host unbound.
	SessionClosed func(ctx context.Context, msg api.SessionClosed)

	Logger hclog.Logger

	ch   transport.Channel
	init api.InitializeRequest
}

// Serve runs until in reaches EOF, a shutdown message arrives or ctx is
// done.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	logger := logging.OrNull(s.Logger)
	lc := transport.NewLineChannel(out)
	defer lc.Close()
	s.ch = lc
	r := bufio.NewReaderSize(in, 64<<10)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		line, err := readLine(r)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		var env api.Envelope
		if err := json.Unmarshal(line, &env); err != nil {
			logger.Debug("ignoring malformed line", "error", err)
			continue
		}
		switch env.Type {
		case api.MessageInitialize:
			if err := json.Unmarshal(line, &s.init); err != nil {
				return fmt.Errorf("decoding initialize: %w", err)
			}
			resp := s.Info
			resp.Type = api.MessageInitializeResponse
			if err := s.ch.Send(ctx, resp); err != nil {
				return err
			}
		case api.MessageHeartbeat:
			var hb api.Heartbeat
			if err := json.Unmarshal(line, &hb); err != nil {
				continue
			}
			if err := s.ch.Send(ctx, api.HeartbeatAck{Type: api.MessageHeartbeatAck, ID: hb.ID}); err != nil {
				return err
			}
		case api.MessageSnapshot:
			var msg api.SnapshotMessage
			if err := json.Unmarshal(line, &msg); err != nil {
				continue
			}
			err := s.handleSnapshot(ctx, r, msg)
			if err != nil {
				logger.Warn("snapshot rejected", "seq", msg.Metadata.SequenceNumber, "error", err)
			}
			if err := s.ch.Send(ctx, api.SnapshotAck(msg.Metadata.SequenceNumber, err)); err != nil {
				return err
			}
		case api.MessageCommand:
			var req api.CommandRequest
			if err := json.Unmarshal(line, &req); err != nil {
				continue
			}
			var result json.RawMessage
			var cmdErr error
			if s.Command != nil {
				result, cmdErr = s.Command(ctx, req)
			} else {
				cmdErr = fmt.Errorf("unsupported command %q", req.Command)
			}
			if err := s.ch.Send(ctx, api.CommandAck(req.ID, result, cmdErr)); err != nil {
				return err
			}
		case api.MessageSessionClosed:
			var msg api.SessionClosed
			if err := json.Unmarshal(line, &msg); err == nil && s.SessionClosed != nil {
				s.SessionClosed(ctx, msg)
			}
		case api.MessageShutdown:
			return nil
		default:
			logger.Trace("ignoring message", "type", env.Type)
		}
	}
}

// Request is the initialize request received from the host, zero before
// the handshake.
func (s *Server) Request() api.InitializeRequest {
	return s.init
}

// Log forwards a log line to the host logger.
func (s *Server) Log(level, message string) error {
	if s.ch == nil {
		return errors.New("server is not running")
	}
	return s.ch.Send(context.Background(), api.LogMessage{Type: api.MessageLog, Level: level, Message: message})
}

func readLine(r *bufio.Reader) ([]byte, error) {
	var line []byte
	for {
		chunk, isPrefix, err := r.ReadLine()
		if err != nil {
			return nil, err
		}
		line = append(line, chunk...)
		if len(line) > maxLineSize {
			return nil, fmt.Errorf("protocol line exceeds %d bytes", maxLineSize)
		}
		if !isPrefix {
			return line, nil
		}
	}
}

func (s *Server) handleSnapshot(ctx context.Context, r *bufio.Reader, msg api.SnapshotMessage) error {
	data, err := ReadPayload(ctx, r, msg)
	if err != nil {
		return err
	}
	if res := msg.Metadata.VerifyData(data); res != api.VerifyValid {
		return fmt.Errorf("%w: %s", ErrPayloadInvalid, res)
	}
	if s.Snapshot == nil {
		return nil
	}
	return s.Snapshot(ctx, msg.Metadata, data)
}

// ReadPayload fetches the payload announced by msg. Inline payloads are read
// from r, which must be positioned right after the message line.
func ReadPayload(ctx context.Context, r io.Reader, msg api.SnapshotMessage) ([]byte, error) {
	loc := msg.Location
	switch {
	case loc.Inline:
		data := make([]byte, msg.Metadata.DataSize)
		if _, err := io.ReadFull(r, data); err != nil {
			return nil, fmt.Errorf("reading inline payload: %w", err)
		}
		return data, nil
	case loc.Mode == string(transport.ModeMmap):
		buf, err := shm.Open(ctx, shm.OpenOptions{Name: loc.Path})
		if err != nil {
			return nil, err
		}
		defer buf.Close()
		data, _, err := buf.Read(ctx)
		return data, err
	case loc.Mode == string(transport.ModeFile):
		return os.ReadFile(loc.Path)
	default:
		return nil, fmt.Errorf("unsupported location mode %q", loc.Mode)
	}
}
