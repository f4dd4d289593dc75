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

// Package transport delivers snapshot payloads to extension processes.
//
// Three interchangeable media are supported: a shared-memory segment
// (mmap), inline framing on the process standard input (stdin) and a drop
// file (file). Whatever the medium, each delivery is announced on the
// process Channel with an api.SnapshotMessage carrying the metadata, so
// the receiver can check size and checksum with ExtensionMetadata.VerifyData.
package transport

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/hashicorp/go-hclog"

	"github.com/srediag/extension-host/api"
	"github.com/srediag/extension-host/internal/logging"
)

// Mode names a delivery medium.
type Mode string

const (
	ModeMmap  Mode = "mmap"
	ModeStdin Mode = "stdin"
	ModeFile  Mode = "file"
)

// Modes lists every supported mode.
var Modes = []Mode{ModeMmap, ModeStdin, ModeFile}

var (
	ErrUnknownMode       = errors.New("unknown transport mode")
	ErrClosed            = errors.New("transport is closed")
	ErrBroken            = errors.New("channel broken by a failed write")
	ErrPayloadTooLarge   = errors.New("snapshot payload exceeds the configured maximum")
	ErrInsufficientSpace = errors.New("not enough free space for snapshot")
	ErrSizeMismatch      = errors.New("payload length does not match metadata")
)

// Transport delivers payloads for one extension.
type Transport interface {
	Mode() Mode
	// Send stores payload on the medium and announces it on the channel.
	Send(ctx context.Context, md api.ExtensionMetadata, payload []byte) error
	// Cleanup releases what Send allocated for md. Unknown or already
	// released metadata is a no-op.
	Cleanup(md api.ExtensionMetadata)
	// Close releases everything still held.
	Close() error
}

// Channel writes protocol messages to the extension process. A send gives
// up when ctx is done.
type Channel interface {
	Send(ctx context.Context, msg interface{}) error
	// SendWithPayload writes msg followed by the raw payload bytes as one
	// atomic frame.
	SendWithPayload(ctx context.Context, msg interface{}, payload []byte) error
}

// Options tunes every transport.
type Options struct {
	// Dir holds segments or drop files. Defaults depend on the mode.
	Dir string
	// MaxPayloadSize rejects larger payloads, 0 disables the check.
	MaxPayloadSize int64
	// MinFreeSpace is kept free on the filesystem backing Dir.
	MinFreeSpace uint64
	Logger       hclog.Logger
}

// ParseMode parses a mode name, case-insensitively.
func ParseMode(s string) (Mode, error) {
	m := Mode(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Modes {
		if m == known {
			return m, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownMode, s)
}

// Select picks the mode used with an extension: preferred if offered, then
// fallback if offered, then the first offered mode. Offering nothing means
// offering file.
func Select(offered []string, preferred, fallback string) (Mode, error) {
	var modes []Mode
	for _, o := range offered {
		m, err := ParseMode(o)
		if err != nil {
			continue
		}
		modes = append(modes, m)
	}
	if len(offered) == 0 {
		modes = []Mode{ModeFile}
	}
	if len(modes) == 0 {
		return "", fmt.Errorf("%w: none of %v", ErrUnknownMode, offered)
	}
	contains := func(want string) (Mode, bool) {
		if want == "" {
			return "", false
		}
		m, err := ParseMode(want)
		if err != nil {
			return "", false
		}
		for _, o := range modes {
			if o == m {
				return m, true
			}
		}
		return "", false
	}
	if m, ok := contains(preferred); ok {
		return m, nil
	}
	if m, ok := contains(fallback); ok {
		return m, nil
	}
	return modes[0], nil
}

// New builds the transport for mode.
func New(mode Mode, extensionID string, ch Channel, opts Options) (Transport, error) {
	opts.Logger = logging.OrNull(opts.Logger).Named("transport").With("mode", string(mode))
	switch mode {
	case ModeMmap:
		return newMmapTransport(extensionID, ch, opts)
	case ModeStdin:
		return newStreamTransport(ch, opts), nil
	case ModeFile:
		return newFileTransport(extensionID, ch, opts)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMode, mode)
	}
}

func checkPayload(md api.ExtensionMetadata, payload []byte, max int64) error {
	if int64(len(payload)) != md.DataSize {
		return fmt.Errorf("%w: %d bytes, metadata declares %d", ErrSizeMismatch, len(payload), md.DataSize)
	}
	if max > 0 && md.DataSize > max {
		return fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, md.DataSize, max)
	}
	return nil
}

// resourceName builds a per-delivery file name that is unique across host
// processes.
func resourceName(extensionID string, seq int64, suffix string) string {
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, extensionID)
	return fmt.Sprintf("%s-%d-%d%s", safe, os.Getpid(), seq, suffix)
}

func shardBySequence(seq int64) uint32 {
	return uint32(seq) ^ uint32(seq>>32)
}
