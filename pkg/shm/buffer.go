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

package shm

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"sync"

	internalshm "github.com/srediag/extension-host/internal/shm"
)

const (
	// HeaderSize is the number of bytes before the payload.
	HeaderSize = 32
	// Magic identifies a snapshot segment.
	Magic uint32 = 0x53534858 // "XHSS" little endian
	// LayoutVersion is bumped on incompatible header changes.
	LayoutVersion uint32 = 1

	magicOffset    = 0
	versionOffset  = 4
	sizeOffset     = 8
	checksumOffset = 16
	readyOffset    = 20
	seqOffset      = 24
)

var (
	ErrNotReady       = errors.New("segment is not ready")
	ErrBadMagic       = errors.New("segment has an invalid magic")
	ErrBadVersion     = errors.New("segment has an unsupported layout version")
	ErrTooSmall       = errors.New("payload does not fit in segment")
	ErrCorrupted      = errors.New("segment payload checksum mismatch")
	ErrBufferReleased = errors.New("segment was released")
)

// Header is the decoded segment header.
type Header struct {
	Version        uint32
	DataSize       int64
	Checksum       uint32
	SequenceNumber int64
}

// Buffer is one mapped snapshot segment.
type Buffer struct {
	mu     sync.Mutex
	region *internalshm.MappedRegion
}

// OpenOptions defines options for creating or opening a segment.
type OpenOptions struct {
	// Dir holds the segment file, /dev/shm when available.
	Dir string
	// Name of the segment file, or an absolute path.
	Name string
	// Size is the payload capacity in bytes. Ignored by Open.
	Size int
}

// Create makes a new segment large enough for opts.Size payload bytes.
func Create(ctx context.Context, opts OpenOptions) (*Buffer, error) {
	if opts.Size < 0 {
		return nil, internalshm.ErrInvalidSize
	}
	region, err := internalshm.MapRegion(ctx, internalshm.MapOptions{
		Dir:    opts.Dir,
		Name:   opts.Name,
		Size:   HeaderSize + opts.Size,
		Create: true,
	})
	if err != nil {
		return nil, err
	}
	return &Buffer{region: region}, nil
}

// Open maps an existing segment, typically from the extension side.
func Open(ctx context.Context, opts OpenOptions) (*Buffer, error) {
	region, err := internalshm.MapRegion(ctx, internalshm.MapOptions{
		Dir:  opts.Dir,
		Name: opts.Name,
	})
	if err != nil {
		return nil, err
	}
	if region.Size < HeaderSize {
		_ = internalshm.UnmapRegion(ctx, region)
		return nil, ErrTooSmall
	}
	return &Buffer{region: region}, nil
}

// Path is the backing file of the segment.
func (b *Buffer) Path() string {
	return b.region.Path
}

// Capacity is the payload capacity in bytes.
func (b *Buffer) Capacity() int {
	return b.region.Size - HeaderSize
}

// Write copies data into the segment and publishes it by setting the ready
// flag last.
func (b *Buffer) Write(ctx context.Context, seq int64, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	mem := b.region.Addr
	if mem == nil {
		return ErrBufferReleased
	}
	if len(data) > len(mem)-HeaderSize {
		return fmt.Errorf("%w: %d > %d", ErrTooSmall, len(data), len(mem)-HeaderSize)
	}
	internalshm.AtomicStoreUint32(mem, readyOffset, 0)
	binary.LittleEndian.PutUint32(mem[magicOffset:], Magic)
	binary.LittleEndian.PutUint32(mem[versionOffset:], LayoutVersion)
	binary.LittleEndian.PutUint64(mem[sizeOffset:], uint64(len(data)))
	binary.LittleEndian.PutUint32(mem[checksumOffset:], crc32.ChecksumIEEE(data))
	binary.LittleEndian.PutUint64(mem[seqOffset:], uint64(seq))
	copy(mem[HeaderSize:], data)
	internalshm.AtomicStoreUint32(mem, readyOffset, 1)
	return nil
}

// Read returns a copy of the published payload and its header. The payload
// is verified against the header checksum.
func (b *Buffer) Read(ctx context.Context) ([]byte, Header, error) {
	if err := ctx.Err(); err != nil {
		return nil, Header{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	mem := b.region.Addr
	if mem == nil {
		return nil, Header{}, ErrBufferReleased
	}
	if internalshm.AtomicLoadUint32(mem, readyOffset) != 1 {
		return nil, Header{}, ErrNotReady
	}
	if binary.LittleEndian.Uint32(mem[magicOffset:]) != Magic {
		return nil, Header{}, ErrBadMagic
	}
	h := Header{
		Version:        binary.LittleEndian.Uint32(mem[versionOffset:]),
		DataSize:       int64(binary.LittleEndian.Uint64(mem[sizeOffset:])),
		Checksum:       binary.LittleEndian.Uint32(mem[checksumOffset:]),
		SequenceNumber: int64(binary.LittleEndian.Uint64(mem[seqOffset:])),
	}
	if h.Version != LayoutVersion {
		return nil, h, ErrBadVersion
	}
	if h.DataSize < 0 || h.DataSize > int64(len(mem)-HeaderSize) {
		return nil, h, ErrTooSmall
	}
	out := make([]byte, h.DataSize)
	copy(out, mem[HeaderSize:])
	if crc32.ChecksumIEEE(out) != h.Checksum {
		return nil, h, ErrCorrupted
	}
	return out, h, nil
}

// Close unmaps the segment and leaves the file for the other side.
func (b *Buffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return internalshm.UnmapRegion(context.Background(), b.region)
}

// Remove unmaps the segment and deletes its file. Calling it again is a
// no-op.
func (b *Buffer) Remove() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return internalshm.RemoveRegion(context.Background(), b.region)
}
