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

// Package shm contains platform-specific helpers for mapping the
// shared-memory files that carry snapshot payloads.
package shm

import (
	"errors"
	"os"
	"path/filepath"
)

// DevShm is the tmpfs mount preferred for segments on Linux.
const DevShm = "/dev/shm"

var (
	// ErrUnsupported is returned on platforms without mmap support.
	ErrUnsupported = errors.New("shared memory mapping is not supported on this platform")
	// ErrInvalidSize is returned for a non-positive mapping size.
	ErrInvalidSize = errors.New("invalid shared memory size")
)

// MappedRegion represents a memory-mapped shared region backed by a file.
type MappedRegion struct {
	Addr []byte
	Path string
	Size int
	fd   int
}

// MapOptions defines options for mapping shared memory.
type MapOptions struct {
	// Dir holds the backing file, DefaultDir() when empty.
	Dir  string
	Name string
	// Size of the mapping in bytes. Zero maps the whole existing file and
	// is only valid when Create is false.
	Size   int
	Create bool
}

// path resolves the backing file of the mapping.
func (o MapOptions) path() string {
	if filepath.IsAbs(o.Name) {
		return o.Name
	}
	dir := o.Dir
	if dir == "" {
		dir = DefaultDir()
	}
	return filepath.Join(dir, o.Name)
}

// DefaultDir is /dev/shm when present, the temp directory otherwise.
func DefaultDir() string {
	if info, err := os.Stat(DevShm); err == nil && info.IsDir() {
		return DevShm
	}
	return os.TempDir()
}
