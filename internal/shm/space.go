/*
 * Copyright 2025 SREDiag Authors
 * Copyright 2023 CloudWeGo Authors
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
	"github.com/shirou/gopsutil/v3/disk"
)

// FreeSpace returns the bytes available on the filesystem holding dir.
func FreeSpace(dir string) (uint64, error) {
	stat, err := disk.Usage(dir)
	if err != nil {
		return 0, err
	}
	return stat.Free, nil
}

// CanCreate reports whether size bytes fit in dir while keeping reserve
// bytes free. When usage cannot be read it answers true and lets the write
// itself fail.
func CanCreate(dir string, size, reserve uint64) bool {
	free, err := FreeSpace(dir)
	if err != nil {
		return true
	}
	if size > free {
		return false
	}
	return free-size >= reserve
}
