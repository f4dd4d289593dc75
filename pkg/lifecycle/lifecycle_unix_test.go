//go:build unix

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

package lifecycle

import (
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReapedWhileGrandchildHoldsStderr(t *testing.T) {
	p, err := Start(Spec{Path: "/bin/sh", Args: []string{"-c", "sleep 30 & exit 0"}}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Stdout().Close() })

	start := time.Now()
	waitDone(t, p)
	assert.Less(t, time.Since(start), 10*time.Second)
	assert.Equal(t, 0, p.ExitCode())
}

func TestStdinWriteHonorsDeadline(t *testing.T) {
	p := helper(t, "sleep")
	stdin, ok := p.Stdin().(*os.File)
	require.True(t, ok)

	require.NoError(t, stdin.SetWriteDeadline(time.Now().Add(100*time.Millisecond)))
	_, err := stdin.Write(make([]byte, 4<<20))
	assert.True(t, errors.Is(err, os.ErrDeadlineExceeded), "unexpected error %v", err)
}
