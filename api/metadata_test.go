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

package api

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifyData(t *testing.T) {
	data := []byte("rendered page 1")
	md := NewMetadata("s1", 7, "pdf", "png", "image/png", data)

	assert.Equal(t, int64(len(data)), md.DataSize)
	assert.Equal(t, VerifyValid, md.VerifyData(append([]byte(nil), data...)))
	assert.Equal(t, VerifySizeMismatch, md.VerifyData(data[:len(data)-1]))

	flipped := append([]byte(nil), data...)
	flipped[0] ^= 0xff
	assert.Equal(t, VerifyChecksumMismatch, md.VerifyData(flipped))
	assert.Equal(t, VerifyNullData, md.VerifyData(nil))
}

func TestVerifyEmptyMetadata(t *testing.T) {
	var md ExtensionMetadata
	assert.Equal(t, VerifyValid, md.VerifyData(nil))
	assert.Equal(t, VerifyValid, md.VerifyData([]byte{}))
	assert.Equal(t, VerifyValid, md.VerifyChecksum(nil))
	assert.Equal(t, VerifySizeMismatch, md.VerifyData([]byte{1}))
}

func TestVerifyChecksumIgnoresSize(t *testing.T) {
	data := []byte{1, 2, 3, 4}
	md := NewMetadata("s1", 1, "pdf", "png", "", data)
	md.DataSize = 99
	assert.Equal(t, VerifyValid, md.VerifyChecksum(data))
	assert.Equal(t, VerifyChecksumMismatch, md.VerifyChecksum([]byte{4, 3, 2, 1}))
	assert.Equal(t, VerifyNullData, md.VerifyChecksum(nil))
}

func TestAckBuilders(t *testing.T) {
	ok := SnapshotAck(3, nil)
	require.NotNil(t, ok.SequenceNumber)
	assert.Equal(t, int64(3), *ok.SequenceNumber)
	assert.Equal(t, AckOK, ok.Status)

	failed := CommandAck("c1", nil, errors.New("boom"))
	assert.Equal(t, AckError, failed.Status)
	assert.Equal(t, "boom", failed.Error)

	raw, err := json.Marshal(ok)
	require.NoError(t, err)
	var env Envelope
	require.NoError(t, json.Unmarshal(raw, &env))
	assert.Equal(t, MessageAck, env.Type)
}

func TestErrorCodeNames(t *testing.T) {
	assert.Equal(t, "InternalError", ErrorInternal.String())
	assert.Equal(t, "ErrorCode(42)", ErrorCode(42).String())

	res := BindingFailed(ErrorBindingNotFound, "no binding for %q", "s9")
	assert.False(t, res.Success)
	assert.EqualError(t, res.Err(), `BindingNotFound: no binding for "s9"`)
	assert.NoError(t, BindingOK("s1", "ext").Err())
}
