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
	"hash/crc32"
	"time"
)

// ExtensionMetadata describes one snapshot payload. DataSize and Checksum
// travel with every delivery so the receiver can verify what it read
// independently of the transport.
type ExtensionMetadata struct {
	SessionID      string    `json:"sessionId"`
	SequenceNumber int64     `json:"sequenceNumber"`
	DocumentType   string    `json:"documentType"`
	OutputFormat   string    `json:"outputFormat"`
	MimeType       string    `json:"mimeType,omitempty"`
	DataSize       int64     `json:"dataSize"`
	Checksum       uint32    `json:"checksum"`
	CreatedAt      time.Time `json:"createdAt"`
}

// VerifyResult is the outcome of checking a payload against its metadata.
type VerifyResult int

const (
	VerifyValid VerifyResult = iota
	VerifyNullData
	VerifySizeMismatch
	VerifyChecksumMismatch
)

func (r VerifyResult) String() string {
	switch r {
	case VerifyValid:
		return "valid"
	case VerifyNullData:
		return "null data"
	case VerifySizeMismatch:
		return "size mismatch"
	case VerifyChecksumMismatch:
		return "checksum mismatch"
	default:
		return "unknown"
	}
}

// Checksum is the CRC32 (IEEE) used for snapshot payloads.
func Checksum(data []byte) uint32 {
	return crc32.ChecksumIEEE(data)
}

// NewMetadata describes data, filling DataSize and Checksum from it.
func NewMetadata(sessionID string, seq int64, documentType, outputFormat, mimeType string, data []byte) ExtensionMetadata {
	return ExtensionMetadata{
		SessionID:      sessionID,
		SequenceNumber: seq,
		DocumentType:   documentType,
		OutputFormat:   outputFormat,
		MimeType:       mimeType,
		DataSize:       int64(len(data)),
		Checksum:       Checksum(data),
		CreatedAt:      time.Now().UTC(),
	}
}

// empty reports whether the metadata describes a zero-length payload.
func (m ExtensionMetadata) empty() bool {
	return m.DataSize == 0 && m.Checksum == 0
}

// VerifyChecksum compares only the checksum of data with the metadata.
func (m ExtensionMetadata) VerifyChecksum(data []byte) VerifyResult {
	if len(data) == 0 {
		if m.empty() {
			return VerifyValid
		}
		if data == nil {
			return VerifyNullData
		}
	}
	if Checksum(data) != m.Checksum {
		return VerifyChecksumMismatch
	}
	return VerifyValid
}

// VerifyData checks the length of data first and then its checksum.
func (m ExtensionMetadata) VerifyData(data []byte) VerifyResult {
	if data == nil {
		if m.empty() {
			return VerifyValid
		}
		return VerifyNullData
	}
	if int64(len(data)) != m.DataSize {
		return VerifySizeMismatch
	}
	if len(data) == 0 && m.Checksum == 0 {
		return VerifyValid
	}
	if Checksum(data) != m.Checksum {
		return VerifyChecksumMismatch
	}
	return VerifyValid
}
