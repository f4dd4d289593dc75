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

// Package api defines the contracts shared between the extension host and
// extension processes: the line-delimited JSON wire protocol, snapshot
// metadata with its integrity checks, and the result types returned to
// callers.
//
// Every message is a single JSON object terminated by '\n'. The host writes
// to the extension's standard input and reads from its standard output.
// Unknown fields and unknown message types must be ignored by both sides.
package api

import "encoding/json"

// ProtocolVersion is the version announced in the initialize request when a
// definition does not pin one.
const ProtocolVersion = "1.0"

// MessageType discriminates protocol messages.
type MessageType string

const (
	MessageInitialize         MessageType = "initialize"
	MessageInitializeResponse MessageType = "initialize_response"
	MessageHeartbeat          MessageType = "heartbeat"
	MessageHeartbeatAck       MessageType = "heartbeat_ack"
	MessageSnapshot           MessageType = "snapshot"
	MessageAck                MessageType = "ack"
	MessageCommand            MessageType = "command"
	MessageSessionClosed      MessageType = "session_closed"
	MessageShutdown           MessageType = "shutdown"
	MessageLog                MessageType = "log"
)

// Envelope is decoded first to route an inbound line to its concrete type.
type Envelope struct {
	Type MessageType `json:"type"`
}

// InitializeRequest opens the handshake (host -> extension).
type InitializeRequest struct {
	Type              MessageType `json:"type"`
	ProtocolVersion   string      `json:"protocolVersion"`
	ExtensionID       string      `json:"extensionId"`
	TransportMode     string      `json:"transportMode"`
	SupportsHeartbeat bool        `json:"supportsHeartbeat"`
	FrameIntervalMs   int         `json:"frameIntervalMs,omitempty"`
}

// InitializeResponse completes the handshake (extension -> host).
type InitializeResponse struct {
	Type        MessageType `json:"type"`
	Name        string      `json:"name"`
	Version     string      `json:"version"`
	Title       string      `json:"title,omitempty"`
	Description string      `json:"description,omitempty"`
	Author      string      `json:"author,omitempty"`
	WebsiteURL  string      `json:"websiteUrl,omitempty"`
}

// Heartbeat is a liveness check (host -> extension).
type Heartbeat struct {
	Type      MessageType `json:"type"`
	ID        uint64      `json:"id"`
	Timestamp int64       `json:"timestamp"`
}

// HeartbeatAck answers a Heartbeat with the same ID.
type HeartbeatAck struct {
	Type MessageType `json:"type"`
	ID   uint64      `json:"id"`
}

// Location tells the extension where a snapshot payload can be read.
type Location struct {
	Mode string `json:"mode"`
	// Path of the shared-memory segment or drop file.
	Path string `json:"path,omitempty"`
	// Offset of the payload inside the segment.
	Offset int64 `json:"offset,omitempty"`
	// Inline is set when exactly Metadata.DataSize raw bytes follow the
	// message line on the same stream.
	Inline bool `json:"inline,omitempty"`
}

// SnapshotMessage announces one snapshot delivery (host -> extension).
type SnapshotMessage struct {
	Type     MessageType       `json:"type"`
	Metadata ExtensionMetadata `json:"metadata"`
	Location Location          `json:"location"`
}

// AckStatus is the outcome reported in an Ack.
type AckStatus string

const (
	AckOK    AckStatus = "ok"
	AckError AckStatus = "error"
)

// Ack acknowledges either a command (CommandID) or a snapshot
// (SequenceNumber) (extension -> host).
type Ack struct {
	Type           MessageType     `json:"type"`
	CommandID      string          `json:"commandId,omitempty"`
	SequenceNumber *int64          `json:"sequenceNumber,omitempty"`
	Status         AckStatus       `json:"status"`
	Error          string          `json:"error,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
}

// CommandRequest asks the extension to run a session-scoped command.
type CommandRequest struct {
	Type      MessageType     `json:"type"`
	ID        string          `json:"id"`
	SessionID string          `json:"sessionId"`
	Command   string          `json:"command"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// SessionClosed tells the extension a bound session went away.
type SessionClosed struct {
	Type         MessageType `json:"type"`
	SessionID    string      `json:"sessionId"`
	OutputFormat string      `json:"outputFormat,omitempty"`
}

// Shutdown asks the extension to exit gracefully.
type Shutdown struct {
	Type   MessageType `json:"type"`
	Reason string      `json:"reason,omitempty"`
}

// LogMessage carries an extension log line to the host logger.
type LogMessage struct {
	Type    MessageType `json:"type"`
	Level   string      `json:"level"`
	Message string      `json:"message"`
}

// SnapshotAck builds the acknowledgment for a delivered snapshot.
func SnapshotAck(seq int64, err error) Ack {
	ack := Ack{Type: MessageAck, SequenceNumber: &seq, Status: AckOK}
	if err != nil {
		ack.Status = AckError
		ack.Error = err.Error()
	}
	return ack
}

// CommandAck builds the acknowledgment for a command.
func CommandAck(id string, result json.RawMessage, err error) Ack {
	ack := Ack{Type: MessageAck, CommandID: id, Status: AckOK, Result: result}
	if err != nil {
		ack.Status = AckError
		ack.Error = err.Error()
	}
	return ack
}
