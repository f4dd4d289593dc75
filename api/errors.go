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
	"fmt"
)

// ErrorCode classifies failures returned in BindingResult and
// CommandResponse.
type ErrorCode int

const (
	ErrorNone ErrorCode = iota
	ErrorInvalidParameter
	ErrorSessionNotFound
	ErrorExtensionNotFound
	ErrorExtensionUnavailable
	ErrorBindingNotFound
	ErrorFormatNotSupported
	ErrorConversionFailed
	ErrorInternal
)

var errorCodeNames = [...]string{
	ErrorNone:                 "None",
	ErrorInvalidParameter:     "InvalidParameter",
	ErrorSessionNotFound:      "SessionNotFound",
	ErrorExtensionNotFound:    "ExtensionNotFound",
	ErrorExtensionUnavailable: "ExtensionUnavailable",
	ErrorBindingNotFound:      "BindingNotFound",
	ErrorFormatNotSupported:   "FormatNotSupported",
	ErrorConversionFailed:     "ConversionFailed",
	ErrorInternal:             "InternalError",
}

func (c ErrorCode) String() string {
	if c >= 0 && int(c) < len(errorCodeNames) {
		return errorCodeNames[c]
	}
	return fmt.Sprintf("ErrorCode(%d)", int(c))
}

// MarshalText encodes the code by name.
func (c ErrorCode) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// BindingResult reports the outcome of a session binding operation.
type BindingResult struct {
	Success     bool      `json:"success"`
	Code        ErrorCode `json:"code"`
	Message     string    `json:"message,omitempty"`
	SessionID   string    `json:"sessionId,omitempty"`
	ExtensionID string    `json:"extensionId,omitempty"`
}

// BindingOK is a successful BindingResult.
func BindingOK(sessionID, extensionID string) BindingResult {
	return BindingResult{Success: true, Code: ErrorNone, SessionID: sessionID, ExtensionID: extensionID}
}

// BindingFailed is a failed BindingResult with a formatted message.
func BindingFailed(code ErrorCode, format string, args ...interface{}) BindingResult {
	return BindingResult{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Err converts a failed result into an error, nil on success.
func (r BindingResult) Err() error {
	if r.Success {
		return nil
	}
	return fmt.Errorf("%s: %s", r.Code, r.Message)
}

// CommandResponse reports the outcome of a command sent to an extension.
type CommandResponse struct {
	Success   bool            `json:"success"`
	Code      ErrorCode       `json:"code"`
	Message   string          `json:"message,omitempty"`
	CommandID string          `json:"commandId,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
}

// CommandOK is a successful CommandResponse.
func CommandOK(id string, result json.RawMessage) CommandResponse {
	return CommandResponse{Success: true, Code: ErrorNone, CommandID: id, Result: result}
}

// CommandFailed is a failed CommandResponse with a formatted message.
func CommandFailed(code ErrorCode, format string, args ...interface{}) CommandResponse {
	return CommandResponse{Code: code, Message: fmt.Sprintf(format, args...)}
}
