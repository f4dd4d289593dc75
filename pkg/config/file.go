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

package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/hashicorp/go-hclog"
	"github.com/tidwall/jsonc"

	"github.com/srediag/extension-host/internal/logging"
)

var (
	// ErrConfigMissing and ErrConfigInvalid are reported by LoadFile and
	// mean "no extensions", not a startup failure.
	ErrConfigMissing = errors.New("extensions file not found")
	ErrConfigInvalid = errors.New("extensions file is not valid JSON")
	// ErrDuplicateID is an authoring error in the extensions file.
	ErrDuplicateID = errors.New("duplicate extension id")
)

// File is the decoded extensions file.
type File struct {
	Extensions map[string]*ExtensionDefinition `json:"extensions"`
}

// LoadFile reads and parses path. Comments and trailing commas are allowed.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrConfigMissing, path)
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes the content of an extensions file.
func Parse(data []byte) (*File, error) {
	data = jsonc.ToJSON(data)
	if !json.Valid(data) {
		return nil, ErrConfigInvalid
	}
	if err := checkDuplicateIDs(data); err != nil {
		return nil, err
	}
	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfigInvalid, err)
	}
	return &f, nil
}

// checkDuplicateIDs walks the "extensions" object by token since decoding
// into a map silently keeps the last duplicate.
func checkDuplicateIDs(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	if tok, err := dec.Token(); err != nil || tok != json.Delim('{') {
		return nil
	}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil
		}
		key, _ := tok.(string)
		if key != "extensions" {
			var skip json.RawMessage
			if err := dec.Decode(&skip); err != nil {
				return nil
			}
			continue
		}
		if tok, err := dec.Token(); err != nil || tok != json.Delim('{') {
			return nil
		}
		seen := make(map[string]bool)
		for dec.More() {
			tok, err := dec.Token()
			if err != nil {
				return nil
			}
			id, _ := tok.(string)
			if seen[id] {
				return fmt.Errorf("%w: %q", ErrDuplicateID, id)
			}
			seen[id] = true
			var skip json.RawMessage
			if err := dec.Decode(&skip); err != nil {
				return nil
			}
		}
		return nil
	}
	return nil
}

// Definitions returns the accepted definitions sorted by id. Empty ids are
// skipped, ids containing ':' are skipped with a warning.
func (f *File) Definitions(logger hclog.Logger) []*ExtensionDefinition {
	logger = logging.OrNull(logger)
	if f == nil {
		return nil
	}
	ids := make([]string, 0, len(f.Extensions))
	for id := range f.Extensions {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	defs := make([]*ExtensionDefinition, 0, len(ids))
	for _, id := range ids {
		def := f.Extensions[id]
		switch {
		case strings.TrimSpace(id) == "":
			logger.Debug("skipping extension with empty id")
			continue
		case strings.Contains(id, ":"):
			logger.Warn("skipping extension, id must not contain ':'", "id", id)
			continue
		case def == nil:
			logger.Warn("skipping extension without definition", "id", id)
			continue
		}
		def.ID = id
		def.normalize()
		defs = append(defs, def)
	}
	return defs
}
