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

package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrackerCountsOutstandingHeartbeats(t *testing.T) {
	tr := NewTracker(2)
	tr.Sent(1)
	assert.Equal(t, 0, tr.Missed())
	tr.Sent(2)
	tr.Sent(3)
	assert.Equal(t, 2, tr.Missed())
	assert.False(t, tr.Exceeded())

	tr.Sent(4)
	assert.True(t, tr.Exceeded())

	tr.Acked(3)
	assert.Equal(t, 0, tr.Missed())
	assert.False(t, tr.LastAck().IsZero())
}

func TestTrackerIgnoresUnknownAck(t *testing.T) {
	tr := NewTracker(1)
	tr.Sent(1)
	tr.Sent(2)
	tr.Acked(7)
	assert.Equal(t, 1, tr.Missed())

	tr.Reset()
	assert.Equal(t, 0, tr.Missed())
	assert.True(t, tr.LastAck().IsZero())
}

type staticReporter []Status

func (s staticReporter) HealthStatuses() []Status { return s }

func TestExtensionsCheck(t *testing.T) {
	ok := staticReporter{{ID: "a", Available: true}}
	assert.NoError(t, ExtensionsCheck(ok)())

	down := staticReporter{
		{ID: "b", Reason: "Initialization failed: boom"},
		{ID: "a", Available: true},
		{ID: "c"},
	}
	assert.EqualError(t, ExtensionsCheck(down)(), "unavailable extensions: b (Initialization failed: boom), c")
}

func TestHandlerEndpoints(t *testing.T) {
	h := NewHandler(staticReporter{{ID: "pdf", State: "Error"}})

	rec := httptest.NewRecorder()
	h.LiveEndpoint(rec, httptest.NewRequest(http.MethodGet, "/live", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ReadyEndpoint(rec, httptest.NewRequest(http.MethodGet, "/ready?full=1", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, body["extensions"], "pdf")
}
