// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package metrics

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type OTelMetricsTest struct {
	suite.Suite
	ctx context.Context
	m   *OTelMetrics
}

func TestOTelMetricsTest(t *testing.T) { suite.Run(t, new(OTelMetricsTest)) }

func (t *OTelMetricsTest) SetupTest() {
	t.ctx = context.Background()
	m, err := New(t.ctx)
	require.NoError(t.T(), err)
	t.m = m
}

func (t *OTelMetricsTest) scrape() string {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	t.m.Handler().ServeHTTP(rec, req)
	return rec.Body.String()
}

func (t *OTelMetricsTest) TestRecordCopyUpIncrementsPrometheusCounter() {
	t.m.RecordCopyUp(t.ctx, "file")
	t.m.RecordCopyUp(t.ctx, "file")
	t.m.RecordCopyUp(t.ctx, "dir")

	body := t.scrape()
	assert.Contains(t.T(), body, `stackfs_copyups_total{kind="file"} 2`)
	assert.Contains(t.T(), body, `stackfs_copyups_total{kind="dir"} 1`)
}

func (t *OTelMetricsTest) TestRecordRevalidationIncrementsPrometheusCounter() {
	t.m.RecordRevalidation(t.ctx, "hit")
	t.m.RecordRevalidation(t.ctx, "stale")

	body := t.scrape()
	assert.Contains(t.T(), body, `stackfs_revalidations_total{outcome="hit"} 1`)
	assert.Contains(t.T(), body, `stackfs_revalidations_total{outcome="stale"} 1`)
}

func (t *OTelMetricsTest) TestRecordWhiteoutIncrementsCounter() {
	t.m.RecordWhiteout(t.ctx)
	t.m.RecordWhiteout(t.ctx)

	body := t.scrape()
	assert.Contains(t.T(), body, "stackfs_whiteouts_total 2")
}

func (t *OTelMetricsTest) TestSetSideIOQueueDepthUpdatesGauge() {
	t.m.SetSideIOQueueDepth(7)

	body := t.scrape()
	assert.Contains(t.T(), body, "stackfs_sideio_queue_depth 7")
}

func (t *OTelMetricsTest) TestHandlerServesOK() {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	t.m.Handler().ServeHTTP(rec, req)
	assert.Equal(t.T(), 200, rec.Code)
}
