// SPDX-FileCopyrightText: Copyright 2025 The capgate Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capgate-io/capgate/pkg/config"
	"github.com/capgate-io/capgate/pkg/tenancy"
)

// newGateway assembles a started gateway on temp storage with placeholder
// embeddings and a fast sweep, the closest thing to production wiring a
// test can hold in-process.
func newGateway(t *testing.T) *Gateway {
	t.Helper()
	cfg := config.Default()
	cfg.DatabasePath = filepath.Join(t.TempDir(), "capgate.db")
	cfg.Embedding.Dimension = 64
	cfg.Sync.SweepInterval = config.Duration(50 * time.Millisecond)

	g, err := New(t.Context(), cfg)
	require.NoError(t, err)
	g.Start(t.Context())
	t.Cleanup(g.Shutdown)
	return g
}

func do(t *testing.T, g *Gateway, method, target, body, orgID string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rd)
	if orgID != "" {
		req.Header.Set(tenancy.HeaderOrganizationID, orgID)
	}
	rec := httptest.NewRecorder()
	g.Handler().ServeHTTP(rec, req)
	return rec
}

type envelope struct {
	Status   string          `json:"status"`
	Data     json.RawMessage `json:"data"`
	Metadata map[string]any  `json:"metadata"`
}

func decodeData(t *testing.T, rec *httptest.ResponseRecorder, status int, dst any) envelope {
	t.Helper()
	require.Equal(t, status, rec.Code, "body: %s", rec.Body.String())
	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	if dst != nil {
		require.NoError(t, json.Unmarshal(env.Data, dst))
	}
	return env
}

func TestGatewayHealth(t *testing.T) {
	g := newGateway(t)
	rec := do(t, g, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, rec.Code, "body: %s", rec.Body.String())
}

func TestGatewayMetricsExposed(t *testing.T) {
	g := newGateway(t)
	rec := do(t, g, http.MethodGet, "/metrics", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

// TestGatewayToolBecomesSearchable drives the full pipeline end to end:
// a tool created over HTTP is picked up by the sync loop, embedded,
// indexed, and returned by search within the consistency window.
func TestGatewayToolBecomesSearchable(t *testing.T) {
	g := newGateway(t)

	rec := do(t, g, http.MethodPost, "/api/v1/tools",
		`{"name":"create_event","description":"Create a calendar event with attendees"}`, "")
	decodeData(t, rec, http.StatusCreated, nil)

	rec = do(t, g, http.MethodPost, "/api/v1/sync/trigger", "", "")
	require.Equal(t, http.StatusAccepted, rec.Code, "body: %s", rec.Body.String())

	searchBody := `{"query":"create a calendar event","tool_threshold":0.05}`
	deadline := time.Now().Add(2 * time.Second)
	for {
		rec = do(t, g, http.MethodPost, "/api/v1/search", searchBody, "")
		require.Equal(t, http.StatusOK, rec.Code, "body: %s", rec.Body.String())

		var data struct {
			Tools []struct {
				Name string `json:"name"`
			} `json:"tools"`
		}
		env := decodeData(t, rec, http.StatusOK, &data)
		if len(data.Tools) > 0 {
			assert.Equal(t, "create_event", data.Tools[0].Name)
			// With no skill centroids the hierarchical strategy falls
			// back to direct and says so.
			assert.Equal(t, "direct", env.Metadata["strategy_used"])
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("tool never became searchable, last body: %s", rec.Body.String())
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// Org-scoped rows never leak across tenants, end to end.
func TestGatewayTenancyIsolation(t *testing.T) {
	g := newGateway(t)

	rec := do(t, g, http.MethodPost, "/api/v1/tools",
		`{"name":"sales_report","description":"Quarterly sales report numbers"}`, "org-a")
	decodeData(t, rec, http.StatusCreated, nil)

	rec = do(t, g, http.MethodPost, "/api/v1/sync/trigger", "", "")
	require.Equal(t, http.StatusAccepted, rec.Code)

	// Wait until org A sees its own tool, then assert org B never does.
	searchBody := `{"query":"quarterly sales report numbers","tool_threshold":0.05}`
	require.Eventually(t, func() bool {
		rec := do(t, g, http.MethodPost, "/api/v1/search", searchBody, "org-a")
		if rec.Code != http.StatusOK {
			return false
		}
		var data struct {
			Tools []struct {
				Name string `json:"name"`
			} `json:"tools"`
		}
		decodeData(t, rec, http.StatusOK, &data)
		return len(data.Tools) > 0
	}, 2*time.Second, 50*time.Millisecond)

	rec = do(t, g, http.MethodPost, "/api/v1/search", searchBody, "org-b")
	var data struct {
		Tools []struct {
			Name string `json:"name"`
		} `json:"tools"`
	}
	decodeData(t, rec, http.StatusOK, &data)
	for _, tool := range data.Tools {
		assert.NotEqual(t, "sales_report", tool.Name)
	}
}

func TestGatewayEmptyQueryRejected(t *testing.T) {
	g := newGateway(t)
	rec := do(t, g, http.MethodPost, "/api/v1/search", `{"query":""}`, "")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestGatewayRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Listen = ""
	_, err := New(t.Context(), cfg)
	require.Error(t, err)
}

func TestIndexPath(t *testing.T) {
	assert.Equal(t, ":memory:", indexPath(":memory:"))
	assert.Equal(t, ":memory:", indexPath("file:reg?mode=memory&cache=shared"))
	assert.Equal(t, "/var/lib/capgate.index.db", indexPath("/var/lib/capgate.db"))
	assert.Equal(t, "capgate.index", indexPath("capgate"))
}
