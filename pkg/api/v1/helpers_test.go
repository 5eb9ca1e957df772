// SPDX-FileCopyrightText: Copyright 2025 The capgate Authors
// SPDX-License-Identifier: Apache-2.0

package v1

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/capgate-io/capgate/pkg/capability"
	"github.com/capgate-io/capgate/pkg/registry/sqlite"
	"github.com/capgate-io/capgate/pkg/tenancy"
)

// newStore opens a fresh registry. Migrations run on open and seed the
// uncategorized skill.
func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.Open(t.Context(), filepath.Join(t.TempDir(), "registry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// serve routes one request through the tenancy middleware and the router
// under test, the same plumbing the assembled server uses.
func serve(t *testing.T, h http.Handler, method, target, body, orgID string) *httptest.ResponseRecorder {
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
	tenancy.Middleware(h).ServeHTTP(rec, req)
	return rec
}

// wireEnvelope mirrors the response envelope for assertions. Success
// responses populate Data, error responses populate Err.
type wireEnvelope struct {
	Status   string          `json:"status"`
	Data     json.RawMessage `json:"data"`
	Metadata map[string]any  `json:"metadata"`
	Err      *wireError      `json:"error"`
}

type wireError struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []wireDetail `json:"details"`
}

type wireDetail struct {
	Field string `json:"field"`
	Issue string `json:"issue"`
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) wireEnvelope {
	t.Helper()
	var env wireEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), "body: %s", rec.Body.String())
	return env
}

// successData asserts a success envelope and unmarshals its data payload.
func successData(t *testing.T, rec *httptest.ResponseRecorder, status int, dst any) wireEnvelope {
	t.Helper()
	require.Equal(t, status, rec.Code, "body: %s", rec.Body.String())
	env := decodeEnvelope(t, rec)
	require.Equal(t, "success", env.Status)
	if dst != nil {
		require.NoError(t, json.Unmarshal(env.Data, dst))
	}
	return env
}

// errorCode asserts an error envelope and returns it for detail checks.
func errorCode(t *testing.T, rec *httptest.ResponseRecorder, status int, code string) wireEnvelope {
	t.Helper()
	require.Equal(t, status, rec.Code, "body: %s", rec.Body.String())
	env := decodeEnvelope(t, rec)
	require.Equal(t, "error", env.Status)
	require.NotNil(t, env.Err)
	require.Equal(t, code, env.Err.Code)
	return env
}

func seedTool(t *testing.T, store *sqlite.Store, tool *capability.Tool) *capability.Tool {
	t.Helper()
	require.NoError(t, store.CreateTool(t.Context(), tool))
	return tool
}

func internalTool(name string) *capability.Tool {
	return &capability.Tool{
		Record: capability.Record{
			Name:        name,
			Description: "does " + name,
			IsGlobal:    true,
			Origin:      capability.OriginInternal,
			Active:      true,
		},
		InputSchema: map[string]any{"type": "object"},
	}
}

func externalTool(name, serverID string) *capability.Tool {
	tool := internalTool(name)
	tool.Origin = capability.OriginExternal
	tool.ServerID = serverID
	tool.OriginalName = strings.SplitN(name, ".", 2)[1]
	return tool
}

func globalServer(name string) *capability.ServerRecord {
	return &capability.ServerRecord{
		Name:      name,
		Transport: capability.TransportStdio,
		Command:   "/usr/local/bin/" + name,
		IsGlobal:  true,
		Status:    capability.ServerDisconnected,
	}
}
