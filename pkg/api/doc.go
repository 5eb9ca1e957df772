// SPDX-FileCopyrightText: Copyright 2025 The capgate Authors
// SPDX-License-Identifier: Apache-2.0

// Package api assembles and serves the gateway's HTTP surface.
//
// Router builds the chi handler tree: the versioned REST API under
// /api/v1 (see the v1 subpackage), the OpenAPI document and Scalar
// reference under /api, Prometheus metrics under /metrics, the health
// probe under /health, and the streamable MCP endpoint under /mcp.
// Serve runs that handler on a TCP address or a unix:// socket and
// drains in-flight requests on shutdown.
//
// Every REST response uses a common envelope: successes carry
// {"status": "success", "data": ...}, failures carry
// {"status": "error", "error": {...}}, and both include a metadata
// object with the request id. Error payloads come from the apierror
// taxonomy; handlers return errors and the ErrorHandler wrapper maps
// them to status codes.
package api
