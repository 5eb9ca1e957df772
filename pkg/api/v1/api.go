// SPDX-FileCopyrightText: Copyright 2025 The capgate Authors
// SPDX-License-Identifier: Apache-2.0

// Package v1 implements the v1 REST API of the gateway.
//
// Handlers return errors; the apierror.ErrorHandler wrapper maps them to
// wire responses, so only success paths write to the ResponseWriter.
// Every response uses the same envelope: a status field, the payload
// under data, and per-request metadata. Tenant scope is taken from the
// request context; handlers never accept a scope from the payload.
package v1

import (
	"context"

	"github.com/capgate-io/capgate/pkg/capability"
	"github.com/capgate-io/capgate/pkg/search"
	"github.com/capgate-io/capgate/pkg/syncer"
	"github.com/capgate-io/capgate/pkg/tenancy"
)

//go:generate mockgen -destination=mocks/mock_api.go -package=mocks -source=api.go Searcher,Caller,ServerManager,SyncControl

// Searcher runs capability searches. Implemented by *search.Service.
type Searcher interface {
	Search(ctx context.Context, scope tenancy.Scope, req search.Request) (*search.Response, error)
}

// Caller routes a tool call to the owning upstream server and returns the
// result along with the name of the server that served it. Implemented by
// *aggregator.Aggregator.
type Caller interface {
	Call(ctx context.Context, scope *tenancy.Scope, name string, args map[string]any) (*capability.CallResult, string, error)
}

// ServerManager drives the lifecycle of registered upstream servers.
// Implemented by *aggregator.Aggregator.
type ServerManager interface {
	Register(ctx context.Context, rec *capability.ServerRecord, autoConnect bool) error
	Connect(ctx context.Context, serverID string) error
	Disconnect(ctx context.Context, serverID string) error
	Remove(ctx context.Context, serverID string) error
	Rename(ctx context.Context, serverID, newName string) error
	IsLive(serverID string) bool
}

// SyncControl exposes the embedding pipeline to the API: kicking a pass,
// rebuilding a skill centroid after its membership changed, and reporting
// pipeline state. Implemented by *syncer.Syncer.
type SyncControl interface {
	Trigger()
	RebuildSkill(ctx context.Context, skillID string) error
	Status(ctx context.Context) (*syncer.Status, error)
}

// Readiness reports whether the gateway can serve traffic. A nil error
// means ready.
type Readiness func(ctx context.Context) error
