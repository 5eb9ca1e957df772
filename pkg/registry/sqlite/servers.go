// SPDX-FileCopyrightText: Copyright 2025 The capgate Authors
// SPDX-License-Identifier: Apache-2.0

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/capgate-io/capgate/pkg/apierror"
	"github.com/capgate-io/capgate/pkg/capability"
	"github.com/capgate-io/capgate/pkg/registry"
	"github.com/capgate-io/capgate/pkg/tenancy"
)

// CreateServer stores a new server record, assigning an id when empty.
func (s *Store) CreateServer(ctx context.Context, srv *capability.ServerRecord) error {
	if !capability.ValidServerName(srv.Name) {
		return apierror.Validation("invalid server name").
			WithDetail("name", "must match ^[A-Za-z0-9][A-Za-z0-9_-]*$")
	}
	switch srv.Transport {
	case capability.TransportStdio, capability.TransportSSE, capability.TransportHTTP:
	default:
		return apierror.Validation("invalid transport").
			WithDetail("transport", "must be stdio, sse or http")
	}
	if err := validateVisibility(srv.IsGlobal, srv.OrgID); err != nil {
		return err
	}

	if srv.ID == "" {
		srv.ID = uuid.NewString()
	}
	if srv.Status == "" {
		srv.Status = capability.ServerDisconnected
	}

	args, err := encodeStrings(srv.Args)
	if err != nil {
		return err
	}
	env, err := encodeStringMap(srv.Env)
	if err != nil {
		return err
	}
	headers, err := encodeStringMap(srv.Headers)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO servers (
			id, name, description, transport, command, args, env, url,
			headers, health_check_url, call_timeout_ms, is_global, org_id,
			status, last_probe_at, consecutive_failures
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		srv.ID, srv.Name, srv.Description, string(srv.Transport),
		srv.Command, args, env, srv.URL, headers, srv.HealthCheckURL,
		srv.CallTimeout.Milliseconds(), boolToInt(srv.IsGlobal), srv.OrgID,
		string(srv.Status), formatTimestamp(srv.LastProbeAt),
		srv.ConsecutiveFailures,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("server %q: %w", srv.Name, registry.ErrDuplicateName)
		}
		return fmt.Errorf("inserting server: %w", err)
	}
	return nil
}

// serverColumns is the SELECT column list shared by server reads.
const serverColumns = `sv.id, sv.name, sv.description, sv.transport, sv.command,
	sv.args, sv.env, sv.url, sv.headers, sv.health_check_url,
	sv.call_timeout_ms, sv.is_global, sv.org_id, sv.status,
	sv.last_probe_at, sv.consecutive_failures, sv.created_at, sv.updated_at`

func scanServer(sc scanner) (*capability.ServerRecord, error) {
	var (
		srv           capability.ServerRecord
		transport     string
		argsBlob      []byte
		envBlob       []byte
		headersBlob   []byte
		callTimeoutMS int64
		isGlobal      int
		status        string
		lastProbeAt   string
		createdAt     string
		updatedAt     string
	)
	err := sc.Scan(
		&srv.ID, &srv.Name, &srv.Description, &transport, &srv.Command,
		&argsBlob, &envBlob, &srv.URL, &headersBlob, &srv.HealthCheckURL,
		&callTimeoutMS, &isGlobal, &srv.OrgID, &status, &lastProbeAt,
		&srv.ConsecutiveFailures, &createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, registry.ErrNotFound
		}
		return nil, fmt.Errorf("scanning server row: %w", err)
	}

	srv.Transport = capability.TransportType(transport)
	srv.CallTimeout = time.Duration(callTimeoutMS) * time.Millisecond
	srv.IsGlobal = isGlobal != 0
	srv.Status = capability.ServerStatus(status)
	if srv.Args, err = decodeStrings(argsBlob); err != nil {
		return nil, fmt.Errorf("decoding args for %s: %w", srv.ID, err)
	}
	if srv.Env, err = decodeStringMap(envBlob); err != nil {
		return nil, fmt.Errorf("decoding env for %s: %w", srv.ID, err)
	}
	if srv.Headers, err = decodeStringMap(headersBlob); err != nil {
		return nil, fmt.Errorf("decoding headers for %s: %w", srv.ID, err)
	}
	if srv.LastProbeAt, err = parseTimestamp(lastProbeAt); err != nil {
		return nil, err
	}
	if srv.CreatedAt, err = parseTimestamp(createdAt); err != nil {
		return nil, err
	}
	if srv.UpdatedAt, err = parseTimestamp(updatedAt); err != nil {
		return nil, err
	}
	return &srv, nil
}

// serverScopeCond renders the tenancy predicate over the aliased servers
// table "sv".
func serverScopeCond(scope *tenancy.Scope) (string, []any) {
	if scope == nil {
		return "1 = 1", nil
	}
	if scope.GlobalOnly() {
		return "sv.is_global = 1", nil
	}
	return "(sv.is_global = 1 OR sv.org_id = ?)", []any{scope.OrgID}
}

// GetServer retrieves a server by id with its discovered tool ids.
func (s *Store) GetServer(ctx context.Context, scope *tenancy.Scope, id string) (*capability.ServerRecord, error) {
	cond, args := serverScopeCond(scope)
	srv, err := scanServer(s.db.QueryRowContext(ctx,
		`SELECT `+serverColumns+` FROM servers sv WHERE sv.id = ? AND `+cond,
		append([]any{id}, args...)...))
	if err != nil {
		return nil, fmt.Errorf("server %s: %w", id, err)
	}
	if srv.ToolIDs, err = s.ListToolIDsByServer(ctx, srv.ID); err != nil {
		return nil, err
	}
	return srv, nil
}

// GetServerByName retrieves a server by name.
func (s *Store) GetServerByName(ctx context.Context, scope *tenancy.Scope, name string) (*capability.ServerRecord, error) {
	cond, args := serverScopeCond(scope)
	srv, err := scanServer(s.db.QueryRowContext(ctx,
		`SELECT `+serverColumns+` FROM servers sv WHERE sv.name = ? AND `+cond,
		append([]any{name}, args...)...))
	if err != nil {
		return nil, fmt.Errorf("server %q: %w", name, err)
	}
	if srv.ToolIDs, err = s.ListToolIDsByServer(ctx, srv.ID); err != nil {
		return nil, err
	}
	return srv, nil
}

// ListServers returns servers visible to the scope, ordered by name.
func (s *Store) ListServers(ctx context.Context, scope *tenancy.Scope) ([]*capability.ServerRecord, error) {
	cond, args := serverScopeCond(scope)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+serverColumns+` FROM servers sv WHERE `+cond+` ORDER BY sv.name`, args...)
	if err != nil {
		return nil, fmt.Errorf("querying servers: %w", err)
	}
	defer func() { _ = rows.Close() }() // safety net for error paths

	// Phase 1: collect servers. Rows must be closed before fetching tool
	// ids because the store runs on a single pooled connection.
	var servers []*capability.ServerRecord
	for rows.Next() {
		srv, scanErr := scanServer(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		servers = append(servers, srv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating server rows: %w", err)
	}
	if err := rows.Close(); err != nil {
		return nil, fmt.Errorf("closing server rows: %w", err)
	}

	// Phase 2: fetch tool ids now that the connection is released.
	for _, srv := range servers {
		if srv.ToolIDs, err = s.ListToolIDsByServer(ctx, srv.ID); err != nil {
			return nil, err
		}
	}
	return servers, nil
}

// UpdateServer rewrites a server's configuration fields. The name is not
// touched here; renames go through RenameServer so tool namespaces are
// rewritten with it.
func (s *Store) UpdateServer(ctx context.Context, srv *capability.ServerRecord) error {
	args, err := encodeStrings(srv.Args)
	if err != nil {
		return err
	}
	env, err := encodeStringMap(srv.Env)
	if err != nil {
		return err
	}
	headers, err := encodeStringMap(srv.Headers)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE servers SET
			description = ?, transport = ?, command = ?, args = ?, env = ?,
			url = ?, headers = ?, health_check_url = ?, call_timeout_ms = ?,
			updated_at = `+sqliteTimestamp+`
		WHERE id = ?`,
		srv.Description, string(srv.Transport), srv.Command, args, env,
		srv.URL, headers, srv.HealthCheckURL, srv.CallTimeout.Milliseconds(),
		srv.ID)
	if err != nil {
		return fmt.Errorf("updating server: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("server %s: %w", srv.ID, registry.ErrNotFound)
	}
	return nil
}

// UpdateServerStatus records the outcome of a probe or lifecycle transition.
func (s *Store) UpdateServerStatus(
	ctx context.Context, id string, status capability.ServerStatus,
	lastProbeAt time.Time, consecutiveFailures int,
) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE servers SET
			status = ?, last_probe_at = ?, consecutive_failures = ?,
			updated_at = `+sqliteTimestamp+`
		WHERE id = ?`,
		string(status), formatTimestamp(lastProbeAt), consecutiveFailures, id)
	if err != nil {
		return fmt.Errorf("updating server status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("server %s: %w", id, registry.ErrNotFound)
	}
	return nil
}

// RenameServer renames a server and rewrites the namespaced names of all
// its tools in one transaction.
func (s *Store) RenameServer(ctx context.Context, id, newName string) ([]string, error) {
	if !capability.ValidServerName(newName) {
		return nil, apierror.Validation("invalid server name").
			WithDetail("name", "must match ^[A-Za-z0-9][A-Za-z0-9_-]*$")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	var oldName string
	err = tx.QueryRowContext(ctx, `SELECT name FROM servers WHERE id = ?`, id).Scan(&oldName)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("server %s: %w", id, registry.ErrNotFound)
	} else if err != nil {
		return nil, fmt.Errorf("looking up server: %w", err)
	}
	if oldName == newName {
		return nil, nil
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE servers SET name = ?, updated_at = `+sqliteTimestamp+` WHERE id = ?`,
		newName, id); err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("server %q: %w", newName, registry.ErrDuplicateName)
		}
		return nil, fmt.Errorf("renaming server: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT id, original_name FROM capabilities WHERE server_id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("querying server tools: %w", err)
	}
	type ref struct{ id, originalName string }
	var tools []ref
	for rows.Next() {
		var r ref
		if err := rows.Scan(&r.id, &r.originalName); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scanning tool ref: %w", err)
		}
		tools = append(tools, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating tool refs: %w", err)
	}
	if err := rows.Close(); err != nil {
		return nil, fmt.Errorf("closing tool refs: %w", err)
	}

	toolIDs := make([]string, 0, len(tools))
	for _, t := range tools {
		if _, err := tx.ExecContext(ctx,
			`UPDATE capabilities SET name = ?, updated_at = `+sqliteTimestamp+` WHERE id = ?`,
			capability.NamespacedName(newName, t.originalName), t.id); err != nil {
			if isUniqueViolation(err) {
				return nil, fmt.Errorf("tool %q: %w",
					capability.NamespacedName(newName, t.originalName), registry.ErrDuplicateName)
			}
			return nil, fmt.Errorf("renaming tool %s: %w", t.id, err)
		}
		toolIDs = append(toolIDs, t.id)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing transaction: %w", err)
	}
	return toolIDs, nil
}

// ListToolIDsByServer returns ids of the tools discovered from a server.
func (s *Store) ListToolIDsByServer(ctx context.Context, serverID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM capabilities WHERE server_id = ? ORDER BY id`, serverID)
	if err != nil {
		return nil, fmt.Errorf("querying server tools: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning tool id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating tool ids: %w", err)
	}
	return ids, nil
}

// DeleteServer removes a server and all its discovered tools.
func (s *Store) DeleteServer(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM servers WHERE id = ?`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("server %s: %w", id, registry.ErrNotFound)
	} else if err != nil {
		return fmt.Errorf("looking up server: %w", err)
	}

	// Assignments cascade via the capabilities foreign key.
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM capabilities WHERE server_id = ?`, id); err != nil {
		return fmt.Errorf("deleting server tools: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM servers WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting server: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}
