// SPDX-FileCopyrightText: Copyright 2025 The capgate Authors
// SPDX-License-Identifier: Apache-2.0

package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/capgate-io/capgate/pkg/apierror"
	"github.com/capgate-io/capgate/pkg/capability"
	"github.com/capgate-io/capgate/pkg/registry"
	"github.com/capgate-io/capgate/pkg/tenancy"
)

// capabilityColumns is the SELECT column list shared by all capability reads.
const capabilityColumns = `c.id, c.kind, c.name, c.description, c.is_global, c.org_id,
	c.origin, c.server_id, c.original_name, c.active, c.is_classified,
	c.sync_state, c.embedding_hash, c.input_schema, c.output_schema,
	c.arguments, c.template, c.scheme, c.owner_id, c.allowed_users,
	c.created_at, c.updated_at`

// capRow is the raw scan target for one capabilities row.
type capRow struct {
	id            string
	kind          string
	name          string
	description   string
	isGlobal      int
	orgID         string
	origin        string
	serverID      string
	originalName  string
	active        int
	isClassified  int
	syncState     string
	embeddingHash string
	inputSchema   []byte
	outputSchema  []byte
	arguments     []byte
	template      string
	scheme        string
	ownerID       string
	allowedUsers  []byte
	createdAt     string
	updatedAt     string
}

func scanCapability(sc scanner) (*capRow, error) {
	var r capRow
	err := sc.Scan(
		&r.id, &r.kind, &r.name, &r.description, &r.isGlobal, &r.orgID,
		&r.origin, &r.serverID, &r.originalName, &r.active, &r.isClassified,
		&r.syncState, &r.embeddingHash, &r.inputSchema, &r.outputSchema,
		&r.arguments, &r.template, &r.scheme, &r.ownerID, &r.allowedUsers,
		&r.createdAt, &r.updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, registry.ErrNotFound
		}
		return nil, fmt.Errorf("scanning capability row: %w", err)
	}
	return &r, nil
}

func (r *capRow) record() (capability.Record, error) {
	createdAt, err := parseTimestamp(r.createdAt)
	if err != nil {
		return capability.Record{}, err
	}
	updatedAt, err := parseTimestamp(r.updatedAt)
	if err != nil {
		return capability.Record{}, err
	}
	return capability.Record{
		ID:            r.id,
		Name:          r.name,
		Description:   r.description,
		IsGlobal:      r.isGlobal != 0,
		OrgID:         r.orgID,
		Origin:        capability.Origin(r.origin),
		ServerID:      r.serverID,
		Active:        r.active != 0,
		IsClassified:  r.isClassified != 0,
		SyncState:     capability.SyncState(r.syncState),
		EmbeddingHash: r.embeddingHash,
		CreatedAt:     createdAt,
		UpdatedAt:     updatedAt,
	}, nil
}

func (r *capRow) tool() (*capability.Tool, error) {
	rec, err := r.record()
	if err != nil {
		return nil, err
	}
	input, err := decodeSchema(r.inputSchema)
	if err != nil {
		return nil, fmt.Errorf("decoding input schema for %s: %w", r.id, err)
	}
	output, err := decodeSchema(r.outputSchema)
	if err != nil {
		return nil, fmt.Errorf("decoding output schema for %s: %w", r.id, err)
	}
	return &capability.Tool{
		Record:       rec,
		InputSchema:  input,
		OutputSchema: output,
		OriginalName: r.originalName,
	}, nil
}

func (r *capRow) prompt() (*capability.Prompt, error) {
	rec, err := r.record()
	if err != nil {
		return nil, err
	}
	var args []capability.PromptArgument
	if len(r.arguments) > 0 {
		if err := json.Unmarshal(r.arguments, &args); err != nil {
			return nil, fmt.Errorf("decoding arguments for %s: %w", r.id, err)
		}
	}
	if len(args) == 0 {
		args = nil
	}
	return &capability.Prompt{
		Record:    rec,
		Arguments: args,
		Template:  r.template,
	}, nil
}

func (r *capRow) resource() (*capability.Resource, error) {
	rec, err := r.record()
	if err != nil {
		return nil, err
	}
	acl, err := decodeStrings(r.allowedUsers)
	if err != nil {
		return nil, fmt.Errorf("decoding allowed users for %s: %w", r.id, err)
	}
	return &capability.Resource{
		Record:       rec,
		Scheme:       r.scheme,
		OwnerID:      r.ownerID,
		AllowedUsers: acl,
	}, nil
}

// scopeCond renders the tenancy predicate over the aliased capabilities
// table "c". A nil scope bypasses the predicate (internal pathways only).
func scopeCond(scope *tenancy.Scope) (string, []any) {
	if scope == nil {
		return "1 = 1", nil
	}
	if scope.GlobalOnly() {
		return "c.is_global = 1", nil
	}
	return "(c.is_global = 1 OR c.org_id = ?)", []any{scope.OrgID}
}

// validateVisibility enforces the visibility invariant shared by
// capabilities and servers: global rows have no org, org rows have one.
func validateVisibility(isGlobal bool, orgID string) error {
	if isGlobal && orgID != "" {
		return apierror.Validation("global records cannot carry an org_id").
			WithDetail("org_id", "must be empty when is_global is true")
	}
	if !isGlobal && orgID == "" {
		return apierror.Validation("org-scoped records require an org_id").
			WithDetail("org_id", "required when is_global is false")
	}
	return nil
}

// insertCapability writes one row; shared by the three create paths.
func (s *Store) insertCapability(ctx context.Context, r *capRow) error {
	if r.name == "" {
		return apierror.Validation("name is required").WithDetail("name", "must not be empty")
	}
	if err := validateVisibility(r.isGlobal != 0, r.orgID); err != nil {
		return err
	}
	if r.id == "" {
		r.id = uuid.NewString()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO capabilities (
			id, kind, name, description, is_global, org_id, origin,
			server_id, original_name, active, is_classified, sync_state,
			embedding_hash, input_schema, output_schema, arguments,
			template, scheme, owner_id, allowed_users
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.id, r.kind, r.name, r.description, r.isGlobal, r.orgID, r.origin,
		r.serverID, r.originalName, r.active, r.isClassified, r.syncState,
		r.embeddingHash, string(r.inputSchema), string(r.outputSchema),
		string(r.arguments), r.template, r.scheme, r.ownerID,
		string(r.allowedUsers),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%s %q: %w", r.kind, r.name, registry.ErrDuplicateName)
		}
		return fmt.Errorf("inserting %s: %w", r.kind, err)
	}
	return nil
}

// getCapability reads one row by id, constrained to a kind when non-empty.
func (s *Store) getCapability(
	ctx context.Context, scope *tenancy.Scope, kind capability.Kind, id string,
) (*capRow, error) {
	cond, args := scopeCond(scope)
	query := `SELECT ` + capabilityColumns + ` FROM capabilities c WHERE c.id = ? AND ` + cond
	queryArgs := append([]any{id}, args...)
	if kind != "" {
		query += ` AND c.kind = ?`
		queryArgs = append(queryArgs, string(kind))
	}
	return scanCapability(s.db.QueryRowContext(ctx, query, queryArgs...))
}

// getCapabilityByName reads one row by aggregated-surface name and kind.
func (s *Store) getCapabilityByName(
	ctx context.Context, scope *tenancy.Scope, kind capability.Kind, name string,
) (*capRow, error) {
	cond, args := scopeCond(scope)
	query := `SELECT ` + capabilityColumns +
		` FROM capabilities c WHERE c.kind = ? AND c.name = ? AND ` + cond
	queryArgs := append([]any{string(kind), name}, args...)
	return scanCapability(s.db.QueryRowContext(ctx, query, queryArgs...))
}

// listCapabilities reads all rows of a kind matching the conditions.
func (s *Store) listCapabilities(
	ctx context.Context, scope *tenancy.Scope, kind capability.Kind, extra []string, extraArgs []any,
) ([]*capRow, error) {
	cond, args := scopeCond(scope)
	conds := append([]string{"c.kind = ?", cond}, extra...)
	queryArgs := append([]any{string(kind)}, args...)
	queryArgs = append(queryArgs, extraArgs...)

	query := `SELECT ` + capabilityColumns + ` FROM capabilities c WHERE ` +
		strings.Join(conds, " AND ") + ` ORDER BY c.name`

	rows, err := s.db.QueryContext(ctx, query, queryArgs...)
	if err != nil {
		return nil, fmt.Errorf("querying %ss: %w", kind, err)
	}
	defer func() { _ = rows.Close() }()

	var result []*capRow
	for rows.Next() {
		r, err := scanCapability(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating %s rows: %w", kind, err)
	}
	return result, nil
}

// updateCapability rewrites the mutable columns shared by all kinds plus
// the provided kind-specific SET fragments.
func (s *Store) updateCapability(
	ctx context.Context, id string, kind capability.Kind, sets []string, setArgs []any,
) error {
	query := `UPDATE capabilities SET ` + strings.Join(sets, ", ") +
		`, updated_at = ` + sqliteTimestamp + ` WHERE id = ? AND kind = ?`
	args := append(setArgs, id, string(kind))

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%s %s: %w", kind, id, registry.ErrDuplicateName)
		}
		return fmt.Errorf("updating %s: %w", kind, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, registry.ErrNotFound)
	}
	return nil
}

// deleteCapability removes one row; assignments cascade via foreign keys.
func (s *Store) deleteCapability(ctx context.Context, id string, kind capability.Kind) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM capabilities WHERE id = ? AND kind = ?`, id, string(kind))
	if err != nil {
		return fmt.Errorf("deleting %s: %w", kind, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, registry.ErrNotFound)
	}
	return nil
}

// SetActive flips a capability's active flag.
func (s *Store) SetActive(ctx context.Context, id string, active bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE capabilities SET active = ?, updated_at = `+sqliteTimestamp+` WHERE id = ?`,
		boolToInt(active), id)
	if err != nil {
		return fmt.Errorf("updating active flag: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("capability %s: %w", id, registry.ErrNotFound)
	}
	return nil
}

// SetSyncState moves a capability through the sync state machine.
func (s *Store) SetSyncState(ctx context.Context, id string, state capability.SyncState) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE capabilities SET sync_state = ?, updated_at = `+sqliteTimestamp+` WHERE id = ?`,
		string(state), id)
	if err != nil {
		return fmt.Errorf("updating sync state: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("capability %s: %w", id, registry.ErrNotFound)
	}
	return nil
}

// SetSyncResult records the terminal outcome of one sync pass.
func (s *Store) SetSyncResult(
	ctx context.Context, id string, state capability.SyncState, embeddingHash string, isClassified bool,
) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE capabilities
		SET sync_state = ?, embedding_hash = ?, is_classified = ?,
		    updated_at = `+sqliteTimestamp+`
		WHERE id = ?`,
		string(state), embeddingHash, boolToInt(isClassified), id)
	if err != nil {
		return fmt.Errorf("recording sync result: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("capability %s: %w", id, registry.ErrNotFound)
	}
	return nil
}

// ListSyncPending returns capabilities awaiting sync work, oldest first.
func (s *Store) ListSyncPending(
	ctx context.Context, states []capability.SyncState, limit int,
) ([]registry.SyncRef, error) {
	if len(states) == 0 || limit <= 0 {
		return nil, nil
	}
	stateStrings := make([]string, len(states))
	for i, st := range states {
		stateStrings[i] = string(st)
	}
	statesJSON, err := encodeStrings(stateStrings)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind FROM capabilities
		WHERE sync_state IN (SELECT value FROM json_each(?))
		ORDER BY updated_at, id
		LIMIT ?`,
		statesJSON, limit)
	if err != nil {
		return nil, fmt.Errorf("querying sync-pending capabilities: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var refs []registry.SyncRef
	for rows.Next() {
		var ref registry.SyncRef
		var kind string
		if err := rows.Scan(&ref.ID, &kind); err != nil {
			return nil, fmt.Errorf("scanning sync ref: %w", err)
		}
		ref.Kind = capability.Kind(kind)
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sync refs: %w", err)
	}
	return refs, nil
}

// CountCapabilities returns per-kind totals of active capabilities visible
// to the scope.
func (s *Store) CountCapabilities(
	ctx context.Context, scope *tenancy.Scope,
) (map[capability.Kind]int, error) {
	cond, args := scopeCond(scope)
	rows, err := s.db.QueryContext(ctx,
		`SELECT c.kind, COUNT(*) FROM capabilities c
		 WHERE c.active = 1 AND `+cond+` GROUP BY c.kind`, args...)
	if err != nil {
		return nil, fmt.Errorf("counting capabilities: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[capability.Kind]int)
	for rows.Next() {
		var kind string
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, fmt.Errorf("scanning count row: %w", err)
		}
		counts[capability.Kind(kind)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating count rows: %w", err)
	}
	return counts, nil
}

// CountSyncStates returns per-state capability totals across all scopes.
func (s *Store) CountSyncStates(ctx context.Context) (map[capability.SyncState]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT sync_state, COUNT(*) FROM capabilities GROUP BY sync_state`)
	if err != nil {
		return nil, fmt.Errorf("counting sync states: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[capability.SyncState]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("scanning sync state count: %w", err)
		}
		counts[capability.SyncState(state)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sync state counts: %w", err)
	}
	return counts, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
