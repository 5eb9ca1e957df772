// SPDX-FileCopyrightText: Copyright 2025 The capgate Authors
// SPDX-License-Identifier: Apache-2.0

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/capgate-io/capgate/pkg/apierror"
	"github.com/capgate-io/capgate/pkg/capability"
	"github.com/capgate-io/capgate/pkg/registry"
)

// CreateSuggestion stores a pending suggestion. A unique partial index
// rejects a second pending suggestion with the same proposed id.
func (s *Store) CreateSuggestion(ctx context.Context, sug *capability.SkillSuggestion) error {
	if !capability.ValidSkillID(sug.ProposedID) {
		return apierror.Validation("invalid proposed skill id").
			WithDetail("proposed_id", "must match ^[a-z][a-z0-9_]*$")
	}
	if sug.ID == "" {
		sug.ID = uuid.NewString()
	}
	if sug.Status == "" {
		sug.Status = capability.SuggestionPending
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO skill_suggestions (id, proposed_id, name, rationale, source_tool_id, status)
		VALUES (?, ?, ?, ?, ?, ?)`,
		sug.ID, sug.ProposedID, sug.Name, sug.Rationale, sug.SourceToolID, string(sug.Status))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("suggestion %q: %w", sug.ProposedID, registry.ErrDuplicateName)
		}
		return fmt.Errorf("inserting suggestion: %w", err)
	}
	return nil
}

const suggestionColumns = `id, proposed_id, name, rationale, source_tool_id,
	status, created_at, updated_at`

func scanSuggestion(sc scanner) (*capability.SkillSuggestion, error) {
	var (
		sug       capability.SkillSuggestion
		status    string
		createdAt string
		updatedAt string
	)
	err := sc.Scan(
		&sug.ID, &sug.ProposedID, &sug.Name, &sug.Rationale,
		&sug.SourceToolID, &status, &createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, registry.ErrNotFound
		}
		return nil, fmt.Errorf("scanning suggestion row: %w", err)
	}
	sug.Status = capability.SuggestionStatus(status)
	if sug.CreatedAt, err = parseTimestamp(createdAt); err != nil {
		return nil, err
	}
	if sug.UpdatedAt, err = parseTimestamp(updatedAt); err != nil {
		return nil, err
	}
	return &sug, nil
}

// GetSuggestion retrieves a suggestion by id.
func (s *Store) GetSuggestion(ctx context.Context, id string) (*capability.SkillSuggestion, error) {
	sug, err := scanSuggestion(s.db.QueryRowContext(ctx,
		`SELECT `+suggestionColumns+` FROM skill_suggestions WHERE id = ?`, id))
	if err != nil {
		return nil, fmt.Errorf("suggestion %s: %w", id, err)
	}
	return sug, nil
}

// ListSuggestions returns suggestions with the given status, newest first.
func (s *Store) ListSuggestions(
	ctx context.Context, status capability.SuggestionStatus,
) ([]*capability.SkillSuggestion, error) {
	query := `SELECT ` + suggestionColumns + ` FROM skill_suggestions`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying suggestions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var suggestions []*capability.SkillSuggestion
	for rows.Next() {
		sug, err := scanSuggestion(rows)
		if err != nil {
			return nil, err
		}
		suggestions = append(suggestions, sug)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating suggestion rows: %w", err)
	}
	return suggestions, nil
}

// SetSuggestionStatus resolves a pending suggestion.
func (s *Store) SetSuggestionStatus(
	ctx context.Context, id string, status capability.SuggestionStatus,
) error {
	if status != capability.SuggestionApproved && status != capability.SuggestionRejected {
		return apierror.Validation("invalid suggestion status").
			WithDetail("status", "must be approved or rejected")
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE skill_suggestions
		SET status = ?, updated_at = `+sqliteTimestamp+`
		WHERE id = ? AND status = 'pending'`,
		string(status), id)
	if err != nil {
		return fmt.Errorf("updating suggestion status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if affected == 0 {
		// Distinguish a missing row from an already-resolved one.
		if _, getErr := s.GetSuggestion(ctx, id); getErr != nil {
			return getErr
		}
		return apierror.Validation("suggestion already resolved").
			WithDetail("id", id)
	}
	return nil
}
