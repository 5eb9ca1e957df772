// SPDX-FileCopyrightText: Copyright 2025 The capgate Authors
// SPDX-License-Identifier: Apache-2.0

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"github.com/capgate-io/capgate/pkg/apierror"
	"github.com/capgate-io/capgate/pkg/capability"
	"github.com/capgate-io/capgate/pkg/registry"
)

// UpsertSkill creates or replaces a skill category.
func (s *Store) UpsertSkill(ctx context.Context, sk *capability.SkillCategory) error {
	if !capability.ValidSkillID(sk.ID) {
		return apierror.Validation("invalid skill id").
			WithDetail("id", "must match ^[a-z][a-z0-9_]*$")
	}
	if sk.Name == "" {
		return apierror.Validation("name is required").WithDetail("name", "must not be empty")
	}

	keywords, err := encodeStrings(sk.Keywords)
	if err != nil {
		return err
	}
	examples, err := encodeStrings(sk.Examples)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO skill_categories (id, name, description, keywords, examples, active)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			keywords = excluded.keywords,
			examples = excluded.examples,
			active = excluded.active,
			updated_at = `+sqliteTimestamp,
		sk.ID, sk.Name, sk.Description, keywords, examples, boolToInt(sk.Active))
	if err != nil {
		return fmt.Errorf("upserting skill: %w", err)
	}
	return nil
}

// skillColumns is the SELECT column list shared by skill reads. The trailing
// expression is the derived count of active assigned tools.
const skillColumns = `s.id, s.name, s.description, s.keywords, s.examples,
	s.active, s.created_at, s.updated_at,
	(SELECT COUNT(*) FROM skill_assignments sa
	 JOIN capabilities c ON c.id = sa.tool_id AND c.active = 1
	 WHERE sa.skill_id = s.id)`

func scanSkill(sc scanner) (*capability.SkillCategory, error) {
	var (
		sk           capability.SkillCategory
		active       int
		keywordsBlob []byte
		examplesBlob []byte
		createdAt    string
		updatedAt    string
	)
	err := sc.Scan(
		&sk.ID, &sk.Name, &sk.Description, &keywordsBlob, &examplesBlob,
		&active, &createdAt, &updatedAt, &sk.ToolCount,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, registry.ErrNotFound
		}
		return nil, fmt.Errorf("scanning skill row: %w", err)
	}

	sk.Active = active != 0
	if sk.Keywords, err = decodeStrings(keywordsBlob); err != nil {
		return nil, fmt.Errorf("decoding keywords for %s: %w", sk.ID, err)
	}
	if sk.Examples, err = decodeStrings(examplesBlob); err != nil {
		return nil, fmt.Errorf("decoding examples for %s: %w", sk.ID, err)
	}
	if sk.CreatedAt, err = parseTimestamp(createdAt); err != nil {
		return nil, err
	}
	if sk.UpdatedAt, err = parseTimestamp(updatedAt); err != nil {
		return nil, err
	}
	return &sk, nil
}

// GetSkill retrieves a skill with its derived tool count.
func (s *Store) GetSkill(ctx context.Context, id string) (*capability.SkillCategory, error) {
	sk, err := scanSkill(s.db.QueryRowContext(ctx,
		`SELECT `+skillColumns+` FROM skill_categories s WHERE s.id = ?`, id))
	if err != nil {
		return nil, fmt.Errorf("skill %s: %w", id, err)
	}
	return sk, nil
}

// ListSkills returns skills matching the filter, ordered by id.
func (s *Store) ListSkills(
	ctx context.Context, filter registry.SkillFilter,
) ([]*capability.SkillCategory, error) {
	query := `SELECT ` + skillColumns + ` FROM skill_categories s`
	if filter.ActiveOnly {
		query += ` WHERE s.active = 1`
	}
	query += ` ORDER BY s.id`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying skills: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var skillsList []*capability.SkillCategory
	for rows.Next() {
		sk, err := scanSkill(rows)
		if err != nil {
			return nil, err
		}
		if !filter.WithCounts {
			sk.ToolCount = 0
		}
		skillsList = append(skillsList, sk)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating skill rows: %w", err)
	}
	return skillsList, nil
}

// DeactivateSkill soft-deletes a skill. Existing assignments remain; the
// skill is excluded from active search and classification.
func (s *Store) DeactivateSkill(ctx context.Context, id string) error {
	if id == capability.UncategorizedSkillID {
		return apierror.Validation("the uncategorized skill cannot be deactivated")
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE skill_categories SET active = 0, updated_at = `+sqliteTimestamp+` WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deactivating skill: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("skill %s: %w", id, registry.ErrNotFound)
	}
	return nil
}

// SetSkillAssignments atomically replaces a tool's assignments.
//
// The primary flag is normalized here rather than trusted from the caller:
// confidences are clamped to [0, 1] and deduped keeping the maximum; the
// highest-confidence assignment with confidence >= 0.5 becomes primary
// (ties broken by skill id); when none qualifies the whole set collapses
// to a single primary assignment to uncategorized.
func (s *Store) SetSkillAssignments(
	ctx context.Context, toolID string, assignments []capability.SkillAssignment,
) error {
	normalized := normalizeAssignments(assignments)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	var exists int
	err = tx.QueryRowContext(ctx,
		`SELECT 1 FROM capabilities WHERE id = ? AND kind = 'tool'`, toolID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("tool %s: %w", toolID, registry.ErrNotFound)
	} else if err != nil {
		return fmt.Errorf("looking up tool: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM skill_assignments WHERE tool_id = ?`, toolID); err != nil {
		return fmt.Errorf("deleting old assignments: %w", err)
	}

	for _, a := range normalized {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO skill_assignments (tool_id, skill_id, confidence, is_primary)
			VALUES (?, ?, ?, ?)`,
			toolID, a.SkillID, a.Confidence, boolToInt(a.Primary)); err != nil {
			if isForeignKeyViolation(err) {
				return apierror.Validation("unknown skill id").
					WithDetail("skill_id", a.SkillID)
			}
			return fmt.Errorf("inserting assignment %s: %w", a.SkillID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// normalizeAssignments applies the primary rule to a proposed assignment set.
func normalizeAssignments(in []capability.SkillAssignment) []capability.SkillAssignment {
	best := make(map[string]float64, len(in))
	for _, a := range in {
		if a.SkillID == "" {
			continue
		}
		c := a.Confidence
		if c < 0 {
			c = 0
		}
		if c > 1 {
			c = 1
		}
		if cur, ok := best[a.SkillID]; !ok || c > cur {
			best[a.SkillID] = c
		}
	}

	primaryID := ""
	primaryConf := 0.0
	for id, c := range best {
		if c < 0.5 {
			continue
		}
		if c > primaryConf || (c == primaryConf && (primaryID == "" || id < primaryID)) {
			primaryID, primaryConf = id, c
		}
	}

	if primaryID == "" {
		return []capability.SkillAssignment{{
			SkillID:    capability.UncategorizedSkillID,
			Confidence: 0,
			Primary:    true,
		}}
	}

	out := make([]capability.SkillAssignment, 0, len(best))
	for id, c := range best {
		out = append(out, capability.SkillAssignment{
			SkillID:    id,
			Confidence: c,
			Primary:    id == primaryID,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Primary != out[j].Primary {
			return out[i].Primary
		}
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return out[i].SkillID < out[j].SkillID
	})
	return out
}

// ListAssignments returns a tool's assignments, primary first.
func (s *Store) ListAssignments(ctx context.Context, toolID string) ([]capability.SkillAssignment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tool_id, skill_id, confidence, is_primary
		FROM skill_assignments
		WHERE tool_id = ?
		ORDER BY is_primary DESC, confidence DESC, skill_id`, toolID)
	if err != nil {
		return nil, fmt.Errorf("querying assignments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var assignments []capability.SkillAssignment
	for rows.Next() {
		var a capability.SkillAssignment
		var primary int
		if err := rows.Scan(&a.ToolID, &a.SkillID, &a.Confidence, &primary); err != nil {
			return nil, fmt.Errorf("scanning assignment: %w", err)
		}
		a.Primary = primary != 0
		assignments = append(assignments, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating assignment rows: %w", err)
	}
	return assignments, nil
}

// ListToolIDsBySkill returns ids of active tools assigned to a skill.
func (s *Store) ListToolIDsBySkill(ctx context.Context, skillID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sa.tool_id
		FROM skill_assignments sa
		JOIN capabilities c ON c.id = sa.tool_id
		WHERE sa.skill_id = ? AND c.active = 1
		ORDER BY sa.tool_id`, skillID)
	if err != nil {
		return nil, fmt.Errorf("querying tools by skill: %w", err)
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
