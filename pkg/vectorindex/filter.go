// SPDX-FileCopyrightText: Copyright 2025 The capgate Authors
// SPDX-License-Identifier: Apache-2.0

package vectorindex

import (
	"encoding/json"
	"strings"
)

// where renders the filter as an ANDed SQL predicate over the aliased
// entries table "e", with all values bound as parameters. The collection
// predicate is always present.
func (f Filter) where(collection string) (string, []any) {
	conds := []string{"e.collection = ?"}
	args := []any{collection}

	if f.Scope != nil {
		if f.Scope.OrgID == "" {
			conds = append(conds, "e.is_global = 1")
		} else {
			conds = append(conds, "(e.is_global = 1 OR e.org_id = ?)")
			args = append(args, f.Scope.OrgID)
		}
	}

	if f.Kind != "" {
		conds = append(conds, "e.kind = ?")
		args = append(args, string(f.Kind))
	}

	if len(f.SkillIDs) > 0 {
		conds = append(conds,
			`EXISTS (SELECT 1 FROM json_each(e.skill_ids) js
			 WHERE js.value IN (SELECT value FROM json_each(?)))`)
		args = append(args, mustJSONList(f.SkillIDs))
	}

	// A non-nil ServerIDs constrains external entries to the listed servers
	// while keeping internal entries, which carry no server id.
	if f.ServerIDs != nil {
		conds = append(conds, "(e.server_id = '' OR e.server_id IN (SELECT value FROM json_each(?)))")
		args = append(args, mustJSONList(f.ServerIDs))
	}

	if f.IDs != nil {
		conds = append(conds, "e.id IN (SELECT value FROM json_each(?))")
		args = append(args, mustJSONList(f.IDs))
	}

	return strings.Join(conds, " AND "), args
}

// mustJSONList marshals a string slice for a json_each parameter. A string
// slice cannot fail to marshal.
func mustJSONList(values []string) string {
	b, err := json.Marshal(values)
	if err != nil {
		panic(err)
	}
	return string(b)
}
