// SPDX-FileCopyrightText: Copyright 2025 The capgate Authors
// SPDX-License-Identifier: Apache-2.0

package vectorindex

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"
	_ "modernc.org/sqlite" // registers the "sqlite" database/sql driver
)

//go:embed schema.sql
var schemaSQL string

// sqliteIndex implements Index on SQLite: FTS5 provides the BM25 lexical
// leg and embedding blobs scored in Go provide the vector leg.
type sqliteIndex struct {
	db *sql.DB
}

// NewSQLite opens (or creates) the index described by the connection
// string, which may be a file path or a file: URI such as
// "file:idx?mode=memory&cache=shared".
func NewSQLite(connectionString string) (Index, error) {
	db, err := sql.Open("sqlite", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	// modernc's driver serializes writers per connection; a single pooled
	// connection avoids SQLITE_BUSY under concurrent upserts.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &sqliteIndex{db: db}, nil
}

// Upsert inserts or replaces entries, atomic per entry.
func (s *sqliteIndex) Upsert(ctx context.Context, collection string, entries []Entry) (retErr error) {
	if len(entries) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO entries
		(collection, id, capability_id, kind, skill_ids, primary_skill_id,
		 org_id, is_global, server_id, tool_count, text, embedding)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (collection, id) DO UPDATE SET
		 capability_id = excluded.capability_id,
		 kind = excluded.kind,
		 skill_ids = excluded.skill_ids,
		 primary_skill_id = excluded.primary_skill_id,
		 org_id = excluded.org_id,
		 is_global = excluded.is_global,
		 server_id = excluded.server_id,
		 tool_count = excluded.tool_count,
		 text = excluded.text,
		 embedding = excluded.embedding`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, e := range entries {
		skillJSON, err := json.Marshal(sliceOrEmpty(e.Payload.SkillIDs))
		if err != nil {
			return fmt.Errorf("failed to marshal skill ids for %s: %w", e.ID, err)
		}
		var blob []byte
		if e.Vector != nil {
			blob = encodeEmbedding(e.Vector)
		}
		if _, err := stmt.ExecContext(ctx,
			collection, e.ID, e.Payload.CapabilityID, e.Payload.Kind,
			string(skillJSON), e.Payload.PrimarySkillID, e.Payload.OrgID,
			boolToInt(e.Payload.IsGlobal), e.Payload.ServerID,
			e.Payload.ToolCount, e.Payload.Text, blob,
		); err != nil {
			return fmt.Errorf("failed to upsert entry %s: %w", e.ID, err)
		}
	}

	return tx.Commit()
}

// Delete removes entries by id. Unknown ids are ignored.
func (s *sqliteIndex) Delete(ctx context.Context, collection string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	idJSON, err := json.Marshal(ids)
	if err != nil {
		return fmt.Errorf("failed to marshal ids: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`DELETE FROM entries WHERE collection = ? AND id IN (SELECT value FROM json_each(?))`,
		collection, string(idJSON))
	if err != nil {
		return fmt.Errorf("failed to delete entries: %w", err)
	}
	return nil
}

// Search returns the top-k entries matching the filter, scored according
// to mode. Results are ordered by non-increasing score; ties break by id.
func (s *sqliteIndex) Search(
	ctx context.Context, collection string, q Query, k int, filter Filter, mode Mode,
) ([]Result, error) {
	if k <= 0 {
		return nil, nil
	}

	switch mode {
	case ModeLexical:
		results, err := s.searchLexical(ctx, collection, q.Text, filter, lexicalCandidateCap(k))
		if err != nil {
			return nil, err
		}
		return rankAndTruncate(results, k), nil

	case ModeVector:
		results, err := s.searchVector(ctx, collection, q.Vector, filter)
		if err != nil {
			return nil, err
		}
		return rankAndTruncate(results, k), nil

	case ModeHybrid:
		return s.searchHybrid(ctx, collection, q, k, filter)

	default:
		return nil, fmt.Errorf("unknown search mode %q", mode)
	}
}

// searchHybrid runs the lexical and vector legs in parallel and blends
// per-entry scores with the fixed weight. An entry missed by one leg
// contributes zero for that leg.
func (s *sqliteIndex) searchHybrid(
	ctx context.Context, collection string, q Query, k int, filter Filter,
) ([]Result, error) {
	g, gCtx := errgroup.WithContext(ctx)

	var lexResults, vecResults []Result
	if strings.TrimSpace(q.Text) != "" {
		g.Go(func() error {
			var err error
			lexResults, err = s.searchLexical(gCtx, collection, q.Text, filter, lexicalCandidateCap(k))
			return err
		})
	}
	if len(q.Vector) > 0 {
		g.Go(func() error {
			var err error
			vecResults, err = s.searchVector(gCtx, collection, q.Vector, filter)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	blended := make(map[string]Result, len(lexResults)+len(vecResults))
	for _, r := range vecResults {
		r.Score = hybridVectorWeight * r.Score
		blended[r.ID] = r
	}
	for _, r := range lexResults {
		if prev, ok := blended[r.ID]; ok {
			prev.Score += (1 - hybridVectorWeight) * r.Score
			blended[r.ID] = prev
			continue
		}
		r.Score = (1 - hybridVectorWeight) * r.Score
		blended[r.ID] = r
	}

	merged := make([]Result, 0, len(blended))
	for _, r := range blended {
		merged = append(merged, r)
	}
	return rankAndTruncate(merged, k), nil
}

// searchLexical performs an FTS5 MATCH with BM25 ranking. The match
// expression is produced by sanitizeFTS5Query and always bound via ?.
func (s *sqliteIndex) searchLexical(
	ctx context.Context, collection, text string, filter Filter, limit int,
) ([]Result, error) {
	ftsExpr := sanitizeFTS5Query(text)
	if ftsExpr == "" {
		return nil, nil
	}

	where, args := filter.where(collection)
	//nolint:gosec // where is built from fixed predicate fragments; values are bound
	queryStr := fmt.Sprintf(`SELECT %s, fts.rank
		FROM entries_fts fts
		JOIN entries e ON e.rowid = fts.rowid
		WHERE entries_fts MATCH ? AND %s
		ORDER BY fts.rank
		LIMIT ?`, entryColumns, where)

	queryArgs := append([]any{ftsExpr}, args...)
	queryArgs = append(queryArgs, limit)

	rows, err := s.db.QueryContext(ctx, queryStr, queryArgs...)
	if err != nil {
		return nil, fmt.Errorf("lexical query failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var results []Result
	for rows.Next() {
		entry, rank, err := scanEntry(rows, true)
		if err != nil {
			return nil, err
		}
		results = append(results, Result{Entry: entry, Score: lexicalScore(rank)})
	}
	return results, rows.Err()
}

// searchVector loads every filtered entry that has an embedding and scores
// it by cosine similarity in Go. BM25 rank and cosine similarity cannot be
// combined in a single SQL query; blending happens in searchHybrid.
func (s *sqliteIndex) searchVector(
	ctx context.Context, collection string, queryVec []float32, filter Filter,
) ([]Result, error) {
	if len(queryVec) == 0 {
		return nil, fmt.Errorf("vector search requires a query vector")
	}

	where, args := filter.where(collection)
	//nolint:gosec // where is built from fixed predicate fragments; values are bound
	queryStr := fmt.Sprintf(`SELECT %s, 0.0
		FROM entries e
		WHERE e.embedding IS NOT NULL AND %s`, entryColumns, where)

	rows, err := s.db.QueryContext(ctx, queryStr, args...)
	if err != nil {
		return nil, fmt.Errorf("vector query failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var results []Result
	for rows.Next() {
		entry, _, err := scanEntry(rows, true)
		if err != nil {
			return nil, err
		}
		cos := CosineSimilarity(queryVec, entry.Vector)
		results = append(results, Result{Entry: entry, Score: similarityScore(cos)})
	}
	return results, rows.Err()
}

// Fetch returns entries by id, ordered by id. Unknown ids are omitted.
func (s *sqliteIndex) Fetch(ctx context.Context, collection string, ids []string) ([]Entry, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	idJSON, err := json.Marshal(ids)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal ids: %w", err)
	}

	//nolint:gosec // entryColumns is a fixed projection
	queryStr := fmt.Sprintf(`SELECT %s, 0.0
		FROM entries e
		WHERE e.collection = ? AND e.id IN (SELECT value FROM json_each(?))
		ORDER BY e.id`, entryColumns)
	rows, err := s.db.QueryContext(ctx, queryStr, collection, string(idJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []Entry
	for rows.Next() {
		entry, _, err := scanEntry(rows, true)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// Refresh is synchronous for SQLite: writes are visible to the next query
// as soon as the transaction commits.
func (*sqliteIndex) Refresh(context.Context) error {
	return nil
}

// Count returns the number of entries in a collection.
func (s *sqliteIndex) Count(ctx context.Context, collection string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM entries WHERE collection = ?`, collection).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count failed: %w", err)
	}
	return n, nil
}

// Close releases the underlying database connection.
func (s *sqliteIndex) Close() error {
	return s.db.Close()
}

// entryColumns is the shared projection for scanEntry.
const entryColumns = `e.id, e.capability_id, e.kind, e.skill_ids, e.primary_skill_id,
	e.org_id, e.is_global, e.server_id, e.tool_count, e.text, e.embedding`

// scanner abstracts sql.Rows for scanEntry.
type scanner interface {
	Scan(dest ...any) error
}

// scanEntry reads one entryColumns row plus a trailing float column
// (rank for lexical queries, ignored otherwise).
func scanEntry(sc scanner, withTrailing bool) (Entry, float64, error) {
	var (
		e         Entry
		skillJSON string
		isGlobal  int
		blob      []byte
		trailing  float64
	)
	dest := []any{
		&e.ID, &e.Payload.CapabilityID, &e.Payload.Kind, &skillJSON,
		&e.Payload.PrimarySkillID, &e.Payload.OrgID, &isGlobal,
		&e.Payload.ServerID, &e.Payload.ToolCount, &e.Payload.Text, &blob,
	}
	if withTrailing {
		dest = append(dest, &trailing)
	}
	if err := sc.Scan(dest...); err != nil {
		return Entry{}, 0, fmt.Errorf("failed to scan row: %w", err)
	}
	if err := json.Unmarshal([]byte(skillJSON), &e.Payload.SkillIDs); err != nil {
		return Entry{}, 0, fmt.Errorf("failed to decode skill ids for %s: %w", e.ID, err)
	}
	e.Payload.IsGlobal = isGlobal != 0
	if len(blob) > 0 {
		e.Vector = decodeEmbedding(blob)
	}
	return e, trailing, nil
}

// rankAndTruncate orders results by descending score with ties broken by
// id for determinism, then truncates to k.
func rankAndTruncate(results []Result, k int) []Result {
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})
	if len(results) > k {
		results = results[:k]
	}
	return results
}

// lexicalCandidateCap sizes the lexical leg so hybrid blending sees enough
// candidates without scanning the whole corpus.
func lexicalCandidateCap(k int) int {
	return 4*k + 32
}

func sliceOrEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// problematicWords contains words that FTS5 interprets as operators or
// that are too common in capability metadata to be useful search terms.
var problematicWords = map[string]struct{}{
	"name": {}, "description": {}, "schema": {}, "input": {},
	"output": {}, "type": {}, "properties": {}, "required": {},
	"title": {}, "id": {}, "tool": {}, "server": {},
	"meta": {}, "data": {}, "content": {}, "text": {},
	"value": {}, "field": {}, "column": {}, "table": {},
	"index": {}, "key": {}, "primary": {},
}

// sanitizeFTS5Query prepares a user query string for use with FTS5 MATCH.
//
// The returned string is designed to be passed as a single ? parameter to
// QueryContext. It cannot cause SQL injection because it is always bound
// via ?. FTS5 operator injection is prevented by double-quoting each term
// and escaping embedded double-quotes.
func sanitizeFTS5Query(query string) string {
	words := strings.Fields(strings.TrimSpace(query))
	if len(words) == 0 {
		return ""
	}

	hasProblematic := false
	for _, word := range words {
		if _, ok := problematicWords[strings.ToLower(word)]; ok {
			hasProblematic = true
			break
		}
	}

	// Single word or any problematic word present: use phrase search.
	if len(words) == 1 || hasProblematic {
		escaped := strings.ReplaceAll(strings.Join(words, " "), `"`, `""`)
		return `"` + escaped + `"`
	}

	// Multi-word with no problematic words: join with OR.
	quoted := make([]string, len(words))
	for i, word := range words {
		escaped := strings.ReplaceAll(word, `"`, `""`)
		quoted[i] = `"` + escaped + `"`
	}
	return strings.Join(quoted, " OR ")
}

// encodeEmbedding serializes a float32 slice to a little-endian byte slice.
func encodeEmbedding(vec []float32) []byte {
	buf := make([]byte, len(vec)*4)
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// decodeEmbedding deserializes a little-endian byte slice to a float32 slice.
func decodeEmbedding(buf []byte) []float32 {
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vec
}
