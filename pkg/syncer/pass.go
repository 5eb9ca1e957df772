// SPDX-FileCopyrightText: Copyright 2025 The capgate Authors
// SPDX-License-Identifier: Apache-2.0

package syncer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/capgate-io/capgate/pkg/capability"
	"github.com/capgate-io/capgate/pkg/classifier"
	"github.com/capgate-io/capgate/pkg/logger"
	"github.com/capgate-io/capgate/pkg/registry"
	"github.com/capgate-io/capgate/pkg/telemetry"
	"github.com/capgate-io/capgate/pkg/vectorindex"
)

// pendingStates are the states a pass claims. In-progress states are
// included because passes never overlap: a row seen in embedding or
// classifying was abandoned by a crashed process.
var pendingStates = []capability.SyncState{
	capability.SyncStateNew,
	capability.SyncStateEmbedding,
	capability.SyncStateClassifying,
	capability.SyncStateFailed,
}

// Per-capability outcomes, also the label values of the sync metrics.
const (
	outcomeIndexed = "indexed"
	outcomeFailed  = "failed"
	outcomeSkipped = "skipped"
	outcomeDeleted = "deleted"
)

// itemResult is what one capability contributes back to the pass.
type itemResult struct {
	outcome string

	// affectedSkills lists skills whose centroid must be recomputed
	// because this capability's vector or membership changed.
	affectedSkills []string
}

// runPass claims one batch of pending capabilities and syncs them.
func (s *Syncer) runPass(ctx context.Context) error {
	refs, err := s.store.ListSyncPending(ctx, pendingStates, s.cfg.BatchLimit)
	if err != nil {
		if ctx.Err() == nil {
			telemetry.SyncPasses.WithLabelValues("error").Inc()
		}
		return fmt.Errorf("listing pending capabilities: %w", err)
	}
	if len(refs) == 0 {
		s.markPassDone()
		telemetry.SyncPasses.WithLabelValues("ok").Inc()
		return nil
	}

	var (
		mu       sync.Mutex
		affected = make(map[string]struct{})
		failed   int
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for _, ref := range refs {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			// The item runs detached from pass cancellation so a shutdown
			// mid-item cannot strand an intermediate sync state.
			res := s.syncOne(context.WithoutCancel(gctx), ref)
			telemetry.SyncCapabilities.WithLabelValues(string(ref.Kind), res.outcome).Inc()
			mu.Lock()
			for _, id := range res.affectedSkills {
				affected[id] = struct{}{}
			}
			if res.outcome == outcomeFailed {
				failed++
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	// Completed items already changed the index; finish the bookkeeping
	// even when the wider context is being torn down.
	persistCtx := context.WithoutCancel(ctx)
	centroidFailures := s.rebuildCentroids(persistCtx, affected)
	if err := s.index.Refresh(persistCtx); err != nil {
		logger.Warnf("Refreshing index after sync pass: %v", err)
	}
	s.invalidateCaches()
	s.markPassDone()

	outcome := "ok"
	if failed > 0 || centroidFailures > 0 {
		outcome = "partial"
	}
	telemetry.SyncPasses.WithLabelValues(outcome).Inc()
	logger.Infow("Sync pass complete",
		"claimed", len(refs),
		"failed", failed,
		"skills_rebuilt", len(affected),
		"outcome", outcome)
	return nil
}

// syncOne moves a single capability to its terminal state for this pass.
func (s *Syncer) syncOne(ctx context.Context, ref registry.SyncRef) itemResult {
	it, err := s.load(ctx, ref)
	if err != nil {
		if res, gone := s.vanished(ctx, ref, err); gone {
			return res
		}
		return s.fail(ctx, ref, "", false, "load", err)
	}

	if !it.rec.Active {
		return s.deindex(ctx, ref, it)
	}

	hash := textHash(it.text)
	unchanged := hash == it.rec.EmbeddingHash
	needClassify := ref.Kind == capability.KindTool && s.classifier != nil &&
		(!unchanged || !it.rec.IsClassified)

	if unchanged && !needClassify {
		if res, done := s.confirmSkip(ctx, ref, it, hash); done {
			return res
		}
		// The entry is missing (deactivate/reactivate cycle); rebuild it.
	}

	if err := s.store.SetSyncState(ctx, ref.ID, capability.SyncStateEmbedding); err != nil {
		if res, gone := s.vanished(ctx, ref, err); gone {
			return res
		}
		return s.fail(ctx, ref, it.rec.EmbeddingHash, it.rec.IsClassified, "embed", err)
	}

	vec, err := s.embed(ctx, it.text)
	if err != nil {
		return s.fail(ctx, ref, it.rec.EmbeddingHash, it.rec.IsClassified, "embed", err)
	}

	// Assignments before classification: if membership changes, the old
	// skills need their centroids recomputed too.
	pre := s.toolAssignments(ctx, ref)

	classified := it.rec.IsClassified
	classificationRan := false
	if needClassify {
		if err := s.store.SetSyncState(ctx, ref.ID, capability.SyncStateClassifying); err != nil {
			if res, gone := s.vanished(ctx, ref, err); gone {
				return res
			}
			return s.fail(ctx, ref, it.rec.EmbeddingHash, it.rec.IsClassified, "classify", err)
		}
		classified = s.classify(ctx, it)
		classificationRan = true
	}

	post := pre
	if classificationRan {
		post = s.toolAssignments(ctx, ref)
	}

	entry := buildEntry(it, vec, post)
	if err := s.index.Upsert(ctx, vectorindex.CollectionTools, []vectorindex.Entry{entry}); err != nil {
		return s.fail(ctx, ref, it.rec.EmbeddingHash, classified, "index", err)
	}

	if err := s.store.SetSyncResult(ctx, ref.ID, capability.SyncStateIndexed, hash, classified); err != nil {
		if res, gone := s.vanished(ctx, ref, err); gone {
			return res
		}
		return s.fail(ctx, ref, it.rec.EmbeddingHash, classified, "index", err)
	}

	s.clearFailures(ref.ID)

	affected := append(skillIDsOf(pre), skillIDsOf(post)...)
	return itemResult{outcome: outcomeIndexed, affectedSkills: affected}
}

// item is the kind-independent view syncOne works on.
type item struct {
	kind   capability.Kind
	rec    *capability.Record
	text   string
	schema map[string]any
}

// load fetches the capability row and derives its embedding text. A nil
// scope bypasses tenancy: the pipeline serves all scopes.
func (s *Syncer) load(ctx context.Context, ref registry.SyncRef) (*item, error) {
	switch ref.Kind {
	case capability.KindTool:
		t, err := s.store.GetTool(ctx, nil, ref.ID)
		if err != nil {
			return nil, err
		}
		return &item{kind: ref.Kind, rec: &t.Record, text: toolText(t), schema: t.InputSchema}, nil
	case capability.KindPrompt:
		p, err := s.store.GetPrompt(ctx, nil, ref.ID)
		if err != nil {
			return nil, err
		}
		return &item{kind: ref.Kind, rec: &p.Record, text: promptText(p)}, nil
	case capability.KindResource:
		r, err := s.store.GetResource(ctx, nil, ref.ID)
		if err != nil {
			return nil, err
		}
		return &item{kind: ref.Kind, rec: &r.Record, text: resourceText(r)}, nil
	default:
		return nil, fmt.Errorf("unknown capability kind %q", ref.Kind)
	}
}

// deindex removes a deactivated capability's vector. The registry row and
// its assignments stay, so reactivation restores everything on a later
// pass; its skills get centroids without the departed vector.
func (s *Syncer) deindex(ctx context.Context, ref registry.SyncRef, it *item) itemResult {
	if err := s.index.Delete(ctx, vectorindex.CollectionTools, []string{ref.ID}); err != nil {
		return s.fail(ctx, ref, it.rec.EmbeddingHash, it.rec.IsClassified, "index", err)
	}
	if err := s.store.SetSyncResult(
		ctx, ref.ID, capability.SyncStateIndexed, it.rec.EmbeddingHash, it.rec.IsClassified,
	); err != nil {
		if res, gone := s.vanished(ctx, ref, err); gone {
			return res
		}
		return s.fail(ctx, ref, it.rec.EmbeddingHash, it.rec.IsClassified, "index", err)
	}
	s.clearFailures(ref.ID)
	return itemResult{outcome: outcomeDeleted, affectedSkills: skillIDsOf(s.toolAssignments(ctx, ref))}
}

// confirmSkip handles the no-change fast path: same text hash, no
// classification due and the entry already present. The capability is
// marked indexed with zero index writes, which keeps re-syncs after a
// server reconnect cheap. done is false when the entry turned out to be
// missing (deactivate/reactivate cycle) and a full rebuild is needed.
//
// Callers that change a tool's assignments without touching its text
// bypass this path by clearing the stored embedding hash, which forces
// the full rebuild and a fresh payload.
func (s *Syncer) confirmSkip(
	ctx context.Context, ref registry.SyncRef, it *item, hash string,
) (itemResult, bool) {
	entries, err := s.index.Fetch(ctx, vectorindex.CollectionTools, []string{ref.ID})
	if err != nil {
		return s.fail(ctx, ref, it.rec.EmbeddingHash, it.rec.IsClassified, "index", err), true
	}
	if len(entries) == 0 {
		return itemResult{}, false
	}

	if err := s.store.SetSyncResult(ctx, ref.ID, capability.SyncStateIndexed, hash, it.rec.IsClassified); err != nil {
		if res, gone := s.vanished(ctx, ref, err); gone {
			return res, true
		}
		return s.fail(ctx, ref, it.rec.EmbeddingHash, it.rec.IsClassified, "index", err), true
	}
	s.clearFailures(ref.ID)
	return itemResult{outcome: outcomeSkipped}, true
}

// classify runs the model classification for one tool and persists the
// assignments. Classification failures are absorbed: the tool still gets
// indexed, keeps any previous assignments (or the uncategorized fallback)
// and stays unclassified so the next pass retries.
func (s *Syncer) classify(ctx context.Context, it *item) bool {
	out, err := s.classifier.Classify(ctx, classifier.Input{
		ToolID:      it.rec.ID,
		Name:        it.rec.Name,
		Description: it.rec.Description,
		Schema:      it.schema,
	})
	if err != nil {
		logger.Warnf("Classifying tool %s: %v", it.rec.Name, err)
		s.ensureFallbackAssignment(ctx, it.rec.ID)
		return false
	}
	if err := s.store.SetSkillAssignments(ctx, it.rec.ID, out.Assignments); err != nil {
		logger.Warnf("Persisting assignments for tool %s: %v", it.rec.Name, err)
		return false
	}
	if out.SuggestionID != "" {
		logger.Infow("Classifier proposed a new skill",
			"tool", it.rec.Name, "suggestion_id", out.SuggestionID)
	}
	return true
}

// ensureFallbackAssignment guarantees an unclassified tool is at least
// reachable under uncategorized. Assignments from an earlier successful
// classification are kept as they are.
func (s *Syncer) ensureFallbackAssignment(ctx context.Context, toolID string) {
	existing, err := s.store.ListAssignments(ctx, toolID)
	if err != nil {
		logger.Warnf("Listing assignments for tool %s: %v", toolID, err)
		return
	}
	if len(existing) > 0 {
		return
	}
	if err := s.store.SetSkillAssignments(ctx, toolID, nil); err != nil {
		logger.Warnf("Assigning uncategorized fallback to tool %s: %v", toolID, err)
	}
}

// embed bounds one embedding call with the configured stage budget.
func (s *Syncer) embed(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.EmbedTimeout)
	defer cancel()
	return s.embedder.Embed(ctx, text)
}

// toolAssignments returns a tool's current assignments, primary first.
// Non-tool capabilities have none.
func (s *Syncer) toolAssignments(ctx context.Context, ref registry.SyncRef) []capability.SkillAssignment {
	if ref.Kind != capability.KindTool {
		return nil
	}
	assignments, err := s.store.ListAssignments(ctx, ref.ID)
	if err != nil {
		logger.Warnf("Listing assignments for tool %s: %v", ref.ID, err)
		return nil
	}
	return assignments
}

// vanished reports whether the capability row disappeared mid-sync, which
// happens when its server is removed while a pass is running. Any index
// entry goes with it.
func (s *Syncer) vanished(ctx context.Context, ref registry.SyncRef, err error) (itemResult, bool) {
	if !errors.Is(err, registry.ErrNotFound) {
		return itemResult{}, false
	}
	if derr := s.index.Delete(ctx, vectorindex.CollectionTools, []string{ref.ID}); derr != nil {
		logger.Warnf("Deleting index entry for removed capability %s: %v", ref.ID, derr)
	}
	s.clearFailures(ref.ID)
	return itemResult{outcome: outcomeDeleted}, true
}

// fail parks the capability in the failed state for a later sweep. hash
// and classified carry the last known-good values so a retry does not
// redo stages that already finished.
func (s *Syncer) fail(
	ctx context.Context, ref registry.SyncRef, hash string, classified bool, stage string, cause error,
) itemResult {
	if err := s.store.SetSyncResult(
		ctx, ref.ID, capability.SyncStateFailed, hash, classified,
	); err != nil && !errors.Is(err, registry.ErrNotFound) {
		logger.Errorf("Recording sync failure for %s %s: %v", ref.Kind, ref.ID, err)
	}
	logger.Warnw("Capability sync failed",
		"capability_id", ref.ID,
		"kind", ref.Kind,
		"stage", stage,
		"error", cause)
	s.recordFailure(Failure{
		CapabilityID: ref.ID,
		Kind:         ref.Kind,
		Stage:        stage,
		Error:        cause.Error(),
		At:           time.Now(),
	})
	return itemResult{outcome: outcomeFailed}
}

// buildEntry assembles the index entry for one capability.
func buildEntry(it *item, vec []float32, assignments []capability.SkillAssignment) vectorindex.Entry {
	p := vectorindex.Payload{
		CapabilityID: it.rec.ID,
		Kind:         string(it.kind),
		SkillIDs:     skillIDsOf(assignments),
		OrgID:        it.rec.OrgID,
		IsGlobal:     it.rec.IsGlobal,
		ServerID:     it.rec.ServerID,
		Text:         it.text,
	}
	for _, a := range assignments {
		if a.Primary {
			p.PrimarySkillID = a.SkillID
			break
		}
	}
	return vectorindex.Entry{ID: it.rec.ID, Vector: vec, Payload: p}
}

// rebuildCentroids recomputes affected skills in a stable order and
// returns how many failed.
func (s *Syncer) rebuildCentroids(ctx context.Context, affected map[string]struct{}) int {
	if len(affected) == 0 {
		return 0
	}
	ids := make([]string, 0, len(affected))
	for id := range affected {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	failures := 0
	for _, id := range ids {
		if err := s.rebuildCentroid(ctx, id); err != nil {
			logger.Errorf("Rebuilding centroid for skill %s: %v", id, err)
			failures++
		}
	}
	return failures
}

// rebuildCentroid recomputes one skill's entry as the mean of its active
// member vectors. Skills that are gone, deactivated or left without
// members lose their entry, so skill matching can never route to them.
func (s *Syncer) rebuildCentroid(ctx context.Context, skillID string) error {
	skill, err := s.store.GetSkill(ctx, skillID)
	switch {
	case errors.Is(err, registry.ErrNotFound):
		return s.index.Delete(ctx, vectorindex.CollectionSkills, []string{skillID})
	case err != nil:
		return fmt.Errorf("loading skill: %w", err)
	}
	if !skill.Active {
		return s.index.Delete(ctx, vectorindex.CollectionSkills, []string{skillID})
	}

	toolIDs, err := s.store.ListToolIDsBySkill(ctx, skillID)
	if err != nil {
		return fmt.Errorf("listing skill members: %w", err)
	}
	if len(toolIDs) == 0 {
		return s.index.Delete(ctx, vectorindex.CollectionSkills, []string{skillID})
	}

	entries, err := s.index.Fetch(ctx, vectorindex.CollectionTools, toolIDs)
	if err != nil {
		return fmt.Errorf("fetching member vectors: %w", err)
	}

	var (
		sum     []float32
		members int
	)
	for _, e := range entries {
		if len(e.Vector) == 0 {
			continue
		}
		if sum == nil {
			sum = make([]float32, len(e.Vector))
		}
		if len(e.Vector) != len(sum) {
			logger.Warnf("Skipping vector with unexpected dimension for %s in skill %s",
				e.ID, skillID)
			continue
		}
		for i, v := range e.Vector {
			sum[i] += v
		}
		members++
	}
	if members == 0 {
		// Members exist but none are indexed yet; the pass that indexes
		// them will rebuild this skill.
		return s.index.Delete(ctx, vectorindex.CollectionSkills, []string{skillID})
	}
	for i := range sum {
		sum[i] /= float32(members)
	}

	entry := vectorindex.Entry{
		ID:     skillID,
		Vector: sum,
		Payload: vectorindex.Payload{
			CapabilityID: skillID,
			Kind:         "skill",
			IsGlobal:     true,
			Text:         skillText(skill),
			ToolCount:    members,
		},
	}
	return s.index.Upsert(ctx, vectorindex.CollectionSkills, []vectorindex.Entry{entry})
}

func skillIDsOf(assignments []capability.SkillAssignment) []string {
	ids := make([]string, 0, len(assignments))
	for _, a := range assignments {
		ids = append(ids, a.SkillID)
	}
	return ids
}

// textHash fingerprints the embedding text. A matching hash lets a
// re-sync reuse the stored vector instead of calling the embedder.
func textHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// toolText is the embedding document for a tool: name, description and a
// one-line schema summary so parameter names contribute to matching.
func toolText(t *capability.Tool) string {
	var b strings.Builder
	b.WriteString(t.Name)
	b.WriteString(" : ")
	b.WriteString(t.Description)
	if summary := capability.SchemaSummary(t.InputSchema); summary != "" {
		b.WriteString("\nparameters: ")
		b.WriteString(summary)
	}
	return b.String()
}

func promptText(p *capability.Prompt) string {
	var b strings.Builder
	b.WriteString(p.Name)
	b.WriteString(" : ")
	b.WriteString(p.Description)
	if len(p.Arguments) > 0 {
		names := make([]string, 0, len(p.Arguments))
		for _, a := range p.Arguments {
			names = append(names, a.Name)
		}
		b.WriteString("\narguments: ")
		b.WriteString(strings.Join(names, ", "))
	}
	return b.String()
}

func resourceText(r *capability.Resource) string {
	return r.Name + " : " + r.Description
}

func skillText(sk *capability.SkillCategory) string {
	var b strings.Builder
	b.WriteString(sk.Name)
	b.WriteString(" : ")
	b.WriteString(sk.Description)
	if len(sk.Keywords) > 0 {
		b.WriteString("\nkeywords: ")
		b.WriteString(strings.Join(sk.Keywords, ", "))
	}
	return b.String()
}
