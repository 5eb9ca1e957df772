// SPDX-FileCopyrightText: Copyright 2025 The capgate Authors
// SPDX-License-Identifier: Apache-2.0

package v1

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/capgate-io/capgate/pkg/apierror"
	"github.com/capgate-io/capgate/pkg/capability"
	"github.com/capgate-io/capgate/pkg/logger"
	"github.com/capgate-io/capgate/pkg/registry"
)

// SkillsRoutes binds the skill and suggestion handlers to the registry.
// Skills are not tenant-scoped: the taxonomy is shared so centroids stay
// meaningful across organizations.
type SkillsRoutes struct {
	store registry.Store
	sync  SyncControl
}

// SkillsRouter creates a router for the skill taxonomy and classifier
// suggestions.
func SkillsRouter(store registry.Store, sync SyncControl) http.Handler {
	routes := SkillsRoutes{store: store, sync: sync}

	r := chi.NewRouter()
	r.Get("/", apierror.ErrorHandler(routes.listSkills))
	r.Post("/", apierror.ErrorHandler(routes.createSkill))
	r.Get("/suggestions", apierror.ErrorHandler(routes.listSuggestions))
	r.Post("/suggestions/{id}/approve", apierror.ErrorHandler(routes.approveSuggestion))
	r.Post("/suggestions/{id}/reject", apierror.ErrorHandler(routes.rejectSuggestion))
	r.Get("/{id}", apierror.ErrorHandler(routes.getSkill))
	r.Put("/{id}", apierror.ErrorHandler(routes.updateSkill))
	r.Post("/{id}/activate", apierror.ErrorHandler(routes.activateSkill))
	r.Post("/{id}/deactivate", apierror.ErrorHandler(routes.deactivateSkill))
	return r
}

type skillRequest struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Keywords    []string `json:"keywords,omitempty"`
	Examples    []string `json:"examples,omitempty"`
}

type skillResponse struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Keywords    []string  `json:"keywords,omitempty"`
	Examples    []string  `json:"examples,omitempty"`
	Active      bool      `json:"active"`
	ToolCount   int       `json:"tool_count"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type suggestionResponse struct {
	ID           string                      `json:"id"`
	ProposedID   string                      `json:"proposed_id"`
	Name         string                      `json:"name"`
	Rationale    string                      `json:"rationale,omitempty"`
	SourceToolID string                      `json:"source_tool_id,omitempty"`
	Status       capability.SuggestionStatus `json:"status"`
	CreatedAt    time.Time                   `json:"created_at"`
	UpdatedAt    time.Time                   `json:"updated_at"`
}

// listSkills
//
//	@Summary	List skills
//	@Tags		skills
//	@Produce	json
//	@Param		active_only	query		bool	false	"Drop deactivated skills"
//	@Success	200			{object}	map[string][]skillResponse
//	@Router		/api/v1/skills [get]
func (s SkillsRoutes) listSkills(w http.ResponseWriter, r *http.Request) error {
	activeOnly, err := queryBool(r, "active_only")
	if err != nil {
		return err
	}

	skills, err := s.store.ListSkills(r.Context(), registry.SkillFilter{
		ActiveOnly: activeOnly,
		WithCounts: true,
	})
	if err != nil {
		return err
	}

	out := make([]skillResponse, 0, len(skills))
	for _, sk := range skills {
		out = append(out, toSkillResponse(sk))
	}
	return respond(w, r, http.StatusOK, map[string]any{"skills": out}, nil)
}

// createSkill
//
//	@Summary		Create a skill
//	@Description	Add a taxonomy category. The id must match ^[a-z][a-z0-9_]*$ and be unused.
//	@Tags			skills
//	@Accept			json
//	@Produce		json
//	@Param			request	body		skillRequest	true	"Skill definition"
//	@Success		201		{object}	skillResponse
//	@Failure		409		{string}	string	"Skill already exists"
//	@Failure		422		{string}	string	"Validation error"
//	@Router			/api/v1/skills [post]
func (s SkillsRoutes) createSkill(w http.ResponseWriter, r *http.Request) error {
	var req skillRequest
	if err := decode(r, &req); err != nil {
		return err
	}

	// UpsertSkill would silently replace an existing category, which is
	// the wrong behavior for POST.
	_, err := s.store.GetSkill(r.Context(), req.ID)
	switch {
	case err == nil:
		return apierror.DuplicateName("skill already exists").WithDetail("id", req.ID)
	case !errors.Is(err, registry.ErrNotFound):
		return err
	}

	skill := &capability.SkillCategory{
		ID:          req.ID,
		Name:        req.Name,
		Description: req.Description,
		Keywords:    req.Keywords,
		Examples:    req.Examples,
		Active:      true,
	}
	if err := s.store.UpsertSkill(r.Context(), skill); err != nil {
		return err
	}
	s.rebuildSkill(r, skill.ID)

	return respond(w, r, http.StatusCreated, toSkillResponse(skill), nil)
}

// getSkill
//
//	@Summary	Get skill details
//	@Tags		skills
//	@Produce	json
//	@Param		id	path		string	true	"Skill id"
//	@Success	200	{object}	skillResponse
//	@Failure	404	{string}	string	"Not found"
//	@Router		/api/v1/skills/{id} [get]
func (s SkillsRoutes) getSkill(w http.ResponseWriter, r *http.Request) error {
	skill, err := s.store.GetSkill(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		return err
	}
	return respond(w, r, http.StatusOK, toSkillResponse(skill), nil)
}

// updateSkill
//
//	@Summary		Update a skill
//	@Description	Rewrite a skill's descriptive fields. The active flag is preserved.
//	@Tags			skills
//	@Accept			json
//	@Produce		json
//	@Param			id		path		string			true	"Skill id"
//	@Param			request	body		skillRequest	true	"New definition"
//	@Success		200		{object}	skillResponse
//	@Failure		404		{string}	string	"Not found"
//	@Router			/api/v1/skills/{id} [put]
func (s SkillsRoutes) updateSkill(w http.ResponseWriter, r *http.Request) error {
	id := chi.URLParam(r, "id")
	var req skillRequest
	if err := decode(r, &req); err != nil {
		return err
	}
	if req.ID != "" && req.ID != id {
		return apierror.Validation("id in body does not match path").WithDetail("id", req.ID)
	}

	existing, err := s.store.GetSkill(r.Context(), id)
	if err != nil {
		return err
	}

	skill := &capability.SkillCategory{
		ID:          id,
		Name:        req.Name,
		Description: req.Description,
		Keywords:    req.Keywords,
		Examples:    req.Examples,
		Active:      existing.Active,
	}
	if err := s.store.UpsertSkill(r.Context(), skill); err != nil {
		return err
	}
	s.rebuildSkill(r, id)

	skill.ToolCount = existing.ToolCount
	skill.CreatedAt = existing.CreatedAt
	return respond(w, r, http.StatusOK, toSkillResponse(skill), nil)
}

// activateSkill
//
//	@Summary	Reactivate a skill
//	@Tags		skills
//	@Produce	json
//	@Param		id	path		string	true	"Skill id"
//	@Success	200	{object}	map[string]any
//	@Failure	404	{string}	string	"Not found"
//	@Router		/api/v1/skills/{id}/activate [post]
func (s SkillsRoutes) activateSkill(w http.ResponseWriter, r *http.Request) error {
	id := chi.URLParam(r, "id")

	existing, err := s.store.GetSkill(r.Context(), id)
	if err != nil {
		return err
	}
	existing.Active = true
	if err := s.store.UpsertSkill(r.Context(), existing); err != nil {
		return err
	}
	s.rebuildSkill(r, id)

	return respond(w, r, http.StatusOK, map[string]any{"id": id, "active": true}, nil)
}

// deactivateSkill
//
//	@Summary		Deactivate a skill
//	@Description	Exclude a skill from search and classification. Existing assignments are kept.
//	@Tags			skills
//	@Produce		json
//	@Param			id	path		string	true	"Skill id"
//	@Success		200	{object}	map[string]any
//	@Failure		404	{string}	string	"Not found or already inactive"
//	@Failure		422	{string}	string	"The uncategorized skill cannot be deactivated"
//	@Router			/api/v1/skills/{id}/deactivate [post]
func (s SkillsRoutes) deactivateSkill(w http.ResponseWriter, r *http.Request) error {
	id := chi.URLParam(r, "id")

	if err := s.store.DeactivateSkill(r.Context(), id); err != nil {
		return err
	}
	s.rebuildSkill(r, id)

	return respond(w, r, http.StatusOK, map[string]any{"id": id, "active": false}, nil)
}

// listSuggestions
//
//	@Summary	List skill suggestions
//	@Tags		skills
//	@Produce	json
//	@Param		status	query		string	false	"Filter by status (pending, approved, rejected)"
//	@Success	200		{object}	map[string][]suggestionResponse
//	@Router		/api/v1/skills/suggestions [get]
func (s SkillsRoutes) listSuggestions(w http.ResponseWriter, r *http.Request) error {
	status := capability.SuggestionStatus(r.URL.Query().Get("status"))
	switch status {
	case "", capability.SuggestionPending, capability.SuggestionApproved, capability.SuggestionRejected:
	default:
		return apierror.Validation("unknown status").
			WithDetail("status", "must be pending, approved or rejected")
	}

	suggestions, err := s.store.ListSuggestions(r.Context(), status)
	if err != nil {
		return err
	}

	out := make([]suggestionResponse, 0, len(suggestions))
	for _, sug := range suggestions {
		out = append(out, toSuggestionResponse(sug))
	}
	return respond(w, r, http.StatusOK, map[string]any{"suggestions": out}, nil)
}

// approveSuggestion
//
//	@Summary		Approve a skill suggestion
//	@Description	Create the proposed skill and queue the source tool for re-classification
//	@Tags			skills
//	@Produce		json
//	@Param			id	path		string	true	"Suggestion id"
//	@Success		200	{object}	suggestionResponse
//	@Failure		404	{string}	string	"Not found"
//	@Failure		422	{string}	string	"Suggestion already resolved"
//	@Router			/api/v1/skills/suggestions/{id}/approve [post]
func (s SkillsRoutes) approveSuggestion(w http.ResponseWriter, r *http.Request) error {
	id := chi.URLParam(r, "id")

	sug, err := s.store.GetSuggestion(r.Context(), id)
	if err != nil {
		return err
	}
	if sug.Status != capability.SuggestionPending {
		return apierror.Validation("suggestion already resolved").WithDetail("id", id)
	}

	// Upsert before resolving: if the process dies between the two steps
	// the suggestion stays pending and a retry re-upserts the same skill.
	skill := &capability.SkillCategory{
		ID:          sug.ProposedID,
		Name:        sug.Name,
		Description: sug.Rationale,
		Active:      true,
	}
	if err := s.store.UpsertSkill(r.Context(), skill); err != nil {
		return err
	}
	if err := s.store.SetSuggestionStatus(r.Context(), id, capability.SuggestionApproved); err != nil {
		return err
	}

	// Re-classify the tool that prompted the suggestion so it lands in
	// the new skill.
	if sug.SourceToolID != "" {
		err := s.store.SetSyncResult(r.Context(), sug.SourceToolID, capability.SyncStateNew, "", false)
		if err != nil && !errors.Is(err, registry.ErrNotFound) {
			return err
		}
	}
	s.sync.Trigger()

	sug.Status = capability.SuggestionApproved
	return respond(w, r, http.StatusOK, toSuggestionResponse(sug), metadata{"skill_id": skill.ID})
}

// rejectSuggestion
//
//	@Summary	Reject a skill suggestion
//	@Tags		skills
//	@Produce	json
//	@Param		id	path		string	true	"Suggestion id"
//	@Success	200	{object}	suggestionResponse
//	@Failure	404	{string}	string	"Not found"
//	@Failure	422	{string}	string	"Suggestion already resolved"
//	@Router		/api/v1/skills/suggestions/{id}/reject [post]
func (s SkillsRoutes) rejectSuggestion(w http.ResponseWriter, r *http.Request) error {
	id := chi.URLParam(r, "id")

	sug, err := s.store.GetSuggestion(r.Context(), id)
	if err != nil {
		return err
	}
	if err := s.store.SetSuggestionStatus(r.Context(), id, capability.SuggestionRejected); err != nil {
		return err
	}

	sug.Status = capability.SuggestionRejected
	return respond(w, r, http.StatusOK, toSuggestionResponse(sug), nil)
}

// rebuildSkill refreshes a skill's centroid after a taxonomy change. The
// mutation is already committed and search re-checks the active flag, so
// a failure here degrades freshness rather than correctness.
func (s SkillsRoutes) rebuildSkill(r *http.Request, id string) {
	if err := s.sync.RebuildSkill(r.Context(), id); err != nil {
		logger.Warnf("Failed to rebuild skill %s: %v", id, err)
	}
}

func toSkillResponse(sk *capability.SkillCategory) skillResponse {
	return skillResponse{
		ID:          sk.ID,
		Name:        sk.Name,
		Description: sk.Description,
		Keywords:    sk.Keywords,
		Examples:    sk.Examples,
		Active:      sk.Active,
		ToolCount:   sk.ToolCount,
		CreatedAt:   sk.CreatedAt,
		UpdatedAt:   sk.UpdatedAt,
	}
}

func toSuggestionResponse(sug *capability.SkillSuggestion) suggestionResponse {
	return suggestionResponse{
		ID:           sug.ID,
		ProposedID:   sug.ProposedID,
		Name:         sug.Name,
		Rationale:    sug.Rationale,
		SourceToolID: sug.SourceToolID,
		Status:       sug.Status,
		CreatedAt:    sug.CreatedAt,
		UpdatedAt:    sug.UpdatedAt,
	}
}
