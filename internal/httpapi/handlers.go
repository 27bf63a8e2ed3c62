package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"compass/internal/aggregator"
	"compass/internal/hil"
	"compass/internal/search"
	"compass/internal/skills"
	"compass/internal/store"
)

// decode reads a JSON body, rejecting unknown fields.
func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// scopeVisible reports whether the caller's organization may see a record.
// Global records and records without an owner are visible to everyone.
func scopeVisible(r *http.Request, isGlobal bool, orgID *string) bool {
	if isGlobal || orgID == nil {
		return true
	}
	caller := aggregator.CallerFromContext(r.Context())
	return caller.OrgID != nil && *caller.OrgID == *orgID
}

// serverInScope loads a server by id and hides another tenant's record
// behind the same not-found error an unknown id produces, so probing ids
// reveals nothing.
func (s *Server) serverInScope(r *http.Request, id string) (*store.ExternalServer, error) {
	srv, err := s.deps.Servers.Get(r.Context(), id)
	if err != nil {
		return nil, err
	}
	if !scopeVisible(r, srv.IsGlobal, srv.OrgID) {
		return nil, store.ErrNotFound
	}
	return srv, nil
}

// skillInScope is the skill-category counterpart of serverInScope.
func (s *Server) skillInScope(r *http.Request, id string) (*store.SkillCategory, error) {
	sk, err := s.deps.Skills.Get(r.Context(), id)
	if err != nil {
		return nil, err
	}
	if !scopeVisible(r, sk.IsGlobal, sk.OrgID) {
		return nil, store.ErrNotFound
	}
	return sk, nil
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req search.Request
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidParams, "invalid search request: "+err.Error(), nil)
		return
	}
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, codeInvalidParams, "query is required", nil)
		return
	}

	// The caller's organization always wins over whatever the body says.
	caller := aggregator.CallerFromContext(r.Context())
	if caller.OrgID != nil {
		req.OrgID = *caller.OrgID
	} else {
		req.OrgID = ""
	}

	resp, err := s.deps.Search.Search(r.Context(), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type skillRequest struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Description  string   `json:"description"`
	Keywords     []string `json:"keywords,omitempty"`
	Examples     []string `json:"examples,omitempty"`
	ParentDomain *string  `json:"parent_domain,omitempty"`
	Global       bool     `json:"global,omitempty"`
}

func (s *Server) skillInput(r *http.Request, body skillRequest) skills.SkillInput {
	in := skills.SkillInput{
		ID:           body.ID,
		Name:         body.Name,
		Description:  body.Description,
		Keywords:     body.Keywords,
		Examples:     body.Examples,
		ParentDomain: body.ParentDomain,
	}
	if !body.Global {
		in.OrgID = aggregator.CallerFromContext(r.Context()).OrgID
	}
	return in
}

func (s *Server) handleCreateSkill(w http.ResponseWriter, r *http.Request) {
	var body skillRequest
	if err := decode(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidParams, "invalid skill: "+err.Error(), nil)
		return
	}
	sk, err := s.deps.Skills.Create(r.Context(), s.skillInput(r, body))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sk)
}

func (s *Server) handleUpdateSkill(w http.ResponseWriter, r *http.Request) {
	var body skillRequest
	if err := decode(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidParams, "invalid skill: "+err.Error(), nil)
		return
	}
	body.ID = chi.URLParam(r, "id")
	if _, err := s.skillInScope(r, body.ID); err != nil {
		writeDomainError(w, err)
		return
	}
	sk, err := s.deps.Skills.Update(r.Context(), s.skillInput(r, body))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sk)
}

func (s *Server) handleGetSkill(w http.ResponseWriter, r *http.Request) {
	sk, err := s.skillInScope(r, chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sk)
}

func (s *Server) handleListSkills(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("include_disabled") != "true"
	caller := aggregator.CallerFromContext(r.Context())
	list, err := s.deps.Skills.List(r.Context(), caller.OrgID, activeOnly)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"skills": list})
}

func (s *Server) handleDisableSkill(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.skillInScope(r, id); err != nil {
		writeDomainError(w, err)
		return
	}
	if err := s.deps.Skills.Disable(r.Context(), id); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleClassifyTool(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidParams, "invalid tool id", nil)
		return
	}
	tool, err := s.deps.Tools.GetTool(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if !scopeVisible(r, tool.IsGlobal, tool.OrgID) {
		writeDomainError(w, store.ErrNotFound)
		return
	}
	if err := s.deps.Classifier.ClassifyTool(r.Context(), id); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type registerServerRequest struct {
	Name           string                `json:"name"`
	Transport      store.ServerTransport `json:"transport"`
	Command        string                `json:"command,omitempty"`
	Args           []string              `json:"args,omitempty"`
	Env            map[string]any        `json:"env,omitempty"`
	URL            string                `json:"url,omitempty"`
	Headers        map[string]any        `json:"headers,omitempty"`
	HealthCheckURL string                `json:"health_check_url,omitempty"`
	Global         bool                  `json:"global,omitempty"`
}

func (s *Server) handleRegisterServer(w http.ResponseWriter, r *http.Request) {
	var body registerServerRequest
	if err := decode(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidParams, "invalid server: "+err.Error(), nil)
		return
	}
	spec := aggregator.RegisterSpec{
		Name:           body.Name,
		Transport:      body.Transport,
		Command:        body.Command,
		Args:           body.Args,
		Env:            store.JSONMap(body.Env),
		URL:            body.URL,
		Headers:        store.JSONMap(body.Headers),
		HealthCheckURL: body.HealthCheckURL,
		IsGlobal:       body.Global,
	}
	if !body.Global {
		spec.OrgID = aggregator.CallerFromContext(r.Context()).OrgID
	}

	srv, err := s.deps.Servers.Register(r.Context(), spec)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, srv)
}

func (s *Server) handleListServers(w http.ResponseWriter, r *http.Request) {
	caller := aggregator.CallerFromContext(r.Context())
	list, err := s.deps.Servers.List(r.Context(), caller.OrgID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"servers": list})
}

func (s *Server) handleGetServer(w http.ResponseWriter, r *http.Request) {
	srv, err := s.serverInScope(r, chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, srv)
}

func (s *Server) handleConnectServer(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.serverInScope(r, id); err != nil {
		writeDomainError(w, err)
		return
	}
	srv, err := s.deps.Servers.Connect(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, srv)
}

func (s *Server) handleDisconnectServer(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.serverInScope(r, id); err != nil {
		writeDomainError(w, err)
		return
	}
	if err := s.deps.Servers.Disconnect(r.Context(), id); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRefreshServer(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.serverInScope(r, id); err != nil {
		writeDomainError(w, err)
		return
	}
	if err := s.deps.Servers.Refresh(r.Context(), id); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRemoveServer(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.serverInScope(r, id); err != nil {
		writeDomainError(w, err)
		return
	}
	sum, err := s.deps.Servers.Remove(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) handleListHIL(w http.ResponseWriter, r *http.Request) {
	state := hil.State(r.URL.Query().Get("state"))
	writeJSON(w, http.StatusOK, map[string]any{"requests": s.deps.HIL.List(state)})
}

func (s *Server) handleGetHIL(w http.ResponseWriter, r *http.Request) {
	req, err := s.deps.HIL.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeHILError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

type hilDecisionRequest struct {
	Decision hil.State `json:"decision"`
	Input    string    `json:"input,omitempty"`
}

func (s *Server) handleDecideHIL(w http.ResponseWriter, r *http.Request) {
	var body hilDecisionRequest
	if err := decode(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidParams, "invalid decision: "+err.Error(), nil)
		return
	}
	req, err := s.deps.HIL.Decide(chi.URLParam(r, "id"), body.Decision, body.Input)
	if err != nil {
		writeHILError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}
