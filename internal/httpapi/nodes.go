package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kernelci/kernelci-api-core/internal/apierror"
	"github.com/kernelci/kernelci-api-core/internal/node"
)

// nodeDraftBody is the wire shape for POST /node.
type nodeDraftBody struct {
	Kind       string            `json:"kind"`
	Name       string            `json:"name"`
	Parent     string            `json:"parent,omitempty"`
	Group      string            `json:"group,omitempty"`
	Data       json.RawMessage   `json:"data,omitempty"`
	Artifacts  map[string]string `json:"artifacts,omitempty"`
	UserGroups []string          `json:"user_groups,omitempty"`
	Timeout    *time.Time        `json:"timeout,omitempty"`
	Holdoff    *time.Time        `json:"holdoff,omitempty"`
}

// nodePatchBody is the wire shape for PUT /node/{id}.
type nodePatchBody struct {
	Name            *string           `json:"name,omitempty"`
	Group           *string           `json:"group,omitempty"`
	State           *node.State       `json:"state,omitempty"`
	Result          *node.Result      `json:"result,omitempty"`
	Data            json.RawMessage   `json:"data,omitempty"`
	Artifacts       map[string]string `json:"artifacts,omitempty"`
	UserGroups      []string          `json:"user_groups,omitempty"`
	Holdoff         *time.Time        `json:"holdoff,omitempty"`
	Timeout         *time.Time        `json:"timeout,omitempty"`
	ExpectedUpdated *time.Time        `json:"expected_updated,omitempty"`
}

func (s *Server) handleCreateNode(w http.ResponseWriter, r *http.Request) {
	var body nodeDraftBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, apierror.Wrap(apierror.KindInvalidInput, "malformed node draft", err))
		return
	}
	principal := principalFrom(r)

	draft := node.Draft{
		Kind:       body.Kind,
		Name:       body.Name,
		Parent:     body.Parent,
		Group:      body.Group,
		Data:       body.Data,
		Artifacts:  body.Artifacts,
		UserGroups: body.UserGroups,
		Timeout:    body.Timeout,
		Holdoff:    body.Holdoff,
	}
	n, err := s.nodes.Create(r.Context(), draft, principal.Subject, principal.Groups)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, n)
}

func (s *Server) handleGetNode(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	n, err := s.nodes.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func (s *Server) handleUpdateNode(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var body nodePatchBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, apierror.Wrap(apierror.KindInvalidInput, "malformed node patch", err))
		return
	}
	principal := principalFrom(r)

	patch := node.Patch{
		Name:       body.Name,
		Group:      body.Group,
		State:      body.State,
		Result:     body.Result,
		Data:       body.Data,
		Artifacts:  body.Artifacts,
		UserGroups: body.UserGroups,
		Holdoff:    body.Holdoff,
		Timeout:    body.Timeout,
	}
	n, err := s.nodes.Update(r.Context(), id, patch, principal.Subject, principal.Groups, body.ExpectedUpdated)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

// parseFilterParams strips pagination controls from the raw query string,
// leaving only dotted-key filter params for node.ParseFilter (spec §4.5).
func parseFilterParams(r *http.Request) (map[string]string, int, int, error) {
	query := r.URL.Query()
	limit := 0
	offset := 0
	var err error
	if v := query.Get("limit"); v != "" {
		limit, err = strconv.Atoi(v)
		if err != nil {
			return nil, 0, 0, apierror.Wrap(apierror.KindInvalidInput, "limit must be an integer", err)
		}
		if limit > node.MaxLimit {
			return nil, 0, 0, apierror.New(apierror.KindTooLarge, "limit exceeds maximum")
		}
	}
	if v := query.Get("offset"); v != "" {
		offset, err = strconv.Atoi(v)
		if err != nil {
			return nil, 0, 0, apierror.Wrap(apierror.KindInvalidInput, "offset must be an integer", err)
		}
	}

	params := make(map[string]string)
	for key := range query {
		if key == "limit" || key == "offset" {
			continue
		}
		params[key] = query.Get(key)
	}
	return params, limit, offset, nil
}

// queryNodesResponse is the spec §4.5 Query envelope: the page of matching
// nodes plus the total count of nodes matching filter across all pages.
type queryNodesResponse struct {
	Items []node.Node `json:"items"`
	Total int         `json:"total"`
}

func (s *Server) handleQueryNodes(w http.ResponseWriter, r *http.Request) {
	params, limit, offset, err := parseFilterParams(r)
	if err != nil {
		writeError(w, err)
		return
	}
	filter, err := node.ParseFilter(params)
	if err != nil {
		writeError(w, err)
		return
	}
	results, err := s.nodes.Query(r.Context(), filter, limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	total, err := s.nodes.Count(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, queryNodesResponse{Items: results, Total: total})
}

func (s *Server) handleCountNodes(w http.ResponseWriter, r *http.Request) {
	params, _, _, err := parseFilterParams(r)
	if err != nil {
		writeError(w, err)
		return
	}
	filter, err := node.ParseFilter(params)
	if err != nil {
		writeError(w, err)
		return
	}
	count, err := s.nodes.Count(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Count int `json:"count"`
	}{count})
}
