package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/marcus/datasync/entity"
	"github.com/marcus/datasync/query"
	"github.com/marcus/datasync/transport"
)

// Paging bounds for list responses.
const (
	DefaultPageSize = 100
	MaxPageSize     = 128000
)

// TableHandler serves the /tables/{table} contract over a Store.
type TableHandler struct {
	store      *Store
	logger     zerolog.Logger
	softDelete bool
	pageSize   int
}

// NewTableHandler builds a handler. A pageSize of zero means
// DefaultPageSize.
func NewTableHandler(store *Store, logger zerolog.Logger, softDelete bool, pageSize int) *TableHandler {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}
	return &TableHandler{store: store, logger: logger, softDelete: softDelete, pageSize: pageSize}
}

// Mount attaches the table routes to r.
func (h *TableHandler) Mount(r chi.Router) {
	r.Route("/tables/{table}", func(r chi.Router) {
		r.Get("/", h.list)
		r.Post("/", h.create)
		r.Get("/{id}", h.read)
		r.Put("/{id}", h.replace)
		r.Delete("/{id}", h.remove)
	})
}

// pageResponse is the list envelope on the wire.
type pageResponse struct {
	Items    []map[string]any `json:"items"`
	Count    *int64           `json:"count,omitempty"`
	NextLink *string          `json:"nextLink,omitempty"`
}

// wireDocument renders a row for transport: application fields plus the
// authoritative system fields.
func (h *TableHandler) wireDocument(row *Row) map[string]any {
	doc := make(map[string]any, len(row.Fields)+4)
	for k, v := range row.Fields {
		doc[k] = v
	}
	doc["id"] = row.ID
	doc["updatedAt"] = row.UpdatedAt.UTC().Format(entity.EDMDateTimeFormat)
	doc["version"] = row.Version
	if h.softDelete {
		doc["deleted"] = row.Deleted
	}
	return doc
}

// stripSystemFields removes the server-owned fields from an incoming
// document before storage; they are reconstructed from columns.
func stripSystemFields(doc map[string]any) map[string]any {
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		switch k {
		case "id", "updatedAt", "version", "deleted":
		default:
			out[k] = v
		}
	}
	return out
}

func (h *TableHandler) list(w http.ResponseWriter, r *http.Request) {
	table := chi.URLParam(r, "table")
	desc, err := query.Parse(r.URL.RawQuery)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	rows, err := h.store.List(r.Context(), table)
	if err != nil {
		h.storeError(w, err)
		return
	}

	docs := make([]map[string]any, 0, len(rows))
	for i := range rows {
		row := &rows[i]
		if row.Deleted && !desc.IncludeDeleted {
			continue
		}
		doc := h.wireDocument(row)
		if desc.Filter != nil {
			ok, err := query.Matches(desc.Filter, filterView(doc))
			if err != nil {
				h.writeError(w, http.StatusBadRequest, err)
				return
			}
			if !ok {
				continue
			}
		}
		docs = append(docs, doc)
	}

	sortDocuments(docs, desc.OrderBy)

	total := int64(len(docs))
	skip := desc.Skip
	if skip < 0 {
		skip = 0
	}
	if skip > len(docs) {
		skip = len(docs)
	}
	top := desc.Top
	if top > MaxPageSize {
		top = MaxPageSize
	}
	limit := h.pageSize
	if top > 0 && top < limit {
		limit = top
	}
	end := skip + limit
	if end > len(docs) {
		end = len(docs)
	}
	window := docs[skip:end]

	if len(desc.Selection) > 0 {
		for i, doc := range window {
			window[i] = project(doc, desc.Selection)
		}
	}

	resp := pageResponse{Items: window}
	if desc.RequestTotalCount {
		resp.Count = &total
	}
	remaining := len(docs) - end
	if top > 0 && top <= len(window) {
		remaining = 0
	}
	if remaining > 0 {
		next := desc.Clone()
		next.Skip = end
		if top > 0 {
			next.Top = top - len(window)
		}
		link, err := next.QueryString()
		if err != nil {
			h.writeError(w, http.StatusInternalServerError, err)
			return
		}
		resp.NextLink = &link
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *TableHandler) read(w http.ResponseWriter, r *http.Request) {
	table := chi.URLParam(r, "table")
	id := chi.URLParam(r, "id")

	row, err := h.store.Get(r.Context(), table, id)
	if err != nil {
		h.storeError(w, err)
		return
	}
	if row.Deleted {
		h.writeError(w, http.StatusGone, errors.New("row is deleted"))
		return
	}
	etag := transport.ETag(row.Version)
	if match := r.Header.Get("If-None-Match"); match != "" && match == etag {
		w.Header().Set("ETag", etag)
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("ETag", etag)
	h.writeJSON(w, http.StatusOK, h.wireDocument(row))
}

func (h *TableHandler) create(w http.ResponseWriter, r *http.Request) {
	table := chi.URLParam(r, "table")

	var doc map[string]any
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	id, _ := doc["id"].(string)
	if id == "" {
		id = uuid.NewString()
	}
	if err := entity.ValidateID(id); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	if existing, err := h.store.Get(r.Context(), table, id); err == nil {
		w.Header().Set("ETag", transport.ETag(existing.Version))
		h.writeJSON(w, http.StatusConflict, h.wireDocument(existing))
		return
	} else if !errors.Is(err, ErrNotFound) {
		h.storeError(w, err)
		return
	}

	row := Row{
		ID:        id,
		UpdatedAt: h.store.Now(),
		Version:   newVersion(),
		Fields:    stripSystemFields(doc),
	}
	if err := h.store.Insert(r.Context(), table, row); err != nil {
		if errors.Is(err, ErrExists) {
			if existing, gerr := h.store.Get(r.Context(), table, id); gerr == nil {
				w.Header().Set("ETag", transport.ETag(existing.Version))
				h.writeJSON(w, http.StatusConflict, h.wireDocument(existing))
				return
			}
		}
		h.storeError(w, err)
		return
	}
	w.Header().Set("Location", "/tables/"+table+"/"+id)
	w.Header().Set("ETag", transport.ETag(row.Version))
	h.writeJSON(w, http.StatusCreated, h.wireDocument(&row))
}

func (h *TableHandler) replace(w http.ResponseWriter, r *http.Request) {
	table := chi.URLParam(r, "table")
	id := chi.URLParam(r, "id")

	desc, err := query.Parse(r.URL.RawQuery)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	var doc map[string]any
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	current, err := h.store.Get(r.Context(), table, id)
	if err != nil {
		h.storeError(w, err)
		return
	}
	if current.Deleted {
		// A soft-deleted row can only be resurrected explicitly: the
		// caller must ask for deleted rows and clear the flag.
		bodyDeleted, _ := doc["deleted"].(bool)
		if !desc.IncludeDeleted || bodyDeleted {
			h.writeError(w, http.StatusGone, errors.New("row is deleted"))
			return
		}
	}
	if !h.preconditionHolds(r, current) {
		w.Header().Set("ETag", transport.ETag(current.Version))
		h.writeJSON(w, http.StatusPreconditionFailed, h.wireDocument(current))
		return
	}

	row := Row{
		ID:        id,
		UpdatedAt: h.store.Now(),
		Version:   newVersion(),
		Fields:    stripSystemFields(doc),
	}
	if err := h.store.Update(r.Context(), table, row); err != nil {
		h.storeError(w, err)
		return
	}
	w.Header().Set("ETag", transport.ETag(row.Version))
	h.writeJSON(w, http.StatusOK, h.wireDocument(&row))
}

func (h *TableHandler) remove(w http.ResponseWriter, r *http.Request) {
	table := chi.URLParam(r, "table")
	id := chi.URLParam(r, "id")

	current, err := h.store.Get(r.Context(), table, id)
	if err != nil {
		h.storeError(w, err)
		return
	}
	if current.Deleted {
		h.writeError(w, http.StatusGone, errors.New("row is deleted"))
		return
	}
	if !h.preconditionHolds(r, current) {
		w.Header().Set("ETag", transport.ETag(current.Version))
		h.writeJSON(w, http.StatusPreconditionFailed, h.wireDocument(current))
		return
	}

	if h.softDelete {
		row := *current
		row.Deleted = true
		row.UpdatedAt = h.store.Now()
		row.Version = newVersion()
		if err := h.store.Update(r.Context(), table, row); err != nil {
			h.storeError(w, err)
			return
		}
	} else {
		if err := h.store.Delete(r.Context(), table, id); err != nil {
			h.storeError(w, err)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// preconditionHolds checks an If-Match header against the row's current
// version. Absent headers always hold; weak or malformed validators
// never match a stored version.
func (h *TableHandler) preconditionHolds(r *http.Request, row *Row) bool {
	match := r.Header.Get("If-Match")
	if match == "" {
		return true
	}
	if match == "*" {
		return true
	}
	version, err := transport.ParseETag(match)
	if err != nil {
		return false
	}
	return bytes.Equal(version, row.Version)
}

// filterView adapts a wire document for filter evaluation: the version
// is opaque and never filterable, so it is dropped.
func filterView(doc map[string]any) map[string]any {
	view := make(map[string]any, len(doc))
	for k, v := range doc {
		if k == "version" {
			continue
		}
		view[k] = v
	}
	return view
}

// project keeps the selected paths plus the system fields the client
// always needs.
func project(doc map[string]any, selection []string) map[string]any {
	out := make(map[string]any, len(selection)+4)
	for _, k := range []string{"id", "updatedAt", "version", "deleted"} {
		if v, ok := doc[k]; ok {
			out[k] = v
		}
	}
	for _, k := range selection {
		if v, ok := doc[k]; ok {
			out[k] = v
		}
	}
	return out
}

// sortDocuments orders docs by the requested clauses; the store's
// updatedAt ordering is kept when none are given.
func sortDocuments(docs []map[string]any, clauses []query.OrderClause) {
	if len(clauses) == 0 {
		return
	}
	sort.SliceStable(docs, func(i, j int) bool {
		for _, c := range clauses {
			cmp := compareAny(docs[i][c.Path], docs[j][c.Path])
			if cmp == 0 {
				continue
			}
			if c.Descending {
				return cmp > 0
			}
			return cmp < 0
		}
		return false
	})
}

// compareAny orders two JSON values of the same shape; mixed or unknown
// types compare equal so sorting stays stable.
func compareAny(a, b any) int {
	if a == nil || b == nil {
		switch {
		case a == nil && b == nil:
			return 0
		case a == nil:
			return -1
		default:
			return 1
		}
	}
	if af, ok := toNumber(a); ok {
		if bf, ok := toNumber(b); ok {
			switch {
			case af < bf:
				return -1
			case af > bf:
				return 1
			default:
				return 0
			}
		}
		return 0
	}
	if as, ok := a.(string); ok {
		if bs, ok := b.(string); ok {
			switch {
			case as < bs:
				return -1
			case as > bs:
				return 1
			default:
				return 0
			}
		}
		return 0
	}
	if ab, ok := a.(bool); ok {
		if bb, ok := b.(bool); ok {
			switch {
			case ab == bb:
				return 0
			case !ab:
				return -1
			default:
				return 1
			}
		}
	}
	return 0
}

func toNumber(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	default:
		return 0, false
	}
}

func (h *TableHandler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error().Err(err).Msg("encode response")
	}
}

func (h *TableHandler) writeError(w http.ResponseWriter, status int, err error) {
	h.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (h *TableHandler) storeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		h.writeError(w, http.StatusNotFound, err)
	case errors.Is(err, ErrInvalidTable):
		h.writeError(w, http.StatusBadRequest, err)
	default:
		h.logger.Error().Err(err).Msg("store failure")
		h.writeError(w, http.StatusInternalServerError, err)
	}
}
