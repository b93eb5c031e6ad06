package http

import (
	"bytes"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/aukilabs/dagaz/featureflag"
	"github.com/aukilabs/dagaz/models"
	"github.com/aukilabs/dagaz/render"
	"github.com/aukilabs/dagaz/spatial"
	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
	"github.com/segmentio/encoding/json"
)

const (
	ErrTypeBadRequest = "bad_request"

	// The maximum size of a request body.
	MaxBodySize = 1 << 20
)

// IndexAPI serves the index REST API.
type IndexAPI struct {
	Indexes      *models.IndexStore
	FeatureFlags featureflag.FeatureFlag

	// The capacity and max depth used when a create request omits them.
	DefaultCapacity int
	DefaultMaxDepth int
}

func (a *IndexAPI) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /indexes", a.handleCreateIndex)
	mux.HandleFunc("GET /indexes", a.handleListIndexes)
	mux.HandleFunc("GET /indexes/{id}", a.withIndex(a.handleGetIndex))
	mux.HandleFunc("DELETE /indexes/{id}", a.withIndex(a.handleDeleteIndex))
	mux.HandleFunc("PUT /indexes/{id}/items/{item}", a.withIndex(a.handlePutItem))
	mux.HandleFunc("GET /indexes/{id}/items/{item}", a.withIndex(a.handleGetItem))
	mux.HandleFunc("DELETE /indexes/{id}/items/{item}", a.withIndex(a.handleDeleteItem))
	mux.HandleFunc("GET /indexes/{id}/find", a.withIndex(a.handleFind))
	mux.HandleFunc("POST /indexes/{id}/search", a.withIndex(a.handleSearch))

	a.FeatureFlags.IfNotSet(featureflag.FlagDisableTreeIntrospection, func() {
		mux.HandleFunc("GET /indexes/{id}/nodes", a.withIndex(a.handleNodes))
	})
	a.FeatureFlags.IfNotSet(featureflag.FlagDisableRender, func() {
		mux.HandleFunc("GET /indexes/{id}/render.svg", a.withIndex(a.handleRender(render.FormatSVG)))
		mux.HandleFunc("GET /indexes/{id}/render.png", a.withIndex(a.handleRender(render.FormatPNG)))
	})
}

type createIndexRequest struct {
	Name     string         `json:"name"`
	Min      spatial.Vector `json:"min"`
	Max      spatial.Vector `json:"max"`
	Capacity int            `json:"capacity,omitempty"`
	MaxDepth *int           `json:"max_depth,omitempty"`
}

type indexResponse struct {
	ID          string        `json:"id"`
	UUID        string        `json:"uuid"`
	Name        string        `json:"name"`
	CreatedAt   time.Time     `json:"created_at"`
	Count       int           `json:"count"`
	Subscribers int           `json:"subscribers"`
	Stats       spatial.Stats `json:"stats"`
}

func newIndexResponse(index *models.Index) indexResponse {
	return indexResponse{
		ID:          index.GlobalID,
		UUID:        index.IndexUUID,
		Name:        index.Name,
		CreatedAt:   index.CreatedAt,
		Count:       index.Count(),
		Subscribers: index.SubscriberCount(),
		Stats:       index.Stats(),
	}
}

type putItemRequest struct {
	Position spatial.Vector `json:"position"`
	Data     any            `json:"data,omitempty"`
}

type searchRequest struct {
	Min spatial.Vector `json:"min"`
	Max spatial.Vector `json:"max"`
}

type itemsResponse struct {
	Count int           `json:"count"`
	Items []models.Item `json:"items"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (a *IndexAPI) handleCreateIndex(w http.ResponseWriter, r *http.Request) {
	var req createIndexRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	capacity := req.Capacity
	if capacity == 0 {
		capacity = a.DefaultCapacity
	}
	maxDepth := a.DefaultMaxDepth
	if req.MaxDepth != nil {
		maxDepth = *req.MaxDepth
	}

	index, err := models.NewIndex(0, req.Name, spatial.NewBox(req.Min, req.Max), capacity, maxDepth)
	if err != nil {
		writeError(w, err)
		return
	}

	index.ID = a.Indexes.NewID()
	if err := a.Indexes.Add(r.Context(), index); err != nil {
		writeError(w, err)
		return
	}

	logs.WithTag("index_id", index.GlobalID).
		WithTag("name", index.Name).
		WithTag("volume", index.Volume().String()).
		Info("index created")

	writeJSON(w, http.StatusCreated, newIndexResponse(index))
}

func (a *IndexAPI) handleListIndexes(w http.ResponseWriter, r *http.Request) {
	indexes := a.Indexes.List()

	res := make([]indexResponse, len(indexes))
	for i, index := range indexes {
		res[i] = newIndexResponse(index)
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *IndexAPI) handleGetIndex(w http.ResponseWriter, r *http.Request, index *models.Index) {
	writeJSON(w, http.StatusOK, newIndexResponse(index))
}

func (a *IndexAPI) handleDeleteIndex(w http.ResponseWriter, r *http.Request, index *models.Index) {
	a.Indexes.Remove(r.Context(), index)
	logs.WithTag("index_id", index.GlobalID).Info("index deleted")
	w.WriteHeader(http.StatusNoContent)
}

func (a *IndexAPI) handlePutItem(w http.ResponseWriter, r *http.Request, index *models.Index) {
	var req putItemRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	item, err := index.Put(models.Item{
		ID:       r.PathValue("item"),
		Position: req.Position,
		Data:     req.Data,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (a *IndexAPI) handleGetItem(w http.ResponseWriter, r *http.Request, index *models.Index) {
	id := r.PathValue("item")

	item, ok := index.Get(id)
	if !ok {
		writeError(w, errors.New("item not found").
			WithType(models.ErrTypeItemNotFound).
			WithTag("index_id", index.GlobalID).
			WithTag("item_id", id))
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (a *IndexAPI) handleDeleteItem(w http.ResponseWriter, r *http.Request, index *models.Index) {
	if _, err := index.Delete(r.PathValue("item")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *IndexAPI) handleFind(w http.ResponseWriter, r *http.Request, index *models.Index) {
	position, err := ParseVector(r.URL.Query().Get("position"))
	if err != nil {
		writeError(w, err)
		return
	}
	if err := index.CheckPosition(position); err != nil {
		writeError(w, err)
		return
	}

	item, ok := index.FindAt(position)
	if !ok {
		writeError(w, errors.New("no item at position").
			WithType(models.ErrTypeItemNotFound).
			WithTag("position", position.String()))
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (a *IndexAPI) handleSearch(w http.ResponseWriter, r *http.Request, index *models.Index) {
	var req searchRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	region, err := index.Region(req.Min, req.Max)
	if err != nil {
		writeError(w, err)
		return
	}

	items := index.Search(region)
	writeJSON(w, http.StatusOK, itemsResponse{
		Count: len(items),
		Items: items,
	})
}

func (a *IndexAPI) handleNodes(w http.ResponseWriter, r *http.Request, index *models.Index) {
	writeJSON(w, http.StatusOK, snapshot(index))
}

func (a *IndexAPI) handleRender(format string) indexHandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, index *models.Index) {
		opts := render.Options{
			Title:  index.Name,
			Format: format,
		}

		query := r.URL.Query()
		if query.Has("min") || query.Has("max") {
			lo, err := ParseVector(query.Get("min"))
			if err != nil {
				writeError(w, err)
				return
			}
			hi, err := ParseVector(query.Get("max"))
			if err != nil {
				writeError(w, err)
				return
			}
			region, err := index.Region(lo, hi)
			if err != nil {
				writeError(w, err)
				return
			}
			opts.Query = &region
		}

		contentType := "image/svg+xml"
		if format == render.FormatPNG {
			contentType = "image/png"
		}

		var buf bytes.Buffer
		if err := render.Write(&buf, snapshot(index), opts); err != nil {
			logs.WithTag("index_id", index.GlobalID).Error(err)
			writeError(w, err)
			return
		}

		w.Header().Set("Content-Type", contentType)
		w.WriteHeader(http.StatusOK)
		buf.WriteTo(w)
	}
}

type indexHandlerFunc func(http.ResponseWriter, *http.Request, *models.Index)

func (a *IndexAPI) withIndex(h indexHandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")

		index, ok := a.Indexes.GetByGlobalID(id)
		if !ok {
			writeError(w, errors.New("index not found").
				WithType(models.ErrTypeIndexNotFound).
				WithTag("index_id", id))
			return
		}
		h(w, r, index)
	}
}

func snapshot(index *models.Index) []render.Node {
	var nodes []render.Node
	index.Walk(func(n *spatial.Tree[string]) bool {
		nodes = append(nodes, render.NodeOf(n))
		return true
	})
	return nodes
}

// ParseVector parses comma separated coordinates such as "1,2.5,-3".
func ParseVector(s string) (spatial.Vector, error) {
	if s == "" {
		return nil, errors.New("empty vector").WithType(ErrTypeBadRequest)
	}

	fields := strings.Split(s, ",")
	v := make(spatial.Vector, len(fields))
	for i, f := range fields {
		c, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
		if err != nil {
			return nil, errors.New("invalid vector").
				WithType(ErrTypeBadRequest).
				WithTag("vector", s).
				Wrap(err)
		}
		v[i] = c
	}
	if !v.Finite() {
		return nil, errors.New("vector is not finite").
			WithType(ErrTypeBadRequest).
			WithTag("vector", s)
	}
	return v, nil
}

func decodeBody(r *http.Request, v any) error {
	b, err := io.ReadAll(io.LimitReader(r.Body, MaxBodySize))
	if err != nil {
		return errors.New("reading request body failed").
			WithType(ErrTypeBadRequest).
			Wrap(err)
	}

	if err := json.Unmarshal(b, v); err != nil {
		return errors.New("decoding request body failed").
			WithType(ErrTypeBadRequest).
			Wrap(err)
	}
	return nil
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	typ := errors.Type(err)

	switch typ {
	case ErrTypeBadRequest,
		models.ErrTypeInvalidRegion,
		spatial.ErrTypeOutOfBounds,
		spatial.ErrTypeDimensionMismatch,
		spatial.ErrTypeInvalidTree:
		status = http.StatusBadRequest

	case models.ErrTypeIndexNotFound,
		models.ErrTypeItemNotFound:
		status = http.StatusNotFound

	case models.ErrTypeStoreFull:
		status = http.StatusServiceUnavailable
	}

	if status == http.StatusInternalServerError {
		logs.Error(err)
	} else {
		logs.Debug(err)
	}

	writeJSON(w, status, errorResponse{
		Error:   typ,
		Message: err.Error(),
	})
}
