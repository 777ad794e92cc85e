// Package api serves the change sink endpoints: captured row changes in,
// draft documents in, metadata and websocket invalidation events out.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"

	"go.uber.org/zap"

	"github.com/conduit-lang/cascade/internal/cli/ui"
	"github.com/conduit-lang/cascade/internal/orm/binlog"
	"github.com/conduit-lang/cascade/internal/orm/cascade"
	"github.com/conduit-lang/cascade/internal/orm/graph"
	"github.com/conduit-lang/cascade/internal/orm/meta"
	"github.com/conduit-lang/cascade/internal/orm/registry"
	"github.com/conduit-lang/cascade/internal/orm/reload"
	"github.com/conduit-lang/cascade/internal/orm/save"
	"github.com/conduit-lang/cascade/internal/web/auth"
	"github.com/conduit-lang/cascade/internal/web/response"
	"github.com/conduit-lang/cascade/internal/web/router"
	"github.com/conduit-lang/cascade/internal/web/websocket"
)

// DefaultMaxBodyBytes bounds request bodies when no limit is configured
const DefaultMaxBodyBytes = 8 << 20

// GraphSource serves the current metadata graph
type GraphSource interface {
	Graph() *graph.Graph
	Reloads() uint64
}

// Handler holds the sink endpoints
type Handler struct {
	graphs   GraphSource
	acceptor *binlog.Acceptor
	saver    *save.Client
	hub      *websocket.Hub
	upgrader *websocket.Upgrader
	naming   meta.NamingStrategy
	maxBody  int64
	logger   *zap.Logger
}

// Option configures a Handler
type Option func(*Handler)

// WithSaver enables POST /v1/documents
func WithSaver(c *save.Client) Option {
	return func(h *Handler) {
		h.saver = c
	}
}

// WithHub enables GET /v1/events
func WithHub(hub *websocket.Hub, config *websocket.Config) Option {
	return func(h *Handler) {
		h.hub = hub
		h.upgrader = websocket.NewUpgrader(config, hub)
	}
}

// WithNaming sets the default naming strategy of GET /v1/tables
func WithNaming(s meta.NamingStrategy) Option {
	return func(h *Handler) {
		h.naming = s
	}
}

// WithMaxBodyBytes bounds request bodies
func WithMaxBodyBytes(n int64) Option {
	return func(h *Handler) {
		if n > 0 {
			h.maxBody = n
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(h *Handler) {
		h.logger = logger
	}
}

// NewHandler creates the sink handler. acceptor receives every posted change.
func NewHandler(graphs GraphSource, acceptor *binlog.Acceptor, opts ...Option) *Handler {
	h := &Handler{
		graphs:   graphs,
		acceptor: acceptor,
		maxBody:  DefaultMaxBodyBytes,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register adds the sink routes to r
func (h *Handler) Register(r *router.Router) {
	r.Get("/healthz", h.health)

	r.Route("/v1", func(r *router.Router) {
		r.Handle(http.MethodPost, "/changes/{format}", auth.ScopeChangesWrite, http.HandlerFunc(h.acceptChanges))
		if h.saver != nil {
			r.Handle(http.MethodPost, "/documents", auth.ScopeDocumentsWrite, http.HandlerFunc(h.saveDocuments))
		}
		r.Handle(http.MethodGet, "/graph", auth.ScopeGraphRead, http.HandlerFunc(h.describeGraph))
		r.Handle(http.MethodGet, "/tables", auth.ScopeGraphRead, http.HandlerFunc(h.listTables))
		if h.upgrader != nil {
			r.Handle(http.MethodGet, "/events", auth.ScopeGraphRead, h.upgrader)
		}
	})
}

type healthResponse struct {
	Status   string `json:"status"`
	Entities int    `json:"entities"`
	Types    int    `json:"types"`
	Reloads  uint64 `json:"reloads"`
	Clients  int    `json:"clients"`
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	g := h.graphs.Graph()
	res := healthResponse{
		Status:   "ok",
		Entities: len(g.Entities()),
		Types:    len(g.Types()),
		Reloads:  h.graphs.Reloads(),
	}
	if h.hub != nil {
		res.Clients = h.hub.ClientCount()
	}
	response.JSON(w, http.StatusOK, res)
}

// acceptChanges reads a stream of JSON messages, concatenated or one per
// line, and accepts them in order. Messages before a failure stay accepted;
// the reply names the failed one so the producer can resume from it.
func (h *Handler) acceptChanges(w http.ResponseWriter, r *http.Request) {
	format := router.URLParam(r, "format")
	decode, ok := binlog.Decoders[format]
	if !ok {
		names := make([]string, 0, len(binlog.Decoders))
		for name := range binlog.Decoders {
			names = append(names, name)
		}
		sort.Strings(names)
		response.RenderErrorWithDetails(w, http.StatusNotFound,
			fmt.Errorf("unknown message format %q", format),
			map[string]interface{}{"formats": names})
		return
	}

	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, h.maxBody))
	accepted := 0
	for {
		var raw json.RawMessage
		err := dec.Decode(&raw)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			h.renderChangeError(w, accepted, &binlog.DecodeError{Err: err})
			return
		}
		if err := h.acceptor.AcceptChange(r.Context(), decode, raw); err != nil {
			h.renderChangeError(w, accepted, err)
			return
		}
		accepted++
	}

	response.JSON(w, http.StatusOK, map[string]int{"accepted": accepted})
}

func (h *Handler) renderChangeError(w http.ResponseWriter, index int, err error) {
	details := map[string]interface{}{"message": index, "accepted": index}

	var decodeErr *binlog.DecodeError
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		response.RenderErrorWithDetails(w, http.StatusRequestEntityTooLarge, err, details)
	case errors.As(err, &decodeErr), errors.Is(err, binlog.ErrEmptyChange):
		response.RenderErrorWithDetails(w, http.StatusBadRequest, err, details)
	case errors.Is(err, graph.ErrTableNameCollision):
		response.RenderErrorWithDetails(w, http.StatusConflict, err, details)
	case errors.Is(err, context.Canceled):
		h.logger.Debug("change stream canceled", zap.Int("accepted", index))
	default:
		// the invalidation failed; the producer should retry the message
		h.logger.Error("failed to accept change", zap.Int("message", index), zap.Error(err))
		response.RenderErrorWithDetails(w, http.StatusServiceUnavailable, err, details)
	}
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Table   string `json:"table,omitempty"`
	Index   *int   `json:"statement,omitempty"`
}

type documentResult struct {
	Type       string         `json:"type"`
	ID         interface{}    `json:"id,omitempty"`
	Statements int            `json:"statements"`
	Counts     map[string]int `json:"counts,omitempty"`
	Error      *errorBody     `json:"error,omitempty"`
}

func (h *Handler) saveDocuments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var opts []save.Option
	for _, flag := range []struct {
		name string
		opt  save.Option
	}{
		{"partial", save.WithPartialSuccess()},
		{"auto_attach", save.WithAutoAttachAll()},
	} {
		on, err := queryBool(q.Get(flag.name))
		if err != nil {
			response.RenderBadRequest(w, fmt.Sprintf("%s: %v", flag.name, err))
			return
		}
		if on {
			opts = append(opts, flag.opt)
		}
	}
	if tenant := q.Get("tenant"); tenant != "" {
		opts = append(opts, save.WithTenant(tenant))
	}

	drafts, err := registry.DecodeDrafts(http.MaxBytesReader(w, r.Body, h.maxBody), h.graphs.Graph())
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			response.RenderError(w, http.StatusRequestEntityTooLarge, err)
			return
		}
		response.RenderBadRequest(w, err.Error())
		return
	}
	if len(drafts) == 0 {
		response.RenderBadRequest(w, "no draft documents")
		return
	}

	results, err := h.saver.SaveAll(r.Context(), drafts, opts...)
	if err != nil {
		status := StatusOf(err)
		if status >= http.StatusInternalServerError {
			h.logger.Error("failed to save documents", zap.Error(err))
		}
		details := map[string]interface{}{"code": codeOf(err)}
		if len(results) > 0 {
			details["document"] = len(results) - 1
		}
		response.RenderErrorWithDetails(w, status, err, details)
		return
	}

	out := make([]documentResult, len(results))
	for i, res := range results {
		out[i] = documentResult{
			Type:       res.Root.Type().Name(),
			ID:         res.RootID,
			Statements: len(res.Statements),
			Counts:     counts(res),
		}
		if res.Err != nil {
			out[i].Error = newErrorBody(res.Err)
		}
	}
	response.JSON(w, http.StatusOK, map[string]interface{}{"results": out})
}

func queryBool(v string) (bool, error) {
	if v == "" {
		return false, nil
	}
	return strconv.ParseBool(v)
}

func counts(res *save.Result) map[string]int {
	out := make(map[string]int)
	for _, c := range []save.Classification{save.Inserted, save.Updated, save.Attached, save.Detached} {
		if n := res.Count(c); n > 0 {
			out[c.String()] = n
		}
	}
	return out
}

func newErrorBody(err error) *errorBody {
	body := &errorBody{Code: codeOf(err), Message: err.Error()}
	var se *save.Error
	if errors.As(err, &se) {
		body.Table = se.Table
		if se.Index >= 0 {
			idx := se.Index
			body.Index = &idx
		}
	}
	return body
}

// StatusOf maps a save failure to an HTTP status
func StatusOf(err error) int {
	var se *save.Error
	if errors.As(err, &se) {
		switch se.Code {
		case save.ConstraintViolation, save.ConcurrentModification:
			return http.StatusConflict
		case save.CannotDissociateTarget, save.IllegalTargetID:
			return http.StatusUnprocessableEntity
		default:
			return http.StatusInternalServerError
		}
	}

	switch {
	case errors.Is(err, cascade.ErrIncompleteObject),
		errors.Is(err, cascade.ErrCyclicDependency),
		errors.Is(err, cascade.ErrTargetMismatch),
		errors.Is(err, cascade.ErrUnresolvedMappedBy),
		errors.Is(err, cascade.ErrReaderRequired),
		reload.IsUnmanagedType(err):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func codeOf(err error) string {
	var se *save.Error
	if errors.As(err, &se) {
		return se.Code.String()
	}
	if StatusOf(err) == http.StatusUnprocessableEntity {
		return "INVALID_DOCUMENT"
	}
	return save.Storage.String()
}

type typeDescription struct {
	Name            string   `json:"name"`
	Kind            string   `json:"kind"`
	Table           string   `json:"table,omitempty"`
	Super           string   `json:"super,omitempty"`
	Implementations []string `json:"implementations,omitempty"`
	Derived         []string `json:"derived,omitempty"`
	AllDerived      []string `json:"all_derived,omitempty"`
	BackProps       []string `json:"back_props,omitempty"`
}

func (h *Handler) describeGraph(w http.ResponseWriter, r *http.Request) {
	g := h.graphs.Graph()
	types := g.Types()

	if only := r.URL.Query().Get("type"); only != "" {
		t, ok := g.TypeByName(only)
		if !ok {
			response.RenderErrorWithDetails(w, http.StatusNotFound,
				fmt.Errorf("type %s not found", only),
				map[string]interface{}{"suggestions": ui.FindSimilar(only, typeNames(types), nil)})
			return
		}
		types = []*meta.Type{t}
	}

	naming := h.tableNaming(g)
	out := make([]typeDescription, 0, len(types))
	for _, t := range types {
		info, ok := g.Info(t)
		if !ok {
			continue
		}
		d := typeDescription{
			Name:            t.Name(),
			Kind:            t.Kind().String(),
			Implementations: typeNames(info.ImplementationTypes),
			Derived:         typeNames(info.DirectDerivedTypes),
			AllDerived:      typeNames(info.AllDerivedTypes),
		}
		if t.IsEntity() {
			d.Table = t.TableName(naming)
		}
		if s := t.Super(); s != nil {
			d.Super = s.Name()
		}
		for _, p := range info.BackProps {
			d.BackProps = append(d.BackProps, p.String())
		}
		out = append(out, d)
	}
	response.JSON(w, http.StatusOK, map[string]interface{}{"types": out})
}

func typeNames(types []*meta.Type) []string {
	if len(types) == 0 {
		return nil
	}
	out := make([]string, len(types))
	for i, t := range types {
		out[i] = t.Name()
	}
	return out
}

func (h *Handler) tableNaming(g *graph.Graph) meta.NamingStrategy {
	if h.naming != nil {
		return h.naming
	}
	return g.NamingStrategy()
}

type tableDescription struct {
	Table string `json:"table"`
	Kind  string `json:"kind"`
	Owner string `json:"owner"`
}

func (h *Handler) listTables(w http.ResponseWriter, r *http.Request) {
	g := h.graphs.Graph()
	strategy := h.tableNaming(g)
	if name := r.URL.Query().Get("naming"); name != "" {
		s, err := meta.ParseNamingStrategy(name)
		if err != nil {
			response.RenderBadRequest(w, err.Error())
			return
		}
		strategy = s
	}

	tables, err := g.Tables(strategy)
	if err != nil {
		var collision *graph.TableCollisionError
		if errors.As(err, &collision) {
			response.RenderErrorWithDetails(w, http.StatusConflict, err, map[string]interface{}{
				"table":  collision.Table,
				"first":  collision.First.String(),
				"second": collision.Second.String(),
			})
			return
		}
		response.RenderError(w, http.StatusInternalServerError, err)
		return
	}

	out := make([]tableDescription, 0, len(tables))
	for name, owner := range tables {
		kind := "entity"
		if _, ok := owner.(*meta.AssociationType); ok {
			kind = "join"
		}
		out = append(out, tableDescription{Table: name, Kind: kind, Owner: owner.String()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Table < out[j].Table })

	response.JSON(w, http.StatusOK, map[string]interface{}{
		"naming": strategy.Name(),
		"tables": out,
	})
}
