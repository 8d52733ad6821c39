// Package api exposes the engine's upward operations as a JSON HTTP API.
//
// Routes live under /api. Callers authenticated by auth.JWTManager.Middleware
// see and act on their own marketplaces only; rule management and entity
// purges need the wildcard grant. Without the middleware every caller is
// trusted.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/c0deZ3R0/marketsync/auth"
	syncErrors "github.com/c0deZ3R0/marketsync/errors"
	"github.com/c0deZ3R0/marketsync/logging"
	"github.com/c0deZ3R0/marketsync/synckit"
	"github.com/c0deZ3R0/marketsync/transport/stream"
)

// Engine is the part of *synckit.Engine the API serves.
type Engine interface {
	SubmitChange(ctx context.Context, auth synckit.AuthContext, change synckit.Change) (*synckit.SubmitResult, error)
	Enqueue(ctx context.Context, op *synckit.SyncOperation) (string, error)
	GetOperation(ctx context.Context, id string) (*synckit.SyncOperation, error)
	CancelOperation(ctx context.Context, id string) error
	GetQueueStatus() synckit.QueueStatus

	GetConflict(ctx context.Context, id string) (*synckit.SyncConflict, error)
	ListConflicts(ctx context.Context, unresolvedOnly bool) ([]*synckit.SyncConflict, error)
	ResolveConflict(ctx context.Context, auth synckit.AuthContext, id string, res synckit.Resolution, resolvedBy string) (*synckit.SyncConflict, error)

	GetEntity(ctx context.Context, key synckit.EntityKey) (*synckit.SyncEntity, error)
	PurgeEntity(ctx context.Context, key synckit.EntityKey) error

	Rules() []synckit.SyncRule
	AddSyncRule(ctx context.Context, rule synckit.SyncRule) (synckit.SyncRule, error)
	RemoveSyncRule(ctx context.Context, id string) error

	GetMetrics() synckit.SyncMetrics
}

var _ Engine = (*synckit.Engine)(nil)

// Handler serves the API.
type Handler struct {
	engine  Engine
	logger  *slog.Logger
	options *ServerOptions
	mux     *http.ServeMux
}

// NewHandler builds the route table. logger may be nil.
func NewHandler(engine Engine, logger *slog.Logger, opts ...ServerOption) *Handler {
	if logger == nil {
		logger = logging.WithComponent(logging.Component("transport/api")).Logger
	}
	h := &Handler{engine: engine, logger: logger, options: applyServerOptions(opts...), mux: http.NewServeMux()}

	h.mux.HandleFunc("POST /api/changes", h.handleSubmitChange)
	h.mux.HandleFunc("POST /api/operations", h.handleEnqueue)
	h.mux.HandleFunc("GET /api/operations/{id}", h.handleGetOperation)
	h.mux.HandleFunc("DELETE /api/operations/{id}", h.handleCancelOperation)
	h.mux.HandleFunc("GET /api/queue", h.handleQueueStatus)
	h.mux.HandleFunc("GET /api/conflicts", h.handleListConflicts)
	h.mux.HandleFunc("GET /api/conflicts/{id}", h.handleGetConflict)
	h.mux.HandleFunc("POST /api/conflicts/{id}/resolve", h.handleResolveConflict)
	h.mux.HandleFunc("GET /api/entities/{marketplace}/{type}/{id}", h.handleGetEntity)
	h.mux.HandleFunc("DELETE /api/entities/{marketplace}/{type}/{id}", h.handlePurgeEntity)
	h.mux.HandleFunc("GET /api/rules", h.handleListRules)
	h.mux.HandleFunc("POST /api/rules", h.handleAddRule)
	h.mux.HandleFunc("DELETE /api/rules/{id}", h.handleRemoveRule)
	h.mux.HandleFunc("GET /api/metrics", h.handleMetrics)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) respond(w http.ResponseWriter, r *http.Request, code int, payload any) {
	respondWithJSON(w, r, code, payload, h.options)
}

func (h *Handler) respondErr(w http.ResponseWriter, r *http.Request, code int, message string) {
	respondWithError(w, r, code, message, h.options)
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if syncErrors.KindOf(err) == syncErrors.KindOther || syncErrors.IsKind(err, syncErrors.KindInternal) {
		h.logger.Error("api request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	respondWithSyncError(w, r, err, h.options)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := decodeJSON(w, r, h.options, dst); err != nil {
		h.respondErr(w, r, bodyErrorStatus(err), err.Error())
		return false
	}
	return true
}

// visible reports whether caller may see a record touching any of marketplaces.
func visible(caller synckit.AuthContext, marketplaces ...string) bool {
	if caller == nil {
		return true
	}
	for _, mp := range marketplaces {
		if mp != "" && caller.Authorized(mp) {
			return true
		}
	}
	return false
}

func admin(caller synckit.AuthContext) bool {
	return caller == nil || caller.Authorized(auth.AllMarketplaces)
}

func (h *Handler) handleSubmitChange(w http.ResponseWriter, r *http.Request) {
	var change synckit.Change
	if !h.decode(w, r, &change) {
		return
	}
	res, err := h.engine.SubmitChange(r.Context(), stream.Caller(r), change)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, r, http.StatusAccepted, res)
}

func (h *Handler) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var op synckit.SyncOperation
	if !h.decode(w, r, &op) {
		return
	}
	if !visible(stream.Caller(r), op.MarketplaceID) {
		h.respondErr(w, r, http.StatusForbidden, "marketplace not authorized")
		return
	}
	id, err := h.engine.Enqueue(r.Context(), &op)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, r, http.StatusAccepted, map[string]string{"id": id})
}

func (h *Handler) handleGetOperation(w http.ResponseWriter, r *http.Request) {
	op, ok := h.visibleOperation(w, r)
	if !ok {
		return
	}
	h.respond(w, r, http.StatusOK, op)
}

func (h *Handler) handleCancelOperation(w http.ResponseWriter, r *http.Request) {
	op, ok := h.visibleOperation(w, r)
	if !ok {
		return
	}
	if err := h.engine.CancelOperation(r.Context(), op.ID); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// visibleOperation loads the {id} operation and hides it from callers
// outside its marketplaces.
func (h *Handler) visibleOperation(w http.ResponseWriter, r *http.Request) (*synckit.SyncOperation, bool) {
	op, err := h.engine.GetOperation(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return nil, false
	}
	if !visible(stream.Caller(r), op.MarketplaceID, op.SourceMarketplace) {
		h.respondErr(w, r, http.StatusNotFound, "operation not found")
		return nil, false
	}
	return op, true
}

func (h *Handler) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r, http.StatusOK, h.engine.GetQueueStatus())
}

func (h *Handler) handleListConflicts(w http.ResponseWriter, r *http.Request) {
	unresolved := false
	if v := r.URL.Query().Get("unresolved"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			h.respondErr(w, r, http.StatusBadRequest, "unresolved must be a boolean")
			return
		}
		unresolved = b
	}
	all, err := h.engine.ListConflicts(r.Context(), unresolved)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	caller := stream.Caller(r)
	out := make([]*synckit.SyncConflict, 0, len(all))
	for _, c := range all {
		if visible(caller, c.SourceMarketplace, c.TargetMarketplace) {
			out = append(out, c)
		}
	}
	h.respond(w, r, http.StatusOK, out)
}

func (h *Handler) handleGetConflict(w http.ResponseWriter, r *http.Request) {
	c, err := h.engine.GetConflict(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if !visible(stream.Caller(r), c.SourceMarketplace, c.TargetMarketplace) {
		h.respondErr(w, r, http.StatusNotFound, "conflict not found")
		return
	}
	h.respond(w, r, http.StatusOK, c)
}

// ResolveRequest is the body of POST /api/conflicts/{id}/resolve.
type ResolveRequest struct {
	Policy     synckit.Policy `json:"policy"`
	Data       synckit.Data   `json:"data,omitempty"`
	ResolvedBy string         `json:"resolvedBy,omitempty"`
}

func (h *Handler) handleResolveConflict(w http.ResponseWriter, r *http.Request) {
	var req ResolveRequest
	if !h.decode(w, r, &req) {
		return
	}
	c, err := h.engine.ResolveConflict(r.Context(), stream.Caller(r), r.PathValue("id"),
		synckit.Resolution{Policy: req.Policy, Data: req.Data}, req.ResolvedBy)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, r, http.StatusOK, c)
}

func (h *Handler) entityKey(w http.ResponseWriter, r *http.Request) (synckit.EntityKey, bool) {
	et, err := synckit.ParseEntityType(r.PathValue("type"))
	if err != nil {
		h.respondErr(w, r, http.StatusBadRequest, err.Error())
		return synckit.EntityKey{}, false
	}
	return synckit.EntityKey{Type: et, ID: r.PathValue("id"), Marketplace: r.PathValue("marketplace")}, true
}

func (h *Handler) handleGetEntity(w http.ResponseWriter, r *http.Request) {
	key, ok := h.entityKey(w, r)
	if !ok {
		return
	}
	if !visible(stream.Caller(r), key.Marketplace) {
		h.respondErr(w, r, http.StatusNotFound, "entity not found")
		return
	}
	ent, err := h.engine.GetEntity(r.Context(), key)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, r, http.StatusOK, ent)
}

func (h *Handler) handlePurgeEntity(w http.ResponseWriter, r *http.Request) {
	key, ok := h.entityKey(w, r)
	if !ok {
		return
	}
	if !admin(stream.Caller(r)) {
		h.respondErr(w, r, http.StatusForbidden, "purging entities requires access to all marketplaces")
		return
	}
	if err := h.engine.PurgeEntity(r.Context(), key); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleListRules(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r, http.StatusOK, h.engine.Rules())
}

func (h *Handler) handleAddRule(w http.ResponseWriter, r *http.Request) {
	if !admin(stream.Caller(r)) {
		h.respondErr(w, r, http.StatusForbidden, "managing rules requires access to all marketplaces")
		return
	}
	var rule synckit.SyncRule
	if !h.decode(w, r, &rule) {
		return
	}
	saved, err := h.engine.AddSyncRule(r.Context(), rule)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, r, http.StatusCreated, saved)
}

func (h *Handler) handleRemoveRule(w http.ResponseWriter, r *http.Request) {
	if !admin(stream.Caller(r)) {
		h.respondErr(w, r, http.StatusForbidden, "managing rules requires access to all marketplaces")
		return
	}
	if err := h.engine.RemoveSyncRule(r.Context(), r.PathValue("id")); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleMetrics(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r, http.StatusOK, h.engine.GetMetrics())
}
