// Package httpapi exposes the resolution engine over HTTP.
package httpapi

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/odyssey-erp/gatekeeper/internal/audit"
	"github.com/odyssey-erp/gatekeeper/internal/boundary"
	"github.com/odyssey-erp/gatekeeper/internal/catalog"
	"github.com/odyssey-erp/gatekeeper/internal/engine"
	"github.com/odyssey-erp/gatekeeper/internal/permcache"
	"github.com/odyssey-erp/gatekeeper/internal/platform/httpx"
	"github.com/odyssey-erp/gatekeeper/internal/store"
	"github.com/odyssey-erp/gatekeeper/internal/tenant"
)

// MaxBatchItems caps one batch call.
const MaxBatchItems = 100

// TenantHeader names the header carrying the caller's active tenant.
const TenantHeader = "X-Tenant-Id"

// Handler wires HTTP endpoints for permission checks.
type Handler struct {
	logger    *slog.Logger
	engine    *engine.Engine
	tenants   *tenant.Manager
	auditSvc  *audit.Service
	validator *validator.Validate
}

// NewHandler constructs a Handler instance. auditSvc may be nil; the
// audit read endpoint then responds 404.
func NewHandler(logger *slog.Logger, eng *engine.Engine, tenants *tenant.Manager, auditSvc *audit.Service) *Handler {
	return &Handler{
		logger:    logger,
		engine:    eng,
		tenants:   tenants,
		auditSvc:  auditSvc,
		validator: validator.New(),
	}
}

// MountRoutes registers check routes on the provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Use(TenantContext)
	r.Post("/check", h.handleCheck)
	r.Post("/check/batch", h.handleCheckBatch)
	r.Post("/invalidate", h.handleInvalidate)
	r.Post("/grants/validate", h.handleValidateGrant)
	r.Post("/tenants/switch", h.handleTenantSwitch)
	r.Get("/audit/events", h.handleAuditEvents)
}

// TenantContext lifts the X-Tenant-Id header into the request context as
// the active tenant. Requests without the header proceed without one.
func TenantContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := r.Header.Get(TenantHeader)
		if raw == "" {
			next.ServeHTTP(w, r)
			return
		}
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid "+TenantHeader+" header")
			return
		}
		next.ServeHTTP(w, r.WithContext(tenant.WithActive(r.Context(), id)))
	})
}

type checkRequest struct {
	UserID     int64  `json:"user_id" validate:"required,gt=0"`
	TenantID   int64  `json:"tenant_id" validate:"required,gt=0"`
	Action     string `json:"action" validate:"required"`
	Resource   string `json:"resource" validate:"required"`
	ResourceID string `json:"resource_id"`
}

func (h *Handler) handleCheck(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if err := h.decode(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	action, resource, err := parseTarget(req.Action, req.Resource)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	decision := h.engine.Check(r.Context(), engine.CheckRequest{
		UserID:     req.UserID,
		TenantID:   req.TenantID,
		Action:     action,
		Resource:   resource,
		ResourceID: req.ResourceID,
	})
	httpx.JSON(w, http.StatusOK, decision)
}

type batchItem struct {
	Action     string `json:"action" validate:"required"`
	Resource   string `json:"resource" validate:"required"`
	ResourceID string `json:"resource_id"`
}

type batchRequest struct {
	UserID   int64       `json:"user_id" validate:"required,gt=0"`
	TenantID int64       `json:"tenant_id" validate:"required,gt=0"`
	Items    []batchItem `json:"items" validate:"required,min=1,max=100,dive"`
}

type batchResponse struct {
	Decisions []engine.Decision `json:"decisions"`
}

func (h *Handler) handleCheckBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := h.decode(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	items := make([]engine.BatchItem, len(req.Items))
	for i, it := range req.Items {
		action, resource, err := parseTarget(it.Action, it.Resource)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", fmt.Sprintf("item %d: %v", i, err))
			return
		}
		items[i] = engine.BatchItem{Action: action, Resource: resource, ResourceID: it.ResourceID}
	}

	decisions := h.engine.CheckBatch(r.Context(), req.UserID, req.TenantID, items)
	httpx.JSON(w, http.StatusOK, batchResponse{Decisions: decisions})
}

type invalidateRequest struct {
	TenantID int64  `json:"tenant_id" validate:"required,gt=0"`
	UserID   *int64 `json:"user_id"`
	RoleID   *int64 `json:"role_id"`
}

func (h *Handler) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	var req invalidateRequest
	if err := h.decode(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	ev := permcache.Event{
		ID:       uuid.New(),
		TenantID: req.TenantID,
		UserID:   req.UserID,
		RoleID:   req.RoleID,
		At:       time.Now(),
	}
	h.engine.InvalidateOnMutation(r.Context(), ev)
	httpx.JSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "event_id": ev.ID.String()})
}

// grantSubject carries an opaque entity identifier: the boundary model
// compares entities for equality only and an empty value means the
// tenant root.
type grantSubject struct {
	UserID   int64  `json:"user_id" validate:"required,gt=0"`
	EntityID string `json:"entity_id"`
}

type validateGrantRequest struct {
	TenantID   int64        `json:"tenant_id" validate:"required,gt=0"`
	Permission string       `json:"permission" validate:"required"`
	Grantor    grantSubject `json:"grantor" validate:"required"`
	Grantee    grantSubject `json:"grantee" validate:"required"`
}

func (h *Handler) handleValidateGrant(w http.ResponseWriter, r *http.Request) {
	var req validateGrantRequest
	if err := h.decode(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	grantor := boundary.Subject{UserID: req.Grantor.UserID, EntityID: req.Grantor.EntityID}
	grantee := boundary.Subject{UserID: req.Grantee.UserID, EntityID: req.Grantee.EntityID}
	decision, err := h.engine.ValidateGrant(r.Context(), req.TenantID, grantor, grantee, req.Permission)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	httpx.JSON(w, http.StatusOK, decision)
}

type switchRequest struct {
	UserID   int64 `json:"user_id" validate:"required,gt=0"`
	TenantID int64 `json:"tenant_id" validate:"required,gt=0"`
}

type switchResponse struct {
	TenantID int64 `json:"tenant_id"`
	Active   bool  `json:"active"`
}

// handleTenantSwitch verifies the membership and acknowledges the new
// active tenant. The API is stateless: after a successful switch the
// client sends the X-Tenant-Id header on subsequent calls.
func (h *Handler) handleTenantSwitch(w http.ResponseWriter, r *http.Request) {
	var req switchRequest
	if err := h.decode(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	if _, err := h.tenants.Switch(r.Context(), req.UserID, req.TenantID); err != nil {
		switch {
		case errors.Is(err, tenant.ErrNoMembership):
			httpx.RespondError(w, httpx.ErrForbidden)
		case errors.Is(err, store.ErrNotFound):
			httpx.RespondError(w, httpx.ErrNotFound)
		default:
			h.logger.Error("tenant switch", slog.Any("error", err))
			httpx.RespondError(w, httpx.ErrUnavailable)
		}
		return
	}
	w.Header().Set(TenantHeader, strconv.FormatInt(req.TenantID, 10))
	httpx.JSON(w, http.StatusOK, switchResponse{TenantID: req.TenantID, Active: true})
}

func (h *Handler) handleAuditEvents(w http.ResponseWriter, r *http.Request) {
	if h.auditSvc == nil {
		httpx.RespondError(w, httpx.ErrNotFound)
		return
	}
	tenantID, err := strconv.ParseInt(r.URL.Query().Get("tenant_id"), 10, 64)
	if err != nil || tenantID <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "tenant_id query parameter required")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	events, err := h.auditSvc.ListRecent(r.Context(), tenantID, limit)
	if err != nil {
		h.logger.Error("list audit events", slog.Any("error", err))
		httpx.RespondError(w, httpx.ErrUnavailable)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"events": events})
}

func (h *Handler) decode(r *http.Request, target any) error {
	if err := httpx.DecodeJSON(r, target); err != nil {
		return fmt.Errorf("malformed request body: %w", err)
	}
	return h.validator.Struct(target)
}

func parseTarget(rawAction, rawResource string) (catalog.Action, catalog.Resource, error) {
	action, err := catalog.ParseAction(rawAction)
	if err != nil {
		return "", "", err
	}
	resource, err := catalog.ParseResource(rawResource)
	if err != nil {
		return "", "", err
	}
	return action, resource, nil
}
