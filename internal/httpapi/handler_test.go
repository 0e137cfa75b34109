package httpapi

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/gatekeeper/internal/catalog"
	"github.com/odyssey-erp/gatekeeper/internal/engine"
	"github.com/odyssey-erp/gatekeeper/internal/permcache"
	"github.com/odyssey-erp/gatekeeper/internal/store"
	"github.com/odyssey-erp/gatekeeper/internal/tenant"
)

const (
	tenantMain  = int64(1)
	tenantOther = int64(2)
	userEditor  = int64(7)
	userAdmin   = int64(8)
	roleEditor  = int64(10)
)

func mustPerm(t *testing.T, raw string) catalog.Permission {
	t.Helper()
	perm, err := catalog.ParsePermission(raw)
	require.NoError(t, err)
	return perm
}

func tenantRef(id int64) *int64 { return &id }

func newTestServer(t *testing.T) (*chi.Mux, *store.Memory) {
	t.Helper()

	mem := store.NewMemory()
	mem.AddTenant(tenantMain, true)
	mem.AddTenant(tenantOther, true)
	mem.AddUser(userEditor)
	mem.AddUser(userAdmin)
	mem.AddRole(store.Role{ID: roleEditor, TenantID: tenantRef(tenantMain), Name: "Editor"},
		mustPerm(t, "documents:update"))
	mem.Assign(userEditor, tenantMain, roleEditor)
	mem.AddMembership(userEditor, tenantMain, time.Time{})

	local, err := permcache.NewLocal(permcache.DefaultLocalSize)
	require.NoError(t, err)
	eng, err := engine.New(engine.Config{Store: mem, Cache: local})
	require.NoError(t, err)

	h := NewHandler(slog.New(slog.DiscardHandler), eng, tenant.NewManager(mem), nil)
	r := chi.NewRouter()
	r.Route("/v1", func(r chi.Router) { h.MountRoutes(r) })
	return r, mem
}

func postJSON(t *testing.T, r http.Handler, path string, body any, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestCheckAllowsImpliedPermission(t *testing.T) {
	r, _ := newTestServer(t)

	rec := postJSON(t, r, "/v1/check", map[string]any{
		"user_id":   userEditor,
		"tenant_id": tenantMain,
		"action":    "view",
		"resource":  "documents",
	}, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var d engine.Decision
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &d))
	assert.True(t, d.Allowed)
	assert.Equal(t, "implied by documents:update", d.Reason)
}

func TestCheckDeniesMissingPermission(t *testing.T) {
	r, _ := newTestServer(t)

	rec := postJSON(t, r, "/v1/check", map[string]any{
		"user_id":   userEditor,
		"tenant_id": tenantMain,
		"action":    "delete",
		"resource":  "documents",
	}, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var d engine.Decision
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &d))
	assert.False(t, d.Allowed)
	assert.Equal(t, engine.OutcomeDenied, d.Outcome)
}

func TestCheckRejectsUnknownAction(t *testing.T) {
	r, _ := newTestServer(t)

	rec := postJSON(t, r, "/v1/check", map[string]any{
		"user_id":   userEditor,
		"tenant_id": tenantMain,
		"action":    "frobnicate",
		"resource":  "documents",
	}, nil)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCheckRejectsMissingFields(t *testing.T) {
	r, _ := newTestServer(t)

	rec := postJSON(t, r, "/v1/check", map[string]any{
		"user_id": userEditor,
	}, nil)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCheckHonorsTenantHeaderBoundary(t *testing.T) {
	r, _ := newTestServer(t)

	rec := postJSON(t, r, "/v1/check", map[string]any{
		"user_id":   userEditor,
		"tenant_id": tenantMain,
		"action":    "view",
		"resource":  "documents",
	}, map[string]string{"X-Tenant-Id": "2"})

	require.Equal(t, http.StatusOK, rec.Code)
	var d engine.Decision
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &d))
	assert.False(t, d.Allowed)
	assert.Equal(t, engine.OutcomeBoundaryViolation, d.Outcome)
}

func TestCheckRejectsMalformedTenantHeader(t *testing.T) {
	r, _ := newTestServer(t)

	rec := postJSON(t, r, "/v1/check", map[string]any{
		"user_id":   userEditor,
		"tenant_id": tenantMain,
		"action":    "view",
		"resource":  "documents",
	}, map[string]string{"X-Tenant-Id": "not-a-number"})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCheckBatch(t *testing.T) {
	r, _ := newTestServer(t)

	rec := postJSON(t, r, "/v1/check/batch", map[string]any{
		"user_id":   userEditor,
		"tenant_id": tenantMain,
		"items": []map[string]any{
			{"action": "view", "resource": "documents"},
			{"action": "update", "resource": "documents"},
			{"action": "delete", "resource": "documents"},
		},
	}, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Decisions []engine.Decision `json:"decisions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Decisions, 3)
	assert.True(t, resp.Decisions[0].Allowed)
	assert.True(t, resp.Decisions[1].Allowed)
	assert.False(t, resp.Decisions[2].Allowed)
}

func TestCheckBatchRejectsEmptyItems(t *testing.T) {
	r, _ := newTestServer(t)

	rec := postJSON(t, r, "/v1/check/batch", map[string]any{
		"user_id":   userEditor,
		"tenant_id": tenantMain,
		"items":     []map[string]any{},
	}, nil)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestInvalidateEvictsCachedClosure(t *testing.T) {
	r, mem := newTestServer(t)

	check := map[string]any{
		"user_id":   userEditor,
		"tenant_id": tenantMain,
		"action":    "update",
		"resource":  "documents",
	}
	rec := postJSON(t, r, "/v1/check", check, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var before engine.Decision
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &before))
	require.True(t, before.Allowed)

	mem.SetRolePermissions(roleEditor)
	rec = postJSON(t, r, "/v1/invalidate", map[string]any{
		"tenant_id": tenantMain,
		"role_id":   roleEditor,
	}, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = postJSON(t, r, "/v1/check", check, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var after engine.Decision
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &after))
	assert.False(t, after.Allowed)
}

func TestValidateGrantViolation(t *testing.T) {
	r, _ := newTestServer(t)

	rec := postJSON(t, r, "/v1/grants/validate", map[string]any{
		"tenant_id":  tenantMain,
		"permission": "documents:update",
		"grantor":    map[string]any{"user_id": userEditor, "entity_id": "hq"},
		"grantee":    map[string]any{"user_id": userAdmin, "entity_id": "hq"},
	}, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var d engine.Decision
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &d))
	assert.False(t, d.Allowed)
	assert.Equal(t, engine.OutcomeBoundaryViolation, d.Outcome)
}

func TestValidateGrantAcrossEntities(t *testing.T) {
	r, mem := newTestServer(t)
	mem.AddRole(store.Role{ID: 30, TenantID: tenantRef(tenantMain), Name: "RoleAdmin"},
		mustPerm(t, "documents:update"), mustPerm(t, "roles:manage"))
	mem.Assign(userAdmin, tenantMain, 30)

	body := func(granteeEntity string) map[string]any {
		return map[string]any{
			"tenant_id":  tenantMain,
			"permission": "documents:update",
			"grantor":    map[string]any{"user_id": userAdmin, "entity_id": "hq"},
			"grantee":    map[string]any{"user_id": userEditor, "entity_id": granteeEntity},
		}
	}

	rec := postJSON(t, r, "/v1/grants/validate", body("hq"), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var d engine.Decision
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &d))
	assert.True(t, d.Allowed)

	rec = postJSON(t, r, "/v1/grants/validate", body("warehouse"), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &d))
	assert.False(t, d.Allowed)
	assert.Equal(t, engine.OutcomeBoundaryViolation, d.Outcome)
}

func TestValidateGrantRejectsMalformedPermission(t *testing.T) {
	r, _ := newTestServer(t)

	rec := postJSON(t, r, "/v1/grants/validate", map[string]any{
		"tenant_id":  tenantMain,
		"permission": "not-a-permission",
		"grantor":    map[string]any{"user_id": userEditor, "entity_id": "hq"},
		"grantee":    map[string]any{"user_id": userAdmin, "entity_id": "hq"},
	}, nil)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTenantSwitch(t *testing.T) {
	r, _ := newTestServer(t)

	rec := postJSON(t, r, "/v1/tenants/switch", map[string]any{
		"user_id":   userEditor,
		"tenant_id": tenantMain,
	}, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("X-Tenant-Id"))
}

func TestAuditEventsUnconfigured(t *testing.T) {
	r, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/audit/events?tenant_id=1", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTenantSwitchRejectsNonMember(t *testing.T) {
	r, _ := newTestServer(t)

	rec := postJSON(t, r, "/v1/tenants/switch", map[string]any{
		"user_id":   userEditor,
		"tenant_id": tenantOther,
	}, nil)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}
