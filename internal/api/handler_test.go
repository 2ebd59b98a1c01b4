package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clinrule/internal/apperr"
	"clinrule/internal/auth"
	"clinrule/internal/metadata"
	"clinrule/internal/qc"
	"clinrule/internal/rulecache"
	"clinrule/internal/store"
	"clinrule/internal/validator"
)

type fakeQC struct {
	runErr     error
	recordSet  string
	resolvedBy string
	resolveErr error
	filter     qc.ViolationFilter
}

func (f *fakeQC) Run(_ context.Context, recordSet string) (*qc.RunSummary, error) {
	f.recordSet = recordSet
	if f.runErr != nil {
		return nil, f.runErr
	}
	return &qc.RunSummary{ID: "run-1", RecordSet: recordSet, Scanned: 3, Opened: 1}, nil
}

func (f *fakeQC) Resolve(_ context.Context, id, resolver, note string) (*qc.Violation, error) {
	if f.resolveErr != nil {
		return nil, f.resolveErr
	}
	f.resolvedBy = resolver
	now := time.Now()
	return &qc.Violation{ID: id, State: qc.ViolationResolved, ResolvedBy: resolver, ResolvedAt: &now, Note: note}, nil
}

func (f *fakeQC) Violations(_ context.Context, filter qc.ViolationFilter) ([]*qc.Violation, error) {
	f.filter = filter
	return nil, nil
}

func (f *fakeQC) Violation(_ context.Context, id string) (*qc.Violation, error) {
	if id != "v1" {
		return nil, store.ErrNotFound
	}
	return &qc.Violation{ID: "v1", State: qc.ViolationOpen}, nil
}

func (f *fakeQC) Runs(context.Context, int) ([]*qc.RunSummary, error) { return nil, nil }

func (f *fakeQC) State() qc.State { return qc.StateIdle }

const secret = "test-secret"

func newApp(t *testing.T, q QC) *fiber.App {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	reg := metadata.NewRegistry()
	cache := rulecache.New(nil, logger)
	src := staticSource{
		fields: []*metadata.Field{{Name: "age", Type: "number"}, {Name: "visit_date", Type: "date"}},
		rules: []*metadata.Rule{
			{ID: "age-range", Field: "age", Source: "between 6 and 18", Severity: metadata.SeverityBlocking, Active: true},
			{ID: "visit-past", Field: "visit_date", Source: "<= today()", Severity: metadata.SeverityBlocking, Active: true},
		},
	}
	_, err := metadata.LoadAll(context.Background(), src, reg, cache, logger)
	require.NoError(t, err)

	app := fiber.New(fiber.Config{ErrorHandler: apperr.Handler(logger)})
	RegisterRoutes(app, NewHandler(validator.New(reg, cache, logger), q, logger), auth.AuthMiddleware(secret))
	return app
}

type staticSource struct {
	fields []*metadata.Field
	rules  []*metadata.Rule
}

func (s staticSource) ListFields(context.Context) ([]*metadata.Field, error) { return s.fields, nil }
func (s staticSource) ListRules(context.Context) ([]*metadata.Rule, error)   { return s.rules, nil }

func call(t *testing.T, app *fiber.App, method, path, body string, roles ...string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if roles != nil {
		token, err := auth.GenerateAccessToken("user-7", roles, secret, time.Minute)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func TestValidate(t *testing.T) {
	app := newApp(t, &fakeQC{})

	status, body := call(t, app, "POST", "/api/validate", `{"field":"age","value":12}`, metadata.RoleMonitor)
	require.Equal(t, 200, status)
	assert.Equal(t, true, body["data"].(map[string]any)["valid"])

	status, body = call(t, app, "POST", "/api/validate", `{"field":"age","value":"19","record":{"age":12}}`, metadata.RoleMonitor)
	require.Equal(t, 200, status)
	data := body["data"].(map[string]any)
	assert.Equal(t, false, data["valid"])
	assert.Len(t, data["failures"], 1)

	status, body = call(t, app, "POST", "/api/validate", `{"field":"visit_date","value":"2024-05-02","today":"2024-05-01"}`, metadata.RoleMonitor)
	require.Equal(t, 200, status)
	assert.Equal(t, false, body["data"].(map[string]any)["valid"])

	status, body = call(t, app, "POST", "/api/validate", `{"field":"visit_date","value":"2024-05-02","today":"2024-05-03"}`, metadata.RoleMonitor)
	require.Equal(t, 200, status)
	assert.Equal(t, true, body["data"].(map[string]any)["valid"])
}

func TestValidateRejectsBadRequests(t *testing.T) {
	app := newApp(t, &fakeQC{})

	status, _ := call(t, app, "POST", "/api/validate", `{"field":"age","value":12}`)
	assert.Equal(t, 401, status)

	status, body := call(t, app, "POST", "/api/validate", `{"value":12}`, metadata.RoleMonitor)
	assert.Equal(t, 422, status)
	assert.Equal(t, "VALIDATION_FAILED", body["error"].(map[string]any)["code"])

	status, _ = call(t, app, "POST", "/api/validate", `{"field":"age","value":1,"today":"yesterday"}`, metadata.RoleMonitor)
	assert.Equal(t, 422, status)

	status, body = call(t, app, "POST", "/api/validate", `{`, metadata.RoleMonitor)
	assert.Equal(t, 400, status)
	assert.Equal(t, "INVALID_PAYLOAD", body["error"].(map[string]any)["code"])
}

func TestStartRun(t *testing.T) {
	q := &fakeQC{}
	app := newApp(t, q)

	status, _ := call(t, app, "POST", "/api/qc/runs", `{"record_set":"visit1"}`, metadata.RoleMonitor)
	assert.Equal(t, 403, status)

	status, body := call(t, app, "POST", "/api/qc/runs", `{"record_set":"visit1"}`, metadata.RoleAdmin)
	require.Equal(t, 201, status)
	assert.Equal(t, "visit1", q.recordSet)
	assert.Equal(t, float64(3), body["data"].(map[string]any)["scanned"])

	q.runErr = qc.ErrRunInProgress
	status, body = call(t, app, "POST", "/api/qc/runs", "", metadata.RoleAdmin)
	assert.Equal(t, 409, status)
	assert.Equal(t, "CONFLICT", body["error"].(map[string]any)["code"])

	status, body = call(t, app, "GET", "/api/qc/state", "", metadata.RoleMonitor)
	require.Equal(t, 200, status)
	assert.Equal(t, string(qc.StateIdle), body["data"].(map[string]any)["state"])

	status, body = call(t, app, "GET", "/api/qc/runs?limit=5", "", metadata.RoleMonitor)
	require.Equal(t, 200, status)
	assert.Equal(t, []any{}, body["data"])
}

func TestViolations(t *testing.T) {
	q := &fakeQC{}
	app := newApp(t, q)

	status, body := call(t, app, "GET", "/api/violations?state=open&field=age&record_id=p1&rule_id=r1", "", metadata.RoleMonitor)
	require.Equal(t, 200, status)
	assert.Equal(t, []any{}, body["data"])
	assert.Equal(t, qc.ViolationFilter{State: qc.ViolationOpen, RecordID: "p1", Field: "age", RuleID: "r1"}, q.filter)

	status, _ = call(t, app, "GET", "/api/violations?state=closed", "", metadata.RoleMonitor)
	assert.Equal(t, 422, status)

	status, _ = call(t, app, "GET", "/api/violations/v1", "", metadata.RoleMonitor)
	assert.Equal(t, 200, status)
	status, _ = call(t, app, "GET", "/api/violations/v9", "", metadata.RoleMonitor)
	assert.Equal(t, 404, status)
}

func TestResolveViolation(t *testing.T) {
	q := &fakeQC{}
	app := newApp(t, q)

	status, _ := call(t, app, "POST", "/api/violations/v1/resolve", `{"note":"ok"}`, "site_user")
	assert.Equal(t, 403, status)

	status, body := call(t, app, "POST", "/api/violations/v1/resolve", `{"note":"source verified"}`, metadata.RoleDataManager)
	require.Equal(t, 200, status)
	assert.Equal(t, "user-7", q.resolvedBy)
	assert.Equal(t, "source verified", body["data"].(map[string]any)["note"])

	q.resolveErr = qc.ErrAlreadyResolved
	status, _ = call(t, app, "POST", "/api/violations/v1/resolve", "", metadata.RoleDataManager)
	assert.Equal(t, 409, status)

	q.resolveErr = errors.Join(store.ErrNotFound)
	status, _ = call(t, app, "POST", "/api/violations/v1/resolve", "", metadata.RoleDataManager)
	assert.Equal(t, 404, status)

	q.resolveErr = errors.New("disk on fire")
	status, body = call(t, app, "POST", "/api/violations/v1/resolve", "", metadata.RoleDataManager)
	assert.Equal(t, 500, status)
	assert.Equal(t, "INTERNAL_ERROR", body["error"].(map[string]any)["code"])
}

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

func TestHealth(t *testing.T) {
	app := fiber.New()
	RegisterHealth(app, pinger{})
	status, body := call(t, app, "GET", "/health", "")
	assert.Equal(t, 200, status)
	assert.Equal(t, "ok", body["status"])

	app = fiber.New()
	RegisterHealth(app, pinger{err: errors.New("down")})
	status, _ = call(t, app, "GET", "/health", "")
	assert.Equal(t, 503, status)
}
