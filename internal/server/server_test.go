package server

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/arbbuyer/internal/domain"
	"github.com/alanyoungcy/arbbuyer/internal/queue"
	"github.com/alanyoungcy/arbbuyer/internal/server/handler"
	"github.com/alanyoungcy/arbbuyer/internal/server/middleware"
	"github.com/alanyoungcy/arbbuyer/internal/service"
	"github.com/alanyoungcy/arbbuyer/internal/store/memory"
)

const secret = "server-test-secret"

type testAPI struct {
	srv        *httptest.Server
	candidates *memory.CandidateStore
}

func newTestAPI(t *testing.T) testAPI {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	candidates := memory.NewCandidateStore()
	ruleStore := memory.NewRuleConfigStore()
	require.NoError(t, ruleStore.Upsert(context.Background(), domain.RuleConfig{
		OrgID:           "org-1",
		Enabled:         true,
		MaxDeliveryDays: 5,
		EligibleShopIDs: []string{"shop-1"},
	}))

	rules := service.NewRuleService(ruleStore, nil, logger)
	q := queue.NewManager(candidates, rules, queue.RetryPolicy{MaxAttempts: 3}, logger)
	svc := service.NewCandidateService(candidates, rules, q, memory.NewPurchaseAuditStore(), service.CandidateConfig{}, logger)

	h := Routes(Config{Auth: middleware.AuthConfig{JWTSecret: secret}}, Handlers{
		Health:     handler.NewHealthHandler(nil, logger),
		Candidates: handler.NewCandidateHandler(svc, logger),
		Rules:      handler.NewRuleHandler(rules, logger),
	}, nil, logger)

	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return testAPI{srv: srv, candidates: candidates}
}

func (a testAPI) do(t *testing.T, method, path, role, org string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, a.srv.URL+path, &buf)
	require.NoError(t, err)
	if role != "" {
		tok, err := middleware.IssueToken(secret, "", "tester", org, role, time.Hour)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	resp, err := a.srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func testCandidate(id string) domain.Candidate {
	return domain.Candidate{
		ID:                  id,
		MarketplaceOrderID:  "MO-" + id,
		ShopID:              "shop-1",
		Quantity:            1,
		OrderTotal:          15000,
		SupplierSKUID:       "B000TEST",
		SupplierMarketplace: "amazon.co.jp",
		SupplierPrice:       10000,
		SupplierAvailable:   true,
		SupplierCondition:   domain.ConditionNew,
		EstimatedShipDays:   2,
		MarketplaceFees:     500,
	}
}

func TestHealthIsPublic(t *testing.T) {
	api := newTestAPI(t)
	resp := api.do(t, http.MethodGet, "/api/health", "", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestEvaluateEnqueueSummary(t *testing.T) {
	api := newTestAPI(t)

	slow := testCandidate("slow")
	slow.EstimatedShipDays = 9
	resp := api.do(t, http.MethodPost, "/api/orgs/org-1/candidates/evaluate", middleware.RoleOperator, "org-1",
		map[string]any{"candidates": []domain.Candidate{testCandidate("c1"), slow}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	ev := decode[struct {
		Results []service.EvaluatedCandidate `json:"results"`
	}](t, resp)
	require.Len(t, ev.Results, 2)
	assert.Equal(t, domain.StatusEligible, ev.Results[0].Candidate.Status)
	assert.Equal(t, domain.Money(4500), ev.Results[0].Candidate.ExpectedProfit)
	assert.Equal(t, domain.StatusSkipped, ev.Results[1].Candidate.Status)

	resp = api.do(t, http.MethodPost, "/api/orgs/org-1/candidates/enqueue", middleware.RoleOperator, "org-1",
		map[string]any{"ids": []string{"c1", "slow"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	enq := decode[map[string]any](t, resp)
	assert.EqualValues(t, 1, enq["queued_count"])

	resp = api.do(t, http.MethodGet, "/api/orgs/org-1/summary", middleware.RoleOperator, "org-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	sum := decode[domain.Summary](t, resp)
	assert.Equal(t, 2, sum.TotalCandidates)
	assert.Equal(t, 1, sum.Queued)
	assert.Equal(t, domain.Money(4500), sum.TotalExpectedProfit)

	resp = api.do(t, http.MethodGet, "/api/orgs/org-1/candidates?status=QUEUED_FOR_PURCHASE", middleware.RoleOperator, "org-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[struct {
		Candidates []domain.Candidate `json:"candidates"`
	}](t, resp)
	require.Len(t, list.Candidates, 1)
	assert.Equal(t, "c1", list.Candidates[0].ID)
}

func TestOrgIsolation(t *testing.T) {
	api := newTestAPI(t)

	resp := api.do(t, http.MethodGet, "/api/orgs/org-1/summary", middleware.RoleOperator, "org-2", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = api.do(t, http.MethodGet, "/api/orgs/org-1/summary", "", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestEvaluateForeignCandidateID(t *testing.T) {
	api := newTestAPI(t)

	resp := api.do(t, http.MethodPost, "/api/orgs/org-1/candidates/evaluate", middleware.RoleOperator, "org-1",
		map[string]any{"candidates": []domain.Candidate{testCandidate("c1")}})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = api.do(t, http.MethodPut, "/api/orgs/org-2/rules", middleware.RoleAdmin, "org-2",
		domain.RuleConfig{Enabled: true, MaxDeliveryDays: 5})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	hijack := testCandidate("c1")
	hijack.OrderTotal = 1
	hijack.SupplierPrice = 999999
	resp = api.do(t, http.MethodPost, "/api/orgs/org-2/candidates/evaluate", middleware.RoleOperator, "org-2",
		map[string]any{"candidates": []domain.Candidate{hijack}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	ev := decode[struct {
		Results []service.EvaluatedCandidate `json:"results"`
	}](t, resp)
	require.Len(t, ev.Results, 1)
	assert.NotEmpty(t, ev.Results[0].Error)
	assert.Equal(t, "org-2", ev.Results[0].Candidate.OrgID)

	stored, err := api.candidates.Get(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, "org-1", stored.OrgID)
	assert.Equal(t, domain.Money(15000), stored.OrderTotal)
	assert.Equal(t, domain.Money(10000), stored.SupplierPrice)
	assert.Equal(t, domain.StatusEligible, stored.Status)
}

func TestRules(t *testing.T) {
	api := newTestAPI(t)
	body := domain.RuleConfig{Enabled: true, MaxDeliveryDays: 7, MinExpectedProfit: -200, EligibleShopIDs: []string{"shop-2"}}

	resp := api.do(t, http.MethodPut, "/api/orgs/org-1/rules", middleware.RoleOperator, "org-1", body)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = api.do(t, http.MethodPut, "/api/orgs/org-1/rules", middleware.RoleAdmin, "org-1", body)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = api.do(t, http.MethodGet, "/api/orgs/org-1/rules", middleware.RoleOperator, "org-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	cfg := decode[domain.RuleConfig](t, resp)
	assert.Equal(t, "org-1", cfg.OrgID)
	assert.Equal(t, 7, cfg.MaxDeliveryDays)
	assert.Equal(t, domain.Money(-200), cfg.MinExpectedProfit)

	resp = api.do(t, http.MethodPut, "/api/orgs/org-1/rules", middleware.RoleAdmin, "org-1",
		domain.RuleConfig{MaxDeliveryDays: -1})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRequeueAndCancelErrors(t *testing.T) {
	api := newTestAPI(t)
	resp := api.do(t, http.MethodPost, "/api/orgs/org-1/candidates/evaluate", middleware.RoleOperator, "org-1",
		map[string]any{"candidates": []domain.Candidate{testCandidate("c1")}})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = api.do(t, http.MethodPost, "/api/orgs/org-1/candidates/c1/requeue", middleware.RoleOperator, "org-1", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = api.do(t, http.MethodPost, "/api/orgs/org-1/candidates/c1/cancel", middleware.RoleOperator, "org-1", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = api.do(t, http.MethodGet, "/api/orgs/org-1/candidates/missing/audit", middleware.RoleOperator, "org-1", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestExportCSV(t *testing.T) {
	api := newTestAPI(t)
	resp := api.do(t, http.MethodPost, "/api/orgs/org-1/candidates/evaluate", middleware.RoleOperator, "org-1",
		map[string]any{"candidates": []domain.Candidate{testCandidate("c1")}})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = api.do(t, http.MethodGet, "/api/orgs/org-1/export.csv", middleware.RoleOperator, "org-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/csv; charset=utf-8", resp.Header.Get("Content-Type"))
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "org-1-non-fulfilled.csv")

	records, err := csv.NewReader(resp.Body).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "MO-c1", records[1][0])

	// No blob storage configured.
	resp = api.do(t, http.MethodGet, "/api/orgs/org-1/export.csv?store=true", middleware.RoleOperator, "org-1", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	resp = api.do(t, http.MethodGet, "/api/orgs/org-1/exports", middleware.RoleOperator, "org-1", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
