package server

import (
	"bytes"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/iwvelando/opm-valuation/internal/backsolve"
	"github.com/iwvelando/opm-valuation/internal/opm"
	"github.com/iwvelando/opm-valuation/internal/trace"
	"github.com/iwvelando/opm-valuation/internal/valuation"
	"github.com/iwvelando/opm-valuation/pkg/constants"
	"github.com/iwvelando/opm-valuation/pkg/testutil"
	"go.uber.org/zap"
)

func newTestHandler() http.Handler {
	return NewHandler(zap.NewNop(), constants.DefaultMaxBodySizeBytes, 10*time.Second, "test")
}

func post(t *testing.T, h http.Handler, path string, payload interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var body []byte
	switch p := payload.(type) {
	case string:
		body = []byte(p)
	default:
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			t.Fatalf("failed to encode payload: %v", err)
		}
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder, dst interface{}) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), dst); err != nil {
		t.Fatalf("failed to decode response %q: %v", rr.Body.String(), err)
	}
}

func singleCommonRequest(target float64) backsolve.Request {
	return backsolve.Request{
		TargetFMV:     target,
		SecurityClass: "common",
		Option:        testutil.OptionParams(),
		Breakpoints:   testutil.SingleCommon(),
		TotalShares:   1000000,
		ClassShares:   map[string]float64{"common": 1000000},
	}
}

func TestHealthAndVersion(t *testing.T) {
	h := newTestHandler()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if rr.Header().Get(RequestIDHeader) == "" {
		t.Fatal("expected a generated request id")
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/version", nil)
	req.Header.Set(RequestIDHeader, "abc-123")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	var resp map[string]string
	decodeBody(t, rr, &resp)
	if resp["version"] != "test" {
		t.Fatalf("expected version test, got %q", resp["version"])
	}
	if rr.Header().Get(RequestIDHeader) != "abc-123" {
		t.Fatalf("expected the caller's request id to be echoed, got %q", rr.Header().Get(RequestIDHeader))
	}
}

func TestMethodNotAllowed(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/price", nil)
	rr := httptest.NewRecorder()
	newTestHandler().ServeHTTP(rr, req)
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected status 405, got %d", rr.Code)
	}
}

func TestHandlePrice(t *testing.T) {
	rr := post(t, newTestHandler(), "/api/v1/price", map[string]float64{
		"companyValue":     100,
		"strikePrice":      100,
		"timeToExpiration": 1,
		"volatility":       0.2,
		"riskFreeRate":     0.05,
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var resp priceResponse
	decodeBody(t, rr, &resp)
	if math.Abs(resp.Result.CallValue-10.4506) > 0.001 {
		t.Errorf("CallValue = %.4f, want 10.4506", resp.Result.CallValue)
	}
	if resp.Greeks.Delta <= 0 || resp.Greeks.Delta >= 1 {
		t.Errorf("Delta = %.4f, want within (0, 1)", resp.Greeks.Delta)
	}
}

func TestHandlePriceValidation(t *testing.T) {
	rr := post(t, newTestHandler(), "/api/v1/price", map[string]float64{
		"companyValue":     -1,
		"timeToExpiration": 1,
		"volatility":       0.2,
	})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d: %s", rr.Code, rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), "companyValue") {
		t.Errorf("error should name the field: %s", rr.Body.String())
	}
}

func TestHandleImpliedVolatility(t *testing.T) {
	rr := post(t, newTestHandler(), "/api/v1/implied-volatility", map[string]interface{}{
		"marketPrice": 10.4506,
		"params": map[string]float64{
			"companyValue":     100,
			"strikePrice":      100,
			"timeToExpiration": 1,
			"volatility":       0.5,
			"riskFreeRate":     0.05,
		},
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var resp impliedVolatilityResponse
	decodeBody(t, rr, &resp)
	if !resp.Converged || resp.Volatility == nil {
		t.Fatalf("expected convergence, got %+v", resp)
	}
	if math.Abs(*resp.Volatility-0.2) > 0.001 {
		t.Errorf("Volatility = %.4f, want 0.2", *resp.Volatility)
	}

	rr = post(t, newTestHandler(), "/api/v1/implied-volatility", map[string]interface{}{"marketPrice": 0})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400 for a zero market price, got %d", rr.Code)
	}
}

func TestHandleAllocate(t *testing.T) {
	rr := post(t, newTestHandler(), "/api/v1/allocate", opm.Context{
		EnterpriseValue: 30000000,
		Option:          testutil.OptionParams(),
		Breakpoints:     testutil.SeriesA(),
		TotalShares:     testutil.SeriesATotalShares,
		ClassShares:     testutil.SeriesAClassShares(),
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var result opm.Result
	decodeBody(t, rr, &result)
	if !result.Valid {
		t.Fatalf("expected a valid allocation, got %v", result.ValidationErrors)
	}
	if len(result.Classes) != 2 {
		t.Fatalf("expected 2 classes, got %d", len(result.Classes))
	}
}

func TestHandleAllocateStructuralError(t *testing.T) {
	rr := post(t, newTestHandler(), "/api/v1/allocate", opm.Context{
		EnterpriseValue: 1000000,
		Option:          testutil.OptionParams(),
		TotalShares:     1000,
	})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestHandleBacksolve(t *testing.T) {
	rr := post(t, newTestHandler(), "/api/v1/backsolve", singleCommonRequest(10))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var resp struct {
		Success         bool     `json:"success"`
		EnterpriseValue string   `json:"enterpriseValue"`
		Residual        *float64 `json:"residual"`
	}
	decodeBody(t, rr, &resp)
	if !resp.Success || resp.Residual == nil {
		t.Fatalf("expected success, got %s", rr.Body.String())
	}
	if !strings.HasPrefix(resp.EnterpriseValue, "99999") && !strings.HasPrefix(resp.EnterpriseValue, "10000") {
		t.Errorf("EnterpriseValue = %s, want about 10000000", resp.EnterpriseValue)
	}
}

func TestHandleBacksolveAuditTrail(t *testing.T) {
	tests := []struct {
		name      string
		path      string
		payload   interface{}
		wantTrail bool
		message   string
	}{
		{name: "Backsolve traced", path: "/api/v1/backsolve?trace=true", payload: singleCommonRequest(10), wantTrail: true, message: "backsolve started"},
		{name: "Backsolve untraced", path: "/api/v1/backsolve?trace=false", payload: singleCommonRequest(10)},
		{name: "Allocate traced", path: "/api/v1/allocate?trace=1", payload: opm.Context{
			EnterpriseValue: 10_000_000,
			Option:          testutil.OptionParams(),
			Breakpoints:     testutil.SingleCommon(),
			TotalShares:     1_000_000,
		}, wantTrail: true, message: "allocation complete"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := post(t, newTestHandler(), tt.path, tt.payload)
			if rr.Code != http.StatusOK {
				t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
			}

			var resp map[string]json.RawMessage
			decodeBody(t, rr, &resp)
			raw, traced := resp["auditTrail"]
			if traced != tt.wantTrail {
				t.Fatalf("auditTrail present = %v, want %v: %s", traced, tt.wantTrail, rr.Body.String())
			}
			if !tt.wantTrail {
				if _, ok := resp["success"]; !ok {
					t.Errorf("untraced response should be the bare result: %s", rr.Body.String())
				}
				return
			}
			if _, ok := resp["result"]; !ok {
				t.Errorf("traced response missing result: %s", rr.Body.String())
			}
			var trail []trace.Entry
			if err := json.Unmarshal(raw, &trail); err != nil {
				t.Fatalf("failed to decode audit trail: %v", err)
			}
			found := false
			for _, e := range trail {
				if e.Message == tt.message {
					found = true
				}
			}
			if !found {
				t.Errorf("audit trail missing %q: %+v", tt.message, trail)
			}
		})
	}
}

func TestHandleBacksolveFailureIsEncoded(t *testing.T) {
	req := singleCommonRequest(10)
	req.SecurityClass = "Preferred"

	rr := post(t, newTestHandler(), "/api/v1/backsolve", req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var resp map[string]interface{}
	decodeBody(t, rr, &resp)
	if resp["success"] != false || resp["method"] != "failed" {
		t.Errorf("expected an encoded failure, got %v", resp)
	}
	if resp["residual"] != nil {
		t.Errorf("residual = %v, want null", resp["residual"])
	}
}

func TestHandleWeighted(t *testing.T) {
	req := backsolve.WeightedRequest{
		TargetFMV:     10,
		SecurityClass: "common",
		Breakpoints:   testutil.SingleCommon(),
		TotalShares:   1000000,
		ClassShares:   map[string]float64{"common": 1000000},
		Scenarios: []backsolve.Scenario{
			{Name: "Sale", Probability: 0.5, EnterpriseValue: 9500000, Option: testutil.OptionParams()},
			{Name: "Private", Probability: 0.5, Unknown: true, Option: testutil.OptionParams()},
		},
	}

	rr := post(t, newTestHandler(), "/api/v1/backsolve/weighted", req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}

	req.Scenarios[0].EnterpriseValue = 25000000
	rr = post(t, newTestHandler(), "/api/v1/backsolve/weighted", req)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected status 422 for an infeasible target, got %d: %s", rr.Code, rr.Body.String())
	}

	req.Scenarios[0].Probability = 0.3
	rr = post(t, newTestHandler(), "/api/v1/backsolve/weighted", req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400 for probabilities that do not sum to one, got %d", rr.Code)
	}
}

func TestHandleRun(t *testing.T) {
	body := `
mode: allocate
option:
  timeToExpiration: 3
  volatility: 0.5
  riskFreeRate: 0.04
capTable:
  totalShares: 1000000
  classes:
    - name: Common
      shares: 1000000
  breakpoints:
    - id: bp-common
      value: 0
      allocations:
        - securityClass: Common
          ratio: 1
valuation:
  enterpriseValue: 5000000
`
	rr := post(t, newTestHandler(), "/api/v1/run", body)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var report valuation.Report
	decodeBody(t, rr, &report)
	if report.Mode != "allocate" || report.Allocation == nil {
		t.Fatalf("unexpected report %s", rr.Body.String())
	}
	if math.Abs(report.Allocation.FMVPerShare("Common")-5) > 0.01 {
		t.Errorf("FMVPerShare(Common) = %.4f, want 5", report.Allocation.FMVPerShare("Common"))
	}

	rr = post(t, newTestHandler(), "/api/v1/run", "mode: forecast\n")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400 for an unsupported mode, got %d", rr.Code)
	}
}

func TestRequestBodyLimits(t *testing.T) {
	h := NewHandler(zap.NewNop(), 64, time.Second, "")

	rr := post(t, h, "/api/v1/backsolve", singleCommonRequest(10))
	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected status 413, got %d", rr.Code)
	}

	rr = post(t, newTestHandler(), "/api/v1/price", `{"companyValue": 1, "unknownField": 2}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400 for unknown fields, got %d", rr.Code)
	}

	rr = post(t, newTestHandler(), "/api/v1/price", `{not json`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400 for malformed JSON, got %d", rr.Code)
	}
}
