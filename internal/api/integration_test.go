//go:build integration

// End-to-end tests against a running server:
//
//	Scenario → 16 rules → LLPA pricing → overlays → decision
//
// Run with: go test -tags=integration -v ./internal/api/...
//
// The server must be started with the built-in policy tables and no
// enabled overlays, e.g. `go run ./cmd/underwrite serve`. Set
// UNDERWRITE_TEST_URL to point elsewhere than http://localhost:8080.
package api_test

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/opensource-finance/underwrite/internal/api"
	"github.com/opensource-finance/underwrite/internal/domain"
)

func baseURL() string {
	if u := os.Getenv("UNDERWRITE_TEST_URL"); u != "" {
		return u
	}
	return "http://localhost:8080"
}

func liveScenario(monthlyDebts float64) domain.Scenario {
	price := 400000.0
	return domain.Scenario{
		Borrower: domain.Borrower{
			CreditScore:              760,
			GrossMonthlyIncome:       10000,
			MonthlyDebts:             map[string]float64{"other": monthlyDebts},
			NumFinancedProperties:    1,
			OwnsPropertyLast3Yrs:     true,
			LiquidAssetsAfterClosing: 50000,
		},
		Property: domain.Property{
			PurchasePrice:   &price,
			AppraisedValue:  400000,
			Units:           1,
			PropertyType:    "SFR",
			Occupancy:       domain.OccupancyPrimary,
			ConditionRating: "C3",
			State:           "CA",
			IsHighCostArea:  true,
		},
		Loan: domain.Loan{
			LoanAmount:  300000,
			NoteRate:    6.50,
			TermMonths:  360,
			Purpose:     domain.PurposePurchase,
			ProductType: "fixed",
			Channel:     domain.ChannelConforming,
		},
	}
}

func post(t *testing.T, path string, body any, policyID string) (int, []byte) {
	t.Helper()

	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("Failed to marshal request: %v", err)
	}

	req, err := http.NewRequest(http.MethodPost, baseURL()+path, bytes.NewReader(data))
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if policyID != "" {
		req.Header.Set(api.PolicyIDHeader, policyID)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read response: %v", err)
	}
	return resp.StatusCode, respBody
}

func evaluateLive(t *testing.T, s domain.Scenario) api.EvaluateResponse {
	t.Helper()

	code, body := post(t, "/api/evaluate", s, "")
	if code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", code, string(body))
	}

	var resp api.EvaluateResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatalf("Failed to unmarshal response: %v (body: %s)", err, string(body))
	}
	return resp
}

// A 75% LTV purchase at 20.6% DTI qualifies for manual underwriting.
func TestPrimePurchase_Approve(t *testing.T) {
	resp := evaluateLive(t, liveScenario(0))
	d := resp.Decision

	if d.Status != domain.StatusApprove {
		t.Errorf("Expected APPROVE, got %s (reasons %v)", d.Status, d.Reasons)
	}
	if !d.Result.Flags.ManualUWOnly {
		t.Error("Expected ManualUWOnly flag")
	}
	if resp.Display.LTV != "75.00%" {
		t.Errorf("Expected LTV 75.00%%, got %s", resp.Display.LTV)
	}

	t.Logf("✓ Prime purchase: status=%s, dti=%s, net=%s", d.Status, resp.Display.DTI, resp.Display.NetPrice)
}

// Between the manual ceilings and the DU ceiling the loan stays eligible
// but needs automated underwriting.
func TestDUOnlyDTI_Refer(t *testing.T) {
	d := evaluateLive(t, liveScenario(2640)).Decision

	if !d.Eligible {
		t.Errorf("Expected eligible, failed rules: %v", d.Reasons)
	}
	if d.Status != domain.StatusRefer {
		t.Errorf("Expected REFER, got %s", d.Status)
	}
	if !d.Result.Flags.DURequired {
		t.Error("Expected DU_Required flag")
	}
}

func TestExcessiveDTI_Ineligible(t *testing.T) {
	d := evaluateLive(t, liveScenario(3000)).Decision

	if d.Eligible || d.Status != domain.StatusIneligible {
		t.Errorf("Expected INELIGIBLE, got %s", d.Status)
	}

	rule, ok := d.Result.Rule(domain.RuleDTI)
	if !ok || rule.Eligible {
		t.Error("Expected the DTI rule to fail")
	}
}

func TestMalformedScenario_BadRequest(t *testing.T) {
	s := liveScenario(0)
	s.Property.Units = 0

	code, body := post(t, "/api/evaluate", s, "")
	if code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d: %s", code, string(body))
	}
}

func TestUnknownPolicy_NotFound(t *testing.T) {
	code, _ := post(t, "/api/evaluate", liveScenario(0), "no-such-lender")
	if code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", code)
	}
}

func TestResponseMetadata(t *testing.T) {
	d := evaluateLive(t, liveScenario(0)).Decision

	if d.ID == "" {
		t.Error("Missing decision id")
	}
	if d.Metadata.TraceID == "" {
		t.Error("Missing metadata.trace_id")
	}
	if d.Metadata.RulesEvaluated != 16 {
		t.Errorf("Expected 16 rules evaluated, got %d", d.Metadata.RulesEvaluated)
	}
	if d.Metadata.PolicyVersion == "" || d.Metadata.EngineVersion == "" {
		t.Error("Missing policy or engine version")
	}
	if d.Metadata.TotalMs < 0 {
		t.Error("Invalid metadata.total_ms (negative)")
	}
}
