//go:build integration

package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/liamcoop/shadow/internal/testdb"
)

// TestEndToEnd_ShadowRunPersisted tests the complete workflow:
// 1. Create experiment
// 2. Add ignore and compare rules
// 3. Run shadow requests
// 4. Read persisted runs back
func TestEndToEnd_ShadowRunPersisted(t *testing.T) {
	db := testdb.New(t)

	server, err := NewServerWithDB(db)
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}

	ts := httptest.NewServer(server)
	defer ts.Close()

	baseURL := ts.URL + "/api/v1"

	t.Log("Step 1: Creating experiment...")
	makeRequest(t, "POST", baseURL+"/experiments", map[string]any{
		"name":        "checkout",
		"description": "new pricing service",
	}, http.StatusCreated)

	t.Log("Step 2: Adding rules...")
	makeRequest(t, "POST", baseURL+"/experiments/checkout/rules", map[string]any{
		"name":       "ignore-free",
		"kind":       "ignore",
		"expression": `control.total == 0.0`,
	}, http.StatusCreated)
	makeRequest(t, "POST", baseURL+"/experiments/checkout/rules", map[string]any{
		"name":       "totals",
		"kind":       "compare",
		"expression": `control.total == candidate.total && control.currency == candidate.currency`,
	}, http.StatusCreated)

	t.Log("Step 3: Running shadow requests...")
	shadow := func(amount float64) map[string]any {
		return makeRequest(t, "POST", baseURL+"/experiments/checkout/shadow", map[string]any{
			"facts":   map[string]any{"order": map[string]any{"amount": amount, "currency": "EUR"}},
			"control": `{"total": order.amount * 2.0, "currency": order.currency, "id": "legacy"}`,
			"candidates": []map[string]any{
				{"name": "v2", "expression": `{"total": order.amount + order.amount, "currency": order.currency, "id": "v2"}`},
				{"name": "usd", "expression": `{"total": order.amount * 2.0, "currency": "USD", "id": "usd"}`},
			},
		}, http.StatusOK)
	}

	first := shadow(10)
	run := first["run"].(map[string]any)
	if run["matched"] != false {
		t.Errorf("Expected usd candidate to mismatch, got %v", run)
	}
	trials := run["trials"].([]any)
	if trials[0].(map[string]any)["matched"] != true {
		t.Errorf("Expected v2 to match on total and currency, got %v", trials[0])
	}

	free := shadow(0)
	freeTrials := free["run"].(map[string]any)["trials"].([]any)
	for _, tr := range freeTrials {
		if tr.(map[string]any)["ignored"] != true {
			t.Errorf("Expected free orders to be ignored, got %v", tr)
		}
	}

	t.Log("Step 4: Reading runs back...")
	runs := makeRequest(t, "GET", baseURL+"/experiments/checkout/runs", nil, http.StatusOK)
	if list := runs["runs"].([]any); len(list) != 2 {
		t.Fatalf("Expected 2 runs, got %d", len(list))
	}

	mismatched := makeRequest(t, "GET", baseURL+"/experiments/checkout/runs?mismatched=true", nil, http.StatusOK)
	if list := mismatched["runs"].([]any); len(list) != 1 {
		t.Errorf("Expected 1 mismatched run, got %d", len(list))
	}

	stored := makeRequest(t, "GET", baseURL+"/experiments/checkout/runs/"+run["id"].(string), nil, http.StatusOK)
	control := stored["control"].(map[string]any)
	if control["value"].(map[string]any)["total"] != 20.0 {
		t.Errorf("Expected stored control total 20, got %v", control["value"])
	}
	if len(stored["trials"].([]any)) != 2 {
		t.Errorf("Expected 2 stored trials, got %v", stored["trials"])
	}
}

// TestEndToEnd_ExperimentsSurviveRestart verifies a new server loads what the
// previous one registered
func TestEndToEnd_ExperimentsSurviveRestart(t *testing.T) {
	db := testdb.New(t)

	first, err := NewServerWithDB(db)
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	ts := httptest.NewServer(first)
	makeRequest(t, "POST", ts.URL+"/api/v1/experiments", map[string]any{"name": "search"}, http.StatusCreated)
	makeRequest(t, "POST", ts.URL+"/api/v1/experiments/search/rules", map[string]any{
		"name":       "hits",
		"kind":       "compare",
		"expression": `control.hits == candidate.hits`,
	}, http.StatusCreated)
	ts.Close()

	second, err := NewServerWithDB(db)
	if err != nil {
		t.Fatalf("Failed to create second server: %v", err)
	}
	ts = httptest.NewServer(second)
	defer ts.Close()

	health := makeRequest(t, "GET", ts.URL+"/api/v1/health", nil, http.StatusOK)
	if health["experimentsLoaded"] != 1.0 || health["storage"] != "postgres" {
		t.Errorf("Unexpected health: %v", health)
	}

	rulesResp := makeRequest(t, "GET", ts.URL+"/api/v1/experiments/search/rules", nil, http.StatusOK)
	if list := rulesResp["rules"].([]any); len(list) != 1 {
		t.Errorf("Expected 1 rule after restart, got %d", len(list))
	}
}

// makeRequest sends a JSON request and checks the status code
func makeRequest(t *testing.T, method, url string, body any, wantStatus int) map[string]any {
	t.Helper()

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("Failed to marshal request: %v", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read response: %v", err)
	}

	if resp.StatusCode != wantStatus {
		t.Fatalf("%s %s: expected status %d, got %d: %s", method, url, wantStatus, resp.StatusCode, respBody)
	}

	var result map[string]any
	if len(respBody) > 0 {
		if err := json.Unmarshal(respBody, &result); err != nil {
			t.Fatalf("Failed to unmarshal response: %v", err)
		}
	}
	return result
}
