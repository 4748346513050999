package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/sage-x-project/sage-paywall/types"
)

func newTestServer(t *testing.T, f *fixture, assetDir string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(NewServer(f.gw, nil, assetDir).Routes())
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, url, body string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Post(url, "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("Expected request to succeed, got: %v", err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp, data
}

func TestHTTP_Quote(t *testing.T) {
	f := newFixture(t)
	srv := newTestServer(t, f, "")

	resp, err := http.Get(srv.URL + "/quote")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	if strings.Contains(strings.ToLower(string(body)), "floor") {
		t.Errorf("Expected quote without floor, got %s", body)
	}
	var q types.Quote
	if err := json.Unmarshal(body, &q); err != nil {
		t.Fatalf("Expected quote JSON, got: %v", err)
	}
	if !q.Price.Equal(decimal.NewFromInt(10)) {
		t.Errorf("Expected price 10, got %s", q.Price)
	}
}

func TestHTTP_GenerateFlow(t *testing.T) {
	f := newFixture(t)
	srv := newTestServer(t, f, "")

	resp, body := postJSON(t, srv.URL+"/generate", `{"invoiceId":"http-1","negotiatedPrice":"6","payload":{"description":"a cat"}}`)
	if resp.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("Expected 402, got %d: %s", resp.StatusCode, body)
	}
	var pr types.PaymentRequired
	if err := json.Unmarshal(body, &pr); err != nil {
		t.Fatalf("Expected payment required JSON, got: %v", err)
	}
	if pr.InvoiceID != "http-1" || !pr.Amount.Equal(decimal.NewFromInt(6)) {
		t.Errorf("Expected http-1 for 6, got %+v", pr)
	}
	if !strings.Contains(pr.Message, "Pay 6 ENC") {
		t.Errorf("Expected payment message, got %q", pr.Message)
	}

	f.pay(t, "http-1")

	resp, body = postJSON(t, srv.URL+"/generate", `{"invoiceId":"http-1","payload":{"description":"a cat"}}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", resp.StatusCode, body)
	}
	var ok types.GenerateSuccess
	if err := json.Unmarshal(body, &ok); err != nil {
		t.Fatalf("Expected success JSON, got: %v", err)
	}
	if !ok.OK || ok.AssetURL == "" || ok.Receipt == nil {
		t.Errorf("Expected receipt and asset, got %+v", ok)
	}

	statusResp, err := http.Get(srv.URL + "/invoices/http-1")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	defer statusResp.Body.Close()
	var st InvoiceStatus
	if err := json.NewDecoder(statusResp.Body).Decode(&st); err != nil {
		t.Fatalf("Expected status JSON, got: %v", err)
	}
	if st.Invoice.State != types.InvoiceStateFulfilled || !st.LedgerPaid {
		t.Errorf("Expected fulfilled and paid, got %+v", st)
	}
}

func TestHTTP_GenerateRejectsBadInput(t *testing.T) {
	f := newFixture(t)
	srv := newTestServer(t, f, "")

	tests := []struct {
		name string
		body string
	}{
		{"id too long", `{"invoiceId":"` + strings.Repeat("x", 40) + `"}`},
		{"negative price", `{"invoiceId":"neg-1","negotiatedPrice":-3}`},
		{"bad price string", `{"invoiceId":"neg-2","negotiatedPrice":"cheap"}`},
		{"price above listing", `{"invoiceId":"neg-3","negotiatedPrice":"11"}`},
		{"not json", `{"invoiceId":`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := postJSON(t, srv.URL+"/generate", tt.body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("Expected 400, got %d: %s", resp.StatusCode, body)
			}
			var er types.ErrorResponse
			if err := json.Unmarshal(body, &er); err != nil {
				t.Fatalf("Expected error JSON, got: %v", err)
			}
			if er.Error != "ValidationError" {
				t.Errorf("Expected ValidationError, got %s", er.Error)
			}
		})
	}
	if n := f.totalLedgerCalls(); n != 0 {
		t.Errorf("Expected no ledger calls, got %d", n)
	}
}

func TestHTTP_Negotiate(t *testing.T) {
	f := newFixture(t)
	srv := newTestServer(t, f, "")

	resp, body := postJSON(t, srv.URL+"/negotiate", `{"listing":{"id":"petpainter"},"buyerBudget":"7"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", resp.StatusCode, body)
	}
	var res types.NegotiationResult
	if err := json.Unmarshal(body, &res); err != nil {
		t.Fatalf("Expected negotiation JSON, got: %v", err)
	}
	if res.AgreedPrice.GreaterThan(decimal.NewFromInt(7)) || len(res.History) == 0 {
		t.Errorf("Expected agreed price within budget and a transcript, got %+v", res)
	}

	resp, body = postJSON(t, srv.URL+"/negotiate", `{"listing":"petpainter","buyerBudget":1}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("Expected 400, got %d: %s", resp.StatusCode, body)
	}
	var fail types.NegotiateFailure
	if err := json.Unmarshal(body, &fail); err != nil {
		t.Fatalf("Expected failure JSON, got: %v", err)
	}
	if fail.Error != "NegotiationFailed" || fail.Message == "" {
		t.Errorf("Expected NegotiationFailed with message, got %+v", fail)
	}

	resp, _ = postJSON(t, srv.URL+"/negotiate", `{"listing":"petpainter"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 without a budget, got %d", resp.StatusCode)
	}
}

func TestHTTP_UnknownInvoice(t *testing.T) {
	f := newFixture(t)
	srv := newTestServer(t, f, "")

	resp, err := http.Get(srv.URL + "/invoices/nobody")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", resp.StatusCode)
	}
}

func TestHTTP_HealthAndAssets(t *testing.T) {
	f := newFixture(t)
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "artwork_x.svg"), []byte("<svg/>"), 0o644); err != nil {
		t.Fatal(err)
	}
	srv := newTestServer(t, f, dir)

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	var health types.HealthCheckResponse
	_ = json.NewDecoder(resp.Body).Decode(&health)
	resp.Body.Close()
	if health.Status != types.StatusHealthy {
		t.Errorf("Expected healthy, got %s", health.Status)
	}

	resp, err = http.Get(srv.URL + "/assets/artwork_x.svg")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	data, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(data) != "<svg/>" {
		t.Errorf("Expected asset body, got %q", data)
	}
}

type captionLLM struct {
	reply string
	err   error
}

func (c *captionLLM) Chat(ctx context.Context, system, user string) (string, error) {
	return c.reply, c.err
}

func TestFileAssetGenerator(t *testing.T) {
	dir := t.TempDir()
	gen := &FileAssetGenerator{
		Dir:       dir,
		BaseURL:   "http://localhost:3031/assets/",
		Style:     "watercolor",
		Describer: &captionLLM{reply: "A corgi <dreaming> of the sea."},
	}
	inv := &types.Invoice{ID: "asset-1", Amount: decimal.NewFromInt(3), Token: testToken}
	payload := map[string]interface{}{
		"description": "my corgi",
		"imageBase64": "data:image/png;base64,aGVsbG8=",
	}

	url, err := gen.Generate(context.Background(), inv, payload)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if url != "http://localhost:3031/assets/artwork_asset-1.svg" {
		t.Errorf("Expected asset URL, got %s", url)
	}
	svg, err := os.ReadFile(filepath.Join(dir, "artwork_asset-1.svg"))
	if err != nil {
		t.Fatalf("Expected artwork file, got: %v", err)
	}
	if !strings.Contains(string(svg), "A corgi &lt;dreaming&gt; of the sea.") {
		t.Errorf("Expected escaped caption in artwork, got %s", svg)
	}
	raw, err := os.ReadFile(filepath.Join(dir, "input_asset-1.img"))
	if err != nil || string(raw) != "hello" {
		t.Errorf("Expected decoded input image, got %q, %v", raw, err)
	}

	gen.Describer = &captionLLM{err: io.ErrUnexpectedEOF}
	if _, err := gen.Generate(context.Background(), &types.Invoice{ID: "asset-2", Amount: decimal.NewFromInt(3)}, map[string]interface{}{"description": "a tabby"}); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	svg, _ = os.ReadFile(filepath.Join(dir, "artwork_asset-2.svg"))
	if !strings.Contains(string(svg), "a tabby") {
		t.Errorf("Expected buyer description as caption fallback, got %s", svg)
	}

	if _, err := gen.Generate(context.Background(), &types.Invoice{ID: "asset-3"}, map[string]interface{}{"imageBase64": "!!!"}); err == nil {
		t.Error("Expected error for undecodable image")
	}
}
