package buyer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sage-x-project/sage-paywall/gateway"
	"github.com/sage-x-project/sage-paywall/resilience"
	"github.com/sage-x-project/sage-paywall/types"
)

// SellerClient talks to a gateway over HTTP.
type SellerClient struct {
	baseURL string
	http    *http.Client
	retry   *resilience.RetryConfig
}

var _ Seller = (*SellerClient)(nil)

// NewSellerClient creates a client for the gateway at baseURL.
func NewSellerClient(baseURL string, hc *http.Client) *SellerClient {
	if hc == nil {
		hc = &http.Client{Timeout: 5 * time.Minute}
	}
	return &SellerClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    hc,
		retry: &resilience.RetryConfig{
			MaxAttempts:  3,
			InitialDelay: 200 * time.Millisecond,
			MaxDelay:     2 * time.Second,
			Multiplier:   2,
			Jitter:       0.1,
			// coded answers from the gateway are final
			RetryIf: func(err error) bool { return types.ErrorCode(err) == "" },
		},
	}
}

// BaseURL is the gateway address.
func (c *SellerClient) BaseURL() string { return c.baseURL }

// Quote fetches the public listing. Transport failures are retried.
func (c *SellerClient) Quote(ctx context.Context) (*types.Quote, error) {
	var q types.Quote
	err := resilience.RetryWithConfig(ctx, c.retry, func(ctx context.Context) error {
		status, body, err := c.do(ctx, http.MethodGet, "/quote", nil)
		if err != nil {
			return err
		}
		if status != http.StatusOK {
			return decodeError(status, body)
		}
		return json.Unmarshal(body, &q)
	})
	if err != nil {
		return nil, fmt.Errorf("quote from %s: %w", c.baseURL, err)
	}
	return &q, nil
}

// Negotiate posts a negotiation request. A 400 NegotiationFailed body comes
// back as a NegotiationFailed error.
func (c *SellerClient) Negotiate(ctx context.Context, req types.NegotiateRequest) (*types.NegotiationResult, error) {
	status, body, err := c.do(ctx, http.MethodPost, "/negotiate", req)
	if err != nil {
		return nil, err
	}
	if status == http.StatusOK {
		var res types.NegotiationResult
		if err := json.Unmarshal(body, &res); err != nil {
			return nil, fmt.Errorf("decode negotiation result: %w", err)
		}
		return &res, nil
	}
	var fail types.NegotiateFailure
	if json.Unmarshal(body, &fail) == nil && fail.Error == "NegotiationFailed" {
		return nil, types.NegotiationFailed(fail.Message)
	}
	return nil, decodeError(status, body)
}

// Generate posts a generate request; 402 and 200 are both answers.
func (c *SellerClient) Generate(ctx context.Context, req types.GenerateRequest) (*GenerateReply, error) {
	status, body, err := c.do(ctx, http.MethodPost, "/generate", req)
	if err != nil {
		return nil, err
	}
	switch status {
	case http.StatusPaymentRequired:
		var pr types.PaymentRequired
		if err := json.Unmarshal(body, &pr); err != nil {
			return nil, fmt.Errorf("decode payment required: %w", err)
		}
		return &GenerateReply{PaymentRequired: &pr}, nil
	case http.StatusOK:
		var ok types.GenerateSuccess
		if err := json.Unmarshal(body, &ok); err != nil {
			return nil, fmt.Errorf("decode generate result: %w", err)
		}
		return &GenerateReply{Success: &ok}, nil
	default:
		return nil, decodeError(status, body)
	}
}

func (c *SellerClient) do(ctx context.Context, method, path string, payload interface{}) (int, []byte, error) {
	var rd io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return 0, nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read %s response: %w", path, err)
	}
	return resp.StatusCode, body, nil
}

// decodeError turns an error envelope back into a coded error.
func decodeError(status int, body []byte) error {
	var er types.ErrorResponse
	if json.Unmarshal(body, &er) == nil && er.Code != "" {
		e := types.NewPaymentError(er.Code, er.Message, nil)
		e.InvoiceID = er.InvoiceID
		e.Details = er.Details
		return e
	}
	return fmt.Errorf("seller answered %d: %s", status, strings.TrimSpace(string(body)))
}

// LocalSeller adapts an in-process gateway.
type LocalSeller struct {
	Gateway *gateway.Gateway
}

var _ Seller = LocalSeller{}

func (s LocalSeller) Quote(ctx context.Context) (*types.Quote, error) {
	q := s.Gateway.Quote(ctx)
	return &q, nil
}

func (s LocalSeller) Negotiate(ctx context.Context, req types.NegotiateRequest) (*types.NegotiationResult, error) {
	return s.Gateway.Negotiate(ctx, req)
}

func (s LocalSeller) Generate(ctx context.Context, req types.GenerateRequest) (*GenerateReply, error) {
	res, err := s.Gateway.Generate(ctx, req)
	if err != nil {
		return nil, err
	}
	return &GenerateReply{PaymentRequired: res.PaymentRequired, Success: res.Success}, nil
}
