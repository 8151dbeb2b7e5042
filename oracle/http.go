package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const defaultTimeout = 10 * time.Second

// HTTPVerifier calls a fund-verification service over JSON/HTTP.
type HTTPVerifier struct {
	baseURL string
	token   string
	timeout time.Duration
	client  *http.Client
}

func NewHTTPVerifier(baseURL, token string, timeout time.Duration) *HTTPVerifier {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &HTTPVerifier{
		baseURL: baseURL,
		token:   token,
		timeout: timeout,
		client:  &http.Client{},
	}
}

func (v *HTTPVerifier) Verify(ctx context.Context, reference string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	reqBody := struct {
		Reference string `json:"reference"`
	}{Reference: reference}

	var resp struct {
		Verified bool `json:"verified"`
	}
	if err := postJSON(ctx, v.client, v.baseURL+"/v1/verifications", v.token, reqBody, &resp); err != nil {
		return false, fmt.Errorf("oracle: verify funding: %w", err)
	}
	return resp.Verified, nil
}

// HTTPArbitrationOracle calls an arbitration service over JSON/HTTP.
type HTTPArbitrationOracle struct {
	baseURL string
	token   string
	timeout time.Duration
	client  *http.Client
}

func NewHTTPArbitrationOracle(baseURL, token string, timeout time.Duration) *HTTPArbitrationOracle {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &HTTPArbitrationOracle{
		baseURL: baseURL,
		token:   token,
		timeout: timeout,
		client:  &http.Client{},
	}
}

func (o *HTTPArbitrationOracle) Assess(ctx context.Context, req Request) (Assessment, error) {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	reqBody := struct {
		Kind        string `json:"kind"`
		EscrowID    string `json:"escrowId,omitempty"`
		ActorID     string `json:"actorId,omitempty"`
		BuyerID     string `json:"buyerId,omitempty"`
		SellerID    string `json:"sellerId,omitempty"`
		Amount      string `json:"amount,omitempty"`
		TokenSymbol string `json:"tokenSymbol,omitempty"`
		Chain       string `json:"chain,omitempty"`
		Reason      string `json:"reason,omitempty"`
	}{
		Kind:        req.Kind,
		EscrowID:    req.EscrowID,
		ActorID:     req.ActorID,
		BuyerID:     req.BuyerID,
		SellerID:    req.SellerID,
		Amount:      req.Amount,
		TokenSymbol: req.TokenSymbol,
		Chain:       req.Chain,
		Reason:      req.Reason,
	}

	var resp struct {
		Verdict string `json:"verdict"`
		Details string `json:"details"`
	}
	if err := postJSON(ctx, o.client, o.baseURL+"/v1/assessments", o.token, reqBody, &resp); err != nil {
		return Assessment{}, fmt.Errorf("oracle: assess: %w", err)
	}

	verdict := Verdict(resp.Verdict)
	switch verdict {
	case VerdictApprove, VerdictBlock, VerdictFlag:
	default:
		return Assessment{}, fmt.Errorf("oracle: unknown verdict %q", resp.Verdict)
	}
	return Assessment{Verdict: verdict, Details: resp.Details}, nil
}

func postJSON(ctx context.Context, client *http.Client, url, token string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
