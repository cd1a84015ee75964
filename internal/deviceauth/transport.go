package deviceauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DeviceCodeRequest is the first exchange of the flow.
type DeviceCodeRequest struct {
	ClientID            string
	Scope               string
	CodeChallenge       string
	CodeChallengeMethod string
}

// DeviceCode is the server's answer to DeviceCodeRequest.
type DeviceCode struct {
	DeviceCode              string
	UserCode                string
	VerificationURL         string
	VerificationURLComplete string
	ExpiresIn               time.Duration
	Interval                time.Duration
}

// TokenRequest is one poll of the token endpoint.
type TokenRequest struct {
	ClientID     string
	DeviceCode   string
	CodeVerifier string
}

// Outcome classifies a token poll.
type Outcome int

const (
	OutcomeUnknown Outcome = iota
	OutcomePending
	OutcomeSlowDown
	OutcomeDenied
	OutcomeExpired
	OutcomeAuthorized
)

// TokenResponse is a classified poll result. Interval is set when the
// server suggests one alongside slow_down.
type TokenResponse struct {
	Outcome    Outcome
	Credential *Credential
	Interval   time.Duration
	Error      string
}

// Transport performs the two network exchanges. Failures that should be
// retried must wrap ErrTransient.
type Transport interface {
	RequestDeviceCode(ctx context.Context, req DeviceCodeRequest) (DeviceCode, error)
	PollToken(ctx context.Context, req TokenRequest) (TokenResponse, error)
}

// DeviceCodeGrantType is the RFC 8628 grant identifier.
const DeviceCodeGrantType = "urn:ietf:params:oauth:grant-type:device_code"

const maxResponseBytes = 1 << 20

// Endpoints locate the authorization server.
type Endpoints struct {
	DeviceCodeURL string
	TokenURL      string
}

// HTTPTransport speaks the device grant over form-encoded POSTs.
type HTTPTransport struct {
	endpoints Endpoints
	client    *http.Client
}

// NewHTTPTransport returns a transport. A nil client gets a 30s timeout.
func NewHTTPTransport(endpoints Endpoints, client *http.Client) *HTTPTransport {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPTransport{endpoints: endpoints, client: client}
}

type deviceCodePayload struct {
	DeviceCode              string `json:"device_code"`
	UserCode                string `json:"user_code"`
	VerificationURI         string `json:"verification_uri"`
	VerificationURL         string `json:"verification_url"`
	VerificationURIComplete string `json:"verification_uri_complete"`
	ExpiresIn               int64  `json:"expires_in"`
	Interval                int64  `json:"interval"`
}

type tokenPayload struct {
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token"`
	TokenType        string `json:"token_type"`
	Scope            string `json:"scope"`
	ExpiresIn        int64  `json:"expires_in"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
	Interval         int64  `json:"interval"`
}

func (t *HTTPTransport) RequestDeviceCode(ctx context.Context, req DeviceCodeRequest) (DeviceCode, error) {
	form := url.Values{
		"client_id":             {req.ClientID},
		"code_challenge":        {req.CodeChallenge},
		"code_challenge_method": {req.CodeChallengeMethod},
	}
	if req.Scope != "" {
		form.Set("scope", req.Scope)
	}
	status, body, err := t.post(ctx, t.endpoints.DeviceCodeURL, form)
	if err != nil {
		return DeviceCode{}, err
	}
	if status != http.StatusOK {
		return DeviceCode{}, fmt.Errorf("device code request failed (%d): %s", status, truncate(body))
	}
	var payload deviceCodePayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return DeviceCode{}, fmt.Errorf("parse device code response: %w", err)
	}
	verification := payload.VerificationURI
	if verification == "" {
		verification = payload.VerificationURL
	}
	return DeviceCode{
		DeviceCode:              payload.DeviceCode,
		UserCode:                payload.UserCode,
		VerificationURL:         verification,
		VerificationURLComplete: payload.VerificationURIComplete,
		ExpiresIn:               time.Duration(payload.ExpiresIn) * time.Second,
		Interval:                time.Duration(payload.Interval) * time.Second,
	}, nil
}

func (t *HTTPTransport) PollToken(ctx context.Context, req TokenRequest) (TokenResponse, error) {
	form := url.Values{
		"grant_type":    {DeviceCodeGrantType},
		"client_id":     {req.ClientID},
		"device_code":   {req.DeviceCode},
		"code_verifier": {req.CodeVerifier},
	}
	status, body, err := t.post(ctx, t.endpoints.TokenURL, form)
	if err != nil {
		return TokenResponse{}, err
	}

	var payload tokenPayload
	parseErr := json.Unmarshal(body, &payload)

	if status == http.StatusOK {
		if parseErr != nil {
			return TokenResponse{}, fmt.Errorf("parse token response: %w", parseErr)
		}
		return TokenResponse{
			Outcome: OutcomeAuthorized,
			Credential: &Credential{
				AccessToken:  payload.AccessToken,
				RefreshToken: payload.RefreshToken,
				TokenType:    payload.TokenType,
				Scope:        payload.Scope,
				ExpiresIn:    time.Duration(payload.ExpiresIn) * time.Second,
			},
		}, nil
	}
	if parseErr != nil || payload.Error == "" {
		return TokenResponse{}, fmt.Errorf("token request failed (%d): %s", status, truncate(body))
	}

	resp := TokenResponse{
		Interval: time.Duration(payload.Interval) * time.Second,
		Error:    payload.Error,
	}
	if payload.ErrorDescription != "" {
		resp.Error += ": " + payload.ErrorDescription
	}
	switch payload.Error {
	case "authorization_pending":
		resp.Outcome = OutcomePending
	case "slow_down":
		resp.Outcome = OutcomeSlowDown
	case "access_denied":
		resp.Outcome = OutcomeDenied
	case "expired_token":
		resp.Outcome = OutcomeExpired
	default:
		resp.Outcome = OutcomeUnknown
	}
	return resp, nil
}

func (t *HTTPTransport) post(ctx context.Context, endpoint string, form url.Values) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return 0, nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return 0, nil, err
		}
		return 0, nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return 0, nil, fmt.Errorf("%w: read response: %v", ErrTransient, err)
	}
	if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
		return 0, nil, fmt.Errorf("%w: status %d", ErrTransient, resp.StatusCode)
	}
	return resp.StatusCode, body, nil
}

func truncate(body []byte) string {
	s := string(body)
	if len(s) > 500 {
		s = s[:500] + "...(truncated)"
	}
	return s
}
