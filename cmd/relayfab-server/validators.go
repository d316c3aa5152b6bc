package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/relayfab/relayfab/internal/cluster/server"
	"github.com/relayfab/relayfab/internal/logging"
	"github.com/relayfab/relayfab/internal/validator"
)

// httpValidatorClient calls out to the external credential/token database
// over HTTP. It is the one piece of this fabric that genuinely belongs to
// "the database" the core treats as a black box (spec §6/§9): the core
// only ever sees validator.Func / server.CredentialValidator, never this
// type.
type httpValidatorClient struct {
	baseURL string
	client  *http.Client
	log     *logging.Logger
}

func newHTTPValidatorClient(baseURL string, log *logging.Logger) *httpValidatorClient {
	return &httpValidatorClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 5 * time.Second},
		log:     log,
	}
}

type validatorResponse struct {
	Valid bool `json:"valid"`
}

// newUpstreamValidator returns a validator.Func backed by the external
// database at validatorURL. An empty validatorURL means no upstream is
// configured at all: every check reports Transient so the bootstrap
// fallback key (if any) is the only way in, matching a brand-new
// deployment that has not wired a credential database yet.
func newUpstreamValidator(validatorURL string, log *logging.Logger) validator.Func {
	if validatorURL == "" {
		return func(string) validator.Result { return validator.Transient }
	}
	c := newHTTPValidatorClient(validatorURL, log)
	return c.validateToken
}

func (c *httpValidatorClient) validateToken(token string) validator.Result {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+"/tokens/"+token, nil)
	if err != nil {
		c.log.Warn("validator request build failed", "error", err)
		return validator.Transient
	}
	return c.do(req)
}

// newCredentialValidator returns a server.CredentialValidator backed by
// the same external database, for interactive email/password Login.
func newCredentialValidator(validatorURL string, log *logging.Logger) server.CredentialValidator {
	if validatorURL == "" {
		return func(string, string) validator.Result { return validator.Transient }
	}
	c := newHTTPValidatorClient(validatorURL, log)
	return c.validateCredentials
}

func (c *httpValidatorClient) validateCredentials(email, password string) validator.Result {
	body, err := json.Marshal(struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}{email, password})
	if err != nil {
		c.log.Warn("credential request marshal failed", "error", err)
		return validator.Transient
	}
	req, err := http.NewRequest(http.MethodPost, c.baseURL+"/sessions", bytes.NewReader(body))
	if err != nil {
		c.log.Warn("credential request build failed", "error", err)
		return validator.Transient
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

func (c *httpValidatorClient) do(req *http.Request) validator.Result {
	resp, err := c.client.Do(req)
	if err != nil {
		c.log.Warn("validator upstream unreachable", "error", err)
		return validator.Transient
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		var out validatorResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			c.log.Warn("validator response decode failed", "error", err)
			return validator.Transient
		}
		if out.Valid {
			return validator.Valid
		}
		return validator.Invalid
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return validator.Invalid
	default:
		c.log.Warn("validator upstream returned unexpected status", "status", resp.StatusCode)
		return validator.Transient
	}
}

// newTokenIssuer returns the function the control handler calls to mint a
// fresh agent token on successful interactive Login. Minting stays local
// (validator.GenerateToken, spec §3) since the plaintext must never touch
// the network before the agent has it. The hash GenerateToken returns is
// discarded: this binary neither stores nor reports it.
func newTokenIssuer() func() (string, error) {
	return func() (string, error) {
		plaintext, _, err := validator.GenerateToken()
		if err != nil {
			return "", fmt.Errorf("generate token: %w", err)
		}
		return plaintext, nil
	}
}
