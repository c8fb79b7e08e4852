package bowpi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/tidwall/gjson"

	"github.com/credibowpi/bowpiauth/autherr"
)

const (
	loginPath      = "/auth/login"
	refreshPath    = "/auth/token/refresh"
	invalidatePath = "/management/session/invalidate/request/"

	// applicationID is the fixed application identity sent on every
	// authentication body.
	applicationID = "MOBILE"

	// maxRedirects is the maximum number of HTTP redirects to follow
	// before giving up, matching the default net/http limit.
	maxRedirects = 10

	// httpClientTimeout is the timeout for the default HTTP client used
	// when no custom client is provided.
	httpClientTimeout = 30 * time.Second

	// maxResponseBytes caps response body reads. Bowpi responses are
	// small JSON envelopes.
	maxResponseBytes = 1024 * 1024
)

// ClientConfig holds everything needed to construct a Client.
type ClientConfig struct {
	// BaseURL is the identity backend root, e.g. https://bowpi.example.com.
	BaseURL string

	// BasicCredential is the fixed app-level client identity, already in
	// "Basic <credential>" payload form (base64 of id:secret).
	BasicCredential string

	// HMACSecret keys the request digest.
	HMACSecret []byte

	// TokenKey is the shared master key for the token cipher.
	TokenKey []byte

	// AllowedDomains restricts which backend hosts the client will talk
	// to. Empty means only the BaseURL host itself.
	AllowedDomains []string

	// HTTPClient is optional; a 30s-timeout client with a same-host
	// redirect policy is used when nil.
	HTTPClient *http.Client

	Logger *slog.Logger
}

// Client talks to the Bowpi identity backend. Every authentication
// request is signed with a fresh OTP token and an HMAC digest bound to
// the request timestamp.
type Client struct {
	httpClient *http.Client
	baseURL    string
	basicCred  string
	signer     *Signer
	cipher     *TokenCipher
	logger     *slog.Logger
}

// sameHostRedirectPolicy follows redirects only when the target host
// matches the original request host, so credentials and signatures never
// leak to third-party domains.
func sameHostRedirectPolicy(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errors.New("stopped after 10 redirects")
	}

	if len(via) > 0 {
		origHost := via[0].URL.Host
		if req.URL.Host != origHost {
			return fmt.Errorf("redirect to different host blocked: %s -> %s", origHost, req.URL.Host)
		}
	}

	return nil
}

// isLoopback reports whether the host refers to the local machine.
// Plain-HTTP backends are tolerated there for development and tests.
func isLoopback(host string) bool {
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}

// NewClient validates the backend URL and builds a client. A non-HTTPS
// base URL outside loopback fails with HTTPS_REQUIRED; a host outside
// the allow list fails with DOMAIN_NOT_ALLOWED. Both are configuration
// faults and are never retried.
func NewClient(cfg ClientConfig) (*Client, error) {
	u, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing base URL: %w", err)
	}

	switch u.Scheme {
	case "https":
	case "http":
		if !isLoopback(u.Hostname()) {
			return nil, autherr.New(autherr.KindHTTPSRequired,
				fmt.Sprintf("backend %s must use https", u.Host))
		}
	default:
		return nil, autherr.New(autherr.KindHTTPSRequired,
			fmt.Sprintf("unsupported scheme %q", u.Scheme))
	}

	if len(cfg.AllowedDomains) > 0 && !domainAllowed(u.Hostname(), cfg.AllowedDomains) {
		return nil, autherr.New(autherr.KindDomainNotAllowed,
			fmt.Sprintf("backend host %s is not in the allowed domain list", u.Hostname()))
	}

	cipher, err := NewTokenCipher(cfg.TokenKey)
	if err != nil {
		return nil, err
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:       httpClientTimeout,
			CheckRedirect: sameHostRedirectPolicy,
		}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		basicCred:  cfg.BasicCredential,
		signer:     NewSigner(cfg.HMACSecret),
		cipher:     cipher,
		logger:     logger,
	}, nil
}

// domainAllowed matches the host exactly or as a subdomain of an
// allowed entry.
func domainAllowed(host string, allowed []string) bool {
	for _, d := range allowed {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}

	return false
}

// Cipher exposes the token cipher so the session layer can revalidate
// stored opaque tokens without re-deriving keys.
func (c *Client) Cipher() *TokenCipher { return c.cipher }

// signedHeaders builds the fixed transport header set for an
// authentication request: app-level basic auth, no-cache directives,
// content type, OTP token, and the digest pair. The digest call writes
// X-Date into the same map it signs.
func (c *Client) signedHeaders(body []byte) (http.Header, error) {
	otp, err := GenerateOTPToken()
	if err != nil {
		return nil, fmt.Errorf("generating OTP token: %w", err)
	}

	h := http.Header{}
	h.Set("Authorization", "Basic "+c.basicCred)
	h.Set("Cache-Control", "no-cache")
	h.Set("Pragma", "no-cache")
	h.Set("Content-Type", "application/json")
	h.Set(HeaderOTPToken, otp)
	h.Set(HeaderDigest, c.signer.Digest(body, h))

	return h, nil
}

// sanitizeResponseBody truncates and sanitizes a response body for
// inclusion in error messages: 256 bytes max, control characters
// replaced, to prevent log injection.
func sanitizeResponseBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}

	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]

			continue
		}

		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return string(clean)
}

// post sends a request and maps failures onto the error taxonomy:
// transport faults are NETWORK_ERROR, 401 is INVALID_CREDENTIALS, and
// 5xx (or any other unexpected status) is SERVER_ERROR.
func (c *Client) post(ctx context.Context, path string, body []byte, headers http.Header) (*Envelope, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Set(k, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, autherr.Wrap(autherr.KindNetworkError,
			fmt.Sprintf("sending request to %s", path), err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, autherr.Wrap(autherr.KindNetworkError,
			fmt.Sprintf("reading response from %s", path), err)
	}

	// Probe the loose shape first: error responses do not always carry
	// the full envelope, but usually carry a message.
	msg := gjson.GetBytes(respBody, "message").String()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		if msg == "" {
			msg = "credentials rejected"
		}

		return nil, autherr.New(autherr.KindInvalidCredentials, msg)
	case resp.StatusCode >= http.StatusInternalServerError:
		if msg == "" {
			msg = sanitizeResponseBody(respBody)
		}

		return nil, autherr.New(autherr.KindServerError,
			fmt.Sprintf("%s returned %d: %s", path, resp.StatusCode, msg))
	case resp.StatusCode != http.StatusOK:
		if msg == "" {
			msg = sanitizeResponseBody(respBody)
		}

		return nil, autherr.New(autherr.KindServerError,
			fmt.Sprintf("%s returned unexpected status %d: %s", path, resp.StatusCode, msg))
	}

	var env Envelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		return nil, autherr.Wrap(autherr.KindServerError,
			fmt.Sprintf("decoding envelope from %s", path), err)
	}

	if !env.Success {
		if env.Message == "" {
			env.Message = "request rejected by backend"
		}

		return nil, autherr.New(autherr.KindServerError,
			fmt.Sprintf("%s: %s (code %s)", path, env.Message, env.Code))
	}

	return &env, nil
}

// Login authenticates against the backend login endpoint and returns
// both the opaque encrypted token (for persistence) and its decrypted
// claim set. Connectivity gating happens in the orchestrator before this
// call; by the time Login runs, a request will be attempted.
func (c *Client) Login(ctx context.Context, identifier, secret string) (string, *TokenData, error) {
	body, err := json.Marshal(loginRequest{
		Username:       identifier,
		Password:       secret,
		Application:    applicationID,
		IsCheckVersion: false,
	})
	if err != nil {
		return "", nil, fmt.Errorf("marshalling login body: %w", err)
	}

	headers, err := c.signedHeaders(body)
	if err != nil {
		return "", nil, err
	}

	env, err := c.post(ctx, loginPath, body, headers)
	if err != nil {
		return "", nil, err
	}

	if env.Data == "" {
		return "", nil, autherr.New(autherr.KindServerError, "login succeeded without a token payload")
	}

	data, err := c.cipher.Decrypt(env.Data)
	if err != nil {
		return "", nil, err
	}

	c.logger.Debug("login succeeded", slog.String("session_id", data.SessionID()))

	return env.Data, data, nil
}

// Refresh exchanges the current opaque token for a fresh one using the
// same signing path as login. Returns the new opaque token and its
// decrypted claims.
func (c *Client) Refresh(ctx context.Context, currentToken string) (string, *TokenData, error) {
	body, err := json.Marshal(refreshRequest{
		Token:       currentToken,
		Application: applicationID,
	})
	if err != nil {
		return "", nil, fmt.Errorf("marshalling refresh body: %w", err)
	}

	headers, err := c.signedHeaders(body)
	if err != nil {
		return "", nil, err
	}

	env, err := c.post(ctx, refreshPath, body, headers)
	if err != nil {
		return "", nil, err
	}

	if env.Data == "" {
		return "", nil, autherr.New(autherr.KindServerError, "refresh succeeded without a token payload")
	}

	data, err := c.cipher.Decrypt(env.Data)
	if err != nil {
		return "", nil, err
	}

	return env.Data, data, nil
}

// InvalidateSession asks the backend to invalidate the server-side
// session. The stored opaque token authenticates the call via the
// bowpi-auth-token header.
func (c *Client) InvalidateSession(ctx context.Context, sessionID, token string) error {
	h := http.Header{}
	h.Set("Authorization", "Basic "+c.basicCred)
	h.Set("Cache-Control", "no-cache")
	h.Set("Pragma", "no-cache")
	h.Set("Content-Type", "application/json")
	h.Set(HeaderAuthToken, token)

	_, err := c.post(ctx, invalidatePath+url.PathEscape(sessionID), nil, h)

	return err
}
