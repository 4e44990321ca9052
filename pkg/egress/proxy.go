package egress

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rumi-ai/kernel/pkg/audit"
	"github.com/rumi-ai/kernel/pkg/grants"
)

// Proxy implements the request-validation pipeline described in spec
// §4.10. One Proxy instance is shared across every pack's socket; pack
// identity comes from which socket a request arrived on, never from the
// payload (the caller passes packID explicitly).
type Proxy struct {
	domains     *DomainController
	rateLimiter *PackRateLimiter
	networkGrants *grants.Manager
	auditLog    audit.Logger
}

func NewProxy(domains *DomainController, rateLimiter *PackRateLimiter, networkGrants *grants.Manager, auditLog audit.Logger) *Proxy {
	return &Proxy{domains: domains, rateLimiter: rateLimiter, networkGrants: networkGrants, auditLog: auditLog}
}

type redirectDenied struct {
	reason string
}

func (e *redirectDenied) Error() string { return e.reason }

// Execute runs the full validation-and-fetch pipeline for one request
// arriving on packID's socket.
func (p *Proxy) Execute(ctx context.Context, packID string, req Request) Response {
	start := time.Now()
	resp := p.execute(ctx, packID, req)
	resp.LatencyMs = float64(time.Since(start)) / float64(time.Millisecond)
	p.audit(packID, req, resp)
	return resp
}

func (p *Proxy) execute(ctx context.Context, packID string, req Request) Response {
	if req.Method == "" || req.URL == "" {
		return errorResponse("invalid_request", "method and url are required")
	}
	if !isAllowedMethod(req.Method) {
		return errorResponse("method_not_allowed", "method not permitted: "+req.Method)
	}
	if len(req.Headers) > MaxHeaderCount {
		return errorResponse("too_many_headers", "header count exceeds limit")
	}
	for k, v := range req.Headers {
		if len(k) > MaxHeaderNameLen || len(v) > MaxHeaderValueLen {
			return errorResponse("header_too_large", "header exceeds size limit")
		}
	}

	parsed, err := url.Parse(req.URL)
	if err != nil || parsed.Hostname() == "" {
		return errorResponse("invalid_url", "could not parse url")
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return errorResponse("invalid_url", "unsupported scheme: "+parsed.Scheme)
	}

	timeout := DefaultTimeout
	if req.TimeoutSeconds > 0 {
		t := time.Duration(req.TimeoutSeconds * float64(time.Second))
		if t > MaxTimeout {
			t = MaxTimeout
		}
		timeout = t
	}

	if denied, reason := p.validateAddressAndDomain(ctx, packID, parsed); denied {
		return errorResponse("internal_address_denied", reason)
	}

	if !p.rateLimiter.Allow(packID) {
		return errorResponse("rate_limited", "pack exceeded egress rate limit")
	}

	if denied, reason := p.checkNetworkGrant(packID, parsed); denied {
		return errorResponse("internal_address_denied", reason)
	}

	bodyBytes, err := base64.StdEncoding.DecodeString(req.Body)
	if err != nil && req.Body != "" {
		return errorResponse("invalid_request", "body must be base64-encoded")
	}

	hops := 0
	client := &http.Client{
		Timeout: timeout,
		CheckRedirect: func(r *http.Request, via []*http.Request) error {
			hops++
			if hops > MaxRedirectHops {
				return &redirectDenied{reason: "exceeded maximum redirect hops"}
			}
			if denied, reason := p.validateAddressAndDomain(ctx, packID, r.URL); denied {
				return &redirectDenied{reason: reason}
			}
			if denied, reason := p.checkNetworkGrant(packID, r.URL); denied {
				return &redirectDenied{reason: reason}
			}
			return nil
		},
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, parsed.String(), newBodyReader(bodyBytes))
	if err != nil {
		return errorResponse("invalid_request", "could not build request")
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := client.Do(httpReq)
	if err != nil {
		var rd *redirectDenied
		if errors.As(err, &rd) {
			return errorResponse("redirect_denied", rd.reason)
		}
		return errorResponse("request_failed", "request failed")
	}
	defer httpResp.Body.Close()

	limited := io.LimitReader(httpResp.Body, MaxResponseBytes+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return errorResponse("response_read_error", "failed reading response body")
	}
	if int64(len(data)) > MaxResponseBytes {
		// Never return partial data on overflow (spec §4.10 step 6).
		return errorResponse("response_too_large", "response exceeded size limit")
	}

	headers := map[string]string{}
	for k := range httpResp.Header {
		headers[k] = httpResp.Header.Get(k)
	}

	return Response{
		Success:      true,
		StatusCode:   httpResp.StatusCode,
		Headers:      headers,
		Body:         base64.StdEncoding.EncodeToString(data),
		RedirectHops: hops,
		BytesRead:    int64(len(data)),
		FinalURL:     httpResp.Request.URL.String(),
	}
}

// validateAddressAndDomain runs the internal-IP/DNS-rebind/domain-policy
// checks that must pass for every hop, including redirects (spec §4.10
// steps 1, 2, 3). Rate limiting (step 4) and the network-grant check
// (step 5) are deliberately NOT part of this function — they run as
// separate stages around it so the pipeline's ordering matches spec
// exactly: an unthrottled caller must be rate-limited before triggering
// a grant-store read, not after.
func (p *Proxy) validateAddressAndDomain(ctx context.Context, packID string, u *url.URL) (denied bool, reason string) {
	host := u.Hostname()

	if ip, ok := isIPLiteral(host); ok && isInternalIP(ip) {
		return true, "target is an internal IP literal"
	}

	internal, _, err := resolveAndCheckIP(ctx, host)
	if err != nil {
		return true, "DNS resolution failed: " + err.Error()
	}
	if internal {
		return true, "target resolves to an internal address"
	}

	if allowed, reason := p.domains.Allowed(packID, host); !allowed {
		return true, reason
	}

	return false, ""
}

// checkNetworkGrant runs the grant check that must pass for every hop
// (spec §4.10 step 5), after rate limiting (step 4) has already run.
func (p *Proxy) checkNetworkGrant(packID string, u *url.URL) (denied bool, reason string) {
	if p.networkGrants == nil {
		return false, ""
	}

	host := u.Hostname()
	result := p.networkGrants.Check(packID, host)
	if !result.Allowed {
		return true, "network grant denied: " + result.Reason
	}
	if !portAllowed(u, result.Config) {
		return true, "port not permitted by network grant"
	}

	return false, ""
}

// portAllowed checks an optional "ports" list in the grant config; an
// absent list means any port is permitted.
func portAllowed(u *url.URL, config map[string]interface{}) bool {
	raw, ok := config["ports"]
	if !ok {
		return true
	}
	ports, ok := raw.([]interface{})
	if !ok || len(ports) == 0 {
		return true
	}

	port := u.Port()
	if port == "" {
		if u.Scheme == "https" {
			port = "443"
		} else {
			port = "80"
		}
	}
	for _, p := range ports {
		switch v := p.(type) {
		case string:
			if v == port {
				return true
			}
		case float64:
			if fmt.Sprintf("%d", int(v)) == port {
				return true
			}
		}
	}
	return false
}

func newBodyReader(b []byte) io.Reader {
	if len(b) == 0 {
		return nil
	}
	return &byteReader{data: b}
}

type byteReader struct {
	data []byte
	pos  int
}

func (r *byteReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	n := copy(p, r.data[r.pos:])
	r.pos += n
	return n, nil
}

func (p *Proxy) audit(packID string, req Request, resp Response) {
	if p.auditLog == nil {
		return
	}
	p.auditLog.Record(audit.Entry{
		Category:  audit.CategoryNetwork,
		Action:    "egress_request",
		Success:   resp.Success,
		Principal: packID,
		Details: map[string]interface{}{
			"method":      req.Method,
			"url":         req.URL,
			"error_type":  resp.ErrorType,
			"status_code": resp.StatusCode,
			"latency_ms":  resp.LatencyMs,
		},
	})
}
