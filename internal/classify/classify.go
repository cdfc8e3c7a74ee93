// Package classify normalizes upstream responses and transport events into
// machine-readable error classes. Classification is pure: it looks only at
// the status code, selected headers, and a bounded body preview, and it is
// the single source of truth for retry decisions.
package classify

import (
	"bytes"
	"io"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/tidwall/gjson"
)

// Class is a normalized failure category for one upstream attempt.
type Class string

const (
	ClassOK                    Class = "ok"
	ClassClientErrNonRetryable Class = "client_error_non_retryable"
	ClassAuthRouting           Class = "auth_routing"
	ClassRateLimited           Class = "rate_limited"
	ClassServerError           Class = "server_error"
	ClassCloudflareChallenge   Class = "cloudflare_challenge"
	ClassCloudflareTimeout     Class = "cloudflare_timeout"
	ClassTransportError        Class = "upstream_transport_error"
)

// String returns the wire form of the class.
func (c Class) String() string { return string(c) }

// Result carries the classification outcome plus diagnostic context.
type Result struct {
	Class Class
	// Hint is a short human-readable explanation for debug logs.
	Hint string
	// CFRay is the cf-ray header value when the response passed through Cloudflare.
	CFRay string
}

func looksCloudflare(header http.Header) bool {
	if header.Get("Cf-Ray") != "" {
		return true
	}
	return strings.Contains(strings.ToLower(header.Get("Server")), "cloudflare")
}

var challengeMarkers = [][]byte{
	[]byte("__CF$cv$params"),
	[]byte("/cdn-cgi/"),
	[]byte("challenge-platform"),
	[]byte("cf-chl-"),
}

func looksLikeChallengeHTML(header http.Header, preview []byte) bool {
	ct := strings.ToLower(header.Get("Content-Type"))
	if !strings.HasPrefix(ct, "text/html") {
		return false
	}
	for _, marker := range challengeMarkers {
		if bytes.Contains(preview, marker) {
			return true
		}
	}
	return false
}

func looksLikeJSON(header http.Header) bool {
	ct := strings.ToLower(header.Get("Content-Type"))
	return strings.Contains(ct, "application/json") || strings.Contains(ct, "+json")
}

// nonRetryableErrorTypes are provider error types that indicate a malformed
// or over-limit request. Replaying them anywhere would fail the same way.
var nonRetryableErrorTypes = map[string]bool{
	"invalid_request_error":   true,
	"validation_error":        true,
	"bad_request":             true,
	"context_limit":           true,
	"context_length_exceeded": true,
	"token_limit":             true,
	"content_filter":          true,
}

func extractErrorType(preview []byte) string {
	if t := gjson.GetBytes(preview, "error.type"); t.Exists() {
		return strings.ToLower(t.String())
	}
	if t := gjson.GetBytes(preview, "error.code"); t.Type == gjson.String {
		return strings.ToLower(t.String())
	}
	return ""
}

func extractErrorMessage(preview []byte) string {
	if m := gjson.GetBytes(preview, "error.message"); m.Exists() {
		return m.String()
	}
	if m := gjson.GetBytes(preview, "error.error"); m.Type == gjson.String {
		return m.String()
	}
	return gjson.GetBytes(preview, "message").String()
}

func nonRetryableMessage(msg string) bool {
	m := strings.ToLower(msg)
	if m == "" {
		return false
	}
	switch {
	case strings.Contains(m, "tool_use") && strings.Contains(m, "must be unique"):
		return true
	case strings.Contains(m, "all messages must have non-empty content"):
		return true
	case strings.Contains(m, "string should match pattern") && strings.Contains(m, "srvtoolu_"):
		return true
	case strings.Contains(m, "unexpected") && strings.Contains(m, "tool_use_id"):
		return true
	case strings.Contains(m, "json") && (strings.Contains(m, "parse") || strings.Contains(m, "invalid")):
		return true
	case strings.Contains(m, "schema") && strings.Contains(m, "validation"):
		return true
	}
	return false
}

// Response classifies a fully-buffered (or previewed) upstream response.
func Response(statusCode int, header http.Header, preview []byte) Result {
	cfRay := header.Get("Cf-Ray")

	if statusCode >= 200 && statusCode < 300 {
		return Result{Class: ClassOK, CFRay: cfRay}
	}

	if statusCode == 524 && looksCloudflare(header) {
		return Result{
			Class: ClassCloudflareTimeout,
			Hint:  "cloudflare 524: origin did not answer in time; check upstream latency and first-byte output",
			CFRay: cfRay,
		}
	}

	if looksLikeChallengeHTML(header, preview) {
		return Result{
			Class: ClassCloudflareChallenge,
			Hint:  "cloudflare/WAF interstitial page (text/html with cdn-cgi/challenge markers)",
			CFRay: cfRay,
		}
	}

	switch statusCode {
	case 413, 415, 422:
		return Result{Class: ClassClientErrNonRetryable, CFRay: cfRay}
	}

	// A JSON 400/409 is usually a client-side mistake, but only a subset of
	// error types is certain enough to suppress failover.
	if (statusCode == 400 || statusCode == 409) && looksLikeJSON(header) && len(preview) > 0 {
		if nonRetryableErrorTypes[extractErrorType(preview)] || nonRetryableMessage(extractErrorMessage(preview)) {
			return Result{
				Class: ClassClientErrNonRetryable,
				Hint:  "request parameter/limit error; fix the request instead of retrying",
				CFRay: cfRay,
			}
		}
	}

	switch {
	case statusCode == 401 || statusCode == 403 || statusCode == 404 || statusCode == 408:
		// 408 rides along with the auth/routing family: in a multi-upstream
		// setup a request timeout is best answered by failing over.
		return Result{Class: ClassAuthRouting, CFRay: cfRay}
	case statusCode == 429:
		return Result{Class: ClassRateLimited, CFRay: cfRay}
	case statusCode >= 500 && statusCode <= 599:
		return Result{Class: ClassServerError, CFRay: cfRay}
	}

	return Result{CFRay: cfRay}
}

// Transport classifies a connect/read/write failure that produced no
// response status. Cloudflare-fronted connect timeouts are distinguished so
// they pick up the longer cooldown.
func Transport(err error, header http.Header) Result {
	if err == nil {
		return Result{}
	}
	if looksCloudflare(header) && strings.Contains(strings.ToLower(err.Error()), "timeout") {
		return Result{Class: ClassCloudflareTimeout, Hint: err.Error()}
	}
	return Result{Class: ClassTransportError, Hint: err.Error()}
}

// DecodePreview undoes the content encoding of a buffered body so HTML and
// JSON markers stay visible to the classifier. The result is capped at limit
// bytes; undecodable input is returned as-is.
func DecodePreview(header http.Header, body []byte, limit int) []byte {
	if limit <= 0 || len(body) == 0 {
		return nil
	}
	var reader io.Reader = bytes.NewReader(body)
	switch strings.ToLower(header.Get("Content-Encoding")) {
	case "gzip":
		gz, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			break
		}
		defer func() { _ = gz.Close() }()
		reader = gz
	case "br":
		reader = brotli.NewReader(bytes.NewReader(body))
	}
	out := make([]byte, limit)
	n, err := io.ReadFull(reader, out)
	if n == 0 && err != nil && err != io.EOF {
		if len(body) > limit {
			return body[:limit]
		}
		return body
	}
	return out[:n]
}
