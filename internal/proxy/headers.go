package proxy

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/Latias94/codex-helper/internal/config"
	"github.com/Latias94/codex-helper/internal/logging"
)

// hopByHopHeaders are stripped in both directions per RFC 9110 §7.6.1.
var hopByHopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func stripHopByHop(h http.Header) {
	// Tokens named by the Connection header are hop-by-hop too.
	for _, token := range strings.Split(h.Get("Connection"), ",") {
		if token = strings.TrimSpace(token); token != "" {
			h.Del(token)
		}
	}
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}

// upstreamRequestHeaders copies the client headers, removes hop-by-hop and
// connection-specific fields, and applies the upstream's credentials.
// Client credentials survive only when the upstream supplies none
// (client-passthrough).
func upstreamRequestHeaders(clientHeader http.Header, up *config.UpstreamConfig) (http.Header, *logging.AuthDebug) {
	out := make(http.Header, len(clientHeader))
	for name, values := range clientHeader {
		out[name] = append([]string(nil), values...)
	}
	stripHopByHop(out)
	out.Del("Host")
	out.Del("Content-Length")
	out.Del("Accept-Encoding")

	debug := &logging.AuthDebug{}
	if token, source := up.Auth.ResolveAuthToken(); token != "" {
		out.Set("Authorization", "Bearer "+token)
		debug.TokenSource = source
	} else {
		debug.TokenSource = source
	}
	if key, source := up.Auth.ResolveAPIKey(); key != "" {
		out.Set("X-Api-Key", key)
		debug.APIKeySource = source
	} else if clientHeader.Get("X-Api-Key") != "" {
		debug.APIKeySource = source
	}
	return out, debug
}

// clientResponseHeaders copies upstream response headers for the client,
// minus hop-by-hop fields.
func clientResponseHeaders(respHeader http.Header) http.Header {
	out := make(http.Header, len(respHeader))
	for name, values := range respHeader {
		out[name] = append([]string(nil), values...)
	}
	stripHopByHop(out)
	out.Del("Content-Length")
	return out
}

// buildTargetURL joins an upstream base URL with the client path, removing a
// duplicated path prefix so base-url /v1 plus request /v1/responses does not
// become /v1/v1/responses. The query string is preserved.
func buildTargetURL(baseURL string, reqURL *url.URL) (string, error) {
	base := strings.TrimRight(baseURL, "/")
	parsed, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid upstream base_url %s: %w", baseURL, err)
	}
	basePath := strings.TrimRight(parsed.Path, "/")

	path := reqURL.Path
	if basePath != "" && basePath != "/" {
		if path == basePath {
			path = "/"
		} else if strings.HasPrefix(path, basePath+"/") {
			path = path[len(basePath):]
		}
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	target := base + path
	if reqURL.RawQuery != "" {
		target += "?" + reqURL.RawQuery
	}
	if _, err := url.Parse(target); err != nil {
		return "", fmt.Errorf("invalid upstream url %s: %w", target, err)
	}
	return target, nil
}
