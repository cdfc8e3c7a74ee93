package proxy

import (
	"net/http"
	"net/url"
	"testing"

	"github.com/Latias94/codex-helper/internal/config"
)

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse url %s: %v", raw, err)
	}
	return u
}

func TestBuildTargetURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		base string
		req  string
		want string
	}{
		{"plain join", "https://api.example.com", "/v1/responses", "https://api.example.com/v1/responses"},
		{"trailing slash trimmed", "https://api.example.com/", "/v1/responses", "https://api.example.com/v1/responses"},
		{"prefix dedup", "https://api.example.com/v1", "/v1/responses", "https://api.example.com/v1/responses"},
		{"prefix exact match", "https://api.example.com/v1", "/v1", "https://api.example.com/v1/"},
		{"unrelated prefix kept", "https://api.example.com/v1", "/responses", "https://api.example.com/v1/responses"},
		{"query preserved", "https://api.example.com", "/v1/models?limit=5", "https://api.example.com/v1/models?limit=5"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := buildTargetURL(tt.base, mustParseURL(t, tt.req))
			if err != nil {
				t.Fatalf("buildTargetURL() error = %v", err)
			}
			if got != tt.want {
				t.Fatalf("buildTargetURL(%q, %q) = %q, want %q", tt.base, tt.req, got, tt.want)
			}
		})
	}
}

func TestBuildTargetURL_InvalidBase(t *testing.T) {
	t.Parallel()

	if _, err := buildTargetURL("://bad", mustParseURL(t, "/x")); err == nil {
		t.Fatalf("buildTargetURL(invalid base) error = nil")
	}
}

func TestUpstreamRequestHeaders_StripsHopByHop(t *testing.T) {
	t.Parallel()

	in := http.Header{}
	in.Set("Connection", "keep-alive, X-Custom-Hop")
	in.Set("X-Custom-Hop", "drop-me")
	in.Set("Keep-Alive", "timeout=5")
	in.Set("Transfer-Encoding", "chunked")
	in.Set("Accept", "text/event-stream")
	in.Set("Content-Type", "application/json")

	out, _ := upstreamRequestHeaders(in, &config.UpstreamConfig{})
	for _, name := range []string{"Connection", "X-Custom-Hop", "Keep-Alive", "Transfer-Encoding"} {
		if out.Get(name) != "" {
			t.Fatalf("header %s survived hop-by-hop stripping", name)
		}
	}
	if out.Get("Accept") != "text/event-stream" || out.Get("Content-Type") != "application/json" {
		t.Fatalf("end-to-end headers lost: %v", out)
	}
}

func TestUpstreamRequestHeaders_AuthResolution(t *testing.T) {
	in := http.Header{}
	in.Set("Authorization", "Bearer client-token")

	// Inline token overrides the client's.
	up := &config.UpstreamConfig{Auth: config.UpstreamAuth{AuthToken: "inline-token"}}
	out, debug := upstreamRequestHeaders(in, up)
	if got := out.Get("Authorization"); got != "Bearer inline-token" {
		t.Fatalf("Authorization = %q, want inline token", got)
	}
	if debug.TokenSource != "inline" {
		t.Fatalf("token source = %q, want inline", debug.TokenSource)
	}

	// Env token.
	t.Setenv("PROXY_TEST_UPSTREAM_TOKEN", "env-token")
	up = &config.UpstreamConfig{Auth: config.UpstreamAuth{AuthTokenEnv: "PROXY_TEST_UPSTREAM_TOKEN"}}
	out, debug = upstreamRequestHeaders(in, up)
	if got := out.Get("Authorization"); got != "Bearer env-token" {
		t.Fatalf("Authorization = %q, want env token", got)
	}
	if debug.TokenSource != "env:PROXY_TEST_UPSTREAM_TOKEN" {
		t.Fatalf("token source = %q", debug.TokenSource)
	}

	// Passthrough keeps the client credential and never records its value.
	out, debug = upstreamRequestHeaders(in, &config.UpstreamConfig{})
	if got := out.Get("Authorization"); got != "Bearer client-token" {
		t.Fatalf("Authorization = %q, want client passthrough", got)
	}
	if debug.TokenSource != "client-passthrough" {
		t.Fatalf("token source = %q, want client-passthrough", debug.TokenSource)
	}
}

func TestClientResponseHeaders(t *testing.T) {
	t.Parallel()

	in := http.Header{}
	in.Set("Content-Type", "application/json")
	in.Set("Transfer-Encoding", "chunked")
	in.Set("Connection", "close")
	in.Set("X-Request-Id", "abc")

	out := clientResponseHeaders(in)
	if out.Get("Content-Type") != "application/json" || out.Get("X-Request-Id") != "abc" {
		t.Fatalf("end-to-end response headers lost: %v", out)
	}
	if out.Get("Transfer-Encoding") != "" || out.Get("Connection") != "" {
		t.Fatalf("hop-by-hop response headers survived: %v", out)
	}
}
