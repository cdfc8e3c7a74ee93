// Package fingerprint extracts the stable identity of a client request:
// session id, requested model, reasoning effort, and working directory.
// The fingerprint never reaches upstreams; it keys session overrides and
// matches notifications to finished requests.
package fingerprint

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Fingerprint identifies one client request.
type Fingerprint struct {
	SessionID string
	Model     string
	Effort    string
	CWD       string

	// Synthesized is true when no session id was supplied and SessionID was
	// derived from the request shape instead.
	Synthesized bool
}

const synthesizedBodyPrefix = 512

// Extract best-effort parses the request into a fingerprint. It never fails:
// an unparseable body just yields empty fields plus a synthesized session id.
func Extract(method, path string, header http.Header, body []byte) Fingerprint {
	fp := Fingerprint{
		Model:  gjson.GetBytes(body, "model").String(),
		Effort: gjson.GetBytes(body, "reasoning.effort").String(),
	}

	fp.CWD = header.Get("x-codex-cwd")
	if fp.CWD == "" {
		fp.CWD = gjson.GetBytes(body, "cwd").String()
	}

	fp.SessionID = sessionIDFrom(header, body)
	if fp.SessionID == "" {
		fp.SessionID = synthesizeSessionID(method, path, body, fp.CWD)
		fp.Synthesized = true
	}
	return fp
}

func sessionIDFrom(header http.Header, body []byte) string {
	for _, name := range []string{"session_id", "conversation_id"} {
		if v := strings.TrimSpace(header.Get(name)); v != "" {
			return v
		}
	}
	for _, field := range []string{"session_id", "conversation_id", "metadata.session_id"} {
		if v := gjson.GetBytes(body, field); v.Type == gjson.String && v.String() != "" {
			return v.String()
		}
	}
	return ""
}

// synthesizeSessionID derives a deterministic stand-in from the request
// shape so override lookups and telemetry still have a stable key.
func synthesizeSessionID(method, path string, body []byte, cwd string) string {
	prefix := body
	if len(prefix) > synthesizedBodyPrefix {
		prefix = prefix[:synthesizedBodyPrefix]
	}
	seed := make([]byte, 0, len(method)+len(path)+len(prefix)+len(cwd)+3)
	seed = append(seed, method...)
	seed = append(seed, 0)
	seed = append(seed, path...)
	seed = append(seed, 0)
	seed = append(seed, prefix...)
	seed = append(seed, 0)
	seed = append(seed, cwd...)
	return "synth-" + uuid.NewSHA1(uuid.NameSpaceOID, seed).String()
}

// ApplyEffortOverride rewrites reasoning.effort in the body, creating the
// reasoning object when missing. A body that is not a JSON object is
// returned unchanged.
func ApplyEffortOverride(body []byte, effort string) []byte {
	if !gjson.ValidBytes(body) || !gjson.ParseBytes(body).IsObject() {
		return body
	}
	out, err := sjson.SetBytes(body, "reasoning.effort", effort)
	if err != nil {
		return body
	}
	return out
}

// ApplyModelOverride rewrites the top-level model field.
func ApplyModelOverride(body []byte, model string) []byte {
	if !gjson.ValidBytes(body) || !gjson.ParseBytes(body).IsObject() {
		return body
	}
	out, err := sjson.SetBytes(body, "model", model)
	if err != nil {
		return body
	}
	return out
}

// ValidEffort reports whether s is an accepted reasoning effort value.
func ValidEffort(s string) bool {
	switch s {
	case "low", "medium", "high", "xhigh":
		return true
	}
	return false
}
