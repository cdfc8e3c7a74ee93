// Package routing turns a RoutingPlan snapshot plus load-balancer state into
// an ordered candidate list for one request.
package routing

import (
	"sort"
	"strings"
)

// MatchWildcard reports whether model matches pattern. Patterns are exact
// strings, a bare "*", or a prefix followed by "*".
func MatchWildcard(pattern, model string) bool {
	if pattern == "*" {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(model, prefix)
	}
	return pattern == model
}

// EffectiveModel applies a model-mapping table to the requested model.
// An exact-match rule wins over wildcard rules; wildcard rules apply in
// sorted pattern order so rewrites are deterministic.
func EffectiveModel(mapping map[string]string, model string) string {
	if len(mapping) == 0 || model == "" {
		return model
	}
	if target, ok := mapping[model]; ok {
		return target
	}
	patterns := make([]string, 0, len(mapping))
	for pattern := range mapping {
		patterns = append(patterns, pattern)
	}
	sort.Strings(patterns)
	for _, pattern := range patterns {
		if MatchWildcard(pattern, model) {
			return mapping[pattern]
		}
	}
	return model
}

// ModelSupported reports whether an upstream with the given allowlist and
// mapping can serve the requested model. An empty allowlist accepts
// everything; otherwise either the requested or the rewritten model must
// match a pattern.
func ModelSupported(supported []string, mapping map[string]string, model string) bool {
	if len(supported) == 0 || model == "" {
		return true
	}
	effective := EffectiveModel(mapping, model)
	for _, pattern := range supported {
		if MatchWildcard(pattern, model) || MatchWildcard(pattern, effective) {
			return true
		}
	}
	return false
}
