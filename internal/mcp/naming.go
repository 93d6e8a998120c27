// Package mcp manages connections to MCP tool providers and routes
// namespaced tool invocations to the owning provider.
package mcp

import (
	"fmt"
	"strings"
)

// Separator joins a normalized provider name and a tool name into a
// namespaced tool id.
const Separator = "__"

// NormalizeProviderName lowercases a provider name and maps every run of
// characters outside [a-z0-9] to a single underscore. The result never
// contains the separator, which keeps ParseToolID an exact inverse of
// FormatToolID.
func NormalizeProviderName(name string) string {
	var b strings.Builder
	lastUnderscore := false
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore && b.Len() > 0 {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "_")
}

// FormatToolID builds a namespaced tool id from a normalized provider name
// and a tool name.
func FormatToolID(providerName, toolName string) string {
	return providerName + Separator + toolName
}

// ParseToolID splits a namespaced tool id back into its provider name and
// tool name.
func ParseToolID(id string) (providerName, toolName string, err error) {
	parts := strings.SplitN(id, Separator, 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("malformed tool id %q", id)
	}
	return parts[0], parts[1], nil
}

// collisionSuffix derives a short stable suffix from a provider id, used to
// disambiguate two providers that normalize to the same name.
func collisionSuffix(providerID string) string {
	s := NormalizeProviderName(providerID)
	if len(s) > 8 {
		s = s[:8]
	}
	return s
}
