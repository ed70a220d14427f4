// Package isolation holds the fixed names and values that make a browser
// context cross-origin isolated.
package isolation

import (
	"net/http"
	"strings"
)

const (
	HeaderOpenerPolicy   = "Cross-Origin-Opener-Policy"
	HeaderEmbedderPolicy = "Cross-Origin-Embedder-Policy"

	OpenerPolicySameOrigin    = "same-origin"
	EmbedderPolicyRequireCORP = "require-corp"
)

const (
	// ReloadMarkerKey is the session storage key set before the one automatic reload.
	ReloadMarkerKey   = "coi-reloaded"
	ReloadMarkerValue = "1"

	// WorkerScriptURL is the path the coordinator registers the proxy script from.
	WorkerScriptURL = "./coi-serviceworker.js"
)

// Apply overrides both isolation headers on h. Entries stored under a
// non-canonical spelling of either name are dropped too.
func Apply(h http.Header) {
	set(h, HeaderOpenerPolicy, OpenerPolicySameOrigin)
	set(h, HeaderEmbedderPolicy, EmbedderPolicyRequireCORP)
}

func set(h http.Header, key, value string) {
	for k := range h {
		if k != key && strings.EqualFold(k, key) {
			delete(h, k)
		}
	}
	h.Set(key, value)
}

// Enabled reports whether h carries both isolation headers with the
// required values.
func Enabled(h http.Header) bool {
	return valueIs(h, HeaderOpenerPolicy, OpenerPolicySameOrigin) &&
		valueIs(h, HeaderEmbedderPolicy, EmbedderPolicyRequireCORP)
}

func valueIs(h http.Header, key, want string) bool {
	values := h.Values(key)
	if len(values) != 1 {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(values[0]), want)
}
