package types

import "fmt"

// ProviderScope is the (provider, method) key under which rate, budget and
// circuit-breaker state is tracked for outbound calls.
type ProviderScope struct {
	Provider string `json:"provider"`
	Method   string `json:"method"`
}

// Key returns the canonical string form, e.g. "github:GET".
func (s ProviderScope) Key() string {
	return fmt.Sprintf("%s:%s", s.Provider, s.Method)
}

// ScopeOf builds a ProviderScope.
func ScopeOf(provider, method string) ProviderScope {
	return ProviderScope{Provider: provider, Method: method}
}
