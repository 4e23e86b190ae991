// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package context

import (
	"sort"
	"strings"
)

// ScopedParams provides a mapping from a string key to any data type that is "scoped":
//
//   - For every scope there is a map of string to data.
//   - Accessing a key triggers a search from the current scope up to the root scope, the
//     first result found is returned.
//
// Example: let's say the current ScopedParams hold:
//
//	Scope: "/": { "x":10, "y": 20, "z": 40 }
//	Scope: "/a": { "y": 30 }
//	Scope: "/a/b": { "x": 100 }
//
//	ScopedParams.Get("/a/b", "x") -> 100
//	ScopedParams.Get("/a/b", "y") -> 30
//	ScopedParams.Get("/a/b", "z") -> 40
//	ScopedParams.Get("/a/b", "w") -> Not found.
//
// Notice that "/" (== ScopeSeparator) separates parts of the scope path, and the root
// scope is referred to as "/".
//
// The Context object uses ScopedParams to store the hyperparameters, see Context.GetParam
// and Context.SetParam. Usually there will be no need for the end user to use this directly.
type ScopedParams struct {
	scopeToMap map[string]map[string]any
}

// NewScopedParams creates an empty ScopedParams.
func NewScopedParams() *ScopedParams {
	return &ScopedParams{
		scopeToMap: make(map[string]map[string]any),
	}
}

// Set the value for the given key, in the given scope.
func (p *ScopedParams) Set(scope, key string, value any) {
	dataMap, found := p.scopeToMap[scope]
	if found && dataMap != nil {
		dataMap[key] = value
		return
	}
	p.scopeToMap[scope] = map[string]any{key: value}
}

// Get retrieves the value for the given key in the given scope or any parent scope.
// E.g: Get("/a/b", "myKey") will search for "myKey" in scopes "/a/b", "/a" and "/"
// consecutively, until "myKey" is found.
//
// It returns the first value found, if any, and whether some value was found.
func (p *ScopedParams) Get(scope, key string) (value any, found bool) {
	scopeParts := strings.Split(scope, ScopeSeparator)
	for ii := len(scopeParts) - 1; ii >= 0; ii-- {
		var dataMap map[string]any
		dataMap, found = p.scopeToMap[scope]
		if found && dataMap != nil {
			value, found = dataMap[key]
			if found {
				return
			}
		}
		scope = scope[:len(scope)-len(scopeParts[ii])]
		if ii > 1 {
			// Remove trailing separator, except for the root scope ("/").
			scope = scope[:len(scope)-len(ScopeSeparator)]
		}
	}
	return nil, false
}

// Enumerate all parameters stored, in deterministic order, and call the given closure with them.
func (p *ScopedParams) Enumerate(fn func(scope, key string, value any)) {
	scopes := make([]string, 0, len(p.scopeToMap))
	for scope := range p.scopeToMap {
		scopes = append(scopes, scope)
	}
	sort.Strings(scopes)
	for _, scope := range scopes {
		keyValues := p.scopeToMap[scope]
		keys := make([]string, 0, len(keyValues))
		for key := range keyValues {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			fn(scope, key, keyValues[key])
		}
	}
}
