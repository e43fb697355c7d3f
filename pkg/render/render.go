// Package render implements the provider-context templating described in
// spec.md §4.2 ("Templating"): url, headers and body are rendered from
// provider fields plus the configured domain, with recursive substitution
// inside JSON objects and arrays. Strings with no "{{...}}" placeholder
// pass through unchanged.
package render

import (
	"bytes"
	"fmt"
	"text/template"

	"github.com/cuemby/beacon/pkg/types"
)

// ProviderContext builds the Context available to a task's templates:
// the provider's own fields plus the scheduler's configured domain.
func ProviderContext(p *types.Provider, domain string) Context {
	return Context{
		"ProviderID":    p.ProviderID,
		"ComponentType": string(p.ComponentType),
		"Blockchain":    string(p.Blockchain),
		"Network":       p.Network,
		"Zone":          p.Zone,
		"CountryCode":   p.CountryCode,
		"IP":            p.IP,
		"Token":         p.Token,
		"Domain":        domain,
	}
}

// Context is the provider-derived data available to templates: every
// exported Provider field plus the scheduler's configured domain.
type Context map[string]any

// String renders a single template string against ctx. A string with no
// "{{" is returned unchanged without invoking the template engine, the
// identity required by spec.md §8's round-trip property ("rendering with
// an empty context must equal the raw template wherever no {{...}} is
// present").
func String(tmpl string, ctx Context) (string, error) {
	if !bytes.Contains([]byte(tmpl), []byte("{{")) {
		return tmpl, nil
	}
	t, err := template.New("tmpl").Option("missingkey=zero").Parse(tmpl)
	if err != nil {
		return tmpl, nil // unrenderable templates pass through unchanged
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, ctx); err != nil {
		return tmpl, nil
	}
	return buf.String(), nil
}

// StringMap renders every value in m against ctx (used for header
// templates).
func StringMap(m map[string]string, ctx Context) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		rendered, err := String(v, ctx)
		if err != nil {
			rendered = v
		}
		out[k] = rendered
	}
	return out
}

// Value recursively renders body templates: strings are rendered via
// String, map and slice values are walked, anything else is returned
// unchanged. This is the "recursive substitution inside JSON objects and
// arrays" contract of spec.md §4.2.
func Value(v any, ctx Context) (any, error) {
	switch t := v.(type) {
	case string:
		return String(t, ctx)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			rv, err := Value(val, ctx)
			if err != nil {
				return nil, fmt.Errorf("rendering key %q: %w", k, err)
			}
			out[k] = rv
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			rv, err := Value(val, ctx)
			if err != nil {
				return nil, fmt.Errorf("rendering index %d: %w", i, err)
			}
			out[i] = rv
		}
		return out, nil
	default:
		return v, nil
	}
}
