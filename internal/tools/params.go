package tools

import (
	"encoding/json"
	"strings"

	registrystore "github.com/chirino/mcp-memory/internal/registry/store"
)

// normalizeLabels turns a labels value of any accepted shape (list of
// strings, comma-separated string, nil) into a clean slice: items trimmed,
// empties dropped.
func normalizeLabels(value any) []string {
	switch v := value.(type) {
	case nil:
		return nil
	case []string:
		out := make([]string, 0, len(v))
		for _, s := range v {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		return out
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				continue
			}
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		var out []string
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// parseLabelsArg accepts the label-mutation argument in either form: a JSON
// array literal or a comma-separated string.
func parseLabelsArg(value any) []string {
	if s, ok := value.(string); ok {
		trimmed := strings.TrimSpace(s)
		if strings.HasPrefix(trimmed, "[") {
			var list []any
			if err := json.Unmarshal([]byte(trimmed), &list); err == nil {
				return normalizeLabels(list)
			}
		}
		return normalizeLabels(s)
	}
	return normalizeLabels(value)
}

// dedupeLabels removes exact duplicates preserving first-seen order.
func dedupeLabels(labels []string) []string {
	seen := make(map[string]bool, len(labels))
	out := make([]string, 0, len(labels))
	for _, l := range labels {
		if seen[l] {
			continue
		}
		seen[l] = true
		out = append(out, l)
	}
	return out
}

// extractJSONParams unwraps the JSON-in-parameter tolerance: some clients
// pack every argument into one JSON object string. When value parses as an
// object carrying requiredKey, the embedded content/labels/source win over
// the sibling parameters. Otherwise the value passes through untouched.
func extractJSONParams(value, requiredKey string) (extracted string, labels, source any) {
	trimmed := strings.TrimSpace(value)
	if !strings.HasPrefix(trimmed, "{") || !strings.HasSuffix(trimmed, "}") {
		return value, nil, nil
	}
	var parsed map[string]any
	if err := json.Unmarshal([]byte(trimmed), &parsed); err != nil {
		return value, nil, nil
	}
	inner, ok := parsed[requiredKey].(string)
	if !ok {
		return value, nil, nil
	}
	return inner, parsed["labels"], parsed["source"]
}

// buildFilters renders the shared filter grammar into store filters. A
// leading "!" marks a label term (or the source term) as an exclusion.
func buildFilters(namespace string, labels any, source string, plainOnly bool) registrystore.Filters {
	f := registrystore.Filters{Namespace: namespace, PlainOnly: plainOnly}
	for _, term := range normalizeLabels(labels) {
		if neg, ok := strings.CutPrefix(term, "!"); ok {
			if neg = strings.TrimSpace(neg); neg != "" {
				f.ExcludeLabels = append(f.ExcludeLabels, neg)
			}
			continue
		}
		f.IncludeLabels = append(f.IncludeLabels, term)
	}
	source = strings.TrimSpace(source)
	if neg, ok := strings.CutPrefix(source, "!"); ok {
		f.Source = strings.TrimSpace(neg)
		f.SourceExclude = f.Source != ""
	} else {
		f.Source = source
	}
	return f
}
