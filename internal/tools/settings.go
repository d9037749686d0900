package tools

import (
	"context"
	"encoding/json"
)

type settingsKey struct{}

// WithSettingsHeader parses the MCP-Settings request header (a JSON object)
// and carries it on the context for the tool handlers. An empty or malformed
// header is ignored.
func WithSettingsHeader(ctx context.Context, header string) context.Context {
	if header == "" {
		return ctx
	}
	var settings map[string]any
	if err := json.Unmarshal([]byte(header), &settings); err != nil {
		return ctx
	}
	return context.WithValue(ctx, settingsKey{}, settings)
}

func settingsFromContext(ctx context.Context) map[string]any {
	settings, _ := ctx.Value(settingsKey{}).(map[string]any)
	return settings
}
