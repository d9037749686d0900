package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/mcp-memory/internal/security"
	"github.com/chirino/mcp-memory/internal/timing"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// paramError is a tool-level validation failure. It becomes a structured
// result the calling model can read and self-correct from, never a protocol
// error.
type paramError struct {
	Param   string
	Message string
	Value   any
}

func (e *paramError) Error() string {
	return fmt.Sprintf("%s: %s", e.Param, e.Message)
}

// handlerFunc is the inner tool implementation: parsed args in, result
// object out. The wrapper owns serialization, timing and error shaping.
type handlerFunc func(ctx context.Context, req mcp.CallToolRequest) (map[string]any, error)

// wrap applies the shared tool pipeline: a per-call timer, validation-error
// shaping, the current_time/timezone fields and the performance summary.
func (t *Tools) wrap(name string, fn handlerFunc) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		ctx, timer := timing.WithTimer(ctx)
		start := time.Now()
		result, err := fn(ctx, req)
		total := time.Since(start)

		outcome := "success"
		var pe *paramError
		switch {
		case errors.As(err, &pe):
			outcome = "invalid"
			result = map[string]any{
				"error": "Invalid parameter",
				"details": fmt.Sprintf("%s: %s, received %v (%s)",
					pe.Param, pe.Message, pe.Value, jsonTypeName(pe.Value)),
			}
			// Validation short-circuits before any real work; report zeroes.
			timer = nil
			total = 0
		case err != nil:
			outcome = "error"
			recordToolCall(name, outcome, total)
			log.Error("Tool call failed", "tool", name, "err", err)
			return mcp.NewToolResultError(err.Error()), nil
		}

		t.decorate(result, timer, total)
		recordToolCall(name, outcome, total)

		data, err := json.Marshal(result)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to encode result: %v", err)), nil
		}
		return mcp.NewToolResultText(string(data)), nil
	}
}

// decorate adds the current_time/timezone fields and the performance summary
// "<embed> <db> <total>" in three-decimal seconds.
func (t *Tools) decorate(result map[string]any, timer *timing.Timer, total time.Duration) {
	if !t.cfg.TimezoneDisabled() {
		now := time.Now().In(t.cfg.Location())
		result["current_time"] = formatCurrentTime(now)
		zone := strings.TrimSpace(t.cfg.Timezone)
		if zone == "" {
			zone = "UTC"
		}
		result["timezone"] = zone
	}
	if t.cfg.PerformanceMetrics {
		result["performance"] = fmt.Sprintf("%.3f %.3f %.3f",
			timer.Embed().Seconds(), timer.DB().Seconds(), total.Seconds())
	}
}

func recordToolCall(name, outcome string, total time.Duration) {
	if security.ToolCallsTotal != nil {
		security.ToolCallsTotal.WithLabelValues(name, outcome).Inc()
	}
	if security.ToolCallDuration != nil {
		security.ToolCallDuration.WithLabelValues(name).Observe(total.Seconds())
	}
}

// jsonTypeName names a decoded JSON value's type the way a schema would.
func jsonTypeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "boolean"
	case float64, int, int64:
		return "number"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return fmt.Sprintf("%T", v)
	}
}

// --- argument accessors ---

func requireString(req mcp.CallToolRequest, name string) (string, error) {
	v, ok := req.GetArguments()[name]
	if !ok || v == nil {
		return "", &paramError{Param: name, Message: "Expected a non-empty string", Value: v}
	}
	s, ok := v.(string)
	if !ok {
		return "", &paramError{Param: name, Message: "Expected a string", Value: v}
	}
	if strings.TrimSpace(s) == "" {
		return "", &paramError{Param: name, Message: "Expected a non-empty string", Value: s}
	}
	return s, nil
}

func optionalString(req mcp.CallToolRequest, name string) (string, error) {
	v, ok := req.GetArguments()[name]
	if !ok || v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", &paramError{Param: name, Message: "Expected a string", Value: v}
	}
	return s, nil
}

func requireMemoryID(req mcp.CallToolRequest, name string) (int64, error) {
	v, ok := req.GetArguments()[name]
	if !ok || v == nil {
		return 0, &paramError{Param: name, Message: "Expected an integer memory id", Value: v}
	}
	switch id := v.(type) {
	case float64:
		if id != float64(int64(id)) || id <= 0 {
			return 0, &paramError{Param: name, Message: "Expected a positive integer memory id", Value: v}
		}
		return int64(id), nil
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(id), 10, 64)
		if err != nil || n <= 0 {
			return 0, &paramError{Param: name, Message: "Expected a positive integer memory id", Value: v}
		}
		return n, nil
	default:
		return 0, &paramError{Param: name, Message: "Expected an integer memory id", Value: v}
	}
}

func optionalPositiveInt(req mcp.CallToolRequest, name string, def int) (int, error) {
	v, ok := req.GetArguments()[name]
	if !ok || v == nil {
		return def, nil
	}
	switch n := v.(type) {
	case float64:
		if n != float64(int(n)) || n <= 0 {
			return 0, &paramError{Param: name, Message: "Expected a positive integer", Value: v}
		}
		return int(n), nil
	case string:
		parsed, err := strconv.Atoi(strings.TrimSpace(n))
		if err != nil || parsed <= 0 {
			return 0, &paramError{Param: name, Message: "Expected a positive integer", Value: v}
		}
		return parsed, nil
	default:
		return 0, &paramError{Param: name, Message: "Expected a positive integer", Value: v}
	}
}
