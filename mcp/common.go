package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/niftydash/kite-dashboard/kc"
	"github.com/niftydash/kite-dashboard/market"
)

// Context key for session type
type contextKey string

const (
	sessionTypeKey contextKey = "session_type"
)

// Session type constants
const (
	SessionTypeSSE     = "sse"
	SessionTypeMCP     = "mcp"
	SessionTypeStdio   = "stdio"
	SessionTypeUnknown = "unknown"
)

// WithSessionType adds session type to context
func WithSessionType(ctx context.Context, sessionType string) context.Context {
	return context.WithValue(ctx, sessionTypeKey, sessionType)
}

// SessionTypeFromContext extracts session type from context
func SessionTypeFromContext(ctx context.Context) string {
	if sessionType, ok := ctx.Value(sessionTypeKey).(string); ok {
		return sessionType
	}
	return SessionTypeUnknown // default fallback for undetermined sessions
}

// ToolHandler provides common functionality for all MCP tools
type ToolHandler struct {
	manager *kc.Manager
}

// NewToolHandler creates a new tool handler with the given manager
func NewToolHandler(manager *kc.Manager) *ToolHandler {
	return &ToolHandler{manager: manager}
}

// trackToolCall counts the call and its outcome.
func (h *ToolHandler) trackToolCall(ctx context.Context, toolName string, err error) {
	h.manager.Metrics().ToolCall(toolName, err)
	if err != nil {
		h.manager.Logger.Debug("Tool call failed", "tool", toolName,
			"session_type", SessionTypeFromContext(ctx), "error", err)
	}
}

// MarshalResponse marshals data to JSON and returns an MCP text result
func (h *ToolHandler) MarshalResponse(data any, toolName string) (*mcp.CallToolResult, error) {
	v, err := json.Marshal(data)
	if err != nil {
		h.manager.Logger.Error("Failed to marshal response", "tool", toolName, "error", err)
		return mcp.NewToolResultError("Failed to process response data"), nil
	}

	h.manager.Logger.Debug("Response marshaled successfully", "tool", toolName, "response_size", len(v))
	return mcp.NewToolResultText(string(v)), nil
}

// errNoSnapshot is reported when the boundary returned an error payload.
var errNoSnapshot = errors.New("no snapshot")

// WithSnapshot reads the current snapshot and hands it to fn. An error
// payload from the boundary becomes a tool error result.
func (h *ToolHandler) WithSnapshot(ctx context.Context, toolName string, fn func(market.SnapshotResult) (any, error)) (*mcp.CallToolResult, error) {
	res := h.manager.Snapshot(ctx)
	if res.Snapshot == nil {
		payload := res.Error
		if payload == nil {
			payload = market.NewErrorPayload(errNoSnapshot)
		}
		h.trackToolCall(ctx, toolName, errNoSnapshot)
		return mcp.NewToolResultError(fmt.Sprintf("Market data unavailable (%s): %s", payload.Kind, payload.Cause)), nil
	}

	data, err := fn(res)
	h.trackToolCall(ctx, toolName, err)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return h.MarshalResponse(data, toolName)
}

// SnapshotToolHandler creates a handler for tools that answer from the
// current snapshot.
func SnapshotToolHandler(manager *kc.Manager, toolName string, fn func(mcp.CallToolRequest, market.SnapshotResult) (any, error)) server.ToolHandlerFunc {
	handler := NewToolHandler(manager)
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return handler.WithSnapshot(ctx, toolName, func(res market.SnapshotResult) (any, error) {
			return fn(request, res)
		})
	}
}

// ValidationError represents a parameter validation error
type ValidationError struct {
	Parameter string
	Message   string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("parameter '%s': %s", e.Parameter, e.Message)
}

// ValidateRequired checks if required parameters are present and non-empty
func ValidateRequired(args map[string]any, required ...string) error {
	for _, param := range required {
		value := args[param]
		if value == nil {
			return ValidationError{Parameter: param, Message: "is required"}
		}

		if str, ok := value.(string); ok && str == "" {
			return ValidationError{Parameter: param, Message: "cannot be empty"}
		}

		switch v := value.(type) {
		case []any:
			if len(v) == 0 {
				return ValidationError{Parameter: param, Message: "cannot be empty"}
			}
		case []string:
			if len(v) == 0 {
				return ValidationError{Parameter: param, Message: "cannot be empty"}
			}
		}
	}
	return nil
}

// SafeAssertString safely converts any to string with fallback
func SafeAssertString(v any, fallback string) string {
	if v == nil {
		return fallback
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

// SafeAssertInt safely converts any to int with fallback
func SafeAssertInt(v any, fallback int) int {
	if v == nil {
		return fallback
	}
	if i, ok := v.(int); ok {
		return i
	}
	if f, ok := v.(float64); ok {
		return int(f)
	}
	return fallback
}

// SafeAssertStringArray safely converts any to []string with fallback
func SafeAssertStringArray(v any) []string {
	if v == nil {
		return nil
	}

	arr, ok := v.([]any)
	if !ok {
		return nil
	}

	result := make([]string, 0, len(arr))
	for _, item := range arr {
		str := SafeAssertString(item, "")
		if str != "" {
			result = append(result, str)
		}
	}
	return result
}

// PaginationParams holds pagination parameters
type PaginationParams struct {
	From  int
	Limit int
}

// ParsePaginationParams extracts pagination parameters from arguments
func ParsePaginationParams(args map[string]any) PaginationParams {
	return PaginationParams{
		From:  SafeAssertInt(args["from"], 0),
		Limit: SafeAssertInt(args["limit"], 0),
	}
}

// ApplyPagination returns the page of data selected by params.
func ApplyPagination[T any](data []T, params PaginationParams) []T {
	if len(data) == 0 {
		return data
	}

	from := min(max(params.From, 0), len(data))
	if params.Limit <= 0 {
		return data[from:]
	}
	end := min(from+params.Limit, len(data))
	return data[from:end]
}
