package gateway

import (
	"encoding/json"
	"strings"
)

// Role constants for conversation messages.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one conversation turn in OpenAI chat format.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
}

// ToolCall is one operation the reasoning service asked the orchestrator to
// execute.
type ToolCall struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

// ToolSchema describes an invokable tool in the request payload.
type ToolSchema struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// Request is one reasoning-service call.
type Request struct {
	Messages     []Message
	SystemPrompt string
	Tools        []ToolSchema
	JSONMode     bool
	MaxTokens    int
	Temperature  float64
}

// Response is the normalized reasoning-service reply. When JSONMode was
// requested, ParsedJSON holds the tolerant parse of Content; callers must
// handle a nil ParsedJSON by substituting their documented default object.
type Response struct {
	Content    string
	ParsedJSON map[string]interface{}
	ToolCalls  []ToolCall
	TokensUsed int
}

// ParseJSONResponse extracts a JSON object from model output, tolerating
// markdown code fences and surrounding prose. Returns nil when no object can
// be recovered.
func ParseJSONResponse(content string) map[string]interface{} {
	s := content
	if idx := strings.Index(s, "```json"); idx >= 0 {
		s = s[idx+len("```json"):]
		if end := strings.Index(s, "```"); end >= 0 {
			s = s[:end]
		}
	} else if idx := strings.Index(s, "```"); idx >= 0 {
		s = s[idx+3:]
		if end := strings.Index(s, "```"); end >= 0 {
			s = s[:end]
		}
	}
	s = strings.TrimSpace(s)

	var out map[string]interface{}
	if err := json.Unmarshal([]byte(s), &out); err == nil {
		return out
	}

	// Rescue: take the outermost brace pair.
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start >= 0 && end > start {
		if err := json.Unmarshal([]byte(s[start:end+1]), &out); err == nil {
			return out
		}
	}
	return nil
}
