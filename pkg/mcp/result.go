package mcp

import (
	"encoding/json"
	"fmt"
	"strings"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// ToolResult is the normalized outcome of a tool call.
type ToolResult struct {
	Success  bool                   `json:"success"`
	Output   interface{}            `json:"output,omitempty"`
	Error    string                 `json:"error,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// ToolInfo describes one tool a server exposes.
type ToolInfo struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	InputSchema map[string]interface{} `json:"input_schema,omitempty"`
}

func resultFromCall(serverID, tool string, res *mcpsdk.CallToolResult) *ToolResult {
	meta := map[string]interface{}{
		"server_id": serverID,
		"tool":      tool,
	}
	if res.IsError {
		msg := textFromContent(res.Content)
		if msg == "" {
			msg = "tool returned an error"
		}
		return &ToolResult{Success: false, Error: msg, Metadata: meta}
	}
	return &ToolResult{Success: true, Output: outputFromResult(res), Metadata: meta}
}

func textFromContent(content []mcpsdk.Content) string {
	var sb strings.Builder
	for _, c := range content {
		if text, ok := c.(*mcpsdk.TextContent); ok {
			sb.WriteString(text.Text)
		}
	}
	return sb.String()
}

func outputFromResult(res *mcpsdk.CallToolResult) interface{} {
	if res.StructuredContent != nil {
		return res.StructuredContent
	}
	if len(res.Content) == 1 {
		return contentItem(res.Content[0])
	}
	items := make([]interface{}, 0, len(res.Content))
	for _, c := range res.Content {
		items = append(items, contentItem(c))
	}
	return items
}

func contentItem(content mcpsdk.Content) interface{} {
	switch c := content.(type) {
	case *mcpsdk.TextContent:
		return c.Text
	case *mcpsdk.ImageContent:
		return map[string]interface{}{"type": "image", "mime_type": c.MIMEType, "data": c.Data}
	case *mcpsdk.AudioContent:
		return map[string]interface{}{"type": "audio", "mime_type": c.MIMEType, "data": c.Data}
	default:
		return fmt.Sprintf("%v", content)
	}
}

func toolInfoFromSDK(tool *mcpsdk.Tool) ToolInfo {
	info := ToolInfo{Name: tool.Name, Description: tool.Description}
	if raw, err := json.Marshal(tool.InputSchema); err == nil && string(raw) != "null" {
		var schema map[string]interface{}
		if json.Unmarshal(raw, &schema) == nil {
			info.InputSchema = schema
		}
	}
	return info
}
