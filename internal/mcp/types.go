// Package mcp implements the server side of the Model Context Protocol:
// line-delimited JSON-RPC 2.0 over standard input/output, exposing the
// audit tool to a connected client.
package mcp

import (
	"encoding/json"
)

// jsonRPCVersion is the protocol version stamped on every message.
const jsonRPCVersion = "2.0"

// protocolVersion is the MCP revision this server speaks.
const protocolVersion = "2024-11-05"

// JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Request is one inbound JSON-RPC message. The id is kept raw and echoed
// back verbatim; clients may use numbers or strings. A missing or null id
// marks a notification.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// isNotification reports whether the request expects no response.
func (r *Request) isNotification() bool {
	return len(r.ID) == 0 || string(r.ID) == "null"
}

// Response is one outbound JSON-RPC message.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is the JSON-RPC error object.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Tool is one entry of a tools/list result.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// ToolContent is one content item of a tool result.
type ToolContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// CallToolResult is the result payload of a tools/call response. IsError
// marks tool-level failures (bad thought shape); protocol-level failures
// use the JSON-RPC error object instead.
type CallToolResult struct {
	Content []ToolContent `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}

// callParams are the parameters of a tools/call request.
type callParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// listToolsResult is the result payload of a tools/list response.
type listToolsResult struct {
	Tools []Tool `json:"tools"`
}

// serverInfo identifies this server in the initialize handshake.
type serverInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// initializeResult is the result payload of the initialize handshake.
type initializeResult struct {
	ProtocolVersion string                 `json:"protocolVersion"`
	Capabilities    map[string]interface{} `json:"capabilities"`
	ServerInfo      serverInfo             `json:"serverInfo"`
}

// ToolName is the sole tool this server exposes.
const ToolName = "gansauditor_codex"

// AuditTool returns the tool descriptor served by tools/list.
func AuditTool() Tool {
	return Tool{
		Name: ToolName,
		Description: "Submits one thinking step for iterative code auditing. " +
			"Thoughts carrying code (fenced blocks, diffs, or code-like prose) are reviewed and scored; " +
			"the response reports completion status, loop progress, and structured feedback for the next iteration. " +
			"Use branchId as a stable session key and loopId to keep one reviewer context across iterations. " +
			"An optional fenced gan-config block inside the thought adjusts task, scope, threshold, and judges.",
		InputSchema: json.RawMessage(`{
  "type": "object",
  "properties": {
    "thought": {
      "type": "string",
      "description": "The current thinking step; may carry fenced code and a gan-config block"
    },
    "thoughtNumber": {
      "type": "integer",
      "minimum": 1,
      "description": "Current thought number"
    },
    "totalThoughts": {
      "type": "integer",
      "minimum": 1,
      "description": "Estimated total thoughts needed"
    },
    "nextThoughtNeeded": {
      "type": "boolean",
      "description": "Whether another thought step is needed"
    },
    "isRevision": {
      "type": "boolean",
      "description": "Whether this thought revises previous thinking"
    },
    "revisesThought": {
      "type": "integer",
      "minimum": 1,
      "description": "Which thought number is being reconsidered"
    },
    "branchFromThought": {
      "type": "integer",
      "minimum": 1,
      "description": "Thought number this branch forks from"
    },
    "branchId": {
      "type": "string",
      "description": "Branch identifier; doubles as the audit session id"
    },
    "loopId": {
      "type": "string",
      "description": "Loop identifier binding iterations to one persistent reviewer context"
    },
    "needsMoreThoughts": {
      "type": "boolean",
      "description": "Whether more thoughts are needed beyond the current estimate"
    }
  },
  "required": ["thought", "thoughtNumber", "totalThoughts", "nextThoughtNeeded"]
}`),
	}
}
