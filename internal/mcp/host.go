// Package mcp defines the interface for a Model Context Protocol (MCP) host.
//
// The MCP host maintains the catalogue of tools offered to the agent: builtin
// tools registered by the application (the message search tool) and tools
// imported from external MCP servers declared in configuration.
//
// Lifecycle:
//
//  1. Call [Host.RegisterBuiltin] for each application-provided tool.
//  2. Call [Host.RegisterServer] for each external MCP server to connect to.
//  3. Use [Host.Tools] to enumerate all available tool definitions.
//  4. Use [Host.ExecuteTool] to run tools on behalf of the agent.
//  5. Call [Host.Close] to release all connections and background goroutines.
//
// All methods must be safe for concurrent use.
package mcp

import (
	"context"

	"github.com/feldrow/engram/pkg/types"
)

// BuiltinHandler executes one builtin tool call. args is the JSON-encoded
// argument object. A returned error becomes an application-level failure
// ([ToolResult.IsError]); it never aborts the agent loop.
type BuiltinHandler func(ctx context.Context, args string) (string, error)

// Host manages the tool catalogue and routes tool calls.
//
// Implementations must be safe for concurrent use.
type Host interface {
	// RegisterBuiltin adds an application-provided tool to the catalogue.
	// Registering a name twice replaces the previous handler.
	RegisterBuiltin(def types.ToolDefinition, handler BuiltinHandler)

	// RegisterServer connects to the MCP server described by cfg and imports
	// its tool catalogue. If a server with the same Name is already
	// registered it is reconnected rather than duplicated.
	//
	// Returns an error if the transport cannot be established or the initial
	// tool listing request fails.
	RegisterServer(ctx context.Context, cfg ServerConfig) error

	// Tools returns all available tool definitions: builtins first, then
	// imported server tools sorted by name.
	Tools() []types.ToolDefinition

	// ExecuteTool calls the named tool with JSON-encoded args and returns the
	// result. name must exactly match a definition returned by [Host.Tools].
	//
	// A non-nil *ToolResult is returned on success even when
	// [ToolResult.IsError] is true (application-level error). A Go error is
	// returned only on transport or protocol failure, or when the tool is
	// unknown.
	ExecuteTool(ctx context.Context, name string, args string) (*ToolResult, error)

	// Close shuts down all server connections and releases associated
	// resources. After Close returns the Host must not be used again.
	Close() error
}
