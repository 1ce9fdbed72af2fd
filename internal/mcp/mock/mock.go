// Package mock provides an in-memory test double for the MCP [mcp.Host]
// interface.
//
// [Host] records every method call for assertion in tests and exposes
// exported fields that control what the mock returns. It is safe for
// concurrent use via an internal [sync.Mutex].
//
// Typical usage:
//
//	h := &mock.Host{}
//	h.ToolsResult = []types.ToolDefinition{{Name: "search_messages"}}
//	h.ExecuteToolResult = &mcp.ToolResult{Content: `[...]`}
//
//	// inject h into the system under test …
//
//	if got := h.CallCount("ExecuteTool"); got != 1 {
//	    t.Errorf("expected 1 ExecuteTool call, got %d", got)
//	}
package mock

import (
	"context"
	"sync"

	"github.com/feldrow/engram/internal/mcp"
	"github.com/feldrow/engram/pkg/types"
)

// Call records the name and arguments of a single method invocation.
type Call struct {
	// Method is the name of the interface method that was called.
	Method string

	// Args holds the non-context arguments passed to the method, in order.
	Args []any
}

// Host is a configurable test double for [mcp.Host].
// All exported *Err fields default to nil (success); all exported *Result
// fields default to nil / zero values.
type Host struct {
	mu sync.Mutex

	// calls records every method invocation in order.
	calls []Call

	// builtins holds handlers registered via RegisterBuiltin, keyed by tool
	// name. When ExecuteTool is called for a registered builtin and
	// ExecuteToolResult/ExecuteToolErr are unset, the handler runs for real.
	builtins map[string]mcp.BuiltinHandler

	// builtinDefs holds the definitions registered via RegisterBuiltin, in
	// registration order.
	builtinDefs []types.ToolDefinition

	// RegisterServerErr is returned by [Host.RegisterServer] when non-nil.
	RegisterServerErr error

	// ToolsResult is returned by [Host.Tools] when non-nil. When nil, Tools
	// returns the definitions registered via RegisterBuiltin (possibly
	// empty, never nil).
	ToolsResult []types.ToolDefinition

	// ExecuteToolResult is returned by [Host.ExecuteTool] when ExecuteToolErr
	// is nil. When both are nil and the tool is a registered builtin, the
	// builtin handler is invoked; otherwise a zero-value *ToolResult is
	// returned.
	ExecuteToolResult *mcp.ToolResult

	// ExecuteToolErr is returned by [Host.ExecuteTool] when non-nil.
	ExecuteToolErr error

	// CloseErr is returned by [Host.Close] when non-nil.
	CloseErr error
}

// Ensure Host satisfies the interface at compile time.
var _ mcp.Host = (*Host)(nil)

// Calls returns a copy of all recorded method invocations.
func (h *Host) Calls() []Call {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Call, len(h.calls))
	copy(out, h.calls)
	return out
}

// CallCount returns how many times the named method was invoked.
func (h *Host) CallCount(method string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, c := range h.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Reset clears all recorded calls without altering response configuration.
func (h *Host) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = nil
}

// RegisterBuiltin implements [mcp.Host].
func (h *Host) RegisterBuiltin(def types.ToolDefinition, handler mcp.BuiltinHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, Call{Method: "RegisterBuiltin", Args: []any{def}})
	if h.builtins == nil {
		h.builtins = make(map[string]mcp.BuiltinHandler)
	}
	h.builtins[def.Name] = handler
	h.builtinDefs = append(h.builtinDefs, def)
}

// RegisterServer implements [mcp.Host].
func (h *Host) RegisterServer(_ context.Context, cfg mcp.ServerConfig) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, Call{Method: "RegisterServer", Args: []any{cfg}})
	return h.RegisterServerErr
}

// Tools implements [mcp.Host].
func (h *Host) Tools() []types.ToolDefinition {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, Call{Method: "Tools", Args: nil})
	src := h.ToolsResult
	if src == nil {
		src = h.builtinDefs
	}
	out := make([]types.ToolDefinition, len(src))
	copy(out, src)
	return out
}

// ExecuteTool implements [mcp.Host].
func (h *Host) ExecuteTool(ctx context.Context, name string, args string) (*mcp.ToolResult, error) {
	h.mu.Lock()
	h.calls = append(h.calls, Call{Method: "ExecuteTool", Args: []any{name, args}})
	errResult := h.ExecuteToolErr
	scripted := h.ExecuteToolResult
	handler := h.builtins[name]
	h.mu.Unlock()

	if errResult != nil {
		return nil, errResult
	}
	if scripted != nil {
		// Return a copy so the caller cannot mutate the configured result.
		cp := *scripted
		return &cp, nil
	}
	if handler != nil {
		output, err := handler(ctx, args)
		if err != nil {
			return &mcp.ToolResult{Content: err.Error(), IsError: true}, nil
		}
		return &mcp.ToolResult{Content: output}, nil
	}
	return &mcp.ToolResult{}, nil
}

// Close implements [mcp.Host].
func (h *Host) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, Call{Method: "Close", Args: nil})
	return h.CloseErr
}
