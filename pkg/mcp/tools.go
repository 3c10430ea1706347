package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rendis/secretkv/internal/vault"
	"github.com/rendis/secretkv/pkg/schema"
)

const errOperationFailed = "operation failed"

func (s *SkvServer) handleList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	opts := vault.ListOptions{
		IncludeDeleted: req.GetBool("include_deleted", false),
		Where:          req.GetString("where", ""),
	}
	return resultOf(vault.List(ctx, s.service, s.passwordFor(req), opts))
}

func (s *SkvServer) handleGet(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	key, err := req.RequireString("key")
	if err != nil {
		return mcp.NewToolResultError("key is required"), nil
	}
	history := req.GetBool("history", false)
	return resultOf(vault.Get(ctx, s.service, key, s.passwordFor(req), history))
}

func (s *SkvServer) handleSet(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	key, err := req.RequireString("key")
	if err != nil {
		return mcp.NewToolResultError("key is required"), nil
	}
	value, err := req.RequireString("value")
	if err != nil {
		return mcp.NewToolResultError("value is required"), nil
	}
	return resultOf(vault.Set(ctx, s.service, key, value, s.passwordFor(req)))
}

func (s *SkvServer) handleDelete(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	key, err := req.RequireString("key")
	if err != nil {
		return mcp.NewToolResultError("key is required"), nil
	}
	return resultOf(vault.Delete(ctx, s.service, key, s.passwordFor(req)))
}

// handleDump returns the dump document itself rather than the key list.
func (s *SkvServer) handleDump(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	opts := vault.DumpOptions{
		Plaintext: req.GetBool("plaintext", false),
		History:   req.GetBool("history", false),
		Query:     req.GetString("query", ""),
	}

	var buf bytes.Buffer
	r := vault.Dump(ctx, s.service, s.passwordFor(req), opts, &buf)
	if !r.IsOk() {
		return mcp.NewToolResultError(errOperationFailed), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(bytes.TrimSpace(buf.Bytes())))
}

func (s *SkvServer) passwordFor(req mcp.CallToolRequest) string {
	return req.GetString("password", s.password)
}

// resultOf converts a caller-facing Result into a tool result. Err results
// become tool errors without detail.
func resultOf(r schema.Result) (*mcp.CallToolResult, error) {
	if !r.IsOk() {
		return mcp.NewToolResultError(errOperationFailed), nil
	}
	return marshalResult(r)
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
