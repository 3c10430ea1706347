package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/secretkv/internal/vault"
)

// SkvServerDeps holds the dependencies for creating an SkvServer.
type SkvServerDeps struct {
	Service *vault.Service
	// Password is used by tool calls that do not pass their own.
	Password string
	Logger   *slog.Logger
	Version  string
}

// SkvServer exposes the vault operations as MCP tools over stdio.
type SkvServer struct {
	service   *vault.Service
	password  string
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewSkvServer creates a new SkvServer with all tools registered.
func NewSkvServer(deps SkvServerDeps) *SkvServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	}
	version := deps.Version
	if version == "" {
		version = "dev"
	}

	s := &SkvServer{
		service:  deps.Service,
		password: deps.Password,
		logger:   logger,
	}

	mcpSrv := server.NewMCPServer(
		"skv",
		version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("skv is a local encrypted, versioned secret store. Use skv.list to enumerate keys, skv.get to read a value or its history, skv.set to store a new version, skv.delete to tombstone a key, and skv.dump to export the store."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *SkvServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *SkvServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *SkvServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: listTool(), Handler: s.handleList},
		{Tool: getTool(), Handler: s.handleGet},
		{Tool: setTool(), Handler: s.handleSet},
		{Tool: deleteTool(), Handler: s.handleDelete},
		{Tool: dumpTool(), Handler: s.handleDump},
	}
}

// --- Tool definitions ---

func passwordArg() mcp.ToolOption {
	return mcp.WithString("password", mcp.Description("Master password (default: the server's configured password)"))
}

func listTool() mcp.Tool {
	return mcp.NewTool("skv.list",
		mcp.WithDescription("List stored keys"),
		mcp.WithBoolean("include_deleted", mcp.Description("Also list keys whose latest value is deleted")),
		mcp.WithString("where", mcp.Description("CEL filter over key (string) and deleted (bool)")),
		passwordArg(),
	)
}

func getTool() mcp.Tool {
	return mcp.NewTool("skv.get",
		mcp.WithDescription("Get the value of a key"),
		mcp.WithString("key", mcp.Required(), mcp.Description("Key name")),
		mcp.WithBoolean("history", mcp.Description("Return every value, oldest first")),
		passwordArg(),
	)
}

func setTool() mcp.Tool {
	return mcp.NewTool("skv.set",
		mcp.WithDescription("Store a new value for a key"),
		mcp.WithString("key", mcp.Required(), mcp.Description("Key name")),
		mcp.WithString("value", mcp.Required(), mcp.Description("Secret value (non-empty)")),
		passwordArg(),
	)
}

func deleteTool() mcp.Tool {
	return mcp.NewTool("skv.delete",
		mcp.WithDescription("Delete a key"),
		mcp.WithString("key", mcp.Required(), mcp.Description("Key name")),
		passwordArg(),
	)
}

func dumpTool() mcp.Tool {
	return mcp.NewTool("skv.dump",
		mcp.WithDescription("Export the store as a dump document"),
		mcp.WithBoolean("plaintext", mcp.Description("Decrypt keys and values")),
		mcp.WithBoolean("history", mcp.Description("Include every version, not only the latest")),
		mcp.WithString("query", mcp.Description("jq program applied to the document")),
		passwordArg(),
	)
}
